package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"reservia/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App         AppConfig         `yaml:"app"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`
	Logging     LoggingConfig     `yaml:"logging"`
	API         APIConfig         `yaml:"api"`
	Reservation ReservationConfig `yaml:"reservation"`
	Session     SessionConfig     `yaml:"session"`
	Resources   []models.Resource `yaml:"resources"`
	Exports     ExportConfig      `yaml:"exports"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

// ReservationConfig carries the lifecycle timeouts consumed by the engine.
// RequestedTimeoutSeconds = 0 disables expiry for queued reservations.
type ReservationConfig struct {
	ApprovedTimeoutSeconds  int `yaml:"approved_timeout_seconds"`
	RequestedTimeoutSeconds int `yaml:"requested_timeout_seconds"`
	SweepIntervalSeconds    int `yaml:"sweep_interval_seconds"`
}

func (c ReservationConfig) ApprovedTimeout() time.Duration {
	return time.Duration(c.ApprovedTimeoutSeconds) * time.Second
}

func (c ReservationConfig) RequestedTimeout() time.Duration {
	return time.Duration(c.RequestedTimeoutSeconds) * time.Second
}

func (c ReservationConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

type SessionConfig struct {
	TTLSeconds int    `yaml:"ttl_seconds"`
	CookieName string `yaml:"cookie_name"`
}

func (c SessionConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type APIAuthConfig struct {
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type ExportConfig struct {
	Path string `yaml:"path"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

func Load(configPath string) (*Config, error) {
	// .env не обязателен, читаем если есть
	_ = godotenv.Load(".env")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// Предварительная замена переменных окружения в YAML
	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}

	if c.Reservation.ApprovedTimeoutSeconds <= 0 {
		return errors.New("reservation.approved_timeout_seconds must be positive")
	}
	if c.Reservation.RequestedTimeoutSeconds < 0 {
		return errors.New("reservation.requested_timeout_seconds must not be negative")
	}
	if c.Reservation.SweepIntervalSeconds <= 0 {
		return errors.New("reservation.sweep_interval_seconds must be positive")
	}

	return ValidateResources(c.Resources)
}

func ValidateResources(resources []models.Resource) error {
	ids := make(map[int64]bool)
	names := make(map[string]bool)
	for _, res := range resources {
		if res.ID == 0 {
			return fmt.Errorf("resource '%s' has invalid ID 0", res.Name)
		}
		if res.Name == "" {
			return fmt.Errorf("resource %d has empty name", res.ID)
		}
		if ids[res.ID] {
			return fmt.Errorf("duplicate resource ID found: %d", res.ID)
		}
		if names[res.Name] {
			return fmt.Errorf("duplicate resource name found: %s", res.Name)
		}
		ids[res.ID] = true
		names[res.Name] = true
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if !c.API.HTTP.Enabled && c.API.Enabled {
		c.API.HTTP.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.RateLimit.RPS == 0 {
		c.API.RateLimit.RPS = models.RateLimitRPS
	}
	if c.API.RateLimit.Burst == 0 {
		c.API.RateLimit.Burst = models.RateLimitBurst
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}

	if c.Reservation.ApprovedTimeoutSeconds == 0 {
		c.Reservation.ApprovedTimeoutSeconds = int(models.DefaultApprovedTimeout / time.Second)
	}
	if c.Reservation.SweepIntervalSeconds == 0 {
		c.Reservation.SweepIntervalSeconds = int(models.DefaultSweepInterval / time.Second)
	}

	if c.Session.TTLSeconds == 0 {
		c.Session.TTLSeconds = int(models.DefaultSessionTTL / time.Second)
	}
	if c.Session.CookieName == "" {
		c.Session.CookieName = "session"
	}
}
