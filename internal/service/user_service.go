package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"reservia/internal/database"
	"reservia/internal/domain"
	"reservia/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserExists         = errors.New("user already exists")
	ErrTooManyAttempts    = errors.New("too many login attempts")
)

// UserService owns registration, login and session issue/revoke. The
// reservation engine never sees any of this; it only receives user ids.
type UserService struct {
	db         *database.DB
	sessions   domain.SessionRepository
	logger     *zerolog.Logger
	bcryptCost int
}

func NewUserService(db *database.DB, sessions domain.SessionRepository, logger *zerolog.Logger) *UserService {
	return &UserService{
		db:         db,
		sessions:   sessions,
		logger:     logger,
		bcryptCost: bcrypt.DefaultCost,
	}
}

func (s *UserService) CreateUser(ctx context.Context, name, email, password string, isAdmin bool) (*models.User, error) {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)
	if name == "" || email == "" || password == "" {
		return nil, fmt.Errorf("name, email and password are required")
	}

	if _, err := s.db.GetUserByName(ctx, name); err == nil {
		return nil, ErrUserExists
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to check existing user: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &models.User{
		Name:         name,
		Email:        email,
		PasswordHash: string(hash),
		IsAdmin:      isAdmin,
	}
	if err := s.db.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	s.logger.Info().Str("name", name).Bool("is_admin", isAdmin).Msg("user created")
	return user, nil
}

// Login verifies credentials and issues a session token. Attempts are
// throttled per name; when the counter backend errors the attempt
// proceeds and the failure is logged.
func (s *UserService) Login(ctx context.Context, name, password string) (*models.Session, error) {
	allowed, err := s.sessions.CheckRateLimit(ctx, "login:"+name, models.LoginAttemptLimit, models.LoginAttemptWindow)
	if err != nil {
		s.logger.Warn().Err(err).Str("name", name).Msg("login rate limit check failed")
	} else if !allowed {
		s.logger.Warn().Str("name", name).Msg("login attempts throttled")
		return nil, ErrTooManyAttempts
	}

	user, err := s.db.GetUserByName(ctx, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}

	session := &models.Session{
		Token:     uuid.NewString(),
		UserID:    user.ID,
		UserName:  user.Name,
		IsAdmin:   user.IsAdmin,
		CreatedAt: time.Now(),
	}
	if err := s.sessions.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.logger.Info().Str("name", name).Msg("user logged in")
	return session, nil
}

func (s *UserService) Logout(ctx context.Context, token string) error {
	return s.sessions.DeleteSession(ctx, token)
}

// Authenticate resolves a session token; nil session means not logged in.
func (s *UserService) Authenticate(ctx context.Context, token string) (*models.Session, error) {
	if token == "" {
		return nil, nil
	}
	return s.sessions.GetSession(ctx, token)
}

func (s *UserService) GetAllUsers(ctx context.Context) ([]*models.User, error) {
	return s.db.GetAllUsers(ctx)
}
