package api

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"sync"

	"reservia/internal/config"
	"reservia/internal/models"
	"reservia/internal/service"

	"golang.org/x/time/rate"
)

type contextKey string

const sessionContextKey contextKey = "session"

// HTTPAuth проверяет API-ключи и ограничивает частоту запросов.
// Сессионная аутентификация пользователей живёт отдельно, в RequireSession.
type HTTPAuth struct {
	header     string
	clients    map[string]config.APIClientKey
	rateLimit  config.APIRateLimitConfig
	limiters   sync.Map // clientKey -> *rate.Limiter
	users      *service.UserService
	cookieName string
}

func NewHTTPAuth(cfg config.APIConfig, users *service.UserService, cookieName string) *HTTPAuth {
	clients := make(map[string]config.APIClientKey, len(cfg.Auth.APIKeys))
	for _, c := range cfg.Auth.APIKeys {
		clients[c.Key] = c
	}
	header := cfg.Auth.HeaderAPIKey
	if header == "" {
		header = "X-API-Key"
	}
	if cookieName == "" {
		cookieName = "reservia_session"
	}
	return &HTTPAuth{
		header:     header,
		clients:    clients,
		rateLimit:  cfg.RateLimit,
		users:      users,
		cookieName: cookieName,
	}
}

// Wrap applies API-key auth and rate limiting to every /api/ path.
// When no keys are configured the key check is skipped and only the
// rate limiter applies.
func (a *HTTPAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}

		client, ok := a.checkAuth(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}

		if !a.checkRateLimit(r, client) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *HTTPAuth) checkAuth(r *http.Request) (config.APIClientKey, bool) {
	if len(a.clients) == 0 {
		return config.APIClientKey{}, true
	}

	key := r.Header.Get(a.header)
	if key == "" {
		return config.APIClientKey{}, false
	}

	// Сравниваем в константное время, чтобы не утекала длина совпадения.
	for stored, client := range a.clients {
		if subtle.ConstantTimeCompare([]byte(stored), []byte(key)) == 1 {
			return client, true
		}
	}
	return config.APIClientKey{}, false
}

func (a *HTTPAuth) checkRateLimit(r *http.Request, client config.APIClientKey) bool {
	if a.rateLimit.RPS <= 0 {
		return true
	}
	return a.getLimiter(a.clientKey(r, client)).Allow()
}

func (a *HTTPAuth) clientKey(r *http.Request, client config.APIClientKey) string {
	if client.Name != "" {
		return client.Name
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (a *HTTPAuth) getLimiter(key string) *rate.Limiter {
	if l, ok := a.limiters.Load(key); ok {
		return l.(*rate.Limiter)
	}
	limiter := rate.NewLimiter(rate.Limit(a.rateLimit.RPS), a.rateLimit.Burst)
	actual, _ := a.limiters.LoadOrStore(key, limiter)
	return actual.(*rate.Limiter)
}

// RequireSession resolves the session cookie and puts the session into
// the request context. Unauthenticated requests get 401.
func (a *HTTPAuth) RequireSession(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session := a.resolveSession(r)
		if session == nil {
			writeError(w, http.StatusUnauthorized, "not logged in")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionContextKey, session)))
	})
}

// RequireAdmin is RequireSession plus the admin flag.
func (a *HTTPAuth) RequireAdmin(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session := a.resolveSession(r)
		if session == nil {
			writeError(w, http.StatusUnauthorized, "not logged in")
			return
		}
		if !session.IsAdmin {
			writeError(w, http.StatusForbidden, "admin privileges required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionContextKey, session)))
	})
}

func (a *HTTPAuth) resolveSession(r *http.Request) *models.Session {
	cookie, err := r.Cookie(a.cookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}
	session, err := a.users.Authenticate(r.Context(), cookie.Value)
	if err != nil {
		return nil
	}
	return session
}

// sessionFromContext returns the session placed by RequireSession.
func sessionFromContext(ctx context.Context) *models.Session {
	session, _ := ctx.Value(sessionContextKey).(*models.Session)
	return session
}
