// Bearer-key authentication. The gateway validates keys against its own
// key store (wallet-session-created keys are primed straight into the
// cache); unknown keys pass through with the key itself as identity so
// downstream scoping still has a stable subject.
package middleware

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type contextKey string

const (
	// APIKeyContextKey stores the presented API key in request context.
	APIKeyContextKey contextKey = "api_key"
	// UserIDContextKey stores the authenticated identity in request context.
	UserIDContextKey contextKey = "user_id"
)

type cachedAuth struct {
	userID    string
	expiresAt time.Time
}

// AuthMiddleware validates API keys on incoming requests.
type AuthMiddleware struct {
	logger    zerolog.Logger
	cache     sync.Map // apiKey -> *cachedAuth
	cacheTTL  time.Duration
	headerKey string
}

// NewAuthMiddleware creates the middleware. headerKey defaults to
// Authorization.
func NewAuthMiddleware(logger zerolog.Logger, headerKey string) *AuthMiddleware {
	if headerKey == "" {
		headerKey = "Authorization"
	}
	return &AuthMiddleware{
		logger:    logger,
		cacheTTL:  5 * time.Minute,
		headerKey: headerKey,
	}
}

// Handler returns the middleware handler function.
func (am *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(am.headerKey)
		if raw == "" {
			http.Error(w, `{"error":"missing_authentication","message":"Authorization header required"}`, http.StatusUnauthorized)
			return
		}
		apiKey := raw
		if strings.HasPrefix(strings.ToLower(raw), "bearer ") {
			apiKey = raw[7:]
		}
		if apiKey == "" {
			http.Error(w, `{"error":"invalid_authentication","message":"API key cannot be empty"}`, http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), APIKeyContextKey, apiKey)
		if cached, ok := am.cache.Load(apiKey); ok {
			ca := cached.(*cachedAuth)
			if time.Now().Before(ca.expiresAt) {
				ctx = context.WithValue(ctx, UserIDContextKey, ca.userID)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			am.cache.Delete(apiKey)
		}

		// Unknown key: the key itself is the accountable identity until a
		// validation caches a user binding.
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CacheValidation binds a validated key to its owner for the cache TTL.
func (am *AuthMiddleware) CacheValidation(apiKey, userID string) {
	am.cache.Store(apiKey, &cachedAuth{
		userID:    userID,
		expiresAt: time.Now().Add(am.cacheTTL),
	})
}

// GetAPIKey extracts the API key from the request context.
func GetAPIKey(ctx context.Context) string {
	if v, ok := ctx.Value(APIKeyContextKey).(string); ok {
		return v
	}
	return ""
}

// GetUserID extracts the authenticated identity from the request context.
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(UserIDContextKey).(string); ok {
		return v
	}
	return ""
}

// SetUserID stores an authenticated identity on the context. Used by the
// paywall path, which authenticates by payment proof instead of API key.
func SetUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDContextKey, userID)
}
