package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wolfman30/profilebot/pkg/logging"
)

type contextKey string

const adminClaimsKey contextKey = "adminClaims"

// AdminAuthConfig configures AdminJWT.
type AdminAuthConfig struct {
	// Secret signs admin tokens with HS256. Empty rejects every request.
	Secret string
	// Audience, when set, must appear in the token's aud claim.
	Audience string
	Logger   *logging.Logger
}

// AdminJWT guards operator endpoints with an HMAC-signed bearer token that
// must carry an expiry.
func AdminJWT(cfg AdminAuthConfig) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.Secret == "" {
				http.Error(w, "admin auth disabled", http.StatusUnauthorized)
				return
			}
			auth := r.Header.Get("Authorization")
			tokenString, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || strings.TrimSpace(tokenString) == "" {
				http.Error(w, "missing authorization header", http.StatusUnauthorized)
				return
			}
			claims := jwt.RegisteredClaims{}
			token, err := parser.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
				return []byte(cfg.Secret), nil
			})
			if err != nil || !token.Valid {
				logger.Warn("admin token rejected", "error", err, "path", r.URL.Path)
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), adminClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminClaimsFromContext returns admin JWT claims if present.
func AdminClaimsFromContext(ctx context.Context) (jwt.RegisteredClaims, bool) {
	claims, ok := ctx.Value(adminClaimsKey).(jwt.RegisteredClaims)
	return claims, ok
}
