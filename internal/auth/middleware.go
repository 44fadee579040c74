package auth

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// apiKeyMinLen is the minimum length accepted by HashAPIKey. Shorter keys
// do not provide enough entropy to be worth hashing.
const apiKeyMinLen = 16

// HashAPIKey returns the bcrypt hash to configure as MCP_API_KEY_HASH.
func HashAPIKey(key string) (string, error) {
	if len(key) < apiKeyMinLen {
		return "", fmt.Errorf("API key too short (minimum %d characters)", apiKeyMinLen)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing API key: %w", err)
	}

	return string(hash), nil
}

// APIKeyMiddleware returns HTTP middleware that requires a Bearer token
// matching keyHash. Unauthenticated requests get a 401.
func APIKeyMiddleware(keyHash string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", "Bearer")
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			key := strings.TrimPrefix(authHeader, "Bearer ")
			if bcrypt.CompareHashAndPassword([]byte(keyHash), []byte(key)) != nil {
				logger.Debug("middleware: invalid API key",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
