package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/honeynil/lendme-ledger/internal/infrastructure/redis"
	"github.com/honeynil/lendme-ledger/internal/models"
)

type claimsKey struct{}

// AuthMiddleware authenticates bearer tokens. A token whose jti is in the Redis denylist
// ("revoked:<jti>") is rejected; without Redis no denylist is consulted.
func AuthMiddleware(redisClient redis.RedisClient, jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeUnauthorized(w, "authorization header missing")
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeUnauthorized(w, "invalid authorization header")
				return
			}

			claims, err := ParseToken(jwtSecret, parts[1])
			if err != nil {
				slog.Warn("rejected bearer token", "error", err)
				writeUnauthorized(w, "invalid token")
				return
			}

			if redisClient != nil && claims.ID != "" {
				revoked, err := redisClient.Exists(r.Context(), "revoked:"+claims.ID)
				if err != nil {
					slog.Error("token denylist unavailable", "user_id", claims.UserID, "error", err)
				} else if revoked {
					slog.Warn("revoked token used", "user_id", claims.UserID, "jti", claims.ID)
					writeUnauthorized(w, "token revoked")
					return
				}
			}

			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireVerified rejects users whose identity has not been verified.
func RequireVerified(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok {
			writeUnauthorized(w, "user not authenticated")
			return
		}
		if !claims.Verified {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]string{"error": "identity verification required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func ClaimsFromContext(ctx context.Context) (*models.TokenClaims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*models.TokenClaims)
	return claims, ok
}

func UserIDFromContext(ctx context.Context) (string, bool) {
	claims, ok := ClaimsFromContext(ctx)
	if !ok {
		return "", false
	}
	return claims.UserID, true
}

// WithClaims returns ctx carrying claims, as AuthMiddleware would.
func WithClaims(ctx context.Context, claims *models.TokenClaims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
