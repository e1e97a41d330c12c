package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"YoYoMusic/core/auth"
)

type contextKey string

const claimsKey contextKey = "claims"

// AuthMiddleware 校验参与者令牌，令牌必须属于路径中的房间
func AuthMiddleware(tokens *auth.TokenIssuer) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeErrorMessage(w, http.StatusUnauthorized, "unauthorized", "Authorization header is required")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeErrorMessage(w, http.StatusUnauthorized, "unauthorized", "Invalid authorization header format")
				return
			}

			claims, err := tokens.ParseToken(parts[1])
			if err != nil {
				writeErrorMessage(w, http.StatusUnauthorized, "unauthorized", "Invalid token")
				return
			}
			if slug := mux.Vars(r)["slug"]; slug != "" && slug != claims.RoomSlug {
				writeErrorMessage(w, http.StatusForbidden, "forbidden", "token does not belong to this room")
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		}
	}
}

// ClaimsFromContext 取出已校验的令牌声明
func ClaimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*auth.Claims)
	return claims, ok
}
