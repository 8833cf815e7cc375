package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/cassiomorais/payment-lifecycle/internal/domain/auth"
	"github.com/golang-jwt/jwt/v5"
)

type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// RequireAuth resolves the bearer token into an auth.Identity on the request
// context. Unknown roles are treated as plain users.
func RequireAuth(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "missing authorization header", "auth_required")
				return
			}

			if !strings.HasPrefix(authHeader, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "invalid authorization scheme", "auth_invalid_scheme")
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method")
				}
				return []byte(jwtSecret), nil
			})

			if err != nil || !token.Valid || claims.UserID == "" {
				writeError(w, http.StatusUnauthorized, "invalid token", "auth_invalid")
				return
			}

			id := auth.Identity{UserID: claims.UserID, Role: auth.RoleUser}
			if auth.Role(claims.Role) == auth.RoleAdmin {
				id.Role = auth.RoleAdmin
			}
			next.ServeHTTP(w, r.WithContext(auth.NewContext(r.Context(), id)))
		})
	}
}

// RequireAdmin must run after RequireAuth.
func RequireAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := auth.FromContext(r.Context())
			if !ok || !id.IsAdmin() {
				writeError(w, http.StatusForbidden, "admin role required", "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IssueToken signs an HS256 token for the given identity. Used by tests and
// local tooling.
func IssueToken(jwtSecret string, id auth.Identity) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: id.UserID,
		Role:   string(id.Role),
	})
	return token.SignedString([]byte(jwtSecret))
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": msg,
		"code":  code,
	})
}
