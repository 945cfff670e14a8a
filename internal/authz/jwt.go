package authz

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stanstork/stratum-connect/internal/models"
)

// JWTMiddleware authenticates HS256 tokens carrying tid, sub and email claims. Browsers
// cannot set headers on websocket upgrades, so the access_token query parameter is
// accepted as well.
func JWTMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, problem := tokenFromRequest(r)
			if problem != "" {
				http.Error(w, problem, http.StatusUnauthorized)
				return
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok || !claims.VerifyExpiresAt(time.Now().Unix(), true) {
				http.Error(w, "Token expired", http.StatusUnauthorized)
				return
			}

			tenantID, ok := claims["tid"].(string)
			if !ok || tenantID == "" {
				http.Error(w, "Missing token claim", http.StatusUnauthorized)
				return
			}
			userID, _ := claims["sub"].(string)
			email, _ := claims["email"].(string)

			ctx := WithIdentity(r.Context(), tenantID, userID, email)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func tokenFromRequest(r *http.Request) (token, problem string) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			return "", "Invalid authorization format"
		}
		return parts[1], ""
	}
	if token := r.URL.Query().Get("access_token"); token != "" {
		return token, ""
	}
	return "", "Authorization header required"
}

// IssueToken signs a token for actor valid for ttl.
func IssueToken(secret string, actor models.Actor, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"tid":   actor.TenantID,
		"sub":   actor.UserID,
		"email": actor.Email,
		"exp":   time.Now().Add(ttl).Unix(),
	})
	return token.SignedString([]byte(secret))
}
