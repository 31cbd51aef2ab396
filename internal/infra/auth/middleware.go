package auth

import (
	"context"
	"net/http"

	"go.uber.org/zap"
)

// TokenValidator — проверка токенов оператора
type TokenValidator interface {
	VerifyToken(tokenStr string) (*Claims, error)
}

type ctxKey struct{}

// ClaimsFromContext достает claims, положенные middleware.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(ctxKey{}).(*Claims)
	return c, ok
}

// NewMiddleware пропускает только запросы с валидным токеном и нужным скоупом.
// Пустой requiredScope — достаточно валидной подписи.
func NewMiddleware(v TokenValidator, requiredScope string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := v.VerifyToken(authHeader)
			if err != nil {
				logger.Warn("auth failure", zap.Error(err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			if requiredScope != "" && !claims.HasScope(requiredScope) {
				logger.Warn("scope denied", zap.String("user_id", claims.UserID), zap.String("scope", requiredScope))
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), ctxKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
