package auth

import (
	"context"
	"net/http"

	"go.uber.org/zap"
)

type ctxKey string

const (
	// CtxNodeID и CtxNodeScopes — данные токена, прокинутые в контекст запроса.
	CtxNodeID     ctxKey = "node_id"
	CtxNodeScopes ctxKey = "node_scopes"
)

// NewMiddleware закрывает HTTP-периметр relay (аудит-выборки) RS256-токеном.
func NewMiddleware(v TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
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

			// Прокидываем данные в контекст
			ctx := context.WithValue(r.Context(), CtxNodeID, claims.NodeID)
			ctx = context.WithValue(ctx, CtxNodeScopes, claims.Scopes)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
