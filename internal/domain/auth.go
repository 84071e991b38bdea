package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

// NodeClaims — полезная нагрузка RS256-токена узла mesh-сети.
// Scopes задают шаблоны топиков, к которым узлу разрешено привязываться.
type NodeClaims struct {
	NodeID string          `json:"node_id"`
	Scopes map[string]bool `json:"scopes"` // напр. "mirror:*": true
	jwt.RegisteredClaims
}

// Secure Token Issuing
type TokenRequest struct {
	NodeID string `json:"node_id"`
	Secret string `json:"secret"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"` // Всегда "Bearer"
	ExpiresIn   int64  `json:"expires_in"`
}
