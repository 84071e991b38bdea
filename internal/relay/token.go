package relay

import (
	"crypto/rsa"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/xela07ax/pulsemesh-prototype/internal/domain"
)

// TokenIssuer выпускает RS256-токены узлов в обмен на учетные данные.
// Секреты узлов хранятся только bcrypt-хэшами (конфиг или внешний
// реестр), сам токен проверяет JWTAuthenticator либо HTTP middleware.
type TokenIssuer struct {
	privateKey *rsa.PrivateKey
	ttl        time.Duration

	// node id -> bcrypt-хэш секрета
	credentials map[string]string
}

func NewTokenIssuer(privateKey *rsa.PrivateKey, credentials map[string]string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenIssuer{
		privateKey:  privateKey,
		ttl:         ttl,
		credentials: credentials,
	}
}

// Issue проверяет учетку узла и выпускает токен.
func (s *TokenIssuer) Issue(nodeID, secret string) (*domain.TokenResponse, error) {
	// 1. Аутентификация
	hash, ok := s.credentials[nodeID]
	if !ok {
		return nil, errors.New("invalid credentials")
	}

	// 2. Проверка секрета (bcrypt)
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return nil, errors.New("invalid credentials")
	}

	// 3. Формирование Claims
	expiresAt := time.Now().Add(s.ttl)
	claims := &domain.NodeClaims{
		NodeID: nodeID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "pulse-relay",
			Subject:   nodeID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	// 4. Подпись RS256
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(s.privateKey)
	if err != nil {
		return nil, errors.New("token signing failed")
	}

	return &domain.TokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(time.Until(expiresAt).Seconds()),
	}, nil
}
