package relay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"

	"github.com/xela07ax/pulsemesh-prototype/internal/domain"
	"github.com/xela07ax/pulsemesh-prototype/internal/infra/auth"
)

// Коды закрытия — часть проводного контракта.
const (
	CloseNormal           = 1000 // штатное завершение
	CloseHandshakeError   = 4000 // битый кадр рукопожатия
	CloseMissingFields    = 4001 // отсутствуют обязательные поля
	CloseInvalidSignature = 4003 // подпись не совпала
)

// HandshakeMessage — подписываемая часть кадра рукопожатия.
type HandshakeMessage struct {
	Source    string `json:"source"`
	Target    string `json:"target"`
	Timestamp string `json:"timestamp"` // ISO 8601
}

// HandshakeFrame — первый кадр от клиента.
type HandshakeFrame struct {
	Message   HandshakeMessage `json:"message"`
	Signature string           `json:"signature"` // hex HMAC-SHA256 либо JWT в режиме token
}

// HandshakeOK — успешный ответ сервера.
type HandshakeOK struct {
	Type      string `json:"type"` // всегда "handshake_ok"
	ClientID  string `json:"client_id"`
	Timestamp string `json:"timestamp"`
}

// Authenticator проверяет кадр рукопожатия. Интерфейс изолирует механизм
// проверки от конечного автомата рукопожатия: HMAC на общем секрете —
// стартовый вариант, JWT — замена без изменения протокола. Claims
// возвращаются, если механизм их несет (JWT); nil означает отсутствие
// ограничений на привязку.
type Authenticator interface {
	Verify(frame *HandshakeFrame) (*domain.NodeClaims, error)
}

// SignMessage вычисляет hex(HMAC_SHA256(canonicalJSON(message), secret)).
// Канонизация — RFC 8785 (ключи объекта сортируются лексикографически),
// поэтому обе стороны получают одинаковый дайджест независимо от порядка
// полей при сериализации.
func SignMessage(msg HandshakeMessage, secret []byte) (string, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("handshake: marshal failed: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("handshake: canonicalization failed: %w", err)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// HMACAuthenticator — первый контур защиты: общий секрет.
type HMACAuthenticator struct {
	secret []byte
}

func NewHMACAuthenticator(secret []byte) *HMACAuthenticator {
	return &HMACAuthenticator{secret: secret}
}

func (a *HMACAuthenticator) Verify(frame *HandshakeFrame) (*domain.NodeClaims, error) {
	if err := checkFields(frame); err != nil {
		return nil, err
	}

	expected, err := SignMessage(frame.Message, a.secret)
	if err != nil {
		return nil, err
	}
	// Сравнение за константное время
	if !hmac.Equal([]byte(expected), []byte(frame.Signature)) {
		return nil, domain.ErrInvalidSignature
	}
	return nil, nil
}

// JWTAuthenticator — token-вариант: в поле signature клиент кладет
// RS256-токен узла, claims.NodeID обязан совпадать с message.source.
type JWTAuthenticator struct {
	validator auth.TokenValidator
}

func NewJWTAuthenticator(v auth.TokenValidator) *JWTAuthenticator {
	return &JWTAuthenticator{validator: v}
}

func (a *JWTAuthenticator) Verify(frame *HandshakeFrame) (*domain.NodeClaims, error) {
	if err := checkFields(frame); err != nil {
		return nil, err
	}

	claims, err := a.validator.VerifyToken(frame.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
	}
	if claims.NodeID != frame.Message.Source {
		return nil, fmt.Errorf("%w: token subject mismatch", domain.ErrInvalidSignature)
	}
	return claims, nil
}

// ScopesAllow проверяет, покрывает ли набор scope-шаблонов токена
// запрошенную привязку. Пустой набор не накладывает ограничений.
func ScopesAllow(scopes map[string]bool, p domain.Pattern) bool {
	if len(scopes) == 0 {
		return true
	}
	for raw, granted := range scopes {
		if !granted {
			continue
		}
		sp, err := domain.ParsePattern(raw)
		if err != nil {
			continue
		}
		if sp.Covers(p) {
			return true
		}
	}
	return false
}

func checkFields(frame *HandshakeFrame) error {
	if frame.Message.Source == "" || frame.Message.Target == "" || frame.Message.Timestamp == "" {
		return domain.ErrMissingHandshakeFields
	}
	if frame.Signature == "" {
		return domain.ErrMissingHandshakeFields
	}
	return nil
}
