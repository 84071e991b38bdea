package domain

import "errors"

// Таксономия отказов ядра. Фатальных для процесса условий здесь нет:
// операцию прерывают только ErrMalformedEnvelope и ошибки рукопожатия,
// остальное фиксируется и всплывает как предупреждение.
var (
	// ErrMalformedEnvelope — черновик без обязательных полей или с intent
	// вне перечисления. Отклоняется до политики.
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrPolicyRejected — отказ ValidationGate. Логируется, не фатален.
	ErrPolicyRejected = errors.New("policy rejected")

	// ErrMissingHandshakeFields — неполный кадр рукопожатия (код закрытия 4001).
	ErrMissingHandshakeFields = errors.New("handshake: missing required fields")

	// ErrInvalidSignature — подпись не совпала с ожидаемой (код закрытия 4003).
	ErrInvalidSignature = errors.New("handshake: invalid signature")

	// ErrLogWrite — запись в ProvenanceLog не удалась. Доставка продолжается.
	ErrLogWrite = errors.New("provenance log write failed")

	// ErrRelayUnavailable — сетевой слой недоступен, шина работает локально.
	ErrRelayUnavailable = errors.New("relay unavailable")
)
