package gate

import (
	"github.com/xela07ax/pulsemesh-prototype/internal/domain"
)

// Gate — синхронная точка принятия решения (PDP) перед допуском
// конверта на шину. Validate не мутирует черновик, не выполняет I/O
// и всегда возвращает ruleset id, включая отказы.
type Gate interface {
	Validate(draft *domain.Envelope) domain.Verdict
}
