package reasoner

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/pulsemesh-prototype/internal/bus"
	"github.com/xela07ax/pulsemesh-prototype/internal/domain"
)

// Reasoner — подключаемая способность обработки запросов. Ядро шины не
// знает и не зависит от конкретной реализации: Echo ниже — заглушка,
// на ее месте может стоять внешний inference-сервис.
type Reasoner interface {
	Process(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

// Echo возвращает вход обратно, имитируя задержку обработки.
type Echo struct{}

func (e *Echo) Process(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	// Имитируем задержку 10-60мс
	latency := time.Duration(10+rand.IntN(50)) * time.Millisecond

	select {
	case <-time.After(latency):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	result, err := json.Marshal(map[string]interface{}{
		"echo":         json.RawMessage(normalizePayload(payload)),
		"processed_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("reasoner: marshal failed: %w", err)
	}
	return result, nil
}

func normalizePayload(payload json.RawMessage) []byte {
	if len(payload) == 0 {
		return []byte("null")
	}
	return payload
}

// Origin служебных ответов reasoner на шине.
const Origin = "reasoner"

// Attach подписывает reasoner на все query-конверты: результат обработки
// публикуется обратно как reflect-ответ инициатору. Возвращает функцию
// отписки.
func Attach(b *bus.Bus, r Reasoner, logger *zap.Logger) (func(), error) {
	log := logger.Named("reasoner")

	return b.Subscribe("*:query", func(e *domain.Envelope) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		result, err := r.Process(ctx, e.Payload)
		if err != nil {
			log.Warn("processing failed",
				zap.String("envelope_id", e.ID), zap.Error(err))
			return
		}

		// Ответ адресуется источнику запроса и ссылается на него
		if _, err := b.Publish(Origin, e.Origin, domain.IntentReflect, result,
			bus.WithInitiator(Origin),
			bus.WithRelatedRefs(e.ID),
		); err != nil {
			log.Debug("reflect publish rejected", zap.Error(err))
		}
	})
}
