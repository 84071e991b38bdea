package gate

import (
	"encoding/json"

	"github.com/xela07ax/pulsemesh-prototype/internal/domain"
)

// Scorer вычисляет когерентность [0,1] одобряемого конверта.
// Интерфейс заменяемый: эталонная эвристика ниже — заглушка на парах
// intent, не семантическая мера. Предполагаемая целевая реализация —
// косинусная близость эмбеддингов, она подключается сюда же без
// изменений в RulesetGate.
type Scorer interface {
	Score(intent domain.Intent, payload json.RawMessage, prev domain.Intent) float64
}

// IntentPairScorer — референсная эвристика: одинаковые intent или пара
// query/update котируются высоко, несвязанные — низко.
type IntentPairScorer struct{}

func (s *IntentPairScorer) Score(intent domain.Intent, _ json.RawMessage, prev domain.Intent) float64 {
	// Первый конверт источника: истории нет, нейтрально-высокий старт
	if prev == "" {
		return 0.75
	}
	if intent == prev {
		return 0.9
	}
	if isQueryUpdatePair(intent, prev) {
		return 0.85
	}

	switch {
	case intent == domain.IntentReflect || prev == domain.IntentReflect:
		return 0.5
	case intent == domain.IntentGovern || prev == domain.IntentGovern:
		return 0.4
	case intent == domain.IntentCreate && prev == domain.IntentUpdate,
		intent == domain.IntentUpdate && prev == domain.IntentCreate:
		return 0.6
	}
	return 0.35
}

func isQueryUpdatePair(a, b domain.Intent) bool {
	return (a == domain.IntentQuery && b == domain.IntentUpdate) ||
		(a == domain.IntentUpdate && b == domain.IntentQuery)
}
