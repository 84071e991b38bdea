package provenance

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/xela07ax/pulsemesh-prototype/internal/domain"
)

// Decision классифицирует исход публикации в журнале.
type Decision string

const (
	DecisionApproved Decision = "APPROVED"
	DecisionDenied   Decision = "DENIED"

	// DecisionMalformed — структурный отказ до политики. Это не policy-отказ
	// и при аудите не должен считаться таковым.
	DecisionMalformed Decision = "MALFORMED"
)

// Record — одна запись append-only журнала: каждая попытка публикации,
// одобренная или нет, с атрибуцией действующих лиц.
type Record struct {
	ID         string          `json:"id"`          // UUID записи
	EnvelopeID string          `json:"envelope_id"` // Какой конверт
	Origin     string          `json:"origin"`      // Кто публиковал
	Target     string          `json:"target"`
	Intent     string          `json:"intent"`
	Payload    json.RawMessage `json:"payload"`

	// Решение гейта
	Decision  Decision `json:"decision"`
	RulesetID string   `json:"ruleset_id"` // Какое правило решило
	Coherence float64  `json:"coherence"`
	Warnings  []string `json:"warnings,omitempty"`

	// Атрибуция
	Initiator    string `json:"initiator"`
	AuthorizedBy string `json:"authorized_by"`

	Timestamp time.Time `json:"timestamp"`
}

// NewRecord собирает запись журнала из конверта и вердикта.
func NewRecord(e *domain.Envelope, v domain.Verdict) Record {
	decision := DecisionDenied
	switch {
	case v.Malformed:
		decision = DecisionMalformed
	case v.Approved:
		decision = DecisionApproved
	}

	return Record{
		ID:           uuid.New().String(),
		EnvelopeID:   e.ID,
		Origin:       e.Origin,
		Target:       e.Target,
		Intent:       string(e.Intent),
		Payload:      e.Payload,
		Decision:     decision,
		RulesetID:    v.RulesetID,
		Coherence:    v.Coherence,
		Warnings:     v.Warnings,
		Initiator:    e.Provenance.Initiator,
		AuthorizedBy: v.RulesetID,
		Timestamp:    time.Now().UTC(),
	}
}

// Filter — параметры выборки для аудиторского инструментария.
// Нулевые поля означают «без ограничения».
type Filter struct {
	From     time.Time
	To       time.Time
	Origin   string
	Intent   string
	Decision Decision
	Limit    int
}

// Match проверяет запись против фильтра (общая логика для in-memory
// хранилища и тестов; Postgres транслирует фильтр в WHERE).
func (f Filter) Match(r Record) bool {
	if !f.From.IsZero() && r.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && r.Timestamp.After(f.To) {
		return false
	}
	if f.Origin != "" && r.Origin != f.Origin {
		return false
	}
	if f.Intent != "" && r.Intent != f.Intent {
		return false
	}
	if f.Decision != "" && r.Decision != f.Decision {
		return false
	}
	return true
}
