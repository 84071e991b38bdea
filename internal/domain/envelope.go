package domain

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Intent определяет назначение сообщения. От него зависят TTL распада
// и эвристика когерентности.
type Intent string

const (
	IntentUpdate  Intent = "update"
	IntentQuery   Intent = "query"
	IntentCreate  Intent = "create"
	IntentGovern  Intent = "govern"
	IntentReflect Intent = "reflect"
)

// ParseIntent проверяет строку на принадлежность к фиксированному перечислению.
func ParseIntent(s string) (Intent, bool) {
	switch Intent(s) {
	case IntentUpdate, IntentQuery, IntentCreate, IntentGovern, IntentReflect:
		return Intent(s), true
	}
	return "", false
}

// Status — стадия жизненного цикла конверта.
// Переходы строго монотонны: active -> decayed -> terminated.
type Status string

const (
	StatusActive     Status = "active"
	StatusDecayed    Status = "decayed"
	StatusTerminated Status = "terminated" // Поглощающее состояние
)

// Ранги для проверки монотонности (регресс запрещен)
var statusRank = map[Status]int32{
	StatusActive:     0,
	StatusDecayed:    1,
	StatusTerminated: 2,
}

var rankStatus = [...]Status{StatusActive, StatusDecayed, StatusTerminated}

// Provenance фиксирует, кто инициировал публикацию и какое правило её
// разрешило (или отклонило).
type Provenance struct {
	Initiator    string `json:"initiator"`
	AuthorizedBy string `json:"authorizedBy"`
}

// Envelope — единица обмена на шине. Поля ID, Payload и Timestamp
// неизменяемы после конструирования; статус меняет только DecayTracker
// через AdvanceStatus.
type Envelope struct {
	ID          string
	Origin      string
	Target      string
	Intent      Intent
	Payload     json.RawMessage
	Coherence   float64
	RulesetID   string
	RelatedRefs []string
	Timestamp   time.Time
	Provenance  Provenance

	// Статус хранится атомарно: DecayTracker пишет из фоновой горутины,
	// шина и relay только читают.
	status atomic.Int32
}

// NewEnvelope собирает черновик конверта: ID и Timestamp присваиваются
// здесь, Coherence и RulesetID проставит ValidationGate.
func NewEnvelope(origin, target string, intent Intent, payload json.RawMessage) *Envelope {
	return &Envelope{
		ID:        uuid.New().String(),
		Origin:    origin,
		Target:    target,
		Intent:    intent,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// Status возвращает текущую стадию жизненного цикла.
func (e *Envelope) Status() Status {
	return rankStatus[e.status.Load()]
}

// AdvanceStatus переводит конверт в следующую стадию. Возврат false
// означает попытку регресса или повтор — такие переходы молча отвергаются,
// инвариант монотонности не нарушается.
func (e *Envelope) AdvanceStatus(next Status) bool {
	want, ok := statusRank[next]
	if !ok {
		return false
	}
	for {
		cur := e.status.Load()
		if cur >= want {
			return false
		}
		if e.status.CompareAndSwap(cur, want) {
			return true
		}
	}
}

// markTerminated используется при конструировании синтетических конвертов
// отказа: они рождаются сразу в terminated.
func (e *Envelope) markTerminated() {
	e.status.Store(statusRank[StatusTerminated])
}

// NewDeniedEnvelope строит синтетический terminated-конверт для отказа
// политики. Его видят только глобальные наблюдатели "*".
func NewDeniedEnvelope(draft *Envelope, rulesetID string) *Envelope {
	denied := &Envelope{
		ID:        draft.ID,
		Origin:    draft.Origin,
		Target:    draft.Target,
		Intent:    draft.Intent,
		Payload:   draft.Payload,
		Coherence: 0,
		RulesetID: rulesetID,
		Timestamp: draft.Timestamp,
		Provenance: Provenance{
			Initiator:    draft.Provenance.Initiator,
			AuthorizedBy: rulesetID,
		},
	}
	denied.markTerminated()
	return denied
}

// Topic вычисляет ключ маршрутизации "origin:intent".
func (e *Envelope) Topic() string {
	return e.Origin + ":" + string(e.Intent)
}

// wireEnvelope — представление конверта в JSON (проводной контракт).
type wireEnvelope struct {
	ID          string          `json:"id"`
	Origin      string          `json:"origin"`
	Target      string          `json:"target"`
	Intent      string          `json:"intent"`
	Payload     json.RawMessage `json:"payload"`
	Coherence   float64         `json:"coherence"`
	RulesetID   string          `json:"rulesetId"`
	RelatedRefs []string        `json:"relatedRefs"`
	Timestamp   time.Time       `json:"timestamp"`
	Status      string          `json:"status"`
	Provenance  Provenance      `json:"provenance"`
}

func (e *Envelope) MarshalJSON() ([]byte, error) {
	refs := e.RelatedRefs
	if refs == nil {
		refs = []string{}
	}
	return json.Marshal(wireEnvelope{
		ID:          e.ID,
		Origin:      e.Origin,
		Target:      e.Target,
		Intent:      string(e.Intent),
		Payload:     e.Payload,
		Coherence:   e.Coherence,
		RulesetID:   e.RulesetID,
		RelatedRefs: refs,
		Timestamp:   e.Timestamp,
		Status:      string(e.Status()),
		Provenance:  e.Provenance,
	})
}

func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.ID = w.ID
	e.Origin = w.Origin
	e.Target = w.Target
	e.Intent = Intent(w.Intent)
	e.Payload = w.Payload
	e.Coherence = w.Coherence
	e.RulesetID = w.RulesetID
	e.RelatedRefs = w.RelatedRefs
	e.Timestamp = w.Timestamp
	e.Provenance = w.Provenance
	if rank, ok := statusRank[Status(w.Status)]; ok {
		e.status.Store(rank)
	}
	return nil
}
