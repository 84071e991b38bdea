package domain

// Зарезервированные ruleset id. Отказ обязан оставаться атрибутируемым,
// поэтому они присутствуют даже там, где до политики дело не дошло.
const (
	RulesetMalformed     = "malformed-envelope"
	RulesetOriginBlocked = "origin-blocked"
)

// Verdict — результат прохождения ValidationGate.
type Verdict struct {
	Approved  bool     `json:"approved"`
	Malformed bool     `json:"malformed,omitempty"`
	RulesetID string   `json:"ruleset_id"`
	Coherence float64  `json:"coherence"`
	Message   string   `json:"message,omitempty"`
	Warnings  []string `json:"warnings"`
}
