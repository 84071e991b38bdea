package gate

import (
	"sync"

	"github.com/xela07ax/pulsemesh-prototype/internal/domain"
)

// Effect определяет, что делать с публикацией
type Effect string

const (
	EffectAllow Effect = "ALLOW" // Разрешить
	EffectDeny  Effect = "DENY"  // Отклонить

	// EffectWarn пропускает сообщение, но добавляет предупреждение в вердикт
	// (approve-with-warning).
	EffectWarn Effect = "WARN"
)

// Rule — правило политики для пары origin/intent. "*" означает любой сегмент.
type Rule struct {
	ID      string `json:"id"`
	Origin  string `json:"origin"` // "*" для всех источников
	Intent  string `json:"intent"` // "*" или конкретный intent
	Effect  Effect `json:"effect"`
	Message string `json:"message,omitempty"`
}

func (r Rule) matches(e *domain.Envelope) bool {
	if r.Origin != domain.Wildcard && r.Origin != e.Origin {
		return false
	}
	if r.Intent != domain.Wildcard && r.Intent != string(e.Intent) {
		return false
	}
	return true
}

// Blocklist — проверка источника перед оценкой правил.
// Реализуется OriginBlocklist; nil означает «блок-лист не подключен».
type Blocklist interface {
	IsBlocked(origin string) bool
}

// RulesetGate — референсная реализация Gate: упорядоченный in-memory
// список правил (first match wins) + блок-лист источников + скорер
// когерентности. Правила пре-загружены, per-call I/O отсутствует.
type RulesetGate struct {
	mu       sync.RWMutex
	rules    []Rule
	fallback Rule // Срабатывает, если ни одно правило не совпало

	scorer    Scorer
	blocklist Blocklist

	// Последний одобренный intent по источнику — история для скорера.
	lastIntent map[string]domain.Intent
}

// DefaultFallback — пропускающее правило по умолчанию. Отказ обязан
// быть атрибутируемым, поэтому и у fallback есть id.
var DefaultFallback = Rule{ID: "default-allow", Origin: "*", Intent: "*", Effect: EffectAllow}

func NewRulesetGate(rules []Rule, fallback Rule, scorer Scorer, blocklist Blocklist) *RulesetGate {
	if scorer == nil {
		scorer = &IntentPairScorer{}
	}
	if fallback.ID == "" {
		fallback = DefaultFallback
	}
	return &RulesetGate{
		rules:      rules,
		fallback:   fallback,
		scorer:     scorer,
		blocklist:  blocklist,
		lastIntent: make(map[string]domain.Intent),
	}
}

// ReplaceRules атомарно подменяет набор правил (live-обновление из Redis).
func (g *RulesetGate) ReplaceRules(rules []Rule) {
	g.mu.Lock()
	g.rules = rules
	g.mu.Unlock()
}

// Rules возвращает копию текущего набора (для отладочных ручек).
func (g *RulesetGate) Rules() []Rule {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Rule, len(g.rules))
	copy(out, g.rules)
	return out
}

// Validate реализует контракт Gate.
func (g *RulesetGate) Validate(draft *domain.Envelope) domain.Verdict {
	// ШАГ 0: Структурная проверка. Битый черновик отклоняется до политики
	// и никогда не считается policy-отказом.
	if draft == nil || draft.Origin == "" || draft.Target == "" {
		return domain.Verdict{
			Malformed: true,
			RulesetID: domain.RulesetMalformed,
			Message:   "origin and target are required",
			Warnings:  []string{},
		}
	}
	if _, ok := domain.ParseIntent(string(draft.Intent)); !ok {
		return domain.Verdict{
			Malformed: true,
			RulesetID: domain.RulesetMalformed,
			Message:   "intent is outside the fixed enumeration",
			Warnings:  []string{},
		}
	}

	// ШАГ 1: Kill-switch источника (самая дешевая проверка, in-memory)
	if g.blocklist != nil && g.blocklist.IsBlocked(draft.Origin) {
		return domain.Verdict{
			RulesetID: domain.RulesetOriginBlocked,
			Message:   "origin is blocked",
			Warnings:  []string{},
		}
	}

	// ШАГ 2: Оценка правил (first match wins)
	g.mu.RLock()
	rule := g.fallback
	for _, r := range g.rules {
		if r.matches(draft) {
			rule = r
			break
		}
	}
	prev := g.lastIntent[draft.Origin]
	g.mu.RUnlock()

	warnings := []string{}
	switch rule.Effect {
	case EffectDeny:
		return domain.Verdict{
			RulesetID: rule.ID,
			Message:   rule.Message,
			Warnings:  warnings,
		}
	case EffectWarn:
		msg := rule.Message
		if msg == "" {
			msg = "approved with warning"
		}
		warnings = append(warnings, msg)
	}

	// ШАГ 3: Когерентность — только для одобренных конвертов
	score := clamp01(g.scorer.Score(draft.Intent, draft.Payload, prev))

	g.mu.Lock()
	g.lastIntent[draft.Origin] = draft.Intent
	g.mu.Unlock()

	return domain.Verdict{
		Approved:  true,
		RulesetID: rule.ID,
		Coherence: score,
		Warnings:  warnings,
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
