package gate

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xela07ax/pulsemesh-prototype/internal/domain"
)

type stubBlocklist map[string]bool

func (s stubBlocklist) IsBlocked(origin string) bool { return s[origin] }

// fixedScorer возвращает константу — изолирует тесты правил от эвристики.
type fixedScorer struct{ v float64 }

func (s fixedScorer) Score(domain.Intent, json.RawMessage, domain.Intent) float64 { return s.v }

func draft(origin, target string, intent domain.Intent) *domain.Envelope {
	return domain.NewEnvelope(origin, target, intent, json.RawMessage(`{}`))
}

func TestValidateMalformed(t *testing.T) {
	g := NewRulesetGate(nil, DefaultFallback, fixedScorer{1}, nil)

	tests := []*domain.Envelope{
		nil,
		draft("", "core", domain.IntentQuery),
		draft("mirror", "", domain.IntentQuery),
		draft("mirror", "core", domain.Intent("summon")),
		draft("mirror", "core", domain.Intent("")),
	}
	for i, d := range tests {
		v := g.Validate(d)
		require.False(t, v.Approved, i)
		require.True(t, v.Malformed, i)
		require.Equal(t, domain.RulesetMalformed, v.RulesetID, i)
	}
}

func TestValidateBlockedOrigin(t *testing.T) {
	g := NewRulesetGate(nil, DefaultFallback, fixedScorer{1}, stubBlocklist{"rogue": true})

	v := g.Validate(draft("rogue", "core", domain.IntentQuery))
	require.False(t, v.Approved)
	require.False(t, v.Malformed)
	require.Equal(t, domain.RulesetOriginBlocked, v.RulesetID)

	// Незаблокированный источник проходит как обычно
	v = g.Validate(draft("mirror", "core", domain.IntentQuery))
	require.True(t, v.Approved)
}

func TestValidateFirstMatchWins(t *testing.T) {
	rules := []Rule{
		{ID: "deny-rogue-govern", Origin: "rogue", Intent: "govern", Effect: EffectDeny, Message: "governance is restricted"},
		{ID: "allow-rogue", Origin: "rogue", Intent: "*", Effect: EffectAllow},
		{ID: "deny-rogue", Origin: "rogue", Intent: "*", Effect: EffectDeny}, // недостижимо
	}
	g := NewRulesetGate(rules, DefaultFallback, fixedScorer{0.8}, nil)

	v := g.Validate(draft("rogue", "core", domain.IntentGovern))
	require.False(t, v.Approved)
	require.Equal(t, "deny-rogue-govern", v.RulesetID)
	require.Equal(t, "governance is restricted", v.Message)

	v = g.Validate(draft("rogue", "core", domain.IntentQuery))
	require.True(t, v.Approved)
	require.Equal(t, "allow-rogue", v.RulesetID)
	require.Equal(t, 0.8, v.Coherence)
}

func TestValidateFallback(t *testing.T) {
	g := NewRulesetGate(nil, DefaultFallback, fixedScorer{0.5}, nil)

	v := g.Validate(draft("mirror", "core", domain.IntentUpdate))
	require.True(t, v.Approved)
	require.Equal(t, "default-allow", v.RulesetID)
}

func TestValidateWarn(t *testing.T) {
	rules := []Rule{
		{ID: "warn-reflect", Origin: "*", Intent: "reflect", Effect: EffectWarn, Message: "reflect traffic is monitored"},
	}
	g := NewRulesetGate(rules, DefaultFallback, fixedScorer{0.9}, nil)

	v := g.Validate(draft("mirror", "core", domain.IntentReflect))
	require.True(t, v.Approved)
	require.Equal(t, "warn-reflect", v.RulesetID)
	require.Equal(t, []string{"reflect traffic is monitored"}, v.Warnings)
}

func TestValidateClampsCoherence(t *testing.T) {
	g := NewRulesetGate(nil, DefaultFallback, fixedScorer{1.7}, nil)
	v := g.Validate(draft("mirror", "core", domain.IntentQuery))
	require.Equal(t, 1.0, v.Coherence)

	g = NewRulesetGate(nil, DefaultFallback, fixedScorer{-0.3}, nil)
	v = g.Validate(draft("mirror", "core", domain.IntentQuery))
	require.Equal(t, 0.0, v.Coherence)
}

func TestValidateTracksLastIntent(t *testing.T) {
	g := NewRulesetGate(nil, DefaultFallback, nil, nil)

	// Первый конверт источника — истории нет
	v := g.Validate(draft("mirror", "core", domain.IntentQuery))
	require.True(t, v.Approved)
	require.Equal(t, 0.75, v.Coherence)

	// Повтор того же intent котируется выше
	v = g.Validate(draft("mirror", "core", domain.IntentQuery))
	require.Equal(t, 0.9, v.Coherence)

	// История ведется по источнику: другой origin стартует с чистого листа
	v = g.Validate(draft("core", "mirror", domain.IntentUpdate))
	require.Equal(t, 0.75, v.Coherence)
}

func TestValidateDenyDoesNotTouchHistory(t *testing.T) {
	rules := []Rule{{ID: "deny-govern", Origin: "*", Intent: "govern", Effect: EffectDeny}}
	g := NewRulesetGate(rules, DefaultFallback, nil, nil)

	v := g.Validate(draft("mirror", "core", domain.IntentGovern))
	require.False(t, v.Approved)

	// Отклоненный govern не попал в историю: следующий конверт — первый
	v = g.Validate(draft("mirror", "core", domain.IntentQuery))
	require.Equal(t, 0.75, v.Coherence)
}

func TestReplaceRules(t *testing.T) {
	g := NewRulesetGate(nil, DefaultFallback, fixedScorer{1}, nil)
	require.Empty(t, g.Rules())

	v := g.Validate(draft("rogue", "core", domain.IntentQuery))
	require.True(t, v.Approved)

	g.ReplaceRules([]Rule{{ID: "deny-rogue", Origin: "rogue", Intent: "*", Effect: EffectDeny}})
	require.Len(t, g.Rules(), 1)

	v = g.Validate(draft("rogue", "core", domain.IntentQuery))
	require.False(t, v.Approved)
	require.Equal(t, "deny-rogue", v.RulesetID)
}
