package provenance

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xela07ax/pulsemesh-prototype/internal/domain"
)

func TestNewRecordDecision(t *testing.T) {
	e := domain.NewEnvelope("mirror", "core", domain.IntentQuery, json.RawMessage(`{"q":1}`))
	e.Provenance.Initiator = "probe"

	rec := NewRecord(e, domain.Verdict{Approved: true, RulesetID: "default-allow", Coherence: 0.75})
	require.Equal(t, DecisionApproved, rec.Decision)
	require.Equal(t, e.ID, rec.EnvelopeID)
	require.NotEqual(t, e.ID, rec.ID) // у записи собственный UUID
	require.Equal(t, "probe", rec.Initiator)
	require.Equal(t, "default-allow", rec.AuthorizedBy)

	rec = NewRecord(e, domain.Verdict{RulesetID: "deny-all"})
	require.Equal(t, DecisionDenied, rec.Decision)

	rec = NewRecord(e, domain.Verdict{Malformed: true, RulesetID: domain.RulesetMalformed})
	require.Equal(t, DecisionMalformed, rec.Decision)
}

func TestFilterMatch(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	rec := Record{
		Origin:    "mirror",
		Intent:    "query",
		Decision:  DecisionApproved,
		Timestamp: base,
	}

	require.True(t, Filter{}.Match(rec))
	require.True(t, Filter{Origin: "mirror", Intent: "query", Decision: DecisionApproved}.Match(rec))
	require.True(t, Filter{From: base.Add(-time.Hour), To: base.Add(time.Hour)}.Match(rec))

	require.False(t, Filter{Origin: "core"}.Match(rec))
	require.False(t, Filter{Intent: "update"}.Match(rec))
	require.False(t, Filter{Decision: DecisionDenied}.Match(rec))
	require.False(t, Filter{From: base.Add(time.Minute)}.Match(rec))
	require.False(t, Filter{To: base.Add(-time.Minute)}.Match(rec))
}

func TestMemoryStoreQuery(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	records := []Record{
		{ID: "1", Origin: "mirror", Intent: "query", Decision: DecisionApproved, Timestamp: time.Now()},
		{ID: "2", Origin: "mirror", Intent: "update", Decision: DecisionDenied, Timestamp: time.Now()},
		{ID: "3", Origin: "core", Intent: "query", Decision: DecisionApproved, Timestamp: time.Now()},
	}
	require.NoError(t, store.WriteBatch(ctx, records))
	require.Equal(t, 3, store.Len())

	got, err := store.Query(ctx, Filter{Origin: "mirror"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Порядок добавления сохраняется
	require.Equal(t, "1", got[0].ID)
	require.Equal(t, "2", got[1].ID)

	got, err = store.Query(ctx, Filter{Decision: DecisionApproved, Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "1", got[0].ID)

	got, err = store.Query(ctx, Filter{Origin: "ghost"})
	require.NoError(t, err)
	require.Empty(t, got)
}
