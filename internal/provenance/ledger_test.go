package provenance

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/pulsemesh-prototype/internal/domain"
)

func testRecord(origin string) Record {
	e := domain.NewEnvelope(origin, "core", domain.IntentQuery, json.RawMessage(`{}`))
	return NewRecord(e, domain.Verdict{Approved: true, RulesetID: "default-allow", Coherence: 0.75})
}

func TestLedgerDrainOnStop(t *testing.T) {
	store := NewMemoryStore()
	l := NewLedger(store, zap.NewNop(), Options{
		BufferSize:    100,
		BatchSize:     50,
		FlushInterval: time.Hour, // флаш только при остановке
	})
	l.Start()

	for i := 0; i < 10; i++ {
		require.NoError(t, l.Append(testRecord("mirror")))
	}
	l.Stop()

	// Drain Pattern: остатки буфера дописаны до выхода воркера
	require.Equal(t, 10, store.Len())

	// Append после Stop отклоняется с ErrLogWrite
	err := l.Append(testRecord("mirror"))
	require.ErrorIs(t, err, domain.ErrLogWrite)
}

func TestLedgerBatchFlush(t *testing.T) {
	store := NewMemoryStore()
	l := NewLedger(store, zap.NewNop(), Options{
		BufferSize:    100,
		BatchSize:     5,
		FlushInterval: 20 * time.Millisecond,
	})
	l.Start()
	defer l.Stop()

	for i := 0; i < 7; i++ {
		require.NoError(t, l.Append(testRecord("mirror")))
	}

	// Полный пакет уходит по лимиту, хвост — по таймеру
	require.Eventually(t, func() bool { return store.Len() == 7 },
		time.Second, 10*time.Millisecond)
}

func TestLedgerOverflow(t *testing.T) {
	store := NewMemoryStore()
	l := NewLedger(store, zap.NewNop(), Options{
		BufferSize:    2,
		BatchSize:     100,
		FlushInterval: time.Hour,
	})
	// Воркер намеренно не запущен: буфер переполняется

	require.NoError(t, l.Append(testRecord("a")))
	require.NoError(t, l.Append(testRecord("b")))

	// Load Shedding: переполнение не блокирует, а возвращает ошибку
	err := l.Append(testRecord("c"))
	require.ErrorIs(t, err, domain.ErrLogWrite)
}

func TestLedgerSyncAppend(t *testing.T) {
	store := NewMemoryStore()
	l := NewLedger(store, zap.NewNop(), Options{SyncAppend: true})
	l.Start()

	// Write-before-deliver: запись в хранилище до возврата
	require.NoError(t, l.Append(testRecord("mirror")))
	require.Equal(t, 1, store.Len())

	l.Stop()
	require.ErrorIs(t, l.Append(testRecord("mirror")), domain.ErrLogWrite)
}

type failingStore struct{}

func (failingStore) WriteBatch(context.Context, []Record) error {
	return errors.New("disk on fire")
}

func TestLedgerSyncAppendSurfacesError(t *testing.T) {
	l := NewLedger(failingStore{}, zap.NewNop(), Options{SyncAppend: true})
	l.Start()
	defer l.Stop()

	err := l.Append(testRecord("mirror"))
	require.ErrorIs(t, err, domain.ErrLogWrite)
}

func TestLedgerTimestampsRecords(t *testing.T) {
	store := NewMemoryStore()
	l := NewLedger(store, zap.NewNop(), Options{SyncAppend: true})
	l.Start()
	defer l.Stop()

	rec := testRecord("mirror")
	rec.Timestamp = time.Time{}
	require.NoError(t, l.Append(rec))

	saved, err := store.Query(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, saved, 1)
	require.False(t, saved[0].Timestamp.IsZero())
}

func TestLedgerFillGauge(t *testing.T) {
	store := NewMemoryStore()
	var last int
	l := NewLedger(store, zap.NewNop(), Options{
		BufferSize:    10,
		FlushInterval: time.Hour,
		FillGauge:     func(n int) { last = n },
	})
	// Без воркера записи копятся в канале
	require.NoError(t, l.Append(testRecord("a")))
	require.NoError(t, l.Append(testRecord("b")))
	require.Equal(t, 2, last)
}
