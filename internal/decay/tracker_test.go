package decay

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/pulsemesh-prototype/internal/domain"
)

// fakeClock — управляемое время для детерминированных свипов.
type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestTracker(t *testing.T, cfg Config, opts ...Option) (*Tracker, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	opts = append(opts, WithClock(clock.Now))
	return New(cfg, zap.NewNop(), opts...), clock
}

func activeEnvelope(intent domain.Intent) *domain.Envelope {
	return domain.NewEnvelope("mirror", "core", intent, json.RawMessage(`{}`))
}

func TestSweepLifecycle(t *testing.T) {
	cfg := Config{DefaultTTL: time.Minute, TTL: map[string]time.Duration{"query": 30 * time.Second}}
	tr, clock := newTestTracker(t, cfg)

	e := activeEnvelope(domain.IntentQuery)
	tr.Register(e)
	require.Equal(t, 1, tr.Tracked())

	// До TTL статус не меняется
	clock.Advance(29 * time.Second)
	tr.Sweep()
	require.Equal(t, domain.StatusActive, e.Status())

	// Возраст >= TTL: decayed
	clock.Advance(time.Second)
	tr.Sweep()
	require.Equal(t, domain.StatusDecayed, e.Status())
	require.Equal(t, 1, tr.Tracked())

	// Возраст >= 2*TTL: terminated и снятие с учета
	clock.Advance(30 * time.Second)
	tr.Sweep()
	require.Equal(t, domain.StatusTerminated, e.Status())
	require.Equal(t, 0, tr.Tracked())
}

func TestSweepIdempotent(t *testing.T) {
	cfg := Config{DefaultTTL: time.Minute}
	tr, clock := newTestTracker(t, cfg)

	e := activeEnvelope(domain.IntentUpdate)
	tr.Register(e)

	clock.Advance(time.Minute)
	tr.Sweep()
	require.Equal(t, domain.StatusDecayed, e.Status())

	// Повторный свип без продвижения часов не производит переходов
	var count int
	tr.notify = func(Transition) { count++ }
	tr.Sweep()
	tr.Sweep()
	require.Equal(t, domain.StatusDecayed, e.Status())
	require.Zero(t, count)
}

func TestSweepSkipsDecayedStep(t *testing.T) {
	// Конверт, переживший сразу 2*TTL, все равно проходит обе ступени
	cfg := Config{DefaultTTL: 10 * time.Second}
	tr, clock := newTestTracker(t, cfg)

	var seen []domain.Status
	tr.notify = func(tran Transition) { seen = append(seen, tran.To) }

	e := activeEnvelope(domain.IntentCreate)
	tr.Register(e)

	clock.Advance(25 * time.Second)
	tr.Sweep()
	require.Equal(t, domain.StatusTerminated, e.Status())
	require.Equal(t, []domain.Status{domain.StatusDecayed, domain.StatusTerminated}, seen)
}

func TestRegisterSkipsNonActive(t *testing.T) {
	cfg := Config{DefaultTTL: time.Minute}
	tr, _ := newTestTracker(t, cfg)

	e := activeEnvelope(domain.IntentQuery)
	require.True(t, e.AdvanceStatus(domain.StatusTerminated))
	tr.Register(e)
	tr.Register(nil)
	require.Zero(t, tr.Tracked())
}

func TestRegisterDuplicate(t *testing.T) {
	cfg := Config{DefaultTTL: time.Minute}
	tr, clock := newTestTracker(t, cfg)

	e := activeEnvelope(domain.IntentQuery)
	tr.Register(e)
	clock.Advance(30 * time.Second)
	tr.Register(e) // повтор не сбрасывает отсчет
	require.Equal(t, 1, tr.Tracked())

	clock.Advance(30 * time.Second)
	tr.Sweep()
	require.Equal(t, domain.StatusDecayed, e.Status())
}

func TestRegisterWithoutTTL(t *testing.T) {
	// Нулевой TTL: конверт не регистрируется и никогда не стареет
	tr, clock := newTestTracker(t, Config{})

	e := activeEnvelope(domain.IntentQuery)
	tr.Register(e)
	require.Zero(t, tr.Tracked())

	clock.Advance(time.Hour)
	tr.Sweep()
	require.Equal(t, domain.StatusActive, e.Status())
}

func TestTerminate(t *testing.T) {
	cfg := Config{DefaultTTL: time.Hour}
	tr, _ := newTestTracker(t, cfg)

	var seen []domain.Status
	tr.notify = func(tran Transition) { seen = append(seen, tran.To) }

	e := activeEnvelope(domain.IntentGovern)
	tr.Register(e)

	tr.Terminate(e.ID)
	require.Equal(t, domain.StatusTerminated, e.Status())
	require.Zero(t, tr.Tracked())
	require.Equal(t, []domain.Status{domain.StatusDecayed, domain.StatusTerminated}, seen)

	// Повторное завершение неизвестного id безопасно
	tr.Terminate(e.ID)
	tr.Terminate("missing")
}

func TestNotifierReceivesTransition(t *testing.T) {
	cfg := Config{DefaultTTL: time.Second}
	var got []Transition
	tr, clock := newTestTracker(t, cfg, WithNotifier(func(tran Transition) { got = append(got, tran) }))

	e := activeEnvelope(domain.IntentQuery)
	tr.Register(e)

	clock.Advance(time.Second)
	tr.Sweep()

	require.Len(t, got, 1)
	require.Equal(t, e.ID, got[0].Envelope.ID)
	require.Equal(t, domain.StatusActive, got[0].From)
	require.Equal(t, domain.StatusDecayed, got[0].To)
	require.Equal(t, clock.Now(), got[0].At)
}

func TestNotifierMayReenterTracker(t *testing.T) {
	// Колбэк вызывается вне критической секции: обращение к трекеру
	// из уведомления не должно приводить к дедлоку.
	cfg := Config{DefaultTTL: time.Second}
	tr, clock := newTestTracker(t, cfg)
	tr.notify = func(Transition) { _ = tr.Tracked() }

	tr.Register(activeEnvelope(domain.IntentQuery))
	clock.Advance(time.Second)

	done := make(chan struct{})
	go func() {
		tr.Sweep()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweep deadlocked in notifier")
	}
}

func TestTTLPerIntent(t *testing.T) {
	cfg := Config{
		DefaultTTL: time.Hour,
		TTL: map[string]time.Duration{
			"query":  10 * time.Second,
			"govern": 5 * time.Minute,
		},
	}
	tr, clock := newTestTracker(t, cfg)

	q := activeEnvelope(domain.IntentQuery)
	g := activeEnvelope(domain.IntentGovern)
	u := activeEnvelope(domain.IntentUpdate)
	tr.Register(q)
	tr.Register(g)
	tr.Register(u)

	clock.Advance(10 * time.Second)
	tr.Sweep()
	require.Equal(t, domain.StatusDecayed, q.Status())
	require.Equal(t, domain.StatusActive, g.Status())
	require.Equal(t, domain.StatusActive, u.Status()) // default TTL = час
}
