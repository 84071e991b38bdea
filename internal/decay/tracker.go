package decay

/*
Файл tracker.go реализует компонент Kronos — фоновое старение конвертов.

Ключевые контракты:
- Tracker — единственный писатель Envelope.Status; шина и relay только читают.
- Свипы сериализованы мьютексом и никогда не перекрываются.
- Повторный свип без прошедшего времени ничего не меняет (идемпотентность).
- TTL задаются конфигурацией по intent; значений, зашитых в код, нет.
*/

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/pulsemesh-prototype/internal/domain"
)

// Transition описывает один переход статуса для наблюдателей.
type Transition struct {
	Envelope *domain.Envelope
	From     domain.Status
	To       domain.Status
	At       time.Time
}

// Notifier вызывается после каждого перехода вне критической секции
// трекера: колбэк может безопасно публиковать reflect-уведомления в шину.
type Notifier func(tr Transition)

// Config — настройки старения. TTL ищется по intent; при отсутствии
// берется DefaultTTL.
type Config struct {
	SweepInterval time.Duration
	DefaultTTL    time.Duration
	TTL           map[string]time.Duration
}

type entry struct {
	env          *domain.Envelope
	registeredAt time.Time
	ttl          time.Duration
}

// Tracker регистрирует активные конверты и переводит их
// active -> decayed -> terminated по расписанию.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*entry

	cfg    Config
	notify Notifier
	logger *zap.Logger

	// clock подменяется в тестах
	clock func() time.Time

	wg   sync.WaitGroup
	stop chan struct{}
}

type Option func(*Tracker)

// WithNotifier подключает наблюдателя переходов (reflect-уведомления, метрики).
func WithNotifier(n Notifier) Option {
	return func(t *Tracker) { t.notify = n }
}

// WithClock подменяет источник времени (для тестов).
func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) { t.clock = clock }
}

func New(cfg Config, logger *zap.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		entries: make(map[string]*entry),
		cfg:     cfg,
		logger:  logger.With(zap.String("mod", "kronos")),
		clock:   time.Now,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Register ставит конверт на учет старения. Уже не-active конверты
// и повторные регистрации игнорируются.
func (t *Tracker) Register(e *domain.Envelope) {
	if e == nil || e.Status() != domain.StatusActive {
		return
	}

	ttl := t.cfg.DefaultTTL
	if v, ok := t.cfg.TTL[string(e.Intent)]; ok {
		ttl = v
	}
	if ttl <= 0 {
		t.logger.Warn("no ttl configured, envelope will not decay",
			zap.String("id", e.ID), zap.String("intent", string(e.Intent)))
		return
	}

	t.mu.Lock()
	if _, exists := t.entries[e.ID]; !exists {
		t.entries[e.ID] = &entry{env: e, registeredAt: t.clock(), ttl: ttl}
	}
	t.mu.Unlock()
}

// Terminate — явное досрочное завершение: конверт переходит в terminated
// (при необходимости через decayed) и снимается с учета.
func (t *Tracker) Terminate(id string) {
	t.mu.Lock()
	en, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()

	if !ok {
		return
	}
	t.advance(en.env, domain.StatusTerminated, t.clock())
}

// Tracked возвращает количество конвертов на учете.
func (t *Tracker) Tracked() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Sweep выполняет один проход старения. Мьютекс гарантирует, что свипы
// не перекрываются; уведомления уходят после освобождения блокировки.
func (t *Tracker) Sweep() {
	now := t.clock()

	var transitions []Transition

	t.mu.Lock()
	for id, en := range t.entries {
		age := now.Sub(en.registeredAt)
		switch {
		case age >= 2*en.ttl:
			transitions = append(transitions, t.collectAdvance(en.env, domain.StatusTerminated, now)...)
			delete(t.entries, id) // terminated — поглощающее, учет больше не нужен
		case age >= en.ttl:
			transitions = append(transitions, t.collectAdvance(en.env, domain.StatusDecayed, now)...)
		}
	}
	t.mu.Unlock()

	for _, tr := range transitions {
		t.emit(tr)
	}
}

// collectAdvance двигает статус до target строго по одной ступени,
// чтобы наблюдаемая последовательность оставалась подпоследовательностью
// active, decayed, terminated.
func (t *Tracker) collectAdvance(e *domain.Envelope, target domain.Status, now time.Time) []Transition {
	var out []Transition
	for {
		cur := e.Status()
		if cur == target || cur == domain.StatusTerminated {
			return out
		}
		next := domain.StatusDecayed
		if cur == domain.StatusDecayed {
			next = domain.StatusTerminated
		}
		if !e.AdvanceStatus(next) {
			return out
		}
		out = append(out, Transition{Envelope: e, From: cur, To: next, At: now})
	}
}

// advance — вариант collectAdvance с немедленной отправкой уведомлений
// (для Terminate, вызываемого вне свипа).
func (t *Tracker) advance(e *domain.Envelope, target domain.Status, now time.Time) {
	for _, tr := range t.collectAdvance(e, target, now) {
		t.emit(tr)
	}
}

func (t *Tracker) emit(tr Transition) {
	t.logger.Debug("status transition",
		zap.String("id", tr.Envelope.ID),
		zap.String("from", string(tr.From)),
		zap.String("to", string(tr.To)),
	)
	if t.notify != nil {
		t.notify(tr)
	}
}

// Start запускает периодический свип. Останавливается через Stop.
func (t *Tracker) Start(ctx context.Context) {
	interval := t.cfg.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		t.logger.Info("decay sweeper started", zap.Duration("interval", interval))
		for {
			select {
			case <-ticker.C:
				t.Sweep()
			case <-ctx.Done():
				return
			case <-t.stop:
				return
			}
		}
	}()
}

// Stop завершает фоновый свип и дожидается его выхода.
func (t *Tracker) Stop() {
	close(t.stop)
	t.wg.Wait()
	t.logger.Info("decay sweeper stopped")
}
