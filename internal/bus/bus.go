package bus

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/pulsemesh-prototype/internal/decay"
	"github.com/xela07ax/pulsemesh-prototype/internal/domain"
	"github.com/xela07ax/pulsemesh-prototype/internal/gate"
	"github.com/xela07ax/pulsemesh-prototype/internal/provenance"
)

// Handler — обработчик подписки. Выполняется синхронно в контексте
// вызова Publish.
type Handler func(e *domain.Envelope)

type subscription struct {
	id      uint64
	pattern domain.Pattern
	handler Handler
}

// Bus — внутрипроцессный оркестратор: на каждую публикацию вызывает
// гейт, журнал, трекер распада и синхронную доставку подписчикам.
//
// Экземпляр создается один раз на процесс и передается компонентам
// явно (dependency injection), без глобального состояния.
//
// Publish безопасен для конкурентных продюсеров: гейт, журнал, трекер
// и реестр подписок защищены собственными примитивами. FIFO-порядок
// гарантирован только внутри одного продюсера, который сериализует свои
// вызовы сам; взаимный порядок независимых продюсеров не определен.
// Обработчик может публиковать повторно из своей же горутины.
type Bus struct {
	gate    gate.Gate
	ledger  *provenance.Ledger
	tracker *decay.Tracker
	metrics *Metrics
	logger  *zap.Logger

	mu     sync.RWMutex // защищает реестр подписок
	subs   []*subscription
	nextID uint64
}

func New(g gate.Gate, ledger *provenance.Ledger, tracker *decay.Tracker, metrics *Metrics, logger *zap.Logger) *Bus {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Bus{
		gate:    g,
		ledger:  ledger,
		tracker: tracker,
		metrics: metrics,
		logger:  logger.With(zap.String("mod", "bus")),
	}
}

// PublishOption настраивает отдельную публикацию.
type PublishOption func(*publishOpts)

type publishOpts struct {
	initiator   string
	relatedRefs []string
	skipDecay   bool
}

// WithInitiator проставляет действующее лицо в provenance
// (по умолчанию — origin).
func WithInitiator(id string) PublishOption {
	return func(o *publishOpts) { o.initiator = id }
}

// WithRelatedRefs прикладывает ссылки на внешние данные (например, id
// во внешнем векторном хранилище).
func WithRelatedRefs(refs ...string) PublishOption {
	return func(o *publishOpts) { o.relatedRefs = refs }
}

// WithoutDecay исключает конверт из учета старения. Используется для
// служебных reflect-уведомлений самого трекера, чтобы не порождать
// каскад регистраций.
func WithoutDecay() PublishOption {
	return func(o *publishOpts) { o.skipDecay = true }
}

// Subscribe регистрирует обработчик на шаблон топика и возвращает
// функцию отписки. Доставка идет в порядке регистрации.
func (b *Bus) Subscribe(topicPattern string, h Handler) (func(), error) {
	pattern, err := domain.ParsePattern(topicPattern)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.nextID++
	sub := &subscription{id: b.nextID, pattern: pattern, handler: h}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == sub.id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}, nil
}

// Publish проводит сообщение через полный конвейер управления:
// черновик -> гейт -> журнал -> трекер -> синхронная доставка.
//
// При отказе политики возвращается синтетический terminated-конверт
// (его видят только глобальные наблюдатели "*") и ErrPolicyRejected.
// При структурном отказе конверт не рождается вовсе.
func (b *Bus) Publish(origin, target string, intent domain.Intent, payload json.RawMessage, opts ...PublishOption) (*domain.Envelope, error) {
	o := publishOpts{initiator: origin}
	for _, opt := range opts {
		opt(&o)
	}

	b.metrics.PublishTotal.WithLabelValues(origin, string(intent)).Inc()

	// 1. Черновик
	draft := domain.NewEnvelope(origin, target, intent, payload)
	draft.RelatedRefs = o.relatedRefs
	draft.Provenance.Initiator = o.initiator

	// 2. Решение гейта (синхронно, без I/O)
	verdict := b.gate.Validate(draft)

	// 2a. Структурный отказ: фиксируем в журнале как MALFORMED (это не
	// policy-отказ) и выходим без какой-либо доставки.
	if verdict.Malformed {
		b.metrics.VerdictTotal.WithLabelValues("malformed", verdict.RulesetID).Inc()
		b.appendRecord(draft, verdict)
		return nil, fmt.Errorf("%w: %s", domain.ErrMalformedEnvelope, verdict.Message)
	}

	// 2b. Отказ политики: журнал + синтетический terminated-конверт
	// только для глобальных наблюдателей.
	if !verdict.Approved {
		b.metrics.VerdictTotal.WithLabelValues("denied", verdict.RulesetID).Inc()
		b.appendRecord(draft, verdict)

		denied := domain.NewDeniedEnvelope(draft, verdict.RulesetID)
		b.dispatch(denied, true)
		return denied, fmt.Errorf("%w: %s (ruleset %s)", domain.ErrPolicyRejected, verdict.Message, verdict.RulesetID)
	}

	// 3. Финализация конверта
	draft.Coherence = verdict.Coherence
	draft.RulesetID = verdict.RulesetID
	draft.Provenance.AuthorizedBy = verdict.RulesetID
	b.metrics.VerdictTotal.WithLabelValues("approved", verdict.RulesetID).Inc()

	for _, w := range verdict.Warnings {
		b.logger.Warn("approved with warning",
			zap.String("id", draft.ID), zap.String("warning", w))
	}

	// 4. Журнал. Сбой записи не фатален: предупреждаем и доставляем.
	b.appendRecord(draft, verdict)

	// 5. Учет старения
	if !o.skipDecay && b.tracker != nil {
		b.tracker.Register(draft)
	}

	// 6. Синхронная доставка в порядке регистрации
	start := time.Now()
	b.dispatch(draft, false)
	b.metrics.DispatchDuration.WithLabelValues(string(intent)).Observe(time.Since(start).Seconds())

	return draft, nil
}

func (b *Bus) appendRecord(e *domain.Envelope, v domain.Verdict) {
	if b.ledger == nil {
		return
	}
	if err := b.ledger.Append(provenance.NewRecord(e, v)); err != nil {
		// LogWriteFailure: доставка продолжается, предупреждение всплывает
		b.logger.Warn("provenance append failed",
			zap.String("envelope_id", e.ID), zap.Error(err))
	}
}

// dispatch доставляет конверт подходящим подпискам. deniedOnly=true
// ограничивает доставку глобальными наблюдателями "*" (синтетические
// конверты отказов).
func (b *Bus) dispatch(e *domain.Envelope, deniedOnly bool) {
	// Снимок под RLock: обработчик может подписываться/отписываться,
	// не зависая на реестре.
	b.mu.RLock()
	matched := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if deniedOnly && !sub.pattern.IsGlobal() {
			continue
		}
		if !sub.pattern.Matches(e) {
			continue
		}
		matched = append(matched, sub)
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		b.invoke(sub, e)
	}
}

// invoke изолирует сбой одного подписчика: паника перехватывается и не
// мешает доставке следующим.
func (b *Bus) invoke(sub *subscription, e *domain.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panic isolated",
				zap.String("pattern", sub.pattern.String()),
				zap.String("envelope_id", e.ID),
				zap.Any("panic", r),
			)
		}
	}()
	sub.handler(e)
}
