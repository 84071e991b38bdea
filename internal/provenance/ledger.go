package provenance

/*
Файл ledger.go реализует Shadow Ledger — append-only журнал всех попыток
публикации.

Ключевые особенности архитектуры:
- Non-blocking Append: по умолчанию запись уходит в буферизованный канал,
  чтобы задержки БД не влияли на Hot Path шины. Сбой записи не молчит:
  переполнение и закрытие журнала возвращаются вызывающему как ошибка,
  сбои флаша логируются воркером.
- Batching: накопление записей и пакетная вставка по таймеру или при
  достижении лимита.
- Drain Pattern & Graceful Shutdown: при остановке канал закрывается,
  воркер вычитает остатки и выполняет финальный flush — записи при
  перезапуске не теряются.
- Write-before-deliver: деплоймент может включить синхронный режим
  (SyncAppend), тогда Append пишет в хранилище до возврата и шина
  доставляет конверт только после фиксации записи.
*/

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/pulsemesh-prototype/internal/domain"
)

// Storage определяет, куда физически сохраняется журнал
type Storage interface {
	// WriteBatch сохраняет пачку записей за один раз
	WriteBatch(ctx context.Context, records []Record) error
}

// Reader — читающая половина журнала (аудиторский инструментарий).
type Reader interface {
	Query(ctx context.Context, f Filter) ([]Record, error)
}

// Options — настройки буферизации.
type Options struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	SyncAppend    bool

	// FillGauge, если задан, отражает заполненность буфера (backpressure).
	FillGauge func(n int)
}

type Ledger struct {
	ch     chan Record
	store  Storage
	logger *zap.Logger
	opts   Options
	wg     sync.WaitGroup
	// Атомарный флаг (0 - открыт, 1 - закрыт): защита от Append после Stop
	isClosed int32
}

func NewLedger(store Storage, logger *zap.Logger, opts Options) *Ledger {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 10000
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 500 * time.Millisecond
	}
	return &Ledger{
		ch:     make(chan Record, opts.BufferSize),
		store:  store,
		logger: logger.With(zap.String("mod", "ledger")),
		opts:   opts,
	}
}

func (l *Ledger) Start() {
	if l.opts.SyncAppend {
		return // синхронный режим обходится без воркера
	}
	l.wg.Add(1)
	go l.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (l *Ledger) Stop() {
	// 1. Сначала ставим флаг
	if !atomic.CompareAndSwapInt32(&l.isClosed, 0, 1) {
		return
	}

	if l.opts.SyncAppend {
		return
	}

	// 2. Даем крошечную паузу, чтобы текущие Append успели проскочить
	time.Sleep(10 * time.Millisecond)

	// 3. Закрываем (Drain Pattern). Завершение горутины происходит
	// исключительно через закрытие входного канала.
	l.logger.Info("stopping ledger: closing channel and flushing buffer...")
	close(l.ch)
	l.wg.Wait()
	l.logger.Info("ledger stopped gracefully")
}

// Append ставит запись в журнал. Ошибка не фатальна для публикации:
// шина логирует предупреждение и продолжает доставку (кроме режима
// write-before-deliver, где решает деплоймент).
func (l *Ledger) Append(rec Record) error {
	// Убеждаемся, что таймстемп всегда проставлен
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	// Атомарно проверяем, не закрыт ли журнал
	if atomic.LoadInt32(&l.isClosed) == 1 {
		return fmt.Errorf("%w: ledger is stopping", domain.ErrLogWrite)
	}

	if l.opts.SyncAppend {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.store.WriteBatch(ctx, []Record{rec}); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrLogWrite, err)
		}
		return nil
	}

	// Стратегия Load Shedding: переполненный буфер не блокирует публикацию,
	// но отказ всплывает к вызывающему — журнал не падает молча.
	select {
	case l.ch <- rec:
		if l.opts.FillGauge != nil {
			l.opts.FillGauge(len(l.ch))
		}
		return nil
	default:
		return fmt.Errorf("%w: buffer overflow", domain.ErrLogWrite)
	}
}

func (l *Ledger) worker() {
	defer l.wg.Done()

	batch := make([]Record, 0, l.opts.BatchSize)
	ticker := time.NewTicker(l.opts.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) > 0 {
			// Используем Background, так как основной контекст может быть уже закрыт
			if err := l.store.WriteBatch(context.Background(), batch); err != nil {
				l.logger.Error("ledger flush failed", zap.Error(err))
			}
			batch = batch[:0]
		}
		if l.opts.FillGauge != nil {
			l.opts.FillGauge(len(l.ch))
		}
	}

	for {
		select {
		case rec, ok := <-l.ch:
			if !ok {
				// Канал закрыт в Stop(): вычитываем остатки, финальный flush, выход.
				flush()
				l.logger.Info("ledger worker finished")
				return
			}
			batch = append(batch, rec)
			if len(batch) >= l.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
