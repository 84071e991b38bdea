package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/pulsemesh-prototype/internal/domain"
)

// OverflowPolicy задает поведение исходящей очереди при переполнении.
// Неограниченные очереди запрещены; выбор политики — решение деплоймента.
type OverflowPolicy string

const (
	// OverflowBlock блокирует публикующего, пока очередь не освободится.
	OverflowBlock OverflowPolicy = "block"
	// OverflowDropOldest выталкивает самый старый кадр этой сессии.
	OverflowDropOldest OverflowPolicy = "drop_oldest"
)

// Session — аутентифицированное соединение пира. Создается только после
// успешного рукопожатия.
type Session struct {
	ClientID    string
	Source      string // message.source из рукопожатия; origin входящих публикаций
	Pattern     domain.Pattern
	ConnectedAt time.Time

	conn     *websocket.Conn
	out      chan []byte
	overflow OverflowPolicy
	limiter  *rate.Limiter
	logger   *zap.Logger

	lastSeen  atomic.Int64 // unix nano
	closeOnce sync.Once
	done      chan struct{}
	dropped   atomic.Int64
}

func newSession(clientID, source string, pattern domain.Pattern, conn *websocket.Conn, queueSize int, overflow OverflowPolicy, limiter *rate.Limiter, logger *zap.Logger) *Session {
	s := &Session{
		ClientID:    clientID,
		Source:      source,
		Pattern:     pattern,
		ConnectedAt: time.Now().UTC(),
		conn:        conn,
		out:         make(chan []byte, queueSize),
		overflow:    overflow,
		limiter:     limiter,
		logger:      logger.With(zap.String("client_id", clientID)),
		done:        make(chan struct{}),
	}
	s.touch()
	return s
}

// Snapshot возвращает данные сессии для наблюдаемости.
func (s *Session) Snapshot() domain.Session {
	return domain.Session{
		ClientID:      s.ClientID,
		Topic:         s.Pattern.String(),
		ConnectedAt:   s.ConnectedAt,
		LastSeenAt:    time.Unix(0, s.lastSeen.Load()).UTC(),
		Authenticated: true,
	}
}

func (s *Session) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

// idleFor — сколько сессия молчит (для idle-свипа).
func (s *Session) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastSeen.Load()))
}

// Enqueue ставит кадр в исходящую очередь согласно политике переполнения.
// Возврат false означает, что сессия закрыта.
func (s *Session) Enqueue(frame []byte) bool {
	return enqueueFrame(s.out, s.done, s.overflow, frame, &s.dropped, s.logger)
}

// enqueueFrame — общая механика ограниченной исходящей очереди: ее делят
// серверные сессии и uplink. Возврат false означает, что соединение закрыто.
func enqueueFrame(out chan []byte, done <-chan struct{}, policy OverflowPolicy, frame []byte, dropped *atomic.Int64, logger *zap.Logger) bool {
	switch policy {
	case OverflowBlock:
		select {
		case out <- frame:
			return true
		case <-done:
			return false
		}
	default: // drop_oldest
		for {
			select {
			case out <- frame:
				return true
			case <-done:
				return false
			default:
			}
			// Очередь полна: выталкиваем самый старый кадр и пробуем снова
			select {
			case <-out:
				if n := dropped.Add(1); n%100 == 1 {
					logger.Warn("outbound queue overflow, dropping oldest",
						zap.Int64("dropped_total", n))
				}
			default:
			}
		}
	}
}

// writeLoop — единственный писатель в сокет: кадры очереди + пинги.
func (s *Session) writeLoop(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Debug("write failed, closing session", zap.Error(err))
				s.Close(CloseNormal, "write failure")
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close(CloseNormal, "ping failure")
				return
			}
		case <-s.done:
			return
		}
	}
}

// Close завершает сессию ровно один раз: отправляет close-кадр с кодом
// и гасит циклы чтения/записи.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = s.conn.Close()
	})
}

// Done закрыт после завершения сессии.
func (s *Session) Done() <-chan struct{} {
	return s.done
}
