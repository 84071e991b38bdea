package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/xela07ax/pulsemesh-prototype/internal/bus"
	"github.com/xela07ax/pulsemesh-prototype/internal/domain"
)

// Uplink — клиентская половина relay: узел сам подключается к удаленному
// пиру, проходит подписанное рукопожатие и мостит трафик в обе стороны.
//
// Недоступность пира не фатальна: шина продолжает работать локально,
// uplink переподключается в фоне. Circuit Breaker не дает дергать
// мертвый адрес без пауз.
type Uplink struct {
	name    string // идентификатор узла в рукопожатии (message.source)
	peerURL string // ws://host:port/mesh/{topic}
	target  string // message.target
	secret  []byte

	bus     *bus.Bus
	pattern domain.Pattern
	logger  *zap.Logger
	cb      *gobreaker.CircuitBreaker

	queueSize int
	overflow  OverflowPolicy
	dropped   atomic.Int64
}

// UplinkOption настраивает uplink при создании.
type UplinkOption func(*Uplink)

// WithUplinkQueue задает размер исходящей очереди uplink и политику
// переполнения. Очередь всегда ограничена; нулевой размер оставляет
// значение по умолчанию.
func WithUplinkQueue(size int, policy OverflowPolicy) UplinkOption {
	return func(u *Uplink) {
		if size > 0 {
			u.queueSize = size
		}
		if policy != "" {
			u.overflow = policy
		}
	}
}

func NewUplink(name, peerURL, target, topic string, secret []byte, b *bus.Bus, logger *zap.Logger, opts ...UplinkOption) (*Uplink, error) {
	pattern, err := domain.ParsePattern(topic)
	if err != nil {
		return nil, err
	}

	// Настройка предохранителя
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "uplink-" + topic,
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})

	u := &Uplink{
		name:      name,
		peerURL:   peerURL,
		target:    target,
		secret:    secret,
		bus:       b,
		pattern:   pattern,
		logger:    logger.Named("uplink").With(zap.String("peer", peerURL)),
		cb:        cb,
		queueSize: 256,
		overflow:  OverflowDropOldest,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u, nil
}

// Start запускает фоновый цикл подключения. Завершается по контексту.
func (u *Uplink) Start(ctx context.Context) {
	go u.run(ctx)
}

func (u *Uplink) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := u.connect(ctx)
		if err != nil {
			// RelayUnavailable: работаем локально, пробуем позже
			u.logger.Warn("peer unavailable, bus continues local-only",
				zap.Error(fmt.Errorf("%w: %v", domain.ErrRelayUnavailable, err)))
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		u.logger.Info("uplink established", zap.String("topic", u.pattern.String()))
		u.bridge(ctx, conn)
		conn.Close()
	}
}

// connect набирает пира с ретраями под предохранителем и проводит
// рукопожатие.
func (u *Uplink) connect(ctx context.Context) (*websocket.Conn, error) {
	result, err := u.cb.Execute(func() (interface{}, error) {
		var conn *websocket.Conn

		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(3),
			retry.DelayType(retry.BackOffDelay),
		)

		retryErr := r.Do(func() error {
			dCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			c, _, err := websocket.DefaultDialer.DialContext(dCtx, u.peerURL, nil)
			if err != nil {
				return err
			}

			if err := u.handshake(c); err != nil {
				c.Close()
				return err
			}
			conn = c
			return nil
		})

		return conn, retryErr
	})
	if err != nil {
		return nil, err
	}
	return result.(*websocket.Conn), nil
}

func (u *Uplink) handshake(conn *websocket.Conn) error {
	msg := HandshakeMessage{
		Source:    u.name,
		Target:    u.target,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	signature, err := SignMessage(msg, u.secret)
	if err != nil {
		return err
	}

	frame := HandshakeFrame{Message: msg, Signature: signature}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("handshake send failed: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, reply, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("handshake reply not received: %w", err)
	}

	var ok HandshakeOK
	if err := json.Unmarshal(reply, &ok); err != nil || ok.Type != "handshake_ok" {
		return fmt.Errorf("unexpected handshake reply")
	}

	conn.SetReadDeadline(time.Time{})
	u.logger.Info("handshake accepted", zap.String("client_id", ok.ClientID))
	return nil
}

// bridge мостит трафик до разрыва соединения.
func (u *Uplink) bridge(ctx context.Context, conn *websocket.Conn) {
	// Соединению положен ровно один писатель: подписчики шины кладут кадры
	// в ограниченную очередь, в сокет пишет только цикл ниже.
	out := make(chan []byte, u.queueSize)
	stop := make(chan struct{})
	var once sync.Once
	shutdown := func() {
		once.Do(func() {
			close(stop)
			conn.Close()
		})
	}
	defer shutdown()

	go func() {
		for {
			select {
			case frame := <-out:
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
					u.logger.Debug("forward to peer failed", zap.Error(err))
					shutdown()
					return
				}
			case <-stop:
				return
			}
		}
	}()

	// Локальное -> удаленное: публикации, совпавшие с топиком uplink,
	// уходят пиру кадрами публикации. Конверты, которые сам uplink
	// влил с той стороны, пропускаются — иначе возникнет эхо-петля.
	unsubscribe, err := u.bus.Subscribe(u.pattern.String(), func(e *domain.Envelope) {
		if e.Provenance.Initiator == u.name {
			return
		}
		frame := publishFrame{
			Target:      e.Target,
			Intent:      string(e.Intent),
			Payload:     e.Payload,
			RelatedRefs: e.RelatedRefs,
		}
		data, err := json.Marshal(frame)
		if err != nil {
			return
		}
		enqueueFrame(out, stop, u.overflow, data, &u.dropped, u.logger)
	})
	if err != nil {
		u.logger.Error("local subscribe failed", zap.Error(err))
		return
	}
	defer unsubscribe()

	// Разрыв по контексту гасит чтение
	go func() {
		select {
		case <-ctx.Done():
			shutdown()
		case <-stop:
		}
	}()

	// Удаленное -> локальное: конверты пира публикуются в локальную шину
	// как от локального продюсера и проходят локальный гейт.
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			u.logger.Info("uplink connection lost", zap.Error(err))
			return
		}

		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			u.logger.Warn("malformed frame from peer", zap.Error(err))
			continue
		}

		opts := []bus.PublishOption{bus.WithInitiator(u.name)}
		if len(env.RelatedRefs) > 0 {
			opts = append(opts, bus.WithRelatedRefs(env.RelatedRefs...))
		}
		if _, err := u.bus.Publish(env.Origin, env.Target, env.Intent, env.Payload, opts...); err != nil {
			u.logger.Debug("peer envelope rejected locally", zap.Error(err))
		}
	}
}
