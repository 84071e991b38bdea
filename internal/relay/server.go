package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xela07ax/pulsemesh-prototype/internal/bus"
	"github.com/xela07ax/pulsemesh-prototype/internal/domain"
	"github.com/xela07ax/pulsemesh-prototype/internal/infra/auth"
	"github.com/xela07ax/pulsemesh-prototype/internal/provenance"
)

// Config — настройки сессионного слоя relay.
type Config struct {
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	SweepInterval    time.Duration
	QueueSize        int
	Overflow         OverflowPolicy
	SessionRate      float64
	SessionBurst     int
}

// Server расширяет локальную шину через границу процесса: per-topic
// WebSocket каналы с подписанным рукопожатием.
//
// Конечный автомат соединения: Connecting -> (verify) -> Authenticated
// или Rejected. Сессия существует только в состоянии Authenticated.
type Server struct {
	bus     *bus.Bus
	reg     *Registry
	authn   Authenticator
	cfg     Config
	logger  *zap.Logger
	metrics *bus.Metrics

	upgrader websocket.Upgrader

	// Публикации сессий идут в шину через один мьютекс: Publish сам по
	// себе безопасен, но так кадры всех сессий ложатся в журнал в одном
	// наблюдаемом порядке.
	publishMu sync.Mutex

	// Опциональные HTTP-ручки
	ledgerReader provenance.Reader
	issuer       *TokenIssuer
	validator    auth.TokenValidator
}

type ServerOption func(*Server)

// WithLedgerReader включает аудиторскую ручку GET /v1/provenance.
func WithLedgerReader(r provenance.Reader) ServerOption {
	return func(s *Server) { s.ledgerReader = r }
}

// WithTokenIssuer включает ручку POST /auth/token.
func WithTokenIssuer(iss *TokenIssuer) ServerOption {
	return func(s *Server) { s.issuer = iss }
}

// WithTokenValidator закрывает аудиторский периметр RS256-токеном.
func WithTokenValidator(v auth.TokenValidator) ServerOption {
	return func(s *Server) { s.validator = v }
}

func NewServer(b *bus.Bus, authn Authenticator, cfg Config, metrics *bus.Metrics, logger *zap.Logger, opts ...ServerOption) *Server {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Overflow == "" {
		cfg.Overflow = OverflowDropOldest
	}
	if metrics == nil {
		metrics = bus.NewMetrics(nil)
	}

	s := &Server{
		bus:     b,
		reg:     NewRegistry(),
		authn:   authn,
		cfg:     cfg,
		logger:  logger.Named("relay"),
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Узлы mesh-сети ходят друг к другу напрямую, Origin не фильтруем
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sessions возвращает снимки живых сессий.
func (s *Server) Sessions() []domain.Session {
	return s.reg.List()
}

// Routes собирает HTTP-поверхность relay.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Публичные роуты
	r.Group(func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

		if s.issuer != nil {
			r.Post("/auth/token", s.handleToken)
		}

		// WebSocket-каналы: per-topic и прямая адресация по id узла.
		// Аутентификация здесь своя — подписанное рукопожатие.
		r.Get("/mesh/node/{id}", s.handleMeshNode)
		r.Get("/mesh/{topic}", s.handleMeshTopic)
	})

	// Защищенный периметр (аудиторский инструментарий)
	r.Group(func(r chi.Router) {
		if s.validator != nil {
			r.Use(auth.NewMiddleware(s.validator, s.logger))
		}
		if s.ledgerReader != nil {
			r.Get("/v1/provenance", s.handleProvenance)
		}
	})

	return r
}

// handleMeshTopic привязывает сессию к шаблону топика из пути.
func (s *Server) handleMeshTopic(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "topic")
	if unescaped, err := url.PathUnescape(raw); err == nil {
		raw = unescaped
	}

	pattern, err := domain.ParsePattern(raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.serveSession(w, r, pattern, "")
}

// handleMeshNode — прямая адресация: сессия получает все конверты,
// у которых target совпадает с id узла, независимо от топика.
func (s *Server) handleMeshNode(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "id")
	if nodeID == "" {
		http.Error(w, "node id is required", http.StatusBadRequest)
		return
	}

	global, _ := domain.ParsePattern(domain.Wildcard)
	s.serveSession(w, r, global, nodeID)
}

// serveSession проводит соединение через рукопожатие и, в случае успеха,
// обслуживает его до разрыва. targetFilter, если непуст, сужает
// форвардинг конвертами с этим target (режим /mesh/node/{id}).
func (s *Server) serveSession(w http.ResponseWriter, r *http.Request, pattern domain.Pattern, targetFilter string) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", zap.Error(err))
		return
	}

	// --- Состояние Connecting: ждем ровно один кадр рукопожатия ---
	frame, claims, closeCode, err := s.readHandshake(conn)
	if err != nil {
		// Состояние Rejected: закрываем с зарезервированным кодом,
		// сессия не создается.
		s.logger.Warn("handshake rejected",
			zap.Int("code", closeCode), zap.Error(err))
		rejectConn(conn, closeCode, err.Error())
		return
	}

	// Scope токена обязан покрывать запрошенную привязку
	if claims != nil && !ScopesAllow(claims.Scopes, pattern) {
		s.logger.Warn("handshake rejected: scope does not cover binding",
			zap.String("node_id", claims.NodeID), zap.String("topic", pattern.String()))
		rejectConn(conn, CloseInvalidSignature, "token scope does not cover requested binding")
		return
	}

	// --- Состояние Authenticated ---
	clientID := uuid.New().String()
	limiter := rate.NewLimiter(rate.Limit(s.cfg.SessionRate), s.cfg.SessionBurst)
	if s.cfg.SessionRate <= 0 {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}

	sess := newSession(clientID, frame.Message.Source, pattern, conn, s.cfg.QueueSize, s.cfg.Overflow, limiter, s.logger)
	s.reg.Add(sess)
	s.metrics.ActiveSessions.Inc()

	// Мост: локальные конверты -> сокет сессии
	unsubscribe, err := s.bus.Subscribe(pattern.String(), func(e *domain.Envelope) {
		if targetFilter != "" && e.Target != targetFilter {
			return
		}
		data, err := json.Marshal(e)
		if err != nil {
			return
		}
		sess.Enqueue(data)
	})
	if err != nil {
		s.reg.Remove(clientID)
		s.metrics.ActiveSessions.Dec()
		rejectConn(conn, CloseHandshakeError, err.Error())
		return
	}

	// Подтверждение рукопожатия
	ok := HandshakeOK{
		Type:      "handshake_ok",
		ClientID:  clientID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	conn.SetReadDeadline(time.Time{})
	conn.SetPongHandler(func(string) error {
		sess.touch()
		return nil
	})
	if data, err := json.Marshal(ok); err == nil {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.teardown(sess, unsubscribe)
			return
		}
	}

	s.logger.Info("session established",
		zap.String("client_id", clientID),
		zap.String("source", frame.Message.Source),
		zap.String("topic", pattern.String()),
	)

	go sess.writeLoop(30 * time.Second)
	s.readLoop(r.Context(), sess)
	s.teardown(sess, unsubscribe)
}

// readHandshake читает и проверяет первый кадр. Возвращает код закрытия
// для состояния Rejected; claims непустые только в token-режиме.
func (s *Server) readHandshake(conn *websocket.Conn) (*HandshakeFrame, *domain.NodeClaims, int, error) {
	conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))

	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, nil, CloseHandshakeError, errors.New("handshake frame not received")
	}

	var frame HandshakeFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, nil, CloseHandshakeError, errors.New("malformed handshake frame")
	}

	claims, err := s.authn.Verify(&frame)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrMissingHandshakeFields):
			return nil, nil, CloseMissingFields, err
		case errors.Is(err, domain.ErrInvalidSignature):
			return nil, nil, CloseInvalidSignature, err
		default:
			return nil, nil, CloseHandshakeError, err
		}
	}
	return &frame, claims, 0, nil
}

// publishFrame — кадр публикации от удаленного пира. Origin всегда
// берется из рукопожатия сессии, подделать его кадром нельзя.
type publishFrame struct {
	Target      string          `json:"target"`
	Intent      string          `json:"intent"`
	Payload     json.RawMessage `json:"payload"`
	RelatedRefs []string        `json:"relatedRefs,omitempty"`
}

// readLoop принимает публикации пира до разрыва соединения.
func (s *Server) readLoop(ctx context.Context, sess *Session) {
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		sess.touch()

		var frame publishFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			// Протокольная ошибка после рукопожатия — teardown сессии
			s.logger.Warn("protocol error, closing session",
				zap.String("client_id", sess.ClientID), zap.Error(err))
			sess.Close(CloseHandshakeError, "malformed frame")
			return
		}

		// Защита шины от горячего пира
		if err := sess.limiter.Wait(ctx); err != nil {
			return
		}

		opts := []bus.PublishOption{bus.WithInitiator(sess.ClientID)}
		if len(frame.RelatedRefs) > 0 {
			opts = append(opts, bus.WithRelatedRefs(frame.RelatedRefs...))
		}

		// Сериализуем эффект конкурентных сессий на локальную шину
		s.publishMu.Lock()
		_, err = s.bus.Publish(sess.Source, frame.Target, domain.Intent(frame.Intent), frame.Payload, opts...)
		s.publishMu.Unlock()

		if err != nil {
			// Отказ политики и битые кадры не фатальны для сессии
			s.logger.Debug("remote publish rejected",
				zap.String("client_id", sess.ClientID), zap.Error(err))
		}
	}
}

// teardown разбирает сессию: подписка, реестр, сокет. Другие сессии и
// шину не затрагивает.
func (s *Server) teardown(sess *Session, unsubscribe func()) {
	unsubscribe()
	s.reg.Remove(sess.ClientID)
	s.metrics.ActiveSessions.Dec()
	sess.Close(CloseNormal, "session closed")
	s.logger.Info("session closed", zap.String("client_id", sess.ClientID))
}

// StartSweeper запускает фоновую уборку молчащих сессий.
func (s *Server) StartSweeper(ctx context.Context) {
	if s.cfg.IdleTimeout <= 0 {
		return
	}
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				for _, sess := range s.reg.Idle(now, s.cfg.IdleTimeout) {
					s.logger.Info("closing idle session",
						zap.String("client_id", sess.ClientID))
					sess.Close(CloseNormal, "idle timeout")
				}
			}
		}
	}()
}

// rejectConn закрывает соединение кодом отказа, не создавая сессию.
func rejectConn(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}
