package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/pulsemesh-prototype/internal/bus"
	"github.com/xela07ax/pulsemesh-prototype/internal/decay"
	"github.com/xela07ax/pulsemesh-prototype/internal/domain"
	"github.com/xela07ax/pulsemesh-prototype/internal/gate"
	"github.com/xela07ax/pulsemesh-prototype/internal/infra"
	"github.com/xela07ax/pulsemesh-prototype/internal/infra/auth"
	"github.com/xela07ax/pulsemesh-prototype/internal/provenance"
	"github.com/xela07ax/pulsemesh-prototype/internal/reasoner"
	"github.com/xela07ax/pulsemesh-prototype/internal/relay"
	"github.com/xela07ax/pulsemesh-prototype/internal/repository/postgres"
)

func main() {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logger.Sync()

	// Контекст для управления жизненным циклом фоновых горутин
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Метрики
	reg := prometheus.NewRegistry()
	metrics := bus.NewMetrics(reg)

	// 3. Хранилище журнала: Postgres либо (без БД) память
	var (
		store  provenance.Storage
		reader provenance.Reader
	)
	if cfg.Database.URL != "" {
		repo, err := postgres.NewProvenanceRepo(cfg.Database.URL)
		if err != nil {
			logger.Fatal("postgres init failed", zap.Error(err))
		}
		pingCtx, pingCancel := context.WithTimeout(appCtx, 5*time.Second)
		if err := repo.Ping(pingCtx); err != nil {
			logger.Fatal("database unreachable", zap.Error(err))
		}
		pingCancel()
		defer repo.Close()
		store, reader = repo, repo
	} else {
		logger.Warn("database.url is empty, provenance log is in-memory only")
		mem := provenance.NewMemoryStore()
		store, reader = mem, mem
	}

	ledger := provenance.NewLedger(store, logger, provenance.Options{
		BufferSize:    cfg.Ledger.BufferSize,
		BatchSize:     cfg.Ledger.BatchSize,
		FlushInterval: cfg.Ledger.FlushInterval,
		SyncAppend:    cfg.Ledger.SyncAppend,
		FillGauge:     func(n int) { metrics.LedgerBufferFill.Set(float64(n)) },
	})
	ledger.Start()

	// 4. Control Plane: блок-лист источников и live-правила через Redis
	var blocklist gate.Blocklist
	var g *gate.RulesetGate
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		bl := gate.NewOriginBlocklist(rdb, logger)
		if err := bl.Init(appCtx); err != nil {
			logger.Fatal("blocklist init failed", zap.Error(err))
		}
		go bl.StartListener(appCtx)
		blocklist = bl

		g = gate.NewRulesetGate(nil, gate.DefaultFallback, &gate.IntentPairScorer{}, blocklist)

		sync := gate.NewRulesetSync(rdb, g, logger)
		if err := sync.Init(appCtx); err != nil {
			logger.Fatal("ruleset init failed", zap.Error(err))
		}
		go sync.StartListener(appCtx)
	} else {
		logger.Warn("redis.addr is empty, kill-switch and live ruleset sync are disabled")
		g = gate.NewRulesetGate(nil, gate.DefaultFallback, &gate.IntentPairScorer{}, nil)
	}

	// 5. DecayTracker. Уведомления о переходах публикуются позже через
	// шину, поэтому ссылка на нее связывается отложенно.
	var pulseBus *bus.Bus
	tracker := decay.New(decay.Config{
		SweepInterval: cfg.Decay.SweepInterval,
		DefaultTTL:    cfg.Decay.DefaultTTL,
		TTL:           cfg.IntentTTLs(),
	}, logger, decay.WithNotifier(func(tr decay.Transition) {
		metrics.DecayTransitions.WithLabelValues(string(tr.To)).Inc()
		if pulseBus == nil {
			return
		}
		payload, err := json.Marshal(map[string]string{
			"envelope_id": tr.Envelope.ID,
			"from":        string(tr.From),
			"to":          string(tr.To),
			"at":          tr.At.UTC().Format(time.RFC3339),
		})
		if err != nil {
			return
		}
		// Служебное уведомление: наблюдатели реагируют на распад без
		// опроса. Само оно старению не подлежит.
		if _, err := pulseBus.Publish("kronos", tr.Envelope.Origin, domain.IntentReflect, payload,
			bus.WithoutDecay(), bus.WithRelatedRefs(tr.Envelope.ID)); err != nil {
			logger.Debug("decay notification rejected", zap.Error(err))
		}
	}))

	// 6. Сборка шины
	pulseBus = bus.New(g, ledger, tracker, metrics, logger)
	tracker.Start(appCtx)

	// Подключаемая способность обработки query-конвертов
	if _, err := reasoner.Attach(pulseBus, &reasoner.Echo{}, logger); err != nil {
		logger.Fatal("reasoner attach failed", zap.Error(err))
	}

	// 7. Relay: аутентификатор рукопожатия по режиму деплоймента
	var authn relay.Authenticator
	var validator auth.TokenValidator
	if pub, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey); err == nil {
		validator = auth.NewBaseValidator(pub)
	}
	switch cfg.Auth.Mode {
	case "jwt":
		if validator == nil {
			logger.Fatal("auth mode jwt requires a public key")
		}
		authn = relay.NewJWTAuthenticator(validator)
	default:
		authn = relay.NewHMACAuthenticator(cfg.Auth.SharedSecret)
	}

	serverOpts := []relay.ServerOption{relay.WithLedgerReader(reader)}
	if validator != nil {
		serverOpts = append(serverOpts, relay.WithTokenValidator(validator))
	}
	if priv, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey); err == nil {
		issuer := relay.NewTokenIssuer(priv, cfg.Auth.Nodes, cfg.Auth.TokenTTL)
		serverOpts = append(serverOpts, relay.WithTokenIssuer(issuer))
	}

	relaySrv := relay.NewServer(pulseBus, authn, relay.Config{
		HandshakeTimeout: cfg.Mesh.HandshakeTimeout,
		IdleTimeout:      cfg.Mesh.IdleTimeout,
		SweepInterval:    cfg.Mesh.SweepInterval,
		QueueSize:        cfg.Mesh.QueueSize,
		Overflow:         relay.OverflowPolicy(cfg.Mesh.OverflowPolicy),
		SessionRate:      cfg.Mesh.SessionRate,
		SessionBurst:     cfg.Mesh.SessionBurst,
	}, metrics, logger, serverOpts...)
	relaySrv.StartSweeper(appCtx)

	// 8. Uplink-пиры из конфига
	for _, peer := range cfg.Mesh.Peers {
		up, err := relay.NewUplink(cfg.Mesh.NodeID, peer.URL, peer.Name, peer.Topic, cfg.Auth.SharedSecret, pulseBus, logger,
			relay.WithUplinkQueue(cfg.Mesh.QueueSize, relay.OverflowPolicy(cfg.Mesh.OverflowPolicy)))
		if err != nil {
			logger.Fatal("uplink init failed", zap.String("peer", peer.URL), zap.Error(err))
		}
		up.Start(appCtx)
	}

	// 9. Экспорт метрик для Prometheus
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		if err := http.ListenAndServe(":9090", mux); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	// 10. HTTP/WebSocket сервер relay
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      relaySrv.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("pulse node started",
			zap.String("addr", srv.Addr),
			zap.String("node_id", cfg.Mesh.NodeID),
			zap.String("auth_mode", cfg.Auth.Mode),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	<-stop // Ждем сигнал
	logger.Info("pulse node stopping...")

	// Даем 5 секунд на завершение запросов
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}

	// Порядок важен: сначала гасим фоновые циклы, затем дописываем журнал
	cancel()
	tracker.Stop()
	ledger.Stop()
	logger.Info("pulse node exited properly")
}
