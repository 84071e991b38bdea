package gate

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/pulsemesh-prototype/internal/infra"
)

// OriginBlocklist — kill-switch для источников: заблокированный origin
// отклоняется гейтом с зарезервированным ruleset id "origin-blocked".
// Состояние живет в Redis Set, локальная мапа — L1 кэш.
type OriginBlocklist struct {
	mu      sync.RWMutex
	blocked map[string]struct{}
	rdb     *redis.Client
	logger  *zap.Logger
}

func NewOriginBlocklist(rdb *redis.Client, logger *zap.Logger) *OriginBlocklist {
	return &OriginBlocklist{
		blocked: make(map[string]struct{}),
		rdb:     rdb,
		logger:  logger.Named("blocklist"),
	}
}

// Init загружает текущее состояние блокировок при старте узла
func (m *OriginBlocklist) Init(ctx context.Context) error {
	origins, err := m.rdb.SMembers(ctx, infra.RedisKeyBlockedOrigins).Result()
	if err != nil {
		return err
	}

	m.replace(origins)
	return nil
}

func (m *OriginBlocklist) replace(origins []string) {
	next := make(map[string]struct{}, len(origins))
	for _, id := range origins {
		next[id] = struct{}{}
	}
	m.mu.Lock()
	m.blocked = next
	m.mu.Unlock()
}

// MarkBlocked — внутренний метод для обновления мапы
func (m *OriginBlocklist) MarkBlocked(origin string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocked[origin] = struct{}{}
}

func (m *OriginBlocklist) MarkUnblocked(origin string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocked, origin)
}

// IsBlocked реализует интерфейс Blocklist.
func (m *OriginBlocklist) IsBlocked(origin string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blocked[origin]
	return ok
}

// StartListener подписывается на сигналы kill-switch и обновляет L1.
// Формат сигнала: "origin:true" (блокировка) / "origin:false" (снятие).
func (m *OriginBlocklist) StartListener(ctx context.Context) {
	ListenStateResilient(ctx, m.rdb, m.logger, infra.RedisChanKillSwitch,
		func() error {
			// Ресинк при каждом успешном (пере)подключении
			return m.Init(ctx)
		},
		func(origin string, blocked bool) {
			if blocked {
				m.logger.Warn("kill signal received", zap.String("origin", origin))
				m.MarkBlocked(origin)
			} else {
				m.logger.Info("origin unblocked", zap.String("origin", origin))
				m.MarkUnblocked(origin)
			}
		},
	)
}
