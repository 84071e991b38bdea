package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/pulsemesh-prototype/internal/infra"
)

// ListenStateResilient — универсальный цикл для "живучей" подписки на
// сигналы Redis. Обрабатывает переподключения, логирование и разбор
// сигналов формата "id:true"/"id:false".
func ListenStateResilient(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	channel string,
	onReconnect func() error, // Callback для синхронизации при переподключении
	onMessage func(id string, status bool), // Callback для обработки сообщения
) {
	for {
		pubsub := rdb.Subscribe(ctx, channel)

		// Проверка успешности подписки
		if _, err := pubsub.Receive(ctx); err != nil {
			logger.Error("failed to subscribe", zap.String("chan", channel), zap.Error(err))
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		// Вызываем синхронизацию (Init) при каждом успешном коннекте
		if err := onReconnect(); err != nil {
			logger.Error("sync failed on reconnect", zap.Error(err))
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}

				// Разбор формата "origin:status"
				parts := strings.Split(msg.Payload, ":")
				if len(parts) != 2 {
					logger.Error("invalid signal format", zap.String("payload", msg.Payload))
					continue
				}

				id := parts[0]
				status := parts[1] == "true" || parts[1] == "on" // Гибкий парсинг

				onMessage(id, status)
			}
		}

		pubsub.Close()
		time.Sleep(1 * time.Second)
	}
}

// RulesetSync держит набор правил гейта в согласии с Redis:
// warm load при старте, горячая перезагрузка по сигналу ruleset-update.
// Оценка правил при этом остается чисто in-memory.
type RulesetSync struct {
	rdb    *redis.Client
	gate   *RulesetGate
	logger *zap.Logger
}

func NewRulesetSync(rdb *redis.Client, gate *RulesetGate, logger *zap.Logger) *RulesetSync {
	return &RulesetSync{
		rdb:    rdb,
		gate:   gate,
		logger: logger.Named("ruleset-sync"),
	}
}

// Init загружает правила из Redis при старте. Отсутствие ключа не ошибка:
// узел продолжает на статически сконфигурированном наборе.
func (s *RulesetSync) Init(ctx context.Context) error {
	raw, err := s.rdb.Get(ctx, infra.RedisKeyRuleset).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ruleset fetch failed: %w", err)
	}
	return s.apply(raw)
}

func (s *RulesetSync) apply(raw string) error {
	var rules []Rule
	if err := json.Unmarshal([]byte(raw), &rules); err != nil {
		return fmt.Errorf("ruleset decode failed: %w", err)
	}
	s.gate.ReplaceRules(rules)
	s.logger.Info("ruleset reloaded", zap.Int("rules", len(rules)))
	return nil
}

// StartListener перезагружает правила по каждому сигналу в канале обновлений.
// Полезная нагрузка сигнала не важна — источником правды остается ключ.
func (s *RulesetSync) StartListener(ctx context.Context) {
	for {
		pubsub := s.rdb.Subscribe(ctx, infra.RedisChanRulesetUpdate)

		if _, err := pubsub.Receive(ctx); err != nil {
			s.logger.Error("failed to subscribe", zap.Error(err))
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		// Ресинк при (пере)подключении
		if err := s.Init(ctx); err != nil {
			s.logger.Error("ruleset sync failed on reconnect", zap.Error(err))
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case _, ok := <-ch:
				if !ok {
					break loop
				}
				if err := s.Init(ctx); err != nil {
					s.logger.Error("ruleset reload failed", zap.Error(err))
				}
			}
		}

		pubsub.Close()
		time.Sleep(1 * time.Second)
	}
}
