package infra

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "pulse"
)

// Ключи для состояния (Sets / Values)
const (
	RedisKeyBlockedOrigins = RedisNamespace + ":origins:blocked_set"
	RedisKeyRuleset        = RedisNamespace + ":gate:ruleset" // JSON-массив правил
)

// Каналы Pub/Sub (события)
const (
	// RedisChanKillSwitch — сигналы блокировки источника ("origin:true"/"origin:false").
	RedisChanKillSwitch = RedisNamespace + ":origins:kill-switch-signal"

	// RedisChanRulesetUpdate — уведомление об изменении набора правил.
	RedisChanRulesetUpdate = RedisNamespace + ":gate:ruleset-update"
)
