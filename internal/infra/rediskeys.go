package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных контура в Redis
	RedisNamespace = "sentinel"
)

// Ключи состояния
const (
	// RedisKeyOfflineQueue — единый ключ с JSON-списком отложенных операций (edge).
	RedisKeyOfflineQueue = RedisNamespace + ":offline:queue"
	// RedisKeyStableVersion — последняя версия деплоя, признанная здоровой.
	RedisKeyStableVersion = RedisNamespace + ":deploy:stable_version"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanAlertEvents — трансляция переходов статусов алертов внешним потребителям.
	RedisChanAlertEvents = RedisNamespace + ":alerts:events"
	// RedisChanRollbackEvents — трансляция статусов исполнения откатов.
	RedisChanRollbackEvents = RedisNamespace + ":rollback:events"
	// RedisChanOfflineSignal — управляющие сигналы для edge: "network:on", "queue:off" и т.п.
	RedisChanOfflineSignal = RedisNamespace + ":offline:signal"
	// RedisChanQueueEvents — трансляция событий очереди и синхронизации (edge).
	RedisChanQueueEvents = RedisNamespace + ":offline:events"
)

// GetBreakerStateKey Генератор ключей для снапшотов состояния предохранителей
func GetBreakerStateKey(dependency string) string {
	return fmt.Sprintf("%s:breaker:%s", RedisNamespace, dependency)
}
