package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "chatgate"
)

// Ключи для Sets (состояние)
const (
	RedisKeyElevated        = RedisNamespace + ":identities:elevated_set"
	RedisKeyLockWarmElevate = RedisNamespace + ":lock:warmup:elevated"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanElevated — "identity:on" / "identity:off"
	RedisChanElevated = RedisNamespace + ":identities:elevated-signal"
	// RedisChanPluginsReload — любой payload вызывает перечитывание манифестов
	RedisChanPluginsReload = RedisNamespace + ":plugins:reload"
	// RedisChanGroupInvalidate — payload = id группы
	RedisChanGroupInvalidate = RedisNamespace + ":groups:invalidate"
)

// CredentialsKey — ключ зеркала учетных данных сессии.
func CredentialsKey(sessionID string) string {
	return fmt.Sprintf("%s:session:%s:creds", RedisNamespace, sessionID)
}
