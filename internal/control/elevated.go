package control

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/chatgate/internal/domain"
	"github.com/xela07ax/chatgate/internal/infra"
)

const seedLockTTL = 30 * time.Second

// ElevatedSet — привилегированные идентичности. Список из конфига постоянен;
// поверх него Redis держит динамическую часть, общую для всех инстансов.
// Сравнение идет по номерной части идентификатора.
type ElevatedSet struct {
	rdb    *redis.Client // nil: только конфиг
	logger *zap.Logger

	mu      sync.RWMutex
	static  map[string]struct{}
	dynamic map[string]struct{}
}

func NewElevatedSet(configured []string, rdb *redis.Client, logger *zap.Logger) *ElevatedSet {
	e := &ElevatedSet{
		rdb:     rdb,
		logger:  logger.With(zap.String("mod", "elevated")),
		static:  make(map[string]struct{}),
		dynamic: make(map[string]struct{}),
	}
	for _, raw := range configured {
		if user := domain.NormalizeIdentity(raw).User(); user != "" {
			e.static[user] = struct{}{}
		}
	}
	return e
}

// IsElevated — быстрая проверка в горячем пути маршрутизатора.
func (e *ElevatedSet) IsElevated(id domain.Identity) bool {
	user := id.User()
	if user == "" {
		return false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if _, ok := e.static[user]; ok {
		return true
	}
	_, ok := e.dynamic[user]
	return ok
}

// Identities — все привилегированные идентичности (получатели статусного сообщения).
func (e *ElevatedSet) Identities() []domain.Identity {
	e.mu.RLock()
	users := make(map[string]struct{}, len(e.static)+len(e.dynamic))
	for u := range e.static {
		users[u] = struct{}{}
	}
	for u := range e.dynamic {
		users[u] = struct{}{}
	}
	e.mu.RUnlock()

	out := make([]domain.Identity, 0, len(users))
	for u := range users {
		out = append(out, domain.NormalizeIdentity(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Init прогревает Redis из конфига и подтягивает динамическую часть.
func (e *ElevatedSet) Init(ctx context.Context) error {
	if e.rdb == nil {
		return nil
	}

	e.mu.RLock()
	seed := make([]string, 0, len(e.static))
	for u := range e.static {
		seed = append(seed, u)
	}
	e.mu.RUnlock()

	if err := e.seed(ctx, seed); err != nil {
		return fmt.Errorf("elevated warm-up: %w", err)
	}

	members, err := e.rdb.SMembers(ctx, infra.RedisKeyElevated).Result()
	if err != nil {
		return fmt.Errorf("elevated sync: %w", err)
	}
	dynamic := make(map[string]struct{}, len(members))
	for _, m := range members {
		if user := domain.Identity(m).User(); user != "" {
			dynamic[user] = struct{}{}
		}
	}

	e.mu.Lock()
	e.dynamic = dynamic
	e.mu.Unlock()
	return nil
}

// seed заливает список из конфига в пустое Redis-множество. Заливает один инстанс:
// остальные видят занятый замок и сразу читают множество.
func (e *ElevatedSet) seed(ctx context.Context, users []string) error {
	if len(users) == 0 {
		return nil
	}
	locked, err := e.rdb.SetNX(ctx, infra.RedisKeyLockWarmElevate, "seeding", seedLockTTL).Result()
	if err != nil || !locked {
		return nil
	}
	defer e.rdb.Del(context.WithoutCancel(ctx), infra.RedisKeyLockWarmElevate)

	size, err := e.rdb.SCard(ctx, infra.RedisKeyElevated).Result()
	if err != nil {
		e.logger.Warn("elevated set size unknown, seeding anyway", zap.Error(err))
	} else if size > 0 {
		return nil
	}

	members := make([]interface{}, 0, len(users))
	for _, u := range users {
		members = append(members, u)
	}
	if err := e.rdb.SAdd(ctx, infra.RedisKeyElevated, members...).Err(); err != nil {
		return err
	}
	e.logger.Info("elevated set seeded from config", zap.Int("count", len(users)))
	return nil
}

// Listen применяет сигналы "id:on/off" от других инстансов. Блокируется до отмены ctx.
func (e *ElevatedSet) Listen(ctx context.Context) {
	if e.rdb == nil {
		return
	}
	ListenResilient(ctx, e.rdb, e.logger, infra.RedisChanElevated, e.Init, func(payload string) {
		id, on, ok := ParseToggle(payload)
		if !ok {
			e.logger.Error("invalid signal format", zap.String("payload", payload))
			return
		}
		e.apply(domain.Identity(id).User(), on)
	})
}

// Grant / Revoke меняют динамическую часть и оповещают остальные инстансы.
func (e *ElevatedSet) Grant(ctx context.Context, id domain.Identity) error {
	return e.set(ctx, id.User(), true)
}

func (e *ElevatedSet) Revoke(ctx context.Context, id domain.Identity) error {
	return e.set(ctx, id.User(), false)
}

func (e *ElevatedSet) set(ctx context.Context, user string, on bool) error {
	if user == "" {
		return fmt.Errorf("elevated: empty identity")
	}
	e.apply(user, on)
	if e.rdb == nil {
		return nil
	}

	signal := user + ":off"
	pipe := e.rdb.Pipeline()
	if on {
		signal = user + ":on"
		pipe.SAdd(ctx, infra.RedisKeyElevated, user)
	} else {
		pipe.SRem(ctx, infra.RedisKeyElevated, user)
	}
	pipe.Publish(ctx, infra.RedisChanElevated, signal)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("elevated: publish %s: %w", signal, err)
	}
	return nil
}

func (e *ElevatedSet) apply(user string, on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if on {
		e.dynamic[user] = struct{}{}
	} else {
		delete(e.dynamic, user)
	}
	e.logger.Info("elevated identity updated", zap.String("user", user), zap.Bool("on", on))
}
