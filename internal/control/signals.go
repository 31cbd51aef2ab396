package control

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/chatgate/internal/domain"
	"github.com/xela07ax/chatgate/internal/infra"
	"github.com/xela07ax/chatgate/internal/plugins"
)

// Invalidator — то, что слушателю нужно от кэша групп.
type Invalidator interface {
	Invalidate(groupID domain.Identity)
}

// ListenReload перезагружает реестр по сигналу с любого инстанса.
func ListenReload(ctx context.Context, rdb *redis.Client, r plugins.Reloader, logger *zap.Logger) {
	logger = logger.With(zap.String("mod", "control"))
	ListenResilient(ctx, rdb, logger, infra.RedisChanPluginsReload, nil, func(string) {
		if _, err := r.Reload(ctx); err != nil {
			logger.Error("remote reload failed", zap.Error(err))
		}
	})
}

// ListenInvalidate сбрасывает снимок группы по сигналу с любого инстанса.
func ListenInvalidate(ctx context.Context, rdb *redis.Client, inv Invalidator, logger *zap.Logger) {
	logger = logger.With(zap.String("mod", "control"))
	ListenResilient(ctx, rdb, logger, infra.RedisChanGroupInvalidate, nil, func(payload string) {
		gid := domain.Identity(payload)
		if !gid.IsGroup() {
			logger.Error("invalid group id in invalidate signal", zap.String("payload", payload))
			return
		}
		inv.Invalidate(gid)
	})
}

// PublishReload просит все инстансы перечитать манифесты.
func PublishReload(ctx context.Context, rdb *redis.Client) error {
	if err := rdb.Publish(ctx, infra.RedisChanPluginsReload, "reload").Err(); err != nil {
		return fmt.Errorf("publish reload: %w", err)
	}
	return nil
}

// PublishInvalidate просит все инстансы сбросить снимок группы.
func PublishInvalidate(ctx context.Context, rdb *redis.Client, gid domain.Identity) error {
	if err := rdb.Publish(ctx, infra.RedisChanGroupInvalidate, string(gid)).Err(); err != nil {
		return fmt.Errorf("publish invalidate: %w", err)
	}
	return nil
}
