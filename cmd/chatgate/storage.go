package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xela07ax/chatgate/internal/admin"
	"github.com/xela07ax/chatgate/internal/infra"
	"github.com/xela07ax/chatgate/internal/journal"
	"github.com/xela07ax/chatgate/internal/repository/postgres"
	"github.com/xela07ax/chatgate/internal/repository/sqlite"
	"github.com/xela07ax/chatgate/internal/session"
)

// storage — учетные данные сессии, журнал команд и его агрегаты.
type storage interface {
	session.CredentialStore
	journal.Storage
	admin.StatsSource
}

type pgStorage struct {
	*postgres.CredentialRepo
	*postgres.DispatchRepo
}

func openStorage(ctx context.Context, cfg infra.DatabaseConfig, logger *zap.Logger) (storage, func(), error) {
	if cfg.URL != "" {
		db, err := postgres.Open(ctx, cfg.URL, cfg.MaxConns)
		if err != nil {
			return nil, nil, err
		}
		if err := postgres.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, nil, err
		}
		logger.Info("storage: postgres")
		return pgStorage{postgres.NewCredentialRepo(db), postgres.NewDispatchRepo(db)}, func() { db.Close() }, nil
	}

	st, err := sqlite.Open(ctx, cfg.SQLitePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
	}
	logger.Info("storage: sqlite", zap.String("path", cfg.SQLitePath))
	return st, func() { st.Close() }, nil
}
