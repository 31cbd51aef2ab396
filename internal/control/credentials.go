package control

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/chatgate/internal/infra"
	"github.com/xela07ax/chatgate/internal/session"
)

// CredentialMirror — хранилище учетных данных с зеркалом в Redis.
// Основное хранилище (Postgres/SQLite) главное; Redis выручает, если основное недоступно.
type CredentialMirror struct {
	primary session.CredentialStore
	rdb     *redis.Client
	logger  *zap.Logger
}

var _ session.CredentialStore = (*CredentialMirror)(nil)

func NewCredentialMirror(primary session.CredentialStore, rdb *redis.Client, logger *zap.Logger) *CredentialMirror {
	return &CredentialMirror{
		primary: primary,
		rdb:     rdb,
		logger:  logger.With(zap.String("mod", "credentials")),
	}
}

func (m *CredentialMirror) LoadCredentials(ctx context.Context, sessionID string) ([]byte, error) {
	blob, err := m.primary.LoadCredentials(ctx, sessionID)
	if err == nil && blob != nil {
		return blob, nil
	}
	if err != nil {
		m.logger.Warn("primary credential store failed, trying mirror", zap.Error(err))
	}

	mirrored, rerr := m.rdb.Get(ctx, infra.CredentialsKey(sessionID)).Bytes()
	switch {
	case errors.Is(rerr, redis.Nil):
		return nil, err // в зеркале пусто: отдаем результат основного хранилища
	case rerr != nil:
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("credential mirror: %w", rerr)
	}
	return mirrored, nil
}

// SaveCredentials пишет в основное хранилище и в зеркало; ошибка зеркала не фатальна.
func (m *CredentialMirror) SaveCredentials(ctx context.Context, sessionID string, blob []byte) error {
	if err := m.primary.SaveCredentials(ctx, sessionID, blob); err != nil {
		return err
	}
	if err := m.rdb.Set(ctx, infra.CredentialsKey(sessionID), blob, 0).Err(); err != nil {
		m.logger.Warn("credential mirror write failed", zap.Error(err))
	}
	return nil
}
