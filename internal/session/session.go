// Package session описывает внешний Session Handle — клиент, который держит живое
// соединение с мессенджером. Ядро шлюза работает только через эти узкие интерфейсы.
package session

import (
	"context"

	"github.com/xela07ax/chatgate/internal/domain"
)

// Sender — возможность отправить текст в чат.
type Sender interface {
	Send(ctx context.Context, target domain.Identity, text string) error
}

// MetadataFetcher — возможность запросить метаданные группы.
type MetadataFetcher interface {
	GroupMetadata(ctx context.Context, groupID domain.Identity) (domain.GroupInfo, error)
}

// Connector — управление жизненным циклом соединения.
type Connector interface {
	// Connect строит новое соединение. Ошибка транспорта оборачивается в *domain.ConnectError.
	Connect(ctx context.Context, credentials []byte) error
	Disconnect(ctx context.Context) error
	Logout(ctx context.Context) error
}

// Handle — полный Session Handle. Events() живет дольше отдельных соединений:
// канал один на весь процесс и перестает наполняться после Close().
type Handle interface {
	Connector
	Sender
	MetadataFetcher
	Events() <-chan domain.Event
	Self() domain.Identity
	Close() error
}

// CredentialStore — внешнее хранилище блоба учетных данных.
type CredentialStore interface {
	LoadCredentials(ctx context.Context, sessionID string) ([]byte, error)
	SaveCredentials(ctx context.Context, sessionID string, blob []byte) error
}
