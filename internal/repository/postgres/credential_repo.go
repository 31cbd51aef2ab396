package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CredentialRepo хранит блоб учетных данных сессии.
type CredentialRepo struct {
	db *sql.DB
}

func NewCredentialRepo(db *sql.DB) *CredentialRepo {
	return &CredentialRepo{db: db}
}

// LoadCredentials возвращает nil, nil, если сессия еще не сохранялась.
func (r *CredentialRepo) LoadCredentials(ctx context.Context, sessionID string) ([]byte, error) {
	var blob []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT blob FROM session_credentials WHERE session_id = $1`, sessionID).Scan(&blob)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: load credentials: %w", err)
	}
	return blob, nil
}

func (r *CredentialRepo) SaveCredentials(ctx context.Context, sessionID string, blob []byte) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO session_credentials (session_id, blob, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (session_id) DO UPDATE SET blob = EXCLUDED.blob, updated_at = NOW()`,
		sessionID, blob)
	if err != nil {
		return fmt.Errorf("postgres: save credentials: %w", err)
	}
	return nil
}
