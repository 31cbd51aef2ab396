// Package sqlite — локальное хранилище учетных данных и журнала, когда Postgres не настроен.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xela07ax/chatgate/internal/domain"

	_ "modernc.org/sqlite" // Драйвер SQLite без cgo
)

const schema = `
CREATE TABLE IF NOT EXISTS dispatch_log (
	id          TEXT PRIMARY KEY,
	sender      TEXT NOT NULL,
	group_id    TEXT NOT NULL DEFAULT '',
	command     TEXT NOT NULL DEFAULT '',
	outcome     TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	elevated    INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL,
	at          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS dispatch_log_at_idx ON dispatch_log (at);

CREATE TABLE IF NOT EXISTS session_credentials (
	session_id TEXT PRIMARY KEY,
	blob       BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);`

type Store struct {
	db *sql.DB
}

// Open открывает (и при необходимости создает) файл базы и применяет схему.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// Один писатель: SQLite не любит параллельные транзакции записи
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) LoadCredentials(ctx context.Context, sessionID string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT blob FROM session_credentials WHERE session_id = ?`, sessionID).Scan(&blob)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlite: load credentials: %w", err)
	}
	return blob, nil
}

func (s *Store) SaveCredentials(ctx context.Context, sessionID string, blob []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_credentials (session_id, blob, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET blob = excluded.blob, updated_at = excluded.updated_at`,
		sessionID, blob, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("sqlite: save credentials: %w", err)
	}
	return nil
}

// WriteBatch пишет пачку в одной транзакции через подготовленный запрос.
func (s *Store) WriteBatch(ctx context.Context, records []domain.DispatchRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO dispatch_log (id, sender, group_id, command, outcome, reason, elevated, duration_ms, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx,
			rec.ID, string(rec.Sender), string(rec.Group), rec.Command,
			string(rec.Outcome), string(rec.Reason), rec.Elevated,
			rec.Duration.Milliseconds(), rec.At.UnixMilli(),
		); err != nil {
			return fmt.Errorf("sqlite: insert dispatch record: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

// Stats — сводка журнала за окно. P95 считается в Go: в SQLite нет PERCENTILE_CONT.
func (s *Store) Stats(ctx context.Context, window time.Duration) (*domain.DispatchStats, error) {
	since := time.Now().Add(-window).UnixMilli()
	rows, err := s.db.QueryContext(ctx,
		`SELECT outcome, duration_ms FROM dispatch_log WHERE at > ? ORDER BY duration_ms`, since)
	if err != nil {
		return nil, fmt.Errorf("sqlite: dispatch stats: %w", err)
	}
	defer rows.Close()

	st := &domain.DispatchStats{Window: window}
	var durations []int64
	for rows.Next() {
		var outcome string
		var ms int64
		if err := rows.Scan(&outcome, &ms); err != nil {
			return nil, fmt.Errorf("sqlite: scan stats: %w", err)
		}
		st.Total++
		switch domain.Outcome(outcome) {
		case domain.OutcomeSuccess:
			st.Success++
		case domain.OutcomeHandlerFailed:
			st.Failed++
		case domain.OutcomeForbidden:
			st.Forbidden++
		case domain.OutcomeRateLimited:
			st.RateLimited++
		case domain.OutcomeUnknown:
			st.Unknown++
		}
		durations = append(durations, ms)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: dispatch stats: %w", err)
	}
	if n := len(durations); n > 0 {
		idx := (n*95+99)/100 - 1
		st.P95Ms = float64(durations[idx])
	}
	return st, nil
}
