package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/xela07ax/chatgate/internal/domain"
)

const dispatchColumns = 9

type DispatchRepo struct {
	db *sql.DB
}

func NewDispatchRepo(db *sql.DB) *DispatchRepo {
	return &DispatchRepo{db: db}
}

// WriteBatch — пакетная вставка одним INSERT.
func (r *DispatchRepo) WriteBatch(ctx context.Context, records []domain.DispatchRecord) error {
	if len(records) == 0 {
		return nil
	}
	query, vals := buildInsert(records)
	if _, err := r.db.ExecContext(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: write dispatch batch: %w", err)
	}
	return nil
}

func buildInsert(records []domain.DispatchRecord) (string, []interface{}) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO dispatch_log (id, sender, group_id, command, outcome, reason, elevated, duration_ms, at) VALUES ")

	vals := make([]interface{}, 0, len(records)*dispatchColumns)
	for i, rec := range records {
		if i > 0 {
			sb.WriteString(", ")
		}
		p := i * dispatchColumns
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8, p+9)

		vals = append(vals,
			rec.ID, string(rec.Sender), string(rec.Group), rec.Command,
			string(rec.Outcome), string(rec.Reason), rec.Elevated,
			rec.Duration.Milliseconds(), rec.At,
		)
	}
	sb.WriteString(" ON CONFLICT (id) DO NOTHING")
	return sb.String(), vals
}

// Stats — сводка журнала за последнее окно; P95 считается через PERCENTILE_CONT.
func (r *DispatchRepo) Stats(ctx context.Context, window time.Duration) (*domain.DispatchStats, error) {
	s := &domain.DispatchStats{Window: window}
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE outcome = 'SUCCESS'),
			COUNT(*) FILTER (WHERE outcome = 'HANDLER_FAILED'),
			COUNT(*) FILTER (WHERE outcome = 'FORBIDDEN'),
			COUNT(*) FILTER (WHERE outcome = 'RATE_LIMITED'),
			COUNT(*) FILTER (WHERE outcome = 'UNKNOWN'),
			COALESCE(PERCENTILE_CONT(0.95) WITHIN GROUP (ORDER BY duration_ms), 0)
		FROM dispatch_log
		WHERE at > $1`, time.Now().Add(-window)).Scan(
		&s.Total, &s.Success, &s.Failed, &s.Forbidden, &s.RateLimited, &s.Unknown, &s.P95Ms,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: dispatch stats: %w", err)
	}
	return s, nil
}
