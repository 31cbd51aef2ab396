package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xela07ax/chatgate/internal/domain"
)

func TestBuildInsertPlaceholders(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	query, vals := buildInsert([]domain.DispatchRecord{
		{ID: "a", Sender: "1@s.whatsapp.net", Command: "ping", Outcome: domain.OutcomeSuccess, Duration: 1500 * time.Microsecond, At: at},
		{ID: "b", Sender: "2@s.whatsapp.net", Group: "9@g.us", Outcome: domain.OutcomeUnknown, At: at},
	})

	assert.Contains(t, query, "($1, $2, $3, $4, $5, $6, $7, $8, $9), ($10, $11, $12, $13, $14, $15, $16, $17, $18)")
	assert.Contains(t, query, "ON CONFLICT (id) DO NOTHING")
	assert.Len(t, vals, 18)
	assert.Equal(t, int64(1), vals[7])
	assert.Equal(t, "9@g.us", vals[11])
	assert.Equal(t, "UNKNOWN", vals[13])
}
