package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/chatgate/internal/domain"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "chatgate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCredentialsRoundTrip(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()

	blob, err := s.LoadCredentials(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, blob)

	require.NoError(t, s.SaveCredentials(ctx, "s1", []byte("v1")))
	require.NoError(t, s.SaveCredentials(ctx, "s1", []byte("v2")))

	blob, err = s.LoadCredentials(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), blob)
}

func TestWriteBatchAndStats(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()
	now := time.Now()

	recs := []domain.DispatchRecord{
		{ID: "1", Sender: "a", Command: "ping", Outcome: domain.OutcomeSuccess, Duration: 10 * time.Millisecond, At: now},
		{ID: "2", Sender: "a", Command: "ping", Outcome: domain.OutcomeRateLimited, At: now},
		{ID: "3", Sender: "b", Command: "boom", Outcome: domain.OutcomeHandlerFailed, Reason: domain.FailurePanic, Duration: 40 * time.Millisecond, At: now},
		{ID: "4", Sender: "b", Outcome: domain.OutcomeUnknown, At: now.Add(-2 * time.Hour)},
	}
	require.NoError(t, s.WriteBatch(ctx, recs))
	// повтор той же пачки не дублирует записи
	require.NoError(t, s.WriteBatch(ctx, recs))

	st, err := s.Stats(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.Total)
	assert.Equal(t, int64(1), st.Success)
	assert.Equal(t, int64(1), st.Failed)
	assert.Equal(t, int64(1), st.RateLimited)
	assert.Equal(t, int64(0), st.Unknown)
	assert.Equal(t, float64(40), st.P95Ms)
}
