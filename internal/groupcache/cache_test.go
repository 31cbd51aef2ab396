package groupcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/chatgate/internal/domain"
	"github.com/xela07ax/chatgate/internal/metrics"
)

const gid = domain.Identity("123@g.us")

type fakeFetcher struct {
	calls atomic.Int32
	fail  atomic.Bool
	gate  chan struct{} // если не nil, запрос ждет закрытия
	admin atomic.Value  // domain.Identity
}

func (f *fakeFetcher) GroupMetadata(ctx context.Context, id domain.Identity) (domain.GroupInfo, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return domain.GroupInfo{}, ctx.Err()
		}
	}
	if f.fail.Load() {
		return domain.GroupInfo{}, errors.New("bridge timeout")
	}
	admin, _ := f.admin.Load().(domain.Identity)
	if admin == "" {
		admin = "1@s.whatsapp.net"
	}
	return domain.GroupInfo{
		ID:           id,
		Subject:      "team",
		Owner:        "1@s.whatsapp.net",
		Participants: []domain.Identity{"1@s.whatsapp.net", "2@s.whatsapp.net"},
		Admins:       []domain.Identity{admin},
	}, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newCache(f *fakeFetcher) (*Cache, *clock, *metrics.Metrics) {
	clk := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := metrics.NewMetrics(nil)
	c := New(f, Config{TTL: 5 * time.Minute, RefreshTimeout: time.Second}, m, zap.NewNop(), WithClock(clk.Now))
	return c, clk, m
}

func TestTTLReadThrough(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{}
	c, clk, _ := newCache(f)
	ctx := context.Background()
	maxAge := 300 * time.Second

	first, err := c.Get(ctx, gid, maxAge)
	require.NoError(t, err)
	require.Equal(t, int32(1), f.calls.Load())

	clk.Advance(250 * time.Second)
	snap, err := c.Get(ctx, gid, maxAge)
	require.NoError(t, err)
	assert.Same(t, first, snap)
	assert.Equal(t, int32(1), f.calls.Load())

	clk.Advance(100 * time.Second)
	snap, err = c.Get(ctx, gid, maxAge)
	require.NoError(t, err)
	assert.NotSame(t, first, snap)
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestInvalidateForcesRefresh(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{}
	c, _, _ := newCache(f)
	ctx := context.Background()

	for _, maxAge := range []time.Duration{0, time.Minute, time.Hour} {
		before, err := c.Get(ctx, gid, maxAge)
		require.NoError(t, err)
		calls := f.calls.Load()

		c.Invalidate(gid)
		_, ok := c.Peek(gid)
		assert.False(t, ok)

		after, err := c.Get(ctx, gid, maxAge)
		require.NoError(t, err)
		assert.NotSame(t, before, after)
		assert.Equal(t, calls+1, f.calls.Load())
	}
}

func TestStaleOnRefreshFailure(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{}
	c, clk, m := newCache(f)
	ctx := context.Background()

	first, err := c.Get(ctx, gid, time.Minute)
	require.NoError(t, err)

	f.fail.Store(true)
	clk.Advance(2 * time.Minute)
	snap, err := c.Get(ctx, gid, time.Minute)
	require.NoError(t, err)
	assert.Same(t, first, snap)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheEvents.WithLabelValues("stale")))

	c.Invalidate(gid)
	_, err = c.Get(ctx, gid, time.Minute)
	assert.ErrorIs(t, err, domain.ErrMetadataUnavailable)
}

func TestNonGroupRejected(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{}
	c, _, _ := newCache(f)
	_, err := c.Get(context.Background(), "5@s.whatsapp.net", time.Minute)
	assert.ErrorIs(t, err, domain.ErrMetadataUnavailable)
	assert.Zero(t, f.calls.Load())
}

func TestConcurrentRefreshIsDeduplicated(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{gate: make(chan struct{})}
	c, _, _ := newCache(f)

	var wg sync.WaitGroup
	snaps := make([]*domain.GroupSnapshot, 10)
	for i := range snaps {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snaps[i], _ = c.Get(context.Background(), gid, time.Minute)
		}(i)
	}
	require.Eventually(t, func() bool { return f.calls.Load() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(f.gate)
	wg.Wait()

	assert.Equal(t, int32(1), f.calls.Load())
	for _, s := range snaps {
		assert.NotNil(t, s)
	}
}

func TestInvalidateDuringRefreshIsNotStored(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{gate: make(chan struct{})}
	c, _, _ := newCache(f)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Get(context.Background(), gid, time.Minute)
	}()
	require.Eventually(t, func() bool { return f.calls.Load() == 1 }, time.Second, time.Millisecond)

	c.Invalidate(gid)
	close(f.gate)
	<-done

	_, ok := c.Peek(gid)
	assert.False(t, ok, "pre-invalidation refresh must not be stored")
}

func TestIsAdminIsOwner(t *testing.T) {
	t.Parallel()

	c, _, _ := newCache(&fakeFetcher{})
	ctx := context.Background()

	ok, err := c.IsAdmin(ctx, gid, "1@s.whatsapp.net")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.IsAdmin(ctx, gid, "2@s.whatsapp.net")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.IsOwner(ctx, gid, "1@s.whatsapp.net")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSnapshotsAreReplacedNotMutated(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{}
	c, _, _ := newCache(f)
	ctx := context.Background()

	old, err := c.Snapshot(ctx, gid)
	require.NoError(t, err)

	f.admin.Store(domain.Identity("2@s.whatsapp.net"))
	c.HandleMembership(ctx, domain.MembershipChange{
		GroupID: gid, Action: domain.ActionPromote, Identities: []domain.Identity{"2@s.whatsapp.net"},
	}, "555@s.whatsapp.net")
	c.Wait()

	fresh, ok := c.Peek(gid)
	require.True(t, ok)
	assert.True(t, fresh.IsAdmin("2@s.whatsapp.net"))
	// старый снимок у читателя не изменился
	assert.False(t, old.IsAdmin("2@s.whatsapp.net"))
	assert.True(t, old.IsAdmin("1@s.whatsapp.net"))
}

func TestBotRemovedDropsWithoutRefresh(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{}
	c, _, _ := newCache(f)
	ctx := context.Background()

	_, err := c.Snapshot(ctx, gid)
	require.NoError(t, err)

	c.HandleMembership(ctx, domain.MembershipChange{
		GroupID: gid, Action: domain.ActionRemove, Identities: []domain.Identity{"555@s.whatsapp.net"},
	}, "555:3@s.whatsapp.net")
	c.Wait()

	_, ok := c.Peek(gid)
	assert.False(t, ok)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestSlowWarmRefreshDoesNotDelayOtherInvalidations(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{}
	c, _, _ := newCache(f)
	ctx := context.Background()
	other := domain.Identity("456@g.us")

	_, err := c.Snapshot(ctx, other)
	require.NoError(t, err)

	f.gate = make(chan struct{})
	handled := make(chan struct{})
	go func() {
		defer close(handled)
		c.HandleMembership(ctx, domain.MembershipChange{
			GroupID: gid, Action: domain.ActionAdd, Identities: []domain.Identity{"7@s.whatsapp.net"},
		}, "555@s.whatsapp.net")
		c.HandleMembership(ctx, domain.MembershipChange{
			GroupID: other, Action: domain.ActionDemote, Identities: []domain.Identity{"1@s.whatsapp.net"},
		}, "555@s.whatsapp.net")
	}()

	select {
	case <-handled:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("membership handling blocked on a warm refresh")
	}
	_, ok := c.Peek(other)
	assert.False(t, ok, "second group must be invalidated while the first refresh is still running")

	close(f.gate)
	c.Wait()
	_, ok = c.Peek(other)
	assert.True(t, ok)
	_, ok = c.Peek(gid)
	assert.True(t, ok)
}
