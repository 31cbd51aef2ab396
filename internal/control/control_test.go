package control

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/chatgate/internal/domain"
	"github.com/xela07ax/chatgate/internal/infra"
	"github.com/xela07ax/chatgate/internal/plugins"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	m := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return m, rdb
}

func TestParseToggle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		payload string
		id      string
		on, ok  bool
	}{
		{"7999:on", "7999", true, true},
		{"7999:OFF", "7999", false, true},
		{"7999@s.whatsapp.net:true", "7999@s.whatsapp.net", true, true},
		{"7999", "", false, false},
		{":on", "", false, false},
		{"7999:maybe", "", false, false},
	}
	for _, tt := range tests {
		id, on, ok := ParseToggle(tt.payload)
		assert.Equal(t, tt.ok, ok, tt.payload)
		assert.Equal(t, tt.id, id, tt.payload)
		assert.Equal(t, tt.on, on, tt.payload)
	}
}

func TestElevatedWithoutRedis(t *testing.T) {
	t.Parallel()

	e := NewElevatedSet([]string{"79990001122", " 1@s.whatsapp.net "}, nil, zap.NewNop())
	require.NoError(t, e.Init(context.Background()))

	assert.True(t, e.IsElevated("79990001122:5@s.whatsapp.net"))
	assert.True(t, e.IsElevated("1@s.whatsapp.net"))
	assert.False(t, e.IsElevated("2@s.whatsapp.net"))
	assert.Equal(t, []domain.Identity{"1@s.whatsapp.net", "79990001122@s.whatsapp.net"}, e.Identities())

	require.NoError(t, e.Grant(context.Background(), "2@s.whatsapp.net"))
	assert.True(t, e.IsElevated("2@s.whatsapp.net"))
}

func TestElevatedWarmupAndSync(t *testing.T) {
	t.Parallel()

	m, rdb := newRedis(t)
	_, err := m.SAdd(infra.RedisKeyElevated, "42")
	require.NoError(t, err)

	e := NewElevatedSet([]string{"1"}, rdb, zap.NewNop())
	require.NoError(t, e.Init(context.Background()))

	// множество уже было не пустым: прогрев не заливает конфиг, но динамика подтягивается
	assert.True(t, e.IsElevated("42@s.whatsapp.net"))
	assert.True(t, e.IsElevated("1@s.whatsapp.net"))
	assert.False(t, m.Exists(infra.RedisKeyLockWarmElevate))
}

func TestElevatedWarmupSeedsEmptySet(t *testing.T) {
	t.Parallel()

	m, rdb := newRedis(t)
	e := NewElevatedSet([]string{"1", "2"}, rdb, zap.NewNop())
	require.NoError(t, e.Init(context.Background()))

	members, err := m.Members(infra.RedisKeyElevated)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"1", "2"}, members)
}

func TestElevatedListenAppliesSignals(t *testing.T) {
	t.Parallel()

	_, rdb := newRedis(t)
	e := NewElevatedSet(nil, rdb, zap.NewNop())
	other := NewElevatedSet(nil, rdb, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Listen(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		return rdb.PubSubNumSub(ctx, infra.RedisChanElevated).Val()[infra.RedisChanElevated] == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, other.Grant(ctx, "7@s.whatsapp.net"))
	require.Eventually(t, func() bool { return e.IsElevated("7@s.whatsapp.net") }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, other.Revoke(ctx, "7@s.whatsapp.net"))
	require.Eventually(t, func() bool { return !e.IsElevated("7@s.whatsapp.net") }, 2*time.Second, 10*time.Millisecond)
}

type countingReloader struct{ n atomic.Int32 }

func (c *countingReloader) Reload(context.Context) (*plugins.Generation, error) {
	c.n.Add(1)
	return plugins.NewGeneration(uint64(c.n.Load()), nil)
}

type recordingInvalidator struct {
	mu  sync.Mutex
	ids []domain.Identity
}

func (r *recordingInvalidator) Invalidate(gid domain.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, gid)
}

func (r *recordingInvalidator) snapshot() []domain.Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Identity(nil), r.ids...)
}

func TestReloadAndInvalidateSignals(t *testing.T) {
	t.Parallel()

	_, rdb := newRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	reloader := &countingReloader{}
	inv := &recordingInvalidator{}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); ListenReload(ctx, rdb, reloader, zap.NewNop()) }()
	go func() { defer wg.Done(); ListenInvalidate(ctx, rdb, inv, zap.NewNop()) }()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	require.Eventually(t, func() bool {
		subs := rdb.PubSubNumSub(ctx, infra.RedisChanPluginsReload, infra.RedisChanGroupInvalidate).Val()
		return subs[infra.RedisChanPluginsReload] == 1 && subs[infra.RedisChanGroupInvalidate] == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, PublishReload(ctx, rdb))
	require.NoError(t, PublishInvalidate(ctx, rdb, "not-a-group"))
	require.NoError(t, PublishInvalidate(ctx, rdb, "123@g.us"))

	require.Eventually(t, func() bool { return reloader.n.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(inv.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []domain.Identity{"123@g.us"}, inv.snapshot())
}

type memCreds struct {
	blobs map[string][]byte
	err   error
}

func (m *memCreds) LoadCredentials(_ context.Context, id string) ([]byte, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.blobs[id], nil
}

func (m *memCreds) SaveCredentials(_ context.Context, id string, blob []byte) error {
	if m.err != nil {
		return m.err
	}
	m.blobs[id] = blob
	return nil
}

func TestCredentialMirror(t *testing.T) {
	t.Parallel()

	m, rdb := newRedis(t)
	primary := &memCreds{blobs: map[string][]byte{}}
	mirror := NewCredentialMirror(primary, rdb, zap.NewNop())
	ctx := context.Background()

	blob, err := mirror.LoadCredentials(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, blob)

	require.NoError(t, mirror.SaveCredentials(ctx, "s1", []byte("creds")))
	got, err := m.Get(infra.CredentialsKey("s1"))
	require.NoError(t, err)
	assert.Equal(t, "creds", got)

	// основное хранилище легло: выручает зеркало
	primary.err = errors.New("disk full")
	blob, err = mirror.LoadCredentials(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []byte("creds"), blob)

	_, err = mirror.LoadCredentials(ctx, "s2")
	assert.Error(t, err)
}
