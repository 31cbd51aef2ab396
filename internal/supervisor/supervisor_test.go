package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/chatgate/internal/domain"
	"github.com/xela07ax/chatgate/internal/metrics"
)

type fakeConnector struct {
	mu          sync.Mutex
	connects    int
	failFirst   int
	creds       [][]byte
	disconnects int
	logouts     int
}

func (f *fakeConnector) Connect(_ context.Context, creds []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	f.creds = append(f.creds, creds)
	if f.connects <= f.failFirst {
		return &domain.ConnectError{Cause: errors.New("dial refused")}
	}
	return nil
}

func (f *fakeConnector) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeConnector) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
	return nil
}

func (f *fakeConnector) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

type staticCreds []byte

func (c staticCreds) LoadCredentials(context.Context, string) ([]byte, error) { return c, nil }
func (c staticCreds) SaveCredentials(context.Context, string, []byte) error  { return nil }

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

// testConfig повторяет значения configs/config.yaml.
func testConfig() Config {
	return Config{
		SessionID:         "s1",
		RestartCeiling:    5,
		RestartWindow:     30 * time.Second,
		PrimaryCeiling:    3,
		PrimaryWindow:     30 * time.Second,
		FallbackDelay:     8 * time.Second,
		ConnectTimeout:    time.Second,
		ConnectRetryDelay: 10 * time.Millisecond,
	}
}

func newTestSupervisor(t *testing.T, cfg Config, conn *fakeConnector, opts ...Option) (*Supervisor, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clk.Now)}, opts...)
	s, err := New(cfg, conn, metrics.NewMetrics(nil), zap.NewNop(), opts...)
	require.NoError(t, err)
	return s, clk
}

func recoverable() domain.StateChange {
	return domain.StateChange{Phase: domain.PhaseClose, Reason: "connection-lost"}
}

func TestSixthCloseWithinWindowAborts(t *testing.T) {
	t.Parallel()

	s, clk := newTestSupervisor(t, testConfig(), &fakeConnector{})
	ctx := context.Background()
	s.setState(StateConnecting)

	for i := 0; i < 5; i++ {
		act := s.handle(ctx, recoverable())
		require.NoError(t, act.stop, "close %d", i+1)
		assert.True(t, act.connect)
		assert.Equal(t, StateConnecting, s.State())
		clk.Advance(time.Second)
	}

	act := s.handle(ctx, recoverable())
	assert.ErrorIs(t, act.stop, domain.ErrRestartStormAbort)
	assert.Equal(t, StateClosedPermanent, s.State())
	assert.Equal(t, SignalRestartStormAbort, <-s.Signals())
}

func TestCloseAfterWindowResetsCount(t *testing.T) {
	t.Parallel()

	s, clk := newTestSupervisor(t, testConfig(), &fakeConnector{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		s.handle(ctx, recoverable())
	}
	clk.Advance(31 * time.Second)

	act := s.handle(ctx, recoverable())
	require.NoError(t, act.stop)
	assert.True(t, act.connect)
	assert.Equal(t, 1, s.restarts.Count)
}

func TestPrimaryBudgetEscalatesToFallbackDelay(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.RestartCeiling = 10
	cfg.PrimaryCeiling = 2
	s, clk := newTestSupervisor(t, cfg, &fakeConnector{})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		act := s.handle(ctx, recoverable())
		assert.Equal(t, time.Duration(0), act.delay)
	}
	act := s.handle(ctx, recoverable())
	assert.True(t, act.connect)
	assert.Equal(t, cfg.FallbackDelay, act.delay)

	// окно основного пути истекло: снова мгновенный реконнект
	clk.Advance(31 * time.Second)
	act = s.handle(ctx, recoverable())
	assert.Equal(t, time.Duration(0), act.delay)
}

func TestDefaultCeilingsTakeFallbackBeforeAbort(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	s, clk := newTestSupervisor(t, cfg, &fakeConnector{})
	ctx := context.Background()
	s.setState(StateConnecting)

	var delays []time.Duration
	for i := 0; i < 5; i++ {
		act := s.handle(ctx, recoverable())
		require.NoError(t, act.stop, "close %d", i+1)
		delays = append(delays, act.delay)
		clk.Advance(time.Second)
	}
	assert.Equal(t, []time.Duration{0, 0, 0, cfg.FallbackDelay, cfg.FallbackDelay}, delays)

	act := s.handle(ctx, recoverable())
	assert.ErrorIs(t, act.stop, domain.ErrRestartStormAbort)
}

func TestLoggedOutIsTerminal(t *testing.T) {
	t.Parallel()

	s, _ := newTestSupervisor(t, testConfig(), &fakeConnector{})
	act := s.handle(context.Background(), domain.StateChange{Phase: domain.PhaseClose, Reason: domain.ReasonLoggedOut})

	assert.ErrorIs(t, act.stop, domain.ErrTerminalLogout)
	assert.False(t, act.connect)
	assert.Equal(t, StateClosedPermanent, s.State())
	assert.Equal(t, SignalTerminalLogout, <-s.Signals())
	assert.Equal(t, 0, s.restarts.Count)
}

func TestStartConnectsAndSignalsReady(t *testing.T) {
	t.Parallel()

	conn := &fakeConnector{}
	s, _ := newTestSupervisor(t, testConfig(), conn, WithCredentials(staticCreds("blob")))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	require.NoError(t, s.Start(ctx))
	assert.ErrorIs(t, s.Start(ctx), domain.ErrAlreadyRunning)

	require.Eventually(t, func() bool { return conn.connectCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.HandleStateChange(ctx, domain.StateChange{Phase: domain.PhaseOpen}))

	select {
	case sig := <-s.Signals():
		assert.Equal(t, SignalReady, sig)
	case <-time.After(time.Second):
		t.Fatal("no ready signal")
	}
	assert.Equal(t, StateOpen, s.State())

	conn.mu.Lock()
	assert.Equal(t, []byte("blob"), conn.creds[0])
	conn.mu.Unlock()
}

func TestConnectErrorRetriesWithoutBudget(t *testing.T) {
	t.Parallel()

	conn := &fakeConnector{failFirst: 3}
	s, _ := newTestSupervisor(t, testConfig(), conn)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	require.NoError(t, s.Start(ctx))
	require.Eventually(t, func() bool { return conn.connectCount() == 4 }, 2*time.Second, 5*time.Millisecond)

	s.mu.Lock()
	assert.Equal(t, 0, s.restarts.Count)
	assert.Equal(t, 0, s.primary.Count)
	s.mu.Unlock()
	assert.Equal(t, StateConnecting, s.State())
}

func TestRestartStormEndsLoop(t *testing.T) {
	t.Parallel()

	conn := &fakeConnector{}
	s, _ := newTestSupervisor(t, testConfig(), conn)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	require.NoError(t, s.Start(ctx))
	for i := 0; i < 6; i++ {
		require.NoError(t, s.HandleStateChange(ctx, recoverable()))
	}

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor loop did not stop")
	}
	assert.ErrorIs(t, s.Err(), domain.ErrRestartStormAbort)
	assert.Equal(t, StateClosedPermanent, s.State())
	assert.ErrorIs(t, s.Start(ctx), domain.ErrAlreadyRunning)
}

func TestStopThenCloseSession(t *testing.T) {
	t.Parallel()

	conn := &fakeConnector{}
	s, _ := newTestSupervisor(t, testConfig(), conn)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	require.Eventually(t, func() bool { return conn.connectCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, StateClosing, s.State())

	// закрытие, вызванное нами, не запускает реконнект
	s.handle(ctx, recoverable())
	assert.Equal(t, StateClosing, s.State())

	require.NoError(t, s.CloseSession(ctx))
	assert.Equal(t, StateClosedTransient, s.State())
	assert.Equal(t, 1, conn.disconnects)
	assert.Equal(t, 0, conn.logouts)

	// после остановки допускается повторный запуск
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Stop(ctx))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.RestartCeiling = 0
	_, err := New(cfg, &fakeConnector{}, metrics.NewMetrics(nil), zap.NewNop())
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)

	_, err = New(testConfig(), nil, metrics.NewMetrics(nil), zap.NewNop())
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}
