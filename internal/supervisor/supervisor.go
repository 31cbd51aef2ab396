// Package supervisor держит соединение Session Handle живым: конечный автомат состояний,
// бюджет перезапусков и двухуровневая эскалация (мгновенный реконнект, затем реконнект с задержкой).
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/chatgate/internal/domain"
	"github.com/xela07ax/chatgate/internal/metrics"
	"github.com/xela07ax/chatgate/internal/session"
)

const (
	stateBuffer  = 64
	signalBuffer = 16
)

type Config struct {
	SessionID string

	// Общий бюджет: превышение переводит в Closed-Permanent
	RestartCeiling int
	RestartWindow  time.Duration

	// Бюджет основного пути: превышение переключает на реконнект через FallbackDelay
	PrimaryCeiling int
	PrimaryWindow  time.Duration
	FallbackDelay  time.Duration

	ConnectTimeout    time.Duration
	ConnectRetryDelay time.Duration

	// LogoutOnStop отзывает сессию при остановке вместо простого разрыва
	LogoutOnStop bool
}

func (c Config) validate() error {
	if c.RestartCeiling <= 0 || c.PrimaryCeiling <= 0 {
		return fmt.Errorf("%w: restart ceilings must be positive", domain.ErrInvalidConfig)
	}
	if c.RestartWindow <= 0 || c.PrimaryWindow <= 0 {
		return fmt.Errorf("%w: restart windows must be positive", domain.ErrInvalidConfig)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("%w: connect timeout must be positive", domain.ErrInvalidConfig)
	}
	return nil
}

type Option func(*Supervisor)

// WithClock подменяет источник времени (для тестов окон бюджета).
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// WithCredentials задает хранилище, из которого берутся учетные данные перед каждым Connect.
func WithCredentials(store session.CredentialStore) Option {
	return func(s *Supervisor) { s.creds = store }
}

type Supervisor struct {
	cfg     Config
	conn    session.Connector
	creds   session.CredentialStore
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.Mutex
	state    State
	restarts RestartBudget
	primary  RestartBudget
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	err      error

	events  chan domain.StateChange
	signals chan Signal
}

// action — решение автомата после события: запланировать Connect или завершиться.
type action struct {
	connect bool
	delay   time.Duration
	stop    error
}

func New(cfg Config, conn session.Connector, m *metrics.Metrics, logger *zap.Logger, opts ...Option) (*Supervisor, error) {
	if conn == nil {
		return nil, fmt.Errorf("%w: session connector is required", domain.ErrInvalidConfig)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := &Supervisor{
		cfg:      cfg,
		conn:     conn,
		logger:   logger.With(zap.String("mod", "supervisor"), zap.String("session", cfg.SessionID)),
		metrics:  m,
		now:      time.Now,
		state:    StateIdle,
		restarts: NewRestartBudget(cfg.RestartCeiling, cfg.RestartWindow),
		primary:  NewRestartBudget(cfg.PrimaryCeiling, cfg.PrimaryWindow),
		done:     make(chan struct{}),
		events:   make(chan domain.StateChange, stateBuffer),
		signals:  make(chan Signal, signalBuffer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Signals — Ready / TerminalLogout / RestartStormAbort для шлюза.
func (s *Supervisor) Signals() <-chan Signal { return s.signals }

// Done закрывается, когда цикл супервизора завершился.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Err — причина окончательной остановки (ErrTerminalLogout, ErrRestartStormAbort) или nil.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Start запускает цикл событий и первую попытку соединения.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running || (s.state != StateIdle && s.state != StateClosedTransient) {
		s.mu.Unlock()
		return domain.ErrAlreadyRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.err = nil
	s.done = make(chan struct{})
	s.restarts.Reset()
	s.primary.Reset()
	done := s.done
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	go s.run(loopCtx, done)
	return nil
}

// HandleStateChange ставит событие в очередь цикла. Порядок событий сохраняется.
func (s *Supervisor) HandleStateChange(ctx context.Context, ev domain.StateChange) error {
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop прекращает планирование новых соединений и ждет выхода цикла.
// Само соединение остается открытым до CloseSession.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	if s.state != StateClosedPermanent {
		s.setStateLocked(StateClosing)
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseSession закрывает соединение (или отзывает сессию при LogoutOnStop) после Stop.
func (s *Supervisor) CloseSession(ctx context.Context) error {
	var err error
	if s.cfg.LogoutOnStop {
		err = s.conn.Logout(ctx)
	} else {
		err = s.conn.Disconnect(ctx)
	}

	s.mu.Lock()
	if s.state != StateClosedPermanent {
		s.setStateLocked(StateClosedTransient)
	}
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

func (s *Supervisor) run(ctx context.Context, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(done)
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("supervisor loop stopped")
			return

		case <-timer.C:
			if retry, ok := s.connect(ctx); !ok {
				timer.Reset(retry)
			}

		case ev := <-s.events:
			act := s.handle(ctx, ev)
			if act.stop != nil {
				s.mu.Lock()
				s.err = act.stop
				s.mu.Unlock()
				return
			}
			if act.connect {
				timer.Reset(act.delay)
			}
		}
	}
}

// connect выполняет одну попытку. Ошибка построения соединения не трогает бюджеты:
// события close не было, повтор через ConnectRetryDelay.
func (s *Supervisor) connect(ctx context.Context) (time.Duration, bool) {
	s.setState(StateConnecting)

	var creds []byte
	if s.creds != nil {
		blob, err := s.creds.LoadCredentials(ctx, s.cfg.SessionID)
		if err != nil {
			s.metrics.ConnectFailures.Inc()
			s.logger.Warn("credentials unavailable, will retry",
				zap.Duration("retry_in", s.cfg.ConnectRetryDelay), zap.Error(err))
			return s.cfg.ConnectRetryDelay, false
		}
		creds = blob
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	err := s.conn.Connect(cctx, creds)
	cancel()
	if err == nil {
		return 0, true
	}
	if ctx.Err() != nil {
		return 0, true
	}

	s.metrics.ConnectFailures.Inc()
	var connectErr *domain.ConnectError
	if !errors.As(err, &connectErr) {
		err = &domain.ConnectError{Cause: err}
	}
	s.logger.Warn("connect failed, will retry",
		zap.Duration("retry_in", s.cfg.ConnectRetryDelay), zap.Error(err))
	return s.cfg.ConnectRetryDelay, false
}

func (s *Supervisor) handle(ctx context.Context, ev domain.StateChange) action {
	switch ev.Phase {
	case domain.PhaseConnecting:
		s.setState(StateConnecting)
		return action{}

	case domain.PhaseOpen:
		s.setState(StateOpen)
		s.logger.Info("connection open")
		s.signal(ctx, SignalReady)
		return action{}

	case domain.PhaseClose:
		return s.handleClose(ctx, ev)
	}

	s.logger.Debug("unknown connection phase", zap.String("phase", string(ev.Phase)))
	return action{}
}

func (s *Supervisor) handleClose(ctx context.Context, ev domain.StateChange) action {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosedPermanent {
		s.mu.Unlock()
		return action{}
	}

	if ev.Terminal() {
		s.setStateLocked(StateClosedPermanent)
		s.mu.Unlock()
		s.logger.Error("session logged out, re-authorization required")
		s.signal(ctx, SignalTerminalLogout)
		return action{stop: domain.ErrTerminalLogout}
	}

	s.setStateLocked(StateClosedTransient)
	now := s.now()

	// Общий бюджет проверяется первым: его превышение окончательно
	if s.restarts.Record(now) {
		count := s.restarts.Count
		s.setStateLocked(StateClosedPermanent)
		s.mu.Unlock()
		s.metrics.RestartsTotal.WithLabelValues("abort").Inc()
		s.logger.Error("restart budget exhausted",
			zap.Int("restarts", count), zap.Duration("window", s.cfg.RestartWindow), zap.String("reason", ev.Reason))
		s.signal(ctx, SignalRestartStormAbort)
		return action{stop: domain.ErrRestartStormAbort}
	}

	delay, path := time.Duration(0), "primary"
	if s.primary.Record(now) {
		delay, path = s.cfg.FallbackDelay, "fallback"
	}
	count := s.restarts.Count
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	s.metrics.RestartsTotal.WithLabelValues(path).Inc()
	s.logger.Warn("connection closed, reconnecting",
		zap.String("reason", ev.Reason), zap.String("path", path),
		zap.Duration("delay", delay), zap.Int("restarts", count))
	return action{connect: true, delay: delay}
}

func (s *Supervisor) signal(ctx context.Context, sig Signal) {
	select {
	case s.signals <- sig:
	case <-ctx.Done():
	}
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.setStateLocked(st)
	s.mu.Unlock()
}

func (s *Supervisor) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.logger.Debug("state transition", zap.Stringer("from", s.state), zap.Stringer("to", st))
	s.state = st
	s.metrics.ConnectionState.Set(float64(st))
}
