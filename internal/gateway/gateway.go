// Package gateway — корень композиции: раздает события Session Handle независимым
// потребителям и проводит упорядоченную остановку.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/xela07ax/chatgate/internal/domain"
	"github.com/xela07ax/chatgate/internal/metrics"
	"github.com/xela07ax/chatgate/internal/plugins"
	"github.com/xela07ax/chatgate/internal/router"
	"github.com/xela07ax/chatgate/internal/session"
	"github.com/xela07ax/chatgate/internal/supervisor"
)

const (
	defaultQueueSize   = 256
	defaultMaxInFlight = 64
	closeTimeout       = 10 * time.Second
)

// Dispatcher — маршрутизатор команд.
type Dispatcher interface {
	Dispatch(ctx context.Context, sender domain.Identity, group *domain.Identity, text string) router.Result
}

// MembershipCache — то, что шлюзу нужно от кэша групп.
type MembershipCache interface {
	HandleMembership(ctx context.Context, ev domain.MembershipChange, self domain.Identity)
	Invalidate(groupID domain.Identity)
	Groups() []domain.Identity
}

type Broadcaster interface {
	Broadcast(ctx context.Context, recipients []domain.Identity, text string) error
}

// Recipients — получатели статусного сообщения.
type Recipients interface {
	Identities() []domain.Identity
}

type HealthReporter interface {
	SetServing(ok bool)
}

// MembershipNotifier пишет в группу уведомления о смене состава.
type MembershipNotifier interface {
	Announce(ctx context.Context, ev domain.MembershipChange, self domain.Identity) error
}

// MessageFilter задерживает сообщение до маршрутизатора (true — задержано).
type MessageFilter interface {
	Intercept(ctx context.Context, msg domain.InboundMessage) bool
}

type Flusher interface {
	Stop(ctx context.Context) error
}

type Config struct {
	SessionID     string
	Variant       string
	ShutdownGrace time.Duration
	SendTimeout   time.Duration
	QueueSize     int
	MaxInFlight   int
}

// Deps — компоненты шлюза. Credentials, Health, Journal, Notices и Filter необязательны.
type Deps struct {
	Handle      session.Handle
	Supervisor  *supervisor.Supervisor
	Router      Dispatcher
	Cache       MembershipCache
	Notifier    Broadcaster
	Recipients  Recipients
	Registry    *plugins.Registry
	Credentials session.CredentialStore
	Health      HealthReporter
	Journal     Flusher
	Notices     MembershipNotifier
	Filter      MessageFilter
}

type Gateway struct {
	cfg       Config
	deps      Deps
	metrics   *metrics.Metrics
	logger    *zap.Logger
	startedAt time.Time

	handlers errgroup.Group
	slots    *semaphore.Weighted
	bg       sync.WaitGroup

	credMu    sync.Mutex
	credBlob  []byte
	credReady chan struct{}
}

func New(cfg Config, deps Deps, m *metrics.Metrics, logger *zap.Logger) (*Gateway, error) {
	if deps.Handle == nil || deps.Supervisor == nil || deps.Router == nil || deps.Cache == nil ||
		deps.Notifier == nil || deps.Recipients == nil || deps.Registry == nil {
		return nil, fmt.Errorf("%w: gateway dependencies are incomplete", domain.ErrInvalidConfig)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaultMaxInFlight
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = closeTimeout
	}

	g := &Gateway{
		cfg:       cfg,
		deps:      deps,
		metrics:   m,
		logger:    logger.With(zap.String("mod", "gateway"), zap.String("session", cfg.SessionID)),
		startedAt: time.Now(),
		credReady: make(chan struct{}, 1),
	}
	g.slots = semaphore.NewWeighted(int64(cfg.MaxInFlight))
	return g, nil
}

// Status — сводка для команды alive, статусного сообщения и админского API.
func (g *Gateway) Status() domain.Status {
	gen := g.deps.Registry.Current()
	return domain.Status{
		SessionID:    g.cfg.SessionID,
		Variant:      g.cfg.Variant,
		State:        g.deps.Supervisor.State().String(),
		Self:         g.deps.Handle.Self(),
		StartedAt:    g.startedAt,
		Uptime:       domain.FormatUptime(time.Since(g.startedAt)),
		Generation:   gen.ID,
		Commands:     gen.Len(),
		CachedGroups: len(g.deps.Cache.Groups()),
		Platform:     runtime.GOOS + "/" + runtime.GOARCH,
		GoVersion:    runtime.Version(),
	}
}

// Run запускает супервизор и потребителей и блокируется до отмены ctx
// или окончательной остановки супервизора. Возвращает ErrTerminalLogout / ErrRestartStormAbort либо nil.
func (g *Gateway) Run(ctx context.Context) error {
	intakeCtx, stopIntake := context.WithCancel(context.Background())
	defer stopIntake()
	handlerCtx, cancelHandlers := context.WithCancel(context.Background())
	defer cancelHandlers()

	states := make(chan domain.StateChange, g.cfg.QueueSize)
	messages := make(chan domain.InboundMessage, g.cfg.QueueSize)
	membership := make(chan domain.MembershipChange, g.cfg.QueueSize)
	notices := make(chan domain.MembershipChange, g.cfg.QueueSize)

	var consumers sync.WaitGroup
	run := func(f func()) {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			f()
		}()
	}
	run(func() { g.demux(intakeCtx, states, messages, membership) })
	run(func() { g.consumeStates(intakeCtx, states) })
	run(func() { g.consumeMessages(intakeCtx, handlerCtx, messages) })
	run(func() { g.consumeMembership(intakeCtx, membership, notices) })
	run(func() { g.consumeNotices(intakeCtx, notices) })
	run(func() { g.consumeCredentials(intakeCtx) })
	run(func() { g.watchSignals(intakeCtx) })

	if err := g.deps.Supervisor.Start(intakeCtx); err != nil {
		stopIntake()
		consumers.Wait()
		return err
	}
	g.logger.Info("gateway started")

	select {
	case <-ctx.Done():
		g.logger.Info("shutdown requested")
	case <-g.deps.Supervisor.Done():
		g.logger.Error("supervisor stopped", zap.Error(g.deps.Supervisor.Err()))
	}

	g.shutdown(stopIntake, &consumers, cancelHandlers)
	return g.deps.Supervisor.Err()
}

// shutdown: перестать планировать соединения, дать обработчикам доработать,
// отменить оставшихся, сбросить журнал и закрыть сессию.
func (g *Gateway) shutdown(stopIntake context.CancelFunc, consumers *sync.WaitGroup, cancelHandlers context.CancelFunc) {
	stopCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := g.deps.Supervisor.Stop(stopCtx); err != nil {
		g.logger.Warn("supervisor stop timed out", zap.Error(err))
	}

	stopIntake()
	consumers.Wait()
	g.bg.Wait()

	idle := make(chan struct{})
	go func() {
		_ = g.handlers.Wait()
		close(idle)
	}()
	select {
	case <-idle:
	case <-time.After(g.cfg.ShutdownGrace):
		g.logger.Warn("shutdown grace expired, cancelling handlers", zap.Duration("grace", g.cfg.ShutdownGrace))
		cancelHandlers()
		// Отмененным обработчикам нужно время отправить ответ об ошибке
		select {
		case <-idle:
		case <-time.After(g.cfg.SendTimeout):
			g.logger.Warn("handlers ignored cancellation")
		}
	}
	cancelHandlers()

	closeCtx, cancelClose := context.WithTimeout(context.Background(), closeTimeout)
	defer cancelClose()

	if g.deps.Journal != nil {
		if err := g.deps.Journal.Stop(closeCtx); err != nil {
			g.logger.Warn("journal flush incomplete", zap.Error(err))
		}
	}
	if err := g.deps.Supervisor.CloseSession(closeCtx); err != nil {
		g.logger.Warn("session close failed", zap.Error(err))
	}
	if err := g.deps.Handle.Close(); err != nil && !errors.Is(err, domain.ErrNotConnected) {
		g.logger.Debug("handle close", zap.Error(err))
	}
	if g.deps.Health != nil {
		g.deps.Health.SetServing(false)
	}
	g.logger.Info("gateway stopped")
}

// demux раздает события по очередям потребителей. state-change не теряется:
// ждем место в очереди. Сообщения при переполнении отбрасываются, членство
// деградирует до простой инвалидации.
func (g *Gateway) demux(ctx context.Context, states chan<- domain.StateChange,
	messages chan<- domain.InboundMessage, membership chan<- domain.MembershipChange) {
	events := g.deps.Handle.Events()
	for {
		var ev domain.Event
		var ok bool
		select {
		case <-ctx.Done():
			return
		case ev, ok = <-events:
			if !ok {
				return
			}
		}

		switch ev.Type {
		case domain.EventStateChange:
			if ev.State == nil {
				continue
			}
			select {
			case states <- *ev.State:
			case <-ctx.Done():
				return
			}

		case domain.EventInboundMessage:
			if ev.Message == nil {
				continue
			}
			select {
			case messages <- *ev.Message:
			default:
				g.drop(ev.Type)
			}

		case domain.EventMembershipChange:
			if ev.Membership == nil {
				continue
			}
			select {
			case membership <- *ev.Membership:
			default:
				g.drop(ev.Type)
				g.deps.Cache.Invalidate(ev.Membership.GroupID)
			}

		case domain.EventCredentialUpdate:
			if ev.Credentials != nil {
				g.offerCredentials(ev.Credentials.Blob)
			}
		}
	}
}

func (g *Gateway) drop(t domain.EventType) {
	g.metrics.EventsDropped.WithLabelValues(string(t)).Inc()
	g.logger.Warn("consumer queue full, event dropped", zap.String("type", string(t)))
}

func (g *Gateway) consumeStates(ctx context.Context, states <-chan domain.StateChange) {
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-states:
			if err := g.deps.Supervisor.HandleStateChange(ctx, st); err != nil {
				return
			}
			if g.deps.Health != nil {
				g.deps.Health.SetServing(st.Phase == domain.PhaseOpen)
			}
		}
	}
}

// consumeMessages запускает каждую диспетчеризацию отдельно. Слот семафора
// ограничивает число одновременных обработчиков; ожидание слота прерывается
// остановкой приема.
func (g *Gateway) consumeMessages(ctx, handlerCtx context.Context, messages <-chan domain.InboundMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-messages:
			if g.isSelf(msg.Sender) {
				continue
			}
			if err := g.slots.Acquire(ctx, 1); err != nil {
				g.logger.Warn("message dropped on shutdown", zap.String("sender", string(msg.Sender)))
				return
			}
			g.handlers.Go(func() error {
				defer g.slots.Release(1)
				if g.deps.Filter != nil && g.deps.Filter.Intercept(handlerCtx, msg) {
					return nil
				}
				g.deps.Router.Dispatch(handlerCtx, msg.Sender, msg.Group, msg.Text)
				return nil
			})
		}
	}
}

func (g *Gateway) isSelf(sender domain.Identity) bool {
	self := g.deps.Handle.Self()
	return self != "" && sender.User() == self.User()
}

// consumeMembership: инвалидация сразу, уведомления в группу уходят отдельной очередью.
func (g *Gateway) consumeMembership(ctx context.Context, membership <-chan domain.MembershipChange, notices chan<- domain.MembershipChange) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-membership:
			g.deps.Cache.HandleMembership(ctx, ev, g.deps.Handle.Self())
			if g.deps.Notices == nil {
				continue
			}
			select {
			case notices <- ev:
			default:
				g.drop("membership-notice")
			}
		}
	}
}

func (g *Gateway) consumeNotices(ctx context.Context, notices <-chan domain.MembershipChange) {
	if g.deps.Notices == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-notices:
			// ошибка уже залогирована уведомителем
			_ = g.deps.Notices.Announce(ctx, ev, g.deps.Handle.Self())
		}
	}
}

// offerCredentials: сохраняется только последний блоб, промежуточные не нужны.
func (g *Gateway) offerCredentials(blob []byte) {
	g.credMu.Lock()
	g.credBlob = blob
	g.credMu.Unlock()
	select {
	case g.credReady <- struct{}{}:
	default:
	}
}

func (g *Gateway) consumeCredentials(ctx context.Context) {
	for {
		select {
		case <-g.credReady:
			g.saveCredentials()
		case <-ctx.Done():
			g.saveCredentials()
			return
		}
	}
}

func (g *Gateway) saveCredentials() {
	g.credMu.Lock()
	blob := g.credBlob
	g.credBlob = nil
	g.credMu.Unlock()
	if blob == nil {
		return
	}
	if g.deps.Credentials == nil {
		g.logger.Debug("credential update ignored, no store configured")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.SendTimeout)
	defer cancel()
	if err := g.deps.Credentials.SaveCredentials(ctx, g.cfg.SessionID, blob); err != nil {
		g.logger.Error("failed to persist credentials", zap.Error(err))
		return
	}
	g.logger.Debug("credentials persisted", zap.Int("bytes", len(blob)))
}

func (g *Gateway) watchSignals(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-g.deps.Supervisor.Signals():
			switch sig {
			case supervisor.SignalReady:
				g.bg.Add(1)
				go func() {
					defer g.bg.Done()
					g.announce(ctx)
				}()
			default:
				g.logger.Warn("supervisor signal", zap.Stringer("signal", sig))
			}
		}
	}
}

// announce рассылает статусное сообщение привилегированным идентичностям.
func (g *Gateway) announce(ctx context.Context) {
	recipients := g.deps.Recipients.Identities()
	if len(recipients) == 0 {
		return
	}
	if err := g.deps.Notifier.Broadcast(ctx, recipients, g.Status().Text()); err != nil {
		g.logger.Warn("status broadcast incomplete", zap.Error(err))
		return
	}
	g.logger.Info("status broadcast sent", zap.Int("recipients", len(recipients)))
}
