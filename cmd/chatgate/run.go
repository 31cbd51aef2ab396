package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xela07ax/chatgate/internal/admin"
	"github.com/xela07ax/chatgate/internal/control"
	"github.com/xela07ax/chatgate/internal/gateway"
	"github.com/xela07ax/chatgate/internal/groupcache"
	"github.com/xela07ax/chatgate/internal/infra"
	"github.com/xela07ax/chatgate/internal/infra/auth"
	"github.com/xela07ax/chatgate/internal/journal"
	"github.com/xela07ax/chatgate/internal/metrics"
	"github.com/xela07ax/chatgate/internal/moderation"
	"github.com/xela07ax/chatgate/internal/notify"
	"github.com/xela07ax/chatgate/internal/plugins"
	"github.com/xela07ax/chatgate/internal/router"
	"github.com/xela07ax/chatgate/internal/session"
	"github.com/xela07ax/chatgate/internal/session/bridge"
	"github.com/xela07ax/chatgate/internal/supervisor"
)

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the gateway until SIGINT/SIGTERM",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := infra.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			logger, err := infra.NewLogger(cfg.Logger)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := run(ctx, cfg, logger); err != nil {
				logger.Error("gateway exited with error", zap.Error(err))
				return err
			}
			return nil
		},
	}
}

func run(ctx context.Context, cfg *infra.Config, logger *zap.Logger) error {
	// Контекст фоновых слушателей: отменяется и по сигналу, и при окончательной остановке шлюза
	appCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 1. Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(reg)

	// 2. Хранилище: Postgres, если задан URL, иначе локальный SQLite
	store, closeStore, err := openStorage(appCtx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// 3. Redis необязателен: без него шлюз работает одним инстансом
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		if err := rdb.Ping(appCtx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
	}

	var creds session.CredentialStore = store
	if rdb != nil {
		creds = control.NewCredentialMirror(store, rdb, logger)
	}

	// 4. Session Handle
	handle := bridge.NewClient(bridge.Config{
		URL:       cfg.Session.BridgeURL,
		SessionID: cfg.Session.ID,
		Variant:   cfg.Session.Variant,
	}, logger)

	// 5. Control Plane: привилегированные идентичности
	elevated := control.NewElevatedSet(cfg.Router.Elevated, rdb, logger)
	if err := elevated.Init(appCtx); err != nil {
		return fmt.Errorf("failed to init elevated set: %w", err)
	}
	go elevated.Listen(appCtx)

	// 6. Кэш метаданных групп поверх надежного запроса (retry + circuit breaker)
	fetcher := groupcache.NewReliableFetcher(handle, groupcache.DefaultFetcherConfig(), m, logger)
	cache := groupcache.New(fetcher, groupcache.Config{TTL: cfg.Cache.TTL, RefreshTimeout: cfg.Cache.RefreshTimeout}, m, logger)

	sink := notify.NewSink(handle, cfg.Notify.Rate, cfg.Notify.Burst, logger)

	var notices gateway.MembershipNotifier
	templates := notify.NoticeTemplates{
		Welcome: cfg.Notify.Welcome,
		Goodbye: cfg.Notify.Goodbye,
		Promote: cfg.Notify.Promote,
		Demote:  cfg.Notify.Demote,
	}
	if !templates.Empty() {
		notices = notify.NewNotices(sink, templates, m, logger)
	}

	guard := moderation.NewLinkGuard(moderation.Config{
		Groups:  cfg.Moderation.AntiLinkGroups,
		Allowed: cfg.Moderation.AllowedDomains,
		Warning: cfg.Moderation.LinkWarning,
	}, sink, elevated, m, logger)

	// 7. Плагины
	var gw *gateway.Gateway
	registry := plugins.NewRegistry(m, logger)
	catalog := plugins.NewCatalog()
	loader := plugins.NewLoader(cfg.Plugins.Dir, catalog, registry, logger)
	catalog.Register(plugins.KindAlive, plugins.AliveKind(func() string { return gw.Status().Text() }))
	catalog.Register(plugins.KindGroupInfo, plugins.GroupInfoKind(cache))
	catalog.Register(plugins.KindAdmins, plugins.AdminsKind(cache))
	catalog.Register(plugins.KindInvalidate, plugins.InvalidateKind(cache))
	catalog.Register(plugins.KindReload, plugins.ReloadKind(loader))
	catalog.Register(plugins.KindAntiLink, plugins.AntiLinkKind(guard))
	if _, err := loader.Reload(appCtx); err != nil {
		return err
	}

	if cfg.Plugins.Watch {
		go func() {
			if err := plugins.Watch(appCtx, cfg.Plugins.Dir, loader, logger); err != nil {
				logger.Error("plugin watcher stopped", zap.Error(err))
			}
		}()
	}
	if rdb != nil {
		go control.ListenReload(appCtx, rdb, loader, logger)
		go control.ListenInvalidate(appCtx, rdb, cache, logger)
	}

	// 8. Журнал команд пачками
	j := journal.New(store, cfg.Journal.BufferSize, cfg.Journal.FlushInterval, m, logger)
	j.Start()

	// 9. Маршрутизатор и супервизор
	rt, err := router.New(router.Config{
		Prefix:         cfg.Router.Prefix,
		Cooldown:       cfg.Router.Cooldown,
		HandlerTimeout: cfg.Router.HandlerTimeout,
		SendTimeout:    cfg.Session.SendTimeout,
	}, registry, elevated, sink, m, logger, router.WithSelf(handle.Self), router.WithRecorder(j))
	if err != nil {
		return err
	}

	sup, err := supervisor.New(supervisor.Config{
		SessionID:         cfg.Session.ID,
		RestartCeiling:    cfg.Supervisor.RestartCeiling,
		RestartWindow:     cfg.Supervisor.RestartWindow,
		PrimaryCeiling:    cfg.Supervisor.PrimaryCeiling,
		PrimaryWindow:     cfg.Supervisor.PrimaryWindow,
		FallbackDelay:     cfg.Supervisor.FallbackDelay,
		ConnectTimeout:    cfg.Session.ConnectTimeout,
		ConnectRetryDelay: cfg.Session.ConnectRetryDelay,
		LogoutOnStop:      cfg.Session.LogoutOnShutdown,
	}, handle, m, logger, supervisor.WithCredentials(creds))
	if err != nil {
		return err
	}

	// 10. gRPC health
	health := admin.NewHealth(logger)
	lis, err := net.Listen("tcp", cfg.Admin.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to listen gRPC: %w", err)
	}
	go func() {
		if err := health.Serve(lis); err != nil {
			logger.Error("grpc health stopped", zap.Error(err))
		}
	}()
	defer health.GracefulStop()

	// 11. Шлюз
	gw, err = gateway.New(gateway.Config{
		SessionID:     cfg.Session.ID,
		Variant:       cfg.Session.Variant,
		ShutdownGrace: cfg.Router.ShutdownGrace,
		SendTimeout:   cfg.Session.SendTimeout,
	}, gateway.Deps{
		Handle:      handle,
		Supervisor:  sup,
		Router:      rt,
		Cache:       cache,
		Notifier:    sink,
		Recipients:  elevated,
		Registry:    registry,
		Credentials: creds,
		Health:      health,
		Journal:     j,
		Notices:     notices,
		Filter:      guard,
	}, m, logger)
	if err != nil {
		return err
	}

	// 12. Административный API
	var validator auth.TokenValidator
	if len(cfg.Admin.PublicKey) > 0 {
		pub, err := auth.ParseRSAPublicKey(cfg.Admin.PublicKey)
		if err != nil {
			return err
		}
		validator = auth.NewBaseValidator(pub)
	}
	srv := &http.Server{
		Addr: cfg.Admin.Addr,
		Handler: admin.NewServer(validator, admin.Deps{
			Status:   gw.Status,
			Registry: registry,
			Reloader: loader,
			Groups:   cache,
			Elevated: elevated,
			Stats:    store,
			Fanout:   rdb,
			Gatherer: reg,
		}, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("admin api listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("admin api stopped", zap.Error(err))
		}
	}()

	// 13. Работаем до сигнала или окончательной остановки сессии
	runErr := gw.Run(appCtx)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin api shutdown failed", zap.Error(err))
	}
	return runErr
}
