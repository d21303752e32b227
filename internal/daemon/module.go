package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/dmcruz/parley/internal/api"
	"github.com/dmcruz/parley/internal/bus"
	"github.com/dmcruz/parley/internal/cache"
	"github.com/dmcruz/parley/internal/chat"
	"github.com/dmcruz/parley/internal/config"
	"github.com/dmcruz/parley/internal/history"
	"github.com/dmcruz/parley/internal/lock"
	"github.com/dmcruz/parley/internal/logging"
	"github.com/dmcruz/parley/internal/outbox"
	"github.com/dmcruz/parley/internal/reaction"
	"github.com/dmcruz/parley/internal/roster"
	"github.com/dmcruz/parley/internal/session"
	"github.com/dmcruz/parley/internal/status"
	intsync "github.com/dmcruz/parley/internal/sync"
	"github.com/dmcruz/parley/internal/transport"
	"github.com/dmcruz/parley/internal/typing"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	Config      *config.Config // optional override for testing; nil = load from the session dir
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideCache,
			provideStore,
			provideAdapter,
			provideAPIClient,
			provideDebouncer,
			provideReconciler,
			providePager,
			provideReactions,
			provideOutbox,
			provideBootstrapper,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, nil
	}
	return config.Load(session.SessionConfigPath(p.SessionName))
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideCache(p Params, logger *zap.Logger) (*cache.DB, error) {
	dbPath := session.CacheDBPath(p.SessionName)
	db, err := cache.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("cache initialized", zap.String("path", dbPath))
	return db, nil
}

func provideStore(cfg *config.Config, b *bus.Bus) *chat.Store {
	return chat.NewStore(cfg.SelfID, b)
}

func provideAdapter(cfg *config.Config, b *bus.Bus, m *status.Machine, logger *zap.Logger) *transport.Adapter {
	return transport.NewAdapter(transport.Options{
		URL:                cfg.ServerURL,
		Token:              cfg.Token,
		ReconnectBaseDelay: cfg.Timing.ReconnectBaseDelay.Std(),
		ReconnectMaxDelay:  cfg.Timing.ReconnectMaxDelay.Std(),
	}, b, m, logger)
}

func provideAPIClient(cfg *config.Config) *api.Client {
	return api.NewClient(cfg.ServerURL, cfg.Token)
}

func provideDebouncer(cfg *config.Config, store *chat.Store, adapter *transport.Adapter, logger *zap.Logger) *typing.Debouncer {
	d := typing.NewDebouncer(store, adapter, cfg.SelfID, cfg.SelfName, logger)
	if cfg.Timing.TypingDebounce != 0 || cfg.Timing.TypingIdleTimeout != 0 {
		debounce := cfg.Timing.TypingDebounce.Std()
		if debounce == 0 {
			debounce = typing.DefaultDebounce
		}
		idle := cfg.Timing.TypingIdleTimeout.Std()
		if idle == 0 {
			idle = typing.DefaultIdleTimeout
		}
		d.SetIntervals(debounce, idle)
	}
	return d
}

func provideReconciler(cfg *config.Config, store *chat.Store, db *cache.DB, d *typing.Debouncer, reactions *reaction.Manager, b *bus.Bus, logger *zap.Logger) *intsync.Reconciler {
	r := intsync.NewReconciler(store, db, d, reactions, b, logger)
	if w := cfg.Timing.DedupWindow.Std(); w != 0 {
		r.SetDedupWindow(w)
	}
	return r
}

func providePager(store *chat.Store, client *api.Client, db *cache.DB, b *bus.Bus, logger *zap.Logger) *history.Pager {
	return history.NewPager(store, client, db, b, logger)
}

func provideReactions(store *chat.Store, client *api.Client, logger *zap.Logger) *reaction.Manager {
	return reaction.NewManager(store, client, logger)
}

func provideOutbox(store *chat.Store, client *api.Client, adapter *transport.Adapter, b *bus.Bus, logger *zap.Logger) *outbox.Controller {
	return outbox.NewController(store, client, adapter, b, logger)
}

func provideBootstrapper(store *chat.Store, client *api.Client, adapter *transport.Adapter, db *cache.DB, logger *zap.Logger) *roster.Bootstrapper {
	return roster.NewBootstrapper(store, client, adapter, db, logger)
}

func registerLifecycle(
	lc fx.Lifecycle,
	lk *lock.Lock,
	adapter *transport.Adapter,
	rec *intsync.Reconciler,
	boot *roster.Bootstrapper,
	db *cache.DB,
	b *bus.Bus,
	logger *zap.Logger,
) {
	var unsubscribe func()

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Fold push events into the store before anything can arrive.
			rec.Start(context.Background())

			// Room membership does not survive a reconnect.
			events, unsub := b.Subscribe("transport.reconnected", 8)
			unsubscribe = unsub
			go func() {
				for range events {
					boot.Rejoin(context.Background())
				}
			}()

			go func() {
				ctx := context.Background()
				if err := adapter.Connect(ctx); err != nil {
					logger.Error("push channel connect failed", zap.Error(err))
				}
				if err := boot.Bootstrap(ctx); err != nil {
					logger.Error("roster bootstrap failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			if unsubscribe != nil {
				unsubscribe()
			}
			adapter.Disconnect()
			rec.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing cache", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
