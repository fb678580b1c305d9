package daemon

import (
	"context"
	"errors"
	"os"
	"sync"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/mfreitas/pigeon/internal/bus"
	"github.com/mfreitas/pigeon/internal/chat"
	"github.com/mfreitas/pigeon/internal/config"
	"github.com/mfreitas/pigeon/internal/conn"
	"github.com/mfreitas/pigeon/internal/lock"
	"github.com/mfreitas/pigeon/internal/logging"
	"github.com/mfreitas/pigeon/internal/metrics"
	"github.com/mfreitas/pigeon/internal/push"
	"github.com/mfreitas/pigeon/internal/rest"
	"github.com/mfreitas/pigeon/internal/session"
	"github.com/mfreitas/pigeon/internal/status"
	"github.com/mfreitas/pigeon/internal/store"
)

// Params holds the resolved session identity passed to the fx module.
// Platform and Windows let an embedding UI supply real push integration;
// nil falls back to the headless defaults.
type Params struct {
	SessionName string
	UserID      string
	Token       string
	Platform    push.Platform
	Windows     push.WindowRegistry
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideMetrics,
			provideRestClient,
			provideTransport,
			provideChatStore,
			provideConnManager,
			providePushManager,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

// transport defers Send to the connection manager, breaking the
// construction cycle between the chat store and the manager.
type transport struct {
	mu      sync.RWMutex
	manager *conn.Manager
}

func (t *transport) bind(m *conn.Manager) {
	t.mu.Lock()
	t.manager = m
	t.mu.Unlock()
}

func (t *transport) Send(ctx context.Context, msg store.Message) error {
	t.mu.RLock()
	m := t.manager
	t.mu.RUnlock()
	if m == nil {
		return conn.ErrNotConnected
	}
	return m.Send(ctx, msg)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return config.Default(), nil
		}
		return nil, err
	}
	return cfg, nil
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

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
	db, err := store.Open(dbPath)
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
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideMetrics() *metrics.Metrics {
	return metrics.New()
}

func provideRestClient(p Params, cfg *config.Config, logger *zap.Logger) *rest.Client {
	return rest.NewClient(cfg.Server.RestURL, p.Token, logger)
}

func provideTransport() *transport {
	return &transport{}
}

func provideChatStore(p Params, db *store.DB, rc *rest.Client, tr *transport, b *bus.Bus, logger *zap.Logger) *chat.Store {
	return chat.NewStore(p.UserID, db, rc, tr, b, logger)
}

func provideConnManager(p Params, cfg *config.Config, cs *chat.Store, machine *status.Machine, b *bus.Bus, met *metrics.Metrics, logger *zap.Logger) *conn.Manager {
	return conn.NewManager(conn.Config{
		SelfID:     p.UserID,
		BrokerURL:  cfg.Server.BrokerURL,
		BaseDelay:  cfg.Reconnect.BaseDelay.Duration,
		MaxDelay:   cfg.Reconnect.MaxDelay.Duration,
		MaxRetries: cfg.Reconnect.MaxRetries,
	}, cs, machine, b, met, logger, nil)
}

func providePushManager(p Params, rc *rest.Client, db *store.DB, b *bus.Bus, met *metrics.Metrics, logger *zap.Logger) *push.Manager {
	platform := p.Platform
	if platform == nil {
		platform = &headlessPlatform{log: logger}
	}
	windows := p.Windows
	if windows == nil {
		windows = newBusWindows(b)
	}
	return push.NewManager(platform, rc, db, windows, b, met, logger)
}

func registerLifecycle(lc fx.Lifecycle, p Params, cfg *config.Config, lk *lock.Lock, db *store.DB, tr *transport, manager *conn.Manager, pushMgr *push.Manager, srv *Server, b *bus.Bus, logger *zap.Logger) {
	var cancel context.CancelFunc

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			tr.bind(manager)

			runCtx, c := context.WithCancel(context.Background())
			cancel = c

			go func() {
				if err := manager.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("connection loop exited", zap.Error(err))
				}
			}()

			if cfg.Push.Enabled {
				go func() {
					st, err := pushMgr.EnsureSubscribed(runCtx, p.UserID)
					if err != nil {
						logger.Warn("push subscription failed", zap.Error(err))
						return
					}
					logger.Info("push subscription resolved", zap.String("status", string(st)))
				}()
			}

			// Out-of-focus message alerts surface as notifications.
			alerts, unsub := b.Subscribe("chat.alert", 32)
			go func() {
				defer unsub()
				notifyAlerts(runCtx, alerts, pushMgr)
			}()

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("metrics server error", zap.Error(err))
				}
			}()

			logger.Info("daemon started",
				zap.String("session", p.SessionName),
				zap.String("user", p.UserID),
			)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			srv.Stop(ctx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
