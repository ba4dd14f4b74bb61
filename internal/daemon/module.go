package daemon

import (
	"context"
	"errors"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/klinikly/chatsync/internal/aitoggle"
	"github.com/klinikly/chatsync/internal/bus"
	"github.com/klinikly/chatsync/internal/config"
	"github.com/klinikly/chatsync/internal/delivery"
	"github.com/klinikly/chatsync/internal/engine"
	"github.com/klinikly/chatsync/internal/lock"
	"github.com/klinikly/chatsync/internal/logging"
	"github.com/klinikly/chatsync/internal/queue"
	"github.com/klinikly/chatsync/internal/session"
	"github.com/klinikly/chatsync/internal/store"
	"github.com/klinikly/chatsync/internal/transport"
)

// Params holds the resolved invocation settings passed to the fx module.
type Params struct {
	ConversationID string
	UserID         string
	ConfigPath     string // optional override; empty = use default
}

// Module returns the fx module for the sync daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideConfig,
			provideLock,
			provideStore,
			provideTransport,
			provideTracker,
			provideQueue,
			provideToggle,
			provideEngine,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.ConversationID), p.ConversationID)
}

func provideBus() *bus.Bus {
	return bus.New()
}

// provideConfig loads the global config, writing the defaults on first run.
func provideConfig(p Params, logger *zap.Logger) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = config.Default()
		if err := config.Save(path, cfg); err != nil {
			return nil, err
		}
		logger.Info("wrote default config", zap.String("path", path))
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.ConversationID); err != nil {
		return nil, err
	}
	logger.Info("acquiring conversation lock", zap.String("conversation", p.ConversationID))
	l, err := lock.Acquire(session.Dir(p.ConversationID))
	if err != nil {
		return nil, err
	}
	logger.Info("conversation lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.ConversationID)
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

func provideTransport(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *transport.Manager {
	dial := transport.Dialer(cfg.Transport.URL, nil)
	return transport.NewManager(cfg.Transport, dial, b, logger)
}

func provideTracker(db *store.DB, b *bus.Bus, logger *zap.Logger) *delivery.Tracker {
	return delivery.NewTracker(db, b, logger)
}

func provideQueue(cfg *config.Config, db *store.DB, tracker *delivery.Tracker, b *bus.Bus, logger *zap.Logger) *queue.Queue {
	return queue.New(db, tracker, b, logger, cfg.Queue.MaxAttempts, cfg.Queue.RetryBase())
}

func provideToggle(p Params, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *aitoggle.Coordinator {
	setter := aitoggle.NewHTTPSetter(cfg.AI.EndpointURL)
	// The switch starts disabled until the server pushes the confirmed state.
	return aitoggle.New(setter, b, logger, cfg.AI, p.ConversationID, false)
}

func provideEngine(
	p Params,
	cfg *config.Config,
	db *store.DB,
	tracker *delivery.Tracker,
	q *queue.Queue,
	conn *transport.Manager,
	toggle *aitoggle.Coordinator,
	b *bus.Bus,
	logger *zap.Logger,
) *engine.Engine {
	return engine.New(p.ConversationID, p.UserID, cfg, db, tracker, q, conn, toggle, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, eng *engine.Engine, db *store.DB, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return eng.Start(ctx)
		},
		OnStop: func(_ context.Context) error {
			if err := eng.Close(); err != nil {
				logger.Warn("engine shutdown", zap.Error(err))
			}
			if err := db.Close(); err != nil {
				logger.Warn("store close", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
