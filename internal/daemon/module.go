package daemon

import (
	"context"
	"errors"
	"net/http"
	"os"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/export"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/summary"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/transport"
	"github.com/matheus3301/chatsync/internal/view"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	ConfigPath  string // optional override; empty = session.toml in the session dir
	Debug       bool
	Quiet       bool
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideSession,
			provideLogger,
			provideTracerProvider,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideManager,
			provideConversations,
			provideGenerator,
			provideSender,
			provideEngine,
			provideRouter,
			view.NewList,
			view.NewWindow,
			providePublisher,
			provideForwarder,
			provideControlAPI,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideSession(p Params) (*config.Session, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.SessionConfigPath(p.SessionName)
	}
	cfg, err := config.LoadSession(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params, cfg *config.Session) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), logging.Options{
		Session: p.SessionName,
		UserID:  cfg.UserID,
		Debug:   p.Debug,
		Quiet:   p.Quiet,
	})
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, cfg *config.Session, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName), cfg.UserID)
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// The lock is a parameter so the cache is only opened by the session owner.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	path := session.CacheDBPath(p.SessionName)
	db, result, err := openCache(path)
	if errors.Is(err, store.ErrDirtySchema) {
		// The cache only mirrors server state; start over.
		logger.Warn("cache schema dirty, rebuilding", zap.String("path", path))
		if rmErr := os.Remove(path); rmErr != nil {
			return nil, rmErr
		}
		db, result, err = openCache(path)
	}
	if err != nil {
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", path))
	return db, nil
}

func openCache(path string) (*store.DB, *store.MigrateResult, error) {
	db, err := store.Open(path)
	if err != nil {
		return nil, nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return db, result, nil
}

func provideManager(cfg *config.Session, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *transport.Manager {
	return transport.NewManager(transport.Options{
		URL:         cfg.ServerURL,
		UserID:      cfg.UserID,
		BaseDelay:   cfg.ReconnectBaseDelay.Duration,
		MaxDelay:    cfg.ReconnectMaxDelay.Duration,
		MaxAttempts: cfg.ReconnectAttempts,
	}, machine, b, logger)
}

func provideConversations(cfg *config.Session, logger *zap.Logger) *remote.Conversations {
	if cfg.APIURL == "" {
		return nil
	}
	return remote.NewConversations(cfg.APIURL, cfg.Token, http.DefaultClient, remote.DefaultTimeout, logger)
}

func provideGenerator(cfg *config.Session, logger *zap.Logger) *summary.Generator {
	if cfg.APIURL == "" {
		return nil
	}
	return summary.NewGenerator(cfg.APIURL, cfg.Token, http.DefaultClient, cfg.SummaryTimeout.Duration, logger)
}

func provideSender(db *store.DB, m *transport.Manager, b *bus.Bus, cfg *config.Session, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, m, b, logger, cfg.OutboxInterval.Duration)
}

func provideEngine(
	cfg *config.Session,
	b *bus.Bus,
	m *transport.Manager,
	conversations *remote.Conversations,
	generator *summary.Generator,
	sender *outbox.Sender,
	db *store.DB,
	logger *zap.Logger,
) *intsync.Engine {
	opts := intsync.Options{
		Self:          cfg.UserID,
		Bus:           b,
		Sender:        m,
		Outbox:        sender,
		Reconciler:    intsync.NewReconciler(db, logger),
		TypingTimeout: cfg.TypingTimeout.Duration,
		Logger:        logger,
	}
	// Typed nils must not reach the interface fields.
	if conversations != nil {
		opts.Conversations = conversations
	}
	if generator != nil {
		opts.Summaries = generator
	}
	return intsync.NewEngine(opts)
}

func provideRouter(engine *intsync.Engine, logger *zap.Logger) *intsync.Router {
	return intsync.NewRouter(engine, logger)
}

func providePublisher(cfg *config.Session, logger *zap.Logger) export.Publisher {
	return export.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
}

func provideForwarder(p Params, cfg *config.Session, pub export.Publisher, logger *zap.Logger) *export.Forwarder {
	return export.NewForwarder(pub, p.SessionName, cfg.UserID, logger)
}

func provideControlAPI(
	p Params,
	cfg *config.Session,
	engine *intsync.Engine,
	m *transport.Manager,
	sender *outbox.Sender,
	list *view.List,
	window *view.Window,
	_ trace.TracerProvider,
	logger *zap.Logger,
) (*api.Server, error) {
	h := api.NewHandler(p.SessionName, cfg.UserID, engine, m, sender, list, window)
	router := api.NewRouter(h, api.RouterOptions{
		ServiceName: "chatsyncd",
		CORSOrigins: cfg.CORSOrigins,
		Logger:      logger,
	})
	return api.NewServer(cfg.ControlAddr, router, logger)
}

type lifecycleDeps struct {
	fx.In

	Params    Params
	Session   *config.Session
	Health    *Server
	API       *api.Server
	Lock      *lock.Lock
	Store     *store.DB
	Bus       *bus.Bus
	Manager   *transport.Manager
	Engine    *intsync.Engine
	Router    *intsync.Router
	Sender    *outbox.Sender
	List      *view.List
	Window    *view.Window
	Publisher export.Publisher
	Forwarder *export.Forwarder
	Tracing   trace.TracerProvider
	Logger    *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleDeps) {
	var cancel context.CancelFunc
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())

			// Projections and export subscribe before anything publishes.
			go d.List.Run(ctx, d.Bus)
			go d.Window.Run(ctx, d.Bus)
			go d.Forwarder.Run(ctx, d.Bus)
			go d.Health.WatchConnection(ctx, d.Bus)

			d.Engine.Start(ctx)
			d.Router.Bind(d.Manager)
			d.Sender.Start(ctx)

			go func() {
				if err := d.Health.Start(); err != nil {
					d.Logger.Error("health server error", zap.Error(err))
				}
			}()
			go func() {
				if err := d.API.Start(); err != nil {
					d.Logger.Error("control API error", zap.Error(err))
				}
			}()

			go func() {
				if err := d.Manager.Connect(ctx, d.Session.Token); err != nil {
					d.Logger.Error("connect failed", zap.Error(err))
				}
				// Load publishes an absolute update per conversation, which
				// the list projection applies like any other event.
				if err := d.Engine.Load(ctx); err != nil {
					d.Logger.Error("initial load failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			d.Router.Unbind()
			d.Manager.Disconnect()
			d.Sender.Stop()
			d.Engine.Stop()
			d.Engine.Reset()

			var errs []error
			if err := d.API.Stop(ctx); err != nil {
				errs = append(errs, err)
			}
			d.Health.Stop(ctx)
			if err := d.Publisher.Close(); err != nil {
				d.Logger.Warn("error closing publisher", zap.Error(err))
			}
			if err := shutdownTracing(ctx, d.Tracing); err != nil {
				d.Logger.Warn("error flushing traces", zap.Error(err))
			}
			if err := d.Store.Close(); err != nil {
				errs = append(errs, err)
			}
			if err := d.Lock.Release(); err != nil {
				d.Logger.Warn("error releasing lock", zap.Error(err))
			}
			d.Logger.Info("daemon stopped")
			_ = d.Logger.Sync()
			return errors.Join(errs...)
		},
	})
}
