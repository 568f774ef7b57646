package daemon

import (
	"context"

	"github.com/matheus3301/chatlink/internal/api"
	"github.com/matheus3301/chatlink/internal/auth"
	"github.com/matheus3301/chatlink/internal/bus"
	"github.com/matheus3301/chatlink/internal/config"
	"github.com/matheus3301/chatlink/internal/lock"
	"github.com/matheus3301/chatlink/internal/logging"
	"github.com/matheus3301/chatlink/internal/messenger"
	"github.com/matheus3301/chatlink/internal/profile"
	"github.com/matheus3301/chatlink/internal/restapi"
	"github.com/matheus3301/chatlink/internal/store"
	"github.com/matheus3301/chatlink/internal/transport"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideTracer,
			provideBus,
			provideLock,
			provideStore,
			provideTokens,
			provideBackend,
			provideDialer,
			provideMessenger,
			provideControlService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	return config.Resolve(profile.ConfigPath())
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName, cfg.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired", zap.String("path", l.Path()))
	return l, nil
}

// provideStore depends on the lock so that only the lock holder opens the
// database.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
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

func provideTokens(db *store.DB, logger *zap.Logger) *auth.TokenSource {
	return auth.NewTokenSource(db, logger.Named("auth"))
}

func provideBackend(cfg *config.Config, tokens *auth.TokenSource, logger *zap.Logger) (*restapi.Client, error) {
	return restapi.New(restapi.Options{
		BaseURL: cfg.BaseURL,
		Tokens:  tokens,
		OnUnauthorized: func() {
			if err := tokens.Clear(); err != nil {
				logger.Warn("clear rejected token", zap.Error(err))
			}
		},
		Logger: logger.Named("restapi"),
	})
}

func provideDialer(cfg *config.Config) transport.Dialer {
	return transport.NewStompDialer(cfg.WebSocketURL, cfg.HeartBeat.Duration)
}

func provideMessenger(cfg *config.Config, d transport.Dialer, tokens *auth.TokenSource, backend *restapi.Client, db *store.DB, b *bus.Bus, logger *zap.Logger) (*messenger.Messenger, error) {
	return messenger.New(messenger.Options{
		Dialer:        d,
		Tokens:        tokens,
		Backend:       backend,
		Store:         db,
		Bus:           b,
		Policy:        cfg.Policy(),
		ClientType:    cfg.ClientType,
		ClientVersion: cfg.ClientVersion,
		QueueExpiry:   cfg.QueueExpiry.Duration,
		PollInterval:  cfg.PollInterval.Duration,
		Logger:        logger,
	})
}

func provideControlService(p Params, m *messenger.Messenger, db *store.DB, b *bus.Bus, logger *zap.Logger) *api.ControlService {
	return api.NewControlService(p.ProfileName, m, db, b, logger.Named("api"))
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, db *store.DB, m *messenger.Messenger, tp *sdktrace.TracerProvider, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			// The transport connects regardless; login is retried on the
			// next CONNECTED.
			if err := m.Start(ctx); err != nil {
				logger.Warn("initial login failed", zap.Error(err))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			m.Close()
			srv.Stop(ctx)
			if err := tp.Shutdown(ctx); err != nil {
				logger.Warn("error flushing traces", zap.Error(err))
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
