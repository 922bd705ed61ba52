package daemon

import (
	"context"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/siawfish/kyoos-sub001/internal/api"
	"github.com/siawfish/kyoos-sub001/internal/bus"
	"github.com/siawfish/kyoos-sub001/internal/config"
	"github.com/siawfish/kyoos-sub001/internal/conn"
	"github.com/siawfish/kyoos-sub001/internal/credential"
	"github.com/siawfish/kyoos-sub001/internal/delivery"
	"github.com/siawfish/kyoos-sub001/internal/dispatch"
	"github.com/siawfish/kyoos-sub001/internal/lock"
	"github.com/siawfish/kyoos-sub001/internal/logging"
	"github.com/siawfish/kyoos-sub001/internal/metrics"
	"github.com/siawfish/kyoos-sub001/internal/rooms"
	"github.com/siawfish/kyoos-sub001/internal/session"
	"github.com/siawfish/kyoos-sub001/internal/socket"
	"github.com/siawfish/kyoos-sub001/internal/status"
	"github.com/siawfish/kyoos-sub001/internal/store"
	"github.com/siawfish/kyoos-sub001/internal/typing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// storeStatsInterval is how often message counts are exported.
const storeStatsInterval = 15 * time.Second

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	APIAddr     string // optional override of settings api_addr
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideSettings,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideClock,
			provideLock,
			provideStore,
			provideCredentials,
			provideManager,
			provideTracker,
			provideDelivery,
			provideTyping,
			provideDispatcher,
			provideAPI,
			provideStoreStats,
			NewServer,
		),
		fx.Invoke(wireHooks, registerLifecycle),
	)
}

func provideSettings(p Params) (config.Settings, error) {
	s, err := config.LoadSettings(session.SettingsPath(p.SessionName), session.EnvPath(p.SessionName))
	if err != nil {
		return s, err
	}
	if p.APIAddr != "" {
		s.APIAddr = p.APIAddr
	}
	return s, s.Validate()
}

func provideLogger(p Params, s config.Settings) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, s.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideClock() clockwork.Clock {
	return clockwork.NewRealClock()
}

func provideLock(p Params, s config.Settings, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName), lock.Info{
		PID:     os.Getpid(),
		Started: time.Now(),
		APIAddr: s.APIAddr,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(lc fx.Lifecycle, p Params, logger *zap.Logger) (*store.DB, error) {
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
	lc.Append(fx.StopHook(db.Close))
	return db, nil
}

func provideCredentials(lc fx.Lifecycle, p Params, s config.Settings, logger *zap.Logger) (credential.Store, error) {
	creds, closeFn, err := credential.Open(credential.Options{
		Backend:   s.Credential.Backend,
		File:      session.CredentialsPath(p.SessionName),
		EnvFile:   session.EnvPath(p.SessionName),
		RedisURL:  s.Credential.RedisURL,
		Namespace: p.SessionName,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("credential store ready", zap.String("backend", s.Credential.Backend))
	lc.Append(fx.StopHook(closeFn))
	return creds, nil
}

func provideManager(s config.Settings, creds credential.Store, machine *status.Machine, clock clockwork.Clock, logger *zap.Logger) *conn.Manager {
	c := s.Connection
	return conn.NewManager(conn.Config{
		CredentialKey: s.Credential.Key,
		Socket: socket.Config{
			URL:               s.ServerURL,
			HandshakeTimeout:  c.HandshakeTimeout,
			ReconnectAttempts: c.ReconnectAttempts,
			ReconnectDelay:    c.ReconnectDelay,
			ReconnectDelayMax: c.ReconnectDelayMax,
			ReconnectJitter:   c.ReconnectJitter,
			PingInterval:      c.PingInterval,
			WriteTimeout:      c.WriteTimeout,
			OutboundRate:      c.OutboundRate,
			OutboundBurst:     c.OutboundBurst,
		},
	}, creds, machine, clock, logger)
}

func provideTracker(mgr *conn.Manager, logger *zap.Logger) *rooms.Tracker {
	return rooms.NewTracker(mgr, logger)
}

func provideDelivery(s config.Settings, db *store.DB, mgr *conn.Manager, b *bus.Bus, clock clockwork.Clock, logger *zap.Logger) *delivery.Machine {
	return delivery.New(db, mgr, b, clock, logger, s.UserID)
}

func provideTyping(s config.Settings, mgr *conn.Manager, b *bus.Bus, clock clockwork.Clock, logger *zap.Logger) *typing.Coordinator {
	return typing.NewCoordinator(mgr, b, clock, typing.Config{
		Debounce:     s.Typing.Debounce,
		Idle:         s.Typing.Idle,
		RemoteExpiry: s.Typing.RemoteExpiry,
	}, logger)
}

func provideDispatcher(s config.Settings, db *store.DB, d *delivery.Machine, tracker *rooms.Tracker, coord *typing.Coordinator, b *bus.Bus, logger *zap.Logger) *dispatch.Dispatcher {
	return dispatch.New(db, d, tracker, coord.Remote(), b, logger, s.UserID)
}

func provideAPI(p Params, db *store.DB, mgr *conn.Manager, tracker *rooms.Tracker, d *delivery.Machine, coord *typing.Coordinator, b *bus.Bus, logger *zap.Logger) *api.Server {
	return api.NewServer(api.Deps{
		SessionName: p.SessionName,
		DB:          db,
		Conn:        mgr,
		Rooms:       tracker,
		Delivery:    d,
		Typing:      coord,
		Bus:         b,
		Logger:      logger,
	})
}

func provideStoreStats(db *store.DB) *metrics.StoreStats {
	return metrics.NewStoreStats(db, prometheus.DefaultRegisterer)
}

// wireHooks attaches the room, delivery and typing components to the
// connection lifecycle and registers the inbound listeners once.
func wireHooks(mgr *conn.Manager, tracker *rooms.Tracker, d *delivery.Machine, coord *typing.Coordinator, disp *dispatch.Dispatcher) {
	mgr.OnConnected(tracker.Replay)
	mgr.OnDisconnected(tracker.Reset)
	mgr.OnDisconnected(d.Drain)
	mgr.OnDisconnected(func(conn.Connection) { coord.Remote().Reset() })
	disp.Register(mgr)
}

func registerLifecycle(lc fx.Lifecycle, s config.Settings, srv *Server, lk *lock.Lock, mgr *conn.Manager, d *delivery.Machine, coord *typing.Coordinator, stats *metrics.StoreStats, logger *zap.Logger) {
	stopStats := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if _, err := d.Recover(); err != nil {
				return err
			}
			srv.Start()
			if err := lk.Advertise(srv.APIAddr()); err != nil {
				logger.Warn("failed to advertise api address", zap.Error(err))
			}

			_ = stats.Collect()
			go stats.Start(storeStatsInterval, stopStats)

			if s.AutoConnect {
				go func() {
					if _, err := mgr.Connect(context.Background()); err != nil {
						logger.Warn("auto-connect failed", zap.Error(err))
					}
				}()
			} else {
				logger.Info("auto-connect disabled, waiting for connect request")
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			coord.CloseAll()
			mgr.Close()
			srv.Stop(ctx)
			close(stopStats)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
