package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"chatrelay/internal/api"
	"chatrelay/internal/auth"
	"chatrelay/internal/cache"
	"chatrelay/internal/config"
	"chatrelay/internal/crypto"
	"chatrelay/internal/database"
	"chatrelay/internal/keylock"
	"chatrelay/internal/logging"
	"chatrelay/internal/matching"
	"chatrelay/internal/metrics"
	"chatrelay/internal/relay"
	"chatrelay/internal/session"
	"chatrelay/internal/sweeper"
	"chatrelay/internal/websocket"
	pkgdatabase "chatrelay/pkg/database"
	"chatrelay/pkg/interfaces"

	gws "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config   *config.Config
	logger   zerolog.Logger
	store    *database.Manager
	cache    *cache.RedisCache
	sessions *session.Manager
	registry *websocket.Registry
	lobby    *websocket.Lobby
	relay    *relay.Relay
	sweeper  *sweeper.Sweeper
	api      *api.Server

	httpServer *http.Server

	mu       sync.Mutex
	listener net.Listener
	stopOnce sync.Once
	stopErr  error
}

// Option customizes NewApplication.
type Option func(*options)

type options struct {
	logger *zerolog.Logger
}

// WithLogger replaces the logger built from the log config.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = &logger }
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Crypto → Store → Cache → Registry → Sessions → Relay → Identity → WebSocket → Matcher → API → HTTP
func NewApplication(cfg *config.Config, opts ...Option) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	// Validate configuration before component initialization
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = logging.New(cfg.Log)
	}

	app := &Application{config: cfg, logger: logging.Component(logger, "app")}

	// STEP 1: Content cipher for messages at rest
	cipher, err := crypto.New(cfg.Crypto.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	if !cipher.Enabled() && cfg.Database.Path != "" {
		app.logger.Warn().Msg("no crypto key configured, message content is stored in plaintext")
	}

	// STEP 2: Durable store (optional)
	// FUNCTIONAL DISCOVERY: interface-typed locals stay nil when a backend is
	// disabled, so components see a true nil rather than a typed nil pointer.
	var (
		sessionStore interfaces.SessionStore
		messageStore interfaces.MessageStore
		healthStore  api.HealthChecker
	)
	if cfg.Database.Path != "" {
		if err := ensureDir(cfg.Database.Path); err != nil {
			return nil, err
		}
		dbConfig := &pkgdatabase.Config{
			DatabasePath:    cfg.Database.Path,
			MaxConnections:  cfg.Database.MaxConnections,
			ConnMaxLifetime: cfg.Database.Timeout,
			ConnMaxIdleTime: cfg.Database.Timeout / 3,
		}
		app.store, err = database.NewManager(dbConfig, cipher, *logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database manager: %w", err)
		}
		sessionStore, messageStore, healthStore = app.store, app.store, app.store
	} else {
		app.logger.Warn().Msg("no database path configured, sessions and messages are kept in memory only")
	}

	// STEP 3: Recent-history cache (optional)
	var (
		historyCache interfaces.MessageCache
		cachePinger  api.Pinger
	)
	if cfg.Redis.Addr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		app.cache, err = cache.NewRedisCache(ctx, cfg.Redis)
		cancel()
		if err != nil {
			app.closeBackends()
			return nil, fmt.Errorf("failed to initialize history cache: %w", err)
		}
		historyCache, cachePinger = app.cache, app.cache
	}

	// STEP 4: Registry and the per-session lock shared by relay, join and end
	locker := keylock.New()
	app.registry = websocket.NewRegistry(logging.Component(logger, "registry"))
	app.lobby = websocket.NewLobby(*logger)

	// STEP 5: Session lifecycle manager
	app.sessions, err = session.NewManager(session.Deps{
		Store:       sessionStore,
		Cache:       historyCache,
		Registry:    app.registry,
		Locker:      locker,
		IdleTimeout: cfg.Session.IdleTimeout,
		Logger:      *logger,
	})
	if err != nil {
		app.closeBackends()
		return nil, fmt.Errorf("failed to initialize session manager: %w", err)
	}
	if err := app.sessions.LoadActiveSessions(context.Background()); err != nil {
		app.closeBackends()
		return nil, fmt.Errorf("failed to load active sessions: %w", err)
	}

	// STEP 6: Message relay
	app.relay, err = relay.New(relay.Deps{
		Registry: app.registry,
		Locker:   locker,
		Sessions: app.sessions,
		Store:    messageStore,
		Cache:    historyCache,
		Limiter:  relay.NewRateLimiter(cfg.Relay.RatePerMinute, cfg.Relay.Burst),
		Timeout:  cfg.Relay.PersistTimeout,
		Logger:   *logger,
	})
	if err != nil {
		app.closeBackends()
		return nil, fmt.Errorf("failed to initialize relay: %w", err)
	}
	app.sessions.OnSessionEnded(app.relay.ForgetSession)

	// STEP 7: Identity provider
	var identity interfaces.IdentityProvider
	if cfg.Auth.JWTSecret != "" {
		identity = auth.NewJWTProvider(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	} else {
		app.logger.Warn().Msg("no JWT secret configured, trusting user_id and role query parameters")
		identity = auth.QueryProvider{}
	}

	// STEP 8: WebSocket handler
	wsHandler := websocket.NewHandler(websocket.HandlerDeps{
		Registry:       app.registry,
		Locker:         locker,
		SessionManager: app.sessions,
		Relay:          app.relay,
		Identity:       identity,
		Store:          messageStore,
		Cache:          historyCache,
		Lobby:          app.lobby,
		Options: websocket.Options{
			QueueSize:     cfg.WebSocket.QueueSize,
			WriteTimeout:  cfg.WebSocket.WriteTimeout,
			ReadTimeout:   cfg.WebSocket.ReadTimeout,
			PingInterval:  cfg.WebSocket.PingInterval,
			MaxFrameBytes: cfg.WebSocket.MaxFrameBytes,
		},
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Logger:         *logger,
	})

	// STEP 9: Counselor matching over lobby presence
	matcher := matching.New(app.lobby, app.sessions, *logger)

	// STEP 10: Idle sweeper
	app.sweeper = sweeper.New(app.sessions, cfg.Session.SweepInterval, *logger, app.relay)

	// STEP 11: HTTP surface
	metrics.MustRegister()
	app.api = api.NewServer(api.ServerDeps{
		Sessions:       app.sessions,
		Registry:       app.registry,
		Store:          healthStore,
		Cache:          cachePinger,
		Matcher:        matcher,
		WebSocket:      http.HandlerFunc(wsHandler.HandleWebSocket),
		Lobby:          http.HandlerFunc(wsHandler.HandleLobby),
		Metrics:        promhttp.Handler(),
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Logger:         *logger,
	})

	// TECHNICAL DISCOVERY: WriteTimeout does not apply to hijacked WebSocket
	// connections, which manage their own deadlines.
	app.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      app.api,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return app, nil
}

func ensureDir(path string) error {
	if path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create database directory %s: %w", dir, err)
	}
	return nil
}

// Run serves until ctx is cancelled or the server fails, then shuts down
// within the configured shutdown timeout.
func (app *Application) Run(ctx context.Context) error {
	ln, err := app.listen()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := app.sweeper.Start(gctx); err != nil {
		_ = ln.Close()
		return fmt.Errorf("failed to start sweeper: %w", err)
	}

	g.Go(func() error {
		return app.serve(ln)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.config.HTTP.ShutdownTimeout)
		defer cancel()
		return app.Stop(shutdownCtx)
	})

	return g.Wait()
}

// Start begins application execution
// Startup coordination ensures all components ready before serving
// Sweeper starts first, then HTTP server accepts connections
func (app *Application) Start(ctx context.Context) error {
	ln, err := app.listen()
	if err != nil {
		return err
	}

	// STEP 1: Start idle sweeper (background housekeeping)
	if err := app.sweeper.Start(context.Background()); err != nil {
		_ = ln.Close()
		return fmt.Errorf("failed to start sweeper: %w", err)
	}

	// STEP 2: Start HTTP server (accepts connections)
	serverErrCh := make(chan error, 1)
	go func() {
		if err := app.serve(ln); err != nil {
			serverErrCh <- err
		}
	}()

	// Verify server is ready before returning
	select {
	case err := <-serverErrCh:
		_ = app.sweeper.Stop()
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	case <-ctx.Done():
		_ = app.sweeper.Stop()
		_ = ln.Close()
		return ctx.Err()
	}
}

func (app *Application) listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.mu.Lock()
	app.listener = ln
	app.mu.Unlock()

	app.logger.Info().Str("addr", ln.Addr().String()).Msg("chatrelay listening")
	return ln, nil
}

func (app *Application) serve(ln net.Listener) error {
	if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the application
// Shutdown coordination ensures proper resource cleanup
// Reverse dependency order: HTTP → Sockets → Sweeper → Cache → Database
// Sessions stay ACTIVE so clients can reconnect once the server is back.
func (app *Application) Stop(ctx context.Context) error {
	app.stopOnce.Do(func() {
		app.logger.Info().Msg("shutting down chatrelay")

		// STEP 1: Stop accepting new connections
		if err := app.httpServer.Shutdown(ctx); err != nil {
			app.logger.Error().Err(err).Msg("HTTP server shutdown error")
			app.stopErr = err
		}

		// STEP 2: Hijacked sockets are not tracked by the HTTP server
		for _, conn := range app.registry.DrainAll() {
			conn.CloseGracefully(gws.CloseGoingAway, "server shutting down")
		}
		for _, conn := range app.lobby.DrainAll() {
			conn.CloseGracefully(gws.CloseGoingAway, "server shutting down")
		}

		// STEP 3: Stop background housekeeping
		if err := app.sweeper.Stop(); err != nil && !errors.Is(err, sweeper.ErrNotRunning) {
			app.logger.Error().Err(err).Msg("sweeper shutdown error")
		}

		// STEP 4: Close backends
		app.closeBackends()

		app.logger.Info().Msg("chatrelay shutdown complete")
	})
	return app.stopErr
}

func (app *Application) closeBackends() {
	if app.cache != nil {
		if err := app.cache.Close(); err != nil {
			app.logger.Error().Err(err).Msg("history cache shutdown error")
		}
	}
	if app.store != nil {
		if err := app.store.Close(); err != nil {
			app.logger.Error().Err(err).Msg("database shutdown error")
		}
	}
}

// GetAddr returns the bound address once listening, the configured one before.
func (app *Application) GetAddr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Sessions exposes the lifecycle manager.
func (app *Application) Sessions() *session.Manager {
	return app.sessions
}
