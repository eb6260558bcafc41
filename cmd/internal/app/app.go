// Package app wires the chatline server runtime: config, logging, storage, HTTP routes
// and the realtime gateway.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"chatline/cmd/identity"
	"chatline/cmd/internal/media"
	"chatline/cmd/internal/realtime"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow DB-backed resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used for in-memory store mode.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

// App is the chatline server runtime: it owns HTTP server wiring and the realtime core.
type App struct {
	cfg Config
	log Logger

	store Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	users   identity.Directory
	core    *realtime.Core
	ws      *realtime.WSGateway
	metrics *prometheus.Registry
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	backends, err := newBackends(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	uploads, err := media.NewDiskStore(cfg.UploadsDir)
	if err != nil {
		_ = backends.closer.Close(context.Background())
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	verifier := realtime.NewTokenVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	if verifier == nil {
		log.Warn("security.identify.unverified", "hint", "set CHATLINE_JWT_SECRET to verify identify tokens")
	}

	users := identity.NewCachedDirectory(backends.users)
	core, err := realtime.NewCore(realtime.CoreDeps{
		Log:        log,
		Store:      backends.messages,
		Directory:  users,
		Media:      uploads,
		Verifier:   verifier,
		Registerer: reg,
	})
	if err != nil {
		_ = backends.closer.Close(context.Background())
		return nil, err
	}

	return &App{
		cfg:       cfg,
		log:       log,
		store:     backends.closer,
		dbPool:    backends.pool,
		dbEnabled: backends.pool != nil,
		users:     users,
		core:      core,
		ws:        realtime.NewWSGateway(log, core, cfg.GatewayConfig()),
		metrics:   reg,
	}, nil
}

// Handler returns the full HTTP surface, request logging included.
func (a *App) Handler() http.Handler {
	rt := routes{
		log:       a.log,
		cfg:       a.cfg,
		dbEnabled: a.dbEnabled,
		users:     a.users,
		core:      a.core,
		ws:        a.ws,
		gatherer:  a.metrics,
	}
	if a.dbPool != nil {
		rt.pinger = func(r *http.Request) error { return PingDB(r.Context(), a.dbPool, 2*time.Second) }
	}
	return newRouter(rt)
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	// Hijacked WebSocket connections outlive srv.Shutdown; canceling their
	// base context ends every read loop.
	connCtx, cancelConns := context.WithCancel(context.Background())
	defer cancelConns()

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		BaseContext:       func(net.Listener) context.Context { return connCtx },
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
	defer cancel()

	cancelConns()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	// Close store resources (pool etc).
	if err := a.store.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type backends struct {
	closer   Store
	pool     *pgxpool.Pool
	messages realtime.MessageStore
	users    identity.Directory
}

// newBackends decides between Postgres-backed persistence and in-memory dev stores.
func newBackends(ctx context.Context, cfg Config, log Logger) (backends, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return backends{
			closer:   nopStore{},
			messages: realtime.NewInMemoryStore(),
			users:    identity.NewMemoryDirectory(),
		}, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return backends{}, err
	}
	if err := MigrateDB(ctx, pool, cfg, log); err != nil {
		pool.Close()
		return backends{}, err
	}

	// Ownership model:
	// - app owns pool lifecycle
	// - PostgresStore.Close() is a no-op
	msgStore, err := realtime.NewPostgresStore(pool, realtime.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return backends{}, err
	}
	users, err := identity.NewPostgresDirectory(pool, identity.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return backends{}, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	return backends{
		closer:   dbStore{pool: pool, msgStore: msgStore},
		pool:     pool,
		messages: msgStore,
		users:    users,
	}, nil
}

type dbStore struct {
	pool     *pgxpool.Pool
	msgStore realtime.MessageStore
}

func (s dbStore) Close(_ context.Context) error {
	if s.msgStore != nil {
		_ = s.msgStore.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
