package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"parley/cmd/internal/chat"
	"parley/cmd/internal/session"
)

// App owns the wired components and the HTTP server lifecycle.
type App struct {
	cfg Config
	log Logger

	pool     *pgxpool.Pool
	store    chat.Store
	sessions session.Store

	hub     *chat.Hub
	svc     *chat.Service
	gateway *chat.WSGateway

	metricsRegistry *prometheus.Registry
}

// NewApp wires stores, hub, service, session resolution and the gateway.
func NewApp(ctx context.Context, log Logger, cfg Config) (*App, error) {
	a := &App{cfg: cfg, log: log}

	if err := a.initStores(ctx); err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metricsRegistry = reg

	metrics := chat.NewMetrics(reg)

	registry := chat.NewRegistry()
	a.hub = chat.NewHub(log, registry)

	a.svc = chat.NewService(log, a.store, registry, a.hub, a.hub, metrics, chat.ServiceConfig{
		StoreTimeout:  cfg.StoreTimeout,
		HistoryWindow: cfg.HistoryWindow,
		S3Bucket:      cfg.S3Bucket,
		S3Region:      cfg.S3Region,
	})

	resolver := session.NewService(log, a.sessions, session.LoadConfigFromEnv())
	a.gateway = chat.NewWSGateway(log, a.hub, a.svc, resolver, metrics)

	return a, nil
}

// initStores selects Postgres-backed persistence when a database URL is
// configured, otherwise in-memory stores for dev and tests.
func (a *App) initStores(ctx context.Context) error {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("app.store", "backend", "memory")
		a.store = chat.NewInMemoryStore()

		mem := session.NewInMemoryStore()
		if a.cfg.DevSessionToken != "" {
			mem.Put(a.cfg.DevSessionToken, session.Profile{
				ID:          "dev",
				Email:       a.cfg.DevSessionEmail,
				DisplayName: a.cfg.DevSessionName,
				Joined:      time.Now().UTC(),
			}, 24*time.Hour)
			a.log.Info("app.session.dev_seed", "email", a.cfg.DevSessionEmail)
		}
		a.sessions = mem
		return nil
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return err
	}
	if err := PingDB(ctx, pool); err != nil {
		pool.Close()
		return fmt.Errorf("db ping: %w", err)
	}
	a.pool = pool

	store, err := chat.NewPostgresStore(pool, chat.WithSchema(a.cfg.DBSchema))
	if err != nil {
		pool.Close()
		return err
	}
	a.store = store

	sessions, err := session.NewPostgresStore(pool, session.WithSchema(a.cfg.DBSchema))
	if err != nil {
		pool.Close()
		return err
	}
	a.sessions = sessions

	a.log.Info("app.store", "backend", "postgres", "schema", a.cfg.DBSchema)
	return nil
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	a.registerHTTP(mux, a.metricsRegistry)

	srv := a.newHTTPServer(ctx, WithRequestLogging(a.log, mux))

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("app.listen", "addr", a.cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.close()
			return err
		}
	case <-ctx.Done():
		a.log.Info("app.shutdown.begin")
	}

	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		a.log.Warn("app.shutdown.http", "err", err)
	}

	a.close()
	a.log.Info("app.shutdown.done")
	return nil
}

func (a *App) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("app.close.store", "err", err)
		}
	}
	if a.sessions != nil {
		if err := a.sessions.Close(); err != nil {
			a.log.Warn("app.close.sessions", "err", err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
