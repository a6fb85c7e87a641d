package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"conduit/internal/broker"
	"conduit/internal/eventsink"
	"conduit/internal/logging"
	"conduit/internal/migration"
	"conduit/internal/model"
	"conduit/internal/observability"
	"conduit/internal/server"
	"conduit/internal/store"
	"conduit/internal/store/filestore"
	"conduit/internal/store/memory"
	"conduit/internal/store/postgres"
)

const shutdownGrace = 15 * time.Second

// Container holds the assembled daemon.
type Container struct {
	cfg    *Config
	logger logging.Logger

	metrics *observability.Metrics
	tracing *observability.Tracing
	pool    *pgxpool.Pool

	gateway    store.Gateway
	hub        *eventsink.Hub
	dispatcher *broker.Dispatcher
	lifecycle  *broker.LifecycleManager
	registry   *broker.SessionRegistry
	server     *server.Server

	// MigrationReport is set when a legacy store was drained during Build.
	MigrationReport *migration.Report
}

// Build wires every component. Legacy data is migrated here, before the
// HTTP listener exists, so no request ever observes a half-migrated store.
func Build(ctx context.Context, cfg *Config) (*Container, error) {
	logging.Setup(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	logger := logging.NewComponentLogger("Bootstrap")

	metrics, err := observability.SetupMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}
	tracing, err := observability.SetupTracing(ctx, cfg.Tracing)
	if err != nil {
		return nil, err
	}

	c := &Container{cfg: cfg, logger: logger, metrics: metrics, tracing: tracing}

	if err := c.buildGateway(ctx); err != nil {
		return nil, err
	}
	if err := c.migrateLegacy(ctx); err != nil {
		return nil, err
	}

	agentCfg, err := c.resolveAgentConfig(ctx)
	if err != nil {
		return nil, err
	}

	c.hub = eventsink.NewHub(logging.NewComponentLogger("EventSink"))
	c.dispatcher = broker.NewDispatcher(c.hub, logging.NewComponentLogger("EventDispatcher"))
	c.lifecycle = broker.NewLifecycleManager(agentCfg, broker.NewAgentDialer(), c.gateway,
		logging.NewComponentLogger("ClientLifecycle"))
	c.registry = broker.NewSessionRegistry(c.lifecycle, c.gateway, c.dispatcher,
		logging.NewComponentLogger("SessionRegistry"))

	var metricsHandler = metrics.Handler()
	if !cfg.Metrics.Enabled {
		metricsHandler = nil
	}
	c.server = server.New(cfg.Server, c.lifecycle, c.registry, c.hub, metricsHandler,
		logging.NewComponentLogger("HTTPServer"))
	return c, nil
}

func (c *Container) buildGateway(ctx context.Context) error {
	switch c.cfg.Storage.Backend {
	case BackendPostgres:
		pool, err := pgxpool.New(ctx, c.cfg.Storage.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		pg := postgres.New(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			pool.Close()
			return fmt.Errorf("ensure schema: %w", err)
		}
		c.pool = pool
		c.gateway = pg
	case BackendFile:
		c.gateway = filestore.New(c.cfg.Storage.FileDir)
	case BackendMemory:
		c.gateway = memory.New()
	default:
		return fmt.Errorf("unknown storage backend %q", c.cfg.Storage.Backend)
	}
	c.logger.Info("using %s storage backend", c.cfg.Storage.Backend)
	return nil
}

func (c *Container) migrateLegacy(ctx context.Context) error {
	legacy := c.cfg.Storage.LegacyDir
	if legacy == "" {
		return nil
	}
	if c.cfg.Storage.Backend == BackendFile && legacy == c.cfg.Storage.FileDir {
		return nil
	}

	engine := migration.NewEngine(filestore.New(legacy), c.gateway, logging.NewComponentLogger("Migration"))
	report, err := engine.Run(ctx)
	c.MigrationReport = report
	if err != nil {
		return fmt.Errorf("migrate legacy store %s: %w", legacy, err)
	}
	return nil
}

// resolveAgentConfig prefers the durably stored connection config and seeds
// the store from the static configuration on first run.
func (c *Container) resolveAgentConfig(ctx context.Context) (*model.ClientConfig, error) {
	stored, err := c.gateway.LoadConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load client config: %w", err)
	}
	if stored != nil {
		return stored, nil
	}
	seed := c.cfg.Agent.Clone()
	if err := c.gateway.SaveConfig(ctx, seed); err != nil {
		c.logger.Warn("failed to seed client config: %v", err)
	}
	return seed, nil
}

// MigrateOnly runs the legacy migration against the configured backend
// without assembling the rest of the daemon.
func MigrateOnly(ctx context.Context, cfg *Config) (*migration.Report, error) {
	logging.Setup(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	c := &Container{cfg: cfg, logger: logging.NewComponentLogger("Bootstrap")}
	if err := c.buildGateway(ctx); err != nil {
		return nil, err
	}
	defer func() {
		if c.pool != nil {
			c.pool.Close()
		}
	}()
	err := c.migrateLegacy(ctx)
	return c.MigrationReport, err
}

// Run starts the daemon and blocks until ctx is cancelled or the HTTP
// listener fails.
func (c *Container) Run(ctx context.Context) error {
	if c.lifecycle.Config().AutoStart {
		if err := c.lifecycle.Start(ctx); err != nil {
			c.logger.Warn("auto-start failed, client remains disconnected: %v", err)
		} else {
			c.syncRemoteSessions(ctx)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(c.server.Run)
	g.Go(func() error {
		<-ctx.Done()
		c.shutdown()
		return nil
	})
	return g.Wait()
}

// syncRemoteSessions records agent-side sessions that have no durable
// record. Advisory only.
func (c *Container) syncRemoteSessions(ctx context.Context) {
	client, err := c.lifecycle.Client()
	if err != nil {
		return
	}
	remote, err := client.ListSessions(ctx)
	if err != nil {
		c.logger.Warn("failed to list agent sessions: %v", err)
		return
	}
	if _, err := c.registry.SyncFromExternalList(ctx, remote); err != nil {
		c.logger.Warn("failed to sync agent sessions: %v", err)
	}
}

func (c *Container) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := c.server.Shutdown(ctx); err != nil {
		c.logger.Warn("http shutdown: %v", err)
	}
	c.registry.DropRuntimeState()
	if err := c.lifecycle.Stop(ctx); err != nil {
		c.logger.Warn("client stop: %v", err)
	}
	c.hub.Shutdown()
	if err := c.tracing.Shutdown(ctx); err != nil {
		c.logger.Warn("tracing shutdown: %v", err)
	}
	if err := c.metrics.Shutdown(ctx); err != nil {
		c.logger.Warn("metrics shutdown: %v", err)
	}
	if c.pool != nil {
		c.pool.Close()
	}
	c.logger.Info("shutdown complete")
}
