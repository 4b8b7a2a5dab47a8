package main

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"time"

	alignment "github.com/goliatone/go-alignment"
	"github.com/goliatone/go-alignment/core"
	"github.com/goliatone/go-alignment/httpapi"
	"github.com/goliatone/go-alignment/leader"
	"github.com/goliatone/go-alignment/metrics"
	alignmigrations "github.com/goliatone/go-alignment/migrations"
	"github.com/goliatone/go-alignment/providers/meta"
	"github.com/goliatone/go-alignment/providers/shopify"
	sqlstore "github.com/goliatone/go-alignment/store/sql"
	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"
)

const lockKeyPrefix = "alignment:lock:"

type persistenceConfig struct {
	db core.DatabaseConfig
}

func (c persistenceConfig) GetDebug() bool { return c.db.Debug }
func (c persistenceConfig) GetDriver() string { return c.db.Driver }
func (c persistenceConfig) GetServer() string { return c.db.DSN }
func (c persistenceConfig) GetPingTimeout() time.Duration { return c.db.PingTimeout }
func (c persistenceConfig) GetOtelIdentifier() string { return "alignd" }

// app owns every process-level resource one subcommand needs.
type app struct {
	config   core.Config
	sqlDB    *sql.DB
	client   *persistence.Client
	redis    *redis.Client
	registry *prometheus.Registry
	runtime  *alignment.Runtime
	facade   *alignment.Facade
}

func openDatabase(cfg core.DatabaseConfig) (*sql.DB, *persistence.Client, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, nil, fmt.Errorf("database dsn is required")
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	var dialect schema.Dialect
	switch alignmigrations.DialectForDriver(driver) {
	case alignmigrations.DialectSQLite:
		driver = "sqlite3"
		dialect = sqlitedialect.New()
	default:
		driver = "postgres"
		dialect = pgdialect.New()
	}
	cfg.Driver = driver

	sqlDB, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite3" {
		sqlDB.SetMaxOpenConns(1)
	}
	client, err := persistence.New(persistenceConfig{db: cfg}, sqlDB, dialect)
	if err != nil {
		_ = sqlDB.Close()
		return nil, nil, fmt.Errorf("persistence client: %w", err)
	}
	return sqlDB, client, nil
}

func migrate(ctx context.Context, cfg core.DatabaseConfig, client *persistence.Client) error {
	if _, err := alignmigrations.RegisterDialect(ctx, alignmigrations.DialectForDriver(cfg.Driver), func(fsys fs.FS) {
		client.RegisterSQLMigrations(fsys)
	}); err != nil {
		return err
	}
	return client.Migrate(ctx)
}

// connectorsFromEnv enables a connector for every provider whose client id
// is set.
func connectorsFromEnv(lookup lookupFunc) ([]core.Connector, error) {
	get := func(key string) string {
		value, _ := lookup(envPrefix + key)
		return strings.TrimSpace(value)
	}
	packs := alignment.NewConnectorPacks()
	if clientID := get("SHOPIFY_CLIENT_ID"); clientID != "" {
		connector, err := alignment.ShopifyConnector(shopify.Config{
			ClientID:     clientID,
			ClientSecret: get("SHOPIFY_CLIENT_SECRET"),
			ShopDomain:   get("SHOPIFY_SHOP_DOMAIN"),
			APIVersion:   get("SHOPIFY_API_VERSION"),
		})
		if err != nil {
			return nil, err
		}
		if err := packs.Register(alignment.ConnectorPack{Name: shopify.ProviderID, Connectors: []core.Connector{connector}}); err != nil {
			return nil, err
		}
	}
	if clientID := get("META_CLIENT_ID"); clientID != "" {
		connector, err := alignment.MetaConnector(meta.Config{
			ClientID:     clientID,
			ClientSecret: get("META_CLIENT_SECRET"),
		})
		if err != nil {
			return nil, err
		}
		if err := packs.Register(alignment.ConnectorPack{Name: meta.ProviderID, Connectors: []core.Connector{connector}}); err != nil {
			return nil, err
		}
	}
	return packs.Connectors()
}

func newLocker(cfg core.Config, sqlDB *sql.DB, client *redis.Client) (leader.Locker, error) {
	if client != nil {
		return leader.NewRedisLocker(client, lockKeyPrefix, cfg.Lease.Duration)
	}
	if alignmigrations.DialectForDriver(cfg.Database.Driver) == alignmigrations.DialectPostgres {
		return leader.NewPostgresLocker(sqlDB)
	}
	return leader.NewMemoryLocker(), nil
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig(ctx, configPath, envFile)
	if err != nil {
		return nil, err
	}
	sqlDB, client, err := openDatabase(cfg.Database)
	if err != nil {
		return nil, err
	}
	a := &app{config: cfg, sqlDB: sqlDB, client: client, registry: prometheus.NewRegistry()}
	if err := a.build(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) build() error {
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if addr := strings.TrimSpace(a.config.Redis.Addr); addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: a.config.Redis.Password,
			DB:       a.config.Redis.DB,
		})
	}
	locker, err := newLocker(a.config, a.sqlDB, a.redis)
	if err != nil {
		return err
	}
	connectors, err := connectorsFromEnv(os.LookupEnv)
	if err != nil {
		return err
	}
	factory, err := sqlstore.NewRepositoryFactoryFromPersistence(a.client)
	if err != nil {
		return err
	}
	stores, err := alignment.StoresFrom(factory)
	if err != nil {
		return err
	}

	logger := stderrLogger()
	a.runtime, err = alignment.New(a.config, alignment.Dependencies{
		Stores:         stores,
		Connectors:     connectors,
		Logger:         logger,
		LoggerProvider: logger,
		Metrics:        metrics.NewPrometheusRecorder(a.registry),
		Locker:         locker,
	})
	if err != nil {
		return err
	}
	a.facade, err = alignment.NewFacade(a.runtime)
	return err
}

func (a *app) httpServer() (*httpapi.Server, error) {
	opts := []httpapi.Option{
		httpapi.WithMetricsHandler(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})),
		httpapi.WithHealthCheck("database", a.sqlDB.PingContext),
	}
	if a.redis != nil {
		opts = append(opts, httpapi.WithHealthCheck("redis", func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}))
	}
	return a.facade.NewHTTPServer(opts...)
}

// metricsServer serves /metrics for processes that do not run the API.
func (a *app) metricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.client != nil {
		_ = a.client.Close()
	} else if a.sqlDB != nil {
		_ = a.sqlDB.Close()
	}
}
