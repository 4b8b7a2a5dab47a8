// Package alignment wires the ingestion pipeline, the DLQ retrier, the
// scheduler and the job workers into one Runtime.
package alignment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goliatone/go-alignment/adapters/gologger"
	"github.com/goliatone/go-alignment/alerts"
	"github.com/goliatone/go-alignment/analysis"
	"github.com/goliatone/go-alignment/core"
	"github.com/goliatone/go-alignment/dlq"
	"github.com/goliatone/go-alignment/inbound"
	"github.com/goliatone/go-alignment/leader"
	"github.com/goliatone/go-alignment/lease"
	"github.com/goliatone/go-alignment/pagefetch"
	"github.com/goliatone/go-alignment/ratelimit"
	"github.com/goliatone/go-alignment/resultcache"
	"github.com/goliatone/go-alignment/schedule"
	"github.com/goliatone/go-alignment/security"
	sqlstore "github.com/goliatone/go-alignment/store/sql"
	"github.com/goliatone/go-alignment/transport"
	"github.com/goliatone/go-alignment/worker"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

const (
	notifierRatePerSecond = 5
	notifierBurst         = 10
)

// ErrWorkerNotConfigured is returned by worker entry points when the runtime
// was built without a page fetcher or render service.
var ErrWorkerNotConfigured = errors.New("alignment: worker is not configured")

// Stores groups every persistence contract the runtime reads or writes.
type Stores struct {
	Connections core.ConnectionStore
	Events      core.EventStore
	DLQ         core.DLQStore
	Jobs        core.JobStore
	Reports     core.ReportStore
	Alerts      core.AlertStore
	Settings    core.SettingsStore
	Ads         core.MonitoredAdStore
	Targets     core.NotificationTargetStore
	Ledger      core.DispatchLedger
}

// StoresFrom exposes the bun repositories of factory as Stores.
func StoresFrom(factory *sqlstore.RepositoryFactory) (Stores, error) {
	if factory == nil || factory.DB() == nil {
		return Stores{}, fmt.Errorf("alignment: repository factory is not initialized")
	}
	return Stores{
		Connections: factory.ConnectionStore(),
		Events:      factory.EventStore(),
		DLQ:         factory.DLQStore(),
		Jobs:        factory.JobStore(),
		Reports:     factory.ReportStore(),
		Alerts:      factory.AlertStore(),
		Settings:    factory.SettingsStore(),
		Ads:         factory.MonitoredAdStore(),
		Targets:     factory.NotificationTargetStore(),
		Ledger:      factory.DispatchLedger(),
	}, nil
}

// Dependencies are the collaborators New cannot derive from config. Only
// Stores is required; everything else has a default.
type Dependencies struct {
	Stores     Stores
	Connectors []core.Connector

	Logger         core.Logger
	LoggerProvider core.LoggerProvider
	Metrics        core.MetricsRecorder

	// Locker defaults to an in-process lock, which only elects a leader
	// among schedulers sharing the process.
	Locker leader.Locker
	// Enqueuer and Dequeuer default to the job table poller.
	Enqueuer   core.JobEnqueuer
	Dequeuer   core.JobDequeuer
	WorkerHook core.JobWorkerHook
	WorkerID   string

	Analyzer  core.Analyzer
	Fetcher   core.PageFetcher
	Notifier  core.Notifier
	Transport core.TransportAdapter

	Secrets core.SecretProvider
	Hasher  inbound.ActorHasher
	// Cache memoizes schedule settings and cache hits. When nil one is
	// built from Cache.MemoTTL.
	Cache repositorycache.CacheService

	Clock func() time.Time
}

// Runtime holds one instance of every component, built from a single
// Config.
type Runtime struct {
	config  core.Config
	stores  Stores
	loggers gologger.Loggers
	metrics core.MetricsRecorder

	pipeline  *inbound.Pipeline
	retrier   *dlq.Scheduler
	scheduler *schedule.Scheduler
	leases    *lease.Manager
	cache     *resultcache.Cache
	scorer    *analysis.Scorer
	alerts    *alerts.Dispatcher
	runner    *worker.Runner
	consumer  *worker.Consumer
	poller    *worker.StorePoller
}

func New(cfg core.Config, deps Dependencies) (*Runtime, error) {
	if err := requireStores(deps.Stores); err != nil {
		return nil, err
	}
	now := deps.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	rt := &Runtime{
		config:  cfg,
		stores:  deps.Stores,
		loggers: gologger.New(deps.LoggerProvider, deps.Logger),
		metrics: deps.Metrics,
	}
	if serviceName := strings.TrimSpace(cfg.ServiceName); serviceName != "" && rt.metrics != nil {
		rt.metrics = core.WithConstantTags(rt.metrics, map[string]string{"service": serviceName})
	}

	adapter := deps.Transport
	if adapter == nil {
		adapter = transport.NewRESTAdapter(&http.Client{})
	}

	memo := deps.Cache
	if memo == nil && cfg.Cache.MemoTTL > 0 {
		memoConfig := repositorycache.DefaultConfig()
		memoConfig.TTL = cfg.Cache.MemoTTL
		service, err := repositorycache.NewCacheService(memoConfig)
		if err != nil {
			return nil, fmt.Errorf("alignment: memo cache: %w", err)
		}
		memo = service
	}
	if memo != nil {
		settings, err := sqlstore.NewCachedSettingsStore(rt.stores.Settings, memo)
		if err != nil {
			return nil, err
		}
		rt.stores.Settings = settings
	}

	if err := rt.buildIngestion(cfg, deps, now); err != nil {
		return nil, err
	}

	poller, err := worker.NewStorePoller(rt.stores.Jobs, worker.WithPollerClock(now))
	if err != nil {
		return nil, err
	}
	rt.poller = poller
	enqueuer := deps.Enqueuer
	if enqueuer == nil {
		enqueuer = poller
	}
	dequeuer := deps.Dequeuer
	if dequeuer == nil {
		dequeuer = poller
	}

	locker := deps.Locker
	if locker == nil {
		locker = leader.NewMemoryLocker()
	}
	rt.scheduler, err = schedule.NewScheduler(schedule.Dependencies{
		Locker:   locker,
		Settings: rt.stores.Settings,
		Ads:      rt.stores.Ads,
		Jobs:     rt.stores.Jobs,
		Enqueuer: enqueuer,
	}, schedule.ConfigFrom(cfg.Scheduler), schedule.WithObserver(rt.Observer("schedule")), schedule.WithClock(now))
	if err != nil {
		return nil, err
	}

	if err := rt.buildExecution(cfg, deps, adapter, memo, now); err != nil {
		return nil, err
	}
	if rt.runner != nil {
		rt.consumer, err = worker.NewConsumer(dequeuer, rt.runner, worker.ConsumerConfigFrom(cfg.Scheduler),
			worker.WithConsumerObserver(rt.Observer("consumer")),
			worker.WithHook(deps.WorkerHook),
		)
		if err != nil {
			return nil, err
		}
	}
	return rt, nil
}

func requireStores(stores Stores) error {
	switch {
	case stores.Connections == nil:
		return fmt.Errorf("alignment: connection store is required")
	case stores.Events == nil:
		return fmt.Errorf("alignment: event store is required")
	case stores.DLQ == nil:
		return fmt.Errorf("alignment: dlq store is required")
	case stores.Jobs == nil:
		return fmt.Errorf("alignment: job store is required")
	case stores.Reports == nil:
		return fmt.Errorf("alignment: report store is required")
	case stores.Alerts == nil:
		return fmt.Errorf("alignment: alert store is required")
	case stores.Settings == nil:
		return fmt.Errorf("alignment: settings store is required")
	case stores.Ads == nil:
		return fmt.Errorf("alignment: monitored ad store is required")
	case stores.Targets == nil:
		return fmt.Errorf("alignment: notification target store is required")
	}
	return nil
}

func (rt *Runtime) buildIngestion(cfg core.Config, deps Dependencies, now func() time.Time) error {
	registry, err := core.NewConnectorRegistry(deps.Connectors...)
	if err != nil {
		return err
	}
	secrets := deps.Secrets
	if secrets == nil {
		provider, err := security.NewAppKeySecretProviderFromString(cfg.Ingest.AppKey)
		if err != nil {
			return fmt.Errorf("alignment: ingest app key: %w", err)
		}
		secrets = provider
	}
	hasher := deps.Hasher
	if hasher == nil {
		piiHasher, err := security.NewPIIHasher([]byte(cfg.Ingest.PIIKey))
		if err != nil {
			return fmt.Errorf("alignment: ingest pii key: %w", err)
		}
		hasher = piiHasher
	}

	backoff := dlq.NewBackoff(cfg.DLQ.BaseInterval, cfg.DLQ.Jitter)
	rt.pipeline, err = inbound.NewPipeline(inbound.Dependencies{
		Connections: rt.stores.Connections,
		Connectors:  registry,
		Secrets:     inbound.NewEnvelopeSecretResolver(secrets),
		Hasher:      hasher,
		Events:      rt.stores.Events,
		DLQ:         rt.stores.DLQ,
	},
		inbound.WithObserver(rt.Observer("inbound")),
		inbound.WithClock(now),
		inbound.WithRetryDelay(backoff.FirstRetry),
		inbound.WithDeadAfter(cfg.DLQ.DeadAfter),
	)
	if err != nil {
		return err
	}
	rt.retrier, err = dlq.NewScheduler(rt.stores.DLQ, rt.pipeline, backoff, dlq.ConfigFrom(cfg.DLQ),
		dlq.WithObserver(rt.Observer("dlq")),
		dlq.WithClock(now),
	)
	return err
}

func (rt *Runtime) buildExecution(
	cfg core.Config,
	deps Dependencies,
	adapter core.TransportAdapter,
	memo repositorycache.CacheService,
	now func() time.Time,
) error {
	var err error
	rt.leases, err = lease.NewManager(rt.stores.Jobs, lease.ConfigFrom(cfg.Lease), now)
	if err != nil {
		return err
	}

	cacheOpts := []resultcache.Option{
		resultcache.WithTTL(cfg.Cache.TTL),
		resultcache.WithClock(now),
		resultcache.WithObserver(rt.Observer("cache")),
	}
	if memo != nil {
		cacheOpts = append(cacheOpts, resultcache.WithMemo(memo))
	}
	rt.cache, err = resultcache.New(rt.stores.Reports, cacheOpts...)
	if err != nil {
		return err
	}

	analyzer := deps.Analyzer
	if analyzer == nil && strings.TrimSpace(cfg.Analysis.BaseURL) != "" {
		httpConfig := analysis.HTTPConfig{
			BaseURL:   cfg.Analysis.BaseURL,
			APIKey:    cfg.Analysis.APIKey,
			Transport: adapter,
		}
		if cfg.Analysis.RatePerSecond > 0 {
			httpConfig.Limiter = ratelimit.NewKeyedLimiter(cfg.Analysis.RatePerSecond, cfg.Analysis.RateBurst)
		}
		httpAnalyzer, err := analysis.NewHTTPAnalyzer(httpConfig)
		if err != nil {
			return err
		}
		analyzer = httpAnalyzer
	}
	rt.scorer = analysis.NewScorer(analyzer,
		analysis.WithTimeout(cfg.Analysis.Timeout),
		analysis.WithObserver(rt.Observer("analysis")),
	)

	notifier := deps.Notifier
	if notifier == nil {
		notifier = alerts.NewWebhookNotifier(adapter,
			alerts.WithHostLimiter(ratelimit.NewKeyedLimiter(notifierRatePerSecond, notifierBurst)),
		)
	}
	rt.alerts, err = alerts.NewDispatcher(alerts.Dependencies{
		Alerts:   rt.stores.Alerts,
		Targets:  rt.stores.Targets,
		Ledger:   rt.stores.Ledger,
		Notifier: notifier,
	}, alerts.ConfigFrom(cfg.Alerts), alerts.WithObserver(rt.Observer("alerts")), alerts.WithClock(now))
	if err != nil {
		return err
	}

	fetcher := deps.Fetcher
	if fetcher == nil {
		if strings.TrimSpace(cfg.PageFetch.RenderURL) == "" {
			rt.Observer("worker").Warn(context.Background(), "no render service configured; job execution disabled", nil)
			return nil
		}
		fetchConfig := pagefetch.ConfigFrom(cfg.PageFetch)
		fetchConfig.Transport = adapter
		httpFetcher, err := pagefetch.NewHTTPFetcher(fetchConfig)
		if err != nil {
			return err
		}
		fetcher = httpFetcher
	}

	runnerOpts := []worker.Option{worker.WithObserver(rt.Observer("worker"))}
	if id := strings.TrimSpace(deps.WorkerID); id != "" {
		runnerOpts = append(runnerOpts, worker.WithWorkerID(id))
	}
	rt.runner, err = worker.NewRunner(worker.Dependencies{
		Jobs:     rt.stores.Jobs,
		Settings: rt.stores.Settings,
		Leases:   rt.leases,
		Fetcher:  fetcher,
		Cache:    rt.cache,
		Scorer:   rt.scorer,
		Alerts:   rt.alerts,
	}, runnerOpts...)
	return err
}

// Observer returns the named component's observer over the runtime metrics.
func (rt *Runtime) Observer(component string) *core.Observer {
	return rt.loggers.Observer(component, rt.metrics)
}

func (rt *Runtime) Config() core.Config {
	return rt.config
}

func (rt *Runtime) Stores() Stores {
	return rt.stores
}

func (rt *Runtime) Loggers() gologger.Loggers {
	return rt.loggers
}

func (rt *Runtime) Pipeline() *inbound.Pipeline {
	return rt.pipeline
}

func (rt *Runtime) DLQ() *dlq.Scheduler {
	return rt.retrier
}

func (rt *Runtime) Scheduler() *schedule.Scheduler {
	return rt.scheduler
}

func (rt *Runtime) Alerts() *alerts.Dispatcher {
	return rt.alerts
}

func (rt *Runtime) Cache() *resultcache.Cache {
	return rt.cache
}

// Runner is nil when no page fetcher is configured.
func (rt *Runtime) Runner() *worker.Runner {
	return rt.runner
}

// Execute runs one job on this process.
func (rt *Runtime) Execute(ctx context.Context, jobID string) (worker.Outcome, error) {
	if rt.runner == nil {
		return worker.Outcome{JobID: jobID}, ErrWorkerNotConfigured
	}
	return rt.runner.Execute(ctx, jobID)
}

// RunWorkers blocks running the dequeue loops until ctx is done.
func (rt *Runtime) RunWorkers(ctx context.Context) error {
	if rt.consumer == nil {
		return ErrWorkerNotConfigured
	}
	return rt.consumer.Run(ctx)
}

// RunScheduler ticks on the configured interval until ctx is done. Only the
// lock holder does work on a given tick.
func (rt *Runtime) RunScheduler(ctx context.Context) error {
	return rt.scheduler.Run(ctx)
}

// RunDLQ replays due rows until ctx is done.
func (rt *Runtime) RunDLQ(ctx context.Context) error {
	return rt.retrier.Run(ctx)
}
