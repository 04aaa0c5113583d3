package runtime

import (
	"fmt"

	"github.com/devmesh/actioncore/pkg/action"
	"github.com/devmesh/actioncore/pkg/keyspace"
	"github.com/devmesh/actioncore/pkg/observability"
	"github.com/devmesh/actioncore/pkg/redisx"
	"github.com/devmesh/actioncore/pkg/state"
	"github.com/devmesh/actioncore/pkg/streamworker"
	"github.com/devmesh/actioncore/pkg/tier"
)

// Runtime is the set of shared, already-constructed dependencies a service
// embedding the messaging substrate needs: one Redis connection pool, one
// Keyspace, one Logger and MetricsClient, built once from Config. Nothing
// here is a package-level global; a service constructs exactly one Runtime
// and threads it through its own handler wiring.
type Runtime struct {
	Config  *Config
	Redis   *redisx.StreamsClient
	Keys    *keyspace.Keyspace
	Logger  observability.Logger
	Metrics observability.MetricsClient

	Actions *action.Client
	State   *state.Manager
}

// New builds a Runtime from cfg. logger and metrics may be nil, in which
// case no-op implementations are used.
func New(cfg *Config, logger observability.Logger, metrics observability.MetricsClient) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("runtime: config is required")
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoOpMetricsClient()
	}

	redisClient, err := redisx.NewStreamsClient(&redisx.StreamsConfig{
		Addresses:  []string{cfg.RedisURL},
		Password:   cfg.RedisPassword,
		TLSEnabled: cfg.RedisTLS,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("runtime: connect to redis: %w", err)
	}

	keys, err := keyspace.New(cfg.RootPrefix, cfg.Environment)
	if err != nil {
		return nil, fmt.Errorf("runtime: build keyspace: %w", err)
	}

	return &Runtime{
		Config:  cfg,
		Redis:   redisClient,
		Keys:    keys,
		Logger:  logger,
		Metrics: metrics,
		Actions: action.New(cfg.ServiceName, redisClient, keys, logger),
		State:   state.New(redisClient, keys, logger),
	}, nil
}

// NewTierEngine builds a Tier Policy Engine sharing this Runtime's Redis
// connection and Keyspace. Table and tenantTier are supplied by the
// service: the runtime has no opinion on tier names or tenant assignment.
func (r *Runtime) NewTierEngine(table tier.Table, tenantTier tier.TenantTierFunc) *tier.Engine {
	return tier.New(r.Config.ServiceName, r.Redis, r.Keys, table, tenantTier, r.Logger)
}

// NewWorker builds a Stream Worker reading this service's own action
// stream, wired to this Runtime's Redis connection, Keyspace, Logger, and
// MetricsClient. workerCfg.Service is forced to the Runtime's own service
// name: a Runtime's worker only ever serves its own actions stream.
func (r *Runtime) NewWorker(workerCfg streamworker.Config, handler streamworker.Handler) (*streamworker.Worker, error) {
	workerCfg.Service = r.Config.ServiceName
	if workerCfg.BatchSize == 0 {
		workerCfg.BatchSize = r.Config.BatchSize
	}
	if workerCfg.BlockMs == 0 {
		workerCfg.BlockMs = r.Config.BlockMs
	}
	if workerCfg.VisibilityTimeout == 0 {
		workerCfg.VisibilityTimeout = r.Config.VisibilityTimeoutMs
	}
	if workerCfg.MaxDeliveries == 0 {
		workerCfg.MaxDeliveries = r.Config.MaxDeliveries
	}
	if workerCfg.RetryBackoff == 0 {
		workerCfg.RetryBackoff = r.Config.RetryBackoffMs
	}
	if workerCfg.MaxConcurrentHandlers == 0 {
		workerCfg.MaxConcurrentHandlers = r.Config.MaxConcurrentHandlers
	}
	return streamworker.New(workerCfg, r.Redis, r.Keys, handler, r.Logger, r.Metrics)
}

// Close releases the Runtime's Redis connection.
func (r *Runtime) Close() error {
	return r.Redis.Close()
}
