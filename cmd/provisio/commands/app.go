package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/provisio/pkg/config"
	"github.com/openfroyo/provisio/pkg/connectors"
	"github.com/openfroyo/provisio/pkg/connectors/dbtable"
	"github.com/openfroyo/provisio/pkg/connectors/flatfile"
	"github.com/openfroyo/provisio/pkg/connectors/memory"
	"github.com/openfroyo/provisio/pkg/connectors/wasm"
	"github.com/openfroyo/provisio/pkg/engine"
	"github.com/openfroyo/provisio/pkg/policy"
	"github.com/openfroyo/provisio/pkg/pool"
	"github.com/openfroyo/provisio/pkg/propagation"
	"github.com/openfroyo/provisio/pkg/queue/redisqueue"
	"github.com/openfroyo/provisio/pkg/reconcile"
	"github.com/openfroyo/provisio/pkg/stores"
	"github.com/openfroyo/provisio/pkg/telemetry"
	"github.com/rs/zerolog"
)

// buildVersion is reported to the tracer.
var buildVersion = "dev"

// app is the engine assembled from a workspace.
type app struct {
	ws       *config.Workspace
	settings config.Settings
	tel      *telemetry.Telemetry
	logger   zerolog.Logger

	store *stores.SQLiteStore
	queue engine.TaskQueue
	redis *redisqueue.Queue

	registry *connectors.Registry
	bundles  []*wasm.Factory
	pools    *pool.Manager
	policies *policy.Engine

	resources []engine.ExternalResource
	byKey     map[string]engine.ExternalResource

	executor   *propagation.Executor
	reconciler *reconcile.Engine
}

// openApp loads the workspace and wires the engine. The caller must Close
// the returned app.
func openApp(ctx context.Context) (_ *app, err error) {
	ws, err := config.Load(ctx, workspacePath)
	if err != nil {
		return nil, err
	}
	a := &app{ws: ws, settings: ws.Settings()}
	if storePath != "" {
		a.settings.StorePath = storePath
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := a.openTelemetry(); err != nil {
		return nil, err
	}
	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	if err := a.openRegistry(ctx); err != nil {
		return nil, err
	}
	if err := a.openPolicies(ctx); err != nil {
		return nil, err
	}
	if err := a.openEngine(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) openTelemetry() error {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = buildVersion
	cfg.Logging.Level = logLevel
	cfg.Logging.Format = logFormat
	cfg.Metrics.ListenAddress = a.settings.MetricsAddr

	tr := a.settings.Tracing
	if tr.Exporter != "" && tr.Exporter != "none" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = tr.Exporter
		cfg.Tracing.Endpoint = tr.Endpoint
	}
	if tr.SampleRate > 0 {
		cfg.Tracing.SamplingRate = tr.SampleRate
	}
	if tr.Environment != "" {
		cfg.Environment = tr.Environment
	}

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.tel = tel
	a.logger = tel.Logger.Zerolog()

	events := tel.Logger.NewComponentLogger("events").Zerolog()
	tel.Events.Subscribe(func(e telemetry.Event) {
		ev := events.Debug()
		if e.Level != telemetry.EventLevelInfo {
			ev = events.Warn()
		}
		ev.Str("type", e.Type).
			Str("resource", e.Resource).
			Str("run_id", e.RunID).
			Str("task_id", e.TaskID).
			Msg(e.Message)
	}, nil)
	return nil
}

func (a *app) openStore(ctx context.Context) error {
	store, err := stores.NewSQLiteStore(stores.Config{Path: a.settings.StorePath})
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return err
	}
	a.store = store
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	a.queue = store
	if a.settings.QueueBackend == "redis" {
		qlog := a.component("queue")
		q, err := redisqueue.New(ctx, redisqueue.Config{
			URL:    a.settings.RedisURL,
			Key:    a.settings.QueueKey,
			Logger: &qlog,
		})
		if err != nil {
			return engine.NewConnectorUnavailableError("failed to open redis queue", err)
		}
		a.redis = q
		a.queue = q
	}
	return nil
}

// registerBuiltins registers the bundles compiled into the binary.
func registerBuiltins(reg *connectors.Registry) error {
	builtins := []connectors.Bundle{
		{Name: memory.BundleName, Version: memory.BundleVersion, Description: "in-process object store", Factory: memory.NewFactory()},
		{Name: flatfile.BundleName, Version: flatfile.BundleVersion, Description: "CSV file, local or over SFTP", Factory: flatfile.NewFactory()},
		{Name: dbtable.BundleName, Version: dbtable.BundleVersion, Description: "PostgreSQL table", Factory: dbtable.NewFactory()},
	}
	for _, b := range builtins {
		if err := reg.Register(b); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) openRegistry(ctx context.Context) error {
	a.registry = connectors.NewRegistry()
	if err := registerBuiltins(a.registry); err != nil {
		return err
	}
	if a.settings.BundlesDir != "" {
		factories, err := wasm.RegisterDir(ctx, a.registry, a.settings.BundlesDir, wasm.DefaultConfig())
		if err != nil {
			return err
		}
		a.bundles = factories
	}

	plog := a.component("pool")
	a.pools = pool.NewManager(pool.Config{
		Factory:       a.registry,
		Defaults:      a.settings.PoolDefaults,
		EvictInterval: a.settings.EvictInterval,
		Logger:        &plog,
		Metrics:       a.tel.Metrics,
		Events:        a.tel.Events,
	})

	instances, err := a.ws.Instances()
	if err != nil {
		return err
	}
	for _, inst := range instances {
		if _, err := a.registry.Resolve(inst.Bundle, inst.Version); err != nil {
			return engine.NewConfigurationError(fmt.Sprintf("connector %s", inst.Key), err)
		}
		if err := a.pools.Register(inst); err != nil {
			return err
		}
		a.tel.Logger.WithConnector(inst.Key, inst.BundleRef()).Debug("Connector registered")
	}
	return nil
}

func (a *app) openPolicies(ctx context.Context) error {
	plog := a.component("policy")
	pe, err := policy.NewEngine(&plog)
	if err != nil {
		return err
	}
	if len(a.settings.PolicyPaths) > 0 {
		if err := pe.LoadPaths(ctx, a.settings.PolicyPaths); err != nil {
			return engine.NewConfigurationError("failed to load correlation rules", err)
		}
	}
	a.policies = pe
	return nil
}

func (a *app) openEngine() error {
	resources, err := a.ws.Resources()
	if err != nil {
		return err
	}
	a.resources = resources
	a.byKey = make(map[string]engine.ExternalResource, len(resources))
	for _, r := range resources {
		if _, ok := a.pools.Instance(r.ConnectorKey); !ok {
			return engine.NewConfigurationError(fmt.Sprintf("resource %s uses unknown connector %s", r.Key, r.ConnectorKey), nil)
		}
		a.byKey[r.Key] = r
	}

	elog := a.component("propagation")
	a.executor, err = propagation.NewExecutor(propagation.Config{
		Pool:           a.pools,
		Queue:          a.queue,
		Recorder:       a.store,
		FanOut:         a.settings.FanOut,
		AcquireTimeout: a.settings.AcquireTimeout,
		RequestTimeout: a.settings.RequestTimeout,
		HookTimeout:    a.settings.HookTimeout,
		Logger:         &elog,
		Metrics:        a.tel.Metrics,
		Tracer:         a.tel.Tracer,
		Events:         a.tel.Events,
	})
	if err != nil {
		return err
	}

	rlog := a.component("reconcile")
	a.reconciler, err = reconcile.New(reconcile.Config{
		Pool:           a.pools,
		Identities:     a.store,
		Propagator:     a.executor,
		Resources:      a.resource,
		Reports:        a.store,
		Tokens:         a.store,
		AcquireTimeout: a.settings.AcquireTimeout,
		RequestTimeout: a.settings.RequestTimeout,
		HookTimeout:    a.settings.HookTimeout,
		Logger:         &rlog,
		Metrics:        a.tel.Metrics,
		Tracer:         a.tel.Tracer,
		Events:         a.tel.Events,
	})
	return err
}

func (a *app) component(name string) zerolog.Logger {
	return a.tel.Logger.NewComponentLogger(name).Zerolog()
}

func (a *app) resource(key string) (engine.ExternalResource, bool) {
	r, ok := a.byKey[key]
	return r, ok
}

// rule resolves correlation rules known to the policy engine.
func (a *app) rule(name string) (reconcile.CorrelationRule, bool) {
	if _, ok := a.policies.Policy(name); !ok {
		return nil, false
	}
	return a.policies.Rule(name), true
}

// selectResources returns the named resources, or all of them.
func (a *app) selectResources(keys []string) ([]engine.ExternalResource, error) {
	if len(keys) == 0 {
		return a.resources, nil
	}
	out := make([]engine.ExternalResource, 0, len(keys))
	for _, k := range keys {
		r, ok := a.byKey[k]
		if !ok {
			return nil, engine.NewConfigurationError(fmt.Sprintf("unknown resource %s", k), nil)
		}
		out = append(out, r)
	}
	return out, nil
}

// reattempter builds a re-attempter over the configured queue.
func (a *app) reattempter() (*propagation.Reattempter, error) {
	rlog := a.component("reattempt")
	return propagation.NewReattempter(propagation.ReattemptConfig{
		Executor:  a.executor,
		Queue:     a.queue,
		Resources: a.resource,
		Schedule:  a.settings.ReattemptSchedule,
		BatchSize: a.settings.ReattemptBatch,
		Logger:    &rlog,
		Metrics:   a.tel.Metrics,
	})
}

// Close releases everything openApp acquired.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.pools != nil {
		if err := a.pools.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close connector pools")
		}
	}
	for _, f := range a.bundles {
		if err := f.Close(ctx); err != nil {
			a.logger.Warn().Err(err).Str("bundle", f.Manifest().Name).Msg("Failed to close bundle")
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close store")
		}
	}
	if a.tel != nil {
		if err := a.tel.Shutdown(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to shut down telemetry")
		}
	}
}
