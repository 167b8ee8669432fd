// Package reconcile runs pull and push reconciliation between external
// resources and the identity store.
//
// A run pages through its source (remote objects for a pull, stored
// identities for a push), matches every item to its counterpart and applies
// the profile's matching or unmatching rule through a per-direction dispatch
// table. Every item ends in exactly one engine.ProvisioningReport.
//
// Pages are read one after another, passing the connector cookie forward.
// The items of one page are processed by up to Profile.Concurrency workers
// and their reports keep page order. Cancellation is honoured between pages:
// the current page finishes and no further page starts.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/provisio/pkg/actions"
	"github.com/openfroyo/provisio/pkg/engine"
	"github.com/openfroyo/provisio/pkg/mapping"
	"github.com/openfroyo/provisio/pkg/pool"
	"github.com/openfroyo/provisio/pkg/telemetry"
)

// Propagator pushes an identity change to resources.
// *propagation.Executor implements it.
type Propagator interface {
	Propagate(ctx context.Context, change engine.IdentityChange, resources []engine.ExternalResource) ([]engine.PropagationStatus, error)
}

// ResourceLookup resolves a resource by key.
type ResourceLookup func(key string) (engine.ExternalResource, bool)

// Config configures an Engine.
type Config struct {
	// Pool hands out connector handles. Required.
	Pool *pool.Manager

	// Identities is the identity store. Required.
	Identities engine.IdentityStore

	// Propagator carries DELETE, UPDATE and CREATE decisions to resources. Required.
	Propagator Propagator

	// Resources resolves profile resources. Required.
	Resources ResourceLookup

	// Reports receives every page of reports. Optional.
	Reports engine.ReportRecorder

	// Tokens persists incremental sync tokens. Required for INCREMENTAL pulls.
	Tokens engine.SyncTokenStore

	// AcquireTimeout bounds pool acquires. Zero means the instance's MaxWait.
	AcquireTimeout time.Duration

	// RequestTimeout bounds connector calls of instances that set none.
	RequestTimeout time.Duration

	// HookTimeout bounds one actions hook call.
	HookTimeout time.Duration

	// Logger defaults to the global logger with component=reconcile.
	Logger *zerolog.Logger

	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
	Events  *telemetry.EventPublisher
}

// Engine runs pull and push profiles.
type Engine struct {
	pool           *pool.Manager
	identities     engine.IdentityStore
	propagator     Propagator
	resources      ResourceLookup
	reports        engine.ReportRecorder
	tokens         engine.SyncTokenStore
	acquireTimeout time.Duration
	requestTimeout time.Duration
	hookTimeout    time.Duration
	logger         zerolog.Logger
	metrics        *telemetry.Metrics
	tracer         *telemetry.Tracer
	events         *telemetry.EventPublisher
}

// New creates a reconciliation engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Pool == nil || cfg.Identities == nil || cfg.Propagator == nil || cfg.Resources == nil {
		return nil, engine.NewConfigurationError(
			"reconciliation engine needs a pool, an identity store, a propagator and a resource lookup", nil)
	}
	logger := telemetry.ComponentLogger("reconcile")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Engine{
		pool:           cfg.Pool,
		identities:     cfg.Identities,
		propagator:     cfg.Propagator,
		resources:      cfg.Resources,
		reports:        cfg.Reports,
		tokens:         cfg.Tokens,
		acquireTimeout: cfg.AcquireTimeout,
		requestTimeout: cfg.RequestTimeout,
		hookTimeout:    cfg.HookTimeout,
		logger:         logger,
		metrics:        cfg.Metrics,
		tracer:         cfg.Tracer,
		events:         cfg.Events,
	}, nil
}

// RunResult is the outcome of one pull or push run.
type RunResult struct {
	RunID     string
	Profile   string
	Direction Direction
	Resource  string
	DryRun    bool

	// Reports holds one report per processed item, in page order.
	Reports []engine.ProvisioningReport

	// Pages is the number of pages processed.
	Pages int

	// Cancelled is true when the run stopped between pages.
	Cancelled bool

	// SyncToken is the token stored after an incremental pull.
	SyncToken string

	Start time.Time
	End   time.Time
}

// Count returns the number of reports with the given status.
func (r *RunResult) Count(status engine.ReportStatus) int {
	n := 0
	for _, rep := range r.Reports {
		if rep.Status == status {
			n++
		}
	}
	return n
}

// Failures returns the FAILURE reports.
func (r *RunResult) Failures() []engine.ProvisioningReport {
	var out []engine.ProvisioningReport
	for _, rep := range r.Reports {
		if rep.Status == engine.ReportStatusFailure {
			out = append(out, rep)
		}
	}
	return out
}

// run is the state shared by the items of one run.
type run struct {
	eng       *Engine
	id        string
	direction Direction
	profile   Profile
	resource  engine.ExternalResource
	compiled  *mapping.Compiled
	script    *actions.Script
	logger    zerolog.Logger
}

// prepare validates the profile and compiles everything a run needs, so that
// configuration problems surface before any item is processed.
func (e *Engine) prepare(profile Profile, direction Direction) (*run, error) {
	if err := profile.Validate(direction); err != nil {
		return nil, err
	}
	res, ok := e.resources(profile.Resource)
	if !ok {
		return nil, engine.NewConfigurationError(
			fmt.Sprintf("profile %s references unknown resource %s", profile.Name, profile.Resource), nil)
	}
	if _, ok := e.pool.Instance(res.ConnectorKey); !ok {
		return nil, engine.NewConfigurationError(
			fmt.Sprintf("connector instance %s is not registered", res.ConnectorKey), nil).WithResource(res.Key)
	}
	prov, ok := res.Provision(profile.AnyType)
	if !ok {
		return nil, engine.NewConfigurationError(
			fmt.Sprintf("resource %s has no provision for %s", res.Key, profile.AnyType), nil).WithResource(res.Key)
	}
	compiled, err := mapping.Compile(prov, nil)
	if err != nil {
		return nil, err
	}
	var script *actions.Script
	if profile.ActionsScript != "" {
		script, err = actions.Compile(profile.Name, profile.ActionsScript, e.hookTimeout)
		if err != nil {
			return nil, err
		}
	}

	id := uuid.New().String()
	return &run{
		eng:       e,
		id:        id,
		direction: direction,
		profile:   profile,
		resource:  res,
		compiled:  compiled,
		script:    script,
		logger: e.logger.With().
			Str("run_id", id).
			Str("profile", profile.Name).
			Str("direction", string(direction)).
			Str("resource", res.Key).
			Logger(),
	}, nil
}

func (r *run) newResult() *RunResult {
	return &RunResult{
		RunID:     r.id,
		Profile:   r.profile.Name,
		Direction: r.direction,
		Resource:  r.resource.Key,
		DryRun:    r.profile.DryRun,
		Reports:   []engine.ProvisioningReport{},
		Start:     time.Now(),
	}
}

// processPage runs fn over n items on up to the profile's concurrency
// workers. Reports come back in item order.
func (r *run) processPage(ctx context.Context, page int, n int, fn func(ctx context.Context, i int) engine.ProvisioningReport) []engine.ProvisioningReport {
	start := time.Now()
	ctx, span := r.eng.tracer.StartPageSpan(ctx, r.id, page)
	defer span.End()

	reports := make([]engine.ProvisioningReport, n)
	workers := r.profile.concurrency()
	if n < workers {
		workers = n
	}

	work := make(chan int, n)
	for i := 0; i < n; i++ {
		work <- i
	}
	close(work)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range work {
				rep := fn(ctx, i)
				r.finish(ctx, &rep)
				reports[i] = rep
			}
		}()
	}
	wg.Wait()

	r.eng.metrics.RecordPage(r.resource.Key, string(r.direction), time.Since(start))
	if r.eng.reports != nil && len(reports) > 0 {
		if err := r.eng.reports.RecordReports(ctx, r.id, reports); err != nil {
			r.logger.Error().Err(err).Int("page", page).Msg("Failed to record reports")
		}
	}
	return reports
}

// finish runs the report hooks and records metrics for a terminal report.
func (r *run) finish(ctx context.Context, rep *engine.ProvisioningReport) {
	if rep.Status == engine.ReportStatusFailure {
		if err := r.script.OnError(ctx, *rep, errors.New(rep.Message)); err != nil {
			r.logger.Warn().Err(err).Msg("on_error hook failed")
		}
		_ = r.eng.events.PublishReportFailed(r.id, rep.Resource, rep.UidValue, rep.Message)
		r.logger.Warn().Str("uid", rep.UidValue).Str("key", rep.Key).Str("state", string(rep.State)).
			Str("message", rep.Message).Msg("Item failed")
	}
	if err := r.script.AfterReport(ctx, *rep); err != nil {
		r.logger.Warn().Err(err).Msg("after_report hook failed")
	}
	r.eng.metrics.RecordReport(rep.Resource, rep.Rule, string(rep.Status))
}

func (r *run) begin(ctx context.Context) (context.Context, func(*RunResult)) {
	ctx, span := r.eng.tracer.StartReconcileSpan(ctx, r.id, string(r.direction), r.resource.Key)
	_ = r.eng.events.PublishReconcileStarted(r.id, string(r.direction), r.resource.Key, r.profile.DryRun)
	r.logger.Info().Bool("dry_run", r.profile.DryRun).Msg("Reconciliation started")

	return ctx, func(result *RunResult) {
		result.End = time.Now()
		if result.Cancelled {
			_ = r.eng.events.PublishReconcileCancelled(r.id, string(r.direction), r.resource.Key, result.Pages)
			r.logger.Warn().Int("pages", result.Pages).Msg("Reconciliation cancelled between pages")
		}
		_ = r.eng.events.PublishReconcileCompleted(r.id, string(r.direction), r.resource.Key,
			len(result.Reports), result.End.Sub(result.Start))
		r.logger.Info().
			Int("reports", len(result.Reports)).
			Int("success", result.Count(engine.ReportStatusSuccess)).
			Int("ignore", result.Count(engine.ReportStatusIgnore)).
			Int("failure", result.Count(engine.ReportStatusFailure)).
			Dur("duration", result.End.Sub(result.Start)).
			Msg("Reconciliation completed")
		span.End()
	}
}

// baseReport starts the report of one item.
func (r *run) baseReport() engine.ProvisioningReport {
	return engine.ProvisioningReport{
		Resource:  r.resource.Key,
		AnyType:   r.profile.AnyType,
		Operation: engine.OperationNone,
		State:     engine.StateFetched,
	}
}

func failReport(rep engine.ProvisioningReport, err error) engine.ProvisioningReport {
	rep.Status = engine.ReportStatusFailure
	rep.State = engine.StateError
	rep.Message = err.Error()
	return rep
}

func ignoreReport(rep engine.ProvisioningReport, state engine.ReconcileState, message string) engine.ProvisioningReport {
	rep.Status = engine.ReportStatusIgnore
	rep.State = state
	rep.Message = message
	return rep
}

func notConfigured(op string) string {
	return "not configured for " + op
}
