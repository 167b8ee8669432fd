package propagation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/openfroyo/provisio/pkg/engine"
	"github.com/openfroyo/provisio/pkg/telemetry"
)

// DefaultReattemptSchedule runs a re-attempt pass every minute.
const DefaultReattemptSchedule = "@every 1m"

// DefaultReattemptBatch is the number of due tasks taken per pass.
const DefaultReattemptBatch = 50

// ResourceLookup resolves a resource by key.
type ResourceLookup func(key string) (engine.ExternalResource, bool)

// ReattemptConfig configures a Reattempter.
type ReattemptConfig struct {
	Executor  *Executor
	Queue     engine.TaskQueue
	Resources ResourceLookup

	// Schedule is a cron expression or descriptor such as "@every 30s".
	Schedule string

	// BatchSize bounds the tasks taken per pass.
	BatchSize int

	// Logger defaults to the global logger with component=reattempt.
	Logger *zerolog.Logger

	Metrics *telemetry.Metrics
}

// PassResult summarizes one re-attempt pass.
type PassResult struct {
	Executed  int
	Succeeded int
	Requeued  int
	Dropped   int
}

// Reattempter drains due tasks from the queue and executes them,
// re-queueing failures with the resource's backoff until MaxAttempts.
type Reattempter struct {
	executor  *Executor
	queue     engine.TaskQueue
	resources ResourceLookup
	schedule  string
	batch     int
	logger    zerolog.Logger
	metrics   *telemetry.Metrics

	mu   sync.Mutex
	cron *cron.Cron
	now  func() time.Time
}

// NewReattempter creates a re-attempter.
func NewReattempter(cfg ReattemptConfig) (*Reattempter, error) {
	if cfg.Executor == nil || cfg.Queue == nil || cfg.Resources == nil {
		return nil, engine.NewConfigurationError("reattempter needs an executor, a queue and a resource lookup", nil)
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = DefaultReattemptSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, engine.NewConfigurationError(fmt.Sprintf("invalid re-attempt schedule %q", schedule), err)
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = DefaultReattemptBatch
	}
	logger := telemetry.ComponentLogger("reattempt")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Reattempter{
		executor:  cfg.Executor,
		queue:     cfg.Queue,
		resources: cfg.Resources,
		schedule:  schedule,
		batch:     batch,
		logger:    logger,
		metrics:   cfg.Metrics,
		now:       time.Now,
	}, nil
}

// RunOnce executes every task due now, up to the batch size.
func (r *Reattempter) RunOnce(ctx context.Context) (PassResult, error) {
	var result PassResult

	due, err := r.queue.Due(ctx, r.now(), r.batch)
	if err != nil {
		return result, fmt.Errorf("failed to read due tasks: %w", err)
	}

	for _, q := range due {
		if ctx.Err() != nil {
			// Put back what this pass will not reach.
			if err := r.queue.Enqueue(context.WithoutCancel(ctx), q.Task, q.Attempts, q.NotBefore); err != nil {
				r.logger.Error().Err(err).Str("task_id", q.Task.ID()).Msg("Failed to re-queue task")
			}
			continue
		}
		r.runTask(ctx, q, &result)
	}

	if depth, err := r.queue.Len(ctx); err == nil {
		r.metrics.SetQueueDepth(depth)
	}
	if len(due) > 0 {
		r.logger.Info().
			Int("executed", result.Executed).
			Int("succeeded", result.Succeeded).
			Int("requeued", result.Requeued).
			Int("dropped", result.Dropped).
			Msg("Re-attempt pass completed")
	}
	return result, nil
}

func (r *Reattempter) runTask(ctx context.Context, q engine.QueuedTask, result *PassResult) {
	logger := r.logger.With().Str("task_id", q.Task.ID()).Str("resource", q.Task.Resource()).Logger()

	resource, ok := r.resources(q.Task.Resource())
	if !ok {
		logger.Warn().Msg("Resource no longer exists, dropping task")
		result.Dropped++
		return
	}

	attempt := q.Attempts + 1
	status := r.executor.ExecuteAttempt(ctx, q.Task, resource, attempt)
	result.Executed++

	if status.Status != engine.ExecStatusFailure {
		if status.Status.IsSuccessful() {
			result.Succeeded++
		}
		return
	}

	policy := withRetryDefaults(resource.Retry)
	if attempt >= policy.MaxAttempts {
		logger.Warn().Int("attempts", attempt).Str("reason", status.FailureReason).
			Msg("Task exhausted its attempts, dropping")
		result.Dropped++
		return
	}

	delay := Backoff(policy, attempt)
	if err := r.queue.Enqueue(ctx, q.Task, attempt, r.now().Add(delay)); err != nil {
		logger.Error().Err(err).Msg("Failed to re-queue task")
		result.Dropped++
		return
	}
	logger.Debug().Int("attempt", attempt).Dur("delay", delay).Msg("Task re-queued")
	result.Requeued++
}

// Start runs RunOnce on the schedule until ctx is done or Stop is called.
// Passes never overlap.
func (r *Reattempter) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return fmt.Errorf("reattempter already started")
	}

	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))
	if _, err := c.AddFunc(r.schedule, func() {
		if _, err := r.RunOnce(ctx); err != nil {
			r.logger.Error().Err(err).Msg("Re-attempt pass failed")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule re-attempts: %w", err)
	}
	c.Start()
	r.cron = c

	go func() {
		<-ctx.Done()
		r.Stop()
	}()
	r.logger.Info().Str("schedule", r.schedule).Msg("Reattempter started")
	return nil
}

// Stop stops the schedule and waits for a running pass to finish.
func (r *Reattempter) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}
