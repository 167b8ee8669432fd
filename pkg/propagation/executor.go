package propagation

import (
	"context"
	"errors"
	"fmt"
	"sort"
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

// DefaultFanOut is the worker count when Config sets none.
const DefaultFanOut = 10

// ReasonCancelled is the failure reason of tasks skipped after cancellation.
const ReasonCancelled = "propagation cancelled"

// Config configures an Executor.
type Config struct {
	// Pool hands out connector handles. Required.
	Pool *pool.Manager

	// Queue receives tasks of asynchronous resources.
	Queue engine.TaskQueue

	// Recorder receives tasks and executions. Optional.
	Recorder engine.TaskRecorder

	// FanOut bounds concurrent tasks per change. Zero means DefaultFanOut.
	FanOut int

	// AcquireTimeout bounds pool acquires. Zero means the instance's MaxWait.
	AcquireTimeout time.Duration

	// RequestTimeout bounds connector calls of instances that set none.
	RequestTimeout time.Duration

	// HookTimeout bounds one actions hook call.
	HookTimeout time.Duration

	// Logger defaults to the global logger with component=propagation.
	Logger *zerolog.Logger

	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
	Events  *telemetry.EventPublisher
}

// Executor turns identity changes into tasks and runs them against resources.
type Executor struct {
	pool           *pool.Manager
	queue          engine.TaskQueue
	recorder       engine.TaskRecorder
	fanOut         int
	acquireTimeout time.Duration
	requestTimeout time.Duration
	hookTimeout    time.Duration
	logger         zerolog.Logger
	metrics        *telemetry.Metrics
	tracer         *telemetry.Tracer
	events         *telemetry.EventPublisher

	mu      sync.Mutex
	scripts map[string]cachedScript
}

type cachedScript struct {
	src    string
	script *actions.Script
}

// NewExecutor creates an executor.
func NewExecutor(cfg Config) (*Executor, error) {
	if cfg.Pool == nil {
		return nil, engine.NewConfigurationError("propagation executor needs a connector pool", nil)
	}
	fanOut := cfg.FanOut
	if fanOut <= 0 {
		fanOut = DefaultFanOut
	}
	logger := telemetry.ComponentLogger("propagation")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Executor{
		pool:           cfg.Pool,
		queue:          cfg.Queue,
		recorder:       cfg.Recorder,
		fanOut:         fanOut,
		acquireTimeout: cfg.AcquireTimeout,
		requestTimeout: cfg.RequestTimeout,
		hookTimeout:    cfg.HookTimeout,
		logger:         logger,
		metrics:        cfg.Metrics,
		tracer:         cfg.Tracer,
		events:         cfg.Events,
		scripts:        make(map[string]cachedScript),
	}, nil
}

// entry is one resource of a change, validated and ranked.
type entry struct {
	resource engine.ExternalResource
	compiled *mapping.Compiled
	script   *actions.Script
	priority int
	ranked   bool

	// blockers are blocking entries of strictly higher priority.
	blockers []*entry
	done     chan struct{}
	status   engine.PropagationStatus
}

// Propagate runs one identity change against its resources and returns one
// status per resource that provisions the change's any-type, in execution
// order. The error is non-nil only for configuration problems found before
// any task runs.
func (e *Executor) Propagate(ctx context.Context, change engine.IdentityChange, resources []engine.ExternalResource) ([]engine.PropagationStatus, error) {
	if err := change.Validate(); err != nil {
		return nil, engine.NewConfigurationError("invalid identity change", err)
	}

	plan, err := e.plan(change, resources)
	if err != nil {
		return nil, err
	}
	if len(plan) == 0 {
		return []engine.PropagationStatus{}, nil
	}

	ctx, span := e.tracer.StartPropagationSpan(ctx, change.AnyType, change.Key, string(change.Operation))
	defer span.End()

	logger := e.logger.With().
		Str("any_type", change.AnyType).
		Str("key", change.Key).
		Str("operation", string(change.Operation)).
		Logger()
	logger.Debug().Int("resources", len(plan)).Msg("Propagating identity change")
	_ = e.events.PublishPropagationStarted(change.AnyType, change.Key, string(change.Operation), len(plan))

	e.run(ctx, change, plan)

	statuses := make([]engine.PropagationStatus, len(plan))
	counts := make(map[string]int)
	for i, en := range plan {
		statuses[i] = en.status
		counts[string(en.status.Status)]++
	}
	_ = e.events.PublishPropagationCompleted(change.AnyType, change.Key, counts)
	logger.Info().Interface("statuses", counts).Msg("Propagation completed")
	return statuses, nil
}

// plan validates every resource up front and ranks them by descending
// priority. Resources without a priority go last, keeping input order.
func (e *Executor) plan(change engine.IdentityChange, resources []engine.ExternalResource) ([]*entry, error) {
	plan := make([]*entry, 0, len(resources))
	for _, r := range resources {
		prov, ok := r.Provision(change.AnyType)
		if !ok {
			e.logger.Debug().Str("resource", r.Key).Str("any_type", change.AnyType).
				Msg("Resource has no provision for any-type, skipping")
			continue
		}
		en, err := e.prepare(r, prov)
		if err != nil {
			return nil, err
		}
		if r.Async && e.queue == nil {
			return nil, engine.NewConfigurationError("resource is asynchronous but no task queue is configured", nil).
				WithResource(r.Key)
		}
		plan = append(plan, en)
	}

	sort.SliceStable(plan, func(i, j int) bool {
		a, b := plan[i], plan[j]
		if a.ranked != b.ranked {
			return a.ranked
		}
		return a.priority > b.priority
	})

	for i, en := range plan {
		for _, prev := range plan[:i] {
			if prev.resource.BlockingPriority && outranks(prev, en) {
				en.blockers = append(en.blockers, prev)
			}
		}
	}
	return plan, nil
}

func (e *Executor) prepare(r engine.ExternalResource, prov engine.Provision) (*entry, error) {
	if _, ok := e.pool.Instance(r.ConnectorKey); !ok {
		return nil, engine.NewConfigurationError(
			fmt.Sprintf("connector instance %s is not registered", r.ConnectorKey), nil).WithResource(r.Key)
	}
	compiled, err := mapping.Compile(prov, nil)
	if err != nil {
		return nil, withResource(err, r.Key)
	}
	script, err := e.scriptFor(r)
	if err != nil {
		return nil, withResource(err, r.Key)
	}

	en := &entry{
		resource: r,
		compiled: compiled,
		script:   script,
		done:     make(chan struct{}),
	}
	en.priority, en.ranked = r.PriorityValue()
	return en, nil
}

func outranks(a, b *entry) bool {
	if !a.ranked {
		return false
	}
	return !b.ranked || a.priority > b.priority
}

func withResource(err error, resource string) error {
	var ee *engine.EngineError
	if errors.As(err, &ee) && ee.Resource == "" {
		ee.Resource = resource
	}
	return err
}

// scriptFor returns the compiled actions script of a resource, compiling it
// when the source changed since the last call.
func (e *Executor) scriptFor(r engine.ExternalResource) (*actions.Script, error) {
	if r.ActionsScript == "" {
		return nil, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if cached, ok := e.scripts[r.Key]; ok && cached.src == r.ActionsScript {
		return cached.script, nil
	}
	script, err := actions.Compile(r.Key, r.ActionsScript, e.hookTimeout)
	if err != nil {
		return nil, err
	}
	e.scripts[r.Key] = cachedScript{src: r.ActionsScript, script: script}
	return script, nil
}

// run executes the plan on a bounded worker pool. Entries are queued in rank
// order, so every blocker has been picked up before the entries it blocks.
func (e *Executor) run(ctx context.Context, change engine.IdentityChange, plan []*entry) {
	workerCount := e.fanOut
	if len(plan) < workerCount {
		workerCount = len(plan)
	}

	workQueue := make(chan *entry, len(plan))
	for _, en := range plan {
		workQueue <- en
	}
	close(workQueue)

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for en := range workQueue {
				e.runEntry(ctx, change, en)
			}
		}()
	}
	wg.Wait()
}

func (e *Executor) runEntry(ctx context.Context, change engine.IdentityChange, en *entry) {
	defer close(en.done)

	for _, b := range en.blockers {
		select {
		case <-b.done:
		case <-ctx.Done():
		}
	}

	if ctx.Err() != nil {
		en.status = engine.PropagationStatus{
			Resource:      en.resource.Key,
			Operation:     change.Operation,
			Status:        engine.ExecStatusNotAttempted,
			FailureReason: ReasonCancelled,
		}
		e.metrics.RecordPropagation(en.resource.Key, string(change.Operation), string(en.status.Status), 0)
		return
	}

	// A started task runs to completion.
	en.status = e.propagateOne(context.WithoutCancel(ctx), change, en)
}

// propagateOne translates the change for one resource, then queues or executes it.
func (e *Executor) propagateOne(ctx context.Context, change engine.IdentityChange, en *entry) engine.PropagationStatus {
	status := engine.PropagationStatus{
		Resource:  en.resource.Key,
		Operation: change.Operation,
	}

	task, err := e.buildTask(ctx, change, en)
	if err != nil {
		e.logger.Warn().Err(err).Str("resource", en.resource.Key).Msg("Could not build propagation task")
		_ = en.script.OnError(ctx, task, err)
		return failed(status, err)
	}
	status.TaskID = task.ID()
	e.recordTask(ctx, task)

	if en.resource.Async {
		return e.enqueue(ctx, task, status)
	}
	return e.execute(ctx, task, en.resource, en.script, 1)
}

// buildTask translates the change and runs the before hook. On failure it
// may still return the task built so far, for the on_error hook.
func (e *Executor) buildTask(ctx context.Context, change engine.IdentityChange, en *entry) (*engine.PropagationTask, error) {
	identity := engine.Identity{Key: change.Key, AnyType: change.AnyType, Attributes: change.Attributes}

	var (
		key   string
		attrs engine.Attributes
	)
	if change.Operation == engine.OperationDelete {
		k, err := mapping.ConnObjectKeyValue(en.compiled, identity)
		if err != nil {
			return nil, err
		}
		key = k
	} else {
		obj, err := mapping.ToNative(en.compiled, identity)
		if err != nil {
			return nil, err
		}
		key, attrs = obj.UID, obj.Attributes
	}

	var oldKey string
	if change.Before != nil {
		before := engine.Identity{Key: change.Key, AnyType: change.AnyType, Attributes: change.Before}
		if k, err := mapping.ConnObjectKeyValue(en.compiled, before); err == nil {
			oldKey = k
		}
	}

	id := uuid.New().String()
	build := func(attrs engine.Attributes) (*engine.PropagationTask, error) {
		return engine.NewPropagationTaskBuilder(en.resource.Key, change.Operation).
			ID(id).
			Connector(en.resource.ConnectorKey).
			Entity(change.AnyType, change.Key).
			ObjectClass(en.compiled.ObjectClass()).
			ConnObjectKey(en.compiled.KeyItem().ExtAttrName, key).
			OldConnObjectKey(oldKey).
			Attributes(attrs).
			Build()
	}

	task, err := build(attrs)
	if err != nil {
		return nil, err
	}
	if !en.script.Has(actions.HookBefore) || change.Operation == engine.OperationDelete {
		return task, nil
	}

	rewritten, err := en.script.Before(ctx, task, task.Attributes())
	if err != nil {
		return task, err
	}
	return build(rewritten)
}

func (e *Executor) enqueue(ctx context.Context, task *engine.PropagationTask, status engine.PropagationStatus) engine.PropagationStatus {
	now := time.Now()
	if err := e.queue.Enqueue(ctx, task, 0, now); err != nil {
		e.logger.Error().Err(err).Str("task_id", task.ID()).Msg("Failed to queue task")
		status = failed(status, fmt.Errorf("failed to queue task: %w", err))
	} else {
		status.Status = engine.ExecStatusNotAttempted
		status.FailureReason = "queued for asynchronous execution"
	}

	e.recordExecution(ctx, engine.TaskExecution{
		ID:      uuid.New().String(),
		TaskID:  task.ID(),
		Attempt: 0,
		Status:  status.Status,
		Message: status.FailureReason,
		Start:   now,
		End:     time.Now(),
	}, status)
	e.metrics.RecordPropagation(task.Resource(), string(task.Operation()), string(status.Status), 0)
	if depth, err := e.queue.Len(ctx); err == nil {
		e.metrics.SetQueueDepth(depth)
	}
	return status
}

// Execute runs an already built task against its resource synchronously,
// regardless of whether the resource is asynchronous.
func (e *Executor) Execute(ctx context.Context, task *engine.PropagationTask, resource engine.ExternalResource) engine.PropagationStatus {
	return e.ExecuteAttempt(ctx, task, resource, 1)
}

// ExecuteAttempt is Execute with an explicit attempt number for the
// execution record.
func (e *Executor) ExecuteAttempt(ctx context.Context, task *engine.PropagationTask, resource engine.ExternalResource, attempt int) engine.PropagationStatus {
	script, err := e.scriptFor(resource)
	if err != nil {
		return failed(engine.PropagationStatus{
			TaskID:    task.ID(),
			Resource:  task.Resource(),
			Operation: task.Operation(),
		}, err)
	}
	return e.execute(ctx, task, resource, script, attempt)
}

func (e *Executor) execute(ctx context.Context, task *engine.PropagationTask, resource engine.ExternalResource, script *actions.Script, attempt int) engine.PropagationStatus {
	start := time.Now()
	ctx, span := e.tracer.StartTaskSpan(ctx, task.ID(), task.Resource(), string(task.Operation()))
	defer span.End()

	logger := e.logger.With().
		Str("task_id", task.ID()).
		Str("resource", task.Resource()).
		Str("operation", string(task.Operation())).
		Int("attempt", attempt).
		Logger()

	status := e.apply(ctx, task, resource, logger)

	switch status.Status {
	case engine.ExecStatusFailure:
		telemetry.RecordError(span, errors.New(status.FailureReason))
		if err := script.OnError(ctx, task, errors.New(status.FailureReason)); err != nil {
			logger.Warn().Err(err).Msg("on_error hook failed")
		}
	default:
		telemetry.RecordSuccess(span)
		if err := script.After(ctx, task, status); err != nil {
			logger.Warn().Err(err).Msg("after hook failed")
		}
	}

	end := time.Now()
	e.recordExecution(ctx, engine.TaskExecution{
		ID:      uuid.New().String(),
		TaskID:  task.ID(),
		Attempt: attempt,
		Status:  status.Status,
		Message: status.FailureReason,
		Start:   start,
		End:     end,
	}, status)
	e.metrics.RecordPropagation(task.Resource(), string(status.Operation), string(status.Status), end.Sub(start))
	_ = e.events.PublishTaskExecuted(task.ID(), task.Resource(), string(status.Operation), string(status.Status), status.FailureReason)

	ev := logger.Info()
	if status.Status == engine.ExecStatusFailure {
		ev = logger.Warn().Str("error_kind", string(status.FailureKind))
	}
	ev.Str("status", string(status.Status)).Str("reason", status.FailureReason).
		Dur("duration", end.Sub(start)).Msg("Task executed")
	return status
}

// apply acquires a handle, decides the native operation and performs it.
func (e *Executor) apply(ctx context.Context, task *engine.PropagationTask, resource engine.ExternalResource, logger zerolog.Logger) engine.PropagationStatus {
	status := engine.PropagationStatus{
		TaskID:    task.ID(),
		Resource:  task.Resource(),
		Operation: task.Operation(),
	}

	connectorKey := task.ConnectorKey()
	if connectorKey == "" {
		connectorKey = resource.ConnectorKey
	}
	h, err := e.pool.Acquire(ctx, connectorKey, e.acquireTimeout)
	if err != nil {
		return failed(status, withResource(err, task.Resource()))
	}

	invalidate := false
	defer func() {
		if invalidate {
			e.pool.Invalidate(h)
		} else {
			e.pool.Release(h)
		}
	}()

	c := newCall(ctx, h, e)
	caps := h.Instance().Capabilities
	if caps.IsEmpty() {
		caps = h.Connector().Capabilities()
	}
	oc := task.ObjectClass()
	fail := func(err error) engine.PropagationStatus {
		if brokenHandle(err) {
			invalidate = true
		}
		return failed(status, withResource(err, task.Resource()))
	}

	// Existence check.
	var before *engine.ConnectorObject
	checked := false
	if !caps.Has(engine.CapabilityIdempotentCreate) || resource.FetchAroundProvisioning {
		if caps.Has(engine.CapabilitySearch) {
			before, err = c.fetch(oc, task.LookupKey())
			if err != nil {
				return fail(err)
			}
			checked = true
		} else {
			logger.Debug().Msg("Connector cannot search, skipping existence check")
		}
	}
	status.BeforeObject = before

	op := task.Operation()
	switch {
	case op == engine.OperationDelete && checked && before == nil:
		status.Status = engine.ExecStatusNotAttempted
		status.FailureReason = "object not found on resource"
		return status
	case op != engine.OperationDelete && checked:
		if before != nil {
			op = engine.OperationUpdate
		} else {
			op = engine.OperationCreate
		}
	}
	status.Operation = op

	if required := capabilityFor(op); !caps.Has(required) {
		logger.Info().Str("capability", string(required)).Msg("Connector does not advertise capability, skipping")
		status.Status = engine.ExecStatusNotAttempted
		status.FailureReason = fmt.Sprintf("connector does not support %s", required)
		return status
	}

	uid := task.LookupKey()
	if before != nil && before.UID != "" {
		uid = before.UID
	}

	switch op {
	case engine.OperationCreate:
		newUID, err := c.create(oc, task.Attributes())
		if errors.Is(err, engine.ErrAlreadyExists) && caps.Has(engine.CapabilityUpdate) {
			logger.Debug().Msg("Object already exists, updating instead")
			status.Operation = engine.OperationUpdate
			newUID, err = c.update(oc, uid, task.Attributes())
			if err != nil {
				return fail(err)
			}
			status.Status = engine.ExecStatusSuccess
			uid = newUID
			break
		}
		if err != nil {
			return fail(err)
		}
		status.Status = engine.ExecStatusCreated
		uid = newUID

	case engine.OperationUpdate:
		newUID, err := c.update(oc, uid, task.Attributes())
		if err != nil {
			return fail(err)
		}
		status.Status = engine.ExecStatusSuccess
		uid = newUID

	case engine.OperationDelete:
		err := c.delete(oc, uid)
		if errors.Is(err, engine.ErrObjectNotFound) {
			status.Status = engine.ExecStatusNotAttempted
			status.FailureReason = "object not found on resource"
			return status
		}
		if err != nil {
			return fail(err)
		}
		status.Status = engine.ExecStatusSuccess
		return status
	}

	if resource.FetchAroundProvisioning && caps.Has(engine.CapabilitySearch) {
		if uid == "" {
			uid = task.ConnObjectKey()
		}
		after, err := c.fetch(oc, uid)
		if err != nil {
			logger.Warn().Err(err).Msg("Could not read object after provisioning")
			if brokenHandle(err) {
				invalidate = true
			}
		}
		status.AfterObject = after
	}
	return status
}

func capabilityFor(op engine.ResourceOperation) engine.Capability {
	switch op {
	case engine.OperationCreate:
		return engine.CapabilityCreate
	case engine.OperationDelete:
		return engine.CapabilityDelete
	default:
		return engine.CapabilityUpdate
	}
}

func brokenHandle(err error) bool {
	return engine.IsTimeout(err) || errors.Is(err, engine.ErrConnectionBroken)
}

// failed turns an error into a FAILURE status.
func failed(status engine.PropagationStatus, err error) engine.PropagationStatus {
	status.Status = engine.ExecStatusFailure
	status.FailureReason = err.Error()
	status.FailureKind = engine.KindOf(err)
	return status
}

func (e *Executor) recordTask(ctx context.Context, task *engine.PropagationTask) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.RecordTask(ctx, task); err != nil {
		e.logger.Error().Err(err).Str("task_id", task.ID()).Msg("Failed to record task")
	}
}

func (e *Executor) recordExecution(ctx context.Context, exec engine.TaskExecution, status engine.PropagationStatus) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.RecordExecution(ctx, exec, status); err != nil {
		e.logger.Error().Err(err).Str("task_id", exec.TaskID).Msg("Failed to record execution")
	}
}
