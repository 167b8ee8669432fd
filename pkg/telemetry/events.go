package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a telemetry event emitted by the engine.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies the emitting component.
	Source string `json:"source"`

	// RunID is the associated reconciliation run ID, if applicable.
	RunID string `json:"run_id,omitempty"`

	// TaskID is the associated propagation task ID, if applicable.
	TaskID string `json:"task_id,omitempty"`

	// Resource is the associated external resource key, if applicable.
	Resource string `json:"resource,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypePropagationStarted   = "propagation.started"
	EventTypePropagationCompleted = "propagation.completed"
	EventTypeTaskExecuted         = "task.executed"
	EventTypeReconcileStarted     = "reconcile.started"
	EventTypeReconcileCompleted   = "reconcile.completed"
	EventTypeReconcileCancelled   = "reconcile.cancelled"
	EventTypeReportFailed         = "report.failed"
	EventTypePoolExhausted        = "pool.exhausted"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
// A nil *EventPublisher discards every event.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishPropagationStarted publishes the start of an identity change propagation.
func (ep *EventPublisher) PublishPropagationStarted(anyType, key, op string, resources int) error {
	return ep.Publish(Event{
		Type:    EventTypePropagationStarted,
		Source:  "propagation",
		Message: fmt.Sprintf("Propagating %s of %s %s to %d resources", op, anyType, key, resources),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"any_type":  anyType,
			"key":       key,
			"operation": op,
			"resources": resources,
		},
	})
}

// PublishPropagationCompleted publishes the end of a propagation with per-status counts.
func (ep *EventPublisher) PublishPropagationCompleted(anyType, key string, counts map[string]int) error {
	data := map[string]interface{}{"any_type": anyType, "key": key}
	for status, n := range counts {
		data[status] = n
	}
	return ep.Publish(Event{
		Type:    EventTypePropagationCompleted,
		Source:  "propagation",
		Message: fmt.Sprintf("Propagation of %s %s completed", anyType, key),
		Level:   EventLevelInfo,
		Data:    data,
	})
}

// PublishTaskExecuted publishes the outcome of one task execution.
func (ep *EventPublisher) PublishTaskExecuted(taskID, resource, op, status, reason string) error {
	level := EventLevelInfo
	if status == "FAILURE" {
		level = EventLevelError
	}
	return ep.Publish(Event{
		Type:     EventTypeTaskExecuted,
		Source:   "propagation",
		TaskID:   taskID,
		Resource: resource,
		Message:  fmt.Sprintf("Task %s on %s: %s %s", taskID, resource, op, status),
		Level:    level,
		Data: map[string]interface{}{
			"operation": op,
			"status":    status,
			"reason":    reason,
		},
	})
}

// PublishReconcileStarted publishes the start of a pull or push run.
func (ep *EventPublisher) PublishReconcileStarted(runID, direction, resource string, dryRun bool) error {
	return ep.Publish(Event{
		Type:     EventTypeReconcileStarted,
		Source:   "reconcile",
		RunID:    runID,
		Resource: resource,
		Message:  fmt.Sprintf("%s run %s started on %s", direction, runID, resource),
		Level:    EventLevelInfo,
		Data: map[string]interface{}{
			"direction": direction,
			"dry_run":   dryRun,
		},
	})
}

// PublishReconcileCompleted publishes the end of a pull or push run.
func (ep *EventPublisher) PublishReconcileCompleted(runID, direction, resource string, reports int, duration time.Duration) error {
	return ep.Publish(Event{
		Type:     EventTypeReconcileCompleted,
		Source:   "reconcile",
		RunID:    runID,
		Resource: resource,
		Message:  fmt.Sprintf("%s run %s completed with %d reports", direction, runID, reports),
		Level:    EventLevelInfo,
		Data: map[string]interface{}{
			"direction": direction,
			"reports":   reports,
			"duration":  duration.Seconds(),
		},
	})
}

// PublishReconcileCancelled publishes a run stopped between pages.
func (ep *EventPublisher) PublishReconcileCancelled(runID, direction, resource string, pages int) error {
	return ep.Publish(Event{
		Type:     EventTypeReconcileCancelled,
		Source:   "reconcile",
		RunID:    runID,
		Resource: resource,
		Message:  fmt.Sprintf("%s run %s cancelled after %d pages", direction, runID, pages),
		Level:    EventLevelWarning,
		Data: map[string]interface{}{
			"direction": direction,
			"pages":     pages,
		},
	})
}

// PublishReportFailed publishes a FAILURE report.
func (ep *EventPublisher) PublishReportFailed(runID, resource, uid, message string) error {
	return ep.Publish(Event{
		Type:     EventTypeReportFailed,
		Source:   "reconcile",
		RunID:    runID,
		Resource: resource,
		Message:  fmt.Sprintf("Object %s on %s failed: %s", uid, resource, message),
		Level:    EventLevelError,
		Data: map[string]interface{}{
			"uid": uid,
		},
	})
}

// PublishPoolExhausted publishes an acquire that timed out on a full pool.
func (ep *EventPublisher) PublishPoolExhausted(instance string, maxObjects int, waited time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypePoolExhausted,
		Source:  "pool",
		Message: fmt.Sprintf("Pool %s exhausted (%d handles) after %s", instance, maxObjects, waited),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"instance":    instance,
			"max_objects": maxObjects,
			"waited":      waited.Seconds(),
		},
	})
}

// Subscribe adds a new event subscriber. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// processEvents drains the buffer asynchronously.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all subscribers, in subscription order.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown drains buffered events and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}
	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event Event) bool {
		return typeSet[event.Type]
	}
}
