package stores

import (
	"context"
	"time"

	"github.com/openfroyo/provisio/pkg/engine"
)

// RunStatus is the outcome of a reconciliation run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Run is the summary of one pull or push run.
type Run struct {
	ID          string     `json:"id"`
	Profile     string     `json:"profile"`
	Direction   string     `json:"direction"`
	Resource    string     `json:"resource"`
	DryRun      bool       `json:"dry_run"`
	Status      RunStatus  `json:"status"`
	Reports     int        `json:"reports"`
	Failures    int        `json:"failures"`
	Pages       int        `json:"pages"`
	SyncToken   string     `json:"sync_token,omitempty"`
	Error       *string    `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TaskRecord is a recorded propagation task.
type TaskRecord struct {
	ID            string                   `json:"id"`
	Resource      string                   `json:"resource"`
	ConnectorKey  string                   `json:"connector_key"`
	AnyType       string                   `json:"any_type"`
	EntityKey     string                   `json:"entity_key"`
	Operation     engine.ResourceOperation `json:"operation"`
	ConnObjectKey string                   `json:"conn_object_key"`
	CreatedAt     time.Time                `json:"created_at"`
}

// ExecutionRecord is one recorded attempt of a task.
type ExecutionRecord struct {
	engine.TaskExecution
	FailureKind  engine.ErrorKind        `json:"failure_kind,omitempty"`
	BeforeObject *engine.ConnectorObject `json:"before_object,omitempty"`
	AfterObject  *engine.ConnectorObject `json:"after_object,omitempty"`
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	Resource string
	Limit    int
	Offset   int
}

// Store is the persistence layer behind the engine: audit of tasks and
// runs, the asynchronous queue, sync tokens and a local identity store.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	engine.TaskRecorder
	engine.ReportRecorder
	engine.TaskQueue
	engine.SyncTokenStore
	engine.IdentityStore

	// Task audit
	ListTasks(ctx context.Context, filter TaskFilter) ([]*TaskRecord, error)
	ListExecutions(ctx context.Context, taskID string) ([]*ExecutionRecord, error)

	// Runs
	RecordRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	ListReports(ctx context.Context, runID string) ([]engine.ProvisioningReport, error)
}
