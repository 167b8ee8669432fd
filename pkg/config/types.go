package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Duration is a time.Duration written as a Go duration string ("30s") or
// as integer seconds.
type Duration time.Duration

// UnmarshalJSON accepts "1m30s" or 90.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case nil:
		*d = 0
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
	return nil
}

// MarshalJSON writes the duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// WorkspaceConfig is the decoded workspace. Connectors, resources and
// profiles are keyed by name.
type WorkspaceConfig struct {
	// Name is the workspace name.
	Name string `json:"name" validate:"required"`

	Engine EngineConfig `json:"engine"`

	Connectors map[string]ConnectorConfig `json:"connectors" validate:"dive"`
	Resources  map[string]ResourceConfig  `json:"resources" validate:"dive"`
	Profiles   map[string]ProfileConfig   `json:"profiles,omitempty" validate:"dive"`
}

// EngineConfig holds process-wide settings. Zero values take defaults.
type EngineConfig struct {
	// Pool is the default pool of instances that set none.
	Pool PoolConfig `json:"pool"`

	// EvictInterval is the idle evictor period.
	EvictInterval Duration `json:"evictInterval,omitempty"`

	// FanOut bounds concurrent tasks of one propagation.
	FanOut int `json:"fanOut,omitempty" validate:"gte=0"`

	// RequestTimeout bounds connector calls of instances that set none.
	RequestTimeout Duration `json:"requestTimeout,omitempty"`

	// AcquireTimeout bounds pool acquires. Zero uses each pool's maxWait.
	AcquireTimeout Duration `json:"acquireTimeout,omitempty"`

	// HookTimeout bounds one Starlark hook call.
	HookTimeout Duration `json:"hookTimeout,omitempty"`

	// StorePath is the SQLite database path, relative to the workspace.
	StorePath string `json:"storePath,omitempty"`

	Queue     QueueConfig     `json:"queue"`
	Reattempt ReattemptConfig `json:"reattempt"`

	// MetricsAddr is the listen address of `provisio serve`.
	MetricsAddr string `json:"metricsAddr,omitempty" validate:"omitempty,hostname_port"`

	// BundlesDir holds WASM connector bundles, relative to the workspace.
	BundlesDir string `json:"bundlesDir,omitempty"`

	// PolicyPaths are Rego files or directories with correlation rules.
	PolicyPaths []string `json:"policyPaths,omitempty"`

	Tracing TracingConfig `json:"tracing"`
}

// PoolConfig mirrors engine.PoolConfig with workspace durations.
type PoolConfig struct {
	MaxObjects       int      `json:"maxObjects,omitempty" validate:"gte=0"`
	MinIdle          int      `json:"minIdle,omitempty" validate:"gte=0"`
	MaxIdle          int      `json:"maxIdle,omitempty" validate:"gte=0"`
	MaxWait          Duration `json:"maxWait,omitempty"`
	MinEvictableIdle Duration `json:"minEvictableIdle,omitempty"`
}

// QueueConfig selects where asynchronous tasks wait.
type QueueConfig struct {
	// Backend is "sqlite" (the store) or "redis".
	Backend string `json:"backend,omitempty" validate:"omitempty,oneof=sqlite redis"`

	// RedisURL is required for the redis backend.
	RedisURL string `json:"redisURL,omitempty" validate:"omitempty,url"`

	// Key is the redis sorted set name.
	Key string `json:"key,omitempty"`
}

// ReattemptConfig schedules the re-attempt of queued tasks.
type ReattemptConfig struct {
	Schedule  string `json:"schedule,omitempty" validate:"omitempty,schedule"`
	BatchSize int    `json:"batchSize,omitempty" validate:"gte=0"`
}

// TracingConfig selects the span exporter.
type TracingConfig struct {
	Exporter    string  `json:"exporter,omitempty" validate:"omitempty,oneof=none stdout otlp"`
	Endpoint    string  `json:"endpoint,omitempty"`
	SampleRate  float64 `json:"sampleRate,omitempty" validate:"gte=0,lte=1"`
	Environment string  `json:"environment,omitempty"`
}

// ConnectorConfig declares a connector instance.
type ConnectorConfig struct {
	// Key defaults to the map key.
	Key string `json:"key,omitempty"`

	// Bundle names the connector implementation; Version is a constraint.
	Bundle  string `json:"bundle" validate:"required"`
	Version string `json:"version,omitempty"`

	ConnectorName string `json:"connectorName,omitempty"`
	DisplayName   string `json:"displayName,omitempty"`

	// Properties are passed to the bundle. String values may reference
	// environment variables as ${NAME}.
	Properties map[string]interface{} `json:"properties,omitempty"`

	// Capabilities overrides what the connector advertises.
	Capabilities []string `json:"capabilities,omitempty" validate:"dive,oneof=CREATE UPDATE DELETE SEARCH PAGED_SEARCH SYNC AUTHENTICATE IDEMPOTENT_CREATE"`

	Pool           PoolConfig `json:"pool"`
	RequestTimeout Duration   `json:"requestTimeout,omitempty"`
}

// ResourceConfig declares an external resource.
type ResourceConfig struct {
	Key       string `json:"key,omitempty"`
	Connector string `json:"connector" validate:"required"`

	Priority         *int `json:"priority,omitempty"`
	BlockingPriority bool `json:"blockingPriority,omitempty"`
	Async            bool `json:"async,omitempty"`

	// FetchAroundProvisioning defaults to true.
	FetchAroundProvisioning *bool `json:"fetchAroundProvisioning,omitempty"`

	Retry *RetryConfig `json:"retry,omitempty"`

	// Actions is a Starlark file relative to the workspace.
	Actions string `json:"actions,omitempty"`

	Provisions []ProvisionConfig `json:"provisions" validate:"required,min=1,dive"`
}

// RetryConfig is the re-attempt policy of an asynchronous resource.
type RetryConfig struct {
	MaxAttempts int      `json:"maxAttempts,omitempty" validate:"gte=0"`
	Backoff     string   `json:"backoff,omitempty" validate:"omitempty,oneof=FIXED EXPONENTIAL RANDOM"`
	Initial     Duration `json:"initial,omitempty"`
	Max         Duration `json:"max,omitempty"`
	Multiplier  float64  `json:"multiplier,omitempty" validate:"gte=0"`
}

// ProvisionConfig is the mapping of one any-type onto an object class.
type ProvisionConfig struct {
	AnyType     string       `json:"anyType" validate:"required"`
	ObjectClass string       `json:"objectClass" validate:"required"`
	AuxClasses  []string     `json:"auxClasses,omitempty"`
	Items       []ItemConfig `json:"items" validate:"required,min=1,dive"`
}

// ItemConfig is one mapping item.
type ItemConfig struct {
	IntAttrName            string `json:"intAttrName" validate:"required"`
	ExtAttrName            string `json:"extAttrName" validate:"required"`
	ConnObjectKey          bool   `json:"connObjectKey,omitempty"`
	MandatoryCondition     string `json:"mandatoryCondition,omitempty"`
	Purpose                string `json:"purpose,omitempty" validate:"omitempty,oneof=PROPAGATION PULL BOTH NONE"`
	PropagationTransformer string `json:"propagationTransformer,omitempty"`
	PullTransformer        string `json:"pullTransformer,omitempty"`
}

// ProfileConfig declares a pull or push profile.
type ProfileConfig struct {
	Name      string `json:"name,omitempty"`
	Direction string `json:"direction" validate:"required,oneof=PULL PUSH"`
	Resource  string `json:"resource" validate:"required"`
	AnyType   string `json:"anyType,omitempty"`

	// Mode applies to pulls only.
	Mode string `json:"mode,omitempty" validate:"omitempty,oneof=FULL_RECONCILIATION FILTERED_RECONCILIATION INCREMENTAL"`

	// Filter is a conjunction of attribute equalities.
	Filter map[string]interface{} `json:"filter,omitempty"`

	MatchingRule   string `json:"matchingRule" validate:"required,oneof=UPDATE DEPROVISION UNASSIGN UNLINK LINK IGNORE"`
	UnmatchingRule string `json:"unmatchingRule" validate:"required,oneof=PROVISION ASSIGN LINK IGNORE"`

	// Perform flags default to true.
	PerformCreate *bool `json:"performCreate,omitempty"`
	PerformUpdate *bool `json:"performUpdate,omitempty"`
	PerformDelete *bool `json:"performDelete,omitempty"`

	Concurrency int `json:"concurrency,omitempty" validate:"gte=0"`
	PageSize    int `json:"pageSize,omitempty" validate:"gte=0"`

	Correlation CorrelationConfig `json:"correlation"`

	// Actions is a Starlark file relative to the workspace.
	Actions string `json:"actions,omitempty"`

	// Schedule runs the profile from `provisio serve`.
	Schedule string `json:"schedule,omitempty" validate:"omitempty,schedule"`
}

// CorrelationConfig picks a correlation rule: a Rego rule by name, or a
// list of internal attributes. At most one may be set.
type CorrelationConfig struct {
	Rule       string   `json:"rule,omitempty" validate:"excluded_with=Attributes"`
	Attributes []string `json:"attributes,omitempty"`
}

// ParsedConfig is the result of loading a workspace directory.
type ParsedConfig struct {
	Workspace WorkspaceConfig `json:"workspace"`

	// SourceFiles are the files that were loaded.
	SourceFiles []string `json:"source_files"`

	// ParsedAt is when the workspace was loaded.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors lists schema and validation failures.
	Errors []ValidationError `json:"errors,omitempty"`
}

// ValidationError is a workspace error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path locates the error, e.g. "resources.ldap.provisions[0]".
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}
