package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/openfroyo/provisio/pkg/actions"
	"github.com/openfroyo/provisio/pkg/engine"
	"github.com/openfroyo/provisio/pkg/mapping"
	"github.com/openfroyo/provisio/pkg/reconcile"
)

// Defaults of settings a workspace leaves unset.
const (
	DefaultStorePath         = "provisio.db"
	DefaultMetricsAddr       = ":9464"
	DefaultQueueBackend      = "sqlite"
	DefaultRedisQueueKey     = "provisio:tasks"
	DefaultReattemptSchedule = "@every 1m"
)

// Workspace is a loaded and validated workspace directory.
type Workspace struct {
	// Dir is the absolute workspace directory.
	Dir string

	Config WorkspaceConfig

	// Files are the loaded source files.
	Files []string

	// LookupEnv resolves ${NAME} references. Defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// Load parses and validates the workspace in dir. Any schema or validation
// failure is returned as one ConfigurationError listing all of them.
func Load(ctx context.Context, dir string) (*Workspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace path: %w", err)
	}
	parsed, err := NewCUEParser().Parse(ctx, abs)
	if err != nil {
		return nil, engine.NewConfigurationError("failed to load workspace", err)
	}
	if len(parsed.Errors) > 0 {
		return nil, newLoadError(parsed.Errors)
	}
	return &Workspace{Dir: abs, Config: parsed.Workspace, Files: parsed.SourceFiles}, nil
}

func newLoadError(errs []ValidationError) error {
	lines := make([]string, len(errs))
	for i, e := range errs {
		lines[i] = e.String()
	}
	return engine.NewConfigurationError(
		fmt.Sprintf("workspace is invalid:\n  %s", strings.Join(lines, "\n  ")), nil).
		WithDetail("errors", errs)
}

// Path resolves rel against the workspace directory.
func (w *Workspace) Path(rel string) string {
	if rel == "" || filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(w.Dir, rel)
}

// Settings are the resolved engine settings.
type Settings struct {
	PoolDefaults      engine.PoolConfig
	EvictInterval     time.Duration
	FanOut            int
	RequestTimeout    time.Duration
	AcquireTimeout    time.Duration
	HookTimeout       time.Duration
	StorePath         string
	QueueBackend      string
	RedisURL          string
	QueueKey          string
	ReattemptSchedule string
	ReattemptBatch    int
	MetricsAddr       string
	BundlesDir        string
	PolicyPaths       []string
	Tracing           TracingConfig
}

// Settings resolves the engine section, applying defaults and making paths
// absolute.
func (w *Workspace) Settings() Settings {
	e := w.Config.Engine
	s := Settings{
		PoolDefaults:      e.Pool.engine().WithDefaults(engine.DefaultPoolConfig()),
		EvictInterval:     e.EvictInterval.Std(),
		FanOut:            e.FanOut,
		RequestTimeout:    e.RequestTimeout.Std(),
		AcquireTimeout:    e.AcquireTimeout.Std(),
		HookTimeout:       e.HookTimeout.Std(),
		StorePath:         w.Path(e.StorePath),
		QueueBackend:      e.Queue.Backend,
		RedisURL:          w.expand(e.Queue.RedisURL),
		QueueKey:          e.Queue.Key,
		ReattemptSchedule: e.Reattempt.Schedule,
		ReattemptBatch:    e.Reattempt.BatchSize,
		MetricsAddr:       e.MetricsAddr,
		BundlesDir:        w.Path(e.BundlesDir),
		Tracing:           e.Tracing,
	}
	if s.StorePath == "" {
		s.StorePath = w.Path(DefaultStorePath)
	}
	if s.QueueBackend == "" {
		s.QueueBackend = DefaultQueueBackend
	}
	if s.QueueKey == "" {
		s.QueueKey = DefaultRedisQueueKey
	}
	if s.ReattemptSchedule == "" {
		s.ReattemptSchedule = DefaultReattemptSchedule
	}
	if s.MetricsAddr == "" {
		s.MetricsAddr = DefaultMetricsAddr
	}
	for _, p := range e.PolicyPaths {
		s.PolicyPaths = append(s.PolicyPaths, w.Path(p))
	}
	return s
}

func (p PoolConfig) engine() engine.PoolConfig {
	return engine.PoolConfig{
		MaxObjects:       p.MaxObjects,
		MinIdle:          p.MinIdle,
		MaxIdle:          p.MaxIdle,
		MaxWait:          p.MaxWait.Std(),
		MinEvictableIdle: p.MinEvictableIdle.Std(),
	}
}

// Instances returns the connector instances sorted by key, with ${NAME}
// references in properties expanded. A reference to an unset variable is
// a ConfigurationError.
func (w *Workspace) Instances() ([]engine.ConnectorInstance, error) {
	keys := sortedKeys(w.Config.Connectors)
	out := make([]engine.ConnectorInstance, 0, len(keys))
	for _, k := range keys {
		c := w.Config.Connectors[k]
		var missing []string
		props, _ := expandValue(c.Properties, w.lookup(), &missing).(map[string]interface{})
		if len(missing) > 0 {
			return nil, engine.NewConfigurationError(
				fmt.Sprintf("connector %s references unset variables: %s", c.Key, strings.Join(missing, ", ")), nil)
		}

		inst := engine.ConnectorInstance{
			Key:            c.Key,
			Bundle:         c.Bundle,
			Version:        c.Version,
			ConnectorName:  c.ConnectorName,
			DisplayName:    c.DisplayName,
			Properties:     props,
			Pool:           c.Pool.engine(),
			RequestTimeout: c.RequestTimeout.Std(),
		}
		if len(c.Capabilities) > 0 {
			caps := make([]engine.Capability, len(c.Capabilities))
			for i, name := range c.Capabilities {
				caps[i] = engine.Capability(name)
			}
			inst.Capabilities = engine.NewCapabilitySet(caps...)
			if inst.Properties == nil {
				inst.Properties = map[string]interface{}{}
			}
			if _, ok := inst.Properties["capabilities"]; !ok {
				inst.Properties["capabilities"] = append([]string(nil), c.Capabilities...)
			}
		}
		out = append(out, inst)
	}
	return out, nil
}

// Resources returns the external resources sorted by key. Mappings are
// built and their expressions compiled, and actions scripts are read and
// compiled, so every configuration problem surfaces here.
func (w *Workspace) Resources() ([]engine.ExternalResource, error) {
	keys := sortedKeys(w.Config.Resources)
	out := make([]engine.ExternalResource, 0, len(keys))
	for _, k := range keys {
		r, err := w.resource(w.Config.Resources[k])
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (w *Workspace) resource(rc ResourceConfig) (engine.ExternalResource, error) {
	r := engine.ExternalResource{
		Key:                     rc.Key,
		ConnectorKey:            rc.Connector,
		BlockingPriority:        rc.BlockingPriority,
		Async:                   rc.Async,
		FetchAroundProvisioning: rc.FetchAroundProvisioning == nil || *rc.FetchAroundProvisioning,
		Retry:                   engine.DefaultRetryPolicy(),
	}
	if rc.Priority != nil {
		p := *rc.Priority
		r.Priority = &p
	}
	if rc.Retry != nil {
		r.Retry = rc.Retry.policy(r.Retry)
	}

	script, err := w.readScript(rc.Actions)
	if err != nil {
		return engine.ExternalResource{}, resourceError(rc.Key, err)
	}
	r.ActionsScript = script

	for _, pc := range rc.Provisions {
		b := engine.NewMappingBuilder()
		for _, item := range pc.Items {
			b.Add(engine.Item{
				IntAttrName:            item.IntAttrName,
				ExtAttrName:            item.ExtAttrName,
				ConnObjectKey:          item.ConnObjectKey,
				MandatoryCondition:     item.MandatoryCondition,
				Purpose:                engine.MappingPurpose(item.Purpose),
				PropagationTransformer: item.PropagationTransformer,
				PullTransformer:        item.PullTransformer,
			})
		}
		m, err := b.Build()
		if err != nil {
			return engine.ExternalResource{}, resourceError(rc.Key, fmt.Errorf("provision %s: %w", pc.AnyType, err))
		}
		p := engine.Provision{
			AnyType:     pc.AnyType,
			ObjectClass: pc.ObjectClass,
			AuxClasses:  append([]string(nil), pc.AuxClasses...),
			Mapping:     m,
		}
		if _, err := mapping.Compile(p, nil); err != nil {
			return engine.ExternalResource{}, resourceError(rc.Key, fmt.Errorf("provision %s: %w", pc.AnyType, err))
		}
		r.Provisions = append(r.Provisions, p)
	}
	return r, nil
}

func resourceError(key string, err error) error {
	return engine.NewConfigurationError(fmt.Sprintf("resource %s", key), err).WithResource(key)
}

func (rc RetryConfig) policy(base engine.RetryPolicy) engine.RetryPolicy {
	if rc.MaxAttempts > 0 {
		base.MaxAttempts = rc.MaxAttempts
	}
	if rc.Backoff != "" {
		base.Backoff = engine.BackoffStrategy(rc.Backoff)
	}
	if rc.Initial > 0 {
		base.Initial = rc.Initial.Std()
	}
	if rc.Max > 0 {
		base.Max = rc.Max.Std()
	}
	if rc.Multiplier > 0 {
		base.Multiplier = rc.Multiplier
	}
	return base
}

// readScript reads and compiles a Starlark actions file.
func (w *Workspace) readScript(rel string) (string, error) {
	if rel == "" {
		return "", nil
	}
	data, err := os.ReadFile(w.Path(rel))
	if err != nil {
		return "", fmt.Errorf("failed to read actions script: %w", err)
	}
	if _, err := actions.Compile(filepath.Base(rel), string(data), 0); err != nil {
		return "", err
	}
	return string(data), nil
}

// RuleResolver finds a named correlation rule.
type RuleResolver func(name string) (reconcile.CorrelationRule, bool)

// ProfileNames returns the profile names, sorted.
func (w *Workspace) ProfileNames() []string {
	return sortedKeys(w.Config.Profiles)
}

// Profile builds the named profile. Correlation rules named in the profile
// are looked up with rules.
func (w *Workspace) Profile(name string, rules RuleResolver) (reconcile.Profile, reconcile.Direction, error) {
	pc, ok := w.Config.Profiles[name]
	if !ok {
		return reconcile.Profile{}, "", engine.NewConfigurationError(fmt.Sprintf("unknown profile %s", name), nil)
	}
	direction := reconcile.Direction(pc.Direction)

	p := reconcile.Profile{
		Name:           pc.Name,
		Resource:       pc.Resource,
		AnyType:        pc.AnyType,
		Mode:           engine.PullMode(pc.Mode),
		MatchingRule:   engine.MatchingRule(pc.MatchingRule),
		UnmatchingRule: engine.UnmatchingRule(pc.UnmatchingRule),
		SkipCreate:     !flag(pc.PerformCreate),
		SkipUpdate:     !flag(pc.PerformUpdate),
		SkipDelete:     !flag(pc.PerformDelete),
		Concurrency:    pc.Concurrency,
		PageSize:       pc.PageSize,
		Filter:         filterOf(pc.Filter),
	}
	if p.AnyType == "" {
		p.AnyType = engine.AnyTypeUser
	}
	if p.Mode == "" {
		p.Mode = engine.PullModeFull
	}

	switch {
	case pc.Correlation.Rule != "":
		if rules == nil {
			return reconcile.Profile{}, "", engine.NewConfigurationError(
				fmt.Sprintf("profile %s: correlation rule %s needs a policy engine", name, pc.Correlation.Rule), nil)
		}
		rule, ok := rules(pc.Correlation.Rule)
		if !ok {
			return reconcile.Profile{}, "", engine.NewConfigurationError(
				fmt.Sprintf("profile %s: unknown correlation rule %s", name, pc.Correlation.Rule), nil)
		}
		p.Correlation = rule
	case len(pc.Correlation.Attributes) > 0:
		p.Correlation = reconcile.AttributeCorrelation(append([]string(nil), pc.Correlation.Attributes...))
	}

	if rc, ok := w.Config.Resources[pc.Resource]; ok {
		provisioned := false
		for _, prov := range rc.Provisions {
			if prov.AnyType == p.AnyType {
				provisioned = true
				break
			}
		}
		if !provisioned {
			return reconcile.Profile{}, "", engine.NewConfigurationError(
				fmt.Sprintf("profile %s: resource %s does not provision %s", name, pc.Resource, p.AnyType), nil)
		}
	}

	script, err := w.readScript(pc.Actions)
	if err != nil {
		return reconcile.Profile{}, "", engine.NewConfigurationError(fmt.Sprintf("profile %s", name), err)
	}
	p.ActionsScript = script

	if err := p.Validate(direction); err != nil {
		return reconcile.Profile{}, "", err
	}
	return p, direction, nil
}

// Schedule returns the cron schedule of a profile, or "".
func (w *Workspace) Schedule(name string) string {
	return w.Config.Profiles[name].Schedule
}

func flag(b *bool) bool {
	return b == nil || *b
}

// filterOf turns an attribute map into a filter with terms sorted by name.
func filterOf(m map[string]interface{}) *engine.Filter {
	if len(m) == 0 {
		return nil
	}
	f := &engine.Filter{}
	for _, k := range sortedKeys(m) {
		f.Terms = append(f.Terms, engine.FilterTerm{Attribute: k, Value: m[k]})
	}
	return f
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func (w *Workspace) lookup() func(string) (string, bool) {
	if w.LookupEnv != nil {
		return w.LookupEnv
	}
	return os.LookupEnv
}

// expand resolves ${NAME} references in s, leaving unset ones empty.
func (w *Workspace) expand(s string) string {
	var missing []string
	out, _ := expandValue(s, w.lookup(), &missing).(string)
	return out
}

// expandValue walks strings, maps and lists, expanding ${NAME} references
// and collecting the names of unset variables.
func expandValue(v interface{}, lookup func(string) (string, bool), missing *[]string) interface{} {
	switch val := v.(type) {
	case string:
		return envRef.ReplaceAllStringFunc(val, func(ref string) string {
			name := ref[2 : len(ref)-1]
			value, ok := lookup(name)
			if !ok {
				*missing = append(*missing, name)
			}
			return value
		})
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, x := range val {
			out[k] = expandValue(x, lookup, missing)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, x := range val {
			out[i] = expandValue(x, lookup, missing)
		}
		return out
	default:
		return v
	}
}
