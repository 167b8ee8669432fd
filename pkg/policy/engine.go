package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/provisio/pkg/engine"
	"github.com/openfroyo/provisio/pkg/telemetry"
)

// QueryRule is the rule every correlation module defines.
const QueryRule = "query"

// Engine holds the compiled correlation rules. Rules are swapped as a set on
// Load, so a query never sees a half-reloaded rule base.
type Engine struct {
	mu       sync.RWMutex
	rules    map[string]*compiledRule
	builtins []Policy
	logger   zerolog.Logger
}

type compiledRule struct {
	policy   Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates an engine with the built-in rules loaded. A nil logger
// means the global logger.
func NewEngine(logger *zerolog.Logger) (*Engine, error) {
	l := telemetry.ComponentLogger("policy")
	if logger != nil {
		l = logger.With().Str("component", "policy").Logger()
	}
	e := &Engine{
		rules:    make(map[string]*compiledRule),
		builtins: BuiltinPolicies(),
		logger:   l,
	}
	if err := e.Load(context.Background(), nil); err != nil {
		return nil, fmt.Errorf("failed to load built-in rules: %w", err)
	}
	return e, nil
}

// Load compiles the built-ins plus policies and replaces the rule set. A
// compile error leaves the previous set in place.
func (e *Engine) Load(ctx context.Context, policies []Policy) error {
	all := make([]Policy, 0, len(e.builtins)+len(policies))
	all = append(all, e.builtins...)
	all = append(all, policies...)

	rules := make(map[string]*compiledRule, len(all))
	for _, p := range all {
		if !p.Enabled {
			continue
		}
		cr, err := compile(ctx, p)
		if err != nil {
			return engine.NewConfigurationError(fmt.Sprintf("correlation rule %s", p.Name), err)
		}
		rules[p.Name] = cr
	}

	e.mu.Lock()
	e.rules = rules
	e.mu.Unlock()

	e.logger.Info().Int("rules", len(rules)).Msg("Correlation rules loaded")
	return nil
}

// LoadPaths reads .rego and .json rule files from paths and loads them.
func (e *Engine) LoadPaths(ctx context.Context, paths []string) error {
	policies, err := NewLoader(&e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	return e.Load(ctx, policies)
}

func compile(ctx context.Context, p Policy) (*compiledRule, error) {
	module, err := ast.ParseModule(p.Name+".rego", p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse: %w", err)
	}
	query := module.Package.Path.String() + "." + QueryRule

	prepared, err := rego.New(
		rego.ParsedModule(module),
		rego.Query(query),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare %s: %w", query, err)
	}
	return &compiledRule{policy: p, query: prepared, compiled: time.Now()}, nil
}

// Names returns the loaded rule names, sorted.
func (e *Engine) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.rules))
	for name := range e.rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Policy returns a loaded rule.
func (e *Engine) Policy(name string) (Policy, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cr, ok := e.rules[name]
	if !ok {
		return Policy{}, false
	}
	return cr.policy, true
}

// Query evaluates the named rule for one remote object.
func (e *Engine) Query(ctx context.Context, name, anyType string, obj *engine.ConnectorObject, attrs engine.Attributes) (map[string]interface{}, error) {
	e.mu.RLock()
	cr, ok := e.rules[name]
	e.mu.RUnlock()
	if !ok {
		return nil, engine.NewConfigurationError(fmt.Sprintf("unknown correlation rule %s", name), nil)
	}

	rs, err := cr.query.Eval(ctx, rego.EvalInput(newInput(anyType, obj, attrs)))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate correlation rule %s: %w", name, err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, nil
	}

	raw, ok := rs[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("correlation rule %s: %s must be an object, got %T",
			name, QueryRule, rs[0].Expressions[0].Value)
	}
	out := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		if n, ok := v.(json.Number); ok {
			v = n.String()
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func newInput(anyType string, obj *engine.ConnectorObject, attrs engine.Attributes) Input {
	in := Input{AnyType: anyType, Attributes: attrs.Flatten()}
	if obj != nil {
		in.Object = ObjectInput{
			UID:         obj.UID,
			ObjectClass: obj.ObjectClass,
			Attributes:  obj.Attributes.Flatten(),
		}
	}
	return in
}

// Rule returns a correlation rule bound to name. It resolves the name on
// every query, so it follows reloads.
func (e *Engine) Rule(name string) *Rule {
	return &Rule{engine: e, name: name}
}

// Rule is a named correlation rule. It satisfies reconcile.CorrelationRule.
type Rule struct {
	engine *Engine
	name   string
}

// Name returns the rule name.
func (r *Rule) Name() string { return r.name }

// Query evaluates the rule.
func (r *Rule) Query(ctx context.Context, anyType string, obj *engine.ConnectorObject, attrs engine.Attributes) (map[string]interface{}, error) {
	return r.engine.Query(ctx, r.name, anyType, obj, attrs)
}
