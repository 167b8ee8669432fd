package reconcile

import (
	"context"
	"fmt"

	"github.com/openfroyo/provisio/pkg/engine"
)

// Direction is the flow of a reconciliation run.
type Direction string

const (
	// DirectionPull reads a resource into the identity store.
	DirectionPull Direction = "PULL"

	// DirectionPush writes identities out to a resource.
	DirectionPush Direction = "PUSH"
)

// DefaultConcurrency is the in-page worker count when a profile sets none.
const DefaultConcurrency = 1

// CorrelationRule produces an attribute query used to find an object's
// counterpart when connObjectKey matching misses. An empty query means no
// correlation.
type CorrelationRule interface {
	Query(ctx context.Context, anyType string, obj *engine.ConnectorObject, attrs engine.Attributes) (map[string]interface{}, error)
}

// AttributeCorrelation correlates on a fixed list of internal attributes.
// Objects lacking any of them are not correlated.
type AttributeCorrelation []string

// Query implements CorrelationRule.
func (a AttributeCorrelation) Query(_ context.Context, _ string, _ *engine.ConnectorObject, attrs engine.Attributes) (map[string]interface{}, error) {
	q := make(map[string]interface{}, len(a))
	for _, name := range a {
		v := attrs.First(name)
		if v == nil || engine.ValueString(v) == "" {
			return nil, nil
		}
		q[name] = v
	}
	return q, nil
}

// Profile configures one pull or push run against one resource.
type Profile struct {
	// Name identifies the profile in reports and logs.
	Name string

	// Resource is the key of the external resource.
	Resource string

	// AnyType selects the provision of the resource.
	AnyType string

	// Mode selects how a pull reads the resource. Ignored by push.
	Mode engine.PullMode

	// Filter narrows FILTERED_RECONCILIATION pulls, and push enumeration by
	// internal attributes.
	Filter *engine.Filter

	MatchingRule   engine.MatchingRule
	UnmatchingRule engine.UnmatchingRule

	// SkipCreate, SkipUpdate and SkipDelete refuse the rules that would
	// create, update or delete; refused objects are reported as IGNORE.
	// The zero value performs every rule.
	SkipCreate bool
	SkipUpdate bool
	SkipDelete bool

	// Concurrency bounds the objects of one page processed in parallel.
	Concurrency int

	// PageSize is the connector (pull) or store (push) page size.
	PageSize int

	// DryRun decides without saving, deleting or propagating anything.
	DryRun bool

	// Correlation is consulted when connObjectKey matching misses.
	Correlation CorrelationRule

	// ActionsScript is Starlark source with preprocess, after_report and
	// on_error hooks.
	ActionsScript string
}

// Validate checks the profile in isolation.
func (p Profile) Validate(direction Direction) error {
	if p.Resource == "" {
		return engine.NewConfigurationError(fmt.Sprintf("profile %s has no resource", p.Name), nil)
	}
	if p.AnyType == "" {
		return engine.NewConfigurationError(fmt.Sprintf("profile %s has no any-type", p.Name), nil)
	}
	if err := p.MatchingRule.Validate(); err != nil {
		return engine.NewConfigurationError(fmt.Sprintf("profile %s", p.Name), err)
	}
	if err := p.UnmatchingRule.Validate(); err != nil {
		return engine.NewConfigurationError(fmt.Sprintf("profile %s", p.Name), err)
	}
	if direction == DirectionPull {
		if err := p.Mode.Validate(); err != nil {
			return engine.NewConfigurationError(fmt.Sprintf("profile %s", p.Name), err)
		}
		if p.Mode == engine.PullModeFiltered && p.Filter.IsEmpty() {
			return engine.NewConfigurationError(
				fmt.Sprintf("profile %s: filtered reconciliation needs a filter", p.Name), nil)
		}
	}
	if p.Concurrency < 0 || p.PageSize < 0 {
		return engine.NewConfigurationError(
			fmt.Sprintf("profile %s: concurrency and page size must not be negative", p.Name), nil)
	}
	return nil
}

func (p Profile) concurrency() int {
	if p.Concurrency <= 0 {
		return DefaultConcurrency
	}
	return p.Concurrency
}

func (p Profile) pageSize() int {
	if p.PageSize <= 0 {
		return engine.DefaultPageSize
	}
	return p.PageSize
}

// performsMatching returns whether the profile allows what a rule does, and the
// operation named in the refusal message.
func (p Profile) performsMatching(rule engine.MatchingRule) (bool, string) {
	switch rule {
	case engine.MatchingUpdate, engine.MatchingLink, engine.MatchingUnlink:
		return !p.SkipUpdate, "update"
	case engine.MatchingDeprovision, engine.MatchingUnassign:
		return !p.SkipDelete, "delete"
	default:
		return true, ""
	}
}

func (p Profile) performsUnmatching(rule engine.UnmatchingRule) (bool, string) {
	switch rule {
	case engine.UnmatchingProvision, engine.UnmatchingAssign:
		return !p.SkipCreate, "create"
	default:
		return true, ""
	}
}
