package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Well-known any-types. Resources may declare additional ones.
const (
	AnyTypeUser      = "USER"
	AnyTypeGroup     = "GROUP"
	AnyTypeAnyObject = "ANY_OBJECT"
)

// UIDAttribute is the pseudo attribute name addressing a connector object's UID.
const UIDAttribute = "__UID__"

// IdentityKeyAttribute is the internal attribute name addressing an
// identity's key. A mapping item with this internal name correlates by key.
const IdentityKeyAttribute = "key"

// DefaultPageSize is used for paged searches when a profile does not set one.
const DefaultPageSize = 100

// Attributes is a multi-valued attribute set. A name mapped to an empty slice
// is treated the same as an absent name.
type Attributes map[string][]interface{}

// NewAttributes builds a single-valued attribute set from plain values.
func NewAttributes(values map[string]interface{}) Attributes {
	attrs := make(Attributes, len(values))
	for name, v := range values {
		attrs.Set(name, v)
	}
	return attrs
}

// Get returns the values of an attribute.
func (a Attributes) Get(name string) ([]interface{}, bool) {
	v, ok := a[name]
	if !ok || len(v) == 0 {
		return nil, false
	}
	return v, true
}

// First returns the first value of an attribute, or nil.
func (a Attributes) First(name string) interface{} {
	if v, ok := a.Get(name); ok {
		return v[0]
	}
	return nil
}

// Has returns true if the attribute carries at least one non-nil value.
func (a Attributes) Has(name string) bool {
	v, ok := a.Get(name)
	if !ok {
		return false
	}
	for _, x := range v {
		if x != nil && x != "" {
			return true
		}
	}
	return false
}

// Set replaces the values of an attribute. Nil values are dropped.
func (a Attributes) Set(name string, values ...interface{}) {
	out := make([]interface{}, 0, len(values))
	for _, v := range values {
		if v != nil {
			out = append(out, v)
		}
	}
	a[name] = out
}

// Names returns the attribute names in sorted order.
func (a Attributes) Names() []string {
	names := make([]string, 0, len(a))
	for name := range a {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy of the attribute set.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	out := make(Attributes, len(a))
	for name, v := range a {
		cp := make([]interface{}, len(v))
		copy(cp, v)
		out[name] = cp
	}
	return out
}

// Flatten returns a plain map where single-valued attributes become scalars
// and multi-valued attributes stay slices. Empty attributes are omitted.
func (a Attributes) Flatten() map[string]interface{} {
	out := make(map[string]interface{}, len(a))
	for name, v := range a {
		switch len(v) {
		case 0:
		case 1:
			out[name] = v[0]
		default:
			cp := make([]interface{}, len(v))
			copy(cp, v)
			out[name] = cp
		}
	}
	return out
}

// ConnectorObject is a point-in-time snapshot of an object on a resource.
type ConnectorObject struct {
	// ObjectClass is the native object class (e.g., "__ACCOUNT__", "inetOrgPerson").
	ObjectClass string `json:"object_class"`

	// UID is the value addressing the object on the resource.
	UID string `json:"uid"`

	// Attributes are the native attributes.
	Attributes Attributes `json:"attributes"`
}

// Clone returns a deep copy of the object.
func (o *ConnectorObject) Clone() *ConnectorObject {
	if o == nil {
		return nil
	}
	return &ConnectorObject{
		ObjectClass: o.ObjectClass,
		UID:         o.UID,
		Attributes:  o.Attributes.Clone(),
	}
}

// Capability is an operation a connector instance advertises.
type Capability string

const (
	CapabilityCreate           Capability = "CREATE"
	CapabilityUpdate           Capability = "UPDATE"
	CapabilityDelete           Capability = "DELETE"
	CapabilitySearch           Capability = "SEARCH"
	CapabilityPagedSearch      Capability = "PAGED_SEARCH"
	CapabilitySync             Capability = "SYNC"
	CapabilityAuthenticate     Capability = "AUTHENTICATE"
	CapabilityIdempotentCreate Capability = "IDEMPOTENT_CREATE"
)

// Validate checks if the capability is known.
func (c Capability) Validate() error {
	switch c {
	case CapabilityCreate, CapabilityUpdate, CapabilityDelete, CapabilitySearch,
		CapabilityPagedSearch, CapabilitySync, CapabilityAuthenticate, CapabilityIdempotentCreate:
		return nil
	default:
		return fmt.Errorf("invalid capability: %s", c)
	}
}

// CapabilitySet is an immutable set of capabilities.
type CapabilitySet struct {
	caps map[Capability]struct{}
}

// NewCapabilitySet builds a capability set.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	set := CapabilitySet{caps: make(map[Capability]struct{}, len(caps))}
	for _, c := range caps {
		set.caps[c] = struct{}{}
	}
	return set
}

// AllCapabilities returns a set with every known capability.
func AllCapabilities() CapabilitySet {
	return NewCapabilitySet(CapabilityCreate, CapabilityUpdate, CapabilityDelete,
		CapabilitySearch, CapabilityPagedSearch, CapabilitySync, CapabilityAuthenticate,
		CapabilityIdempotentCreate)
}

// Has returns true if the capability is present.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s.caps[c]
	return ok
}

// IsEmpty returns true if no capability is present.
func (s CapabilitySet) IsEmpty() bool {
	return len(s.caps) == 0
}

// List returns the capabilities in sorted order.
func (s CapabilitySet) List() []Capability {
	out := make([]Capability, 0, len(s.caps))
	for c := range s.caps {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PoolConfig bounds the set of live handles for one connector instance.
// Zero values fall back to engine-wide defaults.
type PoolConfig struct {
	MaxObjects       int           `json:"max_objects,omitempty" yaml:"maxObjects,omitempty"`
	MinIdle          int           `json:"min_idle,omitempty" yaml:"minIdle,omitempty"`
	MaxIdle          int           `json:"max_idle,omitempty" yaml:"maxIdle,omitempty"`
	MaxWait          time.Duration `json:"max_wait,omitempty" yaml:"maxWait,omitempty"`
	MinEvictableIdle time.Duration `json:"min_evictable_idle,omitempty" yaml:"minEvictableIdle,omitempty"`
}

// DefaultPoolConfig returns the engine-wide pool defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxObjects:       10,
		MinIdle:          1,
		MaxIdle:          10,
		MaxWait:          150 * time.Second,
		MinEvictableIdle: 120 * time.Second,
	}
}

// WithDefaults fills unset fields from defaults.
func (c PoolConfig) WithDefaults(defaults PoolConfig) PoolConfig {
	if c.MaxObjects == 0 {
		c.MaxObjects = defaults.MaxObjects
	}
	if c.MinIdle == 0 {
		c.MinIdle = defaults.MinIdle
	}
	if c.MaxIdle == 0 {
		c.MaxIdle = defaults.MaxIdle
	}
	if c.MaxWait == 0 {
		c.MaxWait = defaults.MaxWait
	}
	if c.MinEvictableIdle == 0 {
		c.MinEvictableIdle = defaults.MinEvictableIdle
	}
	return c
}

// Validate checks the pool bounds: minIdle <= maxIdle <= maxObjects.
func (c PoolConfig) Validate() error {
	if c.MaxObjects < 0 || c.MinIdle < 0 || c.MaxIdle < 0 || c.MaxWait < 0 || c.MinEvictableIdle < 0 {
		return NewConfigurationError("pool settings must not be negative", nil)
	}
	if c.MaxObjects > 0 && c.MaxIdle > c.MaxObjects {
		return NewConfigurationError(
			fmt.Sprintf("maxIdle (%d) exceeds maxObjects (%d)", c.MaxIdle, c.MaxObjects), nil)
	}
	if c.MaxIdle > 0 && c.MinIdle > c.MaxIdle {
		return NewConfigurationError(
			fmt.Sprintf("minIdle (%d) exceeds maxIdle (%d)", c.MinIdle, c.MaxIdle), nil)
	}
	return nil
}

// ConnectorInstance is a configured connector: an implementation bundle plus
// the properties needed to reach one external system.
type ConnectorInstance struct {
	// Key uniquely identifies the instance.
	Key string `json:"key"`

	// Bundle is the connector implementation name (e.g., "memory", "flatfile").
	Bundle string `json:"bundle"`

	// Version is the bundle version.
	Version string `json:"version"`

	// ConnectorName names the connector class within the bundle.
	ConnectorName string `json:"connector_name,omitempty"`

	// DisplayName is a human-readable name.
	DisplayName string `json:"display_name,omitempty"`

	// Properties are the typed configuration properties passed to the bundle.
	Properties map[string]interface{} `json:"properties,omitempty"`

	// Capabilities are the operations the instance advertises.
	Capabilities CapabilitySet `json:"-"`

	// Pool bounds the live handles for this instance.
	Pool PoolConfig `json:"pool"`

	// RequestTimeout bounds every native connector call. Zero means no bound.
	RequestTimeout time.Duration `json:"request_timeout,omitempty"`
}

// BundleRef returns the registry reference "bundle@version".
func (c ConnectorInstance) BundleRef() string {
	if c.Version == "" {
		return c.Bundle
	}
	return c.Bundle + "@" + c.Version
}

// StringProperty returns a string property or the fallback.
func (c ConnectorInstance) StringProperty(name, fallback string) string {
	if v, ok := c.Properties[name]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return fallback
}

// BoolProperty returns a boolean property given as a bool or a string.
func (c ConnectorInstance) BoolProperty(name string) bool {
	switch v := c.Properties[name].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
	default:
		return false
	}
}

// IntProperty returns an integer property or the fallback.
func (c ConnectorInstance) IntProperty(name string, fallback int) int {
	switch v := c.Properties[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return fallback
}

// StringsProperty returns a list property given as a list or a comma-separated string.
func (c ConnectorInstance) StringsProperty(name string) []string {
	var out []string
	switch v := c.Properties[name].(type) {
	case []string:
		out = append(out, v...)
	case []interface{}:
		for _, x := range v {
			out = append(out, fmt.Sprint(x))
		}
	case string:
		out = strings.Split(v, ",")
	}
	for i := range out {
		out[i] = strings.TrimSpace(out[i])
	}
	return out
}

// CapabilitiesProperty parses the "capabilities" property. The defaults
// apply when the property is absent.
func (c ConnectorInstance) CapabilitiesProperty(defaults ...Capability) (CapabilitySet, error) {
	raw, ok := c.Properties["capabilities"]
	if !ok {
		return NewCapabilitySet(defaults...), nil
	}
	switch raw.(type) {
	case []string, []interface{}, string:
	default:
		return CapabilitySet{}, NewConfigurationError(fmt.Sprintf("capabilities must be a list, got %T", raw), nil)
	}
	names := c.StringsProperty("capabilities")
	caps := make([]Capability, 0, len(names))
	for _, n := range names {
		if n == "" {
			continue
		}
		capability := Capability(strings.ToUpper(n))
		if err := capability.Validate(); err != nil {
			return CapabilitySet{}, NewConfigurationError(err.Error(), nil)
		}
		caps = append(caps, capability)
	}
	return NewCapabilitySet(caps...), nil
}

// RetryPolicy governs the asynchronous re-attempt path for a resource.
type RetryPolicy struct {
	MaxAttempts int             `json:"max_attempts"`
	Backoff     BackoffStrategy `json:"backoff"`
	Initial     time.Duration   `json:"initial"`
	Max         time.Duration   `json:"max"`
	Multiplier  float64         `json:"multiplier"`
}

// DefaultRetryPolicy returns the policy applied when a resource sets none.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     BackoffExponential,
		Initial:     30 * time.Second,
		Max:         30 * time.Minute,
		Multiplier:  2,
	}
}

// Provision is the per-any-type configuration of a resource.
type Provision struct {
	AnyType     string
	ObjectClass string
	AuxClasses  []string
	Mapping     Mapping
}

// ExternalResource is an external system identities are provisioned to and from.
type ExternalResource struct {
	// Key uniquely identifies the resource.
	Key string

	// ConnectorKey references the ConnectorInstance used to reach the resource.
	ConnectorKey string

	// Priority orders propagation; higher runs first. Nil runs last.
	Priority *int

	// BlockingPriority holds back lower-priority tasks until this resource's
	// task has a recorded status.
	BlockingPriority bool

	// Async enqueues propagation instead of executing it inline.
	Async bool

	// FetchAroundProvisioning reads the remote object before and after each operation.
	FetchAroundProvisioning bool

	// Retry governs re-attempts of queued tasks.
	Retry RetryPolicy

	// ActionsScript is the Starlark source hooked around propagation, if any.
	ActionsScript string

	// Provisions holds one entry per any-type.
	Provisions []Provision
}

// Provision returns the provision for an any-type.
func (r ExternalResource) Provision(anyType string) (Provision, bool) {
	for _, p := range r.Provisions {
		if p.AnyType == anyType {
			return p, true
		}
	}
	return Provision{}, false
}

// PriorityValue returns the priority and whether one is set.
func (r ExternalResource) PriorityValue() (int, bool) {
	if r.Priority == nil {
		return 0, false
	}
	return *r.Priority, true
}

// Identity is the collaborator's view of one internal identity.
type Identity struct {
	Key        string     `json:"key"`
	AnyType    string     `json:"any_type"`
	Attributes Attributes `json:"attributes"`

	// Resources lists the resources the identity is linked to.
	Resources []string `json:"resources,omitempty"`

	// Assigned lists the linked resources that receive propagation.
	Assigned []string `json:"assigned,omitempty"`
}

// LinkedTo returns true if the identity is linked to the resource.
func (i Identity) LinkedTo(resource string) bool {
	for _, r := range i.Resources {
		if r == resource {
			return true
		}
	}
	return false
}

// IdentityDelta is the change the engine asks the store to save.
type IdentityDelta struct {
	AnyType string
	Key     string

	// Create asks the store to create the identity; Key may be empty.
	Create bool

	// Attributes replaces the named attributes.
	Attributes Attributes

	// Link and Unlink add or remove resource associations.
	Link   []string
	Unlink []string

	// Assign adds resource associations that also receive propagation.
	Assign []string
}

// IsEmpty returns true if the delta changes nothing.
func (d IdentityDelta) IsEmpty() bool {
	return !d.Create && len(d.Attributes) == 0 && len(d.Link) == 0 &&
		len(d.Unlink) == 0 && len(d.Assign) == 0
}

// ValueString renders an attribute value for comparison and addressing.
func ValueString(v interface{}) string {
	return toString(v)
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

func equalFold(a, b string) bool {
	return strings.EqualFold(a, b)
}
