package engine

import (
	"context"
	"time"
)

// Filter is a conjunction of attribute equality terms. An empty filter matches everything.
type Filter struct {
	Terms []FilterTerm `json:"terms,omitempty"`
}

// FilterTerm compares one attribute with one value.
type FilterTerm struct {
	Attribute string      `json:"attribute"`
	Value     interface{} `json:"value"`
}

// EqualsFilter builds a single-term filter.
func EqualsFilter(attribute string, value interface{}) *Filter {
	return &Filter{Terms: []FilterTerm{{Attribute: attribute, Value: value}}}
}

// IsEmpty returns true if the filter has no terms.
func (f *Filter) IsEmpty() bool {
	return f == nil || len(f.Terms) == 0
}

// Matches evaluates the filter against a connector object.
func (f *Filter) Matches(obj *ConnectorObject) bool {
	if f.IsEmpty() {
		return true
	}
	for _, term := range f.Terms {
		if term.Attribute == UIDAttribute {
			if obj.UID != toString(term.Value) {
				return false
			}
			continue
		}
		values, ok := obj.Attributes.Get(term.Attribute)
		if !ok {
			return false
		}
		found := false
		for _, v := range values {
			if toString(v) == toString(term.Value) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// SearchOptions control a paged search.
type SearchOptions struct {
	// PageSize is the requested page size. Zero means DefaultPageSize.
	PageSize int

	// Cookie is the opaque cursor returned by the previous page.
	Cookie string

	// AttributesToGet limits the returned attributes. Empty means all.
	AttributesToGet []string
}

// SearchResult is one page of search results.
type SearchResult struct {
	Objects []*ConnectorObject

	// NextCookie is empty when no further page exists.
	NextCookie string
}

// SyncDelta is one change reported by an incremental sync.
type SyncDelta struct {
	Type   SyncDeltaType
	UID    string
	Object *ConnectorObject
	Token  string
}

// AttributeInfo describes one native attribute of an object class.
type AttributeInfo struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type,omitempty" yaml:"type,omitempty"`
	Required    bool   `json:"required,omitempty" yaml:"required,omitempty"`
	MultiValued bool   `json:"multi_valued,omitempty" yaml:"multiValued,omitempty"`
}

// ObjectClassInfo describes an object class a connector exposes.
type ObjectClassInfo struct {
	Name       string          `json:"name" yaml:"name"`
	Attributes []AttributeInfo `json:"attributes" yaml:"attributes"`
}

// Attribute returns the named attribute description, case-insensitively.
func (o *ObjectClassInfo) Attribute(name string) (AttributeInfo, bool) {
	for _, a := range o.Attributes {
		if equalFold(a.Name, name) {
			return a, true
		}
	}
	return AttributeInfo{}, false
}

// Schema is the set of object classes a connector exposes.
type Schema struct {
	ObjectClasses []ObjectClassInfo `json:"object_classes" yaml:"objectClasses"`
}

// ObjectClass returns the named object class.
func (s *Schema) ObjectClass(name string) (*ObjectClassInfo, bool) {
	if s == nil {
		return nil, false
	}
	for i := range s.ObjectClasses {
		if equalFold(s.ObjectClasses[i].Name, name) {
			return &s.ObjectClasses[i], true
		}
	}
	return nil, false
}

// Connector is the capability interface consumed from connector adapters.
// Operations the instance does not advertise return ErrUnsupported.
type Connector interface {
	// Capabilities returns what the underlying implementation supports.
	Capabilities() CapabilitySet

	// Schema describes the object classes and attributes of the resource.
	Schema(ctx context.Context) (*Schema, error)

	// Create creates an object and returns its UID.
	Create(ctx context.Context, objectClass string, attrs Attributes) (string, error)

	// Update replaces the given attributes of the object addressed by uid and
	// returns the UID after the update (it changes on renames).
	Update(ctx context.Context, objectClass, uid string, attrs Attributes) (string, error)

	// Delete removes the object addressed by uid.
	Delete(ctx context.Context, objectClass, uid string) error

	// Search returns one page of objects matching the filter.
	Search(ctx context.Context, objectClass string, filter *Filter, opts SearchOptions) (*SearchResult, error)

	// Close releases the underlying connection.
	Close() error
}

// Tester is implemented by connectors that can validate their connection.
type Tester interface {
	Test(ctx context.Context) error
}

// SyncConnector is implemented by connectors supporting incremental sync.
type SyncConnector interface {
	Connector

	// Sync returns the deltas recorded after token and the newest token.
	Sync(ctx context.Context, objectClass, token string) ([]SyncDelta, string, error)

	// LatestSyncToken returns the current token without reading deltas.
	LatestSyncToken(ctx context.Context, objectClass string) (string, error)
}

// ConnectorFactory creates connectors for a connector instance.
type ConnectorFactory interface {
	New(ctx context.Context, instance ConnectorInstance) (Connector, error)
}

// ConnectorFactoryFunc adapts a function to ConnectorFactory.
type ConnectorFactoryFunc func(ctx context.Context, instance ConnectorInstance) (Connector, error)

// New calls f.
func (f ConnectorFactoryFunc) New(ctx context.Context, instance ConnectorInstance) (Connector, error) {
	return f(ctx, instance)
}

// IdentityStore is the identity-store collaborator. The engine never touches
// identity storage beyond these calls.
type IdentityStore interface {
	// FindByKey returns the identity or ErrObjectNotFound.
	FindByKey(ctx context.Context, anyType, key string) (*Identity, error)

	// FindByCorrelation returns every identity whose attributes equal all given values.
	FindByCorrelation(ctx context.Context, anyType string, attrs map[string]interface{}) ([]*Identity, error)

	// Save applies a delta and returns the resulting identity.
	Save(ctx context.Context, delta IdentityDelta) (*Identity, error)

	// Delete removes the identity.
	Delete(ctx context.Context, anyType, key string) error

	// List returns a page of identities for push. An empty next cursor ends the scan.
	List(ctx context.Context, anyType, cursor string, size int) ([]*Identity, string, error)
}

// TaskRecorder receives propagation tasks and their executions.
type TaskRecorder interface {
	RecordTask(ctx context.Context, task *PropagationTask) error
	RecordExecution(ctx context.Context, exec TaskExecution, status PropagationStatus) error
}

// ReportRecorder receives the reports of a pull or push run.
type ReportRecorder interface {
	RecordReports(ctx context.Context, runID string, reports []ProvisioningReport) error
}

// QueuedTask is a task waiting for asynchronous execution.
type QueuedTask struct {
	Task      *PropagationTask
	Attempts  int
	NotBefore time.Time
}

// TaskQueue holds tasks for the asynchronous re-attempt path.
type TaskQueue interface {
	// Enqueue stores a task due at notBefore with the given past attempt count.
	Enqueue(ctx context.Context, task *PropagationTask, attempts int, notBefore time.Time) error

	// Due removes and returns up to limit tasks due at or before now.
	Due(ctx context.Context, now time.Time, limit int) ([]QueuedTask, error)

	// Len returns the number of queued tasks.
	Len(ctx context.Context) (int, error)
}

// SyncTokenStore persists incremental sync tokens per resource and object class.
type SyncTokenStore interface {
	SyncToken(ctx context.Context, resource, objectClass string) (string, error)
	SetSyncToken(ctx context.Context, resource, objectClass, token string) error
}
