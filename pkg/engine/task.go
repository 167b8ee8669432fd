package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// IdentityChange describes a mutation of one identity that has to reach its resources.
type IdentityChange struct {
	// AnyType is the identity's any-type.
	AnyType string

	// Key is the internal identity key.
	Key string

	// Operation is the kind of change: CREATE, UPDATE or DELETE.
	Operation ResourceOperation

	// Attributes are the already-resolved current attribute values.
	Attributes Attributes

	// Before holds the attribute values prior to the change, when known.
	// It is used to detect connObjectKey renames.
	Before Attributes
}

// Validate checks the change is well formed.
func (c IdentityChange) Validate() error {
	if c.AnyType == "" {
		return fmt.Errorf("identity change has no any-type")
	}
	if err := c.Operation.Validate(); err != nil {
		return err
	}
	if !c.Operation.IsMutating() {
		return fmt.Errorf("identity change operation must be CREATE, UPDATE or DELETE, got %s", c.Operation)
	}
	return nil
}

// PropagationTask is one immutable, resource-bound unit of propagation work.
type PropagationTask struct {
	id               string
	resource         string
	connectorKey     string
	anyType          string
	entityKey        string
	objectClass      string
	operation        ResourceOperation
	connObjectKey    string
	oldConnObjectKey string
	keyAttribute     string
	attributes       Attributes
	createdAt        time.Time
}

func (t *PropagationTask) ID() string                   { return t.id }
func (t *PropagationTask) Resource() string             { return t.resource }
func (t *PropagationTask) ConnectorKey() string         { return t.connectorKey }
func (t *PropagationTask) AnyType() string              { return t.anyType }
func (t *PropagationTask) EntityKey() string            { return t.entityKey }
func (t *PropagationTask) ObjectClass() string          { return t.objectClass }
func (t *PropagationTask) Operation() ResourceOperation { return t.operation }
func (t *PropagationTask) ConnObjectKey() string        { return t.connObjectKey }
func (t *PropagationTask) OldConnObjectKey() string     { return t.oldConnObjectKey }
func (t *PropagationTask) KeyAttribute() string         { return t.keyAttribute }
func (t *PropagationTask) CreatedAt() time.Time         { return t.createdAt }

// Attributes returns a copy of the native payload.
func (t *PropagationTask) Attributes() Attributes { return t.attributes.Clone() }

// LookupKey returns the connObjectKey value the remote object currently has:
// the old key for renames, the new key otherwise.
func (t *PropagationTask) LookupKey() string {
	if t.oldConnObjectKey != "" {
		return t.oldConnObjectKey
	}
	return t.connObjectKey
}

// PropagationTaskBuilder assembles a PropagationTask.
type PropagationTaskBuilder struct {
	task PropagationTask
}

// NewPropagationTaskBuilder starts a task for a resource and operation.
func NewPropagationTaskBuilder(resource string, op ResourceOperation) *PropagationTaskBuilder {
	return &PropagationTaskBuilder{task: PropagationTask{resource: resource, operation: op}}
}

// ID sets an explicit task ID. A new UUID is generated otherwise.
func (b *PropagationTaskBuilder) ID(id string) *PropagationTaskBuilder {
	b.task.id = id
	return b
}

// Connector sets the connector instance key.
func (b *PropagationTaskBuilder) Connector(key string) *PropagationTaskBuilder {
	b.task.connectorKey = key
	return b
}

// Entity sets the any-type and internal key of the identity.
func (b *PropagationTaskBuilder) Entity(anyType, key string) *PropagationTaskBuilder {
	b.task.anyType = anyType
	b.task.entityKey = key
	return b
}

// ObjectClass sets the native object class.
func (b *PropagationTaskBuilder) ObjectClass(oc string) *PropagationTaskBuilder {
	b.task.objectClass = oc
	return b
}

// ConnObjectKey sets the key attribute name and its target value.
func (b *PropagationTaskBuilder) ConnObjectKey(attr, value string) *PropagationTaskBuilder {
	b.task.keyAttribute = attr
	b.task.connObjectKey = value
	return b
}

// OldConnObjectKey sets the previous key value for renames.
func (b *PropagationTaskBuilder) OldConnObjectKey(value string) *PropagationTaskBuilder {
	b.task.oldConnObjectKey = value
	return b
}

// Attributes sets the native payload. The builder keeps its own copy.
func (b *PropagationTaskBuilder) Attributes(attrs Attributes) *PropagationTaskBuilder {
	b.task.attributes = attrs.Clone()
	return b
}

// CreatedAt overrides the creation timestamp.
func (b *PropagationTaskBuilder) CreatedAt(ts time.Time) *PropagationTaskBuilder {
	b.task.createdAt = ts
	return b
}

// Build validates and returns the task.
func (b *PropagationTaskBuilder) Build() (*PropagationTask, error) {
	t := b.task
	if t.resource == "" {
		return nil, fmt.Errorf("task has no resource")
	}
	if err := t.operation.Validate(); err != nil {
		return nil, err
	}
	if !t.operation.IsMutating() {
		return nil, fmt.Errorf("task operation must be CREATE, UPDATE or DELETE, got %s", t.operation)
	}
	if t.connObjectKey == "" {
		return nil, NewRequiredValueMissingError("connObjectKey")
	}
	if t.oldConnObjectKey == t.connObjectKey {
		t.oldConnObjectKey = ""
	}
	if t.id == "" {
		t.id = uuid.New().String()
	}
	if t.createdAt.IsZero() {
		t.createdAt = time.Now().UTC()
	}
	if t.attributes == nil {
		t.attributes = Attributes{}
	}
	return &t, nil
}

type taskJSON struct {
	ID               string            `json:"id"`
	Resource         string            `json:"resource"`
	ConnectorKey     string            `json:"connector_key"`
	AnyType          string            `json:"any_type"`
	EntityKey        string            `json:"entity_key"`
	ObjectClass      string            `json:"object_class"`
	Operation        ResourceOperation `json:"operation"`
	ConnObjectKey    string            `json:"conn_object_key"`
	OldConnObjectKey string            `json:"old_conn_object_key,omitempty"`
	KeyAttribute     string            `json:"key_attribute"`
	Attributes       Attributes        `json:"attributes"`
	CreatedAt        time.Time         `json:"created_at"`
}

// MarshalJSON encodes the task for queues and audit storage.
func (t *PropagationTask) MarshalJSON() ([]byte, error) {
	return json.Marshal(taskJSON{
		ID:               t.id,
		Resource:         t.resource,
		ConnectorKey:     t.connectorKey,
		AnyType:          t.anyType,
		EntityKey:        t.entityKey,
		ObjectClass:      t.objectClass,
		Operation:        t.operation,
		ConnObjectKey:    t.connObjectKey,
		OldConnObjectKey: t.oldConnObjectKey,
		KeyAttribute:     t.keyAttribute,
		Attributes:       t.attributes,
		CreatedAt:        t.createdAt,
	})
}

// UnmarshalJSON decodes a task previously encoded with MarshalJSON.
func (t *PropagationTask) UnmarshalJSON(data []byte) error {
	var w taskJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	built, err := NewPropagationTaskBuilder(w.Resource, w.Operation).
		ID(w.ID).
		Connector(w.ConnectorKey).
		Entity(w.AnyType, w.EntityKey).
		ObjectClass(w.ObjectClass).
		ConnObjectKey(w.KeyAttribute, w.ConnObjectKey).
		OldConnObjectKey(w.OldConnObjectKey).
		Attributes(w.Attributes).
		CreatedAt(w.CreatedAt).
		Build()
	if err != nil {
		return err
	}
	*t = *built
	return nil
}

// TaskExecution records one attempt of a propagation task.
type TaskExecution struct {
	ID      string     `json:"id"`
	TaskID  string     `json:"task_id"`
	Attempt int        `json:"attempt"`
	Status  ExecStatus `json:"status"`
	Message string     `json:"message,omitempty"`
	Start   time.Time  `json:"start"`
	End     time.Time  `json:"end"`
}

// PropagationStatus is the per-resource outcome of one propagation attempt.
type PropagationStatus struct {
	TaskID        string            `json:"task_id,omitempty"`
	Resource      string            `json:"resource"`
	Operation     ResourceOperation `json:"operation"`
	Status        ExecStatus        `json:"status"`
	FailureReason string            `json:"failure_reason,omitempty"`
	FailureKind   ErrorKind         `json:"failure_kind,omitempty"`
	BeforeObject  *ConnectorObject  `json:"before_object,omitempty"`
	AfterObject   *ConnectorObject  `json:"after_object,omitempty"`
}

// ReconcileState is a state of the per-object reconciliation state machine.
type ReconcileState string

const (
	StateFetched       ReconcileState = "FETCHED"
	StateMatched       ReconcileState = "MATCHED"
	StateUnmatched     ReconcileState = "UNMATCHED"
	StateUpdated       ReconcileState = "UPDATED"
	StateDeprovisioned ReconcileState = "DEPROVISIONED"
	StateUnassigned    ReconcileState = "UNASSIGNED"
	StateUnlinked      ReconcileState = "UNLINKED"
	StateLinked        ReconcileState = "LINKED"
	StateIgnored       ReconcileState = "IGNORED"
	StateProvisioned   ReconcileState = "PROVISIONED"
	StateAssigned      ReconcileState = "ASSIGNED"
	StateDeleted       ReconcileState = "DELETED"
	StateError         ReconcileState = "ERROR"
)

// IsTerminal returns true for states that end an object's processing.
func (s ReconcileState) IsTerminal() bool {
	switch s {
	case StateFetched, StateMatched, StateUnmatched:
		return false
	default:
		return true
	}
}

// ProvisioningReport is the outcome of one object in a pull or push run.
type ProvisioningReport struct {
	Resource  string            `json:"resource"`
	Status    ReportStatus      `json:"status"`
	Operation ResourceOperation `json:"operation"`
	AnyType   string            `json:"any_type"`
	Key       string            `json:"key,omitempty"`
	UidValue  string            `json:"uid_value,omitempty"`
	Message   string            `json:"message,omitempty"`
	State     ReconcileState    `json:"state"`
	Rule      string            `json:"rule,omitempty"`
}
