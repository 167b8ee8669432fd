package engine

import (
	"encoding/json"
	"fmt"
)

// ExecStatus is the outcome of one propagation attempt against one resource.
type ExecStatus string

const (
	// ExecStatusCreated indicates the object did not exist and was created.
	ExecStatusCreated ExecStatus = "CREATED"

	// ExecStatusSuccess indicates the operation was applied to an existing object.
	ExecStatusSuccess ExecStatus = "SUCCESS"

	// ExecStatusFailure indicates the attempt was made and failed.
	ExecStatusFailure ExecStatus = "FAILURE"

	// ExecStatusNotAttempted indicates no native call was made: the task was
	// queued for asynchronous execution, gated by a missing capability, or
	// skipped after cancellation.
	ExecStatusNotAttempted ExecStatus = "NOT_ATTEMPTED"
)

// IsSuccessful returns true for CREATED and SUCCESS.
func (s ExecStatus) IsSuccessful() bool {
	return s == ExecStatusCreated || s == ExecStatusSuccess
}

// IsTerminal returns true when no further execution is expected.
func (s ExecStatus) IsTerminal() bool {
	return s == ExecStatusCreated || s == ExecStatusSuccess || s == ExecStatusFailure
}

// Validate checks if the exec status is valid.
func (s ExecStatus) Validate() error {
	switch s {
	case ExecStatusCreated, ExecStatusSuccess, ExecStatusFailure, ExecStatusNotAttempted:
		return nil
	default:
		return fmt.Errorf("invalid exec status: %s", s)
	}
}

// ResourceOperation is the native operation a task performs.
type ResourceOperation string

const (
	// OperationCreate creates the remote object.
	OperationCreate ResourceOperation = "CREATE"

	// OperationUpdate updates the remote object.
	OperationUpdate ResourceOperation = "UPDATE"

	// OperationDelete deletes the remote object.
	OperationDelete ResourceOperation = "DELETE"

	// OperationNone performs nothing on the resource.
	OperationNone ResourceOperation = "NONE"
)

// IsMutating returns true if the operation changes remote state.
func (o ResourceOperation) IsMutating() bool {
	return o == OperationCreate || o == OperationUpdate || o == OperationDelete
}

// Validate checks if the operation is valid.
func (o ResourceOperation) Validate() error {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete, OperationNone:
		return nil
	default:
		return fmt.Errorf("invalid resource operation: %s", o)
	}
}

// ReportStatus is the outcome recorded for one object of a pull or push run.
type ReportStatus string

const (
	// ReportStatusSuccess indicates the decided action was applied (or would be, in dry-run).
	ReportStatusSuccess ReportStatus = "SUCCESS"

	// ReportStatusIgnore indicates the object was deliberately skipped.
	ReportStatusIgnore ReportStatus = "IGNORE"

	// ReportStatusFailure indicates the object could not be processed.
	ReportStatusFailure ReportStatus = "FAILURE"
)

// Validate checks if the report status is valid.
func (s ReportStatus) Validate() error {
	switch s {
	case ReportStatusSuccess, ReportStatusIgnore, ReportStatusFailure:
		return nil
	default:
		return fmt.Errorf("invalid report status: %s", s)
	}
}

// ReportStatusFor maps a propagation outcome onto a reconciliation report status.
func ReportStatusFor(s ExecStatus) ReportStatus {
	switch s {
	case ExecStatusSuccess, ExecStatusCreated:
		return ReportStatusSuccess
	case ExecStatusFailure:
		return ReportStatusFailure
	default:
		return ReportStatusIgnore
	}
}

// MatchingRule decides what happens to an object that corresponds to an
// existing identity.
type MatchingRule string

const (
	// MatchingUpdate applies the object's attributes to its counterpart.
	MatchingUpdate MatchingRule = "UPDATE"

	// MatchingDeprovision removes the object from the resource and unlinks it.
	MatchingDeprovision MatchingRule = "DEPROVISION"

	// MatchingUnassign unlinks the identity and removes the remote object.
	MatchingUnassign MatchingRule = "UNASSIGN"

	// MatchingUnlink removes the association without touching the resource.
	MatchingUnlink MatchingRule = "UNLINK"

	// MatchingLink creates the association without altering attributes.
	MatchingLink MatchingRule = "LINK"

	// MatchingIgnore records the object and skips it.
	MatchingIgnore MatchingRule = "IGNORE"
)

// Validate checks if the matching rule is valid.
func (r MatchingRule) Validate() error {
	switch r {
	case MatchingUpdate, MatchingDeprovision, MatchingUnassign,
		MatchingUnlink, MatchingLink, MatchingIgnore:
		return nil
	default:
		return fmt.Errorf("invalid matching rule: %s", r)
	}
}

// Operation returns the resource operation reported for this rule.
func (r MatchingRule) Operation() ResourceOperation {
	switch r {
	case MatchingUpdate:
		return OperationUpdate
	case MatchingDeprovision, MatchingUnassign:
		return OperationDelete
	default:
		return OperationNone
	}
}

// UnmatchingRule decides what happens to an object with no counterpart.
type UnmatchingRule string

const (
	// UnmatchingProvision creates the counterpart, then links it.
	UnmatchingProvision UnmatchingRule = "PROVISION"

	// UnmatchingAssign creates the counterpart with the resource assigned.
	UnmatchingAssign UnmatchingRule = "ASSIGN"

	// UnmatchingLink records the association only.
	UnmatchingLink UnmatchingRule = "LINK"

	// UnmatchingIgnore records the object and skips it.
	UnmatchingIgnore UnmatchingRule = "IGNORE"
)

// Validate checks if the unmatching rule is valid.
func (r UnmatchingRule) Validate() error {
	switch r {
	case UnmatchingProvision, UnmatchingAssign, UnmatchingLink, UnmatchingIgnore:
		return nil
	default:
		return fmt.Errorf("invalid unmatching rule: %s", r)
	}
}

// Operation returns the resource operation reported for this rule.
func (r UnmatchingRule) Operation() ResourceOperation {
	switch r {
	case UnmatchingProvision, UnmatchingAssign:
		return OperationCreate
	default:
		return OperationNone
	}
}

// MappingPurpose states which direction a mapping item participates in.
type MappingPurpose string

const (
	// PurposePropagation applies the item when translating to native form.
	PurposePropagation MappingPurpose = "PROPAGATION"

	// PurposePull applies the item when translating from native form.
	PurposePull MappingPurpose = "PULL"

	// PurposeBoth applies the item in both directions.
	PurposeBoth MappingPurpose = "BOTH"

	// PurposeNone keeps the item declared but inactive.
	PurposeNone MappingPurpose = "NONE"
)

// ForPropagation returns true if the item is used when building native payloads.
func (p MappingPurpose) ForPropagation() bool {
	return p == PurposePropagation || p == PurposeBoth
}

// ForPull returns true if the item is used when reading native objects.
func (p MappingPurpose) ForPull() bool {
	return p == PurposePull || p == PurposeBoth
}

// Validate checks if the purpose is valid.
func (p MappingPurpose) Validate() error {
	switch p {
	case PurposePropagation, PurposePull, PurposeBoth, PurposeNone:
		return nil
	default:
		return fmt.Errorf("invalid mapping purpose: %s", p)
	}
}

// PullMode selects how a pull run reads the resource.
type PullMode string

const (
	// PullModeFull reads every object of the object class.
	PullModeFull PullMode = "FULL_RECONCILIATION"

	// PullModeFiltered reads objects matching the profile filter.
	PullModeFiltered PullMode = "FILTERED_RECONCILIATION"

	// PullModeIncremental reads deltas since the stored sync token.
	PullModeIncremental PullMode = "INCREMENTAL"
)

// Validate checks if the pull mode is valid.
func (m PullMode) Validate() error {
	switch m {
	case PullModeFull, PullModeFiltered, PullModeIncremental:
		return nil
	default:
		return fmt.Errorf("invalid pull mode: %s", m)
	}
}

// SyncDeltaType distinguishes changes reported by an incremental sync.
type SyncDeltaType string

const (
	// DeltaCreateOrUpdate reports an object that was created or changed.
	DeltaCreateOrUpdate SyncDeltaType = "CREATE_OR_UPDATE"

	// DeltaDelete reports an object that was removed from the resource.
	DeltaDelete SyncDeltaType = "DELETE"
)

// BackoffStrategy selects how the re-attempt delay grows.
type BackoffStrategy string

const (
	// BackoffFixed waits the initial delay every time.
	BackoffFixed BackoffStrategy = "FIXED"

	// BackoffExponential multiplies the delay each attempt, up to the maximum.
	BackoffExponential BackoffStrategy = "EXPONENTIAL"

	// BackoffRandom picks an exponential delay with random jitter.
	BackoffRandom BackoffStrategy = "RANDOM"
)

// Validate checks if the backoff strategy is valid.
func (b BackoffStrategy) Validate() error {
	switch b {
	case BackoffFixed, BackoffExponential, BackoffRandom:
		return nil
	default:
		return fmt.Errorf("invalid backoff strategy: %s", b)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s ExecStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *ExecStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ExecStatus(str)
	return s.Validate()
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (o ResourceOperation) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(o))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (o *ResourceOperation) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*o = ResourceOperation(str)
	return o.Validate()
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s ReportStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *ReportStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ReportStatus(str)
	return s.Validate()
}
