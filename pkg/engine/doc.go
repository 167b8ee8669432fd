// Package engine provides the core types and interfaces of the provisio
// provisioning engine.
//
// # Overview
//
// provisio keeps identities held in a central store consistent with external
// resources (directories, databases, flat files, web services) reachable only
// through connectors. The engine is split into four components, leaves first:
//
//  1. Connector Pool (pkg/pool) - bounded, evicting sets of live connector handles
//  2. Mapping Translator (pkg/mapping) - internal <-> native attribute translation
//  3. Propagation Executor (pkg/propagation) - pushes identity changes to resources
//  4. Reconciliation Engine (pkg/reconcile) - pull and push runs with matching rules
//
// This package holds what they share: the data model, the connector and
// identity-store collaborator interfaces, status enums and the error taxonomy.
//
// # Core Domain Types
//
//   - ConnectorInstance: a connector bundle plus its properties, capabilities and PoolConfig
//   - ExternalResource: a resource with one Provision (object class + Mapping) per any-type
//   - Mapping / Item: immutable mapping built with NewMappingBuilder
//   - PropagationTask: immutable unit of propagation work built with NewPropagationTaskBuilder
//   - PropagationStatus: per-resource outcome (CREATED, SUCCESS, FAILURE, NOT_ATTEMPTED)
//   - ProvisioningReport: per-object outcome of a pull or push run (SUCCESS, IGNORE, FAILURE)
//   - MatchingRule / UnmatchingRule: reconciliation decisions
//
// # Connector Interface
//
// Connectors implement a small capability interface:
//
//	type Connector interface {
//	    Capabilities() CapabilitySet
//	    Schema(ctx context.Context) (*Schema, error)
//	    Create(ctx context.Context, objectClass string, attrs Attributes) (string, error)
//	    Update(ctx context.Context, objectClass, uid string, attrs Attributes) (string, error)
//	    Delete(ctx context.Context, objectClass, uid string) error
//	    Search(ctx context.Context, objectClass string, filter *Filter, opts SearchOptions) (*SearchResult, error)
//	    Close() error
//	}
//
// Incremental sync is an optional extension (SyncConnector), as is connection
// testing (Tester).
//
// # Error Classification
//
// Every failure the engine records carries an ErrorKind:
//
//   - ConfigurationError: bad mapping or pool settings; fatal for the setup
//   - RequiredValueMissing: mandatory item without value; fails one object
//   - ConnectorUnavailable: no handle could be created or acquired
//   - NativeOperationFailure: the resource rejected the operation
//   - TimeoutError: pool acquire or connector call over budget
//   - MatchAmbiguous: several identities match one remote object
//
// and an ErrorClass (transient, throttled, conflict, permanent) that drives
// the asynchronous re-attempt path.
//
// # Usage Example
//
//	mapping, err := engine.NewMappingBuilder().
//	    Key("username", "uid").
//	    Attr("email", "mail").
//	    Build()
//	if err != nil {
//	    return err
//	}
//
//	task, err := engine.NewPropagationTaskBuilder("ldap", engine.OperationCreate).
//	    Entity(engine.AnyTypeUser, "u-1").
//	    ObjectClass("__ACCOUNT__").
//	    ConnObjectKey("uid", "jdoe").
//	    Attributes(native).
//	    Build()
package engine
