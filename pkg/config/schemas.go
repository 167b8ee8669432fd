package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry holds CUE definitions workspace values are unified with.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry with the built-in workspace schema
// registered as "workspace".
func NewSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	if ctx == nil {
		ctx = cuecontext.New()
	}
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema("workspace", builtinWorkspaceSchema, "#Workspace"); err != nil {
		panic(fmt.Sprintf("built-in workspace schema: %v", err))
	}
	return sr
}

// RegisterSchema compiles src and registers the definition def under name.
func (sr *SchemaRegistry) RegisterSchema(name, src, def string) error {
	val := sr.ctx.CompileString(src, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	defVal := val.LookupPath(cue.ParsePath(def))
	if !defVal.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, def)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.schemas[name] = defVal
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Unify unifies data with the named schema and checks that the result is
// concrete. The unified value carries schema defaults.
func (sr *SchemaRegistry) Unify(name string, data cue.Value) (cue.Value, error) {
	schema, ok := sr.GetSchema(name)
	if !ok {
		return cue.Value{}, fmt.Errorf("schema %s not found", name)
	}
	unified := schema.Unify(data)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, err
	}
	return unified, nil
}

// ListSchemas returns the registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinWorkspaceSchema = `
#Duration: string | int

#Pool: {
	maxObjects?:       int & >=0
	minIdle?:          int & >=0
	maxIdle?:          int & >=0
	maxWait?:          #Duration
	minEvictableIdle?: #Duration
}

#Capability: "CREATE" | "UPDATE" | "DELETE" | "SEARCH" | "PAGED_SEARCH" |
	"SYNC" | "AUTHENTICATE" | "IDEMPOTENT_CREATE"

#Connector: {
	key?:           string
	bundle:         string & !=""
	version?:       string
	connectorName?: string
	displayName?:   string
	properties?: {[string]: _}
	capabilities?: [...#Capability]
	pool?:           #Pool
	requestTimeout?: #Duration
}

#Item: {
	intAttrName:             string & !=""
	extAttrName:             string & !=""
	connObjectKey?:          bool
	mandatoryCondition?:     string
	purpose?:                "PROPAGATION" | "PULL" | "BOTH" | "NONE"
	propagationTransformer?: string
	pullTransformer?:        string
}

#Provision: {
	anyType:     string & !=""
	objectClass: string & !=""
	auxClasses?: [...string]
	items: [#Item, ...#Item]
}

#Resource: {
	key?:                     string
	connector:                string & !=""
	priority?:                int
	blockingPriority?:        bool
	async?:                   bool
	fetchAroundProvisioning?: bool
	retry?: {
		maxAttempts?: int & >=0
		backoff?:     "FIXED" | "EXPONENTIAL" | "RANDOM"
		initial?:     #Duration
		max?:         #Duration
		multiplier?:  number & >=0
	}
	actions?: string
	provisions: [#Provision, ...#Provision]
}

#Profile: {
	name?:           string
	direction:       "PULL" | "PUSH"
	resource:        string & !=""
	anyType?:        string
	mode?:           "FULL_RECONCILIATION" | "FILTERED_RECONCILIATION" | "INCREMENTAL"
	filter?: {[string]: _}
	matchingRule:    "UPDATE" | "DEPROVISION" | "UNASSIGN" | "UNLINK" | "LINK" | "IGNORE"
	unmatchingRule:  "PROVISION" | "ASSIGN" | "LINK" | "IGNORE"
	performCreate?:  bool
	performUpdate?:  bool
	performDelete?:  bool
	concurrency?:    int & >=0
	pageSize?:       int & >=0
	correlation?: {
		rule?:       string
		attributes?: [...string]
	}
	actions?:  string
	schedule?: string
}

#Engine: {
	pool?:           #Pool
	evictInterval?:  #Duration
	fanOut?:         int & >=0
	requestTimeout?: #Duration
	acquireTimeout?: #Duration
	hookTimeout?:    #Duration
	storePath?:      string
	queue?: {
		backend?:  "sqlite" | "redis"
		redisURL?: string
		key?:      string
	}
	reattempt?: {
		schedule?:  string
		batchSize?: int & >=0
	}
	metricsAddr?: string
	bundlesDir?:  string
	policyPaths?: [...string]
	tracing?: {
		exporter?:    "none" | "stdout" | "otlp"
		endpoint?:    string
		sampleRate?:  number & >=0 & <=1
		environment?: string
	}
}

#Workspace: {
	name:    string & !=""
	engine?: #Engine
	connectors: [string]: #Connector
	resources: [string]:  #Resource
	profiles?: [string]:  #Profile
}
`
