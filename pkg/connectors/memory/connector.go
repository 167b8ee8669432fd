// Package memory implements an in-process connector backed by go-memdb.
//
// It is used for tests, demos and as a staging area for identities that have
// no real target yet. All connectors created for the same instance key share
// one Store, so pooled handles observe each other's writes.
//
// Recognized instance properties:
//
//	uidAttribute      native attribute holding the object UID (default "uid")
//	capabilities      list of advertised capabilities (default: all but IDEMPOTENT_CREATE)
//	idempotentCreate  create overwrites an existing object instead of failing
//	delay             duration every call waits before running, e.g. "50ms"
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openfroyo/provisio/pkg/engine"
)

// BundleName is the registry name of this connector.
const BundleName = "memory"

// BundleVersion is the registry version of this connector.
const BundleVersion = "1.0.0"

// DefaultUIDAttribute is used when the instance sets no uidAttribute.
const DefaultUIDAttribute = "uid"

// Factory creates memory connectors and owns their stores.
type Factory struct {
	mu     sync.Mutex
	stores map[string]*Store
}

// NewFactory creates a factory with no stores.
func NewFactory() *Factory {
	return &Factory{stores: make(map[string]*Store)}
}

// Store returns the store of an instance key, creating it on first use.
func (f *Factory) Store(key string) *Store {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.stores[key]
	if !ok {
		s = NewStore()
		f.stores[key] = s
	}
	return s
}

// New implements engine.ConnectorFactory.
func (f *Factory) New(ctx context.Context, instance engine.ConnectorInstance) (engine.Connector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	caps, err := capabilities(instance)
	if err != nil {
		return nil, err
	}
	var delay time.Duration
	if raw := instance.StringProperty("delay", ""); raw != "" {
		delay, err = time.ParseDuration(raw)
		if err != nil {
			return nil, engine.NewConfigurationError(fmt.Sprintf("invalid delay %q", raw), err)
		}
	}
	return &Connector{
		store:      f.Store(instance.Key),
		uidAttr:    instance.StringProperty("uidAttribute", DefaultUIDAttribute),
		caps:       caps,
		idempotent: instance.BoolProperty("idempotentCreate"),
		delay:      delay,
	}, nil
}

func capabilities(instance engine.ConnectorInstance) (engine.CapabilitySet, error) {
	defaults := []engine.Capability{
		engine.CapabilityCreate, engine.CapabilityUpdate, engine.CapabilityDelete,
		engine.CapabilitySearch, engine.CapabilityPagedSearch, engine.CapabilitySync,
	}
	if instance.BoolProperty("idempotentCreate") {
		defaults = append(defaults, engine.CapabilityIdempotentCreate)
	}
	return instance.CapabilitiesProperty(defaults...)
}

// Connector is one handle on a Store.
type Connector struct {
	store      *Store
	uidAttr    string
	caps       engine.CapabilitySet
	idempotent bool
	delay      time.Duration
	closed     atomic.Bool
}

var (
	_ engine.SyncConnector = (*Connector)(nil)
	_ engine.Tester        = (*Connector)(nil)
)

// Store returns the backing store.
func (c *Connector) Store() *Store {
	return c.store
}

// Capabilities implements engine.Connector.
func (c *Connector) Capabilities() engine.CapabilitySet {
	return c.caps
}

func (c *Connector) begin(ctx context.Context, op string) error {
	if c.closed.Load() {
		return engine.ErrConnectionBroken
	}
	if err := c.store.enter(op); err != nil {
		return err
	}
	if c.delay > 0 {
		t := time.NewTimer(c.delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return ctx.Err()
}

// Schema reports one object class per class currently stored, with the
// union of attribute names seen.
func (c *Connector) Schema(ctx context.Context) (*engine.Schema, error) {
	if err := c.begin(ctx, "schema"); err != nil {
		return nil, err
	}
	txn := c.store.db.Txn(false)
	it, err := txn.Get(tableObjects, "class_prefix", "")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]map[string]struct{})
	for raw := it.Next(); raw != nil; raw = it.Next() {
		rec := raw.(*record)
		attrs, ok := seen[rec.ObjectClass]
		if !ok {
			attrs = map[string]struct{}{c.uidAttr: {}}
			seen[rec.ObjectClass] = attrs
		}
		for _, n := range rec.Attributes.Names() {
			attrs[n] = struct{}{}
		}
	}

	schema := &engine.Schema{}
	for oc, attrs := range seen {
		info := engine.ObjectClassInfo{Name: oc}
		for n := range attrs {
			info.Attributes = append(info.Attributes, engine.AttributeInfo{Name: n, Required: n == c.uidAttr})
		}
		sort.Slice(info.Attributes, func(i, j int) bool { return info.Attributes[i].Name < info.Attributes[j].Name })
		schema.ObjectClasses = append(schema.ObjectClasses, info)
	}
	sort.Slice(schema.ObjectClasses, func(i, j int) bool {
		return schema.ObjectClasses[i].Name < schema.ObjectClasses[j].Name
	})
	return schema, nil
}

// Create implements engine.Connector.
func (c *Connector) Create(ctx context.Context, objectClass string, attrs engine.Attributes) (string, error) {
	if err := c.begin(ctx, "create"); err != nil {
		return "", err
	}
	uid := engine.ValueString(attrs.First(c.uidAttr))
	if uid == "" {
		return "", fmt.Errorf("create %s: missing %s", objectClass, c.uidAttr)
	}

	txn := c.store.db.Txn(true)
	defer txn.Abort()
	existing, err := txn.First(tableObjects, "id", objectClass, uid)
	if err != nil {
		return "", err
	}
	if existing != nil && !c.idempotent {
		return "", fmt.Errorf("create %s %s: %w", objectClass, uid, engine.ErrAlreadyExists)
	}
	rec := &record{ObjectClass: objectClass, UID: uid, Attributes: attrs.Clone()}
	if err := txn.Insert(tableObjects, rec); err != nil {
		return "", err
	}
	if err := c.store.logDelta(txn, engine.DeltaCreateOrUpdate, rec); err != nil {
		return "", err
	}
	txn.Commit()
	return uid, nil
}

// Update replaces the given attributes. A new value of the uid attribute
// renames the object.
func (c *Connector) Update(ctx context.Context, objectClass, uid string, attrs engine.Attributes) (string, error) {
	if err := c.begin(ctx, "update"); err != nil {
		return "", err
	}

	txn := c.store.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(tableObjects, "id", objectClass, uid)
	if err != nil {
		return "", err
	}
	if raw == nil {
		return "", fmt.Errorf("update %s %s: %w", objectClass, uid, engine.ErrObjectNotFound)
	}
	old := raw.(*record)

	merged := old.Attributes.Clone()
	if merged == nil {
		merged = engine.Attributes{}
	}
	for _, name := range attrs.Names() {
		values, _ := attrs.Get(name)
		merged.Set(name, values...)
	}

	newUID := uid
	if v := engine.ValueString(attrs.First(c.uidAttr)); v != "" {
		newUID = v
	}
	if newUID != uid {
		if clash, err := txn.First(tableObjects, "id", objectClass, newUID); err != nil {
			return "", err
		} else if clash != nil {
			return "", fmt.Errorf("rename %s to %s: %w", uid, newUID, engine.ErrAlreadyExists)
		}
		if err := txn.Delete(tableObjects, old); err != nil {
			return "", err
		}
		if err := c.store.logDelta(txn, engine.DeltaDelete, old); err != nil {
			return "", err
		}
	}

	rec := &record{ObjectClass: objectClass, UID: newUID, Attributes: merged}
	if err := txn.Insert(tableObjects, rec); err != nil {
		return "", err
	}
	if err := c.store.logDelta(txn, engine.DeltaCreateOrUpdate, rec); err != nil {
		return "", err
	}
	txn.Commit()
	return newUID, nil
}

// Delete implements engine.Connector.
func (c *Connector) Delete(ctx context.Context, objectClass, uid string) error {
	if err := c.begin(ctx, "delete"); err != nil {
		return err
	}

	txn := c.store.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(tableObjects, "id", objectClass, uid)
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("delete %s %s: %w", objectClass, uid, engine.ErrObjectNotFound)
	}
	if err := txn.Delete(tableObjects, raw); err != nil {
		return err
	}
	if err := c.store.logDelta(txn, engine.DeltaDelete, raw.(*record)); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// Search returns matching objects ordered by UID. The cookie is the UID of
// the last object of the previous page.
func (c *Connector) Search(ctx context.Context, objectClass string, filter *engine.Filter, opts engine.SearchOptions) (*engine.SearchResult, error) {
	if err := c.begin(ctx, "search"); err != nil {
		return nil, err
	}
	size := opts.PageSize
	if size <= 0 {
		size = engine.DefaultPageSize
	}

	txn := c.store.db.Txn(false)
	it, err := txn.Get(tableObjects, "class", objectClass)
	if err != nil {
		return nil, err
	}
	var matches []*engine.ConnectorObject
	for raw := it.Next(); raw != nil; raw = it.Next() {
		rec := raw.(*record)
		if opts.Cookie != "" && rec.UID <= opts.Cookie {
			continue
		}
		obj := rec.object()
		if filter.Matches(obj) {
			matches = append(matches, obj)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].UID < matches[j].UID })

	result := &engine.SearchResult{}
	if len(matches) > size {
		matches = matches[:size]
		result.NextCookie = matches[size-1].UID
	}
	for _, obj := range matches {
		result.Objects = append(result.Objects, project(obj, opts.AttributesToGet))
	}
	return result, nil
}

func project(obj *engine.ConnectorObject, names []string) *engine.ConnectorObject {
	if len(names) == 0 {
		return obj
	}
	out := engine.Attributes{}
	for _, n := range names {
		if values, ok := obj.Attributes.Get(n); ok {
			out.Set(n, values...)
		}
	}
	obj.Attributes = out
	return obj
}

// Sync returns the deltas of objectClass recorded after token.
func (c *Connector) Sync(ctx context.Context, objectClass, token string) ([]engine.SyncDelta, string, error) {
	if err := c.begin(ctx, "sync"); err != nil {
		return nil, "", err
	}
	var from uint64
	if token != "" {
		var err error
		from, err = strconv.ParseUint(token, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("invalid sync token %q: %w", token, err)
		}
	}

	txn := c.store.db.Txn(false)
	it, err := txn.LowerBound(tableDeltas, "id", from+1)
	if err != nil {
		return nil, "", err
	}
	latest := token
	var deltas []engine.SyncDelta
	for raw := it.Next(); raw != nil; raw = it.Next() {
		d := raw.(*delta)
		latest = strconv.FormatUint(d.Seq, 10)
		if d.ObjectClass != objectClass {
			continue
		}
		sd := engine.SyncDelta{
			Type:  engine.SyncDeltaType(d.Type),
			UID:   d.UID,
			Token: latest,
		}
		if sd.Type != engine.DeltaDelete {
			sd.Object = d.Object.object()
		}
		deltas = append(deltas, sd)
	}
	if latest == "" {
		latest = c.store.latestToken()
	}
	return deltas, latest, nil
}

// LatestSyncToken implements engine.SyncConnector.
func (c *Connector) LatestSyncToken(ctx context.Context, objectClass string) (string, error) {
	if err := c.begin(ctx, "sync"); err != nil {
		return "", err
	}
	return c.store.latestToken(), nil
}

// Test implements engine.Tester.
func (c *Connector) Test(ctx context.Context) error {
	if c.closed.Load() {
		return engine.ErrConnectionBroken
	}
	return ctx.Err()
}

// Close implements engine.Connector. The store outlives its connectors.
func (c *Connector) Close() error {
	c.closed.Store(true)
	return nil
}
