// Package identity provides an in-memory engine.IdentityStore.
//
// The reconciliation engine only reaches identity storage through
// engine.IdentityStore. MemStore is the implementation used by tests and by
// workspaces that stage identities in memory; the SQLite store in
// pkg/stores is the persistent one.
package identity

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"

	"github.com/openfroyo/provisio/pkg/engine"
)

const tableIdentities = "identities"

var _ engine.IdentityStore = (*MemStore)(nil)

// MemStore keeps identities in a go-memdb table indexed by any-type and key.
type MemStore struct {
	db *memdb.MemDB
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	db, err := memdb.NewMemDB(&memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableIdentities: {
				Name: tableIdentities,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:   "id",
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "AnyType"},
								&memdb.StringFieldIndex{Field: "Key"},
							},
						},
					},
					"any_type": {
						Name:    "any_type",
						Indexer: &memdb.StringFieldIndex{Field: "AnyType"},
					},
					"resource": {
						Name:         "resource",
						AllowMissing: true,
						Indexer:      &memdb.StringSliceFieldIndex{Field: "Resources"},
					},
				},
			},
		},
	})
	if err != nil {
		panic(fmt.Sprintf("identity store schema: %v", err))
	}
	return &MemStore{db: db}
}

// FindByKey implements engine.IdentityStore.
func (s *MemStore) FindByKey(ctx context.Context, anyType, key string) (*engine.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := s.db.Txn(false).First(tableIdentities, "id", anyType, key)
	if err != nil {
		return nil, fmt.Errorf("failed to look up identity: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%s %s: %w", anyType, key, engine.ErrObjectNotFound)
	}
	return clone(raw.(*engine.Identity)), nil
}

// FindByCorrelation returns every identity of anyType whose attributes hold
// all the given values. The name engine.IdentityKeyAttribute matches the key.
func (s *MemStore) FindByCorrelation(ctx context.Context, anyType string, attrs map[string]interface{}) ([]*engine.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(attrs) == 0 {
		return nil, nil
	}
	it, err := s.db.Txn(false).Get(tableIdentities, "any_type", anyType)
	if err != nil {
		return nil, fmt.Errorf("failed to scan identities: %w", err)
	}
	var out []*engine.Identity
	for raw := it.Next(); raw != nil; raw = it.Next() {
		id := raw.(*engine.Identity)
		if Matches(id, attrs) {
			out = append(out, clone(id))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Matches reports whether the identity holds every given attribute value.
func Matches(id *engine.Identity, attrs map[string]interface{}) bool {
	for name, want := range attrs {
		w := engine.ValueString(want)
		if name == engine.IdentityKeyAttribute {
			if id.Key != w {
				return false
			}
			continue
		}
		values, ok := id.Attributes.Get(name)
		if !ok {
			return false
		}
		found := false
		for _, v := range values {
			if engine.ValueString(v) == w {
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

// Save implements engine.IdentityStore.
func (s *MemStore) Save(ctx context.Context, delta engine.IdentityDelta) (*engine.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if delta.AnyType == "" {
		return nil, fmt.Errorf("identity delta has no any-type")
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	var id *engine.Identity
	if delta.Create {
		key := delta.Key
		if key == "" {
			key = uuid.New().String()
		}
		existing, err := txn.First(tableIdentities, "id", delta.AnyType, key)
		if err != nil {
			return nil, fmt.Errorf("failed to look up identity: %w", err)
		}
		if existing != nil {
			return nil, fmt.Errorf("%s %s: %w", delta.AnyType, key, engine.ErrAlreadyExists)
		}
		id = &engine.Identity{Key: key, AnyType: delta.AnyType, Attributes: engine.Attributes{}}
	} else {
		raw, err := txn.First(tableIdentities, "id", delta.AnyType, delta.Key)
		if err != nil {
			return nil, fmt.Errorf("failed to look up identity: %w", err)
		}
		if raw == nil {
			return nil, fmt.Errorf("%s %s: %w", delta.AnyType, delta.Key, engine.ErrObjectNotFound)
		}
		id = clone(raw.(*engine.Identity))
	}

	Apply(id, delta)
	if err := txn.Insert(tableIdentities, id); err != nil {
		return nil, fmt.Errorf("failed to save identity: %w", err)
	}
	txn.Commit()
	return clone(id), nil
}

// Apply folds a delta into an identity in place.
func Apply(id *engine.Identity, delta engine.IdentityDelta) {
	if id.Attributes == nil {
		id.Attributes = engine.Attributes{}
	}
	for _, name := range delta.Attributes.Names() {
		values, _ := delta.Attributes.Get(name)
		id.Attributes.Set(name, values...)
	}
	for _, r := range delta.Link {
		id.Resources = addUnique(id.Resources, r)
	}
	for _, r := range delta.Assign {
		id.Resources = addUnique(id.Resources, r)
		id.Assigned = addUnique(id.Assigned, r)
	}
	for _, r := range delta.Unlink {
		id.Resources = remove(id.Resources, r)
		id.Assigned = remove(id.Assigned, r)
	}
}

// Delete implements engine.IdentityStore.
func (s *MemStore) Delete(ctx context.Context, anyType, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := s.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(tableIdentities, "id", anyType, key)
	if err != nil {
		return fmt.Errorf("failed to look up identity: %w", err)
	}
	if raw == nil {
		return fmt.Errorf("%s %s: %w", anyType, key, engine.ErrObjectNotFound)
	}
	if err := txn.Delete(tableIdentities, raw); err != nil {
		return fmt.Errorf("failed to delete identity: %w", err)
	}
	txn.Commit()
	return nil
}

// List returns identities ordered by key, starting after cursor.
func (s *MemStore) List(ctx context.Context, anyType, cursor string, size int) ([]*engine.Identity, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	if size <= 0 {
		size = engine.DefaultPageSize
	}
	it, err := s.db.Txn(false).Get(tableIdentities, "any_type", anyType)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list identities: %w", err)
	}
	var all []*engine.Identity
	for raw := it.Next(); raw != nil; raw = it.Next() {
		id := raw.(*engine.Identity)
		if cursor == "" || id.Key > cursor {
			all = append(all, id)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Key < all[j].Key })

	next := ""
	if len(all) > size {
		all = all[:size]
		next = all[size-1].Key
	}
	out := make([]*engine.Identity, len(all))
	for i, id := range all {
		out[i] = clone(id)
	}
	return out, next, nil
}

// LinkedTo returns the identities of anyType linked to a resource.
func (s *MemStore) LinkedTo(ctx context.Context, anyType, resource string) ([]*engine.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	it, err := s.db.Txn(false).Get(tableIdentities, "resource", resource)
	if err != nil {
		return nil, fmt.Errorf("failed to scan identities: %w", err)
	}
	var out []*engine.Identity
	for raw := it.Next(); raw != nil; raw = it.Next() {
		if id := raw.(*engine.Identity); id.AnyType == anyType {
			out = append(out, clone(id))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Len returns the number of identities of anyType.
func (s *MemStore) Len(anyType string) int {
	it, err := s.db.Txn(false).Get(tableIdentities, "any_type", anyType)
	if err != nil {
		return 0
	}
	n := 0
	for raw := it.Next(); raw != nil; raw = it.Next() {
		n++
	}
	return n
}

func clone(id *engine.Identity) *engine.Identity {
	out := *id
	out.Attributes = id.Attributes.Clone()
	out.Resources = append([]string(nil), id.Resources...)
	out.Assigned = append([]string(nil), id.Assigned...)
	return &out
}

func addUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func remove(list []string, v string) []string {
	out := list[:0]
	for _, x := range list {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
