package memory

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/hashicorp/go-memdb"

	"github.com/openfroyo/provisio/pkg/engine"
)

const (
	tableObjects = "objects"
	tableDeltas  = "deltas"
)

// record is one stored object.
type record struct {
	ObjectClass string
	UID         string
	Attributes  engine.Attributes
}

// delta is one change in the sync log.
type delta struct {
	Seq         uint64
	ObjectClass string
	Type        string
	UID         string
	Object      *record
}

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableObjects: {
				Name: tableObjects,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:   "id",
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.StringFieldIndex{Field: "ObjectClass"},
								&memdb.StringFieldIndex{Field: "UID"},
							},
						},
					},
					"class": {
						Name:    "class",
						Indexer: &memdb.StringFieldIndex{Field: "ObjectClass"},
					},
				},
			},
			tableDeltas: {
				Name: tableDeltas,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.UintFieldIndex{Field: "Seq"},
					},
				},
			},
		},
	}
}

// Store holds the objects of one memory resource. Every connector created for
// the same instance key shares one Store.
type Store struct {
	db *memdb.MemDB

	mu    sync.Mutex
	seq   uint64
	calls map[string]int
	fail  map[string]error
}

// NewStore creates an empty store.
func NewStore() *Store {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		// The schema is static.
		panic(fmt.Sprintf("memory connector schema: %v", err))
	}
	return &Store{
		db:    db,
		calls: make(map[string]int),
		fail:  make(map[string]error),
	}
}

// Calls returns how many times op ("create", "update", "delete", "search",
// "sync") was invoked through any connector on this store.
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// TotalCalls returns the number of native operations invoked.
func (s *Store) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

// FailNext makes the next call of op return err.
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[op] = err
}

func (s *Store) enter(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	if err, ok := s.fail[op]; ok {
		delete(s.fail, op)
		return err
	}
	return nil
}

// Put stores an object directly, bypassing capabilities and call counters.
func (s *Store) Put(objectClass, uid string, attrs engine.Attributes) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	rec := &record{ObjectClass: objectClass, UID: uid, Attributes: attrs.Clone()}
	if err := txn.Insert(tableObjects, rec); err != nil {
		return err
	}
	if err := s.logDelta(txn, engine.DeltaCreateOrUpdate, rec); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// Get returns a copy of a stored object.
func (s *Store) Get(objectClass, uid string) (*engine.ConnectorObject, bool) {
	txn := s.db.Txn(false)
	raw, err := txn.First(tableObjects, "id", objectClass, uid)
	if err != nil || raw == nil {
		return nil, false
	}
	return raw.(*record).object(), true
}

// Len returns the number of objects of a class.
func (s *Store) Len(objectClass string) int {
	txn := s.db.Txn(false)
	it, err := txn.Get(tableObjects, "class", objectClass)
	if err != nil {
		return 0
	}
	n := 0
	for raw := it.Next(); raw != nil; raw = it.Next() {
		n++
	}
	return n
}

// logDelta appends to the sync log. Caller holds a write txn.
func (s *Store) logDelta(txn *memdb.Txn, typ engine.SyncDeltaType, rec *record) error {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()
	return txn.Insert(tableDeltas, &delta{
		Seq:         seq,
		ObjectClass: rec.ObjectClass,
		Type:        string(typ),
		UID:         rec.UID,
		Object:      rec,
	})
}

func (s *Store) latestToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strconv.FormatUint(s.seq, 10)
}

func (r *record) object() *engine.ConnectorObject {
	return &engine.ConnectorObject{
		ObjectClass: r.ObjectClass,
		UID:         r.UID,
		Attributes:  r.Attributes.Clone(),
	}
}
