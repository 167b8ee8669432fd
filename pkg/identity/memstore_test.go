package identity

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/openfroyo/provisio/pkg/engine"
)

func seed(t *testing.T, s *MemStore, key string, attrs map[string]interface{}) *engine.Identity {
	t.Helper()
	id, err := s.Save(context.Background(), engine.IdentityDelta{
		AnyType:    engine.AnyTypeUser,
		Key:        key,
		Create:     true,
		Attributes: engine.NewAttributes(attrs),
	})
	if err != nil {
		t.Fatalf("Save(%s) error = %v", key, err)
	}
	return id
}

func TestSaveAndFind(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	seed(t, s, "alice", map[string]interface{}{"email": "alice@example.com"})

	id, err := s.FindByKey(ctx, engine.AnyTypeUser, "alice")
	if err != nil {
		t.Fatalf("FindByKey() error = %v", err)
	}
	if id.Attributes.First("email") != "alice@example.com" {
		t.Errorf("email = %v", id.Attributes.First("email"))
	}

	if _, err := s.FindByKey(ctx, engine.AnyTypeGroup, "alice"); !errors.Is(err, engine.ErrObjectNotFound) {
		t.Errorf("FindByKey(GROUP) error = %v, want ErrObjectNotFound", err)
	}

	_, err = s.Save(ctx, engine.IdentityDelta{AnyType: engine.AnyTypeUser, Key: "alice", Create: true})
	if !errors.Is(err, engine.ErrAlreadyExists) {
		t.Errorf("duplicate create error = %v, want ErrAlreadyExists", err)
	}
	_, err = s.Save(ctx, engine.IdentityDelta{AnyType: engine.AnyTypeUser, Key: "bob"})
	if !errors.Is(err, engine.ErrObjectNotFound) {
		t.Errorf("update of missing identity error = %v, want ErrObjectNotFound", err)
	}
}

func TestSaveGeneratesKey(t *testing.T) {
	s := NewMemStore()
	id := seed(t, s, "", map[string]interface{}{"email": "x@example.com"})
	if id.Key == "" {
		t.Error("Save() did not generate a key")
	}
}

func TestLinkAssignUnlink(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	seed(t, s, "carol", nil)

	id, err := s.Save(ctx, engine.IdentityDelta{
		AnyType: engine.AnyTypeUser, Key: "carol",
		Link:   []string{"ldap", "ldap"},
		Assign: []string{"hr"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(id.Resources) != "[ldap hr]" || fmt.Sprint(id.Assigned) != "[hr]" {
		t.Errorf("resources = %v assigned = %v", id.Resources, id.Assigned)
	}

	linked, err := s.LinkedTo(ctx, engine.AnyTypeUser, "hr")
	if err != nil || len(linked) != 1 {
		t.Fatalf("LinkedTo() = %v, %v", linked, err)
	}

	id, err = s.Save(ctx, engine.IdentityDelta{AnyType: engine.AnyTypeUser, Key: "carol", Unlink: []string{"hr"}})
	if err != nil {
		t.Fatal(err)
	}
	if id.LinkedTo("hr") || len(id.Assigned) != 0 {
		t.Errorf("after unlink resources = %v assigned = %v", id.Resources, id.Assigned)
	}
}

func TestFindByCorrelation(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	seed(t, s, "u1", map[string]interface{}{"email": "dup@example.com", "dept": "ops"})
	seed(t, s, "u2", map[string]interface{}{"email": "dup@example.com", "dept": "dev"})
	seed(t, s, "u3", map[string]interface{}{"email": "solo@example.com"})

	tests := []struct {
		name  string
		attrs map[string]interface{}
		want  []string
	}{
		{name: "single", attrs: map[string]interface{}{"email": "solo@example.com"}, want: []string{"u3"}},
		{name: "ambiguous", attrs: map[string]interface{}{"email": "dup@example.com"}, want: []string{"u1", "u2"}},
		{name: "conjunction", attrs: map[string]interface{}{"email": "dup@example.com", "dept": "dev"}, want: []string{"u2"}},
		{name: "by key", attrs: map[string]interface{}{engine.IdentityKeyAttribute: "u1"}, want: []string{"u1"}},
		{name: "none", attrs: map[string]interface{}{"email": "nobody@example.com"}},
		{name: "empty query", attrs: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.FindByCorrelation(ctx, engine.AnyTypeUser, tt.attrs)
			if err != nil {
				t.Fatalf("FindByCorrelation() error = %v", err)
			}
			var keys []string
			for _, id := range got {
				keys = append(keys, id.Key)
			}
			if fmt.Sprint(keys) != fmt.Sprint(tt.want) {
				t.Errorf("FindByCorrelation() = %v, want %v", keys, tt.want)
			}
		})
	}
}

func TestListPaging(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	for i := 0; i < 5; i++ {
		seed(t, s, fmt.Sprintf("k%d", i), nil)
	}

	var keys []string
	cursor := ""
	for {
		page, next, err := s.List(ctx, engine.AnyTypeUser, cursor, 2)
		if err != nil {
			t.Fatal(err)
		}
		for _, id := range page {
			keys = append(keys, id.Key)
		}
		if next == "" {
			break
		}
		cursor = next
	}
	if fmt.Sprint(keys) != "[k0 k1 k2 k3 k4]" {
		t.Errorf("List() keys = %v", keys)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	seed(t, s, "dave", nil)
	if err := s.Delete(ctx, engine.AnyTypeUser, "dave"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := s.Delete(ctx, engine.AnyTypeUser, "dave"); !errors.Is(err, engine.ErrObjectNotFound) {
		t.Errorf("second Delete() error = %v, want ErrObjectNotFound", err)
	}
	if s.Len(engine.AnyTypeUser) != 0 {
		t.Error("identity still stored")
	}
}

func TestReturnedIdentityIsACopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	id := seed(t, s, "erin", map[string]interface{}{"email": "erin@example.com"})
	id.Attributes.Set("email", "changed")

	again, _ := s.FindByKey(ctx, engine.AnyTypeUser, "erin")
	if again.Attributes.First("email") != "erin@example.com" {
		t.Error("mutating a returned identity changed the store")
	}
}
