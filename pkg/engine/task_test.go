package engine

import (
	"encoding/json"
	"testing"
	"time"
)

// TestPropagationTaskBuilder tests task construction rules.
func TestPropagationTaskBuilder(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		attrs := Attributes{"mail": {"jdoe@example.com"}}
		task, err := NewPropagationTaskBuilder("ldap", OperationCreate).
			Connector("ldap-conn").
			Entity(AnyTypeUser, "u-1").
			ObjectClass("__ACCOUNT__").
			ConnObjectKey("uid", "jdoe").
			Attributes(attrs).
			Build()
		if err != nil {
			t.Fatalf("Build() error = %v", err)
		}
		if task.ID() == "" || task.CreatedAt().IsZero() {
			t.Error("Build() must fill ID and CreatedAt")
		}
		if task.LookupKey() != "jdoe" || task.KeyAttribute() != "uid" {
			t.Errorf("key = %s/%s", task.KeyAttribute(), task.LookupKey())
		}

		attrs.Set("mail", "other@example.com")
		task.Attributes().Set("mail", "x")
		if task.Attributes().First("mail") != "jdoe@example.com" {
			t.Error("task attributes must not alias caller state")
		}
	})

	t.Run("rename", func(t *testing.T) {
		task, err := NewPropagationTaskBuilder("ldap", OperationUpdate).
			ConnObjectKey("uid", "jsmith").
			OldConnObjectKey("jdoe").
			Build()
		if err != nil {
			t.Fatal(err)
		}
		if task.LookupKey() != "jdoe" || task.ConnObjectKey() != "jsmith" {
			t.Errorf("LookupKey() = %s, ConnObjectKey() = %s", task.LookupKey(), task.ConnObjectKey())
		}
	})

	t.Run("unchanged old key is cleared", func(t *testing.T) {
		task, err := NewPropagationTaskBuilder("ldap", OperationUpdate).
			ConnObjectKey("uid", "jdoe").
			OldConnObjectKey("jdoe").
			Build()
		if err != nil {
			t.Fatal(err)
		}
		if task.OldConnObjectKey() != "" {
			t.Errorf("OldConnObjectKey() = %q, want empty", task.OldConnObjectKey())
		}
	})

	errs := []struct {
		name    string
		builder *PropagationTaskBuilder
		missing bool
	}{
		{"no resource", NewPropagationTaskBuilder("", OperationCreate).ConnObjectKey("uid", "x"), false},
		{"non mutating", NewPropagationTaskBuilder("ldap", OperationNone).ConnObjectKey("uid", "x"), false},
		{"unknown operation", NewPropagationTaskBuilder("ldap", "MOVE").ConnObjectKey("uid", "x"), false},
		{"no key", NewPropagationTaskBuilder("ldap", OperationDelete), true},
	}
	for _, tt := range errs {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.builder.Build()
			if err == nil {
				t.Fatal("Build() expected error")
			}
			if got := IsKind(err, KindRequiredValueMissing); got != tt.missing {
				t.Errorf("RequiredValueMissing = %v, want %v (%v)", got, tt.missing, err)
			}
		})
	}
}

// TestPropagationTaskJSON tests that queued tasks decode to the same task.
func TestPropagationTaskJSON(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	task, err := NewPropagationTaskBuilder("ldap", OperationUpdate).
		ID("t-1").
		Entity(AnyTypeUser, "u-1").
		ConnObjectKey("uid", "jsmith").
		OldConnObjectKey("jdoe").
		Attributes(Attributes{"groups": {"staff", "eng"}}).
		CreatedAt(created).
		Build()
	if err != nil {
		t.Fatal(err)
	}

	data, err := json.Marshal(task)
	if err != nil {
		t.Fatal(err)
	}
	var decoded PropagationTask
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if decoded.ID() != "t-1" || decoded.LookupKey() != "jdoe" || !decoded.CreatedAt().Equal(created) {
		t.Errorf("decoded = %+v", decoded)
	}
	if groups, _ := decoded.Attributes().Get("groups"); len(groups) != 2 {
		t.Errorf("groups = %v", groups)
	}

	if err := json.Unmarshal([]byte(`{"resource":"ldap","operation":"NONE","conn_object_key":"x"}`), &decoded); err == nil {
		t.Error("Unmarshal() must reject non-mutating tasks")
	}
}

// TestIdentityChangeValidate tests change validation.
func TestIdentityChangeValidate(t *testing.T) {
	tests := []struct {
		name    string
		change  IdentityChange
		wantErr bool
	}{
		{"valid", IdentityChange{AnyType: AnyTypeUser, Key: "u-1", Operation: OperationUpdate}, false},
		{"no any-type", IdentityChange{Operation: OperationCreate}, true},
		{"none", IdentityChange{AnyType: AnyTypeUser, Operation: OperationNone}, true},
		{"unknown", IdentityChange{AnyType: AnyTypeUser, Operation: "MOVE"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.change.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
