package engine

import (
	"strings"
	"testing"
)

// TestMappingBuild tests mapping validation.
func TestMappingBuild(t *testing.T) {
	tests := []struct {
		name    string
		build   func(*MappingBuilder) *MappingBuilder
		wantErr string
	}{
		{
			name:  "key and attribute",
			build: func(b *MappingBuilder) *MappingBuilder { return b.Key("username", "uid").Attr("email", "mail") },
		},
		{
			name:    "empty",
			build:   func(b *MappingBuilder) *MappingBuilder { return b },
			wantErr: "mapping has no items",
		},
		{
			name:    "no key",
			build:   func(b *MappingBuilder) *MappingBuilder { return b.Attr("email", "mail") },
			wantErr: "mapping has no connObjectKey item",
		},
		{
			name: "two keys",
			build: func(b *MappingBuilder) *MappingBuilder {
				return b.Key("username", "uid").Key("email", "mail")
			},
			wantErr: "more than one connObjectKey item (uid, mail)",
		},
		{
			name: "key with purpose none",
			build: func(b *MappingBuilder) *MappingBuilder {
				return b.Add(Item{IntAttrName: "username", ExtAttrName: "uid", ConnObjectKey: true, Purpose: PurposeNone})
			},
			wantErr: "connObjectKey item cannot have purpose NONE",
		},
		{
			name: "duplicate propagated attribute",
			build: func(b *MappingBuilder) *MappingBuilder {
				return b.Key("username", "uid").Attr("email", "mail").Attr("altEmail", "MAIL")
			},
			wantErr: "items 1 and 2 both propagate MAIL",
		},
		{
			name: "duplicate attribute pulled only",
			build: func(b *MappingBuilder) *MappingBuilder {
				return b.Key("username", "uid").
					Attr("email", "mail").
					Add(Item{IntAttrName: "altEmail", ExtAttrName: "mail", Purpose: PurposePull})
			},
		},
		{
			name: "missing external name",
			build: func(b *MappingBuilder) *MappingBuilder {
				return b.Key("username", "uid").Add(Item{IntAttrName: "email"})
			},
			wantErr: "mapping item 1 is invalid",
		},
		{
			name: "unknown purpose",
			build: func(b *MappingBuilder) *MappingBuilder {
				return b.Key("username", "uid").Add(Item{IntAttrName: "email", ExtAttrName: "mail", Purpose: "SIDEWAYS"})
			},
			wantErr: "mapping item 1 is invalid",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := tt.build(NewMappingBuilder()).Build()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Build() error = %v", err)
				}
				if _, ok := m.ConnObjectKeyItem(); !ok {
					t.Error("built mapping has no key item")
				}
				return
			}
			if err == nil {
				t.Fatalf("Build() expected error containing %q", tt.wantErr)
			}
			if !IsConfiguration(err) {
				t.Errorf("error kind = %s, want %s", KindOf(err), KindConfiguration)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Build() error = %q, want %q", err.Error(), tt.wantErr)
			}
		})
	}
}

// TestMappingIsImmutable tests that Items returns a copy.
func TestMappingIsImmutable(t *testing.T) {
	m, err := NewMappingBuilder().Attr("email", "mail").Key("username", "uid").Build()
	if err != nil {
		t.Fatal(err)
	}

	items := m.Items()
	items[0].ExtAttrName = "changed"

	if m.Items()[0].ExtAttrName != "mail" {
		t.Error("mutating Items() changed the mapping")
	}
	if key, _ := m.ConnObjectKeyItem(); key.IntAttrName != "username" {
		t.Errorf("ConnObjectKeyItem() = %+v", key)
	}
	if m.Items()[0].Purpose != PurposeBoth {
		t.Errorf("default purpose = %s, want %s", m.Items()[0].Purpose, PurposeBoth)
	}
	if _, ok := (Mapping{}).ConnObjectKeyItem(); ok {
		t.Error("zero mapping must have no key item")
	}
}
