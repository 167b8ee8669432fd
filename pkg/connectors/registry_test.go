package connectors

import (
	"context"
	"testing"

	"github.com/openfroyo/provisio/pkg/engine"
)

type namedFactory string

func (f namedFactory) New(ctx context.Context, instance engine.ConnectorInstance) (engine.Connector, error) {
	return nil, nil
}

func newTestRegistry(t *testing.T, versions ...string) *Registry {
	t.Helper()
	r := NewRegistry()
	for _, v := range versions {
		if err := r.Register(Bundle{Name: "ldap", Version: v, Factory: namedFactory(v)}); err != nil {
			t.Fatalf("Register(%s) error = %v", v, err)
		}
	}
	return r
}

func TestResolve(t *testing.T) {
	r := newTestRegistry(t, "1.0.0", "1.2.0", "1.2.7", "1.10.1", "2.0.0")

	tests := []struct {
		constraint string
		want       string
		wantErr    bool
	}{
		{constraint: "", want: "2.0.0"},
		{constraint: "latest", want: "2.0.0"},
		{constraint: "1.2.0", want: "1.2.0"},
		{constraint: "1.2", want: "1.2.0"},
		{constraint: "~1.2", want: "1.2.7"},
		{constraint: "~1.2.3", want: "1.2.7"},
		{constraint: "^1.1", want: "1.10.1"},
		{constraint: "^2.0.0", want: "2.0.0"},
		{constraint: "^3", wantErr: true},
		{constraint: "1.3.0", wantErr: true},
		{constraint: "~x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.constraint, func(t *testing.T) {
			b, err := r.Resolve("ldap", tt.constraint)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Resolve() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && b.Version != tt.want {
				t.Errorf("Resolve() = %s, want %s", b.Version, tt.want)
			}
		})
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := newTestRegistry(t, "1.0.0")
	if err := r.Register(Bundle{Name: "ldap", Version: "1.0.0", Factory: namedFactory("x")}); err == nil {
		t.Error("expected duplicate registration to fail")
	}
	if err := r.Register(Bundle{Name: "ldap", Version: "one", Factory: namedFactory("x")}); err == nil {
		t.Error("expected invalid version to fail")
	}
	if err := r.Unregister("ldap", "1.0.0"); err != nil {
		t.Fatalf("Unregister() error = %v", err)
	}
	if len(r.List()) != 0 {
		t.Errorf("List() = %v, want empty", r.List())
	}
}

func TestListOrder(t *testing.T) {
	r := newTestRegistry(t, "1.10.0", "1.9.0")
	if err := r.Register(Bundle{Name: "csv", Version: "0.1.0", Factory: namedFactory("csv")}); err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, b := range r.List() {
		got = append(got, b.Ref())
	}
	want := []string{"csv@0.1.0", "ldap@1.9.0", "ldap@1.10.0"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("List() = %v, want %v", got, want)
		}
	}
}

func TestNewUnknownBundle(t *testing.T) {
	r := NewRegistry()
	_, err := r.New(context.Background(), engine.ConnectorInstance{Key: "x", Bundle: "nope"})
	if !engine.IsConfiguration(err) {
		t.Errorf("New() error = %v, want ConfigurationError", err)
	}
}
