// Package connectors holds the connector bundle registry and the bundled
// connector implementations.
//
// A bundle is a named, versioned connector implementation. Connector
// instances reference a bundle by name and version; the registry resolves
// that reference and creates connectors, which makes it the
// engine.ConnectorFactory handed to the pool manager.
package connectors

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/openfroyo/provisio/pkg/engine"
)

// Bundle is one registered connector implementation.
type Bundle struct {
	Name        string
	Version     string
	Description string
	Factory     engine.ConnectorFactory
}

// Ref returns "name@version".
func (b Bundle) Ref() string {
	return bundleKey(b.Name, b.Version)
}

// Registry maps bundle references to connector factories.
type Registry struct {
	mu      sync.RWMutex
	bundles map[string]Bundle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{bundles: make(map[string]Bundle)}
}

// Register adds a bundle. Registering the same name and version twice fails.
func (r *Registry) Register(b Bundle) error {
	if b.Name == "" || b.Factory == nil {
		return fmt.Errorf("bundle needs a name and a factory")
	}
	if _, err := parseVersion(b.Version); err != nil {
		return fmt.Errorf("bundle %s: %w", b.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	key := b.Ref()
	if _, exists := r.bundles[key]; exists {
		return fmt.Errorf("bundle %s already registered", key)
	}
	r.bundles[key] = b
	return nil
}

// Unregister removes a bundle.
func (r *Registry) Unregister(name, ver string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := bundleKey(name, ver)
	if _, exists := r.bundles[key]; !exists {
		return fmt.Errorf("bundle %s not found", key)
	}
	delete(r.bundles, key)
	return nil
}

// Resolve finds the bundle for a name and a version constraint. The
// constraint is an exact version, "latest" (or empty), "~1.2" for the newest
// 1.2.x, or "^1.2" for the newest 1.x at or above 1.2.
func (r *Registry) Resolve(name, constraint string) (Bundle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	switch {
	case constraint == "" || constraint == "latest":
		return r.newest(name, "latest", func(version) bool { return true })

	case strings.HasPrefix(constraint, "~"):
		floor, err := parseVersion(constraint[1:])
		if err != nil {
			return Bundle{}, err
		}
		return r.newest(name, constraint, func(v version) bool {
			return v[0] == floor[0] && v[1] == floor[1] && !v.less(floor)
		})

	case strings.HasPrefix(constraint, "^"):
		floor, err := parseVersion(constraint[1:])
		if err != nil {
			return Bundle{}, err
		}
		return r.newest(name, constraint, func(v version) bool {
			return v[0] == floor[0] && !v.less(floor)
		})
	}

	if b, ok := r.bundles[bundleKey(name, constraint)]; ok {
		return b, nil
	}
	exact, err := parseVersion(constraint)
	if err != nil {
		return Bundle{}, err
	}
	return r.newest(name, constraint, func(v version) bool { return v == exact })
}

func (r *Registry) newest(name, constraint string, match func(version) bool) (Bundle, error) {
	var (
		best    Bundle
		bestVer version
		found   bool
	)
	for _, b := range r.bundles {
		if b.Name != name {
			continue
		}
		v, err := parseVersion(b.Version)
		if err != nil || !match(v) {
			continue
		}
		if !found || bestVer.less(v) {
			best, bestVer, found = b, v, true
		}
	}
	if !found {
		return Bundle{}, fmt.Errorf("no version of bundle %s matches %s", name, constraint)
	}
	return best, nil
}

// List returns the registered bundles ordered by name and version.
func (r *Registry) List() []Bundle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Bundle, 0, len(r.bundles))
	for _, b := range r.bundles {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		vi, _ := parseVersion(out[i].Version)
		vj, _ := parseVersion(out[j].Version)
		return vi.less(vj)
	})
	return out
}

// New implements engine.ConnectorFactory by resolving the instance's bundle.
func (r *Registry) New(ctx context.Context, instance engine.ConnectorInstance) (engine.Connector, error) {
	b, err := r.Resolve(instance.Bundle, instance.Version)
	if err != nil {
		return nil, engine.NewConfigurationError(
			fmt.Sprintf("connector instance %s: cannot resolve bundle", instance.Key), err)
	}
	return b.Factory.New(ctx, instance)
}

func bundleKey(name, ver string) string {
	return name + "@" + ver
}

// version is a major.minor.patch triple. Missing parts are zero.
type version [3]int

func parseVersion(s string) (version, error) {
	var v version
	s = strings.TrimPrefix(s, "v")
	if s == "" {
		return v, fmt.Errorf("empty version")
	}
	parts := strings.SplitN(s, ".", 3)
	for i, p := range parts {
		// Drop pre-release and build suffixes.
		if j := strings.IndexAny(p, "-+"); j >= 0 {
			p = p[:j]
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return v, fmt.Errorf("invalid version %q", s)
		}
		v[i] = n
	}
	return v, nil
}

func (v version) less(o version) bool {
	for i := range v {
		if v[i] != o[i] {
			return v[i] < o[i]
		}
	}
	return false
}
