package wasm

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/openfroyo/provisio/pkg/connectors"
)

// RegisterDir registers every bundle found in the subdirectories of dir.
// A subdirectory is a bundle when it holds a manifest.yaml. The returned
// factories must be closed by the caller once the registry is done.
func RegisterDir(ctx context.Context, reg *connectors.Registry, dir string, cfg Config) ([]*Factory, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle directory: %w", err)
	}

	var factories []*Factory
	fail := func(err error) ([]*Factory, error) {
		for _, f := range factories {
			f.Close(ctx)
		}
		return nil, err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name(), ManifestFile)
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		f, err := LoadFactory(ctx, path, cfg)
		if err != nil {
			return fail(err)
		}
		m := f.Manifest()
		if err := reg.Register(connectors.Bundle{
			Name:        m.Name,
			Version:     m.Version,
			Description: m.Description,
			Factory:     f,
		}); err != nil {
			f.Close(ctx)
			return fail(err)
		}
		factories = append(factories, f)
		f.logger.Info().Str("path", path).Msg("bundle registered")
	}
	return factories, nil
}

// LoadFactory loads the manifest at path and compiles its module.
func LoadFactory(ctx context.Context, path string, cfg Config) (*Factory, error) {
	m, err := LoadManifest(path)
	if err != nil {
		return nil, err
	}
	module, err := m.ReadModule()
	if err != nil {
		return nil, fmt.Errorf("bundle %s: %w", m.Name, err)
	}
	return NewFactory(ctx, m, module, cfg)
}
