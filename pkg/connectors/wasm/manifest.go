package wasm

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/provisio/pkg/engine"
)

// ManifestFile is the file name RegisterDir looks for in bundle directories.
const ManifestFile = "manifest.yaml"

// Manifest describes a WASM connector bundle.
type Manifest struct {
	Name        string `yaml:"name" validate:"required,hostname_rfc1123"`
	Version     string `yaml:"version" validate:"required,semver"`
	Description string `yaml:"description"`
	Author      string `yaml:"author"`

	// Entrypoint is the module file, relative to the manifest.
	Entrypoint string `yaml:"entrypoint" validate:"required"`

	// Checksum is the hex sha256 of the module. Optional.
	Checksum string `yaml:"checksum,omitempty" validate:"omitempty,len=64,hexadecimal"`

	// Capabilities are the connector operations the module implements.
	Capabilities []engine.Capability `yaml:"capabilities" validate:"required,min=1"`

	// HostCapabilities are the host functions the module may call.
	HostCapabilities []string `yaml:"hostCapabilities,omitempty" validate:"dive,oneof=log net:outbound env:read"`

	// path is where the manifest was loaded from.
	path string
}

var manifestValidator = validator.New()

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.path = path
	return m, nil
}

// ParseManifest parses and validates manifest YAML.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the manifest fields.
func (m *Manifest) Validate() error {
	if err := manifestValidator.Struct(m); err != nil {
		return engine.NewConfigurationError("invalid manifest", err)
	}
	for _, c := range m.Capabilities {
		if err := c.Validate(); err != nil {
			return engine.NewConfigurationError("invalid manifest", err)
		}
	}
	return nil
}

// ModulePath resolves the entrypoint against the manifest location.
func (m *Manifest) ModulePath() string {
	if filepath.IsAbs(m.Entrypoint) || m.path == "" {
		return m.Entrypoint
	}
	return filepath.Join(filepath.Dir(m.path), m.Entrypoint)
}

// ReadModule reads the module bytes and verifies the checksum when the
// manifest carries one.
func (m *Manifest) ReadModule() ([]byte, error) {
	data, err := os.ReadFile(m.ModulePath())
	if err != nil {
		return nil, fmt.Errorf("failed to read WASM module: %w", err)
	}
	if err := m.VerifyChecksum(data); err != nil {
		return nil, err
	}
	return data, nil
}

// VerifyChecksum compares the module hash with the manifest checksum. A
// manifest without checksum accepts any module.
func (m *Manifest) VerifyChecksum(module []byte) error {
	if m.Checksum == "" {
		return nil
	}
	hash := sha256.Sum256(module)
	if got := hex.EncodeToString(hash[:]); got != m.Checksum {
		return engine.NewConfigurationError(
			fmt.Sprintf("WASM module checksum mismatch: expected %s, got %s", m.Checksum, got), nil)
	}
	return nil
}

// CapabilitySet returns the connector capabilities of the module.
func (m *Manifest) CapabilitySet() engine.CapabilitySet {
	return engine.NewCapabilitySet(m.Capabilities...)
}
