package wasm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/provisio/pkg/connectors"
	"github.com/openfroyo/provisio/pkg/engine"
)

const manifestYAML = `
name: scim-users
version: 1.2.0
description: SCIM 2.0 users
author: Identity Team
entrypoint: scim.wasm
capabilities: [CREATE, UPDATE, DELETE, SEARCH, PAGED_SEARCH]
hostCapabilities: [log, "net:outbound"]
`

// emptyModule is the smallest valid WebAssembly binary: magic and version.
var emptyModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// TestManifest tests manifest parsing and validation.
func TestManifest(t *testing.T) {
	t.Run("Parse", func(t *testing.T) {
		m, err := ParseManifest([]byte(manifestYAML))
		if err != nil {
			t.Fatalf("Failed to parse manifest: %v", err)
		}
		if m.Name != "scim-users" || m.Version != "1.2.0" {
			t.Errorf("Unexpected identity %s@%s", m.Name, m.Version)
		}
		caps := m.CapabilitySet()
		if !caps.Has(engine.CapabilityPagedSearch) || caps.Has(engine.CapabilitySync) {
			t.Errorf("Unexpected capabilities %v", caps.List())
		}
	})

	t.Run("Invalid", func(t *testing.T) {
		tests := map[string]string{
			"missing name":       "version: 1.0.0\nentrypoint: a.wasm\ncapabilities: [SEARCH]\n",
			"bad version":        "name: a\nversion: one\nentrypoint: a.wasm\ncapabilities: [SEARCH]\n",
			"no capabilities":    "name: a\nversion: 1.0.0\nentrypoint: a.wasm\n",
			"unknown capability": "name: a\nversion: 1.0.0\nentrypoint: a.wasm\ncapabilities: [TELEPORT]\n",
			"unknown host cap":   "name: a\nversion: 1.0.0\nentrypoint: a.wasm\ncapabilities: [SEARCH]\nhostCapabilities: [fs:write]\n",
			"short checksum":     "name: a\nversion: 1.0.0\nentrypoint: a.wasm\ncapabilities: [SEARCH]\nchecksum: abc\n",
			"not yaml":           "name: [",
		}
		for name, doc := range tests {
			t.Run(name, func(t *testing.T) {
				if _, err := ParseManifest([]byte(doc)); err == nil {
					t.Error("Expected error")
				}
			})
		}
	})

	t.Run("Checksum", func(t *testing.T) {
		m, err := ParseManifest([]byte(manifestYAML))
		if err != nil {
			t.Fatal(err)
		}
		if err := m.VerifyChecksum([]byte("anything")); err != nil {
			t.Errorf("Manifest without checksum rejected module: %v", err)
		}
		sum := sha256.Sum256(emptyModule)
		m.Checksum = hex.EncodeToString(sum[:])
		if err := m.VerifyChecksum(emptyModule); err != nil {
			t.Errorf("Expected checksum to match: %v", err)
		}
		if err := m.VerifyChecksum([]byte("tampered")); !engine.IsConfiguration(err) {
			t.Errorf("Expected configuration error, got %v", err)
		}
	})

	t.Run("LoadFromFile", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, ManifestFile)
		if err := os.WriteFile(path, []byte(manifestYAML), 0o644); err != nil {
			t.Fatal(err)
		}
		m, err := LoadManifest(path)
		if err != nil {
			t.Fatalf("Failed to load manifest: %v", err)
		}
		if m.ModulePath() != filepath.Join(dir, "scim.wasm") {
			t.Errorf("ModulePath() = %s", m.ModulePath())
		}
		if _, err := m.ReadModule(); err == nil {
			t.Error("Expected error for missing module")
		}
	})
}

func TestEnforcer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Echo", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(r.Method))
	}))
	defer server.Close()

	t.Run("HTTP granted", func(t *testing.T) {
		e := newEnforcer([]string{HostNetOutbound}, 5*time.Second)
		resp := e.do(context.Background(), httpRequest{
			Method:  http.MethodPost,
			URL:     server.URL,
			Headers: map[string]string{"Authorization": "Bearer x"},
			Body:    "{}",
		})
		if resp.Error != "" || resp.Status != http.StatusCreated || resp.Body != "POST" {
			t.Errorf("Unexpected response %+v", resp)
		}
		if resp.Headers["X-Echo"] != "Bearer x" {
			t.Errorf("Headers = %v", resp.Headers)
		}
	})

	t.Run("HTTP denied", func(t *testing.T) {
		e := newEnforcer([]string{HostLog}, time.Second)
		if resp := e.do(context.Background(), httpRequest{URL: server.URL}); resp.Error == "" {
			t.Error("Expected net:outbound to be denied")
		}
	})

	t.Run("Env", func(t *testing.T) {
		t.Setenv("PROVISIO_WASM_TENANT", "acme")
		t.Setenv("PROVISIO_WASM_TOKEN", "hunter2")

		e := newEnforcer([]string{HostEnvRead}, time.Second)
		if v, err := e.env("PROVISIO_WASM_TENANT"); err != nil || v != "acme" {
			t.Errorf("env() = %q, %v", v, err)
		}
		if _, err := e.env("PROVISIO_WASM_TOKEN"); err == nil {
			t.Error("Expected sensitive variable to be denied")
		}
		if _, err := newEnforcer(nil, time.Second).env("PROVISIO_WASM_TENANT"); err == nil {
			t.Error("Expected env:read to be denied")
		}
	})

	t.Run("Allow", func(t *testing.T) {
		if err := allow([]string{HostLog, HostNetOutbound}, nil); err != nil {
			t.Errorf("Empty allow list rejected: %v", err)
		}
		if err := allow([]string{HostLog, HostNetOutbound}, []string{HostLog}); err == nil {
			t.Error("Expected net:outbound to be rejected")
		}
	})
}

func TestNewFactoryRejectsModules(t *testing.T) {
	ctx := context.Background()
	m, err := ParseManifest([]byte(manifestYAML))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := NewFactory(ctx, m, []byte("not wasm"), DefaultConfig()); !engine.IsConfiguration(err) {
		t.Errorf("garbage module: error = %v", err)
	}
	if _, err := NewFactory(ctx, m, emptyModule, DefaultConfig()); !engine.IsConfiguration(err) {
		t.Errorf("module without exports: error = %v", err)
	}

	cfg := DefaultConfig()
	cfg.AllowedHostCapabilities = []string{HostLog}
	if _, err := NewFactory(ctx, m, emptyModule, cfg); !engine.IsConfiguration(err) {
		t.Errorf("disallowed host capability: error = %v", err)
	}
}

func TestRegisterDir(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	// A directory without manifest is skipped.
	if err := os.MkdirAll(filepath.Join(dir, "notes"), 0o755); err != nil {
		t.Fatal(err)
	}
	reg := connectors.NewRegistry()
	factories, err := RegisterDir(ctx, reg, dir, DefaultConfig())
	if err != nil || len(factories) != 0 {
		t.Fatalf("RegisterDir(empty) = %v, %v", factories, err)
	}

	bundle := filepath.Join(dir, "scim")
	if err := os.MkdirAll(bundle, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(bundle, ManifestFile), []byte(manifestYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(bundle, "scim.wasm"), emptyModule, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := RegisterDir(ctx, reg, dir, DefaultConfig()); err == nil {
		t.Error("Expected bundle without exports to fail")
	}
	if len(reg.List()) != 0 {
		t.Errorf("Registry has %d bundles after failure", len(reg.List()))
	}

	if _, err := RegisterDir(ctx, reg, filepath.Join(dir, "missing"), DefaultConfig()); err == nil {
		t.Error("Expected error for missing directory")
	}
}
