// Package wasm runs connector bundles compiled to WebAssembly.
//
// A bundle is a directory holding a manifest.yaml and a module. The module
// is compiled once per bundle; every pooled connector handle gets its own
// module instance, so handles never share guest memory. Calls cross the
// boundary as JSON documents (see bridge.go for the export contract).
//
// Modules may import host functions from the "env" module:
//
//	log(level, ptr, len)            level 0 debug, 1 info, 2 warn, 3 error
//	http_request(ptr, len) -> u64   JSON request in, JSON response out
//	env_get(ptr, len) -> u64        JSON {"value"} or {"error"}
//
// Each host function is gated by a host capability named in the manifest.
package wasm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/openfroyo/provisio/pkg/engine"
	"github.com/openfroyo/provisio/pkg/telemetry"
)

// Config tunes the WASM runtime of a bundle.
type Config struct {
	// Timeout bounds every call into a module. A call running past it
	// closes the instance and breaks the handle.
	Timeout time.Duration

	// MemoryLimitPages caps guest memory in 64KiB pages.
	MemoryLimitPages uint32

	// AllowedHostCapabilities restricts what manifests may request. Empty
	// allows all host capabilities.
	AllowedHostCapabilities []string
}

// DefaultConfig returns 30s calls and 16MiB of guest memory.
func DefaultConfig() Config {
	return Config{Timeout: 30 * time.Second, MemoryLimitPages: 256}
}

// exportFor names the export backing each connector capability.
var exportFor = map[engine.Capability]string{
	engine.CapabilityCreate:      exportCreate,
	engine.CapabilityUpdate:      exportUpdate,
	engine.CapabilityDelete:      exportDelete,
	engine.CapabilitySearch:      exportSearch,
	engine.CapabilityPagedSearch: exportSearch,
	engine.CapabilitySync:        exportSync,
}

// Factory creates connectors from one compiled bundle.
type Factory struct {
	manifest *Manifest
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	enforcer *enforcer
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewFactory compiles module for manifest.
func NewFactory(ctx context.Context, manifest *Manifest, module []byte, cfg Config) (*Factory, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = DefaultConfig().MemoryLimitPages
	}
	if err := manifest.VerifyChecksum(module); err != nil {
		return nil, err
	}
	if err := allow(manifest.HostCapabilities, cfg.AllowedHostCapabilities); err != nil {
		return nil, engine.NewConfigurationError(fmt.Sprintf("bundle %s", manifest.Name), err)
	}

	f := &Factory{
		manifest: manifest,
		enforcer: newEnforcer(manifest.HostCapabilities, cfg.Timeout),
		timeout:  cfg.Timeout,
		logger: telemetry.ComponentLogger("wasm").With().
			Str("bundle", manifest.Name).Str("version", manifest.Version).Logger(),
	}

	rc := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)
	f.runtime = wazero.NewRuntimeWithConfig(ctx, rc)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, f.runtime); err != nil {
		f.runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}
	if err := f.registerHostFunctions(ctx); err != nil {
		f.runtime.Close(ctx)
		return nil, fmt.Errorf("failed to register host functions: %w", err)
	}

	compiled, err := f.runtime.CompileModule(ctx, module)
	if err != nil {
		f.runtime.Close(ctx)
		return nil, engine.NewConfigurationError(fmt.Sprintf("bundle %s: failed to compile module", manifest.Name), err)
	}
	f.compiled = compiled
	if err := f.checkExports(); err != nil {
		f.runtime.Close(ctx)
		return nil, engine.NewConfigurationError(fmt.Sprintf("bundle %s", manifest.Name), err)
	}

	f.logger.Debug().Strs("host_capabilities", manifest.HostCapabilities).Msg("bundle compiled")
	return f, nil
}

func (f *Factory) checkExports() error {
	exported := f.compiled.ExportedFunctions()
	for _, name := range requiredExports {
		if _, ok := exported[name]; !ok {
			return fmt.Errorf("module does not export %s", name)
		}
	}
	for _, c := range f.manifest.Capabilities {
		name, ok := exportFor[c]
		if !ok {
			continue
		}
		if _, ok := exported[name]; !ok {
			return fmt.Errorf("capability %s needs export %s", c, name)
		}
	}
	if _, ok := f.compiled.ExportedMemories()["memory"]; !ok {
		return fmt.Errorf("module does not export memory")
	}
	return nil
}

// Manifest returns the bundle manifest.
func (f *Factory) Manifest() *Manifest {
	return f.manifest
}

// Close releases the runtime and every instance created from it.
func (f *Factory) Close(ctx context.Context) error {
	return f.runtime.Close(ctx)
}

type callKey struct{}

// callLogger returns the logger of the connector making the current call.
func (f *Factory) callLogger(ctx context.Context) *zerolog.Logger {
	if c, ok := ctx.Value(callKey{}).(*Connector); ok {
		return &c.logger
	}
	return &f.logger
}

func (f *Factory) registerHostFunctions(ctx context.Context) error {
	b := f.runtime.NewHostModuleBuilder("env")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, level, ptr, size uint32) {
			if !f.enforcer.has(HostLog) {
				return
			}
			msg, ok := mod.Memory().Read(ptr, size)
			if !ok {
				return
			}
			logger := f.callLogger(ctx)
			switch level {
			case 0:
				logger.Debug().Msg(string(msg))
			case 1:
				logger.Info().Msg(string(msg))
			case 2:
				logger.Warn().Msg(string(msg))
			default:
				logger.Error().Msg(string(msg))
			}
		}).
		Export("log")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, size uint32) uint64 {
			var resp httpResponse
			raw, ok := mod.Memory().Read(ptr, size)
			if !ok {
				resp.Error = "failed to read request from memory"
			} else {
				var req httpRequest
				if err := json.Unmarshal(raw, &req); err != nil {
					resp.Error = fmt.Sprintf("invalid request: %v", err)
				} else {
					resp = f.enforcer.do(ctx, req)
				}
			}
			if resp.Error != "" {
				f.callLogger(ctx).Debug().Str("error", resp.Error).Msg("http_request denied or failed")
			}
			return writeJSON(ctx, mod, resp)
		}).
		Export("http_request")

	b.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, size uint32) uint64 {
			var out struct {
				Value string `json:"value,omitempty"`
				Error string `json:"error,omitempty"`
			}
			key, ok := mod.Memory().Read(ptr, size)
			if !ok {
				out.Error = "failed to read key from memory"
			} else if v, err := f.enforcer.env(string(key)); err != nil {
				out.Error = err.Error()
			} else {
				out.Value = v
			}
			return writeJSON(ctx, mod, out)
		}).
		Export("env_get")

	_, err := b.Instantiate(ctx)
	return err
}

// writeJSON copies v into guest memory allocated with the guest malloc and
// returns the packed pointer and length, or 0 on failure.
func writeJSON(ctx context.Context, mod api.Module, v interface{}) uint64 {
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	malloc := mod.ExportedFunction(exportMalloc)
	if malloc == nil {
		return 0
	}
	results, err := malloc.Call(ctx, uint64(len(data)))
	if err != nil || len(results) == 0 {
		return 0
	}
	ptr := uint32(results[0])
	if ptr == 0 || !mod.Memory().Write(ptr, data) {
		return 0
	}
	return pack(ptr, uint32(len(data)))
}
