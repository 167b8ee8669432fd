package wasm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/openfroyo/provisio/pkg/engine"
)

// Exports every connector module provides. Each connector_* function takes
// (ptr, len) of a JSON request and returns (ptr << 32 | len) of a JSON
// response allocated with the module's malloc.
const (
	exportMalloc   = "malloc"
	exportFree     = "free"
	exportInit     = "connector_init"
	exportSchema   = "connector_schema"
	exportCreate   = "connector_create"
	exportUpdate   = "connector_update"
	exportDelete   = "connector_delete"
	exportSearch   = "connector_search"
	exportTest     = "connector_test"
	exportSync     = "connector_sync"
	exportSyncHead = "connector_latest_sync_token"
)

var requiredExports = []string{exportMalloc, exportFree, exportInit, exportSchema}

// guest is the part of an instantiated module the bridge uses.
type guest interface {
	Memory() api.Memory
	ExportedFunction(name string) api.Function
}

// bridge marshals connector calls into a module instance.
type bridge struct {
	mod    guest
	memory api.Memory
	malloc api.Function
	free   api.Function
}

func newBridge(mod guest) (*bridge, error) {
	b := &bridge{mod: mod, memory: mod.Memory()}
	if b.memory == nil {
		return nil, fmt.Errorf("WASM module does not export memory")
	}
	for _, name := range requiredExports {
		if mod.ExportedFunction(name) == nil {
			return nil, fmt.Errorf("WASM module does not export %s", name)
		}
	}
	b.malloc = mod.ExportedFunction(exportMalloc)
	b.free = mod.ExportedFunction(exportFree)
	return b, nil
}

func (b *bridge) exports(name string) bool {
	return b.mod.ExportedFunction(name) != nil
}

// guestError is the error envelope a module returns.
type guestError struct {
	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

func (g guestError) err(op string) error {
	if g.Error == "" {
		return nil
	}
	msg := fmt.Sprintf("%s: %s", op, g.Error)
	switch g.Kind {
	case "not_found":
		return fmt.Errorf("%s: %w", msg, engine.ErrObjectNotFound)
	case "already_exists":
		return fmt.Errorf("%s: %w", msg, engine.ErrAlreadyExists)
	case "unsupported":
		return fmt.Errorf("%s: %w", msg, engine.ErrUnsupported)
	case "connection":
		return fmt.Errorf("%s: %w", msg, engine.ErrConnectionBroken)
	case "unavailable":
		return engine.NewConnectorUnavailableError(msg, nil)
	case "timeout":
		return engine.NewTimeoutError(msg, nil)
	case "throttled":
		return engine.NewThrottledError(msg, nil)
	case "configuration":
		return engine.NewConfigurationError(msg, nil)
	default:
		return engine.NewNativeOperationError(msg, nil)
	}
}

// call sends req to the export and decodes the response into resp.
func (b *bridge) call(ctx context.Context, export string, req, resp interface{}) error {
	fn := b.mod.ExportedFunction(export)
	if fn == nil {
		return fmt.Errorf("%s: %w", export, engine.ErrUnsupported)
	}
	input, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	output, err := b.invoke(ctx, fn, input)
	if err != nil {
		return fmt.Errorf("%s failed: %w", export, err)
	}

	var envelope guestError
	if err := json.Unmarshal(output, &envelope); err != nil {
		return engine.NewNativeOperationError(fmt.Sprintf("%s returned invalid JSON", export), err)
	}
	if err := envelope.err(export); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	if err := json.Unmarshal(output, resp); err != nil {
		return engine.NewNativeOperationError(fmt.Sprintf("%s returned an unexpected response", export), err)
	}
	return nil
}

func (b *bridge) invoke(ctx context.Context, fn api.Function, input []byte) ([]byte, error) {
	var inputPtr, inputLen uint32
	if len(input) > 0 {
		ptr, err := b.allocate(ctx, uint32(len(input)))
		if err != nil {
			return nil, err
		}
		defer b.deallocate(ctx, ptr)
		if !b.memory.Write(ptr, input) {
			return nil, fmt.Errorf("failed to write input to WASM memory")
		}
		inputPtr, inputLen = ptr, uint32(len(input))
	}

	results, err := fn.Call(ctx, uint64(inputPtr), uint64(inputLen))
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("WASM function returned no results")
	}
	outputPtr, outputLen := unpack(results[0])
	if outputLen == 0 {
		return []byte("{}"), nil
	}
	view, ok := b.memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("failed to read output from WASM memory")
	}
	output := append([]byte(nil), view...)
	b.deallocate(ctx, outputPtr)
	return output, nil
}

func (b *bridge) allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := b.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 || uint32(results[0]) == 0 {
		return 0, errors.New("malloc returned null pointer")
	}
	return uint32(results[0]), nil
}

func (b *bridge) deallocate(ctx context.Context, ptr uint32) {
	_, _ = b.free.Call(ctx, uint64(ptr))
}

func pack(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

func unpack(v uint64) (ptr, length uint32) {
	return uint32(v >> 32), uint32(v)
}

// Wire types exchanged with modules.

type initRequest struct {
	Key        string                 `json:"key"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

type objectRequest struct {
	ObjectClass string            `json:"object_class"`
	UID         string            `json:"uid,omitempty"`
	Attributes  engine.Attributes `json:"attributes,omitempty"`
}

type uidResponse struct {
	UID string `json:"uid"`
}

type searchRequest struct {
	ObjectClass     string         `json:"object_class"`
	Filter          *engine.Filter `json:"filter,omitempty"`
	PageSize        int            `json:"page_size"`
	Cookie          string         `json:"cookie,omitempty"`
	AttributesToGet []string       `json:"attributes_to_get,omitempty"`
}

type searchResponse struct {
	Objects    []*engine.ConnectorObject `json:"objects"`
	NextCookie string                    `json:"next_cookie,omitempty"`
}

type syncRequest struct {
	ObjectClass string `json:"object_class"`
	Token       string `json:"token,omitempty"`
}

type wireDelta struct {
	Type   engine.SyncDeltaType    `json:"type"`
	UID    string                  `json:"uid"`
	Object *engine.ConnectorObject `json:"object,omitempty"`
	Token  string                  `json:"token,omitempty"`
}

type syncResponse struct {
	Deltas []wireDelta `json:"deltas"`
	Token  string      `json:"token"`
}
