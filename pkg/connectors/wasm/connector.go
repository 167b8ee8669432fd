package wasm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"

	"github.com/openfroyo/provisio/pkg/engine"
)

// New implements engine.ConnectorFactory. Every connector gets a fresh
// module instance initialized with the instance properties.
func (f *Factory) New(ctx context.Context, instance engine.ConnectorInstance) (engine.Connector, error) {
	caps, err := f.capabilities(instance)
	if err != nil {
		return nil, err
	}

	mc := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_initialize").
		WithSysWalltime().
		WithSysNanotime()
	mod, err := f.runtime.InstantiateModule(ctx, f.compiled, mc)
	if err != nil {
		return nil, engine.NewConnectorUnavailableError(fmt.Sprintf("bundle %s: failed to instantiate module", f.manifest.Name), err)
	}
	b, err := newBridge(mod)
	if err != nil {
		mod.Close(ctx)
		return nil, engine.NewConfigurationError(fmt.Sprintf("bundle %s", f.manifest.Name), err)
	}

	c := &Connector{
		bridge:  b,
		closeFn: mod.Close,
		caps:    caps,
		timeout: f.timeout,
		logger:  f.logger.With().Str("connector", instance.Key).Logger(),
	}
	if err := c.do(ctx, exportInit, initRequest{Key: instance.Key, Properties: instance.Properties}, nil); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// capabilities narrows the manifest capabilities to those the instance
// asks for. Asking for one the module lacks is a configuration error.
func (f *Factory) capabilities(instance engine.ConnectorInstance) (engine.CapabilitySet, error) {
	offered := f.manifest.CapabilitySet()
	requested, err := instance.CapabilitiesProperty(offered.List()...)
	if err != nil {
		return engine.CapabilitySet{}, err
	}
	for _, c := range requested.List() {
		if !offered.Has(c) {
			return engine.CapabilitySet{}, engine.NewConfigurationError(
				fmt.Sprintf("bundle %s does not implement %s", f.manifest.Name, c), nil)
		}
	}
	return requested, nil
}

// Connector is one module instance. Calls are serialized; guest memory is
// not safe for concurrent use.
type Connector struct {
	bridge  *bridge
	closeFn func(context.Context) error
	caps    engine.CapabilitySet
	timeout time.Duration
	logger  zerolog.Logger

	mu     sync.Mutex
	broken atomic.Bool
	closed atomic.Bool
}

var (
	_ engine.SyncConnector = (*Connector)(nil)
	_ engine.Tester        = (*Connector)(nil)
)

func (c *Connector) do(ctx context.Context, export string, req, resp interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() || c.broken.Load() {
		return engine.ErrConnectionBroken
	}

	callCtx := context.WithValue(ctx, callKey{}, c)
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, c.timeout)
		defer cancel()
	}

	err := c.bridge.call(callCtx, export, req, resp)
	if err != nil && callCtx.Err() != nil {
		// The runtime closes the instance when the context ends mid-call.
		c.broken.Store(true)
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return engine.NewTimeoutError(fmt.Sprintf("%s exceeded %s", export, c.timeout), err)
		}
		return ctx.Err()
	}
	if errors.Is(err, engine.ErrConnectionBroken) {
		c.broken.Store(true)
	}
	return err
}

func (c *Connector) require(capability engine.Capability) error {
	if !c.caps.Has(capability) {
		return fmt.Errorf("%s: %w", capability, engine.ErrUnsupported)
	}
	return nil
}

// Capabilities implements engine.Connector.
func (c *Connector) Capabilities() engine.CapabilitySet {
	return c.caps
}

// Schema implements engine.Connector.
func (c *Connector) Schema(ctx context.Context) (*engine.Schema, error) {
	var schema engine.Schema
	if err := c.do(ctx, exportSchema, struct{}{}, &schema); err != nil {
		return nil, err
	}
	return &schema, nil
}

// Create implements engine.Connector.
func (c *Connector) Create(ctx context.Context, objectClass string, attrs engine.Attributes) (string, error) {
	if err := c.require(engine.CapabilityCreate); err != nil {
		return "", err
	}
	var resp uidResponse
	if err := c.do(ctx, exportCreate, objectRequest{ObjectClass: objectClass, Attributes: attrs}, &resp); err != nil {
		return "", err
	}
	return resp.UID, nil
}

// Update implements engine.Connector.
func (c *Connector) Update(ctx context.Context, objectClass, uid string, attrs engine.Attributes) (string, error) {
	if err := c.require(engine.CapabilityUpdate); err != nil {
		return "", err
	}
	resp := uidResponse{UID: uid}
	if err := c.do(ctx, exportUpdate, objectRequest{ObjectClass: objectClass, UID: uid, Attributes: attrs}, &resp); err != nil {
		return "", err
	}
	if resp.UID == "" {
		return uid, nil
	}
	return resp.UID, nil
}

// Delete implements engine.Connector.
func (c *Connector) Delete(ctx context.Context, objectClass, uid string) error {
	if err := c.require(engine.CapabilityDelete); err != nil {
		return err
	}
	return c.do(ctx, exportDelete, objectRequest{ObjectClass: objectClass, UID: uid}, nil)
}

// Search implements engine.Connector.
func (c *Connector) Search(ctx context.Context, objectClass string, filter *engine.Filter, opts engine.SearchOptions) (*engine.SearchResult, error) {
	if err := c.require(engine.CapabilitySearch); err != nil {
		return nil, err
	}
	size := opts.PageSize
	if size <= 0 {
		size = engine.DefaultPageSize
	}
	req := searchRequest{
		ObjectClass:     objectClass,
		Filter:          filter,
		PageSize:        size,
		Cookie:          opts.Cookie,
		AttributesToGet: opts.AttributesToGet,
	}
	var resp searchResponse
	if err := c.do(ctx, exportSearch, req, &resp); err != nil {
		return nil, err
	}
	for _, obj := range resp.Objects {
		if obj.ObjectClass == "" {
			obj.ObjectClass = objectClass
		}
	}
	result := &engine.SearchResult{Objects: resp.Objects}
	if c.caps.Has(engine.CapabilityPagedSearch) {
		result.NextCookie = resp.NextCookie
	}
	return result, nil
}

// Sync implements engine.SyncConnector.
func (c *Connector) Sync(ctx context.Context, objectClass, token string) ([]engine.SyncDelta, string, error) {
	if err := c.require(engine.CapabilitySync); err != nil {
		return nil, "", err
	}
	var resp syncResponse
	if err := c.do(ctx, exportSync, syncRequest{ObjectClass: objectClass, Token: token}, &resp); err != nil {
		return nil, "", err
	}
	deltas := make([]engine.SyncDelta, 0, len(resp.Deltas))
	for _, d := range resp.Deltas {
		deltas = append(deltas, engine.SyncDelta{Type: d.Type, UID: d.UID, Object: d.Object, Token: d.Token})
	}
	return deltas, resp.Token, nil
}

// LatestSyncToken implements engine.SyncConnector.
func (c *Connector) LatestSyncToken(ctx context.Context, objectClass string) (string, error) {
	if err := c.require(engine.CapabilitySync); err != nil {
		return "", err
	}
	var resp syncResponse
	if err := c.do(ctx, exportSyncHead, syncRequest{ObjectClass: objectClass}, &resp); err != nil {
		return "", err
	}
	return resp.Token, nil
}

// Test calls connector_test when the module exports it.
func (c *Connector) Test(ctx context.Context) error {
	if !c.bridge.exports(exportTest) {
		if c.closed.Load() || c.broken.Load() {
			return engine.ErrConnectionBroken
		}
		return nil
	}
	return c.do(ctx, exportTest, struct{}{}, nil)
}

// Close releases the module instance.
func (c *Connector) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeFn(context.Background())
}
