// Package pool keeps a bounded, health-checked set of live connector handles
// per connector instance.
//
// Each instance has its own mutex and wake channel, so instances never
// contend with each other. The manager map lock is held only for lookups.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/provisio/pkg/engine"
	"github.com/openfroyo/provisio/pkg/telemetry"
)

// DefaultEvictInterval is how often the evictor runs when Config sets none.
const DefaultEvictInterval = 30 * time.Second

// Acquire outcomes used for metrics.
const (
	outcomeIdle        = "idle"
	outcomeCreated     = "created"
	outcomeTimeout     = "timeout"
	outcomeUnavailable = "unavailable"
	outcomeCancelled   = "cancelled"
)

// ErrClosed is returned by Acquire once the manager or the instance pool is closed.
var ErrClosed = errors.New("connector pool is closed")

// Config configures a Manager.
type Config struct {
	// Factory creates connectors for registered instances.
	Factory engine.ConnectorFactory

	// Defaults fill unset PoolConfig fields. Zero means engine.DefaultPoolConfig.
	Defaults engine.PoolConfig

	// EvictInterval is the evictor period. Zero means DefaultEvictInterval.
	EvictInterval time.Duration

	// Logger defaults to the global logger with component=pool.
	Logger *zerolog.Logger

	Metrics *telemetry.Metrics
	Events  *telemetry.EventPublisher
}

// Manager owns one pool per registered connector instance.
type Manager struct {
	factory       engine.ConnectorFactory
	defaults      engine.PoolConfig
	evictInterval time.Duration
	logger        zerolog.Logger
	metrics       *telemetry.Metrics
	events        *telemetry.EventPublisher

	mu     sync.RWMutex
	pools  map[string]*instancePool
	closed bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewManager creates a pool manager.
func NewManager(cfg Config) *Manager {
	defaults := cfg.Defaults.WithDefaults(engine.DefaultPoolConfig())
	interval := cfg.EvictInterval
	if interval <= 0 {
		interval = DefaultEvictInterval
	}
	logger := telemetry.ComponentLogger("pool")
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Manager{
		factory:       cfg.Factory,
		defaults:      defaults,
		evictInterval: interval,
		logger:        logger,
		metrics:       cfg.Metrics,
		events:        cfg.Events,
		pools:         make(map[string]*instancePool),
		stop:          make(chan struct{}),
	}
}

// Register validates the instance's pool settings and creates its pool.
// Registering a key again replaces the pool; handles of the old pool are
// closed as they are released.
func (m *Manager) Register(instance engine.ConnectorInstance) error {
	if instance.Key == "" {
		return engine.NewConfigurationError("connector instance has no key", nil)
	}
	if err := instance.Pool.Validate(); err != nil {
		return err
	}
	cfg := effectiveConfig(instance.Pool, m.defaults)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("connector %s: %w", instance.Key, err)
	}
	if cfg.MaxObjects <= 0 {
		return engine.NewConfigurationError(
			fmt.Sprintf("connector %s: maxObjects must be positive", instance.Key), nil)
	}
	instance.Properties = cloneProperties(instance.Properties)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	old := m.pools[instance.Key]
	m.pools[instance.Key] = newInstancePool(instance, cfg)
	m.mu.Unlock()

	if old != nil {
		closeAll(old.drain())
	}

	m.logger.Debug().
		Str("connector", instance.Key).
		Str("bundle", instance.BundleRef()).
		Int("max_objects", cfg.MaxObjects).
		Int("max_idle", cfg.MaxIdle).
		Int("min_idle", cfg.MinIdle).
		Msg("registered connector pool")
	m.metrics.SetPoolState(instance.Key, 0, 0, 0)
	return nil
}

// Unregister removes an instance pool and closes its idle handles.
func (m *Manager) Unregister(key string) {
	m.mu.Lock()
	p := m.pools[key]
	delete(m.pools, key)
	m.mu.Unlock()

	if p != nil {
		closeAll(p.drain())
	}
}

// Instance returns a copy of a registered connector instance.
func (m *Manager) Instance(key string) (engine.ConnectorInstance, bool) {
	p, err := m.lookup(key)
	if err != nil {
		return engine.ConnectorInstance{}, false
	}
	return p.instance, true
}

func (m *Manager) lookup(key string) (*instancePool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	p, ok := m.pools[key]
	if !ok {
		return nil, engine.NewConfigurationError(fmt.Sprintf("unknown connector instance %q", key), nil)
	}
	return p, nil
}

// Acquire borrows a handle for the instance. It returns an idle handle at
// once, creates one while the pool is below MaxObjects, and otherwise waits
// for a release. A non-positive timeout means the instance's MaxWait.
// No handle is ever returned after the timeout has elapsed.
func (m *Manager) Acquire(ctx context.Context, key string, timeout time.Duration) (*Handle, error) {
	p, err := m.lookup(key)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = p.cfg.MaxWait
	}

	start := time.Now()
	deadline := start.Add(timeout)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}

		if h := p.popIdle(); h != nil {
			h.lastUsed = time.Now()
			m.observe(p)
			p.mu.Unlock()
			m.metrics.RecordAcquire(key, outcomeIdle, time.Since(start))
			return h, nil
		}

		if p.live < p.cfg.MaxObjects {
			p.live++
			m.observe(p)
			p.mu.Unlock()
			return m.createHandle(ctx, p, start, deadline)
		}

		wake := p.wake
		p.waiting++
		m.observe(p)
		p.mu.Unlock()

		var waitErr error
		select {
		case <-wake:
		case <-timer.C:
			waitErr = m.timeoutError(p, timeout)
		case <-ctx.Done():
			waitErr = engine.NewConnectorUnavailableError(
				fmt.Sprintf("acquire on %s cancelled", key), ctx.Err()).WithCode(engine.ErrCodeCancelled)
		}

		p.mu.Lock()
		p.waiting--
		m.observe(p)
		p.mu.Unlock()

		if waitErr != nil {
			outcome := outcomeTimeout
			if engine.IsKind(waitErr, engine.KindConnectorUnavailable) {
				outcome = outcomeCancelled
			}
			m.metrics.RecordAcquire(key, outcome, time.Since(start))
			return nil, waitErr
		}
		if !time.Now().Before(deadline) {
			m.metrics.RecordAcquire(key, outcomeTimeout, time.Since(start))
			return nil, m.timeoutError(p, timeout)
		}
	}
}

// createHandle fills a reserved slot. Creation failures give the slot back
// and never count against MaxObjects.
func (m *Manager) createHandle(ctx context.Context, p *instancePool, start, deadline time.Time) (*Handle, error) {
	key := p.instance.Key
	cctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	h, err := p.create(cctx, m.factory)
	if err != nil {
		p.mu.Lock()
		p.live--
		p.broadcast()
		m.observe(p)
		p.mu.Unlock()

		m.metrics.RecordAcquire(key, outcomeUnavailable, time.Since(start))
		m.logger.Warn().Err(err).Str("connector", key).Msg("failed to create connector")
		return nil, engine.NewConnectorUnavailableError(
			fmt.Sprintf("failed to create connector %s", key), err).WithResource(key)
	}

	if !time.Now().Before(deadline) {
		// Too late for this caller; keep the connector for the next one.
		m.release(h, false)
		m.metrics.RecordAcquire(key, outcomeTimeout, time.Since(start))
		return nil, m.timeoutError(p, deadline.Sub(start))
	}

	m.metrics.RecordAcquire(key, outcomeCreated, time.Since(start))
	m.logger.Debug().Str("connector", key).Uint64("handle", h.id).Msg("created connector")
	return h, nil
}

func (m *Manager) timeoutError(p *instancePool, waited time.Duration) error {
	_ = m.events.PublishPoolExhausted(p.instance.Key, p.cfg.MaxObjects, waited)
	return engine.NewTimeoutError(
		fmt.Sprintf("no connector available for %s within %s", p.instance.Key, waited), nil).
		WithResource(p.instance.Key).
		WithOperation("acquire")
}

// Release returns a handle to its pool. Invalidated handles, handles of a
// closed pool and handles above MaxIdle are closed instead.
func (m *Manager) Release(h *Handle) {
	m.release(h, false)
}

// Invalidate closes a handle whose connection is unusable and frees its slot.
func (m *Manager) Invalidate(h *Handle) {
	m.release(h, true)
}

func (m *Manager) release(h *Handle, invalidate bool) {
	if h == nil {
		return
	}
	p := h.pool

	p.mu.Lock()
	if !h.borrowed {
		p.mu.Unlock()
		m.logger.Warn().Str("connector", p.instance.Key).Uint64("handle", h.id).Msg("handle released twice")
		return
	}
	h.borrowed = false
	if invalidate {
		h.invalid = true
	}

	var toClose engine.Connector
	switch {
	case h.invalid || p.closed:
		p.live--
		toClose = h.conn
	case len(p.idle) >= p.cfg.MaxIdle:
		p.live--
		toClose = h.conn
	default:
		h.lastUsed = time.Now()
		p.idle = append(p.idle, h)
	}
	p.broadcast()
	m.observe(p)
	p.mu.Unlock()

	if toClose != nil {
		if err := toClose.Close(); err != nil {
			m.logger.Debug().Err(err).Str("connector", p.instance.Key).Msg("failed to close connector")
		}
	}
}

// Evict runs one eviction pass over every pool.
func (m *Manager) Evict(now time.Time) int {
	m.mu.RLock()
	pools := make([]*instancePool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.RUnlock()

	total := 0
	for _, p := range pools {
		evicted := p.evict(now)
		if len(evicted) == 0 {
			continue
		}
		closeAll(evicted)
		total += len(evicted)

		p.mu.Lock()
		m.observe(p)
		p.mu.Unlock()

		m.logger.Debug().Str("connector", p.instance.Key).Int("evicted", len(evicted)).Msg("evicted idle connectors")
	}
	return total
}

// Start runs the evictor until ctx is done or the manager is closed.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.done != nil {
		m.mu.Unlock()
		return
	}
	m.done = make(chan struct{})
	m.mu.Unlock()

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.evictInterval)
		defer ticker.Stop()

		for {
			select {
			case now := <-ticker.C:
				m.Evict(now)
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			}
		}
	}()
}

// Stats returns the statistics of one pool.
func (m *Manager) Stats(key string) (Stats, error) {
	p, err := m.lookup(key)
	if err != nil {
		return Stats{}, err
	}
	return p.stats(), nil
}

// AllStats returns the statistics of every pool, sorted by key.
func (m *Manager) AllStats() []Stats {
	m.mu.RLock()
	out := make([]Stats, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p.stats())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Close stops the evictor and closes every idle handle. Borrowed handles
// are closed when released.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	pools := m.pools
	done := m.done
	m.mu.Unlock()

	m.stopOnce.Do(func() { close(m.stop) })
	if done != nil {
		<-done
	}

	for _, p := range pools {
		closeAll(p.drain())
	}
	return nil
}

// observe publishes the pool gauges. Caller holds p.mu.
func (m *Manager) observe(p *instancePool) {
	s := p.statsLocked()
	m.metrics.SetPoolState(s.Key, s.Live, s.Idle, s.Waiting)
}

// effectiveConfig fills unset fields from defaults. Defaulted idle bounds are
// clamped so that an instance setting only MaxObjects stays valid.
func effectiveConfig(set, defaults engine.PoolConfig) engine.PoolConfig {
	cfg := set.WithDefaults(defaults)
	if set.MaxIdle == 0 && cfg.MaxIdle > cfg.MaxObjects {
		cfg.MaxIdle = cfg.MaxObjects
	}
	if set.MinIdle == 0 && cfg.MinIdle > cfg.MaxIdle {
		cfg.MinIdle = cfg.MaxIdle
	}
	return cfg
}

func cloneProperties(props map[string]interface{}) map[string]interface{} {
	if props == nil {
		return nil
	}
	out := make(map[string]interface{}, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}
