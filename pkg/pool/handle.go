package pool

import (
	"context"
	"sync"
	"time"

	"github.com/openfroyo/provisio/pkg/engine"
)

// Handle is one live connector borrowed from a pool. It must be given back
// with Manager.Release or Manager.Invalidate exactly once.
type Handle struct {
	conn     engine.Connector
	pool     *instancePool
	id       uint64
	lastUsed time.Time

	// guarded by pool.mu
	borrowed bool
	invalid  bool
}

// Connector returns the underlying connector.
func (h *Handle) Connector() engine.Connector { return h.conn }

// Instance returns a copy of the connector instance the handle belongs to.
func (h *Handle) Instance() engine.ConnectorInstance { return h.pool.instance }

// Key returns the connector instance key.
func (h *Handle) Key() string { return h.pool.instance.Key }

// ID returns a per-pool sequence number, for logs.
func (h *Handle) ID() uint64 { return h.id }

// instancePool is the bounded handle set of one connector instance.
type instancePool struct {
	instance engine.ConnectorInstance
	cfg      engine.PoolConfig

	mu      sync.Mutex
	idle    []*Handle // oldest first; acquire takes from the end
	live    int       // idle + borrowed + being created
	waiting int
	nextID  uint64
	closed  bool

	// wake is closed and replaced whenever capacity frees up.
	wake chan struct{}
}

func newInstancePool(instance engine.ConnectorInstance, cfg engine.PoolConfig) *instancePool {
	return &instancePool{
		instance: instance,
		cfg:      cfg,
		wake:     make(chan struct{}),
	}
}

// broadcast wakes every waiter. Caller holds mu.
func (p *instancePool) broadcast() {
	close(p.wake)
	p.wake = make(chan struct{})
}

// popIdle takes the most recently used idle handle. Caller holds mu.
func (p *instancePool) popIdle() *Handle {
	n := len(p.idle)
	if n == 0 {
		return nil
	}
	h := p.idle[n-1]
	p.idle[n-1] = nil
	p.idle = p.idle[:n-1]
	h.borrowed = true
	return h
}

// create builds and optionally tests a connector. The caller has already
// reserved a live slot.
func (p *instancePool) create(ctx context.Context, factory engine.ConnectorFactory) (*Handle, error) {
	conn, err := factory.New(ctx, p.instance)
	if err != nil {
		return nil, err
	}
	if tester, ok := conn.(engine.Tester); ok {
		if err := tester.Test(ctx); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}

	now := time.Now()
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.mu.Unlock()

	return &Handle{
		conn:     conn,
		pool:     p,
		id:       id,
		lastUsed: now,
		borrowed: true,
	}, nil
}

// evict removes idle handles unused for longer than MinEvictableIdle while
// keeping at least MinIdle idle handles. It returns the removed connectors.
func (p *instancePool) evict(now time.Time) []engine.Connector {
	p.mu.Lock()
	defer p.mu.Unlock()

	var evicted []engine.Connector
	for len(p.idle) > p.cfg.MinIdle {
		oldest := p.idle[0]
		if now.Sub(oldest.lastUsed) <= p.cfg.MinEvictableIdle {
			break
		}
		p.idle[0] = nil
		p.idle = p.idle[1:]
		p.live--
		evicted = append(evicted, oldest.conn)
	}
	if len(evicted) > 0 {
		p.broadcast()
	}
	return evicted
}

// drain marks the pool closed and returns its idle connectors. Borrowed
// handles are closed as they come back.
func (p *instancePool) drain() []engine.Connector {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	conns := make([]engine.Connector, 0, len(p.idle))
	for _, h := range p.idle {
		conns = append(conns, h.conn)
	}
	p.live -= len(p.idle)
	p.idle = nil
	p.broadcast()
	return conns
}

// Stats is a point-in-time view of one pool.
type Stats struct {
	Key        string `json:"key"`
	Bundle     string `json:"bundle"`
	Live       int    `json:"live"`
	Idle       int    `json:"idle"`
	Active     int    `json:"active"`
	Waiting    int    `json:"waiting"`
	MaxObjects int    `json:"max_objects"`
	MinIdle    int    `json:"min_idle"`
	MaxIdle    int    `json:"max_idle"`
}

func (p *instancePool) stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

func (p *instancePool) statsLocked() Stats {
	return Stats{
		Key:        p.instance.Key,
		Bundle:     p.instance.BundleRef(),
		Live:       p.live,
		Idle:       len(p.idle),
		Active:     p.live - len(p.idle),
		Waiting:    p.waiting,
		MaxObjects: p.cfg.MaxObjects,
		MinIdle:    p.cfg.MinIdle,
		MaxIdle:    p.cfg.MaxIdle,
	}
}

func closeAll(conns []engine.Connector) {
	for _, c := range conns {
		_ = c.Close()
	}
}
