package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/provisio/pkg/engine"
	"github.com/openfroyo/provisio/pkg/propagation"
	"github.com/openfroyo/provisio/pkg/telemetry"
)

// capabilities returns what the resource's connector advertises: the
// instance's configured set, or the implementation's own when none is set.
func (r *run) capabilities(ctx context.Context) (engine.CapabilitySet, error) {
	if inst, ok := r.eng.pool.Instance(r.resource.ConnectorKey); ok && !inst.Capabilities.IsEmpty() {
		return inst.Capabilities, nil
	}
	h, err := r.eng.pool.Acquire(ctx, r.resource.ConnectorKey, r.eng.acquireTimeout)
	if err != nil {
		return engine.CapabilitySet{}, err
	}
	defer r.eng.pool.Release(h)
	return h.Connector().Capabilities(), nil
}

// withConnector runs one native call on a pooled handle under the request
// timeout. Timeouts and broken connections invalidate the handle.
func (r *run) withConnector(ctx context.Context, op string, fn func(ctx context.Context, conn engine.Connector) error) error {
	h, err := r.eng.pool.Acquire(ctx, r.resource.ConnectorKey, r.eng.acquireTimeout)
	if err != nil {
		return err
	}

	timeout := h.Instance().RequestTimeout
	if timeout <= 0 {
		timeout = r.eng.requestTimeout
	}
	err = telemetry.ObserveConnectorCall(ctx, r.eng.tracer, r.eng.metrics, h.Key(), op,
		func(err error) string { return string(engine.KindOf(err)) },
		func(ctx context.Context) error {
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			return propagation.Classify(ctx, op, fn(ctx, h.Connector()))
		})

	if engine.IsTimeout(err) || errors.Is(err, engine.ErrConnectionBroken) {
		r.eng.pool.Invalidate(h)
	} else {
		r.eng.pool.Release(h)
	}
	return err
}

// fetch reads one remote object by UID, or nil when it does not exist.
func (r *run) fetch(ctx context.Context, uid string) (*engine.ConnectorObject, error) {
	var obj *engine.ConnectorObject
	err := r.withConnector(ctx, "search", func(ctx context.Context, conn engine.Connector) error {
		res, err := conn.Search(ctx, r.compiled.ObjectClass(), engine.EqualsFilter(engine.UIDAttribute, uid),
			engine.SearchOptions{PageSize: 2})
		if err != nil {
			return err
		}
		if len(res.Objects) > 0 {
			obj = res.Objects[0]
		}
		return nil
	})
	return obj, err
}

// search reads one page of remote objects.
func (r *run) search(ctx context.Context, filter *engine.Filter, cookie string) (*engine.SearchResult, error) {
	var res *engine.SearchResult
	err := r.withConnector(ctx, "search", func(ctx context.Context, conn engine.Connector) error {
		var err error
		res, err = conn.Search(ctx, r.compiled.ObjectClass(), filter, engine.SearchOptions{
			PageSize: r.profile.pageSize(),
			Cookie:   cookie,
		})
		return err
	})
	if err == nil && res == nil {
		res = &engine.SearchResult{}
	}
	return res, err
}

// sync reads the deltas recorded after token.
func (r *run) sync(ctx context.Context, token string) ([]engine.SyncDelta, string, error) {
	var (
		deltas []engine.SyncDelta
		latest string
	)
	err := r.withConnector(ctx, "sync", func(ctx context.Context, conn engine.Connector) error {
		sc, ok := conn.(engine.SyncConnector)
		if !ok {
			return fmt.Errorf("connector cannot sync: %w", engine.ErrUnsupported)
		}
		var err error
		deltas, latest, err = sc.Sync(ctx, r.compiled.ObjectClass(), token)
		return err
	})
	return deltas, latest, err
}
