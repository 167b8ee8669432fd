package propagation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/provisio/pkg/engine"
	"github.com/openfroyo/provisio/pkg/pool"
	"github.com/openfroyo/provisio/pkg/telemetry"
)

// call runs native operations on one handle, each under the request timeout,
// and classifies their errors.
type call struct {
	ctx      context.Context
	conn     engine.Connector
	instance string
	timeout  time.Duration
	exec     *Executor
}

func newCall(ctx context.Context, h *pool.Handle, e *Executor) *call {
	timeout := h.Instance().RequestTimeout
	if timeout <= 0 {
		timeout = e.requestTimeout
	}
	return &call{ctx: ctx, conn: h.Connector(), instance: h.Key(), timeout: timeout, exec: e}
}

func (c *call) do(op string, fn func(ctx context.Context) error) error {
	return telemetry.ObserveConnectorCall(c.ctx, c.exec.tracer, c.exec.metrics, c.instance, op,
		func(err error) string { return string(engine.KindOf(err)) },
		func(ctx context.Context) error {
			if c.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, c.timeout)
				defer cancel()
			}
			return Classify(ctx, op, fn(ctx))
		})
}

func (c *call) fetch(objectClass, uid string) (*engine.ConnectorObject, error) {
	var obj *engine.ConnectorObject
	err := c.do("search", func(ctx context.Context) error {
		res, err := c.conn.Search(ctx, objectClass, engine.EqualsFilter(engine.UIDAttribute, uid),
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

func (c *call) create(objectClass string, attrs engine.Attributes) (string, error) {
	var uid string
	err := c.do("create", func(ctx context.Context) error {
		var err error
		uid, err = c.conn.Create(ctx, objectClass, attrs)
		return err
	})
	return uid, err
}

func (c *call) update(objectClass, uid string, attrs engine.Attributes) (string, error) {
	var newUID string
	err := c.do("update", func(ctx context.Context) error {
		var err error
		newUID, err = c.conn.Update(ctx, objectClass, uid, attrs)
		return err
	})
	return newUID, err
}

func (c *call) delete(objectClass, uid string) error {
	return c.do("delete", func(ctx context.Context) error {
		return c.conn.Delete(ctx, objectClass, uid)
	})
}

// Classify maps a connector error onto the provisioning taxonomy. Engine
// errors pass through. A deadline hit by ctx is a TimeoutError. Sentinel
// errors stay reachable through errors.Is.
func Classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return err
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded) || (ctx != nil && errors.Is(ctx.Err(), context.DeadlineExceeded)):
		return engine.NewTimeoutError(fmt.Sprintf("connector %s timed out", op), err).WithOperation(op)
	case errors.Is(err, engine.ErrConnectionBroken):
		return engine.NewConnectorUnavailableError(fmt.Sprintf("connector %s failed", op), err).WithOperation(op)
	case errors.Is(err, engine.ErrObjectNotFound):
		return engine.NewNativeOperationError(fmt.Sprintf("connector %s failed", op), err).
			WithOperation(op).WithCode(engine.ErrCodeNotFound)
	case errors.Is(err, engine.ErrAlreadyExists):
		return engine.NewNativeOperationError(fmt.Sprintf("connector %s failed", op), err).
			WithOperation(op).WithCode(engine.ErrCodeAlreadyExists)
	case errors.Is(err, engine.ErrUnsupported):
		return engine.NewNativeOperationError(fmt.Sprintf("connector %s failed", op), err).
			WithOperation(op).WithCode(engine.ErrCodeUnsupported)
	default:
		return engine.NewNativeOperationError(fmt.Sprintf("connector %s failed", op), err).WithOperation(op)
	}
}
