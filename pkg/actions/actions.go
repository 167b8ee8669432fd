// Package actions runs Starlark hook scripts around propagation and
// reconciliation.
//
// A script is a Starlark module defining any of the hook functions below.
// Hooks that are not defined are skipped.
//
//	def before(task, attrs):        # propagation, may return a new attrs dict
//	def after(task, status):        # propagation
//	def on_error(task, error):      # propagation and reconciliation
//	def preprocess(object, attrs):  # pull and push, may return a new attrs dict
//	def after_report(report):       # pull and push
//
// Scripts have no access to the file system, the network or the clock.
package actions

import (
	"context"
	"fmt"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/provisio/pkg/engine"
)

// Hook names.
const (
	HookBefore      = "before"
	HookAfter       = "after"
	HookOnError     = "on_error"
	HookPreprocess  = "preprocess"
	HookAfterReport = "after_report"
)

// DefaultTimeout bounds one hook call when Compile is given none.
const DefaultTimeout = 5 * time.Second

// Script is a compiled hook module. It is safe for concurrent use; every
// call runs on its own thread.
type Script struct {
	name    string
	timeout time.Duration
	hooks   map[string]*starlark.Function
}

// Compile executes the module once and collects its hook functions.
// Syntax and top-level errors are ConfigurationErrors.
func Compile(name, src string, timeout time.Duration) (*Script, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	s := &Script{name: name, timeout: timeout, hooks: map[string]*starlark.Function{}}
	if src == "" {
		return s, nil
	}

	thread := newThread(name)
	globals, err := starlark.ExecFile(thread, name+".star", src, predeclared())
	if err != nil {
		return nil, engine.NewConfigurationError(fmt.Sprintf("actions script %s failed to load", name), err)
	}

	for _, hook := range []string{HookBefore, HookAfter, HookOnError, HookPreprocess, HookAfterReport} {
		v, ok := globals[hook]
		if !ok {
			continue
		}
		fn, ok := v.(*starlark.Function)
		if !ok {
			return nil, engine.NewConfigurationError(
				fmt.Sprintf("actions script %s: %s must be a function, got %s", name, hook, v.Type()), nil)
		}
		s.hooks[hook] = fn
	}
	globals.Freeze()
	return s, nil
}

// Name returns the script name.
func (s *Script) Name() string { return s.name }

// Has reports whether the script defines the hook. A nil script defines none.
func (s *Script) Has(hook string) bool {
	if s == nil {
		return false
	}
	_, ok := s.hooks[hook]
	return ok
}

// Before runs the before hook. It returns attrs unchanged when the hook is
// missing or returns None.
func (s *Script) Before(ctx context.Context, task *engine.PropagationTask, attrs engine.Attributes) (engine.Attributes, error) {
	if !s.Has(HookBefore) {
		return attrs, nil
	}
	return s.rewrite(ctx, HookBefore, taskValue(task), attrs)
}

// After runs the after hook with the recorded status.
func (s *Script) After(ctx context.Context, task *engine.PropagationTask, status engine.PropagationStatus) error {
	if !s.Has(HookAfter) {
		return nil
	}
	_, err := s.call(ctx, HookAfter, taskValue(task), statusValue(status))
	return err
}

// OnError runs the on_error hook. subject is a task or a report.
func (s *Script) OnError(ctx context.Context, subject interface{}, cause error) error {
	if !s.Has(HookOnError) || cause == nil {
		return nil
	}
	var arg starlark.Value = starlark.None
	switch t := subject.(type) {
	case *engine.PropagationTask:
		arg = taskValue(t)
	case engine.ProvisioningReport:
		arg = reportValue(t)
	}
	_, err := s.call(ctx, HookOnError, arg, starlark.String(cause.Error()))
	return err
}

// Preprocess runs the preprocess hook on an object about to be reconciled.
func (s *Script) Preprocess(ctx context.Context, obj *engine.ConnectorObject, attrs engine.Attributes) (engine.Attributes, error) {
	if !s.Has(HookPreprocess) {
		return attrs, nil
	}
	return s.rewrite(ctx, HookPreprocess, objectValue(obj), attrs)
}

// AfterReport runs the after_report hook.
func (s *Script) AfterReport(ctx context.Context, report engine.ProvisioningReport) error {
	if !s.Has(HookAfterReport) {
		return nil
	}
	_, err := s.call(ctx, HookAfterReport, reportValue(report))
	return err
}

func (s *Script) rewrite(ctx context.Context, hook string, subject starlark.Value, attrs engine.Attributes) (engine.Attributes, error) {
	in, err := toStarlarkValue(attrs)
	if err != nil {
		return nil, fmt.Errorf("failed to convert attributes for %s: %w", hook, err)
	}
	out, err := s.call(ctx, hook, subject, in)
	if err != nil {
		return nil, err
	}
	if out == starlark.None {
		return attrs, nil
	}
	rewritten, err := attributesFrom(out)
	if err != nil {
		return nil, fmt.Errorf("actions script %s: %s: %w", s.name, hook, err)
	}
	return rewritten, nil
}

// call runs one hook on a fresh thread, cancelled when ctx ends or the
// script timeout elapses.
func (s *Script) call(ctx context.Context, hook string, args ...starlark.Value) (starlark.Value, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	thread := newThread(s.name)
	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(ctx.Err().Error())
	})
	defer stop()

	out, err := starlark.Call(thread, s.hooks[hook], starlark.Tuple(args), nil)
	if err != nil {
		return nil, fmt.Errorf("actions script %s: %s failed: %w", s.name, hook, err)
	}
	return out, nil
}

func newThread(name string) *starlark.Thread {
	return &starlark.Thread{
		Name:  name,
		Print: func(*starlark.Thread, string) {},
	}
}

func predeclared() starlark.StringDict {
	return starlark.StringDict{
		"struct": starlarkstruct.Default,
	}
}

func taskValue(t *engine.PropagationTask) starlark.Value {
	if t == nil {
		return starlark.None
	}
	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"id":                  starlark.String(t.ID()),
		"resource":            starlark.String(t.Resource()),
		"any_type":            starlark.String(t.AnyType()),
		"key":                 starlark.String(t.EntityKey()),
		"object_class":        starlark.String(t.ObjectClass()),
		"operation":           starlark.String(t.Operation()),
		"conn_object_key":     starlark.String(t.ConnObjectKey()),
		"old_conn_object_key": starlark.String(t.OldConnObjectKey()),
	})
}

func statusValue(st engine.PropagationStatus) starlark.Value {
	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"resource":       starlark.String(st.Resource),
		"operation":      starlark.String(st.Operation),
		"status":         starlark.String(st.Status),
		"failure_reason": starlark.String(st.FailureReason),
	})
}

func reportValue(r engine.ProvisioningReport) starlark.Value {
	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"resource":  starlark.String(r.Resource),
		"status":    starlark.String(r.Status),
		"operation": starlark.String(r.Operation),
		"any_type":  starlark.String(r.AnyType),
		"key":       starlark.String(r.Key),
		"uid":       starlark.String(r.UidValue),
		"message":   starlark.String(r.Message),
		"state":     starlark.String(r.State),
		"rule":      starlark.String(r.Rule),
	})
}

func objectValue(obj *engine.ConnectorObject) starlark.Value {
	if obj == nil {
		return starlark.None
	}
	attrs, err := toStarlarkValue(obj.Attributes)
	if err != nil {
		attrs = starlark.None
	}
	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"object_class": starlark.String(obj.ObjectClass),
		"uid":          starlark.String(obj.UID),
		"attributes":   attrs,
	})
}
