package propagation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/provisio/pkg/engine"
)

func newReattempter(t *testing.T, f *fixture, resources ...engine.ExternalResource) *Reattempter {
	t.Helper()
	nop := zerolog.Nop()
	byKey := make(map[string]engine.ExternalResource)
	for _, r := range resources {
		byKey[r.Key] = r
	}
	r, err := NewReattempter(ReattemptConfig{
		Executor: f.executor,
		Queue:    f.queue,
		Resources: func(key string) (engine.ExternalResource, bool) {
			r, ok := byKey[key]
			return r, ok
		},
		Logger: &nop,
	})
	if err != nil {
		t.Fatalf("NewReattempter() error = %v", err)
	}
	return r
}

func queueChange(t *testing.T, f *fixture, res engine.ExternalResource, username string) {
	t.Helper()
	res.Async = true
	if _, err := f.executor.Propagate(context.Background(), userChange(engine.OperationCreate, username),
		[]engine.ExternalResource{res}); err != nil {
		t.Fatalf("Propagate() error = %v", err)
	}
}

func TestReattemptExecutesQueuedTask(t *testing.T) {
	f := newFixture(t, engine.ConnectorInstance{Key: "hr"})
	res := newResource(t, "hr")
	queueChange(t, f, res, "nina")

	r := newReattempter(t, f, res)
	result, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if result.Executed != 1 || result.Succeeded != 1 {
		t.Errorf("RunOnce() = %+v, want one success", result)
	}
	if _, ok := f.stores.Store("hr").Get(accountClass, "nina"); !ok {
		t.Error("object was not created")
	}
	last := f.recorder.executions[len(f.recorder.executions)-1]
	if last.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", last.Attempt)
	}
}

func TestReattemptRequeuesUntilExhausted(t *testing.T) {
	f := newFixture(t, engine.ConnectorInstance{Key: "hr"})
	res := newResource(t, "hr")
	res.Retry = engine.RetryPolicy{MaxAttempts: 2, Backoff: engine.BackoffFixed, Initial: time.Minute}
	queueChange(t, f, res, "omar")

	r := newReattempter(t, f, res)
	now := time.Now()
	r.now = func() time.Time { return now }

	store := f.stores.Store("hr")
	store.FailNext("search", errors.New("directory down"))
	result, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.Requeued != 1 {
		t.Fatalf("first pass = %+v, want one re-queued", result)
	}
	if f.queue.items[0].Attempts != 1 || !f.queue.items[0].NotBefore.Equal(now.Add(time.Minute)) {
		t.Errorf("queued = %+v, want attempts 1 due in one minute", f.queue.items[0])
	}

	// Not due yet.
	result, _ = r.RunOnce(context.Background())
	if result.Executed != 0 {
		t.Errorf("pass before due time executed %d tasks", result.Executed)
	}

	now = now.Add(2 * time.Minute)
	store.FailNext("search", errors.New("directory down"))
	result, _ = r.RunOnce(context.Background())
	if result.Dropped != 1 {
		t.Errorf("second pass = %+v, want the task dropped", result)
	}
	if n, _ := f.queue.Len(context.Background()); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
}

func TestReattemptDropsUnknownResource(t *testing.T) {
	f := newFixture(t, engine.ConnectorInstance{Key: "hr"})
	queueChange(t, f, newResource(t, "hr"), "pia")

	r := newReattempter(t, f)
	result, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.Dropped != 1 || result.Executed != 0 {
		t.Errorf("RunOnce() = %+v, want one dropped", result)
	}
}

func TestReattempterSchedule(t *testing.T) {
	f := newFixture(t)
	_, err := NewReattempter(ReattemptConfig{
		Executor:  f.executor,
		Queue:     f.queue,
		Resources: func(string) (engine.ExternalResource, bool) { return engine.ExternalResource{}, false },
		Schedule:  "not a schedule",
	})
	if !engine.IsConfiguration(err) {
		t.Errorf("NewReattempter() error = %v, want ConfigurationError", err)
	}

	r := newReattempter(t, f)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := r.Start(ctx); err == nil {
		t.Error("second Start() should fail")
	}
	r.Stop()
	r.Stop()
}
