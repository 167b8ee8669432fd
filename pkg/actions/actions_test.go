package actions

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/provisio/pkg/engine"
)

func testTask(t *testing.T) *engine.PropagationTask {
	t.Helper()
	task, err := engine.NewPropagationTaskBuilder("ldap", engine.OperationCreate).
		Entity(engine.AnyTypeUser, "u-1").
		ObjectClass("__ACCOUNT__").
		ConnObjectKey("uid", "alice").
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return task
}

func TestCompile(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		hooks   []string
		wantErr bool
	}{
		{name: "empty script"},
		{
			name: "all hooks",
			src: `
def before(task, attrs):
    return attrs
def after(task, status):
    pass
def on_error(task, error):
    pass
def preprocess(object, attrs):
    return None
def after_report(report):
    pass
`,
			hooks: []string{HookBefore, HookAfter, HookOnError, HookPreprocess, HookAfterReport},
		},
		{
			name:    "syntax error",
			src:     "def before(:\n",
			wantErr: true,
		},
		{
			name:    "hook is not a function",
			src:     "before = 1\n",
			wantErr: true,
		},
		{
			name:    "top-level failure",
			src:     "x = 1 // 0\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Compile("test", tt.src, 0)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Compile() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !engine.IsConfiguration(err) {
					t.Errorf("Compile() error kind = %s, want ConfigurationError", engine.KindOf(err))
				}
				return
			}
			for _, h := range tt.hooks {
				if !s.Has(h) {
					t.Errorf("Has(%s) = false", h)
				}
			}
		})
	}
}

func TestBeforeRewritesAttributes(t *testing.T) {
	s, err := Compile("ldap", `
def before(task, attrs):
    out = dict(attrs)
    out["description"] = "managed for " + task.key
    out["cn"] = attrs["givenName"] + " " + attrs["sn"]
    out["sn"] = None
    return out
`, time.Second)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	in := engine.Attributes{
		"uid":       {"alice"},
		"givenName": {"Alice"},
		"sn":        {"Smith"},
		"memberOf":  {"staff", "dev"},
	}
	got, err := s.Before(context.Background(), testTask(t), in)
	if err != nil {
		t.Fatalf("Before() error = %v", err)
	}

	want := engine.Attributes{
		"uid":         {"alice"},
		"givenName":   {"Alice"},
		"memberOf":    {"staff", "dev"},
		"description": {"managed for u-1"},
		"cn":          {"Alice Smith"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Before() = %v, want %v", got, want)
	}
	if !in.Has("sn") {
		t.Error("Before() mutated its input")
	}
}

func TestBeforeNoneKeepsAttributes(t *testing.T) {
	s, err := Compile("noop", "def before(task, attrs):\n    return None\n", 0)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	in := engine.Attributes{"uid": {"alice"}}
	got, err := s.Before(context.Background(), testTask(t), in)
	if err != nil {
		t.Fatalf("Before() error = %v", err)
	}
	if !reflect.DeepEqual(got, in) {
		t.Errorf("Before() = %v, want %v", got, in)
	}
}

func TestMissingHooksAreSkipped(t *testing.T) {
	var nilScript *Script
	in := engine.Attributes{"uid": {"alice"}}

	got, err := nilScript.Before(context.Background(), testTask(t), in)
	if err != nil || !reflect.DeepEqual(got, in) {
		t.Errorf("nil Before() = %v, %v", got, err)
	}
	if err := nilScript.After(context.Background(), testTask(t), engine.PropagationStatus{}); err != nil {
		t.Errorf("nil After() error = %v", err)
	}
	if err := nilScript.OnError(context.Background(), testTask(t), errors.New("boom")); err != nil {
		t.Errorf("nil OnError() error = %v", err)
	}
}

func TestHookFailure(t *testing.T) {
	s, err := Compile("failing", `
def after(task, status):
    fail("rejected " + status.status)
`, 0)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	err = s.After(context.Background(), testTask(t), engine.PropagationStatus{Status: engine.ExecStatusFailure})
	if err == nil || !strings.Contains(err.Error(), "rejected FAILURE") {
		t.Errorf("After() error = %v, want rejected FAILURE", err)
	}
}

func TestHookTimeout(t *testing.T) {
	s, err := Compile("spin", `
def before(task, attrs):
    n = 0
    for i in range(100000000):
        n += i
    return attrs
`, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	start := time.Now()
	_, err = s.Before(context.Background(), testTask(t), engine.Attributes{})
	if err == nil {
		t.Fatal("Before() succeeded, want cancellation")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Before() took %v after timeout", elapsed)
	}
}

func TestPreprocessAndReports(t *testing.T) {
	var seen []string
	s, err := Compile("pull", `
def preprocess(object, attrs):
    out = dict(attrs)
    out["source"] = object.uid
    return out

def after_report(report):
    if report.status != "SUCCESS":
        fail("unexpected " + report.status)
`, 0)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	obj := &engine.ConnectorObject{ObjectClass: "__ACCOUNT__", UID: "bob", Attributes: engine.Attributes{"mail": {"b@x"}}}
	got, err := s.Preprocess(context.Background(), obj, engine.Attributes{"email": {"b@x"}})
	if err != nil {
		t.Fatalf("Preprocess() error = %v", err)
	}
	if got.First("source") != "bob" {
		t.Errorf("source = %v, want bob", got.First("source"))
	}

	for _, st := range []engine.ReportStatus{engine.ReportStatusSuccess, engine.ReportStatusFailure} {
		err := s.AfterReport(context.Background(), engine.ProvisioningReport{Status: st})
		seen = append(seen, string(st)+":"+boolString(err == nil))
	}
	want := []string{"SUCCESS:ok", "FAILURE:err"}
	if !reflect.DeepEqual(seen, want) {
		t.Errorf("AfterReport() outcomes = %v, want %v", seen, want)
	}
}

func boolString(ok bool) string {
	if ok {
		return "ok"
	}
	return "err"
}
