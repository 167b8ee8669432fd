package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/provisio/pkg/engine"
	"github.com/openfroyo/provisio/pkg/pool"
)

const testWorkspace = `
name: "test"

engine: storePath: "state.db"

connectors: directory: bundle: "memory"

resources: directory: {
	connector: "directory"
	provisions: [{
		anyType:     "USER"
		objectClass: "__ACCOUNT__"
		items: [
			{intAttrName: "username", extAttrName: "uid", connObjectKey: true},
			{intAttrName: "email", extAttrName: "mail"},
		]
	}]
}

profiles: "directory-pull": {
	direction:      "PULL"
	resource:       "directory"
	matchingRule:   "UPDATE"
	unmatchingRule: "PROVISION"
	correlation: attributes: ["username"]
}
`

func writeTestWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "workspace.cue"), []byte(testWorkspace), 0o644); err != nil {
		t.Fatal(err)
	}
	attrs := `{"username": "jdoe", "email": "jdoe@example.com", "groups": ["staff", "eng"]}`
	if err := os.WriteFile(filepath.Join(dir, "jdoe.json"), []byte(attrs), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand("test", "none", "now")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--log-level", "error"))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// TestValidateCommand tests the validate summary.
func TestValidateCommand(t *testing.T) {
	dir := writeTestWorkspace(t)

	out, err := runCLI(t, "validate", dir, "--json")
	if err != nil {
		t.Fatalf("validate error = %v\n%s", err, out)
	}
	var summary validateSummary
	if err := json.Unmarshal([]byte(out), &summary); err != nil {
		t.Fatalf("invalid JSON output: %v\n%s", err, out)
	}
	if len(summary.Connectors) != 1 || summary.Resources["directory"] != 2 {
		t.Errorf("summary = %+v", summary)
	}
	if summary.Profiles["directory-pull"] != "PULL" {
		t.Errorf("profiles = %v", summary.Profiles)
	}

	broken := t.TempDir()
	if err := os.WriteFile(filepath.Join(broken, "ws.cue"), []byte(`name: "x"
resources: r: {connector: "nope", provisions: [{anyType: "USER", objectClass: "o", items: [{intAttrName: "a", extAttrName: "b", connObjectKey: true}]}]}
`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := runCLI(t, "validate", broken); !engine.IsConfiguration(err) {
		t.Errorf("validate broken workspace error = %v", err)
	}
}

// TestPropagateAndTasks tests that propagated tasks are recorded in the store.
func TestPropagateAndTasks(t *testing.T) {
	dir := writeTestWorkspace(t)

	out, err := runCLI(t, "propagate", "-w", dir, "--key", "id-jdoe", "--op", "create",
		"--attrs", filepath.Join(dir, "jdoe.json"), "--json")
	if err != nil {
		t.Fatalf("propagate error = %v\n%s", err, out)
	}
	var statuses []engine.PropagationStatus
	if err := json.Unmarshal([]byte(out), &statuses); err != nil {
		t.Fatalf("invalid JSON output: %v\n%s", err, out)
	}
	if len(statuses) != 1 || statuses[0].Status != engine.ExecStatusSuccess || statuses[0].Operation != engine.OperationCreate {
		t.Fatalf("statuses = %+v", statuses)
	}
	if _, err := os.Stat(filepath.Join(dir, "state.db")); err != nil {
		t.Errorf("store not created in workspace: %v", err)
	}

	out, err = runCLI(t, "tasks", "-w", dir, "--json")
	if err != nil {
		t.Fatalf("tasks error = %v\n%s", err, out)
	}
	var tasks []struct {
		Resource   string `json:"resource"`
		EntityKey  string `json:"entity_key"`
		Executions []struct {
			Status string `json:"status"`
		} `json:"executions"`
	}
	if err := json.Unmarshal([]byte(out), &tasks); err != nil {
		t.Fatalf("invalid JSON output: %v\n%s", err, out)
	}
	if len(tasks) != 1 || tasks[0].EntityKey != "id-jdoe" || len(tasks[0].Executions) != 1 {
		t.Fatalf("tasks = %+v", tasks)
	}
	if tasks[0].Executions[0].Status != string(engine.ExecStatusSuccess) {
		t.Errorf("execution status = %s", tasks[0].Executions[0].Status)
	}

	out, err = runCLI(t, "retry", "-w", dir)
	if err != nil {
		t.Fatalf("retry error = %v", err)
	}
	if !strings.Contains(out, "executed 0") {
		t.Errorf("retry output = %q", out)
	}
}

// TestPropagateRejectsBadInput tests argument checks before any work is done.
func TestPropagateRejectsBadInput(t *testing.T) {
	dir := writeTestWorkspace(t)

	if _, err := runCLI(t, "propagate", "-w", dir, "--key", "k", "--op", "rename"); err == nil {
		t.Error("expected error for invalid operation")
	}
	if _, err := runCLI(t, "propagate", "-w", dir, "--key", "k", "--op", "create", "--attrs", "missing.json"); err == nil {
		t.Error("expected error for missing attributes file")
	}
	if _, err := runCLI(t, "propagate", "-w", dir, "--key", "k", "--op", "create", "--resources", "nowhere"); !engine.IsConfiguration(err) {
		t.Errorf("unknown resource error = %v", err)
	}
	if _, err := runCLI(t, "pull", "-w", dir, "missing-profile"); !engine.IsConfiguration(err) {
		t.Errorf("unknown profile error = %v", err)
	}
	if _, err := runCLI(t, "push", "-w", dir, "directory-pull"); !engine.IsConfiguration(err) {
		t.Errorf("direction mismatch error = %v", err)
	}
}

func openTestApp(t *testing.T) *app {
	t.Helper()
	workspacePath = writeTestWorkspace(t)
	storePath = ":memory:"
	logLevel, logFormat = "error", "console"
	t.Cleanup(func() { workspacePath, storePath = ".", "" })

	a, err := openApp(context.Background())
	if err != nil {
		t.Fatalf("openApp() error = %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

// TestRunProfileRecordsRun tests that a pull run lands in the store.
func TestRunProfileRecordsRun(t *testing.T) {
	a := openTestApp(t)
	ctx := context.Background()

	change := engine.IdentityChange{
		AnyType:    engine.AnyTypeUser,
		Key:        "id-jdoe",
		Operation:  engine.OperationCreate,
		Attributes: engine.NewAttributes(map[string]interface{}{"username": "jdoe", "email": "jdoe@example.com"}),
	}
	if _, err := a.executor.Propagate(ctx, change, a.resources); err != nil {
		t.Fatalf("Propagate() error = %v", err)
	}

	result, err := a.runProfile(ctx, "directory-pull", "", true)
	if err != nil {
		t.Fatalf("runProfile() error = %v", err)
	}
	if len(result.Reports) != 1 {
		t.Fatalf("reports = %+v", result.Reports)
	}

	run, err := a.store.GetRun(ctx, result.RunID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if run.Profile != "directory-pull" || !run.DryRun || run.Reports != 1 || run.CompletedAt == nil {
		t.Errorf("run = %+v", run)
	}
}

// TestRouter tests the HTTP endpoints served by serve.
func TestRouter(t *testing.T) {
	a := openTestApp(t)
	srv := httptest.NewServer(a.router())
	defer srv.Close()

	tests := []struct {
		path       string
		wantStatus int
		wantBody   string
	}{
		{"/healthz", http.StatusOK, `"status": "ok"`},
		{"/pools", http.StatusOK, `"key": "directory"`},
		{"/pools/directory", http.StatusOK, `"max_objects"`},
		{"/pools/missing", http.StatusNotFound, ""},
		{"/metrics", http.StatusOK, ""},
		{"/nothing", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.path)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			var body bytes.Buffer
			_, _ = body.ReadFrom(resp.Body)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if !strings.Contains(body.String(), tt.wantBody) {
				t.Errorf("body %q does not contain %q", body.String(), tt.wantBody)
			}
		})
	}

	var stats []pool.Stats
	resp, err := http.Get(srv.URL + "/pools")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil || len(stats) != 1 {
		t.Errorf("pools = %+v, %v", stats, err)
	}
}

// TestScheduleProfiles tests that scheduled profiles are registered.
func TestScheduleProfiles(t *testing.T) {
	a := openTestApp(t)
	cfg := a.ws.Config.Profiles["directory-pull"]
	cfg.Schedule = "@every 1h"
	a.ws.Config.Profiles["directory-pull"] = cfg

	c, err := a.scheduleProfiles(context.Background())
	if err != nil {
		t.Fatalf("scheduleProfiles() error = %v", err)
	}
	defer c.Stop()
	if n := len(c.Entries()); n != 1 {
		t.Errorf("entries = %d, want 1", n)
	}
}
