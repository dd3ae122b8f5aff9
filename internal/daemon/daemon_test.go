package daemon

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hmori/stepwise/internal/model"
	"github.com/hmori/stepwise/internal/store"
	"github.com/hmori/stepwise/internal/uds"
)

func TestNewDaemon(t *testing.T) {
	var buf bytes.Buffer
	cfg := model.DefaultConfig("test")
	cfg.Logging.Level = "debug"

	d, err := newDaemon("/tmp/test-stepwise", cfg, &buf, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.stepwiseDir != "/tmp/test-stepwise" {
		t.Errorf("stepwiseDir: got %q", d.stepwiseDir)
	}
	if d.logLevel != LogLevelDebug {
		t.Errorf("logLevel: got %d, want %d", d.logLevel, LogLevelDebug)
	}
}

func TestDaemonShutdownIdempotent(t *testing.T) {
	var buf bytes.Buffer
	d, err := newDaemon("/tmp/test-stepwise-shutdown", model.DefaultConfig("test"), &buf, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	d.Shutdown()
	d.Shutdown() // second call must not panic
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected LogLevel
	}{
		{"debug", LogLevelDebug},
		{"DEBUG", LogLevelDebug},
		{"info", LogLevelInfo},
		{"warn", LogLevelWarn},
		{"warning", LogLevelWarn},
		{"error", LogLevelError},
		{"unknown", LogLevelInfo},
		{"", LogLevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseLogLevel(tt.input); got != tt.expected {
				t.Errorf("parseLogLevel(%q) = %d, want %d", tt.input, got, tt.expected)
			}
		})
	}
}

func TestDaemonLog_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	cfg := model.DefaultConfig("test")
	cfg.Logging.Level = "warn"

	d, err := newDaemon("", cfg, &buf, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	d.log(LogLevelInfo, "should not appear")
	if buf.Len() != 0 {
		t.Errorf("expected no output, got: %s", buf.String())
	}

	d.log(LogLevelWarn, "warning message")
	if !bytes.Contains(buf.Bytes(), []byte("WARN")) {
		t.Errorf("expected WARN in output, got: %s", buf.String())
	}
}

func TestDaemonNew_CreatesLogDir(t *testing.T) {
	stepwiseDir := filepath.Join(t.TempDir(), ".stepwise")
	if err := os.MkdirAll(stepwiseDir, 0755); err != nil {
		t.Fatalf("create dir: %v", err)
	}

	d, err := New(stepwiseDir, model.DefaultConfig("test"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if d.logFile != nil {
		d.logFile.Close()
	}

	if _, err := os.Stat(filepath.Join(stepwiseDir, "logs")); err != nil {
		t.Errorf("expected log dir to be created: %v", err)
	}
}

// startTestDaemon brings up the full plan-serving surface over a real
// socket, minus signal handling.
func startTestDaemon(t *testing.T) *uds.Client {
	t.Helper()

	// /tmp keeps the socket path under the Unix limit.
	dir, err := os.MkdirTemp("/tmp", "stepwise-d-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	var buf bytes.Buffer
	cfg := model.DefaultConfig("test")
	// The translator endpoint is unreachable; plans for non-trivial goals
	// degrade to single-step fallbacks, which is fine here.
	cfg.Translator.Endpoint = "http://127.0.0.1:1/translate"
	cfg.Translator.TimeoutSec = 1

	d, err := newDaemon(dir, cfg, &buf, nil)
	if err != nil {
		t.Fatalf("newDaemon: %v", err)
	}
	if err := d.initComponents(); err != nil {
		t.Fatalf("initComponents: %v", err)
	}
	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		t.Fatalf("server start: %v", err)
	}
	t.Cleanup(func() { d.server.Stop(); d.audit.Close() })

	client := uds.NewClient(filepath.Join(dir, uds.DefaultSocketName))
	client.SetCallTimeout(10 * time.Second)
	return client
}

func TestDaemon_PlanLifecycleOverSocket(t *testing.T) {
	client := startTestDaemon(t)

	if err := client.Call("ping", nil, nil); err != nil {
		t.Fatalf("ping: %v", err)
	}

	// "echo" is a simple verb: the goal becomes the command directly.
	var plan struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Steps  []struct {
			Command string `json:"command"`
		} `json:"steps"`
	}
	if err := client.Call("plan.create", map[string]any{"goal": "echo hello"}, &plan); err != nil {
		t.Fatalf("plan.create: %v", err)
	}
	if plan.Status != "created" || len(plan.Steps) != 1 || plan.Steps[0].Command != "echo hello" {
		t.Fatalf("unexpected plan: %+v", plan)
	}

	var summary struct {
		Status    string `json:"status"`
		Completed int    `json:"completed"`
	}
	if err := client.Call("plan.execute", map[string]string{"plan_id": plan.ID}, &summary); err != nil {
		t.Fatalf("plan.execute: %v", err)
	}
	if summary.Status != "completed" || summary.Completed != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	var listing struct {
		Plans []struct {
			ID      string  `json:"id"`
			Percent float64 `json:"percent"`
		} `json:"plans"`
	}
	if err := client.Call("plan.list", nil, &listing); err != nil {
		t.Fatalf("plan.list: %v", err)
	}
	if len(listing.Plans) != 1 || listing.Plans[0].ID != plan.ID {
		t.Fatalf("unexpected listing: %+v", listing)
	}

	// Cancelling a completed plan is a no-op, not an error.
	var cancel struct {
		CancelRequested bool `json:"cancel_requested"`
	}
	if err := client.Call("plan.cancel", map[string]string{"plan_id": plan.ID}, &cancel); err != nil {
		t.Fatalf("plan.cancel: %v", err)
	}
	if cancel.CancelRequested {
		t.Error("cancel of a completed plan should report false")
	}

	if err := client.Call("plan.delete", map[string]string{"plan_id": plan.ID}, nil); err != nil {
		t.Fatalf("plan.delete: %v", err)
	}
}

func TestDaemon_RecoversInterruptedPlansOnStartup(t *testing.T) {
	dir, err := os.MkdirTemp("/tmp", "stepwise-d-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	// Seed the plans file the way a killed daemon would leave it: the plan
	// and one step persisted as running.
	seed, err := store.Open(filepath.Join(dir, PlansFileName))
	if err != nil {
		t.Fatalf("open seed store: %v", err)
	}
	planID := "plan_0000000042_1"
	plan := &model.ExecutionPlan{
		ID:     planID,
		Goal:   "deploy the service",
		Status: model.PlanRunning,
		Steps: []*model.PlanStep{
			{ID: planID + "_step_1", Description: "build", Command: "true", Status: model.StepCompleted},
			{ID: planID + "_step_2", Description: "deploy", Command: "true", Status: model.StepRunning,
				Dependencies: []string{planID + "_step_1"}},
			{ID: planID + "_step_3", Description: "verify", Command: "true", Status: model.StepPending,
				Dependencies: []string{planID + "_step_2"}},
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := seed.Save(plan); err != nil {
		t.Fatalf("seed plan: %v", err)
	}

	var buf bytes.Buffer
	d, err := newDaemon(dir, model.DefaultConfig("test"), &buf, nil)
	if err != nil {
		t.Fatalf("newDaemon: %v", err)
	}
	if err := d.initComponents(); err != nil {
		t.Fatalf("initComponents: %v", err)
	}
	t.Cleanup(func() { d.audit.Close() })

	got, err := d.store.Get(planID)
	if err != nil {
		t.Fatalf("get recovered plan: %v", err)
	}
	if got.Status != model.PlanFailed {
		t.Fatalf("plan status = %q, want failed", got.Status)
	}
	if got.FailureReason != "interrupted by process exit" {
		t.Errorf("failure reason = %q", got.FailureReason)
	}
	step := got.Step(planID + "_step_2")
	if step.Status != model.StepFailed {
		t.Errorf("interrupted step status = %q, want failed", step.Status)
	}
	if step.Result == nil || step.CompletedAt == nil {
		t.Error("interrupted step should carry a result and completion time")
	}
	for _, s := range got.Steps {
		if s.Status == model.StepRunning {
			t.Errorf("step %s still running after recovery", s.ID)
		}
	}
	if got.Step(planID+"_step_3").Status != model.StepPending {
		t.Error("pending step should be untouched by recovery")
	}

	// A recovered plan is back in the normal lifecycle.
	if err := d.engine.DeletePlan(planID); err != nil {
		t.Fatalf("delete recovered plan: %v", err)
	}
}

func daemonErrCode(t *testing.T, err error) string {
	t.Helper()
	var ce *uds.CommandError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *uds.CommandError, got %T: %v", err, err)
	}
	return ce.Code
}

func TestDaemon_ErrorCodesOverSocket(t *testing.T) {
	client := startTestDaemon(t)

	err := client.Call("plan.get", map[string]string{"plan_id": "plan_0000000000_1"}, nil)
	if code := daemonErrCode(t, err); code != uds.ErrCodeNotFound {
		t.Errorf("expected NOT_FOUND, got %q", code)
	}

	err = client.Call("plan.create", map[string]any{"goal": ""}, nil)
	if code := daemonErrCode(t, err); code != uds.ErrCodeValidation {
		t.Errorf("expected VALIDATION_ERROR, got %q", code)
	}

	err = client.Call("plan.rollback", map[string]string{"plan_id": "plan_0000000000_1"}, nil)
	if code := daemonErrCode(t, err); code != uds.ErrCodeNotFound {
		t.Errorf("expected NOT_FOUND, got %q", code)
	}
}
