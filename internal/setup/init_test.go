package setup

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRun_CreatesLayout(t *testing.T) {
	dir := t.TempDir()

	if err := Run(dir, "myproject"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	base := filepath.Join(dir, ".stepwise")
	for _, p := range []string{
		"config.yaml",
		"plans.json",
		"logs",
		"locks",
		filepath.Join("locks", "daemon.lock"),
	} {
		if _, err := os.Stat(filepath.Join(base, p)); err != nil {
			t.Errorf("expected %s to exist: %v", p, err)
		}
	}
}

func TestRun_RefusesExistingDir(t *testing.T) {
	dir := t.TempDir()

	if err := Run(dir, ""); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if err := Run(dir, ""); err == nil {
		t.Fatal("expected error when .stepwise already exists")
	}
}

func TestLoadConfig_RoundTrip(t *testing.T) {
	dir := t.TempDir()

	if err := Run(dir, "roundtrip"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Project.Name != "roundtrip" {
		t.Errorf("project name: got %q", cfg.Project.Name)
	}
	if cfg.Executor.Shell != "/bin/sh" {
		t.Errorf("shell: got %q", cfg.Executor.Shell)
	}
	if len(cfg.Planner.SimpleVerbs) == 0 {
		t.Error("expected default simple verbs")
	}
}

func TestLoadConfig_MissingProject(t *testing.T) {
	_, err := LoadConfig(t.TempDir())
	if err == nil {
		t.Fatal("expected error for missing project")
	}
}

func TestRun_DefaultsProjectNameToBasename(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "webapp")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	if err := Run(dir, ""); err != nil {
		t.Fatalf("Run: %v", err)
	}
	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Project.Name != "webapp" {
		t.Errorf("project name: got %q, want %q", cfg.Project.Name, "webapp")
	}
}
