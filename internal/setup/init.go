// Package setup handles stepwise project initialization.
package setup

import (
	"fmt"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/hmori/stepwise/internal/model"
)

const stepwiseDir = ".stepwise"

// Dir returns the .stepwise directory under projectDir.
func Dir(projectDir string) string {
	return filepath.Join(projectDir, stepwiseDir)
}

// Run creates the .stepwise/ directory structure in the given project
// directory. projectName defaults to the directory basename if empty.
func Run(projectDir, projectName string) error {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolve project dir: %w", err)
	}

	base := filepath.Join(absDir, stepwiseDir)
	if _, err := os.Stat(base); err == nil {
		return fmt.Errorf("%s already exists", base)
	}

	for _, d := range []string{"logs", "locks"} {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	if projectName == "" {
		projectName = filepath.Base(absDir)
	}
	cfg := model.DefaultConfig(projectName)
	data, err := yamlv3.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(base, "config.yaml"), data, 0644); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}

	// Empty plan store; the daemon treats an absent file the same way,
	// but a present one makes the layout obvious.
	if err := os.WriteFile(filepath.Join(base, "plans.json"), []byte("{}\n"), 0644); err != nil {
		return fmt.Errorf("write plans.json: %w", err)
	}

	if err := os.WriteFile(filepath.Join(base, "locks", "daemon.lock"), nil, 0600); err != nil {
		return fmt.Errorf("create daemon.lock: %w", err)
	}

	return nil
}

// LoadConfig reads .stepwise/config.yaml under projectDir.
func LoadConfig(projectDir string) (model.Config, error) {
	path := filepath.Join(Dir(projectDir), "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.Config{}, fmt.Errorf("no stepwise project found at %s (run: stepwise init)", projectDir)
		}
		return model.Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return model.Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}
