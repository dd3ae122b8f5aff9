package model

type Config struct {
	Project    ProjectConfig    `yaml:"project"`
	Planner    PlannerConfig    `yaml:"planner"`
	Translator TranslatorConfig `yaml:"translator"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Daemon     DaemonConfig     `yaml:"daemon"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ProjectConfig struct {
	Name string `yaml:"name"`
}

type PlannerConfig struct {
	// SimpleVerbs lists goal-leading words that bypass the translation
	// service and produce a pass-through single-step plan.
	SimpleVerbs []string `yaml:"simple_verbs"`
	MaxSteps    int      `yaml:"max_steps"`
}

type TranslatorConfig struct {
	Endpoint   string `yaml:"endpoint"`
	TimeoutSec int    `yaml:"timeout_sec"`
	AuthToken  string `yaml:"auth_token,omitempty"`
}

type ExecutorConfig struct {
	Shell             string `yaml:"shell"`
	CommandTimeoutSec int    `yaml:"command_timeout_sec"`
}

type DaemonConfig struct {
	ConnTimeoutSec int `yaml:"conn_timeout_sec"`
}

type LoggingConfig struct {
	Level        string `yaml:"level"`
	MaxLogSizeMB int    `yaml:"max_log_size_mb"`
}

// DefaultConfig returns the configuration written by `stepwise init`.
func DefaultConfig(projectName string) Config {
	return Config{
		Project: ProjectConfig{Name: projectName},
		Planner: PlannerConfig{
			SimpleVerbs: []string{"ls", "pwd", "date", "whoami", "echo", "cat", "df", "uptime"},
			MaxSteps:    20,
		},
		Translator: TranslatorConfig{
			Endpoint:   "http://127.0.0.1:8756/translate",
			TimeoutSec: 60,
		},
		Executor: ExecutorConfig{
			Shell:             "/bin/sh",
			CommandTimeoutSec: 120,
		},
		Daemon: DaemonConfig{
			ConnTimeoutSec: 30,
		},
		Logging: LoggingConfig{
			Level:        "info",
			MaxLogSizeMB: 50,
		},
	}
}
