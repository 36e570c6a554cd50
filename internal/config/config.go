// Package config loads the static autopatch settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// Config holds the engine configuration. It is loaded once at startup.
type Config struct {
	Tree       TreeConfig       `yaml:"tree"`
	Update     UpdateConfig     `yaml:"update"`
	Validation ValidationConfig `yaml:"validation"`
	Policy     PolicyConfig     `yaml:"policy"`
	Snapshot   SnapshotConfig   `yaml:"snapshot"`
	Exec       ExecConfig       `yaml:"exec"`
	Reload     ReloadConfig     `yaml:"reload"`
	Probe      ProbeConfig      `yaml:"probe"`
	Chat       ChatConfig       `yaml:"chat"`
	// HistorySize bounds the transition ring buffer.
	HistorySize int    `yaml:"history_size"`
	DBPath      string `yaml:"db_path"`
	Listen      string `yaml:"listen"`
	Metrics     bool   `yaml:"metrics"`
	LogLevel    string `yaml:"log_level"`
}

// TreeConfig describes the managed source tree.
type TreeConfig struct {
	Root    string   `yaml:"root"`
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
}

// UpdateConfig tunes the update sequence.
type UpdateConfig struct {
	// DefaultSource is a descriptor string such as "git:https://host/repo#main".
	DefaultSource string        `yaml:"default_source"`
	FetchRetries  int           `yaml:"fetch_retries"`
	FetchBackoff  time.Duration `yaml:"fetch_backoff"`
	FetchTimeout  time.Duration `yaml:"fetch_timeout"`
	PhaseTimeout  time.Duration `yaml:"phase_timeout"`
}

// ValidationConfig toggles the optional dry-run check.
type ValidationConfig struct {
	DryRun        bool          `yaml:"dry_run"`
	DryRunCommand []string      `yaml:"dry_run_command"`
	DryRunTimeout time.Duration `yaml:"dry_run_timeout"`
}

// PolicyConfig lists paths the update mechanism may not touch without override.
type PolicyConfig struct {
	ProtectedPaths []string `yaml:"protected_paths"`
}

// SnapshotConfig controls snapshot storage.
type SnapshotConfig struct {
	Dir       string `yaml:"dir"`
	Retention int    `yaml:"retention"`
}

// Runtime maps a language name to the command that runs a source file.
type Runtime struct {
	Name string `yaml:"name"`
	// File is the file name the code is written to inside the scratch dir.
	File    string   `yaml:"file"`
	Command []string `yaml:"command"`
}

// ExecConfig bounds code execution.
type ExecConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	MaxConcurrent  int           `yaml:"max_concurrent"`
	OutputLimit    int           `yaml:"output_limit"`
	DefaultRuntime string        `yaml:"default_runtime"`
	Runtimes       []Runtime     `yaml:"runtimes"`
	// Forbidden lists operations denied in restricted mode: Go import paths,
	// python modules, or shell commands.
	Forbidden []string `yaml:"forbidden"`
}

// ReloadConfig is the host reload hook run after files are written.
type ReloadConfig struct {
	Command []string      `yaml:"command"`
	Timeout time.Duration `yaml:"timeout"`
}

// ProbeConfig is the post-apply liveness probe.
type ProbeConfig struct {
	Command []string      `yaml:"command"`
	Timeout time.Duration `yaml:"timeout"`
}

// ChatConfig points at an OpenAI-compatible chat completions API.
type ChatConfig struct {
	APIBase string `yaml:"api_base"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	Window  int    `yaml:"window"`
}

// DefaultConfig returns a sensible default configuration rooted at the working directory.
func DefaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	base := filepath.Join(home, ".autopatch")

	return &Config{
		Tree: TreeConfig{
			Root:    ".",
			Include: []string{"**"},
			Exclude: []string{".git/**", ".autopatch/**", "**/*.db", "**/*.db-*"},
		},
		Update: UpdateConfig{
			FetchRetries: 3,
			FetchBackoff: 500 * time.Millisecond,
			FetchTimeout: 60 * time.Second,
			PhaseTimeout: 2 * time.Minute,
		},
		Validation: ValidationConfig{
			DryRun:        false,
			DryRunCommand: []string{"go", "build", "./..."},
			DryRunTimeout: 60 * time.Second,
		},
		Policy: PolicyConfig{
			ProtectedPaths: []string{
				"internal/engine/**",
				"internal/snapshot/**",
				"internal/validator/**",
				"internal/applier/**",
			},
		},
		Snapshot: SnapshotConfig{
			Dir:       filepath.Join(base, "snapshots"),
			Retention: 10,
		},
		Exec: ExecConfig{
			Timeout:        10 * time.Second,
			MaxConcurrent:  4,
			OutputLimit:    64 * 1024,
			DefaultRuntime: "sh",
			Runtimes: []Runtime{
				{Name: "sh", File: "snippet.sh", Command: []string{"sh", "snippet.sh"}},
				{Name: "go", File: "main.go", Command: []string{"go", "run", "main.go"}},
				{Name: "python", File: "snippet.py", Command: []string{"python3", "snippet.py"}},
			},
			Forbidden: []string{
				"os/exec", "net", "net/http", "syscall", "unsafe", "plugin",
				"subprocess", "socket", "shutil", "ctypes", "importlib", "builtins",
				"curl", "wget", "nc", "ssh", "rm", "dd", "mkfs", "shutdown", "reboot",
			},
		},
		Reload: ReloadConfig{
			Timeout: 2 * time.Minute,
		},
		Probe: ProbeConfig{
			Timeout: 10 * time.Second,
		},
		HistorySize: 64,
		DBPath:      filepath.Join(base, "autopatch.db"),
		Listen:      "127.0.0.1:7466",
		Metrics:     true,
		LogLevel:    "info",
		Chat: ChatConfig{
			APIBase: "https://api.openai.com/v1",
			Model:   "gpt-4o",
			Window:  50,
		},
	}
}

// LoadConfig loads configuration from a YAML file. A missing file yields defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyEnv(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadConfigFromHome loads configuration from ~/.autopatch/config.yaml.
func LoadConfigFromHome() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		cfg := DefaultConfig()
		return cfg, cfg.Validate()
	}
	return LoadConfig(filepath.Join(home, ".autopatch", "config.yaml"))
}

// SaveConfig writes configuration to a YAML file, creating parent directories if needed.
func SaveConfig(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// applyEnv lets AUTOPATCH_* variables override file values.
func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("AUTOPATCH_TREE_ROOT"); v != "" {
		c.Tree.Root = v
	}
	if v := getenv("AUTOPATCH_SNAPSHOT_DIR"); v != "" {
		c.Snapshot.Dir = v
	}
	if v := getenv("AUTOPATCH_DB"); v != "" {
		c.DBPath = v
	}
	if v := getenv("AUTOPATCH_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := getenv("AUTOPATCH_DRY_RUN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Validation.DryRun = b
		}
	}
	if v := getenv("AUTOPATCH_CHAT_API_KEY"); v != "" {
		c.Chat.APIKey = v
	}
	if v := getenv("AUTOPATCH_CHAT_API_BASE"); v != "" {
		c.Chat.APIBase = v
	}
	if v := getenv("AUTOPATCH_CHAT_MODEL"); v != "" {
		c.Chat.Model = v
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Tree.Root == "" {
		return fmt.Errorf("tree.root must be set")
	}
	for _, p := range append(append(append([]string{}, c.Tree.Include...), c.Tree.Exclude...), c.Policy.ProtectedPaths...) {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid glob pattern %q", p)
		}
	}
	if c.Snapshot.Dir == "" {
		return fmt.Errorf("snapshot.dir must be set")
	}
	if c.Snapshot.Retention < 1 {
		return fmt.Errorf("snapshot.retention must be at least 1")
	}
	if c.Exec.MaxConcurrent < 1 {
		return fmt.Errorf("exec.max_concurrent must be at least 1")
	}
	if c.Exec.Timeout <= 0 {
		return fmt.Errorf("exec.timeout must be positive")
	}
	if c.Exec.OutputLimit < 1 {
		return fmt.Errorf("exec.output_limit must be at least 1")
	}
	if _, ok := c.Runtime(c.Exec.DefaultRuntime); !ok {
		return fmt.Errorf("exec.default_runtime %q is not a configured runtime", c.Exec.DefaultRuntime)
	}
	for _, rt := range c.Exec.Runtimes {
		if rt.Name == "" || rt.File == "" || len(rt.Command) == 0 {
			return fmt.Errorf("runtime %q needs name, file and command", rt.Name)
		}
	}
	if c.Validation.DryRun && len(c.Validation.DryRunCommand) == 0 {
		return fmt.Errorf("validation.dry_run_command must be set when dry_run is enabled")
	}
	if c.Update.FetchRetries < 1 {
		return fmt.Errorf("update.fetch_retries must be at least 1")
	}
	if c.HistorySize < 1 {
		return fmt.Errorf("history_size must be at least 1")
	}
	return nil
}

// Runtime looks up a configured runtime by name.
func (c *Config) Runtime(name string) (Runtime, bool) {
	for _, rt := range c.Exec.Runtimes {
		if rt.Name == name {
			return rt, true
		}
	}
	return Runtime{}, false
}
