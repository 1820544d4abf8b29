package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	RuntimeNative    = "native"
	RuntimeContainer = "container"
)

// Config holds persistent configuration loaded from ~/.sandcastle/config.yaml.
type Config struct {
	Worker      Worker `yaml:"worker"`
	Pool        Pool   `yaml:"pool"`
	APIAddr     string `yaml:"api_addr,omitempty"`
	JournalPath string `yaml:"journal_path,omitempty"`
	LogFormat   string `yaml:"log_format,omitempty"`
	LogLevel    string `yaml:"log_level,omitempty"`
}

// Worker describes how worker processes are launched and supervised.
type Worker struct {
	Runtime     string            `yaml:"runtime,omitempty"` // "native" | "container"
	Command     string            `yaml:"command,omitempty"`
	Args        []string          `yaml:"args,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	Image       string            `yaml:"image,omitempty"`
	NetworkMode string            `yaml:"network_mode,omitempty"`
	Debug       bool              `yaml:"debug,omitempty"`
	DebugArgs   []string          `yaml:"debug_args,omitempty"`
	LogDir      string            `yaml:"log_dir,omitempty"`

	// DebugPortMin and DebugPortMax bound the ports substituted for
	// "{port}" in DebugArgs, one per native worker.
	DebugPortMin int `yaml:"debug_port_min,omitempty"`
	DebugPortMax int `yaml:"debug_port_max,omitempty"`

	StopGrace        Duration `yaml:"stop_grace,omitempty"`
	LivenessInterval Duration `yaml:"liveness_interval,omitempty"`
	OutputLines      int      `yaml:"output_lines,omitempty"`
	SpawnRate        float64  `yaml:"spawn_rate,omitempty"`
	SpawnBurst       int      `yaml:"spawn_burst,omitempty"`
}

// Pool configures the executor pool.
type Pool struct {
	MaxSize             int    `yaml:"max_size,omitempty"`
	DependencyClasspath string `yaml:"dependency_classpath,omitempty"`
	WatchClasspath      bool   `yaml:"watch_classpath,omitempty"`

	// ProbeInterval, when set, warms every pooled executor periodically.
	ProbeInterval Duration `yaml:"probe_interval,omitempty"`
}

// Duration wraps time.Duration for YAML unmarshaling from strings like "2s", "200ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Worker: Worker{
			Runtime:          RuntimeNative,
			NetworkMode:      "none",
			StopGrace:        Duration{2 * time.Second},
			LivenessInterval: Duration{200 * time.Millisecond},
			OutputLines:      200,
			SpawnRate:        5,
			SpawnBurst:       3,
		},
		Pool: Pool{
			MaxSize: 4,
		},
		LogFormat: "text",
		LogLevel:  "info",
	}
}

// Dir returns the sandcastle home directory: ~/.sandcastle.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".sandcastle")
}

// DefaultPath returns the default config file path: ~/.sandcastle/config.yaml.
func DefaultPath() string {
	dir := Dir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "config.yaml")
}

// Load reads a YAML config file from path over the defaults. If the file
// does not exist, it returns the defaults and no error. An empty or
// all-comment file also returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// EnvList flattens Worker.Env into KEY=VALUE pairs appended to the current
// environment. It returns nil when no overrides are set, which keeps the
// inherited environment.
func (w Worker) EnvList() []string {
	if len(w.Env) == 0 {
		return nil
	}
	env := os.Environ()
	for k, v := range w.Env {
		env = append(env, k+"="+v)
	}
	return env
}
