package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all start-up options. It is read once at process start and
// never mutated afterwards.
type Config struct {
	LLM       LLMConfig       `yaml:"llm"`
	Agent     AgentConfig     `yaml:"agent"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Server    ServerConfig    `yaml:"server"`
	Audit     AuditConfig     `yaml:"audit"`
}

type LLMConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
}

type AgentConfig struct {
	MaxTurns             int `yaml:"max_turns"`
	MaxRepeated          int `yaml:"max_repeated"`
	MaxConsecutiveErrors int `yaml:"max_consecutive_errors"`
}

type SandboxConfig struct {
	Image           string  `yaml:"image"`
	MemMiB          int64   `yaml:"mem_mib"`
	CPUs            float64 `yaml:"cpus"`
	Pids            int64   `yaml:"pids"`
	ExecTimeoutS    int     `yaml:"exec_timeout_s"`
	OutputCapBytes  int     `yaml:"output_cap_bytes"`
	ScratchCapBytes int64   `yaml:"scratch_cap_bytes"`
}

type FetchConfig struct {
	MaxBytes     int64 `yaml:"max_bytes"`
	TimeoutS     int   `yaml:"timeout_s"`
	MaxRedirects int   `yaml:"max_redirects"`
}

type WorkspaceConfig struct {
	Root string `yaml:"root"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type AuditConfig struct {
	DBPath string `yaml:"db_path"`
}

// Default returns a Config populated with the documented defaults.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			Model: "gemini-2.0-flash",
		},
		Agent: AgentConfig{
			MaxTurns:             10,
			MaxRepeated:          2,
			MaxConsecutiveErrors: 3,
		},
		Sandbox: SandboxConfig{
			Image:           "clawbox-sandbox:latest",
			MemMiB:          512,
			CPUs:            1.0,
			Pids:            128,
			ExecTimeoutS:    30,
			OutputCapBytes:  64 * 1024,
			ScratchCapBytes: 64 * 1024 * 1024,
		},
		Fetch: FetchConfig{
			MaxBytes:     1024 * 1024,
			TimeoutS:     15,
			MaxRedirects: 5,
		},
		Workspace: WorkspaceConfig{
			Root: filepath.Join(dataRoot(), "workspace"),
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
		Audit: AuditConfig{
			DBPath: filepath.Join(dataRoot(), "audit.db"),
		},
	}
}

func dataRoot() string {
	wd, err := os.Getwd()
	if err != nil {
		return "data"
	}
	return filepath.Join(wd, "data")
}

// Load reads the YAML config file at path (if it exists) on top of the
// defaults, then applies environment overrides. A missing file is not an
// error; an unreadable or malformed file is.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	// The API key is usually supplied via the environment rather than on disk.
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		cfg.LLM.APIKey = key
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all options are inside their legal ranges.
func (c *Config) Validate() error {
	if c.Agent.MaxTurns < 1 {
		return fmt.Errorf("agent.max_turns must be >= 1, got %d", c.Agent.MaxTurns)
	}
	if c.Agent.MaxRepeated < 2 {
		return fmt.Errorf("agent.max_repeated must be >= 2, got %d", c.Agent.MaxRepeated)
	}
	if c.Agent.MaxConsecutiveErrors < 1 {
		return fmt.Errorf("agent.max_consecutive_errors must be >= 1, got %d", c.Agent.MaxConsecutiveErrors)
	}
	if c.Sandbox.Image == "" {
		return fmt.Errorf("sandbox.image must not be empty")
	}
	if c.Sandbox.MemMiB < 16 {
		return fmt.Errorf("sandbox.mem_mib must be >= 16, got %d", c.Sandbox.MemMiB)
	}
	if c.Sandbox.CPUs <= 0 {
		return fmt.Errorf("sandbox.cpus must be > 0, got %v", c.Sandbox.CPUs)
	}
	if c.Sandbox.Pids < 1 {
		return fmt.Errorf("sandbox.pids must be >= 1, got %d", c.Sandbox.Pids)
	}
	if c.Sandbox.ExecTimeoutS < 1 {
		return fmt.Errorf("sandbox.exec_timeout_s must be >= 1, got %d", c.Sandbox.ExecTimeoutS)
	}
	if c.Sandbox.OutputCapBytes < 1 {
		return fmt.Errorf("sandbox.output_cap_bytes must be >= 1, got %d", c.Sandbox.OutputCapBytes)
	}
	if c.Fetch.MaxBytes < 1 {
		return fmt.Errorf("fetch.max_bytes must be >= 1, got %d", c.Fetch.MaxBytes)
	}
	if c.Fetch.TimeoutS < 1 {
		return fmt.Errorf("fetch.timeout_s must be >= 1, got %d", c.Fetch.TimeoutS)
	}
	if c.Fetch.MaxRedirects < 0 {
		return fmt.Errorf("fetch.max_redirects must be >= 0, got %d", c.Fetch.MaxRedirects)
	}
	if c.Workspace.Root == "" {
		return fmt.Errorf("workspace.root must not be empty")
	}
	return nil
}

// ExecTimeout returns the sandbox exec timeout as a duration.
func (c *SandboxConfig) ExecTimeout() time.Duration {
	return time.Duration(c.ExecTimeoutS) * time.Second
}

// Timeout returns the total fetch time budget as a duration.
func (c *FetchConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutS) * time.Second
}
