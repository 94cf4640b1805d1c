// Package config defines the trading organization's configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Bus          BusConfig          `json:"bus" yaml:"bus"`
	Orchestrator OrchestratorConfig `json:"orchestrator" yaml:"orchestrator"`
	Agents       []AgentConfig      `json:"agents" yaml:"agents"`
	DataDir      string             `json:"data_dir" yaml:"data_dir"`
	LogLevel     string             `json:"log_level" yaml:"log_level"`
}

// BusConfig controls the message bus.
type BusConfig struct {
	Workers       int `json:"workers" yaml:"workers"`
	MailboxSize   int `json:"mailbox_size" yaml:"mailbox_size"`
	MaxRetries    int `json:"max_retries" yaml:"max_retries"`
	DeadLetterCap int `json:"dead_letter_cap" yaml:"dead_letter_cap"`
}

// OrchestratorConfig controls the task orchestrator.
type OrchestratorConfig struct {
	ID              string   `json:"id" yaml:"id"`
	Coordinator     string   `json:"coordinator" yaml:"coordinator"`
	CycleInterval   Duration `json:"cycle_interval" yaml:"cycle_interval"`
	MaxRetries      int      `json:"max_retries" yaml:"max_retries"`
	DefaultTimeout  Duration `json:"default_timeout" yaml:"default_timeout"`
	GracePeriod     Duration `json:"grace_period" yaml:"grace_period"`
	StalenessWindow Duration `json:"staleness_window" yaml:"staleness_window"`
	WorkerCapacity  int      `json:"worker_capacity" yaml:"worker_capacity"`
	ArchivePath     string   `json:"archive_path" yaml:"archive_path"`
}

// AgentConfig defines a single agent's runtime parameters.
type AgentConfig struct {
	ID            string   `json:"id" yaml:"id"`
	Name          string   `json:"name" yaml:"name"`
	Type          string   `json:"type" yaml:"type"`
	Coordinator   string   `json:"coordinator,omitempty" yaml:"coordinator"`
	CycleInterval Duration `json:"cycle_interval" yaml:"cycle_interval"`
	Enabled       bool     `json:"enabled" yaml:"enabled"`
}

// Duration is a time.Duration that unmarshals from YAML either as a duration
// string ("90s", "5m") or as a bare number of seconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var secs int64
	if err := node.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	return fmt.Errorf("invalid duration node %q", node.Value)
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Bus: BusConfig{
			Workers:       3,
			MailboxSize:   1000,
			MaxRetries:    3,
			DeadLetterCap: 100,
		},
		Orchestrator: OrchestratorConfig{
			Coordinator:     "CEO",
			CycleInterval:   Duration(10 * time.Second),
			MaxRetries:      3,
			DefaultTimeout:  Duration(5 * time.Minute),
			GracePeriod:     Duration(30 * time.Second),
			StalenessWindow: Duration(5 * time.Minute),
			WorkerCapacity:  2,
		},
		DataDir:  "./data",
		LogLevel: "info",
	}
}

// Load reads a YAML config file and returns the parsed configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
