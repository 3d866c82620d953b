package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type APIKey struct {
	Name string `yaml:"name"`
	Key  string `yaml:"key"`
	Role string `yaml:"role"`
}

type RecordingConfig struct {
	BasePath string `yaml:"base_path"`
	Format   string `yaml:"format"`
}

// PBXConfig describes how the command gateway reaches Asterisk.
type PBXConfig struct {
	// Transport is "ami" (manager socket) or "cli" (local asterisk binary).
	Transport  string        `yaml:"transport"`
	AMIAddr    string        `yaml:"ami_addr"`
	AMIUser    string        `yaml:"ami_user"`
	AMISecret  string        `yaml:"ami_secret"`
	CLIBinary  string        `yaml:"cli_binary"`
	Timeout    time.Duration `yaml:"timeout"`
	Attempts   int           `yaml:"attempts"`
	RetryDelay time.Duration `yaml:"retry_delay"`
	MOHClass   string        `yaml:"moh_class"`
}

// PromptConfig maps event types to audio assets. Per-extension entries win
// over the global ones.
type PromptConfig struct {
	Global      map[string]string            `yaml:"global"`
	Extensions  map[string]map[string]string `yaml:"extensions"`
	Parallelism int                          `yaml:"parallelism"`
}

type Config struct {
	ListenAddr   string          `yaml:"listen_addr"`
	LogLevel     string          `yaml:"log_level"`
	DBDSN        string          `yaml:"db_dsn"`
	Store        string          `yaml:"store"`
	HistoryLimit int             `yaml:"history_limit"`
	APIKeys      []APIKey        `yaml:"api_keys"`
	Recordings   RecordingConfig `yaml:"recordings"`
	PBX          PBXConfig       `yaml:"pbx"`
	Prompts      PromptConfig    `yaml:"prompts"`
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Store == "" {
		if c.DBDSN != "" {
			c.Store = "postgres"
		} else {
			c.Store = "memory"
		}
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 200
	}
	if c.Recordings.BasePath == "" {
		c.Recordings.BasePath = "/var/spool/asterisk/confbridge"
	}
	if c.Recordings.Format == "" {
		c.Recordings.Format = "wav"
	}
	if c.PBX.Transport == "" {
		c.PBX.Transport = "ami"
	}
	if c.PBX.AMIAddr == "" {
		c.PBX.AMIAddr = "127.0.0.1:5038"
	}
	if c.PBX.CLIBinary == "" {
		c.PBX.CLIBinary = "asterisk"
	}
	if c.PBX.Timeout <= 0 {
		c.PBX.Timeout = 5 * time.Second
	}
	if c.PBX.Attempts <= 0 {
		c.PBX.Attempts = 3
	}
	if c.PBX.RetryDelay <= 0 {
		c.PBX.RetryDelay = 200 * time.Millisecond
	}
	if c.PBX.MOHClass == "" {
		c.PBX.MOHClass = "default"
	}
	if c.Prompts.Parallelism <= 0 {
		c.Prompts.Parallelism = 4
	}
}

func (c *Config) validate() error {
	switch c.Store {
	case "memory":
	case "postgres":
		if c.DBDSN == "" {
			return fmt.Errorf("store %q requires db_dsn", c.Store)
		}
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}

	switch c.PBX.Transport {
	case "ami", "cli":
	default:
		return fmt.Errorf("unknown pbx transport %q", c.PBX.Transport)
	}

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	return nil
}

// Level is the slog level named by log_level. Load has already rejected
// unknown names.
func (c *Config) Level() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
