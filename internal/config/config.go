package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Store        StoreConfig                   `yaml:"store"`
	NATS         NATSConfig                    `yaml:"nats"`
	Web          WebConfig                     `yaml:"web"`
	Scheduler    SchedulerConfig               `yaml:"scheduler"`
	Orchestrator OrchestratorConfig            `yaml:"orchestrator"`
	Archive      ArchiveConfig                 `yaml:"archive"`
	Vault        VaultConfig                   `yaml:"vault"`
	Telegram     TelegramConfig                `yaml:"telegram"`
	Executors    map[string]ExecutorDefinition `yaml:"executors"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// OrchestratorConfig bounds run execution. NodeTimeout covers graph nodes,
// StepTimeout workflow steps and swarm members when the spec leaves its own
// timeout unset. Grace is the extra wait granted to an executor that ignores
// cancellation before its unit is recorded as timed out.
type OrchestratorConfig struct {
	MaxParallel       int           `yaml:"max_parallel"`
	NodeTimeout       time.Duration `yaml:"node_timeout"`
	StepTimeout       time.Duration `yaml:"step_timeout"`
	Grace             time.Duration `yaml:"grace"`
	CheckpointRetries int           `yaml:"checkpoint_retries"`
}

type ArchiveConfig struct {
	Dir string `yaml:"dir"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

// TelegramConfig is optional; when Token and ChatID are set, run completions
// are pushed to the chat.
type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

// ExecutorDefinition describes a container-backed executor registered by id.
// Env values may use the "secret:" prefix to resolve from the vault at
// invocation time.
type ExecutorDefinition struct {
	Description string            `yaml:"description"`
	Image       string            `yaml:"image"`
	Command     []string          `yaml:"command"`
	Env         map[string]string `yaml:"env"`
}

func defaults() Config {
	return Config{
		Store: StoreConfig{
			Path: "data/conclave.db",
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 30 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			MaxParallel:       8,
			NodeTimeout:       5 * time.Minute,
			StepTimeout:       5 * time.Minute,
			Grace:             10 * time.Second,
			CheckpointRetries: 3,
		},
		Archive: ArchiveConfig{
			Dir: "data/archive",
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("CONCLAVE_CONFIG")
	if path == "" {
		path = "config/conclave.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	applyEnv(&cfg)

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CONCLAVE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("CONCLAVE_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("CONCLAVE_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("CONCLAVE_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("CONCLAVE_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
	if v := os.Getenv("CONCLAVE_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("CONCLAVE_TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Telegram.ChatID = id
		}
	}
	if v := os.Getenv("CONCLAVE_ARCHIVE_DIR"); v != "" {
		cfg.Archive.Dir = v
	}
}
