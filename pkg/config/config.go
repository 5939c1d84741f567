// Package config resolves the process configuration: environment variables
// for infrastructure knobs (listen address, database, LLM endpoint) and an
// optional personas.yaml for agent definitions.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/registry"
	"github.com/loomworks/loom/pkg/scheduler"
	"github.com/loomworks/loom/pkg/supervisor"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	ListenAddr       string
	AllowedWSOrigins []string
}

// DatabaseConfig holds resolved Postgres settings. An empty Host selects the
// in-memory store.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

// Enabled reports whether a Postgres backend is configured.
func (c DatabaseConfig) Enabled() bool { return c.Host != "" }

// DSN renders the connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

// LLMConfig holds the chat-completion endpoint settings.
type LLMConfig struct {
	APIKey            string
	BaseURL           string
	Model             string
	Timeout           time.Duration
	PromptPerMTok     float64
	CompletionPerMTok float64
}

// RuntimeConfig tunes run execution.
type RuntimeConfig struct {
	Workers           int
	Grace             time.Duration
	HeartbeatInterval time.Duration
	MissedHeartbeats  int
	WatchdogInterval  time.Duration
	Workdir           string
	MaxHandoffs       int
	MaxRounds         int
	MaxEmbedFileSize  int64
	EmbedBytes        int
	ExecTimeout       time.Duration
	MaxExecOutput     int
}

// RetryConfig is the retry policy applied to every node type.
type RetryConfig struct {
	MaxAttempts       int
	BackoffInitial    time.Duration
	BackoffMultiplier float64
	BackoffMax        time.Duration
}

// Policies expands the flat retry config into the scheduler's per-type map.
func (c RetryConfig) Policies() map[models.NodeType]scheduler.RetryPolicy {
	p := scheduler.RetryPolicy{
		MaxAttempts:       c.MaxAttempts,
		BackoffInitial:    c.BackoffInitial,
		BackoffMultiplier: c.BackoffMultiplier,
		BackoffMax:        c.BackoffMax,
	}
	return map[models.NodeType]scheduler.RetryPolicy{
		models.NodePlanning: p,
		models.NodeControl:  p,
		models.NodeAgent:    p,
	}
}

// Config is the fully resolved process configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	LLM      LLMConfig
	Runtime  RuntimeConfig
	Retry    RetryConfig
	Personas *PersonaSet
}

// Load resolves configuration: .env from configDir (optional), then the
// environment, then personas.yaml from configDir (optional, defaults apply).
func Load(configDir string) (*Config, error) {
	envPath := filepath.Join(configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Debug("No .env file, using existing environment", "path", envPath)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	cfg := &Config{
		Server: ServerConfig{
			ListenAddr:       getEnv("LISTEN_ADDR", ":8080"),
			AllowedWSOrigins: splitCSV(os.Getenv("ALLOWED_WS_ORIGINS")),
		},
		Database: DatabaseConfig{
			Host:     os.Getenv("DB_HOST"),
			Port:     getInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "loom"),
			Password: os.Getenv("DB_PASSWORD"),
			Name:     getEnv("DB_NAME", "loom"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		LLM: LLMConfig{
			APIKey:            os.Getenv("LLM_API_KEY"),
			BaseURL:           os.Getenv("LLM_BASE_URL"),
			Model:             getEnv("LLM_MODEL", "gpt-4o-mini"),
			Timeout:           getDuration("LLM_TIMEOUT", 120*time.Second),
			PromptPerMTok:     getFloat("LLM_PROMPT_PER_MTOK", 0.15),
			CompletionPerMTok: getFloat("LLM_COMPLETION_PER_MTOK", 0.60),
		},
		Runtime: RuntimeConfig{
			Workers:           getInt("WORKERS", 2),
			Grace:             getDuration("CANCEL_GRACE", 5*time.Second),
			HeartbeatInterval: getDuration("HEARTBEAT_INTERVAL", 15*time.Second),
			MissedHeartbeats:  getInt("MISSED_HEARTBEATS", 4),
			WatchdogInterval:  getDuration("WATCHDOG_INTERVAL", 30*time.Second),
			Workdir:           getEnv("WORKDIR", filepath.Join(os.TempDir(), "loom")),
			MaxHandoffs:       getInt("MAX_HANDOFFS", 3),
			MaxRounds:         getInt("MAX_ROUNDS", 8),
			MaxEmbedFileSize:  int64(getInt("MAX_EMBED_FILE_SIZE", 0)),
			EmbedBytes:        getInt("EMBED_BYTES", 0),
			ExecTimeout:       getDuration("EXEC_TIMEOUT", 60*time.Second),
			MaxExecOutput:     getInt("MAX_EXEC_OUTPUT", 64*1024),
		},
		Retry: RetryConfig{
			MaxAttempts:       getInt("RETRY_MAX_ATTEMPTS", 3),
			BackoffInitial:    getDuration("RETRY_BACKOFF_INITIAL", 500*time.Millisecond),
			BackoffMultiplier: getFloat("RETRY_BACKOFF_MULTIPLIER", 2),
			BackoffMax:        getDuration("RETRY_BACKOFF_MAX", 30*time.Second),
		},
	}

	personas, err := LoadPersonas(filepath.Join(configDir, "personas.yaml"), cfg.LLM.Model)
	if err != nil {
		return nil, fmt.Errorf("load personas: %w", err)
	}
	cfg.Personas = personas

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Runtime.Workers < 1 {
		return fmt.Errorf("WORKERS must be at least 1, got %d", c.Runtime.Workers)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Database.Enabled() && c.Database.User == "" {
		return fmt.Errorf("DB_USER is required when DB_HOST is set")
	}
	return nil
}

// SupervisorConfig assembles the per-run supervisor settings.
func (c *Config) SupervisorConfig() supervisor.Config {
	return supervisor.Config{
		Workers:           c.Runtime.Workers,
		Grace:             c.Runtime.Grace,
		HeartbeatInterval: c.Runtime.HeartbeatInterval,
		MaxHandoffs:       c.Runtime.MaxHandoffs,
		MaxRounds:         c.Runtime.MaxRounds,
		Workdir:           c.Runtime.Workdir,
		MaxEmbedFileSize:  c.Runtime.MaxEmbedFileSize,
		EmbedBytes:        c.Runtime.EmbedBytes,
		IdeaAgents:        c.Personas.IdeaAgents,
		Personas:          c.Personas.ByName,
		PlannerPersona:    c.Personas.Planner,
		DefaultPersona:    c.Personas.Default,
		Policies:          c.Retry.Policies(),
	}
}

// RegistryOptions assembles the watchdog settings.
func (c *Config) RegistryOptions() registry.Options {
	return registry.Options{
		HeartbeatInterval: c.Runtime.HeartbeatInterval,
		MissedHeartbeats:  c.Runtime.MissedHeartbeats,
		WatchdogInterval:  c.Runtime.WatchdogInterval,
	}
}

// --- env helpers ---

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Invalid integer env value, using default", "key", key, "value", v, "default", defaultVal)
		return defaultVal
	}
	return n
}

func getFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("Invalid float env value, using default", "key", key, "value", v, "default", defaultVal)
		return defaultVal
	}
	return f
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("Invalid duration env value, using default", "key", key, "value", v, "default", defaultVal)
		return defaultVal
	}
	return d
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}
