package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the mend service.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Events    EventsConfig    `yaml:"events"`
	Cache     CacheConfig     `yaml:"cache"`
	NATS      NATSConfig      `yaml:"nats"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Security  SecurityConfig  `yaml:"security"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	HTTPPort     int           `yaml:"http_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// StoreConfig configures the skill store backend.
type StoreConfig struct {
	Backend  string `yaml:"backend"` // "sqlite" or "postgres"
	Path     string `yaml:"path"`    // For SQLite
	DSN      string `yaml:"dsn"`     // For Postgres
	SeedFile string `yaml:"seed_file"`
	// WatchSeed reloads the seed file when it changes on disk.
	WatchSeed bool `yaml:"watch_seed"`
}

// ExecutorConfig configures the guarded-execution engine.
type ExecutorConfig struct {
	MaxAttempts      int           `yaml:"max_attempts"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	ResolverTimeout  time.Duration `yaml:"resolver_timeout"`
	CandidateLogPath string        `yaml:"candidate_log_path"`
	WorkingDir       string        `yaml:"working_dir"`
}

// EventsConfig configures the durable event log and fan-out.
type EventsConfig struct {
	LogPath     string `yaml:"log_path"`
	BufferSize  int    `yaml:"buffer_size"`
	TailDefault int    `yaml:"tail_default"`
}

// CacheConfig configures the match cache.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Backend    string        `yaml:"backend"` // "memory" or "redis"
	DefaultTTL time.Duration `yaml:"default_ttl"`
	MaxSize    int           `yaml:"max_size"`
	RedisURL   string        `yaml:"redis_url"`
}

// NATSConfig configures the optional cross-process event bridge.
type NATSConfig struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url"`
	Stream  string        `yaml:"stream"`
	Timeout time.Duration `yaml:"timeout"`
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// SecurityConfig configures API authentication and CORS.
type SecurityConfig struct {
	EnableAuth     bool     `yaml:"enable_auth"`
	APIKeys        []string `yaml:"api_keys,omitempty"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LoadConfigFromFile loads configuration from a YAML file. Environment
// variables in the form ${VAR} are expanded before parsing so secrets
// like the postgres DSN can stay out of the file.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:     8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Store: StoreConfig{
			Backend:   "sqlite",
			Path:      "./mend.db",
			WatchSeed: true,
		},
		Executor: ExecutorConfig{
			MaxAttempts:      3,
			RetryDelay:       time.Second,
			ResolverTimeout:  30 * time.Second,
			CandidateLogPath: "./candidates.jsonl",
		},
		Events: EventsConfig{
			LogPath:     "./events.jsonl",
			BufferSize:  1000,
			TailDefault: 100,
		},
		Cache: CacheConfig{
			Enabled:    true,
			Backend:    "memory",
			DefaultTTL: 5 * time.Minute,
			MaxSize:    10000,
		},
		NATS: NATSConfig{
			Enabled: false,
			URL:     "nats://localhost:4222",
			Stream:  "MEND",
			Timeout: 10 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			OTLPEndpoint: "localhost:4317",
			ServiceName:  "mend",
		},
		Security: SecurityConfig{
			EnableAuth:     false,
			AllowedOrigins: []string{"*"},
		},
	}
}
