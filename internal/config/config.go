package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends accepted in storage.backend.
const (
	BackendFile     = "file"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Challenges ChallengesConfig `yaml:"challenges"`
	Player     PlayerConfig     `yaml:"player"`
	Journal    JournalConfig    `yaml:"journal"`
}

type ServerConfig struct {
	Port           int             `yaml:"port"`
	Host           string          `yaml:"host"`
	AuthToken      string          `yaml:"auth_token"`
	AllowedOrigins []string        `yaml:"allowed_origins"`
	MaxWSClients   int             `yaml:"max_ws_clients"`
	RequestTimeout time.Duration   `yaml:"request_timeout"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`

	// BroadcastThrottle coalesces stats pushes to WebSocket clients;
	// SnapshotInterval is how often a full snapshot is re-sent.
	BroadcastThrottle time.Duration `yaml:"broadcast_throttle"`
	SnapshotInterval  time.Duration `yaml:"snapshot_interval"`
}

// RateLimitConfig bounds API requests per client IP. A zero RPS disables
// limiting.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type StorageConfig struct {
	Backend  string         `yaml:"backend"`
	Dir      string         `yaml:"dir"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
}

type ChallengesConfig struct {
	SeedDefaults        bool          `yaml:"seed_defaults"`
	MilestoneCount      int           `yaml:"milestone_count"`
	MilestoneRewardStep int           `yaml:"milestone_reward_step"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
}

// JournalConfig points at an append-only JSONL file of gameplay events to
// tail. An empty Path disables it.
type JournalConfig struct {
	Path         string        `yaml:"path"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// PlayerConfig identifies the local player on leaderboards.
type PlayerConfig struct {
	UserID   string `yaml:"user_id"`
	Username string `yaml:"username"`
	Avatar   string `yaml:"avatar"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8080,
			Host:           "127.0.0.1",
			AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
			MaxWSClients:   64,
			RequestTimeout: 30 * time.Second,
			RateLimit: RateLimitConfig{
				RPS:   5,
				Burst: 30,
			},
			BroadcastThrottle: 250 * time.Millisecond,
			SnapshotInterval:  5 * time.Second,
		},
		Storage: StorageConfig{
			Backend: BackendFile,
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "quest:",
			},
			Postgres: PostgresConfig{
				MaxConns: 5,
			},
		},
		Challenges: ChallengesConfig{
			SeedDefaults:        true,
			MilestoneCount:      4,
			MilestoneRewardStep: 50,
			SweepInterval:       time.Minute,
		},
		Player: PlayerConfig{
			UserID:   "current_user",
			Username: "Adventurer",
			Avatar:   "🧙",
		},
		Journal: JournalConfig{
			PollInterval: time.Second,
		},
	}
}

// Default returns the built-in configuration with environment overrides
// applied.
func Default() *Config {
	cfg := defaultConfig()
	cfg.applyEnv()
	return cfg
}

// Load reads the YAML file at path on top of the defaults, then applies
// QUEST_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to Default when path does
// not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = Default()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return cfg, err
}

// Validate checks the fields that would otherwise fail late at startup.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server port %d", ErrInvalidConfig, c.Server.Port)
	}
	if c.Server.RateLimit.RPS < 0 {
		return fmt.Errorf("%w: negative rate_limit.rps", ErrInvalidConfig)
	}
	if c.Server.SnapshotInterval <= 0 {
		return fmt.Errorf("%w: server.snapshot_interval must be positive", ErrInvalidConfig)
	}
	switch c.Storage.Backend {
	case BackendFile, BackendMemory:
	case BackendRedis:
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("%w: storage.redis.addr is required", ErrInvalidConfig)
		}
	case BackendPostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("%w: storage.postgres.dsn is required", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown storage backend %q", ErrInvalidConfig, c.Storage.Backend)
	}
	if c.Challenges.MilestoneCount < 0 || c.Challenges.MilestoneRewardStep < 0 {
		return fmt.Errorf("%w: milestone settings must not be negative", ErrInvalidConfig)
	}
	if c.Player.UserID == "" {
		return fmt.Errorf("%w: player.user_id is required", ErrInvalidConfig)
	}
	return nil
}

// Addr returns host:port for the HTTP listener.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// applyEnv overlays QUEST_* environment variables. Unparseable numeric
// values are ignored.
func (c *Config) applyEnv() {
	c.Server.Host = getEnv("QUEST_HOST", c.Server.Host)
	c.Server.Port = getEnvAsInt("QUEST_PORT", c.Server.Port)
	c.Server.AuthToken = getEnv("QUEST_AUTH_TOKEN", c.Server.AuthToken)

	c.Storage.Backend = getEnv("QUEST_STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.Dir = getEnv("QUEST_STATE_DIR", c.Storage.Dir)
	c.Storage.Redis.Addr = getEnv("QUEST_REDIS_ADDR", c.Storage.Redis.Addr)
	c.Storage.Redis.Password = getEnv("QUEST_REDIS_PASSWORD", c.Storage.Redis.Password)
	c.Storage.Redis.DB = getEnvAsInt("QUEST_REDIS_DB", c.Storage.Redis.DB)
	c.Storage.Postgres.DSN = getEnv("QUEST_POSTGRES_DSN", c.Storage.Postgres.DSN)

	c.Challenges.SeedDefaults = getEnvAsBool("QUEST_SEED_CHALLENGES", c.Challenges.SeedDefaults)
	c.Challenges.SweepInterval = getEnvAsDuration("QUEST_SWEEP_INTERVAL", c.Challenges.SweepInterval)

	c.Player.UserID = getEnv("QUEST_USER_ID", c.Player.UserID)
	c.Player.Username = getEnv("QUEST_USERNAME", c.Player.Username)

	c.Journal.Path = getEnv("QUEST_JOURNAL_PATH", c.Journal.Path)
}

// GenerateToken returns a random 128-bit hex token suitable for
// server.auth_token.
func GenerateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
