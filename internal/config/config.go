package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Checkpoint store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Engine types.
const (
	EngineHTTP   = "http"
	EngineDocker = "docker"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Checkpoint CheckpointConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Engine     EngineConfig
	Docker     DockerConfig
	Server     ServerConfig
	JWT        JWTConfig
}

// CheckpointConfig selects where thread checkpoints and archived turns live.
type CheckpointConfig struct {
	Driver     string
	SQLitePath string
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string //nolint:gosec // G117: DB connection config
	DBName   string
	SSLMode  string
	MaxConns int
}

// RedisConfig holds Redis connection settings. An empty Addr disables live
// fan-out.
type RedisConfig struct {
	Addr     string
	Password string //nolint:gosec // G117: Redis connection config
	DB       int
}

// EngineConfig selects the engine that executes turns.
type EngineConfig struct {
	Type    string
	URL     string
	Timeout time.Duration
}

// DockerConfig holds container runtime settings for the docker engine.
type DockerConfig struct {
	Host         string
	ImageDefault string
	CPULimit     string
	MemLimit     string
	Network      string
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	RateLimitRPS    float64
	RateLimitBurst  int
}

// JWTConfig holds bearer authentication settings. An empty Secret disables
// authentication.
type JWTConfig struct {
	Secret   string //nolint:gosec // G117: JWT signing secret config
	TokenTTL time.Duration
}

// Load reads configuration from environment variables.
// Defaults are safe for local development only.
func Load() (*Config, error) {
	dbPort, err := getEnvInt("TAKO_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	dbMaxConns, err := getEnvInt("TAKO_DB_MAX_CONNS", 10)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	redisDB, err := getEnvInt("TAKO_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	engineTimeout, err := getEnvDuration("TAKO_ENGINE_TIMEOUT", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	readTimeout, err := getEnvDuration("TAKO_SERVER_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	// Zero keeps long polls and WebSocket streams open.
	writeTimeout, err := getEnvDuration("TAKO_SERVER_WRITE_TIMEOUT", 0)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	shutdownTimeout, err := getEnvDuration("TAKO_SERVER_SHUTDOWN_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	rateRPS, err := getEnvFloat("TAKO_RATE_LIMIT_RPS", 20)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	rateBurst, err := getEnvInt("TAKO_RATE_LIMIT_BURST", 40)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	tokenTTL, err := getEnvDuration("TAKO_JWT_TOKEN_TTL", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	cfg := &Config{
		Checkpoint: CheckpointConfig{
			Driver:     strings.ToLower(getEnv("TAKO_CHECKPOINT_DRIVER", DriverSQLite)),
			SQLitePath: getEnv("TAKO_SQLITE_PATH", "checkpoint/tako_checkpoint.sqlite"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("TAKO_DB_HOST", "localhost"),
			Port:     dbPort,
			User:     getEnv("TAKO_DB_USER", "tako"),
			Password: getEnv("TAKO_DB_PASSWORD", ""),
			DBName:   getEnv("TAKO_DB_NAME", "tako"),
			SSLMode:  getEnv("TAKO_DB_SSLMODE", "disable"),
			MaxConns: dbMaxConns,
		},
		Redis: RedisConfig{
			Addr:     getEnv("TAKO_REDIS_ADDR", ""),
			Password: getEnv("TAKO_REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Engine: EngineConfig{
			Type:    strings.ToLower(getEnv("TAKO_ENGINE", EngineHTTP)),
			URL:     getEnv("TAKO_ENGINE_URL", "http://localhost:8000/turns"),
			Timeout: engineTimeout,
		},
		Docker: DockerConfig{
			Host:         getEnv("TAKO_DOCKER_HOST", "unix:///var/run/docker.sock"),
			ImageDefault: getEnv("TAKO_DOCKER_IMAGE_DEFAULT", "ghcr.io/gosuda/tako-engine:latest"),
			CPULimit:     getEnv("TAKO_DOCKER_CPU_LIMIT", "2"),
			MemLimit:     getEnv("TAKO_DOCKER_MEM_LIMIT", "2g"),
			Network:      getEnv("TAKO_DOCKER_NETWORK", "bridge"),
		},
		Server: ServerConfig{
			Addr:            getEnv("TAKO_SERVER_ADDR", ":8080"),
			ReadTimeout:     readTimeout,
			WriteTimeout:    writeTimeout,
			ShutdownTimeout: shutdownTimeout,
			CORSOrigins:     getEnvList("TAKO_CORS_ORIGINS", []string{"http://localhost:5173"}),
			RateLimitRPS:    rateRPS,
			RateLimitBurst:  rateBurst,
		},
		JWT: JWTConfig{
			Secret:   getEnv("TAKO_JWT_SECRET", ""),
			TokenTTL: tokenTTL,
		},
	}

	err = cfg.validate()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	return cfg, nil
}

// validate checks required fields and value bounds.
func (c *Config) validate() error {
	switch c.Checkpoint.Driver {
	case DriverSQLite:
		if c.Checkpoint.SQLitePath == "" {
			return fmt.Errorf("TAKO_SQLITE_PATH is required for the %s driver", DriverSQLite)
		}
	case DriverPostgres:
		if c.Database.SSLMode == "disable" {
			log.Warn().Msg("TAKO_DB_SSLMODE=disable is insecure for production; set to 'require' or 'verify-full'")
		}
	case DriverMemory:
		log.Warn().Msg("TAKO_CHECKPOINT_DRIVER=memory keeps conversations in process memory only")
	default:
		return fmt.Errorf("TAKO_CHECKPOINT_DRIVER must be one of sqlite, postgres, memory, got %q", c.Checkpoint.Driver)
	}

	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("TAKO_DB_PORT must be 1-65535, got %d", c.Database.Port)
	}
	if c.Database.MaxConns < 1 {
		return fmt.Errorf("TAKO_DB_MAX_CONNS must be >= 1, got %d", c.Database.MaxConns)
	}

	switch c.Engine.Type {
	case EngineHTTP:
		if c.Engine.URL == "" {
			return fmt.Errorf("TAKO_ENGINE_URL is required for the %s engine", EngineHTTP)
		}
	case EngineDocker:
	default:
		return fmt.Errorf("TAKO_ENGINE must be one of http, docker, got %q", c.Engine.Type)
	}
	if c.Engine.Timeout < 0 {
		return fmt.Errorf("TAKO_ENGINE_TIMEOUT must not be negative, got %s", c.Engine.Timeout)
	}

	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("TAKO_SERVER_READ_TIMEOUT must be positive, got %s", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("TAKO_SERVER_WRITE_TIMEOUT must not be negative, got %s", c.Server.WriteTimeout)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("TAKO_SERVER_SHUTDOWN_TIMEOUT must be positive, got %s", c.Server.ShutdownTimeout)
	}
	if c.Server.RateLimitRPS < 0 {
		return fmt.Errorf("TAKO_RATE_LIMIT_RPS must not be negative, got %g", c.Server.RateLimitRPS)
	}
	if c.Server.RateLimitRPS > 0 && c.Server.RateLimitBurst < 1 {
		return fmt.Errorf("TAKO_RATE_LIMIT_BURST must be >= 1, got %d", c.Server.RateLimitBurst)
	}

	if c.JWT.Secret == "" {
		log.Warn().Msg("TAKO_JWT_SECRET is empty; the API accepts unauthenticated requests")
	} else if len(c.JWT.Secret) < 32 {
		return fmt.Errorf("TAKO_JWT_SECRET must be at least 32 characters")
	}
	if c.JWT.TokenTTL <= 0 {
		return fmt.Errorf("TAKO_JWT_TOKEN_TTL must be positive, got %s", c.JWT.TokenTTL)
	}

	return nil
}

// AuthEnabled reports whether bearer tokens are required.
func (c *Config) AuthEnabled() bool {
	return c.JWT.Secret != ""
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", key, v, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as float: %w", key, v, err)
	}
	return f, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as duration: %w", key, v, err)
	}
	return d, nil
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
