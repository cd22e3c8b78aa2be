package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Postgres  PostgresConfig
	Redis     RedisConfig
	Scheduler SchedulerConfig
	Catalog   CatalogConfig
	// UseMemoryStore runs against store.NewMemoryStore instead of Postgres,
	// for local runs and demos without a database.
	UseMemoryStore bool
}

type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type PostgresConfig struct {
	Host               string
	Port               string
	User               string
	Password           string
	DBName             string
	SSLMode            string
	MaxOpenConns       int
	MaxIdleConns       int
	MaxLifetimeMinutes int
	LogLevel           string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// SchedulerConfig tunes the Horizon Scheduler (spec.md §4.4), mirrored
// into horizon.Config at wiring time in cmd/runsched.
type SchedulerConfig struct {
	Lookahead                 time.Duration
	Tick                      time.Duration
	MaxStep                   time.Duration
	MaterializeExpectedCutoff time.Duration
}

// CatalogConfig points at the directory of job-definition YAML files
// (spec.md §4.2).
type CatalogConfig struct {
	Dir string
}

func LoadConfig() *Config {
	cfg, _ := Load()
	return cfg
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Port:            getEnvInt("SERVER_PORT", 5003),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     getDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Postgres: PostgresConfig{
			Host:               getEnv("POSTGRES_HOST", "localhost"),
			Port:               getEnv("POSTGRES_PORT", "5432"),
			User:               getEnv("POSTGRES_USER", "scheduler_user"),
			Password:           getEnv("POSTGRES_PASSWORD", "scheduler_password"),
			DBName:             getEnv("POSTGRES_DB", "scheduler_db"),
			SSLMode:            getEnv("POSTGRES_SSL_MODE", "disable"),
			MaxOpenConns:       getEnvInt("POSTGRES_MAX_OPEN_CONNS", 25),
			MaxIdleConns:       getEnvInt("POSTGRES_MAX_IDLE_CONNS", 10),
			MaxLifetimeMinutes: getEnvInt("POSTGRES_MAX_LIFETIME_MINS", 30),
			LogLevel:           getEnv("POSTGRES_LOG_LEVEL", "warn"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 2),
		},
		Scheduler: SchedulerConfig{
			Lookahead:                 getDuration("SCHEDULER_LOOKAHEAD", 5*time.Minute),
			Tick:                      getDuration("SCHEDULER_TICK", time.Minute),
			MaxStep:                   getDuration("SCHEDULER_MAX_STEP", time.Hour),
			MaterializeExpectedCutoff: getDuration("SCHEDULER_MATERIALIZE_EXPECTED_CUTOFF", time.Hour),
		},
		Catalog: CatalogConfig{
			Dir: getEnv("CATALOG_DIR", "./jobs"),
		},
		UseMemoryStore: getEnvBool("USE_MEMORY_STORE", false),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
