package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App      AppConfig
	WS       WSConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	Rabbit   RabbitConfig
	Logger   LoggerConfig
	Auth     AuthConfig
	Engine   EngineConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
}

// WSConfig controls the websocket connection gateway.
type WSConfig struct {
	Host         string
	Port         string
	WriteTimeout time.Duration
	SendBuffer   int
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	MigrationsDir  string
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Addr          string
	Password      string
	DB            int
	PresenceTTL   time.Duration
	NotifyChannel string
}

// RabbitConfig configures domain event export. An empty URL disables it.
type RabbitConfig struct {
	URL           string
	Exchange      string
	RetryAttempts int
	RetryDelay    time.Duration
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// AuthConfig defines authentication parameters.
type AuthConfig struct {
	JWTSecret             string
	AccessTokenTTLMinutes int
}

// EngineConfig holds the assignment engine tunables.
type EngineConfig struct {
	SweepInterval        time.Duration
	SessionTimeout       time.Duration
	PurgeAfter           time.Duration
	DefaultHandleTime    time.Duration
	HandleTimeWindow     time.Duration
	HandleTimeSamples    int
	MinHandleTime        time.Duration
	MaxHandleTime        time.Duration
	PriorityFactorNormal float64
	PriorityFactorVIP    float64
	PriorityFactorUrgent float64
	SettingsCacheSize    int
	SettingsCacheTTL     time.Duration
	PresenceHeartbeat    time.Duration
	ReconcilePresence    bool
	SideEffectTimeout    time.Duration
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	maxConns := int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10))
	minConns := int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2))
	runMigrations := getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true)
	connMaxIdle := int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30))
	connMaxLife := int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300))

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "livechat-engine"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
		},
		WS: WSConfig{
			Host:         getEnv("WS_HOST", "0.0.0.0"),
			Port:         getEnv("WS_PORT", "8081"),
			WriteTimeout: getEnvAsDuration("WS_WRITE_TIMEOUT", 5*time.Second),
			SendBuffer:   getEnvAsInt("WS_SEND_BUFFER", 64),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       maxConns,
			MinConns:       minConns,
			RunMigrations:  runMigrations,
			MigrationsDir:  getEnv("POSTGRES_MIGRATIONS_DIR", "migrations"),
			ConnMaxIdleSec: connMaxIdle,
			ConnMaxLifeSec: connMaxLife,
		},
		Redis: RedisConfig{
			Addr:          getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password:      os.Getenv("REDIS_PASSWORD"),
			DB:            redisDB,
			PresenceTTL:   getEnvAsDuration("REDIS_PRESENCE_TTL", 90*time.Second),
			NotifyChannel: getEnv("REDIS_NOTIFY_CHANNEL", "livechat:notify"),
		},
		Rabbit: RabbitConfig{
			URL:           os.Getenv("RABBIT_URL"),
			Exchange:      getEnv("RABBIT_EXCHANGE", "livechat.events"),
			RetryAttempts: getEnvAsInt("RABBIT_RETRY_ATTEMPTS", 5),
			RetryDelay:    getEnvAsDuration("RABBIT_RETRY_DELAY", time.Second),
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Auth: AuthConfig{
			JWTSecret:             getEnv("AUTH_JWT_SECRET", "dev-secret"),
			AccessTokenTTLMinutes: getEnvAsInt("AUTH_ACCESS_TOKEN_TTL_MINUTES", 60),
		},
		Engine: DefaultEngineConfig(),
	}

	e := &cfg.Engine
	e.SweepInterval = getEnvAsDuration("ENGINE_SWEEP_INTERVAL", e.SweepInterval)
	e.SessionTimeout = getEnvAsDuration("ENGINE_SESSION_TIMEOUT", e.SessionTimeout)
	e.PurgeAfter = getEnvAsDuration("ENGINE_PURGE_AFTER", e.PurgeAfter)
	e.DefaultHandleTime = getEnvAsDuration("ENGINE_DEFAULT_HANDLE_TIME", e.DefaultHandleTime)
	e.HandleTimeWindow = getEnvAsDuration("ENGINE_HANDLE_TIME_WINDOW", e.HandleTimeWindow)
	e.HandleTimeSamples = getEnvAsInt("ENGINE_HANDLE_TIME_SAMPLES", e.HandleTimeSamples)
	e.MinHandleTime = getEnvAsDuration("ENGINE_MIN_HANDLE_TIME", e.MinHandleTime)
	e.MaxHandleTime = getEnvAsDuration("ENGINE_MAX_HANDLE_TIME", e.MaxHandleTime)
	e.PriorityFactorNormal = getEnvAsFloat("ENGINE_PRIORITY_FACTOR_NORMAL", e.PriorityFactorNormal)
	e.PriorityFactorVIP = getEnvAsFloat("ENGINE_PRIORITY_FACTOR_VIP", e.PriorityFactorVIP)
	e.PriorityFactorUrgent = getEnvAsFloat("ENGINE_PRIORITY_FACTOR_URGENT", e.PriorityFactorUrgent)
	e.SettingsCacheSize = getEnvAsInt("ENGINE_SETTINGS_CACHE_SIZE", e.SettingsCacheSize)
	e.SettingsCacheTTL = getEnvAsDuration("ENGINE_SETTINGS_CACHE_TTL", e.SettingsCacheTTL)
	e.PresenceHeartbeat = getEnvAsDuration("ENGINE_PRESENCE_HEARTBEAT", e.PresenceHeartbeat)
	e.ReconcilePresence = getEnvAsBool("ENGINE_RECONCILE_PRESENCE", e.ReconcilePresence)
	e.SideEffectTimeout = getEnvAsDuration("ENGINE_SIDE_EFFECT_TIMEOUT", e.SideEffectTimeout)

	return cfg, nil
}

// DefaultEngineConfig returns the engine defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		SweepInterval:        time.Minute,
		SessionTimeout:       30 * time.Minute,
		PurgeAfter:           5 * time.Minute,
		DefaultHandleTime:    300 * time.Second,
		HandleTimeWindow:     2 * time.Hour,
		HandleTimeSamples:    20,
		MinHandleTime:        30 * time.Second,
		MaxHandleTime:        3600 * time.Second,
		PriorityFactorNormal: 1.0,
		PriorityFactorVIP:    0.6,
		PriorityFactorUrgent: 0.3,
		SettingsCacheSize:    1024,
		SettingsCacheTTL:     time.Minute,
		PresenceHeartbeat:    30 * time.Second,
		ReconcilePresence:    true,
		SideEffectTimeout:    10 * time.Second,
	}
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// Addr returns the websocket bind address.
func (w WSConfig) Addr() string {
	return fmt.Sprintf("%s:%s", w.Host, w.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsFloat(key string, fallback float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

// getEnvAsDuration accepts Go duration strings ("90s") or bare seconds ("90").
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(val); err == nil {
		return parsed
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
