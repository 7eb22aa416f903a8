package app

import (
	"time"

	"parley/cmd/internal/env"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogPretty bool

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// StoreTimeout bounds every persistence call made by the chat service.
	StoreTimeout time.Duration

	// HistoryWindow is the default messages:get lookback.
	HistoryWindow time.Duration

	// Remote storage for file download URLs. When both are set, files:get
	// returns S3 URLs instead of local /files/ paths.
	S3Bucket string
	S3Region string

	// DevSessionToken seeds a single in-memory session when the DB is
	// disabled, so a local client can connect. Dev-only knob.
	DevSessionToken string
	DevSessionEmail string
	DevSessionName  string
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  env.String("PARLEY_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  env.String("PARLEY_LOG_LEVEL", "info"),
		LogPretty: env.Bool("PARLEY_LOG_PRETTY", false),

		ReadHeaderTimeout: env.Duration("PARLEY_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       env.Duration("PARLEY_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      env.Duration("PARLEY_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       env.Duration("PARLEY_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: env.Int("PARLEY_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: env.String("PARLEY_DATABASE_URL", ""),
		DBSchema:    env.String("PARLEY_DB_SCHEMA", "parley"),
		DBMaxConns:  env.Int32("PARLEY_DB_MAX_CONNS", 10),
		DBMinConns:  env.Int32("PARLEY_DB_MIN_CONNS", 0),

		ReadinessRequireDB: env.Bool("PARLEY_READINESS_REQUIRE_DB", false),

		StoreTimeout:  env.Duration("PARLEY_STORE_TIMEOUT", 5*time.Second),
		HistoryWindow: env.Duration("PARLEY_HISTORY_WINDOW", 7*24*time.Hour),

		S3Bucket: env.String("PARLEY_S3_BUCKET", ""),
		S3Region: env.String("PARLEY_S3_REGION", ""),

		DevSessionToken: env.String("PARLEY_DEV_SESSION_TOKEN", ""),
		DevSessionEmail: env.String("PARLEY_DEV_SESSION_EMAIL", "dev@localhost"),
		DevSessionName:  env.String("PARLEY_DEV_SESSION_NAME", "Dev User"),
	}
}
