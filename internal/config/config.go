// Package config loads server configuration from environment variables.
//
// At least one payload source is required:
//   - DATABASE_URL: PostgreSQL connection string for the payload store.
//   - PAYLOAD_FILE: path of a payload file, reloaded when it changes.
//   - ADMIN_TOKEN_HASH: bcrypt hash of the bearer token that may PUT payloads.
//
// Optional variables:
//   - HTTP_ADDR: listen address for the HTTP server (default ":8080").
//   - GRPC_ADDR: listen address for the gRPC server (default ":9090").
//   - LOG_LEVEL: debug, info, warn or error (default "info").
//   - DECRYPTION_KEY: base64 AES key for encrypted payloads.
//   - AUTH_RATE_LIMIT: failed admin token attempts allowed per minute per client
//     (default "10", must be > 0 if set).
//   - MAX_JSON_BODY_SIZE: max HTTP request body size in bytes
//     (default "1048576", must be > 0 if set).
//   - EVALUATION_HISTORY_SIZE: number of recent evaluations kept for the
//     debug endpoints (default "100", 0 disables).
//   - CACHE_RESYNC_INTERVAL: safety-net reload interval for the payload store
//     (default "1m", must be > 0 if set).
//   - DEBUG_HOSTNAME: tailnet hostname serving the debug routes.
//   - TS_AUTH_KEY, TS_STATE_DIR: tailnet credentials and state directory.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/matt-riley/variantz/internal/payload"
)

const (
	defaultHTTPAddr                    = ":8080"
	defaultGRPCAddr                    = ":9090"
	defaultTSStateDir                  = "tsnet-state"
	defaultAuthRateLimit               = 10
	defaultMaxJSONBodySize       int64 = 1 << 20 // 1MB
	defaultEvaluationHistorySize       = 100
	defaultCacheResyncInterval         = time.Minute
)

// Config holds the runtime configuration for the variantz server.
type Config struct {
	DatabaseURL           string
	PayloadFile           string
	DecryptionKey         string
	AdminTokenHash        string
	HTTPAddr              string
	GRPCAddr              string
	LogLevel              string
	AuthRateLimit         int
	MaxJSONBodySize       int64
	EvaluationHistorySize int
	CacheResyncInterval   time.Duration
	DebugHostname         string
	TSAuthKey             string
	TSStateDir            string
}

// Load reads configuration from environment variables, applying defaults where
// appropriate. It returns an error if no payload source is configured or if
// optional values fail validation.
func Load() (Config, error) {
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	payloadFile := strings.TrimSpace(os.Getenv("PAYLOAD_FILE"))
	adminTokenHash := strings.TrimSpace(os.Getenv("ADMIN_TOKEN_HASH"))
	if databaseURL == "" && payloadFile == "" && adminTokenHash == "" {
		return Config{}, errors.New("one of DATABASE_URL, PAYLOAD_FILE or ADMIN_TOKEN_HASH is required")
	}

	if adminTokenHash != "" {
		if _, err := bcrypt.Cost([]byte(adminTokenHash)); err != nil {
			return Config{}, fmt.Errorf("parse ADMIN_TOKEN_HASH: %w", err)
		}
	}

	decryptionKey := strings.TrimSpace(os.Getenv("DECRYPTION_KEY"))
	if decryptionKey != "" {
		if _, err := payload.ParseKey(decryptionKey); err != nil {
			return Config{}, fmt.Errorf("parse DECRYPTION_KEY: %w", err)
		}
	}

	authRateLimit := defaultAuthRateLimit
	if value := strings.TrimSpace(os.Getenv("AUTH_RATE_LIMIT")); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse AUTH_RATE_LIMIT: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("AUTH_RATE_LIMIT must be > 0")
		}
		authRateLimit = parsed
	}

	maxJSONBodySize := defaultMaxJSONBodySize
	if v := strings.TrimSpace(os.Getenv("MAX_JSON_BODY_SIZE")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return Config{}, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
		}
		maxJSONBodySize = n
	}

	evaluationHistorySize := defaultEvaluationHistorySize
	if v := strings.TrimSpace(os.Getenv("EVALUATION_HISTORY_SIZE")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Config{}, errors.New("EVALUATION_HISTORY_SIZE must be a non-negative integer")
		}
		evaluationHistorySize = n
	}

	cacheResyncInterval := defaultCacheResyncInterval
	if v := strings.TrimSpace(os.Getenv("CACHE_RESYNC_INTERVAL")); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse CACHE_RESYNC_INTERVAL: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("CACHE_RESYNC_INTERVAL must be > 0")
		}
		cacheResyncInterval = parsed
	}

	return Config{
		DatabaseURL:           databaseURL,
		PayloadFile:           payloadFile,
		DecryptionKey:         decryptionKey,
		AdminTokenHash:        adminTokenHash,
		HTTPAddr:              envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		GRPCAddr:              envOrDefault("GRPC_ADDR", defaultGRPCAddr),
		LogLevel:              envOrDefault("LOG_LEVEL", "info"),
		AuthRateLimit:         authRateLimit,
		MaxJSONBodySize:       maxJSONBodySize,
		EvaluationHistorySize: evaluationHistorySize,
		CacheResyncInterval:   cacheResyncInterval,
		DebugHostname:         strings.TrimSpace(os.Getenv("DEBUG_HOSTNAME")),
		TSAuthKey:             os.Getenv("TS_AUTH_KEY"),
		TSStateDir:            envOrDefault("TS_STATE_DIR", defaultTSStateDir),
	}, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
