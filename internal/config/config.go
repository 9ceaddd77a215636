package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage backends understood by the commands.
const (
	BackendSQLite   = "sqlite"
	BackendBigQuery = "bigquery"
)

// Config holds process configuration read from the environment.
type Config struct {
	LogLevel  string
	LogFormat string
	Port      string

	StorageBackend string
	DatabasePath   string
	BQProject      string
	BQDataset      string

	GeminiAPIKey      string
	ModelFast         string
	ModelPowerful     string
	ModelVision       string
	MaxRetries        int
	BackoffBase       time.Duration
	AttemptTimeout    time.Duration
	PersistTimeout    time.Duration
	RequestsPerSecond float64

	WorkerCount int
	QueueSize   int
	JobTTL      time.Duration

	DedupWindow      time.Duration
	ReviewConfidence float64
	OperatorsFile    string

	OCRURL           string
	OCRMinConfidence float64

	GCSBucket        string
	NotionToken      string
	NotionDatabaseID string
}

// Load reads .env files (missing files are ignored) and the process environment.
// Values that fail to parse fall back to their defaults and are reported in warnings.
func Load(envFiles ...string) (*Config, []string, error) {
	var warnings []string
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, os.ErrNotExist) {
		warnings = append(warnings, fmt.Sprintf("loading .env: %v", err))
	}

	r := &reader{}
	cfg := &Config{
		LogLevel:  r.getEnv("LOG_LEVEL", "info"),
		LogFormat: r.getEnv("LOG_FORMAT", "console"),
		Port:      r.getEnv("PORT", "8080"),

		StorageBackend: strings.ToLower(r.getEnv("STORAGE_BACKEND", BackendSQLite)),
		DatabasePath:   r.getEnv("DATABASE_PATH", "./parcer.db"),
		BQProject:      r.getEnv("BQ_PROJECT", ""),
		BQDataset:      r.getEnv("BQ_DATASET", "receipts"),

		GeminiAPIKey:      r.getEnv("GEMINI_API_KEY", ""),
		ModelFast:         r.getEnv("MODEL_FAST", "gemini-2.5-flash-lite"),
		ModelPowerful:     r.getEnv("MODEL_POWERFUL", "gemini-2.5-pro"),
		ModelVision:       r.getEnv("MODEL_VISION", "gemini-2.5-flash"),
		MaxRetries:        r.getEnvAsInt("MAX_RETRIES", 3),
		BackoffBase:       time.Duration(r.getEnvAsInt("BACKOFF_BASE_MS", 400)) * time.Millisecond,
		AttemptTimeout:    r.getEnvAsDuration("ATTEMPT_TIMEOUT", 30*time.Second),
		PersistTimeout:    r.getEnvAsDuration("PERSIST_TIMEOUT", 10*time.Second),
		RequestsPerSecond: r.getEnvAsFloat("REQUESTS_PER_SECOND", 5),

		WorkerCount: r.getEnvAsInt("WORKER_COUNT", 5),
		QueueSize:   r.getEnvAsInt("QUEUE_SIZE", 100),
		JobTTL:      r.getEnvAsDuration("JOB_TTL", 24*time.Hour),

		DedupWindow:      r.getEnvAsDuration("DEDUP_WINDOW", time.Minute),
		ReviewConfidence: r.getEnvAsFloat("REVIEW_CONFIDENCE", 0.8),
		OperatorsFile:    r.getEnv("OPERATORS_FILE", ""),

		OCRURL:           r.getEnv("OCR_URL", ""),
		OCRMinConfidence: r.getEnvAsFloat("OCR_MIN_CONFIDENCE", 30),

		GCSBucket:        r.getEnv("GCS_BUCKET", ""),
		NotionToken:      r.getEnv("NOTION_TOKEN", ""),
		NotionDatabaseID: r.getEnv("NOTION_DATABASE_ID", ""),
	}
	warnings = append(warnings, r.warnings...)

	if err := cfg.Validate(); err != nil {
		return nil, warnings, err
	}
	return cfg, warnings, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case BackendSQLite:
		if c.DatabasePath == "" {
			return fmt.Errorf("config: DATABASE_PATH is required for the sqlite backend")
		}
	case BackendBigQuery:
		if c.BQProject == "" {
			return fmt.Errorf("config: BQ_PROJECT is required for the bigquery backend")
		}
	default:
		return fmt.Errorf("config: unknown STORAGE_BACKEND %q", c.StorageBackend)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("config: MAX_RETRIES must be at least 1, got %d", c.MaxRetries)
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("config: WORKER_COUNT must be at least 1, got %d", c.WorkerCount)
	}
	if c.DedupWindow <= 0 {
		return fmt.Errorf("config: DEDUP_WINDOW must be positive, got %s", c.DedupWindow)
	}
	return nil
}

type reader struct {
	warnings []string
}

func (r *reader) getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func (r *reader) getEnvAsInt(key string, fallback int) int {
	valueStr := strings.TrimSpace(r.getEnv(key, ""))
	if valueStr == "" {
		return fallback
	}
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	r.warnings = append(r.warnings, fmt.Sprintf("invalid integer value for %s (%q), using default: %d", key, valueStr, fallback))
	return fallback
}

func (r *reader) getEnvAsFloat(key string, fallback float64) float64 {
	valueStr := strings.TrimSpace(r.getEnv(key, ""))
	if valueStr == "" {
		return fallback
	}
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	r.warnings = append(r.warnings, fmt.Sprintf("invalid float value for %s (%q), using default: %g", key, valueStr, fallback))
	return fallback
}

func (r *reader) getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := strings.TrimSpace(r.getEnv(key, ""))
	if valueStr == "" {
		return fallback
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	r.warnings = append(r.warnings, fmt.Sprintf("invalid duration value for %s (%q), using default: %s", key, valueStr, fallback))
	return fallback
}
