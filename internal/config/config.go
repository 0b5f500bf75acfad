// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/traitlab/internal/domain"
)

// Store backends.
const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreRedis  = "redis"
)

// Analyzer backends.
const (
	AnalyzerNone = "none"
	AnalyzerHTTP = "http"
	AnalyzerGRPC = "grpc"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string

	StoreBackend  string
	DBPath        string
	FileStorePath string
	RedisURL      string

	QuestionsPath         string
	ExpectedQuestionCount int
	DefaultLanguage       domain.Language

	Analyzer         AnalyzerConfig
	AnalysisOfferTTL time.Duration

	RateLimitRequests int
	RateLimitWindow   time.Duration

	Transcript TranscriptConfig
	Snapshot   SnapshotConfig
}

// AnalyzerConfig selects and configures the analysis backend.
type AnalyzerConfig struct {
	Backend  string
	BaseURL  string
	APIKey   string
	Model    string
	GRPCAddr string
	Timeout  time.Duration
}

// TranscriptConfig controls NDJSON chat transcripts.
type TranscriptConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
	MaxSizeMB     int
	MaxBackups    int
	MaxAgeDays    int
}

// SnapshotConfig controls periodic state snapshots.
type SnapshotConfig struct {
	Enabled  bool
	Dir      string
	Interval time.Duration
	Keep     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("TRANSCRIPT_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	lang, ok := domain.ParseLanguage(getEnv("DEFAULT_LANGUAGE", string(domain.DefaultLanguage)))
	if !ok {
		return nil, fmt.Errorf("invalid configuration: DEFAULT_LANGUAGE must be ar or en")
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),

		StoreBackend:  strings.ToLower(getEnv("STORE_BACKEND", StoreSQLite)),
		DBPath:        getEnv("DB_PATH", "./data/traitlab.db"),
		FileStorePath: getEnv("FILE_STORE_PATH", "./data/state.json"),
		RedisURL:      getEnv("REDIS_URL", ""),

		QuestionsPath:         getEnv("QUESTIONS_PATH", "./data/questions.json"),
		ExpectedQuestionCount: getEnvInt("EXPECTED_QUESTION_COUNT", 360),
		DefaultLanguage:       lang,

		Analyzer: AnalyzerConfig{
			Backend:  strings.ToLower(getEnv("ANALYZER_BACKEND", AnalyzerNone)),
			BaseURL:  getEnv("ANALYZER_BASE_URL", ""),
			APIKey:   getEnv("ANALYZER_API_KEY", ""),
			Model:    getEnv("ANALYZER_MODEL", ""),
			GRPCAddr: getEnv("ANALYZER_GRPC_ADDR", ""),
			Timeout:  getEnvDuration("ANALYZER_TIMEOUT", 30*time.Second),
		},
		AnalysisOfferTTL: getEnvDuration("ANALYSIS_OFFER_TTL", 5*time.Minute),

		RateLimitRequests: getEnvInt("RATE_LIMIT_REQUESTS", 30),
		RateLimitWindow:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),

		Transcript: TranscriptConfig{
			Enabled:       getEnvBool("TRANSCRIPT_ENABLED", true),
			Dir:           getEnv("TRANSCRIPT_DIR", "./data/logs/transcripts"),
			GlobalEnabled: getEnvBool("TRANSCRIPT_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("TRANSCRIPT_GLOBAL_PATH", "./data/logs/transcripts/all.ndjson"),
			QueueSize:     queueSize,
			MaxSizeMB:     getEnvInt("TRANSCRIPT_MAX_SIZE_MB", 100),
			MaxBackups:    getEnvInt("TRANSCRIPT_MAX_BACKUPS", 5),
			MaxAgeDays:    getEnvInt("TRANSCRIPT_MAX_AGE_DAYS", 30),
		},
		Snapshot: SnapshotConfig{
			Enabled:  getEnvBool("SNAPSHOT_ENABLED", false),
			Dir:      getEnv("SNAPSHOT_DIR", "./data/snapshots"),
			Interval: getEnvDuration("SNAPSHOT_INTERVAL", 10*time.Minute),
			Keep:     getEnvInt("SNAPSHOT_KEEP", 6),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.QuestionsPath == "" {
		return fmt.Errorf("QUESTIONS_PATH cannot be empty")
	}
	if c.ExpectedQuestionCount <= 0 {
		return fmt.Errorf("EXPECTED_QUESTION_COUNT must be > 0")
	}

	switch c.StoreBackend {
	case StoreSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH cannot be empty")
		}
	case StoreFile:
		if c.FileStorePath == "" {
			return fmt.Errorf("FILE_STORE_PATH cannot be empty")
		}
	case StoreRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for the redis store")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}

	switch c.Analyzer.Backend {
	case AnalyzerNone:
	case AnalyzerHTTP:
		if c.Analyzer.BaseURL == "" || c.Analyzer.Model == "" {
			return fmt.Errorf("ANALYZER_BASE_URL and ANALYZER_MODEL are required for the http analyzer")
		}
	case AnalyzerGRPC:
		if c.Analyzer.GRPCAddr == "" {
			return fmt.Errorf("ANALYZER_GRPC_ADDR is required for the grpc analyzer")
		}
	default:
		return fmt.Errorf("unknown ANALYZER_BACKEND %q", c.Analyzer.Backend)
	}
	if c.Analyzer.Timeout <= 0 {
		return fmt.Errorf("ANALYZER_TIMEOUT must be > 0")
	}
	if c.AnalysisOfferTTL <= 0 {
		return fmt.Errorf("ANALYSIS_OFFER_TTL must be > 0")
	}

	if c.Transcript.Enabled {
		if c.Transcript.Dir == "" {
			return fmt.Errorf("TRANSCRIPT_DIR cannot be empty")
		}
		if c.Transcript.GlobalEnabled && c.Transcript.GlobalPath == "" {
			return fmt.Errorf("TRANSCRIPT_GLOBAL_PATH cannot be empty")
		}
	}
	if c.Snapshot.Enabled {
		if c.Snapshot.Dir == "" {
			return fmt.Errorf("SNAPSHOT_DIR cannot be empty")
		}
		if c.StoreBackend == StoreRedis {
			return fmt.Errorf("snapshots are not supported for the redis store")
		}
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if os.Getenv("CONTAINER") == "true" {
		return true
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
