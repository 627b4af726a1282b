// Package common provides shared utilities for the invoice processing service.
package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for the invoice processing service.
type Config struct {
	Environment string          `toml:"environment"`
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Blob        BlobConfig      `toml:"blob"`
	Clients     ClientsConfig   `toml:"clients"`
	Logging     LoggingConfig   `toml:"logging"`
	Intake      IntakeConfig    `toml:"intake"`
	Lifecycle   LifecycleConfig `toml:"lifecycle"`
	RateLimit   RateLimitConfig `toml:"rate_limit"`
	Dispatch    DispatchConfig  `toml:"dispatch"`
	Retention   RetentionConfig `toml:"retention"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// StorageConfig holds the document-store connection used for jobs and rate-limit counters.
type StorageConfig struct {
	Address   string `toml:"address"`
	Namespace string `toml:"namespace"`
	Database  string `toml:"database"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
}

// BlobConfig holds object-store configuration for input PDFs and OCR intermediates.
type BlobConfig struct {
	Bucket         string `toml:"bucket"`
	Region         string `toml:"region"`
	Endpoint       string `toml:"endpoint"` // custom endpoint for S3-compatible stores (MinIO, R2)
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ClientsConfig holds external collaborator client configurations.
type ClientsConfig struct {
	OCR      OCRConfig         `toml:"ocr"`
	Gemini   GeminiConfig      `toml:"gemini"`
	Fallback FallbackLLMConfig `toml:"fallback_llm"`
}

// OCRConfig holds OCR provider configuration.
type OCRConfig struct {
	BaseURL       string   `toml:"base_url"`
	APIKey        string   `toml:"api_key"`
	Timeout       string   `toml:"timeout"`
	RateLimit     int      `toml:"rate_limit"`
	SyncMaxPages  int      `toml:"sync_max_pages"`
	RegionalHints []string `toml:"regional_hints"`
}

// GetTimeout parses and returns the per-call timeout duration.
func (c *OCRConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GeminiConfig holds the primary LLM provider configuration.
type GeminiConfig struct {
	APIKey        string `toml:"api_key"`
	Model         string `toml:"model"`
	PromptVersion string `toml:"prompt_version"`
	Timeout       string `toml:"timeout"`
}

// GetTimeout parses and returns the per-call timeout duration.
func (c *GeminiConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// FallbackLLMConfig holds the secondary LLM provider configuration.
type FallbackLLMConfig struct {
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
	Model   string `toml:"model"`
	Timeout string `toml:"timeout"`
}

// GetTimeout parses and returns the per-call timeout duration.
func (c *FallbackLLMConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string   `toml:"level"`
	Format     string   `toml:"format"`
	Outputs    []string `toml:"outputs"`
	FilePath   string   `toml:"file_path"`
	MaxSizeMB  int      `toml:"max_size_mb"`
	MaxBackups int      `toml:"max_backups"`
}

// IntakeConfig holds upload validation limits.
type IntakeConfig struct {
	MaxFiles      int      `toml:"max_files"`
	MaxSizeMB     int      `toml:"max_size_mb"`
	MaxPages      int      `toml:"max_pages"`
	AcceptedMime  []string `toml:"accepted_mime"`
	PartialAccept bool     `toml:"partial_accept"`
}

// MaxSizeBytes returns the maximum accepted file size in bytes.
func (c *IntakeConfig) MaxSizeBytes() int64 {
	return int64(c.MaxSizeMB) * 1024 * 1024
}

// LifecycleConfig holds job-engine tuning.
type LifecycleConfig struct {
	PreprocessMaxChars     int     `toml:"preprocess_max_chars"`
	ZoneStripTop           int     `toml:"zone_strip_top"`
	ZoneStripBottom        int     `toml:"zone_strip_bottom"`
	HeartbeatInterval      string  `toml:"heartbeat_interval"`
	StaleLockMultiplier    int     `toml:"stale_lock_multiplier"` // stale threshold = max(10m, multiplier*heartbeatInterval)
	StageTimeout           string  `toml:"stage_timeout"`
	AttemptBudget          string  `toml:"attempt_budget"`
	MaxManualRetries       int     `toml:"max_manual_retries"`
	LowConfidenceThreshold float64 `toml:"low_confidence_threshold"`
	EnableAttemptHistory   bool    `toml:"enable_attempt_history"`
}

// GetHeartbeatInterval parses and returns the heartbeat interval.
func (c *LifecycleConfig) GetHeartbeatInterval() time.Duration {
	d, err := time.ParseDuration(c.HeartbeatInterval)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetStageTimeout parses and returns the soft per-stage timeout.
func (c *LifecycleConfig) GetStageTimeout() time.Duration {
	d, err := time.ParseDuration(c.StageTimeout)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// GetAttemptBudget parses and returns the global per-attempt budget.
func (c *LifecycleConfig) GetAttemptBudget() time.Duration {
	d, err := time.ParseDuration(c.AttemptBudget)
	if err != nil {
		return 900 * time.Second
	}
	return d
}

// StaleThreshold returns max(10m, multiplier*heartbeatInterval).
func (c *LifecycleConfig) StaleThreshold() time.Duration {
	floor := 10 * time.Minute
	mult := time.Duration(c.StaleLockMultiplier) * c.GetHeartbeatInterval()
	if mult > floor {
		return mult
	}
	return floor
}

// RateLimitConfig holds token-bucket and daily-cap configuration.
type RateLimitConfig struct {
	CreateJobsRate     float64 `toml:"create_jobs_rate"`
	CreateJobsBurst    float64 `toml:"create_jobs_burst"`
	UploadFileRate     float64 `toml:"upload_file_rate"`
	UploadFileBurst    float64 `toml:"upload_file_burst"`
	RetryRate          float64 `toml:"retry_rate"`
	RetryBurst         float64 `toml:"retry_burst"`
	DailyPerSession    int     `toml:"daily_per_session"`
	DailyGlobal        int     `toml:"daily_global"`
	ConflictMaxRetries int     `toml:"conflict_max_retries"`
	PerIPEnabled       bool    `toml:"per_ip_enabled"`
	PerIPRate          float64 `toml:"per_ip_rate"`
	PerIPBurst         float64 `toml:"per_ip_burst"`
}

// DispatchConfig holds task-dispatcher configuration.
type DispatchConfig struct {
	EmulationEnabled        bool   `toml:"emulation_enabled"`
	TaskQueueTargetURL      string `toml:"task_queue_target_url"`
	TaskQueueServiceAccount string `toml:"task_queue_service_account"`
	OIDCSigningSecret       string `toml:"oidc_signing_secret"` // dev fallback HMAC secret when no real service-account key is configured
	WorkerCallbackURL       string `toml:"worker_callback_url"` // this service's own /api/tasks/process URL; the expected OIDC "aud" on inbound worker callbacks
	MaxAttempts             int    `toml:"max_attempts"`
	MinBackoff              string `toml:"min_backoff"`
	MaxBackoff              string `toml:"max_backoff"`
}

// GetMinBackoff parses and returns the queue's minimum redelivery backoff.
func (c *DispatchConfig) GetMinBackoff() time.Duration {
	d, err := time.ParseDuration(c.MinBackoff)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetMaxBackoff parses and returns the queue's maximum redelivery backoff.
func (c *DispatchConfig) GetMaxBackoff() time.Duration {
	d, err := time.ParseDuration(c.MaxBackoff)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// RetentionConfig holds session-retention sweeper configuration.
type RetentionConfig struct {
	Hours           int  `toml:"hours"`
	LoopIntervalMin int  `toml:"loop_interval_min"`
	LoopEnable      bool `toml:"loop_enable"`
	BatchSize       int  `toml:"batch_size"`
}

// NewDefaultConfig returns a Config with sensible defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Storage: StorageConfig{
			Address:   "ws://localhost:8000/rpc",
			Namespace: "invoicer",
			Database:  "invoicer",
			Username:  "root",
			Password:  "root",
		},
		Blob: BlobConfig{
			Bucket: "invoicer-blobs",
			Region: "us-east-1",
		},
		Clients: ClientsConfig{
			OCR: OCRConfig{
				Timeout:      "60s",
				RateLimit:    5,
				SyncMaxPages: 2,
			},
			Gemini: GeminiConfig{
				Model:         "gemini-3-flash-preview",
				PromptVersion: "v1",
				Timeout:       "45s",
			},
			Fallback: FallbackLLMConfig{
				Model:   "claude-3-5-sonnet",
				Timeout: "45s",
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Outputs:    []string{"console", "file"},
			FilePath:   "./logs/invoicer.log",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
		Intake: IntakeConfig{
			MaxFiles:     10,
			MaxSizeMB:    20,
			MaxPages:     50,
			AcceptedMime: []string{"application/pdf"},
		},
		Lifecycle: LifecycleConfig{
			PreprocessMaxChars:     50000,
			ZoneStripTop:           0,
			ZoneStripBottom:        0,
			HeartbeatInterval:      "30s",
			StaleLockMultiplier:    3,
			StageTimeout:           "5m",
			AttemptBudget:          "900s",
			MaxManualRetries:       3,
			LowConfidenceThreshold: 0.5,
		},
		RateLimit: RateLimitConfig{
			CreateJobsRate:     1,
			CreateJobsBurst:    5,
			UploadFileRate:     2,
			UploadFileBurst:    10,
			RetryRate:          0.2,
			RetryBurst:         3,
			DailyPerSession:    50,
			DailyGlobal:        5000,
			ConflictMaxRetries: 3,
			PerIPEnabled:       false,
			PerIPRate:          5,
			PerIPBurst:         20,
		},
		Dispatch: DispatchConfig{
			EmulationEnabled:  true,
			OIDCSigningSecret: "dev-oidc-secret-change-in-production",
			WorkerCallbackURL: "http://localhost:8080/api/tasks/process",
			MaxAttempts:       5,
			MinBackoff:        "30s",
			MaxBackoff:        "5m",
		},
		Retention: RetentionConfig{
			Hours:           720,
			LoopIntervalMin: 60,
			LoopEnable:      true,
			BatchSize:       200,
		},
	}
}

// LoadConfig loads configuration from files with environment overrides.
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	// Load and merge each config file in order (later files override earlier)
	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue // Skip missing files
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)
	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("INVOICER_ENV"); env != "" {
		config.Environment = env
	}
	if host := os.Getenv("INVOICER_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("INVOICER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if level := os.Getenv("INVOICER_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if v := os.Getenv("INVOICER_STORAGE_ADDRESS"); v != "" {
		config.Storage.Address = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		config.Clients.Gemini.APIKey = v
	}
	if v := os.Getenv("OCR_API_KEY"); v != "" {
		config.Clients.OCR.APIKey = v
	}
	if v := os.Getenv("FALLBACK_LLM_API_KEY"); v != "" {
		config.Clients.Fallback.APIKey = v
	}
	if v := os.Getenv("INVOICER_BLOB_BUCKET"); v != "" {
		config.Blob.Bucket = v
	}
	if v := os.Getenv("INVOICER_EMULATION_ENABLED"); v != "" {
		config.Dispatch.EmulationEnabled = strings.EqualFold(v, "true")
	}
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// ResolveAPIKey resolves an API key from environment with a config fallback.
func ResolveAPIKey(envVar, fallback string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return fallback
}

// ResolveLogFilePath resolves a relative log path against the binary directory.
func ResolveLogFilePath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	exe, err := os.Executable()
	if err != nil {
		return path
	}
	return filepath.Join(filepath.Dir(exe), path)
}
