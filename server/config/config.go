package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Detector DetectorConfig `json:"detector" yaml:"detector"`
	Pipeline PipelineConfig `json:"pipeline" yaml:"pipeline"`
	Cache    CacheConfig    `json:"cache" yaml:"cache"`
	Export   ExportConfig   `json:"export" yaml:"export"`
	Security SecurityConfig `json:"security" yaml:"security"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
}

type ServerConfig struct {
	Host            string        `json:"host" yaml:"host"`
	Port            int           `json:"port" yaml:"port"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	Environment     string        `json:"environment" yaml:"environment"`
}

type DetectorConfig struct {
	BaseURL             string        `json:"base_url" yaml:"base_url"`
	Timeout             time.Duration `json:"timeout" yaml:"timeout"`
	MaxRetries          int           `json:"max_retries" yaml:"max_retries"`
	RetryDelay          time.Duration `json:"retry_delay" yaml:"retry_delay"`
	HealthCheckInterval time.Duration `json:"health_check_interval" yaml:"health_check_interval"`
	InputSize           int           `json:"input_size" yaml:"input_size"`
	JPEGQuality         int           `json:"jpeg_quality" yaml:"jpeg_quality"`
}

type PipelineConfig struct {
	ConfidenceThreshold float64 `json:"confidence_threshold" yaml:"confidence_threshold"`
	MaxMissedFrames     int     `json:"max_missed_frames" yaml:"max_missed_frames"`
	// PoolSize 0 sizes the detector pool from the CPU count.
	PoolSize          int     `json:"pool_size" yaml:"pool_size"`
	DirectionDeadband float64 `json:"direction_deadband" yaml:"direction_deadband"`
	EventBuffer       int     `json:"event_buffer" yaml:"event_buffer"`
	RetainFrames      bool    `json:"retain_frames" yaml:"retain_frames"`
	// StreamRetainLimit bounds retained live frames; negative keeps none.
	StreamRetainLimit int `json:"stream_retain_limit" yaml:"stream_retain_limit"`
}

type CacheConfig struct {
	// MaxEntries 0 disables the detection cache.
	MaxEntries int           `json:"max_entries" yaml:"max_entries"`
	TTL        time.Duration `json:"ttl" yaml:"ttl"`
}

type ExportConfig struct {
	ExportDir     string `json:"export_dir" yaml:"export_dir"`
	AnnotationDir string `json:"annotation_dir" yaml:"annotation_dir"`
	// BatchRoot confines server-side batch directories to this tree.
	BatchRoot string `json:"batch_root" yaml:"batch_root"`
}

type SecurityConfig struct {
	AllowedOrigins []string      `json:"allowed_origins" yaml:"allowed_origins"`
	RateLimitRPS   int           `json:"rate_limit_rps" yaml:"rate_limit_rps"`
	RateLimitBurst int           `json:"rate_limit_burst" yaml:"rate_limit_burst"`
	MaxRequestSize int64         `json:"max_request_size" yaml:"max_request_size"`
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`
	EnableHTTPS    bool          `json:"enable_https" yaml:"enable_https"`
	CertFile       string        `json:"cert_file" yaml:"cert_file"`
	KeyFile        string        `json:"key_file" yaml:"key_file"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			Environment:     "development",
		},
		Detector: DetectorConfig{
			BaseURL:             "http://localhost:5000",
			Timeout:             30 * time.Second,
			MaxRetries:          3,
			RetryDelay:          1 * time.Second,
			HealthCheckInterval: 30 * time.Second,
			InputSize:           640,
			JPEGQuality:         90,
		},
		Pipeline: PipelineConfig{
			ConfidenceThreshold: 0.6,
			MaxMissedFrames:     10,
			PoolSize:            0,
			DirectionDeadband:   0.001,
			EventBuffer:         64,
			RetainFrames:        true,
			StreamRetainLimit:   300,
		},
		Cache: CacheConfig{
			MaxEntries: 1000,
			TTL:        5 * time.Minute,
		},
		Export: ExportConfig{
			ExportDir:     "./exports",
			AnnotationDir: "./annotations",
			BatchRoot:     "./frames",
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"*"},
			RateLimitRPS:   100,
			RateLimitBurst: 200,
			MaxRequestSize: 10 * 1024 * 1024, // 10MB
			RequestTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig builds the configuration from defaults, then the YAML file
// named by CONFIG_FILE if set, then environment variables.
func LoadConfig() (*Config, error) {
	config := defaultConfig()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := config.loadFile(path); err != nil {
			return nil, err
		}
	}

	config.applyEnv()
	return config, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server.Host = getEnv("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsInt("SERVER_PORT", c.Server.Port)
	c.Server.ReadTimeout = getEnvAsDuration("SERVER_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getEnvAsDuration("SERVER_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.IdleTimeout = getEnvAsDuration("SERVER_IDLE_TIMEOUT", c.Server.IdleTimeout)
	c.Server.ShutdownTimeout = getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)
	c.Server.Environment = getEnv("ENVIRONMENT", c.Server.Environment)

	c.Detector.BaseURL = getEnv("DETECTOR_BASE_URL", c.Detector.BaseURL)
	c.Detector.Timeout = getEnvAsDuration("DETECTOR_TIMEOUT", c.Detector.Timeout)
	c.Detector.MaxRetries = getEnvAsInt("DETECTOR_MAX_RETRIES", c.Detector.MaxRetries)
	c.Detector.RetryDelay = getEnvAsDuration("DETECTOR_RETRY_DELAY", c.Detector.RetryDelay)
	c.Detector.HealthCheckInterval = getEnvAsDuration("DETECTOR_HEALTH_CHECK_INTERVAL", c.Detector.HealthCheckInterval)
	c.Detector.InputSize = getEnvAsInt("DETECTOR_INPUT_SIZE", c.Detector.InputSize)
	c.Detector.JPEGQuality = getEnvAsInt("DETECTOR_JPEG_QUALITY", c.Detector.JPEGQuality)

	c.Pipeline.ConfidenceThreshold = getEnvAsFloat("CONFIDENCE_THRESHOLD", c.Pipeline.ConfidenceThreshold)
	c.Pipeline.MaxMissedFrames = getEnvAsInt("MAX_MISSED_FRAMES", c.Pipeline.MaxMissedFrames)
	c.Pipeline.PoolSize = getEnvAsInt("POOL_SIZE", c.Pipeline.PoolSize)
	c.Pipeline.DirectionDeadband = getEnvAsFloat("DIRECTION_DEADBAND", c.Pipeline.DirectionDeadband)
	c.Pipeline.EventBuffer = getEnvAsInt("EVENT_BUFFER", c.Pipeline.EventBuffer)
	c.Pipeline.RetainFrames = getEnvAsBool("RETAIN_FRAMES", c.Pipeline.RetainFrames)
	c.Pipeline.StreamRetainLimit = getEnvAsInt("STREAM_RETAIN_FRAMES", c.Pipeline.StreamRetainLimit)

	c.Cache.MaxEntries = getEnvAsInt("DETECTION_CACHE_SIZE", c.Cache.MaxEntries)
	c.Cache.TTL = getEnvAsDuration("DETECTION_CACHE_TTL", c.Cache.TTL)

	c.Export.ExportDir = getEnv("EXPORT_DIR", c.Export.ExportDir)
	c.Export.AnnotationDir = getEnv("ANNOTATION_DIR", c.Export.AnnotationDir)
	c.Export.BatchRoot = getEnv("BATCH_ROOT", c.Export.BatchRoot)

	c.Security.AllowedOrigins = getEnvAsStringSlice("ALLOWED_ORIGINS", c.Security.AllowedOrigins)
	c.Security.RateLimitRPS = getEnvAsInt("RATE_LIMIT_RPS", c.Security.RateLimitRPS)
	c.Security.RateLimitBurst = getEnvAsInt("RATE_LIMIT_BURST", c.Security.RateLimitBurst)
	c.Security.MaxRequestSize = getEnvAsInt64("MAX_REQUEST_SIZE", c.Security.MaxRequestSize)
	c.Security.RequestTimeout = getEnvAsDuration("REQUEST_TIMEOUT", c.Security.RequestTimeout)
	c.Security.EnableHTTPS = getEnvAsBool("ENABLE_HTTPS", c.Security.EnableHTTPS)
	c.Security.CertFile = getEnv("CERT_FILE", c.Security.CertFile)
	c.Security.KeyFile = getEnv("KEY_FILE", c.Security.KeyFile)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)
}

func (c *Config) ValidateConfig(logger *zap.Logger) error {
	var errors []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errors = append(errors, "server port must be between 1 and 65535")
	}

	if c.Detector.BaseURL == "" {
		errors = append(errors, "detector base URL is required")
	}

	if c.Detector.MaxRetries < 0 {
		errors = append(errors, "detector max retries must not be negative")
	}

	if c.Detector.InputSize < 0 {
		errors = append(errors, "detector input size must not be negative")
	}

	if c.Pipeline.ConfidenceThreshold < 0 || c.Pipeline.ConfidenceThreshold > 1 {
		errors = append(errors, "confidence threshold must be between 0 and 1")
	}

	if c.Pipeline.MaxMissedFrames < 0 {
		errors = append(errors, "max missed frames must not be negative")
	}

	if c.Pipeline.PoolSize < 0 {
		errors = append(errors, "pool size must not be negative")
	} else if c.Pipeline.PoolSize > 4 {
		logger.Warn("Pool size above 4 will be clamped", zap.Int("pool_size", c.Pipeline.PoolSize))
	}

	if c.Pipeline.DirectionDeadband < 0 {
		errors = append(errors, "direction deadband must not be negative")
	}

	if c.Cache.MaxEntries < 0 {
		errors = append(errors, "detection cache size must not be negative")
	}

	if c.Export.ExportDir == "" {
		errors = append(errors, "export directory is required")
	}

	if c.Export.AnnotationDir == "" {
		errors = append(errors, "annotation directory is required")
	}

	if c.Security.MaxRequestSize <= 0 {
		errors = append(errors, "max request size must be positive")
	}

	if c.Security.EnableHTTPS && (c.Security.CertFile == "" || c.Security.KeyFile == "") {
		errors = append(errors, "HTTPS requires both a certificate and a key file")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, ", "))
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}
