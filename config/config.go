package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/INLOpen/nexusdoc/core"
	"gopkg.in/yaml.v3"
)

// NodeConfig identifies this node and where it keeps its data.
type NodeConfig struct {
	ID      string `yaml:"id"`
	DataDir string `yaml:"data_dir"`
}

// WALConfig holds Write-Ahead Log specific configurations.
type WALConfig struct {
	BatchMaxRecords     int   `yaml:"batch_max_records"`
	BatchMaxBytes       int   `yaml:"batch_max_bytes"`
	MaxSegmentSizeBytes int64 `yaml:"max_segment_size_bytes"`
	MaxRecordBytes      int   `yaml:"max_record_bytes"`
}

// CheckpointConfig holds checkpoint writer configurations.
type CheckpointConfig struct {
	PartMaxBytes int    `yaml:"part_max_bytes"`
	Parallelism  int    `yaml:"parallelism"`
	Compression  string `yaml:"compression"` // none, snappy, lz4 or zstd
}

// PromotionConfig bounds how old the evidence behind a promotion may be.
type PromotionConfig struct {
	TokenTTL                string `yaml:"token_ttl"`
	MaxStatusAge            string `yaml:"max_status_age"`
	MaxReplicationStaleness string `yaml:"max_replication_staleness"`
	AuditLog                string `yaml:"audit_log"`
}

// LockConfig controls how long Start waits for the data directory lock.
type LockConfig struct {
	Retries       int    `yaml:"retries"`
	RetryInterval string `yaml:"retry_interval"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// Config is the top-level configuration struct.
type Config struct {
	Node       NodeConfig       `yaml:"node"`
	WAL        WALConfig        `yaml:"wal"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Promotion  PromotionConfig  `yaml:"promotion"`
	Lock       LockConfig       `yaml:"lock"`
	Logging    LoggingConfig    `yaml:"logging"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

func defaults() *Config {
	return &Config{
		Node: NodeConfig{
			DataDir: "./data",
		},
		WAL: WALConfig{
			BatchMaxRecords:     64,
			BatchMaxBytes:       1024 * 1024,      // 1 MiB
			MaxSegmentSizeBytes: 64 * 1024 * 1024, // 64 MiB
			MaxRecordBytes:      16 * 1024 * 1024, // 16 MiB
		},
		Checkpoint: CheckpointConfig{
			PartMaxBytes: 8 * 1024 * 1024, // 8 MiB
			Parallelism:  4,
			Compression:  "snappy",
		},
		Promotion: PromotionConfig{
			TokenTTL:                "30s",
			MaxStatusAge:            "5s",
			MaxReplicationStaleness: "10s",
			AuditLog:                "promotion-audit.log",
		},
		Lock: LockConfig{
			Retries:       10,
			RetryInterval: "100ms",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "nexusdoc.log",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
	}
}

// Load reads configuration from an io.Reader.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	cfg := defaults()

	// If the reader is nil, it's like an empty file, return defaults.
	if r == nil {
		return cfg, nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	// Unmarshal YAML into the config struct, overwriting defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}

// Validate checks the values Load cannot default away.
func (c *Config) Validate() error {
	if c.Node.DataDir == "" {
		return fmt.Errorf("node.data_dir must be set")
	}
	if c.WAL.BatchMaxRecords < 1 {
		return fmt.Errorf("wal.batch_max_records must be at least 1, got %d", c.WAL.BatchMaxRecords)
	}
	if c.WAL.BatchMaxBytes < 0 || c.WAL.MaxRecordBytes < 0 || c.WAL.MaxSegmentSizeBytes < 0 {
		return fmt.Errorf("wal sizes must not be negative")
	}
	if c.WAL.MaxRecordBytes > 0 && c.WAL.MaxSegmentSizeBytes > 0 && int64(c.WAL.MaxRecordBytes) > c.WAL.MaxSegmentSizeBytes {
		return fmt.Errorf("wal.max_record_bytes (%d) exceeds wal.max_segment_size_bytes (%d)",
			c.WAL.MaxRecordBytes, c.WAL.MaxSegmentSizeBytes)
	}
	if c.Checkpoint.PartMaxBytes < 0 || c.Checkpoint.Parallelism < 0 {
		return fmt.Errorf("checkpoint sizes must not be negative")
	}
	if _, err := c.CompressionType(); err != nil {
		return err
	}
	if c.Lock.Retries < 0 {
		return fmt.Errorf("lock.retries must not be negative")
	}
	for name, v := range map[string]string{
		"promotion.token_ttl":                 c.Promotion.TokenTTL,
		"promotion.max_status_age":            c.Promotion.MaxStatusAge,
		"promotion.max_replication_staleness": c.Promotion.MaxReplicationStaleness,
		"lock.retry_interval":                 c.Lock.RetryInterval,
	} {
		if v == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		} else if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, v)
		}
	}
	switch c.Tracing.Protocol {
	case "", "grpc", "http":
	default:
		return fmt.Errorf("tracing.protocol must be grpc or http, got %q", c.Tracing.Protocol)
	}
	return nil
}

// CompressionType resolves checkpoint.compression.
func (c *Config) CompressionType() (core.CompressionType, error) {
	if c.Checkpoint.Compression == "" {
		return core.CompressionNone, nil
	}
	ct, err := core.ParseCompressionType(c.Checkpoint.Compression)
	if err != nil {
		return 0, fmt.Errorf("checkpoint.compression: %w", err)
	}
	return ct, nil
}
