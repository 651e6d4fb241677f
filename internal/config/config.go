package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/twinstack/loom/internal/errdefs"
)

// Config is the top-level runtime configuration, loaded from file and
// overlaid with LOOM_* environment variables.
type Config struct {
	Server  ServerConfig  `json:"server" yaml:"server"`
	Log     LogConfig     `json:"log" yaml:"log"`
	Storage StorageConfig `json:"storage" yaml:"storage"`
	Blob    BlobConfig    `json:"blob" yaml:"blob"`
	Queue   QueueConfig   `json:"queue" yaml:"queue"`
	Upload  UploadConfig  `json:"upload" yaml:"upload"`
}

// ServerConfig covers the HTTP surface and process shutdown.
type ServerConfig struct {
	HTTPAddr string `json:"httpAddr" yaml:"httpAddr"`
	// ShutdownGrace bounds how long in-flight work may finish on shutdown
	// before it is force-failed.
	ShutdownGrace Duration `json:"shutdownGrace" yaml:"shutdownGrace"`
}

// LogConfig selects log verbosity and encoding.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug|info|warn|error
	Format string `json:"format" yaml:"format"` // text|json
}

// StorageConfig selects the record adapter and its location.
type StorageConfig struct {
	// Adapter is "pebble" (embedded, default) or "sqlite".
	Adapter string `json:"adapter" yaml:"adapter"`
	// DataDir holds the Pebble database and, by default, blobs and scratch.
	DataDir string `json:"dataDir" yaml:"dataDir"`
	// Fsync is "always", "interval" or "never".
	Fsync string `json:"fsync" yaml:"fsync"`
	// SQLitePath is the database file when Adapter is "sqlite".
	SQLitePath string `json:"sqlitePath" yaml:"sqlitePath"`
}

// BlobConfig selects the blob store backend.
type BlobConfig struct {
	// Backend is "fs" (default) or "minio".
	Backend string `json:"backend" yaml:"backend"`
	// Dir is the filesystem store root; defaults under DataDir.
	Dir string `json:"dir" yaml:"dir"`
	// PublicBaseURL prefixes public blob URLs.
	PublicBaseURL string      `json:"publicBaseUrl" yaml:"publicBaseUrl"`
	Minio         MinioConfig `json:"minio" yaml:"minio"`
}

// MinioConfig holds object-store credentials for the minio backend.
type MinioConfig struct {
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	AccessKey string `json:"accessKey" yaml:"accessKey"`
	SecretKey string `json:"secretKey" yaml:"secretKey"`
	Bucket    string `json:"bucket" yaml:"bucket"`
	UseSSL    bool   `json:"useSSL" yaml:"useSSL"`
}

// QueueConfig tunes the job queue workers.
type QueueConfig struct {
	LeaseDuration  Duration `json:"leaseDuration" yaml:"leaseDuration"`
	PollInterval   Duration `json:"pollInterval" yaml:"pollInterval"`
	SweepInterval  Duration `json:"sweepInterval" yaml:"sweepInterval"`
	MaxAttempts    int      `json:"maxAttempts" yaml:"maxAttempts"`
	RunConcurrency int      `json:"runConcurrency" yaml:"runConcurrency"`
	BackoffInitial Duration `json:"backoffInitial" yaml:"backoffInitial"`
	BackoffMax     Duration `json:"backoffMax" yaml:"backoffMax"`
}

// UploadConfig tunes the upload processor.
type UploadConfig struct {
	ScratchDir          string `json:"scratchDir" yaml:"scratchDir"`
	SpillThresholdBytes int64  `json:"spillThresholdBytes" yaml:"spillThresholdBytes"`
	MaxAttempts         int    `json:"maxAttempts" yaml:"maxAttempts"`
	Concurrency         int    `json:"concurrency" yaml:"concurrency"`
}

// Default returns built-in defaults. Paths left empty here are derived from
// Storage.DataDir by Normalize.
func Default() Config {
	return Config{
		Server: ServerConfig{
			HTTPAddr:      ":8080",
			ShutdownGrace: Seconds(30),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Adapter: "pebble",
			DataDir: DefaultDataDir(),
			Fsync:   "interval",
		},
		Blob: BlobConfig{
			Backend: "fs",
		},
		Queue: QueueConfig{
			LeaseDuration:  Minutes(1),
			PollInterval:   Millis(100),
			SweepInterval:  Seconds(5),
			MaxAttempts:    3,
			RunConcurrency: 4,
			BackoffInitial: Seconds(1),
			BackoffMax:     Minutes(2),
		},
		Upload: UploadConfig{
			SpillThresholdBytes: 8 << 20,
			MaxAttempts:         3,
			Concurrency:         2,
		},
	}
}

// Load reads configuration from a JSON or YAML file (by extension) on top of
// the defaults. An empty path returns defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, &errdefs.ConfigurationError{Msg: "reading config file " + path, Cause: err}
	}
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	default:
		err = json.Unmarshal(b, &cfg)
	}
	if err != nil {
		return Config{}, &errdefs.ConfigurationError{Msg: "parsing config file " + path, Cause: err}
	}
	cfg.Normalize()
	return cfg, nil
}

// Normalize derives dependent defaults and validates enum fields.
func (c *Config) Normalize() {
	if c.Blob.Dir == "" {
		c.Blob.Dir = filepath.Join(c.Storage.DataDir, "blobs")
	}
	if c.Upload.ScratchDir == "" {
		c.Upload.ScratchDir = filepath.Join(c.Storage.DataDir, "scratch")
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = filepath.Join(c.Storage.DataDir, "records.db")
	}
}

// Validate rejects values that cannot be mapped onto runtime options.
func (c *Config) Validate() error {
	switch c.Storage.Adapter {
	case "", "pebble", "sqlite":
	default:
		return errdefs.Configuration("unknown storage adapter %q", c.Storage.Adapter)
	}
	switch c.Storage.Fsync {
	case "", "always", "interval", "never":
	default:
		return errdefs.Configuration("unknown fsync mode %q", c.Storage.Fsync)
	}
	switch c.Blob.Backend {
	case "", "fs", "minio":
	default:
		return errdefs.Configuration("unknown blob backend %q", c.Blob.Backend)
	}
	if c.Blob.Backend == "minio" {
		if c.Blob.Minio.Endpoint == "" || c.Blob.Minio.Bucket == "" {
			return errdefs.Configuration("minio backend requires endpoint and bucket")
		}
	}
	if c.Queue.MaxAttempts < 1 {
		return errdefs.Configuration("queue maxAttempts must be at least 1, got %d", c.Queue.MaxAttempts)
	}
	return nil
}

// String renders the config as JSON with secrets elided, for startup logs.
func (c Config) String() string {
	masked := c
	if masked.Blob.Minio.SecretKey != "" {
		masked.Blob.Minio.SecretKey = "***"
	}
	b, err := json.Marshal(masked)
	if err != nil {
		return fmt.Sprintf("%+v", masked)
	}
	return string(b)
}
