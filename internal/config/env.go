package config

import (
	"os"
	"strconv"
	"time"
)

// FromEnv overlays LOOM_* environment variables onto cfg. Unset variables
// leave the loaded value alone; unparsable ones are ignored.
func FromEnv(cfg *Config) {
	setStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setDur := func(key string, dst *Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = Duration(d)
			}
		}
	}

	setStr("LOOM_HTTP_ADDR", &cfg.Server.HTTPAddr)
	setDur("LOOM_SHUTDOWN_GRACE", &cfg.Server.ShutdownGrace)

	setStr("LOOM_LOG_LEVEL", &cfg.Log.Level)
	setStr("LOOM_LOG_FORMAT", &cfg.Log.Format)

	setStr("LOOM_STORAGE_ADAPTER", &cfg.Storage.Adapter)
	setStr("LOOM_DATA_DIR", &cfg.Storage.DataDir)
	setStr("LOOM_FSYNC", &cfg.Storage.Fsync)
	setStr("LOOM_SQLITE_PATH", &cfg.Storage.SQLitePath)

	setStr("LOOM_BLOB_BACKEND", &cfg.Blob.Backend)
	setStr("LOOM_BLOB_DIR", &cfg.Blob.Dir)
	setStr("LOOM_BLOB_PUBLIC_URL", &cfg.Blob.PublicBaseURL)
	setStr("LOOM_MINIO_ENDPOINT", &cfg.Blob.Minio.Endpoint)
	setStr("LOOM_MINIO_ACCESS_KEY", &cfg.Blob.Minio.AccessKey)
	setStr("LOOM_MINIO_SECRET_KEY", &cfg.Blob.Minio.SecretKey)
	setStr("LOOM_MINIO_BUCKET", &cfg.Blob.Minio.Bucket)
	if v := os.Getenv("LOOM_MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Blob.Minio.UseSSL = b
		}
	}

	setDur("LOOM_QUEUE_LEASE", &cfg.Queue.LeaseDuration)
	setDur("LOOM_QUEUE_POLL", &cfg.Queue.PollInterval)
	setDur("LOOM_QUEUE_SWEEP", &cfg.Queue.SweepInterval)
	setInt("LOOM_QUEUE_MAX_ATTEMPTS", &cfg.Queue.MaxAttempts)
	setInt("LOOM_QUEUE_CONCURRENCY", &cfg.Queue.RunConcurrency)
	setDur("LOOM_QUEUE_BACKOFF_INITIAL", &cfg.Queue.BackoffInitial)
	setDur("LOOM_QUEUE_BACKOFF_MAX", &cfg.Queue.BackoffMax)

	setStr("LOOM_UPLOAD_SCRATCH_DIR", &cfg.Upload.ScratchDir)
	setInt("LOOM_UPLOAD_MAX_ATTEMPTS", &cfg.Upload.MaxAttempts)
	setInt("LOOM_UPLOAD_CONCURRENCY", &cfg.Upload.Concurrency)
	if v := os.Getenv("LOOM_UPLOAD_SPILL_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Upload.SpillThresholdBytes = n
		}
	}
}
