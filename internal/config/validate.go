package config

import (
	"errors"
	"fmt"
	"strings"

	"vodforge/internal/models"
)

func (c *Config) normalize() {
	lower := func(s *string) { *s = strings.ToLower(strings.TrimSpace(*s)) }
	lower(&c.Logging.Level)
	lower(&c.Logging.Format)
	lower(&c.Registry.Backend)
	lower(&c.Queue.Backend)
	lower(&c.Storage.Backend)
	lower(&c.HLS.ManifestOrder)

	c.Registry.DSN = strings.TrimSpace(c.Registry.DSN)
	c.Storage.Bucket = strings.TrimSpace(c.Storage.Bucket)
	c.Storage.Endpoint = strings.TrimSpace(c.Storage.Endpoint)
	c.Workspace.Root = strings.TrimSpace(c.Workspace.Root)
	c.Sweep.Schedule = strings.TrimSpace(c.Sweep.Schedule)
	c.Tracing.Endpoint = strings.TrimSpace(c.Tracing.Endpoint)
	c.Tracing.ServiceName = strings.TrimSpace(c.Tracing.ServiceName)
	for i := range c.HLS.Ladder {
		c.HLS.Ladder[i].Label = strings.TrimSpace(c.HLS.Ladder[i].Label)
	}
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	validators := []func() error{
		c.validateLogging,
		c.validateHLS,
		c.validateRegistry,
		c.validateQueue,
		c.validateStorage,
		c.validateDispatch,
		c.validateTranscode,
		c.validateSweep,
		c.validateTracing,
	}
	for _, validate := range validators {
		if err := validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "", "json", "text", "auto":
	default:
		return fmt.Errorf("logging.format must be json, text, or auto, got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "warning", "error":
		return nil
	default:
		return fmt.Errorf("logging.level %q is not recognised", c.Logging.Level)
	}
}

func (c *Config) validateHLS() error {
	if c.HLS.ManifestOrder == "" {
		return errors.New("hls.manifest_order must be set to ascending or descending")
	}
	if _, err := c.ManifestOrder(); err != nil {
		return fmt.Errorf("hls.manifest_order: %w", err)
	}
	if ladder := c.QualityLadder(); ladder != nil {
		if err := models.ValidateLadder(ladder); err != nil {
			return fmt.Errorf("hls.ladder: %w", err)
		}
	}
	return nil
}

func (c *Config) validateRegistry() error {
	switch c.Registry.Backend {
	case BackendMemory:
		return nil
	case BackendPostgres:
		if c.Registry.DSN == "" {
			return errors.New("registry.dsn is required for the postgres backend (or set VODFORGE_DATABASE_URL)")
		}
		return nil
	default:
		return fmt.Errorf("registry.backend must be postgres or memory, got %q", c.Registry.Backend)
	}
}

func (c *Config) validateQueue() error {
	switch c.Queue.Backend {
	case BackendMemory:
	case BackendRedis:
		if strings.TrimSpace(c.Queue.Redis.Addr) == "" && len(c.Queue.Redis.Addrs) == 0 {
			return errors.New("queue.redis.addr or queue.redis.addrs is required for the redis backend")
		}
	case BackendSQLite:
		if strings.TrimSpace(c.Queue.SQLite.Path) == "" {
			return errors.New("queue.sqlite.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("queue.backend must be redis, sqlite, or memory, got %q", c.Queue.Backend)
	}
	if c.Queue.Visibility.Std() <= c.Dispatch.JobTimeout.Std() {
		return fmt.Errorf("queue.visibility (%s) must exceed dispatch.job_timeout (%s)", c.Queue.Visibility, c.Dispatch.JobTimeout)
	}
	return nil
}

func (c *Config) validateStorage() error {
	if c.Storage.Breaker.Failures < 0 {
		return errors.New("storage.breaker.failures must not be negative")
	}
	switch c.Storage.Backend {
	case BackendMemory:
		return nil
	case BackendS3:
		if c.Storage.Bucket == "" {
			return errors.New("storage.bucket is required for the s3 backend")
		}
		if (c.Storage.AccessKey == "") != (c.Storage.SecretKey == "") {
			return errors.New("storage.access_key and storage.secret_key must be set together")
		}
		return nil
	default:
		return fmt.Errorf("storage.backend must be s3 or memory, got %q", c.Storage.Backend)
	}
}

func (c *Config) validateDispatch() error {
	if c.Dispatch.Workers < 1 {
		return errors.New("dispatch.workers must be at least 1")
	}
	if c.Dispatch.MaxAttempts < 1 {
		return errors.New("dispatch.max_attempts must be at least 1")
	}
	if c.Dispatch.JobTimeout <= 0 {
		return errors.New("dispatch.job_timeout must be positive")
	}
	if c.Dispatch.BackoffBase <= 0 {
		return errors.New("dispatch.backoff_base must be positive")
	}
	if c.Dispatch.LeaseTTL != 0 && c.Dispatch.LeaseTTL.Std() <= c.Dispatch.JobTimeout.Std() {
		return fmt.Errorf("dispatch.lease_ttl (%s) must exceed dispatch.job_timeout (%s)", c.Dispatch.LeaseTTL, c.Dispatch.JobTimeout)
	}
	if c.Workspace.Root == "" {
		return errors.New("workspace.root must be set")
	}
	return nil
}

func (c *Config) validateTranscode() error {
	if c.Transcode.Parallelism < 0 {
		return errors.New("transcode.parallelism must not be negative")
	}
	if c.Transcode.SegmentSeconds < 1 {
		return errors.New("transcode.segment_seconds must be at least 1")
	}
	if strings.TrimSpace(c.Transcode.FFmpegPath) == "" || strings.TrimSpace(c.Transcode.FFprobePath) == "" {
		return errors.New("transcode.ffmpeg_path and transcode.ffprobe_path must be set")
	}
	if c.Publish.Concurrency < 1 {
		return errors.New("publish.concurrency must be at least 1")
	}
	return nil
}

func (c *Config) validateSweep() error {
	if !c.Sweep.Enabled {
		return nil
	}
	if c.Sweep.Schedule == "" {
		return errors.New("sweep.schedule must be set when the sweep is enabled")
	}
	if c.Sweep.StaleProcessingAfter.Std() <= c.Dispatch.JobTimeout.Std() {
		return fmt.Errorf("sweep.stale_processing_after (%s) must exceed dispatch.job_timeout (%s)", c.Sweep.StaleProcessingAfter, c.Dispatch.JobTimeout)
	}
	return nil
}

func (c *Config) validateTracing() error {
	if c.Tracing.Endpoint == "" {
		return nil
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1, got %v", c.Tracing.SampleRatio)
	}
	return nil
}
