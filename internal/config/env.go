package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"vodforge/internal/models"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "VODFORGE_"

type lookupFunc func(string) (string, bool)

// envReader applies overrides and remembers the first parse failure.
type envReader struct {
	lookup lookupFunc
	err    error
}

func (r *envReader) value(name string) (string, bool) {
	raw, ok := r.lookup(EnvPrefix + name)
	if !ok {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}

func (r *envReader) fail(name string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("parse %s%s: %w", EnvPrefix, name, err)
	}
}

func (r *envReader) str(name string, target *string) {
	if raw, ok := r.value(name); ok {
		*target = raw
	}
}

func (r *envReader) integer(name string, target *int) {
	raw, ok := r.value(name)
	if !ok {
		return
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		r.fail(name, err)
		return
	}
	*target = parsed
}

func (r *envReader) duration(name string, target *Duration) {
	raw, ok := r.value(name)
	if !ok {
		return
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		r.fail(name, err)
		return
	}
	*target = Duration(parsed)
}

func (r *envReader) boolean(name string, target *bool) {
	raw, ok := r.value(name)
	if !ok {
		return
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		r.fail(name, err)
		return
	}
	*target = parsed
}

func (r *envReader) list(name string, target *[]string) {
	raw, ok := r.value(name)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*target = out
}

func applyEnv(cfg *Config, lookup lookupFunc) error {
	r := &envReader{lookup: lookup}

	r.str("LOG_LEVEL", &cfg.Logging.Level)
	r.str("LOG_FORMAT", &cfg.Logging.Format)
	r.str("OPS_ADDR", &cfg.Ops.Addr)

	r.str("REGISTRY_BACKEND", &cfg.Registry.Backend)
	r.str("DATABASE_URL", &cfg.Registry.DSN)

	r.str("QUEUE_BACKEND", &cfg.Queue.Backend)
	r.duration("QUEUE_VISIBILITY", &cfg.Queue.Visibility)
	r.str("REDIS_ADDR", &cfg.Queue.Redis.Addr)
	r.list("REDIS_ADDRS", &cfg.Queue.Redis.Addrs)
	r.str("REDIS_USERNAME", &cfg.Queue.Redis.Username)
	r.str("REDIS_PASSWORD", &cfg.Queue.Redis.Password)
	r.str("REDIS_MASTER_NAME", &cfg.Queue.Redis.MasterName)
	r.str("SQLITE_PATH", &cfg.Queue.SQLite.Path)

	r.str("STORAGE_BACKEND", &cfg.Storage.Backend)
	r.str("S3_ENDPOINT", &cfg.Storage.Endpoint)
	r.str("S3_REGION", &cfg.Storage.Region)
	r.str("S3_BUCKET", &cfg.Storage.Bucket)
	r.str("S3_ACCESS_KEY", &cfg.Storage.AccessKey)
	r.str("S3_SECRET_KEY", &cfg.Storage.SecretKey)
	r.str("S3_PREFIX", &cfg.Storage.Prefix)
	r.str("S3_PUBLIC_ENDPOINT", &cfg.Storage.PublicEndpoint)
	r.boolean("S3_USE_SSL", &cfg.Storage.UseSSL)
	r.boolean("S3_PATH_STYLE", &cfg.Storage.PathStyle)
	r.integer("STORAGE_BREAKER_FAILURES", &cfg.Storage.Breaker.Failures)

	r.str("FFMPEG", &cfg.Transcode.FFmpegPath)
	r.str("FFPROBE", &cfg.Transcode.FFprobePath)
	r.integer("TRANSCODE_PARALLELISM", &cfg.Transcode.Parallelism)
	r.duration("VARIANT_TIMEOUT", &cfg.Transcode.VariantTimeout)

	r.str("WORKSPACE_ROOT", &cfg.Workspace.Root)

	r.integer("WORKERS", &cfg.Dispatch.Workers)
	r.duration("JOB_TIMEOUT", &cfg.Dispatch.JobTimeout)
	r.integer("MAX_ATTEMPTS", &cfg.Dispatch.MaxAttempts)
	r.duration("BACKOFF_BASE", &cfg.Dispatch.BackoffBase)

	r.boolean("SWEEP_ENABLED", &cfg.Sweep.Enabled)
	r.str("SWEEP_SCHEDULE", &cfg.Sweep.Schedule)

	r.str("OTLP_ENDPOINT", &cfg.Tracing.Endpoint)
	r.boolean("OTLP_INSECURE", &cfg.Tracing.Insecure)

	r.str("MANIFEST_ORDER", &cfg.HLS.ManifestOrder)
	if raw, ok := r.value("LADDER"); ok {
		ladder, err := models.ParseLadder(raw)
		if err != nil {
			r.fail("LADDER", err)
		} else {
			cfg.HLS.Ladder = make([]Variant, 0, len(ladder))
			for _, v := range ladder {
				cfg.HLS.Ladder = append(cfg.HLS.Ladder, Variant{
					Label:            v.Label,
					Width:            v.Width,
					Height:           v.Height,
					VideoBitrateKbps: v.VideoBitrateKbps,
					AudioBitrateKbps: v.AudioBitrateKbps,
				})
			}
		}
	}

	return r.err
}
