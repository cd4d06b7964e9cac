package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"vodforge/internal/hls"
	"vodforge/internal/models"
)

//go:embed sample_config.toml
var sampleConfig string

// DefaultFileName is looked up in the working directory when no path is given.
const DefaultFileName = "vodforge.toml"

// Logging controls log output.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Ops is the health and metrics HTTP listener.
type Ops struct {
	Addr            string   `toml:"addr"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

// Registry selects and configures the asset registry.
type Registry struct {
	Backend          string   `toml:"backend"`
	DSN              string   `toml:"dsn"`
	MaxConnections   int32    `toml:"max_connections"`
	AcquireTimeout   Duration `toml:"acquire_timeout"`
	StatementTimeout Duration `toml:"statement_timeout"`
	ApplicationName  string   `toml:"application_name"`
}

// RedisTLS configures TLS towards Redis.
type RedisTLS struct {
	CAFile             string `toml:"ca_file"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// Redis configures the Redis Streams broker.
type Redis struct {
	Addr         string   `toml:"addr"`
	Addrs        []string `toml:"addrs"`
	Username     string   `toml:"username"`
	Password     string   `toml:"password"`
	MasterName   string   `toml:"master_name"`
	Prefix       string   `toml:"prefix"`
	Group        string   `toml:"group"`
	PoolSize     int      `toml:"pool_size"`
	BlockTimeout Duration `toml:"block_timeout"`
	DeadMaxLen   int64    `toml:"dead_max_len"`
	TLS          RedisTLS `toml:"tls"`
}

// SQLite configures the single-host broker.
type SQLite struct {
	Path string `toml:"path"`
}

// Queue selects and configures the job broker.
type Queue struct {
	Backend    string   `toml:"backend"`
	Visibility Duration `toml:"visibility"`
	Poll       Duration `toml:"poll"`
	Redis      Redis    `toml:"redis"`
	SQLite     SQLite   `toml:"sqlite"`
}

// Storage selects and configures object storage.
type Storage struct {
	Backend        string   `toml:"backend"`
	Endpoint       string   `toml:"endpoint"`
	Region         string   `toml:"region"`
	AccessKey      string   `toml:"access_key"`
	SecretKey      string   `toml:"secret_key"`
	Bucket         string   `toml:"bucket"`
	UseSSL         bool     `toml:"use_ssl"`
	PathStyle      bool     `toml:"path_style"`
	Prefix         string   `toml:"prefix"`
	PublicEndpoint string   `toml:"public_endpoint"`
	RequestTimeout Duration `toml:"request_timeout"`
	// MemoryBaseURL is where the in-memory store's objects are served. Empty
	// means the ops listener serves them under /objects.
	MemoryBaseURL string         `toml:"memory_base_url"`
	Breaker       StorageBreaker `toml:"breaker"`
}

// StorageBreaker trips after Failures consecutive failed writes. Zero
// failures disables the breaker.
type StorageBreaker struct {
	Failures    int      `toml:"failures"`
	OpenTimeout Duration `toml:"open_timeout"`
}

// Tracing exports pipeline spans over OTLP/gRPC when Endpoint is set.
type Tracing struct {
	Endpoint    string  `toml:"endpoint"`
	Insecure    bool    `toml:"insecure"`
	ServiceName string  `toml:"service_name"`
	SampleRatio float64 `toml:"sample_ratio"`
}

// Fetch configures source downloads.
type Fetch struct {
	Timeout Duration `toml:"timeout"`
	URLTTL  Duration `toml:"url_ttl"`
}

// Transcode configures the encoder.
type Transcode struct {
	FFmpegPath     string   `toml:"ffmpeg_path"`
	FFprobePath    string   `toml:"ffprobe_path"`
	Parallelism    int      `toml:"parallelism"`
	VariantTimeout Duration `toml:"variant_timeout"`
	SegmentSeconds int      `toml:"segment_seconds"`
	Preset         string   `toml:"preset"`
}

// Publish configures uploads.
type Publish struct {
	Concurrency   int      `toml:"concurrency"`
	UploadTimeout Duration `toml:"upload_timeout"`
}

// Workspace configures local scratch space.
type Workspace struct {
	Root string `toml:"root"`
}

// Dispatch configures workers and retries.
type Dispatch struct {
	Workers     int      `toml:"workers"`
	JobTimeout  Duration `toml:"job_timeout"`
	LeaseTTL    Duration `toml:"lease_ttl"`
	BusyDelay   Duration `toml:"busy_delay"`
	MaxAttempts int      `toml:"max_attempts"`
	BackoffBase Duration `toml:"backoff_base"`
}

// Sweep configures the maintenance sweep.
type Sweep struct {
	Enabled              bool     `toml:"enabled"`
	Schedule             string   `toml:"schedule"`
	PendingGrace         Duration `toml:"pending_grace"`
	StaleProcessingAfter Duration `toml:"stale_processing_after"`
	WorkspaceMaxAge      Duration `toml:"workspace_max_age"`
	BatchSize            int      `toml:"batch_size"`
}

// Variant is one ladder entry in the file.
type Variant struct {
	Label            string `toml:"label"`
	Width            int    `toml:"width"`
	Height           int    `toml:"height"`
	VideoBitrateKbps int    `toml:"video_kbps"`
	AudioBitrateKbps int    `toml:"audio_kbps"`
}

// HLS configures the produced package.
type HLS struct {
	// ManifestOrder is "ascending" or "descending" and must be set.
	ManifestOrder string    `toml:"manifest_order"`
	Ladder        []Variant `toml:"ladder"`
}

// Config is the full configuration.
type Config struct {
	Logging   Logging   `toml:"logging"`
	Ops       Ops       `toml:"ops"`
	Registry  Registry  `toml:"registry"`
	Queue     Queue     `toml:"queue"`
	Storage   Storage   `toml:"storage"`
	Fetch     Fetch     `toml:"fetch"`
	Transcode Transcode `toml:"transcode"`
	Publish   Publish   `toml:"publish"`
	Workspace Workspace `toml:"workspace"`
	Dispatch  Dispatch  `toml:"dispatch"`
	Sweep     Sweep     `toml:"sweep"`
	HLS       HLS       `toml:"hls"`
	Tracing   Tracing   `toml:"tracing"`

	// Source is the file the configuration was read from, if any.
	Source string `toml:"-"`
}

// Load builds a Config from defaults, the TOML file at path, an optional .env
// file and VODFORGE_* variables, then validates it. An explicit path must
// exist; with an empty path DefaultFileName is used when present. overrides
// run after the environment and before validation.
func Load(path string, overrides ...func(*Config)) (*Config, error) {
	cfg := Default()

	resolved, exists, err := resolvePath(path)
	if err != nil {
		return nil, err
	}
	if exists {
		if err := decodeFile(resolved, &cfg); err != nil {
			return nil, err
		}
		cfg.Source = resolved
	}

	envFile := ".env"
	if exists {
		envFile = filepath.Join(filepath.Dir(resolved), ".env")
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	for _, override := range overrides {
		override(&cfg)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func resolvePath(path string) (string, bool, error) {
	path = strings.TrimSpace(path)
	explicit := path != ""
	if !explicit {
		path = DefaultFileName
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false, fmt.Errorf("resolve config path: %w", err)
	}
	info, err := os.Stat(abs)
	switch {
	case err == nil && info.IsDir():
		return "", false, fmt.Errorf("config path %s is a directory", abs)
	case err == nil:
		return abs, true, nil
	case errors.Is(err, fs.ErrNotExist) && !explicit:
		return abs, false, nil
	default:
		return "", false, fmt.Errorf("stat config: %w", err)
	}
}

func decodeFile(path string, cfg *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := toml.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return fmt.Errorf("parse config %s: %s", path, strict.String())
		}
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ManifestOrder returns the validated master manifest order.
func (c *Config) ManifestOrder() (hls.Order, error) {
	return hls.ParseOrder(c.HLS.ManifestOrder)
}

// QualityLadder converts the configured ladder. An empty ladder yields nil,
// which callers treat as the default ladder.
func (c *Config) QualityLadder() []models.QualityVariant {
	if len(c.HLS.Ladder) == 0 {
		return nil
	}
	ladder := make([]models.QualityVariant, 0, len(c.HLS.Ladder))
	for _, v := range c.HLS.Ladder {
		ladder = append(ladder, models.QualityVariant{
			Label:            v.Label,
			Width:            v.Width,
			Height:           v.Height,
			VideoBitrateKbps: v.VideoBitrateKbps,
			AudioBitrateKbps: v.AudioBitrateKbps,
		})
	}
	return ladder
}

// UseMemoryBackends switches every external dependency to its in-process
// implementation for local development.
func (c *Config) UseMemoryBackends() {
	c.Registry.Backend = BackendMemory
	c.Queue.Backend = BackendMemory
	c.Storage.Backend = BackendMemory
}

// Sample returns the annotated example configuration.
func Sample() string {
	return sampleConfig
}

// WriteSample writes the example configuration to path, creating parent
// directories. An existing file is left alone.
func WriteSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	if _, err := file.WriteString(sampleConfig); err != nil {
		file.Close()
		return fmt.Errorf("write sample config: %w", err)
	}
	return file.Close()
}
