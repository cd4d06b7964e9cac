package config

import "time"

// Backend names accepted by the registry, queue, and storage sections.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendSQLite   = "sqlite"
	BackendS3       = "s3"
)

// Default returns the configuration used before the file and environment are
// applied. ManifestOrder is intentionally empty.
func Default() Config {
	return Config{
		Logging: Logging{Level: "info", Format: "auto"},
		Ops: Ops{
			Addr:            ":9090",
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Registry: Registry{
			Backend:          BackendPostgres,
			MaxConnections:   10,
			AcquireTimeout:   Duration(5 * time.Second),
			StatementTimeout: Duration(10 * time.Second),
			ApplicationName:  "vodforge",
		},
		Queue: Queue{
			Backend:    BackendRedis,
			Visibility: Duration(3 * time.Hour),
			Poll:       Duration(2 * time.Second),
			Redis: Redis{
				Addr:         "127.0.0.1:6379",
				Prefix:       "{vodforge:jobs}",
				Group:        "transcoders",
				BlockTimeout: Duration(2 * time.Second),
				DeadMaxLen:   10000,
			},
			SQLite: SQLite{Path: "data/queue.db"},
		},
		Storage: Storage{
			Backend:        BackendS3,
			Region:         "us-east-1",
			UseSSL:         true,
			RequestTimeout: Duration(30 * time.Second),
			Breaker: StorageBreaker{
				Failures:    5,
				OpenTimeout: Duration(30 * time.Second),
			},
		},
		Fetch: Fetch{
			Timeout: Duration(15 * time.Minute),
			URLTTL:  Duration(30 * time.Minute),
		},
		Transcode: Transcode{
			FFmpegPath:     "ffmpeg",
			FFprobePath:    "ffprobe",
			VariantTimeout: Duration(time.Hour),
			SegmentSeconds: 6,
			Preset:         "veryfast",
		},
		Publish: Publish{
			Concurrency:   8,
			UploadTimeout: Duration(2 * time.Minute),
		},
		Workspace: Workspace{Root: "data/work"},
		Dispatch: Dispatch{
			Workers:     2,
			JobTimeout:  Duration(2 * time.Hour),
			BusyDelay:   Duration(15 * time.Second),
			MaxAttempts: 3,
			BackoffBase: Duration(30 * time.Second),
		},
		Sweep: Sweep{
			Enabled:              true,
			Schedule:             "@every 5m",
			PendingGrace:         Duration(10 * time.Minute),
			StaleProcessingAfter: Duration(3 * time.Hour),
			WorkspaceMaxAge:      Duration(6 * time.Hour),
			BatchSize:            100,
		},
		Tracing: Tracing{
			ServiceName: "vodforge",
			SampleRatio: 1,
		},
	}
}
