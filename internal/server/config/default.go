package config

import "time"

// Default configuration values.
const (
	DefaultHTTPAddr        = "127.0.0.1:5180"
	DefaultRateLimit       = 50.0
	DefaultRateBurst       = 100
	DefaultReadTimeout     = 30 * time.Second
	DefaultShutdownTimeout = 2 * time.Minute

	DefaultStorageBackend = "badger"
	DefaultDataDir        = "/var/lib/vmsnap/settings"
	DefaultGCInterval     = "10m"

	DefaultMediaRoot = "/var/lib/vmsnap/media"
	DefaultBlockSize = 1 << 20

	DefaultMaxDepth       = 250
	DefaultSnapshotFolder = "Snapshots"

	DefaultTaskRetention = time.Hour
	DefaultProgressRate  = 10.0

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
	DefaultLogOutput = "stderr"
)

// Default returns the default server configuration.
func Default() *ServerConfig {
	return &ServerConfig{
		Server: ServerSection{
			HTTP: HTTPConfig{
				Address:         DefaultHTTPAddr,
				RateLimit:       DefaultRateLimit,
				RateBurst:       DefaultRateBurst,
				ReadTimeout:     DefaultReadTimeout,
				ShutdownTimeout: DefaultShutdownTimeout,
			},
		},
		Storage: StorageSection{
			Backend:    DefaultStorageBackend,
			DataDir:    DefaultDataDir,
			GCInterval: DefaultGCInterval,
			SyncWrites: true,
		},
		Media: MediaSection{
			Root:      DefaultMediaRoot,
			BlockSize: DefaultBlockSize,
		},
		Snapshot: SnapshotSection{
			MaxDepth: DefaultMaxDepth,
			Folder:   DefaultSnapshotFolder,
		},
		Task: TaskSection{
			Retention:    DefaultTaskRetention,
			ProgressRate: DefaultProgressRate,
		},
		Log: LogSection{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
			Output: DefaultLogOutput,
		},
		Telemetry: TelemetrySection{
			MetricsEnabled: true,
		},
	}
}

// DefaultMap returns the defaults keyed by dotted path, for
// confloader.WithDefaults.
func DefaultMap() map[string]any {
	d := Default()
	return map[string]any{
		"server.http.address":          d.Server.HTTP.Address,
		"server.http.rate_limit":       d.Server.HTTP.RateLimit,
		"server.http.rate_burst":       d.Server.HTTP.RateBurst,
		"server.http.read_timeout":     d.Server.HTTP.ReadTimeout.String(),
		"server.http.shutdown_timeout": d.Server.HTTP.ShutdownTimeout.String(),
		"server.http.tls_cert_file":    d.Server.HTTP.TLSCertFile,
		"server.http.tls_key_file":     d.Server.HTTP.TLSKeyFile,
		"storage.backend":              d.Storage.Backend,
		"storage.data_dir":             d.Storage.DataDir,
		"storage.gc_interval":          d.Storage.GCInterval,
		"storage.sync_writes":          d.Storage.SyncWrites,
		"media.root":                   d.Media.Root,
		"media.block_size":             d.Media.BlockSize,
		"snapshot.max_depth":           d.Snapshot.MaxDepth,
		"snapshot.folder":              d.Snapshot.Folder,
		"task.retention":               d.Task.Retention.String(),
		"task.progress_rate":           d.Task.ProgressRate,
		"vm.save_bandwidth":            d.VM.SaveBandwidth,
		"log.level":                    d.Log.Level,
		"log.format":                   d.Log.Format,
		"log.output":                   d.Log.Output,
		"telemetry.metrics_enabled":    d.Telemetry.MetricsEnabled,
	}
}
