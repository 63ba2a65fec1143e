package config

import "time"

// ServerConfig is the root configuration for vmsnap-server.
type ServerConfig struct {
	Server    ServerSection    `koanf:"server"`
	Storage   StorageSection   `koanf:"storage"`
	Media     MediaSection     `koanf:"media"`
	Snapshot  SnapshotSection  `koanf:"snapshot"`
	Task      TaskSection      `koanf:"task"`
	VM        VMSection        `koanf:"vm"`
	Log       LogSection       `koanf:"log"`
	Telemetry TelemetrySection `koanf:"telemetry"`
}

// ServerSection configures server endpoints.
type ServerSection struct {
	HTTP HTTPConfig `koanf:"http"`
}

// HTTPConfig configures the HTTP API.
type HTTPConfig struct {
	Address string `koanf:"address"`

	// RateLimit is the sustained request rate allowed per client IP, in
	// requests per second. Zero disables limiting.
	RateLimit float64 `koanf:"rate_limit"`
	RateBurst int     `koanf:"rate_burst"`

	ReadTimeout     time.Duration `koanf:"read_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	// TLSCertFile and TLSKeyFile enable HTTPS. Both or neither.
	TLSCertFile string `koanf:"tls_cert_file"`
	TLSKeyFile  string `koanf:"tls_key_file"`
}

// TLSEnabled reports whether the API is served over HTTPS.
func (c *HTTPConfig) TLSEnabled() bool { return c.TLSCertFile != "" }

// StorageSection configures the settings store.
type StorageSection struct {
	// Backend is badger or memory.
	Backend    string `koanf:"backend"`
	DataDir    string `koanf:"data_dir"`
	GCInterval string `koanf:"gc_interval"`
	SyncWrites bool   `koanf:"sync_writes"`
}

// MediaSection configures disk images.
type MediaSection struct {
	// Root is the directory base images are created in.
	Root      string `koanf:"root"`
	BlockSize int    `koanf:"block_size"`
}

// SnapshotSection configures snapshot trees.
type SnapshotSection struct {
	MaxDepth int `koanf:"max_depth"`

	// Folder holds differencing images, saved states and NVRAM copies.
	// Relative paths are resolved against media.root.
	Folder string `koanf:"folder"`
}

// TaskSection configures the task runner.
type TaskSection struct {
	Retention time.Duration `koanf:"retention"`

	// ProgressRate caps progress change notifications per task, per
	// second.
	ProgressRate float64 `koanf:"progress_rate"`
}

// VMSection configures the built-in emulator.
type VMSection struct {
	// SaveBandwidth caps state saves in MiB/s. Zero is unlimited.
	SaveBandwidth int `koanf:"save_bandwidth"`
}

// LogSection configures logging.
type LogSection struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	// Output is stdout, stderr or a file path.
	Output string `koanf:"output"`
}

// TelemetrySection configures metrics.
type TelemetrySection struct {
	MetricsEnabled bool `koanf:"metrics_enabled"`
}
