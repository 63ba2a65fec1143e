package config

// LogFields renders the effective configuration as slog key/value pairs
// for the start-up log.
func LogFields(cfg *ServerConfig) []any {
	fields := []any{
		"http_address", cfg.Server.HTTP.Address,
		"rate_limit", cfg.Server.HTTP.RateLimit,
		"tls", cfg.Server.HTTP.TLSEnabled(),
		"storage_backend", cfg.Storage.Backend,
		"media_root", cfg.Media.Root,
		"block_size", cfg.Media.BlockSize,
		"snapshot_folder", cfg.SnapshotFolder(),
		"max_depth", cfg.Snapshot.MaxDepth,
		"task_retention", cfg.Task.Retention,
		"log_level", cfg.Log.Level,
		"metrics", cfg.Telemetry.MetricsEnabled,
	}
	if cfg.Storage.Backend != "memory" {
		fields = append(fields, "data_dir", cfg.Storage.DataDir, "sync_writes", cfg.Storage.SyncWrites)
	}
	if cfg.VM.SaveBandwidth > 0 {
		fields = append(fields, "save_bandwidth_mib", cfg.VM.SaveBandwidth)
	}
	return fields
}
