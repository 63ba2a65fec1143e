package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/yndnr/vmsnap-go/internal/telemetry/logger"
)

// MaxSnapshotDepth bounds snapshot.max_depth.
const MaxSnapshotDepth = 1000

// Verify validates the configuration and creates the directories it
// names. Every problem found is reported.
func Verify(cfg *ServerConfig) error {
	return errors.Join(
		verifyHTTP(&cfg.Server.HTTP),
		verifyStorage(&cfg.Storage),
		verifyMedia(&cfg.Media),
		verifySnapshot(&cfg.Snapshot),
		verifyTask(&cfg.Task),
		verifyLog(&cfg.Log),
		verifyVM(&cfg.VM),
	)
}

func verifyHTTP(cfg *HTTPConfig) error {
	if _, _, err := net.SplitHostPort(cfg.Address); err != nil {
		return fmt.Errorf("server.http.address: %w", err)
	}
	if cfg.RateLimit < 0 {
		return errors.New("server.http.rate_limit must not be negative")
	}
	if cfg.RateLimit > 0 && cfg.RateBurst < 1 {
		return errors.New("server.http.rate_burst must be at least 1 when rate limiting")
	}
	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return errors.New("server.http.tls_cert_file and tls_key_file must be set together")
	}
	for _, f := range []string{cfg.TLSCertFile, cfg.TLSKeyFile} {
		if f == "" {
			continue
		}
		if _, err := os.Stat(f); err != nil {
			return fmt.Errorf("server.http TLS file: %w", err)
		}
	}
	return nil
}

func verifyStorage(cfg *StorageSection) error {
	switch cfg.Backend {
	case "memory":
		return nil
	case "badger":
	default:
		return fmt.Errorf("storage.backend %q is not badger or memory", cfg.Backend)
	}
	if cfg.DataDir == "" {
		return errors.New("storage.data_dir is required")
	}
	if d, err := time.ParseDuration(cfg.GCInterval); err != nil || d <= 0 {
		return fmt.Errorf("storage.gc_interval %q is not a positive duration", cfg.GCInterval)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("cannot create data directory: %w", err)
	}
	return nil
}

func verifyMedia(cfg *MediaSection) error {
	if cfg.Root == "" {
		return errors.New("media.root is required")
	}
	if cfg.BlockSize < 4096 || cfg.BlockSize&(cfg.BlockSize-1) != 0 {
		return fmt.Errorf("media.block_size %d must be a power of two of at least 4096", cfg.BlockSize)
	}
	if err := os.MkdirAll(cfg.Root, 0o750); err != nil {
		return fmt.Errorf("cannot create media root: %w", err)
	}
	return nil
}

func verifySnapshot(cfg *SnapshotSection) error {
	if cfg.MaxDepth < 1 || cfg.MaxDepth > MaxSnapshotDepth {
		return fmt.Errorf("snapshot.max_depth must be between 1 and %d", MaxSnapshotDepth)
	}
	if cfg.Folder == "" {
		return errors.New("snapshot.folder is required")
	}
	return nil
}

func verifyTask(cfg *TaskSection) error {
	if cfg.Retention < 0 {
		return errors.New("task.retention must not be negative")
	}
	if cfg.ProgressRate < 0 {
		return errors.New("task.progress_rate must not be negative")
	}
	return nil
}

func verifyLog(cfg *LogSection) error {
	if _, err := logger.ParseLevel(cfg.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch cfg.Format {
	case "json", "text", "console":
	default:
		return fmt.Errorf("log.format %q is not json or text", cfg.Format)
	}
	return nil
}

func verifyVM(cfg *VMSection) error {
	if cfg.SaveBandwidth < 0 {
		return errors.New("vm.save_bandwidth must not be negative")
	}
	return nil
}

// SnapshotFolder resolves snapshot.folder against media.root.
func (c *ServerConfig) SnapshotFolder() string {
	if filepath.IsAbs(c.Snapshot.Folder) {
		return c.Snapshot.Folder
	}
	return filepath.Join(c.Media.Root, c.Snapshot.Folder)
}
