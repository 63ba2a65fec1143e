package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/prometheus/client_golang/prometheus"
)

// BadgerEngine implements KVEngine using Badger v3.
type BadgerEngine struct {
	db     *badger.DB
	cfg    BadgerConfig
	logger *slog.Logger

	closed           atomic.Bool
	lastGCTime       atomic.Int64  // Unix milliseconds
	gcBytesReclaimed atomic.Uint64 // Total bytes reclaimed by GC

	// Prometheus metrics
	metricsOnce         sync.Once
	metricsLSMSize      prometheus.Gauge
	metricsValueLogSize prometheus.Gauge
	metricsLastGCTime   prometheus.Gauge
	metricsGCReclaimed  prometheus.Counter
	reportedReclaimed   uint64

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewBadgerEngine opens (or creates) a Badger database in cfg.Dir.
func NewBadgerEngine(cfg KVConfig, logger *slog.Logger) (*BadgerEngine, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("badger: dir is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = &badgerLogger{logger: logger}

	bc := cfg.Badger
	if bc.CacheSize > 0 {
		opts.BlockCacheSize = bc.CacheSize
	}
	if bc.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = bc.ValueLogFileSize
	}
	if bc.NumMemtables > 0 {
		opts.NumMemtables = bc.NumMemtables
	}
	opts.SyncWrites = bc.SyncWrites

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open db: %w", err)
	}

	engine := &BadgerEngine{
		db:     db,
		cfg:    bc,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go engine.gcLoop()

	logger.Info("badger engine started",
		"dir", cfg.Dir,
		"cache_size", bc.CacheSize,
		"sync_writes", bc.SyncWrites,
		"gc_interval", bc.GCInterval)

	return engine, nil
}

// Get retrieves a value by key.
func (e *BadgerEngine) Get(_ context.Context, key []byte) ([]byte, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	var value []byte
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrKeyNotFound
			}
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Set stores a key-value pair.
func (e *BadgerEngine) Set(_ context.Context, key, value []byte) error {
	if e.closed.Load() {
		return ErrClosed
	}
	return e.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

// Delete removes a key.
func (e *BadgerEngine) Delete(_ context.Context, key []byte) error {
	if e.closed.Load() {
		return ErrClosed
	}
	return e.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// Scan iterates over keys with a given prefix.
func (e *BadgerEngine) Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) bool) error {
	if e.closed.Load() {
		return ErrClosed
	}
	return e.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if !fn(item.KeyCopy(nil), value) {
				break
			}
		}
		return nil
	})
}

// GC runs value log garbage collection until Badger has nothing left to
// rewrite.
func (e *BadgerEngine) GC(ctx context.Context) (uint64, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}
	start := time.Now()
	_, before := e.db.Size()

	rounds := 0
	for ctx.Err() == nil {
		err := e.db.RunValueLogGC(e.cfg.GCThreshold)
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("gc: %w", err)
		}
		rounds++
	}

	var reclaimed uint64
	if _, after := e.db.Size(); after < before {
		reclaimed = uint64(before - after)
	}
	e.lastGCTime.Store(time.Now().UnixMilli())
	e.gcBytesReclaimed.Add(reclaimed)

	e.logger.Debug("gc completed",
		"rounds", rounds,
		"bytes_reclaimed", reclaimed,
		"elapsed", time.Since(start))
	return reclaimed, nil
}

// Stats returns storage statistics.
func (e *BadgerEngine) Stats(_ context.Context) (*KVStats, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	lsm, vlog := e.db.Size()
	return &KVStats{
		TotalSize:        uint64(lsm + vlog),
		LSMSize:          uint64(lsm),
		ValueLogSize:     uint64(vlog),
		LastGCTime:       e.lastGCTime.Load(),
		GCBytesReclaimed: e.gcBytesReclaimed.Load(),
	}, nil
}

// Close stops background work and closes the database.
func (e *BadgerEngine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(e.stopCh)
	<-e.doneCh

	if err := e.db.Close(); err != nil {
		return fmt.Errorf("close db: %w", err)
	}
	e.logger.Info("badger engine closed")
	return nil
}

// RegisterMetrics registers the Badger gauges with reg and keeps them
// current until Close. Calling it more than once is a no-op.
func (e *BadgerEngine) RegisterMetrics(reg prometheus.Registerer) error {
	var err error
	e.metricsOnce.Do(func() {
		e.metricsLSMSize = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vmsnap",
			Subsystem: "badger",
			Name:      "lsm_size_bytes",
			Help:      "Badger LSM tree size in bytes",
		})
		e.metricsValueLogSize = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vmsnap",
			Subsystem: "badger",
			Name:      "value_log_size_bytes",
			Help:      "Badger value log size in bytes",
		})
		e.metricsLastGCTime = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vmsnap",
			Subsystem: "badger",
			Name:      "last_gc_timestamp_seconds",
			Help:      "Unix timestamp of the last Badger GC run",
		})
		e.metricsGCReclaimed = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vmsnap",
			Subsystem: "badger",
			Name:      "gc_bytes_reclaimed_total",
			Help:      "Total bytes reclaimed by Badger garbage collection",
		})
		for _, c := range []prometheus.Collector{
			e.metricsLSMSize, e.metricsValueLogSize, e.metricsLastGCTime, e.metricsGCReclaimed,
		} {
			if err = reg.Register(c); err != nil {
				return
			}
		}
		e.updateMetrics()
		go e.metricsUpdateLoop()
	})
	return err
}

func (e *BadgerEngine) updateMetrics() {
	stats, err := e.Stats(context.Background())
	if err != nil {
		return
	}
	e.metricsLSMSize.Set(float64(stats.LSMSize))
	e.metricsValueLogSize.Set(float64(stats.ValueLogSize))
	if stats.LastGCTime > 0 {
		e.metricsLastGCTime.Set(float64(stats.LastGCTime) / 1000.0)
	}
	// Counters only go up; report the delta since the last update.
	if stats.GCBytesReclaimed > e.reportedReclaimed {
		e.metricsGCReclaimed.Add(float64(stats.GCBytesReclaimed - e.reportedReclaimed))
		e.reportedReclaimed = stats.GCBytesReclaimed
	}
}

func (e *BadgerEngine) metricsUpdateLoop() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.updateMetrics()
		case <-e.stopCh:
			return
		}
	}
}

func (e *BadgerEngine) gcLoop() {
	defer close(e.doneCh)

	interval, err := time.ParseDuration(e.cfg.GCInterval)
	if err != nil || interval <= 0 {
		e.logger.Warn("invalid gc_interval, using default 10m", "gc_interval", e.cfg.GCInterval)
		interval = 10 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			if _, err := e.GC(ctx); err != nil {
				e.logger.Error("auto gc failed", "error", err)
			}
			cancel()
		case <-e.stopCh:
			return
		}
	}
}

// badgerLogger adapts slog.Logger to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
