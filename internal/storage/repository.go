package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/yndnr/vmsnap-go/internal/core/domain"
	"github.com/yndnr/vmsnap-go/internal/core/medium"
)

// Key prefixes.
const (
	machinePrefix = "machine/"
	mediumPrefix  = "medium/"
)

// Repository persists machine settings (configuration, state and the
// snapshot tree) and medium records in a KVEngine. Every machine is a
// single value, so a save replaces the whole tree atomically.
type Repository struct {
	kv     KVEngine
	logger *slog.Logger
}

// NewRepository creates a repository over kv.
func NewRepository(kv KVEngine, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{kv: kv, logger: logger.With("component", "repository")}
}

// KV returns the underlying engine.
func (r *Repository) KV() KVEngine { return r.kv }

// ============================================================================
// Machines
// ============================================================================

// SaveMachine stores the settings of one machine.
func (r *Repository) SaveMachine(ctx context.Context, s domain.MachineSettings) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode machine %s: %w", s.Config.ID, err)
	}
	if err := r.kv.Set(ctx, machineKey(s.Config.ID), data); err != nil {
		return fmt.Errorf("save machine %s: %w", s.Config.ID, err)
	}
	r.logger.Debug("machine saved", "machine_id", s.Config.ID, "snapshots", len(s.Snapshots))
	return nil
}

// GetMachine loads the settings of one machine.
func (r *Repository) GetMachine(ctx context.Context, id uuid.UUID) (domain.MachineSettings, error) {
	var s domain.MachineSettings
	data, err := r.kv.Get(ctx, machineKey(id))
	if err != nil {
		if err == ErrKeyNotFound {
			return s, domain.ErrMachineNotFound.WithDetails(id.String())
		}
		return s, err
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("decode machine %s: %w", id, err)
	}
	return s, nil
}

// DeleteMachine removes a machine.
func (r *Repository) DeleteMachine(ctx context.Context, id uuid.UUID) error {
	return r.kv.Delete(ctx, machineKey(id))
}

// ListMachines returns every stored machine. Undecodable entries are
// logged and skipped.
func (r *Repository) ListMachines(ctx context.Context) ([]domain.MachineSettings, error) {
	var out []domain.MachineSettings
	err := r.kv.Scan(ctx, []byte(machinePrefix), func(key, value []byte) bool {
		var s domain.MachineSettings
		if err := json.Unmarshal(value, &s); err != nil {
			r.logger.Warn("skipping corrupt machine record", "key", string(key), "error", err)
			return true
		}
		out = append(out, s)
		return true
	})
	return out, err
}

// ============================================================================
// Media
// ============================================================================

// SaveMedium stores a medium record.
func (r *Repository) SaveMedium(ctx context.Context, rec medium.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode medium %s: %w", rec.ID, err)
	}
	return r.kv.Set(ctx, mediumKey(rec.ID), data)
}

// DeleteMedium removes a medium record.
func (r *Repository) DeleteMedium(ctx context.Context, id uuid.UUID) error {
	return r.kv.Delete(ctx, mediumKey(id))
}

// ListMedia returns every stored medium record.
func (r *Repository) ListMedia(ctx context.Context) ([]medium.Record, error) {
	var out []medium.Record
	err := r.kv.Scan(ctx, []byte(mediumPrefix), func(key, value []byte) bool {
		var rec medium.Record
		if err := json.Unmarshal(value, &rec); err != nil {
			r.logger.Warn("skipping corrupt medium record", "key", string(key), "error", err)
			return true
		}
		out = append(out, rec)
		return true
	})
	return out, err
}

func machineKey(id uuid.UUID) []byte { return []byte(machinePrefix + id.String()) }

func mediumKey(id uuid.UUID) []byte { return []byte(mediumPrefix + id.String()) }
