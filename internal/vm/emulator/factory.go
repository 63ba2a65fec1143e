package emulator

import (
	"context"
	"errors"
	"os"

	"golang.org/x/time/rate"

	"github.com/yndnr/vmsnap-go/internal/core/domain"
	"github.com/yndnr/vmsnap-go/internal/core/machine"
	"github.com/yndnr/vmsnap-go/internal/core/medium"
	"github.com/yndnr/vmsnap-go/internal/telemetry/logger"
)

// BlockIO is the guest view of the disk images.
type BlockIO interface {
	WriteBlock(location string, block uint64, data []byte) error
	ReadBlock(location string, block uint64) ([]byte, bool, error)
}

// Config configures a Factory.
type Config struct {
	Registry *medium.Registry
	Disks    BlockIO

	// SaveBandwidth caps state saves, in MiB per second. Zero means
	// unlimited.
	SaveBandwidth int

	Logger logger.Logger
}

// Factory starts VMs.
type Factory struct {
	cfg Config
}

// NewFactory creates a Factory.
func NewFactory(cfg Config) (*Factory, error) {
	if cfg.Registry == nil || cfg.Disks == nil {
		return nil, errors.New("emulator: registry and disks are required")
	}
	if cfg.SaveBandwidth < 0 {
		return nil, errors.New("emulator: save bandwidth must not be negative")
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Default()
	}
	return &Factory{cfg: cfg}, nil
}

// Start powers on a VM for cfg. Every hard disk chain is locked before the
// EMT starts; a machine with a saved state resumes from it.
func (f *Factory) Start(_ context.Context, cfg domain.MachineConfig, attach func(slot domain.AttachmentSlot) (*medium.Medium, bool)) (machine.Console, error) {
	vm := &VM{
		id:       cfg.ID,
		name:     cfg.Name,
		memoryMB: cfg.Hardware.MemoryMB,
		reg:      f.cfg.Registry,
		disks:    f.cfg.Disks,
		limiter:  newLimiter(f.cfg.SaveBandwidth),
		logger:   f.cfg.Logger.With("machine_id", cfg.ID, "vm", cfg.Name),
		reqs:     make(chan request),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		locks:    make(map[domain.AttachmentSlot]*medium.LockList),
	}

	// 1. Lock the disks
	for _, att := range cfg.Attachments {
		if att.Type != domain.DeviceTypeHardDisk {
			continue
		}
		md, ok := attach(att.Slot())
		if !ok {
			vm.unlockAll()
			return nil, domain.ErrAttachmentNotFound.WithDetails(att.Slot().String())
		}
		l := f.cfg.Registry.CreateLockList(md, true)
		if err := l.Lock(); err != nil {
			vm.unlockAll()
			return nil, err
		}
		vm.locks[att.Slot()] = l
	}

	// 2. Load the saved state
	if cfg.StateFile != "" {
		st, err := readState(cfg.StateFile)
		if err == nil && st.MachineID != cfg.ID {
			err = domain.ErrInvalidArgument.WithDetailsf("saved state belongs to machine %s", st.MachineID)
		}
		if err != nil {
			vm.unlockAll()
			if errors.Is(err, os.ErrNotExist) {
				return nil, domain.ErrInvalidVMState.WithDetailsf("saved state %s is missing", cfg.StateFile)
			}
			return nil, err
		}
		vm.paused = st.Paused
	}

	// 3. Start the EMT. It outlives the request that started it.
	go vm.run()

	vm.logger.Info("vm started",
		"disks", len(vm.locks),
		"memory_mb", vm.memoryMB,
		"from_saved_state", cfg.StateFile != "")
	return vm, nil
}

func newLimiter(mibPerSec int) *rate.Limiter {
	if mibPerSec == 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(mibPerSec), mibPerSec)
}

var (
	_ machine.Console        = (*VM)(nil)
	_ machine.ConsoleFactory = (*Factory)(nil)
)
