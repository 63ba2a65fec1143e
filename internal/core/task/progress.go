package task

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/yndnr/vmsnap-go/internal/core/domain"
)

// Kind names the operation a task performs.
type Kind string

const (
	KindTakeSnapshot    Kind = "take_snapshot"
	KindRestoreSnapshot Kind = "restore_snapshot"
	KindDeleteSnapshot  Kind = "delete_snapshot"
)

// Status is the externally visible task status.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// ProgressConfig describes a new Progress.
type ProgressConfig struct {
	Kind        Kind
	MachineID   uuid.UUID
	Description string

	// Operations is the number of SetNextOperation calls plus one.
	Operations int
	// TotalWeight is the sum of all operation weights.
	TotalWeight int

	FirstOperation string
	FirstWeight    int

	Cancelable bool

	// OnChange receives throttled percentage updates and, always, completion.
	OnChange func(Info)
	// NotifyEvery bounds how often OnChange sees percentage updates. Zero
	// means no limit.
	NotifyEvery time.Duration
}

// Info is a point-in-time view of a Progress.
type Info struct {
	ID            string    `json:"id"`
	Kind          Kind      `json:"kind"`
	MachineID     uuid.UUID `json:"machine_id"`
	Description   string    `json:"description"`
	Status        Status    `json:"status"`
	Phase         Phase     `json:"phase"`
	Percent       int       `json:"percent"`
	Operation     int       `json:"operation"`
	Operations    int       `json:"operations"`
	OperationDesc string    `json:"operation_description"`
	OperationPct  int       `json:"operation_percent"`
	Cancelable    bool      `json:"cancelable"`
	ResultID      string    `json:"result_id,omitempty"`
	ErrorCode     string    `json:"error_code,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at,omitempty"`
}

// Progress is the shared status of one operation.
type Progress struct {
	id        string
	kind      Kind
	machineID uuid.UUID
	desc      string
	onChange  func(Info)
	limiter   *rate.Limiter
	done      chan struct{}

	mu          sync.Mutex
	phase       Phase
	operations  int
	operation   int
	opDesc      string
	opWeight    int
	opPercent   int
	totalWeight int
	doneWeight  int
	cancelable  bool
	canceled    bool
	cancelFn    func()
	completed   bool
	err         error
	resultID    string
	startedAt   time.Time
	finishedAt  time.Time
}

// NewProgress creates a running Progress with a fresh task id.
func NewProgress(cfg ProgressConfig) (*Progress, error) {
	id, err := domain.GenerateTaskID()
	if err != nil {
		return nil, err
	}
	if cfg.Operations < 1 {
		cfg.Operations = 1
	}
	if cfg.FirstWeight < 1 {
		cfg.FirstWeight = 1
	}
	if cfg.TotalWeight < cfg.FirstWeight {
		cfg.TotalWeight = cfg.FirstWeight
	}
	p := &Progress{
		id:          id,
		kind:        cfg.Kind,
		machineID:   cfg.MachineID,
		desc:        cfg.Description,
		onChange:    cfg.OnChange,
		done:        make(chan struct{}),
		phase:       PhaseValidated,
		operations:  cfg.Operations,
		opDesc:      cfg.FirstOperation,
		opWeight:    cfg.FirstWeight,
		totalWeight: cfg.TotalWeight,
		cancelable:  cfg.Cancelable,
		startedAt:   time.Now(),
	}
	if cfg.NotifyEvery > 0 {
		p.limiter = rate.NewLimiter(rate.Every(cfg.NotifyEvery), 1)
	}
	return p, nil
}

// ID returns the task id.
func (p *Progress) ID() string { return p.id }

// Kind returns the operation kind.
func (p *Progress) Kind() Kind { return p.kind }

// MachineID returns the machine the task works on.
func (p *Progress) MachineID() uuid.UUID { return p.machineID }

// SetNextOperation finishes the current operation and starts the next.
func (p *Progress) SetNextOperation(desc string, weight int) error {
	p.mu.Lock()
	if p.completed {
		p.mu.Unlock()
		return domain.ErrInvalidObjectState.WithDetails("task already completed")
	}
	if p.canceled {
		p.mu.Unlock()
		return domain.ErrTaskCanceled
	}
	if weight < 1 {
		weight = 1
	}
	p.doneWeight += p.opWeight
	if p.operation+1 < p.operations {
		p.operation++
	}
	p.opDesc = desc
	p.opWeight = weight
	p.opPercent = 0
	p.mu.Unlock()

	p.notify(false)
	return nil
}

// SetOperationPercent reports progress of the current operation.
func (p *Progress) SetOperationPercent(percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	p.mu.Lock()
	if p.completed || percent == p.opPercent {
		p.mu.Unlock()
		return
	}
	p.opPercent = percent
	p.mu.Unlock()

	p.notify(false)
}

// Percent returns overall completion in percent.
func (p *Progress) Percent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.percentLocked()
}

func (p *Progress) percentLocked() int {
	if p.completed {
		return 100
	}
	done := p.doneWeight*100 + p.opWeight*p.opPercent
	pct := done / p.totalWeight
	if pct > 99 {
		pct = 99
	}
	return pct
}

func (p *Progress) setPhase(ph Phase) {
	p.mu.Lock()
	p.phase = ph
	p.mu.Unlock()
}

// Phase returns the phase the runner last entered.
func (p *Progress) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

// SetCancelable switches whether Cancel is accepted.
func (p *Progress) SetCancelable(cancelable bool) {
	p.mu.Lock()
	p.cancelable = cancelable
	p.mu.Unlock()
}

// SetCancelCallback registers fn to run when the task is canceled. If the
// task was already canceled fn runs immediately.
func (p *Progress) SetCancelCallback(fn func()) {
	p.mu.Lock()
	p.cancelFn = fn
	canceled := p.canceled
	p.mu.Unlock()
	if canceled && fn != nil {
		fn()
	}
}

// Cancel requests cancellation.
func (p *Progress) Cancel() error {
	p.mu.Lock()
	if p.completed {
		p.mu.Unlock()
		return domain.ErrNotCancelable.WithDetails("task already completed")
	}
	if !p.cancelable {
		p.mu.Unlock()
		return domain.ErrNotCancelable
	}
	if p.canceled {
		p.mu.Unlock()
		return nil
	}
	p.canceled = true
	fn := p.cancelFn
	p.mu.Unlock()

	if fn != nil {
		fn()
	}
	return nil
}

// Canceled reports whether Cancel was accepted.
func (p *Progress) Canceled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.canceled
}

// SetResultID records the id of the object the task produced.
func (p *Progress) SetResultID(id string) {
	p.mu.Lock()
	p.resultID = id
	p.mu.Unlock()
}

// Complete finishes the task. Only the first call has an effect.
func (p *Progress) Complete(err error) {
	p.mu.Lock()
	if p.completed {
		p.mu.Unlock()
		return
	}
	p.completed = true
	p.err = err
	p.finishedAt = time.Now()
	p.mu.Unlock()

	close(p.done)
	p.notify(true)
}

// Completed reports whether Complete was called.
func (p *Progress) Completed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completed
}

// Err returns the completion error, nil while running or on success.
func (p *Progress) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Done is closed on completion.
func (p *Progress) Done() <-chan struct{} { return p.done }

// Wait blocks until the task completes or ctx is done and returns the
// task's error.
func (p *Progress) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FinishedAt returns the completion time, zero while running.
func (p *Progress) FinishedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finishedAt
}

// Info returns a snapshot of the task state.
func (p *Progress) Info() Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	info := Info{
		ID:            p.id,
		Kind:          p.kind,
		MachineID:     p.machineID,
		Description:   p.desc,
		Status:        StatusRunning,
		Phase:         p.phase,
		Percent:       p.percentLocked(),
		Operation:     p.operation,
		Operations:    p.operations,
		OperationDesc: p.opDesc,
		OperationPct:  p.opPercent,
		Cancelable:    p.cancelable && !p.completed,
		ResultID:      p.resultID,
		StartedAt:     p.startedAt,
		FinishedAt:    p.finishedAt,
	}
	if p.completed {
		switch {
		case p.err == nil:
			info.Status = StatusSucceeded
		case p.canceled:
			info.Status = StatusCanceled
		default:
			info.Status = StatusFailed
		}
		if p.err != nil {
			info.ErrorCode = domain.GetErrorCode(p.err)
			info.ErrorMessage = p.err.Error()
		}
	}
	return info
}

func (p *Progress) notify(final bool) {
	if p.onChange == nil {
		return
	}
	if !final && p.limiter != nil && !p.limiter.Allow() {
		return
	}
	p.onChange(p.Info())
}
