package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/yndnr/vmsnap-go/internal/core/domain"
	"github.com/yndnr/vmsnap-go/internal/telemetry/logger"
	"github.com/yndnr/vmsnap-go/pkg/cmap"
)

// Phase is a step of the task state machine.
type Phase int

const (
	PhaseValidated Phase = iota
	PhasePrepared
	PhaseCommitting
	PhaseCommitted
	PhaseRolledBack
)

var phaseNames = [...]string{"validated", "prepared", "committing", "committed", "rolled_back"}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// MarshalText renders the phase name.
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText parses a phase name.
func (p *Phase) UnmarshalText(text []byte) error {
	for i, name := range phaseNames {
		if name == string(text) {
			*p = Phase(i)
			return nil
		}
	}
	return domain.ErrInvalidArgument.WithDetailsf("unknown phase %q", text)
}

type resultKind int

const (
	resultOk resultKind = iota
	resultRollback
	resultFatal
)

// Result is what a step reports: Ok, NeedsRollback or Fatal.
type Result struct {
	kind     resultKind
	err      error
	panicked bool
}

// Ok continues to the next phase.
func Ok() Result { return Result{} }

// NeedsRollback stops the task and undoes what was prepared.
func NeedsRollback(err error) Result {
	if err == nil {
		err = domain.ErrInternal.WithDetails("rollback requested without a cause")
	}
	return Result{kind: resultRollback, err: err}
}

// Fatal stops the task. Rollback is skipped only when Prepare returns it;
// from Commit on, Rollback still runs to release what was prepared.
func Fatal(err error) Result {
	if err == nil {
		err = domain.ErrTaskFatal
	}
	return Result{kind: resultFatal, err: err}
}

// From maps err onto Ok or NeedsRollback.
func From(err error) Result {
	if err == nil {
		return Ok()
	}
	return NeedsRollback(err)
}

// IsOk reports success.
func (r Result) IsOk() bool { return r.kind == resultOk }

// IsFatal reports a Fatal result.
func (r Result) IsFatal() bool { return r.kind == resultFatal }

// Err returns the failure cause, nil for Ok.
func (r Result) Err() error { return r.err }

func (r Result) outcome() string {
	switch r.kind {
	case resultOk:
		return "ok"
	case resultRollback:
		return "rolled_back"
	default:
		return "fatal"
	}
}

// Steps is the operation-specific part of a task. Prepare and Commit run in
// order; Rollback runs once when either fails, unless Prepare returned Fatal
// without panicking; Finish always runs last with the final result.
// Rollback must tolerate a partially prepared task.
type Steps interface {
	Prepare(ctx context.Context, p *Progress) Result
	Commit(ctx context.Context, p *Progress) Result
	Rollback(ctx context.Context, p *Progress, cause error)
	Finish(ctx context.Context, p *Progress, res Result)
}

// Recorder observes finished tasks.
type Recorder interface {
	TaskFinished(kind string, outcome string, duration time.Duration)
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	// Retention is how long finished tasks stay in the table.
	Retention time.Duration
	Recorder  Recorder
	Logger    logger.Logger
}

// Runner starts task workers and keeps the task table.
type Runner struct {
	cfg    RunnerConfig
	logger logger.Logger
	tasks  *cmap.Map[string, *Progress]
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewRunner creates a Runner.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Default()
	}
	return &Runner{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "task"),
		tasks:  cmap.New[string, *Progress](),
	}
}

// Start registers p and runs steps on a new goroutine. The worker does not
// inherit cancellation from ctx: once started, a task always runs to
// completion or rollback.
func (r *Runner) Start(ctx context.Context, p *Progress, steps Steps) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return domain.ErrServiceUnavailable.WithDetails("task runner is shutting down")
	}
	r.wg.Add(1)
	r.mu.Unlock()

	r.Purge(time.Now())
	r.tasks.Set(p.ID(), p)

	wctx := logger.WithTaskID(context.WithoutCancel(ctx), p.ID())
	wctx = logger.WithLogger(wctx, r.logger.With("task_id", p.ID(), "kind", p.Kind()))
	go func() {
		defer r.wg.Done()
		r.run(wctx, p, steps)
	}()
	return nil
}

func (r *Runner) run(ctx context.Context, p *Progress, steps Steps) {
	log := logger.FromContext(ctx)
	started := time.Now()

	res := r.call(ctx, p, "prepare", steps.Prepare)
	if res.IsOk() {
		p.setPhase(PhasePrepared)
		p.setPhase(PhaseCommitting)
		res = r.call(ctx, p, "commit", steps.Commit)
	}

	switch {
	case res.IsOk():
		p.setPhase(PhaseCommitted)
	case res.IsFatal() && !res.panicked && p.Phase() == PhaseValidated:
		// Prepare refused before taking anything.
		log.Error("task failed fatally", "phase", p.Phase().String(), "error", res.Err())
		p.setPhase(PhaseRolledBack)
	default:
		if res.IsFatal() {
			log.Error("task failed fatally, rolling back", "phase", p.Phase().String(), "error", res.Err())
		} else {
			log.Warn("task rolling back", "phase", p.Phase().String(), "error", res.Err())
		}
		r.guard(log, "rollback", func() { steps.Rollback(ctx, p, res.Err()) })
		p.setPhase(PhaseRolledBack)
	}

	r.guard(log, "finish", func() { steps.Finish(ctx, p, res) })
	p.Complete(res.Err())

	if r.cfg.Recorder != nil {
		r.cfg.Recorder.TaskFinished(string(p.Kind()), res.outcome(), time.Since(started))
	}
	log.Info("task completed", "outcome", res.outcome(), "duration_ms", time.Since(started).Milliseconds())
}

// call runs one step and turns a panic into a Fatal result.
func (r *Runner) call(ctx context.Context, p *Progress, name string, fn func(context.Context, *Progress) Result) (res Result) {
	defer func() {
		if v := recover(); v != nil {
			res = Fatal(domain.ErrTaskFatal.WithDetailsf("panic in %s: %v", name, v))
			res.panicked = true
		}
	}()
	return fn(ctx, p)
}

func (r *Runner) guard(log logger.Logger, name string, fn func()) {
	defer func() {
		if v := recover(); v != nil {
			log.Error("task step panicked", "step", name, "panic", fmt.Sprint(v))
		}
	}()
	fn()
}

// Get returns a task by id.
func (r *Runner) Get(id string) (*Progress, error) {
	p, ok := r.tasks.Get(id)
	if !ok {
		return nil, domain.ErrTaskNotFound.WithDetails(id)
	}
	return p, nil
}

// List returns all known tasks, oldest first.
func (r *Runner) List() []*Progress {
	out := r.tasks.Values()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Cancel forwards a cancel request to a task.
func (r *Runner) Cancel(id string) error {
	p, err := r.Get(id)
	if err != nil {
		return err
	}
	return p.Cancel()
}

// Purge drops tasks that finished longer than the retention ago.
func (r *Runner) Purge(now time.Time) int {
	return r.tasks.DeleteFunc(func(_ string, p *Progress) bool {
		fin := p.FinishedAt()
		return !fin.IsZero() && now.Sub(fin) > r.cfg.Retention
	})
}

// Shutdown refuses new tasks and waits for running ones or ctx.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
