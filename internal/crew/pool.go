package crew

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/crewkit/crewkit/internal/board"
	"github.com/crewkit/crewkit/internal/budget"
	"github.com/crewkit/crewkit/internal/bus"
	"github.com/crewkit/crewkit/internal/completion"
	"github.com/crewkit/crewkit/pkg/models"
)

// PoolConfig carries the pool's collaborators and limits.
type PoolConfig struct {
	Roles models.Registry
	Board *board.Board
	// Ledger is where workers commit actual usage.
	Ledger *budget.Ledger
	Bus    *bus.Bus
	// Service is the completion provider shared by all workers.
	Service completion.Service
	// Invoker executes workers' tool calls. Nil means NopInvoker.
	Invoker ToolInvoker
	Logger  *DebugLogger
	// GlobalCeiling caps concurrent workers across all roles.
	GlobalCeiling int
	// WorkerTimeout caps a single task execution. Zero disables it.
	WorkerTimeout time.Duration
}

// Pool runs workers under per-role and global concurrency caps. Dispatch
// is non-blocking: when caps are reached the task stays on the board.
type Pool struct {
	cfg PoolConfig

	mu     sync.Mutex
	active map[string]int
	total  int

	cancelled atomic.Bool
	group     *errgroup.Group
	groupCtx  context.Context
}

// NewPool creates a pool. Workers run under ctx; cancelling it trips
// every cancellation checkpoint.
func NewPool(ctx context.Context, cfg PoolConfig) *Pool {
	if cfg.Invoker == nil {
		cfg.Invoker = NopInvoker{}
	}
	if cfg.Logger == nil {
		cfg.Logger = NopLogger()
	}
	g, gctx := errgroup.WithContext(ctx)
	return &Pool{
		cfg:      cfg,
		active:   make(map[string]int),
		group:    g,
		groupCtx: gctx,
	}
}

// TryDispatch hands a READY task to a new worker. Returns false without
// side effects when the role's cap or the global ceiling is reached, the
// role is unknown, or the pool is cancelled. The caller must already hold
// the task's budget reservation.
func (p *Pool) TryDispatch(task *models.Task) (bool, error) {
	if p.cancelled.Load() {
		return false, nil
	}
	role := p.cfg.Roles.Get(task.Role)
	if role == nil {
		return false, fmt.Errorf("task %s names unknown role %s", task.ID, task.Role)
	}

	p.mu.Lock()
	if p.active[role.Name] >= role.MaxParallel ||
		(p.cfg.GlobalCeiling > 0 && p.total >= p.cfg.GlobalCeiling) {
		p.mu.Unlock()
		return false, nil
	}
	p.active[role.Name]++
	p.total++
	p.mu.Unlock()

	workerID := fmt.Sprintf("%s-%s", role.Name, uuid.New().String()[:8])
	if err := p.cfg.Board.MarkRunning(task.ID, workerID); err != nil {
		p.release(role.Name)
		return false, err
	}
	p.cfg.Bus.Register(workerID)

	// Snapshot the task so the worker never races board mutations.
	snapshot := p.cfg.Board.Get(task.ID)

	p.group.Go(func() error {
		defer p.release(role.Name)
		defer p.cfg.Bus.Unregister(workerID)

		w := &Worker{
			ID:        workerID,
			role:      role,
			board:     p.cfg.Board,
			ledger:    p.cfg.Ledger,
			bus:       p.cfg.Bus,
			svc:       p.cfg.Service,
			invoker:   p.cfg.Invoker,
			logger:    p.cfg.Logger,
			cancelled: &p.cancelled,
			timeout:   p.cfg.WorkerTimeout,
		}
		w.Execute(p.groupCtx, snapshot)
		return nil
	})

	p.cfg.Logger.Log("dispatched task %s to %s", task.ID, workerID)
	return true, nil
}

// release frees a role slot. Deferred by every worker goroutine.
func (p *Pool) release(roleName string) {
	p.mu.Lock()
	p.active[roleName]--
	p.total--
	p.mu.Unlock()
}

// ActiveCount returns the number of currently running workers.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// ActiveForRole returns the running worker count for one role.
func (p *Pool) ActiveForRole(roleName string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active[roleName]
}

// Cancel trips the cooperative cancellation flag. In-flight workers stop
// at their next checkpoint and report CANCELLED.
func (p *Pool) Cancel() {
	p.cancelled.Store(true)
}

// Cancelled reports whether the pool has been cancelled.
func (p *Pool) Cancelled() bool {
	return p.cancelled.Load()
}

// Shutdown waits for every in-flight worker to finish.
func (p *Pool) Shutdown() error {
	return p.group.Wait()
}
