package crew

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/crewkit/crewkit/internal/board"
	"github.com/crewkit/crewkit/internal/budget"
	"github.com/crewkit/crewkit/internal/bus"
	"github.com/crewkit/crewkit/internal/completion"
	"github.com/crewkit/crewkit/internal/config"
	"github.com/crewkit/crewkit/pkg/models"
)

// State is the coordinator's run phase.
type State string

const (
	// StateRunning dispatches new work and applies results.
	StateRunning State = "running"
	// StateWindingDown stops dispatching; in-flight workers finish.
	StateWindingDown State = "winding_down"
	// StateTerminated means the run is over and the report is final.
	StateTerminated State = "terminated"
)

// CoordinatorConfig carries everything a run needs.
type CoordinatorConfig struct {
	Config  *config.Config
	Roles   models.Registry
	Service completion.Service
	// Invoker executes worker tool calls; nil means NopInvoker.
	Invoker ToolInvoker
	Emitter *EventEmitter
	Logger  *DebugLogger
	// Signals is the optional stop/pause watcher.
	Signals *SignalWatcher
}

// Coordinator owns a single crew run: decompose, dispatch, review, wind
// down, synthesize.
type Coordinator struct {
	cfg     *config.Config
	roles   models.Registry
	svc     completion.Service
	invoker ToolInvoker
	emitter *EventEmitter
	logger  *DebugLogger
	signals *SignalWatcher

	board  *board.Board
	ledger *budget.Ledger
	msgBus *bus.Bus
	pool   *Pool
	gate   *ReviewGate
	synth  *Synthesizer

	state          State
	windDownReason string
	budgetWarned   bool
	queued         map[string]bool
	tokensByTask   map[string]int64
}

// NewCoordinator wires a coordinator from its collaborators.
func NewCoordinator(cc CoordinatorConfig) *Coordinator {
	if cc.Logger == nil {
		cc.Logger = NopLogger()
	}
	if cc.Emitter == nil {
		cc.Emitter = NewEventEmitter(64)
	}

	ledger := budget.NewLedger(cc.Config.Budget.Total)
	ledger.SetWarningThreshold(cc.Config.Budget.WarningThreshold)

	c := &Coordinator{
		cfg:          cc.Config,
		roles:        cc.Roles,
		svc:          cc.Service,
		invoker:      cc.Invoker,
		emitter:      cc.Emitter,
		logger:       cc.Logger,
		signals:      cc.Signals,
		board:        board.New(cc.Config.Crew.MaxRework),
		ledger:       ledger,
		msgBus:       bus.New(),
		state:        StateRunning,
		queued:       make(map[string]bool),
		tokensByTask: make(map[string]int64),
	}
	c.gate = NewReviewGate(c.board, c.roles, c.emitter, c.logger, cc.Config.Crew.AutoReview)
	c.synth = NewSynthesizer(c.svc, c.ledger, c.logger)
	return c
}

// State returns the coordinator's current phase.
func (c *Coordinator) State() State {
	return c.state
}

// Events returns the run's event stream.
func (c *Coordinator) Events() <-chan Event {
	return c.emitter.Events()
}

// Run executes the work order end to end. Only decomposition failure
// returns an error; every later failure is contained at task granularity
// and shows up in the report.
func (c *Coordinator) Run(ctx context.Context, workOrder string) (*Report, error) {
	start := time.Now()

	decomposer := NewDecomposer(c.svc, c.roles, c.logger)
	tasks, usedTokens, err := decomposer.Decompose(ctx, workOrder)
	c.ledger.CommitDirect(usedTokens)
	if err != nil {
		return nil, err
	}
	if err := c.board.AddTasks(tasks); err != nil {
		return nil, &DecompositionError{Reason: "invalid task graph", Err: err}
	}

	c.msgBus.Register(models.RecipientCoordinator)
	c.pool = NewPool(ctx, PoolConfig{
		Roles:         c.roles,
		Board:         c.board,
		Ledger:        c.ledger,
		Bus:           c.msgBus,
		Service:       c.svc,
		Invoker:       c.invoker,
		Logger:        c.logger,
		GlobalCeiling: c.cfg.Crew.MaxWorkers,
		WorkerTimeout: c.cfg.Timeouts.Worker,
	})

	c.emitter.Emit(Event{
		Type:    EventRunStarted,
		Message: fmt.Sprintf("%d tasks decomposed", len(tasks)),
	})
	c.logger.Log("run started: %d tasks, budget %d", len(tasks), c.ledger.Total())

	c.loop(ctx, start)

	c.msgBus.Publish(&models.Message{
		Topic:     models.TopicShutdown,
		Sender:    models.RecipientCoordinator,
		Recipient: models.RecipientBroadcast,
	})
	if err := c.pool.Shutdown(); err != nil {
		c.logger.Log("pool shutdown: %v", err)
	}
	c.drain(0)

	// Every in-flight result is applied: whatever never reached a
	// terminal state was never dispatched, and the report must say why.
	c.cancelLeftovers()
	c.msgBus.Close()

	report := c.synth.Synthesize(ctx, workOrder, c.board.Snapshot(), c.tokensByTask, time.Since(start))
	c.state = StateTerminated
	c.emitter.Emit(Event{Type: EventRunDone, Report: report})
	c.logger.Log("run terminated: %d done, %d failed, %d cancelled, %d tokens",
		report.Done, report.Failed, report.Cancelled, report.TokensConsumed)
	return report, nil
}

// loop is the coordinator's main cycle: dispatch, drain, check limits.
func (c *Coordinator) loop(ctx context.Context, start time.Time) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 0 // the loop decides when to stop

	for iter := 0; ; iter++ {
		if ctx.Err() != nil {
			c.windDown("context cancelled")
			c.pool.Cancel()
		}
		if c.signals != nil && c.signals.Stopped() {
			c.windDown("stop signal")
			c.pool.Cancel()
		}
		if c.state == StateRunning {
			if c.cfg.Timeouts.Run > 0 && time.Since(start) > c.cfg.Timeouts.Run {
				c.windDown("run timeout")
			}
			if c.cfg.Crew.MaxIterations > 0 && iter >= c.cfg.Crew.MaxIterations {
				c.windDown("iteration ceiling")
			}
		}

		dispatched, blocked := 0, false
		paused := c.signals != nil && c.signals.Paused()
		if c.state == StateRunning && !paused {
			dispatched, blocked = c.dispatchReady()
		}

		received := c.drain(c.cfg.Timeouts.Message)

		if status := c.ledger.Status(); status == budget.StatusWarning && !c.budgetWarned {
			c.budgetWarned = true
			c.emitter.Emit(Event{
				Type:    EventBudgetWarning,
				Message: fmt.Sprintf("%d of %d tokens committed or reserved", c.ledger.Total()-c.ledger.Remaining(), c.ledger.Total()),
			})
		}

		// Budget-blocked with nothing in flight means no reservation will
		// ever be released. Re-check after the drain: a commit below the
		// estimate may have freed enough for another attempt.
		if blocked && c.pool.ActiveCount() == 0 && c.state == StateRunning && !c.canDispatchAny() {
			c.windDown("budget exhausted")
		}

		if c.board.Resolved() && c.pool.ActiveCount() == 0 {
			if c.state == StateRunning {
				c.windDown("all tasks resolved")
			}
			return
		}
		if c.state == StateWindingDown && c.pool.ActiveCount() == 0 {
			return
		}

		if dispatched == 0 && received == 0 {
			wait := bo.NextBackOff()
			if wait == backoff.Stop {
				bo.Reset()
				wait = bo.NextBackOff()
			}
			select {
			case <-time.After(wait):
			case <-ctx.Done():
			}
		} else {
			bo.Reset()
		}
	}
}

// dispatchReady reserves budget for and dispatches every ready task the
// pool will take. Returns how many dispatched and whether any reservation
// was denied.
func (c *Coordinator) dispatchReady() (int, bool) {
	dispatched := 0
	blocked := false

	for _, task := range c.readyOrdered() {
		if !c.queued[task.ID] {
			c.queued[task.ID] = true
			c.emitter.Emit(Event{Type: EventTaskQueued, TaskID: task.ID, Role: task.Role})
		}

		est := c.estimate(task)
		if !c.ledger.Reserve(task.ID, est) {
			blocked = true
			c.emitter.Emit(Event{
				Type:    EventBudgetBlocked,
				TaskID:  task.ID,
				Role:    task.Role,
				Message: fmt.Sprintf("reservation of %d denied, %d remaining", est, c.ledger.Remaining()),
			})
			continue
		}

		ok, err := c.pool.TryDispatch(task)
		if err != nil {
			c.ledger.Release(task.ID)
			c.logger.Log("dispatch %s: %v", task.ID, err)
			if ferr := c.board.MarkFailed(task.ID, err.Error()); ferr != nil {
				c.logger.Log("mark failed %s: %v", task.ID, ferr)
			}
			c.emitter.Emit(Event{Type: EventTaskFailed, TaskID: task.ID, Role: task.Role, Message: err.Error()})
			continue
		}
		if !ok {
			// Pool at capacity; the reservation would starve waiting tasks.
			c.ledger.Release(task.ID)
			continue
		}
		dispatched++
		c.emitter.Emit(Event{Type: EventTaskStarted, TaskID: task.ID, Role: task.Role})
	}
	return dispatched, blocked
}

// canDispatchAny reports whether any ready task's reservation could
// currently be granted.
func (c *Coordinator) canDispatchAny() bool {
	for _, task := range c.board.Ready() {
		if c.ledger.CanReserve(c.estimate(task)) {
			return true
		}
	}
	return false
}

// readyOrdered returns dispatchable tasks in configured priority order.
// The board yields rework-first; fifo mode re-sorts purely by age.
func (c *Coordinator) readyOrdered() []*models.Task {
	ready := c.board.Ready()
	if c.cfg.Crew.ReworkPriority == config.ReworkFIFO {
		sort.SliceStable(ready, func(i, j int) bool {
			return ready[i].CreatedAt.Before(ready[j].CreatedAt)
		})
	}
	return ready
}

// estimate is the task's budget reservation: base cost scaled by the
// role's weight.
func (c *Coordinator) estimate(task *models.Task) int64 {
	weight := 1.0
	if role := c.roles.Get(task.Role); role != nil {
		weight = role.BudgetWeight
	}
	est := int64(float64(c.cfg.Budget.BaseEstimate) * weight)
	if est < 1 {
		est = 1
	}
	return est
}

// drain applies every pending bus message, blocking up to timeout for the
// first one. Returns the number of messages handled.
func (c *Coordinator) drain(timeout time.Duration) int {
	received := 0
	wait := timeout
	for {
		msg, err := c.msgBus.Receive(models.RecipientCoordinator, wait)
		if err != nil {
			return received
		}
		received++
		wait = 0 // only block for the first message
		c.handle(msg)
	}
}

// handle applies one worker message to the board.
func (c *Coordinator) handle(msg *models.Message) {
	switch msg.Topic {
	case models.TopicStatusUpdate:
		c.logger.Log("status %s: %s", msg.Sender, msg.Payload)
		return
	case models.TopicTaskComplete, models.TopicTaskFailed, models.TopicTaskCancelled:
	default:
		c.logger.Log("unexpected message topic %s from %s", msg.Topic, msg.Sender)
		return
	}

	result := msg.Result
	if result == nil {
		c.logger.Log("result message without result from %s", msg.Sender)
		return
	}
	c.tokensByTask[result.TaskID] += result.TokensUsed

	task := c.board.Get(result.TaskID)
	if task == nil {
		c.logger.Log("result for unknown task %s", result.TaskID)
		return
	}

	switch msg.Topic {
	case models.TopicTaskComplete:
		c.applySuccess(task, result)
	case models.TopicTaskFailed:
		c.applyFailure(task, result)
	case models.TopicTaskCancelled:
		if err := c.board.MarkCancelled(task.ID, result.Error); err != nil {
			c.logger.Log("mark cancelled %s: %v", task.ID, err)
		}
		c.emitter.Emit(Event{
			Type: EventTaskCancelled, TaskID: task.ID, Role: task.Role,
			WorkerID: result.WorkerID, TokensUsed: result.TokensUsed,
		})
	}
}

// applySuccess routes a successful result through the review gate.
func (c *Coordinator) applySuccess(task *models.Task, result *models.TaskResult) {
	if task.ReviewOf != "" {
		if err := c.board.MarkDone(task.ID, result.Output); err != nil {
			c.logger.Log("mark review done %s: %v", task.ID, err)
		}
		if err := c.gate.ApplyVerdict(task, result); err != nil {
			c.logger.Log("apply verdict %s: %v", task.ID, err)
		}
		return
	}

	if c.gate.WantsReview(task) {
		if err := c.gate.HoldForReview(task, result.Output); err != nil {
			c.logger.Log("hold for review %s: %v", task.ID, err)
		}
		return
	}

	if err := c.board.MarkDone(task.ID, result.Output); err != nil {
		c.logger.Log("mark done %s: %v", task.ID, err)
		return
	}
	c.emitter.Emit(Event{
		Type: EventTaskCompleted, TaskID: task.ID, Role: task.Role,
		WorkerID: result.WorkerID, TokensUsed: result.TokensUsed,
	})
}

// applyFailure fails the task, except that a failed reviewer approves its
// target with a warning so review never wedges the pipeline.
func (c *Coordinator) applyFailure(task *models.Task, result *models.TaskResult) {
	if task.ReviewOf != "" {
		if err := c.board.MarkDone(task.ID, "reviewer error: "+result.Error); err != nil {
			c.logger.Log("resolve failed review %s: %v", task.ID, err)
		}
		if err := c.gate.PassThrough(task, result.Error); err != nil {
			c.logger.Log("pass through %s: %v", task.ID, err)
		}
		return
	}

	if err := c.board.MarkFailed(task.ID, result.Error); err != nil {
		c.logger.Log("mark failed %s: %v", task.ID, err)
		return
	}
	c.emitter.Emit(Event{
		Type: EventTaskFailed, TaskID: task.ID, Role: task.Role,
		WorkerID: result.WorkerID, Message: result.Error, TokensUsed: result.TokensUsed,
	})
}

// windDown moves to WINDING_DOWN once, keeping the first reason.
func (c *Coordinator) windDown(reason string) {
	if c.state != StateRunning {
		return
	}
	c.state = StateWindingDown
	c.windDownReason = reason
	c.logger.Log("winding down: %s", reason)
	c.emitter.Emit(Event{Type: EventWindingDown, Message: reason})
}

// cancelLeftovers marks every task that never reached a terminal state as
// CANCELLED with an explicit reason, so the report accounts for all work.
func (c *Coordinator) cancelLeftovers() {
	reason := c.windDownReason
	if reason == "" || reason == "all tasks resolved" {
		return
	}
	for _, t := range c.board.Snapshot() {
		if t.Status.Terminal() || t.Status == models.TaskStatusRunning {
			continue
		}
		msg := "not dispatched — " + reason
		if err := c.board.MarkCancelled(t.ID, msg); err != nil {
			c.logger.Log("cancel leftover %s: %v", t.ID, err)
			continue
		}
		c.emitter.Emit(Event{Type: EventTaskCancelled, TaskID: t.ID, Role: t.Role, Message: msg})
	}
}
