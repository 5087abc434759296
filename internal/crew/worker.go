package crew

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/crewkit/crewkit/internal/board"
	"github.com/crewkit/crewkit/internal/budget"
	"github.com/crewkit/crewkit/internal/bus"
	"github.com/crewkit/crewkit/internal/completion"
	"github.com/crewkit/crewkit/pkg/models"
)

// maxToolRounds bounds the completion/tool loop per task execution.
const maxToolRounds = 8

// Error codes carried on TaskResult for failed executions.
const (
	errCodeCompletion    = "completion_error"
	errCodeWorkerTimeout = "worker_timeout"
	errCodeCancelled     = "cancelled"
	errCodeToolLimit     = "tool_round_limit"
)

// Worker executes a single task in a completion/tool conversation loop.
// A worker is created per dispatch; the pool bounds how many run at once.
type Worker struct {
	// ID identifies the worker in messages and task assignment.
	ID string

	role      *models.Role
	board     *board.Board
	ledger    *budget.Ledger
	bus       *bus.Bus
	svc       completion.Service
	invoker   ToolInvoker
	logger    *DebugLogger
	cancelled *atomic.Bool
	timeout   time.Duration

	// shutdownSeen latches once a shutdown broadcast reaches this worker.
	shutdownSeen bool
}

// Execute runs the task to completion and publishes a TaskResult to the
// coordinator. It never returns an error: every failure mode is reported
// through the result so the run keeps going.
func (w *Worker) Execute(ctx context.Context, task *models.Task) {
	start := time.Now()

	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	result := w.run(ctx, task)
	result.TaskID = task.ID
	result.Role = w.role.Name
	result.WorkerID = w.ID
	result.Elapsed = time.Since(start)

	// Accounting: actual usage replaces the reservation; a task that
	// consumed nothing just frees its hold.
	if result.TokensUsed > 0 {
		if err := w.ledger.Commit(task.ID, result.TokensUsed); err != nil {
			w.logger.Log("worker %s: commit for %s: %v", w.ID, task.ID, err)
		}
	} else {
		w.ledger.Release(task.ID)
	}

	topic := models.TopicTaskComplete
	switch result.ErrorCode {
	case errCodeCancelled:
		topic = models.TopicTaskCancelled
	case "":
	default:
		topic = models.TopicTaskFailed
	}
	if err := w.bus.Publish(&models.Message{
		Topic:     topic,
		Sender:    w.ID,
		Recipient: models.RecipientCoordinator,
		TaskID:    task.ID,
		Result:    result,
	}); err != nil {
		w.logger.Log("worker %s: publish result for %s: %v", w.ID, task.ID, err)
	}
}

// run drives the conversation loop and returns the raw result.
func (w *Worker) run(ctx context.Context, task *models.Task) *models.TaskResult {
	if w.tripped(ctx) {
		return &models.TaskResult{ErrorCode: errCodeCancelled, Error: "cancelled before start"}
	}

	system := w.systemPrompt()
	prompt := w.initialPrompt(task)

	var tokens int64
	retried := false

	for round := 0; round < maxToolRounds; round++ {
		if w.tripped(ctx) {
			return &models.TaskResult{TokensUsed: tokens, ErrorCode: errCodeCancelled, Error: "cancelled"}
		}

		resp, err := w.svc.Complete(ctx, completion.Request{
			System: system,
			Prompt: prompt,
			Model:  w.role.ModelOverride,
		})
		if err != nil {
			if completion.IsTransient(err) && w.role.RetryTransient && !retried {
				retried = true
				w.logger.Log("worker %s: transient error on %s, retrying once: %v", w.ID, task.ID, err)
				round--
				continue
			}
			return w.failureResult(ctx, err, tokens)
		}
		tokens += resp.TokensUsed

		w.statusUpdate(task.ID, fmt.Sprintf("round %d: %d tokens used", round+1, tokens))

		call, perr := parseToolCall(resp.Text)
		if perr != nil {
			prompt = prompt + "\n\n[tool error] " + perr.Error() + "\nRespond again."
			continue
		}
		if call == nil {
			return &models.TaskResult{
				Success:    true,
				Output:     strings.TrimSpace(resp.Text),
				TokensUsed: tokens,
				Verdict:    w.verdictFor(task, resp.Text),
			}
		}

		output := w.invokeTool(ctx, call)
		if w.tripped(ctx) {
			return &models.TaskResult{TokensUsed: tokens, ErrorCode: errCodeCancelled, Error: "cancelled"}
		}
		prompt = prompt + "\n\n[assistant requested tool " + call.Name + "]\n[tool result]\n" + output + "\nContinue the task."
	}

	return &models.TaskResult{
		TokensUsed: tokens,
		ErrorCode:  errCodeToolLimit,
		Error:      fmt.Sprintf("no final answer after %d tool rounds", maxToolRounds),
	}
}

// invokeTool runs one tool call with permission checks and cancellation
// checkpoints on both sides of the invocation.
func (w *Worker) invokeTool(ctx context.Context, call *ToolCall) string {
	if err := toolPermitted(call, w.role.AllowedTools, w.role.Mode == models.ModeReadOnly); err != nil {
		return "error: " + err.Error()
	}
	if w.tripped(ctx) {
		return "error: cancelled"
	}
	out, err := w.invoker.Invoke(ctx, *call)
	if err != nil {
		return "error: " + err.Error()
	}
	return out
}

// failureResult classifies a completion error into a task failure.
func (w *Worker) failureResult(ctx context.Context, err error, tokens int64) *models.TaskResult {
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == context.DeadlineExceeded {
		return &models.TaskResult{
			TokensUsed: tokens,
			ErrorCode:  errCodeWorkerTimeout,
			Error:      fmt.Sprintf("task exceeded worker timeout %s", w.timeout),
		}
	}
	if errors.Is(err, context.Canceled) {
		return &models.TaskResult{TokensUsed: tokens, ErrorCode: errCodeCancelled, Error: "cancelled"}
	}
	code := errCodeCompletion
	var se *completion.ServiceError
	if errors.As(err, &se) {
		code = se.Code
	}
	return &models.TaskResult{TokensUsed: tokens, ErrorCode: code, Error: err.Error()}
}

// verdictFor parses a review verdict when the task is a review task.
func (w *Worker) verdictFor(task *models.Task, output string) models.Verdict {
	if task.ReviewOf == "" {
		return models.VerdictNone
	}
	return ParseVerdict(output)
}

// systemPrompt renders the crew header plus the role's instructions.
func (w *Worker) systemPrompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Crew Role: %s\nDescription: %s\n\n", w.role.Name, w.role.Description)
	b.WriteString(w.role.Instructions)
	if len(w.role.AllowedTools) > 0 {
		fmt.Fprintf(&b, "\n\nAvailable tools: %s.", strings.Join(w.role.AllowedTools, ", "))
		b.WriteString("\nTo use a tool respond with a fenced block: ```tool\n{\"tool\": \"name\", \"input\": {}}\n```")
	}
	return b.String()
}

// initialPrompt renders the task description plus rework feedback and the
// outputs of completed upstream tasks.
func (w *Worker) initialPrompt(task *models.Task) string {
	var b strings.Builder
	b.WriteString(task.Description)

	if task.Feedback != "" {
		b.WriteString("\n\n## Reviewer feedback on your previous attempt\n")
		b.WriteString(task.Feedback)
		b.WriteString("\nAddress every point before finishing.")
	}

	if ctx := w.board.ContextFor(task.ID); len(ctx) > 0 {
		b.WriteString("\n\n## Output from prerequisite tasks\n")
		for id, out := range ctx {
			fmt.Fprintf(&b, "### Task %s\n%s\n", id, out)
		}
	}
	return b.String()
}

// statusUpdate publishes a progress heartbeat; delivery failures are
// logged and ignored.
func (w *Worker) statusUpdate(taskID, detail string) {
	err := w.bus.Publish(&models.Message{
		Topic:     models.TopicStatusUpdate,
		Sender:    w.ID,
		Recipient: models.RecipientCoordinator,
		TaskID:    taskID,
		Payload:   detail,
	})
	if err != nil {
		w.logger.Log("worker %s: status update: %v", w.ID, err)
	}
}

// tripped reports whether the pool-wide cancellation flag, a shutdown
// broadcast, or the context has tripped. Checked at every checkpoint.
func (w *Worker) tripped(ctx context.Context) bool {
	if w.cancelled != nil && w.cancelled.Load() {
		return true
	}
	if ctx.Err() != nil {
		return true
	}
	if !w.shutdownSeen && w.bus != nil {
		if msg, err := w.bus.Receive(w.ID, 0); err == nil && msg.Topic == models.TopicShutdown {
			w.shutdownSeen = true
		}
	}
	return w.shutdownSeen
}
