package crew

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crewkit/crewkit/internal/board"
	"github.com/crewkit/crewkit/pkg/models"
)

// ReviewRoleName is the role that executes implicit review tasks.
const ReviewRoleName = "reviewer"

// ParseVerdict classifies a reviewer's output. An output whose first line
// starts with LGTM or APPROVE (any case) approves; everything else is a
// change request with the full output as feedback.
func ParseVerdict(output string) models.Verdict {
	trimmed := strings.TrimSpace(output)
	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	upper := strings.ToUpper(strings.TrimSpace(trimmed))
	if strings.HasPrefix(upper, "LGTM") || strings.HasPrefix(upper, "APPROVE") {
		return models.VerdictApprove
	}
	return models.VerdictRequestChanges
}

// ReviewGate inserts implicit review tasks after auto-review work and
// applies reviewer verdicts to the board.
type ReviewGate struct {
	board   *board.Board
	roles   models.Registry
	emitter *EventEmitter
	logger  *DebugLogger
	// enabled gates the whole mechanism; off means work completes directly.
	enabled bool
}

// NewReviewGate creates a gate over the board. The gate is inert when
// enabled is false or the registry has no reviewer role.
func NewReviewGate(b *board.Board, roles models.Registry, emitter *EventEmitter, logger *DebugLogger, enabled bool) *ReviewGate {
	if logger == nil {
		logger = NopLogger()
	}
	return &ReviewGate{board: b, roles: roles, emitter: emitter, logger: logger, enabled: enabled}
}

// WantsReview reports whether a successful result for this task should go
// through review instead of completing directly.
func (g *ReviewGate) WantsReview(task *models.Task) bool {
	if !g.enabled || task.ReviewOf != "" {
		return false
	}
	role := g.roles.Get(task.Role)
	if role == nil || !role.AutoReview {
		return false
	}
	return g.roles.Get(ReviewRoleName) != nil
}

// HoldForReview parks a completed task in REVIEW and schedules the
// implicit review task examining it.
func (g *ReviewGate) HoldForReview(task *models.Task, output string) error {
	if err := g.board.MarkInReview(task.ID, output); err != nil {
		return err
	}

	review := &models.Task{
		ID:   "review-" + uuid.New().String()[:8],
		Role: ReviewRoleName,
		Description: fmt.Sprintf(
			"Review the output of task %s (%s).\n\nOriginal task:\n%s\n\n"+
				"Judge correctness and completeness. Begin your verdict with LGTM "+
				"to approve, otherwise list the required changes.",
			task.ID, task.Role, task.Description),
		DependsOn:   []string{task.ID},
		ContextFrom: []string{task.ID},
		ReviewOf:    task.ID,
		Status:      models.TaskStatusPending,
		CreatedAt:   time.Now(),
	}
	if err := g.board.AddTasks([]*models.Task{review}); err != nil {
		// The review task could not be scheduled; approve rather than wedge.
		g.logger.Log("review gate: scheduling review for %s failed, approving: %v", task.ID, err)
		return g.board.MarkDone(task.ID, output)
	}

	g.emitter.Emit(Event{
		Type:    EventReviewRequested,
		TaskID:  task.ID,
		Role:    task.Role,
		Message: "review task " + review.ID + " scheduled",
	})
	return nil
}

// ApplyVerdict resolves a finished review task against its target.
// Approval completes the target; a change request sends it to rework
// (which fails it past the rework ceiling).
func (g *ReviewGate) ApplyVerdict(review *models.Task, result *models.TaskResult) error {
	target := g.board.Get(review.ReviewOf)
	if target == nil {
		return fmt.Errorf("review %s targets unknown task %s", review.ID, review.ReviewOf)
	}

	if result.Verdict == models.VerdictApprove {
		if err := g.board.MarkDone(target.ID, target.Output); err != nil {
			return err
		}
		g.emitter.Emit(Event{
			Type:    EventTaskCompleted,
			TaskID:  target.ID,
			Role:    target.Role,
			Message: "approved by " + review.ID,
		})
		return nil
	}

	if err := g.board.RequestRework(target.ID, result.Output); err != nil {
		return err
	}
	// RequestRework fails the task instead when it is out of attempts.
	after := g.board.Get(target.ID)
	if after.Status == models.TaskStatusFailed {
		g.emitter.Emit(Event{
			Type:    EventTaskFailed,
			TaskID:  target.ID,
			Role:    target.Role,
			Message: after.Error,
		})
		return nil
	}
	g.emitter.Emit(Event{
		Type:    EventReworkTriggered,
		TaskID:  target.ID,
		Role:    target.Role,
		Message: fmt.Sprintf("attempt %d requested by %s", after.RetryCount, review.ID),
	})
	return nil
}

// PassThrough resolves a review whose reviewer errored: the target is
// approved with a warning so a broken reviewer never wedges the pipeline.
func (g *ReviewGate) PassThrough(review *models.Task, cause string) error {
	target := g.board.Get(review.ReviewOf)
	if target == nil {
		return fmt.Errorf("review %s targets unknown task %s", review.ID, review.ReviewOf)
	}
	g.logger.Log("review gate: reviewer for %s failed (%s), passing through", target.ID, cause)
	if err := g.board.MarkDone(target.ID, target.Output); err != nil {
		return err
	}
	g.emitter.Emit(Event{
		Type:    EventTaskCompleted,
		TaskID:  target.ID,
		Role:    target.Role,
		Message: "approved without review: reviewer failed (" + cause + ")",
	})
	return nil
}
