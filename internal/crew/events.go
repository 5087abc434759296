// Package crew coordinates the decomposition, dispatch, review, and
// synthesis of a work order across role-specialized workers.
package crew

import "time"

// EventType identifies what happened during a crew run.
type EventType string

const (
	// EventRunStarted fires once after decomposition succeeds.
	EventRunStarted EventType = "run_started"
	// EventTaskQueued fires when a task becomes ready for dispatch.
	EventTaskQueued EventType = "task_queued"
	// EventTaskStarted fires when a worker picks up a task.
	EventTaskStarted EventType = "task_started"
	// EventTaskCompleted fires when a task reaches DONE.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskFailed fires when a task reaches FAILED.
	EventTaskFailed EventType = "task_failed"
	// EventTaskCancelled fires when a task reaches CANCELLED.
	EventTaskCancelled EventType = "task_cancelled"
	// EventReviewRequested fires when the review gate inserts a review task.
	EventReviewRequested EventType = "review_requested"
	// EventReworkTriggered fires when a reviewer sends a task back.
	EventReworkTriggered EventType = "rework_triggered"
	// EventBudgetWarning fires once when the ledger crosses its threshold.
	EventBudgetWarning EventType = "budget_warning"
	// EventBudgetBlocked fires when dispatch is denied for lack of budget.
	EventBudgetBlocked EventType = "budget_blocked"
	// EventWindingDown fires when the coordinator stops dispatching.
	EventWindingDown EventType = "winding_down"
	// EventRunDone fires once with the final report attached.
	EventRunDone EventType = "run_done"
)

// Event is one observable state change in a crew run.
type Event struct {
	// Type identifies what happened.
	Type EventType
	// TaskID is the related task, if any.
	TaskID string
	// Role is the related role name, if any.
	Role string
	// WorkerID is the related worker, if any.
	WorkerID string
	// Message is a human-readable detail line.
	Message string
	// TokensUsed carries consumption for completion/failure events.
	TokensUsed int64
	// Report is attached to EventRunDone.
	Report *Report
	// Timestamp is when the event was emitted.
	Timestamp time.Time
}
