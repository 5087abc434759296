package models

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task is waiting on dependencies.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusReady indicates all dependencies are done and the task awaits dispatch.
	TaskStatusReady TaskStatus = "ready"
	// TaskStatusRunning indicates a worker is executing the task.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusReview indicates the task completed and awaits a review verdict.
	TaskStatusReview TaskStatus = "review"
	// TaskStatusRework indicates a reviewer requested changes and the task will re-run.
	TaskStatusRework TaskStatus = "rework"
	// TaskStatusDone indicates the task completed successfully.
	TaskStatusDone TaskStatus = "done"
	// TaskStatusFailed indicates the task failed.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusCancelled indicates the task was cancelled before or during execution.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusReady, TaskStatusRunning, TaskStatusReview,
		TaskStatusRework, TaskStatusDone, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status is an end state a task can never leave.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusDone, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Task is a unit of work derived from the work order, bound to a role.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// Role is the name of the role that must execute this task.
	Role string `json:"role"`
	// Description is what the worker should do.
	Description string `json:"description"`
	// DependsOn lists task IDs that must complete before this task.
	DependsOn []string `json:"depends_on,omitempty"`
	// ContextFrom lists task IDs whose outputs are injected into the prompt.
	// Defaults to DependsOn when empty.
	ContextFrom []string `json:"context_from,omitempty"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// RetryCount is the number of rework cycles this task has been through.
	RetryCount int `json:"retry_count,omitempty"`
	// Output holds the task's produced output once it finishes.
	Output string `json:"output,omitempty"`
	// AssignedTo is the ID of the worker executing this task.
	AssignedTo string `json:"assigned_to,omitempty"`
	// Feedback carries reviewer feedback for the next rework attempt.
	Feedback string `json:"feedback,omitempty"`
	// ReviewOf points to the reviewed task ID when this is an implicit review task.
	ReviewOf string `json:"review_of,omitempty"`
	// Error contains the failure reason if the task failed or was cancelled.
	Error string `json:"error,omitempty"`
	// CreatedAt orders same-role tasks for FIFO dispatch.
	CreatedAt time.Time `json:"created_at"`
	// CompletedAt is when the task reached a terminal state, if it has.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Verdict is a reviewer's judgement of a completed task.
type Verdict string

const (
	// VerdictNone means no review applies to this result.
	VerdictNone Verdict = ""
	// VerdictApprove means the reviewer accepted the work.
	VerdictApprove Verdict = "approve"
	// VerdictRequestChanges means the reviewer wants the work redone.
	VerdictRequestChanges Verdict = "request_changes"
)

// TaskResult is the outcome of a single task execution.
type TaskResult struct {
	// TaskID identifies the task this result belongs to.
	TaskID string `json:"task_id"`
	// Role is the role name that produced the result.
	Role string `json:"role"`
	// WorkerID identifies the worker that executed the task.
	WorkerID string `json:"worker_id"`
	// Success is true when the task completed without error.
	Success bool `json:"success"`
	// Output is the produced text output.
	Output string `json:"output,omitempty"`
	// ErrorCode classifies the failure (e.g. "completion_error", "worker_timeout").
	ErrorCode string `json:"error_code,omitempty"`
	// Error is the human-readable failure reason.
	Error string `json:"error,omitempty"`
	// TokensUsed is the resource amount actually consumed.
	TokensUsed int64 `json:"tokens_used"`
	// Verdict is set when the result carries a review judgement.
	Verdict Verdict `json:"verdict,omitempty"`
	// Elapsed is the wall-clock execution time.
	Elapsed time.Duration `json:"elapsed"`
}
