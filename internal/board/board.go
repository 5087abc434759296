// Package board holds the shared task state machine for a crew run.
//
// The board is the single source of truth for task status. Dependency
// bookkeeping, dispatch eligibility, rework accounting, and failure
// cascades all happen here under one mutex, so the coordinator and the
// review gate never race each other on task state.
package board

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/crewkit/crewkit/pkg/models"
)

// DefaultMaxRework bounds review-driven re-execution per task.
const DefaultMaxRework = 2

// ValidationError reports a structural problem with a task set: duplicate
// IDs, unknown dependencies, or dependency cycles.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid task set: " + strings.Join(e.Problems, "; ")
}

// Board is a mutex-guarded collection of tasks and their dependency edges.
type Board struct {
	mu sync.Mutex

	tasks map[string]*models.Task
	// dependents maps a task ID to the IDs that depend on it.
	dependents map[string][]string
	// order preserves insertion order for deterministic snapshots.
	order []string
	// maxRework bounds RequestRework per task; past it the task fails.
	maxRework int
}

// New creates an empty board with the given rework ceiling. A negative
// ceiling falls back to DefaultMaxRework.
func New(maxRework int) *Board {
	if maxRework < 0 {
		maxRework = DefaultMaxRework
	}
	return &Board{
		tasks:      make(map[string]*models.Task),
		dependents: make(map[string][]string),
		maxRework:  maxRework,
	}
}

// AddTasks validates and installs a batch of tasks. The whole batch is
// rejected on duplicate IDs, unknown dependencies, or cycles; partial
// installs never happen. New tasks start PENDING.
func (b *Board) AddTasks(tasks []*models.Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var problems []string
	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if t.ID == "" {
			problems = append(problems, "task with empty id")
			continue
		}
		if seen[t.ID] || b.tasks[t.ID] != nil {
			problems = append(problems, fmt.Sprintf("duplicate task id %s", t.ID))
		}
		seen[t.ID] = true
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if !seen[dep] && b.tasks[dep] == nil {
				problems = append(problems, fmt.Sprintf("task %s depends on unknown task %s", t.ID, dep))
			}
		}
	}
	if len(problems) == 0 {
		if cycle := findCycle(tasks, b.tasks); cycle != "" {
			problems = append(problems, "dependency cycle involving "+cycle)
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}

	for _, t := range tasks {
		if t.Status == "" {
			t.Status = models.TaskStatusPending
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = time.Now()
		}
		b.tasks[t.ID] = t
		b.order = append(b.order, t.ID)
		for _, dep := range t.DependsOn {
			b.dependents[dep] = append(b.dependents[dep], t.ID)
		}
	}
	return nil
}

// Ready promotes eligible PENDING and REWORK tasks to READY and returns
// every READY task, rework re-runs first, then oldest-created first.
//
// A dependency is satisfied when it is DONE, or when it sits in REVIEW and
// the dependent is the review task examining it. Without that carve-out the
// implicit review task could never start.
func (b *Board) Ready() []*models.Task {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, id := range b.order {
		t := b.tasks[id]
		if t.Status != models.TaskStatusPending && t.Status != models.TaskStatusRework {
			continue
		}
		if b.depsSatisfied(t) {
			t.Status = models.TaskStatusReady
		}
	}

	var ready []*models.Task
	for _, id := range b.order {
		if t := b.tasks[id]; t.Status == models.TaskStatusReady {
			ready = append(ready, t)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		ri, rj := ready[i].RetryCount > 0, ready[j].RetryCount > 0
		if ri != rj {
			return ri
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})
	return ready
}

// depsSatisfied reports whether every dependency of t permits it to run.
// Caller holds b.mu.
func (b *Board) depsSatisfied(t *models.Task) bool {
	for _, dep := range t.DependsOn {
		d, ok := b.tasks[dep]
		if !ok {
			return false
		}
		if d.Status == models.TaskStatusDone {
			continue
		}
		if d.Status == models.TaskStatusReview && t.ReviewOf == dep {
			continue
		}
		return false
	}
	return true
}

// MarkRunning transitions a READY task to RUNNING and records the worker.
func (b *Board) MarkRunning(taskID, workerID string) error {
	return b.transition(taskID, models.TaskStatusRunning, func(t *models.Task) {
		t.AssignedTo = workerID
	}, models.TaskStatusReady)
}

// MarkDone transitions a task to DONE with its output.
func (b *Board) MarkDone(taskID, output string) error {
	return b.transition(taskID, models.TaskStatusDone, func(t *models.Task) {
		t.Output = output
		now := time.Now()
		t.CompletedAt = &now
	}, models.TaskStatusRunning, models.TaskStatusReview)
}

// MarkInReview transitions a RUNNING task to REVIEW, holding its output
// until a verdict arrives.
func (b *Board) MarkInReview(taskID, output string) error {
	return b.transition(taskID, models.TaskStatusReview, func(t *models.Task) {
		t.Output = output
	}, models.TaskStatusRunning)
}

// MarkFailed transitions a task to FAILED and cascades FAILED to every
// transitive dependent that has not yet reached a terminal state. Cascaded
// tasks record the root cause in their Error field.
func (b *Board) MarkFailed(taskID, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.tasks[taskID]
	if !ok {
		return fmt.Errorf("unknown task %s", taskID)
	}
	if t.Status.Terminal() {
		return fmt.Errorf("task %s already %s", taskID, t.Status)
	}
	b.fail(t, reason)
	b.cascade(taskID, fmt.Sprintf("dependency %s failed", taskID))
	return nil
}

// MarkCancelled transitions a task to CANCELLED with a reason. Terminal
// tasks are left alone.
func (b *Board) MarkCancelled(taskID, reason string) error {
	return b.transition(taskID, models.TaskStatusCancelled, func(t *models.Task) {
		t.Error = reason
		now := time.Now()
		t.CompletedAt = &now
	}, models.TaskStatusPending, models.TaskStatusReady, models.TaskStatusRunning,
		models.TaskStatusReview, models.TaskStatusRework)
}

// RequestRework sends a reviewed task back for another attempt with the
// reviewer's feedback attached. Past the rework ceiling the task is FAILED
// instead and the failure cascades.
func (b *Board) RequestRework(taskID, feedback string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.tasks[taskID]
	if !ok {
		return fmt.Errorf("unknown task %s", taskID)
	}
	if t.Status != models.TaskStatusReview {
		return fmt.Errorf("task %s is %s, not in review", taskID, t.Status)
	}
	if t.RetryCount >= b.maxRework {
		b.fail(t, fmt.Sprintf("rework limit reached (%d); last feedback: %s", b.maxRework, feedback))
		b.cascade(taskID, fmt.Sprintf("dependency %s failed", taskID))
		return nil
	}
	t.RetryCount++
	t.Feedback = feedback
	t.AssignedTo = ""
	t.Status = models.TaskStatusRework
	return nil
}

// Get returns a copy of the task, or nil if unknown.
func (b *Board) Get(taskID string) *models.Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[taskID]
	if !ok {
		return nil
	}
	cp := *t
	return &cp
}

// ContextFor collects the outputs of the tasks feeding into taskID, keyed
// by source task ID. Only DONE and REVIEW sources contribute.
func (b *Board) ContextFor(taskID string) map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.tasks[taskID]
	if !ok {
		return nil
	}
	sources := t.ContextFrom
	if len(sources) == 0 {
		sources = t.DependsOn
	}
	ctx := make(map[string]string, len(sources))
	for _, src := range sources {
		if s, ok := b.tasks[src]; ok {
			if s.Status == models.TaskStatusDone || s.Status == models.TaskStatusReview {
				ctx[src] = s.Output
			}
		}
	}
	return ctx
}

// Resolved reports whether every task has reached a terminal state or is
// stuck PENDING behind work that can never complete. With no RUNNING,
// READY, REVIEW, or REWORK tasks left, nothing further can happen.
func (b *Board) Resolved() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.tasks {
		switch t.Status {
		case models.TaskStatusReady, models.TaskStatusRunning,
			models.TaskStatusReview, models.TaskStatusRework:
			return false
		case models.TaskStatusPending:
			if b.depsSatisfied(t) {
				return false
			}
		}
	}
	return true
}

// Counts returns the number of tasks in each status.
func (b *Board) Counts() map[models.TaskStatus]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	counts := make(map[models.TaskStatus]int)
	for _, t := range b.tasks {
		counts[t.Status]++
	}
	return counts
}

// Snapshot returns copies of every task in insertion order.
func (b *Board) Snapshot() []*models.Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*models.Task, 0, len(b.order))
	for _, id := range b.order {
		cp := *b.tasks[id]
		out = append(out, &cp)
	}
	return out
}

// transition applies a guarded status change. Caller does not hold b.mu.
func (b *Board) transition(taskID string, to models.TaskStatus, apply func(*models.Task), from ...models.TaskStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.tasks[taskID]
	if !ok {
		return fmt.Errorf("unknown task %s", taskID)
	}
	allowed := false
	for _, f := range from {
		if t.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("task %s is %s, cannot move to %s", taskID, t.Status, to)
	}
	if apply != nil {
		apply(t)
	}
	t.Status = to
	return nil
}

// fail marks t FAILED in place. Caller holds b.mu.
func (b *Board) fail(t *models.Task, reason string) {
	t.Status = models.TaskStatusFailed
	t.Error = reason
	now := time.Now()
	t.CompletedAt = &now
}

// cascade marks every transitive non-terminal dependent of rootID FAILED.
// Caller holds b.mu.
func (b *Board) cascade(rootID, reason string) {
	queue := append([]string(nil), b.dependents[rootID]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		t, ok := b.tasks[id]
		if !ok || t.Status.Terminal() {
			continue
		}
		b.fail(t, reason)
		queue = append(queue, b.dependents[id]...)
	}
}

// findCycle runs a DFS coloring over the new tasks plus the existing ones
// and returns an ID on a cycle, or "" when the graph is acyclic.
func findCycle(batch []*models.Task, existing map[string]*models.Task) string {
	deps := make(map[string][]string, len(batch)+len(existing))
	for id, t := range existing {
		deps[id] = t.DependsOn
	}
	for _, t := range batch {
		deps[t.ID] = t.DependsOn
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(deps))

	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		for _, dep := range deps[id] {
			switch color[dep] {
			case gray:
				return dep
			case white:
				if hit := visit(dep); hit != "" {
					return hit
				}
			}
		}
		color[id] = black
		return ""
	}

	for id := range deps {
		if color[id] == white {
			if hit := visit(id); hit != "" {
				return hit
			}
		}
	}
	return ""
}
