package crew

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crewkit/crewkit/internal/completion"
	"github.com/crewkit/crewkit/pkg/models"
)

// DecompositionError reports that a work order could not be turned into a
// valid task set. It aborts the run before any dispatch.
type DecompositionError struct {
	Reason string
	Err    error
}

func (e *DecompositionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decomposition failed: %s: %v", e.Reason, e.Err)
	}
	return "decomposition failed: " + e.Reason
}

func (e *DecompositionError) Unwrap() error {
	return e.Err
}

// decomposedTask is the JSON structure the completion model returns for a
// single subtask.
type decomposedTask struct {
	Title       string   `json:"title"`
	Role        string   `json:"role"`
	Description string   `json:"description"`
	DependsOn   []string `json:"depends_on"`
}

const decompositionPrompt = `Break the following work order into subtasks for a crew of role-specialized workers.

Available roles:
%s

Work order:
%s

Respond with ONLY a JSON array. Each element:
{
  "title": "short unique title",
  "role": "one of the available role names",
  "description": "complete, self-contained instructions for the worker",
  "depends_on": ["titles of tasks that must finish first"]
}

Rules:
- Every task must name one of the available roles.
- Dependencies must reference titles from this array only.
- No dependency cycles.
- Verification or review tasks must depend on the task they examine.
- Prefer the smallest set of tasks that covers the work order.`

// Decomposer turns a free-text work order into a dependency-ordered task
// set via the completion service.
type Decomposer struct {
	svc    completion.Service
	roles  models.Registry
	logger *DebugLogger
}

// NewDecomposer creates a decomposer over the given roles.
func NewDecomposer(svc completion.Service, roles models.Registry, logger *DebugLogger) *Decomposer {
	if logger == nil {
		logger = NopLogger()
	}
	return &Decomposer{svc: svc, roles: roles, logger: logger}
}

// Decompose produces the task set for a work order. The returned tokens
// count is what the call consumed, for budget accounting.
func (d *Decomposer) Decompose(ctx context.Context, workOrder string) ([]*models.Task, int64, error) {
	if strings.TrimSpace(workOrder) == "" {
		return nil, 0, &DecompositionError{Reason: "empty work order"}
	}

	prompt := fmt.Sprintf(decompositionPrompt, d.roleCatalog(), workOrder)
	resp, err := d.svc.Complete(ctx, completion.Request{Prompt: prompt})
	if err != nil {
		return nil, 0, &DecompositionError{Reason: "completion call failed", Err: err}
	}

	d.logger.Log("decomposition response: %d chars, %d tokens", len(resp.Text), resp.TokensUsed)

	tasks, err := d.parseResponse(resp.Text)
	if err != nil {
		return nil, resp.TokensUsed, &DecompositionError{Reason: "unparseable response", Err: err}
	}
	return tasks, resp.TokensUsed, nil
}

// roleCatalog renders the role list for the decomposition prompt.
func (d *Decomposer) roleCatalog() string {
	var b strings.Builder
	for _, name := range d.roles.Names() {
		role := d.roles.Get(name)
		fmt.Fprintf(&b, "- %s: %s\n", role.Name, role.Description)
	}
	return b.String()
}

// parseResponse extracts the JSON task array and resolves title
// references into task IDs.
func (d *Decomposer) parseResponse(response string) ([]*models.Task, error) {
	jsonStart := strings.Index(response, "[")
	jsonEnd := strings.LastIndex(response, "]")
	if jsonStart == -1 || jsonEnd == -1 || jsonEnd <= jsonStart {
		return nil, fmt.Errorf("no JSON array found in response (%d chars)", len(response))
	}

	var decomposed []decomposedTask
	if err := json.Unmarshal([]byte(response[jsonStart:jsonEnd+1]), &decomposed); err != nil {
		return nil, fmt.Errorf("unmarshal JSON: %w", err)
	}
	if len(decomposed) == 0 {
		return nil, fmt.Errorf("empty task list returned")
	}

	titleToID := make(map[string]string, len(decomposed))
	tasks := make([]*models.Task, len(decomposed))
	now := time.Now()

	for i, dt := range decomposed {
		if dt.Title == "" {
			return nil, fmt.Errorf("task %d has no title", i)
		}
		if _, dup := titleToID[dt.Title]; dup {
			return nil, fmt.Errorf("duplicate task title %q", dt.Title)
		}
		if d.roles.Get(dt.Role) == nil {
			return nil, fmt.Errorf("task %q names unknown role %q", dt.Title, dt.Role)
		}
		id := uuid.New().String()[:8]
		titleToID[dt.Title] = id

		tasks[i] = &models.Task{
			ID:          id,
			Role:        dt.Role,
			Description: dt.Description,
			Status:      models.TaskStatusPending,
			// Stagger creation times so FIFO ordering is deterministic.
			CreatedAt: now.Add(time.Duration(i) * time.Microsecond),
		}
	}

	for i, dt := range decomposed {
		for _, depTitle := range dt.DependsOn {
			depID, ok := titleToID[depTitle]
			if !ok {
				return nil, fmt.Errorf("unknown dependency %q for task %q", depTitle, dt.Title)
			}
			if depID == tasks[i].ID {
				return nil, fmt.Errorf("task %q depends on itself", dt.Title)
			}
			tasks[i].DependsOn = append(tasks[i].DependsOn, depID)
		}
	}
	return tasks, nil
}
