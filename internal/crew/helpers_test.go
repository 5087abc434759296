package crew

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/crewkit/crewkit/internal/completion"
	"github.com/crewkit/crewkit/internal/config"
	"github.com/crewkit/crewkit/pkg/models"
)

// fakeService scripts completion responses by inspecting the request.
type fakeService struct {
	mu      sync.Mutex
	handler func(req completion.Request) (*completion.Response, error)
	calls   []completion.Request
}

func (f *fakeService) Complete(ctx context.Context, req completion.Request) (*completion.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls = append(f.calls, req)
	handler := f.handler
	f.mu.Unlock()
	return handler(req)
}

func (f *fakeService) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// decompositionJSON renders a canned decomposer response.
func decompositionJSON(t *testing.T, tasks []map[string]interface{}) string {
	t.Helper()
	data, err := json.Marshal(tasks)
	if err != nil {
		t.Fatalf("marshal decomposition: %v", err)
	}
	return string(data)
}

// testConfig returns a config tuned for fast deterministic tests.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Budget.Total = 0 // unlimited unless a test says otherwise
	cfg.Budget.BaseEstimate = 100
	cfg.Crew.MaxWorkers = 4
	cfg.Crew.MaxRework = 2
	cfg.Crew.MaxIterations = 200
	cfg.Crew.AutoReview = false
	cfg.Timeouts.Run = 30 * time.Second
	cfg.Timeouts.Worker = 10 * time.Second
	cfg.Timeouts.Message = 10 * time.Millisecond
	return cfg
}

// testRoles returns a minimal registry: a coder with weight 1.0 and a
// reviewer, both capped at small parallelism.
func testRoles(autoReview bool) models.Registry {
	return models.Registry{
		"coder": &models.Role{
			Name:         "coder",
			Description:  "writes code",
			Instructions: "write the code",
			Mode:         models.ModeReadWrite,
			MaxParallel:  3,
			BudgetWeight: 1.0,
			AutoReview:   autoReview,
		},
		"reviewer": &models.Role{
			Name:         "reviewer",
			Description:  "reviews code",
			Instructions: "review the code",
			Mode:         models.ModeReadOnly,
			MaxParallel:  2,
			BudgetWeight: 1.0,
		},
	}
}

// isDecomposition reports whether a request is the decomposer's call.
func isDecomposition(req completion.Request) bool {
	return req.System == "" && contains(req.Prompt, "JSON array")
}

// isReview reports whether a request executes a review task.
func isReview(req completion.Request) bool {
	return contains(req.Prompt, "Review the output of task")
}

// isSynthesis reports whether a request is the summary pass.
func isSynthesis(req completion.Request) bool {
	return contains(req.Prompt, "Summarize the outcome")
}

func contains(s, sub string) bool {
	return strings.Contains(s, sub)
}

// runCoordinator drives a full run with the given script and returns the
// report.
func runCoordinator(t *testing.T, cfg *config.Config, roles models.Registry, handler func(req completion.Request) (*completion.Response, error)) *Report {
	t.Helper()

	svc := &fakeService{handler: handler}
	emitter := NewEventEmitter(256)
	go func() {
		for range emitter.Events() {
		}
	}()

	c := NewCoordinator(CoordinatorConfig{
		Config:  cfg,
		Roles:   roles,
		Service: svc,
		Emitter: emitter,
		Logger:  NopLogger(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	report, err := c.Run(ctx, "test work order")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	emitter.Close()
	if got := c.State(); got != StateTerminated {
		t.Errorf("coordinator state = %s, want terminated", got)
	}
	return report
}

// findTask locates a task report by role, failing the test if absent.
func findTask(t *testing.T, report *Report, role string) TaskReport {
	t.Helper()
	for _, tr := range report.Tasks {
		if tr.Role == role {
			return tr
		}
	}
	t.Fatalf("no task with role %s in report", role)
	return TaskReport{}
}
