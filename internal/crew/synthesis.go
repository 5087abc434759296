package crew

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gammazero/toposort"

	"github.com/crewkit/crewkit/internal/budget"
	"github.com/crewkit/crewkit/internal/completion"
	"github.com/crewkit/crewkit/pkg/models"
)

// excerptLen bounds per-task output excerpts in the report.
const excerptLen = 400

// TaskReport is one task's line in the final report.
type TaskReport struct {
	ID      string
	Role    string
	Status  models.TaskStatus
	Excerpt string
	Error   string
	Tokens  int64
	Retries int
}

// Report aggregates a finished run for the caller.
type Report struct {
	// WorkOrder is the original free-text request.
	WorkOrder string
	// Tasks lists every task in dependency order.
	Tasks []TaskReport
	// Done, Failed, and Cancelled count terminal outcomes.
	Done      int
	Failed    int
	Cancelled int
	// TokensConsumed is the ledger's committed total for the run.
	TokensConsumed int64
	// TokensTotal is the run's allowance (zero means unlimited).
	TokensTotal int64
	// Elapsed is the run's wall-clock duration.
	Elapsed time.Duration
	// Summary is the synthesized prose overview.
	Summary string
}

// Succeeded reports whether every task reached DONE.
func (r *Report) Succeeded() bool {
	return r.Failed == 0 && r.Cancelled == 0
}

// Synthesizer builds the final report from the board snapshot and asks
// the completion service for a prose summary.
type Synthesizer struct {
	svc    completion.Service
	ledger *budget.Ledger
	logger *DebugLogger
}

// NewSynthesizer creates a synthesizer. The ledger receives the summary
// call's own consumption.
func NewSynthesizer(svc completion.Service, ledger *budget.Ledger, logger *DebugLogger) *Synthesizer {
	if logger == nil {
		logger = NopLogger()
	}
	return &Synthesizer{svc: svc, ledger: ledger, logger: logger}
}

// Synthesize builds the report. The prose summary falls back to a
// generated digest when the completion call fails; synthesis itself never
// fails the run.
func (s *Synthesizer) Synthesize(ctx context.Context, workOrder string, tasks []*models.Task, tokensByTask map[string]int64, elapsed time.Duration) *Report {
	report := &Report{
		WorkOrder:   workOrder,
		Elapsed:     elapsed,
		TokensTotal: s.ledger.Total(),
	}

	for _, t := range orderTasks(tasks) {
		tr := TaskReport{
			ID:      t.ID,
			Role:    t.Role,
			Status:  t.Status,
			Excerpt: excerpt(t.Output),
			Error:   t.Error,
			Tokens:  tokensByTask[t.ID],
			Retries: t.RetryCount,
		}
		report.Tasks = append(report.Tasks, tr)
		switch t.Status {
		case models.TaskStatusDone:
			report.Done++
		case models.TaskStatusFailed:
			report.Failed++
		case models.TaskStatusCancelled:
			report.Cancelled++
		}
	}

	report.Summary = s.summarize(ctx, report)
	report.TokensConsumed = s.ledger.Consumed()
	return report
}

// summarize asks the completion service for a prose overview and commits
// the call's consumption to the ledger.
func (s *Synthesizer) summarize(ctx context.Context, report *Report) string {
	digest := renderDigest(report)
	if !s.ledger.CanReserve(0) {
		return digest
	}

	prompt := fmt.Sprintf(
		"Summarize the outcome of this multi-worker run for the person who requested it.\n"+
			"Lead with whether the work order was accomplished. Mention failures and their causes.\n\n"+
			"Work order:\n%s\n\nPer-task results:\n%s",
		report.WorkOrder, digest)

	resp, err := s.svc.Complete(ctx, completion.Request{Prompt: prompt})
	if err != nil {
		s.logger.Log("synthesis summary failed, using digest: %v", err)
		return digest
	}
	s.ledger.CommitDirect(resp.TokensUsed)
	return strings.TrimSpace(resp.Text)
}

// renderDigest produces the raw per-task fallback summary.
func renderDigest(report *Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d done, %d failed, %d cancelled\n", report.Done, report.Failed, report.Cancelled)
	for _, t := range report.Tasks {
		fmt.Fprintf(&b, "- [%s] %s (%s)", t.Status, t.ID, t.Role)
		if t.Retries > 0 {
			fmt.Fprintf(&b, " retries=%d", t.Retries)
		}
		if t.Error != "" {
			fmt.Fprintf(&b, " error=%s", t.Error)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// orderTasks sorts tasks topologically so downstream work appears after
// its prerequisites. Falls back to input order if the graph is somehow
// unsortable.
func orderTasks(tasks []*models.Task) []*models.Task {
	byID := make(map[string]*models.Task, len(tasks))
	var edges []toposort.Edge
	for _, t := range tasks {
		byID[t.ID] = t
		if len(t.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, t.ID})
			continue
		}
		for _, dep := range t.DependsOn {
			edges = append(edges, toposort.Edge{dep, t.ID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return tasks
	}
	out := make([]*models.Task, 0, len(tasks))
	for _, v := range sorted {
		id, ok := v.(string)
		if !ok {
			continue
		}
		if t, found := byID[id]; found {
			out = append(out, t)
		}
	}
	// Guard against tasks the edge list missed.
	if len(out) != len(tasks) {
		return tasks
	}
	return out
}

// excerpt truncates output for the report.
func excerpt(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= excerptLen {
		return s
	}
	return s[:excerptLen] + "... (truncated)"
}
