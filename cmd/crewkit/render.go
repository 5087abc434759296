package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"

	"github.com/crewkit/crewkit/internal/crew"
	"github.com/crewkit/crewkit/pkg/models"
)

var (
	okColor     = color.New(color.FgGreen)
	failColor   = color.New(color.FgRed)
	warnColor   = color.New(color.FgYellow)
	dimColor    = color.New(color.Faint)
	headerColor = color.New(color.Bold)
)

// renderEvents prints the live event stream, one line per event.
func renderEvents(events <-chan crew.Event) {
	for e := range events {
		switch e.Type {
		case crew.EventRunStarted:
			headerColor.Printf("▶ run started: %s\n", e.Message)
		case crew.EventTaskQueued:
			dimColor.Printf("  queued %s (%s)\n", e.TaskID, e.Role)
		case crew.EventTaskStarted:
			fmt.Printf("  started %s (%s)\n", e.TaskID, e.Role)
		case crew.EventTaskCompleted:
			okColor.Printf("  ✓ %s (%s)", e.TaskID, e.Role)
			if e.Message != "" {
				dimColor.Printf(" %s", e.Message)
			}
			fmt.Println()
		case crew.EventTaskFailed:
			failColor.Printf("  ✗ %s (%s): %s\n", e.TaskID, e.Role, e.Message)
		case crew.EventTaskCancelled:
			warnColor.Printf("  ⊘ %s: %s\n", e.TaskID, e.Message)
		case crew.EventReviewRequested:
			dimColor.Printf("  review requested for %s\n", e.TaskID)
		case crew.EventReworkTriggered:
			warnColor.Printf("  ↻ rework %s: %s\n", e.TaskID, e.Message)
		case crew.EventBudgetWarning:
			warnColor.Printf("  budget warning: %s\n", e.Message)
		case crew.EventBudgetBlocked:
			warnColor.Printf("  budget blocked %s: %s\n", e.TaskID, e.Message)
		case crew.EventWindingDown:
			headerColor.Printf("▼ winding down: %s\n", e.Message)
		case crew.EventRunDone:
			headerColor.Println("■ run done")
		}
	}
}

// printReport renders the final report.
func printReport(r *crew.Report) {
	fmt.Println()
	headerColor.Println("=== Run Report ===")
	fmt.Printf("work order: %s\n", r.WorkOrder)
	fmt.Printf("%d done, %d failed, %d cancelled in %s\n", r.Done, r.Failed, r.Cancelled, r.Elapsed.Round(time.Millisecond))
	if r.TokensTotal > 0 {
		fmt.Printf("tokens: %d of %d consumed\n", r.TokensConsumed, r.TokensTotal)
	} else {
		fmt.Printf("tokens: %d consumed\n", r.TokensConsumed)
	}

	fmt.Println()
	for _, t := range r.Tasks {
		line := fmt.Sprintf("[%s] %s (%s)", t.Status, t.ID, t.Role)
		if t.Retries > 0 {
			line += fmt.Sprintf(" retries=%d", t.Retries)
		}
		switch t.Status {
		case models.TaskStatusDone:
			okColor.Println(line)
		case models.TaskStatusFailed:
			failColor.Printf("%s: %s\n", line, t.Error)
		case models.TaskStatusCancelled:
			warnColor.Printf("%s: %s\n", line, t.Error)
		default:
			fmt.Println(line)
		}
	}

	if r.Summary != "" {
		fmt.Println()
		headerColor.Println("=== Summary ===")
		fmt.Println(r.Summary)
	}
}
