package crew

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/crewkit/crewkit/internal/board"
	"github.com/crewkit/crewkit/internal/budget"
	"github.com/crewkit/crewkit/internal/bus"
	"github.com/crewkit/crewkit/internal/completion"
	"github.com/crewkit/crewkit/pkg/models"
)

// recordingInvoker logs invocations and returns a canned output.
type recordingInvoker struct {
	calls  []ToolCall
	output string
}

func (r *recordingInvoker) Invoke(_ context.Context, call ToolCall) (string, error) {
	r.calls = append(r.calls, call)
	return r.output, nil
}

type workerFixture struct {
	worker *Worker
	board  *board.Board
	ledger *budget.Ledger
	bus    *bus.Bus
}

func newWorkerFixture(t *testing.T, role *models.Role, svc completion.Service, invoker ToolInvoker) *workerFixture {
	t.Helper()
	b := board.New(2)
	ledger := budget.NewLedger(0)
	msgBus := bus.New()
	msgBus.Register(models.RecipientCoordinator)
	msgBus.Register("w-test")
	if invoker == nil {
		invoker = NopInvoker{}
	}
	var cancelled atomic.Bool
	return &workerFixture{
		worker: &Worker{
			ID:        "w-test",
			role:      role,
			board:     b,
			ledger:    ledger,
			bus:       msgBus,
			svc:       svc,
			invoker:   invoker,
			logger:    NopLogger(),
			cancelled: &cancelled,
		},
		board:  b,
		ledger: ledger,
		bus:    msgBus,
	}
}

// resultFor drains the coordinator queue until a terminal result arrives.
func (f *workerFixture) resultFor(t *testing.T) (*models.Message, *models.TaskResult) {
	t.Helper()
	for {
		msg, err := f.bus.Receive(models.RecipientCoordinator, time.Second)
		if err != nil {
			t.Fatalf("no result published: %v", err)
		}
		if msg.Topic == models.TopicStatusUpdate {
			continue
		}
		return msg, msg.Result
	}
}

func runTask(t *testing.T, f *workerFixture, task *models.Task) {
	t.Helper()
	if err := f.board.AddTasks([]*models.Task{task}); err != nil {
		t.Fatal(err)
	}
	f.board.Ready()
	if err := f.board.MarkRunning(task.ID, f.worker.ID); err != nil {
		t.Fatal(err)
	}
	if !f.ledger.Reserve(task.ID, 100) {
		t.Fatal("reserve failed")
	}
	f.worker.Execute(context.Background(), f.board.Get(task.ID))
}

func TestWorkerToolLoop(t *testing.T) {
	turn := 0
	svc := &fakeService{handler: func(req completion.Request) (*completion.Response, error) {
		turn++
		if turn == 1 {
			return &completion.Response{
				Text:       "```tool\n{\"tool\": \"read_file\", \"input\": {\"path\": \"go.mod\"}}\n```",
				TokensUsed: 10,
			}, nil
		}
		if !contains(req.Prompt, "module contents here") {
			t.Error("tool output not fed back into the conversation")
		}
		return &completion.Response{Text: "final answer", TokensUsed: 15}, nil
	}}
	invoker := &recordingInvoker{output: "module contents here"}

	role := testRoles(false)["coder"]
	f := newWorkerFixture(t, role, svc, invoker)
	runTask(t, f, &models.Task{ID: "t1", Role: "coder", Description: "inspect"})

	msg, result := f.resultFor(t)
	if msg.Topic != models.TopicTaskComplete {
		t.Fatalf("topic = %s, want complete", msg.Topic)
	}
	if result.Output != "final answer" {
		t.Errorf("output = %q", result.Output)
	}
	if result.TokensUsed != 25 {
		t.Errorf("tokens = %d, want 25 across both rounds", result.TokensUsed)
	}
	if len(invoker.calls) != 1 || invoker.calls[0].Name != "read_file" {
		t.Errorf("invoker calls = %+v", invoker.calls)
	}
	if got := f.ledger.Consumed(); got != 25 {
		t.Errorf("ledger consumed = %d, want committed actual", got)
	}
}

func TestWorkerReadOnlyDeniesMutatingTool(t *testing.T) {
	turn := 0
	svc := &fakeService{handler: func(req completion.Request) (*completion.Response, error) {
		turn++
		if turn == 1 {
			return &completion.Response{
				Text:       "```tool\n{\"tool\": \"write_file\", \"input\": {}}\n```",
				TokensUsed: 5,
			}, nil
		}
		if !contains(req.Prompt, "read-only") {
			t.Error("denial not reported back to the model")
		}
		return &completion.Response{Text: "ok then", TokensUsed: 5}, nil
	}}
	invoker := &recordingInvoker{output: "should never run"}

	role := testRoles(false)["reviewer"]
	role.AllowedTools = nil
	f := newWorkerFixture(t, role, svc, invoker)
	runTask(t, f, &models.Task{ID: "t1", Role: "reviewer", Description: "review"})

	if len(invoker.calls) != 0 {
		t.Errorf("mutating tool was invoked for a read-only role: %+v", invoker.calls)
	}
}

func TestWorkerTransientRetry(t *testing.T) {
	turn := 0
	svc := &fakeService{handler: func(req completion.Request) (*completion.Response, error) {
		turn++
		if turn == 1 {
			return nil, &completion.ServiceError{Code: "server_error", Transient: true}
		}
		return &completion.Response{Text: "recovered", TokensUsed: 10}, nil
	}}

	role := *testRoles(false)["coder"]
	role.RetryTransient = true
	f := newWorkerFixture(t, &role, svc, nil)
	runTask(t, f, &models.Task{ID: "t1", Role: "coder", Description: "work"})

	msg, result := f.resultFor(t)
	if msg.Topic != models.TopicTaskComplete {
		t.Fatalf("topic = %s, want complete after one retry", msg.Topic)
	}
	if result.Output != "recovered" {
		t.Errorf("output = %q", result.Output)
	}
	if turn != 2 {
		t.Errorf("service calls = %d, want 2", turn)
	}
}

func TestWorkerTransientRetryOnlyOnce(t *testing.T) {
	turn := 0
	svc := &fakeService{handler: func(req completion.Request) (*completion.Response, error) {
		turn++
		return nil, &completion.ServiceError{Code: "server_error", Transient: true}
	}}

	role := *testRoles(false)["coder"]
	role.RetryTransient = true
	f := newWorkerFixture(t, &role, svc, nil)
	runTask(t, f, &models.Task{ID: "t1", Role: "coder", Description: "work"})

	msg, result := f.resultFor(t)
	if msg.Topic != models.TopicTaskFailed {
		t.Fatalf("topic = %s, want failed after retry budget spent", msg.Topic)
	}
	if result.ErrorCode != "server_error" {
		t.Errorf("error code = %q", result.ErrorCode)
	}
	if turn != 2 {
		t.Errorf("service calls = %d, want original plus one retry", turn)
	}
}

func TestWorkerNoRetryWithoutFlag(t *testing.T) {
	turn := 0
	svc := &fakeService{handler: func(req completion.Request) (*completion.Response, error) {
		turn++
		return nil, &completion.ServiceError{Code: "server_error", Transient: true}
	}}

	f := newWorkerFixture(t, testRoles(false)["reviewer"], svc, nil)
	runTask(t, f, &models.Task{ID: "t1", Role: "reviewer", Description: "work"})

	msg, _ := f.resultFor(t)
	if msg.Topic != models.TopicTaskFailed {
		t.Fatalf("topic = %s, want failed", msg.Topic)
	}
	if turn != 1 {
		t.Errorf("service calls = %d, want 1 without retry-transient", turn)
	}
}

func TestWorkerTimesOut(t *testing.T) {
	block := &blockingService{release: make(chan struct{})}
	defer close(block.release)

	f := newWorkerFixture(t, testRoles(false)["coder"], block, nil)
	f.worker.timeout = 30 * time.Millisecond
	runTask(t, f, &models.Task{ID: "t1", Role: "coder", Description: "slow"})

	msg, result := f.resultFor(t)
	if msg.Topic != models.TopicTaskFailed {
		t.Fatalf("topic = %s, want failed on timeout", msg.Topic)
	}
	if result.ErrorCode != errCodeWorkerTimeout {
		t.Errorf("error code = %q, want %s", result.ErrorCode, errCodeWorkerTimeout)
	}
	// Nothing consumed: the reservation must be released, not committed.
	if got := f.ledger.Reserved(); got != 0 {
		t.Errorf("reserved = %d, want released to 0", got)
	}
	if got := f.ledger.Consumed(); got != 0 {
		t.Errorf("consumed = %d, want 0", got)
	}
}

func TestWorkerCancelledBeforeStart(t *testing.T) {
	svc := &fakeService{handler: func(req completion.Request) (*completion.Response, error) {
		t.Error("service must not be called after cancellation")
		return nil, nil
	}}
	f := newWorkerFixture(t, testRoles(false)["coder"], svc, nil)
	f.worker.cancelled.Store(true)
	runTask(t, f, &models.Task{ID: "t1", Role: "coder", Description: "work"})

	msg, result := f.resultFor(t)
	if msg.Topic != models.TopicTaskCancelled {
		t.Fatalf("topic = %s, want cancelled", msg.Topic)
	}
	if result.ErrorCode != errCodeCancelled {
		t.Errorf("error code = %q", result.ErrorCode)
	}
}

func TestWorkerReviewVerdict(t *testing.T) {
	svc := &fakeService{handler: func(req completion.Request) (*completion.Response, error) {
		return &completion.Response{Text: "LGTM, ship it", TokensUsed: 5}, nil
	}}
	f := newWorkerFixture(t, testRoles(false)["reviewer"], svc, nil)

	target := &models.Task{ID: "impl", Role: "coder"}
	if err := f.board.AddTasks([]*models.Task{target}); err != nil {
		t.Fatal(err)
	}
	f.board.Ready()
	if err := f.board.MarkRunning("impl", "w0"); err != nil {
		t.Fatal(err)
	}
	if err := f.board.MarkInReview("impl", "held"); err != nil {
		t.Fatal(err)
	}

	review := &models.Task{ID: "rev", Role: "reviewer", Description: "check impl", DependsOn: []string{"impl"}, ReviewOf: "impl"}
	runTask(t, f, review)

	_, result := f.resultFor(t)
	if result.Verdict != models.VerdictApprove {
		t.Errorf("verdict = %q, want approve", result.Verdict)
	}
}
