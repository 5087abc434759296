package crew

import (
	"context"
	"testing"
	"time"

	"github.com/crewkit/crewkit/internal/board"
	"github.com/crewkit/crewkit/internal/budget"
	"github.com/crewkit/crewkit/internal/bus"
	"github.com/crewkit/crewkit/internal/completion"
	"github.com/crewkit/crewkit/pkg/models"
)

// blockingService parks every call until released.
type blockingService struct {
	release chan struct{}
}

func (s *blockingService) Complete(ctx context.Context, req completion.Request) (*completion.Response, error) {
	select {
	case <-s.release:
		return &completion.Response{Text: "done", TokensUsed: 5}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type poolFixture struct {
	pool   *Pool
	board  *board.Board
	ledger *budget.Ledger
	bus    *bus.Bus
	svc    *blockingService
}

func newPoolFixture(t *testing.T, roles models.Registry, ceiling int) *poolFixture {
	t.Helper()
	b := board.New(2)
	ledger := budget.NewLedger(0)
	msgBus := bus.New()
	msgBus.Register(models.RecipientCoordinator)
	svc := &blockingService{release: make(chan struct{})}

	pool := NewPool(context.Background(), PoolConfig{
		Roles:         roles,
		Board:         b,
		Ledger:        ledger,
		Bus:           msgBus,
		Service:       svc,
		Logger:        NopLogger(),
		GlobalCeiling: ceiling,
	})
	return &poolFixture{pool: pool, board: b, ledger: ledger, bus: msgBus, svc: svc}
}

func addReady(t *testing.T, f *poolFixture, ids ...string) []*models.Task {
	t.Helper()
	var tasks []*models.Task
	for _, id := range ids {
		tasks = append(tasks, &models.Task{ID: id, Role: "coder", Description: "work " + id})
	}
	if err := f.board.AddTasks(tasks); err != nil {
		t.Fatal(err)
	}
	return f.board.Ready()
}

func reserveAll(t *testing.T, f *poolFixture, tasks []*models.Task) {
	t.Helper()
	for _, task := range tasks {
		if !f.ledger.Reserve(task.ID, 10) {
			t.Fatalf("reserve %s failed", task.ID)
		}
	}
}

func TestPoolRespectsRoleCap(t *testing.T) {
	roles := testRoles(false)
	roles["coder"].MaxParallel = 2
	f := newPoolFixture(t, roles, 10)
	ready := addReady(t, f, "a", "b", "c")
	reserveAll(t, f, ready)

	dispatched := 0
	for _, task := range ready {
		ok, err := f.pool.TryDispatch(task)
		if err != nil {
			t.Fatalf("TryDispatch: %v", err)
		}
		if ok {
			dispatched++
		}
	}
	if dispatched != 2 {
		t.Fatalf("dispatched %d, want role cap of 2", dispatched)
	}
	if got := f.pool.ActiveForRole("coder"); got != 2 {
		t.Errorf("active coders = %d, want 2", got)
	}

	// Freeing the workers must free the slots.
	close(f.svc.release)
	if err := f.pool.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := f.pool.ActiveCount(); got != 0 {
		t.Errorf("active after shutdown = %d, want 0", got)
	}
}

func TestPoolRespectsGlobalCeiling(t *testing.T) {
	roles := testRoles(false)
	roles["coder"].MaxParallel = 5
	f := newPoolFixture(t, roles, 1)
	ready := addReady(t, f, "a", "b")
	reserveAll(t, f, ready)

	ok1, _ := f.pool.TryDispatch(ready[0])
	ok2, _ := f.pool.TryDispatch(ready[1])
	if !ok1 || ok2 {
		t.Errorf("dispatch results = %v,%v; want only the first under ceiling 1", ok1, ok2)
	}
	close(f.svc.release)
	f.pool.Shutdown()
}

func TestPoolUnknownRole(t *testing.T) {
	f := newPoolFixture(t, testRoles(false), 4)
	task := &models.Task{ID: "x", Role: "ghost", Status: models.TaskStatusReady}

	ok, err := f.pool.TryDispatch(task)
	if ok || err == nil {
		t.Errorf("TryDispatch unknown role = (%v, %v), want (false, error)", ok, err)
	}
}

func TestPoolDispatchMarksRunning(t *testing.T) {
	f := newPoolFixture(t, testRoles(false), 4)
	ready := addReady(t, f, "a")
	reserveAll(t, f, ready)

	ok, err := f.pool.TryDispatch(ready[0])
	if err != nil || !ok {
		t.Fatalf("TryDispatch = (%v, %v)", ok, err)
	}
	got := f.board.Get("a")
	if got.Status != models.TaskStatusRunning {
		t.Errorf("task status = %s, want running", got.Status)
	}
	if got.AssignedTo == "" {
		t.Error("task has no assigned worker")
	}

	close(f.svc.release)
	f.pool.Shutdown()

	// The worker must have published a completion result.
	msg, err := f.bus.Receive(models.RecipientCoordinator, time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	// Status updates may precede the result.
	for msg.Topic == models.TopicStatusUpdate {
		msg, err = f.bus.Receive(models.RecipientCoordinator, time.Second)
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
	}
	if msg.Topic != models.TopicTaskComplete {
		t.Fatalf("topic = %s, want task_complete", msg.Topic)
	}
	if msg.Result == nil || !msg.Result.Success {
		t.Errorf("result = %+v, want success", msg.Result)
	}
	// Actual usage replaces the reservation.
	if got := f.ledger.Consumed(); got != 5 {
		t.Errorf("consumed = %d, want worker's actual 5", got)
	}
	if got := f.ledger.Reserved(); got != 0 {
		t.Errorf("reserved = %d, want 0 after commit", got)
	}
}

func TestPoolCancelTripsWorkers(t *testing.T) {
	f := newPoolFixture(t, testRoles(false), 4)
	ready := addReady(t, f, "a")
	reserveAll(t, f, ready)

	ok, err := f.pool.TryDispatch(ready[0])
	if err != nil || !ok {
		t.Fatalf("TryDispatch = (%v, %v)", ok, err)
	}

	f.pool.Cancel()
	// The worker is parked in the service call; cancellation trips at the
	// next checkpoint once the call returns.
	close(f.svc.release)
	f.pool.Shutdown()

	var sawCancelOrComplete bool
	for {
		msg, err := f.bus.Receive(models.RecipientCoordinator, 100*time.Millisecond)
		if err != nil {
			break
		}
		if msg.Topic == models.TopicTaskCancelled || msg.Topic == models.TopicTaskComplete {
			sawCancelOrComplete = true
		}
	}
	if !sawCancelOrComplete {
		t.Error("no terminal result published after cancel")
	}
	if !f.pool.Cancelled() {
		t.Error("pool does not report cancelled")
	}
}

func TestPoolDeniesDispatchAfterCancel(t *testing.T) {
	f := newPoolFixture(t, testRoles(false), 4)
	ready := addReady(t, f, "a")
	reserveAll(t, f, ready)

	f.pool.Cancel()
	ok, err := f.pool.TryDispatch(ready[0])
	if ok || err != nil {
		t.Errorf("TryDispatch after cancel = (%v, %v), want (false, nil)", ok, err)
	}
}
