// Package budget tracks shared resource consumption for a crew run.
//
// A single Ledger is shared by the coordinator and every worker. Workers
// reserve an estimated amount before starting a task and commit the actual
// amount when the task finishes, so concurrent reservations can never push
// the run past its total allowance.
package budget

import (
	"fmt"
	"sync"
)

// Status describes how much of the budget remains.
type Status string

const (
	// StatusOK means consumption is below the warning threshold.
	StatusOK Status = "ok"
	// StatusWarning means consumption has crossed the warning threshold.
	StatusWarning Status = "warning"
	// StatusExhausted means no further reservation can succeed.
	StatusExhausted Status = "exhausted"
)

// DefaultWarningThreshold is the committed+reserved fraction at which the
// ledger starts reporting StatusWarning.
const DefaultWarningThreshold = 0.8

// Ledger is a concurrency-safe reserve/commit/release budget account.
//
// The invariant reserved+consumed <= total holds at all times; Reserve is
// the only operation that can fail, and it fails instead of overcommitting.
type Ledger struct {
	mu sync.Mutex

	// total is the run's full allowance. Zero means unlimited.
	total int64
	// consumed is the sum of committed actual usage.
	consumed int64
	// reserved is the sum of outstanding reservations.
	reserved int64
	// reservations maps task ID to its outstanding reservation.
	reservations map[string]int64
	// warningThreshold is the fraction of total at which Status becomes Warning.
	warningThreshold float64
}

// NewLedger creates a ledger with the given total allowance. A total of
// zero or less means the budget is unlimited.
func NewLedger(total int64) *Ledger {
	return &Ledger{
		total:            total,
		reservations:     make(map[string]int64),
		warningThreshold: DefaultWarningThreshold,
	}
}

// SetWarningThreshold overrides the warning fraction. Values outside (0, 1]
// are ignored.
func (l *Ledger) SetWarningThreshold(f float64) {
	if f <= 0 || f > 1 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warningThreshold = f
}

// Reserve sets aside amount for taskID. It returns false without reserving
// anything when the reservation would exceed the total allowance, or when
// the task already holds a reservation.
func (l *Ledger) Reserve(taskID string, amount int64) bool {
	if amount < 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.reservations[taskID]; exists {
		return false
	}
	if l.total > 0 && l.consumed+l.reserved+amount > l.total {
		return false
	}
	l.reservations[taskID] = amount
	l.reserved += amount
	return true
}

// Commit converts taskID's reservation into actual consumption. The actual
// amount may differ from the reservation in either direction; the
// reservation is dropped and actual is added to consumed.
func (l *Ledger) Commit(taskID string, actual int64) error {
	if actual < 0 {
		actual = 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	held, ok := l.reservations[taskID]
	if !ok {
		return fmt.Errorf("no reservation held for task %s", taskID)
	}
	delete(l.reservations, taskID)
	l.reserved -= held
	l.consumed += actual
	return nil
}

// CommitDirect adds actual consumption with no prior reservation. Used for
// coordinator-level calls (decomposition, synthesis) that bypass dispatch.
func (l *Ledger) CommitDirect(actual int64) {
	if actual <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.consumed += actual
}

// Release drops taskID's reservation without consuming anything. Releasing
// a task with no reservation is a no-op.
func (l *Ledger) Release(taskID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	held, ok := l.reservations[taskID]
	if !ok {
		return
	}
	delete(l.reservations, taskID)
	l.reserved -= held
}

// Remaining returns how much of the budget is neither consumed nor
// reserved. Unlimited ledgers return -1.
func (l *Ledger) Remaining() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.total <= 0 {
		return -1
	}
	return l.total - l.consumed - l.reserved
}

// Consumed returns the committed actual usage so far.
func (l *Ledger) Consumed() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.consumed
}

// Reserved returns the sum of outstanding reservations.
func (l *Ledger) Reserved() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reserved
}

// Total returns the run's full allowance (zero means unlimited).
func (l *Ledger) Total() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// Status reports the ledger's current level. Unlimited ledgers are always OK.
func (l *Ledger) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.total <= 0 {
		return StatusOK
	}
	used := l.consumed + l.reserved
	if used >= l.total {
		return StatusExhausted
	}
	if float64(used) >= float64(l.total)*l.warningThreshold {
		return StatusWarning
	}
	return StatusOK
}

// CanReserve reports whether a reservation of amount could currently
// succeed, without making it.
func (l *Ledger) CanReserve(amount int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.total <= 0 {
		return true
	}
	return l.consumed+l.reserved+amount <= l.total
}
