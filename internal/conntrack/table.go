package conntrack

import (
	"time"

	"github.com/die-net/divert/internal/errors"
)

// Size is the number of slots in a Table: one per 16-bit port value.
const Size = 1 << 16

var (
	ErrInvalidPort  = errors.New(errors.KindValidation, "conntrack: invalid port")
	ErrLockTimeout  = errors.New(errors.KindTimeout, "conntrack: lock acquisition timed out")
	ErrStateChanged = errors.New(errors.KindConflict, "conntrack: state changed concurrently")
)

// Option configures a Table.
type Option func(*Table)

// WithLockTimeout sets the lock acquisition budget. Non-positive values make
// every contended acquisition fail immediately after one attempt.
func WithLockTimeout(d time.Duration) Option {
	return func(t *Table) {
		t.mu.timeout = d
	}
}

// Table maps local TCP ports to connection records. Records never leave the
// table by reference; readers get copies.
type Table struct {
	mu      boundedRWMutex
	records [Size]Record
}

// New returns a table with every port Closed.
func New(opts ...Option) *Table {
	t := &Table{}
	t.mu.timeout = DefaultLockTimeout
	for _, o := range opts {
		o(t)
	}
	return t
}

// Get returns a consistent snapshot of port's record.
func (t *Table) Get(port uint16) (Record, error) {
	if port == 0 {
		return Record{}, ErrInvalidPort
	}
	if !t.mu.rlock() {
		return Record{}, ErrLockTimeout
	}
	r := t.records[port]
	t.mu.runlock()
	return r, nil
}

// CompareAndSetState moves port from old to next. It fails with
// ErrStateChanged if the current state is not old. Moving to StateClosed
// clears the whole record.
func (t *Table) CompareAndSetState(port uint16, old, next State) error {
	if port == 0 {
		return ErrInvalidPort
	}
	if !t.mu.lock() {
		return ErrLockTimeout
	}
	defer t.mu.unlock()

	r := &t.records[port]
	if r.State != old {
		return ErrStateChanged
	}
	if next == StateClosed {
		*r = Record{}
		return nil
	}
	r.State = next
	return nil
}

// CaptureOriginalEndpoint stores ep as port's original endpoint unless one
// is already captured, in which case it does nothing.
func (t *Table) CaptureOriginalEndpoint(port uint16, ep Endpoint) error {
	if port == 0 || ep.SrcPort == 0 {
		return ErrInvalidPort
	}
	if !t.mu.lock() {
		return ErrLockTimeout
	}
	defer t.mu.unlock()

	r := &t.records[port]
	if !r.Captured() {
		r.Original = ep
	}
	return nil
}

// Begin opens a connection on port: it moves a Closed record to
// StateSynSeen and captures ep in the same critical section.
func (t *Table) Begin(port uint16, ep Endpoint) error {
	if port == 0 || ep.SrcPort == 0 {
		return ErrInvalidPort
	}
	if !t.mu.lock() {
		return ErrLockTimeout
	}
	defer t.mu.unlock()

	r := &t.records[port]
	if r.State != StateClosed {
		return ErrStateChanged
	}
	r.State = StateSynSeen
	if !r.Captured() {
		r.Original = ep
	}
	return nil
}

// Reset returns port's record to Closed.
func (t *Table) Reset(port uint16) error {
	if port == 0 {
		return ErrInvalidPort
	}
	if !t.mu.lock() {
		return ErrLockTimeout
	}
	t.records[port] = Record{}
	t.mu.unlock()
	return nil
}

// Active returns the number of ports whose state is not Closed. It scans the
// whole table and is meant for metrics, not the packet path.
func (t *Table) Active() (int, error) {
	if !t.mu.rlock() {
		return 0, ErrLockTimeout
	}
	defer t.mu.runlock()

	n := 0
	for i := range t.records {
		if t.records[i].State != StateClosed {
			n++
		}
	}
	return n, nil
}
