// Package pending tracks in-flight request/response round trips that are
// matched by id across an asynchronous channel.
package pending

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrTimeout is returned by Call.Wait when no answer arrived in time.
	ErrTimeout = errors.New("pending: round trip timed out")
	// ErrClosed is returned for calls rejected because their peer went away.
	ErrClosed = errors.New("pending: peer unreachable")
)

// Table holds outstanding calls keyed by id. Each call settles exactly
// once: by Resolve, Reject, RejectOwner, timeout or context cancellation,
// whichever comes first. Later attempts to settle it report false.
type Table[K comparable, T any] struct {
	mu      sync.Mutex
	calls   map[K]*Call[K, T]
	nextID  func() K
	timeout time.Duration
}

// Call is one outstanding round trip.
type Call[K comparable, T any] struct {
	ID       K
	Owner    string
	Deadline time.Time

	table *Table[K, T]
	done  chan struct{}
	val   T
	err   error
}

// New returns a table that mints ids with nextID. A zero timeout means
// calls wait until settled or their context ends.
func New[K comparable, T any](nextID func() K, timeout time.Duration) *Table[K, T] {
	return &Table[K, T]{
		calls:   make(map[K]*Call[K, T]),
		nextID:  nextID,
		timeout: timeout,
	}
}

// Timeout reports the table's per-call timeout.
func (t *Table[K, T]) Timeout() time.Duration {
	return t.timeout
}

// Begin registers a new call on behalf of owner.
func (t *Table[K, T]) Begin(owner string) *Call[K, T] {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID()
	for {
		if _, exists := t.calls[id]; !exists {
			break
		}
		id = t.nextID()
	}
	c := &Call[K, T]{
		ID:    id,
		Owner: owner,
		table: t,
		done:  make(chan struct{}),
	}
	if t.timeout > 0 {
		c.Deadline = time.Now().Add(t.timeout)
	}
	t.calls[id] = c
	return c
}

// Resolve settles the call with id successfully.
func (t *Table[K, T]) Resolve(id K, v T) bool {
	return t.settle(id, v, nil)
}

// Reject settles the call with id with an error.
func (t *Table[K, T]) Reject(id K, err error) bool {
	var zero T
	return t.settle(id, zero, err)
}

// RejectOwner rejects every outstanding call that belongs to owner and
// returns how many were rejected.
func (t *Table[K, T]) RejectOwner(owner string, err error) int {
	t.mu.Lock()
	var ids []K
	for id, c := range t.calls {
		if c.Owner == owner {
			ids = append(ids, id)
		}
	}
	t.mu.Unlock()
	n := 0
	for _, id := range ids {
		if t.Reject(id, err) {
			n++
		}
	}
	return n
}

// RejectAll rejects every outstanding call.
func (t *Table[K, T]) RejectAll(err error) int {
	t.mu.Lock()
	ids := make([]K, 0, len(t.calls))
	for id := range t.calls {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	n := 0
	for _, id := range ids {
		if t.Reject(id, err) {
			n++
		}
	}
	return n
}

// Len reports the number of outstanding calls.
func (t *Table[K, T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

func (t *Table[K, T]) settle(id K, v T, err error) bool {
	t.mu.Lock()
	c, ok := t.calls[id]
	if ok {
		delete(t.calls, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	c.val, c.err = v, err
	close(c.done)
	return true
}

// Wait blocks until the call settles, its deadline passes or ctx ends.
func (c *Call[K, T]) Wait(ctx context.Context) (T, error) {
	var expired <-chan time.Time
	if !c.Deadline.IsZero() {
		timer := time.NewTimer(time.Until(c.Deadline))
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-c.done:
		return c.val, c.err
	case <-expired:
		c.table.Reject(c.ID, fmt.Errorf("%w after %s", ErrTimeout, c.table.timeout))
	case <-ctx.Done():
		c.table.Reject(c.ID, ctx.Err())
	}
	// the answer may have raced the rejection; whichever settled first wins
	<-c.done
	return c.val, c.err
}

// Done is closed once the call settles.
func (c *Call[K, T]) Done() <-chan struct{} {
	return c.done
}
