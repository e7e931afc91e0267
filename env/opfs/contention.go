package opfs

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrContention is returned by RejectPolicy when a path already has a
// write in flight.
var ErrContention = errors.New("opfs: file already open for writing")

// ContentionPolicy decides what happens when a write targets a path that
// already has a write in flight. Enter is called before every write with
// the number of writers on the path, this one included. The returned
// release func runs when the write finishes.
type ContentionPolicy interface {
	Enter(h *Handle, writers int) (release func(), err error)
}

// Handle is the worker's record of an open file.
type Handle struct {
	Path string

	mu      sync.Mutex
	writers int
}

// WarnPolicy logs and lets the write proceed. Writes to one path still
// never interleave: each one replaces the file atomically, so the last to
// finish wins.
type WarnPolicy struct {
	Log *slog.Logger

	warnings atomic.Int64
}

func (p *WarnPolicy) Enter(h *Handle, writers int) (func(), error) {
	if writers > 1 {
		p.warnings.Add(1)
		log := p.Log
		if log == nil {
			log = slog.Default()
		}
		log.Warn("file already open", "path", h.Path, "writers", writers)
	}
	return func() {}, nil
}

// Warnings reports how many contended writes were seen.
func (p *WarnPolicy) Warnings() int64 {
	return p.warnings.Load()
}

// LockPolicy serializes writers to one path in arrival order.
type LockPolicy struct{}

func (LockPolicy) Enter(h *Handle, writers int) (func(), error) {
	h.mu.Lock()
	return h.mu.Unlock, nil
}

// RejectPolicy fails a write that finds another in flight.
type RejectPolicy struct{}

func (RejectPolicy) Enter(h *Handle, writers int) (func(), error) {
	if writers > 1 {
		return nil, ErrContention
	}
	return func() {}, nil
}

// handles tracks open files by canonical path with a reference count.
type handles struct {
	mu   sync.Mutex
	open map[string]*Handle
}

func (t *handles) acquire(path string) (*Handle, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.open == nil {
		t.open = make(map[string]*Handle)
	}
	h, ok := t.open[path]
	if !ok {
		h = &Handle{Path: path}
		t.open[path] = h
	}
	h.writers++
	return h, h.writers
}

func (t *handles) release(h *Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h.writers--
	if h.writers == 0 {
		delete(t.open, h.Path)
	}
}

func (t *handles) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.open)
}
