// Package analysis keeps the scripts the pipeline has produced so editor
// tooling can query and patch them. Registration is fire-and-forget: the
// pipeline never waits on the sidecar and never sees its failures.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"tractor.dev/littlebook/compiler"
)

var (
	ErrUnknownFile = errors.New("analysis: unknown file")
	ErrBadSpan     = errors.New("analysis: span out of range")
	ErrClosed      = errors.New("analysis: sidecar closed")
)

type file struct {
	text    string
	version int
}

type registration struct {
	address string
	code    []byte
	// barrier is closed once everything queued before it is stored.
	barrier chan struct{}
}

type Options struct {
	// QueueSize bounds pending registrations. Defaults to 256.
	QueueSize int
	Compiler  *compiler.Compiler
	Logger    *slog.Logger
}

type Sidecar struct {
	queue    chan registration
	done     chan struct{}
	stopped  chan struct{}
	closing  sync.Once
	compiler *compiler.Compiler
	log      *slog.Logger
	dropped  atomic.Int64

	mu    sync.RWMutex
	files map[string]*file
}

func New(opts Options) *Sidecar {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Compiler == nil {
		opts.Compiler = compiler.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Sidecar{
		queue:    make(chan registration, opts.QueueSize),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		compiler: opts.Compiler,
		log:      opts.Logger,
		files:    make(map[string]*file),
	}
	go s.loop()
	return s
}

func (s *Sidecar) loop() {
	defer close(s.stopped)
	for {
		select {
		case r := <-s.queue:
			s.store(r)
		case <-s.done:
			return
		}
	}
}

func (s *Sidecar) store(r registration) {
	if r.barrier != nil {
		close(r.barrier)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[r.address]
	if !ok {
		f = &file{}
		s.files[r.address] = f
	}
	f.text = string(r.code)
	f.version++
}

// Register queues code under address. It never blocks: when the queue is
// full or the sidecar is closed the registration is dropped and logged.
func (s *Sidecar) Register(address string, code []byte) {
	select {
	case <-s.done:
		s.drop(address, ErrClosed)
		return
	default:
	}
	select {
	case s.queue <- registration{address: address, code: append([]byte{}, code...)}:
	default:
		s.drop(address, errors.New("queue full"))
	}
}

func (s *Sidecar) drop(address string, reason error) {
	s.dropped.Add(1)
	s.log.Warn("analysis registration dropped", "address", address, "err", reason)
}

// Dropped returns how many registrations were discarded.
func (s *Sidecar) Dropped() int64 {
	return s.dropped.Load()
}

// Sync waits until every registration queued before the call is stored.
func (s *Sidecar) Sync(ctx context.Context) error {
	b := make(chan struct{})
	select {
	case s.queue <- registration{barrier: b}:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-b:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Source returns the current text for address.
func (s *Sidecar) Source(address string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.files[address]
	if !ok {
		return "", false
	}
	return f.text, true
}

// Version returns how many times address has been registered or updated.
func (s *Sidecar) Version(address string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if f, ok := s.files[address]; ok {
		return f.version
	}
	return 0
}

// Files lists the known addresses in order.
func (s *Sidecar) Files() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.files))
	for name := range s.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Update replaces the bytes [from, to) of address's text with text.
func (s *Sidecar) Update(address, text string, from, to int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[address]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFile, address)
	}
	if from < 0 || to < from || to > len(f.text) {
		return fmt.Errorf("%w: [%d, %d) of %d bytes in %s", ErrBadSpan, from, to, len(f.text), address)
	}
	f.text = f.text[:from] + text + f.text[to:]
	f.version++
	return nil
}

// Diagnostics compiles address's current text and reports what the
// compiler found. Syntax errors are diagnostics, not failures.
func (s *Sidecar) Diagnostics(ctx context.Context, address string) ([]compiler.Message, error) {
	text, ok := s.Source(address)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFile, address)
	}
	res, err := s.compiler.Transform(ctx, address, []byte(text), "")
	var cerr *compiler.CompilerError
	if errors.As(err, &cerr) {
		return append(cerr.Errors, cerr.Warnings...), nil
	}
	if err != nil {
		return nil, err
	}
	return res.Warnings, nil
}

// Close stops the sidecar. Later registrations are dropped.
func (s *Sidecar) Close() error {
	s.closing.Do(func() {
		close(s.done)
		<-s.stopped
	})
	return nil
}
