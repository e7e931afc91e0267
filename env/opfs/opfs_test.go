package opfs

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tractor.dev/littlebook/env"
	"tractor.dev/littlebook/env/envtest"
	"tractor.dev/littlebook/internal/pending"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startTest(t *testing.T, policy ContentionPolicy) (*Client, *Worker) {
	t.Helper()
	c, w, err := Start(context.Background(), t.TempDir(), policy, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.Mkdir(context.Background(), c.UserRoot(), env.MkdirOptions{Parents: true}))
	return c, w
}

func TestConformance(t *testing.T) {
	c, _ := startTest(t, nil)
	envtest.TestEnvironment(t, c)
}

func TestProps(t *testing.T) {
	c, _ := startTest(t, nil)
	assert.Equal(t, "opfs", c.Scheme())
	assert.Equal(t, "opfs:///littlebook/system/", c.SystemRoot())
	assert.Equal(t, "opfs:///littlebook/user/", c.UserRoot())
	assert.Equal(t, "opfs:///", c.WorkingDirectory())
}

func TestNotFoundAcrossWire(t *testing.T) {
	c, _ := startTest(t, nil)
	_, err := c.Read(context.Background(), "opfs:///nothing/here.ts")
	assert.True(t, env.IsNotFound(err), "got %v", err)
}

func TestUnknownMethod(t *testing.T) {
	c, _ := startTest(t, nil)
	err := c.call(context.Background(), "frobnicate", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown method")
}

func TestContendedWriteWarns(t *testing.T) {
	ctx := context.Background()
	var logs syncBuffer
	policy := &WarnPolicy{Log: slog.New(slog.NewTextHandler(&logs, nil))}
	c, w := startTest(t, policy)
	require.NoError(t, c.Mkdir(ctx, "/a", env.MkdirOptions{}))

	first := bytes.Repeat([]byte("A"), 64*1024)
	second := bytes.Repeat([]byte("B"), 32*1024)

	staged := make(chan struct{})
	stall := make(chan struct{})
	var once sync.Once
	w.beforeCommit = func(string) {
		held := false
		once.Do(func() { held = true })
		if held {
			close(staged)
			<-stall
		}
	}

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- c.Write(ctx, "/a/b.txt", first)
	}()
	<-staged

	require.NoError(t, c.Write(ctx, "/a/b.txt", second))
	close(stall)
	require.NoError(t, <-firstDone)

	assert.Equal(t, int64(1), policy.Warnings())
	assert.Contains(t, logs.String(), "file already open")
	assert.Contains(t, logs.String(), "a/b.txt")

	got, err := c.Read(ctx, "/a/b.txt")
	require.NoError(t, err)
	if !bytes.Equal(got, first) && !bytes.Equal(got, second) {
		t.Fatalf("file holds neither payload (len %d)", len(got))
	}
	assert.Equal(t, 0, w.OpenHandles())

	entries, err := c.List(ctx, "/a")
	require.NoError(t, err)
	require.Len(t, entries, 1, "staging files must not be listed")
	assert.Equal(t, "b.txt", entries[0].Name)
}

func TestLockPolicySerializes(t *testing.T) {
	ctx := context.Background()
	c, w := startTest(t, LockPolicy{})
	require.NoError(t, c.Mkdir(ctx, "/a", env.MkdirOptions{}))

	staged := make(chan struct{})
	stall := make(chan struct{})
	var once sync.Once
	w.beforeCommit = func(string) {
		held := false
		once.Do(func() { held = true })
		if held {
			close(staged)
			<-stall
		}
	}
	firstDone := make(chan error, 1)
	go func() { firstDone <- c.Write(ctx, "/a/b.txt", []byte("first")) }()
	<-staged

	secondDone := make(chan error, 1)
	go func() { secondDone <- c.Write(ctx, "/a/b.txt", []byte("second")) }()
	select {
	case <-secondDone:
		t.Fatal("second write must wait for the first under LockPolicy")
	case <-time.After(50 * time.Millisecond):
	}
	close(stall)
	require.NoError(t, <-firstDone)
	require.NoError(t, <-secondDone)

	got, err := c.Read(ctx, "/a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))
}

func TestRejectPolicy(t *testing.T) {
	ctx := context.Background()
	c, w := startTest(t, RejectPolicy{})
	require.NoError(t, c.Mkdir(ctx, "/a", env.MkdirOptions{}))

	staged := make(chan struct{})
	stall := make(chan struct{})
	var once sync.Once
	w.beforeCommit = func(string) {
		held := false
		once.Do(func() { held = true })
		if held {
			close(staged)
			<-stall
		}
	}
	firstDone := make(chan error, 1)
	go func() { firstDone <- c.Write(ctx, "/a/b.txt", []byte("first")) }()
	<-staged

	err := c.Write(ctx, "/a/b.txt", []byte("second"))
	assert.ErrorIs(t, err, ErrContention)
	close(stall)
	require.NoError(t, <-firstDone)
}

func TestCallTimeout(t *testing.T) {
	// a peer that reads requests and never answers
	a, b := net.Pipe()
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := a.Read(buf); err != nil {
				return
			}
		}
	}()
	_, err := Dial(context.Background(), b, 30*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, pending.ErrTimeout)
	a.Close()
}

func TestWorkerGoneRejectsCalls(t *testing.T) {
	ctx := context.Background()
	a, b := net.Pipe()
	w, err := NewWorker(t.TempDir(), nil)
	require.NoError(t, err)
	served := make(chan struct{})
	go func() {
		w.Serve(ctx, a)
		close(served)
	}()
	c, err := Dial(ctx, b, 0)
	require.NoError(t, err)

	a.Close()
	<-served
	_, err = c.Read(ctx, "/x")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unreachable") || strings.Contains(err.Error(), "closed"), err.Error())
}
