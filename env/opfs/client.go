package opfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"

	"tractor.dev/littlebook/env"
	"tractor.dev/littlebook/internal/pending"
)

// Client is the Environment pages use. Every call is one envelope sent to
// the Worker and answered by id.
type Client struct {
	conn  io.ReadWriteCloser
	enc   *cbor.Encoder
	encMu sync.Mutex
	calls *pending.Table[uint64, Response]
	props Props
	log   *slog.Logger

	// CallTimeout is sent with every request and bounds how long the
	// client waits for the answer. Zero means no bound.
	CallTimeout time.Duration

	closed chan struct{}
	err    error
}

// Dial starts a Client on conn and fetches the worker's props.
func Dial(ctx context.Context, conn io.ReadWriteCloser, timeout time.Duration) (*Client, error) {
	var seq atomic.Uint64
	c := &Client{
		conn:        conn,
		enc:         cbor.NewEncoder(conn),
		calls:       pending.New[uint64, Response](func() uint64 { return seq.Add(1) }, timeout),
		log:         slog.Default(),
		CallTimeout: timeout,
		closed:      make(chan struct{}),
	}
	go c.readLoop()
	if err := c.call(ctx, MethodProps, nil, &c.props); err != nil {
		conn.Close()
		return nil, fmt.Errorf("opfs: props: %w", err)
	}
	return c, nil
}

// Start runs a Worker over dir in this process and returns a Client
// connected to it.
func Start(ctx context.Context, dir string, policy ContentionPolicy, timeout time.Duration) (*Client, *Worker, error) {
	w, err := NewWorker(dir, policy)
	if err != nil {
		return nil, nil, err
	}
	a, b := net.Pipe()
	go func() {
		if err := w.Serve(context.Background(), a); err != nil {
			w.log.Error("worker stopped", "err", err)
		}
		w.Close()
	}()
	c, err := Dial(ctx, b, timeout)
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	return c, w, nil
}

// Spawn runs the worker as a child process speaking on its stdio.
func Spawn(ctx context.Context, timeout time.Duration, name string, args ...string) (*Client, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	conn := &pipeConn{Reader: stdout, WriteCloser: stdin, cmd: cmd}
	return Dial(ctx, conn, timeout)
}

type pipeConn struct {
	io.Reader
	io.WriteCloser
	cmd *exec.Cmd
}

func (p *pipeConn) Close() error {
	p.WriteCloser.Close()
	return p.cmd.Wait()
}

func (c *Client) readLoop() {
	dec := cbor.NewDecoder(c.conn)
	for {
		var resp Response
		if err := dec.Decode(&resp); err != nil {
			c.err = err
			close(c.closed)
			c.calls.RejectAll(fmt.Errorf("%w: %v", pending.ErrClosed, err))
			return
		}
		if !c.calls.Resolve(resp.ID, resp) {
			c.log.Debug("response for unknown call", "id", resp.ID)
		}
	}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, args any, result any) error {
	select {
	case <-c.closed:
		return fmt.Errorf("%w: %v", pending.ErrClosed, c.err)
	default:
	}
	req := Request{Method: method, Timeout: c.CallTimeout}
	if args != nil {
		raw, err := marshalArgs(args)
		if err != nil {
			return err
		}
		req.Args = raw
	}
	call := c.calls.Begin("")
	req.ID = call.ID
	if err := c.send(req); err != nil {
		c.calls.Reject(call.ID, err)
	}
	resp, err := call.Wait(ctx)
	if err != nil {
		if errors.Is(err, pending.ErrTimeout) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// tell the worker to stop; its answer, if any, is dropped
			cargs, _ := marshalArgs(cancelArgs{ID: call.ID})
			c.send(Request{Method: MethodCancel, Args: cargs})
		}
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if result != nil && len(resp.Result) > 0 {
		if err := cbor.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("opfs: decode %s result: %w", method, err)
		}
	}
	return nil
}

func (c *Client) send(req Request) error {
	c.encMu.Lock()
	defer c.encMu.Unlock()
	return c.enc.Encode(req)
}

func (c *Client) Scheme() string               { return c.props.Scheme }
func (c *Client) SystemRoot() string           { return c.props.SystemDirectory }
func (c *Client) UserRoot() string             { return c.props.UserDirectory }
func (c *Client) WorkingDirectory() string     { return c.props.WorkingDirectory }
func (c *Client) Variables() map[string]string { return c.props.Variables }

func (c *Client) Read(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	if err := c.call(ctx, MethodRead, pathArgs{Path: path}, &data); err != nil {
		return nil, pathError("read", path, err)
	}
	return data, nil
}

func (c *Client) Write(ctx context.Context, path string, data []byte) error {
	return pathError("write", path, c.call(ctx, MethodWrite, writeArgs{Path: path, Data: data}, nil))
}

func (c *Client) List(ctx context.Context, path string) ([]env.DirEntry, error) {
	var entries []env.DirEntry
	if err := c.call(ctx, MethodList, pathArgs{Path: path}, &entries); err != nil {
		return nil, pathError("list", path, err)
	}
	return entries, nil
}

func (c *Client) Stat(ctx context.Context, path string) (env.Stat, error) {
	var st env.Stat
	if err := c.call(ctx, MethodStat, pathArgs{Path: path}, &st); err != nil {
		return env.Stat{}, pathError("stat", path, err)
	}
	return st, nil
}

func (c *Client) Mkdir(ctx context.Context, path string, opts env.MkdirOptions) error {
	return pathError("mkdir", path, c.call(ctx, MethodMkdir, mkdirArgs{Path: path, Opts: opts}, nil))
}

func (c *Client) Remove(ctx context.Context, path string, opts env.RemoveOptions) error {
	return pathError("rm", path, c.call(ctx, MethodRemove, removeArgs{Path: path, Opts: opts}, nil))
}

// Uninstall asks the worker to drop the system tree.
func (c *Client) Uninstall(ctx context.Context) error {
	return c.call(ctx, MethodUninstall, nil, nil)
}

func pathError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &env.PathError{Op: op, Path: path, Err: err}
}
