package opfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fxamacker/cbor/v2"

	"tractor.dev/littlebook/env"
	"tractor.dev/littlebook/env/rootfs"
)

const (
	Scheme     = "opfs"
	SystemRoot = "opfs:///littlebook/system/"
	UserRoot   = "opfs:///littlebook/user/"
	WorkingDir = "opfs:///"
)

// Worker owns the private storage area. It is the only code that touches
// the files; everything else talks to it through a Client.
type Worker struct {
	fsys    *rootfs.FS
	policy  ContentionPolicy
	handles handles
	log     *slog.Logger
	tmpSeq  atomic.Uint64

	mu      sync.Mutex
	cancels map[uint64]context.CancelFunc

	// beforeCommit runs after a write's bytes are staged and before they
	// replace the file.
	beforeCommit func(path string)
}

// NewWorker opens the private storage area at dir. A nil policy means
// a WarnPolicy.
func NewWorker(dir string, policy ContentionPolicy) (*Worker, error) {
	fsys, err := rootfs.New(dir)
	if err != nil {
		return nil, err
	}
	if policy == nil {
		policy = &WarnPolicy{}
	}
	return &Worker{
		fsys:    fsys,
		policy:  policy,
		log:     slog.Default(),
		cancels: make(map[uint64]context.CancelFunc),
	}, nil
}

func (w *Worker) Close() error {
	return w.fsys.Close()
}

// Serve answers requests read from conn until it is closed or ctx ends.
// Calls run concurrently and may complete out of order.
func (w *Worker) Serve(ctx context.Context, conn io.ReadWriteCloser) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	dec := cbor.NewDecoder(conn)
	enc := cbor.NewEncoder(conn)
	var encMu sync.Mutex
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("opfs: decode request: %w", err)
		}
		if req.Method == MethodCancel {
			var args cancelArgs
			if err := cbor.Unmarshal(req.Args, &args); err == nil {
				w.cancel(args.ID)
			}
			continue
		}
		wg.Add(1)
		go func(req Request) {
			defer wg.Done()
			resp := w.handle(ctx, req)
			encMu.Lock()
			defer encMu.Unlock()
			if err := enc.Encode(resp); err != nil {
				w.log.Debug("encode response", "id", req.ID, "err", err)
			}
		}(req)
	}
}

func (w *Worker) cancel(id uint64) {
	w.mu.Lock()
	cancel, ok := w.cancels[id]
	w.mu.Unlock()
	if ok {
		cancel()
	}
}

func (w *Worker) handle(ctx context.Context, req Request) (resp Response) {
	resp.ID = req.ID
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	w.mu.Lock()
	w.cancels[req.ID] = cancel
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.cancels, req.ID)
		w.mu.Unlock()
		cancel()
	}()

	result, err := w.dispatch(ctx, req)
	if err == nil {
		resp.Result, err = cbor.Marshal(result)
	}
	if err != nil {
		w.log.Debug("call failed", "method", req.Method, "id", req.ID, "err", err)
		resp.Result = nil
		resp.Error = toWireError(err)
	}
	return resp
}

func (w *Worker) dispatch(ctx context.Context, req Request) (any, error) {
	switch req.Method {
	case MethodProps:
		return w.Props(), nil
	case MethodRead:
		var a pathArgs
		if err := cbor.Unmarshal(req.Args, &a); err != nil {
			return nil, err
		}
		return w.fsys.Read(env.Clean(Scheme, a.Path))
	case MethodWrite:
		var a writeArgs
		if err := cbor.Unmarshal(req.Args, &a); err != nil {
			return nil, err
		}
		return nil, w.write(ctx, env.Clean(Scheme, a.Path), a.Data)
	case MethodList:
		var a pathArgs
		if err := cbor.Unmarshal(req.Args, &a); err != nil {
			return nil, err
		}
		return w.list(env.Clean(Scheme, a.Path))
	case MethodStat:
		var a pathArgs
		if err := cbor.Unmarshal(req.Args, &a); err != nil {
			return nil, err
		}
		return w.fsys.Stat(env.Clean(Scheme, a.Path))
	case MethodMkdir:
		var a mkdirArgs
		if err := cbor.Unmarshal(req.Args, &a); err != nil {
			return nil, err
		}
		return nil, w.fsys.Mkdir(env.Clean(Scheme, a.Path), a.Opts)
	case MethodRemove:
		var a removeArgs
		if err := cbor.Unmarshal(req.Args, &a); err != nil {
			return nil, err
		}
		return nil, w.fsys.Remove(env.Clean(Scheme, a.Path), a.Opts)
	case MethodUninstall:
		return nil, w.fsys.Remove(env.Clean(Scheme, SystemRoot), env.RemoveOptions{Recursive: true, Force: true})
	default:
		return nil, fmt.Errorf("unknown method: %s", req.Method)
	}
}

// Props describes the Environment this worker serves.
func (w *Worker) Props() Props {
	return Props{
		Scheme:           Scheme,
		WorkingDirectory: WorkingDir,
		Variables:        map[string]string{},
		SystemDirectory:  SystemRoot,
		UserDirectory:    UserRoot,
	}
}

// write stages data next to name and renames it into place, so the file
// only ever holds one complete payload.
func (w *Worker) write(ctx context.Context, name string, data []byte) error {
	if name == "." {
		return fmt.Errorf("write %s: is the root directory", name)
	}
	h, writers := w.handles.acquire(name)
	defer w.handles.release(h)
	release, err := w.policy.Enter(h, writers)
	if err != nil {
		return &env.PathError{Op: "write", Path: name, Err: err}
	}
	defer release()
	if err := ctx.Err(); err != nil {
		return err
	}

	tmp := path.Join(path.Dir(name), "."+path.Base(name)+".lbtmp-"+strconv.FormatUint(w.tmpSeq.Add(1), 10))
	if err := w.fsys.Write(tmp, data); err != nil {
		return err
	}
	if w.beforeCommit != nil {
		w.beforeCommit(name)
	}
	if err := w.fsys.Rename(tmp, name); err != nil {
		w.fsys.Remove(tmp, env.RemoveOptions{Force: true})
		return err
	}
	return nil
}

func (w *Worker) list(name string) ([]env.DirEntry, error) {
	entries, err := w.fsys.List(name)
	if err != nil {
		return nil, err
	}
	visible := entries[:0]
	for _, e := range entries {
		if !strings.Contains(e.Name, ".lbtmp-") {
			visible = append(visible, e)
		}
	}
	return visible, nil
}

// OpenHandles reports how many paths currently have writes in flight.
func (w *Worker) OpenHandles() int {
	return w.handles.count()
}
