// Package hostfs is the native bridge Environment: it works directly on
// the host filesystem.
package hostfs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"tractor.dev/littlebook/env"
	"tractor.dev/littlebook/env/rootfs"
)

const Scheme = "hostfs"

type FS struct {
	fsys       *rootfs.FS
	base       string
	systemRoot string
	userRoot   string
	cwd        string
	vars       map[string]string
	log        *slog.Logger
}

type Options struct {
	// Base confines every operation. Defaults to "/".
	Base string
	// SystemDir and UserDir are host paths. They default to the XDG data
	// and config directories.
	SystemDir string
	UserDir   string
	// WorkingDir defaults to the process working directory.
	WorkingDir string
}

// Probe reports whether the host data directory can be used. It only
// inspects the filesystem.
func Probe() bool {
	if v, ok := os.LookupEnv("LITTLEBOOK_NATIVE"); ok && (v == "0" || v == "false") {
		return false
	}
	dir, err := DefaultSystemDir()
	if err != nil {
		return false
	}
	return creatable(dir)
}

// creatable reports whether dir exists as a directory or its nearest
// existing ancestor is one.
func creatable(dir string) bool {
	for {
		fi, err := os.Stat(dir)
		if err == nil {
			return fi.IsDir()
		}
		if !os.IsNotExist(err) {
			return false
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return false
		}
		dir = parent
	}
}

func DefaultSystemDir() (string, error) {
	if d := os.Getenv("XDG_DATA_HOME"); d != "" {
		return filepath.Join(d, "littlebook"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", "littlebook"), nil
}

func DefaultUserDir() (string, error) {
	if d := os.Getenv("XDG_CONFIG_HOME"); d != "" {
		return filepath.Join(d, "littlebook"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "littlebook"), nil
}

func New(opts Options) (*FS, error) {
	var err error
	if opts.Base == "" {
		opts.Base = "/"
	}
	if opts.SystemDir == "" {
		if opts.SystemDir, err = DefaultSystemDir(); err != nil {
			return nil, err
		}
	}
	if opts.UserDir == "" {
		if opts.UserDir, err = DefaultUserDir(); err != nil {
			return nil, err
		}
	}
	if opts.WorkingDir == "" {
		if opts.WorkingDir, err = os.Getwd(); err != nil {
			return nil, err
		}
	}
	base, err := filepath.Abs(opts.Base)
	if err != nil {
		return nil, err
	}
	fsys, err := rootfs.New(base)
	if err != nil {
		return nil, err
	}
	h := &FS{
		fsys: fsys,
		base: base,
		vars: environ(),
		log:  slog.Default(),
	}
	if h.systemRoot, err = h.address(opts.SystemDir); err != nil {
		return nil, err
	}
	if h.userRoot, err = h.address(opts.UserDir); err != nil {
		return nil, err
	}
	if h.cwd, err = h.address(opts.WorkingDir); err != nil {
		return nil, err
	}
	h.systemRoot = env.Dir(h.systemRoot)
	h.userRoot = env.Dir(h.userRoot)
	h.cwd = env.Dir(h.cwd)
	// the user root always exists so edits have somewhere to land
	if err := fsys.Mkdir(env.Clean(Scheme, h.userRoot), env.MkdirOptions{Parents: true}); err != nil {
		return nil, fmt.Errorf("hostfs: %w", err)
	}
	return h, nil
}

// address converts a host path to an address under base.
func (h *FS) address(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(h.base, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("hostfs: %s is outside %s", p, h.base)
	}
	return env.Address(Scheme, filepath.ToSlash(rel)), nil
}

// HostPath returns the host filesystem path for addr.
func (h *FS) HostPath(addr string) string {
	return filepath.Join(h.base, filepath.FromSlash(env.Clean(Scheme, addr)))
}

func (h *FS) Close() error {
	return h.fsys.Close()
}

func (h *FS) Scheme() string               { return Scheme }
func (h *FS) SystemRoot() string           { return h.systemRoot }
func (h *FS) UserRoot() string             { return h.userRoot }
func (h *FS) WorkingDirectory() string     { return h.cwd }
func (h *FS) Variables() map[string]string { return h.vars }

func (h *FS) Read(ctx context.Context, p string) ([]byte, error) {
	h.log.Debug("Read", "path", p)
	return h.fsys.Read(env.Clean(Scheme, p))
}

func (h *FS) Write(ctx context.Context, p string, data []byte) error {
	h.log.Debug("Write", "path", p, "size", len(data))
	return h.fsys.Write(env.Clean(Scheme, p), data)
}

func (h *FS) List(ctx context.Context, p string) ([]env.DirEntry, error) {
	return h.fsys.List(env.Clean(Scheme, p))
}

func (h *FS) Stat(ctx context.Context, p string) (env.Stat, error) {
	return h.fsys.Stat(env.Clean(Scheme, p))
}

func (h *FS) Mkdir(ctx context.Context, p string, opts env.MkdirOptions) error {
	h.log.Debug("Mkdir", "path", p, "parents", opts.Parents)
	return h.fsys.Mkdir(env.Clean(Scheme, p), opts)
}

func (h *FS) Remove(ctx context.Context, p string, opts env.RemoveOptions) error {
	h.log.Debug("Remove", "path", p, "recursive", opts.Recursive)
	return h.fsys.Remove(env.Clean(Scheme, p), opts)
}

func environ() map[string]string {
	vars := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			vars[k] = v
		}
	}
	return vars
}
