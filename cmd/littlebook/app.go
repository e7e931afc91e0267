package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"tractor.dev/littlebook/boot"
	"tractor.dev/littlebook/config"
	"tractor.dev/littlebook/env"
	"tractor.dev/littlebook/env/hostfs"
	"tractor.dev/littlebook/env/opfs"
	"tractor.dev/littlebook/internal/ctxlog"
	"tractor.dev/littlebook/internal/logging"
)

// app is the configuration and logger shared by every command.
type app struct {
	path    string
	cfg     *config.Config
	log     *slog.Logger
	closers []io.Closer
}

func defaultConfigPath() string {
	if _, err := os.Stat(config.Filename); err == nil {
		return config.Filename
	}
	if dir, err := hostfs.DefaultUserDir(); err == nil {
		return filepath.Join(dir, config.Filename)
	}
	return config.Filename
}

func newApp(ctx context.Context, path string) (*app, error) {
	if path == "" {
		path = defaultConfigPath()
	}
	cfg, err := config.Load(ctx, path)
	if err != nil {
		return nil, err
	}
	opts, err := cfg.Log.Options()
	if err != nil {
		return nil, err
	}
	log, closer, err := logging.New(opts)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(log)
	return &app{path: path, cfg: cfg, log: log, closers: []io.Closer{closer}}, nil
}

func (a *app) context(ctx context.Context) context.Context {
	return ctxlog.WithLogger(ctx, a.log)
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) contention() (opfs.ContentionPolicy, error) {
	switch a.cfg.OPFS.Contention {
	case "", "warn":
		return &opfs.WarnPolicy{Log: a.log}, nil
	case "lock":
		return opfs.LockPolicy{}, nil
	case "reject":
		return opfs.RejectPolicy{}, nil
	}
	return nil, fmt.Errorf("unknown contention policy %q", a.cfg.OPFS.Contention)
}

// environment opens the configured storage backend.
func (a *app) environment(ctx context.Context) (env.Environment, error) {
	kind, err := boot.Select(a.cfg.Environment, hostfs.Probe)
	if err != nil {
		return nil, err
	}
	a.log.Debug("environment", "scheme", kind)
	if kind == hostfs.Scheme {
		fsys, err := hostfs.New(hostfs.Options{
			SystemDir:  a.cfg.HostFS.SystemDir,
			UserDir:    a.cfg.HostFS.UserDir,
			WorkingDir: a.cfg.HostFS.WorkingDir,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, fsys)
		return fsys, nil
	}

	if a.cfg.OPFS.Process {
		exe, err := os.Executable()
		if err != nil {
			return nil, err
		}
		c, err := opfs.Spawn(ctx, a.cfg.OPFS.Timeout(), exe, "storage-worker", "--config", a.path)
		if err != nil {
			return nil, fmt.Errorf("storage worker: %w", err)
		}
		a.closers = append(a.closers, c)
		return c, nil
	}
	policy, err := a.contention()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(a.cfg.OPFS.Dir, 0755); err != nil {
		return nil, err
	}
	c, _, err := opfs.Start(ctx, a.cfg.OPFS.Dir, policy, a.cfg.OPFS.Timeout())
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, c)
	return c, nil
}

// readManifest returns the packaged system tree at path, or nil when no
// path is configured.
func readManifest(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	return b, nil
}
