// Package boot brings a page up. It picks the Environment, installs the
// packaged system tree when needed, loads the import map, prepares the
// compiler and bundles the entry program once.
package boot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tractor.dev/littlebook/compiler"
	"tractor.dev/littlebook/env"
	"tractor.dev/littlebook/env/hostfs"
	"tractor.dev/littlebook/env/opfs"
	"tractor.dev/littlebook/importmap"
	"tractor.dev/littlebook/resolve"
)

type Policy string

const (
	InstallAuto   Policy = "auto"
	InstallAlways Policy = "always"
	InstallNever  Policy = "never"
)

const (
	// EarlyInit is the optional user script run before the entry program.
	EarlyInit = "early-init.js"
	// DefaultEntry is bundled when Options.Entry is empty.
	DefaultEntry = "littlebook:system/entrypoint.ts"
)

// Page backgrounds for each phase. A failed boot leaves FailureBackground.
const (
	installBackground   = "#f9fcff"
	importmapBackground = "#f0fffc"
	earlyInitBackground = "#fffafa"
	readyBackground     = "#fffffa"
	FailureBackground   = "#ff2a50"
)

var errNoManifest = errors.New("no packaged manifest")

// Select picks the Environment scheme for kind. For auto, the host
// filesystem is used when probe reports it reachable.
func Select(kind string, probe func() bool) (string, error) {
	switch kind {
	case "", "auto":
		if probe != nil && probe() {
			return hostfs.Scheme, nil
		}
		return opfs.Scheme, nil
	case hostfs.Scheme, opfs.Scheme:
		return kind, nil
	}
	return "", fmt.Errorf("unknown environment %q", kind)
}

// Install materializes manifest under e's system root when policy asks for
// it, and reports whether it did. With InstallAuto nothing is written when
// the installed version marker matches the packaged one.
func Install(ctx context.Context, e env.Environment, manifest []byte, policy Policy, log *slog.Logger) (bool, error) {
	if log == nil {
		log = slog.Default()
	}
	switch policy {
	case InstallNever:
		log.Debug("not installing", "reason", "policy never")
		return false, nil
	case InstallAlways:
		if manifest == nil {
			return false, errNoManifest
		}
		log.Debug("installing", "reason", "policy always")
	case InstallAuto, "":
		if manifest == nil {
			log.Debug("not installing", "reason", "no packaged manifest")
			return false, nil
		}
		installed, err := env.InstalledVersion(ctx, e)
		if err != nil {
			return false, err
		}
		latest := env.ManifestVersion(manifest)
		if installed != "" && installed == latest {
			log.Debug("not installing", "reason", "up to date", "version", installed)
			return false, nil
		}
		log.Debug("installing", "installed", installed, "latest", latest)
	default:
		return false, fmt.Errorf("unknown install policy %q", policy)
	}

	m, err := env.ParseManifest(manifest)
	if err != nil {
		return false, err
	}
	if err := env.Install(ctx, e, m, e.SystemRoot()); err != nil {
		return false, err
	}
	if err := e.Mkdir(ctx, e.UserRoot(), env.MkdirOptions{Parents: true}); err != nil {
		return false, fmt.Errorf("install %s: %w", e.UserRoot(), err)
	}
	return true, nil
}

type Options struct {
	Env      env.Environment
	Manifest []byte
	Install  Policy
	Compiler *compiler.Compiler
	// Entry defaults to DefaultEntry.
	Entry  string
	Logger *slog.Logger
}

// Result is the state a booted page starts from.
type Result struct {
	Env        env.Environment
	Installed  bool
	Imports    *importmap.Map
	EarlyInit  []byte
	Bundle     *compiler.Bundle
	Background string
	// Err is why boot stopped, if it did.
	Err     error
	Timings map[string]time.Duration
}

// Run boots a page. When a phase fails the Result is still returned, with
// FailureBackground and the error recorded, so the failure can be shown.
func Run(ctx context.Context, opts Options) (*Result, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.Entry == "" {
		opts.Entry = DefaultEntry
	}
	if opts.Compiler == nil {
		opts.Compiler = compiler.New()
	}
	e := opts.Env
	res := &Result{Env: e, Imports: importmap.New(), Timings: map[string]time.Duration{}}

	phase := func(name, background string, fn func() error) error {
		res.Background = background
		start := time.Now()
		err := fn()
		res.Timings[name] = time.Since(start)
		if err != nil {
			res.Background = FailureBackground
			res.Err = fmt.Errorf("%s: %w", name, err)
			log.Error("boot failed", "phase", name, "err", err)
			return res.Err
		}
		return nil
	}

	if err := phase("install", installBackground, func() (err error) {
		res.Installed, err = Install(ctx, e, opts.Manifest, opts.Install, log)
		return err
	}); err != nil {
		return res, err
	}
	if err := phase("importmap", importmapBackground, func() (err error) {
		res.Imports, err = importmap.Load(ctx, e, log)
		return err
	}); err != nil {
		return res, err
	}
	if err := phase("early-init", earlyInitBackground, func() error {
		b, err := e.Read(ctx, e.UserRoot()+EarlyInit)
		if env.IsNotFound(err) {
			return nil
		}
		res.EarlyInit = b
		return err
	}); err != nil {
		return res, err
	}
	if err := phase("bundle", readyBackground, func() (err error) {
		if err := opts.Compiler.Init(ctx); err != nil {
			return err
		}
		res.Bundle, err = opts.Compiler.Bundle(ctx, opts.Entry, compiler.BundleOptions{
			Env:      e,
			Resolver: resolve.New(res.Imports, e),
			Imports:  res.Imports,
		})
		return err
	}); err != nil {
		return res, err
	}
	res.Background = readyBackground
	log.Debug("booted",
		"env", e.Scheme(),
		"installed", res.Installed,
		"install", res.Timings["install"],
		"importmap", res.Timings["importmap"],
		"early-init", res.Timings["early-init"],
		"bundle", res.Timings["bundle"],
	)
	return res, nil
}
