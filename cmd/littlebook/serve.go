package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"tractor.dev/toolkit-go/engine/cli"

	"tractor.dev/littlebook/analysis"
	"tractor.dev/littlebook/boot"
	"tractor.dev/littlebook/compiler"
	"tractor.dev/littlebook/config"
	"tractor.dev/littlebook/env"
	"tractor.dev/littlebook/importmap"
	"tractor.dev/littlebook/machine"
	"tractor.dev/littlebook/machine/wasmplugin"
	"tractor.dev/littlebook/page"
	"tractor.dev/littlebook/relay"
)

func serveCmd() *cli.Command {
	var configPath string
	cmd := &cli.Command{
		Usage: "serve",
		Short: "serve littlebook",
		Run: func(ctx *cli.Context, args []string) {
			sctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			fatal(serve(sctx, configPath))
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "config file")
	return cmd
}

func serve(ctx context.Context, configPath string) error {
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx = a.context(ctx)

	e, err := a.environment(ctx)
	if err != nil {
		return err
	}
	s, err := newServer(ctx, a, e)
	if err != nil {
		return err
	}
	defer s.Close()

	ln, err := net.Listen("tcp", a.cfg.Server.Listen)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.relay, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
	}()
	go s.connect(ctx, "ws://"+ln.Addr().String()+relay.Path)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-hup:
				if err := s.redeploy(ctx); err != nil {
					a.log.Error("redeploy failed", "err", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	a.log.Info("serving", "addr", "http://"+ln.Addr().String(), "env", e.Scheme(), "version", a.cfg.Version)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// server is one littlebook origin: the relay in front, the boot artifacts
// behind it, and the in-process page answering delegated requests.
type server struct {
	app      *app
	env      env.Environment
	compiler *compiler.Compiler
	imports  *importmap.Store
	sidecar  *analysis.Sidecar
	machine  *machine.Context
	plugins  *wasmplugin.Runtime
	cache    *relay.Cache
	relay    *relay.Relay
	upstream http.Handler

	booted atomic.Pointer[booted]

	// deploy is the part of the configuration a redeploy replaces.
	mu     sync.Mutex
	deploy deployment
}

type deployment struct {
	version, buildDate, manifest string
}

type booted struct {
	res     *boot.Result
	handler http.Handler
}

func newServer(ctx context.Context, a *app, e env.Environment) (*server, error) {
	cfg := a.cfg
	s := &server{
		app:      a,
		env:      e,
		compiler: compiler.New(),
		deploy:   deployment{cfg.Version, cfg.BuildDate, cfg.Manifest},
	}
	if cfg.Server.Network != "" {
		u, err := url.Parse(cfg.Server.Network)
		if err != nil {
			return nil, err
		}
		s.upstream = httputil.NewSingleHostReverseProxy(u)
	}
	if err := s.boot(ctx); err != nil {
		if s.booted.Load() == nil {
			return nil, err
		}
		// the failure page is still served
		a.log.Warn("serving failed boot", "err", err)
	}

	s.imports = importmap.NewStore(e, s.booted.Load().res.Imports)
	s.sidecar = analysis.New(analysis.Options{Compiler: s.compiler, Logger: a.log.With("component", "analysis")})
	s.machine = machine.New(machine.Options{
		Envs:     env.NewRegistry(e),
		Imports:  s.imports,
		Compiler: s.compiler,
		Sidecar:  s.sidecar,
		Logger:   a.log.With("component", "machine"),
	})
	if err := s.registerPlugins(ctx, cfg.Plugins); err != nil {
		s.Close()
		return nil, err
	}

	if cfg.Server.Cache != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Server.Cache), 0755); err != nil {
			s.Close()
			return nil, err
		}
	}
	cache, err := relay.OpenCache(cfg.Server.Cache, relay.CacheName(cfg.BuildDate, cfg.Version), a.log.With("component", "cache"))
	if err != nil {
		s.Close()
		return nil, err
	}
	s.cache = cache
	s.relay = relay.New(relay.Options{
		Version: cfg.Version,
		Timeout: cfg.Server.RelayTimeout(),
		Network: http.HandlerFunc(s.serveBoot),
		Cache:   cache,
		Logger:  a.log.With("component", "relay"),
	})
	return s, nil
}

func (s *server) registerPlugins(ctx context.Context, plugins []config.Plugin) error {
	if len(plugins) == 0 {
		return nil
	}
	rt, err := wasmplugin.NewRuntime(ctx)
	if err != nil {
		return err
	}
	s.plugins = rt
	for _, p := range plugins {
		filter, err := regexp.Compile(p.Filter)
		if err != nil {
			return fmt.Errorf("plugin %s: %w", p.Name, err)
		}
		s.machine.Register(rt.Plugin(wasmplugin.Options{
			Name:        p.Name,
			Module:      p.Module,
			Filter:      filter,
			ContentType: p.ContentType,
		}))
	}
	return nil
}

// boot runs the boot sequence and publishes its result. A failed boot
// only replaces a result that failed too, so the last good bundle keeps
// being served.
func (s *server) boot(ctx context.Context) error {
	s.mu.Lock()
	d := s.deploy
	s.mu.Unlock()
	manifest, err := readManifest(d.manifest)
	if err != nil {
		return err
	}
	res, err := boot.Run(ctx, boot.Options{
		Env:      s.env,
		Manifest: manifest,
		Install:  boot.Policy(s.app.cfg.Install),
		Compiler: s.compiler,
		Entry:    s.app.cfg.Entry,
		Logger:   s.app.log.With("component", "boot"),
	})
	if prev := s.booted.Load(); err != nil && prev != nil && prev.res.Err == nil {
		s.app.log.Warn("boot failed, keeping previous bundle", "err", err)
		return err
	}
	s.booted.Store(&booted{res: res, handler: res.Handler(s.app.log, s.upstream)})
	if err != nil {
		return err
	}
	if s.imports != nil {
		s.imports.Reset(res.Imports)
	}
	// an install may have replaced plugin modules
	if s.plugins != nil {
		for _, p := range s.app.cfg.Plugins {
			s.plugins.Forget(ctx, p.Module)
		}
	}
	return nil
}

func (s *server) serveBoot(w http.ResponseWriter, r *http.Request) {
	s.booted.Load().handler.ServeHTTP(w, r)
}

// connect keeps the in-process page attached to the relay until ctx ends.
func (s *server) connect(ctx context.Context, url string) {
	log := s.app.log.With("component", "page")
	for ctx.Err() == nil {
		p, err := page.Dial(ctx, page.Options{
			URL:     url,
			Client:  "local",
			Version: s.relay.Version(),
			Machine: s.machine,
			Reload: func(version string) {
				log.Info("reloading", "version", version)
				if err := s.boot(ctx); err != nil {
					log.Error("reload failed", "err", err)
				}
			},
			Logger: log,
		})
		if err == nil {
			err = p.Serve(ctx)
			p.Close()
		}
		if ctx.Err() != nil {
			return
		}
		log.Warn("page disconnected", "err", err)
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
		}
	}
}

// redeploy rereads the configuration and, for a new version, switches
// the cache and tells every page to reload.
func (s *server) redeploy(ctx context.Context) error {
	cfg, err := config.Load(ctx, s.app.path)
	if err != nil {
		return err
	}
	if cfg.Version == s.relay.Version() {
		s.app.log.Info("redeploy skipped", "version", cfg.Version)
		return nil
	}
	s.mu.Lock()
	s.deploy = deployment{cfg.Version, cfg.BuildDate, cfg.Manifest}
	s.mu.Unlock()
	if err := s.cache.Use(ctx, relay.CacheName(cfg.BuildDate, cfg.Version)); err != nil {
		return err
	}
	s.relay.SetVersion(cfg.Version)
	s.app.log.Info("redeployed", "version", cfg.Version)
	return nil
}

func (s *server) Close() error {
	var errs []error
	if s.sidecar != nil {
		errs = append(errs, s.sidecar.Close())
	}
	if s.plugins != nil {
		errs = append(errs, s.plugins.Close(context.Background()))
	}
	if s.cache != nil {
		errs = append(errs, s.cache.Close())
	}
	return errors.Join(errs...)
}
