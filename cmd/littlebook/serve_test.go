package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tractor.dev/littlebook/config"
	"tractor.dev/littlebook/env"
	"tractor.dev/littlebook/env/opfs"
	"tractor.dev/littlebook/relay"
)

func writeManifest(t *testing.T, dir, version string) string {
	t.Helper()
	m := env.Manifest{
		Directories: []string{"core"},
		Files: map[string]env.ManifestFile{
			"entrypoint.ts":   {Content: `import {greet} from "./core/greet.ts"` + "\n" + `document.title = greet("serve")`},
			"core/greet.ts":   {Content: "export const greet = (name: string): string => `hello ${name}`\n"},
			env.VersionMarker: {Content: version},
		},
	}
	b, err := json.Marshal(m)
	require.NoError(t, err)
	path := filepath.Join(dir, "system-"+version+".json")
	require.NoError(t, os.WriteFile(path, b, 0644))
	return path
}

func newTestApp(t *testing.T) *app {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Environment = "hostfs"
	cfg.Version = "1"
	cfg.BuildDate = "20250101"
	cfg.Manifest = writeManifest(t, dir, "1")
	cfg.Server.Cache = ":memory:"
	cfg.Server.Timeout = "5s"
	cfg.HostFS = &config.HostFS{
		SystemDir:  filepath.Join(dir, "share", "littlebook"),
		UserDir:    filepath.Join(dir, "config", "littlebook"),
		WorkingDir: dir,
	}
	a := &app{
		path: filepath.Join(dir, config.Filename),
		cfg:  cfg,
		log:  slog.New(slog.DiscardHandler),
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestServer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newTestApp(t)
	e, err := a.environment(ctx)
	require.NoError(t, err)
	s, err := newServer(ctx, a, e)
	require.NoError(t, err)
	defer s.Close()

	srv := httptest.NewServer(s.relay)
	defer srv.Close()
	go s.connect(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+relay.Path)

	status, body := get(t, srv.URL+"/")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `<script type="module" src="/.littlebook/bundle.js"></script>`)

	status, body = get(t, srv.URL+"/.littlebook/bundle.js")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "hello ")

	// delegated to the in-process page once it has connected
	assert.Eventually(t, func() bool {
		status, body = get(t, srv.URL+"/littlebook:system/core/greet.ts")
		return status == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)
	assert.Contains(t, body, "const greet = ")
	assert.Regexp(t, `export \{\s*greet\s*\}`, body)
	assert.NotContains(t, body, ": string")

	status, _ = get(t, srv.URL+"/littlebook:system/core/missing.ts")
	assert.Equal(t, http.StatusNotFound, status)

	t.Run("redeploy", func(t *testing.T) {
		first := s.booted.Load()
		src := "version = \"2\"\nmanifest = " + `"` + writeManifest(t, t.TempDir(), "2") + `"` + "\n"
		require.NoError(t, os.WriteFile(a.path, []byte(src), 0644))

		require.NoError(t, s.redeploy(ctx))
		assert.Equal(t, "2", s.relay.Version())
		assert.Equal(t, relay.CacheName("", "2"), s.cache.Name())

		assert.Eventually(t, func() bool {
			return s.booted.Load() != first
		}, 5*time.Second, 50*time.Millisecond)
		v, err := env.InstalledVersion(ctx, e)
		require.NoError(t, err)
		assert.Equal(t, "2", v)

		// the same version again is a no-op
		require.NoError(t, s.redeploy(ctx))
		assert.Equal(t, "2", s.relay.Version())
	})
}

func TestServerFailedBoot(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)
	a.cfg.Entry = "littlebook:system/nowhere.ts"
	e, err := a.environment(ctx)
	require.NoError(t, err)
	s, err := newServer(ctx, a, e)
	require.NoError(t, err)
	defer s.Close()

	srv := httptest.NewServer(s.relay)
	defer srv.Close()
	status, body := get(t, srv.URL+"/")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "#ff2a50")
	assert.Contains(t, body, "data-littlebook-error")
}

func TestFailedRebootKeepsBundle(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)
	e, err := a.environment(ctx)
	require.NoError(t, err)
	s, err := newServer(ctx, a, e)
	require.NoError(t, err)
	defer s.Close()
	good := s.booted.Load()
	require.NoError(t, good.res.Err)

	a.cfg.Entry = "littlebook:system/nowhere.ts"
	assert.Error(t, s.boot(ctx))
	assert.Same(t, good, s.booted.Load())

	srv := httptest.NewServer(s.relay)
	defer srv.Close()
	status, body := get(t, srv.URL+"/")
	assert.Equal(t, http.StatusOK, status)
	assert.NotContains(t, body, "#ff2a50")
	status, _ = get(t, srv.URL+"/.littlebook/bundle.js")
	assert.Equal(t, http.StatusOK, status)
}

func TestContention(t *testing.T) {
	a := newTestApp(t)
	for name, want := range map[string]any{
		"warn":   &opfs.WarnPolicy{},
		"lock":   opfs.LockPolicy{},
		"reject": opfs.RejectPolicy{},
	} {
		a.cfg.OPFS.Contention = name
		p, err := a.contention()
		require.NoError(t, err)
		assert.IsType(t, want, p, name)
	}
	a.cfg.OPFS.Contention = "queue"
	_, err := a.contention()
	assert.Error(t, err)
}

func TestOPFSEnvironment(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)
	a.cfg.Environment = "opfs"
	a.cfg.OPFS.Dir = filepath.Join(t.TempDir(), "opfs")

	e, err := a.environment(ctx)
	require.NoError(t, err)
	assert.Equal(t, opfs.Scheme, e.Scheme())

	manifest, err := readManifest(a.cfg.Manifest)
	require.NoError(t, err)
	m, err := env.ParseManifest(manifest)
	require.NoError(t, err)
	require.NoError(t, env.Install(ctx, e, m, e.SystemRoot()))
	b, err := e.Read(ctx, e.SystemRoot()+"core/greet.ts")
	require.NoError(t, err)
	assert.Contains(t, string(b), "greet")
}

func TestReadManifest(t *testing.T) {
	b, err := readManifest("")
	assert.NoError(t, err)
	assert.Nil(t, b)

	_, err = readManifest(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
