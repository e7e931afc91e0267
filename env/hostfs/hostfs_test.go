package hostfs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"tractor.dev/littlebook/env"
	"tractor.dev/littlebook/env/envtest"
)

func newTestFS(t *testing.T) (*FS, string) {
	t.Helper()
	dir := t.TempDir()
	fsys, err := New(Options{
		Base:       dir,
		SystemDir:  filepath.Join(dir, "share", "littlebook"),
		UserDir:    filepath.Join(dir, "config", "littlebook"),
		WorkingDir: dir,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { fsys.Close() })
	return fsys, dir
}

func TestConformance(t *testing.T) {
	fsys, _ := newTestFS(t)
	envtest.TestEnvironment(t, fsys)
}

func TestRoots(t *testing.T) {
	fsys, dir := newTestFS(t)
	if got, want := fsys.SystemRoot(), "hostfs:///share/littlebook/"; got != want {
		t.Errorf("system root %q, want %q", got, want)
	}
	if got, want := fsys.UserRoot(), "hostfs:///config/littlebook/"; got != want {
		t.Errorf("user root %q, want %q", got, want)
	}
	if got := fsys.WorkingDirectory(); got != "hostfs:///" {
		t.Errorf("cwd %q", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "config", "littlebook")); err != nil {
		t.Errorf("user root not created: %v", err)
	}
	if fsys.HostPath(fsys.UserRoot()+"a.txt") != filepath.Join(dir, "config", "littlebook", "a.txt") {
		t.Errorf("unexpected host path %s", fsys.HostPath(fsys.UserRoot()+"a.txt"))
	}
}

func TestBarePaths(t *testing.T) {
	fsys, dir := newTestFS(t)
	ctx := context.Background()
	if err := fsys.Write(ctx, "/hello.txt", []byte("hi")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "hello.txt"))
	if err != nil || string(b) != "hi" {
		t.Fatalf("got %q, %v", b, err)
	}
	// traversal stays inside the base
	if _, err := fsys.Read(ctx, "hostfs:///../../hello.txt"); err != nil {
		t.Fatalf("Read: %v", err)
	}
}

func TestUninstall(t *testing.T) {
	fsys, _ := newTestFS(t)
	ctx := context.Background()
	m := &env.Manifest{
		Directories: []string{"core"},
		Files: map[string]env.ManifestFile{
			"core/entry.ts":   {Content: "export {}"},
			env.VersionMarker: {Content: "1"},
		},
	}
	if err := env.Install(ctx, fsys, m, fsys.SystemRoot()); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if v, _ := env.InstalledVersion(ctx, fsys); v != "1" {
		t.Fatalf("installed version %q", v)
	}
	if err := env.Uninstall(ctx, fsys); err != nil {
		t.Fatalf("Uninstall: %v", err)
	}
	if _, err := fsys.Stat(ctx, fsys.SystemRoot()); !env.IsNotFound(err) {
		t.Fatalf("system root still present: %v", err)
	}
	if _, err := fsys.Stat(ctx, fsys.UserRoot()); err != nil {
		t.Fatalf("user root must survive uninstall: %v", err)
	}
	if !strings.HasPrefix(fsys.SystemRoot(), Scheme+":") {
		t.Fatal("bad scheme")
	}
}

func TestProbeDoesNotWrite(t *testing.T) {
	dir := t.TempDir()
	data := filepath.Join(dir, "missing", "data")
	t.Setenv("LITTLEBOOK_NATIVE", "")
	t.Setenv("XDG_DATA_HOME", data)

	if !Probe() {
		t.Fatal("Probe() = false under a writable temp dir")
	}
	if _, err := os.Stat(filepath.Join(dir, "missing")); !os.IsNotExist(err) {
		t.Fatalf("Probe created %s (stat err %v)", filepath.Join(dir, "missing"), err)
	}

	t.Setenv("LITTLEBOOK_NATIVE", "0")
	if Probe() {
		t.Error("Probe() = true with LITTLEBOOK_NATIVE=0")
	}
}

func TestCreatable(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		path string
		want bool
	}{
		{dir, true},
		{filepath.Join(dir, "a", "b", "c"), true},
		{file, false},
		{filepath.Join(file, "below"), false},
	}
	for _, tt := range tests {
		if got := creatable(tt.path); got != tt.want {
			t.Errorf("creatable(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
