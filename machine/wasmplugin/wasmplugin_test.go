package wasmplugin

import (
	"context"
	"net/http"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tractor.dev/littlebook/env"
	"tractor.dev/littlebook/env/hostfs"
	"tractor.dev/littlebook/machine"
)

// dropFirstByte is a guest whose transform answers with its input minus
// the first byte. allocate always hands out offset 1024.
var dropFirstByte = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	// types: (i32) -> i32, (i32 i32) -> i64
	0x01, 0x0c, 0x02, 0x60, 0x01, 0x7f, 0x01, 0x7f, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7e,
	// functions
	0x03, 0x03, 0x02, 0x00, 0x01,
	// one page of memory
	0x05, 0x03, 0x01, 0x00, 0x01,
	// exports: memory, allocate, transform
	0x07, 0x21, 0x03,
	0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
	0x08, 'a', 'l', 'l', 'o', 'c', 'a', 't', 'e', 0x00, 0x00,
	0x09, 't', 'r', 'a', 'n', 's', 'f', 'o', 'r', 'm', 0x00, 0x01,
	// code
	0x0a, 0x1a, 0x02,
	0x05, 0x00, 0x41, 0x80, 0x08, 0x0b,
	0x12, 0x00, 0x20, 0x00, 0x41, 0x01, 0x6a, 0xad, 0x42, 0x20, 0x86, 0x20, 0x01, 0x41, 0x01, 0x6b, 0xad, 0x84, 0x0b,
}

// noExports is a valid module exporting nothing.
var noExports = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func newTestEnv(t *testing.T) *hostfs.FS {
	t.Helper()
	dir := t.TempDir()
	e, err := hostfs.New(hostfs.Options{
		Base:       dir,
		SystemDir:  filepath.Join(dir, "system"),
		UserDir:    filepath.Join(dir, "user"),
		WorkingDir: dir,
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	r, err := NewRuntime(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { r.Close(context.Background()) })
	return r
}

func TestTransform(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	require.NoError(t, e.Write(ctx, e.UserRoot()+"drop.wasm", dropFirstByte))

	r := newTestRuntime(t)
	tr, err := r.Load(ctx, env.NewRegistry(e), e.UserRoot()+"drop.wasm")
	require.NoError(t, err)

	out, err := tr.Transform(ctx, []byte("#hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))

	// each call gets a fresh instance
	out, err = tr.Transform(ctx, []byte("!again"))
	require.NoError(t, err)
	assert.Equal(t, "again", string(out))
}

func TestLoadErrors(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	envs := env.NewRegistry(e)
	r := newTestRuntime(t)

	require.NoError(t, e.Write(ctx, e.UserRoot()+"garbage.wasm", []byte("not wasm at all")))
	_, err := r.Load(ctx, envs, e.UserRoot()+"garbage.wasm")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "garbage.wasm")

	require.NoError(t, e.Write(ctx, e.UserRoot()+"empty.wasm", noExports))
	_, err = r.Load(ctx, envs, e.UserRoot()+"empty.wasm")
	assert.ErrorIs(t, err, ErrMissingExport)

	_, err = r.Load(ctx, envs, e.UserRoot()+"missing.wasm")
	assert.True(t, env.IsNotFound(err))
}

func TestForgetRereadsModule(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	envs := env.NewRegistry(e)
	addr := e.UserRoot() + "drop.wasm"
	require.NoError(t, e.Write(ctx, addr, dropFirstByte))

	r := newTestRuntime(t)
	_, err := r.Load(ctx, envs, addr)
	require.NoError(t, err)

	require.NoError(t, e.Write(ctx, addr, noExports))
	_, err = r.Load(ctx, envs, addr)
	require.NoError(t, err, "compiled module is reused")

	r.Forget(ctx, addr)
	_, err = r.Load(ctx, envs, addr)
	assert.ErrorIs(t, err, ErrMissingExport)

	// forgetting an unknown module is harmless
	r.Forget(ctx, e.UserRoot()+"never-loaded.wasm")
}

func TestPlugin(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	require.NoError(t, e.Write(ctx, e.UserRoot()+"drop.wasm", dropFirstByte))
	require.NoError(t, e.Write(ctx, e.UserRoot()+"notes.md", []byte("_# Notes")))
	require.NoError(t, e.Write(ctx, e.UserRoot()+"other.md", []byte("_untouched")))

	r := newTestRuntime(t)
	m := machine.New(machine.Options{Envs: env.NewRegistry(e)})
	m.Register(r.Plugin(Options{
		Module:      e.UserRoot() + "drop.wasm",
		Filter:      regexp.MustCompile(`notes\.md$`),
		ContentType: "text/plain",
	}))

	resp := m.Transform(ctx, machine.Request{Address: e.UserRoot() + "notes.md"})
	require.Equal(t, http.StatusOK, resp.Status, string(resp.Body))
	assert.Equal(t, "# Notes", string(resp.Body))
	assert.Equal(t, "text/plain", resp.Headers["content-type"])

	resp = m.Transform(ctx, machine.Request{Address: e.UserRoot() + "other.md"})
	assert.Equal(t, "_untouched", string(resp.Body))
	assert.Equal(t, "text/markdown", resp.Headers["content-type"])
}
