package importmap

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"tractor.dev/littlebook/env"
	"tractor.dev/littlebook/env/hostfs"
)

func testEnv(t *testing.T) env.Environment {
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
	require.NoError(t, e.Mkdir(context.Background(), e.SystemRoot(), env.MkdirOptions{Parents: true}))
	return e
}

func TestMergeLaterWins(t *testing.T) {
	var logs bytes.Buffer
	log := slog.New(slog.NewTextHandler(&logs, nil))

	system := &Map{Imports: map[string]string{"solid-js": "https://esm.sh/solid-js@1.8", "a": "1"}}
	user := &Map{Imports: map[string]string{"solid-js": "https://esm.sh/solid-js@1.9", "b": "2"}}

	m := Merge(log, system, user)
	assert.Equal(t, "https://esm.sh/solid-js@1.9", m.Imports["solid-js"])
	assert.Equal(t, "1", m.Imports["a"])
	assert.Equal(t, "2", m.Imports["b"])
	assert.Contains(t, logs.String(), "import map conflict")
	assert.Contains(t, logs.String(), "solid-js")
}

func TestMergeScopes(t *testing.T) {
	a := &Map{Scopes: map[string]map[string]string{"/x/": {"k": "a", "j": "a"}}}
	b := &Map{Scopes: map[string]map[string]string{"/x/": {"k": "b"}}}
	m := Merge(slog.New(slog.DiscardHandler), a, b)
	assert.Equal(t, map[string]string{"k": "b", "j": "a"}, m.Scopes["/x/"])
}

func TestLookup(t *testing.T) {
	m := &Map{
		Imports: map[string]string{
			"lodash":      "https://esm.sh/lodash",
			"lib/":        "littlebook:system/lib/",
			"lib/nested/": "littlebook:user/nested/",
		},
		Scopes: map[string]map[string]string{
			"opfs:///littlebook/user/": {"lodash": "littlebook:user/lodash.js"},
		},
	}
	v, ok := m.Lookup("lodash")
	assert.True(t, ok)
	assert.Equal(t, "https://esm.sh/lodash", v)

	v, _ = m.Lookup("lib/a.ts")
	assert.Equal(t, "littlebook:system/lib/a.ts", v)

	v, _ = m.Lookup("lib/nested/b.ts")
	assert.Equal(t, "littlebook:user/nested/b.ts", v)

	_, ok = m.Lookup("react")
	assert.False(t, ok)

	v, _ = m.LookupScoped("lodash", "opfs:///littlebook/user/x.ts")
	assert.Equal(t, "littlebook:user/lodash.js", v)
	v, _ = m.LookupScoped("lodash", "opfs:///littlebook/system/x.ts")
	assert.Equal(t, "https://esm.sh/lodash", v)
}

func TestLoad(t *testing.T) {
	ctx := context.Background()
	e := testEnv(t)
	require.NoError(t, e.Write(ctx, e.SystemRoot()+Filename, []byte(`{"imports":{"a":"sys-a","b":"sys-b"}}`)))
	require.NoError(t, e.Write(ctx, e.UserRoot()+Filename, []byte(`{"imports":{"a":"user-a"}}`)))

	m, err := Load(ctx, e, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	assert.Equal(t, "user-a", m.Imports["a"])
	assert.Equal(t, "sys-b", m.Imports["b"])
}

func TestLoadMissing(t *testing.T) {
	m, err := Load(context.Background(), testEnv(t), nil)
	require.NoError(t, err)
	assert.Empty(t, m.Imports)
}

func TestSetImport(t *testing.T) {
	ctx := context.Background()
	e := testEnv(t)
	require.NoError(t, e.Write(ctx, e.UserRoot()+Filename, []byte(`{"imports":{"keep":"me"},"scopes":{}}`)))

	s := NewStore(e, New())
	require.NoError(t, s.SetImport(ctx, "@std/path.js", "littlebook:user/path.js"))

	v, ok := s.Lookup("@std/path.js")
	assert.True(t, ok)
	assert.Equal(t, "littlebook:user/path.js", v)

	doc, err := e.Read(ctx, e.UserRoot()+Filename)
	require.NoError(t, err)
	assert.Equal(t, "me", gjson.GetBytes(doc, "imports.keep").String())
	assert.Equal(t, "littlebook:user/path.js", gjson.GetBytes(doc, `imports.\@std/path\.js`).String())

	require.NoError(t, s.SetImport(ctx, "@std/path.js", ""))
	_, ok = s.Lookup("@std/path.js")
	assert.False(t, ok)

	// snapshots are isolated from later edits
	snap := s.Snapshot()
	require.NoError(t, s.SetImport(ctx, "later", "x"))
	assert.False(t, snap.Matches("later"))
}

func TestStoreReset(t *testing.T) {
	s := NewStore(nil, &Map{Imports: map[string]string{"a": "littlebook:system/a.ts"}})
	s.Reset(&Map{Imports: map[string]string{"b": "littlebook:system/b.ts"}})

	_, ok := s.Lookup("a")
	assert.False(t, ok)
	v, ok := s.Lookup("b")
	assert.True(t, ok)
	assert.Equal(t, "littlebook:system/b.ts", v)

	s.Reset(nil)
	assert.Empty(t, s.Snapshot().Imports)
}
