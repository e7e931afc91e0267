package resolve

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tractor.dev/littlebook/env"
	"tractor.dev/littlebook/importmap"
)

type rootsEnv struct {
	env.Environment
	scheme, system, user, cwd string
}

func (e rootsEnv) Scheme() string           { return e.scheme }
func (e rootsEnv) SystemRoot() string       { return e.system }
func (e rootsEnv) UserRoot() string         { return e.user }
func (e rootsEnv) WorkingDirectory() string { return e.cwd }

var (
	opfsEnv = rootsEnv{
		scheme: "opfs",
		system: "opfs:///littlebook/system/",
		user:   "opfs:///littlebook/user/",
		cwd:    "opfs:///",
	}
	hostEnv = rootsEnv{
		scheme: "hostfs",
		system: "hostfs:///home/rabbit/.local/share/littlebook",
		user:   "hostfs:///home/rabbit/.config/littlebook",
		cwd:    "hostfs:///home/rabbit/",
	}
)

func TestVirtualScheme(t *testing.T) {
	r := New(nil, opfsEnv)
	for _, tt := range []struct {
		in, want string
	}{
		{"littlebook:system/core/entry.ts", "opfs:///littlebook/system/core/entry.ts"},
		{"littlebook:/system/core/entry.ts", "opfs:///littlebook/system/core/entry.ts"},
		{"littlebook:user/init.ts", "opfs:///littlebook/user/init.ts"},
		{"littlebook:elsewhere/x.ts", "opfs:///elsewhere/x.ts"},
		{"./a.ts", "opfs:///a.ts"},
		{"https://esm.sh/solid-js", "https://esm.sh/solid-js"},
	} {
		got, err := r.Resolve(tt.in, "")
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestRelativeToBase(t *testing.T) {
	r := New(nil, opfsEnv)
	got, err := r.Resolve("../lib/util.ts", "opfs:///littlebook/system/core/entry.ts")
	require.NoError(t, err)
	assert.Equal(t, "opfs:///littlebook/system/lib/util.ts", got)
}

func TestImportMap(t *testing.T) {
	m := &importmap.Map{Imports: map[string]string{
		"@littlebook/core": "littlebook:system/core/mod.ts",
		"preact":           "https://esm.sh/preact",
	}}
	r := New(m, opfsEnv)

	got, err := r.Resolve("@littlebook/core", "")
	require.NoError(t, err)
	assert.Equal(t, "opfs:///littlebook/system/core/mod.ts", got)

	got, err = r.Resolve("preact", "opfs:///littlebook/user/a.ts")
	require.NoError(t, err)
	assert.Equal(t, "https://esm.sh/preact", got)
}

func TestScopeFollowsReferrer(t *testing.T) {
	m := &importmap.Map{
		Imports: map[string]string{"dep": "./dep.ts"},
		Scopes: map[string]map[string]string{
			"littlebook:user/app/": {"dep": "./dep-app.ts"},
		},
	}
	r := New(m, opfsEnv)
	base := "opfs:///littlebook/system/lib/"

	got, err := r.ResolveScoped("dep", base, "littlebook:user/app/main.ts")
	require.NoError(t, err)
	assert.Equal(t, "opfs:///littlebook/system/lib/dep-app.ts", got)

	got, err = r.ResolveScoped("dep", base, "")
	require.NoError(t, err)
	assert.Equal(t, "opfs:///littlebook/system/lib/dep.ts", got)
}

func TestIdempotent(t *testing.T) {
	for _, e := range []rootsEnv{opfsEnv, hostEnv} {
		r := New(nil, e)
		for _, s := range []string{
			"littlebook:system/core/entry.ts",
			"littlebook:user/styles/a.css",
			"littlebook:system/a/../b/c.js",
			"./relative/x.ts",
			"../up.ts",
			"plain",
			"dir/with space.ts",
			"https://example.com/a/./b.js?q=1",
			"opfs:///already/absolute.ts",
		} {
			once, err := r.Resolve(s, "")
			require.NoError(t, err, s)
			twice, err := r.Resolve(once, "")
			require.NoError(t, err, once)
			assert.Equal(t, once, twice, "resolve(%q) not idempotent", s)
		}
	}
}

func TestSameSuffixAcrossEnvironments(t *testing.T) {
	for _, s := range []string{
		"littlebook:system/core/entry.ts",
		"littlebook:user/keybindings.json",
		"littlebook:/system/deep/nested/file.css",
	} {
		a, err := New(nil, opfsEnv).Resolve(s, "")
		require.NoError(t, err)
		b, err := New(nil, hostEnv).Resolve(s, "")
		require.NoError(t, err)
		assert.NotEqual(t, a, b)

		root, rest := Classify(strings.TrimPrefix(s, "littlebook:"))
		require.NotEqual(t, NoRoot, root)
		assert.True(t, strings.HasSuffix(a, "/"+rest), a)
		assert.True(t, strings.HasSuffix(b, "/"+rest), b)
	}
}

func TestClassify(t *testing.T) {
	root, rest := Classify("system/x/y.ts")
	assert.Equal(t, System, root)
	assert.Equal(t, "x/y.ts", rest)

	root, rest = Classify("/user/z")
	assert.Equal(t, User, root)
	assert.Equal(t, "z", rest)

	root, _ = Classify("systemic/x")
	assert.Equal(t, NoRoot, root)
}
