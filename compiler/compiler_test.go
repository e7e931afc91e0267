package compiler

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tractor.dev/littlebook/env"
	"tractor.dev/littlebook/env/hostfs"
	"tractor.dev/littlebook/importmap"
)

func TestExtension(t *testing.T) {
	for in, want := range map[string]string{
		"opfs:///a/b.ts":         "ts",
		"opfs:///a/b.mts":        "ts",
		"opfs:///a/b.cts":        "ts",
		"opfs:///a/b.mjs":        "js",
		"opfs:///a/b.cjs":        "js",
		"opfs:///a/b.TSX":        "tsx",
		"opfs:///a/b.css?v=1":    "css",
		"opfs:///a/b.json#frag":  "json",
		"opfs:///a/no-extension": "",
	} {
		assert.Equal(t, want, Extension(in), in)
	}
}

func TestTransformTypeScript(t *testing.T) {
	c := New()
	res, err := c.Transform(context.Background(), "opfs:///littlebook/system/core/entry.ts",
		[]byte("export const answer: number = 42\n"), "")
	require.NoError(t, err)
	assert.Equal(t, "ts", res.Loader)
	code := string(res.Code)
	assert.Contains(t, code, "const answer = 42")
	assert.Regexp(t, `export \{\s*answer\s*\}`, code)
	assert.NotContains(t, code, ": number")
	assert.Contains(t, code, "sourceMappingURL=data:application/json;base64,")
}

func TestTransformAlias(t *testing.T) {
	c := New()
	res, err := c.Transform(context.Background(), "opfs:///x.mts", []byte("let a: string = 'x'; export {a}"), "")
	require.NoError(t, err)
	assert.Equal(t, "ts", res.Loader)
}

func TestTransformError(t *testing.T) {
	c := New()
	_, err := c.Transform(context.Background(), "opfs:///broken.ts", []byte("export const = ;"), "")
	require.Error(t, err)
	var cerr *CompilerError
	require.True(t, errors.As(err, &cerr))
	assert.NotEmpty(t, cerr.Errors)
	assert.Equal(t, Error, cerr.Errors[0].Severity)
	assert.Contains(t, err.Error(), "opfs:///broken.ts")
}

func TestTransformNoLoader(t *testing.T) {
	c := New()
	_, err := c.Transform(context.Background(), "opfs:///img.png", []byte{0x89, 'P'}, "")
	assert.Error(t, err)
}

func TestTransformMemo(t *testing.T) {
	c := New()
	src := []byte("export default 1")
	a, err := c.Transform(context.Background(), "opfs:///m.js", src, "")
	require.NoError(t, err)
	assert.Equal(t, 1, c.memo.Len())
	b, err := c.Transform(context.Background(), "opfs:///m.js", src, "")
	require.NoError(t, err)
	assert.Equal(t, a.Code, b.Code)
	assert.Equal(t, 1, c.memo.Len())
}

func TestInitOnce(t *testing.T) {
	c := New()
	release := make(chan struct{})
	c.warmup = func(ctx context.Context) error {
		<-release
		return nil
	}
	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Init(context.Background()); err != nil {
				failures.Add(1)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(0), failures.Load())
	assert.Equal(t, int32(1), c.inits.Load())

	require.NoError(t, c.Init(context.Background()))
	assert.Equal(t, int32(1), c.inits.Load())
}

func TestInitRetriesAfterFailure(t *testing.T) {
	c := New()
	calls := 0
	c.warmup = func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("boom")
		}
		return nil
	}
	assert.Error(t, c.Init(context.Background()))
	assert.NoError(t, c.Init(context.Background()))
	assert.Equal(t, 2, calls)
}

func testEnv(t *testing.T) *hostfs.FS {
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

func TestBundle(t *testing.T) {
	ctx := context.Background()
	e := testEnv(t)
	m := &env.Manifest{
		Directories: []string{"lib", "styles"},
		Files: map[string]env.ManifestFile{
			"entrypoint.ts": {Content: strings.Join([]string{
				`import {greet} from "./lib/greet.ts"`,
				`import {render} from "solid-js/web"`,
				`import {helper} from "@lb/helper"`,
				`import "./styles/app.css"`,
				`render(greet(helper("world")))`,
			}, "\n")},
			"lib/greet.ts":   {Content: `export const greet = (name: string) => "hello " + name`},
			"lib/helper.mts": {Content: `export function helper(s: string): string { return s.toUpperCase() }`},
			"styles/app.css": {Content: `body { color: rebeccapurple }`},
		},
	}
	require.NoError(t, env.Install(ctx, e, m, e.SystemRoot()))

	imports := &importmap.Map{Imports: map[string]string{
		"solid-js/web": "https://esm.sh/solid-js/web",
		"@lb/helper":   "littlebook:system/lib/helper.mts",
	}}
	c := New()
	b, err := c.Bundle(ctx, "littlebook:system/entrypoint.ts", BundleOptions{Env: e, Imports: imports})
	require.NoError(t, err)

	js := string(b.JS)
	assert.Contains(t, js, `"hello "`)
	assert.Contains(t, js, "toUpperCase")
	assert.Contains(t, js, `from "https://esm.sh/solid-js/web"`)
	assert.NotContains(t, js, ": string")
	assert.Contains(t, string(b.CSS), "rebeccapurple")
	assert.NotEmpty(t, b.JSMap)
}

func TestBundleMissingFile(t *testing.T) {
	e := testEnv(t)
	c := New()
	_, err := c.Bundle(context.Background(), "littlebook:system/entrypoint.ts", BundleOptions{Env: e})
	require.Error(t, err)
	var cerr *CompilerError
	assert.True(t, errors.As(err, &cerr))
}
