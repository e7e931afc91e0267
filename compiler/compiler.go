// Package compiler wraps esbuild for single-file transforms and for
// bundling the entry program.
package compiler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync/atomic"
	"time"

	"github.com/evanw/esbuild/pkg/api"
	"golang.org/x/sync/singleflight"

	"tractor.dev/littlebook/internal/cache"
)

// Severity of a diagnostic.
type Severity string

const (
	Warning Severity = "warning"
	Error   Severity = "error"
)

// Message is a compiler diagnostic.
type Message struct {
	Severity Severity `json:"severity"`
	Text     string   `json:"text"`
	File     string   `json:"file,omitempty"`
	Line     int      `json:"line,omitempty"`
	Column   int      `json:"column,omitempty"`
	LineText string   `json:"lineText,omitempty"`
}

func (m Message) String() string {
	if m.File == "" {
		return m.Text
	}
	return fmt.Sprintf("%s:%d:%d: %s", m.File, m.Line, m.Column, m.Text)
}

// CompilerError is returned when esbuild reports errors. Warnings
// collected alongside are kept for context.
type CompilerError struct {
	Address  string
	Errors   []Message
	Warnings []Message
}

func (e *CompilerError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, m := range e.Errors {
		msgs = append(msgs, m.String())
	}
	return fmt.Sprintf("compile %s: %s", e.Address, strings.Join(msgs, "; "))
}

// Result of a single-file transform.
type Result struct {
	Code     []byte
	Loader   string
	Warnings []Message
}

var loaders = map[string]api.Loader{
	"js":   api.LoaderJS,
	"jsx":  api.LoaderJSX,
	"ts":   api.LoaderTS,
	"tsx":  api.LoaderTSX,
	"css":  api.LoaderCSS,
	"json": api.LoaderJSON,
	"txt":  api.LoaderText,
	"text": api.LoaderText,
}

// extension aliases onto one canonical loader
var aliases = map[string]string{
	"mjs": "js",
	"cjs": "js",
	"mts": "ts",
	"cts": "ts",
}

// Extension returns address's lower-cased extension with any alias
// applied, ignoring query and fragment.
func Extension(address string) string {
	if i := strings.IndexAny(address, "?#"); i >= 0 {
		address = address[:i]
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(address), "."))
	if a, ok := aliases[ext]; ok {
		return a
	}
	return ext
}

// LoaderFor reports the loader for address, by extension.
func LoaderFor(address string) (api.Loader, string, bool) {
	ext := Extension(address)
	l, ok := loaders[ext]
	return l, ext, ok
}

type Compiler struct {
	log *slog.Logger

	done  atomic.Bool
	inits atomic.Int32
	group singleflight.Group
	// warmup runs once during Init.
	warmup func(ctx context.Context) error

	memo *cache.C[Result]
}

func New() *Compiler {
	c := &Compiler{
		log:  slog.Default(),
		memo: cache.New[Result](10*time.Minute, 512),
	}
	c.warmup = c.selfTest
	return c
}

// Init prepares the compiler. It is safe to call repeatedly and from many
// goroutines: the first call does the work and concurrent callers wait
// for it. A failed Init is retried by the next call.
func (c *Compiler) Init(ctx context.Context) error {
	if c.done.Load() {
		return nil
	}
	ch := c.group.DoChan("init", func() (any, error) {
		if c.done.Load() {
			return nil, nil
		}
		c.inits.Add(1)
		start := time.Now()
		if err := c.warmup(context.WithoutCancel(ctx)); err != nil {
			return nil, fmt.Errorf("compiler init: %w", err)
		}
		c.done.Store(true)
		c.log.Debug("compiler initialized", "took", time.Since(start))
		return nil, nil
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Compiler) selfTest(ctx context.Context) error {
	res := api.Transform("export const ok: boolean = true", api.TransformOptions{Loader: api.LoaderTS})
	if len(res.Errors) > 0 {
		return &CompilerError{Address: "<init>", Errors: messages(Error, res.Errors)}
	}
	return nil
}

// Transform compiles one file. The loader comes from the address's
// extension unless loader is given. Warnings are returned with the
// result; errors fail the transform with a *CompilerError.
func (c *Compiler) Transform(ctx context.Context, address string, contents []byte, loader string) (Result, error) {
	if err := c.Init(ctx); err != nil {
		return Result{}, err
	}
	l, ext, ok := LoaderFor(address)
	if loader != "" {
		l, ok = loaders[loader]
		ext = loader
	}
	if !ok {
		return Result{}, fmt.Errorf("compile %s: no loader for %q", address, ext)
	}

	sum := sha256.Sum256(contents)
	key := ext + "\x00" + address + "\x00" + hex.EncodeToString(sum[:])
	if res, ok := c.memo.Get(key); ok {
		return res, nil
	}

	out := api.Transform(string(contents), api.TransformOptions{
		Loader:     l,
		Sourcefile: address,
		Sourcemap:  api.SourceMapInline,
		Platform:   api.PlatformBrowser,
		Format:     api.FormatESModule,
		Target:     api.ESNext,
		LogLevel:   api.LogLevelSilent,
		LogOverride: map[string]api.LogLevel{
			"unsupported-dynamic-import": api.LogLevelSilent,
		},
	})
	warnings := messages(Warning, out.Warnings)
	for _, w := range warnings {
		c.log.Warn("esbuild warning", "address", address, "msg", w.String())
	}
	if len(out.Errors) > 0 {
		return Result{}, &CompilerError{Address: address, Errors: messages(Error, out.Errors), Warnings: warnings}
	}
	res := Result{Code: out.Code, Loader: ext, Warnings: warnings}
	c.memo.Set(key, res, cache.DefaultExpiration)
	return res, nil
}

func messages(sev Severity, msgs []api.Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		msg := Message{Severity: sev, Text: m.Text}
		if m.PluginName != "" {
			msg.Text = "[" + m.PluginName + "] " + m.Text
		}
		if m.Location != nil {
			msg.File = m.Location.File
			msg.Line = m.Location.Line
			msg.Column = m.Location.Column
			msg.LineText = m.Location.LineText
		}
		out = append(out, msg)
	}
	return out
}
