// Package machine turns a module address into response bytes by running
// a resolve, read and transform stage, each a first-match chain of plugin
// handlers with a built-in fallback, followed by post-processing rules.
package machine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"tractor.dev/littlebook/compiler"
	"tractor.dev/littlebook/env"
	"tractor.dev/littlebook/importmap"
	"tractor.dev/littlebook/resolve"
)

// Registrar receives script artifacts for tooling. Register must not
// block.
type Registrar interface {
	Register(address string, code []byte)
}

// Response is the machine's answer to a Request.
type Response struct {
	Status  int     `json:"status"`
	Headers Headers `json:"headers"`
	Body    []byte  `json:"body"`
}

// Context is the state one page's machine runs with. Plugins and the
// import map may change at any time; each request works from the plugin
// list as it was when the request started.
type Context struct {
	Envs     *env.Registry
	Imports  *importmap.Store
	Compiler *compiler.Compiler
	Sidecar  Registrar
	Rules    []Rule

	mu      sync.RWMutex
	plugins []Plugin
	log     *slog.Logger
}

type Options struct {
	Envs     *env.Registry
	Imports  *importmap.Store
	Compiler *compiler.Compiler
	Sidecar  Registrar
	// Rules default to DefaultRules.
	Rules  []Rule
	Logger *slog.Logger
}

func New(opts Options) *Context {
	if opts.Rules == nil {
		opts.Rules = DefaultRules()
	}
	if opts.Compiler == nil {
		opts.Compiler = compiler.New()
	}
	if opts.Envs == nil {
		opts.Envs = env.NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Context{
		Envs:     opts.Envs,
		Imports:  opts.Imports,
		Compiler: opts.Compiler,
		Sidecar:  opts.Sidecar,
		Rules:    opts.Rules,
		log:      opts.Logger,
	}
}

// Register appends p to the plugin list. Plugins registered earlier take
// precedence.
func (c *Context) Register(p Plugin) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plugins = append(c.plugins, p)
}

// Plugins returns a copy of the plugin list.
func (c *Context) Plugins() []Plugin {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Plugin(nil), c.plugins...)
}

// Resolver returns a resolver over the current import map and active
// Environment.
func (c *Context) Resolver() *resolve.Resolver {
	var imports resolve.Imports
	if c.Imports != nil {
		imports = c.Imports
	}
	return resolve.New(imports, c.Envs.Active())
}

// Transform runs the pipeline for req. Failures become error responses:
// 404 for missing entries, 500 otherwise, with the error text as body.
func (c *Context) Transform(ctx context.Context, req Request) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("pipeline panic", "address", req.Address, "panic", r)
			resp = errorResponse(fmt.Errorf("%s: panic: %v", req.Address, r))
		}
	}()
	a, err := c.Run(ctx, req)
	if err != nil {
		c.log.Warn("pipeline failed", "address", req.Address, "err", err)
		return errorResponse(err)
	}
	headers := Headers{}
	for k, v := range a.Headers {
		headers[k] = v
	}
	headers["content-type"] = a.ContentType
	return Response{Status: http.StatusOK, Headers: headers, Body: a.Contents}
}

func errorResponse(err error) Response {
	status := http.StatusInternalServerError
	if env.IsNotFound(err) {
		status = http.StatusNotFound
	}
	return Response{
		Status:  status,
		Headers: Headers{"content-type": "text/plain; charset=utf-8"},
		Body:    []byte(err.Error()),
	}
}

// Run produces the artifact for req.
func (c *Context) Run(ctx context.Context, req Request) (Artifact, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	ch := prepare(c, c.Plugins(), req.Address)
	headers := Headers{}
	var warnings []Message

	fold := func(o Outcome) error {
		for k, v := range o.Headers {
			headers[strings.ToLower(k)] = v
		}
		warnings = append(warnings, o.Warnings...)
		if len(o.Errors) > 0 {
			msgs := make([]string, 0, len(o.Errors))
			for _, m := range o.Errors {
				msgs = append(msgs, m.String())
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return nil
	}

	resolved, _, err := runChain(ctx, "resolve", ch.resolve, ResolveArgs{Request: req}, c.resolve)
	if err != nil {
		return Artifact{}, err
	}
	if err := fold(resolved.outcome()); err != nil {
		return Artifact{}, fmt.Errorf("resolve %s: %w", req.Address, err)
	}

	read, _, err := runChain(ctx, "read", ch.read, ReadArgs{Request: req, Resolved: resolved.Address, ResponseHeaders: headers}, c.read)
	if err != nil {
		return Artifact{}, err
	}
	if err := fold(read.outcome()); err != nil {
		return Artifact{}, fmt.Errorf("read %s: %w", resolved.Address, err)
	}

	transformed, _, err := runChain(ctx, "transform", ch.transform, TransformArgs{
		Request:         req,
		Resolved:        resolved.Address,
		Contents:        read.Contents,
		ResponseHeaders: headers,
	}, c.transform)
	if err != nil {
		return Artifact{}, err
	}
	if err := fold(transformed.outcome()); err != nil {
		return Artifact{}, fmt.Errorf("transform %s: %w", resolved.Address, err)
	}

	for _, w := range warnings {
		c.log.Warn("pipeline warning", "address", req.Address, "msg", w.String())
	}

	contentType := headers["content-type"]
	if contentType == "" {
		contentType = Mime(req.Address)
	}
	delete(headers, "content-type")
	a := Artifact{
		Address:     req.Address,
		Resolved:    resolved.Address,
		Contents:    transformed.Contents,
		ContentType: contentType,
		Destination: req.Destination,
		Headers:     headers,
		Warnings:    warnings,
	}
	for _, rule := range c.Rules {
		if a, err = rule.Apply(ctx, c, a); err != nil {
			return Artifact{}, fmt.Errorf("%s %s: %w", rule.Name, req.Address, err)
		}
	}
	return a, nil
}

func (c *Context) resolve(ctx context.Context, args ResolveArgs) (*ResolveResult, error) {
	addr, err := c.Resolver().ResolveScoped(args.Address, "", args.Referrer)
	if err != nil {
		return nil, err
	}
	return &ResolveResult{Address: addr}, nil
}

func (c *Context) read(ctx context.Context, args ReadArgs) (*ReadResult, error) {
	e, err := c.Envs.ForAddress(args.Resolved)
	if err != nil {
		return nil, err
	}
	data, err := e.Read(ctx, args.Resolved)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = []byte{}
	}
	return &ReadResult{Contents: data}, nil
}

// transform compiles code. Data documents only become modules when
// imported as scripts; text and anything esbuild has no loader for pass
// through untouched.
func (c *Context) transform(ctx context.Context, args TransformArgs) (*TransformResult, error) {
	_, ext, ok := compiler.LoaderFor(args.Address)
	if !ok {
		return &TransformResult{Contents: args.Contents}, nil
	}
	switch ext {
	case "txt", "text":
		return &TransformResult{Contents: args.Contents}, nil
	case "json":
		if args.Destination != DestinationScript {
			return &TransformResult{Contents: args.Contents}, nil
		}
	}
	res, err := c.Compiler.Transform(ctx, args.Address, args.Contents, "")
	if err != nil {
		return nil, err
	}
	return &TransformResult{Contents: res.Code, Outcome: Outcome{Warnings: res.Warnings}}, nil
}
