package machine

import (
	"context"
	"regexp"

	"tractor.dev/littlebook/compiler"
)

// Message is a diagnostic attached to a stage result.
type Message = compiler.Message

// Headers are HTTP-style headers keyed by lower-case name.
type Headers map[string]string

// Request is what the Relay asks the machine to produce. Referrer is the
// address of the importing module and selects the import map scope.
type Request struct {
	Address     string  `json:"address"`
	Method      string  `json:"method"`
	Destination string  `json:"destination"`
	Referrer    string  `json:"referrer,omitempty"`
	Headers     Headers `json:"headers,omitempty"`
}

// Outcome is the part of every stage result that is folded into the
// final response.
type Outcome struct {
	Headers  Headers
	Warnings []Message
	Errors   []Message
}

type ResolveArgs struct {
	Request
}

type ResolveResult struct {
	Address string
	Outcome
}

type ReadArgs struct {
	Request
	// Resolved is the address produced by the resolve stage.
	Resolved        string
	ResponseHeaders Headers
}

type ReadResult struct {
	Contents []byte
	Outcome
}

type TransformArgs struct {
	Request
	Resolved        string
	Contents        []byte
	ResponseHeaders Headers
}

type TransformResult struct {
	Contents []byte
	Outcome
}

func (r *ResolveResult) empty() bool        { return r == nil || r.Address == "" }
func (r *ReadResult) empty() bool           { return r == nil || r.Contents == nil }
func (r *TransformResult) empty() bool      { return r == nil || r.Contents == nil }
func (r *ResolveResult) outcome() Outcome   { return r.Outcome }
func (r *ReadResult) outcome() Outcome      { return r.Outcome }
func (r *TransformResult) outcome() Outcome { return r.Outcome }

// A handler returning a nil result, or one without content, passes the
// request on to the next handler.
type (
	ResolveFunc   func(ctx context.Context, args ResolveArgs) (*ResolveResult, error)
	ReadFunc      func(ctx context.Context, args ReadArgs) (*ReadResult, error)
	TransformFunc func(ctx context.Context, args TransformArgs) (*TransformResult, error)
)

// HookOptions gate a handler. Filter is tested against the request
// address; a nil Filter matches everything.
type HookOptions struct {
	Filter *regexp.Regexp
}

func (o HookOptions) match(address string) bool {
	return o.Filter == nil || o.Filter.MatchString(address)
}

// Plugin contributes stage handlers. Setup runs once per request with a
// Build scoped to that request's address.
type Plugin struct {
	Name  string
	Setup func(build *Build)
}

// Build collects the handlers a plugin registers for one request.
type Build struct {
	// Context is the machine running the request.
	Context *Context
	// Address is the request address handlers are matched against.
	Address string

	plugin     string
	resolvers  []ResolveFunc
	readers    []ReadFunc
	transforms []TransformFunc
}

func (b *Build) OnResolve(opts HookOptions, fn ResolveFunc) {
	if opts.match(b.Address) {
		b.resolvers = append(b.resolvers, fn)
	}
}

func (b *Build) OnRead(opts HookOptions, fn ReadFunc) {
	if opts.match(b.Address) {
		b.readers = append(b.readers, fn)
	}
}

func (b *Build) OnTransform(opts HookOptions, fn TransformFunc) {
	if opts.match(b.Address) {
		b.transforms = append(b.transforms, fn)
	}
}

// chains are the handlers of all plugins for one request, in plugin
// registration order.
type chains struct {
	resolve   []handler[ResolveArgs, *ResolveResult]
	read      []handler[ReadArgs, *ReadResult]
	transform []handler[TransformArgs, *TransformResult]
}

func prepare(c *Context, plugins []Plugin, address string) chains {
	var ch chains
	for _, p := range plugins {
		if p.Setup == nil {
			continue
		}
		b := &Build{Context: c, Address: address, plugin: p.Name}
		p.Setup(b)
		for _, fn := range b.resolvers {
			ch.resolve = append(ch.resolve, handler[ResolveArgs, *ResolveResult]{plugin: p.Name, fn: fn})
		}
		for _, fn := range b.readers {
			ch.read = append(ch.read, handler[ReadArgs, *ReadResult]{plugin: p.Name, fn: fn})
		}
		for _, fn := range b.transforms {
			ch.transform = append(ch.transform, handler[TransformArgs, *TransformResult]{plugin: p.Name, fn: fn})
		}
	}
	return ch
}
