package compiler

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/evanw/esbuild/pkg/api"

	"tractor.dev/littlebook/env"
	"tractor.dev/littlebook/resolve"
)

// Namespace is the esbuild namespace for files loaded from an Environment.
const Namespace = "littlebook"

// Imports is the part of an import map the bundler consults.
type Imports interface {
	Lookup(specifier string) (string, bool)
}

type BundleOptions struct {
	Env      env.Environment
	Resolver *resolve.Resolver
	Imports  Imports
	// Plugins run after the built-in ones.
	Plugins []api.Plugin
}

// Bundle is the output of bundling an entry program.
type Bundle struct {
	Entry    string
	JS       []byte
	JSMap    []byte
	CSS      []byte
	CSSMap   []byte
	Warnings []Message
}

var (
	bareSpecifier = regexp.MustCompile(`^[^./]`)
	anything      = `.*`
)

// Bundle builds entry and everything it imports into one script and one
// stylesheet. Import-mapped specifiers stay external; virtual-scheme and
// Environment paths are read through opts.Env.
func (c *Compiler) Bundle(ctx context.Context, entry string, opts BundleOptions) (*Bundle, error) {
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	if opts.Env == nil {
		return nil, fmt.Errorf("bundle %s: no environment", entry)
	}
	if opts.Resolver == nil {
		opts.Resolver = resolve.New(nil, opts.Env)
	}
	plugins := []api.Plugin{
		importMapPlugin(opts),
		environmentPlugin(ctx, opts),
	}
	plugins = append(plugins, opts.Plugins...)

	out := api.Build(api.BuildOptions{
		EntryPoints: []string{entry},
		Bundle:      true,
		Write:       false,
		Outdir:      "/",
		Sourcemap:   api.SourceMapInlineAndExternal,
		Platform:    api.PlatformBrowser,
		Format:      api.FormatESModule,
		Target:      api.ESNext,
		LogLevel:    api.LogLevelSilent,
		LogOverride: map[string]api.LogLevel{
			"unsupported-dynamic-import": api.LogLevelSilent,
		},
		Plugins: plugins,
	})
	warnings := messages(Warning, out.Warnings)
	if len(out.Errors) > 0 {
		return nil, &CompilerError{Address: entry, Errors: messages(Error, out.Errors), Warnings: warnings}
	}
	b := &Bundle{Entry: entry, Warnings: warnings}
	for _, f := range out.OutputFiles {
		switch {
		case strings.HasSuffix(f.Path, ".js"):
			b.JS = f.Contents
		case strings.HasSuffix(f.Path, ".js.map"):
			b.JSMap = f.Contents
		case strings.HasSuffix(f.Path, ".css"):
			b.CSS = f.Contents
		case strings.HasSuffix(f.Path, ".css.map"):
			b.CSSMap = f.Contents
		}
	}
	c.log.Info("bundled", "entry", entry, "js", len(b.JS), "css", len(b.CSS), "warnings", len(warnings))
	return b, nil
}

// importMapPlugin marks bare specifiers external, substituting their
// import map address when there is one. Mapped values that point back
// into the virtual scheme or an Environment are left for environmentPlugin.
func importMapPlugin(opts BundleOptions) api.Plugin {
	scheme := opts.Env.Scheme()
	return api.Plugin{
		Name: "importmap",
		Setup: func(build api.PluginBuild) {
			build.OnResolve(api.OnResolveOptions{Filter: bareSpecifier.String()}, func(args api.OnResolveArgs) (api.OnResolveResult, error) {
				p := args.Path
				if opts.Imports != nil {
					if mapped, ok := opts.Imports.Lookup(p); ok {
						p = mapped
					}
				}
				if resolve.IsVirtual(p) || env.Scheme(p) == scheme || strings.HasPrefix(p, "/") || strings.HasPrefix(p, ".") {
					return api.OnResolveResult{}, nil
				}
				return api.OnResolveResult{Path: p, External: true}, nil
			})
		},
	}
}

// environmentPlugin resolves virtual-scheme, Environment and relative
// paths to absolute addresses and loads them through the Environment with
// the extension as loader hint.
func environmentPlugin(ctx context.Context, opts BundleOptions) api.Plugin {
	e := opts.Env
	scheme := e.Scheme()
	return api.Plugin{
		Name: "littlebookfs",
		Setup: func(build api.PluginBuild) {
			build.OnResolve(api.OnResolveOptions{Filter: anything}, func(args api.OnResolveArgs) (api.OnResolveResult, error) {
				p := args.Path
				if opts.Imports != nil {
					if mapped, ok := opts.Imports.Lookup(p); ok {
						p = mapped
					}
				}
				base := ""
				if args.Namespace == Namespace {
					base = args.Importer
				}
				if strings.HasPrefix(p, "/") && !strings.HasPrefix(p, "//") {
					p = env.Address(scheme, p)
				}
				addr, err := opts.Resolver.Resolve(p, base)
				if err != nil {
					return api.OnResolveResult{}, err
				}
				if env.Scheme(addr) != scheme {
					return api.OnResolveResult{Path: addr, External: true}, nil
				}
				return api.OnResolveResult{Path: addr, Namespace: Namespace}, nil
			})
			build.OnLoad(api.OnLoadOptions{Filter: anything, Namespace: Namespace}, func(args api.OnLoadArgs) (api.OnLoadResult, error) {
				data, err := e.Read(ctx, args.Path)
				if err != nil {
					return api.OnLoadResult{}, err
				}
				loader, _, ok := LoaderFor(args.Path)
				if !ok {
					loader = api.LoaderTS
				}
				contents := string(data)
				return api.OnLoadResult{
					Contents:   &contents,
					Loader:     loader,
					ResolveDir: resolveDir(args.Path),
				}, nil
			})
		},
	}
}

func resolveDir(addr string) string {
	u, err := url.Parse(addr)
	if err != nil {
		return ""
	}
	return u.JoinPath("..").Path
}
