// Package resolve turns module specifiers into absolute addresses.
package resolve

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"tractor.dev/littlebook/env"
)

// Scheme is the virtual scheme for the two Environment roots, as in
// "littlebook:system/core/entry.ts".
const Scheme = "littlebook"

const prefix = Scheme + ":"

type Root int

const (
	NoRoot Root = iota
	System
	User
)

func (r Root) String() string {
	switch r {
	case System:
		return "system"
	case User:
		return "user"
	}
	return ""
}

var (
	systemPath = regexp.MustCompile(`^/?system/(.*)`)
	userPath   = regexp.MustCompile(`^/?user/(.*)`)
)

// Classify reports which root a virtual-scheme path (with the scheme
// already stripped) refers to, and the remainder below that root.
func Classify(p string) (Root, string) {
	if m := systemPath.FindStringSubmatch(p); m != nil {
		return System, m[1]
	}
	if m := userPath.FindStringSubmatch(p); m != nil {
		return User, m[1]
	}
	return NoRoot, p
}

// IsVirtual reports whether specifier uses the virtual scheme.
func IsVirtual(specifier string) bool {
	return strings.HasPrefix(specifier, prefix)
}

// Imports is the part of an import map the resolver consults.
type Imports interface {
	LookupScoped(specifier, referrer string) (string, bool)
}

type Resolver struct {
	Imports Imports
	Env     env.Environment
}

func New(imports Imports, e env.Environment) *Resolver {
	return &Resolver{Imports: imports, Env: e}
}

// Resolve maps specifier through the import map, rewrites the virtual
// scheme onto the Environment's roots and resolves the result against
// base, which defaults to the Environment's working directory. Resolving
// an absolute address returns it unchanged. Import map scopes are
// matched against base.
func (r *Resolver) Resolve(specifier, base string) (string, error) {
	return r.ResolveScoped(specifier, base, base)
}

// ResolveScoped is Resolve with the import map scope chosen by referrer
// rather than by base.
func (r *Resolver) ResolveScoped(specifier, base, referrer string) (string, error) {
	p := specifier
	if r.Imports != nil {
		if mapped, ok := r.Imports.LookupScoped(specifier, referrer); ok {
			p = mapped
		}
	}
	if IsVirtual(p) {
		p = r.Virtual(strings.TrimPrefix(p, prefix))
	}
	if base == "" && r.Env != nil {
		base = r.Env.WorkingDirectory()
	}
	ref, err := url.Parse(p)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", specifier, err)
	}
	if base == "" {
		if !ref.IsAbs() {
			return "", fmt.Errorf("resolve %q: no base for relative specifier", specifier)
		}
		return ref.String(), nil
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("resolve %q: base %q: %w", specifier, base, err)
	}
	return b.ResolveReference(ref).String(), nil
}

// Virtual rewrites a virtual-scheme path onto the matching root. Paths
// under neither root are returned as-is.
func (r *Resolver) Virtual(p string) string {
	if r.Env == nil {
		return p
	}
	root, rest := Classify(p)
	switch root {
	case System:
		return env.Dir(r.Env.SystemRoot()) + rest
	case User:
		return env.Dir(r.Env.UserRoot()) + rest
	}
	return p
}
