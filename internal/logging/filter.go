package logging

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// Filter drops records by their attributes. A pattern is a glob matched
// against both "key" and "key=value" of every attribute, including those
// added with With. A "key=*" pattern does not match a nil value, so
// "err=*" selects only entries that carry an error.
//
// With include patterns, a record is kept only if some attribute matches
// one of them. A record with any attribute matching an exclude pattern is
// dropped.
type Filter struct {
	slog.Handler
	include []pattern
	exclude []pattern
	attrs   []slog.Attr
}

type pattern struct {
	glob string
	re   *regexp.Regexp
	// key is set for "key=*" patterns
	key *regexp.Regexp
}

// NewFilter wraps h. With no patterns h is returned as is.
func NewFilter(h slog.Handler, include, exclude []string) (slog.Handler, error) {
	if len(include) == 0 && len(exclude) == 0 {
		return h, nil
	}
	in, err := compile(include)
	if err != nil {
		return nil, fmt.Errorf("logging: include: %w", err)
	}
	ex, err := compile(exclude)
	if err != nil {
		return nil, fmt.Errorf("logging: exclude: %w", err)
	}
	return &Filter{Handler: h, include: in, exclude: ex}, nil
}

func compile(globs []string) ([]pattern, error) {
	out := make([]pattern, 0, len(globs))
	for _, g := range globs {
		re, err := regexp.Compile(globRegexp(g))
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", g, err)
		}
		p := pattern{glob: g, re: re}
		if k, ok := strings.CutSuffix(g, "=*"); ok {
			if p.key, err = regexp.Compile(globRegexp(k)); err != nil {
				return nil, fmt.Errorf("pattern %q: %w", g, err)
			}
		}
		out = append(out, p)
	}
	return out, nil
}

// globRegexp translates a glob. A single * or ? stays within a path segment
// while ** crosses them.
func globRegexp(glob string) string {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(glob); i++ {
		switch c := glob[i]; c {
		case '*':
			if i+1 < len(glob) && glob[i+1] == '*' {
				b.WriteString(".*")
				i++
			} else {
				b.WriteString("[^/]*")
			}
		case '?':
			b.WriteString("[^/]")
		case '[':
			end := strings.IndexByte(glob[i+1:], ']')
			if end < 0 {
				b.WriteString(`\[`)
				continue
			}
			class := glob[i+1 : i+1+end]
			if strings.HasPrefix(class, "!") {
				class = "^" + class[1:]
			}
			b.WriteString("[" + class + "]")
			i += end + 1
		case '{':
			end := strings.IndexByte(glob[i:], '}')
			if end < 0 {
				b.WriteString(`\{`)
				continue
			}
			alts := strings.Split(glob[i+1:i+end], ",")
			for j, alt := range alts {
				alts[j] = strings.TrimSuffix(strings.TrimPrefix(globRegexp(alt), "^"), "$")
			}
			b.WriteString("(" + strings.Join(alts, "|") + ")")
			i += end
		case '\\':
			if i+1 < len(glob) {
				i++
				b.WriteString(regexp.QuoteMeta(glob[i : i+1]))
			} else {
				b.WriteString(`\\`)
			}
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")
	return b.String()
}

func (p pattern) match(a slog.Attr) bool {
	v := a.Value.Resolve().Any()
	if v == nil && p.key != nil && p.key.MatchString(a.Key) {
		return false
	}
	s := "<nil>"
	if v != nil {
		s = fmt.Sprint(v)
	}
	return p.re.MatchString(a.Key) || p.re.MatchString(a.Key+"="+s)
}

func matchAny(ps []pattern, a slog.Attr) bool {
	for _, p := range ps {
		if p.match(a) {
			return true
		}
	}
	return false
}

func (f *Filter) keep(r slog.Record) bool {
	included := len(f.include) == 0
	excluded := false
	visit := func(a slog.Attr) bool {
		if !included && matchAny(f.include, a) {
			included = true
		}
		if matchAny(f.exclude, a) {
			excluded = true
			return false
		}
		return true
	}
	for _, a := range f.attrs {
		if !visit(a) {
			break
		}
	}
	if !excluded {
		r.Attrs(visit)
	}
	return included && !excluded
}

func (f *Filter) Handle(ctx context.Context, r slog.Record) error {
	if !f.keep(r) {
		return nil
	}
	return f.Handler.Handle(ctx, r)
}

func (f *Filter) WithAttrs(attrs []slog.Attr) slog.Handler {
	nf := *f
	nf.Handler = f.Handler.WithAttrs(attrs)
	nf.attrs = append(append([]slog.Attr(nil), f.attrs...), attrs...)
	return &nf
}

func (f *Filter) WithGroup(name string) slog.Handler {
	nf := *f
	nf.Handler = f.Handler.WithGroup(name)
	return &nf
}
