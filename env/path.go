package env

import (
	"net/url"
	"path"
	"strings"
)

// Clean turns an address or path handled by the Environment with scheme
// into a slash-separated path relative to the backend's root, suitable
// for os.Root. The backend root itself is ".".
func Clean(scheme, p string) string {
	if scheme != "" && strings.HasPrefix(p, scheme+":") {
		p = strings.TrimPrefix(p, scheme+":")
		if u, err := url.Parse(scheme + ":" + p); err == nil && u.Path != "" {
			p = u.Path
		}
	}
	p = path.Clean("/" + p)
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return "."
	}
	return p
}

// Address returns the canonical absolute address of rel under scheme.
func Address(scheme, rel string) string {
	rel = strings.TrimPrefix(path.Clean("/"+rel), "/")
	return scheme + ":///" + rel
}

// Dir ensures addr ends in a slash so relative references resolve inside it.
func Dir(addr string) string {
	if strings.HasSuffix(addr, "/") {
		return addr
	}
	return addr + "/"
}

// Scheme returns the scheme of an address, or "" for a bare path.
func Scheme(addr string) string {
	i := strings.Index(addr, ":")
	if i <= 0 {
		return ""
	}
	s := addr[:i]
	for j, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case j > 0 && (r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.'):
		default:
			return ""
		}
	}
	return strings.ToLower(s)
}
