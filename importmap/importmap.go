// Package importmap loads, merges and edits import maps.
package importmap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/tidwall/sjson"

	"tractor.dev/littlebook/env"
)

// Filename is the import map document looked up under each root.
const Filename = "importmap.json"

type Map struct {
	Imports map[string]string            `json:"imports,omitempty"`
	Scopes  map[string]map[string]string `json:"scopes,omitempty"`
}

func New() *Map {
	return &Map{
		Imports: make(map[string]string),
		Scopes:  make(map[string]map[string]string),
	}
}

func Parse(data []byte) (*Map, error) {
	m := New()
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("parse import map: %w", err)
	}
	if m.Imports == nil {
		m.Imports = make(map[string]string)
	}
	if m.Scopes == nil {
		m.Scopes = make(map[string]map[string]string)
	}
	return m, nil
}

// Merge combines maps in order. A later map wins on conflicting keys and
// each conflict is logged.
func Merge(log *slog.Logger, maps ...*Map) *Map {
	if log == nil {
		log = slog.Default()
	}
	out := New()
	for _, m := range maps {
		if m == nil {
			continue
		}
		for _, k := range sortedKeys(m.Imports) {
			v := m.Imports[k]
			if prev, ok := out.Imports[k]; ok && prev != v {
				log.Warn("import map conflict", "specifier", k, "was", prev, "now", v)
			}
			out.Imports[k] = v
		}
		for _, scope := range sortedKeys(m.Scopes) {
			dst, ok := out.Scopes[scope]
			if !ok {
				dst = make(map[string]string)
				out.Scopes[scope] = dst
			}
			entries := m.Scopes[scope]
			for _, k := range sortedKeys(entries) {
				v := entries[k]
				if prev, ok := dst[k]; ok && prev != v {
					log.Warn("import map conflict", "scope", scope, "specifier", k, "was", prev, "now", v)
				}
				dst[k] = v
			}
		}
	}
	return out
}

// Lookup returns the mapped address for specifier. An exact key wins;
// otherwise the longest key ending in "/" that prefixes specifier maps it.
func (m *Map) Lookup(specifier string) (string, bool) {
	return lookup(m.Imports, specifier)
}

// LookupScoped applies the scopes whose prefix matches referrer, most
// specific first, before falling back to the top-level imports.
func (m *Map) LookupScoped(specifier, referrer string) (string, bool) {
	if referrer != "" {
		scopes := sortedKeys(m.Scopes)
		sort.Slice(scopes, func(i, j int) bool { return len(scopes[i]) > len(scopes[j]) })
		for _, scope := range scopes {
			if strings.HasPrefix(referrer, scope) {
				if v, ok := lookup(m.Scopes[scope], specifier); ok {
					return v, true
				}
			}
		}
	}
	return m.Lookup(specifier)
}

// Matches reports whether specifier is mapped at all.
func (m *Map) Matches(specifier string) bool {
	_, ok := m.Lookup(specifier)
	return ok
}

func (m *Map) JSON() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

func (m *Map) Clone() *Map {
	return Merge(slog.New(slog.DiscardHandler), m)
}

func lookup(imports map[string]string, specifier string) (string, bool) {
	if v, ok := imports[specifier]; ok {
		return v, true
	}
	best := ""
	for k := range imports {
		if strings.HasSuffix(k, "/") && strings.HasPrefix(specifier, k) && len(k) > len(best) {
			best = k
		}
	}
	if best == "" {
		return "", false
	}
	return imports[best] + strings.TrimPrefix(specifier, best), true
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Load reads the system then the user import map from e and merges them.
// Missing documents are skipped.
func Load(ctx context.Context, e env.Environment, log *slog.Logger) (*Map, error) {
	var maps []*Map
	for _, root := range []string{e.SystemRoot(), e.UserRoot()} {
		data, err := e.Read(ctx, root+Filename)
		if env.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		m, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s%s: %w", root, Filename, err)
		}
		maps = append(maps, m)
	}
	return Merge(log, maps...), nil
}

// Store is the live import map of a page together with the Environment
// its user document is edited in.
type Store struct {
	mu  sync.RWMutex
	m   *Map
	env env.Environment
	log *slog.Logger
}

func NewStore(e env.Environment, m *Map) *Store {
	if m == nil {
		m = New()
	}
	return &Store{m: m, env: e, log: slog.Default()}
}

// Snapshot returns a copy of the current map.
func (s *Store) Snapshot() *Map {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m.Clone()
}

// Reset replaces the map, as after a reload.
func (s *Store) Reset(m *Map) {
	if m == nil {
		m = New()
	}
	m = m.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m = m
}

func (s *Store) Lookup(specifier string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m.Lookup(specifier)
}

func (s *Store) LookupScoped(specifier, referrer string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m.LookupScoped(specifier, referrer)
}

// SetImport maps specifier to address in the user import map document
// and in memory. An empty address removes the mapping.
func (s *Store) SetImport(ctx context.Context, specifier, address string) error {
	if specifier == "" {
		return errEmptySpecifier
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.env.UserRoot() + Filename
	doc, err := s.env.Read(ctx, path)
	if env.IsNotFound(err) {
		doc = []byte(`{"imports":{}}`)
	} else if err != nil {
		return err
	}
	key := "imports." + escapeKey(specifier)
	if address == "" {
		doc, err = sjson.DeleteBytes(doc, key)
	} else {
		doc, err = sjson.SetBytes(doc, key, address)
	}
	if err != nil {
		return fmt.Errorf("edit import map: %w", err)
	}
	if err := s.env.Write(ctx, path, doc); err != nil {
		return err
	}
	if address == "" {
		delete(s.m.Imports, specifier)
	} else {
		s.m.Imports[specifier] = address
	}
	s.log.Info("import map edited", "specifier", specifier, "address", address)
	return nil
}

var errEmptySpecifier = errors.New("empty specifier")

// escapeKey escapes the characters sjson treats as path syntax.
func escapeKey(k string) string {
	var b strings.Builder
	for _, r := range k {
		switch r {
		case '.', '*', '?', '|', '#', '@', '!', '\\', ':':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
