package env

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// VersionMarker is the file under the system root whose contents record
// the installed distribution version.
const VersionMarker = "zversion"

// Manifest is a packaged directory tree.
type Manifest struct {
	Directories []string                `json:"directories"`
	Files       map[string]ManifestFile `json:"files"`
}

type ManifestFile struct {
	Content  string    `json:"content"`
	Size     int64     `json:"size,omitempty"`
	Modified time.Time `json:"modified,omitzero"`
}

func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

// ManifestVersion extracts the version marker content from raw manifest
// bytes without decoding the whole document.
func ManifestVersion(data []byte) string {
	return strings.TrimSpace(gjson.GetBytes(data, "files."+VersionMarker+".content").String())
}

// InstalledVersion returns the version recorded under e's system root, or
// "" when nothing is installed.
func InstalledVersion(ctx context.Context, e Environment) (string, error) {
	b, err := e.Read(ctx, e.SystemRoot()+VersionMarker)
	if IsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

// Install materializes m under target using only e's Mkdir and Write. The
// version marker is written last so an interrupted install re-runs.
func Install(ctx context.Context, e Environment, m *Manifest, target string) error {
	log := slog.Default()
	target = Dir(target)
	if err := e.Mkdir(ctx, target, MkdirOptions{Parents: true}); err != nil {
		return fmt.Errorf("install %s: %w", target, err)
	}
	dirs := append([]string(nil), m.Directories...)
	sort.Strings(dirs)
	for _, d := range dirs {
		if err := e.Mkdir(ctx, target+strings.TrimPrefix(d, "/"), MkdirOptions{Parents: true}); err != nil {
			return fmt.Errorf("install %s: %w", d, err)
		}
	}
	names := make([]string, 0, len(m.Files))
	for name := range m.Files {
		if name != VersionMarker {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if _, ok := m.Files[VersionMarker]; ok {
		names = append(names, VersionMarker)
	}
	for _, name := range names {
		p := target + strings.TrimPrefix(name, "/")
		if dir := path.Dir(strings.TrimPrefix(name, "/")); dir != "." {
			// manifests do not always list every parent directory
			if err := e.Mkdir(ctx, target+dir, MkdirOptions{Parents: true}); err != nil {
				return fmt.Errorf("install %s: %w", name, err)
			}
		}
		if err := e.Write(ctx, p, []byte(m.Files[name].Content)); err != nil {
			return fmt.Errorf("install %s: %w", name, err)
		}
	}
	log.Debug("installed", "target", target, "dirs", len(dirs), "files", len(names))
	return nil
}

// Uninstall removes the system tree. Backends that cannot remove trees
// may report ErrNotSupported, which is not treated as a failure.
func Uninstall(ctx context.Context, e Environment) error {
	err := e.Remove(ctx, e.SystemRoot(), RemoveOptions{Recursive: true, Force: true})
	if err != nil && !errors.Is(err, ErrNotSupported) {
		return fmt.Errorf("uninstall: %w", err)
	}
	return nil
}
