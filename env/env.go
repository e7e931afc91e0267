// Package env defines the storage abstraction modules are loaded from.
//
// An Environment is identified by a scheme (for example "opfs" or "hostfs")
// and exposes two well-known roots: the system root, where the packaged
// distribution is installed, and the user root, where user edits and
// overrides live. Paths passed to an Environment may be full addresses
// using its scheme or bare absolute paths.
package env

import (
	"context"
	"errors"
	"io/fs"
	"time"
)

var (
	// ErrNotFound is returned when a path has no entry or an address has
	// no Environment for its scheme.
	ErrNotFound = fs.ErrNotExist
	// ErrNotSupported is returned for operations a backend cannot perform.
	ErrNotSupported = errors.ErrUnsupported
)

type FileType string

const (
	File      FileType = "file"
	Directory FileType = "directory"
	Link      FileType = "link"
)

type Stat struct {
	Size     int64     `json:"size" cbor:"size"`
	Modified time.Time `json:"modified" cbor:"modified"`
	Type     FileType  `json:"type" cbor:"type"`
	Readonly bool      `json:"readonly" cbor:"readonly"`
}

type DirEntry struct {
	Name string   `json:"name" cbor:"name"`
	Type FileType `json:"type" cbor:"type"`
}

type MkdirOptions struct {
	// Parents creates missing parent directories.
	Parents bool `cbor:"parents"`
}

type RemoveOptions struct {
	Recursive bool `cbor:"recursive"`
	// Force ignores missing paths and removal failures.
	Force bool `cbor:"force"`
}

// Environment is a storage backend.
type Environment interface {
	Scheme() string

	// Read returns the contents of path, failing with ErrNotFound when
	// there is no entry.
	Read(ctx context.Context, path string) ([]byte, error)
	// Write replaces the contents of path. Parent directories must exist.
	Write(ctx context.Context, path string, data []byte) error
	// List returns the immediate children of a directory.
	List(ctx context.Context, path string) ([]DirEntry, error)
	Stat(ctx context.Context, path string) (Stat, error)
	Mkdir(ctx context.Context, path string, opts MkdirOptions) error
	Remove(ctx context.Context, path string, opts RemoveOptions) error

	// SystemRoot and UserRoot are absolute addresses ending in a slash.
	SystemRoot() string
	UserRoot() string
	Variables() map[string]string
	WorkingDirectory() string
}

// PathError records a failed Environment operation.
type PathError = fs.PathError

// IsNotFound reports whether err means a missing entry.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
