// Package rootfs performs Environment primitives on a directory tree
// confined by an os.Root. Paths are slash-separated and relative to the
// root, as produced by env.Clean.
package rootfs

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"sort"

	"tractor.dev/littlebook/env"
)

type FS struct {
	root *os.Root
	log  *slog.Logger
}

func New(dir string) (*FS, error) {
	r, err := os.OpenRoot(dir)
	if err != nil {
		return nil, err
	}
	return &FS{
		root: r,
		log:  slog.Default(),
	}, nil
}

func (fsys *FS) Name() string {
	return fsys.root.Name()
}

func (fsys *FS) Close() error {
	return fsys.root.Close()
}

func (fsys *FS) Read(name string) ([]byte, error) {
	fi, err := fsys.root.Stat(name)
	if err != nil {
		return nil, err
	}
	if fi.IsDir() {
		return nil, &fs.PathError{Op: "read", Path: name, Err: errors.New("is a directory")}
	}
	return fsys.root.ReadFile(name)
}

func (fsys *FS) Write(name string, data []byte) error {
	return fsys.root.WriteFile(name, data, 0644)
}

func (fsys *FS) Rename(oldname, newname string) error {
	return fsys.root.Rename(oldname, newname)
}

func (fsys *FS) List(name string) ([]env.DirEntry, error) {
	f, err := fsys.root.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	des, err := f.ReadDir(-1)
	if err != nil {
		return nil, err
	}
	sort.Slice(des, func(i, j int) bool { return des[i].Name() < des[j].Name() })
	entries := make([]env.DirEntry, 0, len(des))
	for _, de := range des {
		entries = append(entries, env.DirEntry{Name: de.Name(), Type: fileType(de.Type())})
	}
	return entries, nil
}

func (fsys *FS) Stat(name string) (env.Stat, error) {
	fi, err := fsys.root.Lstat(name)
	if err != nil {
		return env.Stat{}, err
	}
	st := env.Stat{
		Modified: fi.ModTime(),
		Type:     fileType(fi.Mode()),
		Readonly: fi.Mode().Perm()&0200 == 0,
	}
	if st.Type == env.File {
		st.Size = fi.Size()
	}
	return st, nil
}

func (fsys *FS) Mkdir(name string, opts env.MkdirOptions) error {
	if opts.Parents {
		return fsys.root.MkdirAll(name, 0755)
	}
	err := fsys.root.Mkdir(name, 0755)
	if errors.Is(err, fs.ErrExist) {
		if fi, serr := fsys.root.Stat(name); serr == nil && fi.IsDir() {
			return nil
		}
	}
	return err
}

func (fsys *FS) Remove(name string, opts env.RemoveOptions) error {
	var err error
	if opts.Recursive {
		err = fsys.root.RemoveAll(name)
	} else {
		err = fsys.root.Remove(name)
	}
	if err != nil && opts.Force {
		fsys.log.Debug("remove", "name", name, "err", err)
		return nil
	}
	return err
}

func fileType(m fs.FileMode) env.FileType {
	switch {
	case m&fs.ModeSymlink != 0:
		return env.Link
	case m.IsDir():
		return env.Directory
	default:
		return env.File
	}
}
