// Package envtest checks that an Environment implementation behaves the
// way the loader relies on.
package envtest

import (
	"bytes"
	"context"
	"testing"

	"tractor.dev/littlebook/env"
)

// TestEnvironment runs the conformance checks against e. It works inside
// e's user root, which must exist and be writable.
func TestEnvironment(t *testing.T, e env.Environment) {
	t.Helper()
	ctx := context.Background()
	root := e.UserRoot() + "envtest/"
	if err := e.Mkdir(ctx, root, env.MkdirOptions{Parents: true}); err != nil {
		t.Fatalf("Mkdir %s: %v", root, err)
	}

	t.Run("Roots", func(t *testing.T) {
		for _, r := range []string{e.SystemRoot(), e.UserRoot()} {
			if env.Scheme(r) != e.Scheme() {
				t.Errorf("root %q does not use scheme %q", r, e.Scheme())
			}
			if r[len(r)-1] != '/' {
				t.Errorf("root %q must end in a slash", r)
			}
		}
		if e.SystemRoot() == e.UserRoot() {
			t.Errorf("system and user roots must differ")
		}
	})

	t.Run("ReadNotFound", func(t *testing.T) {
		_, err := e.Read(ctx, root+"missing.txt")
		if !env.IsNotFound(err) {
			t.Fatalf("expected not found, got %v", err)
		}
	})

	t.Run("WriteRead", func(t *testing.T) {
		want := []byte("export default 1\n")
		if err := e.Write(ctx, root+"a.js", want); err != nil {
			t.Fatalf("Write: %v", err)
		}
		got, err := e.Read(ctx, root+"a.js")
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("got %q, want %q", got, want)
		}
		// shorter write replaces the whole file
		if err := e.Write(ctx, root+"a.js", []byte("x")); err != nil {
			t.Fatalf("Write: %v", err)
		}
		got, _ = e.Read(ctx, root+"a.js")
		if string(got) != "x" {
			t.Fatalf("got %q after overwrite", got)
		}
	})

	t.Run("WriteNoParents", func(t *testing.T) {
		err := e.Write(ctx, root+"nope/deeper/b.txt", []byte("b"))
		if err == nil {
			t.Fatalf("write into a missing directory must fail")
		}
		if _, err := e.Stat(ctx, root+"nope"); !env.IsNotFound(err) {
			t.Fatalf("write must not create parents, stat: %v", err)
		}
	})

	t.Run("MkdirParents", func(t *testing.T) {
		if err := e.Mkdir(ctx, root+"x/y/z", env.MkdirOptions{}); err == nil {
			t.Fatalf("mkdir without parents must fail for a missing parent")
		}
		if err := e.Mkdir(ctx, root+"x/y/z", env.MkdirOptions{Parents: true}); err != nil {
			t.Fatalf("Mkdir: %v", err)
		}
		st, err := e.Stat(ctx, root+"x/y/z")
		if err != nil {
			t.Fatalf("Stat: %v", err)
		}
		if st.Type != env.Directory {
			t.Fatalf("got type %q", st.Type)
		}
	})

	t.Run("ListImmediateChildren", func(t *testing.T) {
		dir := root + "list/"
		if err := e.Mkdir(ctx, dir+"sub/inner", env.MkdirOptions{Parents: true}); err != nil {
			t.Fatal(err)
		}
		if err := e.Write(ctx, dir+"f.txt", []byte("f")); err != nil {
			t.Fatal(err)
		}
		if err := e.Write(ctx, dir+"sub/g.txt", []byte("g")); err != nil {
			t.Fatal(err)
		}
		entries, err := e.List(ctx, dir)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		got := map[string]env.FileType{}
		for _, de := range entries {
			got[de.Name] = de.Type
		}
		if len(got) != 2 || got["f.txt"] != env.File || got["sub"] != env.Directory {
			t.Fatalf("unexpected entries: %v", entries)
		}
	})

	t.Run("StatFile", func(t *testing.T) {
		if err := e.Write(ctx, root+"s.txt", []byte("12345")); err != nil {
			t.Fatal(err)
		}
		st, err := e.Stat(ctx, root+"s.txt")
		if err != nil {
			t.Fatalf("Stat: %v", err)
		}
		if st.Type != env.File || st.Size != 5 {
			t.Fatalf("unexpected stat %+v", st)
		}
		if st.Modified.IsZero() {
			t.Fatalf("modified time not set")
		}
	})

	t.Run("Remove", func(t *testing.T) {
		if err := e.Remove(ctx, root+"x", env.RemoveOptions{Recursive: true}); err != nil {
			t.Fatalf("Remove: %v", err)
		}
		if _, err := e.Stat(ctx, root+"x"); !env.IsNotFound(err) {
			t.Fatalf("expected removed, got %v", err)
		}
		if err := e.Remove(ctx, root+"x", env.RemoveOptions{Force: true}); err != nil {
			t.Fatalf("forced remove of a missing path: %v", err)
		}
	})
}
