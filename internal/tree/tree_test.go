package tree

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestTree(t *testing.T, files map[string]string) *Tree {
	t.Helper()
	root := t.TempDir()
	for p, content := range files {
		full := filepath.Join(root, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	tr, err := New(root, []string{"**"}, []string{".git/**", "**/*.db"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return tr
}

func TestClean(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"main.go", "main.go", false},
		{"./pkg/a.go", "pkg/a.go", false},
		{"pkg//b.go", "pkg/b.go", false},
		{"../etc/passwd", "", true},
		{"pkg/../../x", "", true},
		{"/etc/passwd", "", true},
		{"", "", true},
		{".", "", true},
	}
	for _, tt := range tests {
		got, err := Clean(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrOutsideTree) {
				t.Errorf("Clean(%q) expected ErrOutsideTree, got %v", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("Clean(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestEntriesRespectsPatterns(t *testing.T) {
	tr := newTestTree(t, map[string]string{
		"main.go":        "package main",
		"pkg/util.go":    "package pkg",
		".git/HEAD":      "ref: main",
		"data/state.db":  "sqlite",
		"docs/README.md": "# hi",
	})

	files, err := tr.Files()
	if err != nil {
		t.Fatalf("Files failed: %v", err)
	}
	paths := SortedPaths(files)
	want := []string{"docs/README.md", "main.go", "pkg/util.go"}
	if len(paths) != len(want) {
		t.Fatalf("paths = %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("paths[%d] = %q, want %q", i, paths[i], want[i])
		}
	}
}

func TestExcludeDir(t *testing.T) {
	tr := newTestTree(t, map[string]string{
		"main.go":                  "package main",
		".autopatch/snap/files/x":  "captured",
		".autopatch/manifest.json": "{}",
	})
	tr.ExcludeDir(filepath.Join(tr.Root, ".autopatch"))
	tr.ExcludeDir(t.TempDir()) // outside the root, ignored

	files, err := tr.Files()
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 {
		t.Errorf("expected only main.go, got %v", SortedPaths(files))
	}
}

func TestWriteAndRemove(t *testing.T) {
	tr := newTestTree(t, nil)

	if err := tr.Write("a/b/c.txt", []byte("hello")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if !tr.Exists("a/b/c.txt") {
		t.Fatal("expected file to exist")
	}
	data, err := tr.Read("a/b/c.txt")
	if err != nil || string(data) != "hello" {
		t.Fatalf("Read = %q, %v", data, err)
	}

	if err := tr.Remove("a/b/c.txt"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tr.Root, "a")); !os.IsNotExist(err) {
		t.Error("empty parent directories should be removed")
	}
	if err := tr.Remove("a/b/c.txt"); err != nil {
		t.Errorf("removing a missing file should succeed: %v", err)
	}
}

func TestWriteRejectsTraversal(t *testing.T) {
	tr := newTestTree(t, nil)
	if err := tr.Write("../escape.txt", []byte("x")); !errors.Is(err, ErrOutsideTree) {
		t.Errorf("expected ErrOutsideTree, got %v", err)
	}
}

func TestResolveRejectsSymlinkEscape(t *testing.T) {
	tr := newTestTree(t, map[string]string{"main.go": "package main"})
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(tr.Root, "vendor")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	if _, err := tr.Resolve("vendor/pwn.txt"); !errors.Is(err, ErrOutsideTree) {
		t.Errorf("Resolve through escaping symlink: expected ErrOutsideTree, got %v", err)
	}
	if err := tr.Write("vendor/pwn.txt", []byte("x")); !errors.Is(err, ErrOutsideTree) {
		t.Errorf("Write through escaping symlink: expected ErrOutsideTree, got %v", err)
	}
	if _, err := tr.Resolve("vendor/deep/er/pwn.txt"); !errors.Is(err, ErrOutsideTree) {
		t.Errorf("nested missing dirs under escaping symlink: expected ErrOutsideTree, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(outside, "pwn.txt")); !os.IsNotExist(err) {
		t.Errorf("file was written outside the root: %v", err)
	}
}

func TestResolveAllowsInternalSymlink(t *testing.T) {
	tr := newTestTree(t, map[string]string{"pkg/util.go": "package pkg"})
	if err := os.Symlink(filepath.Join(tr.Root, "pkg"), filepath.Join(tr.Root, "alias")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	if _, err := tr.Resolve("alias/util.go"); err != nil {
		t.Errorf("symlink inside the root should resolve: %v", err)
	}
	if _, err := tr.Resolve("brand/new/file.go"); err != nil {
		t.Errorf("missing parents should resolve: %v", err)
	}
}

func TestWriteKeepsMode(t *testing.T) {
	tr := newTestTree(t, map[string]string{"run.sh": "#!/bin/sh"})
	os.Chmod(filepath.Join(tr.Root, "run.sh"), 0o755)

	if err := tr.Write("run.sh", []byte("#!/bin/sh\necho hi")); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(filepath.Join(tr.Root, "run.sh"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Errorf("mode = %v, want 0755", info.Mode().Perm())
	}
}

func TestCopyTo(t *testing.T) {
	tr := newTestTree(t, map[string]string{
		"main.go":   "package main",
		".git/HEAD": "ref",
	})
	dst, err := tr.CopyTo(t.TempDir())
	if err != nil {
		t.Fatalf("CopyTo failed: %v", err)
	}
	files, err := dst.Files()
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || string(files["main.go"]) != "package main" {
		t.Errorf("copied files = %v", SortedPaths(files))
	}
}

func TestChecksum(t *testing.T) {
	// sha256("")
	if got := Checksum(nil); got != "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855" {
		t.Errorf("Checksum(nil) = %s", got)
	}
	if Checksum([]byte("a")) == Checksum([]byte("b")) {
		t.Error("distinct content should hash differently")
	}
}
