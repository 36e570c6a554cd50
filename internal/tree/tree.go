// Package tree models the managed source tree that autopatch reads, snapshots and rewrites.
package tree

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrOutsideTree is returned for paths that would escape the tree root.
var ErrOutsideTree = errors.New("path escapes tree root")

// Entry is one managed file.
type Entry struct {
	Path string
	Data []byte
	Mode fs.FileMode
}

// Tree is a directory plus the glob patterns selecting which files under it are managed.
type Tree struct {
	Root    string
	include []string
	exclude []string
}

// New creates a Tree rooted at root. An empty include list manages every file.
func New(root string, include, exclude []string) (*Tree, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve tree root: %w", err)
	}
	for _, p := range append(append([]string{}, include...), exclude...) {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid pattern %q", p)
		}
	}
	if len(include) == 0 {
		include = []string{"**"}
	}
	return &Tree{Root: abs, include: include, exclude: append([]string{}, exclude...)}, nil
}

// At returns a Tree rooted at root with the same patterns.
func (t *Tree) At(root string) (*Tree, error) {
	return New(root, t.include, t.exclude)
}

// ExcludeDir stops a directory from being managed when it lives inside the root.
// Used for the snapshot directory and the database so a snapshot never captures itself.
func (t *Tree) ExcludeDir(dir string) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return
	}
	rel, err := filepath.Rel(t.Root, abs)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return
	}
	t.exclude = append(t.exclude, filepath.ToSlash(rel)+"/**")
}

// Clean normalizes a tree-relative path to slash form and rejects
// absolute paths and anything containing "..".
func Clean(p string) (string, error) {
	p = filepath.ToSlash(strings.TrimSpace(p))
	if p == "" {
		return "", fmt.Errorf("%w: empty path", ErrOutsideTree)
	}
	if strings.HasPrefix(p, "/") || filepath.IsAbs(p) || filepath.VolumeName(p) != "" {
		return "", fmt.Errorf("%w: %s is absolute", ErrOutsideTree, p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %s", ErrOutsideTree, p)
		}
	}
	cleaned := path.Clean(p)
	if cleaned == "." {
		return "", fmt.Errorf("%w: %s names the root", ErrOutsideTree, p)
	}
	return cleaned, nil
}

// Resolve maps a tree-relative path to an absolute filesystem path under Root.
func (t *Tree) Resolve(p string) (string, error) {
	rel, err := Clean(p)
	if err != nil {
		return "", err
	}
	full := filepath.Join(t.Root, filepath.FromSlash(rel))
	if !strings.HasPrefix(full, t.Root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideTree, p)
	}
	if err := t.contained(full); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrOutsideTree, p, err)
	}
	return full, nil
}

// contained follows symlinks on the deepest existing ancestor of full
// (full itself included) and requires the result to stay under the real root.
func (t *Tree) contained(full string) error {
	root, err := filepath.EvalSymlinks(t.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	existing := full
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing || len(parent) < len(t.Root) {
			return nil
		}
		existing = parent
	}
	real, err := filepath.EvalSymlinks(existing)
	if err != nil {
		// dangling link: refuse rather than write through it
		return fmt.Errorf("resolve %s: %w", existing, err)
	}
	if real != root && !strings.HasPrefix(real, root+string(filepath.Separator)) {
		return fmt.Errorf("symlink resolves to %s", real)
	}
	return nil
}

// Managed reports whether a clean relative path is selected by the tree patterns.
func (t *Tree) Managed(rel string) bool {
	return matchAny(t.include, rel) && !matchAny(t.exclude, rel)
}

func matchAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// Entries reads every managed regular file, sorted by path.
// Symlinks and other irregular files are skipped.
func (t *Tree) Entries() ([]Entry, error) {
	var out []Entry
	err := filepath.WalkDir(t.Root, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if full == t.Root {
			return nil
		}
		rel, err := filepath.Rel(t.Root, full)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if matchAny(t.exclude, rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !t.Managed(rel) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(full)
		if err != nil {
			return err
		}
		out = append(out, Entry{Path: rel, Data: data, Mode: info.Mode().Perm()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read tree %s: %w", t.Root, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Files returns the managed file set as path -> content.
func (t *Tree) Files() (map[string][]byte, error) {
	entries, err := t.Entries()
	if err != nil {
		return nil, err
	}
	files := make(map[string][]byte, len(entries))
	for _, e := range entries {
		files[e.Path] = e.Data
	}
	return files, nil
}

// Read returns the content of one file.
func (t *Tree) Read(p string) ([]byte, error) {
	full, err := t.Resolve(p)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full)
}

// Exists reports whether p names an existing regular file.
func (t *Tree) Exists(p string) bool {
	full, err := t.Resolve(p)
	if err != nil {
		return false
	}
	info, err := os.Stat(full)
	return err == nil && info.Mode().IsRegular()
}

// Write atomically replaces p, keeping the existing mode if the file exists.
func (t *Tree) Write(p string, data []byte) error {
	full, err := t.Resolve(p)
	if err != nil {
		return err
	}
	mode := fs.FileMode(0o644)
	if info, err := os.Stat(full); err == nil {
		mode = info.Mode().Perm()
	}
	return WriteFileAtomic(full, data, mode)
}

// WriteMode atomically writes p with the given mode.
func (t *Tree) WriteMode(p string, data []byte, mode fs.FileMode) error {
	full, err := t.Resolve(p)
	if err != nil {
		return err
	}
	return WriteFileAtomic(full, data, mode)
}

// Remove deletes p and any directories it leaves empty. A missing file is not an error.
func (t *Tree) Remove(p string) error {
	full, err := t.Resolve(p)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return err
	}
	for dir := filepath.Dir(full); dir != t.Root && strings.HasPrefix(dir, t.Root); dir = filepath.Dir(dir) {
		if os.Remove(dir) != nil {
			break
		}
	}
	return nil
}

// CopyTo copies the managed files into dir and returns a Tree rooted there
// with the same patterns.
func (t *Tree) CopyTo(dir string) (*Tree, error) {
	entries, err := t.Entries()
	if err != nil {
		return nil, err
	}
	dst, err := t.At(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if err := dst.WriteMode(e.Path, e.Data, e.Mode); err != nil {
			return nil, fmt.Errorf("copy %s: %w", e.Path, err)
		}
	}
	return dst, nil
}

// WriteFileAtomic writes data to a temp file in the target directory and renames it into place.
func WriteFileAtomic(path string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// Checksum returns the hex sha256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SortedPaths returns the keys of a file set in order.
func SortedPaths(files map[string][]byte) []string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
