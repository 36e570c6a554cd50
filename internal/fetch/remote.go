package fetch

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/fentz26/autopatch/internal/executor"
	"github.com/fentz26/autopatch/internal/models"
	"github.com/fentz26/autopatch/internal/tree"
)

// RemoteRef is a git repository or an http(s) .tar.gz archive holding the
// full file set of the new tree.
type RemoteRef struct {
	URL string
	// Ref is a branch or tag; git only.
	Ref    string
	Mirror bool
	f      *Fetcher
}

// IsArchive reports whether url names a gzipped tarball.
func IsArchive(url string) bool {
	u := strings.ToLower(url)
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	return (strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")) &&
		(strings.HasSuffix(u, ".tar.gz") || strings.HasSuffix(u, ".tgz"))
}

// Changes implements Source.
func (r *RemoteRef) Changes(ctx context.Context) ([]models.FileChange, error) {
	if r.URL == "" {
		return nil, fmt.Errorf("%w: remote source without url", ErrMalformedSource)
	}
	scratch, err := os.MkdirTemp("", "autopatch-fetch-*")
	if err != nil {
		return nil, fmt.Errorf("%w: create scratch dir: %v", ErrUnavailable, err)
	}
	defer os.RemoveAll(scratch)

	dest := filepath.Join(scratch, "src")
	if IsArchive(r.URL) {
		err = r.download(ctx, dest)
	} else {
		err = r.clone(ctx, scratch, dest)
	}
	if err != nil {
		return nil, err
	}
	return diffDir(ctx, r.f.tree, dest, r.Mirror)
}

func (r *RemoteRef) clone(ctx context.Context, scratch, dest string) error {
	if r.f.runner == nil {
		return fmt.Errorf("%w: no runner for git sources", ErrUnavailable)
	}
	argv := []string{"git", "clone", "--depth", "1"}
	if r.Ref != "" {
		argv = append(argv, "--branch", r.Ref)
	}
	argv = append(argv, "--", r.URL, dest)

	res := r.f.runner.Execute(ctx, executor.Request{
		Command: argv,
		Dir:     scratch,
		Timeout: r.f.CommandTimeout,
		Env:     []string{"GIT_TERMINAL_PROMPT=0"},
	})
	if !res.OK() {
		return fmt.Errorf("%w: git clone %s: %s", ErrUnavailable, r.URL, executor.Summary(res))
	}
	if err := os.RemoveAll(filepath.Join(dest, ".git")); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *RemoteRef) download(ctx context.Context, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedSource, err)
	}
	resp, err := r.f.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: download %s: %v", ErrUnavailable, r.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: download failed with status %d", ErrUnavailable, resp.StatusCode)
	}

	limit := r.f.MaxArchiveBytes
	if limit <= 0 {
		limit = DefaultMaxArchiveBytes
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	if int64(len(body)) > limit {
		return fmt.Errorf("%w: archive exceeds %d bytes", ErrMalformedSource, limit)
	}
	return extractTarGz(bytes.NewReader(body), dest, limit)
}

// extractTarGz unpacks regular files into dest. A single top-level directory
// shared by every entry is stripped, as release tarballs usually have one.
func extractTarGz(r io.Reader, dest string, limit int64) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedSource, err)
	}
	defer gz.Close()

	type file struct {
		name string
		data []byte
		mode os.FileMode
	}
	var files []file
	var total int64
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedSource, err)
		}
		switch hdr.Typeflag {
		case tar.TypeDir, tar.TypeXGlobalHeader:
			continue
		case tar.TypeReg:
		default:
			return fmt.Errorf("%w: unsupported entry %s in archive", ErrMalformedSource, hdr.Name)
		}
		name, err := tree.Clean(strings.TrimPrefix(hdr.Name, "./"))
		if err != nil {
			return fmt.Errorf("%w: archive entry %q: %v", ErrMalformedSource, hdr.Name, err)
		}
		total += hdr.Size
		if total > limit {
			return fmt.Errorf("%w: archive expands past %d bytes", ErrMalformedSource, limit)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedSource, err)
		}
		files = append(files, file{name: name, data: data, mode: hdr.FileInfo().Mode().Perm()})
	}
	if len(files) == 0 {
		return fmt.Errorf("%w: empty archive", ErrMalformedSource)
	}

	prefix := commonTopDir(len(files), func(i int) string { return files[i].name })
	for _, f := range files {
		rel := strings.TrimPrefix(f.name, prefix)
		mode := f.mode
		if mode == 0 {
			mode = 0o644
		}
		if err := tree.WriteFileAtomic(filepath.Join(dest, filepath.FromSlash(rel)), f.data, mode); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return nil
}

// commonTopDir returns "dir/" when every name lives under the same top-level
// directory, and "" otherwise.
func commonTopDir(n int, name func(int) string) string {
	var top string
	for i := 0; i < n; i++ {
		first, _, nested := strings.Cut(name(i), "/")
		if !nested {
			return ""
		}
		if i == 0 {
			top = first
		} else if first != top {
			return ""
		}
	}
	return top + "/"
}
