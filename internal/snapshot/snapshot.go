// Package snapshot persists whole-file captures of the managed tree and restores them.
//
// Each snapshot is a bundle directory keyed by id:
//
//	<dir>/<id>/manifest.json
//	<dir>/<id>/files/<path>
//
// The SQLite index tracks which snapshot is ACTIVE. The manifest checksums are
// what Restore verifies the rewritten tree against.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fentz26/autopatch/internal/models"
	"github.com/fentz26/autopatch/internal/tree"
)

var (
	// ErrIO means the tree or the snapshot directory could not be read or written.
	ErrIO = errors.New("snapshot io failure")
	// ErrNotFound means the snapshot id is unknown.
	ErrNotFound = errors.New("snapshot not found")
	// ErrRestoreIntegrity means the tree does not match the snapshot after a restore.
	// The last known-good state could not be reinstated.
	ErrRestoreIntegrity = errors.New("restore integrity failure")
)

const manifestName = "manifest.json"

// Index is the snapshot metadata store. *store.Store implements it.
type Index interface {
	NextSnapshotSeq() (int64, error)
	InsertActiveSnapshot(snap *models.Snapshot) error
	ActivateSnapshot(id string) error
	GetSnapshot(id string) (*models.Snapshot, error)
	ActiveSnapshot() (*models.Snapshot, error)
	ListSnapshots() ([]models.Snapshot, error)
	DeleteSnapshot(id string) error
}

// Manifest describes a bundle.
type Manifest struct {
	ID        string         `json:"id"`
	Seq       int64          `json:"seq"`
	CreatedAt time.Time      `json:"created_at"`
	Files     []ManifestFile `json:"files"`
}

// ManifestFile is one captured file.
type ManifestFile struct {
	Path   string      `json:"path"`
	SHA256 string      `json:"sha256"`
	Size   int64       `json:"size"`
	Mode   fs.FileMode `json:"mode"`
}

// Store creates, restores and prunes snapshots of one tree.
type Store struct {
	dir   string
	tree  *tree.Tree
	index Index
	log   *slog.Logger

	mu sync.Mutex
}

// New creates a snapshot store writing bundles under dir.
func New(dir string, tr *tree.Tree, index Index, log *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create snapshot dir: %v", ErrIO, err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	tr.ExcludeDir(abs)
	return &Store{dir: abs, tree: tr, index: index, log: log}, nil
}

// Dir returns the bundle root.
func (s *Store) Dir() string { return s.dir }

// Create captures every managed file, marks the new snapshot ACTIVE and the
// previous one ARCHIVED. On failure nothing is recorded.
func (s *Store) Create(ctx context.Context) (*models.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.tree.Entries()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	seq, err := s.index.NextSnapshotSeq()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	snap := &models.Snapshot{
		ID:        fmt.Sprintf("snap-%06d", seq),
		Seq:       seq,
		CreatedAt: time.Now().UTC(),
		FileCount: len(entries),
	}
	manifest := Manifest{ID: snap.ID, Seq: seq, CreatedAt: snap.CreatedAt}

	staging := filepath.Join(s.dir, "."+snap.ID+".partial")
	os.RemoveAll(staging)
	cleanup := func() { os.RemoveAll(staging) }

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			cleanup()
			return nil, fmt.Errorf("%w: %v", ErrIO, err)
		}
		dst := filepath.Join(staging, "files", filepath.FromSlash(e.Path))
		if err := tree.WriteFileAtomic(dst, e.Data, 0o644); err != nil {
			cleanup()
			return nil, fmt.Errorf("%w: capture %s: %v", ErrIO, e.Path, err)
		}
		manifest.Files = append(manifest.Files, ManifestFile{
			Path:   e.Path,
			SHA256: tree.Checksum(e.Data),
			Size:   int64(len(e.Data)),
			Mode:   e.Mode,
		})
		snap.TotalBytes += int64(len(e.Data))
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("%w: encode manifest: %v", ErrIO, err)
	}
	if err := tree.WriteFileAtomic(filepath.Join(staging, manifestName), data, 0o644); err != nil {
		cleanup()
		return nil, fmt.Errorf("%w: write manifest: %v", ErrIO, err)
	}

	final := filepath.Join(s.dir, snap.ID)
	os.RemoveAll(final)
	if err := os.Rename(staging, final); err != nil {
		cleanup()
		return nil, fmt.Errorf("%w: publish bundle: %v", ErrIO, err)
	}
	if err := s.index.InsertActiveSnapshot(snap); err != nil {
		os.RemoveAll(final)
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	s.log.Info("snapshot created", "id", snap.ID, "files", snap.FileCount, "bytes", snap.TotalBytes)
	return snap, nil
}

// Restore rewrites the tree to match snapshot id exactly, verifies every file
// against the manifest and marks the snapshot ACTIVE. Managed files that are not
// in the snapshot are removed. Restoring onto an identical tree changes nothing.
func (s *Store) Restore(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.get(id); err != nil {
		return err
	}
	manifest, files, err := s.load(id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRestoreIntegrity, err)
	}

	entries, err := s.tree.Entries()
	if err != nil {
		return fmt.Errorf("%w: read tree: %v", ErrRestoreIntegrity, err)
	}
	current := make(map[string]tree.Entry, len(entries))
	for _, e := range entries {
		current[e.Path] = e
		if _, keep := files[e.Path]; !keep {
			if err := s.tree.Remove(e.Path); err != nil {
				return fmt.Errorf("%w: remove %s: %v", ErrRestoreIntegrity, e.Path, err)
			}
		}
	}
	for _, mf := range manifest.Files {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrRestoreIntegrity, err)
		}
		want := files[mf.Path]
		mode := mf.Mode
		if mode == 0 {
			mode = 0o644
		}
		if have, ok := current[mf.Path]; ok && have.Mode == mode && tree.Checksum(have.Data) == mf.SHA256 {
			continue
		}
		if err := s.tree.WriteMode(mf.Path, want, mode); err != nil {
			return fmt.Errorf("%w: write %s: %v", ErrRestoreIntegrity, mf.Path, err)
		}
	}

	if diff, err := s.diff(manifest); err != nil {
		return fmt.Errorf("%w: verify: %v", ErrRestoreIntegrity, err)
	} else if len(diff) > 0 {
		return fmt.Errorf("%w: %d file(s) differ after restore, first %s", ErrRestoreIntegrity, len(diff), diff[0])
	}

	if err := s.index.ActivateSnapshot(id); err != nil {
		return fmt.Errorf("%w: mark active: %v", ErrRestoreIntegrity, err)
	}
	s.log.Info("snapshot restored", "id", id, "files", len(manifest.Files))
	return nil
}

// Prune deletes the oldest ARCHIVED snapshots so that at most retention remain.
// The ACTIVE snapshot is never removed. Returns the number deleted.
func (s *Store) Prune(retention int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if retention < 0 {
		retention = 0
	}
	snaps, err := s.index.ListSnapshots()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIO, err)
	}

	kept, removed := 0, 0
	for _, snap := range snaps { // newest first
		if snap.Status == models.SnapshotActive {
			continue
		}
		if kept < retention {
			kept++
			continue
		}
		if err := s.index.DeleteSnapshot(snap.ID); err != nil {
			return removed, fmt.Errorf("%w: %v", ErrIO, err)
		}
		if err := os.RemoveAll(filepath.Join(s.dir, snap.ID)); err != nil {
			s.log.Warn("snapshot bundle not removed", "id", snap.ID, "error", err)
		}
		removed++
	}
	if removed > 0 {
		s.log.Info("snapshots pruned", "removed", removed, "retention", retention)
	}
	return removed, nil
}

// EnsureActive creates an initial snapshot when none is ACTIVE yet.
func (s *Store) EnsureActive(ctx context.Context) (*models.Snapshot, error) {
	active, err := s.Active()
	if err != nil {
		return nil, err
	}
	if active != nil {
		return active, nil
	}
	return s.Create(ctx)
}

// Get returns the index entry for id.
func (s *Store) Get(id string) (*models.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(id)
}

func (s *Store) get(id string) (*models.Snapshot, error) {
	snap, err := s.index.GetSnapshot(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if snap == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return snap, nil
}

// Active returns the ACTIVE snapshot, or nil before initialization.
func (s *Store) Active() (*models.Snapshot, error) {
	snap, err := s.index.ActiveSnapshot()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return snap, nil
}

// List returns all snapshots, newest first.
func (s *Store) List() ([]models.Snapshot, error) {
	snaps, err := s.index.ListSnapshots()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return snaps, nil
}

// Load returns the snapshot with its file contents, verified against the manifest.
func (s *Store) Load(id string) (*models.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.get(id)
	if err != nil {
		return nil, err
	}
	_, files, err := s.load(id)
	if err != nil {
		return nil, err
	}
	snap.Files = files
	return snap, nil
}

// Diff lists the paths where the live tree differs from snapshot id.
func (s *Store) Diff(id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.get(id); err != nil {
		return nil, err
	}
	manifest, err := s.readManifest(id)
	if err != nil {
		return nil, err
	}
	return s.diff(manifest)
}

func (s *Store) diff(m *Manifest) ([]string, error) {
	current, err := s.tree.Files()
	if err != nil {
		return nil, err
	}
	var out []string
	want := make(map[string]string, len(m.Files))
	for _, mf := range m.Files {
		want[mf.Path] = mf.SHA256
		have, ok := current[mf.Path]
		if !ok || tree.Checksum(have) != mf.SHA256 {
			out = append(out, mf.Path)
		}
	}
	for _, p := range tree.SortedPaths(current) {
		if _, ok := want[p]; !ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) readManifest(id string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, id, manifestName))
	if err != nil {
		return nil, fmt.Errorf("%w: read manifest %s: %v", ErrIO, id, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: decode manifest %s: %v", ErrIO, id, err)
	}
	if m.ID != id {
		return nil, fmt.Errorf("%w: manifest id %q does not match %q", ErrIO, m.ID, id)
	}
	return &m, nil
}

// load reads a bundle and checks each captured file against its manifest checksum.
func (s *Store) load(id string) (*Manifest, map[string][]byte, error) {
	m, err := s.readManifest(id)
	if err != nil {
		return nil, nil, err
	}
	files := make(map[string][]byte, len(m.Files))
	for _, mf := range m.Files {
		rel, err := tree.Clean(mf.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: manifest path %q: %v", ErrIO, mf.Path, err)
		}
		data, err := os.ReadFile(filepath.Join(s.dir, id, "files", filepath.FromSlash(rel)))
		if err != nil {
			return nil, nil, fmt.Errorf("%w: read bundle file %s: %v", ErrIO, mf.Path, err)
		}
		if tree.Checksum(data) != mf.SHA256 {
			return nil, nil, fmt.Errorf("%w: bundle file %s is corrupt", ErrIO, mf.Path)
		}
		files[mf.Path] = data
	}
	return m, files, nil
}
