// Package fetch turns a source descriptor into a candidate update.
//
// Sources are a closed set: a local path, a remote git repository or archive,
// an inline manifest, or a code snippet placed into an existing file. Fetching
// never touches the live tree.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/autopatch/internal/executor"
	"github.com/fentz26/autopatch/internal/models"
	"github.com/fentz26/autopatch/internal/placement"
	"github.com/fentz26/autopatch/internal/tree"
	"github.com/google/uuid"
)

var (
	// ErrUnavailable is a transient failure (network, missing path). Retry with backoff.
	ErrUnavailable = errors.New("source unavailable")
	// ErrMalformedSource is permanent: the content cannot be turned into file changes.
	ErrMalformedSource = errors.New("malformed source")
)

// DefaultMaxArchiveBytes caps remote archive downloads.
const DefaultMaxArchiveBytes = 256 << 20

// Runner runs external commands such as git. *executor.Executor implements it.
type Runner interface {
	Execute(ctx context.Context, req executor.Request) *models.ExecutionResult
}

// Source produces file changes relative to the live tree.
type Source interface {
	Changes(ctx context.Context) ([]models.FileChange, error)
}

// Fetcher builds candidates against one tree.
type Fetcher struct {
	tree            *tree.Tree
	runner          Runner
	client          *http.Client
	log             *slog.Logger
	MaxArchiveBytes int64
	CommandTimeout  time.Duration
}

// New creates a fetcher. runner is needed for git sources only.
func New(tr *tree.Tree, runner Runner, log *slog.Logger) *Fetcher {
	return &Fetcher{
		tree:            tr,
		runner:          runner,
		client:          &http.Client{Timeout: 5 * time.Minute},
		log:             log,
		MaxArchiveBytes: DefaultMaxArchiveBytes,
		CommandTimeout:  2 * time.Minute,
	}
}

// Fetch resolves desc and returns the candidate it describes.
func (f *Fetcher) Fetch(ctx context.Context, desc models.SourceDescriptor) (*models.Candidate, error) {
	src, err := f.source(desc)
	if err != nil {
		return nil, err
	}
	changes, err := src.Changes(ctx)
	if err != nil {
		return nil, err
	}
	c := &models.Candidate{
		ID:         uuid.New().String(),
		Source:     desc,
		Changes:    changes,
		ReceivedAt: time.Now().UTC(),
	}
	f.log.Info("candidate fetched", "candidate", c.ID, "kind", desc.Kind, "changes", len(changes))
	return c, nil
}

func (f *Fetcher) source(desc models.SourceDescriptor) (Source, error) {
	switch desc.Kind {
	case models.SourceLocal:
		return &LocalPath{Path: desc.Locator, Mirror: desc.Mirror, base: f.tree}, nil
	case models.SourceRemote:
		return &RemoteRef{URL: desc.Locator, Ref: desc.Ref, Mirror: desc.Mirror, f: f}, nil
	case models.SourceInline:
		return &Inline{Text: desc.Locator, base: f.tree}, nil
	case models.SourceSnippet:
		return &Snippet{Code: desc.Locator, Dir: desc.Dir, base: f.tree}, nil
	}
	return nil, fmt.Errorf("%w: unknown source kind %q", ErrMalformedSource, desc.Kind)
}

// LocalPath reads a directory or a manifest file from the local filesystem.
type LocalPath struct {
	Path string
	// Mirror deletes tree files that the directory does not contain.
	Mirror bool
	base   *tree.Tree
}

// Changes implements Source.
func (l *LocalPath) Changes(ctx context.Context) ([]models.FileChange, error) {
	info, err := os.Stat(l.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if info.IsDir() {
		return diffDir(ctx, l.base, l.Path, l.Mirror)
	}
	switch strings.ToLower(filepath.Ext(l.Path)) {
	case ".yaml", ".yml", ".json":
		data, err := os.ReadFile(l.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return ParseManifest(data, l.base)
	}
	return nil, fmt.Errorf("%w: %s is neither a directory nor a manifest", ErrMalformedSource, l.Path)
}

// Inline is a manifest passed as text.
type Inline struct {
	Text string
	base *tree.Tree
}

// Changes implements Source.
func (i *Inline) Changes(context.Context) ([]models.FileChange, error) {
	return ParseManifest([]byte(i.Text), i.base)
}

// Snippet is Go code placed where it best fits among the tree's .go files.
type Snippet struct {
	Code string
	// Dir narrows the search to a subdirectory.
	Dir  string
	base *tree.Tree
}

// Changes implements Source.
func (s *Snippet) Changes(context.Context) ([]models.FileChange, error) {
	files, err := s.base.Files()
	if err != nil {
		return nil, fmt.Errorf("%w: read tree: %v", ErrUnavailable, err)
	}
	prefix := ""
	if s.Dir != "" {
		dir, err := tree.Clean(s.Dir)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedSource, err)
		}
		prefix = dir + "/"
	}
	candidates := make(map[string][]byte)
	for p, data := range files {
		if strings.HasSuffix(p, ".go") && strings.HasPrefix(p, prefix) {
			candidates[p] = data
		}
	}

	placements, err := placement.Find(candidates, s.Code)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSource, err)
	}
	best := placements[0]
	updated := placement.Splice(string(files[best.Path]), s.Code, best.StartLine, best.EndLine)
	return []models.FileChange{{Path: best.Path, Kind: models.ChangeModify, Content: []byte(updated)}}, nil
}

// diffDir compares a directory holding a full file set to the live tree.
func diffDir(ctx context.Context, base *tree.Tree, dir string, mirror bool) ([]models.FileChange, error) {
	src, err := base.At(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	incoming, err := src.Files()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	current, err := base.Files()
	if err != nil {
		return nil, fmt.Errorf("%w: read tree: %v", ErrUnavailable, err)
	}

	var changes []models.FileChange
	for _, p := range tree.SortedPaths(incoming) {
		have, ok := current[p]
		switch {
		case !ok:
			changes = append(changes, models.FileChange{Path: p, Kind: models.ChangeAdd, Content: incoming[p]})
		case string(have) != string(incoming[p]):
			changes = append(changes, models.FileChange{Path: p, Kind: models.ChangeModify, Content: incoming[p]})
		}
	}
	if mirror {
		for _, p := range tree.SortedPaths(current) {
			if _, ok := incoming[p]; !ok {
				changes = append(changes, models.FileChange{Path: p, Kind: models.ChangeDelete})
			}
		}
	}
	return changes, nil
}
