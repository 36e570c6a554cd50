// Package applier writes a validated candidate into the live tree and signals the host to reload.
//
// The applier makes no partial-success guarantee. When Apply fails, some files
// may already be rewritten and recovery goes through a snapshot restore.
package applier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/fentz26/autopatch/internal/executor"
	"github.com/fentz26/autopatch/internal/models"
	"github.com/fentz26/autopatch/internal/tree"
)

var (
	// ErrApplyIO means a write or delete failed partway through.
	ErrApplyIO = errors.New("apply io failure")
	// ErrReload means the files were written but the host reload hook failed.
	ErrReload = errors.New("reload failed")
)

// Reloader asks the host to pick up rewritten files.
type Reloader interface {
	Reload(ctx context.Context, paths []string) error
}

// NopReloader is used when no reload hook is configured.
type NopReloader struct{}

// Reload implements Reloader.
func (NopReloader) Reload(context.Context, []string) error { return nil }

// Runner runs commands. *executor.Executor implements it.
type Runner interface {
	Execute(ctx context.Context, req executor.Request) *models.ExecutionResult
}

// CommandReloader runs a configured command in the tree root.
type CommandReloader struct {
	Runner  Runner
	Command []string
	Dir     string
	Timeout time.Duration
}

// Reload implements Reloader.
func (r *CommandReloader) Reload(ctx context.Context, paths []string) error {
	res := r.Runner.Execute(ctx, executor.Request{
		Command: r.Command,
		Dir:     r.Dir,
		Timeout: r.Timeout,
		Env:     []string{fmt.Sprintf("AUTOPATCH_CHANGED=%d", len(paths))},
	})
	if !res.OK() {
		return fmt.Errorf("%w: %s", ErrReload, executor.Summary(res))
	}
	return nil
}

// Order returns the changes in write order: DELETE, then MODIFY, then ADD,
// each group sorted by path.
func Order(changes []models.FileChange) []models.FileChange {
	rank := map[models.ChangeKind]int{models.ChangeDelete: 0, models.ChangeModify: 1, models.ChangeAdd: 2}
	out := append([]models.FileChange(nil), changes...)
	sort.SliceStable(out, func(i, j int) bool {
		if rank[out[i].Kind] != rank[out[j].Kind] {
			return rank[out[i].Kind] < rank[out[j].Kind]
		}
		return out[i].Path < out[j].Path
	})
	return out
}

// Write applies changes to tr in Order. It returns the paths written before any failure.
func Write(tr *tree.Tree, changes []models.FileChange) ([]string, error) {
	var done []string
	for _, ch := range Order(changes) {
		var err error
		switch ch.Kind {
		case models.ChangeDelete:
			err = tr.Remove(ch.Path)
		case models.ChangeAdd, models.ChangeModify:
			err = tr.Write(ch.Path, ch.Content)
		default:
			err = fmt.Errorf("unknown change kind %q", ch.Kind)
		}
		if err != nil {
			return done, fmt.Errorf("%w: %s %s: %v", ErrApplyIO, ch.Kind, ch.Path, err)
		}
		done = append(done, ch.Path)
	}
	return done, nil
}

// Applier writes candidates into the live tree.
type Applier struct {
	tree     *tree.Tree
	reloader Reloader
	log      *slog.Logger
}

// New creates an applier. A nil reloader means NopReloader.
func New(tr *tree.Tree, reloader Reloader, log *slog.Logger) *Applier {
	if reloader == nil {
		reloader = NopReloader{}
	}
	return &Applier{tree: tr, reloader: reloader, log: log}
}

// Apply writes every change and then signals reload.
func (a *Applier) Apply(ctx context.Context, c *models.Candidate) error {
	written, err := Write(a.tree, c.Changes)
	if err != nil {
		a.log.Warn("apply stopped partway", "candidate", c.ID, "written", len(written), "error", err)
		return err
	}
	a.log.Info("candidate written", "candidate", c.ID, "files", len(written))

	if err := a.reloader.Reload(ctx, written); err != nil {
		if !errors.Is(err, ErrReload) {
			err = fmt.Errorf("%w: %v", ErrReload, err)
		}
		return err
	}
	return nil
}
