package engine

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/fentz26/autopatch/internal/executor"
	"github.com/fentz26/autopatch/internal/models"
	"github.com/fentz26/autopatch/internal/tree"
)

// Prober is the post-apply liveness check.
type Prober interface {
	Probe(ctx context.Context, c *models.Candidate) error
}

// TreeProbe checks that the tree is readable and reflects every change of the
// applied candidate. It is the default when no probe command is configured.
type TreeProbe struct {
	Tree *tree.Tree
}

// Probe implements Prober.
func (p TreeProbe) Probe(ctx context.Context, c *models.Candidate) error {
	if _, err := p.Tree.Entries(); err != nil {
		return fmt.Errorf("%w: tree unreadable: %v", ErrProbe, err)
	}
	for _, ch := range c.Changes {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrProbe, err)
		}
		if ch.Kind == models.ChangeDelete {
			if p.Tree.Exists(ch.Path) {
				return fmt.Errorf("%w: %s still present", ErrProbe, ch.Path)
			}
			continue
		}
		data, err := p.Tree.Read(ch.Path)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProbe, err)
		}
		if !bytes.Equal(data, ch.Content) {
			return fmt.Errorf("%w: %s does not match the candidate", ErrProbe, ch.Path)
		}
	}
	return nil
}

// CommandProbe runs a configured self-check command in the tree root.
type CommandProbe struct {
	Runner  Runner
	Command []string
	Dir     string
	Timeout time.Duration
}

// Probe implements Prober.
func (p *CommandProbe) Probe(ctx context.Context, c *models.Candidate) error {
	res := p.Runner.Execute(ctx, executor.Request{
		Command: p.Command,
		Dir:     p.Dir,
		Timeout: p.Timeout,
		Env:     []string{"AUTOPATCH_CANDIDATE=" + c.ID},
	})
	if !res.OK() {
		return fmt.Errorf("%w: %s", ErrProbe, executor.Summary(res))
	}
	return nil
}
