// Package validator decides whether a candidate may be applied.
//
// Checks run in order: structural, syntax, policy, then the optional dry-run.
// The static checks always run for a complete report; the dry-run only runs
// when they found no ERROR. Validation never touches the live tree.
package validator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fentz26/autopatch/internal/applier"
	"github.com/fentz26/autopatch/internal/executor"
	"github.com/fentz26/autopatch/internal/models"
	"github.com/fentz26/autopatch/internal/tree"
)

// Check names used in findings.
const (
	CheckStructural = "structural"
	CheckSyntax     = "syntax"
	CheckPolicy     = "policy"
	CheckDryRun     = "dry_run"
)

// Config holds the validator settings.
type Config struct {
	ProtectedPaths []string
	DryRun         bool
	DryRunCommand  []string
	DryRunTimeout  time.Duration
}

// Runner runs the dry-run command. *executor.Executor implements it.
type Runner interface {
	Execute(ctx context.Context, req executor.Request) *models.ExecutionResult
}

// Validator checks candidates against one tree.
type Validator struct {
	tree   *tree.Tree
	cfg    Config
	runner Runner
	log    *slog.Logger
}

// New creates a validator. runner runs the dry-run and the python syntax
// check; without it python files are reported as unchecked.
func New(tr *tree.Tree, cfg Config, runner Runner, log *slog.Logger) *Validator {
	return &Validator{tree: tr, cfg: cfg, runner: runner, log: log}
}

// report accumulates findings.
type report struct {
	*models.ValidationReport
}

func (r report) add(sev models.Severity, check, path, format string, args ...any) {
	r.Findings = append(r.Findings, models.Finding{
		Severity: sev,
		Check:    check,
		Path:     path,
		Message:  fmt.Sprintf(format, args...),
	})
}

// Validate runs every check and returns the report. Cancellation is honoured
// between checks; a cancelled report never passes.
func (v *Validator) Validate(ctx context.Context, c *models.Candidate) *models.ValidationReport {
	r := report{&models.ValidationReport{CandidateID: c.ID, Findings: []models.Finding{}}}

	steps := []struct {
		name string
		run  func(context.Context, *models.Candidate, report, map[string]bool)
	}{
		{CheckStructural, v.structural},
		{CheckSyntax, v.syntax},
		{CheckPolicy, v.policy},
		{CheckDryRun, v.dryRun},
	}

	// paths that failed the structural check are skipped by later checks
	bad := make(map[string]bool)
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			r.Cancelled = true
			r.add(models.SeverityError, step.name, "", "validation cancelled before %s check", step.name)
			break
		}
		if step.name == CheckDryRun && len(r.Errors()) > 0 {
			break
		}
		step.run(ctx, c, r, bad)
	}

	r.Passed = !r.Cancelled && len(r.Errors()) == 0
	v.log.Info("candidate validated", "candidate", c.ID, "passed", r.Passed, "findings", len(r.Findings))
	return r.ValidationReport
}

func (v *Validator) structural(_ context.Context, c *models.Candidate, r report, bad map[string]bool) {
	if len(c.Changes) == 0 {
		r.add(models.SeverityError, CheckStructural, "", "candidate contains no changes")
		return
	}
	seen := make(map[string]bool)
	for _, ch := range c.Changes {
		rel, err := tree.Clean(ch.Path)
		if err != nil {
			r.add(models.SeverityError, CheckStructural, ch.Path, "path is outside the managed tree: %v", err)
			bad[ch.Path] = true
			continue
		}
		if rel != ch.Path {
			r.add(models.SeverityError, CheckStructural, ch.Path, "path is not in canonical form (want %s)", rel)
			bad[ch.Path] = true
			continue
		}
		if seen[rel] {
			r.add(models.SeverityError, CheckStructural, ch.Path, "path changed more than once")
			bad[ch.Path] = true
			continue
		}
		seen[rel] = true
		if !v.tree.Managed(rel) {
			r.add(models.SeverityError, CheckStructural, ch.Path, "path is excluded from the managed tree")
			bad[ch.Path] = true
			continue
		}
		if _, err := v.tree.Resolve(rel); err != nil {
			r.add(models.SeverityError, CheckStructural, ch.Path, "path resolves outside the managed tree: %v", err)
			bad[ch.Path] = true
			continue
		}

		exists := v.tree.Exists(rel)
		switch ch.Kind {
		case models.ChangeDelete:
			if !exists {
				r.add(models.SeverityError, CheckStructural, ch.Path, "delete target does not exist")
				bad[ch.Path] = true
			}
		case models.ChangeAdd:
			if exists {
				r.add(models.SeverityWarning, CheckStructural, ch.Path, "add overwrites an existing file")
			}
		case models.ChangeModify:
			if !exists {
				r.add(models.SeverityWarning, CheckStructural, ch.Path, "modify target does not exist and will be created")
			}
		default:
			r.add(models.SeverityError, CheckStructural, ch.Path, "unknown change kind %q", ch.Kind)
			bad[ch.Path] = true
		}
	}
}

func (v *Validator) syntax(ctx context.Context, c *models.Candidate, r report, bad map[string]bool) {
	for _, ch := range c.Changes {
		if bad[ch.Path] || ch.Kind == models.ChangeDelete {
			continue
		}
		if strings.EqualFold(path.Ext(ch.Path), ".py") {
			msg, checked := checkPython(ctx, v.runner, ch.Path, ch.Content)
			switch {
			case !checked:
				r.add(models.SeverityWarning, CheckSyntax, ch.Path, "python3 unavailable; syntax not checked")
			case msg != "":
				r.add(models.SeverityError, CheckSyntax, ch.Path, "%s", msg)
			}
			continue
		}
		err := ParseCheck(ch.Path, ch.Content)
		switch {
		case errors.Is(err, ErrNoParser):
			r.add(models.SeverityWarning, CheckSyntax, ch.Path, "%v; syntax not checked", err)
		case err != nil:
			r.add(models.SeverityError, CheckSyntax, ch.Path, "%v", err)
		}
	}
}

func (v *Validator) policy(_ context.Context, c *models.Candidate, r report, bad map[string]bool) {
	for _, ch := range c.Changes {
		if bad[ch.Path] {
			continue
		}
		pattern, protected := v.protected(ch.Path)
		if !protected {
			continue
		}
		if c.Override {
			r.add(models.SeverityWarning, CheckPolicy, ch.Path, "protected path (%s) changed with override", pattern)
			continue
		}
		r.add(models.SeverityError, CheckPolicy, ch.Path, "path is protected by %q; set override to change it", pattern)
	}
}

func (v *Validator) protected(p string) (string, bool) {
	for _, pattern := range v.cfg.ProtectedPaths {
		if ok, _ := doublestar.Match(pattern, p); ok {
			return pattern, true
		}
	}
	return "", false
}

// dryRun applies the candidate to a throwaway copy of the tree and runs the
// configured command there.
func (v *Validator) dryRun(ctx context.Context, c *models.Candidate, r report, _ map[string]bool) {
	if !v.cfg.DryRun || len(v.cfg.DryRunCommand) == 0 {
		return
	}
	if v.runner == nil {
		r.add(models.SeverityError, CheckDryRun, "", "dry-run enabled but no executor configured")
		return
	}

	scratch, err := os.MkdirTemp("", "autopatch-dryrun-*")
	if err != nil {
		r.add(models.SeverityError, CheckDryRun, "", "create scratch dir: %v", err)
		return
	}
	defer os.RemoveAll(scratch)

	copyTree, err := v.tree.CopyTo(scratch)
	if err != nil {
		r.add(models.SeverityError, CheckDryRun, "", "copy tree: %v", err)
		return
	}
	if _, err := applier.Write(copyTree, c.Changes); err != nil {
		r.add(models.SeverityError, CheckDryRun, "", "apply to scratch copy: %v", err)
		return
	}

	res := v.runner.Execute(ctx, executor.Request{
		Command: v.cfg.DryRunCommand,
		Dir:     scratch,
		Timeout: v.cfg.DryRunTimeout,
		Mode:    models.ExecNormal,
	})
	r.DryRun = res
	if !res.OK() {
		msg := executor.Summary(res)
		if tail := lastLines(res.Stderr, 5); tail != "" {
			msg += "\n" + tail
		}
		r.add(models.SeverityError, CheckDryRun, "", "%s", msg)
	}
}
