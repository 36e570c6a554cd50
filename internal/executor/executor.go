// Package executor runs code snippets and commands in child processes with a
// wall-clock timeout, an output cap and an optional restricted mode.
//
// A run never fails the caller: every call returns an ExecutionResult and the
// outcome of the snippet is reported through its Error field.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fentz26/autopatch/internal/config"
	"github.com/fentz26/autopatch/internal/models"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// waitDelay bounds how long Wait keeps draining pipes after the process group is killed.
const waitDelay = 500 * time.Millisecond

// Request describes one run. Either Code (written to a scratch file and run with
// Runtime) or Command (run as-is in Dir) must be set.
type Request struct {
	Code    string
	Command []string
	Runtime string
	Dir     string
	Timeout time.Duration
	Mode    models.ExecMode
	Env     []string
}

// Recorder persists execution results. *store.Store implements it.
type Recorder interface {
	RecordExecution(r *models.ExecutionResult) error
}

// Executor runs requests with bounded concurrency.
type Executor struct {
	cfg      config.ExecConfig
	sem      *semaphore.Weighted
	recorder Recorder
	log      *slog.Logger
	onResult func(*models.ExecutionResult)
	inFlight atomic.Int64
}

// New creates an executor. recorder may be nil.
func New(cfg config.ExecConfig, recorder Recorder, log *slog.Logger) *Executor {
	max := cfg.MaxConcurrent
	if max < 1 {
		max = 1
	}
	return &Executor{
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(max)),
		recorder: recorder,
		log:      log,
	}
}

// OnResult registers a hook called after every run, used for metrics.
func (e *Executor) OnResult(fn func(*models.ExecutionResult)) {
	e.onResult = fn
}

// InFlight returns the number of runs currently holding a slot.
func (e *Executor) InFlight() int {
	return int(e.inFlight.Load())
}

// Execute runs req and always returns a result. Requests over the concurrency
// limit wait for a slot until ctx is done.
func (e *Executor) Execute(ctx context.Context, req Request) *models.ExecutionResult {
	res := &models.ExecutionResult{
		ID:        uuid.New().String(),
		Runtime:   req.Runtime,
		Mode:      req.Mode,
		StartedAt: time.Now().UTC(),
	}
	if res.Mode == "" {
		res.Mode = models.ExecNormal
	}
	if len(req.Command) > 0 && res.Runtime == "" {
		res.Runtime = "command"
	}
	defer e.finish(res)

	if err := e.sem.Acquire(ctx, 1); err != nil {
		res.Error = &models.RaisedError{Kind: models.ErrKindInternal, Message: "cancelled while waiting for an execution slot"}
		return res
	}
	e.inFlight.Add(1)
	defer func() {
		e.inFlight.Add(-1)
		e.sem.Release(1)
	}()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}

	scratch, err := os.MkdirTemp("", "autopatch-exec-*")
	if err != nil {
		res.Error = &models.RaisedError{Kind: models.ErrKindInternal, Message: fmt.Sprintf("create scratch dir: %v", err)}
		return res
	}
	defer os.RemoveAll(scratch)

	argv, dir, raised := e.prepare(req, res, scratch)
	if raised != nil {
		res.Error = raised
		return res
	}

	e.run(ctx, res, argv, dir, e.environ(req, scratch), timeout)
	return res
}

// prepare resolves the argv and working directory and applies restricted-mode checks.
func (e *Executor) prepare(req Request, res *models.ExecutionResult, scratch string) ([]string, string, *models.RaisedError) {
	restricted := res.Mode == models.ExecRestricted

	if len(req.Command) > 0 {
		if restricted {
			if reason := checkCommand(req.Command, e.cfg.Forbidden); reason != "" {
				return nil, "", &models.RaisedError{Kind: models.ErrKindForbidden, Message: reason}
			}
		}
		dir := req.Dir
		if dir == "" || restricted {
			dir = scratch
		}
		return req.Command, dir, nil
	}

	name := req.Runtime
	if name == "" {
		name = e.cfg.DefaultRuntime
		res.Runtime = name
	}
	rt, ok := e.runtime(name)
	if !ok {
		return nil, "", &models.RaisedError{Kind: models.ErrKindInternal, Message: fmt.Sprintf("unknown runtime %q", name)}
	}
	if restricted {
		if reason := checkSource(rt.File, req.Code, e.cfg.Forbidden); reason != "" {
			return nil, "", &models.RaisedError{Kind: models.ErrKindForbidden, Message: reason}
		}
	}
	if err := os.WriteFile(filepath.Join(scratch, rt.File), []byte(req.Code), 0o600); err != nil {
		return nil, "", &models.RaisedError{Kind: models.ErrKindInternal, Message: fmt.Sprintf("write snippet: %v", err)}
	}
	dir := scratch
	if req.Dir != "" && !restricted {
		// the snippet file stays in scratch, referenced by absolute path
		dir = req.Dir
		argv := make([]string, len(rt.Command))
		for i, a := range rt.Command {
			if a == rt.File {
				a = filepath.Join(scratch, rt.File)
			}
			argv[i] = a
		}
		return argv, dir, nil
	}
	return rt.Command, dir, nil
}

func (e *Executor) runtime(name string) (config.Runtime, bool) {
	for _, rt := range e.cfg.Runtimes {
		if rt.Name == name {
			return rt, true
		}
	}
	return config.Runtime{}, false
}

// environ builds the child environment. Restricted runs get a minimal one with
// HOME and TMPDIR pointing at the scratch dir.
func (e *Executor) environ(req Request, scratch string) []string {
	if req.Mode != models.ExecRestricted {
		return append(os.Environ(), req.Env...)
	}
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + scratch,
		"TMPDIR=" + scratch,
		"LANG=C",
	}
	if gocache := os.Getenv("GOCACHE"); gocache != "" {
		env = append(env, "GOCACHE="+gocache)
	}
	return append(env, req.Env...)
}

func (e *Executor) run(ctx context.Context, res *models.ExecutionResult, argv []string, dir string, env []string, timeout time.Duration) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = waitDelay

	limit := e.cfg.OutputLimit
	if limit <= 0 {
		limit = 64 * 1024
	}
	stdout := newCappedBuffer(limit)
	stderr := newCappedBuffer(limit)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()

	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.Truncated = stdout.Truncated() || stderr.Truncated()

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		res.Error = &models.RaisedError{Kind: models.ErrKindTimeout, Message: fmt.Sprintf("exceeded timeout of %s", timeout)}
	case ctx.Err() != nil:
		res.Error = &models.RaisedError{Kind: models.ErrKindInternal, Message: fmt.Sprintf("cancelled: %v", ctx.Err())}
	case err != nil:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.Error = &models.RaisedError{
				Kind:     models.ErrKindExit,
				Message:  fmt.Sprintf("exited with status %d", exitErr.ExitCode()),
				ExitCode: exitErr.ExitCode(),
			}
		} else {
			res.Error = &models.RaisedError{Kind: models.ErrKindInternal, Message: err.Error()}
		}
	}
}

func (e *Executor) finish(res *models.ExecutionResult) {
	res.Duration = time.Since(res.StartedAt)

	if e.recorder != nil {
		if err := e.recorder.RecordExecution(res); err != nil {
			e.log.Warn("execution not recorded", "id", res.ID, "error", err)
		}
	}
	if e.onResult != nil {
		e.onResult(res)
	}

	attrs := []any{"id", res.ID, "runtime", res.Runtime, "mode", res.Mode, "duration", res.Duration, "truncated", res.Truncated}
	if res.Error != nil {
		e.log.Info("execution failed", append(attrs, "kind", res.Error.Kind, "reason", res.Error.Message)...)
		return
	}
	e.log.Debug("execution finished", attrs...)
}

// Summary renders a result in one line for logs and chat replies.
func Summary(res *models.ExecutionResult) string {
	if res.Error == nil {
		return fmt.Sprintf("ok in %s", res.Duration.Round(time.Millisecond))
	}
	return fmt.Sprintf("%s: %s", res.Error.Kind, strings.TrimSpace(res.Error.Message))
}
