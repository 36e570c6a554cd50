package engine

import (
	"context"
	"fmt"

	"github.com/fentz26/autopatch/internal/audit"
	"github.com/fentz26/autopatch/internal/executor"
	"github.com/fentz26/autopatch/internal/models"
)

// Status returns a copy of the engine state.
func (e *Engine) Status() models.EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return models.EngineState{
		Phase:             e.phase,
		CurrentSnapshotID: e.currentSnapshot,
		CurrentTicketID:   e.currentTicket,
		LastError:         e.lastError,
		TreeStable:        stable(e.phase),
		History:           e.history.list(),
		LastReport:        e.lastReport,
		LastExecution:     e.lastExec,
	}
}

// IsTreeStable reports whether the live tree may be read directly. It is false
// while files are being written or restored, and in FAILED.
func (e *Engine) IsTreeStable() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return stable(e.phase)
}

func stable(p models.Phase) bool {
	switch p {
	case models.PhaseApplying, models.PhaseRollingBack, models.PhaseFailed:
		return false
	}
	return true
}

// Ticket returns the stored ticket for id.
func (e *Engine) Ticket(id string) (*models.Ticket, error) {
	t, err := e.deps.Tickets.GetTicket(id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrTicketNotFound, id)
	}
	return t, nil
}

// ListTickets returns the most recent tickets.
func (e *Engine) ListTickets(limit int) ([]models.Ticket, error) {
	return e.deps.Tickets.ListTickets(limit)
}

// ExecuteSnippet runs code through the executor. It may run alongside an
// update; a request for the live tree as working directory is moved to a
// scratch dir while the tree is not stable.
func (e *Engine) ExecuteSnippet(ctx context.Context, req executor.Request) *models.ExecutionResult {
	if req.Dir != "" && !e.IsTreeStable() {
		e.log.Info("tree not stable, running snippet in scratch dir", "dir", req.Dir)
		req.Dir = ""
	}
	res := e.deps.Executor.Execute(ctx, req)

	outcome := "success"
	if res.Error != nil {
		outcome = res.Error.Kind
	}
	e.deps.Audit.Record(audit.ActionExecute, map[string]string{"runtime": res.Runtime, "mode": string(res.Mode)}, outcome, "", res.ID)

	e.mu.Lock()
	e.lastExec = res
	e.publishLocked(Event{Kind: EventExecution, Execution: res, At: res.StartedAt})
	e.mu.Unlock()
	return res
}

// Recover restores snapshotID, or the current snapshot when empty, and moves
// the engine from FAILED back to IDLE. On error the engine stays FAILED.
func (e *Engine) Recover(ctx context.Context, snapshotID string) error {
	e.mu.Lock()
	if e.phase != models.PhaseFailed || e.recovering {
		e.mu.Unlock()
		return ErrNotFailed
	}
	e.recovering = true
	if snapshotID == "" {
		snapshotID = e.currentSnapshot
	}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.recovering = false
		e.mu.Unlock()
	}()

	rctx, cancel := context.WithTimeout(ctx, e.opts.PhaseTimeout)
	defer cancel()
	if err := e.deps.Snapshots.Restore(rctx, snapshotID); err != nil {
		e.deps.Audit.Record(audit.ActionSnapshotRestore, map[string]string{"snapshot": snapshotID}, "error", "", err.Error())
		e.mu.Lock()
		e.lastError = fmt.Sprintf("recovery from %s failed: %v", snapshotID, err)
		e.mu.Unlock()
		return err
	}
	e.deps.Audit.Record(audit.ActionSnapshotRestore, map[string]string{"snapshot": snapshotID}, "success", "", "operator recovery")

	e.mu.Lock()
	e.currentSnapshot = snapshotID
	e.lastError = ""
	e.transitionLocked(models.PhaseIdle, "", "recovered from "+snapshotID)
	e.mu.Unlock()
	e.log.Info("engine recovered", "snapshot", snapshotID)
	return nil
}

// CreateSnapshot captures the tree on demand. It is refused outside IDLE, and
// updates requested while it runs are refused as busy.
func (e *Engine) CreateSnapshot(ctx context.Context) (*models.Snapshot, error) {
	e.mu.Lock()
	switch {
	case e.phase != models.PhaseIdle:
		phase := e.phase
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: engine is %s", ErrBusy, phase)
	case e.capturing:
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: snapshot in progress", ErrBusy)
	}
	e.capturing = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.capturing = false
		e.mu.Unlock()
	}()
	return e.snapshot(ctx, "")
}

// Prune removes archived snapshots beyond retention; zero means the configured value.
func (e *Engine) Prune(retention int) (int, error) {
	if retention <= 0 {
		retention = e.opts.Retention
	}
	removed, err := e.deps.Snapshots.Prune(retention)
	if err != nil {
		return removed, err
	}
	e.deps.Audit.Record(audit.ActionSnapshotPrune, map[string]int{"retention": retention}, "success", "", fmt.Sprintf("removed %d", removed))
	e.observeSnapshots()
	return removed, nil
}

// ListSnapshots returns all snapshots, newest first.
func (e *Engine) ListSnapshots() ([]models.Snapshot, error) {
	return e.deps.Snapshots.List()
}

// DiffSnapshot lists the paths where the live tree differs from snapshot id.
// It fails with ErrBusy while the tree is being written, including when a
// write started before the comparison finished.
func (e *Engine) DiffSnapshot(id string) ([]string, error) {
	e.mu.Lock()
	phase, writes := e.phase, e.writes
	e.mu.Unlock()
	if !stable(phase) {
		return nil, fmt.Errorf("%w: tree is changing (engine is %s)", ErrBusy, phase)
	}

	paths, err := e.deps.Snapshots.Diff(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	phase, moved := e.phase, e.writes != writes
	e.mu.Unlock()
	if moved || !stable(phase) {
		return nil, fmt.Errorf("%w: tree changed during comparison (engine is %s)", ErrBusy, phase)
	}
	return paths, nil
}
