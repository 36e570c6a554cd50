// Package engine sequences self-updates of the managed tree:
// fetch, validate, snapshot, apply, verify, and roll back on failure.
//
// At most one update runs at a time. A request arriving outside IDLE is
// rejected with a busy outcome rather than queued. Every request returns a
// ticket immediately; the final outcome is read from the ticket.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fentz26/autopatch/internal/audit"
	"github.com/fentz26/autopatch/internal/config"
	"github.com/fentz26/autopatch/internal/executor"
	"github.com/fentz26/autopatch/internal/fetch"
	"github.com/fentz26/autopatch/internal/logging"
	"github.com/fentz26/autopatch/internal/metrics"
	"github.com/fentz26/autopatch/internal/models"
	"github.com/fentz26/autopatch/internal/snapshot"
	"github.com/fentz26/autopatch/internal/tree"
	"github.com/google/uuid"
)

// Fetcher produces candidates. *fetch.Fetcher implements it.
type Fetcher interface {
	Fetch(ctx context.Context, desc models.SourceDescriptor) (*models.Candidate, error)
}

// Validator checks candidates. *validator.Validator implements it.
type Validator interface {
	Validate(ctx context.Context, c *models.Candidate) *models.ValidationReport
}

// Applier writes candidates to the live tree. *applier.Applier implements it.
type Applier interface {
	Apply(ctx context.Context, c *models.Candidate) error
}

// Runner runs code. *executor.Executor implements it.
type Runner interface {
	Execute(ctx context.Context, req executor.Request) *models.ExecutionResult
}

// TicketStore persists tickets. *store.Store implements it.
type TicketStore interface {
	SaveTicket(t *models.Ticket) error
	GetTicket(id string) (*models.Ticket, error)
	ListTickets(limit int) ([]models.Ticket, error)
}

// Deps are the engine collaborators. Audit, Metrics, Prober and Log are optional.
type Deps struct {
	Tree      *tree.Tree
	Fetcher   Fetcher
	Validator Validator
	Snapshots *snapshot.Store
	Applier   Applier
	Prober    Prober
	Executor  Runner
	Tickets   TicketStore
	Audit     audit.Recorder
	Metrics   *metrics.Metrics
	Log       *slog.Logger
}

// Options tune the update sequence.
type Options struct {
	FetchRetries int
	FetchBackoff time.Duration
	FetchTimeout time.Duration
	// PhaseTimeout bounds snapshot, apply, verify and restore steps.
	PhaseTimeout time.Duration
	Retention    int
	HistorySize  int
}

// OptionsFromConfig maps the static configuration onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		FetchRetries: cfg.Update.FetchRetries,
		FetchBackoff: cfg.Update.FetchBackoff,
		FetchTimeout: cfg.Update.FetchTimeout,
		PhaseTimeout: cfg.Update.PhaseTimeout,
		Retention:    cfg.Snapshot.Retention,
		HistorySize:  cfg.HistorySize,
	}
}

// UpdateOptions are per-request flags.
type UpdateOptions struct {
	// Override allows changes to protected paths.
	Override bool
}

// Engine is the single owner of the engine state.
type Engine struct {
	deps Deps
	opts Options
	log  *slog.Logger

	mu              sync.Mutex
	phase           models.Phase
	currentSnapshot string
	currentTicket   string
	lastError       string
	lastReport      *models.ValidationReport
	lastExec        *models.ExecutionResult
	history         *history
	cancel          context.CancelFunc
	recovering      bool
	capturing       bool   // manual snapshot running
	writes          uint64 // entries into a tree-writing phase
	subs            map[int]chan Event
	nextSub         int

	base context.Context
	wg   sync.WaitGroup
}

// New creates an engine in IDLE. Call Start before requesting updates.
func New(deps Deps, opts Options) *Engine {
	if deps.Log == nil {
		deps.Log = logging.NewNop()
	}
	if deps.Audit == nil {
		deps.Audit = audit.Nop{}
	}
	if deps.Prober == nil {
		deps.Prober = TreeProbe{Tree: deps.Tree}
	}
	if opts.FetchRetries < 1 {
		opts.FetchRetries = 1
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = time.Minute
	}
	if opts.PhaseTimeout <= 0 {
		opts.PhaseTimeout = 2 * time.Minute
	}
	if opts.Retention < 1 {
		opts.Retention = 1
	}
	return &Engine{
		deps:    deps,
		opts:    opts,
		log:     deps.Log,
		phase:   models.PhaseIdle,
		history: newHistory(opts.HistorySize),
		subs:    make(map[int]chan Event),
		base:    context.Background(),
	}
}

// Start makes sure an ACTIVE snapshot exists. ctx also scopes the cancellable
// part of later update sequences, so cancelling it aborts fetches in flight.
func (e *Engine) Start(ctx context.Context) error {
	snap, err := e.deps.Snapshots.EnsureActive(ctx)
	if err != nil {
		return fmt.Errorf("initial snapshot: %w", err)
	}
	e.mu.Lock()
	e.base = ctx
	e.currentSnapshot = snap.ID
	e.mu.Unlock()
	e.observeSnapshots()

	if drift, err := e.deps.Snapshots.Diff(snap.ID); err != nil {
		e.log.Warn("could not compare tree to active snapshot", "snapshot", snap.ID, "error", err)
	} else if len(drift) > 0 {
		e.log.Warn("tree differs from active snapshot", "snapshot", snap.ID, "paths", len(drift), "first", drift[0])
	}
	e.log.Info("engine started", "snapshot", snap.ID)
	return nil
}

// Wait blocks until the running update sequence, if any, has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// RequestUpdate starts an update sequence and returns its ticket at once.
// Outside IDLE the ticket is finished immediately with a busy outcome and
// ErrBusy is returned; in FAILED it is ErrEngineFailed.
func (e *Engine) RequestUpdate(desc models.SourceDescriptor, opts UpdateOptions) (*models.Ticket, error) {
	now := time.Now().UTC()
	t := &models.Ticket{
		ID:        uuid.New().String(),
		Source:    desc,
		Outcome:   models.OutcomePending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	e.mu.Lock()
	switch phase := e.phase; {
	case phase == models.PhaseFailed:
		e.finishLocked(t, models.OutcomeFailed, ErrEngineFailed.Error(), nil)
		e.mu.Unlock()
		return t, ErrEngineFailed
	case phase != models.PhaseIdle:
		e.finishLocked(t, models.OutcomeBusy, fmt.Sprintf("busy: engine is %s", phase), nil)
		e.mu.Unlock()
		return t, ErrBusy
	case e.capturing:
		e.finishLocked(t, models.OutcomeBusy, "busy: snapshot in progress", nil)
		e.mu.Unlock()
		return t, ErrBusy
	}

	ctx, cancel := context.WithCancel(e.base)
	e.cancel = cancel
	e.currentTicket = t.ID
	e.lastError = ""
	e.saveTicket(t)
	e.transitionLocked(models.PhaseFetching, t.ID, "update requested: "+fetch.FormatDescriptor(desc))
	e.wg.Add(1)
	e.mu.Unlock()

	out := *t
	go func() {
		defer e.wg.Done()
		defer cancel()
		e.run(ctx, t, opts)
	}()
	return &out, nil
}

// Cancel aborts the running sequence while it is FETCHING or VALIDATING.
func (e *Engine) Cancel() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if (e.phase != models.PhaseFetching && e.phase != models.PhaseValidating) || e.cancel == nil {
		return ErrNotCancellable
	}
	e.log.Info("update cancel requested", "ticket", e.currentTicket, "phase", e.phase)
	e.cancel()
	e.cancel = nil
	return nil
}

func (e *Engine) run(ctx context.Context, t *models.Ticket, opts UpdateOptions) {
	c, err := e.fetch(ctx, t)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			e.settle(t, models.PhaseIdle, "cancelled during fetch", models.OutcomeCancelled, "cancelled during fetch", nil)
		case errors.Is(err, fetch.ErrMalformedSource):
			e.failUntouched(t, err)
		default:
			e.settle(t, models.PhaseIdle, err.Error(), models.OutcomeUnavailable, err.Error(), nil)
		}
		return
	}
	c.Override = opts.Override

	e.transition(models.PhaseValidating, t.ID, fmt.Sprintf("candidate %s with %d change(s)", c.ID, len(c.Changes)))
	report := e.deps.Validator.Validate(ctx, c)

	e.mu.Lock()
	e.lastReport = report
	cancelled := report.Cancelled || ctx.Err() != nil
	e.cancel = nil
	switch {
	case cancelled:
		e.transitionLocked(models.PhaseIdle, t.ID, "cancelled during validation")
		e.finishLocked(t, models.OutcomeCancelled, "cancelled during validation", report.Findings)
	case !report.Passed:
		msg := fmt.Sprintf("validation failed with %d error(s)", len(report.Errors()))
		e.transitionLocked(models.PhaseIdle, t.ID, msg)
		e.finishLocked(t, models.OutcomeRejected, msg, report.Findings)
	default:
		e.transitionLocked(models.PhaseSnapshotting, t.ID, "validation passed")
	}
	e.mu.Unlock()
	if cancelled || !report.Passed {
		return
	}

	// From here on the sequence always reaches IDLE or FAILED.
	ctx = context.WithoutCancel(ctx)

	pre, err := e.snapshot(ctx, t.ID)
	if err != nil {
		e.failUntouched(t, err)
		return
	}

	e.transition(models.PhaseApplying, t.ID, "checkpoint "+pre.ID)
	actx, cancel := context.WithTimeout(ctx, e.opts.PhaseTimeout)
	err = e.deps.Applier.Apply(actx, c)
	cancel()
	e.recordApply(t.ID, c, err)
	if err != nil {
		e.rollback(ctx, t, pre, fmt.Sprintf("apply failed: %v", err))
		return
	}

	e.transition(models.PhaseVerifying, t.ID, fmt.Sprintf("%d change(s) written", len(c.Changes)))
	vctx, cancel := context.WithTimeout(ctx, e.opts.PhaseTimeout)
	err = e.deps.Prober.Probe(vctx, c)
	cancel()
	if err != nil {
		e.rollback(ctx, t, pre, err.Error())
		return
	}
	post, err := e.snapshot(ctx, t.ID)
	if err != nil {
		e.rollback(ctx, t, pre, fmt.Sprintf("could not capture applied tree: %v", err))
		return
	}

	e.prune(t.ID)
	t.SnapshotID = post.ID
	e.settle(t, models.PhaseIdle, "applied, active snapshot "+post.ID,
		models.OutcomeApplied, fmt.Sprintf("applied %d change(s)", len(c.Changes)), report.Findings)
}

// fetch retries transient failures with doubling backoff.
func (e *Engine) fetch(ctx context.Context, t *models.Ticket) (*models.Candidate, error) {
	backoff := e.opts.FetchBackoff
	var lastErr error
	for attempt := 1; attempt <= e.opts.FetchRetries; attempt++ {
		fctx, cancel := context.WithTimeout(ctx, e.opts.FetchTimeout)
		c, err := e.deps.Fetcher.Fetch(fctx, t.Source)
		cancel()
		if err == nil {
			return c, nil
		}
		lastErr = err
		if ctx.Err() != nil || !errors.Is(err, fetch.ErrUnavailable) {
			return nil, err
		}
		if attempt == e.opts.FetchRetries {
			break
		}
		e.log.Warn("fetch failed, retrying", "ticket", t.ID, "attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("gave up after %d attempt(s): %w", e.opts.FetchRetries, lastErr)
}

// snapshot captures the tree and makes it the current snapshot.
func (e *Engine) snapshot(ctx context.Context, ticketID string) (*models.Snapshot, error) {
	sctx, cancel := context.WithTimeout(ctx, e.opts.PhaseTimeout)
	defer cancel()

	snap, err := e.deps.Snapshots.Create(sctx)
	if err != nil {
		e.deps.Audit.Record(audit.ActionSnapshotCreate, map[string]string{"ticket": ticketID}, "error", ticketID, err.Error())
		return nil, err
	}
	e.deps.Audit.Record(audit.ActionSnapshotCreate, map[string]string{"ticket": ticketID}, "success", ticketID, snap.ID)

	e.mu.Lock()
	e.currentSnapshot = snap.ID
	e.mu.Unlock()
	e.observeSnapshots()
	return snap, nil
}

// rollback restores pre. A failed restore leaves the engine FAILED.
func (e *Engine) rollback(ctx context.Context, t *models.Ticket, pre *models.Snapshot, reason string) {
	e.transition(models.PhaseRollingBack, t.ID, reason)

	rctx, cancel := context.WithTimeout(ctx, e.opts.PhaseTimeout)
	err := e.deps.Snapshots.Restore(rctx, pre.ID)
	cancel()
	if err != nil {
		e.deps.Audit.Record(audit.ActionSnapshotRestore, map[string]string{"snapshot": pre.ID}, "error", t.ID, err.Error())
		msg := fmt.Sprintf("%s; restore of %s failed: %v", reason, pre.ID, err)
		e.log.Error("rollback failed, manual recovery required", "ticket", t.ID, "snapshot", pre.ID, "error", err)
		e.settle(t, models.PhaseFailed, err.Error(), models.OutcomeFailed, msg, nil)
		return
	}
	e.deps.Audit.Record(audit.ActionSnapshotRestore, map[string]string{"snapshot": pre.ID}, "success", t.ID, reason)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.currentSnapshot = pre.ID
	t.SnapshotID = pre.ID
	e.transitionLocked(models.PhaseIdle, t.ID, "rolled back to "+pre.ID)
	e.finishLocked(t, models.OutcomeRolledBack, reason, nil)
}

// failUntouched records a failure that happened before the live tree was
// modified. The engine passes through FAILED and returns to IDLE; FAILED only
// sticks when a restore could not reinstate the last known-good tree.
func (e *Engine) failUntouched(t *models.Ticket, err error) {
	e.mu.Lock()
	e.transitionLocked(models.PhaseFailed, t.ID, err.Error())
	e.transitionLocked(models.PhaseIdle, t.ID, "live tree untouched")
	e.finishLocked(t, models.OutcomeFailed, err.Error(), nil)
	e.mu.Unlock()
}

func (e *Engine) prune(ticketID string) {
	removed, err := e.deps.Snapshots.Prune(e.opts.Retention)
	if err != nil {
		e.log.Warn("snapshot prune failed", "ticket", ticketID, "error", err)
		return
	}
	if removed > 0 {
		e.deps.Audit.Record(audit.ActionSnapshotPrune, map[string]int{"retention": e.opts.Retention}, "success", ticketID, fmt.Sprintf("removed %d", removed))
	}
	e.observeSnapshots()
}

func (e *Engine) recordApply(ticketID string, c *models.Candidate, err error) {
	outcome, details := "success", fmt.Sprintf("%d change(s)", len(c.Changes))
	if err != nil {
		outcome, details = "error", err.Error()
	}
	e.deps.Audit.Record(audit.ActionApply, c.Paths(), outcome, ticketID, details)
}

func (e *Engine) transition(to models.Phase, ticketID, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transitionLocked(to, ticketID, reason)
}

func (e *Engine) transitionLocked(to models.Phase, ticketID, reason string) {
	from := e.phase
	if !CanTransition(from, to) {
		e.log.Error("illegal phase transition refused", "phase_from", from, "phase_to", to, "ticket", ticketID)
		return
	}
	e.phase = to
	if !stable(to) {
		e.writes++
	}
	tr := models.Transition{From: from, To: to, TicketID: ticketID, Reason: reason, At: time.Now().UTC()}
	e.history.add(tr)
	if to == models.PhaseFailed {
		e.lastError = reason
	}

	e.log.Info("phase transition", "phase_from", from, "phase_to", to, "ticket", ticketID, "reason", reason)
	if e.deps.Metrics != nil {
		e.deps.Metrics.Transition(from, to)
	}
	e.deps.Audit.Record(audit.ActionTransition, map[string]string{"from": string(from), "to": string(to)},
		fmt.Sprintf("%s->%s", from, to), ticketID, reason)
	e.publishLocked(Event{Kind: EventTransition, Transition: &tr, At: tr.At})
}

// settle moves to phase to and finishes t in the same critical section, so a
// request admitted by the new phase never sees the previous ticket unfinished.
func (e *Engine) settle(t *models.Ticket, to models.Phase, reason string, outcome models.OutcomeKind, msg string, findings []models.Finding) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transitionLocked(to, t.ID, reason)
	e.finishLocked(t, outcome, msg, findings)
}

// finishLocked stores the final outcome of t.
func (e *Engine) finishLocked(t *models.Ticket, outcome models.OutcomeKind, msg string, findings []models.Finding) {
	t.Outcome = outcome
	t.Message = msg
	t.Findings = findings
	t.UpdatedAt = time.Now().UTC()

	e.saveTicket(t)
	if e.currentTicket == t.ID {
		e.currentTicket = ""
	}
	if outcome != models.OutcomeApplied && outcome != models.OutcomeBusy && e.lastError == "" {
		e.lastError = msg
	}
	if e.deps.Metrics != nil {
		e.deps.Metrics.Outcome(outcome)
	}
	e.log.Info("update finished", "ticket", t.ID, "outcome", outcome, "message", msg)
	cp := *t
	e.publishLocked(Event{Kind: EventTicket, Ticket: &cp, At: t.UpdatedAt})
}

func (e *Engine) saveTicket(t *models.Ticket) {
	if e.deps.Tickets == nil {
		return
	}
	if err := e.deps.Tickets.SaveTicket(t); err != nil {
		e.log.Warn("ticket not saved", "ticket", t.ID, "error", err)
	}
}

func (e *Engine) observeSnapshots() {
	if e.deps.Metrics == nil {
		return
	}
	if snaps, err := e.deps.Snapshots.List(); err == nil {
		e.deps.Metrics.SnapshotCount.Set(float64(len(snaps)))
	}
}

// Subscribe returns a channel of events and a function that ends the
// subscription. Slow subscribers miss events rather than block the engine.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	e.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			close(ch)
			e.mu.Unlock()
		})
	}
}

func (e *Engine) publishLocked(ev Event) {
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
