// Package models defines the core domain types for autopatch.
package models

import "time"

// SnapshotStatus tags a snapshot as the one the live tree reflects or an older one.
type SnapshotStatus string

const (
	SnapshotActive   SnapshotStatus = "active"
	SnapshotArchived SnapshotStatus = "archived"
)

// Snapshot is an immutable capture of the managed tree.
type Snapshot struct {
	ID         string         `json:"id"`
	Seq        int64          `json:"seq"`
	CreatedAt  time.Time      `json:"created_at"`
	Status     SnapshotStatus `json:"status"`
	FileCount  int            `json:"file_count"`
	TotalBytes int64          `json:"total_bytes"`
	// Files maps slash-separated tree paths to content. Only populated by Load.
	Files map[string][]byte `json:"-"`
}

// ChangeKind is the kind of a single file change.
type ChangeKind string

const (
	ChangeAdd    ChangeKind = "add"
	ChangeModify ChangeKind = "modify"
	ChangeDelete ChangeKind = "delete"
)

// FileChange is one proposed change to the managed tree.
type FileChange struct {
	Path    string     `json:"path" yaml:"path"`
	Kind    ChangeKind `json:"kind" yaml:"kind"`
	Content []byte     `json:"-" yaml:"-"`
}

// SourceKind selects how a candidate is produced.
type SourceKind string

const (
	SourceLocal   SourceKind = "local"
	SourceRemote  SourceKind = "remote"
	SourceInline  SourceKind = "inline"
	SourceSnippet SourceKind = "snippet"
)

// SourceDescriptor names where a candidate comes from.
type SourceDescriptor struct {
	Kind    SourceKind `json:"kind"`
	Locator string     `json:"locator"`
	// Ref is a branch or tag for remote git sources.
	Ref string `json:"ref,omitempty"`
	// Mirror makes a local directory source authoritative: tree files
	// missing from it are deleted.
	Mirror bool `json:"mirror,omitempty"`
	// Dir narrows snippet placement to a subdirectory of the tree.
	Dir string `json:"dir,omitempty"`
}

// Candidate is an unapplied, unvalidated set of proposed file changes.
type Candidate struct {
	ID         string           `json:"id"`
	Source     SourceDescriptor `json:"source"`
	Changes    []FileChange     `json:"changes"`
	ReceivedAt time.Time        `json:"received_at"`
	// Override allows changes to protected paths.
	Override bool `json:"override,omitempty"`
}

// Paths returns the paths touched by the candidate in change order.
func (c *Candidate) Paths() []string {
	paths := make([]string, len(c.Changes))
	for i, ch := range c.Changes {
		paths[i] = ch.Path
	}
	return paths
}

// Severity of a validation finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Finding is a single validator observation.
type Finding struct {
	Severity Severity `json:"severity"`
	Check    string   `json:"check"`
	Path     string   `json:"path,omitempty"`
	Message  string   `json:"message"`
}

// ValidationReport is the validator's verdict on a candidate.
type ValidationReport struct {
	CandidateID string    `json:"candidate_id"`
	Passed      bool      `json:"passed"`
	Findings    []Finding `json:"findings"`
	Cancelled   bool      `json:"cancelled,omitempty"`
	// DryRun is the executor result of the dry-run check, when it ran.
	DryRun *ExecutionResult `json:"dry_run,omitempty"`
}

// Errors returns the ERROR findings.
func (r *ValidationReport) Errors() []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Severity == SeverityError {
			out = append(out, f)
		}
	}
	return out
}

// ExecMode selects normal or restricted execution.
type ExecMode string

const (
	ExecNormal     ExecMode = "normal"
	ExecRestricted ExecMode = "restricted"
)

// Kinds of RaisedError.
const (
	ErrKindTimeout   = "timeout"
	ErrKindExit      = "exit"
	ErrKindForbidden = "forbidden"
	ErrKindInternal  = "internal"
)

// RaisedError describes why a run did not succeed.
type RaisedError struct {
	Kind     string `json:"kind"`
	Message  string `json:"message"`
	ExitCode int    `json:"exit_code,omitempty"`
}

// ExecutionResult is produced for every executor run.
type ExecutionResult struct {
	ID        string        `json:"id"`
	Runtime   string        `json:"runtime"`
	Mode      ExecMode      `json:"mode"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	Error     *RaisedError  `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Truncated bool          `json:"truncated"`
	StartedAt time.Time     `json:"started_at"`
}

// OK reports whether the run completed without a raised error.
func (r *ExecutionResult) OK() bool {
	return r.Error == nil
}

// Phase is the engine lifecycle phase.
type Phase string

const (
	PhaseIdle         Phase = "IDLE"
	PhaseFetching     Phase = "FETCHING"
	PhaseValidating   Phase = "VALIDATING"
	PhaseSnapshotting Phase = "SNAPSHOTTING"
	PhaseApplying     Phase = "APPLYING"
	PhaseVerifying    Phase = "VERIFYING"
	PhaseRollingBack  Phase = "ROLLING_BACK"
	PhaseFailed       Phase = "FAILED"
)

// Transition records one phase change.
type Transition struct {
	From     Phase     `json:"from"`
	To       Phase     `json:"to"`
	TicketID string    `json:"ticket_id,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// EngineState is the process-wide engine state as seen by observers.
type EngineState struct {
	Phase             Phase             `json:"phase"`
	CurrentSnapshotID string            `json:"current_snapshot_id"`
	CurrentTicketID   string            `json:"current_ticket_id,omitempty"`
	LastError         string            `json:"last_error,omitempty"`
	TreeStable        bool              `json:"tree_stable"`
	History           []Transition      `json:"history"`
	LastReport        *ValidationReport `json:"last_report,omitempty"`
	LastExecution     *ExecutionResult  `json:"last_execution,omitempty"`
}

// OutcomeKind is the final result of an update ticket.
type OutcomeKind string

const (
	OutcomePending     OutcomeKind = "pending"
	OutcomeApplied     OutcomeKind = "applied"
	OutcomeRejected    OutcomeKind = "rejected"
	OutcomeRolledBack  OutcomeKind = "rolled_back"
	OutcomeUnavailable OutcomeKind = "unavailable"
	OutcomeCancelled   OutcomeKind = "cancelled"
	OutcomeBusy        OutcomeKind = "busy"
	OutcomeFailed      OutcomeKind = "failed"
)

// Ticket tracks one update request.
type Ticket struct {
	ID         string           `json:"id"`
	Source     SourceDescriptor `json:"source"`
	Outcome    OutcomeKind      `json:"outcome"`
	Message    string           `json:"message,omitempty"`
	Findings   []Finding        `json:"findings,omitempty"`
	SnapshotID string           `json:"snapshot_id,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// Done reports whether the ticket has reached a final outcome.
func (t *Ticket) Done() bool {
	return t.Outcome != OutcomePending
}

// PDREntry represents a Process Decision Record for audit.
type PDREntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	TicketID   string    `json:"ticket_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
