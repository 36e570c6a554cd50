// Package controlplane provides the HTTP API over the update engine.
package controlplane

import (
	"context"
	"time"

	"github.com/fentz26/autopatch/internal/engine"
	"github.com/fentz26/autopatch/internal/executor"
	"github.com/fentz26/autopatch/internal/models"
)

// Engine is the engine surface the API exposes. *engine.Engine implements it.
type Engine interface {
	Status() models.EngineState
	RequestUpdate(desc models.SourceDescriptor, opts engine.UpdateOptions) (*models.Ticket, error)
	Ticket(id string) (*models.Ticket, error)
	ListTickets(limit int) ([]models.Ticket, error)
	Cancel() error
	ExecuteSnippet(ctx context.Context, req executor.Request) *models.ExecutionResult
	ListSnapshots() ([]models.Snapshot, error)
	CreateSnapshot(ctx context.Context) (*models.Snapshot, error)
	DiffSnapshot(id string) ([]string, error)
	Recover(ctx context.Context, snapshotID string) error
	Prune(retention int) (int, error)
	Subscribe() (<-chan engine.Event, func())
}

// Pinger reports database health. *store.Store implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Records exposes the audit trail and execution log. *store.Store implements it.
type Records interface {
	ListPDRs(ticketID string, limit int) ([]models.PDREntry, error)
	ListExecutions(limit int) ([]models.ExecutionResult, error)
}

// --- Request and response bodies ---

// UpdateRequest is the body of POST /updates. Source is a descriptor string
// such as "local:./patch" or "git:https://host/repo#main".
type UpdateRequest struct {
	Source   string `json:"source"`
	Override bool   `json:"override"`
}

// ExecRequest is the body of POST /exec.
type ExecRequest struct {
	Code      string `json:"code"`
	Runtime   string `json:"runtime"`
	Mode      string `json:"mode"`
	TimeoutMS int    `json:"timeout_ms"`
}

func (r ExecRequest) toExecutor() executor.Request {
	return executor.Request{
		Code:    r.Code,
		Runtime: r.Runtime,
		Mode:    models.ExecMode(r.Mode),
		Timeout: time.Duration(r.TimeoutMS) * time.Millisecond,
	}
}

// PruneRequest is the body of POST /snapshots/prune. Zero retention uses the
// configured value.
type PruneRequest struct {
	Retention int `json:"retention"`
}

// PruneResponse reports how many snapshots were removed.
type PruneResponse struct {
	Removed int `json:"removed"`
}

// DiffResponse lists paths where the live tree differs from a snapshot.
type DiffResponse struct {
	SnapshotID string   `json:"snapshot_id"`
	Paths      []string `json:"paths"`
}

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	Prompt string `json:"prompt"`
}

// ChatResponse carries the assistant reply.
type ChatResponse struct {
	Reply string `json:"reply"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Phase   string `json:"phase"`
	Version string `json:"version"`
	Time    string `json:"time"`
}
