// Package audit writes Process Decision Records for every state-mutating engine action.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"

	"github.com/fentz26/autopatch/internal/models"
	"github.com/fentz26/autopatch/internal/store"
)

// Actions recorded by the engine.
const (
	ActionTransition      = "transition"
	ActionSnapshotCreate  = "snapshot.create"
	ActionSnapshotRestore = "snapshot.restore"
	ActionSnapshotPrune   = "snapshot.prune"
	ActionApply           = "update.apply"
	ActionExecute         = "exec.run"
)

// Recorder is the audit sink the engine writes to.
type Recorder interface {
	Record(action string, inputs interface{}, outcome, ticketID, details string)
}

// PDRWriter writes Process Decision Records for audit trails.
type PDRWriter struct {
	store *store.Store
	log   *slog.Logger
}

// NewPDRWriter creates a new PDR writer.
func NewPDRWriter(s *store.Store, log *slog.Logger) *PDRWriter {
	return &PDRWriter{store: s, log: log}
}

// Record writes a PDR entry. Audit failures are logged, never returned:
// a full disk must not turn a rollback into a failure.
func (w *PDRWriter) Record(action string, inputs interface{}, outcome, ticketID, details string) {
	if _, err := w.Write(action, inputs, outcome, ticketID, details); err != nil {
		w.log.Warn("audit write failed", "action", action, "error", err)
	}
}

// Write is Record with the stored entry and error returned.
func (w *PDRWriter) Write(action string, inputs interface{}, outcome, ticketID, details string) (*models.PDREntry, error) {
	return w.store.WritePDR(action, hashInputs(inputs), outcome, ticketID, details)
}

// Nop discards records.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(string, interface{}, string, string, string) {}

// hashInputs creates a SHA256 hash of the inputs for reproducibility.
func hashInputs(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
