package engine

import (
	"time"

	"github.com/fentz26/autopatch/internal/models"
)

// allowed is the phase transition table. Anything not listed is a bug.
var allowed = map[models.Phase][]models.Phase{
	models.PhaseIdle:         {models.PhaseFetching},
	models.PhaseFetching:     {models.PhaseValidating, models.PhaseIdle, models.PhaseFailed},
	models.PhaseValidating:   {models.PhaseSnapshotting, models.PhaseIdle},
	models.PhaseSnapshotting: {models.PhaseApplying, models.PhaseFailed},
	models.PhaseApplying:     {models.PhaseVerifying, models.PhaseRollingBack},
	models.PhaseVerifying:    {models.PhaseIdle, models.PhaseRollingBack},
	models.PhaseRollingBack:  {models.PhaseIdle, models.PhaseFailed},
	models.PhaseFailed:       {models.PhaseIdle},
}

// CanTransition reports whether from -> to is a legal phase change.
func CanTransition(from, to models.Phase) bool {
	for _, p := range allowed[from] {
		if p == to {
			return true
		}
	}
	return false
}

// history is a fixed-size ring of transitions.
type history struct {
	buf  []models.Transition
	next int
	full bool
}

func newHistory(size int) *history {
	if size < 1 {
		size = 1
	}
	return &history{buf: make([]models.Transition, size)}
}

func (h *history) add(t models.Transition) {
	h.buf[h.next] = t
	h.next = (h.next + 1) % len(h.buf)
	if h.next == 0 {
		h.full = true
	}
}

// list returns the transitions oldest first.
func (h *history) list() []models.Transition {
	if !h.full {
		return append([]models.Transition(nil), h.buf[:h.next]...)
	}
	out := make([]models.Transition, 0, len(h.buf))
	out = append(out, h.buf[h.next:]...)
	return append(out, h.buf[:h.next]...)
}

// EventKind tags an Event.
type EventKind string

const (
	EventTransition EventKind = "transition"
	EventTicket     EventKind = "ticket"
	EventExecution  EventKind = "execution"
)

// Event is published to subscribers on every observable change.
type Event struct {
	Kind       EventKind               `json:"kind"`
	Transition *models.Transition      `json:"transition,omitempty"`
	Ticket     *models.Ticket          `json:"ticket,omitempty"`
	Execution  *models.ExecutionResult `json:"execution,omitempty"`
	At         time.Time               `json:"at"`
}
