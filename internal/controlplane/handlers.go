package controlplane

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/fentz26/autopatch/internal/engine"
	"github.com/fentz26/autopatch/internal/fetch"
	"github.com/fentz26/autopatch/internal/models"
	"github.com/go-chi/chi/v5"
)

// --- Engine Handlers ---

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

// requestUpdate answers 202 with the pending ticket, or 409 with the finished
// busy ticket when an update is already running.
func (s *Server) requestUpdate(w http.ResponseWriter, r *http.Request) {
	var req UpdateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	desc, err := fetch.ParseDescriptor(req.Source)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", ErrInvalidBody, err))
		return
	}

	ticket, err := s.engine.RequestUpdate(desc, engine.UpdateOptions{Override: req.Override})
	if err != nil {
		if ticket != nil {
			writeJSON(w, statusFor(err), ticket)
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ticket)
}

func (s *Server) listUpdates(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r, 20)
	if !ok {
		return
	}
	tickets, err := s.engine.ListTickets(limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if tickets == nil {
		tickets = []models.Ticket{}
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (s *Server) getUpdate(w http.ResponseWriter, r *http.Request) {
	ticket, err := s.engine.Ticket(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (s *Server) cancelUpdate(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Cancel(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request) {
	var req ExecRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	switch models.ExecMode(req.Mode) {
	case "", models.ExecNormal, models.ExecRestricted:
	default:
		writeError(w, ErrInvalidMode)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.ExecuteSnippet(r.Context(), req.toExecutor()))
}

// --- Snapshot Handlers ---

func (s *Server) listSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.engine.ListSnapshots()
	if err != nil {
		writeError(w, err)
		return
	}
	if snaps == nil {
		snaps = []models.Snapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) createSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.CreateSnapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) diffSnapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	paths, err := s.engine.DiffSnapshot(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if paths == nil {
		paths = []string{}
	}
	writeJSON(w, http.StatusOK, DiffResponse{SnapshotID: id, Paths: paths})
}

// recoverSnapshot accepts "current" for the snapshot the engine last reported.
func (s *Server) recoverSnapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "current" {
		id = ""
	}
	if err := s.engine.Recover(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) pruneSnapshots(w http.ResponseWriter, r *http.Request) {
	var req PruneRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	removed, err := s.engine.Prune(req.Retention)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PruneResponse{Removed: removed})
}

// --- Chat Handlers ---

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.chat == nil {
		writeError(w, ErrChatDisabled)
		return
	}
	var req ChatRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Prompt == "" {
		writeError(w, ErrEmptyPrompt)
		return
	}
	reply, err := s.chat.Respond(r.Context(), req.Prompt)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, ChatResponse{Reply: reply})
}

// --- Events ---

// streamEvents relays engine events as server-sent events until the client
// goes away.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	// the server write timeout would cut long-lived streams
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	events, cancel := s.engine.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	fmt.Fprintf(w, "event: ping\ndata: connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
			flusher.Flush()
		}
	}
}

// --- Records Handlers ---

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r, 50)
	if !ok {
		return
	}
	entries, err := s.records.ListPDRs(r.URL.Query().Get("ticket"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []models.PDREntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r, 20)
	if !ok {
		return
	}
	runs, err := s.records.ListExecutions(limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []models.ExecutionResult{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// queryLimit reads ?limit=, writing a 400 when it is not a positive integer.
func queryLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}
