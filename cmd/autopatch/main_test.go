package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fentz26/autopatch/internal/engine"
	"github.com/fentz26/autopatch/internal/models"
)

func withAPI(t *testing.T, h http.HandlerFunc) {
	t.Helper()
	srv := httptest.NewServer(h)
	old := apiAddr
	apiAddr = srv.URL
	t.Cleanup(func() {
		apiAddr = old
		srv.Close()
	})
}

func TestAPIPostReturnsBodyOnConflict(t *testing.T) {
	withAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(models.Ticket{ID: "t1", Outcome: models.OutcomeBusy})
	})

	body, err := apiPost(apiClient, "/updates", map[string]string{"source": "local:x"})
	var apiErr *apiError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusConflict {
		t.Fatalf("expected 409 apiError, got %v", err)
	}
	var ticket models.Ticket
	if err := json.Unmarshal(body, &ticket); err != nil || ticket.Outcome != models.OutcomeBusy {
		t.Errorf("ticket = %+v (%v)", ticket, err)
	}
}

func TestCheckHealth(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	withAPI(t, func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(HealthResponse{OK: healthy.Load(), DB: "ok", Phase: "IDLE", Version: "1.2.3"})
	})

	h, err := CheckHealth()
	if err != nil || !h.OK || h.Version != "1.2.3" {
		t.Fatalf("health = %+v, err = %v", h, err)
	}
	if !isDaemonRunning(apiAddr) {
		t.Error("daemon should be reported running")
	}

	healthy.Store(false)
	h, err = CheckHealth()
	if err == nil || h == nil || h.OK {
		t.Errorf("expected payload and error, got %+v, %v", h, err)
	}
	if !isDaemonRunning(apiAddr) {
		t.Error("a 503 still means the daemon is up")
	}
}

func TestWaitTicketPollsUntilDone(t *testing.T) {
	var polls atomic.Int32
	withAPI(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/status":
			json.NewEncoder(w).Encode(models.EngineState{Phase: models.PhaseApplying})
		case "/updates/t1":
			outcome := models.OutcomePending
			if polls.Add(1) >= 3 {
				outcome = models.OutcomeApplied
			}
			json.NewEncoder(w).Encode(models.Ticket{ID: "t1", Outcome: outcome})
		default:
			http.NotFound(w, r)
		}
	})
	oldPoll, oldTimeout := pollInterval, updateTimeout
	pollInterval, updateTimeout = time.Millisecond, 5*time.Second
	defer func() { pollInterval, updateTimeout = oldPoll, oldTimeout }()

	ticket, err := waitTicket("t1")
	if err != nil {
		t.Fatalf("waitTicket: %v", err)
	}
	if ticket.Outcome != models.OutcomeApplied || polls.Load() != 3 {
		t.Errorf("outcome %s after %d polls", ticket.Outcome, polls.Load())
	}

	if _, err := waitTicket("missing"); err == nil {
		t.Error("expected error for unknown ticket")
	}
}

func TestWatchApplied(t *testing.T) {
	events := make(chan engine.Event, 3)
	applied := make(chan string, 1)
	events <- engine.Event{Kind: engine.EventTicket, Ticket: &models.Ticket{ID: "a", Outcome: models.OutcomeRejected}}
	events <- engine.Event{Kind: engine.EventTransition}
	events <- engine.Event{Kind: engine.EventTicket, Ticket: &models.Ticket{ID: "b", Outcome: models.OutcomeApplied}}
	close(events)

	watchApplied(events, applied)
	select {
	case id := <-applied:
		if id != "b" {
			t.Errorf("applied = %q, want b", id)
		}
	default:
		t.Fatal("expected an applied ticket")
	}
}
