package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/fentz26/autopatch/internal/config"
	"github.com/fentz26/autopatch/internal/engine"
	"github.com/fentz26/autopatch/internal/executor"
	"github.com/fentz26/autopatch/internal/logging"
	"github.com/fentz26/autopatch/internal/models"
)

type fakeEngine struct {
	busy     bool
	requests []models.SourceDescriptor
	override bool
	execReq  executor.Request
}

func (f *fakeEngine) RequestUpdate(desc models.SourceDescriptor, opts engine.UpdateOptions) (*models.Ticket, error) {
	if f.busy {
		return &models.Ticket{ID: "t-busy", Outcome: models.OutcomeBusy, Message: "busy: engine is APPLYING"}, engine.ErrBusy
	}
	f.requests = append(f.requests, desc)
	f.override = opts.Override
	return &models.Ticket{ID: "t-1", Outcome: models.OutcomePending}, nil
}

func (f *fakeEngine) Cancel() error { return engine.ErrNotCancellable }

func (f *fakeEngine) Status() models.EngineState {
	return models.EngineState{
		Phase:             models.PhaseIdle,
		CurrentSnapshotID: "snap-000002",
		TreeStable:        true,
		History:           []models.Transition{{From: models.PhaseVerifying, To: models.PhaseIdle, Reason: "applied"}},
	}
}

func (f *fakeEngine) Ticket(id string) (*models.Ticket, error) {
	return &models.Ticket{ID: id, Outcome: models.OutcomeRejected, Message: "validation failed",
		Findings: []models.Finding{{Severity: models.SeverityError, Check: "policy", Path: "safety/a.go", Message: "protected"}}}, nil
}

func (f *fakeEngine) ExecuteSnippet(_ context.Context, req executor.Request) *models.ExecutionResult {
	f.execReq = req
	return &models.ExecutionResult{Stdout: "42\n", Duration: 3 * time.Millisecond}
}

func (f *fakeEngine) ListSnapshots() ([]models.Snapshot, error) {
	return []models.Snapshot{{ID: "snap-000002", Status: models.SnapshotActive, FileCount: 4}}, nil
}

func TestCommands(t *testing.T) {
	eng := &fakeEngine{}
	a := NewAssistant(eng, nil, 10, logging.NewNop())
	ctx := context.Background()

	tests := []struct {
		prompt string
		want   string
	}{
		{"status", "Phase IDLE, active snapshot snap-000002, tree stable."},
		{"update git:https://example.com/agent.git#main", "Ticket t-1"},
		{"update", "Cannot start update"},
		{"cancel", "Nothing to cancel"},
		{"snapshots", "snap-000002  active"},
		{"ticket t-9", "[policy] safety/a.go: protected"},
		{"run echo 42", "42\nok in 3ms"},
		{"help", "Commands:"},
		{"what is going on?", "No language model is configured"},
	}
	for _, tt := range tests {
		got, err := a.Respond(ctx, tt.prompt)
		if err != nil {
			t.Errorf("Respond(%q) failed: %v", tt.prompt, err)
			continue
		}
		if !strings.Contains(got, tt.want) {
			t.Errorf("Respond(%q) = %q, want it to contain %q", tt.prompt, got, tt.want)
		}
	}

	if len(eng.requests) != 1 || eng.requests[0].Ref != "main" {
		t.Errorf("update request not forwarded: %+v", eng.requests)
	}
	if eng.execReq.Mode != models.ExecRestricted || eng.execReq.Code != "echo 42" {
		t.Errorf("run should execute in restricted mode: %+v", eng.execReq)
	}
}

func TestUpdateOverrideAndBusy(t *testing.T) {
	eng := &fakeEngine{}
	a := NewAssistant(eng, nil, 10, logging.NewNop())

	a.Respond(context.Background(), "update --override local:/srv/next")
	if !eng.override || eng.requests[0].Locator != "/srv/next" {
		t.Errorf("override not passed: %+v %v", eng.requests, eng.override)
	}

	eng.busy = true
	got, _ := a.Respond(context.Background(), "update local:/srv/next")
	if !strings.Contains(got, "busy: engine is APPLYING") {
		t.Errorf("busy reply = %q", got)
	}
}

func TestRunWithRuntime(t *testing.T) {
	eng := &fakeEngine{}
	a := NewAssistant(eng, nil, 10, logging.NewNop())
	a.Respond(context.Background(), "run:python print(42)")
	if eng.execReq.Runtime != "python" || eng.execReq.Code != "print(42)" {
		t.Errorf("unexpected request: %+v", eng.execReq)
	}
}

func TestConverseWithProvider(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" || r.Header.Get("Authorization") != "Bearer sk-test" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":" All good. "}}]}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(config.ChatConfig{APIBase: srv.URL + "/", APIKey: "sk-test", Model: "test-model"})
	a := NewAssistant(&fakeEngine{}, p, 10, logging.NewNop())

	reply, err := a.Respond(context.Background(), "how are you?")
	if err != nil {
		t.Fatalf("Respond failed: %v", err)
	}
	if reply != "All good." {
		t.Errorf("reply = %q", reply)
	}
	if got.Model != "test-model" || len(got.Messages) != 3 {
		t.Fatalf("unexpected request: %+v", got)
	}
	if !strings.Contains(got.Messages[1].Content, "Phase IDLE") {
		t.Errorf("engine state not passed to the model: %q", got.Messages[1].Content)
	}
}

func TestProviderErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.Header.Get("Authorization"), "bad") {
			w.Write([]byte(`{"error":{"message":"invalid key","type":"auth"}}`))
			return
		}
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewHTTPProvider(config.ChatConfig{APIBase: srv.URL})
	if _, err := p.Complete(context.Background(), nil); err == nil || !strings.Contains(err.Error(), "HTTP 503") {
		t.Errorf("expected HTTP 503 error, got %v", err)
	}
	p = NewHTTPProvider(config.ChatConfig{APIBase: srv.URL, APIKey: "bad"})
	if _, err := p.Complete(context.Background(), nil); err == nil || !strings.Contains(err.Error(), "invalid key") {
		t.Errorf("expected API error, got %v", err)
	}
}

func TestSessionWindowKeepsSystemMessage(t *testing.T) {
	s := NewSession(3)
	s.Add(Message{Role: "system", Content: "sys"})
	for _, c := range []string{"a", "b", "c", "d"} {
		s.Add(Message{Role: "user", Content: c})
	}
	msgs := s.Messages()
	if len(msgs) != 3 || msgs[0].Content != "sys" || msgs[2].Content != "d" {
		t.Errorf("window = %+v", msgs)
	}
	s.Clear()
	if msgs := s.Messages(); len(msgs) != 1 || msgs[0].Role != "system" {
		t.Errorf("Clear should keep the system message: %+v", msgs)
	}
}

func TestResetClearsConversation(t *testing.T) {
	a := NewAssistant(&fakeEngine{}, nil, 10, logging.NewNop())
	ctx := context.Background()

	a.Respond(ctx, "status")
	if n := len(a.session.Messages()); n != 3 {
		t.Fatalf("messages after one turn = %d, want 3", n)
	}

	reply, err := a.Respond(ctx, "RESET")
	if err != nil || reply != "Conversation cleared." {
		t.Fatalf("reset = %q, %v", reply, err)
	}
	if msgs := a.session.Messages(); len(msgs) != 1 || msgs[0].Role != "system" {
		t.Errorf("reset should leave only the system prompt: %+v", msgs)
	}
}

func TestClipKeepsRunesWhole(t *testing.T) {
	short := "héllo"
	if got := clip(short); got != short {
		t.Errorf("clip(%q) = %q", short, got)
	}

	// a three-byte rune straddles the limit
	s := strings.Repeat("a", maxOutput-1) + "世界"
	got := clip(s)
	if !utf8.ValidString(got) {
		t.Fatalf("clip split a rune: %q", got[len(got)-8:])
	}
	if want := strings.Repeat("a", maxOutput-1) + "..."; got != want {
		t.Errorf("clip kept %d bytes, want %d", len(got), len(want))
	}
}
