// Package chat is the conversational front end. Commands drive the engine
// directly; anything else goes to an OpenAI-compatible model when configured.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/fentz26/autopatch/internal/engine"
	"github.com/fentz26/autopatch/internal/executor"
	"github.com/fentz26/autopatch/internal/fetch"
	"github.com/fentz26/autopatch/internal/models"
)

// Responder answers one prompt.
type Responder interface {
	Respond(ctx context.Context, prompt string) (string, error)
}

// Engine is the part of the engine the assistant drives.
type Engine interface {
	RequestUpdate(desc models.SourceDescriptor, opts engine.UpdateOptions) (*models.Ticket, error)
	Cancel() error
	Status() models.EngineState
	Ticket(id string) (*models.Ticket, error)
	ExecuteSnippet(ctx context.Context, req executor.Request) *models.ExecutionResult
	ListSnapshots() ([]models.Snapshot, error)
}

const systemPrompt = `You are the assistant of autopatch, an agent that updates its own source tree.
Answer briefly. Users can type commands: status, update <source>, cancel, run <code>, snapshots, ticket <id>.`

const helpText = `Commands:
  status                      engine phase, active snapshot, last error
  update [--override] <src>   start an update (local:, mirror:, git:, archive:, inline:, snippet:)
  cancel                      cancel an update that is fetching or validating
  run[:runtime] <code>        run code in restricted mode (default runtime sh)
  snapshots                   list snapshots
  ticket <id>                 show an update outcome
  reset                       forget the conversation so far`

// maxOutput bounds command output echoed back in a reply.
const maxOutput = 2000

// Assistant implements Responder.
type Assistant struct {
	engine   Engine
	provider Provider
	session  *Session
	log      *slog.Logger
}

// NewAssistant creates an assistant. provider may be nil.
func NewAssistant(eng Engine, provider Provider, window int, log *slog.Logger) *Assistant {
	s := NewSession(window)
	s.Add(Message{Role: "system", Content: systemPrompt})
	return &Assistant{engine: eng, provider: provider, session: s, log: log}
}

// Respond implements Responder.
func (a *Assistant) Respond(ctx context.Context, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "Type help for the list of commands.", nil
	}

	if strings.EqualFold(prompt, "reset") {
		a.session.Clear()
		return "Conversation cleared.", nil
	}

	reply, handled := a.command(ctx, prompt)
	if !handled {
		var err error
		reply, err = a.converse(ctx, prompt)
		if err != nil {
			return "", err
		}
	}
	a.session.Add(Message{Role: "user", Content: prompt})
	a.session.Add(Message{Role: "assistant", Content: reply})
	return reply, nil
}

func (a *Assistant) command(ctx context.Context, prompt string) (string, bool) {
	cmd, rest, _ := strings.Cut(prompt, " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(cmd) {
	case "help", "?":
		return helpText, true
	case "status":
		return DescribeState(a.engine.Status()), true
	case "update":
		return a.update(rest), true
	case "cancel":
		if err := a.engine.Cancel(); err != nil {
			return "Nothing to cancel: " + err.Error(), true
		}
		return "Cancellation requested.", true
	case "snapshots":
		return a.snapshots(), true
	case "ticket":
		return a.ticket(rest), true
	}
	if c := strings.ToLower(cmd); c == "run" || strings.HasPrefix(c, "run:") {
		_, runtime, _ := strings.Cut(cmd, ":")
		return a.run(ctx, runtime, rest), true
	}
	return "", false
}

func (a *Assistant) update(args string) string {
	var opts engine.UpdateOptions
	if rest, ok := strings.CutPrefix(args, "--override"); ok {
		opts.Override = true
		args = strings.TrimSpace(rest)
	}
	desc, err := fetch.ParseDescriptor(args)
	if err != nil {
		return "Cannot start update: " + err.Error()
	}
	t, err := a.engine.RequestUpdate(desc, opts)
	switch {
	case errors.Is(err, engine.ErrBusy), errors.Is(err, engine.ErrEngineFailed):
		return "Update rejected: " + t.Message
	case err != nil:
		return "Update rejected: " + err.Error()
	}
	return fmt.Sprintf("Update started from %s. Ticket %s; ask \"ticket %s\" for the outcome.",
		fetch.FormatDescriptor(desc), t.ID, t.ID)
}

func (a *Assistant) run(ctx context.Context, runtime, code string) string {
	if code == "" {
		return "Usage: run[:runtime] <code>"
	}
	res := a.engine.ExecuteSnippet(ctx, executor.Request{Code: code, Runtime: runtime, Mode: models.ExecRestricted})
	var b strings.Builder
	if out := strings.TrimRight(res.Stdout, "\n"); out != "" {
		b.WriteString(clip(out))
		b.WriteString("\n")
	}
	if errOut := strings.TrimRight(res.Stderr, "\n"); errOut != "" {
		b.WriteString("stderr: ")
		b.WriteString(clip(errOut))
		b.WriteString("\n")
	}
	b.WriteString(executor.Summary(res))
	if res.Truncated {
		b.WriteString(" (output truncated)")
	}
	return b.String()
}

func (a *Assistant) snapshots() string {
	snaps, err := a.engine.ListSnapshots()
	if err != nil {
		return "Cannot list snapshots: " + err.Error()
	}
	if len(snaps) == 0 {
		return "No snapshots yet."
	}
	var b strings.Builder
	for _, s := range snaps {
		fmt.Fprintf(&b, "%s  %-8s  %d files  %s\n", s.ID, s.Status, s.FileCount, s.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (a *Assistant) ticket(id string) string {
	if id == "" {
		return "Usage: ticket <id>"
	}
	t, err := a.engine.Ticket(id)
	if err != nil {
		return err.Error()
	}
	return DescribeTicket(t)
}

func (a *Assistant) converse(ctx context.Context, prompt string) (string, error) {
	if a.provider == nil {
		return "No language model is configured, so I only understand commands.\n" + helpText, nil
	}
	messages := a.session.Messages()
	messages = append(messages,
		Message{Role: "system", Content: "Current engine state:\n" + DescribeState(a.engine.Status())},
		Message{Role: "user", Content: prompt},
	)
	reply, err := a.provider.Complete(ctx, messages)
	if err != nil {
		a.log.Warn("chat completion failed", "error", err)
		return "", fmt.Errorf("chat provider: %w", err)
	}
	return strings.TrimSpace(reply), nil
}

// DescribeState renders the engine state for humans.
func DescribeState(st models.EngineState) string {
	var b strings.Builder
	stable := "stable"
	if !st.TreeStable {
		stable = "not stable"
	}
	fmt.Fprintf(&b, "Phase %s, active snapshot %s, tree %s.", st.Phase, orNone(st.CurrentSnapshotID), stable)
	if st.CurrentTicketID != "" {
		fmt.Fprintf(&b, "\nRunning ticket %s.", st.CurrentTicketID)
	}
	if st.LastError != "" {
		fmt.Fprintf(&b, "\nLast error: %s", st.LastError)
	}
	if n := len(st.History); n > 0 {
		tr := st.History[n-1]
		fmt.Fprintf(&b, "\nLast transition: %s -> %s (%s)", tr.From, tr.To, tr.Reason)
	}
	return b.String()
}

// DescribeTicket renders a ticket for humans.
func DescribeTicket(t *models.Ticket) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Ticket %s: %s", t.ID, t.Outcome)
	if t.Message != "" {
		fmt.Fprintf(&b, " (%s)", t.Message)
	}
	if t.SnapshotID != "" {
		fmt.Fprintf(&b, "\nSnapshot: %s", t.SnapshotID)
	}
	for _, f := range t.Findings {
		fmt.Fprintf(&b, "\n  %s [%s] %s: %s", f.Severity, f.Check, orNone(f.Path), f.Message)
	}
	return b.String()
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func clip(s string) string {
	if len(s) <= maxOutput {
		return s
	}
	cut := maxOutput
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
