package tui

import (
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fentz26/autopatch/internal/models"
)

// executeCommand runs one command bar entry against the daemon.
func (a *App) executeCommand(input string) tea.Cmd {
	input = strings.TrimPrefix(input, "/")
	cmd, rest, _ := strings.Cut(input, " ")
	rest = strings.TrimSpace(rest)

	return func() tea.Msg {
		return runCommand(a.client, cmd, rest)
	}
}

func runCommand(c *Client, cmd, rest string) tea.Msg {
	switch {
	case cmd == "update":
		override := false
		if r, ok := strings.CutPrefix(rest, "--override"); ok {
			override = true
			rest = strings.TrimSpace(r)
		}
		if rest == "" {
			return commandResultMsg{message: "Usage: update [--override] <source>"}
		}
		t, err := c.RequestUpdate(rest, override)
		if t != nil && t.Outcome == models.OutcomeBusy {
			return commandResultMsg{message: "Error: " + t.Message, ticket: t}
		}
		if err != nil {
			return errMsg{err}
		}
		return commandResultMsg{message: fmt.Sprintf("✓ Update started: ticket %s", short(t.ID)), ticket: t}

	case cmd == "cancel":
		if err := c.Cancel(); err != nil {
			return errMsg{err}
		}
		return commandResultMsg{message: "✓ Cancellation requested"}

	case cmd == "run" || strings.HasPrefix(cmd, "run:"):
		_, runtime, _ := strings.Cut(cmd, ":")
		if rest == "" {
			return commandResultMsg{message: "Usage: run[:runtime] <code>"}
		}
		res, err := c.Exec(rest, runtime, models.ExecNormal, 0)
		if err != nil {
			return errMsg{err}
		}
		if !res.OK() {
			return commandResultMsg{message: fmt.Sprintf("Error: run %s: %s", res.Error.Kind, res.Error.Message)}
		}
		return commandResultMsg{message: fmt.Sprintf("✓ Run completed in %s", res.Duration.Round(time.Millisecond))}

	case cmd == "recover":
		st, err := c.Recover(rest)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.Status == 409 {
				return commandResultMsg{message: "Error: engine is not FAILED"}
			}
			return errMsg{err}
		}
		return commandResultMsg{message: fmt.Sprintf("✓ Recovered, engine is %s on %s", st.Phase, st.CurrentSnapshotID)}

	case cmd == "snapshot":
		snap, err := c.CreateSnapshot()
		if err != nil {
			return errMsg{err}
		}
		return commandResultMsg{message: fmt.Sprintf("✓ Snapshot %s (%d files)", snap.ID, snap.FileCount)}

	case cmd == "prune":
		n, err := c.Prune(0)
		if err != nil {
			return errMsg{err}
		}
		return commandResultMsg{message: fmt.Sprintf("✓ Pruned %d snapshots", n)}

	case cmd == "ticket":
		if rest == "" {
			return commandResultMsg{message: "Usage: ticket <id>"}
		}
		t, err := c.Ticket(rest)
		if err != nil {
			return errMsg{err}
		}
		return commandResultMsg{message: fmt.Sprintf("Ticket %s: %s %s", short(t.ID), t.Outcome, t.Message), ticket: t}

	case cmd == "chat":
		reply, err := c.Chat(rest)
		if err != nil {
			return errMsg{err}
		}
		return commandResultMsg{message: reply}

	case cmd == "q" || cmd == "quit" || cmd == "exit":
		return commandResultMsg{quit: true}
	}
	return commandResultMsg{message: fmt.Sprintf("Unknown: %s (try: update, cancel, run, recover, snapshot)", cmd)}
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
