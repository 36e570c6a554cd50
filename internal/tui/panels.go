package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/autopatch/internal/models"
)

var headingStyle = lipgloss.NewStyle().Bold(true).Foreground(cyanColor)

// maxPanelOutput bounds the stdout/stderr echoed in the execution panel.
const maxPanelOutput = 400

func phaseBadge(p models.Phase) string {
	style := lipgloss.NewStyle().Bold(true).Padding(0, 1).Foreground(fgColor)
	switch p {
	case models.PhaseIdle:
		style = style.Background(successColor)
	case models.PhaseFetching, models.PhaseValidating:
		style = style.Background(secondaryColor)
	case models.PhaseSnapshotting, models.PhaseApplying, models.PhaseVerifying:
		style = style.Background(primaryColor)
	case models.PhaseRollingBack:
		style = style.Background(warningColor)
	case models.PhaseFailed:
		style = style.Background(errorColor)
	default:
		style = style.Background(mutedColor)
	}
	return style.Render(string(p))
}

func stableBadge(stable bool) string {
	if stable {
		return lipgloss.NewStyle().Foreground(successColor).Render("● tree stable")
	}
	return lipgloss.NewStyle().Foreground(warningColor).Render("◐ tree changing")
}

func renderOverview(st *models.EngineState, t *models.Ticket) string {
	var b strings.Builder
	b.WriteString(headingStyle.Render("Engine") + "\n")
	b.WriteString(fmt.Sprintf("Phase:    %s\n", st.Phase))
	b.WriteString(fmt.Sprintf("Snapshot: %s\n", orDash(st.CurrentSnapshotID)))
	b.WriteString(fmt.Sprintf("Ticket:   %s\n", orDash(short(st.CurrentTicketID))))
	if st.LastError != "" {
		b.WriteString(lipgloss.NewStyle().Foreground(errorColor).Render("Error:    "+st.LastError) + "\n")
	}
	if st.Phase == models.PhaseFailed {
		b.WriteString(helpStyle.Render("recover [snap-id] restores a snapshot") + "\n")
	}
	if t != nil {
		b.WriteString(fmt.Sprintf("Last:     %s %s", short(t.ID), outcomeLabel(t.Outcome)))
		if t.Message != "" {
			b.WriteString(" " + helpStyle.Render(t.Message))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func outcomeLabel(o models.OutcomeKind) string {
	switch o {
	case models.OutcomeApplied:
		return lipgloss.NewStyle().Foreground(successColor).Render("✓ applied")
	case models.OutcomePending:
		return lipgloss.NewStyle().Foreground(secondaryColor).Render("○ pending")
	case models.OutcomeRejected, models.OutcomeRolledBack, models.OutcomeFailed:
		return lipgloss.NewStyle().Foreground(errorColor).Render("✗ " + string(o))
	default:
		return lipgloss.NewStyle().Foreground(warningColor).Render(string(o))
	}
}

// renderHistory shows the newest transitions last.
func renderHistory(history []models.Transition, rows int) string {
	var b strings.Builder
	b.WriteString(headingStyle.Render("Transitions") + "\n")
	if len(history) == 0 {
		b.WriteString(helpStyle.Render("none yet"))
		return b.String()
	}
	if len(history) > rows {
		history = history[len(history)-rows:]
	}
	for _, tr := range history {
		line := fmt.Sprintf("%s %s → %s", tr.At.Local().Format("15:04:05"), tr.From, tr.To)
		if tr.Reason != "" {
			line += " " + helpStyle.Render(tr.Reason)
		}
		b.WriteString(line + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderFindings(r *models.ValidationReport) string {
	var b strings.Builder
	b.WriteString(headingStyle.Render("Validation") + "\n")
	if r == nil {
		b.WriteString(helpStyle.Render("no report yet"))
		return b.String()
	}
	verdict := lipgloss.NewStyle().Foreground(successColor).Render("✓ passed")
	if r.Cancelled {
		verdict = lipgloss.NewStyle().Foreground(warningColor).Render("cancelled")
	} else if !r.Passed {
		verdict = lipgloss.NewStyle().Foreground(errorColor).Render("✗ rejected")
	}
	b.WriteString(fmt.Sprintf("Candidate %s %s\n", short(r.CandidateID), verdict))
	for i, f := range r.Findings {
		if i >= 6 {
			b.WriteString(helpStyle.Render(fmt.Sprintf("... and %d more", len(r.Findings)-i)) + "\n")
			break
		}
		sev := lipgloss.NewStyle().Foreground(warningColor).Render("warn ")
		if f.Severity == models.SeverityError {
			sev = lipgloss.NewStyle().Foreground(errorColor).Render("error")
		}
		loc := f.Check
		if f.Path != "" {
			loc += " " + f.Path
		}
		b.WriteString(fmt.Sprintf("%s %s: %s\n", sev, loc, f.Message))
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderExecution(res *models.ExecutionResult) string {
	var b strings.Builder
	b.WriteString(headingStyle.Render("Last execution") + "\n")
	if res == nil {
		b.WriteString(helpStyle.Render("nothing run yet"))
		return b.String()
	}
	status := lipgloss.NewStyle().Foreground(successColor).Render("✓ ok")
	if res.Error != nil {
		status = lipgloss.NewStyle().Foreground(errorColor).Render("✗ " + res.Error.Kind)
	}
	b.WriteString(fmt.Sprintf("%s (%s) %s in %s\n", res.Runtime, res.Mode, status, res.Duration))
	if res.Error != nil && res.Error.Message != "" {
		b.WriteString(res.Error.Message + "\n")
	}
	if out := clipOutput(res.Stdout); out != "" {
		b.WriteString(out + "\n")
	}
	if out := clipOutput(res.Stderr); out != "" {
		b.WriteString(lipgloss.NewStyle().Foreground(warningColor).Render(out) + "\n")
	}
	if res.Truncated {
		b.WriteString(helpStyle.Render("output truncated") + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func clipOutput(s string) string {
	s = strings.TrimRight(s, "\n")
	if len(s) > maxPanelOutput {
		return s[:maxPanelOutput] + "..."
	}
	return s
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
