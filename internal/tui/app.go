// Package tui provides the terminal dashboard for autopatch.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/autopatch/internal/models"
)

// PollInterval is how often the dashboard refreshes engine status.
const PollInterval = time.Second

var (
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#6366F1")
	successColor   = lipgloss.Color("#10B981")
	warningColor   = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")
	mutedColor     = lipgloss.Color("#6B7280")
	fgColor        = lipgloss.Color("#F9FAFB")
	cyanColor      = lipgloss.Color("#06B6D4")
	barColor       = lipgloss.Color("#374151")

	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(primaryColor).Padding(0, 1)
	helpStyle   = lipgloss.NewStyle().Foreground(mutedColor).Italic(true)
	barStyle    = lipgloss.NewStyle().Background(barColor).Foreground(fgColor).Padding(0, 1)
	promptStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(primaryColor).Padding(0, 1)
	panelStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(mutedColor).Padding(0, 1)
)

type keyMap struct {
	Quit     key.Binding
	Up       key.Binding
	Down     key.Binding
	Complete key.Binding
	Submit   key.Binding
}

var keys = keyMap{
	Quit:     key.NewBinding(key.WithKeys("ctrl+c"), key.WithHelp("ctrl+c", "quit")),
	Up:       key.NewBinding(key.WithKeys("up"), key.WithHelp("↑", "previous")),
	Down:     key.NewBinding(key.WithKeys("down"), key.WithHelp("↓", "next")),
	Complete: key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "complete")),
	Submit:   key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "run")),
}

// App is the dashboard model.
type App struct {
	client     *Client
	state      *models.EngineState
	online     bool
	lastTicket *models.Ticket
	message    string

	prompt  textinput.Model
	palette *palette

	width  int
	height int
}

// New creates a dashboard talking to the daemon at apiAddr.
func New(apiAddr string) *App {
	in := textinput.New()
	in.Placeholder = "update <source> | cancel | run <code> | recover [snap-id] | / for commands"
	in.CharLimit = 4096
	in.Width = 80
	in.Focus()

	return &App{
		client:  NewClient(apiAddr),
		prompt:  in,
		palette: newPalette(),
		width:   80,
		height:  24,
	}
}

// Run blocks until the user quits.
func (a *App) Run() error {
	_, err := tea.NewProgram(a, tea.WithAltScreen()).Run()
	return err
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, a.fetchStatus(), a.tick())
}

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if cmd, handled := a.handleKey(msg); handled {
			return a, cmd
		}

	case tea.WindowSizeMsg:
		a.width, a.height = msg.Width, msg.Height
		a.prompt.Width = msg.Width - 6

	case statusMsg:
		a.online = msg.err == nil
		if a.online {
			a.state = msg.state
		}

	case tickMsg:
		return a, tea.Batch(a.fetchStatus(), a.tick())

	case commandResultMsg:
		if msg.quit {
			return a, tea.Quit
		}
		a.message = msg.message
		if msg.ticket != nil {
			a.lastTicket = msg.ticket
		}
		return a, a.fetchStatus()

	case errMsg:
		a.message = "Error: " + msg.err.Error()
	}

	var cmd tea.Cmd
	a.prompt, cmd = a.prompt.Update(msg)
	a.palette.Filter(a.prompt.Value())
	return a, cmd
}

// handleKey consumes palette navigation and command submission. Keys it does
// not handle fall through to the text input.
func (a *App) handleKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	switch {
	case key.Matches(msg, keys.Quit):
		return tea.Quit, true
	case key.Matches(msg, keys.Up) && a.palette.Open():
		a.palette.Move(-1)
		return nil, true
	case key.Matches(msg, keys.Down) && a.palette.Open():
		a.palette.Move(1)
		return nil, true
	case key.Matches(msg, keys.Complete), key.Matches(msg, keys.Submit) && a.palette.Open():
		if e, ok := a.palette.Choice(); ok {
			a.prompt.SetValue(e.Name + " ")
			a.prompt.CursorEnd()
			a.palette.Close()
		}
		return nil, true
	case key.Matches(msg, keys.Submit):
		line := strings.TrimSpace(a.prompt.Value())
		if line == "" {
			return nil, true
		}
		a.prompt.Reset()
		a.palette.Close()
		return a.executeCommand(line), true
	}
	return nil, false
}

func (a *App) View() string {
	sections := []string{a.header(), strings.Repeat("─", max(a.width, 1))}

	if a.state == nil {
		sections = append(sections, "\n  Waiting for daemon status...")
	} else {
		sections = append(sections, a.panels())
	}

	sections = append(sections, a.messageLine(), promptStyle.Render(a.prompt.View()))
	if a.palette.Open() {
		sections = append(sections, a.palette.View(a.width))
	}
	sections = append(sections, a.statusBar())
	return strings.Join(sections, "\n")
}

func (a *App) header() string {
	daemon := lipgloss.NewStyle().Foreground(successColor).Bold(true).Render("● DAEMON")
	if !a.online {
		daemon = lipgloss.NewStyle().Foreground(errorColor).Render("○ DAEMON")
	}
	parts := []string{titleStyle.Render("autopatch"), daemon}
	if a.state != nil {
		parts = append(parts, phaseBadge(a.state.Phase), stableBadge(a.state.TreeStable))
	}
	return strings.Join(parts, "  ")
}

// panels lays the four status panels out in a 2x2 grid.
func (a *App) panels() string {
	w := max(a.width/2-2, 30)
	cell := panelStyle.Width(w).Render
	left := lipgloss.JoinVertical(lipgloss.Left,
		cell(renderOverview(a.state, a.lastTicket)),
		cell(renderHistory(a.state.History, historyRows(a.height))),
	)
	right := lipgloss.JoinVertical(lipgloss.Left,
		cell(renderFindings(a.state.LastReport)),
		cell(renderExecution(a.state.LastExecution)),
	)
	return lipgloss.JoinHorizontal(lipgloss.Top, left, right)
}

func (a *App) messageLine() string {
	if a.message == "" {
		return ""
	}
	color := successColor
	if strings.HasPrefix(a.message, "Error") {
		color = errorColor
	}
	return lipgloss.NewStyle().Foreground(color).Render(a.message)
}

func (a *App) statusBar() string {
	var hints []string
	for _, b := range []key.Binding{keys.Submit, keys.Complete, keys.Quit} {
		h := b.Help()
		hints = append(hints, h.Key+":"+h.Desc)
	}
	text := " " + strings.Join(hints, " | ") + " | /:commands"
	if a.state != nil {
		text = fmt.Sprintf(" %s | snapshot %s |%s", a.state.Phase, orDash(a.state.CurrentSnapshotID), text)
	}
	return barStyle.Width(max(a.width, 1)).Render(text)
}

func historyRows(height int) int {
	return max(height/2-6, 3)
}

func (a *App) fetchStatus() tea.Cmd {
	return func() tea.Msg {
		st, err := a.client.Status()
		return statusMsg{state: st, err: err}
	}
}

func (a *App) tick() tea.Cmd {
	return tea.Tick(PollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}
