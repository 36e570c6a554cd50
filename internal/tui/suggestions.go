package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// paletteRows is how many entries the command palette shows at once.
const paletteRows = 5

// paletteEntry is one command offered by the palette.
type paletteEntry struct {
	Name string
	Args string
	Help string
}

var paletteEntries = []paletteEntry{
	{Name: "update", Args: "<source>", Help: "start an update from a source descriptor"},
	{Name: "update --override", Args: "<source>", Help: "update allowing protected paths"},
	{Name: "cancel", Help: "cancel an update that is fetching or validating"},
	{Name: "run", Args: "<code>", Help: "run shell code on the daemon"},
	{Name: "run:python", Args: "<code>", Help: "run python code on the daemon"},
	{Name: "recover", Args: "[snap-id]", Help: "restore a snapshot and leave FAILED"},
	{Name: "snapshot", Help: "capture the tree now"},
	{Name: "prune", Help: "remove archived snapshots beyond retention"},
	{Name: "ticket", Args: "<id>", Help: "show an update ticket"},
	{Name: "chat", Args: "<prompt>", Help: "ask the assistant"},
	{Name: "quit", Help: "leave the dashboard"},
}

// palette completes command names typed after a leading "/". Entries whose
// name starts with the query rank ahead of entries that merely contain it.
type palette struct {
	matches []paletteEntry
	cursor  int
	offset  int
}

func newPalette() *palette {
	return &palette{}
}

// Filter recomputes the matches for the current input. The palette closes as
// soon as the input stops being a bare "/name".
func (p *palette) Filter(input string) {
	p.matches, p.cursor, p.offset = nil, 0, 0
	query, ok := strings.CutPrefix(input, "/")
	if !ok || strings.Contains(query, " ") {
		return
	}
	query = strings.ToLower(query)

	rank := map[string]int{}
	for _, e := range paletteEntries {
		switch {
		case strings.HasPrefix(e.Name, query):
			rank[e.Name] = 0
		case strings.Contains(e.Name, query):
			rank[e.Name] = 1
		default:
			continue
		}
		p.matches = append(p.matches, e)
	}
	sort.SliceStable(p.matches, func(i, j int) bool {
		return rank[p.matches[i].Name] < rank[p.matches[j].Name]
	})
}

// Open reports whether there is anything to pick from.
func (p *palette) Open() bool {
	return len(p.matches) > 0
}

// Move shifts the cursor by delta, wrapping at either end, and scrolls the
// visible window to keep the cursor on screen.
func (p *palette) Move(delta int) {
	n := len(p.matches)
	if n == 0 {
		return
	}
	p.cursor = ((p.cursor+delta)%n + n) % n
	switch {
	case p.cursor < p.offset:
		p.offset = p.cursor
	case p.cursor >= p.offset+paletteRows:
		p.offset = p.cursor - paletteRows + 1
	}
}

// Choice returns the entry under the cursor.
func (p *palette) Choice() (paletteEntry, bool) {
	if !p.Open() {
		return paletteEntry{}, false
	}
	return p.matches[p.cursor], true
}

// Close drops the current matches.
func (p *palette) Close() {
	p.Filter("")
}

func (p *palette) View(width int) string {
	if !p.Open() {
		return ""
	}
	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(secondaryColor).
		Padding(0, 1).
		Width(max(width-4, 20))
	cursorStyle := lipgloss.NewStyle().Background(primaryColor).Foreground(fgColor).Bold(true)
	argStyle := lipgloss.NewStyle().Foreground(cyanColor)

	lines := []string{headingStyle.Render(fmt.Sprintf("Commands (%d)", len(p.matches)))}
	end := min(p.offset+paletteRows, len(p.matches))
	for i := p.offset; i < end; i++ {
		e := p.matches[i]
		name := "  " + e.Name
		if i == p.cursor {
			name = cursorStyle.Render("▶ " + e.Name)
		}
		line := name
		if e.Args != "" {
			line += " " + argStyle.Render(e.Args)
		}
		lines = append(lines, line+"  "+helpStyle.Render(e.Help))
	}
	if end < len(p.matches) {
		lines = append(lines, helpStyle.Render(fmt.Sprintf("  %d more below", len(p.matches)-end)))
	}
	return box.Render(strings.Join(lines, "\n"))
}
