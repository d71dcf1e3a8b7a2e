// Package dashboard is a live terminal view of a running council session:
// one row per member with its current state, advancing through the three
// stages.
package dashboard

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/opencouncil/council/internal/council"
)

// EventMsg wraps a session progress event for the update loop.
type EventMsg council.ProgressEvent

// DoneMsg ends the dashboard. Err carries the session error, if any.
type DoneMsg struct {
	Err error
}

var stageNames = [...]string{
	1: "Stage 1: Individual responses",
	2: "Stage 2: Peer rankings",
	3: "Stage 3: Chairman synthesis",
}

type row struct {
	name  string
	state council.MemberState
}

// Model is the bubbletea model for the session dashboard.
type Model struct {
	rows    []row
	stage   int
	spin    spinner.Model
	done    bool
	err     error
	aborted bool

	titleStyle lipgloss.Style
	doneStyle  lipgloss.Style
	failStyle  lipgloss.Style
	faintStyle lipgloss.Style
}

// New creates a dashboard for the given member display names.
func New(memberNames []string) Model {
	rows := make([]row, len(memberNames))
	for i, name := range memberNames {
		rows[i] = row{name: name, state: council.StatePending}
	}

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))

	return Model{
		rows:       rows,
		stage:      1,
		spin:       sp,
		titleStyle: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14")),
		doneStyle:  lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		failStyle:  lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		faintStyle: lipgloss.NewStyle().Faint(true),
	}
}

// Aborted reports whether the user quit before the session finished.
func (m Model) Aborted() bool {
	return m.aborted
}

func (m Model) Init() tea.Cmd {
	return m.spin.Tick
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.aborted = true
			return m, tea.Quit
		}

	case EventMsg:
		ev := council.ProgressEvent(msg)
		if ev.Stage > m.stage {
			m.stage = ev.Stage
			// A new stage resets every surviving member to pending.
			for i := range m.rows {
				if m.rows[i].state != council.StateFailed {
					m.rows[i].state = council.StatePending
				}
			}
		}
		if ev.MemberIndex >= 0 && ev.MemberIndex < len(m.rows) {
			m.rows[ev.MemberIndex].state = ev.State
		}
		return m, nil

	case DoneMsg:
		m.done = true
		m.err = msg.Err
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m Model) View() string {
	var b strings.Builder

	stage := m.stage
	if stage < 1 || stage >= len(stageNames) {
		stage = 1
	}
	fmt.Fprintf(&b, "%s %s\n\n", m.spin.View(), m.titleStyle.Render(stageNames[stage]))

	for _, r := range m.rows {
		fmt.Fprintf(&b, "  %s %s\n", m.stateGlyph(r.state), r.name)
	}

	if m.done {
		if m.err != nil {
			fmt.Fprintf(&b, "\n%s\n", m.failStyle.Render("Session failed: "+m.err.Error()))
		} else {
			fmt.Fprintf(&b, "\n%s\n", m.doneStyle.Render("Session complete."))
		}
	} else {
		fmt.Fprintf(&b, "\n%s\n", m.faintStyle.Render("q to quit"))
	}

	return b.String()
}

func (m Model) stateGlyph(s council.MemberState) string {
	switch s {
	case council.StateRunning:
		return m.spin.View()
	case council.StateDone:
		return m.doneStyle.Render("✓")
	case council.StateFailed:
		return m.failStyle.Render("✗")
	default:
		return m.faintStyle.Render("·")
	}
}
