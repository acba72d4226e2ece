// Package tui implements the read-only live fleet dashboard (pilot
// monitor): a polling bubbletea model rendered with lipgloss, showing
// a fleet snapshot (sessions, task claims, escalations, cost).
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// SessionView is one active agent session's row in the dashboard.
type SessionView struct {
	SessionID string
	Role      string
	TaskID    string
	Status    string
	Blocked   bool
}

// Snapshot is one poll's worth of fleet state.
type Snapshot struct {
	Sessions          []SessionView
	UnresolvedCount   int
	HumanEscalations  int
	TodayCostUSD      float64
	TodayTokens       int64
	HubReachable      bool
	LastError         string
}

// StatusProvider fetches the next Snapshot; implementations read the
// session registry, escalation engine, and budget tracker directly
// rather than going through the daemon, since the dashboard is a
// separate read-only process.
type StatusProvider func() Snapshot

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	blockStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	borderStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).Padding(1, 2)
)

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

type model struct {
	provider StatusProvider
	snap     Snapshot
}

func (m model) Init() tea.Cmd { return tickCmd() }

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		m.snap = m.provider()
		return m, tickCmd()
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("pilot fleet monitor") + "\n\n")

	hub := okStyle.Render("reachable")
	if !m.snap.HubReachable {
		hub = blockStyle.Render("unreachable")
	}
	b.WriteString(fmt.Sprintf("hub: %s    today: %d tokens / $%.2f\n", hub, m.snap.TodayTokens, m.snap.TodayCostUSD))
	b.WriteString(fmt.Sprintf("unresolved escalations: %d (human: %d)\n\n", m.snap.UnresolvedCount, m.snap.HumanEscalations))

	b.WriteString(headerStyle.Render(fmt.Sprintf("%-20s %-12s %-16s %-10s", "SESSION", "ROLE", "TASK", "STATUS")) + "\n")
	for _, s := range m.snap.Sessions {
		status := s.Status
		if s.Blocked {
			status = blockStyle.Render("blocked")
		}
		b.WriteString(fmt.Sprintf("%-20s %-12s %-16s %-10s\n", s.SessionID, s.Role, s.TaskID, status))
	}
	if len(m.snap.Sessions) == 0 {
		b.WriteString(headerStyle.Render("(no active sessions)") + "\n")
	}

	if m.snap.LastError != "" {
		b.WriteString("\n" + blockStyle.Render("last error: "+m.snap.LastError) + "\n")
	}
	b.WriteString("\n" + headerStyle.Render("press q to quit") + "\n")

	return borderStyle.Render(b.String())
}

// Run starts the dashboard and blocks until ctx is canceled or the user
// quits.
func Run(ctx context.Context, provider StatusProvider) error {
	m := model{provider: provider, snap: provider()}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
