package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/basket/agentdeck/internal/protocol"
	"github.com/basket/agentdeck/internal/realtime"
	"github.com/basket/agentdeck/internal/session"
)

// Snapshot is what the watch dashboard shows on every tick.
type Snapshot struct {
	SessionID string
	Status    realtime.Status
	State     session.State
	NextSync  time.Time // zero when no history refresh is scheduled
	LastEvent string
	Uptime    time.Duration
}

type StatusProvider func() Snapshot

// SnapshotOf builds a Snapshot from a controller.
func SnapshotOf(ctrl Controller, started time.Time) Snapshot {
	return Snapshot{
		SessionID: ctrl.SessionID(),
		Status:    ctrl.Status(),
		State:     ctrl.Snapshot(),
		Uptime:    time.Since(started),
	}
}

type model struct {
	provider StatusProvider
	snap     Snapshot
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(1*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

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
	return renderDashboard(m.snap)
}

func renderDashboard(s Snapshot) string {
	st := s.Status
	lastErr := "(none)"
	if st.LastError != nil {
		lastErr = humanError(st.LastError)
	}
	lastParse := "(none)"
	if st.LastParseError != nil {
		lastParse = st.LastParseError.Error()
	}
	lastEvent := s.LastEvent
	if lastEvent == "" {
		lastEvent = "(none)"
	}
	nextSync := "(disabled)"
	if !s.NextSync.IsZero() {
		nextSync = formatTime(s.NextSync)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", titleStyle.Render("agentdeck watch"))
	fmt.Fprintf(&b, "Session: %s\n", s.SessionID)
	fmt.Fprintf(&b, "Realtime: %s\n", connBadge(st.State))
	fmt.Fprintf(&b, "Applied: %d  Parse errors: %d  Unknown types: %d  Reconnects: %d\n",
		st.Applied, st.ParseErrors, st.UnknownTypes, st.Reconnects)
	fmt.Fprintf(&b, "Agent: %s\n", AgentStateText(s.State.AgentState))
	fmt.Fprintf(&b, "Messages: %d  Tasks: %d  Steps: %d  Actions: %d\n",
		len(s.State.Messages), len(s.State.Tasks), len(s.State.TaskSteps), len(s.State.AgentActions))
	if t, ok := s.State.CurrentTask(); ok {
		fmt.Fprintf(&b, "Current task: %s (%d%%)\n", t.Title, t.Progress)
	}
	if n := len(s.State.AgentActions); n > 0 {
		fmt.Fprintf(&b, "Last action: %s\n", ActionTitle(s.State.AgentActions[n-1]))
	}
	fmt.Fprintf(&b, "Next history sync: %s\n", nextSync)
	fmt.Fprintf(&b, "Uptime: %s\n", s.Uptime.Truncate(time.Second))
	fmt.Fprintf(&b, "Last Error: %s\n", lastErr)
	fmt.Fprintf(&b, "Last Parse Error: %s\n", lastParse)
	fmt.Fprintf(&b, "Last Event: %s\n", lastEvent)
	b.WriteString("\nPress q to quit.\n")
	return b.String()
}

// DescribeMessage is a one-line summary of a chat message for logs and
// the plain watch output.
func DescribeMessage(msg protocol.Message) string {
	return fmt.Sprintf("%s%s", rolePrefix(msg.Role), clip(msg.Content, 120, len([]rune(msg.Content)) > 120))
}

func Run(ctx context.Context, provider StatusProvider) error {
	defer bestEffortResetTTY()

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
