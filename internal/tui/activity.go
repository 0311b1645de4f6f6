package tui

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/agentdeck/internal/protocol"
)

var (
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	itemStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	titleStyle  = lipgloss.NewStyle().Bold(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	activeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("33"))
)

const timeLayout = "2006-01-02 15:04"

// ActionTitle is the one-line heading of an action log entry.
func ActionTitle(a protocol.AgentAction) string {
	switch p := a.Payload.(type) {
	case protocol.CommandPayload:
		return "Command: " + clip(p.Command, 30, len(p.Command) > 30)
	case protocol.BrowserPayload:
		u := strings.TrimPrefix(strings.TrimPrefix(p.URL, "https://"), "http://")
		return "Browser: " + clip(u, 30, len(p.URL) > 30)
	case protocol.FilePayload:
		return strings.TrimSpace(fmt.Sprintf("File: %s %s", p.Operation, path.Base(p.Path)))
	case protocol.FileOperationPayload:
		return strings.TrimSpace(fmt.Sprintf("File: %s %s", p.Operation, path.Base(p.Path)))
	case protocol.NetworkRequestPayload:
		return strings.TrimSpace(fmt.Sprintf("Request: %s %s", p.Method, clip(p.URL, 30, len(p.URL) > 30)))
	case protocol.NotifyPayload:
		return "Notification"
	case protocol.AskPayload:
		return "Question"
	case protocol.AnalysisPayload:
		return "Analysis"
	default:
		return "Action"
	}
}

// ActionDescription is the detail line under ActionTitle.
func ActionDescription(a protocol.AgentAction) string {
	switch p := a.Payload.(type) {
	case protocol.CommandPayload:
		if p.Status == "" {
			return "Running..."
		}
		return fmt.Sprintf("%s: %s...", p.Status, clip(p.Output, 100, false))
	case protocol.BrowserPayload:
		switch {
		case p.Operation != "":
			return p.Operation
		case p.Description != "":
			return p.Description
		}
		return "Browser operation"
	case protocol.FilePayload:
		return p.Path
	case protocol.FileOperationPayload:
		return p.Path
	case protocol.NetworkRequestPayload:
		if p.StatusCode == 0 {
			return "pending"
		}
		return fmt.Sprintf("status %d", p.StatusCode)
	case protocol.NotifyPayload:
		return p.Message
	case protocol.AskPayload:
		return p.Question
	case protocol.AnalysisPayload:
		return p.Summary
	case protocol.OtherPayload:
		return p.Summary
	default:
		return ""
	}
}

func actionIcon(t protocol.ActionType) string {
	switch t {
	case protocol.ActionCommand:
		return "$"
	case protocol.ActionBrowser, protocol.ActionNetworkRequest:
		return "@"
	case protocol.ActionFile, protocol.ActionFileOperation:
		return "#"
	case protocol.ActionNotify:
		return "!"
	case protocol.ActionAsk:
		return "?"
	default:
		return "*"
	}
}

func AgentStateText(s protocol.AgentState) string {
	switch s {
	case protocol.AgentIdle:
		return "Idle"
	case protocol.AgentThinking:
		return "Thinking"
	case protocol.AgentPlanning:
		return "Planning"
	case protocol.AgentExecuting:
		return "Executing"
	case protocol.AgentWaitingForUser:
		return "Waiting for you"
	case protocol.AgentError:
		return "Error"
	case protocol.AgentCompleted:
		return "Completed"
	default:
		return string(s)
	}
}

func AgentStateDescription(s protocol.AgentState) string {
	switch s {
	case protocol.AgentIdle:
		return "The agent is idle"
	case protocol.AgentThinking:
		return "The agent is thinking about your message"
	case protocol.AgentPlanning:
		return "Analysing the task and planning the steps"
	case protocol.AgentExecuting:
		return "Executing the task"
	case protocol.AgentWaitingForUser:
		return "The agent is waiting for your reply"
	case protocol.AgentError:
		return "An error occurred"
	case protocol.AgentCompleted:
		return "The task is complete"
	default:
		return ""
	}
}

func TaskStatusText(s protocol.TaskStatus) string {
	switch s {
	case protocol.TaskPending:
		return "Not started"
	case protocol.TaskInProgress:
		return "Running"
	case protocol.TaskCompleted:
		return "Done"
	case protocol.TaskFailed:
		return "Failed"
	default:
		return string(s)
	}
}

func taskStatusIcon(s protocol.TaskStatus) string {
	switch s {
	case protocol.TaskInProgress:
		return activeStyle.Render("~")
	case protocol.TaskCompleted:
		return okStyle.Render("v")
	case protocol.TaskFailed:
		return errorStyle.Render("x")
	default:
		return dimStyle.Render("o")
	}
}

func progressBar(progress, width int) string {
	filled := progress * width / 100
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", width-filled) + "]"
}

// RenderTask renders a task card; steps are listed underneath when given.
func RenderTask(t protocol.Task, steps []protocol.TaskStep) string {
	var b strings.Builder
	title := t.Title
	if title == "" {
		title = t.ID
	}
	fmt.Fprintf(&b, "%s %s\n", taskStatusIcon(t.Status), titleStyle.Render(title))
	fmt.Fprintf(&b, "  %s • %s  %3d%% %s\n",
		TaskStatusText(t.Status), formatTime(t.UpdatedAt), t.Progress, progressBar(t.Progress, 20))
	for _, s := range steps {
		desc := s.Description
		if desc == "" {
			desc = s.Title
		}
		fmt.Fprintf(&b, "    %s %s\n", taskStatusIcon(s.Status), desc)
	}
	return b.String()
}

// renderAgentLog renders the newest max actions, oldest first.
func renderAgentLog(actions []protocol.AgentAction, max int, collapsed bool) string {
	if len(actions) == 0 {
		return dimStyle.Render("The agent's actions will appear here.") + "\n"
	}
	if collapsed {
		return dimStyle.Render(fmt.Sprintf("── %d actions (Ctrl+A to expand) ──", len(actions))) + "\n"
	}
	if max > 0 && len(actions) > max {
		actions = actions[len(actions)-max:]
	}

	var out strings.Builder
	out.WriteString(dimStyle.Render("── Agent log (Ctrl+A to collapse) ──") + "\n")
	for _, a := range actions {
		line := fmt.Sprintf("%s %s", actionIcon(a.Type), ActionTitle(a))
		out.WriteString(itemStyle.Render(line) + dimStyle.Render("  "+formatTime(a.Timestamp)) + "\n")
		if d := ActionDescription(a); d != "" {
			out.WriteString(dimStyle.Render("  "+d) + "\n")
		}
		if len(a.Quarantined) > 0 {
			out.WriteString(dimStyle.Render("  ignored fields: "+strings.Join(a.Quarantined, ", ")) + "\n")
		}
	}
	return out.String()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(timeLayout)
}

// clip shortens s to n runes, adding "..." when more is true.
func clip(s string, n int, more bool) string {
	r := []rune(s)
	if len(r) > n {
		r = r[:n]
	}
	if more {
		return string(r) + "..."
	}
	return string(r)
}
