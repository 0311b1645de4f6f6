package tui

import (
	"errors"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/basket/agentdeck/internal/api"
	"github.com/basket/agentdeck/internal/protocol"
)

var ErrSelectorCancelled = errors.New("model selection cancelled")

type selectorModel struct {
	cursor   int
	quitting bool
	done     bool
	embedded bool

	models   []protocol.Model
	degraded bool

	current  string
	selected string
}

func newSelector(list api.ModelList, current string, embedded bool) selectorModel {
	m := selectorModel{
		models:   list.Models,
		degraded: list.Degraded,
		current:  current,
		embedded: embedded,
	}
	for i, md := range m.models {
		if md.ID == current {
			m.cursor = i
			break
		}
	}
	return m
}

func (m selectorModel) Init() tea.Cmd {
	return nil
}

func (m selectorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.quitting = true
			if m.embedded {
				return m, nil
			}
			return m, tea.Quit
		case "enter", "ctrl+m", "ctrl+j":
			return m.handleEnter()
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.models)-1 {
				m.cursor++
			}
		}
	}
	return m, nil
}

func (m selectorModel) handleEnter() (tea.Model, tea.Cmd) {
	if len(m.models) == 0 {
		m.quitting = true
	} else {
		m.selected = m.models[m.cursor].ID
		m.done = true
	}
	if m.embedded {
		return m, nil
	}
	return m, tea.Quit
}

func (m selectorModel) View() string {
	if m.quitting || m.done {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n  Select a model:\n")
	if m.degraded {
		b.WriteString(dimStyle.Render("  (backend unreachable; showing built-in models)") + "\n")
	}
	b.WriteString("\n")
	for i, md := range m.models {
		cursor := "  "
		if i == m.cursor {
			cursor = "> "
		}
		active := " "
		if md.ID == m.current {
			active = "*"
		}
		name := md.Name
		if name == "" {
			name = md.ID
		}
		b.WriteString(fmt.Sprintf("  %s%s %-14s %-18s%s\n", cursor, active, md.ID, name, dimStyle.Render(modelDetail(md))))
	}
	b.WriteString("\n  [↑↓] Navigate  [Enter] Select  [Esc] Cancel\n")
	return b.String()
}

func modelDetail(md protocol.Model) string {
	var parts []string
	if md.ContextLength > 0 {
		parts = append(parts, fmt.Sprintf("%dk ctx", md.ContextLength/1024))
	}
	if md.Description != "" {
		parts = append(parts, md.Description)
	}
	return strings.Join(parts, "  ")
}

// RunModelSelector shows the model list full screen and returns the chosen
// model id.
func RunModelSelector(list api.ModelList, current string) (string, error) {
	p := tea.NewProgram(newSelector(list, current, false))
	finalModel, err := p.Run()
	if err != nil {
		return "", err
	}

	final, ok := finalModel.(selectorModel)
	if !ok || final.quitting || !final.done {
		return "", ErrSelectorCancelled
	}
	return final.selected, nil
}
