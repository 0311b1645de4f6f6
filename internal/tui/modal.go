package tui

import (
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/agentdeck/internal/protocol"
)

type ModalState int

const (
	ModalClosed ModalState = iota
	ModalOpen
)

const (
	modalFieldCount = 3 // Title, Model, Button
	maxTitleRunes   = 80
	defaultTitle    = "New chat"
)

// SessionModal collects a title and model for a new backend session.
type SessionModal struct {
	state      ModalState
	focusIndex int
	titleField []rune
	models     []protocol.Model
	modelIndex int
}

func NewSessionModal(models []protocol.Model) SessionModal {
	return SessionModal{state: ModalClosed, models: models}
}

// Open resets the form and preselects currentModel when it is listed.
func (m *SessionModal) Open(currentModel string) {
	m.state = ModalOpen
	m.focusIndex = 0
	m.titleField = nil
	m.modelIndex = 0
	for i, md := range m.models {
		if md.ID == currentModel {
			m.modelIndex = i
			break
		}
	}
}

func (m *SessionModal) Close()            { m.state = ModalClosed }
func (m SessionModal) IsOpen() bool       { return m.state == ModalOpen }
func (m SessionModal) FocusIndex() int    { return m.focusIndex }
func (m SessionModal) TitleField() string { return string(m.titleField) }

func (m SessionModal) modelID() string {
	if len(m.models) == 0 {
		return ""
	}
	return m.models[m.modelIndex].ID
}

type SessionRequestedMsg struct {
	Title   string
	ModelID string
}

type ModalCancelledMsg struct{}

func (m *SessionModal) Update(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "esc":
		m.Close()
		return func() tea.Msg { return ModalCancelledMsg{} }
	case "tab", "down":
		m.focusIndex = (m.focusIndex + 1) % modalFieldCount
		return nil
	case "shift+tab", "up":
		m.focusIndex = (m.focusIndex + modalFieldCount - 1) % modalFieldCount
		return nil
	case "enter":
		if m.focusIndex == 2 {
			return m.submit()
		}
		m.focusIndex++
		return nil
	case "left", "right":
		if m.focusIndex == 1 && len(m.models) > 0 {
			if msg.String() == "left" {
				m.modelIndex = (m.modelIndex - 1 + len(m.models)) % len(m.models)
			} else {
				m.modelIndex = (m.modelIndex + 1) % len(m.models)
			}
		}
		return nil
	case "backspace":
		if m.focusIndex == 0 && len(m.titleField) > 0 {
			m.titleField = m.titleField[:len(m.titleField)-1]
		}
		return nil
	}

	if m.focusIndex == 0 && (msg.Type == tea.KeyRunes || msg.Type == tea.KeySpace) {
		for _, r := range msg.Runes {
			if r < 0x20 || len(m.titleField) >= maxTitleRunes {
				continue
			}
			m.titleField = append(m.titleField, r)
		}
		if msg.Type == tea.KeySpace && len(msg.Runes) == 0 && len(m.titleField) < maxTitleRunes {
			m.titleField = append(m.titleField, ' ')
		}
	}
	return nil
}

func (m *SessionModal) submit() tea.Cmd {
	title := strings.TrimSpace(string(m.titleField))
	if title == "" {
		title = defaultTitle
	}
	req := SessionRequestedMsg{Title: title, ModelID: m.modelID()}
	m.Close()
	return func() tea.Msg { return req }
}

func (m SessionModal) View() string {
	if !m.IsOpen() {
		return ""
	}

	border := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).Padding(1, 2).Width(54)
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	focus := lipgloss.NewStyle().Foreground(lipgloss.Color("86"))

	mk := func(idx int) string {
		if m.focusIndex == idx {
			return focus.Render("▸ ")
		}
		return "  "
	}

	var b strings.Builder
	b.WriteString(title.Render("New Session") + "\n\n")
	titlePreview := string(m.titleField)
	if titlePreview == "" {
		titlePreview = dimStyle.Render(defaultTitle)
	}
	b.WriteString(mk(0) + "Title: [ " + titlePreview + " ]\n")
	model := "(none)"
	if id := m.modelID(); id != "" {
		model = id
	}
	b.WriteString(mk(1) + "Model: [ ◀ " + model + " ▶ ]\n\n")
	btn := "[ Create ]"
	if m.focusIndex == 2 {
		btn = focus.Render("[ Create ]")
	}
	b.WriteString("  " + btn + dimStyle.Render("  (Esc to cancel)") + "\n")
	return border.Render(b.String())
}
