package tui

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/agentdeck/internal/api"
	"github.com/basket/agentdeck/internal/bus"
	"github.com/basket/agentdeck/internal/chat"
	"github.com/basket/agentdeck/internal/protocol"
	"github.com/basket/agentdeck/internal/realtime"
	"github.com/basket/agentdeck/internal/session"
)

const (
	maxNotices       = 6
	maxLogRows       = 8
	widePaneMin      = 100
	placeholderReply = "Reply to the agent..."
	placeholderBusy  = "The agent is running..."
	placeholderIdle  = "Enter a task..."
)

type chatEntry struct {
	role protocol.Role
	text string
}

type sendDoneMsg struct {
	route chat.Route
	err   error
}

type commandDoneMsg struct {
	out  string
	exit bool
}

type modelsLoadedMsg struct {
	list     api.ModelList
	forModal bool
}

type ctxDoneMsg struct{}

type spinnerTickMsg struct{}

// statusTickMsg polls the controller in case a bus event was dropped.
type statusTickMsg struct{}

type busEventMsg struct {
	event bus.Event
}

type chatMode int

const (
	chatModeChat chatMode = iota
	chatModeModelSelector
	chatModeSessionModal
)

type chatModel struct {
	ctx context.Context
	cc  ChatConfig

	width  int
	height int

	snap   session.State
	status realtime.Status

	notices    []chatEntry
	sending    bool
	working    bool // slash command in flight
	spinnerIdx int

	logCollapsed bool

	mode     chatMode
	selector selectorModel
	modal    SessionModal

	input  []rune
	cursor int // rune index within input

	// Input history navigation (Up/Down).
	inputHistory []string
	histIdx      int    // 0..len(inputHistory); len = editing new line
	histSaved    string // current draft before entering history

	sub *bus.Subscription
}

func newChatModel(ctx context.Context, cc ChatConfig) chatModel {
	m := chatModel{
		ctx:  ctx,
		cc:   cc,
		mode: chatModeChat,
	}
	if cc.Bus != nil {
		m.sub = cc.Bus.Subscribe("")
	}
	m = m.refresh()
	m.notices = append(m.notices, chatEntry{
		role: protocol.RoleSystem,
		text: "Connected to session " + cc.Controller.SessionID() + ". Type /help for commands.",
	})
	return m
}

func runChatTUI(ctx context.Context, m chatModel, cancel context.CancelFunc) error {
	// Bubbletea restores the terminal on exit, but an interrupt at the wrong
	// moment can leave ICRNL off.
	defer bestEffortResetTTY()
	defer m.cc.Bus.Unsubscribe(m.sub)

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithInput(os.Stdin), tea.WithOutput(os.Stdout))
	_, err := p.Run()
	if cancel != nil {
		cancel()
	}
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func (m chatModel) Init() tea.Cmd {
	cmds := []tea.Cmd{waitCtxDone(m.ctx), statusTickCmd(), m.runCommand("/history")}
	if m.sub != nil {
		cmds = append(cmds, waitForBusEvent(m.sub))
	}
	return tea.Batch(cmds...)
}

func statusTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(time.Time) tea.Msg { return statusTickMsg{} })
}

func waitCtxDone(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		<-ctx.Done()
		return ctxDoneMsg{}
	}
}

// refresh pulls the latest session snapshot and connection status.
func (m chatModel) refresh() chatModel {
	m.snap = m.cc.Controller.Snapshot()
	m.status = m.cc.Controller.Status()
	return m
}

func (m chatModel) notice(format string, args ...any) chatModel {
	m.notices = append(m.notices, chatEntry{role: protocol.RoleSystem, text: fmt.Sprintf(format, args...)})
	if len(m.notices) > maxNotices {
		m.notices = append([]chatEntry(nil), m.notices[len(m.notices)-maxNotices:]...)
	}
	return m
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case ctxDoneMsg:
		return m, tea.Quit

	case busEventMsg:
		m = m.handleEvent(msg.event)
		var cmd tea.Cmd
		if m.sub != nil {
			cmd = waitForBusEvent(m.sub)
		}
		return m, cmd

	case statusTickMsg:
		return m.refresh(), statusTickCmd()

	case sendDoneMsg:
		m.sending = false
		m = m.refresh()
		if msg.err != nil {
			if m.ctx.Err() != nil {
				return m, tea.Quit
			}
			return m.notice("Error: %s", humanError(msg.err)), nil
		}
		if msg.route == chat.RouteFallback {
			m = m.notice("Sent over HTTP; the realtime channel is unavailable.")
		}
		return m, nil

	case commandDoneMsg:
		m.working = false
		m = m.refresh()
		if out := strings.TrimSpace(msg.out); out != "" {
			m = m.notice("%s", out)
		}
		if msg.exit {
			return m, tea.Quit
		}
		return m, nil

	case modelsLoadedMsg:
		m.working = false
		if msg.forModal {
			m.modal = NewSessionModal(msg.list.Models)
			m.modal.Open(m.cc.Controller.ModelID())
			m.mode = chatModeSessionModal
			return m, nil
		}
		m.selector = newSelector(msg.list, m.cc.Controller.ModelID(), true)
		m.mode = chatModeModelSelector
		return m, nil

	case SessionRequestedMsg:
		m.mode = chatModeChat
		m.working = true
		return m, m.createCmd(msg.ModelID, msg.Title)

	case ModalCancelledMsg:
		m.mode = chatModeChat
		return m, nil

	case spinnerTickMsg:
		if m.sending || m.working {
			m.spinnerIdx++
			return m, waitForSpinner()
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	return m, nil
}

func (m chatModel) handleEvent(ev bus.Event) chatModel {
	switch p := ev.Payload.(type) {
	case bus.ConnectionChangedEvent:
		if p.Err != nil && p.New == realtime.Disconnected.String() {
			m = m.notice("Realtime disconnected: %s", humanError(p.Err))
		}
	case bus.ConfigChangedEvent:
		m = m.notice("%s changed; restart agentdeck to apply it.", p.Path)
	}
	return m.refresh()
}

func (m chatModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch m.mode {
	case chatModeModelSelector:
		updated, cmd := m.selector.Update(msg)
		if sm, ok := updated.(selectorModel); ok {
			m.selector = sm
		}
		if m.selector.quitting {
			m.mode = chatModeChat
			m.selector = selectorModel{}
			return m, nil
		}
		if m.selector.done {
			modelID := m.selector.selected
			m.mode = chatModeChat
			m.selector = selectorModel{}
			if modelID == "" || modelID == m.cc.Controller.ModelID() {
				return m, nil
			}
			return m, m.runCommand("/model " + modelID)
		}
		return m, cmd

	case chatModeSessionModal:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		cmd := m.modal.Update(msg)
		return m, cmd
	}

	switch msg.String() {
	case "ctrl+c", "ctrl+d":
		return m, tea.Quit

	case "enter", "ctrl+m", "ctrl+j":
		if m.sending || m.working {
			return m, nil
		}
		line := strings.TrimSpace(string(m.input))
		if line == "" {
			return m, nil
		}
		isCommand := strings.HasPrefix(line, "/")
		if !isCommand && m.snap.InputLocked() {
			// Keep the draft; the agent has not asked for input.
			return m.notice("The agent is running. Wait for it, or use /pause or /stop."), nil
		}

		m.input = nil
		m.cursor = 0
		m.inputHistory = append(m.inputHistory, line)
		m.histIdx = len(m.inputHistory)
		m.histSaved = ""

		if isCommand {
			m.working = true
			switch strings.ToLower(line) {
			case "/model":
				return m, tea.Batch(m.modelsCmd(false), waitForSpinner())
			case "/create":
				return m, tea.Batch(m.modelsCmd(true), waitForSpinner())
			}
			return m, tea.Batch(m.runCommand(line), waitForSpinner())
		}

		m.sending = true
		return m, tea.Batch(m.sendCmd(line), waitForSpinner())

	case "ctrl+a":
		m.logCollapsed = !m.logCollapsed
		return m, nil

	case "up", "ctrl+p":
		return m.historyPrev(), nil
	case "down", "ctrl+n":
		return m.historyNext(), nil

	case "backspace":
		m.input, m.cursor = deleteRuneLeft(m.input, m.cursor)
		return m, nil
	case "delete":
		m.input, m.cursor = deleteRuneRight(m.input, m.cursor)
		return m, nil
	case " ":
		// Some terminals report space as KeySpace (not KeyRunes).
		m.input, m.cursor = insertRunes(m.input, m.cursor, []rune{' '})
		return m, nil

	case "left", "ctrl+b":
		if m.cursor > 0 {
			m.cursor--
		}
		return m, nil
	case "right", "ctrl+f":
		if m.cursor < len(m.input) {
			m.cursor++
		}
		return m, nil
	case "home":
		m.cursor = 0
		return m, nil
	case "end", "ctrl+e":
		m.cursor = len(m.input)
		return m, nil
	case "ctrl+k":
		if m.cursor < len(m.input) {
			m.input = append([]rune(nil), m.input[:m.cursor]...)
		}
		return m, nil
	case "ctrl+u":
		m.input = nil
		m.cursor = 0
		return m, nil
	case "ctrl+w", "alt+backspace":
		m.input, m.cursor = deleteWordLeft(m.input, m.cursor)
		return m, nil
	}

	// Typing stays allowed while the agent works; only Enter is held back.
	if msg.Type == tea.KeyRunes && len(msg.Runes) > 0 {
		filtered := make([]rune, 0, len(msg.Runes))
		for _, r := range msg.Runes {
			// Enter arrives as '\r' on some terminals.
			if r == '\t' || r >= 0x20 {
				filtered = append(filtered, r)
			}
		}
		if len(filtered) > 0 {
			m.input, m.cursor = insertRunes(m.input, m.cursor, filtered)
		}
	}
	return m, nil
}

func (m chatModel) sendCmd(content string) tea.Cmd {
	ctx, ctrl := m.ctx, m.cc.Controller
	logger := m.cc.logger()
	return func() tea.Msg {
		route, err := ctrl.Send(ctx, content, nil)
		if err != nil {
			logger.Warn("tui: send failed", "session_id", ctrl.SessionID(), "error", err)
		} else {
			logger.Debug("tui: message sent", "session_id", ctrl.SessionID(), "route", string(route))
		}
		return sendDoneMsg{route: route, err: err}
	}
}

func (m chatModel) runCommand(line string) tea.Cmd {
	ctx, cc := m.ctx, m.cc
	return func() tea.Msg {
		var buf bytes.Buffer
		exit := handleCommand(ctx, line, &cc, &buf)
		return commandDoneMsg{out: buf.String(), exit: exit}
	}
}

func (m chatModel) modelsCmd(forModal bool) tea.Cmd {
	ctx, cc := m.ctx, m.cc
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(ctx, cc.timeout())
		defer cancel()
		return modelsLoadedMsg{list: cc.Controller.ListModels(ctx), forModal: forModal}
	}
}

func (m chatModel) createCmd(modelID, title string) tea.Cmd {
	ctx, cc := m.ctx, m.cc
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(ctx, cc.timeout())
		defer cancel()
		var buf bytes.Buffer
		createSession(ctx, cc.Controller, modelID, title, &buf)
		return commandDoneMsg{out: buf.String()}
	}
}

// placeholder is the hint shown in an empty input line.
func placeholder(state protocol.AgentState) string {
	switch {
	case state == protocol.AgentWaitingForUser:
		return placeholderReply
	case state.Busy():
		return placeholderBusy
	default:
		return placeholderIdle
	}
}

func (m chatModel) View() string {
	var b strings.Builder

	b.WriteString(m.header() + "\n")
	b.WriteString(dimStyle.Render("Type a message. /help for commands, Ctrl+D or /quit to exit.") + "\n\n")

	switch m.mode {
	case chatModeModelSelector:
		b.WriteString(m.selector.View())
		return b.String()
	case chatModeSessionModal:
		b.WriteString(m.modal.View())
		return b.String()
	}

	panel := m.renderPanel()
	wide := m.width >= widePaneMin
	chatWidth := m.width
	if wide {
		chatWidth = m.width * 3 / 5
	}

	available := m.height - 7 // header + hint + blank + input + spinner + status bar
	if !wide {
		available -= strings.Count(panel, "\n") + 1
	}
	if available < 3 {
		available = 3
	}
	lines := m.renderHistoryLines(chatWidth)
	if len(lines) > available {
		lines = lines[len(lines)-available:]
	}
	left := strings.Join(lines, "\n")

	if wide {
		leftPane := lipgloss.NewStyle().Width(chatWidth).Render(left)
		rightPane := lipgloss.NewStyle().PaddingLeft(2).Width(m.width - chatWidth).Render(panel)
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, leftPane, rightPane))
		b.WriteString("\n")
	} else {
		b.WriteString(left + "\n\n" + panel)
	}

	b.WriteString("\n> ")
	if len(m.input) == 0 {
		b.WriteString(renderCursor("", 0) + dimStyle.Render(placeholder(m.snap.AgentState)))
	} else {
		b.WriteString(renderCursor(string(m.input), m.cursor))
	}
	b.WriteString("\n")
	if m.sending || m.working {
		spin := []string{"|", "/", "-", "\\"}[m.spinnerIdx%4]
		b.WriteString(fmt.Sprintf("%s working...\n", spin))
	} else {
		b.WriteString("\n")
	}

	b.WriteString(m.statusBar())
	b.WriteString("\n")
	return b.String()
}

func (m chatModel) header() string {
	model := m.cc.Controller.ModelID()
	if model == "" {
		model = "(default model)"
	}
	return fmt.Sprintf("%s — session %s — %s %s",
		titleStyle.Render("agentdeck"), m.cc.Controller.SessionID(), model, connBadge(m.status.State))
}

func connBadge(s realtime.ConnState) string {
	switch s {
	case realtime.Connected:
		return okStyle.Render("● connected")
	case realtime.Connecting:
		return activeStyle.Render("◌ connecting")
	default:
		return errorStyle.Render("○ disconnected")
	}
}

func (m chatModel) statusBar() string {
	return fmt.Sprintf("[ws:%s applied:%d parse-err:%d unknown:%d reconnects:%d]",
		m.status.State, m.status.Applied, m.status.ParseErrors, m.status.UnknownTypes, m.status.Reconnects)
}

// renderPanel renders the agent state, the current task and the agent log.
func (m chatModel) renderPanel() string {
	var b strings.Builder
	state := m.snap.AgentState
	line := "Agent: " + AgentStateText(state)
	if state.Busy() || state == protocol.AgentWaitingForUser {
		line = activeStyle.Render(line)
	}
	b.WriteString(line)
	if d := AgentStateDescription(state); d != "" {
		b.WriteString(dimStyle.Render("  " + d))
	}
	b.WriteString("\n\n")

	if t, ok := m.snap.CurrentTask(); ok {
		b.WriteString(RenderTask(t, m.snap.StepsForTask(t.ID)))
		b.WriteString("\n")
	}
	b.WriteString(renderAgentLog(m.snap.AgentActions, maxLogRows, m.logCollapsed))
	return strings.TrimRight(b.String(), "\n")
}

func (m chatModel) renderHistoryLines(width int) []string {
	lines := make([]string, 0, len(m.snap.Messages)*2+len(m.notices))
	for _, msg := range m.snap.Messages {
		text := msg.Content
		for _, f := range msg.Files {
			text += "\n[file] " + f.Name
		}
		lines = append(lines, wrapWithPrefix(text, rolePrefix(msg.Role), width)...)
	}
	for _, n := range m.notices {
		for _, l := range wrapWithPrefix(n.text, "· ", width) {
			lines = append(lines, dimStyle.Render(l))
		}
	}
	return lines
}

func rolePrefix(r protocol.Role) string {
	switch r {
	case protocol.RoleUser:
		return "You: "
	case protocol.RoleAssistant:
		return "Agent: "
	default:
		return "· "
	}
}

func wrapWithPrefix(text, prefix string, width int) []string {
	if width <= 0 {
		return appendPrefixToLines(text, prefix)
	}

	availableWidth := width - len([]rune(prefix))
	if availableWidth < 10 {
		availableWidth = 10
	}

	var result []string
	for _, line := range strings.Split(text, "\n") {
		r := []rune(line)
		for len(r) > availableWidth {
			result = append(result, prefix+string(r[:availableWidth]))
			r = r[availableWidth:]
		}
		result = append(result, prefix+string(r))
	}
	return result
}

func appendPrefixToLines(text, prefix string) []string {
	var result []string
	for _, line := range strings.Split(text, "\n") {
		result = append(result, prefix+line)
	}
	return result
}

func renderCursor(s string, pos int) string {
	runes := []rune(s)
	if pos >= len(runes) {
		return s + "█"
	}
	return string(runes[:pos]) + "█" + string(runes[pos:])
}

func (m chatModel) historyPrev() chatModel {
	if len(m.inputHistory) == 0 {
		return m
	}
	// First time entering history: capture the current draft.
	if m.histIdx == len(m.inputHistory) {
		m.histSaved = string(m.input)
	}
	if m.histIdx > 0 {
		m.histIdx--
		m.input = []rune(m.inputHistory[m.histIdx])
		m.cursor = len(m.input)
	}
	return m
}

func (m chatModel) historyNext() chatModel {
	if len(m.inputHistory) == 0 {
		return m
	}
	if m.histIdx < len(m.inputHistory)-1 {
		m.histIdx++
		m.input = []rune(m.inputHistory[m.histIdx])
		m.cursor = len(m.input)
		return m
	}
	// Move back to the draft line.
	if m.histIdx == len(m.inputHistory)-1 {
		m.histIdx = len(m.inputHistory)
		m.input = []rune(m.histSaved)
		m.cursor = len(m.input)
	}
	return m
}

func insertRunes(in []rune, cursor int, r []rune) ([]rune, int) {
	if cursor < 0 {
		cursor = 0
	}
	if cursor > len(in) {
		cursor = len(in)
	}
	out := make([]rune, 0, len(in)+len(r))
	out = append(out, in[:cursor]...)
	out = append(out, r...)
	out = append(out, in[cursor:]...)
	return out, cursor + len(r)
}

func deleteRuneLeft(in []rune, cursor int) ([]rune, int) {
	if cursor <= 0 || len(in) == 0 {
		return in, 0
	}
	if cursor > len(in) {
		cursor = len(in)
	}
	out := append([]rune(nil), in[:cursor-1]...)
	out = append(out, in[cursor:]...)
	return out, cursor - 1
}

func deleteRuneRight(in []rune, cursor int) ([]rune, int) {
	if len(in) == 0 {
		return in, 0
	}
	if cursor < 0 {
		cursor = 0
	}
	if cursor >= len(in) {
		return in, len(in)
	}
	out := append([]rune(nil), in[:cursor]...)
	out = append(out, in[cursor+1:]...)
	return out, cursor
}

func deleteWordLeft(in []rune, cursor int) ([]rune, int) {
	if len(in) == 0 || cursor <= 0 {
		return in, 0
	}
	if cursor > len(in) {
		cursor = len(in)
	}

	i := cursor
	for i > 0 && isSpace(in[i-1]) {
		i--
	}
	for i > 0 && !isSpace(in[i-1]) {
		i--
	}

	out := append([]rune(nil), in[:i]...)
	out = append(out, in[cursor:]...)
	return out, i
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

func waitForSpinner() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(time.Time) tea.Msg {
		return spinnerTickMsg{}
	})
}

// waitForBusEvent blocks until an event arrives on the subscription channel.
func waitForBusEvent(sub *bus.Subscription) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub.Ch()
		if !ok {
			return nil
		}
		return busEventMsg{event: event}
	}
}
