package tui

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/agentdeck/internal/api"
	"github.com/basket/agentdeck/internal/chat"
	"github.com/basket/agentdeck/internal/config"
	"github.com/basket/agentdeck/internal/protocol"
	"github.com/basket/agentdeck/internal/realtime"
	"github.com/basket/agentdeck/internal/session"
)

// fakeController implements Controller for tests.
type fakeController struct {
	mu        sync.Mutex
	sessionID string
	modelID   string
	state     session.State
	status    realtime.Status

	models   api.ModelList
	sessions []protocol.ChatSession
	history  chat.History

	sendRoute  chat.Route
	sendErr    error
	controlErr error
	modelErr   error
	switchErr  error

	calls []string
	sent  []string
}

func newFakeController() *fakeController {
	return &fakeController{
		sessionID: "sess-1",
		state:     session.New(),
		status:    realtime.Status{State: realtime.Connected},
		models:    api.ModelList{Models: api.DefaultModels()},
		sendRoute: chat.RouteRealtime,
	}
}

func (f *fakeController) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeController) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeController) SessionID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessionID
}

func (f *fakeController) ModelID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.modelID
}

func (f *fakeController) Snapshot() session.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeController) Status() realtime.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeController) Switch(_ context.Context, id string) error {
	f.record("switch " + id)
	if f.switchErr != nil {
		return f.switchErr
	}
	f.mu.Lock()
	f.sessionID = id
	f.mu.Unlock()
	return nil
}

func (f *fakeController) NewSession(ctx context.Context) (string, error) {
	return "sess-new", f.Switch(ctx, "sess-new")
}

func (f *fakeController) Send(_ context.Context, content string, _ []api.Attachment) (chat.Route, error) {
	f.mu.Lock()
	f.sent = append(f.sent, content)
	f.mu.Unlock()
	return f.sendRoute, f.sendErr
}

func (f *fakeController) ChangeModel(_ context.Context, id string) error {
	f.record("model " + id)
	if f.modelErr != nil {
		return f.modelErr
	}
	f.mu.Lock()
	f.modelID = id
	f.mu.Unlock()
	return nil
}

func (f *fakeController) Pause(context.Context) error {
	f.record("pause")
	return f.controlErr
}

func (f *fakeController) Resume(context.Context) error {
	f.record("resume")
	return f.controlErr
}

func (f *fakeController) Stop(context.Context) error {
	f.record("stop")
	return f.controlErr
}

func (f *fakeController) LoadHistory(context.Context) (chat.History, error) {
	f.record("history")
	return f.history, nil
}

func (f *fakeController) ListModels(context.Context) api.ModelList { return f.models }

func (f *fakeController) ListSessions(context.Context) ([]protocol.ChatSession, error) {
	return f.sessions, nil
}

func (f *fakeController) CreateSession(_ context.Context, modelID, title string) (protocol.ChatSession, error) {
	f.record("create " + modelID + " " + title)
	return protocol.ChatSession{ID: "sess-created", Title: title, ModelID: modelID}, nil
}

func run(t *testing.T, cc *ChatConfig, line string) (string, bool) {
	t.Helper()
	var buf bytes.Buffer
	exit := handleCommand(context.Background(), line, cc, &buf)
	return buf.String(), exit
}

func TestHandleCommand_Dispatch(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantExit   bool
		wantOutput string
	}{
		{"quit", "/quit", true, ""},
		{"exit", "/exit", true, ""},
		{"help", "/help", false, "/pause /resume /stop"},
		{"session", "/session", false, "Session: sess-1"},
		{"unknown", "/frobnicate", false, "Unknown command: /frobnicate"},
		{"case insensitive", "/HELP", false, "Commands:"},
		{"no tasks", "/tasks", false, "No tasks yet."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cc := &ChatConfig{Controller: newFakeController()}
			out, exit := run(t, cc, tt.input)
			if exit != tt.wantExit {
				t.Fatalf("exit = %v, want %v", exit, tt.wantExit)
			}
			if tt.wantOutput != "" && !strings.Contains(out, tt.wantOutput) {
				t.Fatalf("output %q missing %q", out, tt.wantOutput)
			}
		})
	}
}

func TestHandleCommand_SessionSwitchLoadsHistory(t *testing.T) {
	fc := newFakeController()
	fc.history = chat.History{Tasks: []protocol.Task{{ID: "t1"}}}
	cc := &ChatConfig{Controller: fc}

	out, _ := run(t, cc, "/session sess-2")
	if fc.SessionID() != "sess-2" {
		t.Fatalf("session = %q", fc.SessionID())
	}
	if !strings.Contains(out, "History: 1 tasks, 0 steps, 0 actions") {
		t.Fatalf("output = %q", out)
	}
	if got := fc.Calls(); len(got) != 2 || got[1] != "history" {
		t.Fatalf("calls = %v", got)
	}
}

func TestHandleCommand_SessionSwitchError(t *testing.T) {
	fc := newFakeController()
	fc.switchErr = errors.New("chat: switch: realtime: session id is required")
	out, _ := run(t, &ChatConfig{Controller: fc}, "/session x")
	if !strings.Contains(out, "Error: Session id is required") {
		t.Fatalf("output = %q", out)
	}
}

func TestHandleCommand_Sessions(t *testing.T) {
	fc := newFakeController()
	fc.sessions = []protocol.ChatSession{
		{ID: "sess-1", Title: "Current"},
		{ID: "sess-9", Title: "Older", UpdatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	out, _ := run(t, &ChatConfig{Controller: fc}, "/sessions")
	if !strings.Contains(out, "* sess-1") || !strings.Contains(out, "Older") {
		t.Fatalf("output = %q", out)
	}
}

func TestHandleCommand_NewAndCreate(t *testing.T) {
	fc := newFakeController()
	fc.modelID = "mistral-7b"
	cc := &ChatConfig{Controller: fc}

	out, _ := run(t, cc, "/new")
	if !strings.Contains(out, "New session: sess-new") {
		t.Fatalf("new output = %q", out)
	}

	out, _ = run(t, cc, "/create Release notes")
	if !strings.Contains(out, `Created session "Release notes" (sess-created)`) {
		t.Fatalf("create output = %q", out)
	}
	if fc.SessionID() != "sess-created" {
		t.Fatalf("session = %q", fc.SessionID())
	}
	calls := fc.Calls()
	if calls[len(calls)-2] != "create mistral-7b Release notes" {
		t.Fatalf("calls = %v", calls)
	}
}

func TestHandleCommand_ModelPersistsDefault(t *testing.T) {
	home := t.TempDir()
	if err := config.WriteDefault(home); err != nil {
		t.Fatal(err)
	}
	fc := newFakeController()
	cfg := &config.Config{}
	cc := &ChatConfig{Controller: fc, HomeDir: home, Cfg: cfg}

	out, _ := run(t, cc, "/model gemma-7b")
	if !strings.Contains(out, "Model set to: gemma-7b") {
		t.Fatalf("output = %q", out)
	}
	if fc.ModelID() != "gemma-7b" || cfg.DefaultModel != "gemma-7b" {
		t.Fatalf("model = %q, cfg = %q", fc.ModelID(), cfg.DefaultModel)
	}
	data, err := os.ReadFile(filepath.Join(home, "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "gemma-7b") {
		t.Fatalf("config.yaml not updated:\n%s", data)
	}
}

func TestHandleCommand_ModelError(t *testing.T) {
	fc := newFakeController()
	fc.modelErr = chat.ErrNoSession
	out, _ := run(t, &ChatConfig{Controller: fc}, "/model gemma-7b")
	if !strings.Contains(out, "Error:") || strings.Contains(out, "Model set to") {
		t.Fatalf("output = %q", out)
	}
}

func TestHandleCommand_ModelList(t *testing.T) {
	fc := newFakeController()
	fc.modelID = "mistral-7b"
	fc.models.Degraded = true
	out, _ := run(t, &ChatConfig{Controller: fc}, "/model list")
	if !strings.Contains(out, "Backend unreachable") || !strings.Contains(out, "* mistral-7b") {
		t.Fatalf("output = %q", out)
	}
}

func TestHandleCommand_AgentControl(t *testing.T) {
	fc := newFakeController()
	cc := &ChatConfig{Controller: fc}
	for cmd, want := range map[string]string{
		"/pause":  "Agent paused.",
		"/resume": "Agent resumed.",
		"/stop":   "Agent stopped.",
	} {
		out, _ := run(t, cc, cmd)
		if !strings.Contains(out, want) {
			t.Fatalf("%s output = %q", cmd, out)
		}
	}

	fc.controlErr = &api.StatusError{Method: "POST", Path: "/api/sessions/sess-1/stop", StatusCode: 409, Message: "agent is not running"}
	out, _ := run(t, cc, "/stop")
	if !strings.Contains(out, "Error: Agent is not running") {
		t.Fatalf("output = %q", out)
	}
}

func TestHandleCommand_Tasks(t *testing.T) {
	fc := newFakeController()
	fc.state.Tasks = []protocol.Task{{ID: "t1", Title: "Build site", Status: protocol.TaskInProgress, Progress: 40}}
	fc.state.TaskSteps = []protocol.TaskStep{
		{ID: "s1", TaskID: "t1", Description: "scaffold", Status: protocol.TaskCompleted},
		{ID: "s2", TaskID: "other", Description: "unrelated"},
	}
	out, _ := run(t, &ChatConfig{Controller: fc}, "/tasks")
	if !strings.Contains(out, "Build site") || !strings.Contains(out, "scaffold") || !strings.Contains(out, " 40%") {
		t.Fatalf("output = %q", out)
	}
	if strings.Contains(out, "unrelated") {
		t.Fatalf("steps of another task rendered: %q", out)
	}
}

func TestRunChat_RequiresController(t *testing.T) {
	if err := RunChat(context.Background(), ChatConfig{}); err == nil {
		t.Fatal("expected error")
	}
}
