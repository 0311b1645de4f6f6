package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/basket/agentdeck/internal/config"
)

// fakeBackend serves the HTTP endpoints and the realtime channel.
type fakeBackend struct {
	*httptest.Server

	mu       sync.Mutex
	calls    []string
	created  map[string]string
	uploaded []string
	content  string
	noModels bool
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{}
	fb.Server = httptest.NewServer(http.HandlerFunc(fb.serve))
	t.Cleanup(fb.Close)
	return fb
}

func (fb *fakeBackend) record(r *http.Request) {
	fb.mu.Lock()
	fb.calls = append(fb.calls, r.Method+" "+r.URL.Path)
	fb.mu.Unlock()
}

func (fb *fakeBackend) Calls() []string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]string(nil), fb.calls...)
}

func (fb *fakeBackend) serve(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/ws/chat/") {
		fb.serveRealtime(w, r)
		return
	}
	fb.record(r)
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.URL.Path == "/api/models":
		fb.mu.Lock()
		empty := fb.noModels
		fb.mu.Unlock()
		if empty {
			io.WriteString(w, `[]`)
			return
		}
		io.WriteString(w, `[{"id":"qwen","name":"Qwen","context_length":32768},{"id":"phi","name":"Phi"}]`)
	case r.URL.Path == "/api/chat/sessions" && r.Method == http.MethodGet:
		io.WriteString(w, `[{"id":"s1","title":"First","model_id":"qwen","created_at":"2025-01-01T00:00:00"},{"id":"s2","title":"Second"}]`)
	case r.URL.Path == "/api/chat/sessions" && r.Method == http.MethodPost:
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		fb.mu.Lock()
		fb.created = body
		fb.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"id": "s-new", "title": body["title"], "model_id": body["model_id"]})
	case r.URL.Path == "/api/chat/sessions/s1/messages":
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fb.mu.Lock()
		fb.content = r.FormValue("content")
		for _, fh := range r.MultipartForm.File["files"] {
			fb.uploaded = append(fb.uploaded, fh.Filename)
		}
		fb.mu.Unlock()
		io.WriteString(w, `{"id":"m1","role":"user","content":"`+r.FormValue("content")+`","files":[{"id":"f1","name":"notes.txt"}]}`)
	case r.URL.Path == "/api/sessions/s1/pause":
		io.WriteString(w, `{"status":"ok"}`)
	case r.URL.Path == "/api/sessions/busy/stop":
		w.WriteHeader(http.StatusConflict)
		io.WriteString(w, `{"detail":"agent is not running"}`)
	case r.URL.Path == "/api/tasks":
		if r.URL.Query().Get("session_id") != "s1" {
			io.WriteString(w, `[]`)
			return
		}
		io.WriteString(w, `[{"id":"t1","title":"Research","status":"in_progress","progress":50}]`)
	case r.URL.Path == "/api/tasks/t1/steps":
		io.WriteString(w, `[{"id":"st1","task_id":"t1","description":"search the web","status":"completed"}]`)
	case strings.HasSuffix(r.URL.Path, "/actions"):
		io.WriteString(w, `[]`)
	default:
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"detail":"Not found"}`)
	}
}

func (fb *fakeBackend) serveRealtime(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()
	ctx := context.Background()
	_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"agent_state","data":"executing"}`))
	_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"message","data":{"id":"m1","role":"assistant","content":"hello from the agent"}}`))
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

// setupEnv points the CLI at fb with a throwaway home directory.
func setupEnv(t *testing.T, fb *fakeBackend) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("AGENTDECK_HOME", home)
	t.Setenv("AGENTDECK_API_BASE_URL", fb.URL)
	t.Setenv("AGENTDECK_WS_BASE_URL", "")
	t.Setenv("NEXT_PUBLIC_API_BASE_URL", "")
	t.Setenv("NEXT_PUBLIC_WS_BASE_URL", "")
	t.Setenv("AGENTDECK_DEFAULT_MODEL", "")
	t.Setenv("AGENTDECK_REFRESH_SCHEDULE", "")
	return home
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := runSubcommand(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestUnknownCommand(t *testing.T) {
	code, _, stderr := run(t, "frobnicate")
	if code != 2 || !strings.Contains(stderr, `unknown command "frobnicate"`) {
		t.Fatalf("code=%d stderr=%q", code, stderr)
	}
}

func TestHelpAndVersion(t *testing.T) {
	code, out, _ := run(t, "help")
	if code != 0 || !strings.Contains(out, "watch <session>") || !strings.Contains(out, "AGENTDECK_HOME") {
		t.Fatalf("help code=%d out=%q", code, out)
	}
	code, out, _ = run(t, "version")
	if code != 0 || strings.TrimSpace(out) != Version {
		t.Fatalf("version code=%d out=%q", code, out)
	}
}

func TestModelsCommand(t *testing.T) {
	fb := newFakeBackend(t)
	setupEnv(t, fb)
	t.Setenv("AGENTDECK_DEFAULT_MODEL", "phi")

	code, out, stderr := run(t, "models")
	if code != 0 {
		t.Fatalf("code=%d stderr=%q", code, stderr)
	}
	if !strings.Contains(out, "qwen") || !strings.Contains(out, "32768") {
		t.Fatalf("models output = %q", out)
	}
	if !strings.Contains(out, "*  phi") {
		t.Fatalf("default model not marked:\n%s", out)
	}
	if stderr != "" {
		t.Fatalf("unexpected warning: %q", stderr)
	}
}

func TestModelsCommand_DegradedJSON(t *testing.T) {
	fb := newFakeBackend(t)
	fb.noModels = true
	setupEnv(t, fb)

	code, out, stderr := run(t, "models", "-json")
	if code != 0 {
		t.Fatalf("code=%d stderr=%q", code, stderr)
	}
	if !strings.Contains(stderr, "built-in models") {
		t.Fatalf("missing degraded warning: %q", stderr)
	}
	var got modelsOutput
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if !got.Degraded || got.Cause == "" || len(got.Models) != 3 || got.Models[0].ID != "llama3-8b" {
		t.Fatalf("output = %+v", got)
	}
}

func TestSessionsCommand(t *testing.T) {
	fb := newFakeBackend(t)
	setupEnv(t, fb)

	code, out, stderr := run(t, "sessions")
	if code != 0 {
		t.Fatalf("code=%d stderr=%q", code, stderr)
	}
	for _, want := range []string{"ID", "s1", "First", "qwen", "s2", "Second"} {
		if !strings.Contains(out, want) {
			t.Errorf("sessions output missing %q:\n%s", want, out)
		}
	}

	code, out, _ = run(t, "sessions", "-json")
	if code != 0 {
		t.Fatalf("json code=%d", code)
	}
	var sessions []map[string]any
	if err := json.Unmarshal([]byte(out), &sessions); err != nil || len(sessions) != 2 {
		t.Fatalf("json sessions = %v (%v)", sessions, err)
	}
}

func TestSessionsCommand_BackendDown(t *testing.T) {
	fb := newFakeBackend(t)
	setupEnv(t, fb)
	fb.Close()

	code, _, stderr := run(t, "sessions")
	if code != 1 || !strings.HasPrefix(stderr, "Error:") {
		t.Fatalf("code=%d stderr=%q", code, stderr)
	}
}

func TestNewCommand_UsesFirstListedModel(t *testing.T) {
	fb := newFakeBackend(t)
	setupEnv(t, fb)

	code, out, stderr := run(t, "new", "-title", "Trip planning")
	if code != 0 {
		t.Fatalf("code=%d stderr=%q", code, stderr)
	}
	if !strings.HasPrefix(out, "s-new\tTrip planning\tqwen") {
		t.Fatalf("output = %q", out)
	}
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.created["model_id"] != "qwen" || fb.created["title"] != "Trip planning" {
		t.Fatalf("create body = %v", fb.created)
	}
}

func TestNewCommand_ExplicitModel(t *testing.T) {
	fb := newFakeBackend(t)
	setupEnv(t, fb)

	if code, _, stderr := run(t, "new", "-model", "phi"); code != 0 {
		t.Fatalf("code=%d stderr=%q", code, stderr)
	}
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.created["model_id"] != "phi" || fb.created["title"] != "New chat" {
		t.Fatalf("create body = %v", fb.created)
	}
	for _, c := range fb.calls {
		if c == "GET /api/models" {
			t.Fatal("models listed although -model was given")
		}
	}
}

func TestSendCommand_WithFiles(t *testing.T) {
	fb := newFakeBackend(t)
	setupEnv(t, fb)
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(path, []byte("remember the milk"), 0o600); err != nil {
		t.Fatal(err)
	}

	code, out, stderr := run(t, "send", "s1", "summarise", "this", "-file", path)
	if code != 0 {
		t.Fatalf("code=%d stderr=%q", code, stderr)
	}
	if !strings.Contains(out, "You: summarise this") || !strings.Contains(out, "[file] notes.txt") {
		t.Fatalf("output = %q", out)
	}
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.content != "summarise this" || len(fb.uploaded) != 1 || fb.uploaded[0] != "notes.txt" {
		t.Fatalf("backend saw content=%q files=%v", fb.content, fb.uploaded)
	}
}

func TestSendCommand_Usage(t *testing.T) {
	fb := newFakeBackend(t)
	setupEnv(t, fb)

	if code, _, stderr := run(t, "send", "s1"); code != 2 || !strings.Contains(stderr, "usage:") {
		t.Fatalf("code=%d stderr=%q", code, stderr)
	}
	code, _, _ := run(t, "send", "s1", "hi", "-file", filepath.Join(t.TempDir(), "missing.txt"))
	if code != 1 {
		t.Fatalf("missing file code = %d", code)
	}
	if len(fb.Calls()) != 0 {
		t.Fatalf("backend called: %v", fb.Calls())
	}
}

func TestControlCommands(t *testing.T) {
	fb := newFakeBackend(t)
	setupEnv(t, fb)

	code, out, stderr := run(t, "pause", "s1")
	if code != 0 || strings.TrimSpace(out) != "Agent paused." {
		t.Fatalf("pause code=%d out=%q stderr=%q", code, out, stderr)
	}

	code, _, stderr = run(t, "stop", "busy")
	if code != 1 || !strings.Contains(stderr, "409") || !strings.Contains(stderr, "agent is not running") {
		t.Fatalf("stop code=%d stderr=%q", code, stderr)
	}

	if code, _, _ := run(t, "resume"); code != 2 {
		t.Fatalf("resume without session code = %d", code)
	}
}

func TestTasksCommand(t *testing.T) {
	fb := newFakeBackend(t)
	setupEnv(t, fb)

	code, out, stderr := run(t, "tasks", "s1")
	if code != 0 {
		t.Fatalf("code=%d stderr=%q", code, stderr)
	}
	for _, want := range []string{"Research", "Running", "50%", "search the web"} {
		if !strings.Contains(out, want) {
			t.Errorf("tasks output missing %q:\n%s", want, out)
		}
	}

	code, out, _ = run(t, "tasks", "empty")
	if code != 0 || strings.TrimSpace(out) != "No tasks yet." {
		t.Fatalf("empty tasks code=%d out=%q", code, out)
	}

	code, out, _ = run(t, "tasks", "-json", "s1")
	var tasks []taskOutput
	if code != 0 || json.Unmarshal([]byte(out), &tasks) != nil || len(tasks) != 1 || len(tasks[0].Steps) != 1 {
		t.Fatalf("json tasks code=%d out=%q", code, out)
	}
}

func TestDoctorCommand_JSON(t *testing.T) {
	fb := newFakeBackend(t)
	setupEnv(t, fb)

	code, out, stderr := run(t, "doctor", "-json")
	if code != 0 {
		t.Fatalf("code=%d stderr=%q out=%s", code, stderr, out)
	}
	var diag struct {
		Results []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"results"`
	}
	if err := json.Unmarshal([]byte(out), &diag); err != nil {
		t.Fatalf("decode: %v", err)
	}
	statuses := map[string]string{}
	for _, r := range diag.Results {
		statuses[r.Name] = r.Status
	}
	if statuses["Backend API"] != "PASS" || statuses["Realtime"] != "PASS" {
		t.Fatalf("statuses = %v", statuses)
	}
}

func TestDoctorCommand_ReportFailsWhenBackendDown(t *testing.T) {
	fb := newFakeBackend(t)
	setupEnv(t, fb)
	fb.Close()

	code, out, _ := run(t, "doctor")
	if code != 1 {
		t.Fatalf("code = %d", code)
	}
	if !strings.Contains(out, "agentdeck doctor report") || !strings.Contains(out, "❌") {
		t.Fatalf("report = %q", out)
	}
}

func TestWatchCommand_LogsAppliedEnvelopes(t *testing.T) {
	fb := newFakeBackend(t)
	home := setupEnv(t, fb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan int, 1)
	go func() {
		done <- runWatchCommand(ctx, []string{"s1"}, io.Discard, io.Discard)
	}()

	logPath := filepath.Join(home, "logs", "agentdeck.jsonl")
	deadline := time.Now().Add(5 * time.Second)
	var logs string
	for time.Now().Before(deadline) {
		data, _ := os.ReadFile(logPath)
		logs = string(data)
		if strings.Contains(logs, "hello from the agent") {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()

	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("watch exit code = %d", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}

	for _, want := range []string{`"msg":"envelope applied"`, `"type":"agent_state"`, `"summary":"Agent: hello from the agent"`, `"agent_state":"executing"`} {
		if !strings.Contains(logs, want) {
			t.Errorf("log missing %s:\n%s", want, logs)
		}
	}
}

func TestWatchCommand_Usage(t *testing.T) {
	if code, _, stderr := run(t, "watch"); code != 2 || !strings.Contains(stderr, "usage: agentdeck watch") {
		t.Fatalf("code=%d stderr=%q", code, stderr)
	}
}

func TestParseInterspersed(t *testing.T) {
	fs := newFlagSet("t", io.Discard)
	var files fileList
	fs.Var(&files, "file", "")
	pos, err := parseInterspersed(fs, []string{"a", "-file", "x", "b", "-file=y"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(pos, ",") != "a,b" || files.String() != "x,y" {
		t.Fatalf("positional=%v files=%v", pos, files)
	}
}

func TestInitialModel_PrefersConfiguredDefault(t *testing.T) {
	fb := newFakeBackend(t)
	home := setupEnv(t, fb)
	if err := config.WriteDefault(home); err != nil {
		t.Fatal(err)
	}
	if err := config.SetDefaultModel(home, "phi"); err != nil {
		t.Fatal(err)
	}

	a, err := newApp(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	if got := a.initialModel(context.Background()); got != "phi" {
		t.Fatalf("initial model = %q", got)
	}
	if len(fb.Calls()) != 0 {
		t.Fatalf("backend called: %v", fb.Calls())
	}
}
