package protocol

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestParseTime_Layouts(t *testing.T) {
	cases := map[string]time.Time{
		"2025-01-02T03:04:05Z":       time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		"2025-01-02T03:04:05+09:00":  time.Date(2025, 1, 1, 18, 4, 5, 0, time.UTC),
		"2025-01-02T03:04:05.123456": time.Date(2025, 1, 2, 3, 4, 5, 123456000, time.UTC),
		"2025-01-02 03:04:05":        time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		"2025-01-02":                 time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC),
		"  2025-01-02T03:04:05.5Z  ": time.Date(2025, 1, 2, 3, 4, 5, 500000000, time.UTC),
	}
	for in, want := range cases {
		got, ok := ParseTime(in)
		if !ok {
			t.Fatalf("ParseTime(%q) failed", in)
		}
		if !got.Equal(want) {
			t.Fatalf("ParseTime(%q) = %v, want %v", in, got, want)
		}
	}
	if _, ok := ParseTime("yesterday"); ok {
		t.Fatal("expected failure for garbage input")
	}
}

func TestParseMessage_TimestampFallback(t *testing.T) {
	for _, raw := range []string{
		`{"id":"m1","role":"user","content":"hi"}`,
		`{"id":"m1","role":"user","content":"hi","timestamp":null}`,
		`{"id":"m1","role":"user","content":"hi","timestamp":"not a date"}`,
	} {
		m, err := ParseMessage(json.RawMessage(raw), testNow)
		if err != nil {
			t.Fatalf("ParseMessage(%s): %v", raw, err)
		}
		if !m.Timestamp.Equal(testNow) {
			t.Fatalf("timestamp = %v, want fallback %v", m.Timestamp, testNow)
		}
	}

	m, err := ParseMessage(json.RawMessage(`{"id":"m2","role":"assistant","content":"x","timestamp":1735689600000}`), testNow)
	if err != nil {
		t.Fatalf("ParseMessage epoch: %v", err)
	}
	if want := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC); !m.Timestamp.Equal(want) {
		t.Fatalf("epoch timestamp = %v, want %v", m.Timestamp, want)
	}
}

func TestParseMessage_RejectsNonObject(t *testing.T) {
	for _, raw := range []string{`null`, `"text"`, `[1,2]`, ``} {
		if _, err := ParseMessage(json.RawMessage(raw), testNow); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestParseTask_ProgressAndStatus(t *testing.T) {
	task, err := ParseTask(json.RawMessage(`{"id":"t1","title":"Plan","progress":140.2}`), testNow)
	if err != nil {
		t.Fatalf("ParseTask: %v", err)
	}
	if task.Progress != 100 {
		t.Fatalf("progress = %d, want 100", task.Progress)
	}
	if task.Status != TaskPending {
		t.Fatalf("status = %q, want pending", task.Status)
	}

	task, err = ParseTask(json.RawMessage(`{"id":"t2","status":"in_progress","progress":-5,"updated_at":"2025-02-01T00:00:00"}`), testNow)
	if err != nil {
		t.Fatalf("ParseTask: %v", err)
	}
	if task.Progress != 0 {
		t.Fatalf("progress = %d, want 0", task.Progress)
	}
	if !task.CreatedAt.Equal(testNow) {
		t.Fatalf("created_at = %v, want fallback", task.CreatedAt)
	}
	if task.UpdatedAt.Year() != 2025 || task.UpdatedAt.Month() != time.February {
		t.Fatalf("updated_at = %v", task.UpdatedAt)
	}
}

func TestParseLists_NullIsEmpty(t *testing.T) {
	tasks, err := ParseTasks(json.RawMessage(`null`), testNow)
	if err != nil || tasks == nil || len(tasks) != 0 {
		t.Fatalf("ParseTasks(null) = %v, %v", tasks, err)
	}
	if _, err := ParseTaskSteps(json.RawMessage(`{"id":"s1"}`), testNow); err == nil {
		t.Fatal("expected error for object where array expected")
	}
	if _, err := ParseMessages(json.RawMessage(`[{"id":"a"}, 3]`), testNow); err == nil {
		t.Fatal("expected error for bad element")
	}
}

func TestParseAgentAction_Variants(t *testing.T) {
	cases := []struct {
		raw         string
		want        ActionPayload
		quarantined []string
	}{
		{
			raw:  `{"id":"a1","type":"command","payload":{"command":"ls -la","status":"ok","output":"x"}}`,
			want: CommandPayload{Command: "ls -la", Status: "ok", Output: "x"},
		},
		{
			raw:         `{"id":"a2","type":"browser","payload":{"url":"https://example.com","cookie":"secret","zz":1}}`,
			want:        BrowserPayload{URL: "https://example.com"},
			quarantined: []string{"cookie", "zz"},
		},
		{
			raw:  `{"id":"a3","type":"file","payload":{"operation":"write","path":"/tmp/a.txt"}}`,
			want: FilePayload{Operation: "write", Path: "/tmp/a.txt"},
		},
		{
			raw:  `{"id":"a4","type":"notify","payload":{"message":"done"}}`,
			want: NotifyPayload{Message: "done"},
		},
		{
			raw:  `{"id":"a5","type":"ask","payload":{"question":"continue?"}}`,
			want: AskPayload{Question: "continue?"},
		},
		{
			raw:  `{"id":"a6","type":"network_request","payload":{"method":"GET","url":"https://x","status_code":404}}`,
			want: NetworkRequestPayload{Method: "GET", URL: "https://x", StatusCode: 404},
		},
		{
			raw:  `{"id":"a7","type":"analysis","details":{"summary":"looks fine"}}`,
			want: AnalysisPayload{Summary: "looks fine"},
		},
		{
			raw:  `{"id":"a8","type":"file_operation","payload":{"operation":"read","path":"a"}}`,
			want: FileOperationPayload{Operation: "read", Path: "a"},
		},
		{
			raw:  `{"id":"a9","type":"teleport","payload":{"where": "moon"}}`,
			want: OtherPayload{Summary: `{"where":"moon"}`},
		},
		{
			raw:         `{"id":"a10","type":"notify","payload":"just text"}`,
			want:        NotifyPayload{},
			quarantined: []string{"(payload)"},
		},
	}
	for _, tc := range cases {
		a, err := ParseAgentAction(json.RawMessage(tc.raw), testNow)
		if err != nil {
			t.Fatalf("ParseAgentAction(%s): %v", tc.raw, err)
		}
		if !reflect.DeepEqual(a.Payload, tc.want) {
			t.Fatalf("payload for %s = %#v, want %#v", a.ID, a.Payload, tc.want)
		}
		if !reflect.DeepEqual(a.Quarantined, tc.quarantined) {
			t.Fatalf("quarantined for %s = %v, want %v", a.ID, a.Quarantined, tc.quarantined)
		}
		if a.Payload.ActionType() != a.Type && a.Type != "teleport" {
			t.Fatalf("variant %T does not match type %q", a.Payload, a.Type)
		}
	}
}

func TestParseAgentAction_OtherSummaryBounded(t *testing.T) {
	long := strings.Repeat("あ", 200)
	raw := `{"id":"a","payload":{"text":"` + long + `"},"created_at":"2025-01-01T10:00:00"}`
	a, err := ParseAgentAction(json.RawMessage(raw), testNow)
	if err != nil {
		t.Fatalf("ParseAgentAction: %v", err)
	}
	if a.Type != ActionOther {
		t.Fatalf("type = %q, want other", a.Type)
	}
	summary := a.Payload.(OtherPayload).Summary
	if len(summary) > otherSummaryLimit {
		t.Fatalf("summary length %d exceeds %d", len(summary), otherSummaryLimit)
	}
	if !strings.HasPrefix(summary, `{"text":"あ`) {
		t.Fatalf("summary = %q", summary)
	}
	if a.Timestamp.Hour() != 10 {
		t.Fatalf("timestamp = %v, want created_at fallback", a.Timestamp)
	}
}

func TestDecodeEnvelope(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"type":"agent_state","data":"planning"}`))
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if env.Type != TypeAgentState || string(env.Data) != `"planning"` {
		t.Fatalf("envelope = %+v", env)
	}

	for _, frame := range []string{
		`not json`,
		`[]`,
		`{"data":{}}`,
		`{"type":7,"data":{}}`,
		`{"type":"","data":{}}`,
	} {
		_, err := DecodeEnvelope([]byte(frame))
		if !errors.Is(err, ErrMalformedEnvelope) {
			t.Fatalf("DecodeEnvelope(%q) err = %v, want ErrMalformedEnvelope", frame, err)
		}
	}
}

func TestOutboundEnvelopes(t *testing.T) {
	b, _ := json.Marshal(NewOutboundMessage("hello"))
	if string(b) != `{"type":"message","content":"hello"}` {
		t.Fatalf("outbound message = %s", b)
	}
	b, _ = json.Marshal(NewModelChange("mistral-7b"))
	if string(b) != `{"type":"model_change","model_id":"mistral-7b"}` {
		t.Fatalf("model change = %s", b)
	}
}

func TestParseSession_EmbeddedEntities(t *testing.T) {
	raw := `{"id":"s1","title":"New Chat","model_id":"llama3-8b","created_at":"2025-01-01T00:00:00",
		"messages":[{"id":"m1","role":"user","content":"hi"}],"tasks":[{"id":"t1","title":"x","status":"completed","progress":100}]}`
	s, err := ParseSession(json.RawMessage(raw), testNow)
	if err != nil {
		t.Fatalf("ParseSession: %v", err)
	}
	if s.EffectiveModelID() != "llama3-8b" || len(s.Messages) != 1 || len(s.Tasks) != 1 {
		t.Fatalf("session = %+v", s)
	}
	if !s.UpdatedAt.Equal(s.CreatedAt) {
		t.Fatalf("updated_at should fall back to created_at, got %v vs %v", s.UpdatedAt, s.CreatedAt)
	}
}
