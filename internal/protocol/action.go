package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
	"unicode/utf8"
)

type ActionType string

const (
	ActionCommand        ActionType = "command"
	ActionBrowser        ActionType = "browser"
	ActionFile           ActionType = "file"
	ActionNotify         ActionType = "notify"
	ActionAsk            ActionType = "ask"
	ActionFileOperation  ActionType = "file_operation"
	ActionNetworkRequest ActionType = "network_request"
	ActionAnalysis       ActionType = "analysis"
	ActionOther          ActionType = "other"
)

// otherSummaryLimit bounds the summary kept for payloads without a typed variant.
const otherSummaryLimit = 100

// ActionPayload is implemented by each typed action payload variant.
type ActionPayload interface {
	ActionType() ActionType
}

type CommandPayload struct {
	Command string `json:"command"`
	Status  string `json:"status,omitempty"`
	Output  string `json:"output,omitempty"`
}

type BrowserPayload struct {
	URL         string `json:"url"`
	Operation   string `json:"operation,omitempty"`
	Description string `json:"description,omitempty"`
}

type FilePayload struct {
	Operation string `json:"operation"`
	Path      string `json:"path"`
}

type NotifyPayload struct {
	Message string `json:"message"`
}

type AskPayload struct {
	Question string `json:"question"`
}

type FileOperationPayload struct {
	Operation string `json:"operation"`
	Path      string `json:"path"`
}

type NetworkRequestPayload struct {
	Method     string `json:"method"`
	URL        string `json:"url"`
	StatusCode int    `json:"status_code,omitempty"`
}

type AnalysisPayload struct {
	Summary string `json:"summary"`
}

// OtherPayload carries a bounded textual summary of a payload whose type has
// no typed variant.
type OtherPayload struct {
	Summary string `json:"summary"`
}

func (CommandPayload) ActionType() ActionType        { return ActionCommand }
func (BrowserPayload) ActionType() ActionType        { return ActionBrowser }
func (FilePayload) ActionType() ActionType           { return ActionFile }
func (NotifyPayload) ActionType() ActionType         { return ActionNotify }
func (AskPayload) ActionType() ActionType            { return ActionAsk }
func (FileOperationPayload) ActionType() ActionType  { return ActionFileOperation }
func (NetworkRequestPayload) ActionType() ActionType { return ActionNetworkRequest }
func (AnalysisPayload) ActionType() ActionType       { return ActionAnalysis }
func (OtherPayload) ActionType() ActionType          { return ActionOther }

// AgentAction is a single observable thing the agent did. Quarantined lists
// payload keys the typed variant does not read; their values are discarded.
type AgentAction struct {
	ID          string        `json:"id"`
	Type        ActionType    `json:"type"`
	Description string        `json:"description"`
	Payload     ActionPayload `json:"payload"`
	Timestamp   time.Time     `json:"timestamp"`
	Quarantined []string      `json:"-"`
}

type wireAction struct {
	ID          string          `json:"id"`
	Type        ActionType      `json:"type"`
	Description string          `json:"description"`
	Payload     json.RawMessage `json:"payload"`
	Details     json.RawMessage `json:"details"`
	Timestamp   json.RawMessage `json:"timestamp"`
	CreatedAt   json.RawMessage `json:"created_at"`
}

// payloadFields lists the keys each typed variant reads.
var payloadFields = map[ActionType][]string{
	ActionCommand:        {"command", "status", "output"},
	ActionBrowser:        {"url", "operation", "description"},
	ActionFile:           {"operation", "path"},
	ActionNotify:         {"message"},
	ActionAsk:            {"question"},
	ActionFileOperation:  {"operation", "path"},
	ActionNetworkRequest: {"method", "url", "status_code"},
	ActionAnalysis:       {"summary"},
}

// ParseAgentAction normalizes an action object. The payload is read from
// "payload" or, failing that, "details"; the timestamp from "timestamp" or
// "created_at".
func ParseAgentAction(data json.RawMessage, now time.Time) (AgentAction, error) {
	if err := requireObject(data); err != nil {
		return AgentAction{}, fmt.Errorf("agent action: %w", err)
	}
	var w wireAction
	if err := json.Unmarshal(data, &w); err != nil {
		return AgentAction{}, fmt.Errorf("agent action: %w", err)
	}
	typ := w.Type
	if typ == "" {
		typ = ActionOther
	}
	raw := firstPresent(w.Payload, w.Details)
	payload, quarantined := decodePayload(typ, raw)
	return AgentAction{
		ID:          w.ID,
		Type:        typ,
		Description: w.Description,
		Payload:     payload,
		Timestamp:   parseWireTime(firstPresent(w.Timestamp, w.CreatedAt), now),
		Quarantined: quarantined,
	}, nil
}

func ParseAgentActions(data json.RawMessage, now time.Time) ([]AgentAction, error) {
	return parseList(data, now, ParseAgentAction)
}

func decodePayload(typ ActionType, raw json.RawMessage) (ActionPayload, []string) {
	known, typed := payloadFields[typ]
	if !typed {
		return OtherPayload{Summary: summarize(raw)}, nil
	}

	fields := map[string]json.RawMessage{}
	var quarantined []string
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &fields); err != nil {
			fields = map[string]json.RawMessage{}
			quarantined = append(quarantined, "(payload)")
		}
	}
	for key := range fields {
		if !contains(known, key) {
			quarantined = append(quarantined, key)
		}
	}
	sort.Strings(quarantined)

	str := func(key string) string { return fieldString(fields[key]) }
	switch typ {
	case ActionCommand:
		return CommandPayload{Command: str("command"), Status: str("status"), Output: str("output")}, quarantined
	case ActionBrowser:
		return BrowserPayload{URL: str("url"), Operation: str("operation"), Description: str("description")}, quarantined
	case ActionFile:
		return FilePayload{Operation: str("operation"), Path: str("path")}, quarantined
	case ActionNotify:
		return NotifyPayload{Message: str("message")}, quarantined
	case ActionAsk:
		return AskPayload{Question: str("question")}, quarantined
	case ActionFileOperation:
		return FileOperationPayload{Operation: str("operation"), Path: str("path")}, quarantined
	case ActionNetworkRequest:
		code, _ := strconv.Atoi(str("status_code"))
		return NetworkRequestPayload{Method: str("method"), URL: str("url"), StatusCode: code}, quarantined
	default:
		return AnalysisPayload{Summary: str("summary")}, quarantined
	}
}

// fieldString renders a scalar JSON value as text. Strings are unquoted,
// other scalars keep their literal form, null and absent become "".
func fieldString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}

func summarize(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		buf.Reset()
		buf.Write(bytes.TrimSpace(raw))
	}
	return truncateBytes(buf.String(), otherSummaryLimit)
}

// truncateBytes cuts s to at most n bytes without splitting a rune.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
