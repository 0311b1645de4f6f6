package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/basket/agentdeck/internal/protocol"
)

// ModelList is the result of ListModels. When the backend cannot be reached
// or returns nothing usable, Models holds DefaultModels, Degraded is set and
// Cause says why.
type ModelList struct {
	Models   []protocol.Model
	Degraded bool
	Cause    error
}

// DefaultModels is the built-in model list shown when the backend has none.
func DefaultModels() []protocol.Model {
	return []protocol.Model{
		{ID: "llama3-8b", Name: "Llama 3 8B", Description: "Meta AI 8B parameter model", ContextLength: 8192},
		{ID: "mistral-7b", Name: "Mistral 7B", Description: "Mistral AI high-performance 7B parameter model", ContextLength: 8192},
		{ID: "gemma-7b", Name: "Gemma 7B", Description: "Google open model", ContextLength: 8192},
	}
}

var errNoModels = errors.New("api: backend returned no models")

func (c *Client) ListModels(ctx context.Context) ModelList {
	body, err := c.do(ctx, request{method: http.MethodGet, path: "/api/models", route: "/api/models"})
	var models []protocol.Model
	if err == nil {
		models, err = protocol.ParseModels(body)
	}
	if err == nil && len(models) == 0 {
		err = errNoModels
	}
	if err != nil {
		c.logger().Warn("model list unavailable, using defaults", "error", err)
		return ModelList{Models: DefaultModels(), Degraded: true, Cause: err}
	}
	return ModelList{Models: models}
}

func (c *Client) CreateSession(ctx context.Context, modelID, title string) (protocol.ChatSession, error) {
	body, err := jsonBody(map[string]string{"model_id": modelID, "title": title})
	if err != nil {
		return protocol.ChatSession{}, err
	}
	data, err := c.do(ctx, request{
		method:      http.MethodPost,
		path:        "/api/chat/sessions",
		route:       "/api/chat/sessions",
		body:        body,
		contentType: "application/json",
	})
	if err != nil {
		return protocol.ChatSession{}, err
	}
	return protocol.ParseSession(data, c.now())
}

func (c *Client) ListSessions(ctx context.Context) ([]protocol.ChatSession, error) {
	data, err := c.do(ctx, request{method: http.MethodGet, path: "/api/chat/sessions", route: "/api/chat/sessions"})
	if err != nil {
		return nil, err
	}
	return protocol.ParseSessions(data, c.now())
}

func (c *Client) GetSession(ctx context.Context, id string) (protocol.ChatSession, error) {
	if strings.TrimSpace(id) == "" {
		return protocol.ChatSession{}, ErrEmptyID
	}
	data, err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/api/chat/sessions/" + url.PathEscape(id),
		route:  "/api/chat/sessions/{id}",
	})
	if err != nil {
		return protocol.ChatSession{}, err
	}
	return protocol.ParseSession(data, c.now())
}

// Attachment is a file forwarded with a message. Data is read once.
type Attachment struct {
	Name        string
	ContentType string
	Data        io.Reader
}

// SendMessage posts a message as multipart form data: a "content" field and
// one "files" part per attachment. The backend's stored message is returned.
func (c *Client) SendMessage(ctx context.Context, sessionID, content string, files []Attachment) (protocol.Message, error) {
	if strings.TrimSpace(sessionID) == "" {
		return protocol.Message{}, ErrEmptyID
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("content", content); err != nil {
		return protocol.Message{}, err
	}
	for _, f := range files {
		if err := writeFilePart(mw, f); err != nil {
			return protocol.Message{}, fmt.Errorf("api: attach %q: %w", f.Name, err)
		}
	}
	if err := mw.Close(); err != nil {
		return protocol.Message{}, err
	}

	data, err := c.do(ctx, request{
		method:      http.MethodPost,
		path:        "/api/chat/sessions/" + url.PathEscape(sessionID) + "/messages",
		route:       "/api/chat/sessions/{id}/messages",
		body:        &buf,
		contentType: mw.FormDataContentType(),
	})
	if err != nil {
		return protocol.Message{}, err
	}
	return protocol.ParseMessage(data, c.now())
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func writeFilePart(mw *multipart.Writer, f Attachment) error {
	if f.Data == nil {
		return errors.New("no data")
	}
	ct := f.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename="%s"`, quoteEscaper.Replace(f.Name)))
	h.Set("Content-Type", ct)
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, f.Data)
	return err
}

// ListTasks returns the session's tasks. Failures are logged and yield an
// empty list.
func (c *Client) ListTasks(ctx context.Context, sessionID string) []protocol.Task {
	if strings.TrimSpace(sessionID) == "" {
		return []protocol.Task{}
	}
	data, err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/api/tasks?session_id=" + url.QueryEscape(sessionID),
		route:  "/api/tasks",
	})
	return listOrEmpty(c, "tasks", data, err, protocol.ParseTasks)
}

func (c *Client) ListTaskSteps(ctx context.Context, taskID string) []protocol.TaskStep {
	if strings.TrimSpace(taskID) == "" {
		return []protocol.TaskStep{}
	}
	data, err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/api/tasks/" + url.PathEscape(taskID) + "/steps",
		route:  "/api/tasks/{id}/steps",
	})
	return listOrEmpty(c, "task steps", data, err, protocol.ParseTaskSteps)
}

func (c *Client) ListAgentActions(ctx context.Context, sessionID string) []protocol.AgentAction {
	if strings.TrimSpace(sessionID) == "" {
		return []protocol.AgentAction{}
	}
	data, err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/api/sessions/" + url.PathEscape(sessionID) + "/actions",
		route:  "/api/sessions/{id}/actions",
	})
	return listOrEmpty(c, "agent actions", data, err, protocol.ParseAgentActions)
}

func listOrEmpty[T any](c *Client, what string, data []byte, err error, parse func(json.RawMessage, time.Time) ([]T, error)) []T {
	var out []T
	if err == nil {
		out, err = parse(data, c.now())
	}
	if err != nil {
		c.logger().Warn("history listing failed", "listing", what, "error", err)
		return []T{}
	}
	return out
}

func (c *Client) PauseAgent(ctx context.Context, sessionID string) error {
	return c.control(ctx, sessionID, "pause")
}

func (c *Client) ResumeAgent(ctx context.Context, sessionID string) error {
	return c.control(ctx, sessionID, "resume")
}

func (c *Client) StopAgent(ctx context.Context, sessionID string) error {
	return c.control(ctx, sessionID, "stop")
}

func (c *Client) control(ctx context.Context, sessionID, action string) error {
	if strings.TrimSpace(sessionID) == "" {
		return ErrEmptyID
	}
	_, err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/api/sessions/" + url.PathEscape(sessionID) + "/" + action,
		route:  "/api/sessions/{id}/" + action,
	})
	return err
}
