package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	errNotObject = errors.New("expected a JSON object")
	errNotArray  = errors.New("expected a JSON array")
)

func requireObject(data json.RawMessage) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return errNotObject
	}
	return nil
}

// parseList decodes a JSON array element by element. A missing or null
// array decodes to an empty, non-nil slice.
func parseList[T any](data json.RawMessage, now time.Time, one func(json.RawMessage, time.Time) (T, error)) ([]T, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return []T{}, nil
	}
	if data[0] != '[' {
		return nil, errNotArray
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raws))
	for i, raw := range raws {
		v, err := one(raw, now)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// ParseMessage normalizes a message object. A missing or unparseable
// timestamp becomes now.
func ParseMessage(data json.RawMessage, now time.Time) (Message, error) {
	if err := requireObject(data); err != nil {
		return Message{}, fmt.Errorf("message: %w", err)
	}
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, fmt.Errorf("message: %w", err)
	}
	return Message{
		ID:        w.ID,
		Role:      w.Role,
		Content:   w.Content,
		Timestamp: parseWireTime(w.Timestamp, now),
		Files:     w.Files,
	}, nil
}

func ParseMessages(data json.RawMessage, now time.Time) ([]Message, error) {
	return parseList(data, now, ParseMessage)
}

func ParseTask(data json.RawMessage, now time.Time) (Task, error) {
	if err := requireObject(data); err != nil {
		return Task{}, fmt.Errorf("task: %w", err)
	}
	var w wireTask
	if err := json.Unmarshal(data, &w); err != nil {
		return Task{}, fmt.Errorf("task: %w", err)
	}
	status := w.Status
	if status == "" {
		status = TaskPending
	}
	return Task{
		ID:          w.ID,
		SessionID:   w.SessionID,
		Title:       w.Title,
		Description: w.Description,
		Status:      status,
		Progress:    clampProgress(w.Progress),
		CreatedAt:   parseWireTime(w.CreatedAt, now),
		UpdatedAt:   parseWireTime(w.UpdatedAt, now),
	}, nil
}

func ParseTasks(data json.RawMessage, now time.Time) ([]Task, error) {
	return parseList(data, now, ParseTask)
}

func ParseTaskStep(data json.RawMessage, now time.Time) (TaskStep, error) {
	if err := requireObject(data); err != nil {
		return TaskStep{}, fmt.Errorf("task step: %w", err)
	}
	var w wireTaskStep
	if err := json.Unmarshal(data, &w); err != nil {
		return TaskStep{}, fmt.Errorf("task step: %w", err)
	}
	status := w.Status
	if status == "" {
		status = TaskPending
	}
	step := TaskStep{
		ID:          w.ID,
		TaskID:      w.TaskID,
		Title:       w.Title,
		Description: w.Description,
		Status:      status,
		CreatedAt:   parseWireTime(w.CreatedAt, now),
		UpdatedAt:   parseWireTime(w.UpdatedAt, now),
	}
	if w.Output != nil {
		step.Output = *w.Output
	}
	return step, nil
}

func ParseTaskSteps(data json.RawMessage, now time.Time) ([]TaskStep, error) {
	return parseList(data, now, ParseTaskStep)
}

// ParseSession normalizes a session object including any embedded messages
// and tasks.
func ParseSession(data json.RawMessage, now time.Time) (ChatSession, error) {
	if err := requireObject(data); err != nil {
		return ChatSession{}, fmt.Errorf("session: %w", err)
	}
	var w wireSession
	if err := json.Unmarshal(data, &w); err != nil {
		return ChatSession{}, fmt.Errorf("session: %w", err)
	}
	s := ChatSession{
		ID:        w.ID,
		Title:     w.Title,
		ModelID:   w.ModelID,
		Model:     w.Model,
		CreatedAt: parseWireTime(w.CreatedAt, now),
		UpdatedAt: parseWireTime(firstPresent(w.UpdatedAt, w.CreatedAt), now),
	}
	for _, raw := range w.Messages {
		m, err := ParseMessage(raw, now)
		if err != nil {
			return ChatSession{}, fmt.Errorf("session %s: %w", w.ID, err)
		}
		s.Messages = append(s.Messages, m)
	}
	for _, raw := range w.Tasks {
		t, err := ParseTask(raw, now)
		if err != nil {
			return ChatSession{}, fmt.Errorf("session %s: %w", w.ID, err)
		}
		s.Tasks = append(s.Tasks, t)
	}
	return s, nil
}

func ParseSessions(data json.RawMessage, now time.Time) ([]ChatSession, error) {
	return parseList(data, now, ParseSession)
}

// ParseModels decodes a model list. Models without an id are dropped.
func ParseModels(data json.RawMessage) ([]Model, error) {
	var models []Model
	if err := json.Unmarshal(data, &models); err != nil {
		return nil, fmt.Errorf("models: %w", err)
	}
	out := models[:0]
	for _, m := range models {
		if m.ID == "" {
			continue
		}
		if m.Name == "" {
			m.Name = m.ID
		}
		out = append(out, m)
	}
	return out, nil
}

func clampProgress(p *float64) int {
	if p == nil || math.IsNaN(*p) {
		return 0
	}
	v := math.Round(*p)
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return int(v)
}
