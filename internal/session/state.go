// Package session holds the client-side view of one chat session and the
// reducer that folds realtime envelopes into it.
package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/agentdeck/internal/protocol"
)

// State is an immutable snapshot. Apply and the Replace helpers never mutate
// the slices of the State they are given.
type State struct {
	Messages     []protocol.Message
	Tasks        []protocol.Task
	TaskSteps    []protocol.TaskStep
	AgentActions []protocol.AgentAction
	AgentState   protocol.AgentState
}

var errMissingData = errors.New("missing data")

// New returns the empty state of a freshly opened session.
func New() State {
	return State{AgentState: protocol.AgentIdle}
}

// Clone returns a copy whose slices do not alias s.
func (s State) Clone() State {
	return State{
		Messages:     cloneSlice(s.Messages),
		Tasks:        cloneSlice(s.Tasks),
		TaskSteps:    cloneSlice(s.TaskSteps),
		AgentActions: cloneSlice(s.AgentActions),
		AgentState:   s.AgentState,
	}
}

// Apply folds one envelope into s. On error the returned State is s.
// Unhandled types yield *protocol.UnknownTypeError.
func Apply(s State, env protocol.Envelope, now time.Time) (State, error) {
	switch env.Type {
	case protocol.TypeMessages, protocol.TypeTasks, protocol.TypeTaskSteps, protocol.TypeAgentActions:
		if err := requireSnapshot(env.Data); err != nil {
			return s, fmt.Errorf("%s: %w", env.Type, err)
		}
	}

	next := s
	switch env.Type {
	case protocol.TypeMessage:
		m, err := protocol.ParseMessage(env.Data, now)
		if err != nil {
			return s, err
		}
		next.Messages = appendCopy(s.Messages, m)

	case protocol.TypeMessages:
		msgs, err := protocol.ParseMessages(env.Data, now)
		if err != nil {
			return s, fmt.Errorf("messages: %w", err)
		}
		next.Messages = msgs

	case protocol.TypeTask:
		t, err := protocol.ParseTask(env.Data, now)
		if err != nil {
			return s, err
		}
		next.Tasks = upsert(s.Tasks, t, func(v protocol.Task) string { return v.ID })

	case protocol.TypeTasks:
		tasks, err := protocol.ParseTasks(env.Data, now)
		if err != nil {
			return s, fmt.Errorf("tasks: %w", err)
		}
		next.Tasks = tasks

	case protocol.TypeTaskStep:
		st, err := protocol.ParseTaskStep(env.Data, now)
		if err != nil {
			return s, err
		}
		next.TaskSteps = upsert(s.TaskSteps, st, func(v protocol.TaskStep) string { return v.ID })

	case protocol.TypeTaskSteps:
		steps, err := protocol.ParseTaskSteps(env.Data, now)
		if err != nil {
			return s, fmt.Errorf("task steps: %w", err)
		}
		next.TaskSteps = steps

	case protocol.TypeAgentAction:
		a, err := protocol.ParseAgentAction(env.Data, now)
		if err != nil {
			return s, err
		}
		next.AgentActions = appendCopy(s.AgentActions, a)

	case protocol.TypeAgentActions:
		actions, err := protocol.ParseAgentActions(env.Data, now)
		if err != nil {
			return s, fmt.Errorf("agent actions: %w", err)
		}
		next.AgentActions = actions

	case protocol.TypeAgentState:
		st, err := agentState(env.Data)
		if err != nil {
			return s, err
		}
		next.AgentState = st

	default:
		return s, &protocol.UnknownTypeError{Type: env.Type}
	}
	return next, nil
}

// requireSnapshot rejects a plural envelope without a payload. Only an
// explicit empty array clears a collection.
func requireSnapshot(data json.RawMessage) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return errMissingData
	}
	return nil
}

// agentState takes the payload verbatim: a JSON string is unquoted, any other
// value keeps its compact literal form.
func agentState(data json.RawMessage) (protocol.AgentState, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return "", fmt.Errorf("agent state: %w", errMissingData)
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return protocol.AgentState(s), nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return "", fmt.Errorf("agent state: %w", err)
	}
	return protocol.AgentState(buf.String()), nil
}

// AppendMessage appends m without touching the other collections.
func AppendMessage(s State, m protocol.Message) State {
	s.Messages = appendCopy(s.Messages, m)
	return s
}

func ReplaceTasks(s State, tasks []protocol.Task) State {
	s.Tasks = cloneSlice(tasks)
	return s
}

// ReplaceStepsOfTask swaps the steps of taskID for steps, keeping the steps
// of every other task.
func ReplaceStepsOfTask(s State, taskID string, steps []protocol.TaskStep) State {
	out := make([]protocol.TaskStep, 0, len(s.TaskSteps)+len(steps))
	for _, st := range s.TaskSteps {
		if st.TaskID != taskID {
			out = append(out, st)
		}
	}
	s.TaskSteps = append(out, steps...)
	return s
}

func ReplaceAgentActions(s State, actions []protocol.AgentAction) State {
	s.AgentActions = cloneSlice(actions)
	return s
}

// StepsForTask returns the steps of taskID in arrival order.
func (s State) StepsForTask(taskID string) []protocol.TaskStep {
	var out []protocol.TaskStep
	for _, st := range s.TaskSteps {
		if st.TaskID == taskID {
			out = append(out, st)
		}
	}
	return out
}

// CurrentTask returns the first task that is in progress.
func (s State) CurrentTask() (protocol.Task, bool) {
	for _, t := range s.Tasks {
		if t.Status == protocol.TaskInProgress {
			return t, true
		}
	}
	return protocol.Task{}, false
}

// InputLocked reports whether user input should be held back while the agent
// works. Waiting for the user always unlocks input.
func (s State) InputLocked() bool {
	return s.AgentState.Busy()
}

func upsert[T any](list []T, v T, id func(T) string) []T {
	key := id(v)
	for i := range list {
		if id(list[i]) == key {
			out := cloneSlice(list)
			out[i] = v
			return out
		}
	}
	return appendCopy(list, v)
}

func appendCopy[T any](list []T, v T) []T {
	out := make([]T, len(list), len(list)+1)
	copy(out, list)
	return append(out, v)
}

func cloneSlice[T any](list []T) []T {
	if list == nil {
		return nil
	}
	out := make([]T, len(list))
	copy(out, list)
	return out
}
