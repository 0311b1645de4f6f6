// Package chat ties the realtime channel and the HTTP client together for
// the session currently on screen.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/basket/agentdeck/internal/api"
	"github.com/basket/agentdeck/internal/bus"
	"github.com/basket/agentdeck/internal/otel"
	"github.com/basket/agentdeck/internal/protocol"
	"github.com/basket/agentdeck/internal/realtime"
	"github.com/basket/agentdeck/internal/session"
)

var (
	ErrEmptyMessage = errors.New("chat: message is empty")
	ErrNoSession    = errors.New("chat: no session selected")
	ErrSuperseded   = errors.New("chat: session changed before the result arrived")
)

// Route says which path carried a message.
type Route string

const (
	RouteRealtime Route = "realtime"
	RouteFallback Route = "fallback"
)

// Realtime is the part of *realtime.Client the controller drives.
type Realtime interface {
	SessionID() string
	Status() realtime.Status
	Snapshot() session.State
	SendMessage(ctx context.Context, content string) error
	ChangeModel(ctx context.Context, modelID string) error
	Update(kind string, fn func(session.State) session.State) error
	Close() error
}

// Backend is the part of *api.Client the controller drives.
type Backend interface {
	ListModels(ctx context.Context) api.ModelList
	ListSessions(ctx context.Context) ([]protocol.ChatSession, error)
	CreateSession(ctx context.Context, modelID, title string) (protocol.ChatSession, error)
	SendMessage(ctx context.Context, sessionID, content string, files []api.Attachment) (protocol.Message, error)
	ListTasks(ctx context.Context, sessionID string) []protocol.Task
	ListTaskSteps(ctx context.Context, taskID string) []protocol.TaskStep
	ListAgentActions(ctx context.Context, sessionID string) []protocol.AgentAction
	PauseAgent(ctx context.Context, sessionID string) error
	ResumeAgent(ctx context.Context, sessionID string) error
	StopAgent(ctx context.Context, sessionID string) error
}

// Dialer opens the realtime channel for a session.
type Dialer func(ctx context.Context, sessionID string) (Realtime, error)

// RealtimeDialer adapts realtime.Open to a Dialer. cfg.SessionID is
// replaced on each call.
func RealtimeDialer(cfg realtime.Config) Dialer {
	return func(ctx context.Context, sessionID string) (Realtime, error) {
		c := cfg
		c.SessionID = sessionID
		rt, err := realtime.Open(ctx, c)
		if err != nil {
			return nil, err
		}
		return rt, nil
	}
}

type Config struct {
	Backend Backend
	Dial    Dialer
	Logger  *slog.Logger
	Bus     *bus.Bus
	Metrics *otel.Metrics
	// Model is the model shown as selected before any ChangeModel.
	Model string
}

// Controller owns the current session. Switching sessions closes the old
// realtime channel first and bumps the generation so that late HTTP results
// for the old session are dropped.
type Controller struct {
	backend Backend
	dial    Dialer
	logger  *slog.Logger
	bus     *bus.Bus
	metrics *otel.Metrics

	mu        sync.Mutex
	rt        Realtime
	sessionID string
	modelID   string
	gen       uint64
}

func New(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		backend: cfg.Backend,
		dial:    cfg.Dial,
		logger:  logger,
		bus:     cfg.Bus,
		metrics: cfg.Metrics,
		modelID: cfg.Model,
	}
}

func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// ModelID is the last model successfully selected through ChangeModel, or
// Config.Model before that.
func (c *Controller) ModelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.modelID
}

// Switch makes sessionID current. The previous channel is closed before the
// new one is opened.
func (c *Controller) Switch(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return ErrNoSession
	}
	c.mu.Lock()
	c.gen++
	gen := c.gen
	prev := c.rt
	c.rt = nil
	c.sessionID = sessionID
	c.mu.Unlock()

	// The close handshake can stall on a dead peer; readers must not wait
	// on it.
	if prev != nil {
		_ = prev.Close()
	}

	rt, err := c.dial(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("chat: open session %s: %w", sessionID, err)
	}
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		_ = rt.Close()
		return ErrSuperseded
	}
	c.rt = rt
	c.mu.Unlock()
	c.logger.Info("session switched", "session_id", sessionID)
	return nil
}

// NewSession switches to a freshly generated session id.
func (c *Controller) NewSession(ctx context.Context) (string, error) {
	id := uuid.NewString()
	if err := c.Switch(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}

func (c *Controller) Close() error {
	c.mu.Lock()
	c.gen++
	rt := c.rt
	c.rt = nil
	c.mu.Unlock()
	if rt == nil {
		return nil
	}
	return rt.Close()
}

// Snapshot returns the current session state; empty when no session is
// open.
func (c *Controller) Snapshot() session.State {
	c.mu.Lock()
	rt := c.rt
	c.mu.Unlock()
	if rt == nil {
		return session.New()
	}
	return rt.Snapshot()
}

func (c *Controller) Status() realtime.Status {
	c.mu.Lock()
	rt := c.rt
	c.mu.Unlock()
	if rt == nil {
		return realtime.Status{}
	}
	return rt.Status()
}

func (c *Controller) current() (Realtime, string, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rt == nil || c.sessionID == "" {
		return nil, "", 0, ErrNoSession
	}
	return c.rt, c.sessionID, c.gen, nil
}

// Send delivers a user message. Text-only messages go over the realtime
// channel when it is connected; attachments and realtime failures use the
// HTTP endpoint instead.
func (c *Controller) Send(ctx context.Context, content string, files []api.Attachment) (Route, error) {
	content = strings.TrimSpace(content)
	if content == "" && len(files) == 0 {
		return "", ErrEmptyMessage
	}
	rt, sessionID, gen, err := c.current()
	if err != nil {
		return "", err
	}

	reason := "attachments"
	if len(files) == 0 {
		err := rt.SendMessage(ctx, content)
		if err == nil {
			return RouteRealtime, nil
		}
		if errors.Is(err, realtime.ErrClosed) {
			return "", err
		}
		reason = "disconnected"
		if !errors.Is(err, realtime.ErrNotConnected) {
			reason = "write_failed"
		}
		c.logger.Warn("realtime send failed, using http", "session_id", sessionID, "error", err)
	}

	c.metrics.SendFallback(ctx, reason)
	msg, err := c.backend.SendMessage(ctx, sessionID, content, files)
	if err != nil {
		return RouteFallback, fmt.Errorf("chat: send: %w", err)
	}

	// A connected channel echoes the message itself.
	if rt.Status().State != realtime.Connected {
		c.mu.Lock()
		if c.gen == gen {
			_ = rt.Update("message", func(s session.State) session.State {
				return session.AppendMessage(s, msg)
			})
		}
		c.mu.Unlock()
	}
	return RouteFallback, nil
}

// ChangeModel switches the backend model over the realtime channel.
func (c *Controller) ChangeModel(ctx context.Context, modelID string) error {
	modelID = strings.TrimSpace(modelID)
	if modelID == "" {
		return errors.New("chat: model id is required")
	}
	rt, _, _, err := c.current()
	if err != nil {
		return err
	}
	if err := rt.ChangeModel(ctx, modelID); err != nil {
		return err
	}
	c.mu.Lock()
	c.modelID = modelID
	c.mu.Unlock()
	return nil
}

func (c *Controller) Pause(ctx context.Context) error {
	return c.control(ctx, "pause", c.backend.PauseAgent)
}

func (c *Controller) Resume(ctx context.Context) error {
	return c.control(ctx, "resume", c.backend.ResumeAgent)
}

func (c *Controller) Stop(ctx context.Context) error {
	return c.control(ctx, "stop", c.backend.StopAgent)
}

func (c *Controller) control(ctx context.Context, action string, fn func(context.Context, string) error) error {
	id := c.SessionID()
	if id == "" {
		return ErrNoSession
	}
	if err := fn(ctx, id); err != nil {
		return fmt.Errorf("chat: %s agent: %w", action, err)
	}
	c.logger.Info("agent control sent", "action", action, "session_id", id)
	return nil
}

// History is what LoadHistory fetched.
type History struct {
	Tasks   []protocol.Task
	Steps   []protocol.TaskStep
	Actions []protocol.AgentAction
}

// LoadHistory fetches tasks, their steps and the action log over HTTP and
// installs them as snapshots. Results that arrive after a session switch are
// discarded with ErrSuperseded. Empty listings leave the collection as is;
// steps are replaced task by task.
func (c *Controller) LoadHistory(ctx context.Context) (History, error) {
	rt, sessionID, gen, err := c.current()
	if err != nil {
		return History{}, err
	}

	var h History
	h.Tasks = c.backend.ListTasks(ctx, sessionID)
	h.Steps = []protocol.TaskStep{}
	stepsByTask := make(map[string][]protocol.TaskStep, len(h.Tasks))
	for _, t := range h.Tasks {
		steps := c.backend.ListTaskSteps(ctx, t.ID)
		stepsByTask[t.ID] = steps
		h.Steps = append(h.Steps, steps...)
	}
	h.Actions = c.backend.ListAgentActions(ctx, sessionID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		c.logger.Debug("history discarded", "session_id", sessionID)
		return History{}, ErrSuperseded
	}
	err = rt.Update("history", func(s session.State) session.State {
		if len(h.Tasks) > 0 {
			s = session.ReplaceTasks(s, h.Tasks)
		}
		// Per task, so one failed step listing keeps that task's live steps.
		for _, t := range h.Tasks {
			if steps := stepsByTask[t.ID]; len(steps) > 0 {
				s = session.ReplaceStepsOfTask(s, t.ID, steps)
			}
		}
		if len(h.Actions) > 0 {
			s = session.ReplaceAgentActions(s, h.Actions)
		}
		return s
	})
	if err != nil {
		return History{}, err
	}
	c.bus.Publish(bus.TopicHistoryRefreshed, bus.HistoryRefreshedEvent{
		SessionID: sessionID,
		Tasks:     len(h.Tasks),
		Steps:     len(h.Steps),
		Actions:   len(h.Actions),
	})
	return h, nil
}

func (c *Controller) ListModels(ctx context.Context) api.ModelList {
	return c.backend.ListModels(ctx)
}

func (c *Controller) ListSessions(ctx context.Context) ([]protocol.ChatSession, error) {
	return c.backend.ListSessions(ctx)
}

func (c *Controller) CreateSession(ctx context.Context, modelID, title string) (protocol.ChatSession, error) {
	return c.backend.CreateSession(ctx, modelID, title)
}
