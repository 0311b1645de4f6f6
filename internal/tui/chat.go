package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/agentdeck/internal/api"
	"github.com/basket/agentdeck/internal/bus"
	"github.com/basket/agentdeck/internal/chat"
	"github.com/basket/agentdeck/internal/config"
	"github.com/basket/agentdeck/internal/protocol"
	"github.com/basket/agentdeck/internal/realtime"
	"github.com/basket/agentdeck/internal/session"
)

// Controller is what the chat UI drives. *chat.Controller implements it.
type Controller interface {
	SessionID() string
	ModelID() string
	Snapshot() session.State
	Status() realtime.Status
	Switch(ctx context.Context, sessionID string) error
	NewSession(ctx context.Context) (string, error)
	Send(ctx context.Context, content string, files []api.Attachment) (chat.Route, error)
	ChangeModel(ctx context.Context, modelID string) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) error
	LoadHistory(ctx context.Context) (chat.History, error)
	ListModels(ctx context.Context) api.ModelList
	ListSessions(ctx context.Context) ([]protocol.ChatSession, error)
	CreateSession(ctx context.Context, modelID, title string) (protocol.ChatSession, error)
}

// ChatConfig holds the dependencies for the chat UI.
type ChatConfig struct {
	Controller Controller
	Bus        *bus.Bus // nil disables live refresh; the status tick still polls
	Cfg        *config.Config
	HomeDir    string
	CancelFunc context.CancelFunc
	Logger     *slog.Logger
}

func (cc *ChatConfig) logger() *slog.Logger {
	if cc.Logger != nil {
		return cc.Logger
	}
	return slog.Default()
}

func (cc *ChatConfig) timeout() time.Duration {
	if cc.Cfg != nil && cc.Cfg.RequestTimeout() > 0 {
		return cc.Cfg.RequestTimeout()
	}
	return api.DefaultTimeout
}

// RunChat runs the interactive chat UI until the user quits or ctx ends.
// A fresh session id is generated when the controller has none.
func RunChat(ctx context.Context, cc ChatConfig) error {
	if cc.Controller == nil {
		return errors.New("tui: chat controller is required")
	}
	if cc.Controller.SessionID() == "" {
		if _, err := cc.Controller.NewSession(ctx); err != nil {
			return fmt.Errorf("open session: %w", err)
		}
	}
	m := newChatModel(ctx, cc)
	return runChatTUI(ctx, m, cc.CancelFunc)
}

// handleCommand processes a slash command. Returns true if the chat should exit.
func handleCommand(ctx context.Context, line string, cc *ChatConfig, out io.Writer) bool {
	parts := strings.SplitN(strings.TrimSpace(line), " ", 2)
	cmd := strings.ToLower(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = strings.TrimSpace(parts[1])
	}
	ctrl := cc.Controller

	ctx, cancel := context.WithTimeout(ctx, cc.timeout())
	defer cancel()

	switch cmd {
	case "/quit", "/exit":
		return true

	case "/help":
		fmt.Fprintln(out)
		fmt.Fprintln(out, "  Commands:")
		fmt.Fprintln(out, "    /help                 Show this help message")
		fmt.Fprintln(out, "    /session              Show the current session and connection")
		fmt.Fprintln(out, "    /session <id>         Switch to another session")
		fmt.Fprintln(out, "    /sessions             List sessions on the backend")
		fmt.Fprintln(out, "    /new                  Start a fresh session")
		fmt.Fprintln(out, "    /create [title]       Create a session on the backend and switch to it")
		fmt.Fprintln(out, "    /model                Interactive model selector")
		fmt.Fprintln(out, "    /model list           List available models")
		fmt.Fprintln(out, "    /model <id>           Change the session's model")
		fmt.Fprintln(out, "    /tasks                Show tasks and their steps")
		fmt.Fprintln(out, "    /history              Reload tasks and agent actions over HTTP")
		fmt.Fprintln(out, "    /pause /resume /stop  Control the agent")
		fmt.Fprintln(out, "    /quit                 Exit")
		fmt.Fprintln(out)
		fmt.Fprintln(out, "  Keys: Ctrl+A toggles the agent log, Ctrl+D quits.")
		fmt.Fprintln(out)

	case "/session":
		if arg == "" {
			st := ctrl.Status()
			fmt.Fprintf(out, "  Session: %s\n", ctrl.SessionID())
			fmt.Fprintf(out, "  Realtime: %s\n", st.State)
			if st.LastError != nil {
				fmt.Fprintf(out, "  Last error: %s\n", humanError(st.LastError))
			}
			fmt.Fprintln(out)
			return false
		}
		if err := ctrl.Switch(ctx, arg); err != nil {
			fmt.Fprintf(out, "  Error: %s\n\n", humanError(err))
			return false
		}
		fmt.Fprintf(out, "  Switched to session %s\n", arg)
		loadHistory(ctx, ctrl, out)

	case "/sessions":
		sessions, err := ctrl.ListSessions(ctx)
		if err != nil {
			fmt.Fprintf(out, "  Error: %s\n\n", humanError(err))
			return false
		}
		if len(sessions) == 0 {
			fmt.Fprintln(out, "  No sessions.")
			fmt.Fprintln(out)
			return false
		}
		fmt.Fprintln(out)
		for _, s := range sessions {
			marker := " "
			if s.ID == ctrl.SessionID() {
				marker = "*"
			}
			fmt.Fprintf(out, "  %s %-36s  %-24s  %s\n", marker, s.ID, s.Title, formatTime(s.UpdatedAt))
		}
		fmt.Fprintln(out)

	case "/new":
		id, err := ctrl.NewSession(ctx)
		if err != nil {
			fmt.Fprintf(out, "  Error: %s\n\n", humanError(err))
			return false
		}
		fmt.Fprintf(out, "  New session: %s\n\n", id)

	case "/create":
		title := arg
		if title == "" {
			title = defaultTitle
		}
		createSession(ctx, ctrl, ctrl.ModelID(), title, out)

	case "/model":
		handleModelCommand(ctx, arg, cc, out)

	case "/tasks":
		snap := ctrl.Snapshot()
		if len(snap.Tasks) == 0 {
			fmt.Fprintln(out, "  No tasks yet.")
			fmt.Fprintln(out)
			return false
		}
		fmt.Fprintln(out)
		for _, t := range snap.Tasks {
			fmt.Fprint(out, RenderTask(t, snap.StepsForTask(t.ID)))
		}
		fmt.Fprintln(out)

	case "/history":
		loadHistory(ctx, ctrl, out)

	case "/pause", "/resume", "/stop":
		var err error
		var done string
		switch cmd {
		case "/pause":
			err, done = ctrl.Pause(ctx), "Agent paused."
		case "/resume":
			err, done = ctrl.Resume(ctx), "Agent resumed."
		default:
			err, done = ctrl.Stop(ctx), "Agent stopped."
		}
		if err != nil {
			fmt.Fprintf(out, "  Error: %s\n\n", humanError(err))
			return false
		}
		fmt.Fprintf(out, "  %s\n\n", done)

	default:
		fmt.Fprintf(out, "  Unknown command: %s (try /help)\n\n", cmd)
	}
	return false
}

func handleModelCommand(ctx context.Context, arg string, cc *ChatConfig, out io.Writer) {
	ctrl := cc.Controller
	if arg == "" || arg == "list" {
		list := ctrl.ListModels(ctx)
		fmt.Fprintln(out)
		if list.Degraded {
			fmt.Fprintln(out, "  Backend unreachable; showing built-in models.")
		}
		for _, md := range list.Models {
			marker := " "
			if md.ID == ctrl.ModelID() {
				marker = "*"
			}
			fmt.Fprintf(out, "  %s %-14s %s\n", marker, md.ID, md.Name)
		}
		fmt.Fprintln(out)
		return
	}
	applyModel(ctx, cc, arg, out)
}

// applyModel switches the session's model and remembers it as the default.
func applyModel(ctx context.Context, cc *ChatConfig, modelID string, out io.Writer) {
	if err := cc.Controller.ChangeModel(ctx, modelID); err != nil {
		fmt.Fprintf(out, "  Error: %s\n\n", humanError(err))
		return
	}
	fmt.Fprintf(out, "  Model set to: %s\n", modelID)
	if cc.HomeDir != "" {
		if err := config.SetDefaultModel(cc.HomeDir, modelID); err != nil {
			cc.logger().Warn("save default model failed", "model_id", modelID, "error", err)
			fmt.Fprintf(out, "  Could not save default model: %s\n", humanError(err))
		} else if cc.Cfg != nil {
			cc.Cfg.DefaultModel = modelID
		}
	}
	fmt.Fprintln(out)
}

func createSession(ctx context.Context, ctrl Controller, modelID, title string, out io.Writer) {
	s, err := ctrl.CreateSession(ctx, modelID, title)
	if err != nil {
		fmt.Fprintf(out, "  Error: %s\n\n", humanError(err))
		return
	}
	if err := ctrl.Switch(ctx, s.ID); err != nil {
		fmt.Fprintf(out, "  Created %s but could not switch: %s\n\n", s.ID, humanError(err))
		return
	}
	fmt.Fprintf(out, "  Created session %q (%s)\n\n", s.Title, s.ID)
}

func loadHistory(ctx context.Context, ctrl Controller, out io.Writer) {
	h, err := ctrl.LoadHistory(ctx)
	if err != nil {
		fmt.Fprintf(out, "  History not loaded: %s\n\n", humanError(err))
		return
	}
	fmt.Fprintf(out, "  History: %d tasks, %d steps, %d actions\n\n", len(h.Tasks), len(h.Steps), len(h.Actions))
}
