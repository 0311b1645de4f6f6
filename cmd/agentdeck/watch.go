package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/agentdeck/internal/bus"
	"github.com/basket/agentdeck/internal/chat"
	"github.com/basket/agentdeck/internal/protocol"
	"github.com/basket/agentdeck/internal/session"
	"github.com/basket/agentdeck/internal/tui"
)

// runWatchCommand follows a session without the chat UI. Every applied
// envelope becomes a JSON log line; -dashboard shows a status view instead
// of mirroring the log to stdout.
func runWatchCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("watch", stderr)
	dashboard := fs.Bool("dashboard", false, "render a live status view")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return 2
	}
	if len(positional) != 1 {
		fmt.Fprintln(stderr, "usage: agentdeck watch <session> [-dashboard]")
		return 2
	}

	a, err := newApp(ctx, *dashboard)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ctrl := a.controller(a.cfg.DefaultModel)
	defer ctrl.Close()

	sub := a.bus.Subscribe("")
	defer a.bus.Unsubscribe(sub)

	if err := ctrl.Switch(ctx, positional[0]); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	a.watchConfig(ctx)
	sched := a.startRefresher(ctx, ctrl)
	if sched != nil {
		defer sched.Stop()
	}

	w := &watcher{logger: a.logger, ctrl: ctrl}
	if !*dashboard {
		w.follow(ctx, sub)
		return 0
	}

	go w.follow(ctx, sub)
	started := time.Now()
	err = tui.Run(ctx, func() tui.Snapshot {
		snap := tui.SnapshotOf(ctrl, started)
		snap.LastEvent = w.last()
		if sched != nil {
			snap.NextSync = sched.NextRun()
		}
		return snap
	})
	if err != nil && ctx.Err() == nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// watcher turns bus events into log lines and remembers the latest one for
// the dashboard.
type watcher struct {
	logger *slog.Logger
	ctrl   *chat.Controller

	mu        sync.Mutex
	lastEvent string
}

func (w *watcher) last() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastEvent
}

func (w *watcher) follow(ctx context.Context, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			w.handle(ev)
		}
	}
}

func (w *watcher) handle(ev bus.Event) {
	snap := w.ctrl.Snapshot()
	desc := describeEvent(ev, snap)

	switch e := ev.Payload.(type) {
	case bus.SessionUpdatedEvent:
		w.logger.Info("envelope applied",
			"session_id", e.SessionID,
			"type", e.Kind,
			"agent_state", string(snap.AgentState),
			"messages", len(snap.Messages),
			"tasks", len(snap.Tasks),
			"steps", len(snap.TaskSteps),
			"actions", len(snap.AgentActions),
			"summary", desc,
		)
	case bus.HistoryRefreshedEvent:
		w.logger.Info("history refreshed",
			"session_id", e.SessionID, "tasks", e.Tasks, "steps", e.Steps, "actions", e.Actions)
	}

	w.mu.Lock()
	w.lastEvent = desc
	w.mu.Unlock()
}

func describeEvent(ev bus.Event, snap session.State) string {
	switch e := ev.Payload.(type) {
	case bus.SessionUpdatedEvent:
		switch e.Kind {
		case protocol.TypeMessage:
			if n := len(snap.Messages); n > 0 {
				return tui.DescribeMessage(snap.Messages[n-1])
			}
		case protocol.TypeAgentAction:
			if n := len(snap.AgentActions); n > 0 {
				return tui.ActionTitle(snap.AgentActions[n-1])
			}
		case protocol.TypeAgentState:
			return "agent " + tui.AgentStateText(snap.AgentState)
		}
		return "applied " + e.Kind
	case bus.EnvelopeRejectedEvent:
		if e.Type == "" {
			return fmt.Sprintf("rejected frame: %v", e.Err)
		}
		return fmt.Sprintf("rejected %s: %v", e.Type, e.Err)
	case bus.ConnectionChangedEvent:
		if e.Err != nil {
			return fmt.Sprintf("connection %s -> %s: %v", e.Old, e.New, e.Err)
		}
		return fmt.Sprintf("connection %s -> %s", e.Old, e.New)
	case bus.HistoryRefreshedEvent:
		return fmt.Sprintf("history: %d tasks, %d steps, %d actions", e.Tasks, e.Steps, e.Actions)
	case bus.ConfigChangedEvent:
		return "config.yaml changed"
	}
	return ev.Topic
}
