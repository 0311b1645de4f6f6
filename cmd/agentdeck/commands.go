package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/basket/agentdeck/internal/api"
	"github.com/basket/agentdeck/internal/config"
	"github.com/basket/agentdeck/internal/protocol"
	"github.com/basket/agentdeck/internal/tui"
)

// fileList is a repeatable -file flag.
type fileList []string

func (f *fileList) String() string { return strings.Join(*f, ",") }

func (f *fileList) Set(v string) error {
	if strings.TrimSpace(v) == "" {
		return errors.New("empty path")
	}
	*f = append(*f, v)
	return nil
}

// parseInterspersed parses fs while allowing flags after positional
// arguments, so "send s1 hi -file a.txt" works.
func parseInterspersed(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			return positional, nil
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// startApp is newApp for one-shot commands: logs stay in the log file.
func startApp(ctx context.Context, stderr io.Writer) (*app, bool) {
	a, err := newApp(ctx, true)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, false
	}
	return a, true
}

type modelsOutput struct {
	Models   []protocol.Model `json:"models"`
	Degraded bool             `json:"degraded"`
	Cause    string           `json:"cause,omitempty"`
}

func runModelsCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("models", stderr)
	jsonOutput := fs.Bool("json", false, "print JSON")
	pick := fs.Bool("select", false, "choose the default model interactively")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "usage: agentdeck models [-json] [-select]")
		return 2
	}

	a, ok := startApp(ctx, stderr)
	if !ok {
		return 1
	}
	defer a.Close()

	list := a.api.ListModels(ctx)
	if list.Degraded {
		fmt.Fprintf(stderr, "warning: backend model list unavailable (%v); showing built-in models\n", list.Cause)
	}

	if *pick {
		id, err := tui.RunModelSelector(list, a.cfg.DefaultModel)
		if errors.Is(err, tui.ErrSelectorCancelled) {
			return 0
		}
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		if err := config.SetDefaultModel(a.cfg.HomeDir, id); err != nil {
			fmt.Fprintf(stderr, "Error saving default model: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "Default model set to: %s\n", id)
		return 0
	}

	if *jsonOutput {
		out := modelsOutput{Models: list.Models, Degraded: list.Degraded}
		if list.Cause != nil {
			out.Cause = list.Cause.Error()
		}
		if err := writeJSON(stdout, out); err != nil {
			fmt.Fprintf(stderr, "Error encoding json: %v\n", err)
			return 1
		}
		return 0
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\tID\tNAME\tCONTEXT")
	for _, m := range list.Models {
		mark := ""
		if m.ID == a.cfg.DefaultModel {
			mark = "*"
		}
		ctxLen := "-"
		if m.ContextLength > 0 {
			ctxLen = fmt.Sprintf("%d", m.ContextLength)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", mark, m.ID, m.Name, ctxLen)
	}
	tw.Flush()
	return 0
}

func runSessionsCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("sessions", stderr)
	jsonOutput := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "usage: agentdeck sessions [-json]")
		return 2
	}

	a, ok := startApp(ctx, stderr)
	if !ok {
		return 1
	}
	defer a.Close()

	sessions, err := a.api.ListSessions(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if *jsonOutput {
		if sessions == nil {
			sessions = []protocol.ChatSession{}
		}
		if err := writeJSON(stdout, sessions); err != nil {
			fmt.Fprintf(stderr, "Error encoding json: %v\n", err)
			return 1
		}
		return 0
	}
	if len(sessions) == 0 {
		fmt.Fprintln(stdout, "No sessions.")
		return 0
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tMODEL\tCREATED")
	for _, s := range sessions {
		created := "-"
		if !s.CreatedAt.IsZero() {
			created = s.CreatedAt.Local().Format("2006-01-02 15:04")
		}
		model := s.EffectiveModelID()
		if model == "" {
			model = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.ID, s.Title, model, created)
	}
	tw.Flush()
	return 0
}

func runNewCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("new", stderr)
	model := fs.String("model", "", "model id (default: configured default, else first listed)")
	title := fs.String("title", "New chat", "session title")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "usage: agentdeck new [-model id] [-title text]")
		return 2
	}

	a, ok := startApp(ctx, stderr)
	if !ok {
		return 1
	}
	defer a.Close()

	modelID := strings.TrimSpace(*model)
	if modelID == "" {
		modelID = a.initialModel(ctx)
	}
	s, err := a.api.CreateSession(ctx, modelID, strings.TrimSpace(*title))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "%s\t%s\t%s\n", s.ID, s.Title, s.EffectiveModelID())
	return 0
}

func runSendCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("send", stderr)
	var files fileList
	fs.Var(&files, "file", "attach a file (repeatable)")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return 2
	}
	if len(positional) < 2 {
		fmt.Fprintln(stderr, "usage: agentdeck send <session> <text> [-file path]...")
		return 2
	}
	sessionID := positional[0]
	content := strings.Join(positional[1:], " ")
	if strings.TrimSpace(content) == "" {
		fmt.Fprintln(stderr, "Error: message is empty")
		return 2
	}

	attachments, closeAll, err := openAttachments(files)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer closeAll()

	a, ok := startApp(ctx, stderr)
	if !ok {
		return 1
	}
	defer a.Close()

	msg, err := a.api.SendMessage(ctx, sessionID, content, attachments)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	a.logger.Info("message sent over http", "session_id", sessionID, "message_id", msg.ID, "files", len(attachments))
	fmt.Fprintln(stdout, tui.DescribeMessage(msg))
	for _, f := range msg.Files {
		fmt.Fprintf(stdout, "  [file] %s\n", f.Name)
	}
	return 0
}

func openAttachments(paths []string) ([]api.Attachment, func(), error) {
	var opened []*os.File
	closeAll := func() {
		for _, f := range opened {
			f.Close()
		}
	}
	out := make([]api.Attachment, 0, len(paths))
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			closeAll()
			return nil, func() {}, err
		}
		opened = append(opened, f)
		out = append(out, api.Attachment{
			Name:        filepath.Base(p),
			ContentType: mime.TypeByExtension(filepath.Ext(p)),
			Data:        f,
		})
	}
	return out, closeAll, nil
}

var controlDone = map[string]string{
	"pause":  "Agent paused.",
	"resume": "Agent resumed.",
	"stop":   "Agent stopped.",
}

func runControlCommand(ctx context.Context, action string, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet(action, stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintf(stderr, "usage: agentdeck %s <session>\n", action)
		return 2
	}

	a, ok := startApp(ctx, stderr)
	if !ok {
		return 1
	}
	defer a.Close()

	var err error
	sessionID := fs.Arg(0)
	switch action {
	case "pause":
		err = a.api.PauseAgent(ctx, sessionID)
	case "resume":
		err = a.api.ResumeAgent(ctx, sessionID)
	case "stop":
		err = a.api.StopAgent(ctx, sessionID)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, controlDone[action])
	return 0
}

type taskOutput struct {
	protocol.Task
	Steps []protocol.TaskStep `json:"steps"`
}

func runTasksCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("tasks", stderr)
	jsonOutput := fs.Bool("json", false, "print JSON")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		return 2
	}
	if len(positional) != 1 {
		fmt.Fprintln(stderr, "usage: agentdeck tasks <session> [-json]")
		return 2
	}

	a, ok := startApp(ctx, stderr)
	if !ok {
		return 1
	}
	defer a.Close()

	tasks := a.api.ListTasks(ctx, positional[0])
	out := make([]taskOutput, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskOutput{Task: t, Steps: a.api.ListTaskSteps(ctx, t.ID)})
	}

	if *jsonOutput {
		if err := writeJSON(stdout, out); err != nil {
			fmt.Fprintf(stderr, "Error encoding json: %v\n", err)
			return 1
		}
		return 0
	}
	if len(out) == 0 {
		fmt.Fprintln(stdout, "No tasks yet.")
		return 0
	}
	for _, t := range out {
		fmt.Fprint(stdout, tui.RenderTask(t.Task, t.Steps))
	}
	return 0
}
