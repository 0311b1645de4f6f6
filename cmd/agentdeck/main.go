package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/agentdeck/internal/api"
	"github.com/basket/agentdeck/internal/config"
	"github.com/basket/agentdeck/internal/tui"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage(w io.Writer) {
	name := "agentdeck"
	fmt.Fprintf(w, `Usage of %[1]s:

INTERACTIVE MODE (default):
  %[1]s                          Start the chat TUI in a new session
  %[1]s -session <id>            Attach the chat TUI to an existing session

SUBCOMMANDS:
  %[1]s watch <session>          Log every applied realtime event as JSON lines
                                 Flags: -dashboard for a live status view
  %[1]s models [-json]           List models (-select to pick the default)
  %[1]s sessions [-json]         List chat sessions
  %[1]s new [-model] [-title]    Create a chat session on the backend
  %[1]s send <session> <text>    Send a message over HTTP
                                 Flags: -file <path> (repeatable)
  %[1]s pause|resume|stop <id>   Control the agent in a session
  %[1]s tasks <session>          Show tasks and their steps
  %[1]s doctor [-json]           Run diagnostic checks
  %[1]s version                  Print the version

FLAGS:
`, name)
	flag.CommandLine.SetOutput(w)
	flag.PrintDefaults()
	fmt.Fprintf(w, `
ENVIRONMENT VARIABLES:
  AGENTDECK_HOME                  Data directory (default: ~/.agentdeck)
  AGENTDECK_API_BASE_URL          Backend HTTP base URL (default: %s)
  AGENTDECK_WS_BASE_URL           Backend websocket base URL (derived from the HTTP one)
  AGENTDECK_NO_TUI                Set to 1 to refuse interactive mode
`, config.DefaultAPIBaseURL)
}

func main() {
	interactive := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("AGENTDECK_NO_TUI") == ""
	sessionID := flag.String("session", "", "attach to an existing session id")
	flag.Usage = func() { printUsage(os.Stderr) }
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		os.Exit(runSubcommand(ctx, args, os.Stdout, os.Stderr))
	}
	if !interactive {
		fmt.Fprintln(os.Stderr, "agentdeck: stdout is not a terminal; use a subcommand such as 'watch' (see -h)")
		os.Exit(2)
	}
	os.Exit(runInteractive(ctx, *sessionID))
}

func runSubcommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	case "version":
		fmt.Fprintln(stdout, Version)
		return 0
	case "watch":
		return runWatchCommand(ctx, args[1:], stdout, stderr)
	case "models":
		return runModelsCommand(ctx, args[1:], stdout, stderr)
	case "sessions":
		return runSessionsCommand(ctx, args[1:], stdout, stderr)
	case "new":
		return runNewCommand(ctx, args[1:], stdout, stderr)
	case "send":
		return runSendCommand(ctx, args[1:], stdout, stderr)
	case "pause", "resume", "stop":
		return runControlCommand(ctx, strings.ToLower(args[0]), args[1:], stdout, stderr)
	case "tasks":
		return runTasksCommand(ctx, args[1:], stdout, stderr)
	case "doctor":
		return runDoctorCommand(ctx, args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command %q (see %s -h)\n", args[0], "agentdeck")
		return 2
	}
}

func runInteractive(ctx context.Context, sessionID string) int {
	a, err := newApp(ctx, true)
	if err != nil {
		fatalStartup(nil, "E_STARTUP", err)
	}
	defer a.Close()

	if a.cfg.NeedsSetup {
		if err := config.WriteDefault(a.cfg.HomeDir); err != nil {
			a.logger.Warn("could not write default config", "error", err)
		} else {
			a.logger.Info("wrote default config", "path", config.ConfigPath(a.cfg.HomeDir))
		}
	}

	ctrl := a.controller(a.initialModel(ctx))
	defer ctrl.Close()

	if sessionID != "" {
		err = ctrl.Switch(ctx, sessionID)
	} else {
		_, err = ctrl.NewSession(ctx)
	}
	if err != nil {
		fatalStartup(a.logger, "E_SESSION_OPEN", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.watchConfig(ctx)
	if sched := a.startRefresher(ctx, ctrl); sched != nil {
		defer sched.Stop()
	}

	a.logger.Info("interactive session started",
		"session_id", ctrl.SessionID(), "model", ctrl.ModelID(), "config", a.cfg.Fingerprint())
	err = tui.RunChat(ctx, tui.ChatConfig{
		Controller: ctrl,
		Bus:        a.bus,
		Cfg:        &a.cfg,
		HomeDir:    a.cfg.HomeDir,
		CancelFunc: cancel,
		Logger:     a.logger,
	})
	if err != nil && ctx.Err() == nil {
		a.logger.Error("chat ui exited", "error", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// initialModel is the configured default, else the first listed model.
func (a *app) initialModel(ctx context.Context) string {
	if a.cfg.DefaultModel != "" {
		return a.cfg.DefaultModel
	}
	ctx, cancel := context.WithTimeout(ctx, a.requestTimeout())
	defer cancel()
	list := a.api.ListModels(ctx)
	if len(list.Models) == 0 {
		return ""
	}
	return list.Models[0].ID
}

func (a *app) requestTimeout() time.Duration {
	if d := a.cfg.RequestTimeout(); d > 0 {
		return d
	}
	return api.DefaultTimeout
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
		fmt.Fprintf(os.Stderr, "agentdeck: %s\n", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"agentdeck","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
