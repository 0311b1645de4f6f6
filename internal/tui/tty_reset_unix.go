//go:build !windows

package tui

import (
	"os"
	"os/exec"

	"github.com/mattn/go-isatty"
)

func bestEffortResetTTY() {
	// If stdin isn't a TTY, nothing to fix.
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		return
	}

	// Use /dev/tty so we don't depend on redirected stdin.
	_ = exec.Command("sh", "-c", "stty sane < /dev/tty >/dev/null 2>&1 || true").Run()
}
