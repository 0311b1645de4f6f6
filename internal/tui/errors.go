package tui

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/basket/agentdeck/internal/api"
	"github.com/basket/agentdeck/internal/realtime"
)

// humanError turns an error chain into one short line for the chat pane.
// "chat: pause agent: connection refused" → "Connection refused"
func humanError(err error) string {
	if err == nil {
		return ""
	}

	var se *api.StatusError
	if errors.As(err, &se) {
		switch se.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return "Not authorised by the backend"
		case http.StatusNotFound:
			return fmt.Sprintf("Not found: %s", se.Path)
		}
		if se.Message != "" {
			return capitalize(se.Message)
		}
		return fmt.Sprintf("Backend returned %d", se.StatusCode)
	}
	var de *realtime.DialError
	if errors.As(err, &de) {
		if de.StatusCode != 0 {
			return fmt.Sprintf("Realtime handshake rejected (%s)", de.Status)
		}
		err = de.Err
	}
	if err == nil {
		return "Realtime connection failed"
	}

	msg := err.Error()
	if idx := strings.LastIndex(msg, ": "); idx != -1 && idx+2 < len(msg) {
		return capitalize(msg[idx+2:])
	}
	return msg
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
