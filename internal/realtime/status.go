package realtime

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	ErrNoSession    = errors.New("realtime: session id is required")
	ErrNotConnected = errors.New("realtime: not connected")
	ErrClosed       = errors.New("realtime: client closed")
)

// ConnState is the connection state machine:
// Disconnected -> Connecting -> Connected -> Disconnected.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Status is the observable health of a client.
type Status struct {
	State          ConnState
	LastError      error // cleared on every successful connect
	LastParseError error
	ParseErrors    int // malformed frames and undecodable payloads
	UnknownTypes   int
	Applied        int
	Reconnects     int
	ConnectedAt    time.Time
}

// ReconnectPolicy controls retries after a failed dial or a dropped
// connection. The zero value never retries.
type ReconnectPolicy struct {
	Enabled        bool
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxAttempts bounds consecutive failed dials; 0 means unbounded.
	MaxAttempts int
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		MaxAttempts:    5,
	}
}

func (p ReconnectPolicy) initial() time.Duration {
	if p.InitialBackoff <= 0 {
		return 500 * time.Millisecond
	}
	return p.InitialBackoff
}

func (p ReconnectPolicy) next(d time.Duration) time.Duration {
	d *= 2
	limit := p.MaxBackoff
	if limit <= 0 {
		limit = 30 * time.Second
	}
	if d > limit {
		d = limit
	}
	return d
}

// allows reports whether another dial may follow err after failures
// consecutive failed dials.
func (p ReconnectPolicy) allows(err error, failures int) bool {
	if !p.Enabled {
		return false
	}
	var de *DialError
	if errors.As(err, &de) && (de.StatusCode == http.StatusUnauthorized || de.StatusCode == http.StatusForbidden) {
		return false
	}
	return p.MaxAttempts <= 0 || failures < p.MaxAttempts
}

// DialError is a failed websocket handshake. StatusCode is 0 when no HTTP
// response was received.
type DialError struct {
	StatusCode int
	Status     string
	Body       string
	Err        error
}

func (e *DialError) Error() string {
	switch {
	case e.StatusCode == 0:
		return fmt.Sprintf("websocket connection failed: %v", e.Err)
	case e.Body != "":
		return fmt.Sprintf("websocket connection failed (%s): %s", e.Status, e.Body)
	default:
		return fmt.Sprintf("websocket connection failed (%s)", e.Status)
	}
}

func (e *DialError) Unwrap() error { return e.Err }

const maxDialErrorBody = 1024

func dialError(resp *http.Response, err error) error {
	de := &DialError{Err: err}
	if resp != nil {
		de.StatusCode = resp.StatusCode
		de.Status = resp.Status
		if resp.Body != nil {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, maxDialErrorBody))
			resp.Body.Close()
			de.Body = strings.TrimSpace(string(data))
		}
	}
	return de
}

// Endpoint returns the websocket URL for a session under base.
func Endpoint(base, sessionID string) (string, error) {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("realtime: base url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return "", fmt.Errorf("realtime: base url %q: unsupported scheme %q", base, u.Scheme)
	}
	return base + "/ws/chat/" + url.PathEscape(sessionID), nil
}
