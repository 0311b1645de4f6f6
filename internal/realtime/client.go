// Package realtime maintains the websocket connection for one chat session
// and folds inbound envelopes into its state.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/agentdeck/internal/bus"
	"github.com/basket/agentdeck/internal/otel"
	"github.com/basket/agentdeck/internal/protocol"
	"github.com/basket/agentdeck/internal/session"
	"github.com/basket/agentdeck/internal/shared"
)

const (
	defaultDialTimeout  = 15 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultReadLimit    = 32 << 20
)

type Config struct {
	BaseURL   string // ws(s):// or http(s):// origin of the backend
	SessionID string
	Header    http.Header
	// Initial seeds the collections; nil starts from session.New().
	Initial      *session.State
	Reconnect    ReconnectPolicy
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	ReadLimit    int64
	Logger       *slog.Logger
	Bus          *bus.Bus
	Metrics      *otel.Metrics
	Now          func() time.Time
}

// Client owns one websocket for one session. All state mutation happens
// under mu, one envelope at a time, in arrival order.
type Client struct {
	cfg       Config
	sessionID string
	endpoint  string
	logger    *slog.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	conn   *websocket.Conn
	state  session.State
	status Status
	closed bool
}

// Open starts connecting in the background and returns immediately. The
// connection lives until Close or until ctx is done.
func Open(ctx context.Context, cfg Config) (*Client, error) {
	id := strings.TrimSpace(cfg.SessionID)
	if id == "" {
		return nil, ErrNoSession
	}
	endpoint, err := Endpoint(cfg.BaseURL, id)
	if err != nil {
		return nil, err
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	c := &Client{
		cfg:       cfg,
		sessionID: id,
		endpoint:  endpoint,
		logger:    logger.With("session_id", id),
		now:       now,
		done:      make(chan struct{}),
		state:     session.New(),
	}
	if cfg.Initial != nil {
		c.state = cfg.Initial.Clone()
	}
	c.ctx, c.cancel = context.WithCancel(shared.WithSessionID(ctx, id))

	c.setConnState(Connecting, nil)
	go c.run()
	return c, nil
}

func (c *Client) SessionID() string { return c.sessionID }

// Done is closed once the connection loop has exited for good.
func (c *Client) Done() <-chan struct{} { return c.done }

// Snapshot returns a copy of the session state.
func (c *Client) Snapshot() session.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Close tears the connection down in whatever state it is in and waits for
// the connection loop to exit. It is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client closed")
	}
	c.cancel()
	<-c.done
	return nil
}

func (c *Client) SendMessage(ctx context.Context, content string) error {
	return c.write(ctx, "message", protocol.NewOutboundMessage(content))
}

func (c *Client) ChangeModel(ctx context.Context, modelID string) error {
	return c.write(ctx, "model_change", protocol.NewModelChange(modelID))
}

// Apply runs env through the same reducer path as inbound frames.
func (c *Client) Apply(env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applyLocked(env)
}

// Update replaces the state with fn's result, serialized with inbound
// frames. kind names the change in the published event.
func (c *Client) Update(kind string, fn func(session.State) session.State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.state = fn(c.state)
	c.cfg.Bus.Publish(bus.TopicSessionUpdated, bus.SessionUpdatedEvent{SessionID: c.sessionID, Kind: kind})
	return nil
}

func (c *Client) write(ctx context.Context, kind string, v any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	conn := c.conn
	if conn == nil || c.status.State != Connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.mu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, conn, v); err != nil {
		err = fmt.Errorf("realtime: write %s: %w", kind, err)
		c.mu.Lock()
		c.status.LastError = err
		c.mu.Unlock()
		c.logger.Warn("realtime write failed", "kind", kind, "error", err)
		return err
	}
	c.logger.Debug("realtime frame sent", "kind", kind)
	return nil
}

func (c *Client) run() {
	defer close(c.done)

	policy := c.cfg.Reconnect
	backoff := policy.initial()
	failures := 0
	for {
		connected, err := c.connectAndRead()
		if c.stopping() {
			c.setConnState(Disconnected, nil)
			return
		}
		if connected {
			failures = 0
			backoff = policy.initial()
		} else {
			failures++
		}
		c.setConnState(Disconnected, err)
		if !policy.allows(err, failures) {
			return
		}

		c.mu.Lock()
		c.status.Reconnects++
		c.mu.Unlock()
		c.cfg.Metrics.ReconnectAttempt(c.ctx)
		c.logger.Info("realtime reconnecting", "in", backoff.String(), "failures", failures, "error", errString(err))

		timer := time.NewTimer(backoff)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			c.setConnState(Disconnected, nil)
			return
		case <-timer.C:
		}
		backoff = policy.next(backoff)
		c.setConnState(Connecting, nil)
	}
}

func (c *Client) stopping() bool {
	if c.ctx.Err() != nil {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// connectAndRead dials and then reads until the connection ends. connected
// reports whether the handshake succeeded.
func (c *Client) connectAndRead() (connected bool, err error) {
	dialCtx, cancel := context.WithTimeout(c.ctx, c.cfg.DialTimeout)
	conn, resp, err := websocket.Dial(dialCtx, c.endpoint, &websocket.DialOptions{HTTPHeader: c.cfg.Header.Clone()})
	cancel()
	if err != nil {
		if c.ctx.Err() != nil {
			return false, c.ctx.Err()
		}
		err = dialError(resp, err)
		c.logger.Warn("realtime dial failed", "url", shared.RedactURL(c.endpoint), "error", err)
		return false, err
	}
	conn.SetReadLimit(c.cfg.ReadLimit)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.CloseNow()
		return false, ErrClosed
	}
	c.conn = conn
	c.mu.Unlock()
	c.setConnState(Connected, nil)

	err = c.readLoop(conn)

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	_ = conn.CloseNow()
	return true, err
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			if c.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("realtime: read: %w", err)
		}
		c.dispatch(data)
	}
}

// dispatch decodes and applies one frame. Failures are contained to the
// frame.
func (c *Client) dispatch(frame []byte) {
	env, err := protocol.DecodeEnvelope(frame)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if err != nil {
		c.status.ParseErrors++
		c.status.LastParseError = err
		c.cfg.Metrics.EnvelopeRejected(c.ctx, "", "malformed")
		c.logger.Warn("realtime frame rejected", "bytes", len(frame), "error", err)
		c.cfg.Bus.Publish(bus.TopicEnvelopeRejected, bus.EnvelopeRejectedEvent{SessionID: c.sessionID, Err: err})
		return
	}
	_ = c.applyLocked(env)
}

func (c *Client) applyLocked(env protocol.Envelope) error {
	if c.closed {
		return ErrClosed
	}
	next, err := session.Apply(c.state, env, c.now())
	if err != nil {
		reason := "decode"
		var unknown *protocol.UnknownTypeError
		if errors.As(err, &unknown) {
			reason = "unknown"
			c.status.UnknownTypes++
			c.logger.Warn("realtime envelope type not recognized", "type", env.Type)
		} else {
			c.status.ParseErrors++
			c.status.LastParseError = err
			c.logger.Warn("realtime envelope data rejected", "type", env.Type, "error", err)
		}
		c.cfg.Metrics.EnvelopeRejected(c.ctx, env.Type, reason)
		c.cfg.Bus.Publish(bus.TopicEnvelopeRejected, bus.EnvelopeRejectedEvent{SessionID: c.sessionID, Type: env.Type, Err: err})
		return err
	}
	c.state = next
	c.status.Applied++
	c.cfg.Metrics.EnvelopeApplied(c.ctx, env.Type)
	c.logger.Debug("realtime envelope applied", "type", env.Type)
	c.cfg.Bus.Publish(bus.TopicSessionUpdated, bus.SessionUpdatedEvent{SessionID: c.sessionID, Kind: env.Type})
	return nil
}

// setConnState records a transition. A non-nil err becomes the last error;
// reaching Connected clears it.
func (c *Client) setConnState(s ConnState, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.status.State
	c.status.State = s
	switch {
	case s == Connected:
		c.status.LastError = nil
		c.status.ConnectedAt = c.now()
	case err != nil:
		c.status.LastError = err
	}
	if old == s {
		return
	}
	c.logger.Info("realtime connection state", "from", old.String(), "to", s.String(), "error", errString(err))
	if c.closed {
		return
	}
	c.cfg.Bus.Publish(bus.TopicConnectionChanged, bus.ConnectionChangedEvent{
		SessionID: c.sessionID,
		Old:       old.String(),
		New:       s.String(),
		Err:       err,
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
