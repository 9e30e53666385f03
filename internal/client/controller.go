// Package client keeps a chat connection alive from the initiating side:
// it dials, waits for the server's authentication verdict, retries
// transport failures with exponential backoff and correlates outbound
// actions with their acknowledgments.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go-realtime/internal/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

const (
	defaultInitialDelay   = time.Second
	defaultMaxDelay       = 30 * time.Second
	defaultMaxAttempts    = 5
	defaultConnectTimeout = 10 * time.Second
	writeWait             = 10 * time.Second
)

// Reasons the server uses for credential problems. Any other
// connection:error, attempt_limit included, is treated as retryable.
var authReasons = map[string]bool{
	"missing_token": true,
	"missing_user":  true,
	"invalid_token": true,
	"user_mismatch": true,
}

type Options struct {
	URL    string
	Token  string
	UserID string

	InitialDelay   time.Duration
	MaxDelay       time.Duration
	MaxAttempts    int
	ConnectTimeout time.Duration

	Dialer *websocket.Dialer
	Logger *slog.Logger

	OnStateChange     func(State)
	OnAuthError       func(*AuthError)
	OnConnectionError func(error)
	// OnReconnect fires after a connection becomes ready again. Replaying
	// anything queued while offline is the caller's job.
	OnReconnect func()
	OnEvent     func(eventType string, data json.RawMessage)
}

// Reply is the server's acknowledgment of one action.
type Reply struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type Controller struct {
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	everReady bool
	cancel    context.CancelFunc
	done      chan struct{}

	// notify serializes OnStateChange so observers see mutations in order.
	notify sync.Mutex

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan Reply
	seq       atomic.Uint64
}

func New(opts Options) *Controller {
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = defaultInitialDelay
	}
	if opts.MaxDelay < opts.InitialDelay {
		opts.MaxDelay = defaultMaxDelay
		if opts.MaxDelay < opts.InitialDelay {
			opts.MaxDelay = opts.InitialDelay
		}
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Controller{
		opts:    opts,
		logger:  logger,
		state:   State{Phase: PhaseIdle},
		pending: make(map[string]chan Reply),
	}
}

// State returns a snapshot of the state record.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// mutate applies fn to the state record and publishes the result.
func (c *Controller) mutate(fn func(s *State)) {
	c.notify.Lock()
	defer c.notify.Unlock()

	c.mu.Lock()
	before := c.state
	fn(&c.state)
	after := c.state
	c.mu.Unlock()

	if before != after && c.opts.OnStateChange != nil {
		c.opts.OnStateChange(after)
	}
}

// Connect starts the connection loop in the background.
func (c *Controller) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx, c.opts.Token, c.opts.UserID, c.done)
	return nil
}

// Close stops the loop, drops the transport and returns to idle.
func (c *Controller) Close() {
	c.stop()
	c.mutate(func(s *State) {
		*s = State{Phase: PhaseIdle}
	})
}

// UpdateCredentials tears the transport down and runs the whole lifecycle
// again with the new credentials.
func (c *Controller) UpdateCredentials(token, userID string) error {
	c.stop()

	c.mu.Lock()
	c.opts.Token = token
	c.opts.UserID = userID
	c.everReady = false
	c.mu.Unlock()

	c.mutate(func(s *State) {
		*s = State{Phase: PhaseIdle}
	})
	c.logger.Info("[CLIENT] Credentials updated, reconnecting", "user", userID)
	return c.Connect()
}

func (c *Controller) stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	if cancel == nil {
		c.mu.Unlock()
		return
	}
	// Cancel under the lock: session either sees it or has published conn.
	cancel()
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	<-done
}

func (c *Controller) run(ctx context.Context, token, userID string, done chan struct{}) {
	// The auth callback runs after done is closed so it may call
	// UpdateCredentials.
	var onExit func()
	defer func() {
		// A loop that ended on its own no longer counts as running, so a
		// later Connect starts afresh.
		c.mu.Lock()
		if c.done == done {
			c.cancel()
			c.cancel, c.done = nil, nil
		}
		c.mu.Unlock()

		close(done)
		if onExit != nil {
			onExit()
		}
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialDelay
	b.MaxInterval = c.opts.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()

	// Each run starts a fresh attempt sequence.
	c.mutate(func(s *State) {
		s.AttemptCount = 0
		s.Error = ""
	})

	for {
		c.mutate(func(s *State) {
			if s.AttemptCount == 0 {
				s.Phase = PhaseConnecting
			}
			s.IsConnecting = true
		})

		err := c.session(ctx, token, userID, b)
		if ctx.Err() != nil {
			return
		}

		var authErr *AuthError
		if errors.As(err, &authErr) {
			c.logger.Warn("[CLIENT] Authentication rejected, not retrying", "reason", authErr.Reason)
			c.mutate(func(s *State) {
				s.Phase = PhaseError
				s.IsConnecting = false
				s.Error = authErr.Error()
			})
			c.detach()
			if c.opts.OnAuthError != nil {
				onExit = func() { c.opts.OnAuthError(authErr) }
			}
			return
		}

		c.logger.Warn("[CLIENT] Connection error", "error", err)
		c.mutate(func(s *State) {
			s.Error = err.Error()
			s.AttemptCount++
		})
		if c.opts.OnConnectionError != nil {
			c.opts.OnConnectionError(err)
		}

		if attempts := c.State().AttemptCount; attempts > c.opts.MaxAttempts {
			c.mutate(func(s *State) {
				s.Phase = PhaseError
				s.IsConnecting = false
				s.Error = ErrMaxAttempts.Error()
			})
			c.detach()
			return
		}

		c.mutate(func(s *State) { s.Phase = PhaseReconnecting })
		wait := b.NextBackOff()
		c.logger.Info("[CLIENT] Reconnecting", "attempt", c.State().AttemptCount, "wait", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session runs one physical connection until it fails.
func (c *Controller) session(ctx context.Context, token, userID string, b backoff.BackOff) error {
	target, err := c.dialURL(token, userID)
	if err != nil {
		return &AuthError{Message: err.Error(), Reason: "bad_url"}
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	conn, resp, err := c.opts.Dialer.DialContext(dialCtx, target, nil)
	cancel()
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return &AuthError{Message: resp.Status, Reason: "http_" + strconv.Itoa(resp.StatusCode)}
		}
		return &ConnectionError{Err: err}
	}

	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		conn.Close()
		return ctx.Err()
	}
	c.conn = conn
	c.mu.Unlock()
	defer c.detach()

	c.mutate(func(s *State) {
		s.Phase = PhaseConnected
		s.IsConnected = true
		s.IsConnecting = false
	})
	c.mutate(func(s *State) { s.Phase = PhaseAuthenticating })

	if err := c.awaitVerdict(conn); err != nil {
		return err
	}

	c.mu.Lock()
	reconnected := c.everReady
	c.everReady = true
	c.mu.Unlock()

	c.mutate(func(s *State) { s.IsAuthenticated = true })
	c.mutate(func(s *State) {
		s.Phase = PhaseReady
		s.IsReady = true
		s.Error = ""
		s.AttemptCount = 0
	})
	b.Reset()

	if reconnected {
		c.logger.Info("[CLIENT] Reconnected")
		if c.opts.OnReconnect != nil {
			// Off the read path: the callback may itself send actions.
			go c.opts.OnReconnect()
		}
	}

	return c.readLoop(conn)
}

func (c *Controller) dialURL(token, userID string) (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	q.Set("userId", userID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// awaitVerdict reads the server's connection:success or connection:error.
func (c *Controller) awaitVerdict(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(c.opts.ConnectTimeout))
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return &ConnectionError{Err: err}
		}
		env, err := models.DecodeEnvelope(raw)
		if err != nil {
			c.logger.Warn("[CLIENT] Ignoring malformed frame during handshake", "error", err)
			continue
		}

		switch env.Type {
		case models.EventConnectionSuccess:
			return nil
		case models.EventConnectionError:
			var ce models.ConnectionError
			if err := json.Unmarshal(env.Data, &ce); err != nil {
				return &ConnectionError{Err: fmt.Errorf("unreadable connection:error: %w", err)}
			}
			if authReasons[ce.Reason] {
				return &AuthError{Message: ce.Error, Reason: ce.Reason, Attempt: ce.ReconnectAttempt}
			}
			return &ConnectionError{Err: fmt.Errorf("%s (%s)", ce.Error, ce.Reason)}
		default:
			c.deliverEvent(env)
		}
	}
}

func (c *Controller) readLoop(conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return &ConnectionError{Err: err}
		}
		env, err := models.DecodeEnvelope(raw)
		if err != nil {
			c.logger.Warn("[CLIENT] Ignoring malformed frame", "error", err)
			continue
		}

		if env.Type == models.EventAck {
			c.resolve(env)
			continue
		}
		c.deliverEvent(env)
	}
}

func (c *Controller) deliverEvent(env models.Envelope) {
	if c.opts.OnEvent != nil {
		c.opts.OnEvent(env.Type, env.Data)
	}
}

func (c *Controller) resolve(env models.Envelope) {
	var reply Reply
	if err := json.Unmarshal(env.Data, &reply); err != nil {
		c.logger.Warn("[CLIENT] Unreadable ack", "id", env.ID, "error", err)
		return
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[env.ID]
	delete(c.pending, env.ID)
	c.pendingMu.Unlock()

	if ok {
		ch <- reply
	}
}

// detach drops the current transport and fails every pending action.
func (c *Controller) detach() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()

	c.mutate(func(s *State) {
		s.IsConnected = false
		s.IsAuthenticated = false
		s.IsReady = false
	})
}

// SendEvent sends one action and waits for its acknowledgment. It fails
// at once unless the controller is fully ready, and with ErrAckTimeout
// when no acknowledgment arrives within the connect timeout.
func (c *Controller) SendEvent(ctx context.Context, actionType string, data interface{}) (Reply, error) {
	c.mu.Lock()
	st, conn := c.state, c.conn
	c.mu.Unlock()
	if !st.Usable() || conn == nil {
		return Reply{}, ErrNotReady
	}

	id := strconv.FormatUint(c.seq.Add(1), 10)
	frame, err := models.EncodeAction(actionType, id, data)
	if err != nil {
		return Reply{}, fmt.Errorf("encode %s: %w", actionType, err)
	}

	ch := make(chan Reply, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteMessage(websocket.TextMessage, frame)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return Reply{}, &ConnectionError{Err: err}
	}

	timer := time.NewTimer(c.opts.ConnectTimeout)
	defer timer.Stop()

	select {
	case reply, ok := <-ch:
		if !ok {
			return Reply{}, ErrDisconnected
		}
		return reply, nil
	case <-timer.C:
		c.forget(id)
		return Reply{}, ErrAckTimeout
	case <-ctx.Done():
		c.forget(id)
		return Reply{}, ctx.Err()
	}
}

func (c *Controller) forget(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}
