// Package websocket is the agent side of the remote channel: it connects and
// registers the device, keeps a heartbeat, accepts execute_tweak pushes and
// acknowledges results while the channel is up.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/breeze-rmm/tweakagent/internal/health"
	"github.com/breeze-rmm/tweakagent/internal/logging"
	"github.com/breeze-rmm/tweakagent/internal/tweak"
	"github.com/breeze-rmm/tweakagent/internal/workerpool"
	"github.com/breeze-rmm/tweakagent/pkg/protocol"
)

var log = logging.L("websocket")

const (
	writeWait        = 10 * time.Second
	registerWait     = 10 * time.Second
	pongWait         = 60 * time.Second
	maxMessageSize   = 512 * 1024
	headerToken      = "X-Machine-Token"
	defaultInterval  = 30 * time.Second
	defaultThreshold = 3
	defaultRetry     = 5 * time.Second
	defaultClose     = 2 * time.Second
)

// ErrNotConnected is returned by sends while the channel is not Connected.
var ErrNotConnected = errors.New("remote channel not connected")

// State of the channel.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config holds remote channel settings. Zero durations take the defaults.
type Config struct {
	ServerURL    string
	DeviceID     string
	MachineToken string

	HeartbeatInterval time.Duration
	FailureThreshold  int
	// RetryDelay is the fixed wait between connection attempts.
	RetryDelay time.Duration
	// CloseDelay is the wait after the channel drops before reconnecting.
	CloseDelay time.Duration
}

func (c *Config) withDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultInterval
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaultThreshold
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetry
	}
	if c.CloseDelay <= 0 {
		c.CloseDelay = defaultClose
	}
}

// Handler applies a pushed tweak and returns its log.
type Handler func(ctx context.Context, def tweak.Definition, correlationID string) tweak.ApplicationLog

// HealthSource produces the optional health_data payload sent after each
// successful heartbeat.
type HealthSource func(ctx context.Context) any

// Client manages the channel to the hub.
type Client struct {
	cfg     Config
	dialer  *websocket.Dialer
	handler Handler
	pool    *workerpool.Pool
	monitor *health.Monitor
	source  HealthSource

	state     atomic.Int32
	connectMu sync.Mutex // one dial at a time
	connMu    sync.Mutex
	conn      *websocket.Conn
	writeMu   sync.Mutex

	// failures is only touched by the heartbeat loop.
	failures int
}

type Option func(*Client)

// WithHealth reports channel state to m.
func WithHealth(m *health.Monitor) Option {
	return func(c *Client) { c.monitor = m }
}

// WithHealthSource sends health_data after every successful heartbeat.
func WithHealthSource(s HealthSource) Option {
	return func(c *Client) { c.source = s }
}

// WithDialer replaces the default dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// New creates a client. Pushed tweaks run on pool so a slow apply never
// delays a heartbeat.
func New(cfg Config, handler Handler, pool *workerpool.Pool, opts ...Option) *Client {
	cfg.withDefaults()
	c := &Client{
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		handler: handler,
		pool:    pool,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current channel state.
func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev == s {
		return
	}
	log.Debug("channel state", "from", prev.String(), "to", s.String())
	if c.monitor == nil {
		return
	}
	switch s {
	case StateConnected:
		c.monitor.Update(health.ComponentChannel, health.Healthy, "")
	case StateConnecting:
		c.monitor.Update(health.ComponentChannel, health.Degraded, "connecting")
	default:
		c.monitor.Update(health.ComponentChannel, health.Unhealthy, s.String())
	}
}

// Connect blocks until the channel is connected and the device registered,
// retrying with a fixed delay. It returns only on success or when ctx ends.
func (c *Client) Connect(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		err := c.connectOnce(ctx)
		if err == nil {
			return nil
		}
		log.Warn("connection failed", "attempt", attempt, "retryIn", c.cfg.RetryDelay, logging.KeyError, err)

		timer := time.NewTimer(c.cfg.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// connectOnce dials and registers unless another caller already did.
func (c *Client) connectOnce(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if c.State() == StateConnected {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.setState(StateConnecting)

	conn, err := c.dial(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}
	if err := c.register(conn); err != nil {
		conn.Close()
		c.setState(StateDisconnected)
		return fmt.Errorf("register device: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.setState(StateConnected)
	log.Info("connected and registered", "server", c.cfg.ServerURL, logging.KeyDeviceID, c.cfg.DeviceID)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL, err := c.buildWSURL()
	if err != nil {
		return nil, fmt.Errorf("build channel URL: %w", err)
	}
	header := http.Header{}
	if c.cfg.MachineToken != "" {
		header.Set(headerToken, c.cfg.MachineToken)
	}
	conn, resp, err := c.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (HTTP %d)", wsURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	conn.SetReadLimit(maxMessageSize)
	return conn, nil
}

func (c *Client) buildWSURL() (string, error) {
	u, err := url.Parse(c.cfg.ServerURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + protocol.ChannelPath
	q := u.Query()
	q.Set("deviceId", c.cfg.DeviceID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// register sends register_device and waits for the hub to confirm.
func (c *Client) register(conn *websocket.Conn) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(protocol.RegisterDevice(c.cfg.DeviceID)); err != nil {
		return err
	}
	conn.SetReadDeadline(time.Now().Add(registerWait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	env, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	switch env.Type {
	case protocol.TypeRegistered:
		return nil
	case protocol.TypeError:
		return fmt.Errorf("hub refused registration: %s", env.Error)
	default:
		return fmt.Errorf("unexpected %s before registration", env.Type)
	}
}

// Run services the channel until ctx ends: it reads pushed messages,
// reconnects after the channel closes, and sends heartbeats. Connect must
// have succeeded first.
func (c *Client) Run(ctx context.Context) error {
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		c.connectionLoop(ctx)
	}()

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			<-readDone
			return ctx.Err()
		case <-ticker.C:
			c.heartbeatTick(ctx)
		}
	}
}

// connectionLoop reads until the channel drops, waits CloseDelay, and
// reconnects.
func (c *Client) connectionLoop(ctx context.Context) {
	for {
		if conn := c.currentConn(); conn != nil {
			c.readPump(ctx, conn)
		}
		if ctx.Err() != nil {
			return
		}
		log.Info("channel closed, reconnecting", "delay", c.cfg.CloseDelay)
		timer := time.NewTimer(c.cfg.CloseDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if err := c.Connect(ctx); err != nil {
			return
		}
	}
}

func (c *Client) currentConn() *websocket.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

func (c *Client) readPump(ctx context.Context, conn *websocket.Conn) {
	readWait := pongWait
	if w := 2 * c.cfg.HeartbeatInterval; w > readWait {
		readWait = w
	}
	extend := func() { conn.SetReadDeadline(time.Now().Add(readWait)) }
	extend()
	conn.SetPingHandler(func(appData string) error {
		extend()
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && ctx.Err() == nil {
				log.Warn("read error", logging.KeyError, err)
			}
			c.dropConn(conn)
			return
		}
		extend()

		env, err := protocol.Decode(data)
		if err != nil {
			log.Warn("ignoring malformed message", logging.KeyError, err)
			continue
		}
		switch env.Type {
		case protocol.TypeExecuteTweak:
			c.accept(*env.Tweak, env.CorrelationID)
		case protocol.TypeError:
			log.Warn("hub reported error", "message", env.Error)
		default:
			// acknowledgements carry nothing the agent acts on
		}
	}
}

// accept hands a pushed tweak to the worker pool. When the pool refuses it,
// a failed log is acknowledged so the operator learns why.
func (c *Client) accept(def tweak.Definition, correlationID string) {
	logger := logging.WithTweak(log, def.ID, correlationID)
	logger.Info("tweak received", "commandType", string(def.CommandType))

	ok := c.pool.Submit(func(ctx context.Context) {
		l := c.handler(ctx, def, correlationID)
		c.ack(l, correlationID)
	})
	if ok {
		return
	}
	l := tweak.NewLog(def)
	l.DeviceID = c.cfg.DeviceID
	l.CorrelationID = correlationID
	l.AppliedUTC = time.Now().UTC()
	l.Fail(tweak.ReasonApplyFailed, errors.New("agent busy: tweak queue full"))
	l.Finalize()
	logger.Warn("tweak rejected, worker queue full")
	c.ack(l, correlationID)
}

func (c *Client) ack(l tweak.ApplicationLog, correlationID string) {
	if err := c.ReportExecutionResult(l, correlationID); err != nil {
		// The REST audit report is the durable record; the ack is best effort.
		logging.WithTweak(log, l.TweakID, correlationID).Warn("execution result not acknowledged", logging.KeyError, err)
	}
}

// ReportExecutionResult acknowledges a log over the channel. It is sent only
// while the channel is Connected and is never retried here.
func (c *Client) ReportExecutionResult(l tweak.ApplicationLog, correlationID string) error {
	return c.send(protocol.ExecutionResult(c.cfg.DeviceID, l, correlationID))
}

// SendHealthData sends an optional health payload.
func (c *Client) SendHealthData(payload any) error {
	env, err := protocol.HealthData(c.cfg.DeviceID, payload)
	if err != nil {
		return err
	}
	return c.send(env)
}

func (c *Client) send(env protocol.Envelope) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}
	conn := c.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", env.Type, err)
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.dropConn(conn)
		return fmt.Errorf("send %s: %w", env.Type, err)
	}
	return nil
}

// dropConn closes conn and marks the channel Closed if conn is still current.
func (c *Client) dropConn(conn *websocket.Conn) {
	c.connMu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
	}
	c.connMu.Unlock()
	conn.Close()
	if current {
		c.setState(StateClosed)
	}
}

func (c *Client) heartbeatTick(ctx context.Context) {
	err := c.send(protocol.Heartbeat(c.cfg.DeviceID))
	if err == nil {
		if c.failures > 0 {
			log.Info("heartbeat recovered", "failures", c.failures)
		}
		c.failures = 0
		if c.source != nil {
			if err := c.SendHealthData(c.source(ctx)); err != nil {
				log.Debug("health data not sent", logging.KeyError, err)
			}
		}
		return
	}

	c.failures++
	log.Warn("heartbeat failed", "failures", c.failures, logging.KeyError, err)
	if c.failures < c.cfg.FailureThreshold {
		return
	}

	state := c.State()
	log.Error("heartbeat failure threshold reached",
		"critical", true,
		"failures", c.failures,
		"state", state.String())
	if state != StateDisconnected && state != StateClosed {
		return
	}
	if err := c.connectOnce(ctx); err != nil {
		log.Warn("explicit reconnect failed", logging.KeyError, err)
		return
	}
	c.failures = 0
}

// shutdown sends a normal close and drops the connection.
func (c *Client) shutdown() {
	conn := c.currentConn()
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		c.writeMu.Unlock()
		c.dropConn(conn)
	}
	c.setState(StateDisconnected)
	log.Info("client stopped")
}
