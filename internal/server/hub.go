package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/breeze-rmm/tweakagent/internal/devicereg"
	"github.com/breeze-rmm/tweakagent/internal/logging"
	"github.com/breeze-rmm/tweakagent/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 90 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512 * 1024
)

var errDeviceOffline = errors.New("device not connected")

// agentConn is one upgraded channel. Writes are serialized by writeMu.
type agentConn struct {
	id      string
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu       sync.Mutex
	deviceID string
}

func (c *agentConn) write(env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", env.Type, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *agentConn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *agentConn) device() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

func (c *agentConn) setDevice(id string) {
	c.mu.Lock()
	c.deviceID = id
	c.mu.Unlock()
}

// hub owns the live channel connections and routes messages between them
// and the device registry.
type hub struct {
	registry *devicereg.Registry
	tracker  *CorrelationTracker

	mu    sync.RWMutex
	conns map[string]*agentConn
}

func newHub(registry *devicereg.Registry, tracker *CorrelationTracker) *hub {
	return &hub{registry: registry, tracker: tracker, conns: make(map[string]*agentConn)}
}

// serve runs one connection until it closes or ctx ends.
func (h *hub) serve(ctx context.Context, ws *websocket.Conn) {
	c := &agentConn{id: uuid.NewString(), ws: ws}
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()

	logger := log.With("connectionId", c.id)
	logger.Debug("channel opened")

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		h.mu.Lock()
		delete(h.conns, c.id)
		h.mu.Unlock()
		if deviceID, ok := h.registry.UnregisterByConnection(c.id); ok {
			logger.Info("device disconnected", logging.KeyDeviceID, deviceID)
		}
		ws.Close()
	}()

	go h.pingLoop(ctx, c)

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("read error", logging.KeyError, err)
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(pongWait))

		env, err := protocol.Decode(data)
		if err != nil {
			logger.Warn("malformed channel message", logging.KeyError, err)
			if werr := c.write(protocol.Envelope{Type: protocol.TypeError, Error: err.Error()}); werr != nil {
				return
			}
			continue
		}
		if err := h.handle(c, env); err != nil {
			logger.Warn("channel write failed", logging.KeyError, err)
			return
		}
	}
}

func (h *hub) handle(c *agentConn, env protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeRegisterDevice:
		h.registry.Register(env.DeviceID, c.id)
		c.setDevice(env.DeviceID)
		log.Info("device registered", logging.KeyDeviceID, env.DeviceID, "connectionId", c.id)
		return c.write(protocol.Envelope{Type: protocol.TypeRegistered, DeviceID: env.DeviceID})

	case protocol.TypeHeartbeat:
		deviceID := c.device()
		if deviceID == "" {
			return c.write(protocol.Envelope{Type: protocol.TypeError, Error: "register_device required before heartbeat"})
		}
		h.registry.Heartbeat(deviceID)
		return c.write(protocol.Envelope{Type: protocol.TypeHeartbeatAck, DeviceID: deviceID})

	case protocol.TypeExecutionResult:
		if env.Log == nil {
			return c.write(protocol.Envelope{Type: protocol.TypeError, Error: "report_execution_result without log"})
		}
		l := *env.Log
		if !h.tracker.Ack(env.CorrelationID, l) {
			log.Debug("execution result for unknown correlation",
				"correlationId", env.CorrelationID, logging.KeyDeviceID, env.DeviceID)
		}
		logging.WithTweak(log, l.TweakID, env.CorrelationID).Info("execution result",
			logging.KeyDeviceID, env.DeviceID, "success", l.Success, "reasonCode", l.ReasonCode)
		return nil

	case protocol.TypeHealthData:
		log.Debug("health data", logging.KeyDeviceID, env.DeviceID, "bytes", len(env.Health))
		return nil

	default:
		return c.write(protocol.Envelope{Type: protocol.TypeError, Error: fmt.Sprintf("unexpected message type %q", env.Type)})
	}
}

func (h *hub) pingLoop(ctx context.Context, c *agentConn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				c.ws.Close()
				return
			}
		}
	}
}

// sendToDevice writes env on the device's current connection.
func (h *hub) sendToDevice(deviceID string, env protocol.Envelope) error {
	connID, ok := h.registry.GetConnection(deviceID)
	if !ok {
		return errDeviceOffline
	}
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return errDeviceOffline
	}
	return c.write(env)
}

// dropDevices closes the connections of devices the registry swept as
// stale. Their read loops then exit and clean up.
func (h *hub) dropDevices(deviceIDs []string) {
	stale := make(map[string]struct{}, len(deviceIDs))
	for _, id := range deviceIDs {
		stale[id] = struct{}{}
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns {
		if _, ok := stale[c.device()]; ok {
			c.ws.Close()
		}
	}
}

func (h *hub) connectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *hub) closeAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns {
		c.writeMu.Lock()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		c.writeMu.Unlock()
		c.ws.Close()
	}
}
