package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/breeze-rmm/tweakagent/internal/health"
	"github.com/breeze-rmm/tweakagent/internal/tweak"
	"github.com/breeze-rmm/tweakagent/internal/workerpool"
	"github.com/breeze-rmm/tweakagent/pkg/protocol"
)

// fakeHub is a minimal hub. refuse makes the next n connections close
// before registration completes.
type fakeHub struct {
	t        *testing.T
	upgrader websocket.Upgrader
	refuse   atomic.Int32
	dropAll  atomic.Bool
	token    atomic.Value

	mu       sync.Mutex
	received []protocol.Envelope
	conns    []*websocket.Conn
	regs     atomic.Int32
}

func newFakeHub(t *testing.T) (*fakeHub, *httptest.Server) {
	h := &fakeHub{t: t}
	srv := httptest.NewServer(http.HandlerFunc(h.serve))
	t.Cleanup(srv.Close)
	return h, srv
}

func (h *fakeHub) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != protocol.ChannelPath {
		http.NotFound(w, r)
		return
	}
	h.token.Store(r.Header.Get(headerToken))
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var reg protocol.Envelope
	if err := conn.ReadJSON(&reg); err != nil {
		return
	}
	if h.refuse.Load() > 0 {
		h.refuse.Add(-1)
		return
	}
	h.regs.Add(1)
	if err := conn.WriteJSON(protocol.Envelope{Type: protocol.TypeRegistered}); err != nil {
		return
	}
	if h.dropAll.Load() {
		return
	}
	h.mu.Lock()
	h.conns = append(h.conns, conn)
	h.mu.Unlock()

	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		h.mu.Lock()
		h.received = append(h.received, env)
		h.mu.Unlock()
	}
}

func (h *fakeHub) push(env protocol.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(h.t, h.conns)
	require.NoError(h.t, h.conns[len(h.conns)-1].WriteJSON(env))
}

func (h *fakeHub) messages(typ protocol.MessageType) []protocol.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []protocol.Envelope
	for _, e := range h.received {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func testConfig(url string) Config {
	return Config{
		ServerURL:         url,
		DeviceID:          "device-1",
		MachineToken:      "secret",
		HeartbeatInterval: 20 * time.Millisecond,
		FailureThreshold:  2,
		RetryDelay:        10 * time.Millisecond,
		CloseDelay:        10 * time.Millisecond,
	}
}

func newPool(t *testing.T) *workerpool.Pool {
	p := workerpool.New(2, 8)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		p.Drain(ctx)
	})
	return p
}

func noopHandler(_ context.Context, def tweak.Definition, correlationID string) tweak.ApplicationLog {
	l := tweak.NewLog(def)
	l.CorrelationID = correlationID
	l.Finalize()
	return l
}

func TestConnectRetriesUntilRegistered(t *testing.T) {
	hub, srv := newFakeHub(t)
	hub.refuse.Store(2)
	mon := health.NewMonitor()
	c := New(testConfig(srv.URL), noopHandler, newPool(t), WithHealth(mon))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))

	require.Equal(t, StateConnected, c.State())
	require.Equal(t, int32(1), hub.regs.Load())
	require.Equal(t, "secret", hub.token.Load())
	check, ok := mon.Get(health.ComponentChannel)
	require.True(t, ok)
	require.Equal(t, health.Healthy, check.Status)
}

func TestConnectStopsOnContextCancel(t *testing.T) {
	c := New(testConfig("http://127.0.0.1:1"), noopHandler, newPool(t))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.ErrorIs(t, c.Connect(ctx), context.DeadlineExceeded)
	require.NotEqual(t, StateConnected, c.State())
}

func TestReportExecutionResultRequiresConnection(t *testing.T) {
	c := New(testConfig("http://127.0.0.1:1"), noopHandler, newPool(t))
	err := c.ReportExecutionResult(tweak.ApplicationLog{TweakID: "t"}, "corr")
	require.ErrorIs(t, err, ErrNotConnected)
	require.ErrorIs(t, c.SendHealthData(map[string]string{"status": "ok"}), ErrNotConnected)
}

func TestExecuteTweakIsDispatchedAndAcknowledged(t *testing.T) {
	hub, srv := newFakeHub(t)
	handled := make(chan string, 1)
	handler := func(ctx context.Context, def tweak.Definition, correlationID string) tweak.ApplicationLog {
		handled <- def.ID
		return noopHandler(ctx, def, correlationID)
	}
	c := New(testConfig(srv.URL), handler, newPool(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	go c.Run(ctx)

	hub.push(protocol.ExecuteTweak(tweak.Definition{ID: "tweak-1", Name: "n", CommandType: tweak.CommandScript}, "corr-1"))

	select {
	case id := <-handled:
		require.Equal(t, "tweak-1", id)
	case <-time.After(5 * time.Second):
		t.Fatal("tweak was not dispatched")
	}
	require.Eventually(t, func() bool {
		results := hub.messages(protocol.TypeExecutionResult)
		return len(results) == 1 && results[0].CorrelationID == "corr-1" && results[0].Log.TweakID == "tweak-1"
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(hub.messages(protocol.TypeHeartbeat)) > 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestReconnectsAfterChannelClose(t *testing.T) {
	hub, srv := newFakeHub(t)
	hub.dropAll.Store(true)
	c := New(testConfig(srv.URL), noopHandler, newPool(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	go c.Run(ctx)

	require.Eventually(t, func() bool { return hub.regs.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)
}

func TestHeartbeatThresholdTriggersReconnect(t *testing.T) {
	hub, srv := newFakeHub(t)
	c := New(testConfig(srv.URL), noopHandler, newPool(t))
	ctx := context.Background()

	c.heartbeatTick(ctx)
	require.Equal(t, 1, c.failures)
	require.Equal(t, int32(0), hub.regs.Load(), "below threshold no reconnect")

	c.heartbeatTick(ctx)
	require.Equal(t, 0, c.failures, "successful reconnect resets the counter")
	require.Equal(t, StateConnected, c.State())
	require.Equal(t, int32(1), hub.regs.Load())

	c.heartbeatTick(ctx)
	require.Equal(t, 0, c.failures)
	require.Eventually(t, func() bool { return len(hub.messages(protocol.TypeHeartbeat)) == 1 }, 5*time.Second, 10*time.Millisecond)
	c.shutdown()
}

func TestBuildWSURL(t *testing.T) {
	tests := []struct {
		server string
		want   string
	}{
		{"https://hub.example.com", "wss://hub.example.com/api/agent/ws?deviceId=device-1"},
		{"http://localhost:8080/", "ws://localhost:8080/api/agent/ws?deviceId=device-1"},
	}
	for _, tt := range tests {
		c := New(Config{ServerURL: tt.server, DeviceID: "device-1"}, noopHandler, nil)
		got, err := c.buildWSURL()
		require.NoError(t, err)
		require.Equal(t, tt.want, got)
	}

	c := New(Config{ServerURL: "ftp://x", DeviceID: "d"}, noopHandler, nil)
	_, err := c.buildWSURL()
	require.Error(t, err)
}
