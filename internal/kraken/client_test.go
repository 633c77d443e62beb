package kraken

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/freshwaterbruce2/krakenws/internal/connection"
	"github.com/freshwaterbruce2/krakenws/internal/orders"
	"github.com/freshwaterbruce2/krakenws/internal/protocol"
	"github.com/freshwaterbruce2/krakenws/internal/token"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// httptest keeps an idle connection reaper alive between tests.
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

// mockWSServer upgrades every request and hands the connection to handler.
func mockWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// recordingHandler reads frames into a channel and keeps the connection open.
func recordingHandler(frames chan<- map[string]any) func(*websocket.Conn) {
	return func(conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame map[string]any
			if json.Unmarshal(data, &frame) == nil {
				frames <- frame
			}
		}
	}
}

func testConfig(publicURL, privateURL string) Config {
	cfg := DefaultConfig()
	cfg.PublicURL = publicURL
	cfg.PrivateURL = privateURL
	cfg.ConnectTimeout = 2 * time.Second
	cfg.BaseDelay = 10 * time.Millisecond
	cfg.MaxDelay = 100 * time.Millisecond
	cfg.HeartbeatCheckInterval = 50 * time.Millisecond
	cfg.HeartbeatTimeout = 10 * time.Second
	return cfg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func recvFrame(t *testing.T, frames <-chan map[string]any, timeout time.Duration) map[string]any {
	t.Helper()
	select {
	case f := <-frames:
		return f
	case <-time.After(timeout):
		t.Fatal("timeout waiting for frame")
		return nil
	}
}

type fakeREST struct {
	tok string
	err error
}

func (f fakeREST) GetWebSocketsToken(ctx context.Context) (string, error) {
	return f.tok, f.err
}

func stopClient(t *testing.T, c *ExchangeClient) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Stop(ctx); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestExchangeClient_PublicConnectAndSubscribe(t *testing.T) {
	frames := make(chan map[string]any, 16)
	server := mockWSServer(t, recordingHandler(frames))
	defer server.Close()

	c := NewExchangeClient(testConfig(wsURL(server), ""), nil, nil, nil)
	require.NoError(t, c.SubscribeTicker([]string{"XBT/USD"}))

	require.NoError(t, c.Start(context.Background()))
	defer stopClient(t, c)

	waitFor(t, 2*time.Second, c.IsConnected)

	frame := recvFrame(t, frames, 2*time.Second)
	assert.Equal(t, "subscribe", frame["method"])
	params := frame["params"].(map[string]any)
	assert.Equal(t, "ticker", params["channel"])
	assert.Equal(t, []any{"BTC/USD"}, params["symbol"], "symbols normalized before the wire")

	// Exactly one subscribe frame for one desired subscription.
	select {
	case extra := <-frames:
		t.Fatalf("unexpected extra frame: %v", extra)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestExchangeClient_HeartbeatAnsweredWithPong(t *testing.T) {
	frames := make(chan map[string]any, 16)
	server := mockWSServer(t, func(conn *websocket.Conn) {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"channel":"heartbeat"}`)); err != nil {
			return
		}
		recordingHandler(frames)(conn)
	})
	defer server.Close()

	c := NewExchangeClient(testConfig(wsURL(server), ""), nil, nil, nil)
	require.NoError(t, c.Start(context.Background()))
	defer stopClient(t, c)

	frame := recvFrame(t, frames, 2*time.Second)
	assert.Equal(t, "pong", frame["method"])
}

func TestExchangeClient_ResubscribesAfterDrop(t *testing.T) {
	frames := make(chan map[string]any, 16)
	conns := make(chan struct{}, 8)

	server := mockWSServer(t, func(conn *websocket.Conn) {
		conns <- struct{}{}
		// Accept one frame, then drop the connection.
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame map[string]any
		if json.Unmarshal(data, &frame) == nil {
			frames <- frame
		}
	})
	defer server.Close()

	c := NewExchangeClient(testConfig(wsURL(server), ""), nil, nil, nil)
	require.NoError(t, c.SubscribeTrade([]string{"BTC/USD"}))
	require.NoError(t, c.Start(context.Background()))
	defer stopClient(t, c)

	// Two connections, and the same subscribe frame replayed on each.
	for i := 0; i < 2; i++ {
		select {
		case <-conns:
		case <-time.After(3 * time.Second):
			t.Fatalf("connection %d never arrived", i+1)
		}
		frame := recvFrame(t, frames, 3*time.Second)
		assert.Equal(t, "subscribe", frame["method"], "connection %d", i+1)
		params := frame["params"].(map[string]any)
		assert.Equal(t, "trade", params["channel"], "connection %d", i+1)
	}
}

func TestExchangeClient_AuthFailureDegradesToPublicOnly(t *testing.T) {
	pubFrames := make(chan map[string]any, 16)
	public := mockWSServer(t, recordingHandler(pubFrames))
	defer public.Close()

	private := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer private.Close()

	tm := token.NewManager(fakeREST{err: errors.New("EAPI:Invalid key")}, token.Config{}, nil)
	router := orders.NewRouter(orders.DefaultConfig(), tm, nil)

	c := NewExchangeClient(testConfig(wsURL(public), wsURL(private)), tm, router, nil)
	require.NoError(t, c.SubscribeTicker([]string{"BTC/USD"}))
	require.NoError(t, c.Start(context.Background()))
	defer stopClient(t, c)

	waitFor(t, 2*time.Second, c.IsConnected)
	waitFor(t, 2*time.Second, c.Degraded)

	assert.False(t, c.IsPrivateConnected(), "private socket must not reach live without a token")

	// Market data still flows; orders are rejected locally.
	frame := recvFrame(t, pubFrames, 2*time.Second)
	assert.Equal(t, "subscribe", frame["method"])

	qty := decimal.RequireFromString("0.1")
	price := decimal.RequireFromString("40000")
	_, err := c.AddOrder(context.Background(), orders.OrderSpec{
		Symbol: "BTC/USD", Side: "buy", OrderType: "limit",
		Qty: qty, LimitPrice: &price,
	})
	assert.ErrorIs(t, err, orders.ErrNotAuthenticated)
}

func TestExchangeClient_PrivateOrderRoundTrip(t *testing.T) {
	public := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer public.Close()

	privFrames := make(chan map[string]any, 16)
	private := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame map[string]any
			if json.Unmarshal(data, &frame) != nil {
				continue
			}
			privFrames <- frame

			// Acknowledge order requests.
			if method, _ := frame["method"].(string); method == "add_order" {
				reqID := frame["req_id"].(float64)
				reply, _ := json.Marshal(map[string]any{
					"method":  "add_order",
					"req_id":  int64(reqID),
					"success": true,
				})
				if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
					return
				}
			}
		}
	})
	defer private.Close()

	tm := token.NewManager(fakeREST{tok: "WS-TOKEN"}, token.Config{}, nil)
	router := orders.NewRouter(orders.DefaultConfig(), tm, nil)

	c := NewExchangeClient(testConfig(wsURL(public), wsURL(private)), tm, router, nil)
	require.NoError(t, c.SubscribeExecutions())
	require.NoError(t, c.Start(context.Background()))
	defer stopClient(t, c)

	waitFor(t, 2*time.Second, c.IsPrivateConnected)

	// Subscription replay carries the token.
	sub := recvFrame(t, privFrames, 2*time.Second)
	require.Equal(t, "subscribe", sub["method"])
	subParams := sub["params"].(map[string]any)
	assert.Equal(t, "executions", subParams["channel"])
	assert.Equal(t, "WS-TOKEN", subParams["token"])
	assert.Equal(t, true, subParams["snap_orders"], "snapshot flags survive the replay path")
	assert.Equal(t, true, subParams["snap_trades"], "snapshot flags survive the replay path")

	qty := decimal.RequireFromString("0.1")
	price := decimal.RequireFromString("40000")
	reqID, err := c.AddOrder(context.Background(), orders.OrderSpec{
		Symbol: "BTC/USD", Side: "buy", OrderType: "limit",
		Qty: qty, LimitPrice: &price,
	})
	require.NoError(t, err)

	order := recvFrame(t, privFrames, 2*time.Second)
	require.Equal(t, "add_order", order["method"])
	assert.Equal(t, float64(reqID), order["req_id"])
	orderParams := order["params"].(map[string]any)
	assert.Equal(t, "WS-TOKEN", orderParams["token"])

	// The ack resolves the pending entry.
	waitFor(t, 2*time.Second, func() bool { return router.PendingCount() == 0 })
}

func TestExchangeClient_RejectsInvalidChannels(t *testing.T) {
	c := NewExchangeClient(DefaultConfig(), nil, nil, nil)

	err := c.Subscribe(protocol.SubscribeParams{Channel: "bogus"})
	var chErr *protocol.ChannelError
	assert.ErrorAs(t, err, &chErr)

	// Private channel without a token manager.
	err = c.SubscribeExecutions()
	assert.ErrorIs(t, err, orders.ErrNotAuthenticated)
}

func TestExchangeClient_BackoffSchedule(t *testing.T) {
	cfg := DefaultConfig()
	c := NewExchangeClient(cfg, nil, nil, nil)

	want := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}
	for i, w := range want {
		if got := c.backoffDelay(i + 1); got != w {
			t.Errorf("backoffDelay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestExchangeClient_HeartbeatTimeoutForcesReconnect(t *testing.T) {
	conns := make(chan struct{}, 8)
	server := mockWSServer(t, func(conn *websocket.Conn) {
		conns <- struct{}{}
		// Silent server: no heartbeats, no data.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	cfg := testConfig(wsURL(server), "")
	cfg.HeartbeatCheckInterval = 20 * time.Millisecond
	cfg.HeartbeatTimeout = 100 * time.Millisecond

	c := NewExchangeClient(cfg, nil, nil, nil)
	require.NoError(t, c.Start(context.Background()))
	defer stopClient(t, c)

	// The silent connection is torn down and re-dialed.
	for i := 0; i < 2; i++ {
		select {
		case <-conns:
		case <-time.After(3 * time.Second):
			t.Fatalf("connection %d never arrived", i+1)
		}
	}
}

func TestExchangeClient_StatusCallbackSeesStateChanges(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	var mu sync.Mutex
	var states []connection.State
	c := NewExchangeClient(testConfig(wsURL(server), ""), nil, nil, nil)
	c.RegisterStatusCallback(func(ev StatusEvent) {
		if ev.Kind != StatusStateChange || ev.Socket != "public" {
			return
		}
		mu.Lock()
		states = append(states, ev.State)
		mu.Unlock()
	})

	require.NoError(t, c.Start(context.Background()))
	defer stopClient(t, c)

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) >= 3
	})

	mu.Lock()
	got := append([]connection.State(nil), states...)
	mu.Unlock()
	want := []connection.State{
		connection.StateConnecting,
		connection.StateSubscribing,
		connection.StateLive,
	}
	assert.Equal(t, want, got[:3])
}

func TestExchangeClient_StartTwiceFails(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	c := NewExchangeClient(testConfig(wsURL(server), ""), nil, nil, nil)
	require.NoError(t, c.Start(context.Background()))
	defer stopClient(t, c)

	assert.Error(t, c.Start(context.Background()))
}

func TestExchangeClient_StateAfterStop(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	c := NewExchangeClient(testConfig(wsURL(server), ""), nil, nil, nil)
	require.NoError(t, c.Start(context.Background()))
	waitFor(t, 2*time.Second, c.IsConnected)

	stopClient(t, c)

	assert.True(t, c.public.fsm.Is(connection.StateClosing))
	assert.False(t, c.IsConnected())
}
