package orders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freshwaterbruce2/krakenws/internal/token"
)

type staticTokens struct {
	tok string
	ok  bool
}

func (s staticTokens) Current() (token.AuthToken, bool) {
	return token.AuthToken{Value: s.tok, IssuedAt: time.Now()}, s.ok
}

// captureSender collects frames written to the private socket.
type captureSender struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (c *captureSender) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.frames = append(c.frames, cp)
	return nil
}

func (c *captureSender) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *captureSender) last(t *testing.T) map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.frames)
	var out map[string]any
	require.NoError(t, json.Unmarshal(c.frames[len(c.frames)-1], &out))
	return out
}

func newTestRouter(t *testing.T) (*Router, *captureSender) {
	t.Helper()
	sender := &captureSender{}
	r := NewRouter(DefaultConfig(), staticTokens{tok: "tok-1", ok: true}, nil)
	r.Bind(sender.send)
	return r, sender
}

func limitOrder(symbol string) OrderSpec {
	price := decimal.RequireFromString("43210.5")
	return OrderSpec{
		Symbol:     symbol,
		Side:       "buy",
		OrderType:  "limit",
		Qty:        decimal.RequireFromString("0.25"),
		LimitPrice: &price,
	}
}

func TestRouter_AddOrderFrame(t *testing.T) {
	r, sender := newTestRouter(t)

	reqID, err := r.AddOrder(context.Background(), limitOrder("XBT/USD"))
	require.NoError(t, err)
	require.NotZero(t, reqID)

	frame := sender.last(t)
	assert.Equal(t, "add_order", frame["method"])
	assert.Equal(t, float64(reqID), frame["req_id"])

	params := frame["params"].(map[string]any)
	assert.Equal(t, "BTC/USD", params["symbol"], "legacy symbol must be normalized")
	assert.Equal(t, "buy", params["side"])
	assert.Equal(t, "limit", params["order_type"])
	assert.Equal(t, 0.25, params["order_qty"], "quantities are bare numbers on the wire")
	assert.Equal(t, 43210.5, params["limit_price"])
	assert.Equal(t, "tok-1", params["token"])
	_, hasTIF := params["time_in_force"]
	assert.False(t, hasTIF, "gtc is the default and stays off the wire")
}

func TestRouter_ClientOrderIDAssigned(t *testing.T) {
	r, sender := newTestRouter(t)

	_, err := r.AddOrder(context.Background(), limitOrder("BTC/USD"))
	require.NoError(t, err)
	first, _ := sender.last(t)["params"].(map[string]any)["client_order_id"].(string)
	assert.NotEmpty(t, first, "orders without a client order ID get one assigned")

	_, err = r.AddOrder(context.Background(), limitOrder("BTC/USD"))
	require.NoError(t, err)
	second, _ := sender.last(t)["params"].(map[string]any)["client_order_id"].(string)
	assert.NotEqual(t, first, second)

	spec := limitOrder("BTC/USD")
	spec.ClientOrderID = "my-order-7"
	_, err = r.AddOrder(context.Background(), spec)
	require.NoError(t, err)
	params := sender.last(t)["params"].(map[string]any)
	assert.Equal(t, "my-order-7", params["client_order_id"], "caller-supplied IDs pass through untouched")
}

func TestRouter_NotAuthenticated(t *testing.T) {
	// No send bound.
	r := NewRouter(DefaultConfig(), staticTokens{tok: "tok-1", ok: true}, nil)
	_, err := r.AddOrder(context.Background(), limitOrder("BTC/USD"))
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	// Bound but no token.
	sender := &captureSender{}
	r = NewRouter(DefaultConfig(), staticTokens{ok: false}, nil)
	r.Bind(sender.send)
	_, err = r.CancelAllOrders(context.Background())
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Zero(t, sender.count())

	// Unbound again after being live.
	r = NewRouter(DefaultConfig(), staticTokens{tok: "tok-1", ok: true}, nil)
	r.Bind(sender.send)
	r.Unbind()
	_, err = r.CancelOrder(context.Background(), "OID-1")
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestRouter_ValidationRejectsBeforeSend(t *testing.T) {
	r, sender := newTestRouter(t)

	cases := []OrderSpec{
		{Side: "buy", OrderType: "market", Qty: decimal.NewFromInt(1)},                      // no symbol
		{Symbol: "BTC/USD", Side: "hold", OrderType: "market", Qty: decimal.NewFromInt(1)}, // bad side
		{Symbol: "BTC/USD", Side: "sell", OrderType: "market", Qty: decimal.Zero},          // zero qty
		{Symbol: "BTC/USD", Side: "sell", OrderType: "limit", Qty: decimal.NewFromInt(1)},  // limit w/o price
	}
	for _, spec := range cases {
		_, err := r.AddOrder(context.Background(), spec)
		var vErr *ValidationError
		assert.ErrorAs(t, err, &vErr)
	}
	assert.Zero(t, sender.count(), "rejected requests must not reach the wire")
}

func TestRouter_BatchSizeBounds(t *testing.T) {
	r, sender := newTestRouter(t)

	mkBatch := func(n int) []OrderSpec {
		specs := make([]OrderSpec, n)
		for i := range specs {
			specs[i] = limitOrder("BTC/USD")
		}
		return specs
	}

	for _, n := range []int{0, 1, 16, 30} {
		_, err := r.BatchAddOrders(context.Background(), mkBatch(n))
		var vErr *ValidationError
		require.ErrorAs(t, err, &vErr, "batch of %d must be rejected", n)
	}
	require.Zero(t, sender.count())

	for _, n := range []int{2, 15} {
		before := sender.count()
		_, err := r.BatchAddOrders(context.Background(), mkBatch(n))
		require.NoError(t, err, "batch of %d must be accepted", n)
		require.Equal(t, before+1, sender.count(), "one frame per batch")

		frame := sender.last(t)
		params := frame["params"].(map[string]any)
		assert.Len(t, params["orders"], n)
	}
}

func TestRouter_AmendOrderFrame(t *testing.T) {
	r, sender := newTestRouter(t)

	qty := decimal.RequireFromString("0.5")
	reqID, err := r.AmendOrder(context.Background(), AmendSpec{
		OrderID: "OID-7",
		Qty:     &qty,
	})
	require.NoError(t, err)

	frame := sender.last(t)
	assert.Equal(t, "amend_order", frame["method"])
	assert.Equal(t, float64(reqID), frame["req_id"])
	params := frame["params"].(map[string]any)
	assert.Equal(t, "OID-7", params["order_id"])
	assert.Equal(t, 0.5, params["order_qty"])
	_, hasPrice := params["limit_price"]
	assert.False(t, hasPrice, "unchanged fields stay off the wire")
}

func TestRouter_AmendNothingRejected(t *testing.T) {
	r, _ := newTestRouter(t)

	_, err := r.AmendOrder(context.Background(), AmendSpec{OrderID: "OID-7"})
	var vErr *ValidationError
	assert.ErrorAs(t, err, &vErr)
}

func TestRouter_ResolveRemovesPending(t *testing.T) {
	r, _ := newTestRouter(t)

	reqID, err := r.CancelOrder(context.Background(), "OID-1")
	require.NoError(t, err)
	require.Equal(t, 1, r.PendingCount())

	assert.True(t, r.Resolve(reqID, true, ""))
	assert.Zero(t, r.PendingCount())

	// Unknown replies report unmatched.
	assert.False(t, r.Resolve(reqID, true, ""))
}

func TestRouter_SendFailureDropsPending(t *testing.T) {
	sender := &captureSender{err: errors.New("socket gone")}
	r := NewRouter(DefaultConfig(), staticTokens{tok: "tok-1", ok: true}, nil)
	r.Bind(sender.send)

	_, err := r.AddOrder(context.Background(), limitOrder("BTC/USD"))
	require.Error(t, err)
	assert.Zero(t, r.PendingCount(), "failed sends must not linger as pending")
}

func TestRouter_SweepReportsDeliveryUncertain(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	var clockMu sync.Mutex
	now := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return clock
	}

	var uncertain []PendingRequest
	cfg := DefaultConfig()
	cfg.PendingTimeout = 60 * time.Second

	sender := &captureSender{}
	r := NewRouter(cfg, staticTokens{tok: "tok-1", ok: true}, nil,
		WithClock(now),
		WithUncertainHandler(func(req PendingRequest) {
			uncertain = append(uncertain, req)
		}),
	)
	r.Bind(sender.send)

	reqID, err := r.CancelAllOrders(context.Background())
	require.NoError(t, err)

	// Not yet timed out.
	r.sweep()
	assert.Empty(t, uncertain)
	assert.Equal(t, 1, r.PendingCount())

	clockMu.Lock()
	clock = clock.Add(61 * time.Second)
	clockMu.Unlock()

	r.sweep()
	require.Len(t, uncertain, 1)
	assert.Equal(t, reqID, uncertain[0].ReqID)
	assert.Equal(t, KindCancelAll, uncertain[0].Kind)
	assert.Zero(t, r.PendingCount())
}

// Correlation integrity: req_ids stay unique under heavy concurrent
// submission.
func TestRouter_ConcurrentReqIDUniqueness(t *testing.T) {
	r, _ := newTestRouter(t)

	const (
		goroutines = 20
		perG       = 500
	)

	ids := make(chan int64, goroutines*perG)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perG; i++ {
				id, err := r.CancelOrder(context.Background(), "OID-X")
				if err != nil {
					t.Errorf("CancelOrder: %v", err)
					return
				}
				ids <- id
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]struct{}, goroutines*perG)
	for id := range ids {
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate req_id %d", id)
		}
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, goroutines*perG)
}
