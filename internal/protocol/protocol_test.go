package protocol

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_Heartbeat(t *testing.T) {
	f, err := Classify([]byte(`{"channel":"heartbeat"}`))
	require.NoError(t, err)
	assert.Equal(t, KindHeartbeat, f.Kind)
}

func TestClassify_TickerUpdate(t *testing.T) {
	raw := []byte(`{
		"channel": "ticker",
		"type": "update",
		"data": [{"symbol":"BTC/USD","bid":43209.9,"ask":43210.1,"last":"43210.0"}]
	}`)

	f, err := Classify(raw)
	require.NoError(t, err)
	assert.Equal(t, KindTicker, f.Kind)
	assert.Equal(t, "update", f.Type)
	assert.Equal(t, raw, f.Raw)

	ticks, err := DecodeData[TickerUpdate](f)
	require.NoError(t, err)
	require.Len(t, ticks, 1)
	assert.Equal(t, "BTC/USD", ticks[0].Symbol)
	assert.True(t, ticks[0].Bid.Equal(decimal.RequireFromString("43209.9")))
	// Quoted numbers decode the same as bare ones.
	assert.True(t, ticks[0].Last.Equal(decimal.RequireFromString("43210.0")))
}

func TestClassify_MethodReply(t *testing.T) {
	f, err := Classify([]byte(`{
		"method": "add_order",
		"req_id": 42,
		"success": false,
		"error": "EOrder:Insufficient funds"
	}`))
	require.NoError(t, err)
	assert.Equal(t, KindMethodReply, f.Kind)
	assert.Equal(t, "add_order", f.Method)
	assert.Equal(t, int64(42), f.ReqID)
	assert.False(t, f.Success)
	assert.Equal(t, "EOrder:Insufficient funds", f.ErrText)
}

func TestClassify_UnknownChannelIsNotAnError(t *testing.T) {
	f, err := Classify([]byte(`{"channel":"mystery","data":[]}`))
	require.NoError(t, err)
	assert.Equal(t, KindUnknown, f.Kind)
	assert.Equal(t, "mystery", f.Channel)
}

func TestClassify_MalformedJSON(t *testing.T) {
	_, err := Classify([]byte(`{"channel":`))
	assert.Error(t, err)
}

func TestClassify_Executions(t *testing.T) {
	f, err := Classify([]byte(`{
		"channel": "executions",
		"type": "snapshot",
		"data": [{"order_id":"OID-1","exec_type":"new","order_status":"new","symbol":"ETH/USD","side":"sell","order_qty":2.5}]
	}`))
	require.NoError(t, err)
	require.Equal(t, KindExecutions, f.Kind)

	execs, err := DecodeData[Execution](f)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, "OID-1", execs[0].OrderID)
	assert.True(t, execs[0].OrderQty.Equal(decimal.RequireFromString("2.5")))
}

func TestNumber_MarshalsBare(t *testing.T) {
	type payload struct {
		Qty   Number  `json:"qty"`
		Price *Number `json:"price,omitempty"`
	}

	price := Num(decimal.RequireFromString("43210.5"))
	out, err := json.Marshal(payload{
		Qty:   Num(decimal.RequireFromString("0.25")),
		Price: &price,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"qty":0.25,"price":43210.5}`, string(out))
	assert.NotContains(t, string(out), `"0.25"`, "quantities must not be quoted on the wire")
}

func TestNumber_UnmarshalVariants(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`0.25`, "0.25"},
		{`"0.25"`, "0.25"},
		{`43210`, "43210"},
		{`null`, "0"},
		{`""`, "0"},
	}
	for _, tc := range cases {
		var n Number
		require.NoError(t, json.Unmarshal([]byte(tc.in), &n), "input %s", tc.in)
		assert.True(t, n.Equal(decimal.RequireFromString(tc.want)), "input %s: got %s", tc.in, n)
	}

	var n Number
	assert.Error(t, json.Unmarshal([]byte(`"abc"`), &n))
}

func TestRequest_Encode(t *testing.T) {
	out, err := Request{
		Method: MethodSubscribe,
		Params: SubscribeParams{
			Channel: ChannelTicker,
			Symbol:  []string{"BTC/USD", "ETH/USD"},
		},
	}.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"method":"subscribe","params":{"channel":"ticker","symbol":["BTC/USD","ETH/USD"]}}`, string(out))

	// Zero req_id and empty optional params stay off the wire.
	assert.NotContains(t, string(out), "req_id")
	assert.NotContains(t, string(out), "interval")
	assert.NotContains(t, string(out), "token")
}

func TestPong(t *testing.T) {
	assert.JSONEq(t, `{"method":"pong"}`, string(Pong()))
}

func TestValidateChannel(t *testing.T) {
	cases := []struct {
		channel string
		scope   Scope
		ok      bool
	}{
		{ChannelTicker, ScopePublic, true},
		{ChannelBook, ScopePublic, true},
		{ChannelExecutions, ScopePrivate, true},
		{ChannelBalances, ScopePrivate, true},
		{ChannelExecutions, ScopePublic, false},
		{ChannelTicker, ScopePrivate, false},
		{"bogus", ScopePublic, false},
		{ChannelHeartbeat, ScopePublic, false}, // never subscribed explicitly
	}
	for _, tc := range cases {
		err := ValidateChannel(tc.channel, tc.scope)
		if tc.ok {
			assert.NoError(t, err, "%s on %s", tc.channel, tc.scope)
			continue
		}
		var chErr *ChannelError
		assert.ErrorAs(t, err, &chErr, "%s on %s", tc.channel, tc.scope)
	}
}

func TestIsPrivateChannel(t *testing.T) {
	assert.True(t, IsPrivateChannel(ChannelExecutions))
	assert.True(t, IsPrivateChannel(ChannelLevel3))
	assert.False(t, IsPrivateChannel(ChannelTicker))
	assert.False(t, IsPrivateChannel("bogus"))
}

func TestNormalizeSymbol(t *testing.T) {
	cases := map[string]string{
		"XBT/USD":  "BTC/USD",
		"xbt/usd":  "BTC/USD",
		" XBTUSD ": "BTC/USD",
		"XBT/EUR":  "BTC/EUR",
		"XDG/USD":  "DOGE/USD",
		"BTC/USD":  "BTC/USD",
		"eth/usd":  "ETH/USD",
		"SOL/USD":  "SOL/USD",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeSymbol(in), "input %q", in)
	}
}

func TestNormalizeSymbols(t *testing.T) {
	got := NormalizeSymbols([]string{"XBT/USD", "ETH/USD", "xdg/usd"})
	assert.Equal(t, []string{"BTC/USD", "ETH/USD", "DOGE/USD"}, got)
}
