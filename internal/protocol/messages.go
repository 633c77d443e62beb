package protocol

import (
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// Methods accepted by the v2 endpoint.
const (
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"
	MethodPong        = "pong"
	MethodAddOrder    = "add_order"
	MethodAmendOrder  = "amend_order"
	MethodCancelOrder = "cancel_order"
	MethodCancelAll   = "cancel_all"
	MethodBatchAdd    = "batch_add"
)

// Request is the envelope for every outbound message.
type Request struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
	ReqID  int64  `json:"req_id,omitempty"`
}

// Encode marshals a request for the wire.
func (r Request) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// Pong is the immediate reply to an exchange heartbeat frame.
func Pong() []byte {
	// Static frame, cannot fail to marshal.
	return []byte(`{"method":"` + MethodPong + `"}`)
}

// SubscribeParams are the params of a subscribe/unsubscribe request.
// Channel-specific fields are omitted when zero.
type SubscribeParams struct {
	Channel    string   `json:"channel"`
	Symbol     []string `json:"symbol,omitempty"`
	Interval   int      `json:"interval,omitempty"`    // ohlc: candle interval in minutes
	Depth      int      `json:"depth,omitempty"`       // book: price levels per side
	Snapshot   *bool    `json:"snapshot,omitempty"`    // book/ticker: initial snapshot
	SnapOrders *bool    `json:"snap_orders,omitempty"` // executions: open-orders snapshot
	SnapTrades *bool    `json:"snap_trades,omitempty"` // executions: recent trades
	Token      string   `json:"token,omitempty"`       // private channels only
}

// Number is a decimal that marshals as a bare JSON number. The v2 API
// requires number-typed quantities and prices; shopspring's default
// marshaling quotes them.
type Number struct {
	decimal.Decimal
}

// Num builds a Number from a decimal.
func Num(d decimal.Decimal) Number { return Number{d} }

// MarshalJSON emits the decimal without quotes.
func (n Number) MarshalJSON() ([]byte, error) {
	return []byte(n.Decimal.String()), nil
}

// UnmarshalJSON accepts both quoted and bare numbers.
func (n *Number) UnmarshalJSON(data []byte) error {
	if len(data) >= 2 && data[0] == '"' && data[len(data)-1] == '"' {
		data = data[1 : len(data)-1]
	}
	if len(data) == 0 || string(data) == "null" {
		n.Decimal = decimal.Zero
		return nil
	}
	d, err := decimal.NewFromString(string(data))
	if err != nil {
		return err
	}
	n.Decimal = d
	return nil
}

// AddOrderParams are the params of an add_order request, and a single entry
// of a batch_add request.
type AddOrderParams struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`       // "buy" | "sell"
	OrderType     string  `json:"order_type"` // "limit", "market", "stop-loss", ...
	OrderQty      Number  `json:"order_qty"`
	LimitPrice    *Number `json:"limit_price,omitempty"`
	TimeInForce   string  `json:"time_in_force,omitempty"` // omitted when "gtc"
	PostOnly      bool    `json:"post_only,omitempty"`
	ReduceOnly    bool    `json:"reduce_only,omitempty"`
	ClientOrderID string  `json:"client_order_id,omitempty"`
	Token         string  `json:"token,omitempty"`
}

// AmendOrderParams are the params of an amend_order request. Only the fields
// being changed are present.
type AmendOrderParams struct {
	OrderID    string  `json:"order_id"`
	OrderQty   *Number `json:"order_qty,omitempty"`
	LimitPrice *Number `json:"limit_price,omitempty"`
	PostOnly   *bool   `json:"post_only,omitempty"`
	Token      string  `json:"token"`
}

// CancelOrderParams are the params of a cancel_order request.
type CancelOrderParams struct {
	OrderID string `json:"order_id"`
	Token   string `json:"token"`
}

// CancelAllParams are the params of a cancel_all request.
type CancelAllParams struct {
	Token string `json:"token"`
}

// BatchAddParams are the params of a batch_add request.
type BatchAddParams struct {
	Orders []AddOrderParams `json:"orders"`
}
