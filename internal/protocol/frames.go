package protocol

import (
	json "github.com/goccy/go-json"
)

// FrameKind is the closed set of inbound message variants. Every frame read
// off either socket classifies into exactly one kind; dispatch switches over
// this instead of probing dynamic maps.
type FrameKind int

const (
	KindUnknown FrameKind = iota
	KindHeartbeat
	KindStatus
	KindTicker
	KindOHLC
	KindBook
	KindTrade
	KindInstrument
	KindExecutions
	KindBalances
	KindMethodReply
)

var kindNames = map[FrameKind]string{
	KindUnknown:     "unknown",
	KindHeartbeat:   "heartbeat",
	KindStatus:      "status",
	KindTicker:      "ticker",
	KindOHLC:        "ohlc",
	KindBook:        "book",
	KindTrade:       "trade",
	KindInstrument:  "instrument",
	KindExecutions:  "executions",
	KindBalances:    "balances",
	KindMethodReply: "method_reply",
}

func (k FrameKind) String() string { return kindNames[k] }

var channelKinds = map[string]FrameKind{
	ChannelHeartbeat:  KindHeartbeat,
	ChannelStatus:     KindStatus,
	ChannelTicker:     KindTicker,
	ChannelOHLC:       KindOHLC,
	ChannelBook:       KindBook,
	ChannelTrade:      KindTrade,
	ChannelInstrument: KindInstrument,
	ChannelExecutions: KindExecutions,
	ChannelBalances:   KindBalances,
	ChannelLevel3:     KindBook,
}

// Frame is a classified inbound message. Raw always holds the full original
// bytes; Data/Result are the undecoded payload sections.
type Frame struct {
	Kind    FrameKind
	Channel string // channel frames
	Type    string // "snapshot" | "update" where the channel sends both
	Method  string // method replies
	ReqID   int64
	Success bool
	ErrText string
	Data    json.RawMessage
	Result  json.RawMessage
	Raw     []byte
}

type frameEnvelope struct {
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Method  string          `json:"method"`
	ReqID   int64           `json:"req_id"`
	Success *bool           `json:"success"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
	Result  json.RawMessage `json:"result"`
}

// Classify decodes the discriminator of an inbound frame. Malformed JSON is
// an error; a well-formed frame with an unrecognized discriminator is
// KindUnknown, not an error.
func Classify(data []byte) (Frame, error) {
	var env frameEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Frame{}, err
	}

	f := Frame{
		Kind:    KindUnknown,
		Channel: env.Channel,
		Type:    env.Type,
		Method:  env.Method,
		ReqID:   env.ReqID,
		ErrText: env.Error,
		Data:    env.Data,
		Result:  env.Result,
		Raw:     data,
	}
	if env.Success != nil {
		f.Success = *env.Success
	}

	switch {
	case env.Channel != "":
		if k, ok := channelKinds[env.Channel]; ok {
			f.Kind = k
		}
	case env.Method != "":
		f.Kind = KindMethodReply
	}

	return f, nil
}

// DecodeData decodes a channel frame's data array into typed payloads.
func DecodeData[T any](f Frame) ([]T, error) {
	var out []T
	if len(f.Data) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(f.Data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// TickerUpdate is one entry of a ticker frame.
type TickerUpdate struct {
	Symbol    string `json:"symbol"`
	Bid       Number `json:"bid"`
	BidQty    Number `json:"bid_qty"`
	Ask       Number `json:"ask"`
	AskQty    Number `json:"ask_qty"`
	Last      Number `json:"last"`
	Volume    Number `json:"volume"`
	VWAP      Number `json:"vwap"`
	Low       Number `json:"low"`
	High      Number `json:"high"`
	Change    Number `json:"change"`
	ChangePct Number `json:"change_pct"`
}

// Candle is one entry of an ohlc frame.
type Candle struct {
	Symbol        string `json:"symbol"`
	Open          Number `json:"open"`
	High          Number `json:"high"`
	Low           Number `json:"low"`
	Close         Number `json:"close"`
	Volume        Number `json:"volume"`
	VWAP          Number `json:"vwap"`
	Trades        int64  `json:"trades"`
	Interval      int    `json:"interval"`
	IntervalBegin string `json:"interval_begin"`
	Timestamp     string `json:"timestamp"`
}

// BookLevel is a single price level of a book frame.
type BookLevel struct {
	Price Number `json:"price"`
	Qty   Number `json:"qty"`
}

// BookUpdate is one entry of a book frame (snapshot or update).
type BookUpdate struct {
	Symbol    string      `json:"symbol"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	Checksum  uint32      `json:"checksum"`
	Timestamp string      `json:"timestamp"`
}

// TradeEvent is one entry of a trade frame.
type TradeEvent struct {
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	Price     Number `json:"price"`
	Qty       Number `json:"qty"`
	OrdType   string `json:"ord_type"`
	TradeID   int64  `json:"trade_id"`
	Timestamp string `json:"timestamp"`
}

// Execution is one entry of an executions frame. Executions carry both order
// lifecycle events and fills in v2.
type Execution struct {
	OrderID       string `json:"order_id"`
	ClientOrderID string `json:"cl_ord_id"`
	ExecType      string `json:"exec_type"` // "new", "filled", "canceled", "amended", ...
	OrderStatus   string `json:"order_status"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	OrderQty      Number `json:"order_qty"`
	CumQty        Number `json:"cum_qty"`
	LastQty       Number `json:"last_qty"`
	LastPrice     Number `json:"last_price"`
	LimitPrice    Number `json:"limit_price"`
	AvgPrice      Number `json:"avg_price"`
	Timestamp     string `json:"timestamp"`
}

// BalanceUpdate is one entry of a balances frame.
type BalanceUpdate struct {
	Asset   string `json:"asset"`
	Balance Number `json:"balance"`
}

// StatusUpdate is one entry of a status frame.
type StatusUpdate struct {
	System       string `json:"system"` // "online", "maintenance", ...
	APIVersion   string `json:"api_version"`
	ConnectionID uint64 `json:"connection_id"`
	Version      string `json:"version"`
}
