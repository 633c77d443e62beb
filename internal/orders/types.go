// Package orders builds and tracks order lifecycle requests on the private
// socket: add, amend, cancel, cancel-all, and batch-add. Every request gets
// a process-unique correlation ID and a pending entry that is resolved by
// the matching async reply or garbage-collected as delivery-uncertain.
package orders

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrNotAuthenticated is returned when an order operation is attempted with
// no authenticated private connection (degraded public-only mode).
var ErrNotAuthenticated = errors.New("not authenticated: no private connection")

// ValidationError reports a request rejected locally before any network I/O.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid order request: %s: %s", e.Field, e.Reason)
}

// Batch size bounds enforced by the exchange's batch_add method.
const (
	MinBatchSize = 2
	MaxBatchSize = 15
)

// RequestKind labels a pending order request.
type RequestKind string

const (
	KindAdd       RequestKind = "add_order"
	KindAmend     RequestKind = "amend_order"
	KindCancel    RequestKind = "cancel_order"
	KindCancelAll RequestKind = "cancel_all"
	KindBatchAdd  RequestKind = "batch_add"
)

// OrderSpec describes a single order to place.
type OrderSpec struct {
	Symbol        string
	Side          string // "buy" | "sell"
	OrderType     string // "limit", "market", "stop-loss", ...
	Qty           decimal.Decimal
	LimitPrice    *decimal.Decimal
	TimeInForce   string // "gtc" (default), "gtd", "ioc"
	PostOnly      bool
	ReduceOnly    bool
	ClientOrderID string
}

// Validate rejects malformed orders before anything reaches the wire.
func (s OrderSpec) Validate() error {
	if s.Symbol == "" {
		return &ValidationError{Field: "symbol", Reason: "required"}
	}
	if s.Side != "buy" && s.Side != "sell" {
		return &ValidationError{Field: "side", Reason: `must be "buy" or "sell"`}
	}
	if s.OrderType == "" {
		return &ValidationError{Field: "order_type", Reason: "required"}
	}
	if !s.Qty.IsPositive() {
		return &ValidationError{Field: "order_qty", Reason: "must be positive"}
	}
	if s.OrderType == "limit" && s.LimitPrice == nil {
		return &ValidationError{Field: "limit_price", Reason: "required for limit orders"}
	}
	if s.LimitPrice != nil && !s.LimitPrice.IsPositive() {
		return &ValidationError{Field: "limit_price", Reason: "must be positive"}
	}
	return nil
}

// AmendSpec describes an in-place order amendment. Nil fields are left
// unchanged on the exchange.
type AmendSpec struct {
	OrderID    string
	Qty        *decimal.Decimal
	LimitPrice *decimal.Decimal
	PostOnly   *bool
}

// Validate requires at least one amended field on an existing order.
func (s AmendSpec) Validate() error {
	if s.OrderID == "" {
		return &ValidationError{Field: "order_id", Reason: "required"}
	}
	if s.Qty == nil && s.LimitPrice == nil && s.PostOnly == nil {
		return &ValidationError{Field: "params", Reason: "nothing to amend"}
	}
	if s.Qty != nil && !s.Qty.IsPositive() {
		return &ValidationError{Field: "order_qty", Reason: "must be positive"}
	}
	if s.LimitPrice != nil && !s.LimitPrice.IsPositive() {
		return &ValidationError{Field: "limit_price", Reason: "must be positive"}
	}
	return nil
}

// PendingRequest tracks an in-flight order request awaiting its async reply.
type PendingRequest struct {
	ReqID       int64
	Kind        RequestKind
	SubmittedAt time.Time
	Summary     string // compact payload description for logs and the journal
}

// NewClientOrderID generates a client order ID. Orders submitted without one
// get it assigned automatically so fills can always be matched back.
func NewClientOrderID() string {
	return uuid.NewString()
}
