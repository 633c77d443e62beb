package orders

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/freshwaterbruce2/krakenws/internal/protocol"
	"github.com/freshwaterbruce2/krakenws/internal/token"
)

// TokenSource provides the current auth token without blocking.
type TokenSource interface {
	Current() (token.AuthToken, bool)
}

// SendFunc writes one frame to the private socket.
type SendFunc func(data []byte) error

// Config controls pending-request tracking and outbound pacing.
type Config struct {
	// PendingTimeout is how long a request may stay unanswered before it
	// is dropped as delivery-uncertain.
	PendingTimeout time.Duration

	// SweepInterval is the GC cadence for timed-out entries.
	SweepInterval time.Duration

	// SendRate caps outbound order frames per second. Zero disables pacing.
	SendRate float64

	// SendBurst is the pacing burst size.
	SendBurst int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PendingTimeout: 60 * time.Second,
		SweepInterval:  5 * time.Second,
		SendRate:       0,
		SendBurst:      1,
	}
}

// Router constructs order lifecycle messages, assigns correlation IDs, and
// tracks outstanding requests. Calls return as soon as the frame is written;
// results arrive asynchronously through the executions channel and the
// method replies resolved via Resolve.
type Router struct {
	cfg    Config
	logger *slog.Logger

	tokens  TokenSource
	limiter *rate.Limiter

	// Private-socket send function; swapped atomically as the connection
	// comes and goes.
	send atomic.Value // SendFunc

	// Correlation IDs, unique for the process lifetime.
	reqID atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]PendingRequest

	// Lifecycle observers, appended before Run and never mutated after.
	onSubmitted []func(PendingRequest)
	onUncertain []func(PendingRequest)
	onResolved  []func(PendingRequest, bool)

	now func() time.Time
}

// Option configures a Router.
type Option func(*Router)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithSubmittedHandler registers a callback for every sent request.
func WithSubmittedHandler(fn func(PendingRequest)) Option {
	return func(r *Router) { r.onSubmitted = append(r.onSubmitted, fn) }
}

// WithUncertainHandler registers a callback for delivery-uncertain requests.
func WithUncertainHandler(fn func(PendingRequest)) Option {
	return func(r *Router) { r.onUncertain = append(r.onUncertain, fn) }
}

// WithResolvedHandler registers a callback for resolved requests.
func WithResolvedHandler(fn func(req PendingRequest, success bool)) Option {
	return func(r *Router) { r.onResolved = append(r.onResolved, fn) }
}

// ObserveUncertain adds a delivery-uncertain observer after construction.
// Must be called before Run.
func (r *Router) ObserveUncertain(fn func(PendingRequest)) {
	r.onUncertain = append(r.onUncertain, fn)
}

// NewRouter creates an order request router.
func NewRouter(cfg Config, tokens TokenSource, logger *slog.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PendingTimeout == 0 {
		cfg.PendingTimeout = DefaultConfig().PendingTimeout
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}

	r := &Router{
		cfg:     cfg,
		logger:  logger,
		tokens:  tokens,
		pending: make(map[int64]PendingRequest),
		now:     time.Now,
	}
	if cfg.SendRate > 0 {
		burst := cfg.SendBurst
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(cfg.SendRate), burst)
	}
	// Seeded from the clock so IDs stay unique across quick restarts too.
	r.reqID.Store(time.Now().UnixMicro())

	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Bind attaches the private socket's send function. Called by the supervisor
// when the private connection reaches Live.
func (r *Router) Bind(send SendFunc) {
	r.send.Store(send)
}

// Unbind detaches the send function; subsequent order calls fail with
// ErrNotAuthenticated.
func (r *Router) Unbind() {
	r.send.Store(SendFunc(nil))
}

// AddOrder places a single order. Returns the correlation req_id.
func (r *Router) AddOrder(ctx context.Context, spec OrderSpec) (int64, error) {
	if err := spec.Validate(); err != nil {
		return 0, err
	}
	tok, send, err := r.ready()
	if err != nil {
		return 0, err
	}

	params := buildAddParams(spec)
	params.Token = tok.Value

	return r.submit(ctx, send, KindAdd, params,
		fmt.Sprintf("%s %s %s %s", spec.Side, spec.Qty, params.Symbol, spec.OrderType))
}

// AmendOrder modifies an open order in place.
func (r *Router) AmendOrder(ctx context.Context, spec AmendSpec) (int64, error) {
	if err := spec.Validate(); err != nil {
		return 0, err
	}
	tok, send, err := r.ready()
	if err != nil {
		return 0, err
	}

	params := protocol.AmendOrderParams{
		OrderID: spec.OrderID,
		Token:   tok.Value,
	}
	if spec.Qty != nil {
		n := protocol.Num(*spec.Qty)
		params.OrderQty = &n
	}
	if spec.LimitPrice != nil {
		n := protocol.Num(*spec.LimitPrice)
		params.LimitPrice = &n
	}
	params.PostOnly = spec.PostOnly

	return r.submit(ctx, send, KindAmend, params, "amend "+spec.OrderID)
}

// CancelOrder cancels a single open order.
func (r *Router) CancelOrder(ctx context.Context, orderID string) (int64, error) {
	if orderID == "" {
		return 0, &ValidationError{Field: "order_id", Reason: "required"}
	}
	tok, send, err := r.ready()
	if err != nil {
		return 0, err
	}

	params := protocol.CancelOrderParams{OrderID: orderID, Token: tok.Value}
	return r.submit(ctx, send, KindCancel, params, "cancel "+orderID)
}

// CancelAllOrders cancels every open order on the account.
func (r *Router) CancelAllOrders(ctx context.Context) (int64, error) {
	tok, send, err := r.ready()
	if err != nil {
		return 0, err
	}

	params := protocol.CancelAllParams{Token: tok.Value}
	return r.submit(ctx, send, KindCancelAll, params, "cancel all")
}

// BatchAddOrders places 2..15 orders in one frame. Size violations are
// rejected before any network I/O.
func (r *Router) BatchAddOrders(ctx context.Context, specs []OrderSpec) (int64, error) {
	if len(specs) < MinBatchSize || len(specs) > MaxBatchSize {
		return 0, &ValidationError{
			Field:  "orders",
			Reason: fmt.Sprintf("batch size %d outside [%d, %d]", len(specs), MinBatchSize, MaxBatchSize),
		}
	}
	for i, spec := range specs {
		if err := spec.Validate(); err != nil {
			return 0, fmt.Errorf("order %d: %w", i, err)
		}
	}
	tok, send, err := r.ready()
	if err != nil {
		return 0, err
	}

	batch := protocol.BatchAddParams{
		Orders: make([]protocol.AddOrderParams, len(specs)),
	}
	for i, spec := range specs {
		p := buildAddParams(spec)
		p.Token = tok.Value
		batch.Orders[i] = p
	}

	return r.submit(ctx, send, KindBatchAdd, batch,
		fmt.Sprintf("batch of %d orders", len(specs)))
}

// Resolve matches an inbound method reply to its pending request. Returns
// whether a pending entry was found.
func (r *Router) Resolve(reqID int64, success bool, errText string) bool {
	r.pendingMu.Lock()
	req, ok := r.pending[reqID]
	if ok {
		delete(r.pending, reqID)
	}
	r.pendingMu.Unlock()

	if !ok {
		return false
	}

	if success {
		r.logger.Debug("order request acknowledged",
			"req_id", reqID,
			"kind", req.Kind,
		)
	} else {
		r.logger.Warn("order request rejected",
			"req_id", reqID,
			"kind", req.Kind,
			"error", errText,
		)
	}
	for _, fn := range r.onResolved {
		fn(req, success)
	}
	return true
}

// PendingCount returns the number of unanswered requests.
func (r *Router) PendingCount() int {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	return len(r.pending)
}

// Run sweeps timed-out pending entries until ctx is cancelled. In-flight
// entries at shutdown are abandoned, not cancelled on the wire.
func (r *Router) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep drops entries older than PendingTimeout. The exchange may still
// have accepted them; each is surfaced as delivery-uncertain, never
// silently discarded.
func (r *Router) sweep() {
	cutoff := r.now().Add(-r.cfg.PendingTimeout)

	r.pendingMu.Lock()
	var expired []PendingRequest
	for id, req := range r.pending {
		if req.SubmittedAt.Before(cutoff) {
			expired = append(expired, req)
			delete(r.pending, id)
		}
	}
	r.pendingMu.Unlock()

	for _, req := range expired {
		r.logger.Warn("order request delivery uncertain: no response before timeout",
			"req_id", req.ReqID,
			"kind", req.Kind,
			"age", r.now().Sub(req.SubmittedAt).Round(time.Second),
			"summary", req.Summary,
		)
		for _, fn := range r.onUncertain {
			fn(req)
		}
	}
}

// ready checks authentication state and returns the token and send function.
func (r *Router) ready() (token.AuthToken, SendFunc, error) {
	send, _ := r.send.Load().(SendFunc)
	if send == nil {
		return token.AuthToken{}, nil, ErrNotAuthenticated
	}
	tok, ok := r.tokens.Current()
	if !ok {
		return token.AuthToken{}, nil, ErrNotAuthenticated
	}
	return tok, send, nil
}

// submit assigns a req_id, records the pending entry, and writes the frame.
func (r *Router) submit(ctx context.Context, send SendFunc, kind RequestKind, params any, summary string) (int64, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return 0, err
		}
	}

	reqID := r.reqID.Add(1)
	frame, err := protocol.Request{
		Method: string(kind),
		Params: params,
		ReqID:  reqID,
	}.Encode()
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", kind, err)
	}

	req := PendingRequest{
		ReqID:       reqID,
		Kind:        kind,
		SubmittedAt: r.now(),
		Summary:     summary,
	}
	r.pendingMu.Lock()
	r.pending[reqID] = req
	r.pendingMu.Unlock()

	if err := send(frame); err != nil {
		r.pendingMu.Lock()
		delete(r.pending, reqID)
		r.pendingMu.Unlock()
		return 0, fmt.Errorf("send %s: %w", kind, err)
	}

	r.logger.Info("order request sent",
		"req_id", reqID,
		"kind", kind,
		"summary", summary,
	)
	for _, fn := range r.onSubmitted {
		fn(req)
	}
	return reqID, nil
}

// buildAddParams converts an OrderSpec to wire params (token not set).
func buildAddParams(spec OrderSpec) protocol.AddOrderParams {
	params := protocol.AddOrderParams{
		Symbol:        protocol.NormalizeSymbol(spec.Symbol),
		Side:          spec.Side,
		OrderType:     spec.OrderType,
		OrderQty:      protocol.Num(spec.Qty),
		PostOnly:      spec.PostOnly,
		ReduceOnly:    spec.ReduceOnly,
		ClientOrderID: spec.ClientOrderID,
	}
	if params.ClientOrderID == "" {
		params.ClientOrderID = NewClientOrderID()
	}
	if spec.LimitPrice != nil {
		n := protocol.Num(*spec.LimitPrice)
		params.LimitPrice = &n
	}
	if spec.TimeInForce != "" && spec.TimeInForce != "gtc" {
		params.TimeInForce = spec.TimeInForce
	}
	return params
}
