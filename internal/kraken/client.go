// Package kraken supervises the two WebSocket connections to the exchange:
// the public market-data socket and the authenticated private socket. It owns
// dialing, backoff, heartbeat liveness, subscription replay after reconnects,
// and dispatch of classified frames to registered callbacks. Order operations
// are delegated to the order router, which is bound to the private socket
// whenever it is live.
package kraken

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/freshwaterbruce2/krakenws/internal/connection"
	"github.com/freshwaterbruce2/krakenws/internal/orders"
	"github.com/freshwaterbruce2/krakenws/internal/protocol"
	"github.com/freshwaterbruce2/krakenws/internal/ratelimit"
	"github.com/freshwaterbruce2/krakenws/internal/token"
)

// Config holds connection supervision settings for both sockets.
type Config struct {
	PublicURL  string
	PrivateURL string

	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	BufferSize     int

	// Backoff between failed dials: BaseDelay doubling up to MaxDelay,
	// reset after a connection reaches live.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Dial budget shared by both sockets.
	AttemptWindow time.Duration
	AttemptLimit  int

	HeartbeatCheckInterval time.Duration
	HeartbeatTimeout       time.Duration
}

// DefaultConfig returns production settings for the v2 endpoints.
func DefaultConfig() Config {
	return Config{
		PublicURL:              "wss://ws.kraken.com/v2",
		PrivateURL:             "wss://ws-auth.kraken.com/v2",
		ConnectTimeout:         30 * time.Second,
		WriteTimeout:           5 * time.Second,
		BufferSize:             1000,
		BaseDelay:              5 * time.Second,
		MaxDelay:               60 * time.Second,
		AttemptWindow:          10 * time.Minute,
		AttemptLimit:           150,
		HeartbeatCheckInterval: 1 * time.Second,
		HeartbeatTimeout:       5 * time.Second,
	}
}

// Callback receives classified frames for one channel. Callbacks run on the
// socket's read goroutine; slow callbacks delay dispatch, panics are isolated.
type Callback func(protocol.Frame)

// StatusKind discriminates status events.
type StatusKind string

const (
	// StatusStateChange reports a socket state machine transition.
	StatusStateChange StatusKind = "state_change"
	// StatusDeliveryUncertain reports an order request that got no reply
	// before the pending timeout; the exchange may still have accepted it.
	StatusDeliveryUncertain StatusKind = "delivery_uncertain"
)

// StatusEvent is a connection lifecycle change or a delivery-uncertain order
// request.
type StatusEvent struct {
	Kind   StatusKind
	Socket string           // set for state changes
	State  connection.State // set for state changes
	ReqID  int64            // set for delivery-uncertain
	Detail string
}

// StatusCallback receives status events on supervisor goroutines.
type StatusCallback func(StatusEvent)

// socket is the supervised state for one connection.
type socket struct {
	name  string
	scope protocol.Scope
	url   string

	fsm *connection.StateMachine
	hb  *connection.Monitor

	mu     sync.RWMutex
	client connection.Client
}

func (s *socket) setClient(c connection.Client) {
	s.mu.Lock()
	s.client = c
	s.mu.Unlock()
}

func (s *socket) currentClient() connection.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

// ExchangeClient supervises both sockets and exposes the subscribe and order
// surface of the connectivity layer.
type ExchangeClient struct {
	cfg    Config
	logger *slog.Logger

	tokens *token.Manager // nil in public-only deployments
	orders *orders.Router // nil when order routing is disabled

	dialWindow *ratelimit.Window
	subs       *subRegistry

	public  *socket
	private *socket

	callbackMu sync.RWMutex
	callbacks  map[string][]Callback

	statusMu        sync.RWMutex
	statusCallbacks []StatusCallback

	// degraded is set when private authentication fails; market data keeps
	// flowing while order operations return ErrNotAuthenticated.
	degraded atomic.Bool

	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	started atomic.Bool
}

// NewExchangeClient creates the supervisor. tokens and orderRouter may be nil
// for a public-only deployment.
func NewExchangeClient(cfg Config, tokens *token.Manager, orderRouter *orders.Router, logger *slog.Logger) *ExchangeClient {
	if logger == nil {
		logger = slog.Default()
	}

	c := &ExchangeClient{
		cfg:        cfg,
		logger:     logger,
		tokens:     tokens,
		orders:     orderRouter,
		dialWindow: ratelimit.NewWindow(cfg.AttemptWindow, cfg.AttemptLimit),
		subs:       newSubRegistry(),
		callbacks:  make(map[string][]Callback),
		public: &socket{
			name:  "public",
			scope: protocol.ScopePublic,
			url:   cfg.PublicURL,
			fsm:   connection.NewStateMachine(),
			hb:    connection.NewMonitor(logger.With("socket", "public")),
		},
		private: &socket{
			name:  "private",
			scope: protocol.ScopePrivate,
			url:   cfg.PrivateURL,
			fsm:   connection.NewStateMachine(),
			hb:    connection.NewMonitor(logger.With("socket", "private")),
		},
	}

	if orderRouter != nil {
		orderRouter.ObserveUncertain(func(req orders.PendingRequest) {
			c.emitStatus(StatusEvent{
				Kind:   StatusDeliveryUncertain,
				ReqID:  req.ReqID,
				Detail: req.Summary,
			})
		})
	}
	return c
}

// Start launches the socket supervisors and background loops. The private
// socket is only supervised when a token manager is present.
func (c *ExchangeClient) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("exchange client already started")
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.group, _ = errgroup.WithContext(c.ctx)

	c.group.Go(func() error {
		c.runSocket(c.public)
		return nil
	})

	if c.tokens != nil {
		c.group.Go(func() error {
			c.runSocket(c.private)
			return nil
		})
		c.group.Go(func() error {
			c.tokens.Run(c.ctx)
			return nil
		})
	}
	if c.orders != nil {
		c.group.Go(func() error {
			c.orders.Run(c.ctx)
			return nil
		})
	}

	c.logger.Info("exchange client started",
		"public_url", c.cfg.PublicURL,
		"private", c.tokens != nil,
	)
	return nil
}

// Stop shuts down both sockets and waits for the supervisors to exit.
func (c *ExchangeClient) Stop(ctx context.Context) error {
	c.logger.Info("stopping exchange client")

	if c.cancel != nil {
		c.cancel()
	}

	done := make(chan struct{})
	go func() {
		if c.group != nil {
			c.group.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("exchange client stopped")
		return nil
	case <-ctx.Done():
		c.logger.Warn("exchange client stop timed out")
		return ctx.Err()
	}
}

// IsConnected reports whether the public socket is live.
func (c *ExchangeClient) IsConnected() bool {
	return c.public.fsm.Is(connection.StateLive)
}

// IsPrivateConnected reports whether the private socket is live.
func (c *ExchangeClient) IsPrivateConnected() bool {
	return c.private.fsm.Is(connection.StateLive)
}

// Degraded reports whether private authentication has failed and the client
// is running public-only.
func (c *ExchangeClient) Degraded() bool {
	return c.degraded.Load()
}

// RegisterCallback attaches a handler for one channel's frames. Multiple
// handlers per channel run in registration order.
func (c *ExchangeClient) RegisterCallback(channel string, fn Callback) {
	c.callbackMu.Lock()
	c.callbacks[channel] = append(c.callbacks[channel], fn)
	c.callbackMu.Unlock()
}

// RegisterStatusCallback subscribes to connection state changes and
// delivery-uncertain order events.
func (c *ExchangeClient) RegisterStatusCallback(fn StatusCallback) {
	c.statusMu.Lock()
	c.statusCallbacks = append(c.statusCallbacks, fn)
	c.statusMu.Unlock()
}

func (c *ExchangeClient) emitStatus(ev StatusEvent) {
	c.statusMu.RLock()
	handlers := c.statusCallbacks
	c.statusMu.RUnlock()

	for _, fn := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("status callback panicked", "panic", r)
				}
			}()
			fn(ev)
		}()
	}
}

// Subscribe records a desired subscription and, when the owning socket is
// live, sends the subscribe frame. Acks arrive asynchronously; the desired
// state is replayed on every reconnect regardless.
func (c *ExchangeClient) Subscribe(params protocol.SubscribeParams) error {
	scope := protocol.ScopePublic
	if protocol.IsPrivateChannel(params.Channel) {
		scope = protocol.ScopePrivate
	}
	if err := protocol.ValidateChannel(params.Channel, scope); err != nil {
		return err
	}
	if scope == protocol.ScopePrivate && c.tokens == nil {
		return orders.ErrNotAuthenticated
	}

	params.Symbol = protocol.NormalizeSymbols(params.Symbol)
	c.subs.add(params, scope)

	s := c.socketFor(scope)
	if !s.fsm.Is(connection.StateLive) {
		// Sent when the socket (re)connects.
		return nil
	}
	return c.sendSubscribe(s, params, protocol.MethodSubscribe)
}

// Unsubscribe removes symbols from the desired state and notifies the
// exchange when the socket is live.
func (c *ExchangeClient) Unsubscribe(params protocol.SubscribeParams) error {
	scope := protocol.ScopePublic
	if protocol.IsPrivateChannel(params.Channel) {
		scope = protocol.ScopePrivate
	}
	if err := protocol.ValidateChannel(params.Channel, scope); err != nil {
		return err
	}

	params.Symbol = protocol.NormalizeSymbols(params.Symbol)
	c.subs.remove(params)

	s := c.socketFor(scope)
	if !s.fsm.Is(connection.StateLive) {
		return nil
	}
	return c.sendSubscribe(s, params, protocol.MethodUnsubscribe)
}

// SubscribeTicker subscribes the ticker channel for the given pairs.
func (c *ExchangeClient) SubscribeTicker(symbols []string) error {
	return c.Subscribe(protocol.SubscribeParams{Channel: protocol.ChannelTicker, Symbol: symbols})
}

// SubscribeOHLC subscribes the ohlc channel at the given candle interval.
func (c *ExchangeClient) SubscribeOHLC(symbols []string, interval int) error {
	return c.Subscribe(protocol.SubscribeParams{Channel: protocol.ChannelOHLC, Symbol: symbols, Interval: interval})
}

// SubscribeBook subscribes the book channel at the given depth.
func (c *ExchangeClient) SubscribeBook(symbols []string, depth int) error {
	return c.Subscribe(protocol.SubscribeParams{Channel: protocol.ChannelBook, Symbol: symbols, Depth: depth})
}

// SubscribeTrade subscribes the trade channel for the given pairs.
func (c *ExchangeClient) SubscribeTrade(symbols []string) error {
	return c.Subscribe(protocol.SubscribeParams{Channel: protocol.ChannelTrade, Symbol: symbols})
}

// SubscribeExecutions subscribes the private executions channel with the
// open-orders and recent-trades snapshots.
func (c *ExchangeClient) SubscribeExecutions() error {
	snap := true
	return c.Subscribe(protocol.SubscribeParams{
		Channel:    protocol.ChannelExecutions,
		SnapOrders: &snap,
		SnapTrades: &snap,
	})
}

// SubscribeBalances subscribes the private balances channel.
func (c *ExchangeClient) SubscribeBalances() error {
	return c.Subscribe(protocol.SubscribeParams{Channel: protocol.ChannelBalances})
}

// AddOrder delegates to the order router.
func (c *ExchangeClient) AddOrder(ctx context.Context, spec orders.OrderSpec) (int64, error) {
	if c.orders == nil {
		return 0, orders.ErrNotAuthenticated
	}
	return c.orders.AddOrder(ctx, spec)
}

// AmendOrder delegates to the order router.
func (c *ExchangeClient) AmendOrder(ctx context.Context, spec orders.AmendSpec) (int64, error) {
	if c.orders == nil {
		return 0, orders.ErrNotAuthenticated
	}
	return c.orders.AmendOrder(ctx, spec)
}

// CancelOrder delegates to the order router.
func (c *ExchangeClient) CancelOrder(ctx context.Context, orderID string) (int64, error) {
	if c.orders == nil {
		return 0, orders.ErrNotAuthenticated
	}
	return c.orders.CancelOrder(ctx, orderID)
}

// CancelAllOrders delegates to the order router.
func (c *ExchangeClient) CancelAllOrders(ctx context.Context) (int64, error) {
	if c.orders == nil {
		return 0, orders.ErrNotAuthenticated
	}
	return c.orders.CancelAllOrders(ctx)
}

// BatchAddOrders delegates to the order router.
func (c *ExchangeClient) BatchAddOrders(ctx context.Context, specs []orders.OrderSpec) (int64, error) {
	if c.orders == nil {
		return 0, orders.ErrNotAuthenticated
	}
	return c.orders.BatchAddOrders(ctx, specs)
}

func (c *ExchangeClient) socketFor(scope protocol.Scope) *socket {
	if scope == protocol.ScopePrivate {
		return c.private
	}
	return c.public
}

// sendSubscribe writes one subscribe/unsubscribe frame. Private channel
// requests carry the current token.
func (c *ExchangeClient) sendSubscribe(s *socket, params protocol.SubscribeParams, method string) error {
	if s.scope == protocol.ScopePrivate {
		tok, ok := c.tokens.Current()
		if !ok {
			return orders.ErrNotAuthenticated
		}
		params.Token = tok.Value
	}

	frame, err := protocol.Request{Method: method, Params: params}.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}

	client := s.currentClient()
	if client == nil {
		return connection.ErrNotConnected
	}
	if err := client.Send(frame); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}

	c.logger.Debug("subscription request sent",
		"socket", s.name,
		"method", method,
		"channel", params.Channel,
		"symbols", len(params.Symbol),
	)
	return nil
}

// runSocket is the supervision loop for one socket: dial (rate-limited),
// authenticate if private, replay subscriptions, then read until the
// connection drops. Backoff doubles from BaseDelay to MaxDelay across
// consecutive failures and resets once the socket reaches live.
func (c *ExchangeClient) runSocket(s *socket) {
	failures := 0

	for {
		if c.ctx.Err() != nil {
			c.transition(s, connection.StateClosing)
			return
		}

		if failures > 0 {
			if !c.sleep(c.backoffDelay(failures)) {
				c.transition(s, connection.StateClosing)
				return
			}
		}

		if !c.waitForDialBudget(s) {
			c.transition(s, connection.StateClosing)
			return
		}

		client, err := c.dial(s)
		if err != nil {
			failures++
			c.logger.Warn("dial failed",
				"socket", s.name,
				"error", err,
				"failures", failures,
			)
			c.transition(s, connection.StateReconnecting)
			continue
		}

		if s.scope == protocol.ScopePrivate {
			c.transition(s, connection.StateAuthenticating)
			if _, err := c.tokens.Token(c.ctx); err != nil {
				client.Close()
				c.degraded.Store(true)
				failures++
				c.logger.Error("authentication failed, running public-only",
					"error", err,
					"retry_in", c.backoffDelay(failures),
				)
				c.transition(s, connection.StateDisconnected)
				continue
			}
			c.degraded.Store(false)
			c.tokens.SetConnected(true)
		}

		c.transition(s, connection.StateSubscribing)
		s.setClient(client)
		c.replaySubscriptions(s)

		if s.scope == protocol.ScopePrivate && c.orders != nil {
			c.orders.Bind(client.Send)
		}

		c.transition(s, connection.StateLive)
		failures = 0

		// A silent socket is dead even if TCP disagrees; force a reconnect.
		// The client suppresses read errors after Close, so the timeout is
		// signalled to the read loop directly.
		hbTimeout := make(chan struct{})
		var hbOnce sync.Once
		s.hb.Start(c.cfg.HeartbeatCheckInterval, c.cfg.HeartbeatTimeout, func() {
			hbOnce.Do(func() { close(hbTimeout) })
			client.Close()
		})

		readErr := c.readLoop(s, client, hbTimeout)

		s.hb.Stop()
		if s.scope == protocol.ScopePrivate {
			if c.orders != nil {
				c.orders.Unbind()
			}
			c.tokens.SetConnected(false)
		}
		s.setClient(nil)
		client.Close()

		if c.ctx.Err() != nil {
			c.transition(s, connection.StateClosing)
			return
		}

		c.logger.Warn("connection lost, reconnecting",
			"socket", s.name,
			"error", readErr,
		)
		c.transition(s, connection.StateReconnecting)
	}
}

// dial records the attempt against the shared window and connects with the
// configured timeout.
func (c *ExchangeClient) dial(s *socket) (connection.Client, error) {
	c.dialWindow.RecordAttempt()
	c.transition(s, connection.StateConnecting)

	client := connection.NewClient(connection.ClientConfig{
		URL:              s.url,
		HandshakeTimeout: c.cfg.ConnectTimeout,
		WriteTimeout:     c.cfg.WriteTimeout,
		BufferSize:       c.cfg.BufferSize,
	}, c.logger.With("socket", s.name))

	dialCtx, cancel := context.WithTimeout(c.ctx, c.cfg.ConnectTimeout)
	defer cancel()

	if err := client.Connect(dialCtx); err != nil {
		return nil, err
	}
	return client, nil
}

// waitForDialBudget blocks until the sliding window admits another attempt.
// Returns false when the client is shutting down.
func (c *ExchangeClient) waitForDialBudget(s *socket) bool {
	for !c.dialWindow.CanAttempt() {
		wait := c.dialWindow.WaitTime()
		c.logger.Warn("dial budget exhausted, waiting",
			"socket", s.name,
			"wait", wait,
		)
		if !c.sleep(wait) {
			return false
		}
	}
	return true
}

func (c *ExchangeClient) backoffDelay(failures int) time.Duration {
	delay := c.cfg.BaseDelay
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= c.cfg.MaxDelay {
			return c.cfg.MaxDelay
		}
	}
	if delay > c.cfg.MaxDelay {
		delay = c.cfg.MaxDelay
	}
	return delay
}

func (c *ExchangeClient) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// replaySubscriptions re-establishes every desired subscription for the
// socket's scope. Failures are logged and left for the next reconnect; the
// registry remains the desired state.
func (c *ExchangeClient) replaySubscriptions(s *socket) {
	for _, params := range c.subs.forScope(s.scope) {
		if err := c.sendSubscribe(s, params, protocol.MethodSubscribe); err != nil {
			c.logger.Warn("subscription replay failed",
				"socket", s.name,
				"channel", params.Channel,
				"error", err,
			)
		}
	}
}

// readLoop consumes frames until the connection errors, the heartbeat
// monitor declares it dead, or the client stops.
func (c *ExchangeClient) readLoop(s *socket, client connection.Client, hbTimeout <-chan struct{}) error {
	for {
		select {
		case <-c.ctx.Done():
			return nil
		case <-hbTimeout:
			return connection.ErrHeartbeatTimeout
		case err := <-client.Errors():
			return err
		case msg, ok := <-client.Messages():
			if !ok {
				return connection.ErrNotConnected
			}
			c.dispatch(s, client, msg.Data)
		}
	}
}

// dispatch classifies one inbound frame and routes it. Heartbeats are
// answered before anything else touches the frame.
func (c *ExchangeClient) dispatch(s *socket, client connection.Client, data []byte) {
	frame, err := protocol.Classify(data)
	if err != nil {
		c.logger.Warn("malformed frame dropped",
			"socket", s.name,
			"error", err,
		)
		return
	}

	switch frame.Kind {
	case protocol.KindHeartbeat:
		s.hb.OnHeartbeat()
		if err := client.Send(protocol.Pong()); err != nil {
			c.logger.Warn("pong send failed", "socket", s.name, "error", err)
		}
		return

	case protocol.KindMethodReply:
		c.handleMethodReply(s, frame)
		return

	case protocol.KindUnknown:
		c.logger.Debug("unrecognized frame ignored",
			"socket", s.name,
			"channel", frame.Channel,
			"method", frame.Method,
		)
		return
	}

	c.invokeCallbacks(frame)
}

// handleMethodReply routes async acks: order replies resolve pending
// requests, subscription replies are logged.
func (c *ExchangeClient) handleMethodReply(s *socket, frame protocol.Frame) {
	switch frame.Method {
	case protocol.MethodAddOrder, protocol.MethodAmendOrder, protocol.MethodCancelOrder,
		protocol.MethodCancelAll, protocol.MethodBatchAdd:
		if c.orders == nil || !c.orders.Resolve(frame.ReqID, frame.Success, frame.ErrText) {
			c.logger.Warn("unmatched order reply",
				"method", frame.Method,
				"req_id", frame.ReqID,
				"success", frame.Success,
			)
		}

	case protocol.MethodSubscribe, protocol.MethodUnsubscribe:
		if frame.Success {
			c.logger.Debug("subscription acknowledged",
				"socket", s.name,
				"method", frame.Method,
			)
		} else {
			c.logger.Warn("subscription rejected",
				"socket", s.name,
				"method", frame.Method,
				"error", frame.ErrText,
			)
		}

	default:
		c.logger.Debug("unhandled method reply", "method", frame.Method)
	}
}

// invokeCallbacks runs channel handlers with panic isolation so one bad
// handler cannot kill the read loop.
func (c *ExchangeClient) invokeCallbacks(frame protocol.Frame) {
	c.callbackMu.RLock()
	handlers := c.callbacks[frame.Channel]
	c.callbackMu.RUnlock()

	for _, fn := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("callback panicked",
						"channel", frame.Channel,
						"panic", r,
					)
				}
			}()
			fn(frame)
		}()
	}
}

// transition moves a socket's FSM, logging the rare illegal transition
// instead of crashing the supervisor.
func (c *ExchangeClient) transition(s *socket, to connection.State) {
	if err := s.fsm.Transition(to); err != nil {
		c.logger.Error("state transition rejected",
			"socket", s.name,
			"from", s.fsm.State(),
			"to", to,
			"error", err,
		)
		return
	}
	c.emitStatus(StatusEvent{Kind: StatusStateChange, Socket: s.name, State: to})
}
