package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/freshwaterbruce2/krakenws/internal/config"
	"github.com/freshwaterbruce2/krakenws/internal/journal"
	"github.com/freshwaterbruce2/krakenws/internal/kraken"
	"github.com/freshwaterbruce2/krakenws/internal/orders"
	"github.com/freshwaterbruce2/krakenws/internal/protocol"
	"github.com/freshwaterbruce2/krakenws/internal/rest"
	"github.com/freshwaterbruce2/krakenws/internal/token"
	"github.com/freshwaterbruce2/krakenws/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/streamer.local.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting streamer",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"public_url", cfg.Endpoints.PublicURL,
		"pairs", len(cfg.Subscriptions.Pairs),
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Token manager and order router only exist when credentials are present.
	var (
		tokens      *token.Manager
		orderRouter *orders.Router
	)
	if cfg.REST.APIKey != "" && cfg.REST.APISecret != "" {
		restClient := rest.NewClient(
			cfg.REST.BaseURL,
			cfg.REST.APIKey,
			cfg.REST.APISecret,
			rest.WithLogger(logger),
			rest.WithTimeout(cfg.REST.Timeout),
			rest.WithRetries(uint(cfg.REST.MaxRetries), time.Second),
		)
		tokens = token.NewManager(restClient, token.Config{
			RefreshThreshold: cfg.Token.RefreshThreshold,
			CheckInterval:    cfg.Token.CheckInterval,
		}, logger)
	}

	// Optional order-request journal.
	var jnl *journal.Journal
	if cfg.Journal.Enabled {
		logger.Info("connecting to journal database",
			"host", cfg.Journal.Database.Host,
			"database", cfg.Journal.Database.Name,
		)
		pool, err := journal.Connect(ctx, cfg.Journal.Database)
		if err != nil {
			logger.Error("failed to connect to journal database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		jnl = journal.New(journal.Config{
			InstanceID:    cfg.Instance.ID,
			BatchSize:     cfg.Journal.BatchSize,
			FlushInterval: cfg.Journal.FlushInterval,
			BufferSize:    cfg.Journal.BufferSize,
		}, pool, logger)
		if err := jnl.Start(ctx); err != nil {
			logger.Error("failed to start journal", "error", err)
			os.Exit(1)
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			jnl.Stop(stopCtx)
		}()
	}

	if tokens != nil {
		orderRouter = orders.NewRouter(orders.Config{
			PendingTimeout: cfg.Orders.PendingTimeout,
			SweepInterval:  cfg.Orders.SweepInterval,
			SendRate:       cfg.Orders.SendRate,
			SendBurst:      cfg.Orders.SendBurst,
		}, tokens, logger, journalOptions(jnl)...)
	}

	client := kraken.NewExchangeClient(kraken.Config{
		PublicURL:              cfg.Endpoints.PublicURL,
		PrivateURL:             cfg.Endpoints.PrivateURL,
		ConnectTimeout:         cfg.Reconnect.ConnectTimeout,
		WriteTimeout:           5 * time.Second,
		BufferSize:             1000,
		BaseDelay:              cfg.Reconnect.BaseDelay,
		MaxDelay:               cfg.Reconnect.MaxDelay,
		AttemptWindow:          cfg.Reconnect.AttemptWindow,
		AttemptLimit:           cfg.Reconnect.AttemptLimit,
		HeartbeatCheckInterval: cfg.Heartbeat.CheckInterval,
		HeartbeatTimeout:       cfg.Heartbeat.Timeout,
	}, tokens, orderRouter, logger)

	if err := registerSubscriptions(client, cfg.Subscriptions); err != nil {
		logger.Error("failed to register subscriptions", "error", err)
		os.Exit(1)
	}

	client.RegisterStatusCallback(func(ev kraken.StatusEvent) {
		switch ev.Kind {
		case kraken.StatusStateChange:
			logger.Debug("socket state", "socket", ev.Socket, "state", ev.State)
		case kraken.StatusDeliveryUncertain:
			logger.Warn("order delivery uncertain",
				"req_id", ev.ReqID,
				"summary", ev.Detail,
			)
		}
	})

	// Log market data at debug level; consumers attach their own callbacks.
	client.RegisterCallback(protocol.ChannelStatus, func(f protocol.Frame) {
		updates, err := protocol.DecodeData[protocol.StatusUpdate](f)
		if err != nil || len(updates) == 0 {
			return
		}
		logger.Info("exchange status",
			"system", updates[0].System,
			"api_version", updates[0].APIVersion,
		)
	})
	client.RegisterCallback(protocol.ChannelExecutions, func(f protocol.Frame) {
		execs, err := protocol.DecodeData[protocol.Execution](f)
		if err != nil {
			return
		}
		for _, ex := range execs {
			logger.Info("execution",
				"order_id", ex.OrderID,
				"exec_type", ex.ExecType,
				"symbol", ex.Symbol,
				"status", ex.OrderStatus,
			)
		}
	})

	if err := client.Start(ctx); err != nil {
		logger.Error("failed to start exchange client", "error", err)
		os.Exit(1)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		client.Stop(stopCtx)
	}()

	// Health server
	healthServer := &http.Server{
		Addr:    ":8080",
		Handler: createHealthHandler(client, orderRouter),
	}
	go func() {
		logger.Info("starting health server", "addr", healthServer.Addr)
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("health server error", "error", err)
		}
	}()

	logger.Info("streamer running", "instance_id", cfg.Instance.ID)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	healthServer.Shutdown(shutdownCtx)

	logger.Info("streamer stopped")
}

// journalOptions wires order lifecycle events into the journal when enabled.
func journalOptions(jnl *journal.Journal) []orders.Option {
	if jnl == nil {
		return nil
	}
	return []orders.Option{
		orders.WithSubmittedHandler(func(req orders.PendingRequest) {
			jnl.Record(journal.Event{
				ReqID:   req.ReqID,
				Kind:    string(req.Kind),
				Event:   journal.EventSubmitted,
				Summary: req.Summary,
				At:      time.Now(),
			})
		}),
		orders.WithResolvedHandler(func(req orders.PendingRequest, success bool) {
			ev := journal.EventAcknowledged
			if !success {
				ev = journal.EventRejected
			}
			jnl.Record(journal.Event{
				ReqID:   req.ReqID,
				Kind:    string(req.Kind),
				Event:   ev,
				Summary: req.Summary,
				At:      time.Now(),
			})
		}),
		orders.WithUncertainHandler(func(req orders.PendingRequest) {
			jnl.Record(journal.Event{
				ReqID:   req.ReqID,
				Kind:    string(req.Kind),
				Event:   journal.EventUncertain,
				Summary: req.Summary,
				At:      time.Now(),
			})
		}),
	}
}

// registerSubscriptions records the configured channels; frames go out once
// the sockets connect.
func registerSubscriptions(client *kraken.ExchangeClient, subs config.SubscriptionsConfig) error {
	if subs.Ticker {
		if err := client.SubscribeTicker(subs.Pairs); err != nil {
			return err
		}
	}
	if subs.Trade {
		if err := client.SubscribeTrade(subs.Pairs); err != nil {
			return err
		}
	}
	if subs.OHLCInterval > 0 {
		if err := client.SubscribeOHLC(subs.Pairs, subs.OHLCInterval); err != nil {
			return err
		}
	}
	if subs.BookDepth > 0 {
		if err := client.SubscribeBook(subs.Pairs, subs.BookDepth); err != nil {
			return err
		}
	}
	if subs.Executions {
		if err := client.SubscribeExecutions(); err != nil {
			return err
		}
	}
	if subs.Balances {
		if err := client.SubscribeBalances(); err != nil {
			return err
		}
	}
	return nil
}

// createHealthHandler creates the HTTP handler for health checks.
func createHealthHandler(client *kraken.ExchangeClient, orderRouter *orders.Router) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		health.Components["public_socket"] = map[string]any{
			"connected": client.IsConnected(),
		}
		health.Components["private_socket"] = map[string]any{
			"connected": client.IsPrivateConnected(),
			"degraded":  client.Degraded(),
		}
		if orderRouter != nil {
			health.Components["orders"] = map[string]any{
				"pending": orderRouter.PendingCount(),
			}
		}

		if !client.IsConnected() {
			health.Status = "unhealthy"
		} else if client.Degraded() {
			health.Status = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	return mux
}
