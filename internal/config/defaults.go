package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultPublicWSURL  = "wss://ws.kraken.com/v2"
	DefaultPrivateWSURL = "wss://ws-auth.kraken.com/v2"
	DefaultRestURL      = "https://api.kraken.com"

	DefaultRestTimeout = 10 * time.Second
	DefaultMaxRetries  = 3

	DefaultConnectTimeout = 30 * time.Second
	DefaultBaseDelay      = 5 * time.Second
	DefaultMaxDelay       = 60 * time.Second
	DefaultAttemptWindow  = 10 * time.Minute
	DefaultAttemptLimit   = 150

	DefaultHeartbeatCheckInterval = 1 * time.Second
	DefaultHeartbeatTimeout       = 5 * time.Second

	DefaultTokenRefreshThreshold = 12 * time.Minute
	DefaultTokenCheckInterval    = 5 * time.Minute

	DefaultPendingTimeout = 60 * time.Second
	DefaultSweepInterval  = 5 * time.Second
	DefaultSendBurst      = 1

	DefaultDBPort        = 5432
	DefaultDBSSLMode     = "prefer"
	DefaultMaxConns      = 10
	DefaultMinConns      = 2
	DefaultBatchSize     = 500
	DefaultFlushInterval = 1 * time.Second
	DefaultBufferSize    = 10000
)

func (c *StreamerConfig) applyDefaults() {
	// Endpoint defaults
	if c.Endpoints.PublicURL == "" {
		c.Endpoints.PublicURL = DefaultPublicWSURL
	}
	if c.Endpoints.PrivateURL == "" {
		c.Endpoints.PrivateURL = DefaultPrivateWSURL
	}

	// REST defaults
	if c.REST.BaseURL == "" {
		c.REST.BaseURL = DefaultRestURL
	}
	if c.REST.Timeout == 0 {
		c.REST.Timeout = DefaultRestTimeout
	}
	if c.REST.MaxRetries == 0 {
		c.REST.MaxRetries = DefaultMaxRetries
	}

	// Reconnect defaults
	if c.Reconnect.ConnectTimeout == 0 {
		c.Reconnect.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Reconnect.BaseDelay == 0 {
		c.Reconnect.BaseDelay = DefaultBaseDelay
	}
	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect.MaxDelay = DefaultMaxDelay
	}
	if c.Reconnect.AttemptWindow == 0 {
		c.Reconnect.AttemptWindow = DefaultAttemptWindow
	}
	if c.Reconnect.AttemptLimit == 0 {
		c.Reconnect.AttemptLimit = DefaultAttemptLimit
	}

	// Heartbeat defaults
	if c.Heartbeat.CheckInterval == 0 {
		c.Heartbeat.CheckInterval = DefaultHeartbeatCheckInterval
	}
	if c.Heartbeat.Timeout == 0 {
		c.Heartbeat.Timeout = DefaultHeartbeatTimeout
	}

	// Token defaults
	if c.Token.RefreshThreshold == 0 {
		c.Token.RefreshThreshold = DefaultTokenRefreshThreshold
	}
	if c.Token.CheckInterval == 0 {
		c.Token.CheckInterval = DefaultTokenCheckInterval
	}

	// Orders defaults
	if c.Orders.PendingTimeout == 0 {
		c.Orders.PendingTimeout = DefaultPendingTimeout
	}
	if c.Orders.SweepInterval == 0 {
		c.Orders.SweepInterval = DefaultSweepInterval
	}
	if c.Orders.SendBurst == 0 {
		c.Orders.SendBurst = DefaultSendBurst
	}

	// Journal defaults
	if c.Journal.Enabled {
		applyDBDefaults(&c.Journal.Database)
	}
	if c.Journal.BatchSize == 0 {
		c.Journal.BatchSize = DefaultBatchSize
	}
	if c.Journal.FlushInterval == 0 {
		c.Journal.FlushInterval = DefaultFlushInterval
	}
	if c.Journal.BufferSize == 0 {
		c.Journal.BufferSize = DefaultBufferSize
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
