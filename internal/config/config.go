package config

import "time"

// StreamerConfig is the root configuration for a streamer instance.
type StreamerConfig struct {
	Instance      InstanceConfig      `yaml:"instance"`
	Endpoints     EndpointsConfig     `yaml:"endpoints"`
	REST          RESTConfig          `yaml:"rest"`
	Reconnect     ReconnectConfig     `yaml:"reconnect"`
	Heartbeat     HeartbeatConfig     `yaml:"heartbeat"`
	Token         TokenConfig         `yaml:"token"`
	Orders        OrdersConfig        `yaml:"orders"`
	Journal       JournalConfig       `yaml:"journal"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
}

// InstanceConfig identifies this streamer.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// EndpointsConfig holds the WebSocket endpoints for both sockets.
type EndpointsConfig struct {
	PublicURL  string `yaml:"public_url"`
	PrivateURL string `yaml:"private_url"`
}

// RESTConfig holds the REST API settings used for token acquisition.
type RESTConfig struct {
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	APISecret  string        `yaml:"api_secret"` // base64-encoded
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// ReconnectConfig holds dial and backoff settings shared by both sockets.
type ReconnectConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`

	// The exchange bans clients that dial too often; attempts above
	// AttemptLimit inside AttemptWindow wait for the oldest to age out.
	AttemptWindow time.Duration `yaml:"attempt_window"`
	AttemptLimit  int           `yaml:"attempt_limit"`
}

// HeartbeatConfig holds liveness monitoring settings.
type HeartbeatConfig struct {
	CheckInterval time.Duration `yaml:"check_interval"`
	Timeout       time.Duration `yaml:"timeout"`
}

// TokenConfig holds auth token lifecycle settings.
type TokenConfig struct {
	RefreshThreshold time.Duration `yaml:"refresh_threshold"`
	CheckInterval    time.Duration `yaml:"check_interval"`
}

// OrdersConfig holds order request router settings.
type OrdersConfig struct {
	PendingTimeout time.Duration `yaml:"pending_timeout"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	SendRate       float64       `yaml:"send_rate"`  // frames/sec, 0 disables pacing
	SendBurst      int           `yaml:"send_burst"`
}

// JournalConfig holds the optional order-request journal. When disabled the
// streamer runs without a database.
type JournalConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Database      DBConfig      `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// SubscriptionsConfig lists the market-data channels to establish on connect.
type SubscriptionsConfig struct {
	Pairs        []string `yaml:"pairs"`
	Ticker       bool     `yaml:"ticker"`
	Trade        bool     `yaml:"trade"`
	OHLCInterval int      `yaml:"ohlc_interval"` // minutes, 0 disables
	BookDepth    int      `yaml:"book_depth"`    // levels per side, 0 disables
	Executions   bool     `yaml:"executions"`
	Balances     bool     `yaml:"balances"`
}
