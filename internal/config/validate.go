package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *StreamerConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.Reconnect.BaseDelay > c.Reconnect.MaxDelay {
		return fmt.Errorf("reconnect.base_delay (%s) cannot exceed max_delay (%s)",
			c.Reconnect.BaseDelay, c.Reconnect.MaxDelay)
	}
	if c.Reconnect.AttemptLimit < 1 {
		return errors.New("reconnect.attempt_limit must be >= 1")
	}

	if c.Heartbeat.CheckInterval > c.Heartbeat.Timeout {
		return fmt.Errorf("heartbeat.check_interval (%s) cannot exceed timeout (%s)",
			c.Heartbeat.CheckInterval, c.Heartbeat.Timeout)
	}

	// Credentials are only required when something needs the private socket.
	if c.wantsPrivate() {
		if c.REST.APIKey == "" {
			return errors.New("rest.api_key is required for private channels or orders")
		}
		if c.REST.APISecret == "" {
			return errors.New("rest.api_secret is required for private channels or orders")
		}
	}

	if c.Orders.SendRate < 0 {
		return errors.New("orders.send_rate must be >= 0")
	}

	if c.Journal.Enabled {
		if err := c.Journal.Database.validate("journal.database"); err != nil {
			return err
		}
		if c.Journal.BatchSize < 1 {
			return errors.New("journal.batch_size must be >= 1")
		}
		if c.Journal.BufferSize < 1 {
			return errors.New("journal.buffer_size must be >= 1")
		}
	}

	if len(c.Subscriptions.Pairs) == 0 && c.subscribesMarketData() {
		return errors.New("subscriptions.pairs is required when market-data channels are enabled")
	}

	return nil
}

// wantsPrivate reports whether any configured feature needs authentication.
func (c *StreamerConfig) wantsPrivate() bool {
	return c.Subscriptions.Executions || c.Subscriptions.Balances
}

func (c *StreamerConfig) subscribesMarketData() bool {
	s := c.Subscriptions
	return s.Ticker || s.Trade || s.OHLCInterval > 0 || s.BookDepth > 0
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
