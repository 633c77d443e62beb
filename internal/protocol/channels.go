package protocol

import "fmt"

// Scope identifies which socket a channel belongs to.
type Scope string

const (
	ScopePublic  Scope = "public"
	ScopePrivate Scope = "private"
)

// Public market-data channels.
const (
	ChannelTicker     = "ticker"
	ChannelOHLC       = "ohlc"
	ChannelBook       = "book"
	ChannelTrade      = "trade"
	ChannelInstrument = "instrument"
	ChannelStatus     = "status"
)

// Private authenticated channels.
const (
	ChannelExecutions = "executions"
	ChannelBalances   = "balances"
	ChannelLevel3     = "level3"
)

// ChannelHeartbeat is sent by the exchange on both sockets and is never
// subscribed to explicitly.
const ChannelHeartbeat = "heartbeat"

var channelScopes = map[string]Scope{
	ChannelTicker:     ScopePublic,
	ChannelOHLC:       ScopePublic,
	ChannelBook:       ScopePublic,
	ChannelTrade:      ScopePublic,
	ChannelInstrument: ScopePublic,
	ChannelStatus:     ScopePublic,
	ChannelExecutions: ScopePrivate,
	ChannelBalances:   ScopePrivate,
	ChannelLevel3:     ScopePrivate,
}

// ChannelError reports a subscription request that failed local validation
// and was never sent.
type ChannelError struct {
	Channel string
	Scope   Scope
	Reason  string
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %q: %s", e.Channel, e.Reason)
}

// ValidateChannel checks a channel name against the allow-list for the given
// socket scope.
func ValidateChannel(channel string, scope Scope) error {
	want, ok := channelScopes[channel]
	if !ok {
		return &ChannelError{Channel: channel, Scope: scope, Reason: "unknown channel"}
	}
	if want != scope {
		return &ChannelError{
			Channel: channel,
			Scope:   scope,
			Reason:  fmt.Sprintf("%s channel not allowed on %s socket", want, scope),
		}
	}
	return nil
}

// IsPrivateChannel reports whether the channel requires an auth token.
func IsPrivateChannel(channel string) bool {
	return channelScopes[channel] == ScopePrivate
}
