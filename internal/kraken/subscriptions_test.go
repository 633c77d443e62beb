package kraken

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freshwaterbruce2/krakenws/internal/protocol"
)

func TestSubRegistry_MergesSymbols(t *testing.T) {
	r := newSubRegistry()
	r.add(protocol.SubscribeParams{Channel: protocol.ChannelTicker, Symbol: []string{"BTC/USD"}}, protocol.ScopePublic)
	r.add(protocol.SubscribeParams{Channel: protocol.ChannelTicker, Symbol: []string{"ETH/USD", "BTC/USD"}}, protocol.ScopePublic)

	out := r.forScope(protocol.ScopePublic)
	require.Len(t, out, 1)
	assert.Equal(t, []string{"BTC/USD", "ETH/USD"}, out[0].Symbol)
}

func TestSubRegistry_KeepsChannelOptions(t *testing.T) {
	r := newSubRegistry()

	snap := true
	noSnap := false
	r.add(protocol.SubscribeParams{
		Channel:    protocol.ChannelExecutions,
		SnapOrders: &snap,
		SnapTrades: &snap,
	}, protocol.ScopePrivate)
	r.add(protocol.SubscribeParams{
		Channel:  protocol.ChannelBook,
		Symbol:   []string{"BTC/USD"},
		Depth:    25,
		Snapshot: &noSnap,
	}, protocol.ScopePublic)

	private := r.forScope(protocol.ScopePrivate)
	require.Len(t, private, 1)
	require.NotNil(t, private[0].SnapOrders)
	assert.True(t, *private[0].SnapOrders)
	require.NotNil(t, private[0].SnapTrades)
	assert.True(t, *private[0].SnapTrades)

	public := r.forScope(protocol.ScopePublic)
	require.Len(t, public, 1)
	assert.Equal(t, 25, public[0].Depth)
	require.NotNil(t, public[0].Snapshot)
	assert.False(t, *public[0].Snapshot)
}

func TestSubRegistry_RemoveDeletesEmptyEntries(t *testing.T) {
	r := newSubRegistry()
	r.add(protocol.SubscribeParams{Channel: protocol.ChannelTrade, Symbol: []string{"BTC/USD", "ETH/USD"}}, protocol.ScopePublic)

	r.remove(protocol.SubscribeParams{Channel: protocol.ChannelTrade, Symbol: []string{"BTC/USD"}})
	out := r.forScope(protocol.ScopePublic)
	require.Len(t, out, 1)
	assert.Equal(t, []string{"ETH/USD"}, out[0].Symbol)

	r.remove(protocol.SubscribeParams{Channel: protocol.ChannelTrade, Symbol: []string{"ETH/USD"}})
	assert.Empty(t, r.forScope(protocol.ScopePublic))

	// Symbol-less channels are deleted on any remove.
	snap := true
	r.add(protocol.SubscribeParams{Channel: protocol.ChannelExecutions, SnapOrders: &snap}, protocol.ScopePrivate)
	r.remove(protocol.SubscribeParams{Channel: protocol.ChannelExecutions})
	assert.Empty(t, r.forScope(protocol.ScopePrivate))
}
