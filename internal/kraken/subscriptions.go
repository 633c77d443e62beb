package kraken

import (
	"fmt"
	"sort"
	"sync"

	"github.com/freshwaterbruce2/krakenws/internal/protocol"
)

// subKey identifies one logical subscription. The same channel at a different
// interval or depth is a distinct subscription on the wire.
type subKey struct {
	channel  string
	interval int
	depth    int
}

func (k subKey) String() string {
	s := k.channel
	if k.interval > 0 {
		s = fmt.Sprintf("%s/%dm", s, k.interval)
	}
	if k.depth > 0 {
		s = fmt.Sprintf("%s/%d", s, k.depth)
	}
	return s
}

// subEntry is the desired state for one subscription: the channel settings
// plus the set of symbols wanted on it. Snapshot options are kept so replays
// after a reconnect carry them too.
type subEntry struct {
	key     subKey
	scope   protocol.Scope
	symbols map[string]struct{}

	snapshot   *bool
	snapOrders *bool
	snapTrades *bool
}

// subRegistry tracks desired subscriptions so they survive reconnects. The
// registry is the source of truth; the wire is eventually consistent with it.
type subRegistry struct {
	mu      sync.Mutex
	entries map[subKey]*subEntry
}

func newSubRegistry() *subRegistry {
	return &subRegistry{entries: make(map[subKey]*subEntry)}
}

// add merges symbols into the desired set and returns the full entry params.
// Symbols are already normalized by the caller.
func (r *subRegistry) add(params protocol.SubscribeParams, scope protocol.Scope) {
	key := subKey{channel: params.Channel, interval: params.Interval, depth: params.Depth}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok {
		entry = &subEntry{key: key, scope: scope, symbols: make(map[string]struct{})}
		r.entries[key] = entry
	}
	for _, s := range params.Symbol {
		entry.symbols[s] = struct{}{}
	}
	if params.Snapshot != nil {
		entry.snapshot = params.Snapshot
	}
	if params.SnapOrders != nil {
		entry.snapOrders = params.SnapOrders
	}
	if params.SnapTrades != nil {
		entry.snapTrades = params.SnapTrades
	}
}

// remove drops symbols from the desired set. An entry with no symbols left is
// deleted entirely; channels without symbols (executions, balances) are
// deleted on any remove.
func (r *subRegistry) remove(params protocol.SubscribeParams) {
	key := subKey{channel: params.Channel, interval: params.Interval, depth: params.Depth}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok {
		return
	}
	for _, s := range params.Symbol {
		delete(entry.symbols, s)
	}
	if len(entry.symbols) == 0 || len(params.Symbol) == 0 {
		delete(r.entries, key)
	}
}

// forScope returns subscribe params for every desired entry on one socket,
// in a stable order.
func (r *subRegistry) forScope(scope protocol.Scope) []protocol.SubscribeParams {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []protocol.SubscribeParams
	for _, entry := range r.entries {
		if entry.scope != scope {
			continue
		}
		symbols := make([]string, 0, len(entry.symbols))
		for s := range entry.symbols {
			symbols = append(symbols, s)
		}
		sort.Strings(symbols)
		out = append(out, protocol.SubscribeParams{
			Channel:    entry.key.channel,
			Symbol:     symbols,
			Interval:   entry.key.interval,
			Depth:      entry.key.depth,
			Snapshot:   entry.snapshot,
			SnapOrders: entry.snapOrders,
			SnapTrades: entry.snapTrades,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Channel != out[j].Channel {
			return out[i].Channel < out[j].Channel
		}
		if out[i].Interval != out[j].Interval {
			return out[i].Interval < out[j].Interval
		}
		return out[i].Depth < out[j].Depth
	})
	return out
}

// count returns the number of desired entries for a scope.
func (r *subRegistry) count(scope protocol.Scope) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, entry := range r.entries {
		if entry.scope == scope {
			n++
		}
	}
	return n
}
