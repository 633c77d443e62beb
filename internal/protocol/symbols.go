package protocol

import "strings"

// Legacy Kraken spellings mapped to their v2 form. The v2 API speaks BTC
// everywhere, so normalization happens once at the API boundary and nothing
// converts back on egress.
var legacySymbols = map[string]string{
	"XBT/USD": "BTC/USD",
	"XBTUSD":  "BTC/USD",
	"XBT/EUR": "BTC/EUR",
	"XBTEUR":  "BTC/EUR",
	"XBT":     "BTC",
	"XLMUSD":  "XLM/USD",
	"XDG/USD": "DOGE/USD",
	"XDG":     "DOGE",
}

// NormalizeSymbol converts legacy pair spellings (XBT/USD, XBTUSD) to the
// canonical v2 form (BTC/USD). Unknown symbols pass through unchanged.
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if v2, ok := legacySymbols[s]; ok {
		return v2
	}
	return s
}

// NormalizeSymbols normalizes a slice of pairs, preserving order.
func NormalizeSymbols(symbols []string) []string {
	out := make([]string, len(symbols))
	for i, s := range symbols {
		out[i] = NormalizeSymbol(s)
	}
	return out
}
