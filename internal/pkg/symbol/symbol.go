// Package symbol normalizes trading pairs to the internal BASE/QUOTE form.
package symbol

import "strings"

// knownQuotes is checked in order when a pair has no separator, so longer
// stablecoin quotes win over BTC/ETH.
var knownQuotes = []string{"USDT", "USDC", "FDUSD", "BUSD", "TUSD", "BTC", "ETH", "BNB"}

type Symbol struct {
	Base  string
	Quote string
}

func (s Symbol) valid() bool { return s.Base != "" && s.Quote != "" }

// Internal renders "BTC/USDT".
func (s Symbol) Internal() string {
	if !s.valid() {
		return ""
	}
	return s.Base + "/" + s.Quote
}

// Compact renders the exchange form "BTCUSDT".
func (s Symbol) Compact() string {
	if !s.valid() {
		return ""
	}
	return s.Base + s.Quote
}

// Parse accepts "btc/usdt", "BTCUSDT", "BTC-USDT" and the ccxt perpetual
// form "BTC/USDT:USDT".
func Parse(raw string) Symbol {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return Symbol{}
	}
	for _, sep := range []string{"/", "-", "_"} {
		if base, quote, ok := strings.Cut(s, sep); ok {
			sym := Symbol{Base: strings.TrimSpace(base), Quote: strings.TrimSpace(quote)}
			if sym.valid() {
				return sym
			}
			return Symbol{}
		}
	}
	for _, q := range knownQuotes {
		if base, ok := strings.CutSuffix(s, q); ok && base != "" {
			return Symbol{Base: base, Quote: q}
		}
	}
	return Symbol{}
}

func Normalize(s string) string {
	return Parse(s).Internal()
}

// NormalizeList normalizes and de-duplicates, keeping first-seen order.
// Entries that cannot be parsed are kept upper-cased.
func NormalizeList(symbols []string) []string {
	if len(symbols) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		norm := Normalize(s)
		if norm == "" {
			norm = strings.ToUpper(strings.TrimSpace(s))
		}
		if norm == "" || seen[norm] {
			continue
		}
		seen[norm] = true
		out = append(out, norm)
	}
	return out
}

type binanceForm struct{}

// Binance converts between the internal form and Binance's "BTCUSDT".
var Binance binanceForm

func (binanceForm) ToExchange(internal string) string {
	if sym := Parse(internal); sym.valid() {
		return sym.Compact()
	}
	return strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(internal)), "/", "")
}

func (binanceForm) FromExchange(raw string) string {
	if norm := Normalize(raw); norm != "" {
		return norm
	}
	return strings.ToUpper(strings.TrimSpace(raw))
}
