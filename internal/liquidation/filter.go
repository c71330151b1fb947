package liquidation

import "strings"

// Filter is the per-subscriber projection applied to live and replayed
// events. Zero-valued fields mean "no constraint"; provided constraints are
// ANDed.
type Filter struct {
	Coin        string
	MinNotional float64
	User        string
}

// IsZero reports whether the filter constrains nothing.
func (f Filter) IsZero() bool {
	return f.Coin == "" && f.MinNotional == 0 && f.User == ""
}

// Matches reports whether e passes every provided constraint. Coin and user
// comparisons are case-insensitive; the notional comparison is >=.
func (f Filter) Matches(e Event) bool {
	if f.Coin != "" && !strings.EqualFold(f.Coin, e.Coin) {
		return false
	}
	if f.MinNotional > 0 && e.Notional < f.MinNotional {
		return false
	}
	if f.User != "" && !strings.EqualFold(f.User, e.LiquidatedUser) {
		return false
	}
	return true
}
