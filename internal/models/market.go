package models

import "fmt"

// Market is a tradable pair of currencies. Base is what is bought and sold, Quote is what it is priced in.
type Market struct {
	Base  Currency `json:"base"`
	Quote Currency `json:"quote"`
}

// Name returns the market key, e.g. "BTC-USD"
func (m Market) Name() string {
	return MarketName(m.Base.Symbol, m.Quote.Symbol)
}

// MarketName builds a market key from two currency symbols
func MarketName(base, quote string) string {
	return fmt.Sprintf("%s-%s", base, quote)
}

// Matches reports whether the two currencies form this market, in either order
func (m Market) Matches(a, b int64) bool {
	return (a == m.Base.ID && b == m.Quote.ID) || (a == m.Quote.ID && b == m.Base.ID)
}

// SideOf returns the side of an order that gives away currency from
func (m Market) SideOf(from int64) Side {
	if from == m.Base.ID {
		return SideSell
	}
	return SideBuy
}
