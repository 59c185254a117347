package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order sides
const (
	OrderSideBuy  = "BUY"
	OrderSideSell = "SELL"
)

// Order types
const (
	OrderTypeMarket = "MARKET"
	OrderTypeLimit  = "LIMIT"
)

// Position sides
const (
	PositionSideLong  = "LONG"
	PositionSideShort = "SHORT"
)

// Type aliases for readability
type OrderSide = string
type OrderType = string
type PositionSide = string

// OrderRequest is a candidate order submitted for a risk check.
type OrderRequest struct {
	Symbol   string                 `json:"symbol"`
	Side     OrderSide              `json:"side"`
	Quantity decimal.Decimal        `json:"quantity"`
	Price    decimal.Decimal        `json:"price"`
	Type     OrderType              `json:"type,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Value returns the notional value of the order.
func (o *OrderRequest) Value() decimal.Decimal {
	return o.Quantity.Mul(o.Price)
}

// Position represents an open position.
type Position struct {
	Symbol         string          `json:"symbol"`
	Side           PositionSide    `json:"side"`
	Quantity       decimal.Decimal `json:"quantity"`
	AvgEntryPrice  decimal.Decimal `json:"avg_entry_price"`
	MarkPrice      decimal.Decimal `json:"mark_price"`
	UnrealizedPnL  decimal.Decimal `json:"unrealized_pnl"`
	Sector         string          `json:"sector,omitempty"`
	LiquidityScore float64         `json:"liquidity_score,omitempty"`
	OpenedAt       time.Time       `json:"opened_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Value returns the current market value of the position.
func (p *Position) Value() decimal.Decimal {
	return p.Quantity.Abs().Mul(p.MarkPrice)
}

// IsLong reports whether the position is long.
func (p *Position) IsLong() bool {
	return p.Side != PositionSideShort
}

// MarketTick is one normalized market-data update.
type MarketTick struct {
	Symbol    string          `json:"symbol"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
}

// ExecutedTrade describes a fill reported by the order engine.
type ExecutedTrade struct {
	OrderID     string          `json:"order_id"`
	Symbol      string          `json:"symbol"`
	Side        OrderSide       `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	ExecutedAt  time.Time       `json:"executed_at"`
}

// SymbolStats holds historical performance statistics for a symbol,
// used by the position sizing strategies.
type SymbolStats struct {
	Symbol      string  `json:"symbol"`
	WinRate     float64 `json:"win_rate"`
	PayoffRatio float64 `json:"payoff_ratio"`
	Volatility  float64 `json:"volatility"`
	ATR         float64 `json:"atr"`
	SampleSize  int     `json:"sample_size"`
}
