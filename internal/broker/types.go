// Package broker abstracts the terminal a profile trades through: order
// submission, position bookkeeping, tick feeds, and the managed session
// pool that hides reconnect mechanics from the execution path.
package broker

import "time"

// Side represents the direction of an order or position
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the hedging side
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderKind distinguishes immediate fills from resting orders
type OrderKind string

const (
	OrderMarket OrderKind = "market"
	OrderLimit  OrderKind = "limit"
)

// OrderRequest is one order submission. ClientToken is the idempotency
// token the executor generates per attempt family; brokers echo it so an
// interrupted submit can be found again after reconnect.
type OrderRequest struct {
	ClientToken string    `json:"client_token"`
	ProfileID   string    `json:"profile_id"`
	Symbol      string    `json:"symbol"`
	Side        Side      `json:"side"`
	Kind        OrderKind `json:"kind"`
	Volume      float64   `json:"volume"`
	Price       float64   `json:"price,omitempty"`
	StopLoss    float64   `json:"stop_loss,omitempty"`
	TakeProfit  float64   `json:"take_profit,omitempty"`
}

// OrderResult is a confirmed fill
type OrderResult struct {
	Ticket      string    `json:"ticket"`
	ClientToken string    `json:"client_token"`
	Symbol      string    `json:"symbol"`
	Side        Side      `json:"side"`
	Volume      float64   `json:"volume"`
	FillPrice   float64   `json:"fill_price"`
	FilledAt    time.Time `json:"filled_at"`
}

// Position is an open market exposure as the broker reports it
type Position struct {
	Ticket         string     `json:"ticket"`
	ProfileID      string     `json:"profile_id"`
	Symbol         string     `json:"symbol"`
	Side           Side       `json:"side"`
	Volume         float64    `json:"volume"`
	EntryPrice     float64    `json:"entry_price"`
	StopLoss       float64    `json:"stop_loss,omitempty"`
	TakeProfit     float64    `json:"take_profit,omitempty"`
	CurrentPrice   float64    `json:"current_price"`
	UnrealizedPnL  float64    `json:"unrealized_pnl"`
	OriginSignalID string     `json:"origin_signal_id,omitempty"`
	OriginChainID  string     `json:"origin_chain_id,omitempty"`
	OpenedAt       time.Time  `json:"opened_at"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
	ClosePrice     float64    `json:"close_price,omitempty"`
	RealizedPnL    float64    `json:"realized_pnl,omitempty"`
}

// RiskAmount returns the equity at risk if the stop is hit. Positions
// without a stop risk their full notional distance to zero, which the
// sizer treats as unacceptable before opening.
func (p *Position) RiskAmount() float64 {
	if p.StopLoss <= 0 {
		return p.Volume * p.EntryPrice
	}
	d := p.EntryPrice - p.StopLoss
	if d < 0 {
		d = -d
	}
	return p.Volume * d
}

// CloseResult reports a position close
type CloseResult struct {
	Ticket      string    `json:"ticket"`
	ClosePrice  float64   `json:"close_price"`
	RealizedPnL float64   `json:"realized_pnl"`
	ClosedAt    time.Time `json:"closed_at"`
}

// Tick is one top-of-book observation
type Tick struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Time   time.Time `json:"time"`
}

// Mid returns the midpoint price
func (t Tick) Mid() float64 {
	return (t.Bid + t.Ask) / 2
}

// Spread returns the quoted spread
func (t Tick) Spread() float64 {
	return t.Ask - t.Bid
}

// AccountInfo is the broker's view of the account funding a profile
type AccountInfo struct {
	Balance float64 `json:"balance"`
	Equity  float64 `json:"equity"`
	Margin  float64 `json:"margin"`
}
