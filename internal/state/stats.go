package state

// TradingStats summarizes a profile's realized trade history
type TradingStats struct {
	TotalTrades  int     `json:"total_trades"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	WinRate      float64 `json:"win_rate"`
	GrossProfit  float64 `json:"gross_profit"`
	GrossLoss    float64 `json:"gross_loss"`
	ProfitFactor float64 `json:"profit_factor"`
	RealizedPnL  float64 `json:"realized_pnl"`
	MaxDrawdown  float64 `json:"max_drawdown"`
	Equity       float64 `json:"equity"`
	PeakEquity   float64 `json:"peak_equity"`
}

// Stats computes the realized trading statistics for a profile. The max
// drawdown walks the equity curve implied by closed trades in close order.
func (s *Store) Stats(profileID string) (*TradingStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ps, ok := s.profiles[profileID]
	if !ok {
		return nil, ErrProfileNotFound
	}

	stats := &TradingStats{
		Equity:     ps.profile.Equity,
		PeakEquity: ps.profile.PeakEquity,
	}

	// Rebuild the starting equity by unwinding realized P&L
	start := ps.profile.Equity
	for _, pos := range ps.closed {
		start -= pos.RealizedPnL
	}

	equity := start
	peak := start
	maxDD := 0.0

	for _, pos := range ps.closed {
		stats.TotalTrades++
		stats.RealizedPnL += pos.RealizedPnL
		if pos.RealizedPnL >= 0 {
			stats.Wins++
			stats.GrossProfit += pos.RealizedPnL
		} else {
			stats.Losses++
			stats.GrossLoss += -pos.RealizedPnL
		}

		equity += pos.RealizedPnL
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			dd := (peak - equity) / peak
			if dd > maxDD {
				maxDD = dd
			}
		}
	}

	if stats.TotalTrades > 0 {
		stats.WinRate = float64(stats.Wins) / float64(stats.TotalTrades)
	}
	if stats.GrossLoss > 0 {
		stats.ProfitFactor = stats.GrossProfit / stats.GrossLoss
	} else if stats.GrossProfit > 0 {
		stats.ProfitFactor = stats.GrossProfit
	}
	stats.MaxDrawdown = maxDD

	return stats, nil
}
