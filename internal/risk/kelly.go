// Package risk sizes admitted signals. The sizer applies the Kelly
// criterion, a CVaR budget, hard exposure caps, the drawdown policy and the
// correlation veto, and emits exactly one decision per signal.
package risk

// FMax is the hard ceiling on the scaled Kelly fraction. No single trade
// ever risks more than half the account regardless of configuration.
const FMax = 0.5

// Kelly returns the raw Kelly fraction f = (p·b − q)/b for win probability
// p and payoff ratio b. A non-positive payoff or edge yields 0.
func Kelly(p, b float64) float64 {
	if b <= 0 {
		return 0
	}
	q := 1 - p
	f := (p*b - q) / b
	if f < 0 {
		return 0
	}
	return f
}

// ScaledKelly applies the profile's kelly_scale and clips the result to
// [0, fMax]. fMax is the smaller of FMax and the profile's per-trade risk
// cap, so the clip already enforces the hard cap from step one.
func ScaledKelly(p, b, scale, fMax float64) float64 {
	if fMax > FMax || fMax <= 0 {
		fMax = FMax
	}
	f := Kelly(p, b) * scale
	if f < 0 {
		return 0
	}
	if f > fMax {
		return fMax
	}
	return f
}
