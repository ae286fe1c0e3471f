package risk

import (
	"math"
	"sort"
	"sync"
)

// DefaultCVaRAlpha is the confidence level of the expected-shortfall check
const DefaultCVaRAlpha = 0.95

// DefaultCVaRLookback is how many recent bar returns feed the tail estimate
const DefaultCVaRLookback = 60

// TailLoss returns the expected shortfall of a return series at the given
// confidence level, as a positive loss fraction. The tail is the worst
// (1-alpha) share of observations, at least one. A series whose tail mean
// is non-negative carries no measurable tail risk and yields 0.
func TailLoss(returns []float64, alpha float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	sorted := append([]float64{}, returns...)
	sort.Float64s(sorted)

	tail := int(math.Floor(float64(len(sorted)) * (1 - alpha)))
	if tail < 1 {
		tail = 1
	}

	sum := 0.0
	for _, r := range sorted[:tail] {
		sum += r
	}
	mean := sum / float64(tail)
	if mean >= 0 {
		return 0
	}
	return -mean
}

// History provides recent per-bar returns for a symbol. Implementations
// must return stable data between calls for the sizer to stay
// deterministic over a fixed market state.
type History interface {
	Returns(symbol string) []float64
}

// ReturnWindow is an in-memory rolling return history, fed from the broker
// tick stream. It implements History.
type ReturnWindow struct {
	mu       sync.RWMutex
	lookback int
	series   map[string][]float64
}

// NewReturnWindow creates a rolling window keeping the most recent
// lookback returns per symbol.
func NewReturnWindow(lookback int) *ReturnWindow {
	if lookback <= 0 {
		lookback = DefaultCVaRLookback
	}
	return &ReturnWindow{
		lookback: lookback,
		series:   make(map[string][]float64),
	}
}

// Add appends one bar return for a symbol, evicting the oldest entry once
// the window is full
func (w *ReturnWindow) Add(symbol string, r float64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := append(w.series[symbol], r)
	if len(s) > w.lookback {
		s = s[len(s)-w.lookback:]
	}
	w.series[symbol] = s
}

// Returns implements History
func (w *ReturnWindow) Returns(symbol string) []float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]float64{}, w.series[symbol]...)
}
