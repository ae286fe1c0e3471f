package emergency

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cinar/indicator/v2/trend"
	"github.com/cinar/indicator/v2/volatility"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/tradegate/internal/broker"
	"github.com/ajitpratap0/tradegate/internal/config"
)

// Monitor sizing constants
const (
	// MaxPricePoints bounds the per-symbol tick ring
	MaxPricePoints = 1000
	// VolATRPeriod is the ATR lookback for the volatility trigger
	VolATRPeriod = 20
	// SpreadMedianWindow is the horizon of the observed spread baseline
	SpreadMedianWindow = time.Hour
	// minSpreadSamples below which the catalog baseline is used instead of
	// the observed median
	minSpreadSamples = 30
)

type pricePoint struct {
	mid    float64
	spread float64
	at     time.Time
}

type priceBar struct {
	start             time.Time
	high, low, close float64
}

func (b *priceBar) trueRange(prevClose float64) float64 {
	tr := b.high - b.low
	if d := b.high - prevClose; d > tr {
		tr = d
	}
	if d := prevClose - b.low; d > tr {
		tr = d
	}
	return tr
}

type symbolBook struct {
	points []pricePoint
	bars   []priceBar
	cur    *priceBar
}

// Monitor consumes broker ticks and fires the controller's automatic
// triggers: flash crash against the price ring, volatility spike against a
// rolling ATR of aggregated bars, spread explosion against the one-hour
// median.
type Monitor struct {
	ctrl    *Controller
	catalog *config.Catalog
	cfg     config.EmergencyConfig

	// barInterval sets bar aggregation granularity; tests shrink it
	barInterval time.Duration

	mu    sync.Mutex
	books map[string]*symbolBook
}

// NewMonitor creates a market monitor feeding a controller
func NewMonitor(ctrl *Controller, catalog *config.Catalog, cfg config.EmergencyConfig) *Monitor {
	return &Monitor{
		ctrl:        ctrl,
		catalog:     catalog,
		cfg:         cfg,
		barInterval: time.Minute,
		books:       make(map[string]*symbolBook),
	}
}

// Run consumes a tick stream until the context ends
func (m *Monitor) Run(ctx context.Context, ticks <-chan broker.Tick) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-ticks:
			if !ok {
				return
			}
			m.Observe(ctx, tick)
		}
	}
}

// Observe records one tick and evaluates the automatic triggers
func (m *Monitor) Observe(ctx context.Context, tick broker.Tick) {
	m.mu.Lock()
	book, ok := m.books[tick.Symbol]
	if !ok {
		book = &symbolBook{}
		m.books[tick.Symbol] = book
	}

	mid := tick.Mid()
	book.points = append(book.points, pricePoint{mid: mid, spread: tick.Spread(), at: tick.Time})
	if len(book.points) > MaxPricePoints {
		book.points = book.points[len(book.points)-MaxPricePoints:]
	}

	crash, crashPct, from := m.flashCrash(book, mid, tick.Time)
	blownSpread, spreadRatio := m.spreadExplosion(tick.Symbol, book, tick.Spread(), tick.Time)
	spiked, volRatio := m.volatilitySpike(book, tick)
	m.mu.Unlock()

	if crash {
		if err := m.ctrl.Panic(ctx, TriggerFlashCrash,
			fmt.Sprintf("%s dropped %.2f%% inside the crash window", tick.Symbol, -crashPct),
			map[string]interface{}{"symbol": tick.Symbol, "pct_change": crashPct, "from": from, "to": mid}); err != nil {
			log.Error().Err(err).Msg("Flash crash trigger failed")
		}
	}
	if spiked {
		if err := m.ctrl.Panic(ctx, TriggerVolatilitySpike,
			fmt.Sprintf("%s true range %.1fx its %d-bar ATR", tick.Symbol, volRatio, VolATRPeriod),
			map[string]interface{}{"symbol": tick.Symbol, "ratio": volRatio}); err != nil {
			log.Error().Err(err).Msg("Volatility trigger failed")
		}
	}
	if blownSpread {
		if err := m.ctrl.Panic(ctx, TriggerSpreadExplosion,
			fmt.Sprintf("%s spread %.1fx baseline", tick.Symbol, spreadRatio),
			map[string]interface{}{"symbol": tick.Symbol, "ratio": spreadRatio, "spread": tick.Spread()}); err != nil {
			log.Error().Err(err).Msg("Spread trigger failed")
		}
	}
}

// flashCrash compares the current mid against the oldest point inside the
// crash window
func (m *Monitor) flashCrash(book *symbolBook, mid float64, now time.Time) (bool, float64, float64) {
	threshold := m.cfg.FlashCrashPct
	if threshold <= 0 {
		threshold = 2.0
	}
	window := time.Duration(m.cfg.FlashCrashWindowS) * time.Second
	if window <= 0 {
		window = time.Minute
	}

	start := now.Add(-window)
	for _, p := range book.points {
		if p.at.Before(start) {
			continue
		}
		if p.mid <= 0 {
			continue
		}
		pct := (mid - p.mid) / p.mid * 100
		if pct <= -threshold {
			return true, pct, p.mid
		}
		break // oldest in-window point decides
	}
	return false, 0, 0
}

// spreadExplosion compares the quoted spread to the one-hour median, or to
// the catalog baseline while the observed sample is thin
func (m *Monitor) spreadExplosion(symbol string, book *symbolBook, spread float64, now time.Time) (bool, float64) {
	mult := m.cfg.SpreadMultiplier
	if mult <= 0 {
		mult = 10.0
	}

	baseline := m.spreadBaseline(symbol, book, now)
	if baseline <= 0 || spread <= 0 {
		return false, 0
	}
	ratio := spread / baseline
	return ratio >= mult, ratio
}

func (m *Monitor) spreadBaseline(symbol string, book *symbolBook, now time.Time) float64 {
	start := now.Add(-SpreadMedianWindow)
	samples := make([]float64, 0, len(book.points))
	for _, p := range book.points {
		if p.at.Before(start) || p.spread <= 0 {
			continue
		}
		samples = append(samples, p.spread)
	}

	if len(samples) < minSpreadSamples {
		inst, err := m.catalog.Get(symbol)
		if err != nil {
			return 0
		}
		return inst.SpreadBaseline * inst.PipSize
	}

	sort.Float64s(samples)
	mid := len(samples) / 2
	if len(samples)%2 == 0 {
		return (samples[mid-1] + samples[mid]) / 2
	}
	return samples[mid]
}

// volatilitySpike aggregates ticks into bars and compares the latest
// completed bar's true range against the ATR of the bars before it
func (m *Monitor) volatilitySpike(book *symbolBook, tick broker.Tick) (bool, float64) {
	mult := m.cfg.VolMultiplier
	if mult <= 0 {
		mult = 3.0
	}

	mid := tick.Mid()
	start := tick.Time.Truncate(m.barInterval)
	if book.cur == nil || !book.cur.start.Equal(start) {
		if book.cur != nil {
			book.bars = append(book.bars, *book.cur)
			if len(book.bars) > VolATRPeriod+2 {
				book.bars = book.bars[len(book.bars)-VolATRPeriod-2:]
			}
		}
		book.cur = &priceBar{start: start, high: mid, low: mid, close: mid}
	}
	if mid > book.cur.high {
		book.cur.high = mid
	}
	if mid < book.cur.low {
		book.cur.low = mid
	}
	book.cur.close = mid

	// Need the ATR window plus the bar under test
	if len(book.bars) < VolATRPeriod+1 {
		return false, 0
	}

	history := book.bars[:len(book.bars)-1]
	latest := book.bars[len(book.bars)-1]

	atr := lastATR(history)
	if atr <= 0 {
		return false, 0
	}

	tr := latest.trueRange(history[len(history)-1].close)
	ratio := tr / atr
	return ratio >= mult, ratio
}

// lastATR computes the most recent ATR value over the given bars
func lastATR(bars []priceBar) float64 {
	highs := make(chan float64, len(bars))
	lows := make(chan float64, len(bars))
	closings := make(chan float64, len(bars))
	for _, b := range bars {
		highs <- b.high
		lows <- b.low
		closings <- b.close
	}
	close(highs)
	close(lows)
	close(closings)

	atr := volatility.NewAtrWithMa[float64](trend.NewSmaWithPeriod[float64](VolATRPeriod))
	last := 0.0
	for v := range atr.Compute(highs, lows, closings) {
		last = v
	}
	return last
}
