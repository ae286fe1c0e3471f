package risk

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/tradegate/internal/broker"
)

// Return sampling defaults
const (
	// DefaultBarInterval is how often one return sample is taken per symbol
	DefaultBarInterval = time.Minute
	// DefaultSyncInterval is how often return vectors are pushed to the
	// correlation tracker
	DefaultSyncInterval = 5 * time.Minute
)

// ReturnFeed folds the broker tick stream into the rolling return window
// and periodically pushes each symbol's return vector to the correlation
// tracker. The sizer reads the window on every decision; the tracker sync
// is best effort.
type ReturnFeed struct {
	window  *ReturnWindow
	tracker *VectorTracker

	barInterval  time.Duration
	syncInterval time.Duration

	mu      sync.Mutex
	lastMid map[string]float64
	barAt   map[string]time.Time
}

// NewReturnFeed creates a feed into window. tracker may be nil when no
// correlation store is configured.
func NewReturnFeed(window *ReturnWindow, tracker *VectorTracker) *ReturnFeed {
	return &ReturnFeed{
		window:       window,
		tracker:      tracker,
		barInterval:  DefaultBarInterval,
		syncInterval: DefaultSyncInterval,
		lastMid:      make(map[string]float64),
		barAt:        make(map[string]time.Time),
	}
}

// Run consumes ticks until the context ends or the stream closes
func (f *ReturnFeed) Run(ctx context.Context, ticks <-chan broker.Tick) {
	syncTicker := time.NewTicker(f.syncInterval)
	defer syncTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-ticks:
			if !ok {
				return
			}
			f.observe(t)
		case <-syncTicker.C:
			f.sync(ctx)
		}
	}
}

func (f *ReturnFeed) observe(t broker.Tick) {
	mid := t.Mid()
	if mid <= 0 {
		return
	}
	at := t.Time
	if at.IsZero() {
		at = time.Now()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	prevAt, seen := f.barAt[t.Symbol]
	if seen && at.Sub(prevAt) < f.barInterval {
		return
	}
	if prev := f.lastMid[t.Symbol]; seen && prev > 0 {
		f.window.Add(t.Symbol, (mid-prev)/prev)
	}
	f.lastMid[t.Symbol] = mid
	f.barAt[t.Symbol] = at
}

func (f *ReturnFeed) sync(ctx context.Context) {
	if f.tracker == nil {
		return
	}

	f.mu.Lock()
	symbols := make([]string, 0, len(f.lastMid))
	for sym := range f.lastMid {
		symbols = append(symbols, sym)
	}
	f.mu.Unlock()

	for _, sym := range symbols {
		returns := f.window.Returns(sym)
		if len(returns) == 0 {
			continue
		}
		if err := f.tracker.UpsertReturns(ctx, sym, returns); err != nil {
			log.Warn().Err(err).Str("symbol", sym).Msg("Failed to sync return vector")
		}
	}
}
