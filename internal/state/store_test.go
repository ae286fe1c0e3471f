package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tradegate/internal/broker"
	"github.com/ajitpratap0/tradegate/internal/config"
)

func defaultRisk() config.RiskParams {
	return config.RiskParams{
		MaxPositions:            2,
		MaxRiskPerTradeFraction: 0.02,
		MaxTotalRiskFraction:    0.10,
		MaxCVaRFraction:         0.05,
		DDReduceThreshold:       0.10,
		DDHaltThreshold:         0.15,
		KellyScale:              0.15,
		KellyMinConfidence:      0.65,
		MaxCorrelation:          0.70,
	}
}

func newStoreWithProfile(t *testing.T, equity float64) *Store {
	t.Helper()
	s := NewStore(nil)
	s.UpsertProfile(context.Background(), Profile{
		ID:             "prof-1",
		Name:           "alpha",
		BrokerKind:     "paper",
		TradingEnabled: true,
		Equity:         equity,
		Risk:           defaultRisk(),
	})
	return s
}

func TestSnapshotIsAConsistentCopy(t *testing.T) {
	s := newStoreWithProfile(t, 10000)
	ctx := context.Background()

	require.NoError(t, s.ApplyOpen(ctx, &broker.Position{
		Ticket: "T-1", ProfileID: "prof-1", Symbol: "EURUSD",
		Side: broker.SideBuy, Volume: 0.1, EntryPrice: 1.10, StopLoss: 1.09,
	}))

	snap, err := s.Snapshot("prof-1")
	require.NoError(t, err)
	require.Len(t, snap.OpenPositions, 1)

	// Mutating state after the snapshot must not change the snapshot
	require.NoError(t, s.ApplyClose(ctx, "prof-1", "T-1", 1.11, 100, time.Now()))
	assert.Len(t, snap.OpenPositions, 1)
	assert.Equal(t, 10000.0, snap.Equity)

	fresh, err := s.Snapshot("prof-1")
	require.NoError(t, err)
	assert.Empty(t, fresh.OpenPositions)
	assert.Equal(t, 10100.0, fresh.Equity)
}

func TestDrawdownTracksPeak(t *testing.T) {
	s := newStoreWithProfile(t, 10000)
	ctx := context.Background()

	require.NoError(t, s.SetEquity(ctx, "prof-1", 12000))
	require.NoError(t, s.SetEquity(ctx, "prof-1", 10800))

	snap, err := s.Snapshot("prof-1")
	require.NoError(t, err)
	assert.Equal(t, 12000.0, snap.PeakEquity)
	assert.InDelta(t, 0.10, snap.Drawdown(), 1e-9)
}

func TestSnapshotOpenRisk(t *testing.T) {
	s := newStoreWithProfile(t, 10000)
	ctx := context.Background()

	require.NoError(t, s.ApplyOpen(ctx, &broker.Position{
		Ticket: "T-1", ProfileID: "prof-1", Symbol: "EURUSD",
		Side: broker.SideBuy, Volume: 1, EntryPrice: 1.10, StopLoss: 1.05,
	}))
	require.NoError(t, s.ApplyOpen(ctx, &broker.Position{
		Ticket: "T-2", ProfileID: "prof-1", Symbol: "GBPUSD",
		Side: broker.SideSell, Volume: 2, EntryPrice: 1.30, StopLoss: 1.32,
	}))

	snap, err := s.Snapshot("prof-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.05+0.04, snap.OpenRisk(), 1e-9)
}

func TestReplaceOpenPreservesOrigin(t *testing.T) {
	s := newStoreWithProfile(t, 10000)
	ctx := context.Background()

	require.NoError(t, s.ApplyOpen(ctx, &broker.Position{
		Ticket: "T-1", ProfileID: "prof-1", Symbol: "EURUSD",
		Side: broker.SideBuy, Volume: 0.1, EntryPrice: 1.10,
		OriginSignalID: "sig-1", OriginChainID: "chain-1",
	}))

	// Reconciliation report: same ticket with drifted volume, plus a new one
	require.NoError(t, s.ReplaceOpen(ctx, "prof-1", []*broker.Position{
		{Ticket: "T-1", ProfileID: "prof-1", Symbol: "EURUSD", Side: broker.SideBuy, Volume: 0.2, EntryPrice: 1.10},
		{Ticket: "T-9", ProfileID: "prof-1", Symbol: "XAUUSD", Side: broker.SideSell, Volume: 0.5, EntryPrice: 2400},
	}))

	open, err := s.ListOpen(ctx, "prof-1")
	require.NoError(t, err)
	require.Len(t, open, 2)

	byTicket := map[string]*broker.Position{}
	for _, p := range open {
		byTicket[p.Ticket] = p
	}
	assert.Equal(t, 0.2, byTicket["T-1"].Volume, "broker volume wins")
	assert.Equal(t, "chain-1", byTicket["T-1"].OriginChainID, "origin link survives reconciliation")
	assert.Empty(t, byTicket["T-9"].OriginChainID)
}

func TestStatsFromClosedTrades(t *testing.T) {
	s := newStoreWithProfile(t, 10000)
	ctx := context.Background()

	trades := []struct {
		ticket string
		pnl    float64
	}{
		{"T-1", 200}, {"T-2", -100}, {"T-3", 300}, {"T-4", -150},
	}
	for _, tr := range trades {
		require.NoError(t, s.ApplyOpen(ctx, &broker.Position{
			Ticket: tr.ticket, ProfileID: "prof-1", Symbol: "EURUSD",
			Side: broker.SideBuy, Volume: 0.1, EntryPrice: 1.10, StopLoss: 1.09,
		}))
		require.NoError(t, s.ApplyClose(ctx, "prof-1", tr.ticket, 1.11, tr.pnl, time.Now()))
	}

	stats, err := s.Stats("prof-1")
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalTrades)
	assert.Equal(t, 2, stats.Wins)
	assert.Equal(t, 2, stats.Losses)
	assert.InDelta(t, 0.5, stats.WinRate, 1e-9)
	assert.InDelta(t, 500.0, stats.GrossProfit, 1e-9)
	assert.InDelta(t, 250.0, stats.GrossLoss, 1e-9)
	assert.InDelta(t, 2.0, stats.ProfitFactor, 1e-9)
	assert.InDelta(t, 250.0, stats.RealizedPnL, 1e-9)
	assert.Greater(t, stats.MaxDrawdown, 0.0)
	assert.Equal(t, 10250.0, stats.Equity)
}

func TestUnknownProfileErrors(t *testing.T) {
	s := NewStore(nil)
	_, err := s.Snapshot("nope")
	assert.ErrorIs(t, err, ErrProfileNotFound)
	_, err = s.Stats("nope")
	assert.ErrorIs(t, err, ErrProfileNotFound)
	err = s.ApplyOpen(context.Background(), &broker.Position{ProfileID: "nope"})
	assert.ErrorIs(t, err, ErrProfileNotFound)
}
