package signal

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validBuySignal() Signal {
	return Signal{
		SignalID:    "sig-001",
		ProfileID:   "prof-1",
		Symbol:      "EURUSD",
		Direction:   DirectionBuy,
		Confidence:  0.87,
		EntryPrice:  1.1000,
		StopLoss:    1.0950,
		TakeProfit:  1.1100,
		Source:      "trend-follower",
		SubmittedAt: time.Now(),
	}
}

func TestValidateShapeAcceptsWellFormed(t *testing.T) {
	s := validBuySignal()
	assert.NoError(t, s.ValidateShape())

	sell := s
	sell.Direction = DirectionSell
	sell.StopLoss = 1.1050
	sell.TakeProfit = 1.0900
	assert.NoError(t, sell.ValidateShape())
}

func TestValidateShapeRejections(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Signal)
		code   string
	}{
		{"missing signal id", func(s *Signal) { s.SignalID = "" }, CodeMissingField},
		{"signal id too long", func(s *Signal) { s.SignalID = strings.Repeat("x", 65) }, CodeFieldTooLong},
		{"missing profile", func(s *Signal) { s.ProfileID = "" }, CodeMissingField},
		{"missing symbol", func(s *Signal) { s.Symbol = "" }, CodeMissingField},
		{"bad direction", func(s *Signal) { s.Direction = "HOLD" }, CodeBadDirection},
		{"confidence above 1", func(s *Signal) { s.Confidence = 1.5 }, CodeBadConfidence},
		{"confidence below 0", func(s *Signal) { s.Confidence = -0.1 }, CodeBadConfidence},
		{"zero entry", func(s *Signal) { s.EntryPrice = 0 }, CodeBadPrice},
		{"zero stop", func(s *Signal) { s.StopLoss = 0 }, CodeBadPrice},
		{"missing source", func(s *Signal) { s.Source = "" }, CodeMissingField},
		{"buy stop above entry", func(s *Signal) { s.StopLoss = 1.2000 }, CodeBadStops},
		{"buy target below entry", func(s *Signal) { s.TakeProfit = 1.0500 }, CodeBadStops},
		{"sell stop below entry", func(s *Signal) {
			s.Direction = DirectionSell
			s.StopLoss = 1.0950
			s.TakeProfit = 1.0900
		}, CodeBadStops},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validBuySignal()
			tt.modify(&s)
			err := s.ValidateShape()
			require.Error(t, err)
			assert.Equal(t, KindValidation, KindOf(err))
			assert.Equal(t, tt.code, CodeOf(err))
		})
	}
}

func TestProducerTierParsing(t *testing.T) {
	tests := []struct {
		source   string
		producer string
		tier     ProducerTier
	}{
		{"trend-follower", "trend-follower", TierNormal},
		{"panic-hedger!critical", "panic-hedger", TierCritical},
		{"scalper!high", "scalper", TierHigh},
		{"weird!tier", "weird", TierNormal},
		{"CAPS!CRITICAL", "CAPS", TierCritical},
	}

	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			s := Signal{Source: tt.source}
			assert.Equal(t, tt.producer, s.Producer())
			assert.Equal(t, tt.tier, s.Tier())
		})
	}
}

func TestDistancesAndPayoff(t *testing.T) {
	s := validBuySignal()
	assert.InDelta(t, 0.0050, s.StopDistance(), 1e-9)
	assert.InDelta(t, 0.0100, s.ProfitDistance(), 1e-9)
	assert.InDelta(t, 2.0, s.PayoffRatio(), 1e-9)

	sell := s
	sell.Direction = DirectionSell
	sell.StopLoss = 1.1025
	sell.TakeProfit = 1.0950
	assert.InDelta(t, 0.0025, sell.StopDistance(), 1e-9)
	assert.InDelta(t, 2.0, sell.PayoffRatio(), 1e-9)
}

func TestErrorKindClassification(t *testing.T) {
	base := NewError(KindRiskRejected, CodeCVaRCap, "tail risk over cap")
	assert.Equal(t, KindRiskRejected, KindOf(base))
	assert.Equal(t, CodeCVaRCap, CodeOf(base))

	wrapped := fmt.Errorf("sizing: %w", base)
	assert.Equal(t, KindRiskRejected, KindOf(wrapped))
	assert.Equal(t, CodeCVaRCap, CodeOf(wrapped))

	plain := errors.New("disk on fire")
	assert.Equal(t, KindInternal, KindOf(plain))
	assert.Equal(t, CodeInternal, CodeOf(plain))
}

func TestErrorWithChainAndUnwrap(t *testing.T) {
	cause := errors.New("socket closed")
	err := WrapError(KindTransient, CodeNetworkFailure, "order send failed", cause).WithChain("chain-9")

	assert.Equal(t, "chain-9", err.ChainID)
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "transient")
	assert.Contains(t, err.Error(), "network_failure")
}

func TestAsErrorPassthrough(t *testing.T) {
	typed := NewError(KindDuplicate, CodeDuplicateSignal, "seen before")
	assert.Same(t, typed, AsError(typed))

	converted := AsError(errors.New("boom"))
	require.NotNil(t, converted)
	assert.Equal(t, KindInternal, converted.Kind)

	assert.Nil(t, AsError(nil))
}
