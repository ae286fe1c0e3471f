// Package signal defines the trade-proposal types shared by the gate, risk
// and execution stages, together with the error taxonomy every stage
// classifies its failures into.
package signal

import (
	"fmt"
	"strings"
	"time"
)

// Direction represents the side of a proposed trade
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// Valid reports whether the direction is one of the two known values
func (d Direction) Valid() bool {
	return d == DirectionBuy || d == DirectionSell
}

// ProducerTier classifies a signal source for rate-limit purposes
type ProducerTier string

const (
	TierNormal   ProducerTier = "normal"
	TierHigh     ProducerTier = "high"
	TierCritical ProducerTier = "critical"
)

// Signal is one trade proposal as submitted by a producer
type Signal struct {
	SignalID    string    `json:"signal_id"`
	ProfileID   string    `json:"profile_id"`
	Symbol      string    `json:"symbol"`
	Direction   Direction `json:"direction"`
	Confidence  float64   `json:"confidence"`
	EntryPrice  float64   `json:"entry_price"`
	StopLoss    float64   `json:"stop_loss"`
	TakeProfit  float64   `json:"take_profit"`
	Source      string    `json:"source"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Producer returns the producer identity without its tier suffix
func (s *Signal) Producer() string {
	name, _ := splitSource(s.Source)
	return name
}

// Tier returns the producer's rate-limit tier. The tier rides in the source
// identity as "name!tier"; absent or unknown suffixes mean normal.
func (s *Signal) Tier() ProducerTier {
	_, tier := splitSource(s.Source)
	return tier
}

func splitSource(source string) (string, ProducerTier) {
	name, suffix, found := strings.Cut(source, "!")
	if !found {
		return source, TierNormal
	}
	switch ProducerTier(strings.ToLower(suffix)) {
	case TierHigh:
		return name, TierHigh
	case TierCritical:
		return name, TierCritical
	default:
		return name, TierNormal
	}
}

// MaxSignalIDLength bounds the opaque producer-chosen id
const MaxSignalIDLength = 64

// ValidateShape checks the structural parts of a signal: required fields,
// direction, confidence range, and SL/TP placement relative to entry.
// Catalog membership and the confidence floor are profile-dependent and are
// checked by the gate.
func (s *Signal) ValidateShape() error {
	if s.SignalID == "" {
		return NewError(KindValidation, CodeMissingField, "signal_id is required")
	}
	if len(s.SignalID) > MaxSignalIDLength {
		return NewError(KindValidation, CodeFieldTooLong, fmt.Sprintf("signal_id exceeds %d characters", MaxSignalIDLength))
	}
	if s.ProfileID == "" {
		return NewError(KindValidation, CodeMissingField, "profile_id is required")
	}
	if s.Symbol == "" {
		return NewError(KindValidation, CodeMissingField, "symbol is required")
	}
	if !s.Direction.Valid() {
		return NewError(KindValidation, CodeBadDirection, fmt.Sprintf("direction %q is not BUY or SELL", s.Direction))
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return NewError(KindValidation, CodeBadConfidence, fmt.Sprintf("confidence %.4f outside [0,1]", s.Confidence))
	}
	if s.EntryPrice <= 0 {
		return NewError(KindValidation, CodeBadPrice, "entry_price must be greater than 0")
	}
	if s.StopLoss <= 0 || s.TakeProfit <= 0 {
		return NewError(KindValidation, CodeBadPrice, "stop_loss and take_profit must be greater than 0")
	}
	if s.Source == "" {
		return NewError(KindValidation, CodeMissingField, "source is required")
	}

	switch s.Direction {
	case DirectionBuy:
		if s.StopLoss >= s.EntryPrice {
			return NewError(KindValidation, CodeBadStops, "BUY stop_loss must be below entry_price")
		}
		if s.TakeProfit <= s.EntryPrice {
			return NewError(KindValidation, CodeBadStops, "BUY take_profit must be above entry_price")
		}
	case DirectionSell:
		if s.StopLoss <= s.EntryPrice {
			return NewError(KindValidation, CodeBadStops, "SELL stop_loss must be above entry_price")
		}
		if s.TakeProfit >= s.EntryPrice {
			return NewError(KindValidation, CodeBadStops, "SELL take_profit must be below entry_price")
		}
	}

	return nil
}

// StopDistance returns the absolute price distance from entry to stop
func (s *Signal) StopDistance() float64 {
	d := s.EntryPrice - s.StopLoss
	if d < 0 {
		return -d
	}
	return d
}

// ProfitDistance returns the absolute price distance from entry to target
func (s *Signal) ProfitDistance() float64 {
	d := s.TakeProfit - s.EntryPrice
	if d < 0 {
		return -d
	}
	return d
}

// PayoffRatio returns reward-to-risk, the b term of the Kelly criterion
func (s *Signal) PayoffRatio() float64 {
	stop := s.StopDistance()
	if stop == 0 {
		return 0
	}
	return s.ProfitDistance() / stop
}

// AdmittedSignal is a signal that passed all gate checks and owns a chain
type AdmittedSignal struct {
	Signal
	ChainID    string    `json:"chain_id"`
	AdmittedAt time.Time `json:"admitted_at"`
}

// OrderIntent is the sizer's approved order, ready for execution
type OrderIntent struct {
	ChainID         string    `json:"chain_id"`
	ProfileID       string    `json:"profile_id"`
	Symbol          string    `json:"symbol"`
	Direction       Direction `json:"direction"`
	Volume          float64   `json:"volume"`
	RequestedVolume float64   `json:"requested_volume"`
	EntryPrice      float64   `json:"entry_price"`
	StopLoss        float64   `json:"stop_loss"`
	TakeProfit      float64   `json:"take_profit"`
	Reduced         bool      `json:"reduced"`
	Adjustments     []string  `json:"adjustments,omitempty"`
}

// SubmitResult is the synchronous response to a producer submission
type SubmitResult struct {
	Accepted bool   `json:"accepted"`
	ChainID  string `json:"chain_id"`
	Reason   string `json:"reason,omitempty"`
}
