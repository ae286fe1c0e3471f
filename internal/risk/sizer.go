package risk

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/tradegate/internal/config"
	"github.com/ajitpratap0/tradegate/internal/provenance"
	"github.com/ajitpratap0/tradegate/internal/signal"
	"github.com/ajitpratap0/tradegate/internal/state"
)

// Source is the actor name the sizer's decisions carry in the chain
const Source = "risk-sizer"

// Veto is a sizer rejection. RaiseHalt marks vetoes that must escalate the
// profile to the halted emergency state; the pipeline performs the
// escalation, the sizer only reports it.
type Veto struct {
	Predicate string `json:"predicate"`
	Reason    string `json:"reason"`
	RaiseHalt bool   `json:"raise_halt,omitempty"`
}

// Decision is the sizer's single emission per admitted signal: either an
// intent (risk.approved / risk.reduced) or a veto (risk.rejected).
type Decision struct {
	Node      provenance.NodeType
	Intent    *signal.OrderIntent
	Veto      *Veto
	Output    map[string]interface{}
	Rationale string
}

// Approved reports whether the decision carries an executable intent
func (d *Decision) Approved() bool {
	return d.Intent != nil
}

// Sizer transforms admitted signals into sized order intents. Size is pure
// with respect to (signal, snapshot) over a fixed market state: the same
// inputs always produce the same decision.
type Sizer struct {
	catalog *config.Catalog
	history History
	tracker Tracker
	alpha   float64
}

// NewSizer creates a sizer over an instrument catalog, a return history
// and a correlation tracker.
func NewSizer(catalog *config.Catalog, history History, tracker Tracker) *Sizer {
	return &Sizer{
		catalog: catalog,
		history: history,
		tracker: tracker,
		alpha:   DefaultCVaRAlpha,
	}
}

// Size runs the five sizing steps in order. Only a correlation lookup
// failure returns an error; every policy outcome is a Decision.
func (s *Sizer) Size(ctx context.Context, sig *signal.AdmittedSignal, snap *state.Snapshot) (*Decision, error) {
	inst, err := s.catalog.Get(sig.Symbol)
	if err != nil {
		return reject(sig, "instrument", err.Error(), false), nil
	}

	// Step 1: Kelly fraction, scaled and clipped. The clip ceiling is the
	// per-trade risk cap, so the hard cap of step 3 is already folded in.
	p := sig.Confidence
	b := sig.PayoffRatio()
	fMax := math.Min(FMax, snap.Risk.MaxRiskPerTradeFraction)
	f := ScaledKelly(p, b, snap.Risk.KellyScale, fMax)
	if f <= 0 {
		return reject(sig, "kelly_edge",
			fmt.Sprintf("no positive edge at confidence %.2f, payoff %.2f", p, b), false), nil
	}

	stop := sig.StopDistance()
	riskPerUnit := stop * inst.ContractSize
	if riskPerUnit <= 0 {
		return reject(sig, "stop_distance", "stop distance must be positive", false), nil
	}

	volume := f * snap.Equity / riskPerUnit
	requested := volume
	adjustments := []string{}

	// Step 2: CVaR budget. The candidate's tail loss plus the open
	// portfolio's must stay within max_cvar_fraction of equity.
	perUnitCVaR := TailLoss(s.history.Returns(sig.Symbol), s.alpha) * inst.ContractSize * sig.EntryPrice
	if perUnitCVaR > 0 {
		headroom := snap.Risk.MaxCVaRFraction*snap.Equity - s.portfolioCVaR(snap)
		if headroom <= 0 {
			return reject(sig, "cvar_cap", "portfolio CVaR budget exhausted", false), nil
		}
		if volume*perUnitCVaR > headroom {
			volume = headroom / perUnitCVaR
			adjustments = append(adjustments, "cvar_cap")
		}
	}

	// Step 3: hard caps
	if len(snap.OpenPositions) >= snap.Risk.MaxPositions {
		return reject(sig, "max_positions",
			fmt.Sprintf("%d open positions at limit %d", len(snap.OpenPositions), snap.Risk.MaxPositions), false), nil
	}
	if perTrade := snap.Risk.MaxRiskPerTradeFraction * snap.Equity; volume*riskPerUnit > perTrade {
		volume = perTrade / riskPerUnit
		adjustments = append(adjustments, "risk_cap")
	}
	totalHeadroom := snap.Risk.MaxTotalRiskFraction*snap.Equity - snap.OpenRisk()
	if totalHeadroom <= 0 {
		return reject(sig, "total_risk", "total open risk budget exhausted", false), nil
	}
	if volume*riskPerUnit > totalHeadroom {
		volume = totalHeadroom / riskPerUnit
		adjustments = append(adjustments, "total_risk_cap")
	}

	// Step 4: drawdown policy
	dd := snap.Drawdown()
	if dd >= snap.Risk.DDHaltThreshold {
		return reject(sig, "drawdown_halt",
			fmt.Sprintf("drawdown %.1f%% at halt threshold", dd*100), true), nil
	}
	if dd >= snap.Risk.DDReduceThreshold {
		volume /= 2
		adjustments = append(adjustments, "drawdown")
	}

	// Step 5: correlation veto against every open position
	for _, pos := range snap.OpenPositions {
		rho, err := s.tracker.Correlation(ctx, sig.Symbol, pos.Symbol)
		if err != nil {
			return nil, err
		}
		if math.Abs(rho) > snap.Risk.MaxCorrelation {
			return reject(sig, "correlation",
				fmt.Sprintf("%s correlates %.2f with open %s", sig.Symbol, rho, pos.Symbol), false), nil
		}
	}

	final := inst.RoundVolume(volume)
	if final <= 0 {
		return reject(sig, "min_volume",
			fmt.Sprintf("sized volume %.6f below instrument minimum", volume), false), nil
	}

	node := provenance.NodeRiskApproved
	rationale := fmt.Sprintf("kelly fraction %.4f sized %.2f", f, final)
	if len(adjustments) > 0 {
		node = provenance.NodeRiskReduced
		rationale = fmt.Sprintf("kelly fraction %.4f reduced to %.2f by %v", f, final, adjustments)
	}

	intent := &signal.OrderIntent{
		ChainID:         sig.ChainID,
		ProfileID:       sig.ProfileID,
		Symbol:          sig.Symbol,
		Direction:       sig.Direction,
		Volume:          final,
		RequestedVolume: requested,
		EntryPrice:      sig.EntryPrice,
		StopLoss:        sig.StopLoss,
		TakeProfit:      sig.TakeProfit,
		Reduced:         len(adjustments) > 0,
		Adjustments:     adjustments,
	}
	return &Decision{
		Node:   node,
		Intent: intent,
		Output: map[string]interface{}{
			"kelly_fraction":   f,
			"requested_volume": requested,
			"final_volume":     final,
			"adjustments":      adjustments,
			"drawdown":         dd,
		},
		Rationale: rationale,
	}, nil
}

// portfolioCVaR sums the tail-loss exposure of the open positions
func (s *Sizer) portfolioCVaR(snap *state.Snapshot) float64 {
	total := 0.0
	for _, pos := range snap.OpenPositions {
		inst, err := s.catalog.Get(pos.Symbol)
		if err != nil {
			log.Warn().Str("symbol", pos.Symbol).Msg("Open position references unknown instrument, excluding from CVaR")
			continue
		}
		total += TailLoss(s.history.Returns(pos.Symbol), s.alpha) * pos.Volume * inst.ContractSize * pos.EntryPrice
	}
	return total
}

func reject(sig *signal.AdmittedSignal, predicate, reason string, raiseHalt bool) *Decision {
	log.Debug().
		Str("chain_id", sig.ChainID).
		Str("predicate", predicate).
		Str("reason", reason).
		Msg("Risk sizer vetoed signal")

	return &Decision{
		Node: provenance.NodeRiskRejected,
		Veto: &Veto{Predicate: predicate, Reason: reason, RaiseHalt: raiseHalt},
		Output: map[string]interface{}{
			"predicate":  predicate,
			"reason":     reason,
			"raise_halt": raiseHalt,
		},
		Rationale: reason,
	}
}
