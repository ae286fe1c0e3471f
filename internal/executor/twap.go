package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/ajitpratap0/tradegate/internal/broker"
	"github.com/ajitpratap0/tradegate/internal/config"
	"github.com/ajitpratap0/tradegate/internal/metrics"
	"github.com/ajitpratap0/tradegate/internal/provenance"
	"github.com/ajitpratap0/tradegate/internal/signal"
)

// Default TWAP schedule when the config leaves it unset
const (
	DefaultTWAPSlices = 4
	DefaultTWAPWindow = 2 * time.Minute
)

// twapEligible reports whether an intent is large enough to slice
func (e *Executor) twapEligible(inst config.Instrument, volume float64) bool {
	return inst.TWAPThreshold > 0 && volume > inst.TWAPThreshold
}

// SliceVolumes splits a total volume into up to n step-aligned child
// volumes. Rounding remainders roll forward so the slices sum to the
// roundable part of the total; slices that round to zero are dropped.
func SliceVolumes(inst config.Instrument, total float64, n int) []float64 {
	if n <= 1 {
		return []float64{inst.RoundVolume(total)}
	}

	out := make([]float64, 0, n)
	remaining := total
	for i := 0; i < n; i++ {
		share := inst.RoundVolume(remaining / float64(n-i))
		if i == n-1 {
			share = inst.RoundVolume(remaining)
		}
		if share <= 0 {
			continue
		}
		out = append(out, share)
		remaining -= share
	}
	return out
}

// executeTWAP submits an oversized intent as equal child orders spread over
// the configured window, one client token per slice. Each slice runs the
// full retry table. The position opens with the volume-weighted fill price;
// a terminal slice failure after at least one fill opens the filled part.
func (e *Executor) executeTWAP(
	ctx context.Context,
	b broker.Broker,
	inst config.Instrument,
	intent *signal.OrderIntent,
	token string,
	builder *provenance.Builder,
) (*broker.Position, error) {
	volumes := SliceVolumes(inst, intent.Volume, e.twapSlices())
	if len(volumes) == 0 {
		reason := fmt.Sprintf("volume %.4f cannot be sliced on the %s step grid", intent.Volume, inst.Symbol)
		return nil, e.terminal(ctx, builder, provenance.NodeExecutionRejected,
			map[string]interface{}{"client_token": token},
			reason,
			signal.NewError(signal.KindBrokerRejected, signal.CodeVolumeTooSmall, reason))
	}
	interval := e.twapWindow() / time.Duration(len(volumes))

	fills := make([]*broker.OrderResult, 0, len(volumes))
	attempts := 0
	for i, volume := range volumes {
		if i > 0 {
			if err := e.wait(ctx, interval); err != nil {
				break
			}
		}

		sliceToken := fmt.Sprintf("%s-%d", token, i+1)
		out, err := e.submitWithRetry(ctx, b, orderRequest(intent, sliceToken, volume))
		if err != nil {
			class := broker.Classify(err)
			if len(fills) == 0 {
				return nil, e.terminal(ctx, builder, failureNode(class),
					map[string]interface{}{"client_token": sliceToken, "slice": i + 1, "class": class.String()},
					err.Error(),
					failureError(class, err))
			}
			// Part of the parent is already on the market; record the
			// failed slice and open what filled.
			node := builder.Append(failureNode(class), Source,
				map[string]interface{}{"client_token": sliceToken, "slice": i + 1, "class": class.String()},
				map[string]interface{}{"reason": err.Error()},
				err.Error())
			if aerr := e.audit.AppendNode(ctx, node); aerr != nil {
				return nil, storeError(aerr, builder)
			}
			break
		}

		attempts += out.attempts
		fills = append(fills, out.result)
		metrics.RecordTWAPSlice()
		node := builder.Append(provenance.NodeExecutionSlice, Source,
			map[string]interface{}{"client_token": sliceToken, "slice": i + 1, "of": len(volumes)},
			map[string]interface{}{
				"ticket":     out.result.Ticket,
				"volume":     out.result.Volume,
				"fill_price": out.result.FillPrice,
			},
			fmt.Sprintf("slice %d/%d filled %.2f at %.5f", i+1, len(volumes), out.result.Volume, out.result.FillPrice))
		if err := e.audit.AppendNode(ctx, node); err != nil {
			return nil, storeError(err, builder)
		}
	}

	if len(fills) == 0 {
		reason := "execution window closed before any slice filled"
		return nil, e.terminal(ctx, builder, provenance.NodeExecutionFailed,
			map[string]interface{}{"client_token": token},
			reason,
			signal.NewError(signal.KindTransient, signal.CodeCanceled, reason))
	}

	totalVolume := 0.0
	notional := 0.0
	for _, f := range fills {
		totalVolume += f.Volume
		notional += f.Volume * f.FillPrice
	}
	vwap := notional / totalVolume

	rationale := fmt.Sprintf("twap filled %.2f %s over %d slices at vwap %.5f",
		totalVolume, intent.Symbol, len(fills), vwap)
	if len(fills) < len(volumes) {
		rationale = fmt.Sprintf("twap partially filled %.2f of %.2f %s over %d/%d slices at vwap %.5f",
			totalVolume, intent.Volume, intent.Symbol, len(fills), len(volumes), vwap)
	}

	pos := position(intent, builder.Chain().SignalID, fills[0].Ticket, totalVolume, vwap, fills[len(fills)-1].FilledAt)
	if err := e.open(ctx, builder, pos, map[string]interface{}{
		"client_token": token,
		"slices":       len(fills),
		"planned":      len(volumes),
		"attempts":     attempts,
	}, rationale); err != nil {
		return nil, err
	}
	return pos, nil
}

func (e *Executor) twapSlices() int {
	if e.cfg.TWAPSlices > 0 {
		return e.cfg.TWAPSlices
	}
	return DefaultTWAPSlices
}

func (e *Executor) twapWindow() time.Duration {
	if e.cfg.TWAPWindowS > 0 {
		return time.Duration(e.cfg.TWAPWindowS) * time.Second
	}
	return DefaultTWAPWindow
}
