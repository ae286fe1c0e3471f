// Package executor turns approved order intents into broker positions. One
// submission attempt family shares a single client token so an interrupted
// submit can always be found again; the retry table decides per failure
// class whether an attempt is repeated, reconciled, or terminal.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/ajitpratap0/tradegate/internal/audit"
	"github.com/ajitpratap0/tradegate/internal/broker"
	"github.com/ajitpratap0/tradegate/internal/config"
	"github.com/ajitpratap0/tradegate/internal/metrics"
	"github.com/ajitpratap0/tradegate/internal/provenance"
	"github.com/ajitpratap0/tradegate/internal/risk"
	"github.com/ajitpratap0/tradegate/internal/signal"
)

// Source is the actor name the executor writes into decision nodes
const Source = "executor"

// MaxSubmitAttempts bounds total broker submits per attempt family,
// whatever mix of failure classes occurs
const MaxSubmitAttempts = 4

// DefaultCallTimeout bounds every individual broker RPC
const DefaultCallTimeout = 3 * time.Second

// Positions is the executor's write access to the local position view
type Positions interface {
	ApplyOpen(ctx context.Context, pos *broker.Position) error
}

// Executor drives order submission through the broker pool
type Executor struct {
	pool      *broker.Pool
	audit     audit.Log
	positions Positions
	breaker   *risk.CircuitBreakerManager
	catalog   *config.Catalog
	cfg       config.ExecutorConfig

	// retry pacing, overridden in tests
	backoff        []time.Duration
	reconnectDelay time.Duration
}

// New creates an executor
func New(
	pool *broker.Pool,
	auditLog audit.Log,
	positions Positions,
	breaker *risk.CircuitBreakerManager,
	catalog *config.Catalog,
	cfg config.ExecutorConfig,
) *Executor {
	return &Executor{
		pool:           pool,
		audit:          auditLog,
		positions:      positions,
		breaker:        breaker,
		catalog:        catalog,
		cfg:            cfg,
		backoff:        []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		reconnectDelay: 2 * time.Second,
	}
}

// Execute submits one sized intent. On success the chain gains a
// position.opened node and seals executed; every terminal failure seals
// rejected with a node naming the failure class. The error return carries
// the taxonomy kind for the producer-facing response.
func (e *Executor) Execute(ctx context.Context, intent *signal.OrderIntent, builder *provenance.Builder) (*broker.Position, error) {
	inst, err := e.catalog.Get(intent.Symbol)
	if err != nil {
		return nil, e.terminal(ctx, builder, provenance.NodeExecutionRejected,
			map[string]interface{}{"symbol": intent.Symbol},
			err.Error(),
			signal.NewError(signal.KindBrokerRejected, signal.CodeUnknownSymbol, err.Error()))
	}

	lease, err := e.pool.Acquire(ctx, intent.ProfileID, true)
	if err != nil {
		if errors.Is(err, broker.ErrMaxPositions) {
			return nil, e.terminal(ctx, builder, provenance.NodeExecutionRejected,
				map[string]interface{}{"profile_id": intent.ProfileID},
				"position cap reached at execution time",
				signal.NewError(signal.KindRiskRejected, signal.CodeMaxPositions, err.Error()))
		}
		return nil, e.terminal(ctx, builder, provenance.NodeExecutionFailed,
			map[string]interface{}{"profile_id": intent.ProfileID},
			err.Error(),
			signal.NewError(signal.KindTransient, signal.CodeBrokerUnhealthy, err.Error()))
	}
	defer lease.Release()

	token := uuid.New().String()
	if e.twapEligible(inst, intent.Volume) {
		return e.executeTWAP(ctx, lease.Broker(), inst, intent, token, builder)
	}

	out, err := e.submitWithRetry(ctx, lease.Broker(), orderRequest(intent, token, intent.Volume))
	if err != nil {
		class := broker.Classify(err)
		return nil, e.terminal(ctx, builder, failureNode(class),
			map[string]interface{}{"client_token": token, "class": class.String()},
			err.Error(),
			failureError(class, err))
	}

	if out.reconciled {
		node := builder.Append(provenance.NodeExecutionReconciled, Source,
			map[string]interface{}{"client_token": token},
			map[string]interface{}{"ticket": out.result.Ticket},
			"order recovered by client token after connection loss")
		if err := e.audit.AppendNode(ctx, node); err != nil {
			return nil, storeError(err, builder)
		}
	}

	pos := position(intent, builder.Chain().SignalID, out.result.Ticket, out.result.Volume, out.result.FillPrice, out.result.FilledAt)
	if err := e.open(ctx, builder, pos,
		map[string]interface{}{"client_token": token, "attempts": out.attempts},
		fmt.Sprintf("filled %.2f %s at %.5f", pos.Volume, pos.Symbol, pos.EntryPrice)); err != nil {
		return nil, err
	}
	return pos, nil
}

// open records position.opened, seals the chain executed, and updates the
// local position view
func (e *Executor) open(ctx context.Context, builder *provenance.Builder, pos *broker.Position, input map[string]interface{}, rationale string) error {
	node := builder.Append(provenance.NodePositionOpened, Source, input,
		map[string]interface{}{
			"ticket":     pos.Ticket,
			"symbol":     pos.Symbol,
			"side":       string(pos.Side),
			"volume":     pos.Volume,
			"fill_price": pos.EntryPrice,
		},
		rationale)
	if err := e.audit.AppendNode(ctx, node); err != nil {
		return storeError(err, builder)
	}

	builder.Seal(provenance.OutcomeExecuted)
	if err := e.audit.SealChain(ctx, builder.Chain()); err != nil {
		return storeError(err, builder)
	}

	if err := e.positions.ApplyOpen(ctx, pos); err != nil {
		// The fill is real and the chain is sealed; reconciliation will
		// realign the local view on the next session recovery.
		log.Error().Err(err).
			Str("chain_id", pos.OriginChainID).
			Str("ticket", pos.Ticket).
			Msg("Filled position could not be applied to local view")
	}

	log.Info().
		Str("chain_id", pos.OriginChainID).
		Str("profile_id", pos.ProfileID).
		Str("ticket", pos.Ticket).
		Float64("volume", pos.Volume).
		Float64("fill_price", pos.EntryPrice).
		Msg("Position opened")
	return nil
}

type submitOutcome struct {
	result     *broker.OrderResult
	reconciled bool
	attempts   int
}

// submitWithRetry runs the retry table for one order request: network
// failures back off 1/2/4 s for up to three retries, rejects and closed
// markets are terminal, a duplicate token resolves to the original fill,
// and a lost connection reconciles by token before a single delayed retry.
func (e *Executor) submitWithRetry(ctx context.Context, b broker.Broker, req broker.OrderRequest) (*submitOutcome, error) {
	var attempts, networkTries int
	connRetried := false
	reconciled := false

	for {
		attempts++
		result, err := e.submitOnce(ctx, b, req)
		if err == nil {
			return &submitOutcome{result: result, reconciled: reconciled, attempts: attempts}, nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, broker.WrapError(broker.ClassNetwork, "broker circuit open", err)
		}

		switch broker.Classify(err) {
		case broker.ClassRejected, broker.ClassMarketClosed:
			return nil, err

		case broker.ClassDuplicate:
			// The broker already holds this token; the original fill wins
			if found, ferr := e.findOrder(ctx, b, req.ClientToken); ferr == nil {
				return &submitOutcome{result: found, reconciled: reconciled, attempts: attempts}, nil
			}
			return nil, err

		case broker.ClassConnectionLost:
			if found, ferr := e.findOrder(ctx, b, req.ClientToken); ferr == nil {
				return &submitOutcome{result: found, reconciled: true, attempts: attempts}, nil
			}
			if connRetried || attempts >= MaxSubmitAttempts {
				return nil, err
			}
			connRetried = true
			reconciled = true
			if werr := e.wait(ctx, e.reconnectDelay); werr != nil {
				return nil, err
			}

		default: // network
			if networkTries >= len(e.backoff) || attempts >= MaxSubmitAttempts {
				return nil, err
			}
			delay := e.backoff[networkTries]
			networkTries++
			metrics.RecordOrderRetry()
			log.Debug().
				Str("client_token", req.ClientToken).
				Int("attempt", attempts).
				Dur("backoff", delay).
				Msg("Broker submit failed, retrying")
			if werr := e.wait(ctx, delay); werr != nil {
				return nil, err
			}
		}
	}
}

// submitOnce runs a single submit through the circuit breaker with the
// per-call timeout
func (e *Executor) submitOnce(ctx context.Context, b broker.Broker, req broker.OrderRequest) (*broker.OrderResult, error) {
	start := time.Now()
	out, err := e.breaker.Broker().Execute(func() (interface{}, error) {
		cctx, cancel := context.WithTimeout(ctx, e.callTimeout())
		defer cancel()
		return b.SubmitOrder(cctx, req)
	})
	e.breaker.Metrics().RecordRequest("broker", err == nil)
	metrics.RecordOrderSubmit(float64(time.Since(start).Milliseconds()), err)
	if err != nil {
		return nil, err
	}
	return out.(*broker.OrderResult), nil
}

func (e *Executor) findOrder(ctx context.Context, b broker.Broker, clientToken string) (*broker.OrderResult, error) {
	cctx, cancel := context.WithTimeout(ctx, e.callTimeout())
	defer cancel()
	return b.FindOrder(cctx, clientToken)
}

// terminal seals a failed execution: one node for the failure, then the
// rejected outcome
func (e *Executor) terminal(
	ctx context.Context,
	builder *provenance.Builder,
	nodeType provenance.NodeType,
	input map[string]interface{},
	reason string,
	serr *signal.Error,
) error {
	node := builder.Append(nodeType, Source, input,
		map[string]interface{}{"reason": reason},
		reason)
	if err := e.audit.AppendNode(ctx, node); err != nil {
		return storeError(err, builder)
	}

	builder.Seal(provenance.OutcomeRejected)
	chain := builder.Chain()
	if err := e.audit.SealChain(ctx, chain); err != nil {
		return storeError(err, builder)
	}

	log.Info().
		Str("chain_id", chain.ID).
		Str("profile_id", chain.ProfileID).
		Str("node", string(nodeType)).
		Str("reason", reason).
		Msg("Execution refused")

	return serr.WithChain(chain.ID)
}

func (e *Executor) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e *Executor) callTimeout() time.Duration {
	if e.cfg.CallTimeoutS > 0 {
		return time.Duration(e.cfg.CallTimeoutS) * time.Second
	}
	return DefaultCallTimeout
}

func orderRequest(intent *signal.OrderIntent, token string, volume float64) broker.OrderRequest {
	return broker.OrderRequest{
		ClientToken: token,
		ProfileID:   intent.ProfileID,
		Symbol:      intent.Symbol,
		Side:        orderSide(intent.Direction),
		Kind:        broker.OrderMarket,
		Volume:      volume,
		StopLoss:    intent.StopLoss,
		TakeProfit:  intent.TakeProfit,
	}
}

func orderSide(d signal.Direction) broker.Side {
	if d == signal.DirectionSell {
		return broker.SideSell
	}
	return broker.SideBuy
}

func position(intent *signal.OrderIntent, signalID, ticket string, volume, fillPrice float64, filledAt time.Time) *broker.Position {
	return &broker.Position{
		Ticket:         ticket,
		ProfileID:      intent.ProfileID,
		Symbol:         intent.Symbol,
		Side:           orderSide(intent.Direction),
		Volume:         volume,
		EntryPrice:     fillPrice,
		StopLoss:       intent.StopLoss,
		TakeProfit:     intent.TakeProfit,
		CurrentPrice:   fillPrice,
		OriginSignalID: signalID,
		OriginChainID:  intent.ChainID,
		OpenedAt:       filledAt,
	}
}

func failureNode(class broker.FailureClass) provenance.NodeType {
	switch class {
	case broker.ClassRejected:
		return provenance.NodeExecutionRejected
	case broker.ClassMarketClosed:
		return provenance.NodeExecutionMarketClosed
	default:
		return provenance.NodeExecutionFailed
	}
}

func failureError(class broker.FailureClass, err error) *signal.Error {
	switch class {
	case broker.ClassRejected, broker.ClassMarketClosed:
		return signal.WrapError(signal.KindBrokerRejected, signal.CodeBrokerRejected, "broker refused order", err)
	case broker.ClassConnectionLost:
		return signal.WrapError(signal.KindTransient, signal.CodeConnectionLost, "broker connection lost", err)
	default:
		return signal.WrapError(signal.KindTransient, signal.CodeRetryExhausted, "broker submit retries exhausted", err)
	}
}

func storeError(err error, builder *provenance.Builder) *signal.Error {
	return signal.NewError(signal.KindTransient, signal.CodeStoreUnavailable, err.Error()).
		WithChain(builder.Chain().ID)
}
