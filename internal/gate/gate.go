// Package gate is the single ingress for trade proposals. Every submission
// passes five ordered checks; the first failure is terminal and sealed into
// the signal's decision chain. Admitted signals are handed downstream in
// strict per-profile order.
package gate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/ajitpratap0/tradegate/internal/audit"
	"github.com/ajitpratap0/tradegate/internal/config"
	"github.com/ajitpratap0/tradegate/internal/metrics"
	"github.com/ajitpratap0/tradegate/internal/provenance"
	"github.com/ajitpratap0/tradegate/internal/signal"
	"github.com/ajitpratap0/tradegate/internal/state"
)

// Source is the actor name the gate writes into decision nodes
const Source = "gate"

// EmergencyView is the gate's read-only view of the emergency controller
type EmergencyView interface {
	// Blocked reports whether admissions are blocked and the state name
	Blocked() (bool, string)
}

// Health is the gate's view of broker session health
type Health interface {
	Healthy(profileID string) bool
}

// Admission is one admitted signal together with its live chain builder.
// The builder transfers to the pipeline worker; the gate never touches it
// again after handoff.
type Admission struct {
	Signal  *signal.AdmittedSignal
	Builder *provenance.Builder
}

// Sink receives admitted signals. The pipeline implements it; Enqueue must
// fail fast when the profile's queue is saturated.
type Sink interface {
	Enqueue(ctx context.Context, adm *Admission) error
}

// Gate runs the five admission checks
type Gate struct {
	store       *Store
	audit       audit.Log
	profiles    *state.Store
	emergency   EmergencyView
	health      Health
	catalog     *config.Catalog
	sink        Sink
	global      *rate.Limiter
	perPair     int
	defaultRisk config.RiskParams

	// dupNotify, when set, is told about duplicates of still-pending chains
	dupNotify func(chainID string)

	mu           sync.Mutex
	profileLocks map[string]*sync.Mutex
}

// New creates a gate. The global admission budget is a token bucket
// refilled at global_signal_rate_limit tokens per minute.
func New(
	cfg config.GateConfig,
	defaultRisk config.RiskParams,
	store *Store,
	auditLog audit.Log,
	profiles *state.Store,
	emergency EmergencyView,
	health Health,
	catalog *config.Catalog,
	sink Sink,
) *Gate {
	global := rate.NewLimiter(rate.Inf, 0)
	if cfg.GlobalSignalRateLimit > 0 {
		global = rate.NewLimiter(
			rate.Every(time.Minute/time.Duration(cfg.GlobalSignalRateLimit)),
			cfg.GlobalSignalRateLimit)
	}

	return &Gate{
		store:        store,
		audit:        auditLog,
		profiles:     profiles,
		emergency:    emergency,
		health:       health,
		catalog:      catalog,
		sink:         sink,
		global:       global,
		perPair:      cfg.SignalRateLimitPerMinute,
		defaultRisk:  defaultRisk,
		profileLocks: make(map[string]*sync.Mutex),
	}
}

// OnDuplicate registers a callback invoked when a duplicate of a
// still-pending chain arrives. The pipeline uses it to append the
// signal.duplicate node through the chain's single writer.
func (g *Gate) OnDuplicate(fn func(chainID string)) {
	g.dupNotify = fn
}

// Submit runs the admission checks for one signal. It returns once the
// signal.received node is durable; downstream processing is asynchronous.
// Submissions for the same profile are serialized, so the admitted stream
// is a per-profile FIFO subsequence of submissions.
func (g *Gate) Submit(ctx context.Context, sig *signal.Signal) (*signal.SubmitResult, error) {
	// Identity fields anchor both the idempotency key and the chain; a
	// signal without them cannot enter check one.
	if sig.SignalID == "" || sig.ProfileID == "" {
		return nil, signal.NewError(signal.KindValidation, signal.CodeMissingField,
			"signal_id and profile_id are required")
	}

	lock := g.profileLock(sig.ProfileID)
	lock.Lock()
	defer lock.Unlock()

	// Check 1: idempotency
	res, dup, err := g.store.Reserve(ctx, sig.ProfileID, sig.SignalID)
	if err != nil {
		return nil, signal.NewError(signal.KindTransient, signal.CodeStoreUnavailable, err.Error())
	}
	if dup {
		metrics.RecordGateDecision(string(provenance.NodeSignalDuplicate))
		if g.dupNotify != nil && res.Outcome == "pending" {
			g.dupNotify(res.ChainID)
		}
		// A duplicate echoes the first submission: the signal is already
		// owned by the pipeline under the original chain, whose fate the
		// reason reports.
		return &signal.SubmitResult{
			Accepted: true,
			ChainID:  res.ChainID,
			Reason:   "duplicate: " + res.Outcome,
		}, nil
	}

	// Every non-duplicate submission owns exactly one chain, opened by
	// signal.received.
	builder := provenance.NewBuilder(provenance.NewChain(sig.SignalID, sig.ProfileID))
	chain := builder.Chain()
	if err := g.audit.CreateChain(ctx, chain); err != nil {
		return nil, signal.NewError(signal.KindTransient, signal.CodeStoreUnavailable, err.Error())
	}
	if err := g.store.Bind(ctx, sig.ProfileID, sig.SignalID, chain.ID); err != nil {
		log.Warn().Err(err).Str("chain_id", chain.ID).Msg("Failed to bind chain to idempotency key")
	}

	received := builder.Append(provenance.NodeSignalReceived, Source,
		signalInput(sig),
		map[string]interface{}{"chain_id": chain.ID},
		"signal received")
	if err := g.audit.AppendNode(ctx, received); err != nil {
		return nil, signal.NewError(signal.KindTransient, signal.CodeStoreUnavailable, err.Error())
	}

	// Check 2: rate limit (critical-tier producers are exempt)
	if sig.Tier() != signal.TierCritical {
		if !g.global.Allow() {
			return g.terminal(ctx, builder, sig, provenance.NodeGateRateLimited,
				provenance.OutcomeBlocked, "rate_limit", "global admission budget exhausted")
		}
		count, err := g.store.IncrWindow(ctx, sig.ProfileID, sig.Producer(), time.Now())
		if err != nil {
			return nil, signal.NewError(signal.KindTransient, signal.CodeStoreUnavailable, err.Error())
		}
		if g.perPair > 0 && count > int64(g.perPair) {
			return g.terminal(ctx, builder, sig, provenance.NodeGateRateLimited,
				provenance.OutcomeBlocked, "rate_limit",
				fmt.Sprintf("producer %s exceeded %d admissions/min", sig.Producer(), g.perPair))
		}
	}

	// Check 3: schema and ranges
	profile, profileKnown := g.profiles.Profile(sig.ProfileID)
	riskCfg := g.defaultRisk
	if profileKnown {
		riskCfg = profile.Risk
	}
	if err := sig.ValidateShape(); err != nil {
		return g.terminal(ctx, builder, sig, provenance.NodeSignalRejected,
			provenance.OutcomeRejected, "schema", err.Error())
	}
	if _, err := g.catalog.Get(sig.Symbol); err != nil {
		return g.terminal(ctx, builder, sig, provenance.NodeSignalRejected,
			provenance.OutcomeRejected, "schema", err.Error())
	}
	if sig.Confidence < riskCfg.KellyMinConfidence {
		return g.terminal(ctx, builder, sig, provenance.NodeSignalRejected,
			provenance.OutcomeRejected, "schema",
			fmt.Sprintf("confidence %.2f below floor %.2f", sig.Confidence, riskCfg.KellyMinConfidence))
	}

	// Check 4: emergency state
	if blocked, stateName := g.emergency.Blocked(); blocked {
		return g.terminal(ctx, builder, sig, provenance.NodeGateBlocked,
			provenance.OutcomeBlocked, "emergency", stateName)
	}

	// Check 5: profile state
	if !profileKnown {
		return g.terminal(ctx, builder, sig, provenance.NodeGateBlocked,
			provenance.OutcomeBlocked, "profile", "unknown profile")
	}
	if !profile.TradingEnabled {
		return g.terminal(ctx, builder, sig, provenance.NodeGateBlocked,
			provenance.OutcomeBlocked, "profile", "trading disabled")
	}
	if !g.health.Healthy(sig.ProfileID) {
		return g.terminal(ctx, builder, sig, provenance.NodeGateBlocked,
			provenance.OutcomeBlocked, "profile", "broker session unhealthy")
	}

	passed := builder.Append(provenance.NodeGatePassed, Source,
		map[string]interface{}{"checks": 5},
		map[string]interface{}{"admitted": true},
		"all admission checks passed")
	if err := g.audit.AppendNode(ctx, passed); err != nil {
		return nil, signal.NewError(signal.KindTransient, signal.CodeStoreUnavailable, err.Error())
	}

	adm := &Admission{
		Signal: &signal.AdmittedSignal{
			Signal:     *sig,
			ChainID:    chain.ID,
			AdmittedAt: time.Now().UTC(),
		},
		Builder: builder,
	}
	if err := g.sink.Enqueue(ctx, adm); err != nil {
		return g.terminal(ctx, builder, sig, provenance.NodeGateBlocked,
			provenance.OutcomeRejected, "backpressure", err.Error())
	}

	metrics.RecordGateDecision(string(provenance.NodeGatePassed))
	return &signal.SubmitResult{Accepted: true, ChainID: chain.ID}, nil
}

// terminal seals a failed admission: one node for the failing check, then
// the chain outcome, then the idempotency record.
func (g *Gate) terminal(
	ctx context.Context,
	builder *provenance.Builder,
	sig *signal.Signal,
	nodeType provenance.NodeType,
	outcome provenance.Outcome,
	check, reason string,
) (*signal.SubmitResult, error) {
	node := builder.Append(nodeType, Source,
		map[string]interface{}{"check": check},
		map[string]interface{}{"reason": reason},
		reason)
	if err := g.audit.AppendNode(ctx, node); err != nil {
		return nil, signal.NewError(signal.KindTransient, signal.CodeStoreUnavailable, err.Error())
	}

	builder.Seal(outcome)
	chain := builder.Chain()
	if err := g.audit.SealChain(ctx, chain); err != nil {
		return nil, signal.NewError(signal.KindTransient, signal.CodeStoreUnavailable, err.Error())
	}
	if err := g.store.RecordOutcome(ctx, sig.ProfileID, sig.SignalID, chain.ID, string(outcome)); err != nil {
		log.Warn().Err(err).Str("chain_id", chain.ID).Msg("Failed to record outcome on idempotency key")
	}

	metrics.RecordGateDecision(string(nodeType))
	log.Info().
		Str("chain_id", chain.ID).
		Str("profile_id", sig.ProfileID).
		Str("check", check).
		Str("reason", reason).
		Msg("Signal refused at gate")

	return &signal.SubmitResult{Accepted: false, ChainID: chain.ID, Reason: reason}, nil
}

func (g *Gate) profileLock(profileID string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.profileLocks[profileID]
	if !ok {
		l = &sync.Mutex{}
		g.profileLocks[profileID] = l
	}
	return l
}

func signalInput(sig *signal.Signal) map[string]interface{} {
	return map[string]interface{}{
		"signal_id":   sig.SignalID,
		"profile_id":  sig.ProfileID,
		"symbol":      sig.Symbol,
		"direction":   string(sig.Direction),
		"confidence":  sig.Confidence,
		"entry_price": sig.EntryPrice,
		"stop_loss":   sig.StopLoss,
		"take_profit": sig.TakeProfit,
		"source":      sig.Source,
	}
}
