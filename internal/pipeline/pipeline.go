// Package pipeline drives admitted signals through sizing and execution.
// Each profile owns exactly one worker goroutine, so a profile's decisions
// happen strictly in admission order and its chain builders never see a
// second writer.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/tradegate/internal/audit"
	"github.com/ajitpratap0/tradegate/internal/broker"
	"github.com/ajitpratap0/tradegate/internal/config"
	"github.com/ajitpratap0/tradegate/internal/gate"
	"github.com/ajitpratap0/tradegate/internal/metrics"
	"github.com/ajitpratap0/tradegate/internal/provenance"
	"github.com/ajitpratap0/tradegate/internal/risk"
	"github.com/ajitpratap0/tradegate/internal/signal"
	"github.com/ajitpratap0/tradegate/internal/state"
)

// Source is the actor name the pipeline writes into decision nodes
const Source = "pipeline"

// Defaults applied when the pipeline config leaves fields zero
const (
	DefaultQueueHighWaterMark = 64
	DefaultSignalTimeout      = 30 * time.Second
)

// ErrNotStarted is returned by Enqueue before Start
var ErrNotStarted = errors.New("pipeline: not started")

// Sizer turns an admitted signal into a sizing decision
type Sizer interface {
	Size(ctx context.Context, sig *signal.AdmittedSignal, snap *state.Snapshot) (*risk.Decision, error)
}

// Executor places a sized intent with the broker
type Executor interface {
	Execute(ctx context.Context, intent *signal.OrderIntent, builder *provenance.Builder) (*broker.Position, error)
}

// Escalator is the pipeline's two-way tie to the emergency controller: it
// raises halts on the sizer's behalf and reports the posture so queued
// admissions cannot ride through a kill or halt raised while they waited.
type Escalator interface {
	RaiseHalt(ctx context.Context, actor, reason string) error
	Blocked() (bool, string)
}

// Outcomes records sealed fates on the gate's idempotency store so later
// duplicates answer with the original outcome
type Outcomes interface {
	RecordOutcome(ctx context.Context, profileID, signalID, chainID, outcome string) error
}

// task is one admitted signal waiting on its profile's worker. Duplicates
// that arrive while it is still queued are counted here and recorded as a
// single node when processing starts.
type task struct {
	adm *gate.Admission

	mu      sync.Mutex
	started bool
	dups    int
}

type worker struct {
	profileID string
	queue     chan *task
}

// Pipeline fans admitted signals out to per-profile workers
type Pipeline struct {
	sizer     Sizer
	exec      Executor
	audit     audit.Log
	profiles  *state.Store
	escalator Escalator
	outcomes  Outcomes
	cfg       config.PipelineConfig

	mu       sync.Mutex
	workers  map[string]*worker
	inflight map[string]*task // by chain id
	group    *errgroup.Group
	ctx      context.Context
}

// New creates a pipeline. escalator and outcomes may be nil; halt
// escalation, queue preemption checks, and duplicate-answer bookkeeping
// are then skipped.
func New(
	cfg config.PipelineConfig,
	sizer Sizer,
	exec Executor,
	auditLog audit.Log,
	profiles *state.Store,
	escalator Escalator,
	outcomes Outcomes,
) *Pipeline {
	return &Pipeline{
		sizer:     sizer,
		exec:      exec,
		audit:     auditLog,
		profiles:  profiles,
		escalator: escalator,
		outcomes:  outcomes,
		cfg:       cfg,
		workers:   make(map[string]*worker),
		inflight:  make(map[string]*task),
	}
}

// Start supervises the worker group under ctx
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.group, p.ctx = errgroup.WithContext(ctx)
}

// Wait blocks until every worker has drained after the start context ends
func (p *Pipeline) Wait() error {
	p.mu.Lock()
	group := p.group
	p.mu.Unlock()
	if group == nil {
		return nil
	}
	return group.Wait()
}

// Enqueue implements gate.Sink. It fails fast when the profile's queue is
// at its high-water mark; the gate turns that into a terminal backpressure
// rejection.
func (p *Pipeline) Enqueue(_ context.Context, adm *gate.Admission) error {
	p.mu.Lock()
	if p.group == nil {
		p.mu.Unlock()
		return ErrNotStarted
	}
	w := p.workerLocked(adm.Signal.ProfileID)
	t := &task{adm: adm}
	p.inflight[adm.Signal.ChainID] = t
	p.mu.Unlock()

	select {
	case w.queue <- t:
		metrics.SetQueueDepth(adm.Signal.ProfileID, len(w.queue))
		return nil
	default:
		p.mu.Lock()
		delete(p.inflight, adm.Signal.ChainID)
		p.mu.Unlock()
		metrics.RecordQueueRefusal(adm.Signal.ProfileID)
		return fmt.Errorf("profile %s queue at high-water mark %d", adm.Signal.ProfileID, p.queueDepth())
	}
}

// Duplicate notes a duplicate submission against a still-pending chain. The
// note is recorded by the chain's owning worker; duplicates of chains
// already past the queue are dropped since their chain is sealed or about
// to be.
func (p *Pipeline) Duplicate(chainID string) {
	p.mu.Lock()
	t, ok := p.inflight[chainID]
	p.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	if !t.started {
		t.dups++
	}
	t.mu.Unlock()
}

func (p *Pipeline) workerLocked(profileID string) *worker {
	w, ok := p.workers[profileID]
	if ok {
		return w
	}
	w = &worker{profileID: profileID, queue: make(chan *task, p.queueDepth())}
	p.workers[profileID] = w
	p.group.Go(func() error {
		p.run(w)
		return nil
	})
	return w
}

func (p *Pipeline) run(w *worker) {
	for {
		select {
		case <-p.ctx.Done():
			return
		case t := <-w.queue:
			metrics.SetQueueDepth(w.profileID, len(w.queue))
			p.process(t)
		}
	}
}

func (p *Pipeline) process(t *task) {
	t.mu.Lock()
	t.started = true
	dups := t.dups
	t.mu.Unlock()

	sig := t.adm.Signal
	builder := t.adm.Builder
	defer func() {
		p.mu.Lock()
		delete(p.inflight, sig.ChainID)
		p.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(p.ctx, p.signalTimeout())
	defer cancel()

	if dups > 0 {
		node := builder.Append(provenance.NodeSignalDuplicate, Source,
			map[string]interface{}{"count": dups},
			map[string]interface{}{"original_outcome": "pending"},
			fmt.Sprintf("%d duplicate submissions while pending", dups))
		if err := p.audit.AppendNode(ctx, node); err != nil {
			log.Warn().Err(err).Str("chain_id", sig.ChainID).Msg("Failed to record duplicate note")
		}
	}

	// The gate checked the emergency state at admission; the posture may
	// have changed while this signal sat in the queue.
	if p.preempted(ctx, t) {
		return
	}

	snap, err := p.profiles.Snapshot(sig.ProfileID)
	if err != nil {
		p.terminal(ctx, t, "snapshot", err.Error())
		return
	}

	decision, err := p.sizer.Size(ctx, sig, snap)
	if err != nil {
		// Sizing is fail-closed: an infra failure mid-decision rejects
		// rather than trades on partial information
		p.terminal(ctx, t, "sizer", err.Error())
		return
	}

	node := builder.Append(decision.Node, risk.Source,
		sizingInput(sig, snap), decision.Output, decision.Rationale)
	if err := p.audit.AppendNode(ctx, node); err != nil {
		log.Error().Err(err).Str("chain_id", sig.ChainID).Msg("Failed to record sizing node, abandoning signal")
		return
	}

	if decision.Veto != nil {
		metrics.RecordRiskVeto(decision.Veto.Predicate)
		builder.Seal(provenance.OutcomeRejected)
		if err := p.audit.SealChain(ctx, builder.Chain()); err != nil {
			log.Error().Err(err).Str("chain_id", sig.ChainID).Msg("Failed to seal vetoed chain")
		}
		p.recordOutcome(t)

		log.Info().
			Str("chain_id", sig.ChainID).
			Str("predicate", decision.Veto.Predicate).
			Str("reason", decision.Veto.Reason).
			Msg("Signal vetoed by risk sizer")

		if decision.Veto.RaiseHalt && p.escalator != nil {
			// Escalate on the root context: the halt must land even if
			// this signal's budget is spent
			if err := p.escalator.RaiseHalt(p.ctx, risk.Source, decision.Veto.Reason); err != nil {
				log.Error().Err(err).Msg("Failed to escalate drawdown halt")
			}
		}
		return
	}

	// Last look before the broker: a kill or halt during sizing must not
	// end in a position
	if p.preempted(ctx, t) {
		return
	}

	if _, err := p.exec.Execute(ctx, decision.Intent, builder); err != nil {
		if !builder.Chain().Sealed() && ctx.Err() != nil {
			p.sealTimeout(t)
		}
		log.Warn().Err(err).Str("chain_id", sig.ChainID).Msg("Execution did not open a position")
	}
	p.recordOutcome(t)
}

// preempted seals the chain blocked when the emergency posture forbids
// execution. Returns false when the posture is normal or no controller is
// wired.
func (p *Pipeline) preempted(ctx context.Context, t *task) bool {
	if p.escalator == nil {
		return false
	}
	blocked, stateName := p.escalator.Blocked()
	if !blocked {
		return false
	}

	metrics.RecordPipelinePreemption()
	builder := t.adm.Builder
	node := builder.Append(provenance.NodePipelinePreempted, Source,
		map[string]interface{}{"state": stateName},
		map[string]interface{}{"reason": "emergency state forbids execution"},
		fmt.Sprintf("preempted by emergency state %s", stateName))
	if err := p.audit.AppendNode(ctx, node); err != nil {
		log.Error().Err(err).Str("chain_id", t.adm.Signal.ChainID).Msg("Failed to record preemption node")
		return true
	}
	builder.Seal(provenance.OutcomeBlocked)
	if err := p.audit.SealChain(ctx, builder.Chain()); err != nil {
		log.Error().Err(err).Str("chain_id", t.adm.Signal.ChainID).Msg("Failed to seal preempted chain")
	}
	p.recordOutcome(t)

	log.Warn().
		Str("chain_id", t.adm.Signal.ChainID).
		Str("profile_id", t.adm.Signal.ProfileID).
		Str("state", stateName).
		Msg("Queued signal preempted by emergency state")
	return true
}

// terminal seals a pipeline-stage failure before execution is reached
func (p *Pipeline) terminal(ctx context.Context, t *task, stage, reason string) {
	builder := t.adm.Builder
	node := builder.Append(provenance.NodeRiskRejected, Source,
		map[string]interface{}{"stage": stage},
		map[string]interface{}{"reason": reason},
		reason)
	if err := p.audit.AppendNode(ctx, node); err != nil {
		log.Error().Err(err).Str("chain_id", t.adm.Signal.ChainID).Msg("Failed to record pipeline failure node")
		return
	}
	builder.Seal(provenance.OutcomeRejected)
	if err := p.audit.SealChain(ctx, builder.Chain()); err != nil {
		log.Error().Err(err).Str("chain_id", t.adm.Signal.ChainID).Msg("Failed to seal chain")
	}
	p.recordOutcome(t)

	log.Error().
		Str("chain_id", t.adm.Signal.ChainID).
		Str("stage", stage).
		Str("reason", reason).
		Msg("Signal failed in pipeline before execution")
}

// sealTimeout closes a chain whose signal budget expired before the
// executor reached a terminal node
func (p *Pipeline) sealTimeout(t *task) {
	metrics.RecordPipelineTimeout()
	builder := t.adm.Builder
	node := builder.Append(provenance.NodePipelineTimeout, Source,
		map[string]interface{}{"timeout_s": int(p.signalTimeout().Seconds())},
		map[string]interface{}{"reason": "signal processing budget exhausted"},
		"signal processing budget exhausted")
	// The per-signal context is gone; persist on a fresh short one
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.audit.AppendNode(ctx, node); err != nil {
		log.Error().Err(err).Str("chain_id", t.adm.Signal.ChainID).Msg("Failed to record pipeline timeout node")
		return
	}
	builder.Seal(provenance.OutcomeRejected)
	if err := p.audit.SealChain(ctx, builder.Chain()); err != nil {
		log.Error().Err(err).Str("chain_id", t.adm.Signal.ChainID).Msg("Failed to seal timed-out chain")
	}
}

func (p *Pipeline) recordOutcome(t *task) {
	chain := t.adm.Builder.Chain()
	if p.outcomes == nil || !chain.Sealed() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.outcomes.RecordOutcome(ctx, chain.ProfileID, t.adm.Signal.SignalID, chain.ID, string(chain.Outcome)); err != nil {
		log.Warn().Err(err).Str("chain_id", chain.ID).Msg("Failed to record outcome on idempotency key")
	}
}

func (p *Pipeline) queueDepth() int {
	if p.cfg.QueueHighWaterMark > 0 {
		return p.cfg.QueueHighWaterMark
	}
	return DefaultQueueHighWaterMark
}

func (p *Pipeline) signalTimeout() time.Duration {
	if p.cfg.SignalTimeoutS > 0 {
		return p.cfg.SignalTimeout()
	}
	return DefaultSignalTimeout
}

func sizingInput(sig *signal.AdmittedSignal, snap *state.Snapshot) map[string]interface{} {
	return map[string]interface{}{
		"signal_id":      sig.SignalID,
		"symbol":         sig.Symbol,
		"confidence":     sig.Confidence,
		"equity":         snap.Equity,
		"peak_equity":    snap.PeakEquity,
		"drawdown":       snap.Drawdown(),
		"open_positions": len(snap.OpenPositions),
	}
}
