package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tradegate/internal/audit"
	"github.com/ajitpratap0/tradegate/internal/broker"
	"github.com/ajitpratap0/tradegate/internal/config"
	"github.com/ajitpratap0/tradegate/internal/emergency"
	"github.com/ajitpratap0/tradegate/internal/executor"
	"github.com/ajitpratap0/tradegate/internal/gate"
	"github.com/ajitpratap0/tradegate/internal/provenance"
	"github.com/ajitpratap0/tradegate/internal/risk"
	"github.com/ajitpratap0/tradegate/internal/signal"
	"github.com/ajitpratap0/tradegate/internal/state"
)

type pipeHarness struct {
	gate     *gate.Gate
	pipe     *Pipeline
	ctrl     *emergency.Controller
	paper    *broker.Paper
	pool     *broker.Pool
	store    *state.Store
	log      *audit.Memory
	profiles *state.Store
}

func pipeRisk() config.RiskParams {
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

// newPipeHarness wires the full admission path: gate in front, per-profile
// worker, real sizer, and either the real executor (exec nil) or a stub.
func newPipeHarness(t *testing.T, pcfg config.PipelineConfig, exec Executor) *pipeHarness {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	gateStore := gate.NewStore(client)

	store := state.NewStore(nil)
	store.UpsertProfile(context.Background(), state.Profile{
		ID: "prof-1", Name: "alpha", BrokerKind: "paper",
		TradingEnabled: true, Equity: 10000, Risk: pipeRisk(),
	})

	paper := broker.NewPaper("prof-1", 10000, 0)
	paper.SetPrice("EURUSD", 1.0999, 1.1001)

	pool := broker.NewPool(
		func(string) (broker.Broker, error) { return paper, nil },
		broker.SessionConfig{
			HeartbeatInterval:    10 * time.Millisecond,
			MissesToDegrade:      3,
			MissesToDisconnect:   5,
			ReconnectMaxAttempts: 3,
			BackoffBase:          5 * time.Millisecond,
			BackoffCap:           20 * time.Millisecond,
		},
		store,
		func(string) int { return 10 },
		nil,
		zerolog.Nop(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	require.NoError(t, pool.AddProfile("prof-1"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !pool.Healthy("prof-1") {
		time.Sleep(2 * time.Millisecond)
	}
	require.True(t, pool.Healthy("prof-1"), "session never became healthy")

	mem := audit.NewMemory()
	catalog := config.NewCatalog(config.DefaultInstruments())
	ctrl := emergency.New(mem, pool, store, []string{"alice"}, config.EmergencyConfig{CooldownMinutes: 30})

	if exec == nil {
		exec = executor.New(pool, mem, store, risk.NewPassthroughCircuitBreakerManager(),
			catalog, config.ExecutorConfig{CallTimeoutS: 1})
	}
	sizer := risk.NewSizer(catalog, risk.NewReturnWindow(0), risk.StaticTracker{})

	pipe := New(pcfg, sizer, exec, mem, store, ctrl, gateStore)
	pipe.Start(ctx)
	t.Cleanup(func() {
		cancel()
		pool.Stop()
		_ = pipe.Wait()
	})

	g := gate.New(config.GateConfig{SignalRateLimitPerMinute: 100, GlobalSignalRateLimit: 1000},
		pipeRisk(), gateStore, mem, store, ctrl, pool, catalog, pipe)
	g.OnDuplicate(pipe.Duplicate)

	return &pipeHarness{
		gate: g, pipe: pipe, ctrl: ctrl, paper: paper, pool: pool,
		store: store, log: mem, profiles: store,
	}
}

func pipeSignal(id string) *signal.Signal {
	return &signal.Signal{
		SignalID:   id,
		ProfileID:  "prof-1",
		Symbol:     "EURUSD",
		Direction:  signal.DirectionBuy,
		Confidence: 0.8,
		EntryPrice: 1.1000,
		StopLoss:   1.0950,
		TakeProfit: 1.1100,
		Source:     "trend-follower",
	}
}

func (h *pipeHarness) waitSealed(t *testing.T, chainID string) *provenance.Chain {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		chain, err := h.log.GetChain(context.Background(), chainID)
		require.NoError(t, err)
		if chain.Sealed() {
			return chain
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("chain %s never sealed", chainID)
	return nil
}

// blockingExec parks every Execute call until released, recording arrival
// order. Sealing behavior on release is configurable per test.
type blockingExec struct {
	release chan struct{}
	log     audit.Log

	mu    sync.Mutex
	order []string
}

func (e *blockingExec) Execute(ctx context.Context, intent *signal.OrderIntent, builder *provenance.Builder) (*broker.Position, error) {
	e.mu.Lock()
	e.order = append(e.order, intent.ChainID)
	e.mu.Unlock()

	select {
	case <-e.release:
		builder.Seal(provenance.OutcomeExecuted)
		if e.log != nil {
			_ = e.log.SealChain(context.Background(), builder.Chain())
		}
		return &broker.Position{Ticket: "T-stub", ProfileID: intent.ProfileID}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *blockingExec) started() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.order)
}

func TestPipelineExecutesAdmittedSignal(t *testing.T) {
	h := newPipeHarness(t, config.PipelineConfig{SignalTimeoutS: 5, QueueHighWaterMark: 8}, nil)

	result, err := h.gate.Submit(context.Background(), pipeSignal("sig-1"))
	require.NoError(t, err)
	require.True(t, result.Accepted)

	chain := h.waitSealed(t, result.ChainID)
	assert.Equal(t, provenance.OutcomeExecuted, chain.Outcome)
	assert.Equal(t, []provenance.NodeType{
		provenance.NodeSignalReceived,
		provenance.NodeGatePassed,
		provenance.NodeRiskApproved,
		provenance.NodePositionOpened,
	}, chain.NodeTypes())

	open, err := h.store.ListOpen(context.Background(), "prof-1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, result.ChainID, open[0].OriginChainID)

	// Resubmission answers with the sealed fate, not a new chain
	dup, err := h.gate.Submit(context.Background(), pipeSignal("sig-1"))
	require.NoError(t, err)
	assert.True(t, dup.Accepted)
	assert.Equal(t, result.ChainID, dup.ChainID)
	assert.Equal(t, "duplicate: executed", dup.Reason)
}

func TestPipelineVetoSealsRejected(t *testing.T) {
	h := newPipeHarness(t, config.PipelineConfig{SignalTimeoutS: 5, QueueHighWaterMark: 8}, nil)

	// Zero position budget guarantees a sizer veto after gate admission
	riskCfg := pipeRisk()
	riskCfg.MaxPositions = 0
	h.profiles.UpsertProfile(context.Background(), state.Profile{
		ID: "prof-1", Name: "alpha", BrokerKind: "paper",
		TradingEnabled: true, Equity: 10000, Risk: riskCfg,
	})

	result, err := h.gate.Submit(context.Background(), pipeSignal("sig-1"))
	require.NoError(t, err)
	require.True(t, result.Accepted, "the gate admits; the sizer vetoes")

	chain := h.waitSealed(t, result.ChainID)
	assert.Equal(t, provenance.OutcomeRejected, chain.Outcome)
	assert.Equal(t, []provenance.NodeType{
		provenance.NodeSignalReceived,
		provenance.NodeGatePassed,
		provenance.NodeRiskRejected,
	}, chain.NodeTypes())
	assert.Equal(t, "max_positions", chain.Last().Output["predicate"])

	open, err := h.store.ListOpen(context.Background(), "prof-1")
	require.NoError(t, err)
	assert.Empty(t, open)

	dup, err := h.gate.Submit(context.Background(), pipeSignal("sig-1"))
	require.NoError(t, err)
	assert.Equal(t, "duplicate: rejected", dup.Reason)
}

func TestPipelineDrawdownVetoRaisesHalt(t *testing.T) {
	h := newPipeHarness(t, config.PipelineConfig{SignalTimeoutS: 5, QueueHighWaterMark: 8}, nil)
	h.profiles.UpsertProfile(context.Background(), state.Profile{
		ID: "prof-1", Name: "alpha", BrokerKind: "paper",
		TradingEnabled: true, Equity: 8500, PeakEquity: 10000, Risk: pipeRisk(),
	})

	result, err := h.gate.Submit(context.Background(), pipeSignal("sig-1"))
	require.NoError(t, err)
	require.True(t, result.Accepted)

	chain := h.waitSealed(t, result.ChainID)
	assert.Equal(t, provenance.OutcomeRejected, chain.Outcome)
	assert.Equal(t, provenance.NodeRiskRejected, chain.Last().Type)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && h.ctrl.Status().State != emergency.StateHalted {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, emergency.StateHalted, h.ctrl.Status().State, "drawdown veto must escalate to halted")

	// Admissions are now blocked at the gate
	blocked, err := h.gate.Submit(context.Background(), pipeSignal("sig-2"))
	require.NoError(t, err)
	assert.False(t, blocked.Accepted)
	assert.Equal(t, "halted", blocked.Reason)
}

func TestPipelineBackpressureRefusesThirdSignal(t *testing.T) {
	exec := &blockingExec{release: make(chan struct{})}
	h := newPipeHarness(t, config.PipelineConfig{SignalTimeoutS: 5, QueueHighWaterMark: 1}, exec)
	exec.log = h.log
	defer close(exec.release)

	first, err := h.gate.Submit(context.Background(), pipeSignal("sig-1"))
	require.NoError(t, err)
	require.True(t, first.Accepted)

	// Wait until the worker is parked inside the executor so the queue
	// slot is free for exactly one more signal
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && exec.started() == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	require.Equal(t, 1, exec.started())

	second, err := h.gate.Submit(context.Background(), pipeSignal("sig-2"))
	require.NoError(t, err)
	require.True(t, second.Accepted)

	third, err := h.gate.Submit(context.Background(), pipeSignal("sig-3"))
	require.NoError(t, err)
	assert.False(t, third.Accepted)
	assert.Contains(t, third.Reason, "high-water mark")

	chain, err := h.log.GetChain(context.Background(), third.ChainID)
	require.NoError(t, err)
	assert.True(t, chain.Sealed())
	assert.Equal(t, provenance.OutcomeRejected, chain.Outcome)
}

func TestPipelineRecordsDuplicateOfQueuedSignal(t *testing.T) {
	exec := &blockingExec{release: make(chan struct{})}
	h := newPipeHarness(t, config.PipelineConfig{SignalTimeoutS: 5, QueueHighWaterMark: 8}, exec)
	exec.log = h.log

	first, err := h.gate.Submit(context.Background(), pipeSignal("sig-1"))
	require.NoError(t, err)
	require.True(t, first.Accepted)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && exec.started() == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	require.Equal(t, 1, exec.started())

	// sig-2 queues behind the parked sig-1; its duplicate arrives while it
	// is still waiting
	second, err := h.gate.Submit(context.Background(), pipeSignal("sig-2"))
	require.NoError(t, err)
	require.True(t, second.Accepted)

	dup, err := h.gate.Submit(context.Background(), pipeSignal("sig-2"))
	require.NoError(t, err)
	assert.True(t, dup.Accepted)
	assert.Equal(t, second.ChainID, dup.ChainID)
	assert.Equal(t, "duplicate: pending", dup.Reason)

	close(exec.release)

	chain := h.waitSealed(t, second.ChainID)
	assert.Equal(t, []provenance.NodeType{
		provenance.NodeSignalReceived,
		provenance.NodeGatePassed,
		provenance.NodeSignalDuplicate,
	}, chain.NodeTypes())
	assert.Equal(t, 1, chain.Nodes[2].Input["count"])
}

func TestPipelineKillPreemptsQueuedAdmission(t *testing.T) {
	exec := &blockingExec{release: make(chan struct{})}
	h := newPipeHarness(t, config.PipelineConfig{SignalTimeoutS: 5, QueueHighWaterMark: 8}, exec)
	exec.log = h.log

	first, err := h.gate.Submit(context.Background(), pipeSignal("sig-1"))
	require.NoError(t, err)
	require.True(t, first.Accepted)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && exec.started() == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	require.Equal(t, 1, exec.started())

	// sig-2 is admitted while the posture is still normal and queues
	// behind the parked sig-1
	second, err := h.gate.Submit(context.Background(), pipeSignal("sig-2"))
	require.NoError(t, err)
	require.True(t, second.Accepted)

	require.NoError(t, h.ctrl.Kill(context.Background(), "alice", "manual kill"))
	close(exec.release)

	chain := h.waitSealed(t, second.ChainID)
	assert.Equal(t, provenance.OutcomeBlocked, chain.Outcome)
	assert.Equal(t, provenance.NodePipelinePreempted, chain.Last().Type)
	assert.Equal(t, "killed", chain.Last().Input["state"])
	for _, node := range chain.Nodes {
		assert.NotEqual(t, provenance.NodePositionOpened, node.Type,
			"no position may open between kill and restore")
	}
	assert.Equal(t, 1, exec.started(), "the queued signal never reaches the executor")
}

// timeoutExec never returns until the signal budget expires
type timeoutExec struct{}

func (timeoutExec) Execute(ctx context.Context, _ *signal.OrderIntent, _ *provenance.Builder) (*broker.Position, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestPipelineSealsTimedOutSignal(t *testing.T) {
	h := newPipeHarness(t, config.PipelineConfig{SignalTimeoutS: 1, QueueHighWaterMark: 8}, timeoutExec{})

	result, err := h.gate.Submit(context.Background(), pipeSignal("sig-1"))
	require.NoError(t, err)
	require.True(t, result.Accepted)

	chain := h.waitSealed(t, result.ChainID)
	assert.Equal(t, provenance.OutcomeRejected, chain.Outcome)
	assert.Equal(t, provenance.NodePipelineTimeout, chain.Last().Type)

	dup, err := h.gate.Submit(context.Background(), pipeSignal("sig-1"))
	require.NoError(t, err)
	assert.Equal(t, "duplicate: rejected", dup.Reason)
}

func TestPipelineProcessesProfileInOrder(t *testing.T) {
	exec := &blockingExec{release: make(chan struct{})}
	h := newPipeHarness(t, config.PipelineConfig{SignalTimeoutS: 5, QueueHighWaterMark: 8}, exec)
	exec.log = h.log

	chainIDs := []string{}
	for _, id := range []string{"sig-1", "sig-2", "sig-3"} {
		result, err := h.gate.Submit(context.Background(), pipeSignal(id))
		require.NoError(t, err)
		require.True(t, result.Accepted)
		chainIDs = append(chainIDs, result.ChainID)
	}

	close(exec.release)
	for _, id := range chainIDs {
		h.waitSealed(t, id)
	}

	exec.mu.Lock()
	defer exec.mu.Unlock()
	assert.Equal(t, chainIDs, exec.order, "a profile's signals execute in admission order")
}
