package emergency

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tradegate/internal/audit"
	"github.com/ajitpratap0/tradegate/internal/broker"
	"github.com/ajitpratap0/tradegate/internal/config"
	"github.com/ajitpratap0/tradegate/internal/provenance"
	"github.com/ajitpratap0/tradegate/internal/state"
)

type emergencyHarness struct {
	ctrl  *Controller
	paper *broker.Paper
	pool  *broker.Pool
	store *state.Store
	log   *audit.Memory
}

func newEmergencyHarness(t *testing.T) *emergencyHarness {
	t.Helper()

	paper := broker.NewPaper("prof-1", 10000, 0)
	paper.SetPrice("EURUSD", 1.0999, 1.1001)

	store := state.NewStore(nil)
	store.UpsertProfile(context.Background(), state.Profile{
		ID: "prof-1", Name: "alpha", BrokerKind: "paper", TradingEnabled: true, Equity: 10000,
	})

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
	t.Cleanup(func() {
		cancel()
		pool.Stop()
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !pool.Healthy("prof-1") {
		time.Sleep(2 * time.Millisecond)
	}
	require.True(t, pool.Healthy("prof-1"), "session never became healthy")

	mem := audit.NewMemory()
	ctrl := New(mem, pool, store, []string{"alice", "bob"}, config.EmergencyConfig{
		FlashCrashPct:     2.0,
		FlashCrashWindowS: 60,
		VolMultiplier:     3.0,
		SpreadMultiplier:  10.0,
		CooldownMinutes:   30,
	})

	return &emergencyHarness{ctrl: ctrl, paper: paper, pool: pool, store: store, log: mem}
}

// openPosition puts a real position on the broker and mirrors it locally
func (h *emergencyHarness) openPosition(t *testing.T, token string, volume float64) string {
	t.Helper()
	ctx := context.Background()

	lease, err := h.pool.Acquire(ctx, "prof-1", false)
	require.NoError(t, err)
	defer lease.Release()

	result, err := lease.Broker().SubmitOrder(ctx, broker.OrderRequest{
		ClientToken: token, ProfileID: "prof-1", Symbol: "EURUSD",
		Side: broker.SideBuy, Kind: broker.OrderMarket, Volume: volume,
	})
	require.NoError(t, err)

	require.NoError(t, h.store.ApplyOpen(ctx, &broker.Position{
		Ticket: result.Ticket, ProfileID: "prof-1", Symbol: "EURUSD",
		Side: broker.SideBuy, Volume: volume, EntryPrice: result.FillPrice, StopLoss: 1.0900,
	}))
	return result.Ticket
}

func (h *emergencyHarness) episodeChain(t *testing.T) *provenance.Chain {
	t.Helper()
	status := h.ctrl.Status()
	require.NotEmpty(t, status.ChainID, "an active emergency must own a chain")
	chain, err := h.log.GetChain(context.Background(), status.ChainID)
	require.NoError(t, err)
	return chain
}

func TestManualKillClosesAllPositions(t *testing.T) {
	h := newEmergencyHarness(t)
	ctx := context.Background()
	h.openPosition(t, "tok-1", 0.5)
	h.openPosition(t, "tok-2", 0.3)

	require.NoError(t, h.ctrl.Kill(ctx, "alice", "fat finger"))

	blocked, stateName := h.ctrl.Blocked()
	assert.True(t, blocked)
	assert.Equal(t, "killed", stateName)

	open, err := h.store.ListOpen(ctx, "prof-1")
	require.NoError(t, err)
	assert.Empty(t, open, "kill switch must flatten every position")

	chain := h.episodeChain(t)
	assert.Equal(t, []provenance.NodeType{
		provenance.NodeEmergencyActivated,
		provenance.NodePositionClosed,
	}, chain.NodeTypes())
	assert.False(t, chain.Sealed(), "episode chain stays open until restore")
}

func TestKillRestoreRequiresTwoOwners(t *testing.T) {
	h := newEmergencyHarness(t)
	ctx := context.Background()
	require.NoError(t, h.ctrl.Kill(ctx, "alice", "manual kill"))
	chainID := h.ctrl.Status().ChainID

	done, err := h.ctrl.Restore(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, done, "first owner only arms the restore")

	_, err = h.ctrl.Restore(ctx, "alice")
	assert.ErrorIs(t, err, ErrSameActor)

	done, err = h.ctrl.Restore(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, done)

	blocked, _ := h.ctrl.Blocked()
	assert.False(t, blocked)

	chain, err := h.log.GetChain(ctx, chainID)
	require.NoError(t, err)
	assert.True(t, chain.Sealed())
	assert.Equal(t, provenance.OutcomeExecuted, chain.Outcome)
	restored := chain.Last()
	assert.Equal(t, provenance.NodeEmergencyRestored, restored.Type)
	assert.Equal(t, []string{"alice", "bob"}, restored.Input["actors"])
}

func TestKillRestoreArmExpires(t *testing.T) {
	h := newEmergencyHarness(t)
	ctx := context.Background()
	require.NoError(t, h.ctrl.Kill(ctx, "alice", "manual kill"))

	done, err := h.ctrl.Restore(ctx, "alice")
	require.NoError(t, err)
	require.False(t, done)

	// Let the arm lapse; the next owner starts over instead of completing
	h.ctrl.mu.Lock()
	h.ctrl.armedAt = time.Now().Add(-RestoreArmWindow - time.Minute)
	h.ctrl.mu.Unlock()

	done, err = h.ctrl.Restore(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, done, "expired arm re-arms rather than completes")

	done, err = h.ctrl.Restore(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestHaltRestoreNeedsOneOwner(t *testing.T) {
	h := newEmergencyHarness(t)
	ctx := context.Background()
	require.NoError(t, h.ctrl.Halt(ctx, "alice", "maintenance"))

	open, err := h.store.ListOpen(ctx, "prof-1")
	require.NoError(t, err)
	assert.Empty(t, open)

	done, err := h.ctrl.Restore(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestNonOwnerIsRefused(t *testing.T) {
	h := newEmergencyHarness(t)
	ctx := context.Background()

	assert.ErrorIs(t, h.ctrl.Kill(ctx, "mallory", "nope"), ErrNotOwner)
	require.NoError(t, h.ctrl.Halt(ctx, "alice", "maintenance"))
	_, err := h.ctrl.Restore(ctx, "mallory")
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestWeakerTriggerNeverDowngrades(t *testing.T) {
	h := newEmergencyHarness(t)
	ctx := context.Background()
	require.NoError(t, h.ctrl.Kill(ctx, "alice", "manual kill"))
	nodesBefore := len(h.episodeChain(t).Nodes)

	require.NoError(t, h.ctrl.Panic(ctx, TriggerFlashCrash, "late crash", nil))

	assert.Equal(t, StateKilled, h.ctrl.Status().State)
	assert.Len(t, h.episodeChain(t).Nodes, nodesBefore, "ignored trigger writes no node")
}

func TestCooldownSuppressesRepeatTrigger(t *testing.T) {
	h := newEmergencyHarness(t)
	ctx := context.Background()

	require.NoError(t, h.ctrl.Panic(ctx, TriggerVolatilitySpike, "vol spike", nil))
	assert.Equal(t, StateHalted, h.ctrl.Status().State)

	done, err := h.ctrl.Restore(ctx, "alice")
	require.NoError(t, err)
	require.True(t, done)

	require.NoError(t, h.ctrl.Panic(ctx, TriggerVolatilitySpike, "vol spike again", nil))
	assert.Equal(t, StateNormal, h.ctrl.Status().State, "same trigger in cooldown is suppressed")

	// A different trigger is not affected by that cooldown
	require.NoError(t, h.ctrl.Panic(ctx, TriggerSpreadExplosion, "spread blowout", nil))
	assert.Equal(t, StateHalted, h.ctrl.Status().State)
}

func TestFlashCrashPanicHedgesOpenPositions(t *testing.T) {
	h := newEmergencyHarness(t)
	ctx := context.Background()
	ticket := h.openPosition(t, "tok-1", 0.5)

	require.NoError(t, h.ctrl.Panic(ctx, TriggerFlashCrash, "EURUSD crashed", nil))
	assert.Equal(t, StateHedged, h.ctrl.Status().State)

	open, err := h.store.ListOpen(ctx, "prof-1")
	require.NoError(t, err)
	require.Len(t, open, 2, "original position plus its hedge")

	var hedge *broker.Position
	for _, p := range open {
		if p.Ticket != ticket {
			hedge = p
		}
	}
	require.NotNil(t, hedge)
	assert.Equal(t, broker.SideSell, hedge.Side, "hedge takes the opposite side")
	assert.InDelta(t, 0.5, hedge.Volume, 1e-9)
	assert.Equal(t, h.ctrl.Status().ChainID, hedge.OriginChainID)

	chain := h.episodeChain(t)
	assert.Equal(t, []provenance.NodeType{
		provenance.NodeEmergencyActivated,
		provenance.NodeEmergencyPanicHedge,
	}, chain.NodeTypes())
}

func TestDrawdownBreachFiresKillSwitch(t *testing.T) {
	h := newEmergencyHarness(t)
	ctx := context.Background()

	require.NoError(t, h.ctrl.CheckDrawdown(ctx, 9000, 10000))
	assert.Equal(t, StateNormal, h.ctrl.Status().State, "a 10 percent drawdown is below the kill threshold")

	require.NoError(t, h.ctrl.CheckDrawdown(ctx, 8400, 10000))
	assert.Equal(t, StateKilled, h.ctrl.Status().State)
}

func TestRestoreWithoutEmergency(t *testing.T) {
	h := newEmergencyHarness(t)
	_, err := h.ctrl.Restore(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestRaiseHaltFromPipeline(t *testing.T) {
	h := newEmergencyHarness(t)
	ctx := context.Background()

	require.NoError(t, h.ctrl.RaiseHalt(ctx, "risk-sizer", "drawdown at halt threshold"))
	assert.Equal(t, StateHalted, h.ctrl.Status().State)

	chain := h.episodeChain(t)
	activated := chain.Nodes[0]
	assert.Equal(t, "risk-sizer", activated.Input["actor"])
}

type recordingPersister struct {
	states []Status
	err    error
}

func (p *recordingPersister) SaveState(_ context.Context, st Status) error {
	p.states = append(p.states, st)
	return p.err
}

func TestPersisterSeesEveryTransition(t *testing.T) {
	h := newEmergencyHarness(t)
	rec := &recordingPersister{}
	h.ctrl.SetPersister(rec)
	ctx := context.Background()

	require.NoError(t, h.ctrl.Halt(ctx, "alice", "maintenance"))
	done, err := h.ctrl.Restore(ctx, "alice")
	require.NoError(t, err)
	require.True(t, done)

	require.Len(t, rec.states, 2)
	assert.Equal(t, StateHalted, rec.states[0].State)
	assert.Equal(t, "alice", rec.states[0].Actor)
	assert.Equal(t, StateNormal, rec.states[1].State)
}

func TestPersisterFailureDoesNotBlockTransition(t *testing.T) {
	h := newEmergencyHarness(t)
	h.ctrl.SetPersister(&recordingPersister{err: assert.AnError})
	ctx := context.Background()

	require.NoError(t, h.ctrl.Halt(ctx, "alice", "maintenance"))
	blocked, state := h.ctrl.Blocked()
	assert.True(t, blocked)
	assert.Equal(t, "halted", state)
}

func TestResumeRestoresBlockedPosture(t *testing.T) {
	h := newEmergencyHarness(t)

	h.ctrl.Resume(Status{
		State:       StateHalted,
		Trigger:     TriggerManual,
		Actor:       "alice",
		Reason:      "persisted from previous run",
		ActivatedAt: time.Now().UTC().Add(-time.Hour),
	})

	blocked, state := h.ctrl.Blocked()
	assert.True(t, blocked)
	assert.Equal(t, "halted", state)

	// An owner can still walk the resumed posture back to normal
	done, err := h.ctrl.Restore(context.Background(), "bob")
	require.NoError(t, err)
	require.True(t, done)
	blocked, _ = h.ctrl.Blocked()
	assert.False(t, blocked)
}

func TestResumeIgnoresNormalState(t *testing.T) {
	h := newEmergencyHarness(t)
	h.ctrl.Resume(Status{State: StateNormal})
	blocked, _ := h.ctrl.Blocked()
	assert.False(t, blocked)
}
