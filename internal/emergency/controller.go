// Package emergency is the graded kill-switch: it watches market and
// account stress, escalates the global trading state, and runs the
// mitigation the trigger demands. One emergency episode owns one decision
// chain, opened on activation and sealed on restore.
package emergency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/tradegate/internal/audit"
	"github.com/ajitpratap0/tradegate/internal/broker"
	"github.com/ajitpratap0/tradegate/internal/config"
	"github.com/ajitpratap0/tradegate/internal/metrics"
	"github.com/ajitpratap0/tradegate/internal/provenance"
)

// Source is the actor name written into decision nodes
const Source = "emergency"

// SystemProfile owns episode chains; emergencies are global, not tenant
// scoped
const SystemProfile = "system"

// RestoreArmWindow bounds the two-actor restore: the second Owner must
// confirm within this window of the first
const RestoreArmWindow = 5 * time.Minute

// DrawdownKillFraction is the peak-to-trough loss that fires the kill
// switch
const DrawdownKillFraction = 0.15

// DefaultCooldown suppresses re-triggering of the same automatic trigger
const DefaultCooldown = 30 * time.Minute

// State is the global trading state. Anything other than normal blocks new
// admissions at the gate.
type State string

const (
	StateNormal State = "normal"
	StateHedged State = "hedged"
	StateHalted State = "halted"
	StateKilled State = "killed"
)

// severity orders states so an active emergency is never downgraded by a
// weaker trigger
func severity(s State) int {
	switch s {
	case StateHedged:
		return 1
	case StateHalted:
		return 2
	case StateKilled:
		return 3
	default:
		return 0
	}
}

// Trigger names the condition that caused a transition
type Trigger string

const (
	TriggerFlashCrash      Trigger = "flash_crash"
	TriggerVolatilitySpike Trigger = "volatility_spike"
	TriggerSpreadExplosion Trigger = "spread_explosion"
	TriggerDrawdown        Trigger = "drawdown"
	TriggerRiskHalt        Trigger = "risk_halt"
	TriggerManual          Trigger = "manual"
)

// targetState maps a trigger to the state it escalates to
func targetState(t Trigger) State {
	switch t {
	case TriggerFlashCrash:
		return StateHedged
	case TriggerVolatilitySpike, TriggerSpreadExplosion, TriggerRiskHalt:
		return StateHalted
	default:
		return StateKilled
	}
}

var (
	// ErrNotOwner is returned when the actor lacks Owner capability
	ErrNotOwner = errors.New("emergency: actor lacks owner capability")
	// ErrNotActive is returned when restoring from normal
	ErrNotActive = errors.New("emergency: no active emergency to restore")
	// ErrSameActor is returned when one actor tries to complete both halves
	// of a kill restore
	ErrSameActor = errors.New("emergency: kill restore requires two distinct owners")
)

// Positions is the controller's access to the local position view
type Positions interface {
	ListOpen(ctx context.Context, profileID string) ([]*broker.Position, error)
	ApplyOpen(ctx context.Context, pos *broker.Position) error
	ApplyClose(ctx context.Context, profileID, ticket string, closePrice, realizedPnL float64, closedAt time.Time) error
}

// Status is a read-only snapshot of the emergency state
type Status struct {
	State       State     `json:"state"`
	Trigger     Trigger   `json:"trigger,omitempty"`
	Actor       string    `json:"actor,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	ActivatedAt time.Time `json:"activated_at,omitempty"`
	ChainID     string    `json:"chain_id,omitempty"`
}

// StatePersister receives every state transition so the emergency posture
// survives a gateway restart. Persistence is best effort; the in-memory
// state stays authoritative.
type StatePersister interface {
	SaveState(ctx context.Context, st Status) error
}

// Controller holds the global emergency state and runs mitigations
type Controller struct {
	audit     audit.Log
	pool      *broker.Pool
	positions Positions
	owners    map[string]struct{}
	cfg       config.EmergencyConfig
	persister StatePersister

	mu          sync.RWMutex
	state       State
	trigger     Trigger
	actor       string
	reason      string
	activatedAt time.Time
	episode     *provenance.Builder
	cooldown    map[Trigger]time.Time
	armActor    string
	armedAt     time.Time
}

// New creates a controller. owners lists the actor identities with Owner
// capability for manual transitions and restores.
func New(auditLog audit.Log, pool *broker.Pool, positions Positions, owners []string, cfg config.EmergencyConfig) *Controller {
	set := make(map[string]struct{}, len(owners))
	for _, o := range owners {
		set[o] = struct{}{}
	}
	return &Controller{
		audit:     auditLog,
		pool:      pool,
		positions: positions,
		owners:    set,
		cfg:       cfg,
		state:     StateNormal,
		cooldown:  make(map[Trigger]time.Time),
	}
}

// SetPersister wires the durable state store. Call before the controller
// starts taking transitions.
func (c *Controller) SetPersister(p StatePersister) {
	c.persister = p
}

// Resume adopts a persisted emergency posture at boot. It restores the
// blocking state only; the original episode chain stays sealed to the run
// that opened it, and mitigations are not replayed.
func (c *Controller) Resume(st Status) {
	if severity(st.State) == 0 {
		return
	}
	c.mu.Lock()
	c.state = st.State
	c.trigger = st.Trigger
	c.actor = st.Actor
	c.reason = st.Reason
	c.activatedAt = st.ActivatedAt
	c.mu.Unlock()

	metrics.SetEmergencyState(string(st.State))
	log.Warn().
		Str("state", string(st.State)).
		Str("trigger", string(st.Trigger)).
		Msg("Resumed persisted emergency state, trading stays blocked")
}

func (c *Controller) persist(ctx context.Context) {
	if c.persister == nil {
		return
	}
	if err := c.persister.SaveState(ctx, c.Status()); err != nil {
		log.Error().Err(err).Msg("Failed to persist emergency state")
	}
}

// Blocked implements the gate's emergency view: any state other than
// normal refuses new admissions
func (c *Controller) Blocked() (bool, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state != StateNormal, string(c.state)
}

// Status returns the current emergency snapshot
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := Status{
		State:       c.state,
		Trigger:     c.trigger,
		Actor:       c.actor,
		Reason:      c.reason,
		ActivatedAt: c.activatedAt,
	}
	if c.episode != nil {
		st.ChainID = c.episode.Chain().ID
	}
	return st
}

// Panic escalates from an automatic trigger. Triggers in cooldown and
// triggers weaker than the active state are ignored.
func (c *Controller) Panic(ctx context.Context, trigger Trigger, reason string, details map[string]interface{}) error {
	return c.activate(ctx, trigger, targetState(trigger), "market-monitor", reason, details, true)
}

// Hedge manually escalates to hedged and counter-hedges every open
// position
func (c *Controller) Hedge(ctx context.Context, actor, reason string) error {
	if err := c.requireOwner(actor); err != nil {
		return err
	}
	return c.activate(ctx, TriggerManual, StateHedged, actor, reason, nil, false)
}

// Halt manually escalates to halted; open positions are kept
func (c *Controller) Halt(ctx context.Context, actor, reason string) error {
	if err := c.requireOwner(actor); err != nil {
		return err
	}
	return c.activate(ctx, TriggerManual, StateHalted, actor, reason, nil, false)
}

// Kill manually escalates to killed and closes every open position
func (c *Controller) Kill(ctx context.Context, actor, reason string) error {
	if err := c.requireOwner(actor); err != nil {
		return err
	}
	return c.activate(ctx, TriggerManual, StateKilled, actor, reason, nil, false)
}

// RaiseHalt escalates to halted on behalf of a pipeline stage, bypassing
// the owner check. Used when the sizer's drawdown policy demands a halt.
func (c *Controller) RaiseHalt(ctx context.Context, actor, reason string) error {
	return c.activate(ctx, TriggerRiskHalt, StateHalted, actor, reason, nil, false)
}

// CheckDrawdown fires the kill switch when peak-to-trough loss reaches the
// kill fraction
func (c *Controller) CheckDrawdown(ctx context.Context, equity, peak float64) error {
	if peak <= 0 {
		return nil
	}
	dd := (peak - equity) / peak
	if dd < DrawdownKillFraction {
		return nil
	}
	return c.Panic(ctx, TriggerDrawdown,
		fmt.Sprintf("drawdown %.1f%% breached kill threshold", dd*100),
		map[string]interface{}{"equity": equity, "peak_equity": peak, "drawdown": dd})
}

func (c *Controller) activate(
	ctx context.Context,
	trigger Trigger,
	target State,
	actor, reason string,
	details map[string]interface{},
	automatic bool,
) error {
	c.mu.Lock()
	if severity(target) <= severity(c.state) {
		c.mu.Unlock()
		return nil
	}
	now := time.Now().UTC()
	if automatic && now.Before(c.cooldown[trigger]) {
		c.mu.Unlock()
		log.Debug().Str("trigger", string(trigger)).Msg("Emergency trigger suppressed by cooldown")
		return nil
	}

	from := c.state
	c.state = target
	c.trigger = trigger
	c.actor = actor
	c.reason = reason
	c.activatedAt = now
	c.armActor = ""
	if automatic {
		c.cooldown[trigger] = now.Add(c.cooldownWindow())
	}

	opening := c.episode == nil
	if opening {
		c.episode = provenance.NewBuilder(provenance.NewSystemChain("emergency", SystemProfile))
	}
	episode := c.episode
	c.mu.Unlock()

	metrics.SetEmergencyState(string(target))
	metrics.RecordEmergencyTrigger(string(trigger))
	c.persist(ctx)

	if opening {
		if err := c.audit.CreateChain(ctx, episode.Chain()); err != nil {
			return fmt.Errorf("failed to open emergency chain: %w", err)
		}
	}

	input := map[string]interface{}{
		"trigger": string(trigger),
		"from":    string(from),
		"to":      string(target),
		"actor":   actor,
	}
	output := map[string]interface{}{"reason": reason}
	for k, v := range details {
		output[k] = v
	}
	node := episode.Append(provenance.NodeEmergencyActivated, Source, input, output, reason)
	if err := c.audit.AppendNode(ctx, node); err != nil {
		return fmt.Errorf("failed to record emergency activation: %w", err)
	}

	log.Error().
		Str("trigger", string(trigger)).
		Str("from", string(from)).
		Str("to", string(target)).
		Str("actor", actor).
		Str("reason", reason).
		Msg("EMERGENCY state transition")

	switch {
	case target == StateHedged:
		c.hedgeAll(ctx, episode)
	case target == StateKilled:
		c.closeAll(ctx, episode)
	case trigger == TriggerSpreadExplosion:
		c.cancelLimits(ctx, episode)
	}
	return nil
}

// Restore walks the state back to normal. Restoring from killed is
// two-actor: the first Owner arms, a second distinct Owner completes
// within the arm window. The returned bool reports completion.
func (c *Controller) Restore(ctx context.Context, actor string) (bool, error) {
	if err := c.requireOwner(actor); err != nil {
		return false, err
	}

	c.mu.Lock()
	if c.state == StateNormal {
		c.mu.Unlock()
		return false, ErrNotActive
	}

	now := time.Now().UTC()
	if c.state == StateKilled {
		if c.armActor == "" || now.Sub(c.armedAt) > RestoreArmWindow {
			c.armActor = actor
			c.armedAt = now
			c.mu.Unlock()
			log.Warn().Str("actor", actor).Msg("Kill restore armed, waiting for second owner")
			return false, nil
		}
		if c.armActor == actor {
			c.mu.Unlock()
			return false, ErrSameActor
		}
	}

	from := c.state
	firstActor := c.armActor
	c.state = StateNormal
	c.trigger = ""
	c.actor = ""
	c.reason = ""
	c.armActor = ""
	episode := c.episode
	c.episode = nil
	c.mu.Unlock()

	metrics.SetEmergencyState(string(StateNormal))
	c.persist(ctx)

	if episode == nil {
		return true, nil
	}

	input := map[string]interface{}{"from": string(from), "actor": actor}
	if from == StateKilled {
		input["actors"] = []string{firstActor, actor}
	}
	node := episode.Append(provenance.NodeEmergencyRestored, Source, input,
		map[string]interface{}{"to": string(StateNormal)},
		"trading restored")
	if err := c.audit.AppendNode(ctx, node); err != nil {
		return true, fmt.Errorf("failed to record restore: %w", err)
	}

	episode.Seal(provenance.OutcomeExecuted)
	if err := c.audit.SealChain(ctx, episode.Chain()); err != nil {
		return true, fmt.Errorf("failed to seal emergency chain: %w", err)
	}

	log.Warn().Str("from", string(from)).Str("actor", actor).Msg("Emergency restored, trading enabled")
	return true, nil
}

func (c *Controller) requireOwner(actor string) error {
	if _, ok := c.owners[actor]; !ok {
		return ErrNotOwner
	}
	return nil
}

func (c *Controller) cooldownWindow() time.Duration {
	if c.cfg.CooldownMinutes > 0 {
		return time.Duration(c.cfg.CooldownMinutes) * time.Minute
	}
	return DefaultCooldown
}

// hedgeAll opens a counter-position for every open position on every
// profile. Failures are logged and skipped; a partial hedge is better than
// none.
func (c *Controller) hedgeAll(ctx context.Context, episode *provenance.Builder) {
	for _, profileID := range c.pool.Profiles() {
		open, err := c.positions.ListOpen(ctx, profileID)
		if err != nil || len(open) == 0 {
			continue
		}

		lease, err := c.pool.Acquire(ctx, profileID, false)
		if err != nil {
			log.Error().Err(err).Str("profile_id", profileID).Msg("Panic hedge could not acquire session")
			continue
		}

		hedged := make([]string, 0, len(open))
		for _, pos := range open {
			result, err := lease.Broker().SubmitOrder(ctx, broker.OrderRequest{
				ClientToken: "hedge-" + pos.Ticket,
				ProfileID:   profileID,
				Symbol:      pos.Symbol,
				Side:        pos.Side.Opposite(),
				Kind:        broker.OrderMarket,
				Volume:      pos.Volume,
			})
			if err != nil {
				log.Error().Err(err).Str("ticket", pos.Ticket).Msg("Panic hedge order failed")
				continue
			}
			hedged = append(hedged, result.Ticket)

			if err := c.positions.ApplyOpen(ctx, &broker.Position{
				Ticket:        result.Ticket,
				ProfileID:     profileID,
				Symbol:        result.Symbol,
				Side:          result.Side,
				Volume:        result.Volume,
				EntryPrice:    result.FillPrice,
				CurrentPrice:  result.FillPrice,
				OriginChainID: episode.Chain().ID,
				OpenedAt:      result.FilledAt,
			}); err != nil {
				log.Error().Err(err).Str("ticket", result.Ticket).Msg("Hedge position could not be applied to local view")
			}
		}
		lease.Release()

		node := episode.Append(provenance.NodeEmergencyPanicHedge, Source,
			map[string]interface{}{"profile_id": profileID, "action": "hedge_all"},
			map[string]interface{}{"hedged": len(hedged), "tickets": hedged},
			fmt.Sprintf("hedged %d open positions", len(hedged)))
		if err := c.audit.AppendNode(ctx, node); err != nil {
			log.Error().Err(err).Msg("Failed to record panic hedge node")
		}
	}
}

// closeAll flattens every profile
func (c *Controller) closeAll(ctx context.Context, episode *provenance.Builder) {
	for _, profileID := range c.pool.Profiles() {
		open, err := c.positions.ListOpen(ctx, profileID)
		if err != nil || len(open) == 0 {
			continue
		}

		lease, err := c.pool.Acquire(ctx, profileID, false)
		if err != nil {
			log.Error().Err(err).Str("profile_id", profileID).Msg("Kill switch could not acquire session")
			continue
		}

		closed := make([]string, 0, len(open))
		for _, pos := range open {
			result, err := lease.Broker().ClosePosition(ctx, pos.Ticket)
			if err != nil {
				log.Error().Err(err).Str("ticket", pos.Ticket).Msg("Kill switch close failed")
				continue
			}
			closed = append(closed, pos.Ticket)
			if err := c.positions.ApplyClose(ctx, profileID, pos.Ticket, result.ClosePrice, result.RealizedPnL, result.ClosedAt); err != nil {
				log.Error().Err(err).Str("ticket", pos.Ticket).Msg("Closed position could not be applied to local view")
			}
		}
		lease.Release()

		node := episode.Append(provenance.NodePositionClosed, Source,
			map[string]interface{}{"profile_id": profileID, "action": "close_all"},
			map[string]interface{}{"closed": len(closed), "tickets": closed},
			fmt.Sprintf("kill switch closed %d positions", len(closed)))
		if err := c.audit.AppendNode(ctx, node); err != nil {
			log.Error().Err(err).Msg("Failed to record kill switch node")
		}
	}
}

// cancelLimits cancels every resting limit order
func (c *Controller) cancelLimits(ctx context.Context, episode *provenance.Builder) {
	for _, profileID := range c.pool.Profiles() {
		lease, err := c.pool.Acquire(ctx, profileID, false)
		if err != nil {
			log.Error().Err(err).Str("profile_id", profileID).Msg("Limit cancel could not acquire session")
			continue
		}
		n, err := lease.Broker().CancelLimitOrders(ctx)
		lease.Release()
		if err != nil {
			log.Error().Err(err).Str("profile_id", profileID).Msg("Limit cancel failed")
			continue
		}

		node := episode.Append(provenance.NodeEmergencyPanicHedge, Source,
			map[string]interface{}{"profile_id": profileID, "action": "cancel_limit_orders"},
			map[string]interface{}{"canceled": n},
			fmt.Sprintf("canceled %d resting limit orders", n))
		if err := c.audit.AppendNode(ctx, node); err != nil {
			log.Error().Err(err).Msg("Failed to record limit cancel node")
		}
	}
}
