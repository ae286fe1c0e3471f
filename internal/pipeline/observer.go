package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/tradegate/internal/alerts"
	"github.com/ajitpratap0/tradegate/internal/audit"
	"github.com/ajitpratap0/tradegate/internal/broker"
	"github.com/ajitpratap0/tradegate/internal/metrics"
	"github.com/ajitpratap0/tradegate/internal/provenance"
)

// observerSource is the actor name pool-event chains carry
const observerSource = "broker_pool"

// observerTimeout bounds the audit writes done from pool callbacks
const observerTimeout = 5 * time.Second

// BrokerObserver receives the pool's session and reconciliation events and
// turns them into audit chains, metrics and operator alerts. A
// reconciliation sweep seals an executed system chain; an exhausted
// reconnect opens a chain that stays pending until an operator steps in.
type BrokerObserver struct {
	audit audit.Log

	mu     sync.Mutex
	states map[string]broker.SessionState
}

// NewBrokerObserver creates the pool observer writing through auditLog
func NewBrokerObserver(auditLog audit.Log) *BrokerObserver {
	return &BrokerObserver{
		audit:  auditLog,
		states: make(map[string]broker.SessionState),
	}
}

// SessionTransition records the session state change and refreshes the
// per-state session gauge
func (o *BrokerObserver) SessionTransition(t broker.Transition) {
	o.mu.Lock()
	o.states[t.ProfileID] = t.To
	counts := make(map[broker.SessionState]int, 4)
	for _, st := range o.states {
		counts[st]++
	}
	o.mu.Unlock()

	for _, st := range []broker.SessionState{
		broker.StateDisconnected,
		broker.StateConnecting,
		broker.StateHealthy,
		broker.StateDegraded,
	} {
		metrics.SetBrokerSessions(st.String(), counts[st])
	}

	log.Info().
		Str("profile_id", t.ProfileID).
		Str("from", t.From.String()).
		Str("to", t.To.String()).
		Str("reason", t.Reason).
		Int("attempts", t.Attempts).
		Msg("Broker session transition")
}

// Reconciled writes a sealed system chain adopting the broker's position
// report. Sweeps that found no drift are not recorded.
func (o *BrokerObserver) Reconciled(profileID string, changes []broker.Change) {
	if len(changes) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), observerTimeout)
	defer cancel()

	var added, removed, updated int
	for _, ch := range changes {
		switch ch.Kind {
		case broker.ChangeAdded:
			added++
		case broker.ChangeRemoved:
			removed++
		case broker.ChangeUpdated:
			updated++
		}
	}

	builder := provenance.NewBuilder(provenance.NewSystemChain("reconcile", profileID))
	if err := o.audit.CreateChain(ctx, builder.Chain()); err != nil {
		log.Error().Err(err).Str("profile_id", profileID).Msg("Failed to open reconciliation chain")
		return
	}

	input := map[string]interface{}{
		"profile_id":   profileID,
		"change_count": len(changes),
	}
	output := map[string]interface{}{
		"changes": changes,
		"added":   added,
		"removed": removed,
		"updated": updated,
	}
	node := builder.Append(provenance.NodePositionReconciled, observerSource,
		input, output, "broker position report adopted as authoritative")
	if err := o.audit.AppendNode(ctx, node); err != nil {
		log.Error().Err(err).Str("profile_id", profileID).Msg("Failed to record reconciliation")
		return
	}

	builder.Seal(provenance.OutcomeExecuted)
	if err := o.audit.SealChain(ctx, builder.Chain()); err != nil {
		log.Error().Err(err).Str("profile_id", profileID).Msg("Failed to seal reconciliation chain")
		return
	}

	log.Warn().
		Str("profile_id", profileID).
		Int("added", added).
		Int("removed", removed).
		Int("updated", updated).
		Msg("Position drift reconciled against broker report")
}

// Unreachable opens a pending chain for a session whose reconnect budget is
// exhausted and alerts the operators. The chain is sealed out of band once
// someone restores the session.
func (o *BrokerObserver) Unreachable(profileID string, attempts int) {
	ctx, cancel := context.WithTimeout(context.Background(), observerTimeout)
	defer cancel()

	builder := provenance.NewBuilder(provenance.NewSystemChain("broker-unreachable", profileID))
	if err := o.audit.CreateChain(ctx, builder.Chain()); err != nil {
		log.Error().Err(err).Str("profile_id", profileID).Msg("Failed to open broker-unreachable chain")
	} else {
		input := map[string]interface{}{
			"profile_id": profileID,
			"attempts":   attempts,
		}
		output := map[string]interface{}{
			"action": "manual_intervention_required",
		}
		node := builder.Append(provenance.NodeBrokerUnreachable, observerSource,
			input, output, "reconnect budget exhausted, session parked")
		if err := o.audit.AppendNode(ctx, node); err != nil {
			log.Error().Err(err).Str("profile_id", profileID).Msg("Failed to record broker-unreachable")
		}
	}

	err := fmt.Errorf("reconnect budget exhausted after %d attempts", attempts)
	alerts.AlertBrokerUnreachable(ctx, profileID, err)

	log.Error().
		Str("profile_id", profileID).
		Int("attempts", attempts).
		Msg("Broker unreachable, manual intervention required")
}
