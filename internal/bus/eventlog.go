package bus

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/tradegate/internal/audit"
	"github.com/ajitpratap0/tradegate/internal/provenance"
)

// EventLog decorates an audit log with decision-event publishing: every
// successfully persisted node and seal also goes out on the bus. Publishing
// is best-effort; the audit store stays authoritative and a bus outage
// never fails a pipeline write.
type EventLog struct {
	inner audit.Log
	bus   *Bus

	mu       sync.Mutex
	profiles map[string]string // chain id -> profile id
}

// NewEventLog wraps an audit log with event fan-out
func NewEventLog(inner audit.Log, bus *Bus) *EventLog {
	return &EventLog{
		inner:    inner,
		bus:      bus,
		profiles: make(map[string]string),
	}
}

// CreateChain registers the chain's profile for event routing
func (l *EventLog) CreateChain(ctx context.Context, chain *provenance.Chain) error {
	if err := l.inner.CreateChain(ctx, chain); err != nil {
		return err
	}
	l.mu.Lock()
	l.profiles[chain.ID] = chain.ProfileID
	l.mu.Unlock()
	return nil
}

// AppendNode persists the node, then publishes it
func (l *EventLog) AppendNode(ctx context.Context, node *provenance.Node) error {
	if err := l.inner.AppendNode(ctx, node); err != nil {
		return err
	}

	l.mu.Lock()
	profileID, ok := l.profiles[node.ChainID]
	l.mu.Unlock()
	if !ok {
		// Chain predates this process; the node is persisted, only the
		// live event is lost
		log.Debug().Str("chain_id", node.ChainID).Msg("No profile routing for chain, skipping decision event")
		return nil
	}

	if err := l.bus.PublishDecision(profileID, node); err != nil {
		log.Warn().Err(err).
			Str("chain_id", node.ChainID).
			Str("node_type", string(node.Type)).
			Msg("Failed to publish decision event")
	}
	return nil
}

// SealChain persists the seal, publishes it, and drops the routing entry
func (l *EventLog) SealChain(ctx context.Context, chain *provenance.Chain) error {
	if err := l.inner.SealChain(ctx, chain); err != nil {
		return err
	}

	if err := l.bus.PublishSealed(chain); err != nil {
		log.Warn().Err(err).Str("chain_id", chain.ID).Msg("Failed to publish sealed event")
	}

	l.mu.Lock()
	delete(l.profiles, chain.ID)
	l.mu.Unlock()
	return nil
}

// GetChain delegates to the wrapped log
func (l *EventLog) GetChain(ctx context.Context, chainID string) (*provenance.Chain, error) {
	return l.inner.GetChain(ctx, chainID)
}

// GetChainBySignal delegates to the wrapped log
func (l *EventLog) GetChainBySignal(ctx context.Context, profileID, signalID string) (*provenance.Chain, error) {
	return l.inner.GetChainBySignal(ctx, profileID, signalID)
}

// Query delegates to the wrapped log
func (l *EventLog) Query(ctx context.Context, filter *provenance.Filter) (*provenance.Page, error) {
	return l.inner.Query(ctx, filter)
}
