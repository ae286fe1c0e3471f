package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tradegate/internal/audit"
	"github.com/ajitpratap0/tradegate/internal/broker"
	"github.com/ajitpratap0/tradegate/internal/provenance"
)

func queryChains(t *testing.T, mem *audit.Memory, filter *provenance.Filter) []*provenance.Chain {
	t.Helper()
	page, err := mem.Query(context.Background(), filter)
	require.NoError(t, err)
	chains := make([]*provenance.Chain, 0, len(page.ChainIDs))
	for _, id := range page.ChainIDs {
		chain, err := mem.GetChain(context.Background(), id)
		require.NoError(t, err)
		chains = append(chains, chain)
	}
	return chains
}

func TestObserverReconciledWritesSealedChain(t *testing.T) {
	mem := audit.NewMemory()
	o := NewBrokerObserver(mem)

	o.Reconciled("prof-1", []broker.Change{
		{Kind: broker.ChangeRemoved, Ticket: "T-1"},
		{Kind: broker.ChangeUpdated, Ticket: "T-2"},
	})

	chains := queryChains(t, mem, &provenance.Filter{
		NodeTypes: []provenance.NodeType{provenance.NodePositionReconciled},
	})
	require.Len(t, chains, 1)

	chain := chains[0]
	assert.Equal(t, "prof-1", chain.ProfileID)
	assert.Equal(t, provenance.OutcomeExecuted, chain.Outcome)
	require.NotNil(t, chain.SealedAt)

	require.Len(t, chain.Nodes, 1)
	node := chain.Nodes[0]
	assert.Equal(t, provenance.NodePositionReconciled, node.Type)
	assert.EqualValues(t, 1, node.Output["removed"])
	assert.EqualValues(t, 1, node.Output["updated"])
	assert.EqualValues(t, 0, node.Output["added"])
}

func TestObserverReconciledCleanSweepNotRecorded(t *testing.T) {
	mem := audit.NewMemory()
	o := NewBrokerObserver(mem)

	o.Reconciled("prof-1", nil)

	page, err := mem.Query(context.Background(), &provenance.Filter{})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
}

func TestObserverUnreachableOpensPendingChain(t *testing.T) {
	mem := audit.NewMemory()
	o := NewBrokerObserver(mem)

	o.Unreachable("prof-2", 5)

	chains := queryChains(t, mem, &provenance.Filter{
		NodeTypes: []provenance.NodeType{provenance.NodeBrokerUnreachable},
	})
	require.Len(t, chains, 1)

	chain := chains[0]
	assert.Equal(t, "prof-2", chain.ProfileID)
	assert.Equal(t, provenance.OutcomePending, chain.Outcome)
	assert.Nil(t, chain.SealedAt)

	require.Len(t, chain.Nodes, 1)
	node := chain.Nodes[0]
	assert.EqualValues(t, 5, node.Input["attempts"])
	assert.Equal(t, "manual_intervention_required", node.Output["action"])
}

func TestObserverSessionTransition(t *testing.T) {
	o := NewBrokerObserver(audit.NewMemory())

	o.SessionTransition(broker.Transition{
		ProfileID: "prof-1",
		From:      broker.StateConnecting,
		To:        broker.StateHealthy,
		Reason:    "connected",
	})
	o.SessionTransition(broker.Transition{
		ProfileID: "prof-1",
		From:      broker.StateHealthy,
		To:        broker.StateDegraded,
		Reason:    "missed_heartbeats",
		Attempts:  3,
	})

	o.mu.Lock()
	defer o.mu.Unlock()
	assert.Equal(t, broker.StateDegraded, o.states["prof-1"])
}
