// Package provenance constructs and verifies decision chains: the
// append-only, hash-linked record of every step taken while processing one
// signal. A chain is created when a signal is admitted, grows one node per
// decision, and is sealed with a terminal outcome.
package provenance

import (
	"time"

	"github.com/google/uuid"
)

// NodeType enumerates every decision step the gateway records
type NodeType string

const (
	NodeSignalReceived  NodeType = "signal.received"
	NodeSignalRejected  NodeType = "signal.rejected"
	NodeSignalDuplicate NodeType = "signal.duplicate"
	NodeGatePassed      NodeType = "gate.passed"
	NodeGateBlocked     NodeType = "gate.blocked"
	NodeGateRateLimited NodeType = "gate.rate_limited"
	NodeRiskApproved    NodeType = "risk.approved"
	NodeRiskReduced     NodeType = "risk.reduced"
	NodeRiskRejected    NodeType = "risk.rejected"
	NodePositionOpened    NodeType = "position.opened"
	NodePositionClosed    NodeType = "position.closed"
	NodePipelineTimeout   NodeType = "pipeline.timeout"
	NodePipelinePreempted NodeType = "pipeline.preempted"

	NodeExecutionFailed       NodeType = "execution.failed"
	NodeExecutionRejected     NodeType = "execution.rejected"
	NodeExecutionMarketClosed NodeType = "execution.market_closed"
	NodeExecutionReconciled   NodeType = "execution.reconciled"
	NodeExecutionSlice        NodeType = "execution.slice"

	NodeEmergencyActivated  NodeType = "emergency.activated"
	NodeEmergencyPanicHedge NodeType = "emergency.panic_hedge"
	NodeEmergencyRestored   NodeType = "emergency.restored"

	NodePositionReconciled NodeType = "position.reconciled"
	NodeBrokerUnreachable  NodeType = "broker.unreachable"
)

// GenesisType reports whether a node type may open a chain. Signal chains
// always open with signal.received; system chains (emergency transitions,
// broker reconciliation) open with their own event.
func GenesisType(t NodeType) bool {
	switch t {
	case NodeSignalReceived, NodeEmergencyActivated, NodePositionReconciled, NodeBrokerUnreachable:
		return true
	}
	return false
}

// Outcome is the terminal state of a sealed chain
type Outcome string

const (
	OutcomePending    Outcome = "pending"
	OutcomeExecuted   Outcome = "executed"
	OutcomeRejected   Outcome = "rejected"
	OutcomeBlocked    Outcome = "blocked"
	OutcomeOverridden Outcome = "overridden"
)

// Node is one immutable decision step. Input always carries the parent's
// hash under "parent_hash" so the linkage is part of the hashed content,
// not only of the storage layout.
type Node struct {
	ID          string                 `json:"id"`
	ChainID     string                 `json:"chain_id"`
	ParentID    string                 `json:"parent_id,omitempty"`
	Seq         int                    `json:"seq"`
	Type        NodeType               `json:"type"`
	Source      string                 `json:"source"`
	TimestampNS int64                  `json:"timestamp_ns"`
	Input       map[string]interface{} `json:"input"`
	Output      map[string]interface{} `json:"output"`
	Rationale   string                 `json:"rationale"`
	Confidence  *float64               `json:"confidence,omitempty"`
	Hash        string                 `json:"hash"`
}

// ParentHash returns the parent hash recorded in the node's input
func (n *Node) ParentHash() string {
	if n.Input == nil {
		return ""
	}
	if ph, ok := n.Input["parent_hash"].(string); ok {
		return ph
	}
	return ""
}

// Chain is the ordered decision record for one signal
type Chain struct {
	ID        string     `json:"id"`
	SignalID  string     `json:"signal_id"`
	ProfileID string     `json:"profile_id"`
	Outcome   Outcome    `json:"outcome"`
	RootHash  string     `json:"root_hash,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	SealedAt  *time.Time `json:"sealed_at,omitempty"`
	Nodes     []*Node    `json:"nodes"`
}

// NewChain allocates an empty chain for a signal
func NewChain(signalID, profileID string) *Chain {
	return &Chain{
		ID:        uuid.New().String(),
		SignalID:  signalID,
		ProfileID: profileID,
		Outcome:   OutcomePending,
		CreatedAt: time.Now().UTC(),
		Nodes:     make([]*Node, 0, 4),
	}
}

// NewSystemChain allocates a chain for an event that did not originate from
// a producer signal (emergency transitions, reconciliation sweeps). The
// synthetic signal id keeps the (profile, signal) uniqueness invariant.
func NewSystemChain(kind, profileID string) *Chain {
	id := uuid.New().String()
	return &Chain{
		ID:        id,
		SignalID:  kind + ":" + id,
		ProfileID: profileID,
		Outcome:   OutcomePending,
		CreatedAt: time.Now().UTC(),
		Nodes:     make([]*Node, 0, 4),
	}
}

// Sealed reports whether the chain has reached a terminal outcome
func (c *Chain) Sealed() bool {
	return c.SealedAt != nil
}

// Last returns the most recent node, or nil for an empty chain
func (c *Chain) Last() *Node {
	if len(c.Nodes) == 0 {
		return nil
	}
	return c.Nodes[len(c.Nodes)-1]
}

// NodeTypes returns the chain's node types in append order
func (c *Chain) NodeTypes() []NodeType {
	types := make([]NodeType, len(c.Nodes))
	for i, n := range c.Nodes {
		types[i] = n.Type
	}
	return types
}
