package provenance

import (
	"time"

	"github.com/google/uuid"
)

// Builder appends nodes to a single chain. It is not safe for concurrent
// use: the pipeline worker that owns a signal's chain context is the only
// writer, which is what keeps node order causal without locking.
type Builder struct {
	chain *Chain
}

// NewBuilder wraps a chain for appending
func NewBuilder(chain *Chain) *Builder {
	return &Builder{chain: chain}
}

// Chain returns the underlying chain
func (b *Builder) Chain() *Chain {
	return b.chain
}

// Append creates, hashes and attaches the next node. The parent hash is
// copied into the node's input under "parent_hash" before hashing so the
// linkage is part of the signed content. Input and output maps are copied;
// callers may reuse theirs.
func (b *Builder) Append(nodeType NodeType, source string, input, output map[string]interface{}, rationale string) *Node {
	return b.append(nodeType, source, input, output, rationale, nil)
}

// AppendWithConfidence is Append for nodes that carry a model confidence
func (b *Builder) AppendWithConfidence(nodeType NodeType, source string, input, output map[string]interface{}, rationale string, confidence float64) *Node {
	return b.append(nodeType, source, input, output, rationale, &confidence)
}

func (b *Builder) append(nodeType NodeType, source string, input, output map[string]interface{}, rationale string, confidence *float64) *Node {
	parentID := ""
	parentHash := ""
	if last := b.chain.Last(); last != nil {
		parentID = last.ID
		parentHash = last.Hash
	}

	in := copySnapshot(input)
	in["parent_hash"] = parentHash
	out := copySnapshot(output)

	now := time.Now()
	node := &Node{
		ID:          uuid.New().String(),
		ChainID:     b.chain.ID,
		ParentID:    parentID,
		Seq:         len(b.chain.Nodes),
		Type:        nodeType,
		Source:      source,
		TimestampNS: now.UnixNano(),
		Input:       in,
		Output:      out,
		Rationale:   rationale,
		Confidence:  confidence,
	}
	node.Hash = HashNode(node.Type, parentHash, node.Input, node.Output, node.TimestampNS)

	b.chain.Nodes = append(b.chain.Nodes, node)
	return node
}

// Seal marks the chain terminal with an outcome and records the root hash.
// Sealing an already sealed chain is a no-op so a late pipeline stage cannot
// overwrite the first terminal decision.
func (b *Builder) Seal(outcome Outcome) {
	if b.chain.Sealed() {
		return
	}
	now := time.Now().UTC()
	b.chain.Outcome = outcome
	b.chain.SealedAt = &now
	if last := b.chain.Last(); last != nil {
		b.chain.RootHash = last.Hash
	}
}

func copySnapshot(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
