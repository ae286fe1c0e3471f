package provenance

import (
	"fmt"
)

// VerifyResult reports the integrity of one chain
type VerifyResult struct {
	ChainID string   `json:"chain_id"`
	Valid   bool     `json:"valid"`
	Errors  []string `json:"errors,omitempty"`
}

// Verify recomputes every node hash and checks the parent linkage of a
// chain. A chain is valid iff each recomputed hash equals the stored hash,
// each node's recorded parent hash equals the prior node's hash, sequence
// numbers are dense from zero, and the sealed root hash matches the last
// node. Missing, reordered or altered nodes all surface as mismatches.
func Verify(chain *Chain) VerifyResult {
	result := VerifyResult{ChainID: chain.ID, Valid: true}
	fail := func(format string, args ...interface{}) {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf(format, args...))
	}

	if len(chain.Nodes) == 0 {
		fail("chain has no nodes")
		return result
	}

	if !GenesisType(chain.Nodes[0].Type) {
		fail("first node %s cannot open a chain", chain.Nodes[0].Type)
	}

	prevHash := ""
	prevID := ""
	for i, node := range chain.Nodes {
		if node.Seq != i {
			fail("node %d: seq %d out of order", i, node.Seq)
		}
		if node.ParentID != prevID {
			fail("node %d: parent_id %q does not reference prior node %q", i, node.ParentID, prevID)
		}
		if node.ParentHash() != prevHash {
			fail("node %d: recorded parent_hash does not match prior node hash", i)
		}

		recomputed := HashNode(node.Type, node.ParentHash(), node.Input, node.Output, node.TimestampNS)
		if recomputed != node.Hash {
			fail("node %d (%s): stored hash does not match content", i, node.Type)
		}

		prevHash = node.Hash
		prevID = node.ID
	}

	if chain.Sealed() && chain.RootHash != prevHash {
		fail("root_hash does not match last node hash")
	}

	return result
}
