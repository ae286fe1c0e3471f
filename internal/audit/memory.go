package audit

import (
	"context"
	"sort"
	"sync"

	"github.com/ajitpratap0/tradegate/internal/provenance"
)

// Memory is an in-process decision log. It backs tests and dry-run mode;
// semantics (idempotency key uniqueness, append-only nodes, first seal
// wins) match the Postgres store.
type Memory struct {
	mu       sync.RWMutex
	chains   map[string]*provenance.Chain // by chain id
	bySignal map[string]string            // profile|signal -> chain id
}

// NewMemory creates an empty in-memory decision log
func NewMemory() *Memory {
	return &Memory{
		chains:   make(map[string]*provenance.Chain),
		bySignal: make(map[string]string),
	}
}

func signalKey(profileID, signalID string) string {
	return profileID + "|" + signalID
}

// CreateChain registers a chain header
func (m *Memory) CreateChain(_ context.Context, chain *provenance.Chain) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := &provenance.Chain{
		ID:        chain.ID,
		SignalID:  chain.SignalID,
		ProfileID: chain.ProfileID,
		Outcome:   chain.Outcome,
		CreatedAt: chain.CreatedAt,
	}
	m.chains[chain.ID] = stored
	m.bySignal[signalKey(chain.ProfileID, chain.SignalID)] = chain.ID
	return nil
}

// AppendNode attaches a node to its chain
func (m *Memory) AppendNode(_ context.Context, node *provenance.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	chain, ok := m.chains[node.ChainID]
	if !ok {
		return ErrChainNotFound
	}
	copied := *node
	chain.Nodes = append(chain.Nodes, &copied)
	return nil
}

// SealChain records the terminal outcome; the first seal wins
func (m *Memory) SealChain(_ context.Context, chain *provenance.Chain) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.chains[chain.ID]
	if !ok {
		return ErrChainNotFound
	}
	if stored.Sealed() {
		return nil
	}
	stored.Outcome = chain.Outcome
	stored.RootHash = chain.RootHash
	stored.SealedAt = chain.SealedAt
	return nil
}

// GetChain returns a copy of a chain by id
func (m *Memory) GetChain(_ context.Context, chainID string) (*provenance.Chain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chain, ok := m.chains[chainID]
	if !ok {
		return nil, ErrChainNotFound
	}
	return copyChain(chain), nil
}

// GetChainBySignal returns a copy of a chain by idempotency key
func (m *Memory) GetChainBySignal(_ context.Context, profileID, signalID string) (*provenance.Chain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.bySignal[signalKey(profileID, signalID)]
	if !ok {
		return nil, ErrChainNotFound
	}
	return copyChain(m.chains[id]), nil
}

// Query filters chains, stable-ordered by seal time then chain id
func (m *Memory) Query(_ context.Context, filter *provenance.Filter) (*provenance.Page, error) {
	filter.Normalize()

	m.mu.RLock()
	matched := []*provenance.Chain{}
	for _, chain := range m.chains {
		if matchesFilter(chain, filter) {
			matched = append(matched, chain)
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		si, sj := matched[i].SealedAt, matched[j].SealedAt
		switch {
		case si == nil && sj == nil:
			return matched[i].ID < matched[j].ID
		case si == nil:
			return false
		case sj == nil:
			return true
		case si.Equal(*sj):
			return matched[i].ID < matched[j].ID
		default:
			return si.Before(*sj)
		}
	})

	total := len(matched)
	start := filter.Offset
	if start > total {
		start = total
	}
	end := start + filter.Limit
	if end > total {
		end = total
	}

	ids := make([]string, 0, end-start)
	for _, chain := range matched[start:end] {
		ids = append(ids, chain.ID)
	}
	return &provenance.Page{ChainIDs: ids, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

func matchesFilter(chain *provenance.Chain, filter *provenance.Filter) bool {
	if filter.ProfileID != "" && chain.ProfileID != filter.ProfileID {
		return false
	}
	if !filter.From.IsZero() && (chain.SealedAt == nil || chain.SealedAt.Before(filter.From)) {
		return false
	}
	if !filter.To.IsZero() && (chain.SealedAt == nil || chain.SealedAt.After(filter.To)) {
		return false
	}
	if len(filter.Outcomes) > 0 {
		found := false
		for _, o := range filter.Outcomes {
			if chain.Outcome == o {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(filter.NodeTypes) > 0 && !chainHasNodeType(chain, filter.NodeTypes) {
		return false
	}
	if filter.Actor != "" {
		found := false
		for _, n := range chain.Nodes {
			if n.Source == filter.Actor {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func chainHasNodeType(chain *provenance.Chain, types []provenance.NodeType) bool {
	for _, n := range chain.Nodes {
		for _, t := range types {
			if n.Type == t {
				return true
			}
		}
	}
	return false
}

func copyChain(chain *provenance.Chain) *provenance.Chain {
	out := *chain
	out.Nodes = make([]*provenance.Node, len(chain.Nodes))
	for i, n := range chain.Nodes {
		copied := *n
		out.Nodes[i] = &copied
	}
	return &out
}
