package provenance

import "time"

// Filter selects chains on the audit query surface. Zero values mean
// "no constraint". Results are stable-ordered by chain seal time.
type Filter struct {
	From      time.Time  `json:"from,omitempty"`
	To        time.Time  `json:"to,omitempty"`
	ProfileID string     `json:"profile_id,omitempty"`
	Outcomes  []Outcome  `json:"outcomes,omitempty"`
	NodeTypes []NodeType `json:"node_types,omitempty"`
	Actor     string     `json:"actor,omitempty"`
	Limit     int        `json:"limit,omitempty"`
	Offset    int        `json:"offset,omitempty"`
}

// DefaultQueryLimit bounds a query page when the caller does not
const DefaultQueryLimit = 100

// MaxQueryLimit caps a single query page
const MaxQueryLimit = 1000

// Normalize clamps paging to sane bounds
func (f *Filter) Normalize() {
	if f.Limit <= 0 {
		f.Limit = DefaultQueryLimit
	}
	if f.Limit > MaxQueryLimit {
		f.Limit = MaxQueryLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

// Page is one page of chain ids matching a filter
type Page struct {
	ChainIDs []string `json:"chain_ids"`
	Total    int      `json:"total"`
	Limit    int      `json:"limit"`
	Offset   int      `json:"offset"`
}

// Manifest summarizes an export bundle: how many chains it holds, the hash
// of their concatenated root hashes in chronological seal order, and the
// per-chain integrity report.
type Manifest struct {
	ChainCount   int            `json:"chain_count"`
	BundleHash   string         `json:"bundle_hash"`
	GeneratedAt  time.Time      `json:"generated_at"`
	IntegrityOK  bool           `json:"integrity_ok"`
	ChainReports []VerifyResult `json:"chain_reports"`
}
