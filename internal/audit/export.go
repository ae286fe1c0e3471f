package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/tradegate/internal/broker"
	"github.com/ajitpratap0/tradegate/internal/provenance"
)

// PositionLoader resolves the positions referenced by a set of chains.
// The db package implements it; export stays decoupled from SQL.
type PositionLoader interface {
	ListByChainIDs(ctx context.Context, chainIDs []string) ([]*broker.Position, error)
}

// Bundle is one audit export: the chains in a time range, every position
// they reference, and a manifest proving what the bundle contains.
type Bundle struct {
	Chains    []*provenance.Chain `json:"chains"`
	Positions []*broker.Position  `json:"positions"`
	Manifest  provenance.Manifest `json:"manifest"`
}

// Exporter builds audit bundles from the decision log
type Exporter struct {
	log       Log
	positions PositionLoader
}

// NewExporter creates an exporter. positions may be nil when the caller
// only needs chains and integrity results.
func NewExporter(auditLog Log, positions PositionLoader) *Exporter {
	return &Exporter{log: auditLog, positions: positions}
}

// Export collects every chain sealed in [from, to], verifies each one, and
// assembles the bundle. The bundle hash is SHA-256 over the concatenated
// root hashes in chronological seal order, so two exports of the same range
// are byte-comparable.
func (e *Exporter) Export(ctx context.Context, from, to time.Time) (*Bundle, error) {
	chains, err := e.collectChains(ctx, from, to)
	if err != nil {
		return nil, err
	}

	bundle := &Bundle{
		Chains: chains,
		Manifest: provenance.Manifest{
			ChainCount:   len(chains),
			GeneratedAt:  time.Now().UTC(),
			IntegrityOK:  true,
			ChainReports: make([]provenance.VerifyResult, 0, len(chains)),
		},
	}

	hasher := sha256.New()
	chainIDs := make([]string, 0, len(chains))
	for _, chain := range chains {
		result := provenance.Verify(chain)
		bundle.Manifest.ChainReports = append(bundle.Manifest.ChainReports, result)
		if !result.Valid {
			bundle.Manifest.IntegrityOK = false
			log.Error().
				Str("chain_id", chain.ID).
				Strs("errors", result.Errors).
				Msg("Chain failed integrity verification during export")
		}
		hasher.Write([]byte(chain.RootHash))
		chainIDs = append(chainIDs, chain.ID)
	}
	bundle.Manifest.BundleHash = hex.EncodeToString(hasher.Sum(nil))

	if e.positions != nil && len(chainIDs) > 0 {
		positions, err := e.positions.ListByChainIDs(ctx, chainIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to load referenced positions: %w", err)
		}
		bundle.Positions = positions
	}

	return bundle, nil
}

func (e *Exporter) collectChains(ctx context.Context, from, to time.Time) ([]*provenance.Chain, error) {
	chains := []*provenance.Chain{}
	offset := 0

	for {
		page, err := e.log.Query(ctx, &provenance.Filter{
			From:   from,
			To:     to,
			Limit:  provenance.MaxQueryLimit,
			Offset: offset,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to query chains for export: %w", err)
		}

		for _, id := range page.ChainIDs {
			chain, err := e.log.GetChain(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("failed to load chain %s: %w", id, err)
			}
			chains = append(chains, chain)
		}

		offset += len(page.ChainIDs)
		if offset >= page.Total || len(page.ChainIDs) == 0 {
			break
		}
	}

	return chains, nil
}
