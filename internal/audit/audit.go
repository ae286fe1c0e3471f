// Package audit persists decision chains: the append-only record every
// pipeline stage writes before handing a signal off. Chains and nodes are
// write-once; sealing a chain records its terminal outcome and root hash.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/tradegate/internal/metrics"
	"github.com/ajitpratap0/tradegate/internal/provenance"
)

// ErrChainNotFound is returned when a chain id or signal key is unknown
var ErrChainNotFound = errors.New("audit: chain not found")

// Log is the decision-trail surface the pipeline writes through and the
// query surfaces read through. Store implements it on Postgres; Memory
// implements it for tests and dry runs.
type Log interface {
	CreateChain(ctx context.Context, chain *provenance.Chain) error
	AppendNode(ctx context.Context, node *provenance.Node) error
	SealChain(ctx context.Context, chain *provenance.Chain) error
	GetChain(ctx context.Context, chainID string) (*provenance.Chain, error)
	GetChainBySignal(ctx context.Context, profileID, signalID string) (*provenance.Chain, error)
	Query(ctx context.Context, filter *provenance.Filter) (*provenance.Page, error)
}

// PoolInterface defines the database pool operations the store needs.
// pgxpool.Pool and pgxmock both satisfy it.
type PoolInterface interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Store is the Postgres-backed decision log
type Store struct {
	db PoolInterface
}

// NewStore creates a decision log on a connection pool
func NewStore(db PoolInterface) *Store {
	return &Store{db: db}
}

// CreateChain inserts the chain header. The (profile_id, signal_id) unique
// constraint is the durable idempotency backstop behind the Redis cache.
func (s *Store) CreateChain(ctx context.Context, chain *provenance.Chain) error {
	query := `
		INSERT INTO decision_chains (chain_id, profile_id, signal_id, outcome, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.db.Exec(ctx, query,
		chain.ID, chain.ProfileID, chain.SignalID, string(chain.Outcome), chain.CreatedAt)
	if err != nil {
		log.Error().Err(err).
			Str("chain_id", chain.ID).
			Str("signal_id", chain.SignalID).
			Msg("Failed to create decision chain")
		return fmt.Errorf("failed to create decision chain: %w", err)
	}
	return nil
}

// AppendNode persists one decision node. Nodes are immutable; there is no
// update path.
func (s *Store) AppendNode(ctx context.Context, node *provenance.Node) error {
	start := time.Now()

	inputJSON, err := json.Marshal(node.Input)
	if err != nil {
		return fmt.Errorf("failed to marshal node input: %w", err)
	}
	outputJSON, err := json.Marshal(node.Output)
	if err != nil {
		return fmt.Errorf("failed to marshal node output: %w", err)
	}

	query := `
		INSERT INTO decision_nodes (
			id, chain_id, parent_id, seq, node_type, source, timestamp_ns,
			input, output, rationale, confidence, hash
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	var parentID interface{}
	if node.ParentID != "" {
		parentID = node.ParentID
	}

	_, err = s.db.Exec(ctx, query,
		node.ID, node.ChainID, parentID, node.Seq, string(node.Type), node.Source,
		node.TimestampNS, inputJSON, outputJSON, node.Rationale, node.Confidence, node.Hash)

	durationMs := float64(time.Since(start).Milliseconds())
	if err != nil {
		metrics.RecordDecisionNode(string(node.Type), false, durationMs)
		log.Error().Err(err).
			Str("chain_id", node.ChainID).
			Str("node_type", string(node.Type)).
			Msg("Failed to append decision node")
		return fmt.Errorf("failed to append decision node: %w", err)
	}

	metrics.RecordDecisionNode(string(node.Type), true, durationMs)
	return nil
}

// SealChain records the terminal outcome, root hash and duration
func (s *Store) SealChain(ctx context.Context, chain *provenance.Chain) error {
	if !chain.Sealed() {
		return fmt.Errorf("chain %s is not sealed", chain.ID)
	}

	durationMs := chain.SealedAt.Sub(chain.CreatedAt).Milliseconds()
	query := `
		UPDATE decision_chains
		SET outcome = $2, root_hash = $3, sealed_at = $4, duration_ms = $5
		WHERE chain_id = $1 AND sealed_at IS NULL
	`
	tag, err := s.db.Exec(ctx, query,
		chain.ID, string(chain.Outcome), chain.RootHash, *chain.SealedAt, durationMs)
	if err != nil {
		return fmt.Errorf("failed to seal chain %s: %w", chain.ID, err)
	}
	if tag.RowsAffected() == 0 {
		// Already sealed; the first terminal decision wins
		log.Warn().Str("chain_id", chain.ID).Msg("Chain already sealed, ignoring reseal")
		return nil
	}

	metrics.RecordChainSealed(string(chain.Outcome))
	return nil
}

// GetChain loads a chain with its nodes in sequence order
func (s *Store) GetChain(ctx context.Context, chainID string) (*provenance.Chain, error) {
	return s.loadChain(ctx, `WHERE chain_id = $1`, chainID)
}

// GetChainBySignal loads a chain by its idempotency key
func (s *Store) GetChainBySignal(ctx context.Context, profileID, signalID string) (*provenance.Chain, error) {
	return s.loadChain(ctx, `WHERE profile_id = $1 AND signal_id = $2`, profileID, signalID)
}

func (s *Store) loadChain(ctx context.Context, where string, args ...interface{}) (*provenance.Chain, error) {
	query := `
		SELECT chain_id, profile_id, signal_id, outcome, COALESCE(root_hash, ''), created_at, sealed_at
		FROM decision_chains ` + where

	chain := &provenance.Chain{}
	var outcome string
	err := s.db.QueryRow(ctx, query, args...).Scan(
		&chain.ID, &chain.ProfileID, &chain.SignalID, &outcome,
		&chain.RootHash, &chain.CreatedAt, &chain.SealedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChainNotFound
		}
		return nil, fmt.Errorf("failed to load chain: %w", err)
	}
	chain.Outcome = provenance.Outcome(outcome)

	nodes, err := s.loadNodes(ctx, chain.ID)
	if err != nil {
		return nil, err
	}
	chain.Nodes = nodes
	return chain, nil
}

func (s *Store) loadNodes(ctx context.Context, chainID string) ([]*provenance.Node, error) {
	query := `
		SELECT id, chain_id, COALESCE(parent_id::text, ''), seq, node_type, source,
		       timestamp_ns, input, output, rationale, confidence, hash
		FROM decision_nodes
		WHERE chain_id = $1
		ORDER BY seq ASC
	`
	rows, err := s.db.Query(ctx, query, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to load chain nodes: %w", err)
	}
	defer rows.Close()

	nodes := []*provenance.Node{}
	for rows.Next() {
		node := &provenance.Node{}
		var nodeType string
		var inputJSON, outputJSON []byte

		err := rows.Scan(
			&node.ID, &node.ChainID, &node.ParentID, &node.Seq, &nodeType, &node.Source,
			&node.TimestampNS, &inputJSON, &outputJSON, &node.Rationale, &node.Confidence, &node.Hash)
		if err != nil {
			return nil, fmt.Errorf("failed to scan decision node: %w", err)
		}
		node.Type = provenance.NodeType(nodeType)

		if len(inputJSON) > 0 {
			if err := json.Unmarshal(inputJSON, &node.Input); err != nil {
				return nil, fmt.Errorf("failed to unmarshal node input: %w", err)
			}
		}
		if len(outputJSON) > 0 {
			if err := json.Unmarshal(outputJSON, &node.Output); err != nil {
				return nil, fmt.Errorf("failed to unmarshal node output: %w", err)
			}
		}

		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// Query returns a page of chain ids matching a filter, stable-ordered by
// seal time then chain id. Unsealed chains only match when the filter asks
// for the pending outcome.
func (s *Store) Query(ctx context.Context, filter *provenance.Filter) (*provenance.Page, error) {
	filter.Normalize()

	where := `WHERE 1=1`
	args := []interface{}{}

	if !filter.From.IsZero() {
		args = append(args, filter.From)
		where += fmt.Sprintf(` AND sealed_at >= $%d`, len(args))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		where += fmt.Sprintf(` AND sealed_at <= $%d`, len(args))
	}
	if filter.ProfileID != "" {
		args = append(args, filter.ProfileID)
		where += fmt.Sprintf(` AND profile_id = $%d`, len(args))
	}
	if len(filter.Outcomes) > 0 {
		outcomes := make([]string, len(filter.Outcomes))
		for i, o := range filter.Outcomes {
			outcomes[i] = string(o)
		}
		args = append(args, outcomes)
		where += fmt.Sprintf(` AND outcome = ANY($%d)`, len(args))
	}
	if len(filter.NodeTypes) > 0 {
		types := make([]string, len(filter.NodeTypes))
		for i, nt := range filter.NodeTypes {
			types[i] = string(nt)
		}
		args = append(args, types)
		where += fmt.Sprintf(` AND chain_id IN (SELECT chain_id FROM decision_nodes WHERE node_type = ANY($%d))`, len(args))
	}
	if filter.Actor != "" {
		args = append(args, filter.Actor)
		where += fmt.Sprintf(` AND chain_id IN (SELECT chain_id FROM decision_nodes WHERE source = $%d)`, len(args))
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM decision_chains ` + where
	if err := s.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count chains: %w", err)
	}

	args = append(args, filter.Limit)
	limitPos := len(args)
	args = append(args, filter.Offset)
	offsetPos := len(args)

	query := `SELECT chain_id FROM decision_chains ` + where +
		fmt.Sprintf(` ORDER BY sealed_at ASC NULLS LAST, chain_id ASC LIMIT $%d OFFSET $%d`, limitPos, offsetPos)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chains: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan chain id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &provenance.Page{
		ChainIDs: ids,
		Total:    total,
		Limit:    filter.Limit,
		Offset:   filter.Offset,
	}, nil
}
