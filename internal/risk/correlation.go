package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"
)

// ReturnVectorDims is the dimensionality of the stored return vectors
const ReturnVectorDims = 64

// Tracker resolves the rolling correlation between two symbols
type Tracker interface {
	Correlation(ctx context.Context, a, b string) (float64, error)
}

// PoolInterface defines the database operations the tracker needs.
// pgxpool.Pool and pgxmock both satisfy it.
type PoolInterface interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// VectorTracker stores mean-centered, L2-normalized return vectors in
// Postgres. The cosine similarity of two stored vectors equals the Pearson
// correlation of the underlying return series, so the lookup is a single
// pgvector distance expression.
type VectorTracker struct {
	db PoolInterface
}

// NewVectorTracker creates a tracker on a connection pool
func NewVectorTracker(db PoolInterface) *VectorTracker {
	return &VectorTracker{db: db}
}

// UpsertReturns normalizes the most recent returns for a symbol and stores
// them as the symbol's correlation vector. Series with no variance cannot
// be normalized and are skipped.
func (t *VectorTracker) UpsertReturns(ctx context.Context, symbol string, returns []float64) error {
	vec, ok := normalizeReturns(returns)
	if !ok {
		log.Debug().Str("symbol", symbol).Msg("Return series has no variance, skipping vector update")
		return nil
	}

	query := `
		INSERT INTO symbol_returns (symbol, returns, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (symbol) DO UPDATE SET returns = EXCLUDED.returns, updated_at = NOW()
	`
	if _, err := t.db.Exec(ctx, query, symbol, pgvector.NewVector(vec)); err != nil {
		return fmt.Errorf("failed to upsert return vector for %s: %w", symbol, err)
	}
	return nil
}

// Correlation returns the Pearson correlation between two symbols' stored
// return vectors. A pair with no stored history correlates at 0 and never
// triggers the veto.
func (t *VectorTracker) Correlation(ctx context.Context, a, b string) (float64, error) {
	if a == b {
		return 1, nil
	}

	query := `
		SELECT 1 - (x.returns <=> y.returns)
		FROM symbol_returns x, symbol_returns y
		WHERE x.symbol = $1 AND y.symbol = $2
	`
	var rho float64
	err := t.db.QueryRow(ctx, query, a, b).Scan(&rho)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to query correlation %s/%s: %w", a, b, err)
	}

	// Floating point drift can push cosine similarity just outside [-1, 1]
	if rho > 1 {
		rho = 1
	}
	if rho < -1 {
		rho = -1
	}
	return rho, nil
}

// normalizeReturns mean-centers and L2-normalizes the most recent
// ReturnVectorDims entries. Shorter series are left-padded with zeros so
// every stored vector has the same dimensionality.
func normalizeReturns(returns []float64) ([]float32, bool) {
	if len(returns) > ReturnVectorDims {
		returns = returns[len(returns)-ReturnVectorDims:]
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	if len(returns) > 0 {
		mean /= float64(len(returns))
	}

	centered := make([]float64, ReturnVectorDims)
	offset := ReturnVectorDims - len(returns)
	norm := 0.0
	for i, r := range returns {
		c := r - mean
		centered[offset+i] = c
		norm += c * c
	}
	if norm == 0 {
		return nil, false
	}
	norm = math.Sqrt(norm)

	vec := make([]float32, ReturnVectorDims)
	for i, c := range centered {
		vec[i] = float32(c / norm)
	}
	return vec, true
}

// StaticTracker is a fixed correlation table keyed by symbol pair. It backs
// tests and dry runs.
type StaticTracker map[string]float64

// PairKey returns the canonical lookup key for a symbol pair
func PairKey(a, b string) string {
	if strings.Compare(a, b) > 0 {
		a, b = b, a
	}
	return a + "|" + b
}

// Correlation implements Tracker
func (s StaticTracker) Correlation(_ context.Context, a, b string) (float64, error) {
	if a == b {
		return 1, nil
	}
	return s[PairKey(a, b)], nil
}
