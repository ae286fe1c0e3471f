package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ajitpratap0/tradegate/internal/config"
	"github.com/ajitpratap0/tradegate/internal/state"
)

// ErrProfileNotFound is returned for unknown profile ids
var ErrProfileNotFound = errors.New("db: profile not found")

// ProfileRepo persists tenant profiles. Risk parameters travel as jsonb so
// a config-version bump never needs a schema migration.
type ProfileRepo struct {
	db PoolInterface
}

// NewProfileRepo creates a profile repository
func NewProfileRepo(db PoolInterface) *ProfileRepo {
	return &ProfileRepo{db: db}
}

// Save upserts one profile
func (r *ProfileRepo) Save(ctx context.Context, p *state.Profile) error {
	riskJSON, err := json.Marshal(p.Risk)
	if err != nil {
		return fmt.Errorf("failed to marshal risk params: %w", err)
	}

	query := `
		INSERT INTO profiles (profile_id, name, broker_kind, trading_enabled, equity, peak_equity, risk, config_version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (profile_id) DO UPDATE SET
			name = EXCLUDED.name,
			broker_kind = EXCLUDED.broker_kind,
			trading_enabled = EXCLUDED.trading_enabled,
			equity = EXCLUDED.equity,
			peak_equity = EXCLUDED.peak_equity,
			risk = EXCLUDED.risk,
			config_version = EXCLUDED.config_version,
			updated_at = EXCLUDED.updated_at
	`
	if _, err := r.db.Exec(ctx, query,
		p.ID, p.Name, p.BrokerKind, p.TradingEnabled, p.Equity, p.PeakEquity,
		riskJSON, p.ConfigVersion, p.CreatedAt, p.UpdatedAt); err != nil {
		return fmt.Errorf("failed to save profile %s: %w", p.ID, err)
	}
	return nil
}

// Get loads one profile
func (r *ProfileRepo) Get(ctx context.Context, profileID string) (*state.Profile, error) {
	query := `
		SELECT profile_id, name, broker_kind, trading_enabled, equity, peak_equity, risk, config_version, created_at, updated_at
		FROM profiles
		WHERE profile_id = $1
	`
	p, err := scanProfile(r.db.QueryRow(ctx, query, profileID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("failed to load profile %s: %w", profileID, err)
	}
	return p, nil
}

// List loads every profile, newest first
func (r *ProfileRepo) List(ctx context.Context) ([]*state.Profile, error) {
	query := `
		SELECT profile_id, name, broker_kind, trading_enabled, equity, peak_equity, risk, config_version, created_at, updated_at
		FROM profiles
		ORDER BY created_at DESC
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	defer rows.Close()

	profiles := []*state.Profile{}
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

func scanProfile(row pgx.Row) (*state.Profile, error) {
	p := &state.Profile{}
	var riskJSON []byte
	if err := row.Scan(&p.ID, &p.Name, &p.BrokerKind, &p.TradingEnabled,
		&p.Equity, &p.PeakEquity, &riskJSON, &p.ConfigVersion, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if len(riskJSON) > 0 {
		var risk config.RiskParams
		if err := json.Unmarshal(riskJSON, &risk); err != nil {
			return nil, fmt.Errorf("failed to unmarshal risk params: %w", err)
		}
		p.Risk = risk
	}
	return p, nil
}
