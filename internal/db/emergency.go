package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ajitpratap0/tradegate/internal/emergency"
)

// EmergencyState is the single persisted emergency row, reloaded on boot so
// a gateway restart cannot silently re-enable trading
type EmergencyState struct {
	State       string
	Trigger     string
	Actor       string
	Reason      string
	ActivatedAt time.Time
	ChainID     string
	UpdatedAt   time.Time
}

// EmergencyRepo persists the global emergency state
type EmergencyRepo struct {
	db PoolInterface
}

// NewEmergencyRepo creates an emergency state repository
func NewEmergencyRepo(db PoolInterface) *EmergencyRepo {
	return &EmergencyRepo{db: db}
}

// Save upserts the single state row
func (r *EmergencyRepo) Save(ctx context.Context, s *EmergencyState) error {
	query := `
		INSERT INTO emergency_state (id, state, trigger, actor, reason, activated_at, chain_id, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			trigger = EXCLUDED.trigger,
			actor = EXCLUDED.actor,
			reason = EXCLUDED.reason,
			activated_at = EXCLUDED.activated_at,
			chain_id = EXCLUDED.chain_id,
			updated_at = NOW()
	`
	var chainID interface{}
	if s.ChainID != "" {
		chainID = s.ChainID
	}
	var activatedAt interface{}
	if !s.ActivatedAt.IsZero() {
		activatedAt = s.ActivatedAt
	}
	if _, err := r.db.Exec(ctx, query, s.State, s.Trigger, s.Actor, s.Reason, activatedAt, chainID); err != nil {
		return fmt.Errorf("failed to save emergency state: %w", err)
	}
	return nil
}

// SaveState adapts the repo to the controller's persistence hook
func (r *EmergencyRepo) SaveState(ctx context.Context, st emergency.Status) error {
	return r.Save(ctx, &EmergencyState{
		State:       string(st.State),
		Trigger:     string(st.Trigger),
		Actor:       st.Actor,
		Reason:      st.Reason,
		ActivatedAt: st.ActivatedAt,
		ChainID:     st.ChainID,
	})
}

// LoadStatus returns the persisted posture in the controller's terms, or a
// zero Status when nothing was ever written
func (r *EmergencyRepo) LoadStatus(ctx context.Context) (emergency.Status, error) {
	s, err := r.Load(ctx)
	if err != nil || s == nil {
		return emergency.Status{}, err
	}
	return emergency.Status{
		State:       emergency.State(s.State),
		Trigger:     emergency.Trigger(s.Trigger),
		Actor:       s.Actor,
		Reason:      s.Reason,
		ActivatedAt: s.ActivatedAt,
		ChainID:     s.ChainID,
	}, nil
}

// Load returns the persisted state, or nil when none was ever written
func (r *EmergencyRepo) Load(ctx context.Context) (*EmergencyState, error) {
	query := `
		SELECT state, trigger, actor, reason, COALESCE(activated_at, 'epoch'::timestamptz),
		       COALESCE(chain_id::text, ''), updated_at
		FROM emergency_state
		WHERE id = 1
	`
	s := &EmergencyState{}
	err := r.db.QueryRow(ctx, query).Scan(
		&s.State, &s.Trigger, &s.Actor, &s.Reason, &s.ActivatedAt, &s.ChainID, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load emergency state: %w", err)
	}
	return s, nil
}
