// Package state holds the per-profile mutable state the pipeline reads and
// writes: equity, peak equity, open positions, and realized trade history.
// Each profile is single-writer (its pipeline worker); readers get
// consistent copies, never live references.
package state

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/tradegate/internal/broker"
	"github.com/ajitpratap0/tradegate/internal/config"
)

// ErrProfileNotFound is returned for unknown profile ids
var ErrProfileNotFound = errors.New("state: profile not found")

// Profile is a tenant's broker account binding
type Profile struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	BrokerKind     string            `json:"broker_kind"`
	TradingEnabled bool              `json:"trading_enabled"`
	Equity         float64           `json:"equity"`
	PeakEquity     float64           `json:"peak_equity"`
	Risk           config.RiskParams `json:"risk"`
	ConfigVersion  string            `json:"config_version"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Snapshot is the consistent view of one profile handed to the risk sizer.
// It is a value copy: concurrent state changes take effect on the next
// signal, never mid-decision.
type Snapshot struct {
	ProfileID      string
	TradingEnabled bool
	Equity         float64
	PeakEquity     float64
	Risk           config.RiskParams
	OpenPositions  []*broker.Position
	TakenAt        time.Time
}

// Drawdown returns the current peak-to-trough drawdown fraction
func (s *Snapshot) Drawdown() float64 {
	if s.PeakEquity <= 0 {
		return 0
	}
	dd := (s.PeakEquity - s.Equity) / s.PeakEquity
	if dd < 0 {
		return 0
	}
	return dd
}

// OpenRisk returns the summed stop-loss risk of all open positions
func (s *Snapshot) OpenRisk() float64 {
	total := 0.0
	for _, p := range s.OpenPositions {
		total += p.RiskAmount()
	}
	return total
}

// Persister write-through hook; the db package implements it. A nil
// persister keeps the store purely in-memory (tests, dry runs).
type Persister interface {
	SaveProfile(ctx context.Context, p *Profile) error
	SavePosition(ctx context.Context, pos *broker.Position) error
}

type profileState struct {
	profile   Profile
	positions map[string]*broker.Position
	closed    []*broker.Position
}

// Store is the in-memory authoritative state, optionally persisted through
// a write-through hook.
type Store struct {
	mu        sync.RWMutex
	profiles  map[string]*profileState
	persister Persister
}

// NewStore creates an empty state store
func NewStore(persister Persister) *Store {
	return &Store{
		profiles:  make(map[string]*profileState),
		persister: persister,
	}
}

// UpsertProfile registers or updates a profile binding
func (s *Store) UpsertProfile(ctx context.Context, p Profile) {
	s.mu.Lock()
	if p.PeakEquity < p.Equity {
		p.PeakEquity = p.Equity
	}
	p.UpdatedAt = time.Now().UTC()

	ps, ok := s.profiles[p.ID]
	if !ok {
		if p.CreatedAt.IsZero() {
			p.CreatedAt = p.UpdatedAt
		}
		s.profiles[p.ID] = &profileState{
			profile:   p,
			positions: make(map[string]*broker.Position),
		}
	} else {
		p.CreatedAt = ps.profile.CreatedAt
		ps.profile = p
	}
	s.mu.Unlock()

	s.persistProfile(ctx, &p)
}

// Profile returns a copy of a profile binding
func (s *Store) Profile(id string) (Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ps, ok := s.profiles[id]
	if !ok {
		return Profile{}, false
	}
	return ps.profile, true
}

// ProfileIDs returns all registered profile ids
func (s *Store) ProfileIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.profiles))
	for id := range s.profiles {
		ids = append(ids, id)
	}
	return ids
}

// Snapshot takes a consistent copy of one profile's state
func (s *Store) Snapshot(id string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ps, ok := s.profiles[id]
	if !ok {
		return nil, ErrProfileNotFound
	}

	positions := make([]*broker.Position, 0, len(ps.positions))
	for _, pos := range ps.positions {
		copied := *pos
		positions = append(positions, &copied)
	}

	return &Snapshot{
		ProfileID:      id,
		TradingEnabled: ps.profile.TradingEnabled,
		Equity:         ps.profile.Equity,
		PeakEquity:     ps.profile.PeakEquity,
		Risk:           ps.profile.Risk,
		OpenPositions:  positions,
		TakenAt:        time.Now().UTC(),
	}, nil
}

// ApplyOpen records a newly opened position
func (s *Store) ApplyOpen(ctx context.Context, pos *broker.Position) error {
	s.mu.Lock()
	ps, ok := s.profiles[pos.ProfileID]
	if !ok {
		s.mu.Unlock()
		return ErrProfileNotFound
	}
	copied := *pos
	ps.positions[pos.Ticket] = &copied
	s.mu.Unlock()

	s.persistPosition(ctx, pos)
	return nil
}

// ApplyClose archives a closed position and realizes its P&L into equity
func (s *Store) ApplyClose(ctx context.Context, profileID, ticket string, closePrice, realizedPnL float64, closedAt time.Time) error {
	s.mu.Lock()
	ps, ok := s.profiles[profileID]
	if !ok {
		s.mu.Unlock()
		return ErrProfileNotFound
	}
	pos, ok := ps.positions[ticket]
	if !ok {
		s.mu.Unlock()
		return broker.ErrPositionNotFound
	}

	delete(ps.positions, ticket)
	pos.ClosedAt = &closedAt
	pos.ClosePrice = closePrice
	pos.RealizedPnL = realizedPnL
	ps.closed = append(ps.closed, pos)

	ps.profile.Equity += realizedPnL
	if ps.profile.Equity > ps.profile.PeakEquity {
		ps.profile.PeakEquity = ps.profile.Equity
	}
	ps.profile.UpdatedAt = time.Now().UTC()
	saved := *pos
	profile := ps.profile
	s.mu.Unlock()

	s.persistPosition(ctx, &saved)
	s.persistProfile(ctx, &profile)
	return nil
}

// SetEquity updates a profile's equity mark (broker account sync)
func (s *Store) SetEquity(ctx context.Context, profileID string, equity float64) error {
	s.mu.Lock()
	ps, ok := s.profiles[profileID]
	if !ok {
		s.mu.Unlock()
		return ErrProfileNotFound
	}
	ps.profile.Equity = equity
	if equity > ps.profile.PeakEquity {
		ps.profile.PeakEquity = equity
	}
	ps.profile.UpdatedAt = time.Now().UTC()
	profile := ps.profile
	s.mu.Unlock()

	s.persistProfile(ctx, &profile)
	return nil
}

// SetTradingEnabled flips a profile's trading flag
func (s *Store) SetTradingEnabled(ctx context.Context, profileID string, enabled bool) error {
	s.mu.Lock()
	ps, ok := s.profiles[profileID]
	if !ok {
		s.mu.Unlock()
		return ErrProfileNotFound
	}
	ps.profile.TradingEnabled = enabled
	ps.profile.UpdatedAt = time.Now().UTC()
	profile := ps.profile
	s.mu.Unlock()

	s.persistProfile(ctx, &profile)
	return nil
}

// ListOpen implements broker.LocalPositions
func (s *Store) ListOpen(_ context.Context, profileID string) ([]*broker.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ps, ok := s.profiles[profileID]
	if !ok {
		return nil, ErrProfileNotFound
	}
	out := make([]*broker.Position, 0, len(ps.positions))
	for _, pos := range ps.positions {
		copied := *pos
		out = append(out, &copied)
	}
	return out, nil
}

// ReplaceOpen implements broker.LocalPositions: reconciliation makes the
// broker view authoritative. Origin chain links survive for tickets we
// already knew.
func (s *Store) ReplaceOpen(ctx context.Context, profileID string, positions []*broker.Position) error {
	s.mu.Lock()
	ps, ok := s.profiles[profileID]
	if !ok {
		s.mu.Unlock()
		return ErrProfileNotFound
	}

	replaced := make(map[string]*broker.Position, len(positions))
	for _, pos := range positions {
		copied := *pos
		if prev, known := ps.positions[pos.Ticket]; known {
			copied.OriginSignalID = prev.OriginSignalID
			copied.OriginChainID = prev.OriginChainID
		}
		replaced[pos.Ticket] = &copied
	}
	ps.positions = replaced
	saved := make([]*broker.Position, 0, len(replaced))
	for _, pos := range replaced {
		copied := *pos
		saved = append(saved, &copied)
	}
	s.mu.Unlock()

	for _, pos := range saved {
		s.persistPosition(ctx, pos)
	}
	return nil
}

func (s *Store) persistProfile(ctx context.Context, p *Profile) {
	if s.persister == nil {
		return
	}
	if err := s.persister.SaveProfile(ctx, p); err != nil {
		log.Error().Err(err).Str("profile_id", p.ID).Msg("Failed to persist profile state")
	}
}

func (s *Store) persistPosition(ctx context.Context, pos *broker.Position) {
	if s.persister == nil {
		return
	}
	if err := s.persister.SavePosition(ctx, pos); err != nil {
		log.Error().Err(err).Str("ticket", pos.Ticket).Msg("Failed to persist position")
	}
}
