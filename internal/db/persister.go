package db

import (
	"context"

	"github.com/ajitpratap0/tradegate/internal/broker"
	"github.com/ajitpratap0/tradegate/internal/state"
)

// Persister is the write-through hook the in-memory state store calls on
// every profile and position mutation
type Persister struct {
	profiles  *ProfileRepo
	positions *PositionRepo
}

// NewPersister combines the repositories into the state store's hook
func NewPersister(profiles *ProfileRepo, positions *PositionRepo) *Persister {
	return &Persister{profiles: profiles, positions: positions}
}

// SaveProfile persists one profile mutation
func (p *Persister) SaveProfile(ctx context.Context, profile *state.Profile) error {
	return p.profiles.Save(ctx, profile)
}

// SavePosition persists one position mutation
func (p *Persister) SavePosition(ctx context.Context, pos *broker.Position) error {
	return p.positions.Save(ctx, pos)
}
