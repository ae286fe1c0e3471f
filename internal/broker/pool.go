package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrMaxPositions is returned when a profile is at its open-position cap
var ErrMaxPositions = errors.New("broker: max positions reached")

// ErrUnknownProfile is returned for profiles the pool does not manage
var ErrUnknownProfile = errors.New("broker: unknown profile")

// DefaultAcquireTimeout bounds Acquire when the caller's context has no
// deadline of its own
const DefaultAcquireTimeout = 5 * time.Second

// LocalPositions is the gateway's authoritative position store, consulted
// for the cap check and realigned after every reconnect.
type LocalPositions interface {
	ListOpen(ctx context.Context, profileID string) ([]*Position, error)
	ReplaceOpen(ctx context.Context, profileID string, positions []*Position) error
}

// PoolObserver receives session and reconciliation events; the pipeline
// glue turns them into decision nodes and alerts.
type PoolObserver interface {
	SessionTransition(t Transition)
	Reconciled(profileID string, changes []Change)
	Unreachable(profileID string, attempts int)
}

// MaxPositionsFunc resolves the open-position cap for a profile
type MaxPositionsFunc func(profileID string) int

// Pool maintains one managed session per active profile and leases broker
// access to the execution path. Sessions reconnect on their own; callers
// only ever see Acquire succeed or time out.
type Pool struct {
	factory  Factory
	cfg      SessionConfig
	local    LocalPositions
	maxOpen  MaxPositionsFunc
	observer PoolObserver
	logger   zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	cancels  map[string]context.CancelFunc
	wg       sync.WaitGroup
	ctx      context.Context
}

// NewPool creates a pool. Call Start before adding profiles.
func NewPool(factory Factory, cfg SessionConfig, local LocalPositions, maxOpen MaxPositionsFunc, observer PoolObserver, logger zerolog.Logger) *Pool {
	return &Pool{
		factory:  factory,
		cfg:      cfg,
		local:    local,
		maxOpen:  maxOpen,
		observer: observer,
		logger:   logger.With().Str("component", "broker_pool").Logger(),
		sessions: make(map[string]*Session),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Start binds the pool to its lifetime context
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ctx = ctx
}

// Stop waits for every session loop to exit
func (p *Pool) Stop() {
	p.mu.Lock()
	for id, cancel := range p.cancels {
		cancel()
		delete(p.cancels, id)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// AddProfile creates and starts the session for a profile
func (p *Pool) AddProfile(profileID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx == nil {
		return fmt.Errorf("broker pool not started")
	}
	if _, exists := p.sessions[profileID]; exists {
		return nil
	}

	b, err := p.factory(profileID)
	if err != nil {
		return fmt.Errorf("failed to build broker for profile %s: %w", profileID, err)
	}

	sess := NewSession(profileID, b, p.cfg, p.logger, p.handleTransition)
	p.sessions[profileID] = sess

	sessCtx, cancel := context.WithCancel(p.ctx)
	p.cancels[profileID] = cancel

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		sess.Run(sessCtx)
	}()

	return nil
}

// RemoveProfile tears a profile's session down
func (p *Pool) RemoveProfile(profileID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cancel, ok := p.cancels[profileID]; ok {
		cancel()
		delete(p.cancels, profileID)
	}
	delete(p.sessions, profileID)
}

// Session returns the managed session for a profile
func (p *Pool) Session(profileID string) (*Session, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	sess, ok := p.sessions[profileID]
	if !ok {
		return nil, ErrUnknownProfile
	}
	return sess, nil
}

// Profiles returns the ids of all managed profiles
func (p *Pool) Profiles() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]string, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Healthy reports whether a profile's session is currently usable
func (p *Pool) Healthy(profileID string) bool {
	sess, err := p.Session(profileID)
	if err != nil {
		return false
	}
	return sess.State() == StateHealthy
}

// Lease is exclusive access to one profile's broker. Release it promptly;
// the session is single-writer and other callers queue behind it.
type Lease struct {
	sess *Session
	once sync.Once
}

// Broker returns the leased adapter
func (l *Lease) Broker() Broker {
	return l.sess.Broker()
}

// Release returns the lease to the session's queue
func (l *Lease) Release() {
	l.once.Do(l.sess.release)
}

// Acquire leases a profile's broker. Waiters are served in FIFO order; the
// wait is bounded by the context deadline or DefaultAcquireTimeout. When
// enforceCap is set the profile's open-position count is checked against
// its cap before granting the lease.
func (p *Pool) Acquire(ctx context.Context, profileID string, enforceCap bool) (*Lease, error) {
	sess, err := p.Session(profileID)
	if err != nil {
		return nil, err
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultAcquireTimeout)
		defer cancel()
	}

	if enforceCap && p.local != nil && p.maxOpen != nil {
		open, err := p.local.ListOpen(ctx, profileID)
		if err != nil {
			return nil, fmt.Errorf("failed to check position cap: %w", err)
		}
		if limit := p.maxOpen(profileID); limit > 0 && len(open) >= limit {
			return nil, ErrMaxPositions
		}
	}

	if err := sess.acquire(ctx); err != nil {
		return nil, fmt.Errorf("broker acquire for profile %s: %w", profileID, err)
	}
	return &Lease{sess: sess}, nil
}

func (p *Pool) handleTransition(t Transition) {
	if p.observer != nil {
		p.observer.SessionTransition(t)
	}

	switch {
	case t.To == StateHealthy:
		go p.reconcile(t.ProfileID)
	case t.To == StateDisconnected && t.Reason == "retry_exhausted":
		p.logger.Error().
			Str("profile_id", t.ProfileID).
			Int("attempts", t.Attempts).
			Msg("Broker unreachable, session pending admin action")
		if p.observer != nil {
			p.observer.Unreachable(t.ProfileID, t.Attempts)
		}
	}
}

// reconcile realigns the local position view after a reconnect. The broker
// report wins; every difference is surfaced to the observer.
func (p *Pool) reconcile(profileID string) {
	if p.local == nil {
		return
	}

	ctx, cancel := context.WithTimeout(p.ctx, 30*time.Second)
	defer cancel()

	lease, err := p.Acquire(ctx, profileID, false)
	if err != nil {
		p.logger.Error().Err(err).Str("profile_id", profileID).Msg("Reconciliation could not acquire session")
		return
	}
	defer lease.Release()

	remote, err := lease.Broker().ListPositions(ctx)
	if err != nil {
		p.logger.Error().Err(err).Str("profile_id", profileID).Msg("Reconciliation could not list broker positions")
		return
	}

	local, err := p.local.ListOpen(ctx, profileID)
	if err != nil {
		p.logger.Error().Err(err).Str("profile_id", profileID).Msg("Reconciliation could not list local positions")
		return
	}

	changes := DiffPositions(local, remote)
	if len(changes) == 0 {
		p.logger.Debug().Str("profile_id", profileID).Msg("Reconciliation found no drift")
		return
	}

	for i := range remote {
		remote[i].ProfileID = profileID
	}
	if err := p.local.ReplaceOpen(ctx, profileID, remote); err != nil {
		p.logger.Error().Err(err).Str("profile_id", profileID).Msg("Reconciliation could not update local view")
		return
	}

	p.logger.Warn().
		Str("profile_id", profileID).
		Int("changes", len(changes)).
		Msg("Position view reconciled against broker")

	if p.observer != nil {
		p.observer.Reconciled(profileID, changes)
	}
}
