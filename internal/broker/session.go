package broker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ajitpratap0/tradegate/internal/config"
)

// SessionState is one node of the per-session state machine
type SessionState int

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateHealthy
	StateDegraded
)

// String returns the state name
func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	default:
		return "disconnected"
	}
}

// Transition describes one state change, delivered to the pool's observer
type Transition struct {
	ProfileID string
	From      SessionState
	To        SessionState
	Reason    string
	Attempts  int
}

// SessionConfig tunes the health policy
type SessionConfig struct {
	HeartbeatInterval    time.Duration
	MissesToDegrade      int
	MissesToDisconnect   int
	ReconnectMaxAttempts int
	BackoffBase          time.Duration
	BackoffCap           time.Duration
}

// DefaultSessionConfig returns the stock health policy: 15 s heartbeats,
// 3 misses to Degraded, 5 to Disconnected, reconnect backoff 1,2,4,8,16 s
// capped at 60 s for up to 5 attempts.
func DefaultSessionConfig(cfg *config.BrokerConfig) SessionConfig {
	return SessionConfig{
		HeartbeatInterval:    cfg.HeartbeatInterval(),
		MissesToDegrade:      3,
		MissesToDisconnect:   5,
		ReconnectMaxAttempts: cfg.ReconnectMaxAttempts,
		BackoffBase:          time.Second,
		BackoffCap:           60 * time.Second,
	}
}

// Session manages one profile's terminal link. The broker behind it is
// single-writer: callers lease it through acquire/release, queued FIFO.
type Session struct {
	profileID string
	broker    Broker
	cfg       SessionConfig
	logger    zerolog.Logger

	onTransition func(Transition)

	mu      sync.Mutex
	state   SessionState
	misses  int
	busy    bool
	waiters []chan struct{}
	healthy chan struct{} // closed while Healthy; replaced on leave

	retryNow chan struct{} // admin-requested reconnect after exhaustion
}

// NewSession creates a session in the Disconnected state
func NewSession(profileID string, b Broker, cfg SessionConfig, logger zerolog.Logger, onTransition func(Transition)) *Session {
	return &Session{
		profileID:    profileID,
		broker:       b,
		cfg:          cfg,
		logger:       logger.With().Str("profile_id", profileID).Logger(),
		onTransition: onTransition,
		state:        StateDisconnected,
		healthy:      make(chan struct{}),
		retryNow:     make(chan struct{}, 1),
	}
}

// State returns the current state
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Broker exposes the adapter for lease holders
func (s *Session) Broker() Broker {
	return s.broker
}

// Retry asks a session stuck Disconnected after exhausted reconnects to
// try again. Admin action per the health policy.
func (s *Session) Retry() {
	select {
	case s.retryNow <- struct{}{}:
	default:
	}
}

// ForceDisconnect drops the link immediately
func (s *Session) ForceDisconnect(ctx context.Context) {
	_ = s.broker.Disconnect(ctx)
	s.transition(StateDisconnected, "force_disconnect", 0)
}

func (s *Session) transition(to SessionState, reason string, attempts int) {
	s.mu.Lock()
	from := s.state
	if from == to {
		s.mu.Unlock()
		return
	}
	s.state = to
	if to == StateHealthy {
		close(s.healthy)
	} else if from == StateHealthy {
		s.healthy = make(chan struct{})
	}
	s.mu.Unlock()

	s.logger.Info().
		Str("from", from.String()).
		Str("to", to.String()).
		Str("reason", reason).
		Msg("Broker session transition")

	if s.onTransition != nil {
		s.onTransition(Transition{ProfileID: s.profileID, From: from, To: to, Reason: reason, Attempts: attempts})
	}
}

// Run drives the connect/heartbeat/reconnect loop until ctx is cancelled
func (s *Session) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if !s.connectWithBackoff(ctx) {
			// Reconnects exhausted; wait for admin retry or shutdown
			select {
			case <-ctx.Done():
				return
			case <-s.retryNow:
				continue
			}
		}

		s.heartbeatLoop(ctx)
		if ctx.Err() != nil {
			_ = s.broker.Disconnect(context.Background())
			return
		}
	}
}

// connectWithBackoff attempts to reach Healthy. Returns false when the
// attempt budget is spent.
func (s *Session) connectWithBackoff(ctx context.Context) bool {
	backoff := s.cfg.BackoffBase

	for attempt := 1; attempt <= s.cfg.ReconnectMaxAttempts; attempt++ {
		s.transition(StateConnecting, "connect", attempt)

		if err := s.broker.Connect(ctx); err != nil {
			s.logger.Warn().Err(err).Int("attempt", attempt).Msg("Broker connect failed")
			s.transition(StateDisconnected, "connect_failed", attempt)

			select {
			case <-ctx.Done():
				return false
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > s.cfg.BackoffCap {
				backoff = s.cfg.BackoffCap
			}
			continue
		}

		s.mu.Lock()
		s.misses = 0
		s.mu.Unlock()
		s.transition(StateHealthy, "connected", attempt)
		return true
	}

	s.transition(StateDisconnected, "retry_exhausted", s.cfg.ReconnectMaxAttempts)
	return false
}

// heartbeatLoop probes until the session must be torn down
func (s *Session) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		hbCtx, cancel := context.WithTimeout(ctx, s.cfg.HeartbeatInterval)
		err := s.broker.Heartbeat(hbCtx)
		cancel()

		s.mu.Lock()
		if err != nil {
			s.misses++
		} else {
			s.misses = 0
		}
		misses := s.misses
		s.mu.Unlock()

		switch {
		case err == nil:
			if s.State() == StateDegraded {
				s.transition(StateHealthy, "heartbeat_recovered", 0)
			}
		case misses >= s.cfg.MissesToDisconnect:
			s.logger.Error().Err(err).Int("misses", misses).Msg("Broker session lost")
			_ = s.broker.Disconnect(context.Background())
			s.transition(StateDisconnected, "heartbeat_lost", 0)
			return
		case misses >= s.cfg.MissesToDegrade:
			s.transition(StateDegraded, "heartbeat_missed", 0)
		}
	}
}

// acquire leases the broker. Waiters are served in arrival order; the lease
// is granted only while the session is Healthy.
func (s *Session) acquire(ctx context.Context) error {
	// Wait for health first so a queued caller does not hold the token
	// across a reconnect.
	for {
		s.mu.Lock()
		if s.state == StateHealthy {
			break
		}
		ch := s.healthy
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}

	if !s.busy {
		s.busy = true
		s.mu.Unlock()
		return nil
	}

	w := make(chan struct{})
	s.waiters = append(s.waiters, w)
	s.mu.Unlock()

	select {
	case <-w:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for i, waiter := range s.waiters {
			if waiter == w {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				s.mu.Unlock()
				return ctx.Err()
			}
		}
		s.mu.Unlock()
		// Lease was granted concurrently with cancellation; hand it back
		s.release()
		return ctx.Err()
	}
}

// release returns the lease, handing it to the next queued waiter
func (s *Session) release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.waiters) > 0 {
		w := s.waiters[0]
		s.waiters = s.waiters[1:]
		close(w)
		return
	}
	s.busy = false
}
