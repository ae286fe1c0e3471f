package broker

import "context"

// Broker is the terminal adapter a session drives. Implementations: Paper
// (in-memory fills for tests and dry runs) and Binance. The identity of
// the venue is opaque to everything above this interface.
type Broker interface {
	// Connect establishes the terminal link for one profile's credentials
	Connect(ctx context.Context) error

	// Disconnect tears the link down
	Disconnect(ctx context.Context) error

	// Heartbeat probes liveness; an error counts as a miss
	Heartbeat(ctx context.Context) error

	// SubmitOrder places an order. The request's ClientToken must be echoed
	// in the result and be resolvable through FindOrder afterwards.
	SubmitOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)

	// ClosePosition closes an open position by ticket
	ClosePosition(ctx context.Context, ticket string) (*CloseResult, error)

	// ListPositions returns all open positions on the account
	ListPositions(ctx context.Context) ([]*Position, error)

	// FindOrder looks an order up by client token; ErrOrderNotFound when
	// the broker never saw the token
	FindOrder(ctx context.Context, clientToken string) (*OrderResult, error)

	// CancelLimitOrders cancels every resting limit order on the account
	CancelLimitOrders(ctx context.Context) (int, error)

	// SubscribeTicks streams top-of-book updates for the given symbols
	// until ctx is cancelled
	SubscribeTicks(ctx context.Context, symbols []string) (<-chan Tick, error)

	// Account returns the broker's view of balance and equity
	Account(ctx context.Context) (*AccountInfo, error)
}

// Factory builds a broker adapter for one profile's credentials. The pool
// calls it once per profile session.
type Factory func(profileID string) (Broker, error)
