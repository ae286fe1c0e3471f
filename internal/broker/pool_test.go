package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memPositions struct {
	mu   sync.Mutex
	open map[string][]*Position
}

func newMemPositions() *memPositions {
	return &memPositions{open: make(map[string][]*Position)}
}

func (m *memPositions) ListOpen(_ context.Context, profileID string) ([]*Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Position{}, m.open[profileID]...), nil
}

func (m *memPositions) ReplaceOpen(_ context.Context, profileID string, positions []*Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open[profileID] = append([]*Position{}, positions...)
	return nil
}

type poolEvents struct {
	mu          sync.Mutex
	transitions []Transition
	reconciled  [][]Change
	unreachable []string
}

func (e *poolEvents) SessionTransition(t Transition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transitions = append(e.transitions, t)
}

func (e *poolEvents) Reconciled(_ string, changes []Change) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reconciled = append(e.reconciled, changes)
}

func (e *poolEvents) Unreachable(profileID string, _ int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unreachable = append(e.unreachable, profileID)
}

func newTestPool(t *testing.T, local LocalPositions, maxOpen int) (*Pool, *Paper, *poolEvents, context.CancelFunc) {
	t.Helper()
	paper := NewPaper("prof-1", 10000, 0)
	paper.SetPrice("EURUSD", 1.0999, 1.1001)

	events := &poolEvents{}
	pool := NewPool(
		func(string) (Broker, error) { return paper, nil },
		fastSessionConfig(),
		local,
		func(string) int { return maxOpen },
		events,
		zerolog.Nop(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	require.NoError(t, pool.AddProfile("prof-1"))
	t.Cleanup(func() {
		cancel()
		pool.Stop()
	})

	waitHealthy(t, pool, "prof-1")
	return pool, paper, events, cancel
}

func waitHealthy(t *testing.T, pool *Pool, profileID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pool.Healthy(profileID) {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("session never became healthy")
}

func TestPoolAcquireAndSubmit(t *testing.T) {
	pool, _, _, _ := newTestPool(t, newMemPositions(), 2)

	lease, err := pool.Acquire(context.Background(), "prof-1", true)
	require.NoError(t, err)
	defer lease.Release()

	result, err := lease.Broker().SubmitOrder(context.Background(), OrderRequest{
		ClientToken: "tok-1", Symbol: "EURUSD", Side: SideBuy, Kind: OrderMarket, Volume: 0.1,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Ticket)
}

func TestPoolAcquireUnknownProfile(t *testing.T) {
	pool, _, _, _ := newTestPool(t, newMemPositions(), 2)
	_, err := pool.Acquire(context.Background(), "prof-unknown", false)
	assert.ErrorIs(t, err, ErrUnknownProfile)
}

func TestPoolRefusesAtPositionCap(t *testing.T) {
	local := newMemPositions()
	local.open["prof-1"] = []*Position{
		{Ticket: "T-1", Symbol: "EURUSD", Side: SideBuy, Volume: 0.1},
		{Ticket: "T-2", Symbol: "GBPUSD", Side: SideSell, Volume: 0.1},
	}
	pool, _, _, _ := newTestPool(t, local, 2)

	_, err := pool.Acquire(context.Background(), "prof-1", true)
	assert.ErrorIs(t, err, ErrMaxPositions)

	// Cap enforcement only applies to opening acquisitions
	lease, err := pool.Acquire(context.Background(), "prof-1", false)
	require.NoError(t, err)
	lease.Release()
}

func TestPoolAcquireTimesOutWhenLeased(t *testing.T) {
	pool, _, _, _ := newTestPool(t, newMemPositions(), 2)

	lease, err := pool.Acquire(context.Background(), "prof-1", false)
	require.NoError(t, err)
	defer lease.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx, "prof-1", false)
	assert.Error(t, err)
}

func TestPoolFIFOAcquisition(t *testing.T) {
	pool, _, _, _ := newTestPool(t, newMemPositions(), 2)

	first, err := pool.Acquire(context.Background(), "prof-1", false)
	require.NoError(t, err)

	order := make(chan int, 2)
	var wg sync.WaitGroup
	for i := 1; i <= 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			lease, err := pool.Acquire(context.Background(), "prof-1", false)
			if err != nil {
				return
			}
			order <- n
			time.Sleep(5 * time.Millisecond)
			lease.Release()
		}(i)
		time.Sleep(20 * time.Millisecond) // deterministic queue order
	}

	first.Release()
	wg.Wait()
	close(order)

	var got []int
	for n := range order {
		got = append(got, n)
	}
	assert.Equal(t, []int{1, 2}, got, "waiters must be served in arrival order")
}

func TestPoolReconciliationOnRecovery(t *testing.T) {
	local := newMemPositions()
	// Local view believes a position exists that the broker does not hold
	local.open["prof-1"] = []*Position{{Ticket: "stale-1", Symbol: "EURUSD", Side: SideBuy, Volume: 0.5}}

	pool, paper, events, _ := newTestPool(t, local, 5)

	// Put a real position on the broker that local does not know about
	lease, err := pool.Acquire(context.Background(), "prof-1", false)
	require.NoError(t, err)
	_, err = lease.Broker().SubmitOrder(context.Background(), OrderRequest{
		ClientToken: "tok-r", Symbol: "EURUSD", Side: SideBuy, Kind: OrderMarket, Volume: 0.2,
	})
	require.NoError(t, err)
	lease.Release()

	// Force a disconnect/reconnect cycle; recovery triggers reconciliation
	paper.FailHeartbeat(NewError(ClassNetwork, "probe timeout"))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && pool.Healthy("prof-1") {
		time.Sleep(2 * time.Millisecond)
	}
	paper.FailHeartbeat(nil)
	waitHealthy(t, pool, "prof-1")

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		events.mu.Lock()
		n := len(events.reconciled)
		events.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	events.mu.Lock()
	defer events.mu.Unlock()
	require.NotEmpty(t, events.reconciled, "recovery must reconcile positions")

	kinds := map[ChangeKind]bool{}
	for _, change := range events.reconciled[0] {
		kinds[change.Kind] = true
	}
	assert.True(t, kinds[ChangeAdded], "broker-held position should be added locally")
	assert.True(t, kinds[ChangeRemoved], "stale local position should be removed")

	open, err := local.ListOpen(context.Background(), "prof-1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.NotEqual(t, "stale-1", open[0].Ticket, "broker view is authoritative")
}

func TestDiffPositions(t *testing.T) {
	local := []*Position{
		{Ticket: "A", Volume: 0.1, StopLoss: 1.0},
		{Ticket: "B", Volume: 0.2},
	}
	remote := []*Position{
		{Ticket: "A", Volume: 0.1, StopLoss: 1.1}, // stop moved at broker
		{Ticket: "C", Volume: 0.3},                // unknown locally
	}

	changes := DiffPositions(local, remote)
	require.Len(t, changes, 3)

	byTicket := map[string]ChangeKind{}
	for _, c := range changes {
		byTicket[c.Ticket] = c.Kind
	}
	assert.Equal(t, ChangeUpdated, byTicket["A"])
	assert.Equal(t, ChangeRemoved, byTicket["B"])
	assert.Equal(t, ChangeAdded, byTicket["C"])
}

func TestDiffPositionsNoDrift(t *testing.T) {
	positions := []*Position{{Ticket: "A", Volume: 0.1, StopLoss: 1.0, TakeProfit: 2.0}}
	assert.Empty(t, DiffPositions(positions, positions))
}
