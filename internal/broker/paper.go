package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Paper is an in-memory broker. Market orders fill immediately at the
// current book plus configured slippage; limit orders rest until cancelled.
// Tickets are deterministic per instance, which keeps test assertions and
// dry-run logs stable. Failure injection hooks script the error paths the
// executor's retry table covers.
type Paper struct {
	mu        sync.Mutex
	profileID string
	slippage  float64
	connected bool
	balance   float64

	prices     map[string]Tick
	positions  map[string]*Position
	closed     []*Position
	byToken    map[string]*OrderResult
	resting    map[string]OrderRequest
	nextTicket int

	subscribers []chan Tick

	connectErr   error
	heartbeatErr error
	submitErrs   []error
}

// NewPaper creates a paper broker for one profile
func NewPaper(profileID string, balance, slippagePct float64) *Paper {
	return &Paper{
		profileID: profileID,
		slippage:  slippagePct,
		balance:   balance,
		prices:    make(map[string]Tick),
		positions: make(map[string]*Position),
		byToken:   make(map[string]*OrderResult),
		resting:   make(map[string]OrderRequest),
	}
}

// SetPrice sets the current book for a symbol
func (p *Paper) SetPrice(symbol string, bid, ask float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = Tick{Symbol: symbol, Bid: bid, Ask: ask, Time: time.Now()}
}

// Push publishes a tick to the book and every subscriber
func (p *Paper) Push(tick Tick) {
	p.mu.Lock()
	p.prices[tick.Symbol] = tick
	subs := make([]chan Tick, len(p.subscribers))
	copy(subs, p.subscribers)
	p.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- tick:
		default:
			// Slow consumer drops ticks rather than blocking the feed
		}
	}
}

// FailConnect scripts the next Connect call
func (p *Paper) FailConnect(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectErr = err
}

// FailHeartbeat scripts every Heartbeat call until cleared
func (p *Paper) FailHeartbeat(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.heartbeatErr = err
}

// FailNextSubmits scripts errors for upcoming SubmitOrder calls, consumed
// in order
func (p *Paper) FailNextSubmits(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitErrs = append(p.submitErrs, errs...)
}

// DropConnection simulates the terminal link going away
func (p *Paper) DropConnection() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
}

// Connect implements Broker
func (p *Paper) Connect(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connectErr != nil {
		err := p.connectErr
		p.connectErr = nil
		return err
	}
	p.connected = true
	return nil
}

// Disconnect implements Broker
func (p *Paper) Disconnect(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	return nil
}

// Heartbeat implements Broker
func (p *Paper) Heartbeat(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return ErrNotConnected
	}
	return p.heartbeatErr
}

// SubmitOrder implements Broker. Resubmitting a known client token returns
// the original fill, which is what makes the executor's reconnect retry
// idempotent.
func (p *Paper) SubmitOrder(_ context.Context, req OrderRequest) (*OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.byToken[req.ClientToken]; ok {
		return existing, nil
	}
	if len(p.submitErrs) > 0 {
		err := p.submitErrs[0]
		p.submitErrs = p.submitErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if !p.connected {
		return nil, ErrNotConnected
	}
	if req.Volume <= 0 {
		return nil, NewError(ClassRejected, fmt.Sprintf("invalid volume %.4f", req.Volume))
	}

	if req.Kind == OrderLimit {
		p.nextTicket++
		ticket := fmt.Sprintf("L-%06d", p.nextTicket)
		p.resting[ticket] = req
		result := &OrderResult{
			Ticket:      ticket,
			ClientToken: req.ClientToken,
			Symbol:      req.Symbol,
			Side:        req.Side,
			Volume:      req.Volume,
			FillPrice:   0,
			FilledAt:    time.Now(),
		}
		p.byToken[req.ClientToken] = result
		return result, nil
	}

	fill, err := p.fillPrice(req)
	if err != nil {
		return nil, err
	}

	p.nextTicket++
	ticket := fmt.Sprintf("P-%06d", p.nextTicket)
	now := time.Now()

	p.positions[ticket] = &Position{
		Ticket:       ticket,
		ProfileID:    p.profileID,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Volume:       req.Volume,
		EntryPrice:   fill,
		StopLoss:     req.StopLoss,
		TakeProfit:   req.TakeProfit,
		CurrentPrice: fill,
		OpenedAt:     now,
	}

	result := &OrderResult{
		Ticket:      ticket,
		ClientToken: req.ClientToken,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Volume:      req.Volume,
		FillPrice:   fill,
		FilledAt:    now,
	}
	p.byToken[req.ClientToken] = result
	return result, nil
}

func (p *Paper) fillPrice(req OrderRequest) (float64, error) {
	tick, ok := p.prices[req.Symbol]
	if !ok {
		if req.Price > 0 {
			tick = Tick{Symbol: req.Symbol, Bid: req.Price, Ask: req.Price}
		} else {
			return 0, NewError(ClassRejected, fmt.Sprintf("no market for %s", req.Symbol))
		}
	}
	if req.Side == SideBuy {
		return tick.Ask * (1 + p.slippage), nil
	}
	return tick.Bid * (1 - p.slippage), nil
}

// ClosePosition implements Broker
func (p *Paper) ClosePosition(_ context.Context, ticket string) (*CloseResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return nil, ErrNotConnected
	}
	pos, ok := p.positions[ticket]
	if !ok {
		return nil, ErrPositionNotFound
	}

	price := pos.CurrentPrice
	if tick, ok := p.prices[pos.Symbol]; ok {
		if pos.Side == SideBuy {
			price = tick.Bid
		} else {
			price = tick.Ask
		}
	}

	pnl := (price - pos.EntryPrice) * pos.Volume
	if pos.Side == SideSell {
		pnl = -pnl
	}

	now := time.Now()
	pos.ClosedAt = &now
	pos.ClosePrice = price
	pos.RealizedPnL = pnl
	p.balance += pnl
	delete(p.positions, ticket)
	p.closed = append(p.closed, pos)

	return &CloseResult{Ticket: ticket, ClosePrice: price, RealizedPnL: pnl, ClosedAt: now}, nil
}

// ListPositions implements Broker
func (p *Paper) ListPositions(_ context.Context) ([]*Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return nil, ErrNotConnected
	}
	out := make([]*Position, 0, len(p.positions))
	for _, pos := range p.positions {
		copied := *pos
		if tick, ok := p.prices[pos.Symbol]; ok {
			copied.CurrentPrice = tick.Mid()
			copied.UnrealizedPnL = (copied.CurrentPrice - copied.EntryPrice) * copied.Volume
			if copied.Side == SideSell {
				copied.UnrealizedPnL = -copied.UnrealizedPnL
			}
		}
		out = append(out, &copied)
	}
	return out, nil
}

// FindOrder implements Broker
func (p *Paper) FindOrder(_ context.Context, clientToken string) (*OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if result, ok := p.byToken[clientToken]; ok {
		return result, nil
	}
	return nil, ErrOrderNotFound
}

// CancelLimitOrders implements Broker
func (p *Paper) CancelLimitOrders(_ context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return 0, ErrNotConnected
	}
	n := len(p.resting)
	p.resting = make(map[string]OrderRequest)
	return n, nil
}

// SubscribeTicks implements Broker
func (p *Paper) SubscribeTicks(ctx context.Context, _ []string) (<-chan Tick, error) {
	p.mu.Lock()
	ch := make(chan Tick, 256)
	p.subscribers = append(p.subscribers, ch)
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		for i, sub := range p.subscribers {
			if sub == ch {
				p.subscribers = append(p.subscribers[:i], p.subscribers[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
		close(ch)
	}()

	return ch, nil
}

// Account implements Broker
func (p *Paper) Account(_ context.Context) (*AccountInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	equity := p.balance
	for _, pos := range p.positions {
		if tick, ok := p.prices[pos.Symbol]; ok {
			pnl := (tick.Mid() - pos.EntryPrice) * pos.Volume
			if pos.Side == SideSell {
				pnl = -pnl
			}
			equity += pnl
		}
	}
	return &AccountInfo{Balance: p.balance, Equity: equity}, nil
}

// ClosedPositions returns the archive of closed positions, oldest first
func (p *Paper) ClosedPositions() []*Position {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Position, len(p.closed))
	copy(out, p.closed)
	return out
}

// RestingOrders returns the count of resting limit orders
func (p *Paper) RestingOrders() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.resting)
}
