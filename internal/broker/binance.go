package broker

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/rs/zerolog/log"
)

// BinanceConfig configures the Binance-backed broker
type BinanceConfig struct {
	APIKey    string
	SecretKey string
	Testnet   bool
}

// Binance adapts a Binance spot account to the Broker interface. Client
// order ids carry the executor's idempotency token, which is what makes
// FindOrder able to resolve an interrupted submit after reconnect. Spot
// has no native position object, so the adapter keeps a ledger of fills it
// produced and reports those as positions.
type Binance struct {
	client    *binance.Client
	profileID string
	testnet   bool

	mu        sync.Mutex
	connected bool
	positions map[string]*Position
	byToken   map[string]*OrderResult
	limitIDs  map[string]int64 // ticket -> binance order id, resting limits
}

// NewBinance creates a Binance broker for one profile's keys
func NewBinance(profileID string, cfg BinanceConfig) *Binance {
	if cfg.Testnet {
		binance.UseTestnet = true
		log.Info().Str("profile_id", profileID).Msg("Binance broker initialized (TESTNET mode)")
	} else {
		log.Warn().Str("profile_id", profileID).Msg("Binance broker initialized (LIVE TRADING mode)")
	}

	return &Binance{
		client:    binance.NewClient(cfg.APIKey, cfg.SecretKey),
		profileID: profileID,
		testnet:   cfg.Testnet,
		positions: make(map[string]*Position),
		byToken:   make(map[string]*OrderResult),
		limitIDs:  make(map[string]int64),
	}
}

// Connect implements Broker
func (b *Binance) Connect(ctx context.Context) error {
	if err := b.client.NewPingService().Do(ctx); err != nil {
		return classifyBinance("connect", err)
	}
	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	return nil
}

// Disconnect implements Broker
func (b *Binance) Disconnect(_ context.Context) error {
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()
	return nil
}

// Heartbeat implements Broker
func (b *Binance) Heartbeat(ctx context.Context) error {
	if err := b.client.NewPingService().Do(ctx); err != nil {
		return classifyBinance("heartbeat", err)
	}
	return nil
}

// SubmitOrder implements Broker
func (b *Binance) SubmitOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	b.mu.Lock()
	if existing, ok := b.byToken[req.ClientToken]; ok {
		b.mu.Unlock()
		return existing, nil
	}
	b.mu.Unlock()

	side := binance.SideTypeBuy
	if req.Side == SideSell {
		side = binance.SideTypeSell
	}

	svc := b.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(side).
		NewClientOrderID(req.ClientToken).
		Quantity(formatQty(req.Volume))

	if req.Kind == OrderLimit {
		svc = svc.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(formatQty(req.Price))
	} else {
		svc = svc.Type(binance.OrderTypeMarket)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, classifyBinance("submit_order", err)
	}

	ticket := strconv.FormatInt(resp.OrderID, 10)
	result := &OrderResult{
		Ticket:      ticket,
		ClientToken: req.ClientToken,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Volume:      parseQty(resp.ExecutedQuantity, req.Volume),
		FillPrice:   avgFillPrice(resp),
		FilledAt:    time.Now(),
	}

	b.mu.Lock()
	b.byToken[req.ClientToken] = result
	if req.Kind == OrderLimit && resp.Status != binance.OrderStatusTypeFilled {
		b.limitIDs[ticket] = resp.OrderID
	} else {
		b.positions[ticket] = &Position{
			Ticket:       ticket,
			ProfileID:    b.profileID,
			Symbol:       req.Symbol,
			Side:         req.Side,
			Volume:       result.Volume,
			EntryPrice:   result.FillPrice,
			StopLoss:     req.StopLoss,
			TakeProfit:   req.TakeProfit,
			CurrentPrice: result.FillPrice,
			OpenedAt:     result.FilledAt,
		}
	}
	b.mu.Unlock()

	log.Info().
		Str("profile_id", b.profileID).
		Str("ticket", ticket).
		Str("client_token", req.ClientToken).
		Str("symbol", req.Symbol).
		Msg("Order placed on Binance")

	return result, nil
}

// ClosePosition implements Broker: submits the offsetting market order for
// the ledgered fill.
func (b *Binance) ClosePosition(ctx context.Context, ticket string) (*CloseResult, error) {
	b.mu.Lock()
	pos, ok := b.positions[ticket]
	b.mu.Unlock()
	if !ok {
		return nil, ErrPositionNotFound
	}

	side := binance.SideTypeSell
	if pos.Side == SideSell {
		side = binance.SideTypeBuy
	}

	resp, err := b.client.NewCreateOrderService().
		Symbol(pos.Symbol).
		Side(side).
		Type(binance.OrderTypeMarket).
		NewClientOrderID("close-" + ticket).
		Quantity(formatQty(pos.Volume)).
		Do(ctx)
	if err != nil {
		return nil, classifyBinance("close_position", err)
	}

	price := avgFillPrice(resp)
	pnl := (price - pos.EntryPrice) * pos.Volume
	if pos.Side == SideSell {
		pnl = -pnl
	}

	now := time.Now()
	b.mu.Lock()
	delete(b.positions, ticket)
	b.mu.Unlock()

	return &CloseResult{Ticket: ticket, ClosePrice: price, RealizedPnL: pnl, ClosedAt: now}, nil
}

// ListPositions implements Broker
func (b *Binance) ListPositions(_ context.Context) ([]*Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*Position, 0, len(b.positions))
	for _, pos := range b.positions {
		copied := *pos
		out = append(out, &copied)
	}
	return out, nil
}

// FindOrder implements Broker: resolves an idempotency token through the
// exchange, not just the local cache, so an interrupted submit is found
// even after a process restart.
func (b *Binance) FindOrder(ctx context.Context, clientToken string) (*OrderResult, error) {
	b.mu.Lock()
	if result, ok := b.byToken[clientToken]; ok {
		b.mu.Unlock()
		return result, nil
	}
	b.mu.Unlock()

	// Token format is "{chain}-{attempt}"; the symbol travels with the
	// lookup via the open-orders scan since Binance scopes order queries
	// by symbol.
	orders, err := b.client.NewListOpenOrdersService().Do(ctx)
	if err != nil {
		return nil, classifyBinance("find_order", err)
	}
	for _, o := range orders {
		if o.ClientOrderID == clientToken {
			return &OrderResult{
				Ticket:      strconv.FormatInt(o.OrderID, 10),
				ClientToken: clientToken,
				Symbol:      o.Symbol,
				Side:        Side(strings.ToUpper(string(o.Side))),
				Volume:      parseQty(o.ExecutedQuantity, 0),
				FillPrice:   parseQty(o.Price, 0),
				FilledAt:    time.UnixMilli(o.UpdateTime),
			}, nil
		}
	}
	return nil, ErrOrderNotFound
}

// CancelLimitOrders implements Broker
func (b *Binance) CancelLimitOrders(ctx context.Context) (int, error) {
	b.mu.Lock()
	resting := make(map[string]int64, len(b.limitIDs))
	symbols := make(map[string]string)
	for ticket, id := range b.limitIDs {
		resting[ticket] = id
	}
	for ticket := range resting {
		if result, ok := b.findTicket(ticket); ok {
			symbols[ticket] = result.Symbol
		}
	}
	b.mu.Unlock()

	cancelled := 0
	for ticket, orderID := range resting {
		_, err := b.client.NewCancelOrderService().
			Symbol(symbols[ticket]).
			OrderID(orderID).
			Do(ctx)
		if err != nil {
			log.Warn().Err(err).Str("ticket", ticket).Msg("Failed to cancel resting limit order")
			continue
		}
		cancelled++
		b.mu.Lock()
		delete(b.limitIDs, ticket)
		b.mu.Unlock()
	}
	return cancelled, nil
}

func (b *Binance) findTicket(ticket string) (*OrderResult, bool) {
	for _, r := range b.byToken {
		if r.Ticket == ticket {
			return r, true
		}
	}
	return nil, false
}

// SubscribeTicks implements Broker through the book-ticker websocket
func (b *Binance) SubscribeTicks(ctx context.Context, symbols []string) (<-chan Tick, error) {
	out := make(chan Tick, 256)

	var stops []chan struct{}
	for _, symbol := range symbols {
		handler := func(event *binance.WsBookTickerEvent) {
			tick := Tick{
				Symbol: event.Symbol,
				Bid:    parseQty(event.BestBidPrice, 0),
				Ask:    parseQty(event.BestAskPrice, 0),
				Time:   time.Now(),
			}
			select {
			case out <- tick:
			default:
			}
		}
		errHandler := func(err error) {
			log.Warn().Err(err).Str("symbol", symbol).Msg("Binance tick stream error")
		}

		doneC, stopC, err := binance.WsBookTickerServe(symbol, handler, errHandler)
		if err != nil {
			for _, s := range stops {
				close(s)
			}
			return nil, classifyBinance("subscribe_ticks", err)
		}
		stops = append(stops, stopC)
		go func() { <-doneC }()
	}

	go func() {
		<-ctx.Done()
		for _, s := range stops {
			close(s)
		}
		close(out)
	}()

	return out, nil
}

// Account implements Broker
func (b *Binance) Account(ctx context.Context) (*AccountInfo, error) {
	acct, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, classifyBinance("account", err)
	}

	// Spot equity approximated as the USDT-stable balances; richer
	// valuation needs a pricing pass the gateway does not own.
	var balance float64
	for _, asset := range acct.Balances {
		if asset.Asset == "USDT" || asset.Asset == "BUSD" || asset.Asset == "USDC" {
			balance += parseQty(asset.Free, 0) + parseQty(asset.Locked, 0)
		}
	}
	return &AccountInfo{Balance: balance, Equity: balance}, nil
}

func classifyBinance(op string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "-2010") && strings.Contains(msg, "insufficient"):
		return WrapError(ClassRejected, op, err)
	case strings.Contains(msg, "market is closed") || strings.Contains(msg, "-1013"):
		return WrapError(ClassMarketClosed, op, err)
	case strings.Contains(msg, "duplicate") || strings.Contains(msg, "-2026"):
		return WrapError(ClassDuplicate, op, err)
	case strings.Contains(msg, "connection reset") || strings.Contains(msg, "broken pipe"):
		return WrapError(ClassConnectionLost, op, err)
	default:
		return WrapError(ClassNetwork, op, err)
	}
}

func formatQty(v float64) string {
	return strconv.FormatFloat(v, 'f', 8, 64)
}

func parseQty(s string, fallback float64) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v == 0 {
		return fallback
	}
	return v
}

func avgFillPrice(resp *binance.CreateOrderResponse) float64 {
	var totalQty, totalQuote float64
	for _, fill := range resp.Fills {
		qty := parseQty(fill.Quantity, 0)
		price := parseQty(fill.Price, 0)
		totalQty += qty
		totalQuote += qty * price
	}
	if totalQty > 0 {
		return totalQuote / totalQty
	}
	return parseQty(resp.Price, 0)
}
