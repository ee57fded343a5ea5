// Package paper simulates an exchange account in memory. Fills happen
// immediately at the last price set for a symbol.
package paper

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"

	"agentrunner/internal/adapter"
	"agentrunner/internal/model"
)

const Exchange = "paper"

var (
	ErrClosed             = errors.New("paper: adapter closed")
	ErrNoPrice            = errors.New("paper: no price for symbol")
	ErrInsufficientMargin = errors.New("paper: insufficient available balance")
	ErrNoPosition         = errors.New("paper: no position for symbol")
	ErrInvalidSize        = errors.New("paper: size must be positive")
)

type position struct {
	side     model.PositionSide
	size     decimal.Decimal
	entry    decimal.Decimal
	leverage int
}

// Adapter is an in-memory adapter.TradingAdapter.
type Adapter struct {
	mu        sync.Mutex
	cash      decimal.Decimal
	prices    map[string]decimal.Decimal
	positions map[string]*position
	closed    bool
	now       func() time.Time
}

var _ adapter.TradingAdapter = (*Adapter)(nil)

// New creates a paper account holding balance in quote currency.
func New(balance float64) *Adapter {
	return &Adapter{
		cash:      decimal.NewFromFloat(balance),
		prices:    make(map[string]decimal.Decimal),
		positions: make(map[string]*position),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Constructor registers the paper exchange in an adapter.Factory.
func Constructor(balance float64) adapter.Constructor {
	return func(model.Account, adapter.Credentials) (adapter.TradingAdapter, error) {
		return New(balance), nil
	}
}

// SetPrice updates the mark of a symbol.
func (a *Adapter) SetPrice(symbol string, price float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prices[model.NormalizeSymbol(symbol)] = decimal.NewFromFloat(price)
}

func (a *Adapter) Initialize(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = false
	return nil
}

func (a *Adapter) Healthy(context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.closed
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

func (a *Adapter) GetAccountState(context.Context) (adapter.AccountState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return adapter.AccountState{}, ErrClosed
	}

	unrealized := decimal.Zero
	margin := decimal.Zero
	for symbol, p := range a.positions {
		unrealized = unrealized.Add(a.unrealizedLocked(symbol, p))
		margin = margin.Add(marginOf(p))
	}
	equity := a.cash.Add(unrealized)
	available := equity.Sub(margin)
	if available.IsNegative() {
		available = decimal.Zero
	}
	return adapter.AccountState{
		Equity:           equity.InexactFloat64(),
		AvailableBalance: available.InexactFloat64(),
		MarginUsed:       margin.InexactFloat64(),
		UnrealizedPnL:    unrealized.InexactFloat64(),
	}, nil
}

func (a *Adapter) GetPositions(context.Context) ([]adapter.ExchangePosition, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ErrClosed
	}

	out := make([]adapter.ExchangePosition, 0, len(a.positions))
	for symbol, p := range a.positions {
		mark := a.prices[symbol]
		out = append(out, adapter.ExchangePosition{
			Symbol:        symbol,
			Side:          p.side,
			Size:          p.size.InexactFloat64(),
			EntryPrice:    p.entry.InexactFloat64(),
			MarkPrice:     mark.InexactFloat64(),
			Leverage:      p.leverage,
			UnrealizedPnL: a.unrealizedLocked(symbol, p).InexactFloat64(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (a *Adapter) GetMarketData(_ context.Context, symbol string) (adapter.MarketData, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return adapter.MarketData{}, ErrClosed
	}
	symbol = model.NormalizeSymbol(symbol)
	price, ok := a.prices[symbol]
	if !ok {
		return adapter.MarketData{}, errors.Wrap(ErrNoPrice, symbol)
	}
	p := price.InexactFloat64()
	return adapter.MarketData{Symbol: symbol, Price: p, Bid: p, Ask: p, At: a.now()}, nil
}

func (a *Adapter) OpenLong(ctx context.Context, symbol string, sizeUSD float64, leverage int) (adapter.OrderResult, error) {
	return a.open(symbol, model.SideLong, decimal.NewFromFloat(sizeUSD), decimal.Zero, leverage)
}

func (a *Adapter) OpenShort(ctx context.Context, symbol string, sizeUSD float64, leverage int) (adapter.OrderResult, error) {
	return a.open(symbol, model.SideShort, decimal.NewFromFloat(sizeUSD), decimal.Zero, leverage)
}

// ClosePosition flattens the symbol at its mark and books the PnL into cash.
func (a *Adapter) ClosePosition(_ context.Context, symbol string) (adapter.OrderResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return adapter.OrderResult{}, ErrClosed
	}

	symbol = model.NormalizeSymbol(symbol)
	p, ok := a.positions[symbol]
	if !ok {
		return adapter.OrderResult{}, errors.Wrap(ErrNoPosition, symbol)
	}
	mark, ok := a.prices[symbol]
	if !ok {
		return adapter.OrderResult{}, errors.Wrap(ErrNoPrice, symbol)
	}

	a.cash = a.cash.Add(a.unrealizedLocked(symbol, p))
	delete(a.positions, symbol)

	side := adapter.OrderSideSell
	if p.side == model.SideShort {
		side = adapter.OrderSideBuy
	}
	return a.fill(symbol, side, p.size, mark), nil
}

// PlaceOrder fills market orders at the mark and limit orders at their price.
// Reduce-only orders shrink the existing position and never flip it.
func (a *Adapter) PlaceOrder(ctx context.Context, req adapter.OrderRequest) (adapter.OrderResult, error) {
	if req.Size <= 0 {
		return adapter.OrderResult{}, ErrInvalidSize
	}

	price := decimal.Zero
	if req.Type == adapter.OrderTypeLimit && req.Price > 0 {
		price = decimal.NewFromFloat(req.Price)
	}

	side := model.SideLong
	if req.Side == adapter.OrderSideSell {
		side = model.SideShort
	}

	if req.ReduceOnly {
		return a.reduce(req.Symbol, side, decimal.NewFromFloat(req.Size), price)
	}

	a.mu.Lock()
	fillPrice, err := a.priceLocked(model.NormalizeSymbol(req.Symbol), price)
	a.mu.Unlock()
	if err != nil {
		return adapter.OrderResult{}, err
	}
	notional := decimal.NewFromFloat(req.Size).Mul(fillPrice)
	return a.open(req.Symbol, side, notional, price, req.Leverage)
}

func (a *Adapter) open(symbol string, side model.PositionSide, sizeUSD, limit decimal.Decimal, leverage int) (adapter.OrderResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return adapter.OrderResult{}, ErrClosed
	}
	if !sizeUSD.IsPositive() {
		return adapter.OrderResult{}, ErrInvalidSize
	}
	if leverage <= 0 {
		leverage = 1
	}

	symbol = model.NormalizeSymbol(symbol)
	price, err := a.priceLocked(symbol, limit)
	if err != nil {
		return adapter.OrderResult{}, err
	}
	size := sizeUSD.Div(price)

	p, ok := a.positions[symbol]
	if ok && p.side != side {
		return a.reduceLocked(symbol, p, size, price), nil
	}

	margin := sizeUSD.Div(decimal.NewFromInt(int64(leverage)))
	if margin.GreaterThan(a.availableLocked()) {
		return adapter.OrderResult{}, errors.Wrap(ErrInsufficientMargin, symbol)
	}

	if !ok {
		a.positions[symbol] = &position{side: side, size: size, entry: price, leverage: leverage}
	} else {
		total := p.size.Add(size)
		p.entry = p.size.Mul(p.entry).Add(size.Mul(price)).Div(total)
		p.size = total
		p.leverage = leverage
	}

	orderSide := adapter.OrderSideBuy
	if side == model.SideShort {
		orderSide = adapter.OrderSideSell
	}
	return a.fill(symbol, orderSide, size, price), nil
}

func (a *Adapter) reduce(symbol string, side model.PositionSide, size, limit decimal.Decimal) (adapter.OrderResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return adapter.OrderResult{}, ErrClosed
	}

	symbol = model.NormalizeSymbol(symbol)
	p, ok := a.positions[symbol]
	if !ok || p.side == side {
		return adapter.OrderResult{}, errors.Wrap(ErrNoPosition, symbol)
	}
	price, err := a.priceLocked(symbol, limit)
	if err != nil {
		return adapter.OrderResult{}, err
	}
	if size.GreaterThan(p.size) {
		size = p.size
	}
	return a.reduceLocked(symbol, p, size, price), nil
}

// reduceLocked shrinks p by up to size at price. Any remainder past zero opens
// nothing; the caller places a new order for the other side.
func (a *Adapter) reduceLocked(symbol string, p *position, size, price decimal.Decimal) adapter.OrderResult {
	if size.GreaterThan(p.size) {
		size = p.size
	}
	pnl := price.Sub(p.entry).Mul(size)
	if p.side == model.SideShort {
		pnl = pnl.Neg()
	}
	a.cash = a.cash.Add(pnl)
	p.size = p.size.Sub(size)
	if !p.size.IsPositive() {
		delete(a.positions, symbol)
	}

	side := adapter.OrderSideSell
	if p.side == model.SideShort {
		side = adapter.OrderSideBuy
	}
	return a.fill(symbol, side, size, price)
}

func (a *Adapter) fill(symbol string, side adapter.OrderSide, size, price decimal.Decimal) adapter.OrderResult {
	return adapter.OrderResult{
		OrderID:    uuid.NewString(),
		Symbol:     symbol,
		Side:       side,
		FilledSize: size.InexactFloat64(),
		FilledUSD:  size.Mul(price).InexactFloat64(),
		AvgPrice:   price.InexactFloat64(),
		At:         a.now(),
	}
}

func (a *Adapter) priceLocked(symbol string, limit decimal.Decimal) (decimal.Decimal, error) {
	if limit.IsPositive() {
		return limit, nil
	}
	price, ok := a.prices[symbol]
	if !ok || !price.IsPositive() {
		return decimal.Zero, errors.Wrap(ErrNoPrice, symbol)
	}
	return price, nil
}

func (a *Adapter) availableLocked() decimal.Decimal {
	equity := a.cash
	margin := decimal.Zero
	for symbol, p := range a.positions {
		equity = equity.Add(a.unrealizedLocked(symbol, p))
		margin = margin.Add(marginOf(p))
	}
	return equity.Sub(margin)
}

func (a *Adapter) unrealizedLocked(symbol string, p *position) decimal.Decimal {
	mark, ok := a.prices[symbol]
	if !ok || !mark.IsPositive() {
		return decimal.Zero
	}
	pnl := mark.Sub(p.entry).Mul(p.size)
	if p.side == model.SideShort {
		return pnl.Neg()
	}
	return pnl
}

func marginOf(p *position) decimal.Decimal {
	lev := p.leverage
	if lev <= 0 {
		lev = 1
	}
	return p.size.Mul(p.entry).Div(decimal.NewFromInt(int64(lev)))
}
