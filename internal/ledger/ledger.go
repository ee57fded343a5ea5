package ledger

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"gorm.io/gorm"

	"agentrunner/internal/model"
	"agentrunner/pkg/id"
)

// DefaultBaseCapital is the virtual capital of an agent with no allocation,
// no account equity and no mock balance.
const DefaultBaseCapital = 10000.0

// Locker is a distributed named mutex. TryLock must fail closed.
type Locker interface {
	TryLock(ctx context.Context, name string) bool
	Unlock(ctx context.Context, name string)
}

// Ledger owns the position rows and their claim -> confirm -> close lifecycle.
type Ledger struct {
	db          *gorm.DB
	locker      Locker
	now         func() time.Time
	baseCapital float64
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithLocker serializes claims per (agent, symbol) through l.
func WithLocker(l Locker) Option {
	return func(led *Ledger) { led.locker = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(led *Ledger) { led.now = now }
}

// WithDefaultBaseCapital overrides DefaultBaseCapital.
func WithDefaultBaseCapital(v float64) Option {
	return func(led *Ledger) {
		if v > 0 {
			led.baseCapital = v
		}
	}
}

// New creates a ledger on db.
func New(db *gorm.DB, opts ...Option) *Ledger {
	l := &Ledger{
		db:          db,
		now:         func() time.Time { return time.Now().UTC() },
		baseCapital: DefaultBaseCapital,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// DB exposes the underlying handle for collaborators sharing the ledger tables.
func (l *Ledger) DB() *gorm.DB {
	return l.db
}

// ClaimRequest reserves an (agent, symbol) slot before an order is placed.
type ClaimRequest struct {
	AgentID   string
	AccountID string
	Symbol    string
	Side      model.PositionSide
	Leverage  int
}

func positionLockName(agentID, symbol string) string {
	return "position:" + agentID + ":" + symbol
}

func capitalLockName(agentID string) string {
	return "capital:" + agentID
}

// ClaimPosition inserts a pending row, or returns the existing pending/open row
// for the same (agent, symbol) unchanged.
func (l *Ledger) ClaimPosition(ctx context.Context, req ClaimRequest) (*model.Position, error) {
	symbol := model.NormalizeSymbol(req.Symbol)
	if symbol == "" {
		return nil, ErrEmptySymbol
	}
	if !req.Side.Valid() {
		return nil, ErrInvalidSide
	}

	if l.locker != nil {
		name := positionLockName(req.AgentID, symbol)
		if !l.locker.TryLock(ctx, name) {
			return nil, &PositionConflictError{Symbol: symbol, AgentID: req.AgentID}
		}
		defer l.locker.Unlock(context.WithoutCancel(ctx), name)
	}

	var out model.Position
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := findActive(tx, req.AgentID, symbol)
		if err != nil {
			return err
		}
		if existing != nil {
			out = *existing
			return nil
		}

		lev := req.Leverage
		if lev <= 0 {
			lev = 1
		}
		now := l.now()
		pos := model.Position{
			ID:        id.New(),
			AgentID:   req.AgentID,
			AccountID: req.AccountID,
			Symbol:    symbol,
			Side:      req.Side,
			Leverage:  lev,
			Status:    model.PositionPending,
			OpenedAt:  now,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Transaction(func(nested *gorm.DB) error {
			return nested.Create(&pos).Error
		}); err != nil {
			return err
		}
		out = pos
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, &PositionConflictError{Symbol: symbol, AgentID: req.AgentID}
		}
		return nil, errors.Wrap(err, "claim position").With("symbol", symbol)
	}

	logs.Debugf("[ledger] claim agent=%s symbol=%s side=%s id=%s status=%s", req.AgentID, symbol, req.Side, out.ID, out.Status)
	return &out, nil
}

// ClaimPositionWithCapitalCheck runs CheckCapitalAllocation before claiming.
// The check is skipped when accountEquity is not positive.
func (l *Ledger) ClaimPositionWithCapitalCheck(ctx context.Context, req ClaimRequest, accountEquity, requestedSizeUSD float64) (*model.Position, error) {
	if l.locker != nil {
		name := capitalLockName(req.AgentID)
		if !l.locker.TryLock(ctx, name) {
			return nil, &CapitalExceededError{
				Message: fmt.Sprintf("capital check for agent %s is already in progress", req.AgentID),
			}
		}
		defer l.locker.Unlock(context.WithoutCancel(ctx), name)
	}

	if accountEquity > 0 {
		decision, err := l.CheckCapitalAllocation(ctx, req.AgentID, accountEquity, requestedSizeUSD, req.Leverage)
		if err != nil {
			return nil, err
		}
		if !decision.Allowed {
			logs.Warnf("[ledger] capital rejected agent=%s symbol=%s reason=%s", req.AgentID, req.Symbol, decision.Reason)
			return nil, &CapitalExceededError{Message: decision.Reason}
		}
	}

	return l.ClaimPosition(ctx, req)
}

// ConfirmPosition moves a pending row to open with its filled size and price.
func (l *Ledger) ConfirmPosition(ctx context.Context, positionID string, size, sizeUSD, entryPrice float64) (*model.Position, error) {
	var out model.Position
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pos, err := findByID(tx, positionID)
		if err != nil {
			return err
		}
		if !model.CanTransition(pos.Status, model.PositionOpen) {
			return errors.Wrap(ErrInvalidTransition, string(pos.Status)+" -> open")
		}

		now := l.now()
		res := tx.Model(&model.Position{}).
			Where("id = ? AND status = ?", positionID, string(model.PositionPending)).
			Updates(map[string]any{
				"status":      string(model.PositionOpen),
				"size":        size,
				"size_usd":    sizeUSD,
				"entry_price": entryPrice,
				"opened_at":   now,
				"updated_at":  now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errors.Wrap(ErrInvalidTransition, "pending row changed concurrently")
		}

		pos.Status = model.PositionOpen
		pos.Size = size
		pos.SizeUSD = sizeUSD
		pos.EntryPrice = entryPrice
		pos.OpenedAt = now
		pos.UpdatedAt = now
		out = pos
		return nil
	})
	if err != nil {
		return nil, err
	}

	logs.Infof("[ledger] confirm agent=%s symbol=%s id=%s size=%g entry=%g", out.AgentID, out.Symbol, out.ID, size, entryPrice)
	return &out, nil
}

// ReleaseClaim deletes a row only while it is still pending. It reports whether
// a row was deleted; open and closed rows are never touched.
func (l *Ledger) ReleaseClaim(ctx context.Context, positionID string) (bool, error) {
	res := l.db.WithContext(ctx).
		Where("id = ? AND status = ?", positionID, string(model.PositionPending)).
		Delete(&model.Position{})
	if res.Error != nil {
		return false, errors.Wrap(res.Error, "release claim")
	}
	return res.RowsAffected > 0, nil
}

// AccumulatePosition adds a fill to an open row. Unknown and non-open rows are
// left alone and a nil position is returned.
func (l *Ledger) AccumulatePosition(ctx context.Context, positionID string, additionalSize, additionalSizeUSD, fillPrice float64) (*model.Position, error) {
	var out *model.Position
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pos, err := findByID(tx, positionID)
		if stderrors.Is(err, ErrPositionNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if pos.Status != model.PositionOpen {
			return nil
		}

		size, entry := weightedEntry(pos.Size, pos.EntryPrice, additionalSize, fillPrice)
		sizeUSD := decimal.NewFromFloat(pos.SizeUSD).Add(decimal.NewFromFloat(additionalSizeUSD)).InexactFloat64()

		now := l.now()
		res := tx.Model(&model.Position{}).
			Where("id = ? AND status = ?", positionID, string(model.PositionOpen)).
			Updates(map[string]any{
				"size":        size,
				"size_usd":    sizeUSD,
				"entry_price": entry,
				"updated_at":  now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		pos.Size = size
		pos.SizeUSD = sizeUSD
		pos.EntryPrice = entry
		pos.UpdatedAt = now
		out = &pos
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "accumulate position")
	}
	return out, nil
}

// weightedEntry returns the new size and the size-weighted entry price. The
// fill is priced at fillPrice, or at the old entry when fillPrice is zero; a
// zero resulting size keeps the old entry.
func weightedEntry(oldSize, oldEntry, addSize, fillPrice float64) (float64, float64) {
	price := decimal.NewFromFloat(fillPrice)
	if !price.IsPositive() {
		price = decimal.NewFromFloat(oldEntry)
	}

	prevSize := decimal.NewFromFloat(oldSize)
	add := decimal.NewFromFloat(addSize)
	size := prevSize.Add(add)
	if size.IsZero() {
		return size.InexactFloat64(), oldEntry
	}

	cost := prevSize.Mul(decimal.NewFromFloat(oldEntry)).Add(add.Mul(price))
	return size.InexactFloat64(), cost.Div(size).InexactFloat64()
}

// ClosePositionRecord moves an open row to closed.
func (l *Ledger) ClosePositionRecord(ctx context.Context, positionID string, closePrice, realizedPnL float64) (*model.Position, error) {
	var out model.Position
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pos, err := findByID(tx, positionID)
		if err != nil {
			return err
		}
		closed, err := closeRow(tx, pos, closePrice, realizedPnL, l.now())
		if err != nil {
			return err
		}
		out = closed
		return nil
	})
	if err != nil {
		return nil, err
	}

	logs.Infof("[ledger] close agent=%s symbol=%s id=%s close=%g pnl=%g", out.AgentID, out.Symbol, out.ID, closePrice, realizedPnL)
	return &out, nil
}

// closeRow stamps an open row as closed inside tx.
func closeRow(tx *gorm.DB, pos model.Position, closePrice, realizedPnL float64, now time.Time) (model.Position, error) {
	if !model.CanTransition(pos.Status, model.PositionClosed) {
		return pos, errors.Wrap(ErrInvalidTransition, string(pos.Status)+" -> closed")
	}

	res := tx.Model(&model.Position{}).
		Where("id = ? AND status = ?", pos.ID, string(model.PositionOpen)).
		Updates(map[string]any{
			"status":       string(model.PositionClosed),
			"close_price":  closePrice,
			"realized_pnl": realizedPnL,
			"closed_at":    now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return pos, res.Error
	}
	if res.RowsAffected == 0 {
		return pos, errors.Wrap(ErrInvalidTransition, "open row changed concurrently")
	}

	pos.Status = model.PositionClosed
	pos.ClosePrice = closePrice
	pos.RealizedPnL = realizedPnL
	pos.ClosedAt = &now
	pos.UpdatedAt = now
	return pos, nil
}

// CloseZombie closes an open row whose exchange position disappeared, with zero
// realized PnL at its entry price.
func (l *Ledger) CloseZombie(tx *gorm.DB, pos model.Position) (model.Position, error) {
	return closeRow(tx, pos, pos.EntryPrice, 0, l.now())
}

// SyncSize overwrites the size of an open row, rescaling size_usd at the entry price.
func (l *Ledger) SyncSize(tx *gorm.DB, pos model.Position, size float64) (model.Position, error) {
	sizeUSD := decimal.NewFromFloat(size).Mul(decimal.NewFromFloat(pos.EntryPrice)).InexactFloat64()
	if pos.EntryPrice <= 0 {
		sizeUSD = pos.SizeUSD
	}

	now := l.now()
	res := tx.Model(&model.Position{}).
		Where("id = ? AND status = ?", pos.ID, string(model.PositionOpen)).
		Updates(map[string]any{
			"size":       size,
			"size_usd":   sizeUSD,
			"updated_at": now,
		})
	if res.Error != nil {
		return pos, res.Error
	}
	pos.Size = size
	pos.SizeUSD = sizeUSD
	pos.UpdatedAt = now
	return pos, nil
}

// Now returns the ledger clock.
func (l *Ledger) Now() time.Time {
	return l.now()
}

func findByID(tx *gorm.DB, positionID string) (model.Position, error) {
	var rows []model.Position
	if err := tx.Where("id = ?", positionID).Limit(1).Find(&rows).Error; err != nil {
		return model.Position{}, err
	}
	if len(rows) == 0 {
		return model.Position{}, ErrPositionNotFound
	}
	return rows[0], nil
}

func findActive(tx *gorm.DB, agentID, symbol string) (*model.Position, error) {
	var rows []model.Position
	if err := tx.
		Where("agent_id = ? AND symbol = ? AND status IN ?", agentID, symbol, activeStatuses()).
		Order("created_at").
		Limit(1).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func activeStatuses() []string {
	return []string{string(model.PositionPending), string(model.PositionOpen)}
}
