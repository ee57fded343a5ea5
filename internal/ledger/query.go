package ledger

import (
	"context"
	stderrors "errors"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"gorm.io/gorm"

	"agentrunner/internal/model"
	"agentrunner/internal/risk"
	"agentrunner/internal/state"
	"agentrunner/pkg/exception"
)

// AccountState is the virtual sub-account of one agent.
type AccountState struct {
	AgentID          string           `json:"agent_id"`
	BaseCapital      float64          `json:"base_capital"`
	RealizedPnL      float64          `json:"realized_pnl"`
	UnrealizedPnL    float64          `json:"unrealized_pnl"`
	Equity           float64          `json:"equity"`
	MarginUsed       float64          `json:"margin_used"`
	AvailableBalance float64          `json:"available_balance"`
	OpenPositions    []model.Position `json:"open_positions"`
}

// GetAgentPositions lists the agent's rows, all statuses when none are given.
func (l *Ledger) GetAgentPositions(ctx context.Context, agentID string, statuses ...model.PositionStatus) ([]model.Position, error) {
	q := l.db.WithContext(ctx).Where("agent_id = ?", agentID)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statusStrings(statuses))
	}

	var rows []model.Position
	if err := q.Order("created_at").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "get agent positions").With("agent", agentID)
	}
	return rows, nil
}

// GetAgentPositionForSymbol returns the active row of (agent, symbol), or nil.
func (l *Ledger) GetAgentPositionForSymbol(ctx context.Context, agentID, symbol string) (*model.Position, error) {
	pos, err := findActive(l.db.WithContext(ctx), agentID, model.NormalizeSymbol(symbol))
	if err != nil {
		return nil, errors.Wrap(err, "get agent position").With("agent", agentID)
	}
	return pos, nil
}

// GetAccountOpenPositions lists the pending and open rows of every agent on the account.
func (l *Ledger) GetAccountOpenPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	return accountActive(l.db.WithContext(ctx), accountID)
}

func accountActive(tx *gorm.DB, accountID string) ([]model.Position, error) {
	var rows []model.Position
	if err := tx.
		Where("account_id = ? AND status IN ?", accountID, activeStatuses()).
		Order("created_at").
		Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "get account positions").With("account", accountID)
	}
	return rows, nil
}

// HasOpenPositions reports whether the agent holds any pending or open row.
func (l *Ledger) HasOpenPositions(ctx context.Context, agentID string) (bool, error) {
	var count int64
	if err := l.db.WithContext(ctx).Model(&model.Position{}).
		Where("agent_id = ? AND status IN ?", agentID, activeStatuses()).
		Count(&count).Error; err != nil {
		return false, errors.Wrap(err, "count open positions").With("agent", agentID)
	}
	return count > 0, nil
}

// GetAccountNetPositions nets the open rows of all agents sharing the account.
func (l *Ledger) GetAccountNetPositions(ctx context.Context, accountID string) (map[string]state.NetPosition, error) {
	var rows []model.Position
	if err := l.db.WithContext(ctx).
		Where("account_id = ? AND status = ?", accountID, string(model.PositionOpen)).
		Order("created_at").
		Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "get account net positions").With("account", accountID)
	}

	reducer := state.NewPositionReducer()
	reducer.ApplyAll(rows)
	return reducer.Snapshot(), nil
}

// CheckCapitalAllocation evaluates a prospective trade against the agent's allocation.
func (l *Ledger) CheckCapitalAllocation(ctx context.Context, agentID string, accountEquity, requestedSizeUSD float64, leverage int) (risk.Decision, error) {
	agent, err := l.loadAgent(ctx, agentID)
	if err != nil {
		return risk.Decision{}, err
	}

	existing, err := l.activeMargin(ctx, agentID)
	if err != nil {
		return risk.Decision{}, err
	}

	engine := risk.NewEngine(risk.Config{
		Capital: agent.AllocatedCapital,
		Percent: agent.AllocatedCapitalPercent,
	})
	return engine.Evaluate(risk.Request{
		AccountEquity:    accountEquity,
		RequestedSizeUSD: requestedSizeUSD,
		Leverage:         leverage,
		ExistingMargin:   existing,
	}), nil
}

// GetAgentAccountState builds the agent's virtual account. prices maps symbols
// to mark prices; rows without a mark contribute no unrealized PnL.
func (l *Ledger) GetAgentAccountState(ctx context.Context, agentID string, accountEquity float64, prices map[string]float64) (AccountState, error) {
	agent, err := l.loadAgent(ctx, agentID)
	if err != nil {
		return AccountState{}, err
	}

	open, err := l.GetAgentPositions(ctx, agentID, model.PositionOpen)
	if err != nil {
		return AccountState{}, err
	}

	base := risk.BaseCapital(risk.BaseInputs{
		AllocatedCapital:        agent.AllocatedCapital,
		AllocatedCapitalPercent: agent.AllocatedCapitalPercent,
		AccountEquity:           accountEquity,
		MockInitialBalance:      agent.MockInitialBalance,
		Default:                 l.baseCapital,
	})

	marks := make(map[string]float64, len(prices))
	for symbol, price := range prices {
		marks[model.NormalizeSymbol(symbol)] = price
	}

	unrealized := decimal.Zero
	margin := decimal.Zero
	for _, p := range open {
		unrealized = unrealized.Add(decimal.NewFromFloat(p.UnrealizedPnL(marks[p.Symbol])))
		margin = margin.Add(decimal.NewFromFloat(p.Margin()))
	}

	realized := decimal.NewFromFloat(agent.TotalPnL)
	equity := decimal.NewFromFloat(base).Add(realized).Add(unrealized)
	available := equity.Sub(margin)
	if available.IsNegative() {
		available = decimal.Zero
	}

	return AccountState{
		AgentID:          agentID,
		BaseCapital:      base,
		RealizedPnL:      realized.InexactFloat64(),
		UnrealizedPnL:    unrealized.InexactFloat64(),
		Equity:           equity.InexactFloat64(),
		MarginUsed:       margin.InexactFloat64(),
		AvailableBalance: available.InexactFloat64(),
		OpenPositions:    open,
	}, nil
}

func (l *Ledger) loadAgent(ctx context.Context, agentID string) (model.Agent, error) {
	var agent model.Agent
	err := l.db.WithContext(ctx).Where("id = ?", agentID).Take(&agent).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return agent, errors.Wrap(exception.ErrAgentNotFound, agentID)
	}
	if err != nil {
		return agent, errors.Wrap(err, "load agent").With("agent", agentID)
	}
	return agent, nil
}

// activeMargin sums the margin of the agent's pending and open rows.
func (l *Ledger) activeMargin(ctx context.Context, agentID string) (float64, error) {
	active, err := l.GetAgentPositions(ctx, agentID, model.PositionPending, model.PositionOpen)
	if err != nil {
		return 0, err
	}
	total := decimal.Zero
	for _, p := range active {
		total = total.Add(decimal.NewFromFloat(p.Margin()))
	}
	return total.InexactFloat64(), nil
}

func statusStrings(statuses []model.PositionStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
