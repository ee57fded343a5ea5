package risk

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Config defines the capital allocation of one agent.
// Capital and Percent are mutually exclusive; Percent is expressed in percent (20 = 20%).
type Config struct {
	Capital *float64
	Percent *float64
}

// Configured reports whether any limit applies.
func (c Config) Configured() bool {
	return c.Capital != nil || c.Percent != nil
}

// Request is a prospective trade checked against the allocation.
type Request struct {
	AccountEquity    float64
	RequestedSizeUSD float64
	Leverage         int
	// ExistingMargin is the margin already tied up by the agent's positions.
	ExistingMargin float64
}

// Decision is the outcome of a capital check.
type Decision struct {
	Allowed         bool    `json:"allowed"`
	Reason          string  `json:"reason,omitempty"`
	Limit           float64 `json:"limit"`
	ExistingMargin  float64 `json:"existing_margin"`
	RequestedMargin float64 `json:"requested_margin"`
	TotalMargin     float64 `json:"total_margin"`
}

// Engine evaluates capital decisions.
type Engine struct {
	cfg Config
}

// NewEngine creates a capital engine for one allocation.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Limit resolves the allocation against equity. ok is false when no bound can be
// computed: nothing configured, or a percent allocation without equity.
func (e *Engine) Limit(accountEquity float64) (limit decimal.Decimal, ok bool) {
	switch {
	case e.cfg.Capital != nil:
		return decimal.NewFromFloat(*e.cfg.Capital), true
	case e.cfg.Percent != nil:
		if accountEquity <= 0 {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(accountEquity).
			Mul(decimal.NewFromFloat(*e.cfg.Percent)).
			Div(decimal.NewFromInt(100)), true
	default:
		return decimal.Zero, false
	}
}

// Evaluate checks existing plus requested margin against the limit.
// A total equal to the limit is allowed.
func (e *Engine) Evaluate(req Request) Decision {
	lev := req.Leverage
	if lev <= 0 {
		lev = 1
	}

	existing := decimal.NewFromFloat(req.ExistingMargin)
	requested := decimal.NewFromFloat(req.RequestedSizeUSD).Div(decimal.NewFromInt(int64(lev)))
	total := existing.Add(requested)

	decision := Decision{
		Allowed:         true,
		ExistingMargin:  existing.InexactFloat64(),
		RequestedMargin: requested.InexactFloat64(),
		TotalMargin:     total.InexactFloat64(),
	}

	if !e.cfg.Configured() {
		decision.Reason = "no capital allocation configured"
		return decision
	}

	limit, ok := e.Limit(req.AccountEquity)
	if !ok {
		decision.Reason = "no account equity to bound percent allocation"
		return decision
	}
	decision.Limit = limit.InexactFloat64()

	if total.GreaterThan(limit) {
		decision.Allowed = false
		decision.Reason = fmt.Sprintf(
			"capital allocation exceeded: margin in use %s + requested %s (size %s at %dx) = %s > limit %s",
			existing.StringFixed(2), requested.StringFixed(2),
			decimal.NewFromFloat(req.RequestedSizeUSD).StringFixed(2), lev,
			total.StringFixed(2), limit.StringFixed(2),
		)
	}
	return decision
}

// BaseInputs are the candidate sources of an agent's base capital.
type BaseInputs struct {
	AllocatedCapital        *float64
	AllocatedCapitalPercent *float64
	AccountEquity           float64
	MockInitialBalance      *float64
	Default                 float64
}

// BaseCapital resolves the agent's virtual starting capital in precedence order:
// absolute allocation, percent of equity, mock balance, default.
func BaseCapital(in BaseInputs) float64 {
	if in.AllocatedCapital != nil {
		return *in.AllocatedCapital
	}
	if in.AllocatedCapitalPercent != nil && in.AccountEquity > 0 {
		return decimal.NewFromFloat(in.AccountEquity).
			Mul(decimal.NewFromFloat(*in.AllocatedCapitalPercent)).
			Div(decimal.NewFromInt(100)).
			InexactFloat64()
	}
	if in.MockInitialBalance != nil {
		return *in.MockInitialBalance
	}
	return in.Default
}
