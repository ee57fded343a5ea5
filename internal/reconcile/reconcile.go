// Package reconcile aligns the ledger of one exchange account with the
// positions the exchange reports. The exchange is authoritative for size.
package reconcile

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"gorm.io/gorm"

	"agentrunner/internal/adapter"
	"agentrunner/internal/ledger"
	"agentrunner/internal/model"
	"agentrunner/internal/obs"
)

const (
	DefaultZombieGrace  = 2 * time.Minute
	DefaultDriftEpsilon = 1e-6
)

// Finding kinds.
const (
	KindZombie          = "ZOMBIE"
	KindSkipZombie      = "SKIP_ZOMBIE"
	KindOrphan          = "ORPHAN"
	KindDrift           = "DRIFT"
	KindDriftUnresolved = "DRIFT_UNRESOLVED"
)

// Detail is one finding of a pass.
type Detail struct {
	Kind         string  `json:"kind"`
	Symbol       string  `json:"symbol"`
	AgentID      string  `json:"agent_id,omitempty"`
	PositionID   string  `json:"position_id,omitempty"`
	LedgerSize   float64 `json:"ledger_size"`
	ExchangeSize float64 `json:"exchange_size"`
}

// Report summarizes a pass.
type Report struct {
	AccountID       string   `json:"account_id"`
	ZombiesClosed   int      `json:"zombies_closed"`
	OrphansFound    int      `json:"orphans_found"`
	SizeSynced      int      `json:"size_synced"`
	DriftUnresolved int      `json:"drift_unresolved"`
	Details         []Detail `json:"details"`
}

// Count returns the number of details of kind.
func (r Report) Count(kind string) int {
	n := 0
	for _, d := range r.Details {
		if d.Kind == kind {
			n++
		}
	}
	return n
}

// Engine runs reconciliation passes.
type Engine struct {
	ledger  *ledger.Ledger
	grace   time.Duration
	epsilon float64
	metrics *obs.Metrics
}

// Option customizes an Engine.
type Option func(*Engine)

// WithGrace sets how long a fresh open row without exchange match is left alone.
func WithGrace(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.grace = d
		}
	}
}

// WithEpsilon sets the relative drift tolerance.
func WithEpsilon(eps float64) Option {
	return func(e *Engine) {
		if eps > 0 {
			e.epsilon = eps
		}
	}
}

// WithMetrics counts findings by kind.
func WithMetrics(m *obs.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an engine on the ledger.
func New(l *ledger.Ledger, opts ...Option) *Engine {
	e := &Engine{
		ledger:  l,
		grace:   DefaultZombieGrace,
		epsilon: DefaultDriftEpsilon,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// drifted reports whether the two signed sizes differ beyond the relative epsilon.
func (e *Engine) drifted(ledgerSize, exchangeSize float64) bool {
	return math.Abs(ledgerSize-exchangeSize) > e.epsilon*math.Max(1, math.Abs(exchangeSize))
}

// Reconcile compares the account's open rows with exchange positions. Findings
// never abort the pass; only a failing transaction does, and then nothing is
// written.
func (e *Engine) Reconcile(ctx context.Context, accountID string, positions []adapter.ExchangePosition) (Report, error) {
	report := Report{AccountID: accountID, Details: []Detail{}}

	exchange := make(map[string]decimal.Decimal, len(positions))
	for _, p := range positions {
		if p.Size == 0 {
			continue
		}
		symbol := model.NormalizeSymbol(p.Symbol)
		exchange[symbol] = exchange[symbol].Add(decimal.NewFromFloat(p.Signed()))
	}

	err := e.ledger.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []model.Position
		if err := tx.Where("account_id = ? AND status = ?", accountID, string(model.PositionOpen)).
			Order("created_at").Find(&rows).Error; err != nil {
			return err
		}

		bySymbol := make(map[string][]model.Position)
		for _, r := range rows {
			bySymbol[r.Symbol] = append(bySymbol[r.Symbol], r)
		}

		now := e.ledger.Now()
		for _, symbol := range sortedKeys(bySymbol) {
			group := bySymbol[symbol]
			target, ok := exchange[symbol]
			if !ok {
				if err := e.zombies(tx, now, group, &report); err != nil {
					return err
				}
				continue
			}
			if err := e.drift(tx, symbol, group, target, &report); err != nil {
				return err
			}
		}

		for _, symbol := range sortedKeys(exchange) {
			if _, ok := bySymbol[symbol]; ok {
				continue
			}
			size := exchange[symbol].InexactFloat64()
			logs.Warnf("[reconcile] ORPHAN account=%s symbol=%s exchange=%g", accountID, symbol, size)
			report.OrphansFound++
			report.Details = append(report.Details, Detail{Kind: KindOrphan, Symbol: symbol, ExchangeSize: size})
		}
		return nil
	})
	if err != nil {
		return Report{AccountID: accountID}, errors.Wrap(err, "reconcile").With("account", accountID)
	}

	for _, kind := range []string{KindZombie, KindSkipZombie, KindOrphan, KindDrift, KindDriftUnresolved} {
		e.metrics.AddReconcileFindings(kind, report.Count(kind))
	}
	return report, nil
}

func (e *Engine) zombies(tx *gorm.DB, now time.Time, group []model.Position, report *Report) error {
	for _, pos := range group {
		d := Detail{Symbol: pos.Symbol, AgentID: pos.AgentID, PositionID: pos.ID, LedgerSize: pos.SignedSize()}
		if now.Sub(pos.OpenedAt) <= e.grace {
			logs.Infof("[reconcile] SKIP_ZOMBIE agent=%s symbol=%s id=%s opened=%s", pos.AgentID, pos.Symbol, pos.ID, pos.OpenedAt.Format(time.RFC3339))
			d.Kind = KindSkipZombie
			report.Details = append(report.Details, d)
			continue
		}

		if _, err := e.ledger.CloseZombie(tx, pos); err != nil {
			return err
		}
		logs.Warnf("[reconcile] ZOMBIE agent=%s symbol=%s id=%s size=%g closed", pos.AgentID, pos.Symbol, pos.ID, pos.Size)
		d.Kind = KindZombie
		report.ZombiesClosed++
		report.Details = append(report.Details, d)
	}
	return nil
}

func (e *Engine) drift(tx *gorm.DB, symbol string, group []model.Position, target decimal.Decimal, report *Report) error {
	net := decimal.Zero
	for _, pos := range group {
		net = net.Add(decimal.NewFromFloat(pos.SignedSize()))
	}
	ledgerSize := net.InexactFloat64()
	exchangeSize := target.InexactFloat64()
	if !e.drifted(ledgerSize, exchangeSize) {
		return nil
	}

	d := Detail{Symbol: symbol, LedgerSize: ledgerSize, ExchangeSize: exchangeSize}
	if len(group) == 1 {
		d.AgentID = group[0].AgentID
		d.PositionID = group[0].ID
	}

	// Only same-sided rows can be rescaled to the exchange size.
	side := group[0].Side
	sameSide := net.Sign() == target.Sign()
	for _, pos := range group {
		if pos.Side != side {
			sameSide = false
		}
	}
	if !sameSide || net.IsZero() {
		logs.Errorf("[reconcile] DRIFT_UNRESOLVED symbol=%s ledger=%g exchange=%g rows=%d", symbol, ledgerSize, exchangeSize, len(group))
		d.Kind = KindDriftUnresolved
		report.DriftUnresolved++
		report.Details = append(report.Details, d)
		return nil
	}

	ratio := target.Abs().Div(net.Abs())
	for _, pos := range group {
		size := decimal.NewFromFloat(pos.Size).Mul(ratio).InexactFloat64()
		if _, err := e.ledger.SyncSize(tx, pos, size); err != nil {
			return err
		}
		report.SizeSynced++
	}

	logs.Warnf("[reconcile] DRIFT symbol=%s ledger=%g exchange=%g rows=%d synced", symbol, ledgerSize, exchangeSize, len(group))
	d.Kind = KindDrift
	report.Details = append(report.Details, d)
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
