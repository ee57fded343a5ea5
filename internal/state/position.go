package state

import (
	"sort"

	"agentrunner/internal/model"
)

// NetPosition aggregates exposure on one symbol across agents sharing an account.
type NetPosition struct {
	Symbol    string   `json:"symbol"`
	LongSize  float64  `json:"long_size"`
	ShortSize float64  `json:"short_size"`
	NetSize   float64  `json:"net_size"`
	AgentIDs  []string `json:"agent_ids"`
}

// PositionReducer folds ledger rows into per-symbol net exposure.
type PositionReducer struct {
	positions map[string]*NetPosition
	agents    map[string]map[string]struct{}
}

// NewPositionReducer creates an empty reducer.
func NewPositionReducer() *PositionReducer {
	return &PositionReducer{
		positions: make(map[string]*NetPosition),
		agents:    make(map[string]map[string]struct{}),
	}
}

// Apply adds a ledger row and returns the symbol's new net size.
func (r *PositionReducer) Apply(p model.Position) float64 {
	symbol := model.NormalizeSymbol(p.Symbol)
	net, ok := r.positions[symbol]
	if !ok {
		net = &NetPosition{Symbol: symbol}
		r.positions[symbol] = net
		r.agents[symbol] = make(map[string]struct{})
	}

	switch p.Side {
	case model.SideLong:
		net.LongSize += p.Size
	case model.SideShort:
		net.ShortSize += p.Size
	default:
		return net.NetSize
	}
	net.NetSize = net.LongSize - net.ShortSize

	if p.AgentID != "" {
		if _, seen := r.agents[symbol][p.AgentID]; !seen {
			r.agents[symbol][p.AgentID] = struct{}{}
			net.AgentIDs = append(net.AgentIDs, p.AgentID)
		}
	}
	return net.NetSize
}

// ApplyAll adds every row.
func (r *PositionReducer) ApplyAll(positions []model.Position) {
	for _, p := range positions {
		r.Apply(p)
	}
}

// Position returns the net view of a symbol.
func (r *PositionReducer) Position(symbol string) (NetPosition, bool) {
	net, ok := r.positions[model.NormalizeSymbol(symbol)]
	if !ok {
		return NetPosition{}, false
	}
	return *net, true
}

// Net returns the signed net size of a symbol, zero when untracked.
func (r *PositionReducer) Net(symbol string) float64 {
	net, ok := r.positions[model.NormalizeSymbol(symbol)]
	if !ok {
		return 0
	}
	return net.NetSize
}

// Snapshot returns every tracked symbol keyed by symbol.
func (r *PositionReducer) Snapshot() map[string]NetPosition {
	out := make(map[string]NetPosition, len(r.positions))
	for symbol, net := range r.positions {
		cp := *net
		cp.AgentIDs = append([]string(nil), net.AgentIDs...)
		sort.Strings(cp.AgentIDs)
		out[symbol] = cp
	}
	return out
}

// Symbols returns the tracked symbols in sorted order.
func (r *PositionReducer) Symbols() []string {
	out := make([]string, 0, len(r.positions))
	for symbol := range r.positions {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of tracked symbols.
func (r *PositionReducer) Count() int {
	return len(r.positions)
}
