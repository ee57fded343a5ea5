// Package executor defines the single-cycle contract between the worker and a
// strategy engine, plus the built-in engines.
package executor

import (
	"context"
	"strings"
	"sync"

	"gorm.io/datatypes"

	"agentrunner/internal/adapter"
	"agentrunner/internal/ledger"
	"agentrunner/internal/model"
)

// Env is what one cycle may touch.
type Env struct {
	Agent   model.Agent
	Adapter adapter.TradingAdapter
	Ledger  *ledger.Ledger
}

// Result is the outcome of one cycle.
type Result struct {
	Success        bool
	TradesExecuted int
	PnLChange      float64
	Message        string
	UpdatedState   datatypes.JSON
}

// Executor runs one decision cycle for an agent.
type Executor interface {
	RunCycle(ctx context.Context, env Env) (Result, error)
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, env Env) (Result, error)

func (f Func) RunCycle(ctx context.Context, env Env) (Result, error) {
	return f(ctx, env)
}

// Builder creates the executor of one agent.
type Builder func(agent model.Agent) (Executor, error)

// Registry picks a Builder by strategy type, falling back to Hold.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
	fallback Builder
}

// NewRegistry creates a registry whose fallback is the hold executor.
func NewRegistry() *Registry {
	return &Registry{
		builders: make(map[string]Builder),
		fallback: func(model.Agent) (Executor, error) { return Hold{}, nil },
	}
}

// Register binds a strategy type.
func (r *Registry) Register(strategyType string, b Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[strings.ToLower(strategyType)] = b
}

// Build returns the executor for the agent's strategy type.
func (r *Registry) Build(agent model.Agent) (Executor, error) {
	kind := ""
	if agent.Strategy != nil {
		kind = strings.ToLower(agent.Strategy.Type)
	}

	r.mu.RLock()
	b, ok := r.builders[kind]
	r.mu.RUnlock()
	if !ok {
		b = r.fallback
	}
	return b(agent)
}
