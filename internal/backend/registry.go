// Package backend routes agents to the AI or the quant supervisor pool and
// owns the running supervisors of this process.
package backend

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"

	"agentrunner/internal/executor"
	"agentrunner/internal/heartbeat"
	"agentrunner/internal/ledger"
	"agentrunner/internal/model"
	"agentrunner/internal/obs"
	"agentrunner/internal/worker"
	"agentrunner/pkg/exception"
)

// Kind is the backend an agent runs on.
type Kind uint8

const (
	KindNone Kind = iota
	KindAI
	KindQuant
)

func (k Kind) String() string {
	switch k {
	case KindAI:
		return "ai"
	case KindQuant:
		return "quant"
	default:
		return "none"
	}
}

// KindOf routes a strategy type: "ai" is the AI pool, anything else is quant.
func KindOf(strategyType string) Kind {
	if strategyType == model.StrategyTypeAI {
		return KindAI
	}
	return KindQuant
}

// Result is the outcome of a registry operation.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func ok() Result {
	return Result{Success: true}
}

func fail(err error) Result {
	return Result{Error: err.Error()}
}

// Store is the agent persistence the registry needs.
type Store interface {
	worker.Store
	ListActiveAgentIDs(ctx context.Context) ([]string, error)
}

// Coordinator is the subset of coord.Coordinator the registry uses.
type Coordinator interface {
	worker.Coordinator
	TryAcquireOwnership(ctx context.Context, agentID string) bool
}

// Deps are the collaborators handed to every supervisor. Coord, Heartbeat,
// Reconciler and Metrics may be nil.
type Deps struct {
	Store      Store
	Coord      Coordinator
	Heartbeat  *heartbeat.Publisher
	Ledger     *ledger.Ledger
	Connector  *worker.Connector
	Reconciler worker.Reconciler
	Metrics    *obs.Metrics
	Executors  *executor.Registry
}

type pool struct {
	kind Kind
	mu   sync.RWMutex
	sups map[string]*worker.Supervisor
}

func newPool(kind Kind) *pool {
	return &pool{kind: kind, sups: make(map[string]*worker.Supervisor)}
}

func (p *pool) get(agentID string) (*worker.Supervisor, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sups[agentID]
	return s, ok
}

func (p *pool) put(s *worker.Supervisor) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sups[s.AgentID()] = s
	return len(p.sups)
}

// remove deletes the entry only if it still holds s.
func (p *pool) remove(s *worker.Supervisor) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, ok := p.sups[s.AgentID()]
	if !ok || cur != s {
		return len(p.sups), false
	}
	delete(p.sups, s.AgentID())
	return len(p.sups), true
}

func (p *pool) list() []*worker.Supervisor {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*worker.Supervisor, 0, len(p.sups))
	for _, s := range p.sups {
		out = append(out, s)
	}
	return out
}

// Registry maps agent ids to running supervisors, partitioned into the AI and
// quant pools. An agent id is in at most one pool at a time.
type Registry struct {
	cfg   worker.Config
	deps  Deps
	pools map[Kind]*pool

	// locks serializes start and stop per agent.
	locks sync.Map

	kindMu sync.RWMutex
	kinds  map[string]Kind
}

// NewRegistry creates an empty registry. cfg.Pool is set per pool.
func NewRegistry(cfg worker.Config, deps Deps) *Registry {
	if deps.Executors == nil {
		deps.Executors = executor.NewRegistry()
	}
	return &Registry{
		cfg:  cfg,
		deps: deps,
		pools: map[Kind]*pool{
			KindAI:    newPool(KindAI),
			KindQuant: newPool(KindQuant),
		},
		kinds: make(map[string]Kind),
	}
}

func (r *Registry) agentLock(agentID string) *sync.Mutex {
	m, _ := r.locks.LoadOrStore(agentID, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// resolve returns the backend of an agent. The kind is cached after the first
// successful lookup. The agent row is returned only on a cache miss.
func (r *Registry) resolve(ctx context.Context, agentID string) (Kind, *model.Agent, error) {
	r.kindMu.RLock()
	kind, cached := r.kinds[agentID]
	r.kindMu.RUnlock()
	if cached {
		return kind, nil, nil
	}

	agent, err := r.deps.Store.GetAgent(ctx, agentID)
	if err != nil {
		return KindNone, nil, err
	}
	if agent.Strategy == nil {
		return KindNone, agent, errors.Wrap(exception.ErrStrategyNotFound, "resolve backend").With("agent", agentID)
	}

	kind = KindOf(agent.Strategy.Type)
	r.kindMu.Lock()
	r.kinds[agentID] = kind
	r.kindMu.Unlock()
	return kind, agent, nil
}

// Forget drops the cached backend of an agent.
func (r *Registry) Forget(agentID string) {
	r.kindMu.Lock()
	delete(r.kinds, agentID)
	r.kindMu.Unlock()
}

// find looks an agent up in both pools.
func (r *Registry) find(agentID string) (*pool, *worker.Supervisor, bool) {
	for _, kind := range []Kind{KindAI, KindQuant} {
		p := r.pools[kind]
		if s, ok := p.get(agentID); ok {
			return p, s, true
		}
	}
	return nil, nil, false
}

func (r *Registry) distributed() bool {
	return r.cfg.Distributed && r.deps.Coord != nil
}

// StartAgent starts the supervisor of an agent in its pool. Starting a running
// agent succeeds without side effects. In distributed mode the start is gated
// by acquiring ownership.
func (r *Registry) StartAgent(ctx context.Context, agentID string) Result {
	mu := r.agentLock(agentID)
	mu.Lock()
	defer mu.Unlock()

	if p, s, found := r.find(agentID); found {
		if s.Running() {
			return ok()
		}
		r.stop(ctx, p, s)
	}

	kind, agent, err := r.resolve(ctx, agentID)
	if err != nil {
		logs.Warnf("[registry] no backend agent=%s, err: %+v", agentID, err)
		return fail(err)
	}
	if agent == nil {
		if agent, err = r.deps.Store.GetAgent(ctx, agentID); err != nil {
			return fail(err)
		}
	}

	exec, err := r.deps.Executors.Build(*agent)
	if err != nil {
		logs.Errorf("[registry] build executor failed agent=%s, err: %+v", agentID, err)
		return fail(err)
	}

	if r.distributed() && !r.deps.Coord.TryAcquireOwnership(ctx, agentID) {
		logs.Infof("[registry] agent=%s owned by another instance", agentID)
		return fail(exception.ErrAgentOwnedElsewhere)
	}

	cfg := r.cfg
	cfg.Pool = kind.String()
	var sup *worker.Supervisor
	sup = worker.NewSupervisor(*agent, exec, cfg, worker.Deps{
		Store:      r.deps.Store,
		Coord:      r.coord(),
		Heartbeat:  r.deps.Heartbeat,
		Ledger:     r.deps.Ledger,
		Connector:  r.deps.Connector,
		Reconciler: r.deps.Reconciler,
		Metrics:    r.deps.Metrics,
		OnOwnershipLost: func(string) {
			r.evict(context.Background(), sup)
		},
	})

	if err := sup.Start(ctx); err != nil {
		if r.distributed() {
			r.deps.Coord.ReleaseOwnership(context.WithoutCancel(ctx), agentID)
		}
		return fail(err)
	}

	p := r.pools[kind]
	r.deps.Metrics.SetRunning(p.kind.String(), p.put(sup))
	logs.Infof("[registry] started agent=%s pool=%s", agentID, kind)
	return ok()
}

func (r *Registry) coord() worker.Coordinator {
	if r.deps.Coord == nil {
		return nil
	}
	return r.deps.Coord
}

// evict stops sup if it is still registered.
func (r *Registry) evict(ctx context.Context, sup *worker.Supervisor) {
	mu := r.agentLock(sup.AgentID())
	mu.Lock()
	defer mu.Unlock()

	p, cur, found := r.find(sup.AgentID())
	if !found || cur != sup {
		return
	}
	r.stop(ctx, p, sup)
}

func (r *Registry) stop(ctx context.Context, p *pool, sup *worker.Supervisor) {
	if err := sup.Stop(ctx); err != nil {
		logs.Errorf("[registry] stop failed agent=%s, err: %+v", sup.AgentID(), err)
	}
	if n, removed := p.remove(sup); removed {
		r.deps.Metrics.SetRunning(p.kind.String(), n)
	}
	logs.Infof("[registry] stopped agent=%s pool=%s", sup.AgentID(), p.kind)
}

// StopAgent stops and unregisters the supervisor of an agent.
func (r *Registry) StopAgent(ctx context.Context, agentID string) Result {
	mu := r.agentLock(agentID)
	mu.Lock()
	defer mu.Unlock()

	p, sup, found := r.find(agentID)
	if !found {
		return fail(exception.ErrAgentNotRunning)
	}
	r.stop(ctx, p, sup)
	r.Forget(agentID)
	return ok()
}

// TriggerExecution runs one cycle of a running agent outside its timer.
func (r *Registry) TriggerExecution(ctx context.Context, agentID string) Result {
	kind, _, err := r.resolve(ctx, agentID)
	if err != nil {
		return fail(err)
	}
	sup, found := r.pools[kind].get(agentID)
	if !found {
		return fail(exception.ErrAgentNotRunning)
	}
	if _, err := sup.RunOnce(ctx); err != nil {
		return fail(err)
	}
	return ok()
}

// GetWorkerStatus returns the status of a running agent.
func (r *Registry) GetWorkerStatus(ctx context.Context, agentID string) (worker.Status, bool) {
	kind, _, err := r.resolve(ctx, agentID)
	if err != nil {
		return worker.Status{}, false
	}
	sup, found := r.pools[kind].get(agentID)
	if !found {
		return worker.Status{}, false
	}
	return sup.Status(), true
}

// ListRunningAgents returns the sorted ids of running agents in both pools.
func (r *Registry) ListRunningAgents() []string {
	var ids []string
	for _, p := range r.pools {
		for _, s := range p.list() {
			if s.Running() {
				ids = append(ids, s.AgentID())
			}
		}
	}
	sort.Strings(ids)
	return ids
}

// Pool returns the sorted ids registered in one pool.
func (r *Registry) Pool(kind Kind) []string {
	p, found := r.pools[kind]
	if !found {
		return nil
	}
	sups := p.list()
	ids := make([]string, 0, len(sups))
	for _, s := range sups {
		ids = append(ids, s.AgentID())
	}
	sort.Strings(ids)
	return ids
}

// StopAll stops every supervisor concurrently.
func (r *Registry) StopAll(ctx context.Context) error {
	var eg errgroup.Group
	for _, p := range r.pools {
		for _, s := range p.list() {
			eg.Go(func() error {
				r.evict(ctx, s)
				return nil
			})
		}
	}
	return eg.Wait()
}

// Sync starts every active agent that is not running here and stops local
// agents that are no longer active. It returns the number of agents started.
func (r *Registry) Sync(ctx context.Context) (int, error) {
	ids, err := r.deps.Store.ListActiveAgentIDs(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list active agents")
	}

	active := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		active[id] = struct{}{}
	}

	var (
		eg      errgroup.Group
		mu      sync.Mutex
		started int
	)
	eg.SetLimit(8)
	for _, id := range ids {
		if _, s, found := r.find(id); found && s.Running() {
			continue
		}
		eg.Go(func() error {
			if res := r.StartAgent(ctx, id); res.Success {
				mu.Lock()
				started++
				mu.Unlock()
			}
			return nil
		})
	}
	for _, p := range r.pools {
		for _, s := range p.list() {
			if _, keep := active[s.AgentID()]; keep {
				continue
			}
			eg.Go(func() error {
				logs.Infof("[registry] agent=%s no longer active, stopping", s.AgentID())
				r.evict(ctx, s)
				r.Forget(s.AgentID())
				return nil
			})
		}
	}
	_ = eg.Wait()

	if started > 0 {
		logs.Infof("[registry] sync started=%d running=%d", started, len(r.ListRunningAgents()))
	}
	return started, nil
}

// RunSync calls Sync immediately and then every interval until ctx is done.
func (r *Registry) RunSync(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		if _, err := r.Sync(ctx); err != nil && ctx.Err() == nil {
			logs.Errorf("[registry] sync failed, err: %+v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
