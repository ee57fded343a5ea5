package worker

import (
	"context"
	stderrors "errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"agentrunner/internal/adapter"
	"agentrunner/internal/executor"
	"agentrunner/internal/heartbeat"
	"agentrunner/internal/ledger"
	"agentrunner/internal/model"
	"agentrunner/internal/obs"
	"agentrunner/internal/reconcile"
	"agentrunner/internal/repository"
	"agentrunner/pkg/exception"
)

const (
	DefaultHeartbeatInterval  = 10 * time.Second
	DefaultCycleTimeout       = 90 * time.Second
	DefaultErrorWarnThreshold = 3
)

// State is the lifecycle of a supervisor.
type State uint32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Store is the agent persistence a supervisor needs.
type Store interface {
	AccountLoader
	GetAgent(ctx context.Context, agentID string) (*model.Agent, error)
	RecordCycle(ctx context.Context, agentID string, out repository.CycleOutcome) error
	RecordError(ctx context.Context, agentID string, cause string) (int, error)
	UpdateStatusFrom(ctx context.Context, agentID string, from, to model.AgentStatus) (bool, error)
}

// Coordinator is the subset of coord.Coordinator a supervisor uses.
type Coordinator interface {
	RefreshOwnership(ctx context.Context, agentID string) bool
	ReleaseOwnership(ctx context.Context, agentID string)
	AcquireExecutionLock(ctx context.Context, agentID string) (bool, string)
	ReleaseExecutionLock(ctx context.Context, key string)
}

// Reconciler aligns an account's ledger with the exchange.
type Reconciler interface {
	Reconcile(ctx context.Context, accountID string, positions []adapter.ExchangePosition) (reconcile.Report, error)
}

// Config tunes a supervisor.
type Config struct {
	// Distributed enables ownership refresh and release.
	Distributed        bool
	Pool               string
	HeartbeatInterval  time.Duration
	CycleTimeout       time.Duration
	ErrorWarnThreshold int
	ReconcileEachCycle bool
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.CycleTimeout <= 0 {
		c.CycleTimeout = DefaultCycleTimeout
	}
	if c.ErrorWarnThreshold <= 0 {
		c.ErrorWarnThreshold = DefaultErrorWarnThreshold
	}
	return c
}

// Deps are the collaborators of a supervisor. Coord, Heartbeat, Reconciler,
// Metrics and OnOwnershipLost may be nil.
type Deps struct {
	Store      Store
	Coord      Coordinator
	Heartbeat  *heartbeat.Publisher
	Ledger     *ledger.Ledger
	Connector  *Connector
	Reconciler Reconciler
	Metrics    *obs.Metrics
	// OnOwnershipLost is called on its own goroutine.
	OnOwnershipLost func(agentID string)
}

// Status is a point-in-time view of a supervisor.
type Status struct {
	AgentID           string              `json:"agent_id"`
	Pool              string              `json:"pool"`
	State             string              `json:"state"`
	Running           bool                `json:"running"`
	Interval          time.Duration       `json:"interval"`
	Cycles            uint64              `json:"cycles"`
	ConsecutiveErrors int                 `json:"consecutive_errors"`
	LastError         string              `json:"last_error,omitempty"`
	LastRunAt         time.Time           `json:"last_run_at"`
	Latency           obs.LatencySnapshot `json:"latency"`
}

// Supervisor owns the lifecycle of one agent.
type Supervisor struct {
	agentID  string
	interval time.Duration
	exec     executor.Executor
	cfg      Config
	deps     Deps

	state   atomic.Uint32
	started chan struct{}
	cycleMu sync.Mutex
	wg      sync.WaitGroup
	seq     obs.Sequence
	latency obs.LatencyStats
	warned  atomic.Bool

	mu        sync.Mutex
	runCtx    context.Context
	cancel    context.CancelFunc
	adapter   adapter.TradingAdapter
	errStreak int
	lastError string
	lastRunAt time.Time
}

// NewSupervisor creates an idle supervisor for agent.
func NewSupervisor(agent model.Agent, exec executor.Executor, cfg Config, deps Deps) *Supervisor {
	s := &Supervisor{
		agentID:  agent.ID,
		interval: agent.Interval(),
		exec:     exec,
		cfg:      cfg.withDefaults(),
		deps:     deps,
		started:  make(chan struct{}),
	}
	s.warned.Store(agent.Status == model.AgentStatusWarning)
	return s
}

// AgentID returns the supervised agent.
func (s *Supervisor) AgentID() string {
	return s.agentID
}

// State returns the lifecycle state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Running reports whether the supervisor is started and not stopping.
func (s *Supervisor) Running() bool {
	return s.State() == StateRunning
}

// Start spawns the cycle and heartbeat tasks. Starting a running supervisor is
// a no-op; a stopped supervisor cannot be restarted.
func (s *Supervisor) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(uint32(StateIdle), uint32(StateStarting)) {
		if s.State() == StateStarting || s.State() == StateRunning {
			return nil
		}
		return exception.ErrSupervisorStopped
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.runCtx = runCtx
	s.cancel = cancel
	s.mu.Unlock()

	if s.deps.Heartbeat != nil && !s.deps.Heartbeat.SendInitial(ctx, s.agentID) {
		s.deps.Metrics.IncHeartbeatFailure()
	}

	s.wg.Add(2)
	go s.cycleLoop(runCtx)
	go s.heartbeatLoop(runCtx)

	s.state.Store(uint32(StateRunning))
	close(s.started)
	logs.Infof("[worker] started agent=%s pool=%s interval=%s", s.agentID, s.cfg.Pool, s.interval)
	return nil
}

// Stop cancels both tasks, waits for the in-flight cycle, clears the heartbeat,
// releases ownership in distributed mode and closes the adapter.
func (s *Supervisor) Stop(ctx context.Context) error {
	for {
		switch st := s.State(); st {
		case StateIdle:
			if s.state.CompareAndSwap(uint32(StateIdle), uint32(StateStopped)) {
				return nil
			}
			continue
		case StateStopping, StateStopped:
			s.wg.Wait()
			return nil
		case StateStarting:
			select {
			case <-s.started:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if s.state.CompareAndSwap(uint32(StateRunning), uint32(StateStopping)) {
			break
		}
	}

	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	cancel()
	s.wg.Wait()

	// Wait for an ad-hoc cycle started through RunOnce.
	s.cycleMu.Lock()
	s.cycleMu.Unlock()

	cleanup := context.WithoutCancel(ctx)
	s.deps.Heartbeat.Clear(cleanup, s.agentID)
	if s.cfg.Distributed && s.deps.Coord != nil {
		s.deps.Coord.ReleaseOwnership(cleanup, s.agentID)
	}

	s.mu.Lock()
	a := s.adapter
	s.adapter = nil
	s.mu.Unlock()
	if a != nil {
		if err := a.Close(); err != nil {
			logs.Warnf("[worker] close adapter failed agent=%s, err: %+v", s.agentID, err)
		}
	}

	s.state.Store(uint32(StateStopped))
	logs.Infof("[worker] stopped agent=%s pool=%s", s.agentID, s.cfg.Pool)
	return nil
}

// RunOnce runs one cycle outside the timer. It is cancelled by Stop.
func (s *Supervisor) RunOnce(ctx context.Context) (executor.Result, error) {
	if !s.Running() {
		return executor.Result{}, exception.ErrAgentNotRunning
	}

	s.mu.Lock()
	runCtx := s.runCtx
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(runCtx, cancel)
	defer stop()

	return s.runCycle(ctx)
}

// Status returns a snapshot of the supervisor.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		AgentID:           s.agentID,
		Pool:              s.cfg.Pool,
		State:             s.State().String(),
		Running:           s.Running(),
		Interval:          s.interval,
		Cycles:            s.seq.Current(),
		ConsecutiveErrors: s.errStreak,
		LastError:         s.lastError,
		LastRunAt:         s.lastRunAt,
		Latency:           s.latency.Snapshot(),
	}
}

func (s *Supervisor) cycleLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		_, _ = s.runCycle(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if s.cfg.Distributed && s.deps.Coord != nil && !s.deps.Coord.RefreshOwnership(ctx, s.agentID) {
			if ctx.Err() != nil {
				return
			}
			logs.Warnf("[worker] ownership lost agent=%s, stopping", s.agentID)
			s.deps.Metrics.IncOwnershipLost()
			if s.deps.OnOwnershipLost != nil {
				go s.deps.OnOwnershipLost(s.agentID)
			}
			return
		}

		if s.deps.Heartbeat != nil && !s.deps.Heartbeat.Beat(ctx, s.agentID) && ctx.Err() == nil {
			s.deps.Metrics.IncHeartbeatFailure()
		}
	}
}

// runCycle runs one guarded cycle. The execution lock is released on every
// exit path, including cancellation and executor panics.
func (s *Supervisor) runCycle(ctx context.Context) (res executor.Result, err error) {
	if !s.cycleMu.TryLock() {
		s.deps.Metrics.ObserveCycle(s.cfg.Pool, "skipped", 0)
		return executor.Result{}, exception.ErrCycleSkipped
	}
	defer s.cycleMu.Unlock()

	if ctx.Err() != nil {
		return executor.Result{}, ctx.Err()
	}

	if s.deps.Coord != nil {
		ok, key := s.deps.Coord.AcquireExecutionLock(ctx, s.agentID)
		if !ok {
			logs.Infof("[worker] execution lock held elsewhere, skip agent=%s", s.agentID)
			s.deps.Metrics.IncExecLockDenied()
			s.deps.Metrics.ObserveCycle(s.cfg.Pool, "skipped", 0)
			return executor.Result{}, exception.ErrCycleSkipped
		}
		defer s.deps.Coord.ReleaseExecutionLock(context.WithoutCancel(ctx), key)
	}

	cycle := s.seq.Next()
	start := time.Now()
	res, err = s.execute(ctx, cycle)
	elapsed := time.Since(start)
	s.latency.Observe(elapsed)

	switch {
	case err != nil && ctx.Err() != nil:
		logs.Infof("[worker] cycle interrupted agent=%s cycle=%d", s.agentID, cycle)
		s.deps.Metrics.ObserveCycle(s.cfg.Pool, "cancelled", elapsed)
		return res, err
	case err != nil:
		result := "error"
		if stderrors.Is(err, exception.ErrExecutorPanic) {
			result = "panic"
		}
		s.deps.Metrics.ObserveCycle(s.cfg.Pool, result, elapsed)
		s.onFailure(context.WithoutCancel(ctx), cycle, err)
	default:
		s.deps.Metrics.ObserveCycle(s.cfg.Pool, "ok", elapsed)
		s.onSuccess(context.WithoutCancel(ctx), cycle, res)
	}

	if s.deps.Heartbeat != nil && !s.deps.Heartbeat.Beat(context.WithoutCancel(ctx), s.agentID) {
		s.deps.Metrics.IncHeartbeatFailure()
	}
	return res, err
}

func (s *Supervisor) execute(ctx context.Context, cycle uint64) (res executor.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			logs.Errorf("[worker] executor panic agent=%s cycle=%d: %v\n%s", s.agentID, cycle, r, debug.Stack())
			err = errors.Wrap(exception.ErrExecutorPanic, fmt.Sprint(r))
		}
	}()

	agent, err := s.deps.Store.GetAgent(ctx, s.agentID)
	if err != nil {
		return executor.Result{}, err
	}

	a, err := s.ensureAdapter(ctx, *agent)
	if err != nil {
		return executor.Result{}, err
	}
	if a == nil {
		return executor.Result{}, exception.ErrAdapterUnavailable
	}

	if s.cfg.ReconcileEachCycle && s.deps.Reconciler != nil && agent.Account() != "" {
		s.reconcile(ctx, a, agent.Account())
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.CycleTimeout)
	defer cancel()

	res, err = s.exec.RunCycle(cctx, executor.Env{Agent: *agent, Adapter: a, Ledger: s.deps.Ledger})
	if err != nil {
		return res, err
	}
	if !res.Success {
		return res, errors.Errorf("cycle reported failure: %s", res.Message)
	}
	return res, nil
}

func (s *Supervisor) reconcile(ctx context.Context, a adapter.TradingAdapter, accountID string) {
	positions, err := a.GetPositions(ctx)
	if err != nil {
		logs.Warnf("[worker] reconcile skipped agent=%s account=%s, err: %+v", s.agentID, accountID, err)
		return
	}
	report, err := s.deps.Reconciler.Reconcile(ctx, accountID, positions)
	if err != nil {
		logs.Errorf("[worker] reconcile failed agent=%s account=%s, err: %+v", s.agentID, accountID, err)
		return
	}
	if len(report.Details) > 0 {
		logs.Infof("[worker] reconcile agent=%s account=%s zombies=%d orphans=%d synced=%d",
			s.agentID, accountID, report.ZombiesClosed, report.OrphansFound, report.SizeSynced)
	}
}

// ensureAdapter returns the live adapter, rebuilding it when it is missing or
// unhealthy. The stale adapter is closed first.
func (s *Supervisor) ensureAdapter(ctx context.Context, agent model.Agent) (adapter.TradingAdapter, error) {
	s.mu.Lock()
	current := s.adapter
	s.mu.Unlock()

	if current != nil && current.Healthy(ctx) {
		return current, nil
	}
	if s.deps.Connector == nil {
		return nil, nil
	}

	reconnect := current != nil
	if reconnect {
		logs.Warnf("[worker] adapter unhealthy, reconnecting agent=%s", s.agentID)
		if err := current.Close(); err != nil {
			logs.Warnf("[worker] close stale adapter failed agent=%s, err: %+v", s.agentID, err)
		}
	}

	next, err := s.deps.Connector.Connect(ctx, agent)
	if reconnect {
		s.deps.Metrics.IncReconnect(err == nil && next != nil)
	}

	s.mu.Lock()
	s.adapter = next
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return next, nil
}

func (s *Supervisor) onSuccess(ctx context.Context, cycle uint64, res executor.Result) {
	s.mu.Lock()
	s.errStreak = 0
	s.lastError = ""
	s.lastRunAt = time.Now().UTC()
	s.mu.Unlock()

	err := s.deps.Store.RecordCycle(ctx, s.agentID, repository.CycleOutcome{
		TradesExecuted: res.TradesExecuted,
		PnLChange:      res.PnLChange,
		State:          res.UpdatedState,
	})
	if err != nil {
		logs.Errorf("[worker] record cycle failed agent=%s cycle=%d, err: %+v", s.agentID, cycle, err)
	}

	if s.warned.Load() {
		restored, err := s.deps.Store.UpdateStatusFrom(ctx, s.agentID, model.AgentStatusWarning, model.AgentStatusActive)
		if err != nil {
			logs.Errorf("[worker] restore status failed agent=%s, err: %+v", s.agentID, err)
			return
		}
		s.warned.Store(false)
		if restored {
			logs.Infof("[worker] agent=%s recovered, status active", s.agentID)
		}
	}

	logs.Debugf("[worker] cycle ok agent=%s cycle=%d trades=%d pnl=%g msg=%s", s.agentID, cycle, res.TradesExecuted, res.PnLChange, res.Message)
}

func (s *Supervisor) onFailure(ctx context.Context, cycle uint64, cause error) {
	msg := cause.Error()
	logs.Errorf("[worker] cycle failed agent=%s cycle=%d, err: %+v", s.agentID, cycle, cause)

	streak, err := s.deps.Store.RecordError(ctx, s.agentID, msg)
	s.mu.Lock()
	if err != nil {
		s.errStreak++
		streak = s.errStreak
	} else {
		s.errStreak = streak
	}
	s.lastError = msg
	s.lastRunAt = time.Now().UTC()
	s.mu.Unlock()
	if err != nil {
		logs.Errorf("[worker] record error failed agent=%s, err: %+v", s.agentID, err)
	}

	if streak >= s.cfg.ErrorWarnThreshold && !s.warned.Load() {
		degraded, err := s.deps.Store.UpdateStatusFrom(ctx, s.agentID, model.AgentStatusActive, model.AgentStatusWarning)
		if err != nil {
			logs.Errorf("[worker] set warning status failed agent=%s, err: %+v", s.agentID, err)
			return
		}
		if !degraded {
			logs.Warnf("[worker] agent=%s no longer active, status left unchanged", s.agentID)
			return
		}
		s.warned.Store(true)
		logs.Warnf("[worker] agent=%s reached %d consecutive errors, status warning", s.agentID, streak)
	}
}
