package exception

import "github.com/yanun0323/errors"

// Agent errors
var (
	ErrAgentNotFound       = errors.New("agent: not found")
	ErrStrategyNotFound    = errors.New("agent: strategy not found")
	ErrAccountNotFound     = errors.New("agent: account not found")
	ErrAgentNotRunning     = errors.New("agent: not running")
	ErrAgentOwnedElsewhere = errors.New("agent: owned by another instance")
)

// Worker errors
var (
	ErrCycleSkipped       = errors.New("worker: execution lock held, cycle skipped")
	ErrAdapterUnavailable = errors.New("worker: trading adapter unavailable")
	ErrCredentialsMissing = errors.New("worker: credentials unavailable")
	ErrSupervisorStopped  = errors.New("worker: supervisor stopped")
	ErrNoAdapterForVenue  = errors.New("worker: no adapter registered for exchange")
	ErrExecutorPanic      = errors.New("worker: executor panicked")
)
