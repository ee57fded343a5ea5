package model

import (
	"time"

	"gorm.io/datatypes"
)

// AgentStatus is the lifecycle status stored on the agent row.
type AgentStatus string

const (
	AgentStatusDraft   AgentStatus = "draft"
	AgentStatusActive  AgentStatus = "active"
	AgentStatusPaused  AgentStatus = "paused"
	AgentStatusStopped AgentStatus = "stopped"
	AgentStatusError   AgentStatus = "error"
	AgentStatusWarning AgentStatus = "warning"
)

// ExecutionMode selects a real exchange adapter or the paper adapter.
type ExecutionMode string

const (
	ExecutionModeLive ExecutionMode = "live"
	ExecutionModeMock ExecutionMode = "mock"
)

const (
	// DefaultIntervalSeconds applies when an agent row carries no interval.
	DefaultIntervalSeconds = 60
)

// Agent binds a strategy to an optional exchange account and an execution mode.
type Agent struct {
	ID         string        `gorm:"type:varchar(64);primaryKey" json:"id"`
	UserID     string        `gorm:"type:varchar(64);index" json:"user_id"`
	Name       string        `gorm:"type:varchar(128)" json:"name"`
	StrategyID string        `gorm:"type:varchar(64);not null;index" json:"strategy_id"`
	Strategy   *Strategy     `gorm:"foreignKey:StrategyID" json:"strategy,omitempty"`
	AccountID  *string       `gorm:"type:varchar(64);index" json:"account_id,omitempty"`
	Mode       ExecutionMode `gorm:"type:varchar(16);not null;default:'mock'" json:"mode"`

	// AllocatedCapital and AllocatedCapitalPercent are mutually exclusive.
	AllocatedCapital        *float64 `json:"allocated_capital,omitempty"`
	AllocatedCapitalPercent *float64 `json:"allocated_capital_percent,omitempty"`
	MockInitialBalance      *float64 `json:"mock_initial_balance,omitempty"`
	IntervalSeconds         int      `gorm:"not null;default:60" json:"interval_seconds"`

	TotalCycles       int64      `gorm:"not null;default:0" json:"total_cycles"`
	TotalTrades       int64      `gorm:"not null;default:0" json:"total_trades"`
	TotalPnL          float64    `gorm:"column:total_pnl;not null;default:0" json:"total_pnl"`
	ConsecutiveErrors int        `gorm:"not null;default:0" json:"consecutive_errors"`
	LastError         string     `gorm:"type:text" json:"last_error,omitempty"`
	LastRunAt         *time.Time `json:"last_run_at,omitempty"`

	Status AgentStatus    `gorm:"type:varchar(16);not null;default:'draft';index" json:"status"`
	State  datatypes.JSON `json:"state,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Agent) TableName() string {
	return "agents"
}

// Interval returns the cycle period of the agent.
func (a Agent) Interval() time.Duration {
	if a.IntervalSeconds <= 0 {
		return DefaultIntervalSeconds * time.Second
	}
	return time.Duration(a.IntervalSeconds) * time.Second
}

// HasAllocation reports whether a capital limit is configured.
func (a Agent) HasAllocation() bool {
	return a.AllocatedCapital != nil || a.AllocatedCapitalPercent != nil
}

// Account returns the account id or "" for agents without one.
func (a Agent) Account() string {
	if a.AccountID == nil {
		return ""
	}
	return *a.AccountID
}

// Strategy is the decision engine definition an agent runs.
type Strategy struct {
	ID     string         `gorm:"type:varchar(64);primaryKey" json:"id"`
	UserID string         `gorm:"type:varchar(64);index" json:"user_id"`
	Name   string         `gorm:"type:varchar(128)" json:"name"`
	Type   string         `gorm:"type:varchar(32);not null" json:"type"`
	Config datatypes.JSON `json:"config,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Strategy) TableName() string {
	return "strategies"
}

// StrategyTypeAI routes to the AI pool; every other type is quant.
const StrategyTypeAI = "ai"

// IsAI reports whether the strategy is driven by the AI engine.
func (s Strategy) IsAI() bool {
	return s.Type == StrategyTypeAI
}

// Account is an exchange account. Credentials live in the credential store.
type Account struct {
	ID       string `gorm:"type:varchar(64);primaryKey" json:"id"`
	UserID   string `gorm:"type:varchar(64);index" json:"user_id"`
	Name     string `gorm:"type:varchar(128)" json:"name"`
	Exchange string `gorm:"type:varchar(32);not null" json:"exchange"`
	Testnet  bool   `gorm:"not null;default:false" json:"testnet"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Account) TableName() string {
	return "accounts"
}

// Heartbeat is the last liveness signal of an agent and the instance owning it.
type Heartbeat struct {
	AgentID string    `gorm:"type:varchar(64);primaryKey" json:"agent_id"`
	Owner   string    `gorm:"type:varchar(128);not null" json:"owner"`
	BeatAt  time.Time `gorm:"not null;index" json:"beat_at"`
}

func (Heartbeat) TableName() string {
	return "agent_heartbeats"
}
