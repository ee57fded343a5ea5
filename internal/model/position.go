package model

import (
	"strings"
	"time"
)

// PositionSide is the direction of a ledger row.
type PositionSide string

const (
	SideLong  PositionSide = "long"
	SideShort PositionSide = "short"
)

// Valid reports whether the side is long or short.
func (s PositionSide) Valid() bool {
	return s == SideLong || s == SideShort
}

// PositionStatus tracks the claim -> confirm -> close lifecycle.
type PositionStatus string

const (
	PositionPending PositionStatus = "pending"
	PositionOpen    PositionStatus = "open"
	PositionClosed  PositionStatus = "closed"
)

// ActiveStatuses are the statuses covered by the one-row-per-(agent, symbol) rule.
var ActiveStatuses = []PositionStatus{PositionPending, PositionOpen}

// Position is one ledger row.
type Position struct {
	ID          string         `gorm:"type:varchar(32);primaryKey" json:"id"`
	AgentID     string         `gorm:"type:varchar(64);not null;index:idx_positions_agent_status,priority:1" json:"agent_id"`
	AccountID   string         `gorm:"type:varchar(64);not null;default:'';index:idx_positions_account_status,priority:1" json:"account_id"`
	Symbol      string         `gorm:"type:varchar(32);not null" json:"symbol"`
	Side        PositionSide   `gorm:"type:varchar(8);not null" json:"side"`
	Size        float64        `gorm:"not null;default:0" json:"size"`
	SizeUSD     float64        `gorm:"column:size_usd;not null;default:0" json:"size_usd"`
	EntryPrice  float64        `gorm:"not null;default:0" json:"entry_price"`
	Leverage    int            `gorm:"not null;default:1" json:"leverage"`
	Status      PositionStatus `gorm:"type:varchar(16);not null;index:idx_positions_agent_status,priority:2;index:idx_positions_account_status,priority:2" json:"status"`
	RealizedPnL float64        `gorm:"column:realized_pnl;not null;default:0" json:"realized_pnl"`
	ClosePrice  float64        `gorm:"not null;default:0" json:"close_price"`
	OpenedAt    time.Time      `gorm:"not null" json:"opened_at"`
	ClosedAt    *time.Time     `json:"closed_at,omitempty"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Position) TableName() string {
	return "positions"
}

// NormalizeSymbol returns the canonical ledger form of a symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// SignedSize is positive for long and negative for short.
func (p Position) SignedSize() float64 {
	if p.Side == SideShort {
		return -p.Size
	}
	return p.Size
}

// Margin is the capital the position ties up at its leverage.
func (p Position) Margin() float64 {
	lev := p.Leverage
	if lev <= 0 {
		lev = 1
	}
	return p.SizeUSD / float64(lev)
}

// UnrealizedPnL marks the position against mark. A zero mark yields zero.
func (p Position) UnrealizedPnL(mark float64) float64 {
	if mark <= 0 {
		return 0
	}
	if p.Side == SideShort {
		return (p.EntryPrice - mark) * p.Size
	}
	return (mark - p.EntryPrice) * p.Size
}

// IsActive reports whether the row is pending or open.
func (p Position) IsActive() bool {
	return p.Status == PositionPending || p.Status == PositionOpen
}

// CanTransition reports whether the ledger may move a row from one status to another.
func CanTransition(from, to PositionStatus) bool {
	switch from {
	case PositionPending:
		return to == PositionOpen
	case PositionOpen:
		return to == PositionClosed
	default:
		return false
	}
}
