package ledger

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/yanun0323/errors"
	"gorm.io/gorm"
)

var (
	ErrPositionNotFound  = errors.New("ledger: position not found")
	ErrInvalidTransition = errors.New("ledger: invalid position status transition")
	ErrInvalidSide       = errors.New("ledger: invalid position side")
	ErrEmptySymbol       = errors.New("ledger: empty symbol")
)

// PositionConflictError means the (agent, symbol) slot is being claimed concurrently.
// It is retryable and does not indicate bad data.
type PositionConflictError struct {
	Symbol  string
	AgentID string
}

func (e *PositionConflictError) Error() string {
	return fmt.Sprintf("ledger: position conflict for agent %s on %s", e.AgentID, e.Symbol)
}

// CapitalExceededError means the trade must not be placed.
type CapitalExceededError struct {
	Message string
}

func (e *CapitalExceededError) Error() string {
	return e.Message
}

// isUniqueViolation catches both translated gorm errors and raw driver text.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "SQLSTATE 23505")
}
