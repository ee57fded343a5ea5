package model

import (
	"github.com/yanun0323/errors"
	"gorm.io/gorm"
)

// activePositionIndex enforces at most one pending/open row per (agent, symbol).
// Partial indexes are supported by both postgres and sqlite.
const activePositionIndex = `CREATE UNIQUE INDEX IF NOT EXISTS uq_positions_agent_symbol_active
	ON positions (agent_id, symbol) WHERE status IN ('pending', 'open')`

// Migrate creates or updates the tables owned by the core.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Strategy{}, &Account{}, &Agent{}, &Position{}, &Heartbeat{}); err != nil {
		return errors.Wrap(err, "auto migrate")
	}
	if err := db.Exec(activePositionIndex).Error; err != nil {
		return errors.Wrap(err, "create active position index")
	}
	return nil
}
