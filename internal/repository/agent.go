package repository

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/yanun0323/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"agentrunner/internal/model"
	"agentrunner/pkg/exception"
)

// Repository reads and updates agents, accounts and heartbeat rows.
type Repository struct {
	db  *gorm.DB
	now func() time.Time
}

// New creates a repository on db.
func New(db *gorm.DB) *Repository {
	return &Repository{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// GetAgent loads an agent with its strategy.
func (r *Repository) GetAgent(ctx context.Context, agentID string) (*model.Agent, error) {
	var agent model.Agent
	err := r.db.WithContext(ctx).Preload("Strategy").Where("id = ?", agentID).Take(&agent).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrap(exception.ErrAgentNotFound, agentID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get agent").With("agent", agentID)
	}
	return &agent, nil
}

// GetAccount loads an exchange account.
func (r *Repository) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	var account model.Account
	err := r.db.WithContext(ctx).Where("id = ?", accountID).Take(&account).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrap(exception.ErrAccountNotFound, accountID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get account").With("account", accountID)
	}
	return &account, nil
}

// ListActiveAgentIDs returns the agents that should be running somewhere.
func (r *Repository) ListActiveAgentIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&model.Agent{}).
		Where("status IN ?", []string{string(model.AgentStatusActive), string(model.AgentStatusWarning)}).
		Order("id").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, errors.Wrap(err, "list active agents")
	}
	return ids, nil
}

// CycleOutcome is what one executed cycle adds to the agent row.
type CycleOutcome struct {
	TradesExecuted int
	PnLChange      float64
	State          datatypes.JSON
}

// RecordCycle bumps the performance counters and clears the error streak.
func (r *Repository) RecordCycle(ctx context.Context, agentID string, out CycleOutcome) error {
	updates := map[string]any{
		"total_cycles":       gorm.Expr("total_cycles + ?", 1),
		"total_trades":       gorm.Expr("total_trades + ?", out.TradesExecuted),
		"total_pnl":          gorm.Expr("total_pnl + ?", out.PnLChange),
		"consecutive_errors": 0,
		"last_error":         "",
		"last_run_at":        r.now(),
	}
	if len(out.State) > 0 {
		updates["state"] = out.State
	}

	err := r.db.WithContext(ctx).Model(&model.Agent{}).Where("id = ?", agentID).Updates(updates).Error
	if err != nil {
		return errors.Wrap(err, "record cycle").With("agent", agentID)
	}
	return nil
}

// RecordError bumps the error streak and returns its new length.
func (r *Repository) RecordError(ctx context.Context, agentID string, cause string) (int, error) {
	var agent model.Agent
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.Agent{}).Where("id = ?", agentID).Updates(map[string]any{
			"consecutive_errors": gorm.Expr("consecutive_errors + ?", 1),
			"last_error":         cause,
			"last_run_at":        r.now(),
		}).Error; err != nil {
			return err
		}
		return tx.Select("consecutive_errors").Where("id = ?", agentID).Take(&agent).Error
	})
	if err != nil {
		return 0, errors.Wrap(err, "record error").With("agent", agentID)
	}
	return agent.ConsecutiveErrors, nil
}

// UpdateStatus sets the agent status.
func (r *Repository) UpdateStatus(ctx context.Context, agentID string, status model.AgentStatus) error {
	err := r.db.WithContext(ctx).Model(&model.Agent{}).Where("id = ?", agentID).
		Update("status", string(status)).Error
	if err != nil {
		return errors.Wrap(err, "update status").With("agent", agentID)
	}
	return nil
}

// UpdateStatusFrom moves the agent from one status to another and reports
// whether the row was still in the expected status.
func (r *Repository) UpdateStatusFrom(ctx context.Context, agentID string, from, to model.AgentStatus) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.Agent{}).
		Where("id = ? AND status = ?", agentID, string(from)).
		Update("status", string(to))
	if res.Error != nil {
		return false, errors.Wrap(res.Error, "update status").With("agent", agentID).With("from", string(from))
	}
	return res.RowsAffected == 1, nil
}

// WriteHeartbeat upserts the agent's heartbeat row.
func (r *Repository) WriteHeartbeat(ctx context.Context, agentID, owner string, at time.Time) error {
	row := model.Heartbeat{AgentID: agentID, Owner: owner, BeatAt: at}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "agent_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"owner", "beat_at"}),
	}).Create(&row).Error
}

// ClearHeartbeat deletes the agent's heartbeat row.
func (r *Repository) ClearHeartbeat(ctx context.Context, agentID string) error {
	return r.db.WithContext(ctx).Where("agent_id = ?", agentID).Delete(&model.Heartbeat{}).Error
}

// GetHeartbeat returns the heartbeat row, or nil when absent.
func (r *Repository) GetHeartbeat(ctx context.Context, agentID string) (*model.Heartbeat, error) {
	var rows []model.Heartbeat
	if err := r.db.WithContext(ctx).Where("agent_id = ?", agentID).Limit(1).Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "get heartbeat").With("agent", agentID)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}
