// Package janitor removes pending claims abandoned by crashed workers.
package janitor

import (
	"context"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"gorm.io/gorm"

	"agentrunner/internal/model"
	"agentrunner/internal/obs"
)

const (
	DefaultMaxAge   = 10 * time.Minute
	DefaultInterval = time.Minute
)

var ErrInvalidMaxAge = errors.New("janitor: max age must be positive")

// Janitor sweeps stale pending rows.
type Janitor struct {
	db      *gorm.DB
	metrics *obs.Metrics
	now     func() time.Time
}

// New creates a janitor. metrics may be nil.
func New(db *gorm.DB, metrics *obs.Metrics) *Janitor {
	return &Janitor{
		db:      db,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CleanupStalePending deletes pending rows created more than maxAge ago and
// returns how many were deleted. Open rows are never touched.
func (j *Janitor) CleanupStalePending(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		return 0, errors.Wrap(ErrInvalidMaxAge, maxAge.String())
	}
	cutoff := j.now().Add(-maxAge)

	res := j.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", string(model.PositionPending), cutoff).
		Delete(&model.Position{})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "cleanup stale pending")
	}

	if res.RowsAffected > 0 {
		logs.Warnf("[janitor] deleted %d stale pending claims older than %s", res.RowsAffected, maxAge)
	}
	j.metrics.AddJanitorDeleted(res.RowsAffected)
	return res.RowsAffected, nil
}

// Run sweeps every interval until ctx ends. Sweep errors are logged.
func (j *Janitor) Run(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := j.CleanupStalePending(ctx, maxAge); err != nil && ctx.Err() == nil {
			logs.Errorf("[janitor] sweep failed, err: %+v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
