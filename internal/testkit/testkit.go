// Package testkit builds throwaway stores for package tests.
package testkit

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"agentrunner/internal/model"
	"agentrunner/pkg/conn"
)

// NewDB returns a migrated in-memory sqlite database closed with the test.
// A single connection keeps every query on the same in-memory database.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	client, err := conn.New(conn.Option{
		Driver:       conn.DriverSQLite,
		Path:         "file::memory:",
		MaxOpenConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, model.Migrate(client.DB()))
	return client.DB()
}

// NewRedis starts a miniredis server and a client that does not retry, so
// outage tests fail fast.
func NewRedis(t testing.TB) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr:       srv.Addr(),
		MaxRetries: -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	return srv, client
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}

// SeedAgent inserts a strategy and an agent bound to accountID.
func SeedAgent(t testing.TB, db *gorm.DB, agentID, accountID, strategyType string, mutate ...func(*model.Agent)) model.Agent {
	t.Helper()

	strategy := model.Strategy{ID: "strategy-" + agentID, Name: agentID, Type: strategyType}
	require.NoError(t, db.Create(&strategy).Error)

	agent := model.Agent{
		ID:              agentID,
		Name:            agentID,
		StrategyID:      strategy.ID,
		Mode:            model.ExecutionModeMock,
		IntervalSeconds: model.DefaultIntervalSeconds,
		Status:          model.AgentStatusActive,
	}
	if accountID != "" {
		agent.AccountID = &accountID
	}
	for _, m := range mutate {
		m(&agent)
	}
	require.NoError(t, db.Create(&agent).Error)
	return agent
}
