package executor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentrunner/internal/adapter/paper"
	"agentrunner/internal/ledger"
	"agentrunner/internal/model"
	"agentrunner/internal/testkit"
)

func TestRegistryFallsBackToHold(t *testing.T) {
	r := NewRegistry()
	called := false
	r.Register("Grid", func(model.Agent) (Executor, error) {
		return Func(func(context.Context, Env) (Result, error) {
			called = true
			return Result{Success: true}, nil
		}), nil
	})

	exec, err := r.Build(model.Agent{Strategy: &model.Strategy{Type: "grid"}})
	require.NoError(t, err)
	_, err = exec.RunCycle(context.Background(), Env{})
	require.NoError(t, err)
	assert.True(t, called)

	exec, err = r.Build(model.Agent{})
	require.NoError(t, err)
	assert.IsType(t, Hold{}, exec)
}

func TestHoldSnapshotsAccount(t *testing.T) {
	db := testkit.NewDB(t)
	agent := testkit.SeedAgent(t, db, "a1", "acc", "quant", func(a *model.Agent) {
		a.MockInitialBalance = testkit.Float(1000)
	})
	l := ledger.New(db)
	ctx := context.Background()

	claimed, err := l.ClaimPosition(ctx, ledger.ClaimRequest{AgentID: "a1", AccountID: "acc", Symbol: "BTC", Side: model.SideLong, Leverage: 1})
	require.NoError(t, err)
	_, err = l.ConfirmPosition(ctx, claimed.ID, 0.01, 500, 50000)
	require.NoError(t, err)

	ad := paper.New(1000)
	ad.SetPrice("BTC", 50000)
	_, err = ad.OpenLong(ctx, "BTC", 500, 1)
	require.NoError(t, err)
	ad.SetPrice("BTC", 52000)

	res, err := Hold{}.RunCycle(ctx, Env{Agent: agent, Adapter: ad, Ledger: l})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Zero(t, res.TradesExecuted)

	var st holdState
	require.NoError(t, json.Unmarshal(res.UpdatedState, &st))
	assert.InDelta(t, 1020, st.Equity, 1e-9)
	assert.Equal(t, 1, st.OpenPositions)
}
