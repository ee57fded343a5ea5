package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentrunner/internal/model"
)

func TestPositionReducerNetsAcrossAgents(t *testing.T) {
	r := NewPositionReducer()
	r.ApplyAll([]model.Position{
		{AgentID: "a1", Symbol: "btc", Side: model.SideLong, Size: 0.3},
		{AgentID: "a2", Symbol: "BTC", Side: model.SideShort, Size: 0.1},
		{AgentID: "a1", Symbol: "ETH", Side: model.SideShort, Size: 2},
		{AgentID: "a1", Symbol: "BTC", Side: model.SideLong, Size: 0.1},
	})

	btc, ok := r.Position("btc")
	require.True(t, ok)
	assert.InDelta(t, 0.4, btc.LongSize, 1e-12)
	assert.InDelta(t, 0.1, btc.ShortSize, 1e-12)
	assert.InDelta(t, 0.3, btc.NetSize, 1e-12)
	assert.Equal(t, []string{"a1", "a2"}, btc.AgentIDs)

	assert.InDelta(t, -2.0, r.Net("ETH"), 1e-12)
	assert.Zero(t, r.Net("SOL"))
	assert.Equal(t, []string{"BTC", "ETH"}, r.Symbols())
	assert.Equal(t, 2, r.Count())
}

func TestPositionReducerIgnoresUnknownSide(t *testing.T) {
	r := NewPositionReducer()
	r.Apply(model.Position{AgentID: "a1", Symbol: "BTC", Side: "flat", Size: 1})

	snap := r.Snapshot()
	require.Contains(t, snap, "BTC")
	assert.Zero(t, snap["BTC"].NetSize)
	assert.Empty(t, snap["BTC"].AgentIDs)
}
