package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentrunner/internal/adapter"
	"agentrunner/internal/ledger"
	"agentrunner/internal/model"
	"agentrunner/internal/testkit"
)

type fixture struct {
	now    time.Time
	ledger *ledger.Ledger
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	f.ledger = ledger.New(testkit.NewDB(t), ledger.WithClock(func() time.Time { return f.now }))
	f.engine = New(f.ledger, WithGrace(time.Minute))
	return f
}

func (f *fixture) open(t *testing.T, agentID, symbol string, side model.PositionSide, size, entry float64) model.Position {
	t.Helper()
	ctx := context.Background()
	claimed, err := f.ledger.ClaimPosition(ctx, ledger.ClaimRequest{AgentID: agentID, AccountID: "acc", Symbol: symbol, Side: side, Leverage: 1})
	require.NoError(t, err)
	pos, err := f.ledger.ConfirmPosition(ctx, claimed.ID, size, size*entry, entry)
	require.NoError(t, err)
	return *pos
}

func (f *fixture) get(t *testing.T, agentID string) []model.Position {
	t.Helper()
	rows, err := f.ledger.GetAgentPositions(context.Background(), agentID)
	require.NoError(t, err)
	return rows
}

func TestZombieClosedAfterGrace(t *testing.T) {
	f := newFixture(t)
	pos := f.open(t, "a1", "BTC", model.SideLong, 0.1, 50000)
	f.now = f.now.Add(2 * time.Minute)

	report, err := f.engine.Reconcile(context.Background(), "acc", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ZombiesClosed)
	assert.Equal(t, 1, report.Count(KindZombie))
	require.Len(t, report.Details, 1)
	assert.Equal(t, pos.ID, report.Details[0].PositionID)

	rows := f.get(t, "a1")
	require.Len(t, rows, 1)
	assert.Equal(t, model.PositionClosed, rows[0].Status)
	assert.Zero(t, rows[0].RealizedPnL)
	assert.Equal(t, 50000.0, rows[0].ClosePrice)
}

func TestZombieWithinGraceIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.open(t, "a1", "BTC", model.SideLong, 0.1, 50000)
	f.now = f.now.Add(30 * time.Second)

	report, err := f.engine.Reconcile(context.Background(), "acc", nil)
	require.NoError(t, err)
	assert.Zero(t, report.ZombiesClosed)
	assert.Equal(t, 1, report.Count(KindSkipZombie))
	assert.Len(t, report.Details, 1)
	assert.Equal(t, model.PositionOpen, f.get(t, "a1")[0].Status)
}

func TestOrphanDoesNotMutate(t *testing.T) {
	f := newFixture(t)

	report, err := f.engine.Reconcile(context.Background(), "acc", []adapter.ExchangePosition{
		{Symbol: "eth", Side: model.SideShort, Size: 2},
		{Symbol: "SOL", Side: model.SideLong, Size: 0},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.OrphansFound)
	require.Len(t, report.Details, 1)
	assert.Equal(t, KindOrphan, report.Details[0].Kind)
	assert.Equal(t, "ETH", report.Details[0].Symbol)
	assert.Equal(t, -2.0, report.Details[0].ExchangeSize)

	rows, err := f.ledger.GetAccountOpenPositions(context.Background(), "acc")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestDriftOverwritesLedgerSize(t *testing.T) {
	f := newFixture(t)
	f.open(t, "a1", "BTC", model.SideLong, 0.1, 50000)

	report, err := f.engine.Reconcile(context.Background(), "acc", []adapter.ExchangePosition{
		{Symbol: "BTC", Side: model.SideLong, Size: 0.15},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.SizeSynced)
	assert.Equal(t, 1, report.Count(KindDrift))

	rows := f.get(t, "a1")
	require.Len(t, rows, 1)
	assert.InDelta(t, 0.15, rows[0].Size, 1e-12)
	assert.InDelta(t, 7500, rows[0].SizeUSD, 1e-6)
	assert.Equal(t, model.PositionOpen, rows[0].Status)
}

func TestMatchingSizesNoSync(t *testing.T) {
	f := newFixture(t)
	f.open(t, "a1", "BTC", model.SideLong, 0.1, 50000)
	f.open(t, "a2", "BTC", model.SideShort, 0.04, 50000)

	report, err := f.engine.Reconcile(context.Background(), "acc", []adapter.ExchangePosition{
		{Symbol: "BTC", Side: model.SideLong, Size: 0.06 + 1e-9},
	})
	require.NoError(t, err)
	assert.Zero(t, report.SizeSynced)
	assert.Empty(t, report.Details)
}

func TestDriftAcrossAgentsScalesProportionally(t *testing.T) {
	f := newFixture(t)
	f.open(t, "a1", "ETH", model.SideShort, 1, 3000)
	f.open(t, "a2", "ETH", model.SideShort, 3, 3000)

	report, err := f.engine.Reconcile(context.Background(), "acc", []adapter.ExchangePosition{
		{Symbol: "ETH", Side: model.SideShort, Size: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, report.SizeSynced)
	assert.Equal(t, 1, report.Count(KindDrift))

	assert.InDelta(t, 0.5, f.get(t, "a1")[0].Size, 1e-12)
	assert.InDelta(t, 1.5, f.get(t, "a2")[0].Size, 1e-12)
}

func TestDriftWithOppositeSignIsUnresolved(t *testing.T) {
	f := newFixture(t)
	f.open(t, "a1", "BTC", model.SideLong, 0.1, 50000)

	report, err := f.engine.Reconcile(context.Background(), "acc", []adapter.ExchangePosition{
		{Symbol: "BTC", Side: model.SideShort, Size: 0.1},
	})
	require.NoError(t, err)
	assert.Zero(t, report.SizeSynced)
	assert.Equal(t, 1, report.Count(KindDriftUnresolved))
	assert.Equal(t, 1, report.DriftUnresolved)
	assert.InDelta(t, 0.1, f.get(t, "a1")[0].Size, 1e-12)
}

func TestDriftOnMixedSidesIsUnresolved(t *testing.T) {
	f := newFixture(t)
	f.open(t, "a1", "BTC", model.SideLong, 0.1, 50000)
	f.open(t, "a2", "BTC", model.SideShort, 0.1, 50000)

	report, err := f.engine.Reconcile(context.Background(), "acc", []adapter.ExchangePosition{
		{Symbol: "BTC", Side: model.SideLong, Size: 0.2},
	})
	require.NoError(t, err)
	assert.Zero(t, report.SizeSynced)
	assert.Equal(t, 1, report.DriftUnresolved)
	assert.InDelta(t, 0.1, f.get(t, "a1")[0].Size, 1e-12)
	assert.InDelta(t, 0.1, f.get(t, "a2")[0].Size, 1e-12)
}

func TestOtherAccountsUntouched(t *testing.T) {
	f := newFixture(t)
	f.open(t, "a1", "BTC", model.SideLong, 0.1, 50000)
	f.now = f.now.Add(time.Hour)

	report, err := f.engine.Reconcile(context.Background(), "another", nil)
	require.NoError(t, err)
	assert.Empty(t, report.Details)
	assert.Equal(t, model.PositionOpen, f.get(t, "a1")[0].Status)
}

func TestDrifted(t *testing.T) {
	e := New(nil)
	assert.False(t, e.drifted(1, 1+1e-7))
	assert.True(t, e.drifted(1, 1+1e-5))
	assert.False(t, e.drifted(1000, 1000+1e-4))
	assert.True(t, e.drifted(0, 1e-5))
}
