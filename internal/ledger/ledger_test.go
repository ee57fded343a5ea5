package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"agentrunner/internal/model"
	"agentrunner/internal/testkit"
)

type denyLocker struct{}

func (denyLocker) TryLock(context.Context, string) bool { return false }
func (denyLocker) Unlock(context.Context, string)       {}

type recordingLocker struct {
	mu       sync.Mutex
	locked   []string
	unlocked []string
}

func (r *recordingLocker) TryLock(_ context.Context, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locked = append(r.locked, name)
	return true
}

func (r *recordingLocker) Unlock(_ context.Context, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unlocked = append(r.unlocked, name)
}

func newLedger(t *testing.T, opts ...Option) (*Ledger, *gorm.DB) {
	t.Helper()
	db := testkit.NewDB(t)
	return New(db, opts...), db
}

func openPosition(t *testing.T, l *Ledger, agentID, accountID, symbol string, side model.PositionSide, size, sizeUSD, entry float64, leverage int) model.Position {
	t.Helper()
	ctx := context.Background()
	claimed, err := l.ClaimPosition(ctx, ClaimRequest{AgentID: agentID, AccountID: accountID, Symbol: symbol, Side: side, Leverage: leverage})
	require.NoError(t, err)
	opened, err := l.ConfirmPosition(ctx, claimed.ID, size, sizeUSD, entry)
	require.NoError(t, err)
	return *opened
}

func countActive(t *testing.T, db *gorm.DB, agentID, symbol string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&model.Position{}).
		Where("agent_id = ? AND symbol = ? AND status IN ?", agentID, symbol, activeStatuses()).
		Count(&n).Error)
	return n
}

func TestClaimPositionIsIdempotent(t *testing.T) {
	l, db := newLedger(t)
	ctx := context.Background()

	first, err := l.ClaimPosition(ctx, ClaimRequest{AgentID: "a1", AccountID: "acc", Symbol: "btc", Side: model.SideLong, Leverage: 3})
	require.NoError(t, err)
	assert.Equal(t, "BTC", first.Symbol)
	assert.Equal(t, model.PositionPending, first.Status)
	assert.Equal(t, 3, first.Leverage)

	second, err := l.ClaimPosition(ctx, ClaimRequest{AgentID: "a1", AccountID: "acc", Symbol: " BTC ", Side: model.SideShort})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, model.SideLong, second.Side)
	assert.EqualValues(t, 1, countActive(t, db, "a1", "BTC"))

	other, err := l.ClaimPosition(ctx, ClaimRequest{AgentID: "a2", AccountID: "acc", Symbol: "BTC", Side: model.SideLong})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestClaimPositionValidation(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	_, err := l.ClaimPosition(ctx, ClaimRequest{AgentID: "a1", Symbol: "  ", Side: model.SideLong})
	assert.ErrorIs(t, err, ErrEmptySymbol)

	_, err = l.ClaimPosition(ctx, ClaimRequest{AgentID: "a1", Symbol: "ETH", Side: "flat"})
	assert.ErrorIs(t, err, ErrInvalidSide)
}

func TestClaimPositionLockDenied(t *testing.T) {
	l, db := newLedger(t, WithLocker(denyLocker{}))

	_, err := l.ClaimPosition(context.Background(), ClaimRequest{AgentID: "a1", Symbol: "eth", Side: model.SideLong})
	var conflict *PositionConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "ETH", conflict.Symbol)
	assert.Equal(t, "a1", conflict.AgentID)
	assert.EqualValues(t, 0, countActive(t, db, "a1", "ETH"))
}

func TestClaimPositionReleasesLock(t *testing.T) {
	locker := &recordingLocker{}
	l, _ := newLedger(t, WithLocker(locker))

	_, err := l.ClaimPosition(context.Background(), ClaimRequest{AgentID: "a1", Symbol: "sol", Side: model.SideShort})
	require.NoError(t, err)
	_, err = l.ClaimPosition(context.Background(), ClaimRequest{AgentID: "a1", Symbol: "", Side: model.SideShort})
	require.Error(t, err)

	assert.Equal(t, []string{"position:a1:SOL"}, locker.locked)
	assert.Equal(t, locker.locked, locker.unlocked)
}

func TestUniqueIndexRejectsSecondActiveRow(t *testing.T) {
	l, db := newLedger(t)
	claimed, err := l.ClaimPosition(context.Background(), ClaimRequest{AgentID: "a1", Symbol: "BTC", Side: model.SideLong})
	require.NoError(t, err)

	dup := *claimed
	dup.ID = "manual-duplicate"
	err = db.Create(&dup).Error
	require.Error(t, err)
	assert.True(t, isUniqueViolation(err))
}

func TestClaimPositionLosesRaceToRivalInsert(t *testing.T) {
	l, db := newLedger(t)
	ctx := context.Background()

	var fired atomic.Bool
	require.NoError(t, db.Callback().Create().Before("gorm:create").Register("test:rival_claim", func(d *gorm.DB) {
		if d.Statement.Table != "positions" || !fired.CompareAndSwap(false, true) {
			return
		}
		now := time.Now().UTC()
		rival := model.Position{
			ID:        "rival",
			AgentID:   "a1",
			Symbol:    "BTC",
			Side:      model.SideShort,
			Leverage:  1,
			Status:    model.PositionPending,
			OpenedAt:  now,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := d.Session(&gorm.Session{NewDB: true}).Create(&rival).Error; err != nil {
			_ = d.AddError(err)
		}
	}))

	_, err := l.ClaimPosition(ctx, ClaimRequest{AgentID: "a1", Symbol: "btc", Side: model.SideLong})
	var conflict *PositionConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "BTC", conflict.Symbol)
	assert.Equal(t, "a1", conflict.AgentID)
	assert.True(t, fired.Load())
	assert.EqualValues(t, 0, countActive(t, db, "a1", "BTC"))

	claimed, err := l.ClaimPosition(ctx, ClaimRequest{AgentID: "a1", Symbol: "btc", Side: model.SideLong})
	require.NoError(t, err)
	assert.Equal(t, model.SideLong, claimed.Side)
	assert.EqualValues(t, 1, countActive(t, db, "a1", "BTC"))
}

func TestConfirmPositionTransitions(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	_, err := l.ConfirmPosition(ctx, "missing", 1, 1, 1)
	assert.ErrorIs(t, err, ErrPositionNotFound)

	pos := openPosition(t, l, "a1", "acc", "ETH", model.SideLong, 2, 6000, 3000, 2)
	assert.Equal(t, model.PositionOpen, pos.Status)

	_, err = l.ConfirmPosition(ctx, pos.ID, 3, 9000, 3000)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestReleaseClaimOnlyDeletesPending(t *testing.T) {
	l, db := newLedger(t)
	ctx := context.Background()

	claimed, err := l.ClaimPosition(ctx, ClaimRequest{AgentID: "a1", Symbol: "BTC", Side: model.SideLong})
	require.NoError(t, err)
	released, err := l.ReleaseClaim(ctx, claimed.ID)
	require.NoError(t, err)
	assert.True(t, released)
	assert.EqualValues(t, 0, countActive(t, db, "a1", "BTC"))

	open := openPosition(t, l, "a1", "acc", "BTC", model.SideLong, 0.1, 5000, 50000, 1)
	released, err = l.ReleaseClaim(ctx, open.ID)
	require.NoError(t, err)
	assert.False(t, released)
	assert.EqualValues(t, 1, countActive(t, db, "a1", "BTC"))
}

func TestAccumulatePositionWeightsEntry(t *testing.T) {
	l, _ := newLedger(t)
	pos := openPosition(t, l, "a1", "acc", "BTC", model.SideLong, 0.1, 5000, 50000, 1)

	got, err := l.AccumulatePosition(context.Background(), pos.ID, 0.1, 4800, 48000)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.InDelta(t, 0.2, got.Size, 1e-12)
	assert.InDelta(t, 49000, got.EntryPrice, 1e-9)
	assert.InDelta(t, 9800, got.SizeUSD, 1e-9)
}

func TestAccumulatePositionZeroGuard(t *testing.T) {
	l, _ := newLedger(t)
	pos := openPosition(t, l, "a1", "acc", "BTC", model.SideLong, 0, 0, 100, 1)

	got, err := l.AccumulatePosition(context.Background(), pos.ID, 0, 0, 0)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 0.0, got.Size)
	assert.Equal(t, 100.0, got.EntryPrice)
}

func TestAccumulatePositionIgnoresNonOpen(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	got, err := l.AccumulatePosition(ctx, "unknown", 1, 1, 1)
	require.NoError(t, err)
	assert.Nil(t, got)

	claimed, err := l.ClaimPosition(ctx, ClaimRequest{AgentID: "a1", Symbol: "BTC", Side: model.SideLong})
	require.NoError(t, err)
	got, err = l.AccumulatePosition(ctx, claimed.ID, 1, 1, 1)
	require.NoError(t, err)
	assert.Nil(t, got)

	pos := openPosition(t, l, "a2", "acc", "BTC", model.SideLong, 1, 100, 100, 1)
	_, err = l.ClosePositionRecord(ctx, pos.ID, 110, 10)
	require.NoError(t, err)
	got, err = l.AccumulatePosition(ctx, pos.ID, 1, 1, 1)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestWeightedEntryFallsBackToOldEntry(t *testing.T) {
	size, entry := weightedEntry(1, 200, 1, 0)
	assert.Equal(t, 2.0, size)
	assert.Equal(t, 200.0, entry)

	size, entry = weightedEntry(1, 200, -1, 150)
	assert.Equal(t, 0.0, size)
	assert.Equal(t, 200.0, entry)
}

func TestPositionLifecycleEndToEnd(t *testing.T) {
	l, db := newLedger(t)
	ctx := context.Background()

	claimed, err := l.ClaimPosition(ctx, ClaimRequest{AgentID: "a1", AccountID: "acc", Symbol: "BTC", Side: model.SideLong})
	require.NoError(t, err)
	assert.Equal(t, model.PositionPending, claimed.Status)
	assert.EqualValues(t, 1, countActive(t, db, "a1", "BTC"))

	opened, err := l.ConfirmPosition(ctx, claimed.ID, 0.05, 2500, 50000)
	require.NoError(t, err)
	assert.Equal(t, model.PositionOpen, opened.Status)
	assert.Equal(t, claimed.ID, opened.ID)
	assert.EqualValues(t, 1, countActive(t, db, "a1", "BTC"))

	closed, err := l.ClosePositionRecord(ctx, claimed.ID, 52000, 200)
	require.NoError(t, err)
	assert.Equal(t, model.PositionClosed, closed.Status)
	require.NotNil(t, closed.ClosedAt)

	rows, err := l.GetAgentPositions(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, model.PositionClosed, rows[0].Status)
	assert.Equal(t, 52000.0, rows[0].ClosePrice)
	assert.Equal(t, 200.0, rows[0].RealizedPnL)
	assert.NotNil(t, rows[0].ClosedAt)

	_, err = l.ClosePositionRecord(ctx, claimed.ID, 52000, 200)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCheckCapitalAllocation(t *testing.T) {
	l, db := newLedger(t)
	ctx := context.Background()
	testkit.SeedAgent(t, db, "a1", "acc", "quant", func(a *model.Agent) {
		a.AllocatedCapital = testkit.Float(3000)
	})
	openPosition(t, l, "a1", "acc", "ETH", model.SideLong, 2, 5000, 2500, 5)

	decision, err := l.CheckCapitalAllocation(ctx, "a1", 100000, 10000, 5)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.InDelta(t, 3000, decision.TotalMargin, 1e-9)

	decision, err = l.CheckCapitalAllocation(ctx, "a1", 100000, 10001, 5)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.Reason, "capital allocation exceeded")

	_, err = l.CheckCapitalAllocation(ctx, "ghost", 100000, 1, 1)
	assert.Error(t, err)
}

func TestCheckCapitalAllocationWithoutLimit(t *testing.T) {
	l, db := newLedger(t)
	testkit.SeedAgent(t, db, "a1", "acc", "quant")

	decision, err := l.CheckCapitalAllocation(context.Background(), "a1", 100, 1e9, 1)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestClaimPositionWithCapitalCheck(t *testing.T) {
	l, db := newLedger(t)
	ctx := context.Background()
	testkit.SeedAgent(t, db, "a1", "acc", "quant", func(a *model.Agent) {
		a.AllocatedCapital = testkit.Float(3000)
	})
	openPosition(t, l, "a1", "acc", "ETH", model.SideLong, 2, 5000, 2500, 5)

	_, err := l.ClaimPositionWithCapitalCheck(ctx, ClaimRequest{AgentID: "a1", AccountID: "acc", Symbol: "BTC", Side: model.SideLong, Leverage: 5}, 100000, 10001)
	var exceeded *CapitalExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Contains(t, exceeded.Message, "capital allocation exceeded")
	assert.EqualValues(t, 0, countActive(t, db, "a1", "BTC"))

	pos, err := l.ClaimPositionWithCapitalCheck(ctx, ClaimRequest{AgentID: "a1", AccountID: "acc", Symbol: "BTC", Side: model.SideLong, Leverage: 5}, 100000, 10000)
	require.NoError(t, err)
	assert.Equal(t, model.PositionPending, pos.Status)
}

func TestClaimPositionWithCapitalCheckSkipsWithoutEquity(t *testing.T) {
	l, db := newLedger(t)
	testkit.SeedAgent(t, db, "a1", "acc", "quant", func(a *model.Agent) {
		a.AllocatedCapital = testkit.Float(10)
	})

	pos, err := l.ClaimPositionWithCapitalCheck(context.Background(), ClaimRequest{AgentID: "a1", Symbol: "BTC", Side: model.SideLong}, 0, 1e6)
	require.NoError(t, err)
	assert.Equal(t, "BTC", pos.Symbol)
}

func TestClaimPositionWithCapitalCheckLockDenied(t *testing.T) {
	l, _ := newLedger(t, WithLocker(denyLocker{}))

	_, err := l.ClaimPositionWithCapitalCheck(context.Background(), ClaimRequest{AgentID: "a1", Symbol: "BTC", Side: model.SideLong}, 1000, 1)
	var exceeded *CapitalExceededError
	assert.ErrorAs(t, err, &exceeded)
}

func TestGetAgentAccountState(t *testing.T) {
	l, db := newLedger(t, WithDefaultBaseCapital(7777))
	ctx := context.Background()
	testkit.SeedAgent(t, db, "a1", "acc", "quant", func(a *model.Agent) {
		a.MockInitialBalance = testkit.Float(5000)
		a.TotalPnL = 100
	})
	openPosition(t, l, "a1", "acc", "BTC", model.SideLong, 0.1, 5000, 50000, 5)
	openPosition(t, l, "a1", "acc", "ETH", model.SideShort, 1, 3000, 3000, 1)

	st, err := l.GetAgentAccountState(ctx, "a1", 0, map[string]float64{"btc": 51000})
	require.NoError(t, err)
	assert.Equal(t, 5000.0, st.BaseCapital)
	assert.Equal(t, 100.0, st.RealizedPnL)
	assert.InDelta(t, 100, st.UnrealizedPnL, 1e-9)
	assert.InDelta(t, 5200, st.Equity, 1e-9)
	assert.InDelta(t, 4000, st.MarginUsed, 1e-9)
	assert.InDelta(t, 1200, st.AvailableBalance, 1e-9)
	assert.Len(t, st.OpenPositions, 2)

	testkit.SeedAgent(t, db, "a2", "acc", "quant")
	openPosition(t, l, "a2", "acc", "BTC", model.SideLong, 1, 50000, 50000, 1)
	st, err = l.GetAgentAccountState(ctx, "a2", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 7777.0, st.BaseCapital)
	assert.Equal(t, 0.0, st.AvailableBalance)
}

func TestAccountQueries(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	openPosition(t, l, "a1", "acc", "BTC", model.SideLong, 0.1, 5000, 50000, 1)
	openPosition(t, l, "a2", "acc", "BTC", model.SideShort, 0.04, 2000, 50000, 1)
	openPosition(t, l, "a3", "other", "BTC", model.SideLong, 5, 1, 1, 1)
	_, err := l.ClaimPosition(ctx, ClaimRequest{AgentID: "a1", AccountID: "acc", Symbol: "ETH", Side: model.SideLong})
	require.NoError(t, err)

	rows, err := l.GetAccountOpenPositions(ctx, "acc")
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	net, err := l.GetAccountNetPositions(ctx, "acc")
	require.NoError(t, err)
	require.Len(t, net, 1)
	btc := net["BTC"]
	assert.InDelta(t, 0.1, btc.LongSize, 1e-12)
	assert.InDelta(t, 0.04, btc.ShortSize, 1e-12)
	assert.InDelta(t, 0.06, btc.NetSize, 1e-12)
	assert.Equal(t, []string{"a1", "a2"}, btc.AgentIDs)

	has, err := l.HasOpenPositions(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, has)
	has, err = l.HasOpenPositions(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, has)

	pos, err := l.GetAgentPositionForSymbol(ctx, "a1", "btc")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, "BTC", pos.Symbol)

	pos, err = l.GetAgentPositionForSymbol(ctx, "a1", "doge")
	require.NoError(t, err)
	assert.Nil(t, pos)

	pending, err := l.GetAgentPositions(ctx, "a1", model.PositionPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "ETH", pending[0].Symbol)
}
