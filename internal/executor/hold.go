package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/yanun0323/errors"
	"gorm.io/datatypes"
)

// Hold never trades. Each cycle it marks the agent's ledger positions against
// the adapter and stores the snapshot as agent state.
type Hold struct{}

type holdState struct {
	Equity           float64 `json:"equity"`
	AvailableBalance float64 `json:"available_balance"`
	UnrealizedPnL    float64 `json:"unrealized_pnl"`
	OpenPositions    int     `json:"open_positions"`
}

func (Hold) RunCycle(ctx context.Context, env Env) (Result, error) {
	if env.Ledger == nil {
		return Result{Success: true, Message: "hold"}, nil
	}

	var equity float64
	prices := make(map[string]float64)
	if env.Adapter != nil {
		account, err := env.Adapter.GetAccountState(ctx)
		if err != nil {
			return Result{}, errors.Wrap(err, "get account state")
		}
		equity = account.Equity

		positions, err := env.Adapter.GetPositions(ctx)
		if err != nil {
			return Result{}, errors.Wrap(err, "get positions")
		}
		for _, p := range positions {
			if p.MarkPrice > 0 {
				prices[p.Symbol] = p.MarkPrice
			}
		}
	}

	st, err := env.Ledger.GetAgentAccountState(ctx, env.Agent.ID, equity, prices)
	if err != nil {
		return Result{}, err
	}

	raw, err := json.Marshal(holdState{
		Equity:           st.Equity,
		AvailableBalance: st.AvailableBalance,
		UnrealizedPnL:    st.UnrealizedPnL,
		OpenPositions:    len(st.OpenPositions),
	})
	if err != nil {
		return Result{}, errors.Wrap(err, "marshal state")
	}

	return Result{
		Success:      true,
		Message:      fmt.Sprintf("hold equity=%.2f open=%d", st.Equity, len(st.OpenPositions)),
		UpdatedState: datatypes.JSON(raw),
	}, nil
}
