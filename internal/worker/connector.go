package worker

import (
	"context"
	stderrors "errors"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"agentrunner/internal/adapter"
	"agentrunner/internal/adapter/paper"
	"agentrunner/internal/model"
	"agentrunner/pkg/exception"
)

// DefaultPaperBalance funds mock agents without mock_initial_balance.
const DefaultPaperBalance = 10000.0

// AccountLoader loads exchange accounts.
type AccountLoader interface {
	GetAccount(ctx context.Context, accountID string) (*model.Account, error)
}

// Connector builds trading adapters: the paper adapter for mock agents and a
// factory adapter for live agents.
type Connector struct {
	accounts    AccountLoader
	credentials adapter.CredentialStore
	factory     *adapter.Factory
}

// NewConnector creates a connector. factory may be nil when only mock agents run.
func NewConnector(accounts AccountLoader, credentials adapter.CredentialStore, factory *adapter.Factory) *Connector {
	return &Connector{accounts: accounts, credentials: credentials, factory: factory}
}

// Connect returns an initialized adapter for the agent. A nil adapter with a
// nil error means the account or its credentials are missing.
func (c *Connector) Connect(ctx context.Context, agent model.Agent) (adapter.TradingAdapter, error) {
	if agent.Mode == model.ExecutionModeMock {
		balance := DefaultPaperBalance
		if agent.MockInitialBalance != nil {
			balance = *agent.MockInitialBalance
		}
		a := paper.New(balance)
		if err := a.Initialize(ctx); err != nil {
			return nil, err
		}
		return a, nil
	}

	accountID := agent.Account()
	if accountID == "" || c.accounts == nil {
		logs.Warnf("[worker] agent=%s has no account, no adapter", agent.ID)
		return nil, nil
	}

	account, err := c.accounts.GetAccount(ctx, accountID)
	if stderrors.Is(err, exception.ErrAccountNotFound) {
		logs.Warnf("[worker] agent=%s account=%s not found, no adapter", agent.ID, accountID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if c.credentials == nil {
		return nil, nil
	}
	creds, err := c.credentials.GetDecryptedCredentials(ctx, accountID)
	if err != nil {
		logs.Warnf("[worker] agent=%s account=%s credentials unavailable, err: %+v", agent.ID, accountID, err)
		return nil, nil
	}
	if creds == nil {
		logs.Warnf("[worker] agent=%s account=%s has no credentials", agent.ID, accountID)
		return nil, nil
	}

	if c.factory == nil {
		return nil, errors.Wrap(exception.ErrNoAdapterForVenue, account.Exchange)
	}
	return c.factory.Build(ctx, *account, *creds)
}
