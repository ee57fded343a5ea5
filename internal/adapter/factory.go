package adapter

import (
	"context"
	"strings"
	"sync"

	"github.com/yanun0323/errors"

	"agentrunner/internal/model"
	"agentrunner/pkg/exception"
)

// Constructor builds an uninitialized adapter for a live account.
type Constructor func(account model.Account, creds Credentials) (TradingAdapter, error)

// Factory maps exchange names to adapter constructors.
type Factory struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewFactory creates an empty factory.
func NewFactory() *Factory {
	return &Factory{constructors: make(map[string]Constructor)}
}

// Register binds an exchange name, case-insensitively.
func (f *Factory) Register(exchange string, c Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[strings.ToLower(exchange)] = c
}

// Exchanges lists the registered names.
func (f *Factory) Exchanges() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.constructors))
	for name := range f.constructors {
		out = append(out, name)
	}
	return out
}

// Build constructs and initializes an adapter for the account.
func (f *Factory) Build(ctx context.Context, account model.Account, creds Credentials) (TradingAdapter, error) {
	f.mu.RLock()
	c, ok := f.constructors[strings.ToLower(account.Exchange)]
	f.mu.RUnlock()
	if !ok {
		return nil, errors.Wrap(exception.ErrNoAdapterForVenue, account.Exchange)
	}

	a, err := c(account, creds)
	if err != nil {
		return nil, errors.Wrap(err, "construct adapter").With("exchange", account.Exchange)
	}
	if err := a.Initialize(ctx); err != nil {
		_ = a.Close()
		return nil, errors.Wrap(err, "initialize adapter").With("exchange", account.Exchange)
	}
	return a, nil
}
