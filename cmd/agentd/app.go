package main

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"agentrunner/internal/adapter"
	"agentrunner/internal/adapter/paper"
	"agentrunner/internal/coord"
	"agentrunner/internal/ledger"
	"agentrunner/internal/model"
	"agentrunner/internal/obs"
	"agentrunner/internal/ops"
	"agentrunner/internal/reconcile"
	"agentrunner/internal/repository"
	"agentrunner/internal/worker"
	"agentrunner/pkg/conn"
	"agentrunner/pkg/exception"
)

// app holds the stores and services shared by the commands.
type app struct {
	cfg        *ops.Config
	db         *conn.Client
	redis      *redis.Client
	metrics    *obs.Metrics
	repo       *repository.Repository
	ledger     *ledger.Ledger
	reconciler *reconcile.Engine
	connector  *worker.Connector
	factory    *adapter.Factory
	creds      adapter.CredentialStore
}

func newApp(cfg *ops.Config, autoMigrate bool) (*app, error) {
	db, err := conn.New(cfg.Database)
	if err != nil {
		return nil, err
	}
	if autoMigrate {
		if err := model.Migrate(db.DB()); err != nil {
			_ = db.Close()
			return nil, err
		}
		logs.Infof("[agentd] schema migrated")
	}

	a := &app{
		cfg:     cfg,
		db:      db,
		metrics: obs.NewMetrics(prometheus.NewRegistry()),
		repo:    repository.New(db.DB()),
		factory: adapter.NewFactory(),
		creds:   adapter.NewEnvCredentialStore(),
	}
	a.factory.Register("paper", paper.Constructor(worker.DefaultPaperBalance))
	a.connector = worker.NewConnector(a.repo, a.creds, a.factory)
	a.ledger = ledger.New(db.DB(), ledger.WithDefaultBaseCapital(cfg.Ledger.DefaultBaseCapital))
	a.reconciler = a.newReconciler()
	return a, nil
}

// connectRedis attaches the coordination store and returns a coordinator.
// The ledger starts taking distributed locks from here on.
func (a *app) connectRedis(ctx context.Context, instanceID string) (*coord.Coordinator, error) {
	client, err := conn.NewRedis(ctx, a.cfg.Redis)
	if err != nil {
		return nil, err
	}
	a.redis = client

	c := coord.New(client, a.cfg.CoordConfig(instanceID))
	a.ledger = ledger.New(a.db.DB(),
		ledger.WithLocker(c),
		ledger.WithDefaultBaseCapital(a.cfg.Ledger.DefaultBaseCapital),
	)
	a.reconciler = a.newReconciler()
	return c, nil
}

func (a *app) newReconciler() *reconcile.Engine {
	return reconcile.New(a.ledger,
		reconcile.WithGrace(a.cfg.Ledger.ZombieGrace.Std()),
		reconcile.WithEpsilon(a.cfg.Ledger.DriftEpsilon),
		reconcile.WithMetrics(a.metrics),
	)
}

// accountAdapter builds an initialized adapter for one exchange account.
func (a *app) accountAdapter(ctx context.Context, accountID string) (adapter.TradingAdapter, error) {
	account, err := a.repo.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	creds, err := a.creds.GetDecryptedCredentials(ctx, accountID)
	if err != nil {
		return nil, errors.Wrap(err, "load credentials").With("account", accountID)
	}
	if creds == nil {
		return nil, errors.Wrap(exception.ErrCredentialsMissing, accountID)
	}
	return a.factory.Build(ctx, *account, *creds)
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			logs.Warnf("[agentd] close redis failed, err: %+v", err)
		}
	}
	if err := a.db.Close(); err != nil {
		logs.Warnf("[agentd] close database failed, err: %+v", err)
	}
}
