package main

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/spf13/cobra"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
	"golang.org/x/sync/errgroup"

	"agentrunner/internal/backend"
	"agentrunner/internal/coord"
	"agentrunner/internal/executor"
	"agentrunner/internal/heartbeat"
	"agentrunner/internal/janitor"
	"agentrunner/internal/ops"
)

const shutdownTimeout = 2 * time.Minute

func newRunCmd(o *rootOptions) *cobra.Command {
	var autoMigrate bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every active agent this instance can own",
		Long: `Run connects to the database and the coordination store, then keeps
every active agent running on exactly one instance. Agents whose owner stops
heartbeating are picked up once their lease expires.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), o.cfg, autoMigrate)
		},
	}
	cmd.Flags().BoolVar(&autoMigrate, "auto-migrate", false, "create or update tables before starting")
	return cmd
}

func runDaemon(ctx context.Context, cfg *ops.Config, autoMigrate bool) error {
	if ctx == nil {
		ctx = context.Background()
	}

	instanceID := cfg.Instance.ID
	if instanceID == "" {
		instanceID = coord.NewInstanceID()
	}

	if cfg.Profiling.ServerAddress != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: cfg.Profiling.ApplicationName,
			ServerAddress:   cfg.Profiling.ServerAddress,
			Tags:            map[string]string{"instance": instanceID},
			Logger:          emptyLogger{},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			logs.Errorf("[agentd] start profiler failed, err: %+v", err)
			return err
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	a, err := newApp(cfg, autoMigrate)
	if err != nil {
		return err
	}
	defer a.Close()

	coordinator, err := a.connectRedis(ctx, instanceID)
	if err != nil {
		return err
	}

	publisher := heartbeat.NewPublisher(instanceID,
		[]heartbeat.Writer{a.repo, heartbeat.NewRedisWriter(a.redis, cfg.Worker.LeaseTTL.Std())},
		heartbeat.WithAttempts(cfg.Worker.HeartbeatRetries),
	)

	registry := backend.NewRegistry(cfg.SupervisorConfig(), backend.Deps{
		Store:      a.repo,
		Coord:      coordinator,
		Heartbeat:  publisher,
		Ledger:     a.ledger,
		Connector:  a.connector,
		Reconciler: a.reconciler,
		Metrics:    a.metrics,
		Executors:  executor.NewRegistry(),
	})
	sweeper := janitor.New(a.db.DB(), a.metrics)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-sys.Shutdown():
			logs.Infof("[agentd] shutdown signal received instance=%s", instanceID)
			cancel()
		case <-ctx.Done():
		}
	}()

	logs.Infof("[agentd] started instance=%s distributed=%t", instanceID, cfg.Worker.Distributed)

	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		registry.RunSync(gctx, cfg.Worker.SyncInterval.Std())
		return nil
	})
	eg.Go(func() error {
		sweeper.Run(gctx, cfg.Janitor.Interval.Std(), cfg.Janitor.MaxPendingAge.Std())
		return nil
	})
	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("ok\n"))
		})
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		eg.Go(func() error {
			logs.Infof("[agentd] serving metrics on %s/metrics", cfg.Metrics.Listen)
			if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		eg.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			return srv.Shutdown(sctx)
		})
	}

	runErr := eg.Wait()
	if runErr != nil {
		logs.Errorf("[agentd] service failed, err: %+v", runErr)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := registry.StopAll(stopCtx); err != nil {
		logs.Errorf("[agentd] stop agents failed, err: %+v", err)
	}
	logs.Infof("[agentd] stopped instance=%s", instanceID)
	return runErr
}

type emptyLogger struct{}

func (emptyLogger) Infof(_ string, _ ...interface{})  {}
func (emptyLogger) Debugf(_ string, _ ...interface{}) {}
func (emptyLogger) Errorf(_ string, _ ...interface{}) {}
