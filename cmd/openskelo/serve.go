package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"openskelo/internal/adapters/cliexec"
	"openskelo/internal/adapters/httpexec"
	"openskelo/internal/config"
	"openskelo/internal/dispatch"
	"openskelo/internal/logging"
	"openskelo/internal/metrics"
	"openskelo/internal/pipeline"
	"openskelo/internal/review"
	"openskelo/internal/server"
	"openskelo/internal/store"
	"openskelo/internal/task"
	"openskelo/internal/watchdog"
	"openskelo/internal/webhook"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator: store, dispatcher, watchdog, control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if flagDebug {
		cfg.Debug = true
	}
	logging.SetDebug(cfg.Debug)
	logger := logging.NewComponentLogger("openskelo")

	st, err := store.Open(cfg.DBPath, logging.NewComponentLogger("store"))
	if err != nil {
		return err
	}
	defer st.Close()

	m := metrics.New(st)
	notifier := webhook.New(cfg.Webhooks, logging.NewComponentLogger("webhook"))
	expander := pipeline.NewExpander(st, logging.NewComponentLogger("expand"))
	reviewer := review.NewHandler(st, logging.NewComponentLogger("review"))
	hook := transitionHook(st, expander, reviewer, notifier, logger)
	reviewer.SetDecisionHook(hook)

	adapters, err := buildAdapters(cfg)
	if err != nil {
		return err
	}
	if len(adapters) == 0 {
		logger.Warn("no adapters configured; tasks can only be claimed via the API")
	}

	dispatcher := dispatch.New(st, adapters, dispatch.Config{
		PollInterval:      cfg.Dispatcher.PollInterval(),
		LeaseTTL:          cfg.Leases.TTL(),
		HeartbeatInterval: cfg.Leases.HeartbeatInterval(),
		ExecuteTimeout:    cfg.Dispatcher.ExecuteTimeout(),
		WIPLimits:         cfg.WIPLimits,
		DefaultGates:      cfg.Gates,
		OnReview:          hook,
		Observer:          m,
	}, logging.NewComponentLogger("dispatch"))

	wd := watchdog.New(st, watchdog.Config{
		Interval:      cfg.Watchdog.Interval(),
		GracePeriod:   cfg.Leases.GracePeriod(),
		OnLeaseExpire: cfg.Watchdog.OnLeaseExpire,
		OnRecover:     m.TaskRecovered,
	}, logging.NewComponentLogger("watchdog"))

	srv := server.New(st, notifier, m, server.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		APIKey:       cfg.Server.APIKey,
		Debug:        cfg.Debug,
		LeaseTTL:     cfg.Leases.TTL(),
		OnTransition: hook,
	}, logging.NewComponentLogger("server"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dispatcher.Start(ctx)
	wd.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	err = g.Wait()

	logger.Info("shutting down")
	dispatcher.Stop()
	wd.Stop()
	return err
}

// transitionHook bundles the side effects of a successful transition:
// dynamic expansion, auto-review, and webhook emission. It runs outside
// the transition's transaction.
func transitionHook(
	st *store.Store,
	expander *pipeline.Expander,
	reviewer *review.Handler,
	notifier *webhook.Notifier,
	logger logging.Logger,
) func(ctx context.Context, t *task.Task) {
	return func(ctx context.Context, t *task.Task) {
		if t == nil {
			return
		}
		switch t.Status {
		case task.StatusReview:
			if err := expander.Handle(ctx, t); err != nil {
				logger.Warn("expansion of %s: %v", t.ID, err)
			}
			if t.IsReviewChild() {
				if err := reviewer.OnChildComplete(ctx, t); err != nil {
					logger.Warn("review child %s: %v", t.ID, err)
				}
				return
			}
			if err := reviewer.OnEnterReview(ctx, t); err != nil {
				logger.Warn("auto-review of %s: %v", t.ID, err)
			}
			notifier.EmitTask(webhook.EventReview, t)

		case task.StatusDone:
			if err := expander.Handle(ctx, t); err != nil {
				logger.Warn("expansion of %s: %v", t.ID, err)
			}
			if t.IsReviewChild() {
				if err := reviewer.OnChildComplete(ctx, t); err != nil {
					logger.Warn("review child %s: %v", t.ID, err)
				}
				return
			}
			notifier.EmitTask(webhook.EventDone, t)
			if t.PipelineID != "" {
				if complete, err := st.PipelineComplete(ctx, t.PipelineID); err == nil && complete {
					notifier.EmitPipeline(webhook.EventPipelineComplete, t.PipelineID, nil)
				}
			}

		case task.StatusBlocked:
			notifier.EmitTask(webhook.EventBlocked, t)
		}
	}
}

func buildAdapters(cfg *config.Config) ([]dispatch.Adapter, error) {
	adapters := make([]dispatch.Adapter, 0, len(cfg.Adapters))
	for _, ac := range cfg.Adapters {
		switch ac.Kind {
		case config.AdapterKindCLI:
			a, err := cliexec.New(cliexec.Config{
				Name:           ac.Name,
				Command:        ac.Command,
				Args:           ac.Args,
				TaskTypes:      ac.TaskTypes,
				Cwd:            ac.Cwd,
				Env:            ac.Env,
				DefaultTimeout: ac.Timeout(),
			}, logging.NewComponentLogger("adapter:"+ac.Name))
			if err != nil {
				return nil, err
			}
			adapters = append(adapters, a)
		case config.AdapterKindHTTP:
			a, err := httpexec.New(httpexec.Config{
				Name:           ac.Name,
				URL:            ac.URL,
				TaskTypes:      ac.TaskTypes,
				Model:          ac.Model,
				APIKey:         ac.APIKey,
				DefaultTimeout: ac.Timeout(),
			}, logging.NewComponentLogger("adapter:"+ac.Name))
			if err != nil {
				return nil, err
			}
			adapters = append(adapters, a)
		default:
			return nil, fmt.Errorf("adapter %q: unknown kind %q", ac.Name, ac.Kind)
		}
	}
	return adapters, nil
}
