package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/BadgerOps/fieldsync/internal/project"
	"github.com/BadgerOps/fieldsync/internal/scheduler"
	"github.com/BadgerOps/fieldsync/internal/tasks"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	runSendInterval time.Duration
	runMetricsAddr  string
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the background form update and auto-send jobs",
		Long: `Run until interrupted, keeping every project's forms up to date according
to its form_update_mode and submitting finalized instances when auto-send
allows it. The network reported to the jobs is the "network" config value.

When metrics.listen is set (or --metrics-listen is given) Prometheus
metrics are served on /metrics.`,
		Example: `  fieldsync run
  fieldsync run --send-interval 1m --metrics-listen 127.0.0.1:9464`,
		Args: cobra.NoArgs,
		RunE: runRun,
	}

	cmd.Flags().DurationVar(&runSendInterval, "send-interval", 5*time.Minute, "how often to queue an auto-send run")
	cmd.Flags().StringVar(&runMetricsAddr, "metrics-listen", "", "address for the metrics endpoint (overrides metrics.listen)")

	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil || globalRegistry == nil {
		return fmt.Errorf("config not loaded")
	}
	ids := globalRegistry.IDs()
	if len(ids) == 0 {
		return fmt.Errorf("no projects configured")
	}
	if runSendInterval <= 0 {
		return fmt.Errorf("--send-interval must be positive")
	}

	g, ctx := errgroup.WithContext(cmd.Context())

	network := project.DeviceNetwork(globalCfg)
	local := scheduler.NewLocal(ctx, network, logger)
	defer local.Stop()

	notifier := tasks.NewLogNotifier(logger)
	updater := tasks.NewFormsUpdater(globalRegistry, notifier, logger)
	sender := tasks.NewInstanceAutoSender(globalRegistry, notifier, network, logger)
	jobs := tasks.NewFormUpdateScheduler(local,
		tasks.NewSyncFormsTaskSpec(updater, logger),
		tasks.NewAutoUpdateTaskSpec(updater, logger),
		tasks.NewAutoSendTaskSpec(sender, logger),
		logger)

	for _, id := range ids {
		sb, err := globalRegistry.Sandbox(id)
		if err != nil {
			return err
		}
		jobs.ScheduleUpdates(id, sb.Task.Settings)
		jobs.ScheduleSubmit(id)
	}
	logger.Info("background jobs started", "projects", len(ids), "network", network.Current(), "jobs", local.Tags())

	g.Go(func() error {
		ticker := time.NewTicker(runSendInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				for _, id := range ids {
					if !local.IsDeferredRunning(tasks.AutoSendTag(id)) {
						jobs.ScheduleSubmit(id)
					}
				}
			}
		}
	})

	addr := runMetricsAddr
	if addr == "" {
		addr = globalCfg.Metrics.Listen
	}
	if addr != "" {
		g.Go(func() error { return serveMetrics(ctx, addr) })
	}

	err := g.Wait()
	for _, id := range ids {
		jobs.CancelAll(id)
	}
	logger.Info("background jobs stopped")
	return err
}

// serveMetrics serves /metrics on addr until ctx is done
func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics endpoint listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics server shutdown: %w", err)
		}
		return nil
	}
}
