package app

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tasker-systems/tasker/pkg/coordinator"
	"github.com/tasker-systems/tasker/pkg/logger"
)

func newWorkerCmd() *cobra.Command {
	var workerCount int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run run-queue workers without the API server",
		Long: `Worker polls the run queue and executes coordinator passes for claimed
runs. Use it to scale execution independently of the API tier.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorkers(cmd.Context(), workerCount)
		},
	}
	cmd.Flags().IntVar(&workerCount, "workers", 1, "Number of concurrent run-queue workers")
	return cmd
}

func runWorkers(ctx context.Context, workerCount int) error {
	if workerCount < 1 {
		workerCount = 1
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	eng, err := buildEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer eng.close()

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workerCount; i++ {
		w := newEngineWorker(eng)
		g.Go(func() error {
			return w.Run(ctx)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Infow("workers stopped")
		return nil
	}
	return err
}

// newEngineWorker builds a run-queue worker bound to the engine's store and
// coordinator.
func newEngineWorker(eng *engine) *coordinator.Worker {
	opts := []coordinator.WorkerOption{
		coordinator.WithPollInterval(eng.cfg.Execution.PollInterval),
	}
	if eng.metrics != nil {
		opts = append(opts, coordinator.WithWorkerMetrics(eng.metrics))
	}
	return coordinator.NewWorker(workerID(), eng.store, eng.coordinator, opts...)
}
