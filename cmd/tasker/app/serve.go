package app

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tasker-systems/tasker/pkg/api"
	"github.com/tasker-systems/tasker/pkg/logger"
	"github.com/tasker-systems/tasker/pkg/versions"
)

func newServeCmd() *cobra.Command {
	var workerCount int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and an embedded worker fleet",
		Long: `Serve starts the REST API and, unless --workers=0, a set of run-queue
workers in the same process. Multiple serve processes can share one
Postgres database; the claim protocol keeps them from stepping on each
other.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), workerCount)
		},
	}
	cmd.Flags().IntVar(&workerCount, "workers", 1, "Number of embedded run-queue workers (0 disables)")
	return cmd
}

func runServe(ctx context.Context, workerCount int) error {
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

	deps := api.Deps{
		Store:       eng.store,
		Pinger:      eng.pinger,
		Coordinator: eng.coordinator,
		Initializer: eng.initializer,
		Registry:    eng.registry,
		Catalog:     eng.catalog,
		Gatherer:    eng.gatherer,
		Version:     versions.GetVersionInfo().Version,
		JWTSecret:   []byte(os.Getenv(jwtSecretEnv)),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return api.Serve(ctx, cfg, deps)
	})
	for i := 0; i < workerCount; i++ {
		w := newEngineWorker(eng)
		g.Go(func() error {
			return w.Run(ctx)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Infow("tasker stopped")
		return nil
	}
	return err
}
