package cmd

import (
	"fmt"
	"log/slog"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/amanmcp/gokko/internal/async"
	"github.com/amanmcp/gokko/internal/config"
	"github.com/amanmcp/gokko/internal/indexing"
	"github.com/amanmcp/gokko/internal/logging"
	"github.com/amanmcp/gokko/internal/scheduler"
	"github.com/amanmcp/gokko/internal/store"
	"github.com/amanmcp/gokko/internal/task"
)

// newRunCmd creates the run command, the engine's only long-running mode.
func newRunCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the search engine's scheduler loop",
		Long: `Run loads configuration, opens the Storage Environment at the
configured data directory, and runs the batch scheduler until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runEngine(cmd, dir)
		},
	}

	cmd.Flags().StringVar(&dir, "dir", ".", "project directory to load gokko.yaml from")
	return cmd
}

func runEngine(cmd *cobra.Command, dir string) error {
	cfg, err := config.Load(dir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.Default()
	if !debugMode {
		l, cleanup, err := logging.Setup(logging.DefaultConfig())
		if err != nil {
			return fmt.Errorf("setup logging: %w", err)
		}
		defer cleanup()
		logger = l
		slog.SetDefault(logger)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootEnv, err := store.OpenEnv(filepath.Join(cfg.Paths.DataDir, "root.mdb"), cfg.Storage.InitialMapSize, logger)
	if err != nil {
		return fmt.Errorf("open root environment: %w", err)
	}
	defer rootEnv.Close()

	catalog, err := store.NewCatalog(rootEnv, filepath.Join(cfg.Paths.DataDir, "indexes"), cfg.Storage.CatalogCapacity, cfg.Storage.InitialMapSize, logger)
	if err != nil {
		return fmt.Errorf("open index catalog: %w", err)
	}
	defer catalog.Close()

	queue, err := task.Open(rootEnv, cfg.Scheduler.MaxTasks, logger)
	if err != nil {
		return fmt.Errorf("open task queue: %w", err)
	}

	pipeline := indexing.NewPipeline(catalog, queue, logger)

	sched := scheduler.New(queue, catalog, rootEnv, pipeline, scheduler.Options{
		AutobatchingEnabled:   cfg.Scheduler.AutobatchingEnabled,
		CleanupEnabled:        cfg.Scheduler.CleanupEnabled,
		MaxBatchedTasks:       cfg.Scheduler.MaxBatchedTasks,
		BatchedTasksSizeLimit: uint64(cfg.Scheduler.BatchedTasksSizeLimit),
	}, logger)

	supervisor := async.NewSupervisor(async.SupervisorConfig{
		MaxRestarts:    3,
		RestartBackoff: 2 * time.Second,
		Logger:         logger,
	})
	supervisor.RunFunc = sched.Run

	logger.Info("gokkod starting", slog.String("data_dir", cfg.Paths.DataDir))
	supervisor.Start(ctx)
	err = supervisor.Wait()
	if err != nil && ctx.Err() != nil {
		logger.Info("gokkod stopped")
		return nil
	}
	return err
}
