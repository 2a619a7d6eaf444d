package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/amanmcp/gokko/internal/config"
	"github.com/amanmcp/gokko/internal/indexing"
	"github.com/amanmcp/gokko/internal/search"
	"github.com/amanmcp/gokko/internal/store"
	"github.com/amanmcp/gokko/internal/task"
)

// newSearchCmd creates the search command, a one-shot read against an
// already-committed index. Unlike run, it never starts the scheduler: it
// opens the Storage Environment, composes a single SearchRequest, and exits.
func newSearchCmd() *cobra.Command {
	var (
		dir         string
		limit       int
		offset      int
		allowPrefix bool
		strategy    string
	)

	cmd := &cobra.Command{
		Use:   "search <index> <query>",
		Short: "Search a committed index and print the results as JSON",
		Long: `Search loads an existing Storage Environment read-only and runs a
single query through the ranking rule cascade, printing the ranked hits as
JSON. It does not start the batch scheduler.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ms, err := parseMatchingStrategy(strategy)
			if err != nil {
				return err
			}
			return runSearch(cmd, dir, args[0], indexing.SearchRequest{
				Query:            args[1],
				MatchingStrategy: ms,
				AllowPrefix:      allowPrefix,
				Offset:           offset,
				Limit:            limit,
			})
		},
	}

	cmd.Flags().StringVar(&dir, "dir", ".", "project directory to load gokko.yaml from")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of hits to return (0 for unlimited)")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of hits to skip")
	cmd.Flags().BoolVar(&allowPrefix, "prefix", true, "expand the final query word as a prefix match")
	cmd.Flags().StringVar(&strategy, "matching-strategy", "all", "one of: all, last, frequency")

	return cmd
}

func parseMatchingStrategy(s string) (search.MatchingStrategy, error) {
	switch s {
	case "all", "":
		return search.MatchAll, nil
	case "last":
		return search.MatchLast, nil
	case "frequency":
		return search.MatchFrequency, nil
	default:
		return 0, fmt.Errorf("unknown matching strategy %q", s)
	}
}

func runSearch(cmd *cobra.Command, dir, indexUID string, req indexing.SearchRequest) error {
	cfg, err := config.Load(dir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.Default()

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

	result, err := pipeline.Search(indexUID, req)
	if err != nil {
		return fmt.Errorf("search %q: %w", indexUID, err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
