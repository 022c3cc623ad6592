package cmd

import (
	"context"

	"github.com/spigell/opportunity-radar/internal/catalog"
	"github.com/spigell/opportunity-radar/internal/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Manage the monitored sources",
}

var sourcesSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Load the catalog into the database and deactivate sources it no longer declares",
	Run: func(_ *cobra.Command, _ []string) {
		syncSources()
	},
}

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show every stored source with its health",
	Run: func(_ *cobra.Command, _ []string) {
		listSources()
	},
}

func init() {
	sourcesCmd.AddCommand(sourcesSyncCmd, sourcesListCmd)
	rootCmd.AddCommand(sourcesCmd)
}

func syncSources() {
	ctx := context.Background()
	log, config := setup()

	cat, err := catalog.Load(config.Catalog)
	if err != nil {
		log.Fatal("loading the catalog", zap.String("path", config.Catalog), zap.Error(err))
	}

	store := openStore(ctx, config, log)
	defer store.Close()

	if _, err := cat.Sync(ctx, store, log); err != nil {
		log.Fatal("syncing the catalog", zap.Error(err))
	}
}

func listSources() {
	ctx := context.Background()
	log, config := setup()

	store := openStore(ctx, config, log)
	defer store.Close()

	srcs, err := store.Sources(ctx)
	if err != nil {
		log.Fatal("listing sources", zap.Error(err))
	}

	if len(srcs) == 0 {
		log.Info("no sources stored yet, run `sources sync` first")
		return
	}

	for _, src := range srcs {
		fields := append(logger.SourceFields(src),
			zap.String("id", src.ID),
			zap.Int("priority", src.Priority),
			zap.Bool("active", src.Active),
			zap.Strings("tags", src.Tags),
		)
		if src.LastCheckedAt != nil {
			fields = append(fields, zap.Time("last_checked_at", *src.LastCheckedAt))
		}
		if src.LastError != "" {
			fields = append(fields, zap.String("last_error", src.LastError))
		}
		log.Info("source", fields...)
	}
}
