package cmd

import (
	"context"
	"errors"

	"github.com/spigell/opportunity-radar/internal/feedback"
	"github.com/spigell/opportunity-radar/internal/pipeline"
	"github.com/spigell/opportunity-radar/internal/radar"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rescoreCmd = &cobra.Command{
	Use:   "rescore",
	Short: "Score opportunities that were stored while the scorer was failing",
	Run: func(cmd *cobra.Command, _ []string) {
		rescore(cmd)
	},
}

func init() {
	rootCmd.AddCommand(rescoreCmd)

	rescoreCmd.Flags().IntP("limit", "l", 0, "maximum number of opportunities to rescore (0 means all)")
}

func rescore(cmd *cobra.Command) {
	ctx := context.Background()
	logger, config := setup()

	limit, _ := cmd.Flags().GetInt("limit")

	store := openStore(ctx, config, logger)
	defer store.Close()

	profile := loadProfile(ctx, config, store, logger)

	_, _, scorer, err := newAIStages(ctx, config.AI, logger)
	if err != nil {
		logger.Fatal("creating ai stages", zap.Error(err))
	}

	pc := pipelineConfig(config.Pipeline)

	orchestrator := pipeline.New(pipeline.Options{
		Config: pipeline.Config{
			ItemConcurrency: pc.ItemConcurrency,
			ExampleLimit:    pc.Examples,
		},
		Store:    store,
		Scorer:   scorer,
		Examples: feedback.New(store, pc.ExampleTokenBudget, logger.Named("feedback")),
		Profile:  profile,
		Logger:   logger,
	})

	report, err := orchestrator.Rescore(ctx, limit)
	if err != nil {
		if errors.Is(err, radar.ErrConfiguration) {
			logger.Fatal("rescore aborted by configuration", zap.Error(err))
		}
		logger.Fatal("rescore failed", zap.Error(err))
	}

	if report.Failed > 0 {
		logger.Warn("some opportunities are still unscored", zap.Int("failed", report.Failed))
	}
}
