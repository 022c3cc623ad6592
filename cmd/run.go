package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spigell/opportunity-radar/internal/ai/gemini"
	"github.com/spigell/opportunity-radar/internal/catalog"
	"github.com/spigell/opportunity-radar/internal/dedup"
	"github.com/spigell/opportunity-radar/internal/feedback"
	"github.com/spigell/opportunity-radar/internal/normalize"
	"github.com/spigell/opportunity-radar/internal/pipeline"
	"github.com/spigell/opportunity-radar/internal/radar"
	"github.com/spigell/opportunity-radar/internal/secrets"
	"github.com/spigell/opportunity-radar/internal/sources"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Fetch every active source and push new items through the pipeline",
	Run: func(cmd *cobra.Command, _ []string) {
		run(cmd)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringP("kind", "k", "", "only run sources of this kind (page, email, feed)")
	runCmd.Flags().StringSliceP("source", "s", nil, "only run the named sources")
	runCmd.Flags().Bool("no-score", false, "persist drafts without scoring them")
	runCmd.Flags().Int("source-concurrency", 0, "sources processed in parallel")
	runCmd.Flags().Int("item-concurrency", 0, "items of one source processed in parallel")

	viper.BindPFlag("pipeline.source-concurrency", runCmd.Flags().Lookup("source-concurrency"))
	viper.BindPFlag("pipeline.item-concurrency", runCmd.Flags().Lookup("item-concurrency"))
}

// run is the main command for the cli.
func run(cmd *cobra.Command) {
	ctx := context.Background()

	logger, config := setup()

	logger.Info("starting the opportunity-radar", zap.String("version", version))

	// do not bother error since there is a valid parseable config
	pretty, _ := json.MarshalIndent(redacted(config), "", "  ")
	logger.Debug(fmt.Sprintf("starting with config: \n %s", pretty))

	kind := radar.Kind(strings.ToLower(strings.TrimSpace(cmd.Flag("kind").Value.String())))
	if kind != "" && !kind.Valid() {
		logger.Fatal("unsupported source kind", zap.String("kind", string(kind)))
	}
	names, _ := cmd.Flags().GetStringSlice("source")

	store := openStore(ctx, config, logger)
	defer store.Close()

	profile := loadProfile(ctx, config, store, logger)

	classifier, extractor, scorer, err := newAIStages(ctx, config.AI, logger)
	if err != nil {
		logger.Fatal("creating ai stages", zap.Error(err), zap.String("hint", "set ai.gemini.api-key-file, RADAR_AI_GEMINI_API_KEY or GEMINI_API_KEY"))
	}

	registry := sources.NewRegistry(sources.Deps{
		HTTP:      sources.NewHTTPClient(httpOptions(config.HTTP), logger),
		UserAgent: config.UserAgent,
		Ledger:    store,
		Logger:    logger.Named("sources"),
	})

	stages := pipeline.DefaultStages()
	if noScore, _ := cmd.Flags().GetBool("no-score"); noScore {
		pipeline.DisableByName(stages, "score", "no-score flag is set")
	}

	pc := pipelineConfig(config.Pipeline)

	orchestrator := pipeline.New(pipeline.Options{
		Config: pipeline.Config{
			SourceConcurrency: pc.SourceConcurrency,
			ItemConcurrency:   pc.ItemConcurrency,
			ExampleLimit:      pc.Examples,
			Kind:              kind,
			Names:             names,
		},
		Store:      store,
		Connectors: registry,
		Normalizer: normalize.New(fingerprintPrefix(config.AI), logger.Named("normalize")),
		Classifier: classifier,
		Extractor:  extractor,
		Scorer:     scorer,
		Examples:   feedback.New(store, pc.ExampleTokenBudget, logger.Named("feedback")),
		Profile:    profile,
		Stages:     stages,
		Logger:     logger,
	})

	for _, status := range pipeline.Describe(orchestrator.Stages()) {
		logger.Debug("pipeline stage", zap.String("name", status.Name), zap.Bool("enabled", status.Enabled), zap.String("reason", status.Reason))
	}

	report, err := orchestrator.Run(ctx)
	if err != nil {
		if errors.Is(err, radar.ErrConfiguration) {
			logger.Fatal("run aborted by configuration", zap.Error(err))
		}
		logger.Fatal("run failed", zap.Error(err))
	}

	for _, sr := range report.Sources {
		if sr.Error != "" {
			logger.Warn("source finished with errors", sr.Fields()...)
		}
	}

	logger.Info("summary", report.Fields()...)
}

func newAIStages(ctx context.Context, cfg *AIConfig, logger *zap.Logger) (*gemini.Classifier, *gemini.Extractor, *gemini.Scorer, error) {
	if cfg == nil || cfg.Gemini == nil {
		return nil, nil, nil, fmt.Errorf("ai.gemini section is required: %w", radar.ErrConfiguration)
	}

	provider := strings.TrimSpace(strings.ToLower(cfg.Provider))
	if provider != "" && provider != "gemini" {
		return nil, nil, nil, fmt.Errorf("unsupported ai provider %s: %w", cfg.Provider, radar.ErrConfiguration)
	}

	apiKey, err := secrets.Load(secrets.Source{
		Name:  "gemini api key",
		Value: cfg.Gemini.APIKey,
		File:  cfg.Gemini.APIKeyFile,
		Env:   "GEMINI_API_KEY",
	})
	if err != nil {
		return nil, nil, nil, err
	}

	genLogger := logger.Named("gemini").With(
		zap.String("ai_provider", "gemini"),
		zap.Uint("ai_retry_attempts", cfg.Gemini.MaxRetries),
		zap.Int("ai_max_concurrent", cfg.Gemini.MaxConcurrent),
	)

	generator, err := gemini.NewGenerator(ctx, apiKey, cfg.Gemini.Model, gemini.Options{
		Attempts:      cfg.Gemini.MaxRetries,
		Timeout:       cfg.Gemini.Timeout,
		MaxConcurrent: cfg.Gemini.MaxConcurrent,
	}, genLogger)
	if err != nil {
		return nil, nil, nil, err
	}

	classifyGen := generator.WithModel(cfg.Gemini.ClassifyModel)
	extractGen := generator.WithModel(cfg.Gemini.ExtractModel)
	scoreGen := generator.WithModel(cfg.Gemini.ScoreModel)

	if cfg.Threshold != nil && (*cfg.Threshold < 0 || *cfg.Threshold > 1) {
		return nil, nil, nil, fmt.Errorf("ai.threshold %v is outside [0,1]: %w", *cfg.Threshold, radar.ErrConfiguration)
	}

	classifier := gemini.NewClassifier(classifyGen, cfg.Threshold, cfg.MaxContent, cfg.Gemini.MaxLogLength,
		logger.Named("classifier").With(zap.String("ai_model", classifyGen.Model())))
	logger.Debug("classifier ready", zap.String("ai_model", classifyGen.Model()), zap.Float64("threshold", classifier.Threshold()))
	extractor := gemini.NewExtractor(extractGen, cfg.MaxContent, cfg.Gemini.MaxLogLength,
		logger.Named("extractor").With(zap.String("ai_model", extractGen.Model())))
	scorer := gemini.NewScorer(scoreGen, cfg.Gemini.MaxLogLength,
		logger.Named("scorer").With(zap.String("ai_model", scoreGen.Model())))

	return classifier, extractor, scorer, nil
}

// loadProfile resolves the user profile, preferring the stored one.
func loadProfile(ctx context.Context, config *Config, store catalog.ProfileReader, logger *zap.Logger) *radar.Profile {
	cat, err := catalog.Load(config.Catalog)
	if err != nil {
		logger.Warn("catalog is not available, relying on the database", zap.Error(err))
	}

	profile, err := catalog.ResolveProfile(ctx, store, cat)
	if err != nil {
		logger.Fatal("loading the user profile", zap.Error(err))
	}
	return profile
}

// fingerprintPrefix keeps the fingerprint covering at least what the
// classifier and extractor are allowed to read.
func fingerprintPrefix(cfg *AIConfig) int {
	if cfg != nil && cfg.MaxContent > dedup.DefaultPrefixRunes {
		return cfg.MaxContent
	}
	return dedup.DefaultPrefixRunes
}

func httpOptions(cfg *HTTPConfig) sources.HTTPOptions {
	if cfg == nil {
		return sources.HTTPOptions{}
	}
	return sources.HTTPOptions{Timeout: cfg.Timeout, RetryMax: cfg.MaxRetries}
}

func pipelineConfig(cfg *PipelineConfig) PipelineConfig {
	if cfg == nil {
		return PipelineConfig{}
	}
	return *cfg
}

// redacted returns a copy of config that is safe to log.
func redacted(config *Config) *Config {
	if config == nil || config.AI == nil || config.AI.Gemini == nil || config.AI.Gemini.APIKey == "" {
		return config
	}

	clone := *config
	ai := *config.AI
	gem := *config.AI.Gemini
	gem.APIKey = "***"
	ai.Gemini = &gem
	clone.AI = &ai

	return &clone
}
