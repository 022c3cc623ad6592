package cmd

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/spigell/opportunity-radar/internal/logger"
	"github.com/spigell/opportunity-radar/internal/storage"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	app       = "opportunity-radar"
	envPrefix = "RADAR"
)

type Config struct {
	Database  string          `mapstructure:"database"`
	Catalog   string          `mapstructure:"catalog"`
	UserAgent string          `mapstructure:"user-agent"`
	HTTP      *HTTPConfig     `mapstructure:"http"`
	Pipeline  *PipelineConfig `mapstructure:"pipeline"`
	AI        *AIConfig       `mapstructure:"ai"`
}

type HTTPConfig struct {
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max-retries"`
}

type PipelineConfig struct {
	SourceConcurrency  int `mapstructure:"source-concurrency"`
	ItemConcurrency    int `mapstructure:"item-concurrency"`
	Examples           int `mapstructure:"examples"`
	ExampleTokenBudget int `mapstructure:"example-token-budget"`
}

type AIConfig struct {
	Provider   string        `mapstructure:"provider"`
	Threshold  *float64      `mapstructure:"threshold"`
	MaxContent int           `mapstructure:"max-content"`
	Gemini     *GeminiConfig `mapstructure:"gemini"`
}

type GeminiConfig struct {
	APIKey        string        `mapstructure:"api-key"`
	APIKeyFile    string        `mapstructure:"api-key-file"`
	Model         string        `mapstructure:"model"`
	ClassifyModel string        `mapstructure:"classify-model"`
	ExtractModel  string        `mapstructure:"extract-model"`
	ScoreModel    string        `mapstructure:"score-model"`
	MaxRetries    uint          `mapstructure:"max-retries"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxConcurrent int           `mapstructure:"max-concurrent"`
	MaxLogLength  int           `mapstructure:"max-log-length"`
}

var (
	// Used for flags.
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   app,
		Short: "opportunity-radar collects opportunity postings from pages, feeds and mailboxes and ranks them against your profile",
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "a config file (default is opportunity-radar.yaml in current directory)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "verbose/debug output")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "json format for logging")
	rootCmd.PersistentFlags().String("database", "", "path to the sqlite database")
	rootCmd.PersistentFlags().String("catalog", "", "path to the sources catalog")

	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	viper.BindPFlag("database", rootCmd.PersistentFlags().Lookup("database"))
	viper.BindPFlag("catalog", rootCmd.PersistentFlags().Lookup("catalog"))

	setDefaults()
}

func setDefaults() {
	viper.SetDefault("database", "~/.opportunity-radar/radar.db")
	viper.SetDefault("catalog", "sources.yaml")
	viper.SetDefault("user-agent", "")

	viper.SetDefault("log.level", "")
	viper.SetDefault("log.output", "stderr")

	viper.SetDefault("http.timeout", 30*time.Second)
	viper.SetDefault("http.max-retries", 3)

	viper.SetDefault("pipeline.source-concurrency", 4)
	viper.SetDefault("pipeline.item-concurrency", 5)
	viper.SetDefault("pipeline.examples", 10)
	viper.SetDefault("pipeline.example-token-budget", 2000)

	viper.SetDefault("ai.provider", "gemini")
	viper.SetDefault("ai.threshold", 0.7)
	viper.SetDefault("ai.max-content", 15000)
	viper.SetDefault("ai.gemini.api-key", "")
	viper.SetDefault("ai.gemini.api-key-file", "")
	viper.SetDefault("ai.gemini.model", "gemini-2.5-flash")
	viper.SetDefault("ai.gemini.classify-model", "")
	viper.SetDefault("ai.gemini.extract-model", "")
	viper.SetDefault("ai.gemini.score-model", "")
	viper.SetDefault("ai.gemini.max-retries", 3)
	viper.SetDefault("ai.gemini.timeout", 60*time.Second)
	viper.SetDefault("ai.gemini.max-concurrent", 5)
	viper.SetDefault("ai.gemini.max-log-length", 200)
}

func initConfig() {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName(app)
		viper.SetConfigType("yaml")
	}

	// Without an explicit --config a missing file just means defaults and env.
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			return
		}
		log.Fatal(err)
	}
}

func getConfig() (*Config, error) {
	var config *Config
	err := viper.Unmarshal(&config)
	if err != nil {
		return config, err
	}

	return config, nil
}

// setup builds the logger and reads the config. Failures are fatal.
func setup() (*zap.Logger, *Config) {
	logger, err := logger.New(logger.Options{
		JSON:   viper.GetBool("json"),
		Debug:  viper.GetBool("debug"),
		Level:  viper.GetString("log.level"),
		Output: viper.GetString("log.output"),
	})
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}

	config, err := getConfig()
	if err != nil {
		logger.Fatal("getting a config", zap.Error(err))
	}
	if config == nil {
		logger.Fatal("config is required")
	}

	return logger, config
}

func openStore(ctx context.Context, config *Config, logger *zap.Logger) *storage.Store {
	store, err := storage.Open(ctx, config.Database)
	if err != nil {
		logger.Fatal("opening the database", zap.String("path", config.Database), zap.Error(err))
	}
	return store
}
