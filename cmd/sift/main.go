package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/sift/internal/anthropic"
	"github.com/MikeSquared-Agency/sift/internal/config"
	"github.com/MikeSquared-Agency/sift/internal/extractor"
	"github.com/MikeSquared-Agency/sift/internal/hermes"
	"github.com/MikeSquared-Agency/sift/internal/pipeline"
	"github.com/MikeSquared-Agency/sift/internal/schema"
	"github.com/MikeSquared-Agency/sift/internal/slack"
	"github.com/MikeSquared-Agency/sift/internal/store"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "sift",
	Short:         "Extract structured records from chat transcripts and load them into a table",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if path, _ := cmd.Flags().GetString("config"); path != "" {
			os.Setenv("SIFT_CONFIG", path)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "YAML config file (overrides SIFT_CONFIG)")
	rootCmd.AddCommand(runCmd, loadCmd, schemaCmd, serveCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and installs the default logger.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	setupLogging(cfg.LogLevel)
	return cfg, nil
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}

func loadSchema(cmd *cobra.Command, cfg config.Config) (*schema.Schema, error) {
	path, _ := cmd.Flags().GetString("schema")
	if path == "" {
		path = cfg.SchemaPath
	}
	if path == "" {
		return nil, fmt.Errorf("a schema is required (--schema or SIFT_SCHEMA)")
	}
	s, err := schema.LoadFile(path)
	if err != nil {
		return nil, err
	}
	slog.Info("schema loaded", "path", path, "fields", len(s.Fields()), "natural_key", s.NaturalKey)
	return s, nil
}

func newExtractor(cfg config.Config) (*extractor.Extractor, error) {
	if cfg.AnthropicAPIKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is required")
	}
	llm := anthropic.NewClient(cfg.AnthropicAPIKey, cfg.AnthropicModel)
	if cfg.AnthropicBaseURL != "" {
		llm.SetBaseURL(cfg.AnthropicBaseURL)
	}
	slog.Info("anthropic client ready", "model", llm.Model())
	return extractor.New(llm, slog.Default(),
		extractor.WithMaxAttempts(cfg.MaxAttempts),
		extractor.WithCallTimeout(cfg.CallTimeout),
	), nil
}

// services holds the optional collaborators of a pipeline.
type services struct {
	store  *store.Store
	events *hermes.Client
	slack  *slack.Poster
}

// connect opens the destination and the optional event bus and Slack
// poster. Without a DSN the store is left nil. needStore makes a missing
// DSN an error.
func connect(ctx context.Context, cfg config.Config, needStore bool) (*services, error) {
	svc := &services{}

	if dsn := cfg.DSN(); dsn != "" {
		st, err := store.Open(ctx, dsn, slog.Default())
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		svc.store = st
		slog.Info("database connected")
	} else if needStore {
		return nil, fmt.Errorf("DATABASE_URL or DB_HOST is required")
	} else {
		slog.Warn("no database configured, output is written to disk only")
	}

	if cfg.NatsURL != "" {
		hc, err := hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, slog.Default())
		if err != nil {
			svc.close()
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		svc.events = hc
		slog.Info("NATS connected", "url", cfg.NatsURL)
	}

	if cfg.SlackBotToken != "" && cfg.SlackChannel != "" {
		svc.slack = slack.NewPoster(cfg.SlackBotToken, cfg.SlackChannel, slog.Default())
		slog.Info("slack poster ready", "channel", cfg.SlackChannel)
	}
	return svc, nil
}

// deps fills pipeline.Deps, leaving absent collaborators as nil interfaces.
func (s *services) deps(ext pipeline.Extractor) pipeline.Deps {
	d := pipeline.Deps{Extractor: ext}
	if s.store != nil {
		d.Store = s.store
	}
	if s.events != nil {
		d.Events = s.events
	}
	if s.slack != nil {
		d.Summary = s.slack
	}
	return d
}

func (s *services) close() {
	if s.events != nil {
		if err := s.events.Drain(); err != nil {
			slog.Warn("nats drain failed, closing", "error", err)
			s.events.Close()
		}
	}
	if s.store != nil {
		s.store.Close()
	}
}
