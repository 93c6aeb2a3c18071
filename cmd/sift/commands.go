package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/sift/internal/api"
	"github.com/MikeSquared-Agency/sift/internal/config"
	"github.com/MikeSquared-Agency/sift/internal/hermes"
	"github.com/MikeSquared-Agency/sift/internal/pipeline"
	"github.com/MikeSquared-Agency/sift/internal/store"
	"github.com/MikeSquared-Agency/sift/internal/transcript"
)

// --- run ---

var runCmd = &cobra.Command{
	Use:   "run <transcript>",
	Short: "Extract records from a transcript and load them",
	Long: `Extract records from a transcript and load them.

Examples:
  sift run chat.txt --schema incidents.yaml
  sift run chat.txt --schema incidents.yaml --table incidents --dry-run`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		s, err := loadSchema(cmd, cfg)
		if err != nil {
			return err
		}
		text, err := transcript.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read transcript: %w", err)
		}
		ext, err := newExtractor(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		dryRun, _ := cmd.Flags().GetBool("dry-run")
		svc, err := connect(ctx, cfg, false)
		if err != nil {
			return err
		}
		defer svc.close()

		p := pipeline.New(svc.deps(ext), runOptions(cmd, cfg, args[0], dryRun), slog.Default())
		report, err := p.Run(ctx, text, s)
		if report != nil {
			printJSON(report)
		}
		return err
	},
}

// --- load ---

var loadCmd = &cobra.Command{
	Use:   "load <transcript>",
	Short: "Load the output of a previous run without calling the model",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		s, err := loadSchema(cmd, cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		svc, err := connect(ctx, cfg, true)
		if err != nil {
			return err
		}
		defer svc.close()

		p := pipeline.New(svc.deps(nil), runOptions(cmd, cfg, args[0], false), slog.Default())
		lr, err := p.LoadOutput(ctx, s)
		if lr != nil {
			printJSON(lr)
		}
		return err
	},
}

func init() {
	for _, c := range []*cobra.Command{runCmd, loadCmd} {
		c.Flags().String("schema", "", "schema document (JSON or YAML)")
		c.Flags().String("name", "", "dataset name (default: transcript file name)")
		c.Flags().String("table", "", "destination table (default: dataset name)")
		c.Flags().String("output", "", "output directory (default: formatted_data_<name>)")
	}
	runCmd.Flags().Bool("dry-run", false, "write output files but do not touch the database")
	runCmd.Flags().Int("workers", 0, "concurrent model calls (default: SIFT_WORKERS)")
}

// runOptions resolves flags over config. The dataset name defaults to the
// transcript file name without its extension.
func runOptions(cmd *cobra.Command, cfg config.Config, path string, dryRun bool) pipeline.Options {
	name, _ := cmd.Flags().GetString("name")
	if name == "" {
		base := filepath.Base(path)
		name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	table, _ := cmd.Flags().GetString("table")
	if table == "" {
		table = cfg.Table
	}
	output, _ := cmd.Flags().GetString("output")
	if output == "" {
		output = cfg.OutputDir
	}
	workers := cfg.Workers
	if cmd.Flags().Lookup("workers") != nil {
		if n, _ := cmd.Flags().GetInt("workers"); n > 0 {
			workers = n
		}
	}
	return pipeline.Options{
		Name:        name,
		Table:       table,
		OutputDir:   output,
		Workers:     workers,
		GracePeriod: cfg.GracePeriod,
		DryRun:      dryRun,
	}
}

// --- schema ---

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Inspect schema documents",
}

var schemaValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a schema document and print its fields",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		setupLogging("warn")
		if err := cmd.Flags().Set("schema", args[0]); err != nil {
			return err
		}
		s, err := loadSchema(cmd, config.Config{})
		if err != nil {
			return err
		}
		type fieldInfo struct {
			Name     string   `json:"name"`
			Type     string   `json:"type"`
			Required bool     `json:"required"`
			Allowed  []string `json:"allowed_values,omitempty"`
		}
		out := struct {
			NaturalKey  string      `json:"natural_key,omitempty"`
			Fingerprint string      `json:"fingerprint"`
			Fields      []fieldInfo `json:"fields"`
		}{NaturalKey: s.NaturalKey, Fingerprint: s.Fingerprint()}
		for _, f := range s.Fields() {
			out.Fields = append(out.Fields, fieldInfo{
				Name: f.Name, Type: string(f.Type), Required: f.Required, Allowed: s.AllowedValues(f.Name),
			})
		}
		printJSON(out)
		return nil
	},
}

var schemaDDLCmd = &cobra.Command{
	Use:   "ddl <file>",
	Short: "Print the CREATE TABLE statement for a schema",
	Long: `Print the CREATE TABLE statement for a schema.

The dialect follows the configured database. Without one, SQLite is used.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging("warn")
		if err := cmd.Flags().Set("schema", args[0]); err != nil {
			return err
		}
		s, err := loadSchema(cmd, cfg)
		if err != nil {
			return err
		}
		table, _ := cmd.Flags().GetString("table")
		if table == "" {
			table = cfg.Table
		}
		if table == "" {
			base := filepath.Base(args[0])
			table = strings.TrimSuffix(base, filepath.Ext(base))
		}

		dsn := cfg.DSN()
		if dsn == "" {
			dsn = ":memory:"
		}
		st, err := store.Open(cmd.Context(), dsn, slog.Default())
		if err != nil {
			return err
		}
		defer st.Close()
		fmt.Println(st.DDL(table, s))
		return nil
	},
}

func init() {
	schemaValidateCmd.Flags().String("schema", "", "")
	schemaValidateCmd.Flags().MarkHidden("schema")
	schemaDDLCmd.Flags().String("schema", "", "")
	schemaDDLCmd.Flags().MarkHidden("schema")
	schemaDDLCmd.Flags().String("table", "", "table name (default: SIFT_TABLE or the schema file name)")
	schemaCmd.AddCommand(schemaValidateCmd, schemaDDLCmd)
}

// --- serve ---

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the run request subscriber",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		slog.Info("sift starting", "port", cfg.Port, "version", version)

		s, err := loadSchema(cmd, cfg)
		if err != nil {
			return err
		}
		ext, err := newExtractor(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		svc, err := connect(ctx, cfg, false)
		if err != nil {
			return err
		}
		defer svc.close()

		root := cfg.OutputDir
		if root == "" {
			root = "runs"
		}
		p := pipeline.New(svc.deps(ext), pipeline.Options{
			Workers:     cfg.Workers,
			GracePeriod: cfg.GracePeriod,
		}, slog.Default())
		runs := api.NewRegistry(ctx, p, s, root, cfg.Table, slog.Default())
		defer runs.Close()

		if svc.events != nil {
			if err := svc.events.Subscribe(hermes.SubjectRunRequested, runs.HandleRunRequest); err != nil {
				return fmt.Errorf("failed to subscribe to run requests: %w", err)
			}
		}

		srv := api.NewServer(cfg.Port, runs, slog.Default())
		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Start()
		}()

		slog.Info("sift ready", "port", cfg.Port, "runs_dir", root)

		select {
		case <-ctx.Done():
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("HTTP server error: %w", err)
			}
		}

		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			slog.Warn("HTTP shutdown failed", "error", err)
		}
		runs.Close()
		slog.Info("sift stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("schema", "", "schema document (JSON or YAML)")
}

// --- version ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(os.Stdout, "sift version %s\n", version)
	},
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
