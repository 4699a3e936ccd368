package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/apperrors"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/database"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/handlers"
	mcpserver "github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/mcp"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/mcp/tools"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/middleware"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

const serviceName = "carrot-rule-engine"

func main() {
	if err := rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "carrot-rules",
		Short:        "Generates OMOP mapping rules from scan report concept associations",
		Version:      Version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the YAML configuration file")

	rootCmd.AddCommand(
		serveCommand(&configPath),
		migrateCommand(&configPath),
		generateCommand(&configPath),
		exportCommand(&configPath),
		statusCommand(&configPath),
		buildConceptsCommand(&configPath),
		lookupCommand(&configPath),
	)
	return rootCmd
}

func serveCommand(configPath *string) *cobra.Command {
	var skipMigrations bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the MCP endpoint and the metrics endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, logger, err := newLogger(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			logger.Info("Configuration loaded",
				zap.String("env", cfg.Env),
				zap.String("base_url", cfg.BaseURL),
				zap.String("vocabulary", cfg.Vocabulary.Type),
				zap.Int("page_size", cfg.Generation.PageSize),
				zap.Int("max_workers", cfg.Generation.MaxWorkers))

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if !skipMigrations {
				if err := migrate(a.db, logger); err != nil {
					return err
				}
			}

			return serve(ctx, a)
		},
	}
	cmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "Do not apply pending migrations on startup")
	return cmd
}

func serve(ctx context.Context, a *app) error {
	logger := a.logger
	mux := http.NewServeMux()

	healthHandler := handlers.NewHealthHandler(a.cfg, a.db, logger)
	healthHandler.RegisterRoutes(mux)

	ruleHandler := handlers.NewRuleGenerationHandler(a.generation, a.exports, a.tracker, logger)
	ruleHandler.RegisterRoutes(mux, database.WithConnScope(a.db, logger))

	mux.Handle("GET /metrics", a.metrics.Handler())

	mcpServer := mcpserver.NewServer(serviceName, Version, logger)
	tools.RegisterHealthTool(mcpServer.MCP(), Version, a.db.Ping)
	tools.RegisterRuleTools(mcpServer.MCP(), &tools.RuleToolDeps{
		Tracker:      a.tracker,
		Exports:      a.exports,
		Concepts:     a.concepts,
		ScopeContext: a.db.ScopeContext,
		Logger:       logger,
	})
	mux.Handle("/mcp", middleware.MCPRequestLogger(logger)(mcpServer.NewStreamableHTTPServer()))

	srv := &http.Server{
		Addr:              net.JoinHostPort(a.cfg.BindAddr, a.cfg.Port),
		Handler:           middleware.RequestLogger(logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting server",
			zap.String("addr", srv.Addr),
			zap.String("version", Version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}

	logger.Info("Waiting for background rule generation runs")
	ruleHandler.Wait()
	return nil
}

func migrateCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := newLogger(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			db, err := connect(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			return migrate(db, logger)
		},
	}
}

func migrate(db *database.DB, logger *zap.Logger) error {
	sqlDB := stdlib.OpenDBFromPool(db.Pool)
	defer func() { _ = sqlDB.Close() }()
	return database.RunMigrations(sqlDB, logger)
}

func generateCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "generate <scope-id>",
		Short: "Regenerate the mapping rules of a scope and print the run summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scopeID, err := parseScopeArg(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, *configPath, func(ctx context.Context, a *app) error {
				summary, err := a.generation.Run(ctx, scopeID)
				if err != nil {
					return err
				}
				if err := writeJSON(cmd.OutOrStdout(), summary); err != nil {
					return err
				}
				if summary.Failed > 0 || len(summary.FailedPages) > 0 {
					return fmt.Errorf("rule generation for scope %d finished with %d failed items", scopeID, summary.Failed)
				}
				return nil
			})
		},
	}
}

func exportCommand(configPath *string) *cobra.Command {
	var (
		format string
		output string
	)

	cmd := &cobra.Command{
		Use:   "export <scope-id>",
		Short: "Export the mapping rules of a scope as JSON or CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scopeID, err := parseScopeArg(args[0])
			if err != nil {
				return err
			}
			if format != "json" && format != "csv" {
				return fmt.Errorf("format must be json or csv, got %q", format)
			}

			return withApp(cmd, *configPath, func(ctx context.Context, a *app) error {
				w := cmd.OutOrStdout()
				if output != "" && output != "-" {
					f, err := os.Create(output)
					if err != nil {
						return fmt.Errorf("failed to create %s: %w", output, err)
					}
					defer func() { _ = f.Close() }()
					w = f
				}

				ctx, cleanup, err := a.db.ScopeContext(ctx)
				if err != nil {
					return err
				}
				defer cleanup()

				if format == "csv" {
					return a.exports.ExportCSV(ctx, scopeID, w)
				}
				export, err := a.exports.ExportJSON(ctx, scopeID)
				if err != nil {
					return err
				}
				return writeJSON(w, export)
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "json", "Output format: json, csv")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to this file instead of stdout")
	return cmd
}

func statusCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status <scope-id>",
		Short: "Print the latest job of every stage of a scope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scopeID, err := parseScopeArg(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, *configPath, func(ctx context.Context, a *app) error {
				ctx, cleanup, err := a.db.ScopeContext(ctx)
				if err != nil {
					return err
				}
				defer cleanup()

				stages, err := a.tracker.ListStatuses(ctx, scopeID)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), stages)
			})
		},
	}
}

func buildConceptsCommand(configPath *string) *cobra.Command {
	var dictionary string

	cmd := &cobra.Command{
		Use:   "build-concepts <scope-id>",
		Short: "Attach concepts to a scope's fields and values from a data dictionary CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scopeID, err := parseScopeArg(args[0])
			if err != nil {
				return err
			}
			if dictionary == "" {
				return errors.New("a dictionary file is required (--file)")
			}

			f, err := os.Open(dictionary)
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", dictionary, err)
			}
			defer func() { _ = f.Close() }()
			entries, err := services.ReadDictionaryCSV(f)
			if err != nil {
				return fmt.Errorf("%s: %w", dictionary, err)
			}

			return withApp(cmd, *configPath, func(ctx context.Context, a *app) error {
				summary, err := a.builds.BuildFromDictionary(ctx, scopeID, entries)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), summary)
			})
		},
	}
	cmd.Flags().StringVarP(&dictionary, "file", "f", "", "Data dictionary CSV with field, value, vocabulary_id and code columns")
	return cmd
}

func lookupCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <vocabulary-id> <code>",
		Short: "Print the concept a vocabulary code refers to",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *configPath, func(ctx context.Context, a *app) error {
				concept, err := a.concepts.ResolveCode(ctx, args[0], args[1])
				if errors.Is(err, apperrors.ErrNotFound) {
					return fmt.Errorf("no concept for %s code %q", args[0], args[1])
				}
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), concept)
			})
		},
	}
}

// withApp loads configuration, connects, runs fn and closes everything again.
func withApp(cmd *cobra.Command, configPath string, fn func(context.Context, *app) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := newLogger(configPath)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}

func parseScopeArg(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("scope id must be a positive integer, got %q", arg)
	}
	return id, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
