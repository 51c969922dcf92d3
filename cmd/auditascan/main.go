package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/savegress/auditascan/internal/api"
	"github.com/savegress/auditascan/internal/audit"
	"github.com/savegress/auditascan/internal/cache"
	"github.com/savegress/auditascan/internal/config"
	"github.com/savegress/auditascan/internal/export"
	"github.com/savegress/auditascan/internal/ingest"
	"github.com/savegress/auditascan/internal/pipeline"
	"github.com/savegress/auditascan/internal/reconciliation"
	"github.com/savegress/auditascan/internal/storage"
	"github.com/savegress/auditascan/pkg/models"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "auditascan",
		Short:         "Reconcile exam schedules against diagnostic report PDFs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("AUDITASCAN_CONFIG"), "Path to YAML configuration")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(reconcileCmd(&configPath))
	rootCmd.AddCommand(profileCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the AuditaScan API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			return runServer(cfg)
		},
	}
}

func reconcileCmd(configPath *string) *cobra.Command {
	var (
		schedulePath string
		reportPaths  []string
		outPath      string
		statusFilter string
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation and write the audit workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			statuses, err := pipeline.ParseStatuses(statusFilter)
			if err != nil {
				return err
			}
			if outPath == "" {
				outPath = export.FileName(time.Now())
			}
			return runReconcile(cmd.Context(), cfg, schedulePath, reportPaths, outPath, statuses)
		},
	}

	cmd.Flags().StringVar(&schedulePath, "schedule", "", "Schedule spreadsheet (.xlsx or .csv)")
	cmd.Flags().StringSliceVar(&reportPaths, "reports", nil, "Report PDFs, comma separated")
	cmd.Flags().StringVar(&outPath, "out", "", "Output workbook (default Audit_DD-MM-YYYY.xlsx)")
	cmd.Flags().StringVar(&statusFilter, "status", "", "Only export these statuses, e.g. DIVERGENT,NOT_FOUND")
	cmd.MarkFlagRequired("schedule")
	cmd.MarkFlagRequired("reports")

	return cmd
}

func profileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profile <schedule>",
		Short: "Print the data-quality profile of a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			exams, err := ingest.LoadSchedule(args[0], f)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(ingest.BuildProfile(exams))
		},
	}
}

// components are the long-lived parts shared by serve and reconcile
type components struct {
	engine  *reconciliation.Engine
	store   storage.RunStore
	cache   *cache.Cache
	audit   *audit.Logger
	service *pipeline.Service
}

func buildComponents(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*components, error) {
	store, err := storage.New(ctx, &cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	docCache, err := cache.New(&cfg.Cache)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("connect cache: %w", err)
	}

	engine := reconciliation.NewEngine(&cfg.Reconciliation, logger)
	if err := engine.Start(ctx); err != nil {
		docCache.Close()
		store.Close()
		return nil, fmt.Errorf("start reconciliation engine: %w", err)
	}

	auditLogger := audit.NewLogger(&cfg.Audit)
	if err := auditLogger.Start(ctx); err != nil {
		engine.Stop()
		docCache.Close()
		store.Close()
		return nil, fmt.Errorf("start audit logger: %w", err)
	}

	return &components{
		engine:  engine,
		store:   store,
		cache:   docCache,
		audit:   auditLogger,
		service: pipeline.NewService(&cfg.Pipeline, engine, store, docCache, auditLogger, logger),
	}, nil
}

func (c *components) close(logger zerolog.Logger) {
	c.engine.Stop()
	c.audit.Stop()
	if err := c.cache.Close(); err != nil {
		logger.Warn().Err(err).Msg("cache close error")
	}
	if err := c.store.Close(); err != nil {
		logger.Warn().Err(err).Msg("storage close error")
	}
}

func runServer(cfg *config.Config) error {
	logger := newLogger(cfg)
	logger.Info().Msg("Starting AuditaScan...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	comps, err := buildComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer comps.close(logger)

	server := api.NewServer(cfg, comps.service, comps.audit, logger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.Router(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Int("port", cfg.Server.Port).Str("storage", cfg.Storage.Backend).Msg("AuditaScan API listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	logger.Info().Msg("Shutting down AuditaScan...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	logger.Info().Msg("AuditaScan stopped")
	return nil
}

func runReconcile(ctx context.Context, cfg *config.Config, schedulePath string, reportPaths []string, outPath string, statuses []models.AuditStatus) error {
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	comps, err := buildComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer comps.close(logger)

	input := pipeline.RunInput{Actor: os.Getenv("USER")}

	data, err := os.ReadFile(schedulePath)
	if err != nil {
		return err
	}
	input.Schedule = &pipeline.Upload{Name: filepath.Base(schedulePath), Data: data}

	for _, path := range reportPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		input.Reports = append(input.Reports, pipeline.Upload{Name: filepath.Base(path), Data: data})
	}

	run, err := comps.service.StartRun(ctx, input)
	if err != nil {
		return err
	}

	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer out.Close()

	results := pipeline.FilterResults(run.Results, statuses)
	if err := export.NewWriter(&cfg.Export).WriteWorkbook(out, results); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	comps.audit.LogExport(input.Actor, "", run.ID, len(results))

	s := run.Summary
	fmt.Printf("run %s: %d audited (%d excluded), %d matched, %d divergent, %d not found, match rate %s\n",
		run.ID, s.AuditedRows, s.ExcludedRows, s.Matched, s.Divergent, s.NotFound, s.MatchRate.Shift(2).StringFixed(2)+"%")
	fmt.Printf("workbook written to %s\n", outPath)
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
		return cfg, nil
	}
	cfg := config.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger.Level(level)
}
