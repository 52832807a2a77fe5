package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/glimte/docflow-go/checkpoint"
	"github.com/glimte/docflow-go/config"
	"github.com/glimte/docflow-go/contracts"
	"github.com/glimte/docflow-go/health"
	"github.com/glimte/docflow-go/pipeline"
	"github.com/glimte/docflow-go/server"
	"github.com/glimte/docflow-go/stages"
	"github.com/glimte/docflow-go/transports/rabbitmq"
)

var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "docflow",
		Short: "Document processing pipeline",
		Long: `Docflow runs documents through a multi-stage understanding pipeline:
ingestion, classification, extraction, validation, business rules, anomaly
detection, human review and audit. Runs checkpoint after every stage and can
suspend for reviewer feedback.`,
		Version: fmt.Sprintf("%s (commit: %s)", version, gitCommit),
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}

	var fileType string
	processCmd := &cobra.Command{
		Use:   "process [file]",
		Short: "Process a single document and print the result",
		Long:  "Runs one document through the pipeline with an in-memory checkpoint store and prints the final record as JSON.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProcess(configPath, args[0], fileType)
		},
	}
	processCmd.Flags().StringVarP(&fileType, "type", "t", "", "file type override (default: from extension)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(processCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, closeLogs := config.SetupLogger(cfg.Logging)
	defer closeLogs()

	var store checkpoint.Checkpointer
	var checkers []health.Checker
	switch cfg.Checkpoint.Backend {
	case config.BackendPostgres:
		pg, err := checkpoint.NewPostgresStore(cfg.Checkpoint.Postgres, logger)
		if err != nil {
			return fmt.Errorf("connect checkpoint store: %w", err)
		}
		defer pg.Close()
		if err := pg.Migrate(context.Background()); err != nil {
			return fmt.Errorf("migrate checkpoint store: %w", err)
		}
		store = pg
		checkers = append(checkers, health.NewPingChecker("checkpoint", pg.Ping))
	default:
		store = checkpoint.NewMemoryStore()
	}

	opts := []pipeline.EngineOption{
		pipeline.WithLogger(logger),
		pipeline.WithProcessingConfig(cfg.Pipeline),
	}
	if cfg.EventsEnabled() {
		publisher, err := rabbitmq.Connect(cfg.Events.URL,
			rabbitmq.WithExchange(cfg.Events.Exchange),
			rabbitmq.WithLogger(logger),
		)
		if err != nil {
			return fmt.Errorf("connect event broker: %w", err)
		}
		defer publisher.Close()
		opts = append(opts, pipeline.WithEventPublisher(publisher))
	}

	engine, err := pipeline.NewEngine(store, opts...)
	if err != nil {
		return err
	}
	if err := engine.RegisterStages(stages.All(stages.Backends{}, logger)...); err != nil {
		return err
	}

	srv := server.New(engine, cfg.Server, logger, checkers...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

func runProcess(configPath, path, fileType string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, closeLogs := config.SetupLogger(cfg.Logging)
	defer closeLogs()

	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read document: %w", err)
	}
	if fileType == "" {
		fileType = strings.TrimPrefix(filepath.Ext(path), ".")
	}

	engine, err := pipeline.NewEngine(checkpoint.NewMemoryStore(),
		pipeline.WithLogger(logger),
		pipeline.WithProcessingConfig(cfg.Pipeline),
	)
	if err != nil {
		return err
	}
	if err := engine.RegisterStages(stages.All(stages.Backends{}, logger)...); err != nil {
		return err
	}

	record, err := engine.Start(context.Background(), contracts.Document{
		FileName:  filepath.Base(path),
		FileType:  fileType,
		Content:   string(content),
		SizeBytes: int64(len(content)),
	})
	if err != nil {
		return err
	}

	if record.Status == contracts.StatusAwaitingHumanInput {
		fmt.Fprintln(os.Stderr, "run suspended awaiting human review; pending request follows")
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(record)
}
