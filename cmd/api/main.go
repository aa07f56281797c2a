package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/cobra"

	"github.com/noah-isme/gema-proctor-api/internal/config"
	"github.com/noah-isme/gema-proctor-api/internal/handler"
	"github.com/noah-isme/gema-proctor-api/internal/middleware"
	"github.com/noah-isme/gema-proctor-api/internal/router"
	"github.com/noah-isme/gema-proctor-api/internal/service"
	"github.com/noah-isme/gema-proctor-api/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "proctor-api",
		Short:        "Exam proctoring and grading API",
		SilenceUsage: true,
	}

	serve := serveCmd()
	root.AddCommand(serve, gradeCmd(), sweepCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, grading workers and sweeper",
		RunE:  runServe,
	}
}

func gradeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grade",
		Short: "Grade one finished session and print the result",
		RunE:  runGrade,
	}
	cmd.Flags().String("session", "", "Session identifier to grade")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Regrade completed sessions that are still waiting for a score",
		RunE:  runSweep,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := buildApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	scheduler := worker.NewScheduler(app.pool, logger)
	if err := scheduler.Every(cfg.SweepInterval, "grading-sweep", func(ctx context.Context) error {
		graded, err := app.grading.Sweep(ctx)
		if graded > 0 {
			logger.Info().Int("graded", graded).Msg("sweeper graded sessions")
		}
		return err
	}); err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	server := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(server, middleware.Config{
		Logger:       &logger,
		AllowOrigins: cfg.CORSOrigins,
		StackTraces:  cfg.IsDevelopment(),
	})
	router.Register(server, cfg, router.Dependencies{
		ExamHandler:       handler.NewExamHandler(app.exams, logger),
		ProctoringHandler: handler.NewProctoringHandler(app.proctoring, app.monitor, logger),
		ResultHandler:     handler.NewResultHandler(app.results, app.overrides, logger),
		FaceHandler:       handler.NewFaceHandler(app.faces, logger),
		HealthProbes:      app.healthProbes(),
		JWTMiddleware:     middleware.JWTProtected(cfg.JWTSecret),
	})

	listenErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.HTTPAddress()).Msg("http server listening")
		listenErr <- server.Listen(cfg.HTTPAddress())
	}()

	select {
	case err := <-listenErr:
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func runGrade(cmd *cobra.Command, _ []string) error {
	raw, _ := cmd.Flags().GetString("session")
	sessionID, err := service.ParseID("session", raw)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := buildApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	result, err := app.grading.GradeSession(ctx, sessionID)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func runSweep(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := buildApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	graded, err := app.grading.Sweep(ctx)
	fmt.Fprintf(cmd.OutOrStdout(), "graded %d session(s)\n", graded)
	return err
}
