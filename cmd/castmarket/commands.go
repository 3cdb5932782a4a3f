package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/castmarket/castmarket/internal/cache"
	"github.com/castmarket/castmarket/internal/config"
	"github.com/castmarket/castmarket/internal/monitor"
	"github.com/castmarket/castmarket/internal/orchestrator"
	"github.com/castmarket/castmarket/internal/persistence/postgres"
	"github.com/castmarket/castmarket/internal/restapi"
	"github.com/castmarket/castmarket/internal/telemetry"
)

// app bundles the wired infrastructure behind one orchestrator.
type app struct {
	cfg   *config.Config
	orch  *orchestrator.Orchestrator
	db    *sqlx.DB
	cache cache.Cache
}

func (a *app) close() {
	if err := a.db.Close(); err != nil {
		log.Warn().Err(err).Msg("closing database")
	}
	if err := a.cache.Close(); err != nil {
		log.Warn().Err(err).Msg("closing cache")
	}
}

// newApp loads configuration and connects everything the orchestrator
// needs. A failed login or database connection is fatal: no operation can
// run without them.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	client := restapi.New(cfg.API)
	if err := client.Login(ctx); err != nil {
		return nil, err
	}

	db, repo, err := postgres.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	c := cache.New(cfg.Cache)
	metrics := telemetry.New()

	return &app{
		cfg:   cfg,
		orch:  orchestrator.New(cfg, client, repo, c, metrics),
		db:    db,
		cache: c,
	}, nil
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log_level %q: %w", cfg.LogLevel, err)
	}
	zerolog.SetGlobalLevel(level)
	return cfg, nil
}

func runOpenSession(cmd *cobra.Command, _ []string) error {
	hour, _ := cmd.Flags().GetInt("gate_closure_hour")
	forceNew, _ := cmd.Flags().GetBool("force_new")

	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	session, err := a.orch.OpenSession(ctx, hour, forceNew)
	if err != nil {
		return err
	}
	fmt.Printf("session %d open, gate closure %s\n",
		session.ID, session.GateClosure.Format(time.RFC3339))
	return nil
}

func runRunSession(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	session, err := a.orch.RunSession(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("session %d finished\n", session.ID)
	return nil
}

func runCalculateScores(cmd *cobra.Command, _ []string) error {
	updateScores, _ := cmd.Flags().GetBool("update_scores")

	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	summary, err := a.orch.CalculateScores(ctx, updateScores)
	if err != nil {
		return err
	}
	fmt.Printf("scored %d, skipped %d, failed %d\n",
		summary.Scored, summary.Skipped, summary.Failed)
	if code := summary.ExitCode(); code != 0 {
		a.close()
		os.Exit(code)
	}
	return nil
}

func runAggregateScores(cmd *cobra.Command, _ []string) error {
	previousMonth, _ := cmd.Flags().GetBool("previous_month")
	year, _ := cmd.Flags().GetInt("year")
	monthNum, _ := cmd.Flags().GetInt("month")

	var month time.Month
	switch {
	case previousMonth:
		now := time.Now().UTC()
		prev := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0)
		year, month = prev.Year(), prev.Month()
	case year > 0 && monthNum >= 1 && monthNum <= 12:
		month = time.Month(monthNum)
	default:
		return fmt.Errorf("pass --previous_month or both --year and --month")
	}

	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.orch.AggregateScores(ctx, year, month); err != nil {
		return err
	}
	fmt.Printf("aggregated %d-%02d\n", year, int(month))
	return nil
}

func runMonitor(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	srv, err := monitor.NewServer(cfg.Monitor, telemetry.New())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
