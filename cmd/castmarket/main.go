package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const (
	appName = "castmarket"
	version = "v1.2.0"
)

var configPath string

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Collaborative forecasting market maker",
		Version: version,
		Long: `castmarket runs the day-ahead collaborative forecasting market:
it opens sessions, builds and publishes ensemble forecasts from seller
submissions, scores completed challenges and aggregates the monthly
forecaster leagues.`,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML configuration file")

	openCmd := &cobra.Command{
		Use:   "open_session",
		Short: "Open the next market session",
		Long:  "Creates a new session closing at the next local gate-closure hour. The previous session must be finished.",
		RunE:  runOpenSession,
	}
	openCmd.Flags().Int("gate_closure_hour", -1, "Local gate closure hour 0-23 (default from configuration)")
	openCmd.Flags().Bool("force_new", false, "Finish an unfinished previous session before opening")

	runCmd := &cobra.Command{
		Use:   "run_session",
		Short: "Run the forecast pipeline for the latest closed session",
		Long:  "Loads challenges, submissions and measurements, runs the ensemble strategies and publishes the forecasts.",
		RunE:  runRunSession,
	}

	scoresCmd := &cobra.Command{
		Use:   "calculate_scores",
		Short: "Score completed challenges in the grace window",
		Long: `Evaluates submission and ensemble forecasts against the observed
measurements and publishes the score rows. Exit code 0 means every
challenge scored, 1 means some failed, 2 means nothing could be scored.`,
		RunE: runCalculateScores,
	}
	scoresCmd.Flags().Bool("update_scores", false, "Export and delete the window's scores, then recompute them")

	aggregateCmd := &cobra.Command{
		Use:   "aggregate_scores",
		Short: "Aggregate monthly forecaster stats and leagues",
		Long:  "Rebuilds every active resource's monthly KPI records, rewrites the stats table and republishes through the API.",
		RunE:  runAggregateScores,
	}
	aggregateCmd.Flags().Bool("previous_month", false, "Aggregate the month before the current one")
	aggregateCmd.Flags().Int("year", 0, "Year to aggregate (with --month)")
	aggregateCmd.Flags().Int("month", 0, "Month to aggregate 1-12 (with --year)")

	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Serve the operator HTTP surface",
		Long:  "Starts the HTTP server with /health, /metrics and /status endpoints.",
		RunE:  runMonitor,
	}

	rootCmd.AddCommand(openCmd, runCmd, scoresCmd, aggregateCmd, monitorCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
