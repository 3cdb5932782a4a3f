// Package orchestrator drives the market maker's four operations: opening
// a session, running the ensemble forecasts for a closed session, scoring
// completed challenges, and aggregating monthly forecaster stats. It owns
// the call order and failure policy; the domain work lives in the loader,
// engine, skill and kpi packages.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/castmarket/castmarket/internal/backup"
	"github.com/castmarket/castmarket/internal/cache"
	"github.com/castmarket/castmarket/internal/config"
	"github.com/castmarket/castmarket/internal/engine"
	"github.com/castmarket/castmarket/internal/kpi"
	"github.com/castmarket/castmarket/internal/loader"
	"github.com/castmarket/castmarket/internal/market"
	"github.com/castmarket/castmarket/internal/persistence"
	"github.com/castmarket/castmarket/internal/restapi"
	"github.com/castmarket/castmarket/internal/skill"
	"github.com/castmarket/castmarket/internal/strategy"
	"github.com/castmarket/castmarket/internal/telemetry"
	"github.com/castmarket/castmarket/internal/timeseries"
)

// API is the slice of the market REST client the orchestrator uses.
// *restapi.Client satisfies it; tests stub it.
type API interface {
	LatestSession(ctx context.Context) (*market.Session, error)
	CreateSession(ctx context.Context, gateClosure time.Time) (*market.Session, error)
	UpdateSessionStatus(ctx context.Context, sessionID int64, status market.SessionStatus) error
	ListChallenges(ctx context.Context, sessionID int64) ([]market.Challenge, error)
	ListChallengesByWindow(ctx context.Context, from, to time.Time) ([]market.Challenge, error)
	ListSubmissionForecasts(ctx context.Context, challengeID string) ([]restapi.SubmissionForecast, error)
	ListUserResources(ctx context.Context) ([]market.Resource, error)
	PostEnsembleForecast(ctx context.Context, f restapi.EnsembleForecast) error
	ListEnsembleForecasts(ctx context.Context, challengeID string) ([]restapi.EnsembleSeries, error)
	PostSubmissionScores(ctx context.Context, scores []market.SubmissionScore) error
	PostEnsembleScores(ctx context.Context, scores []market.EnsembleScore) error
	DeleteMonthlyStats(ctx context.Context, resourceID string, year int, month time.Month) error
	PostMonthlyStats(ctx context.Context, records interface{}) error
	ListContinuousUsers(ctx context.Context) ([]string, error)
	ListContinuousForecasts(ctx context.Context, userID string, from, to time.Time) ([]restapi.ContinuousSeries, error)
	PostSubmissionOnBehalf(ctx context.Context, challengeID, userID string, q market.Quantile, times []time.Time, values []float64) error
}

// Orchestrator wires the market operations over one API client and store.
type Orchestrator struct {
	cfg     *config.Config
	api     API
	repo    *persistence.Repository
	cache   cache.Cache
	metrics *telemetry.Metrics

	loader     *loader.Loader
	engine     *engine.Engine
	calculator *skill.Calculator
	aggregator *kpi.Aggregator
	backup     *backup.Writer

	now func() time.Time
}

// New assembles an orchestrator from its infrastructure pieces.
func New(cfg *config.Config, api API, repo *persistence.Repository, c cache.Cache, metrics *telemetry.Metrics) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		api:        api,
		repo:       repo,
		cache:      c,
		metrics:    metrics,
		loader:     loader.New(cfg.Market),
		engine:     engine.New(strategy.Default(), cfg),
		calculator: skill.NewCalculator(cfg.StepsPerDay(), cfg.Scoring.WinklerAlpha),
		aggregator: kpi.New(cfg.KPI),
		backup:     backup.NewWriter(cfg.BackupDir, cfg.SnapshotDir),
		now:        time.Now,
	}
}

// sessionStateValue maps a session status onto the state gauge.
func sessionStateValue(s market.SessionStatus) float64 {
	switch s {
	case market.SessionOpen:
		return 0
	case market.SessionClosed:
		return 1
	case market.SessionRunning:
		return 2
	default:
		return 3
	}
}

// OpenSession creates the next market session, closing at the given local
// gate hour. A negative hour selects the configured one. The latest
// session must be finished unless forceNew finishes it on the spot.
func (o *Orchestrator) OpenSession(ctx context.Context, gateClosureHour int, forceNew bool) (*market.Session, error) {
	timer := o.metrics.StartStep("open_session")

	if gateClosureHour < 0 {
		gateClosureHour = o.cfg.Market.GateClosureHour
	}
	if gateClosureHour > 23 {
		timer.Stop(telemetry.ResultError)
		return nil, fmt.Errorf("gate closure hour must be 0-23, got %d", gateClosureHour)
	}

	latest, err := o.api.LatestSession(ctx)
	if err != nil {
		timer.Stop(telemetry.ResultError)
		return nil, fmt.Errorf("fetch latest session: %w", err)
	}
	if latest != nil && latest.Status != market.SessionFinished {
		if !forceNew {
			timer.Stop(telemetry.ResultError)
			return nil, fmt.Errorf("session %d is still %s", latest.ID, latest.Status)
		}
		log.Warn().Int64("session", latest.ID).Str("status", string(latest.Status)).
			Msg("forcing previous session to finished")
		if err := o.api.UpdateSessionStatus(ctx, latest.ID, market.SessionFinished); err != nil {
			timer.Stop(telemetry.ResultError)
			return nil, fmt.Errorf("finish session %d: %w", latest.ID, err)
		}
	}

	loc, err := o.cfg.Market.GateLocation()
	if err != nil {
		timer.Stop(telemetry.ResultError)
		return nil, err
	}
	gateClosure := nextGateClosure(o.now(), gateClosureHour, loc)

	session, err := o.api.CreateSession(ctx, gateClosure)
	if err != nil {
		timer.Stop(telemetry.ResultError)
		return nil, fmt.Errorf("create session: %w", err)
	}

	o.metrics.RecordSessionState(sessionStateValue(session.Status))
	o.metrics.RecordRun("open_session")
	timer.Stop(telemetry.ResultSuccess)
	log.Info().Int64("session", session.ID).Time("gate_closure", session.GateClosure).
		Msg("session opened")
	return session, nil
}

// nextGateClosure finds the next instant strictly after now whose local
// wall-clock hour in loc equals hour, returned in UTC. Building the
// candidate with time.Date keeps the wall-clock hour stable across DST
// switches.
func nextGateClosure(now time.Time, hour int, loc *time.Location) time.Time {
	local := now.In(loc)
	candidate := time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, loc)
	if !candidate.After(now) {
		next := local.AddDate(0, 0, 1)
		candidate = time.Date(next.Year(), next.Month(), next.Day(), hour, 0, 0, 0, loc)
	}
	return candidate.UTC()
}

// RunSession executes the forecast pipeline for the latest session, which
// must be closed. Per-resource failures are logged and skipped; the
// session still finishes with whatever could be published.
func (o *Orchestrator) RunSession(ctx context.Context) (*market.Session, error) {
	timer := o.metrics.StartStep("run_session")

	session, err := o.api.LatestSession(ctx)
	if err != nil {
		timer.Stop(telemetry.ResultError)
		return nil, fmt.Errorf("fetch latest session: %w", err)
	}
	if session == nil {
		timer.Stop(telemetry.ResultError)
		return nil, fmt.Errorf("no session exists")
	}
	if session.Status != market.SessionClosed {
		timer.Stop(telemetry.ResultError)
		return nil, fmt.Errorf("session %d is %s, want %s", session.ID, session.Status, market.SessionClosed)
	}

	if err := o.api.UpdateSessionStatus(ctx, session.ID, market.SessionRunning); err != nil {
		timer.Stop(telemetry.ResultError)
		return nil, fmt.Errorf("start session %d: %w", session.ID, err)
	}
	o.metrics.RecordSessionState(sessionStateValue(market.SessionRunning))

	challenges, err := o.api.ListChallenges(ctx, session.ID)
	if err != nil {
		timer.Stop(telemetry.ResultError)
		return nil, fmt.Errorf("list challenges: %w", err)
	}

	if n := o.materialiseContinuousFeeds(ctx, challenges); n > 0 {
		// Refresh so proxied submissions show up on the challenge lists.
		challenges, err = o.api.ListChallenges(ctx, session.ID)
		if err != nil {
			timer.Stop(telemetry.ResultError)
			return nil, fmt.Errorf("relist challenges: %w", err)
		}
	}

	contexts, err := o.loader.LoadChallenges(challenges)
	if errors.Is(err, loader.ErrNoBuyers) {
		// Nothing to forecast: the session still completes its lifecycle.
		log.Warn().Int64("session", session.ID).Msg("no challenges with submissions, finishing session")
		if err := o.api.UpdateSessionStatus(ctx, session.ID, market.SessionFinished); err != nil {
			timer.Stop(telemetry.ResultError)
			return nil, fmt.Errorf("finish session %d: %w", session.ID, err)
		}
		o.metrics.RecordSessionState(sessionStateValue(market.SessionFinished))
		o.metrics.RecordRun("run_session")
		timer.Stop(telemetry.ResultSkipped)
		session.Status = market.SessionFinished
		return session, nil
	}
	if err != nil {
		timer.Stop(telemetry.ResultError)
		return nil, err
	}

	forecasts := make(map[string][]loader.SubmissionSeries, len(contexts))
	for _, fc := range contexts {
		subs, err := o.api.ListSubmissionForecasts(ctx, fc.Challenge.ID)
		if err != nil {
			timer.Stop(telemetry.ResultError)
			return nil, fmt.Errorf("list forecasts for challenge %s: %w", fc.Challenge.ID, err)
		}
		series := make([]loader.SubmissionSeries, len(subs))
		for i, s := range subs {
			series[i] = loader.SubmissionSeries{
				SubmissionID: s.SubmissionID,
				UserID:       s.UserID,
				Quantile:     s.Quantile,
				Times:        s.Times,
				Values:       s.Values,
			}
		}
		forecasts[fc.Challenge.ID] = series
	}
	if err := o.loader.LoadForecasters(contexts, forecasts); err != nil {
		timer.Stop(telemetry.ResultError)
		return nil, err
	}
	// A forecaster missing any quantile over the window is dropped from
	// the whole challenge before the strategies see it.
	for _, fc := range contexts {
		o.loader.DropIncompleteForecasters(fc, o.cfg.Market.Quantiles())
	}

	measurements, err := o.sessionMeasurements(ctx, contexts)
	if err != nil {
		timer.Stop(telemetry.ResultError)
		return nil, err
	}
	if err := o.loader.LoadBuyerMeasurements(contexts, measurements); err != nil {
		timer.Stop(telemetry.ResultError)
		return nil, err
	}

	if o.cfg.Market.SnapshotSessions {
		o.writeSnapshot(session.ID, contexts, measurements, forecasts)
	}

	failed := o.forecastAll(contexts)
	published := o.publishForecasts(ctx, contexts, failed)

	if err := o.api.UpdateSessionStatus(ctx, session.ID, market.SessionFinished); err != nil {
		timer.Stop(telemetry.ResultError)
		return nil, fmt.Errorf("finish session %d: %w", session.ID, err)
	}
	o.metrics.RecordSessionState(sessionStateValue(market.SessionFinished))
	o.metrics.RecordRun("run_session")
	timer.Stop(telemetry.ResultSuccess)

	log.Info().Int64("session", session.ID).Int("challenges", len(contexts)).
		Int("failed", len(failed)).Int("published", published).Msg("session run complete")
	session.Status = market.SessionFinished
	return session, nil
}

// materialiseContinuousFeeds posts one submission per (challenge, user,
// quantile) out of the continuous feeds. Failures are logged per user and
// never block the run. Returns how many submissions were created.
func (o *Orchestrator) materialiseContinuousFeeds(ctx context.Context, challenges []market.Challenge) int {
	users, err := o.api.ListContinuousUsers(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("continuous users unavailable, skipping proxy submissions")
		return 0
	}
	created := 0
	for _, ch := range challenges {
		for _, user := range users {
			series, err := o.api.ListContinuousForecasts(ctx, user, ch.Start, ch.End)
			if err != nil {
				log.Warn().Err(err).Str("user", user).Str("challenge", ch.ID).
					Msg("continuous feed fetch failed")
				continue
			}
			for _, s := range series {
				if len(s.Times) == 0 {
					continue
				}
				if err := o.api.PostSubmissionOnBehalf(ctx, ch.ID, user, s.Quantile, s.Times, s.Values); err != nil {
					log.Warn().Err(err).Str("user", user).Str("challenge", ch.ID).
						Str("quantile", string(s.Quantile)).Msg("proxy submission failed")
					continue
				}
				created++
			}
		}
	}
	if created > 0 {
		log.Info().Int("submissions", created).Msg("continuous feeds materialised")
	}
	return created
}

// sessionMeasurements loads each resource's history window through the
// cache, one series per distinct resource.
func (o *Orchestrator) sessionMeasurements(ctx context.Context, contexts []*loader.Context) (map[string]loader.MeasurementSeries, error) {
	out := make(map[string]loader.MeasurementSeries)
	for _, fc := range contexts {
		resourceID := fc.Challenge.ResourceID
		if _, ok := out[resourceID]; ok {
			continue
		}
		idx := fc.Data.Index()
		if len(idx) == 0 {
			continue
		}
		rows, err := o.cachedMeasurements(ctx, resourceID, persistence.TimeRange{From: idx[0], To: idx[len(idx)-1]})
		if err != nil {
			return nil, fmt.Errorf("measurements for resource %s: %w", resourceID, err)
		}
		series := loader.MeasurementSeries{ResourceID: resourceID}
		for _, m := range rows {
			series.Times = append(series.Times, m.Timestamp)
			series.Values = append(series.Values, m.Value)
		}
		out[resourceID] = series
	}
	return out, nil
}

// cachedMeasurements reads a measurement window through the cache; the
// window is keyed by resource and bounds, so repeated runs inside the TTL
// skip the store.
func (o *Orchestrator) cachedMeasurements(ctx context.Context, resourceID string, tr persistence.TimeRange) ([]persistence.Measurement, error) {
	key := fmt.Sprintf("measurements:%s:%d:%d", resourceID, tr.From.Unix(), tr.To.Unix())

	if data, ok, err := o.cache.Get(ctx, key); err == nil && ok {
		var rows []persistence.Measurement
		if err := json.Unmarshal(data, &rows); err == nil {
			o.metrics.RecordCacheHit("measurements")
			return rows, nil
		}
	}
	o.metrics.RecordCacheMiss("measurements")

	rows, err := o.repo.Measurements.ListByResource(ctx, resourceID, tr)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(rows); err == nil {
		if err := o.cache.Set(ctx, key, data, o.cfg.Cache.TTL); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("cache write failed")
		}
	}
	return rows, nil
}

func (o *Orchestrator) writeSnapshot(sessionID int64, contexts []*loader.Context,
	measurements map[string]loader.MeasurementSeries, forecasts map[string][]loader.SubmissionSeries) {

	challengeIDs := make([]string, 0, len(contexts))
	resources := make(map[string]bool)
	for _, fc := range contexts {
		challengeIDs = append(challengeIDs, fc.Challenge.ID)
		resources[fc.Challenge.ResourceID] = true
	}
	resourceIDs := make([]string, 0, len(resources))
	for id := range resources {
		resourceIDs = append(resourceIDs, id)
	}
	sort.Strings(resourceIDs)

	if _, err := o.backup.WriteSessionSnapshot(backup.SessionSnapshot{
		SessionID:         sessionID,
		BuyerMeasurements: measurements,
		SellersForecasts:  forecasts,
		Challenges:        challengeIDs,
		SellersResources:  resourceIDs,
	}); err != nil {
		log.Warn().Err(err).Int64("session", sessionID).Msg("session snapshot failed")
	}
}

// forecastAll fans the strategy runs out over the configured number of
// workers. Failed challenges are marked and excluded from publication;
// one bad resource never sinks the session.
func (o *Orchestrator) forecastAll(contexts []*loader.Context) map[string]bool {
	var mu sync.Mutex
	failed := make(map[string]bool)

	g := new(errgroup.Group)
	g.SetLimit(o.cfg.Market.NJobs)
	for _, fc := range contexts {
		fc := fc
		g.Go(func() error {
			_, err := o.engine.Forecast(fc.Challenge.ResourceID,
				fc.TrainFeatures(), fc.TrainTarget(), fc.TestFeatures(),
				fc.Window, nil, nil)
			if err != nil {
				log.Error().Err(err).Str("challenge", fc.Challenge.ID).
					Str("resource", fc.Challenge.ResourceID).Msg("forecast failed")
				mu.Lock()
				failed[fc.Challenge.ID] = true
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return failed
}

// publishForecasts posts every successful (strategy, quantile) series,
// sequentially to keep ordering stable. Returns the published count.
func (o *Orchestrator) publishForecasts(ctx context.Context, contexts []*loader.Context, failed map[string]bool) int {
	published := 0
	for _, fc := range contexts {
		if failed[fc.Challenge.ID] {
			continue
		}
		results, err := o.engine.GetResults(fc.Challenge.ResourceID)
		if err != nil {
			log.Error().Err(err).Str("challenge", fc.Challenge.ID).Msg("no results to publish")
			continue
		}

		names := make([]string, 0, len(results))
		for name := range results {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			byQuantile := make(map[market.Quantile][]timeseries.Point)
			for _, pt := range results[name].Predictions {
				q := market.Quantile(pt.Variable)
				byQuantile[q] = append(byQuantile[q], pt)
			}
			for _, q := range market.AllQuantiles() {
				pts := byQuantile[q]
				if len(pts) == 0 {
					continue
				}
				times := make([]time.Time, len(pts))
				values := make([]float64, len(pts))
				for i, pt := range pts {
					times[i] = pt.Time
					values[i] = pt.Value
				}
				err := o.api.PostEnsembleForecast(ctx, restapi.EnsembleForecast{
					ChallengeID: fc.Challenge.ID,
					Strategy:    name,
					Quantile:    q,
					Times:       times,
					Values:      values,
				})
				if err != nil {
					log.Error().Err(err).Str("challenge", fc.Challenge.ID).
						Str("strategy", name).Str("quantile", string(q)).
						Msg("ensemble publication failed")
					o.metrics.PublishErrors.WithLabelValues("ensemble_forecast").Inc()
					continue
				}
				o.metrics.ForecastsPublished.Inc()
				published++
			}
		}
	}
	return published
}

// Summary is the outcome of one scoring run, mapped to the process exit
// code: 0 all scored, 1 some challenges failed, 2 nothing scored at all.
type Summary struct {
	Scored  int
	Skipped int
	Failed  int
}

// ExitCode folds the summary into the scoring command's exit code.
func (s Summary) ExitCode() int {
	if s.Failed == 0 {
		return 0
	}
	if s.Scored == 0 {
		return 2
	}
	return 1
}

// CalculateScores scores every completed challenge in the month-to-date
// window. Without updateScores, challenges already carrying scores are
// skipped; with it, the window's scores are exported to CSV and deleted
// before the recompute — a failed export aborts the whole run — and
// inside the first grace-period days of a month the window reaches back
// to the previous month's first day so late recomputes still cover it.
func (o *Orchestrator) CalculateScores(ctx context.Context, updateScores bool) (*Summary, error) {
	timer := o.metrics.StartStep("calculate_scores")

	now := o.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	from := monthStart
	if updateScores && now.Day() <= o.cfg.Scoring.GracePeriodDays {
		from = monthStart.AddDate(0, -1, 0)
	}
	window := persistence.TimeRange{From: from, To: today}

	challenges, err := o.api.ListChallengesByWindow(ctx, window.From, window.To)
	if err != nil {
		timer.Stop(telemetry.ResultError)
		return nil, fmt.Errorf("list challenges: %w", err)
	}

	alreadyScored := map[string]bool{}
	if updateScores {
		if err := o.resetScoreWindow(ctx, window); err != nil {
			timer.Stop(telemetry.ResultError)
			return nil, err
		}
	} else {
		alreadyScored, err = o.repo.SubmissionScores.ChallengeIDsWithScores(ctx, window)
		if err != nil {
			timer.Stop(telemetry.ResultError)
			return nil, fmt.Errorf("check scored challenges: %w", err)
		}
	}

	summary := &Summary{}
	for _, ch := range challenges {
		if ch.End.After(now) {
			summary.Skipped++
			continue
		}
		if alreadyScored[ch.ID] {
			log.Debug().Str("challenge", ch.ID).Msg("already scored, skipping")
			summary.Skipped++
			continue
		}
		if err := o.scoreChallenge(ctx, ch); err != nil {
			log.Error().Err(err).Str("challenge", ch.ID).Str("resource", ch.ResourceID).
				Msg("challenge scoring failed")
			o.metrics.ScoringFailures.WithLabelValues("error").Inc()
			summary.Failed++
			continue
		}
		o.metrics.ChallengesScored.Inc()
		summary.Scored++
	}

	o.metrics.RecordRun("calculate_scores")
	if summary.Failed > 0 {
		timer.Stop(telemetry.ResultError)
	} else {
		timer.Stop(telemetry.ResultSuccess)
	}
	log.Info().Int("scored", summary.Scored).Int("skipped", summary.Skipped).
		Int("failed", summary.Failed).Msg("scoring run complete")
	return summary, nil
}

// resetScoreWindow exports the window's scores to CSV, then deletes them.
// The export is a hard prerequisite: no backup, no delete.
func (o *Orchestrator) resetScoreWindow(ctx context.Context, window persistence.TimeRange) error {
	subRows, err := o.repo.SubmissionScores.ListWindow(ctx, window)
	if err != nil {
		return fmt.Errorf("list submission scores: %w", err)
	}
	ensRows, err := o.repo.EnsembleScores.ListWindow(ctx, window)
	if err != nil {
		return fmt.Errorf("list ensemble scores: %w", err)
	}

	if _, err := o.backup.BackupSubmissionScores(subRows); err != nil {
		return fmt.Errorf("backup submission scores: %w", err)
	}
	if _, err := o.backup.BackupEnsembleScores(ensRows); err != nil {
		return fmt.Errorf("backup ensemble scores: %w", err)
	}

	subDeleted, err := o.repo.SubmissionScores.DeleteWindow(ctx, window)
	if err != nil {
		return fmt.Errorf("delete submission scores: %w", err)
	}
	ensDeleted, err := o.repo.EnsembleScores.DeleteWindow(ctx, window)
	if err != nil {
		return fmt.Errorf("delete ensemble scores: %w", err)
	}
	log.Info().Int64("submission_scores", subDeleted).Int64("ensemble_scores", ensDeleted).
		Time("from", window.From).Time("to", window.To).Msg("score window reset")
	return nil
}

// scoreChallenge evaluates every submission and ensemble of one challenge
// against its observed window and publishes the score rows.
func (o *Orchestrator) scoreChallenge(ctx context.Context, ch market.Challenge) error {
	window := timeseries.Range(ch.Start, ch.End, o.cfg.Market.Resolution)

	rows, err := o.cachedMeasurements(ctx, ch.ResourceID, persistence.TimeRange{From: ch.Start, To: ch.End})
	if err != nil {
		return fmt.Errorf("measurements: %w", err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("no measurements for resource %s in window", ch.ResourceID)
	}
	times := make([]time.Time, len(rows))
	values := make([]float64, len(rows))
	for i, m := range rows {
		times[i] = m.Timestamp
		values[i] = m.Value
	}
	obsValues, err := o.loader.Preprocess(times, values, window)
	if err != nil {
		return fmt.Errorf("preprocess measurements: %w", err)
	}
	obs := timeseries.New(window)
	if err := obs.SetColumn(loader.TargetColumn, obsValues); err != nil {
		return err
	}

	subs, err := o.api.ListSubmissionForecasts(ctx, ch.ID)
	if err != nil {
		return fmt.Errorf("list submissions: %w", err)
	}
	if len(subs) > 0 {
		entries := make([]skill.Entry, len(subs))
		owner := make(map[string]string, len(subs))
		for i, s := range subs {
			entries[i] = skill.Entry{
				ID:       s.SubmissionID,
				Owner:    s.UserID,
				Quantile: s.Quantile,
				Times:    s.Times,
				Values:   s.Values,
			}
			owner[s.SubmissionID] = s.UserID
		}
		results, err := o.calculator.EvaluateEntries(obs, entries)
		if err != nil {
			return fmt.Errorf("evaluate submissions: %w", err)
		}
		scores := make([]market.SubmissionScore, len(results))
		for i, r := range results {
			scores[i] = market.SubmissionScore{
				SubmissionID: r.ID,
				ChallengeID:  ch.ID,
				UserID:       owner[r.ID],
				Metric:       r.Metric,
				Value:        r.Value,
			}
		}
		if err := o.api.PostSubmissionScores(ctx, scores); err != nil {
			o.metrics.PublishErrors.WithLabelValues("submission_scores").Inc()
			return fmt.Errorf("publish submission scores: %w", err)
		}
	}

	ensembles, err := o.api.ListEnsembleForecasts(ctx, ch.ID)
	if err != nil {
		return fmt.Errorf("list ensembles: %w", err)
	}
	if len(ensembles) > 0 {
		entries := make([]skill.Entry, len(ensembles))
		strategyOf := make(map[string]string, len(ensembles))
		for i, e := range ensembles {
			entries[i] = skill.Entry{
				ID:       e.EnsembleID,
				Owner:    e.Strategy,
				Quantile: e.Quantile,
				Times:    e.Times,
				Values:   e.Values,
			}
			strategyOf[e.EnsembleID] = e.Strategy
		}
		results, err := o.calculator.EvaluateEntries(obs, entries)
		if err != nil {
			return fmt.Errorf("evaluate ensembles: %w", err)
		}
		scores := make([]market.EnsembleScore, len(results))
		for i, r := range results {
			scores[i] = market.EnsembleScore{
				EnsembleID:  r.ID,
				ChallengeID: ch.ID,
				Strategy:    strategyOf[r.ID],
				Metric:      r.Metric,
				Value:       r.Value,
			}
		}
		if err := o.api.PostEnsembleScores(ctx, scores); err != nil {
			o.metrics.PublishErrors.WithLabelValues("ensemble_scores").Inc()
			return fmt.Errorf("publish ensemble scores: %w", err)
		}
	}
	return nil
}

// AggregateScores rebuilds every active resource's monthly KPI records
// for the given month, rewrites the stats table and republishes through
// the API.
func (o *Orchestrator) AggregateScores(ctx context.Context, year int, month time.Month) error {
	timer := o.metrics.StartStep("aggregate_scores")

	resources, err := o.api.ListUserResources(ctx)
	if err != nil {
		timer.Stop(telemetry.ResultError)
		return fmt.Errorf("list resources: %w", err)
	}

	aggregated := 0
	for _, res := range resources {
		if !res.Active {
			continue
		}
		if err := o.aggregateResource(ctx, res, year, month); err != nil {
			timer.Stop(telemetry.ResultError)
			return fmt.Errorf("resource %s: %w", res.ID, err)
		}
		aggregated++
	}

	o.metrics.RecordRun("aggregate_scores")
	timer.Stop(telemetry.ResultSuccess)
	log.Info().Int("resources", aggregated).Int("year", year).Int("month", int(month)).
		Msg("monthly aggregation complete")
	return nil
}

func (o *Orchestrator) aggregateResource(ctx context.Context, res market.Resource, year int, month time.Month) error {
	rows, err := o.repo.SubmissionScores.ListByResourceMonth(ctx, res.ID, year, month)
	if err != nil {
		return fmt.Errorf("list monthly scores: %w", err)
	}
	if len(rows) == 0 {
		log.Debug().Str("resource", res.ID).Msg("no scores for month, skipping")
		return nil
	}

	loc := res.Location()
	scores := make([]kpi.DailyScore, len(rows))
	for i, r := range rows {
		scores[i] = kpi.DailyScore{
			UserID:      r.UserID,
			ChallengeID: r.ChallengeID,
			Day:         market.LocalDay(r.TargetDay, loc),
			Metric:      r.Metric,
			Value:       r.Value,
		}
	}

	fixed, err := o.repo.Participation.FixedPaymentUsers(ctx, res.ID)
	if err != nil {
		return fmt.Errorf("fixed-payment users: %w", err)
	}

	series, err := o.monthlySeries(ctx, res, year, month)
	if err != nil {
		log.Warn().Err(err).Str("resource", res.ID).
			Msg("monthly series unavailable, records carry no distributions")
		series = nil
	}

	var statsRows []persistence.MonthlyStatsRow
	var records []kpi.Record
	for _, track := range []market.Track{market.TrackDeterministic, market.TrackProbabilistic} {
		metric, err := market.MetricFor(track)
		if err != nil {
			return err
		}
		hasMetric := false
		for _, s := range scores {
			if s.Metric == metric {
				hasMetric = true
				break
			}
		}
		if !hasMetric {
			log.Debug().Str("resource", res.ID).Str("track", string(track)).
				Msg("no scores for track, skipping")
			continue
		}
		in := kpi.Input{
			ResourceID:   res.ID,
			Year:         year,
			Month:        month,
			Track:        track,
			Scores:       scores,
			FixedPayment: fixed,
		}
		if track == market.TrackDeterministic {
			in.Series = series
		}
		result, err := o.aggregator.Aggregate(in)
		if err != nil {
			return fmt.Errorf("aggregate %s track: %w", track, err)
		}
		for _, rec := range result.Records {
			payload, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("marshal record for %s: %w", rec.UserID, err)
			}
			statsRows = append(statsRows, persistence.MonthlyStatsRow{
				UserID:     rec.UserID,
				ResourceID: rec.ResourceID,
				Year:       rec.Year,
				Month:      int(rec.Month),
				Metric:     string(rec.Metric),
				Track:      string(rec.Track),
				League:     string(rec.League),
				Payload:    payload,
			})
		}
		records = append(records, result.Records...)
	}

	if err := o.repo.MonthlyStats.Replace(ctx, res.ID, year, month, statsRows); err != nil {
		return fmt.Errorf("replace monthly stats: %w", err)
	}
	if err := o.api.DeleteMonthlyStats(ctx, res.ID, year, month); err != nil {
		o.metrics.PublishErrors.WithLabelValues("monthly_stats").Inc()
		return fmt.Errorf("delete published stats: %w", err)
	}
	if err := o.api.PostMonthlyStats(ctx, records); err != nil {
		o.metrics.PublishErrors.WithLabelValues("monthly_stats").Inc()
		return fmt.Errorf("publish monthly stats: %w", err)
	}
	return nil
}

// monthlySeries pairs each forecaster's q50 forecasts for the month with
// the observed values, aligned on the market index, for the deterministic
// track's residual distributions.
func (o *Orchestrator) monthlySeries(ctx context.Context, res market.Resource, year int, month time.Month) (map[string]kpi.SeriesPair, error) {
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0).Add(-o.cfg.Market.Resolution)
	index := timeseries.Range(start, end, o.cfg.Market.Resolution)

	rows, err := o.cachedMeasurements(ctx, res.ID, persistence.TimeRange{From: start, To: end})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no measurements for month")
	}
	times := make([]time.Time, len(rows))
	values := make([]float64, len(rows))
	for i, m := range rows {
		times[i] = m.Timestamp
		values[i] = m.Value
	}
	observed, err := o.loader.Preprocess(times, values, index)
	if err != nil {
		return nil, err
	}

	challenges, err := o.api.ListChallengesByWindow(ctx, start, end)
	if err != nil {
		return nil, err
	}

	type userSeries struct {
		times  []time.Time
		values []float64
	}
	byUser := make(map[string]*userSeries)
	for _, ch := range challenges {
		if ch.ResourceID != res.ID {
			continue
		}
		subs, err := o.api.ListSubmissionForecasts(ctx, ch.ID)
		if err != nil {
			return nil, err
		}
		for _, s := range subs {
			if s.Quantile != market.Q50 {
				continue
			}
			us := byUser[s.UserID]
			if us == nil {
				us = &userSeries{}
				byUser[s.UserID] = us
			}
			us.times = append(us.times, s.Times...)
			us.values = append(us.values, s.Values...)
		}
	}

	frame := timeseries.New(index)
	for user, us := range byUser {
		if err := frame.InsertSeries(user, us.times, us.values); err != nil {
			return nil, err
		}
	}
	aligned := frame.Reindex(index)

	out := make(map[string]kpi.SeriesPair)
	for _, col := range aligned.Columns() {
		forecast, _ := aligned.Column(col)
		out[col] = kpi.SeriesPair{Forecast: forecast, Observed: observed}
	}
	return out, nil
}
