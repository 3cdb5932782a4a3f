// Package restapi is the JSON client for the market REST API: session
// lifecycle, challenge and submission queries, and publication of
// ensemble forecasts, scores and monthly stats. Requests go through a
// token-bucket rate limiter and a circuit breaker, with bounded retries
// on transient failures.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/castmarket/castmarket/internal/config"
	"github.com/castmarket/castmarket/internal/market"
)

// ErrInternalServer marks an HTTP 500 from the API.
var ErrInternalServer = errors.New("internal server error")

// APIError carries a non-2xx response with the server body preserved.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.Status, e.Body)
}

// Is maps HTTP 500 onto ErrInternalServer for errors.Is checks.
func (e *APIError) Is(target error) bool {
	return target == ErrInternalServer && e.Status == http.StatusInternalServerError
}

// Client talks to the market REST API on behalf of one operator account.
type Client struct {
	baseURL  string
	email    string
	password string
	retries  int
	backoff  time.Duration

	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker

	token string
}

// New creates an unauthenticated client; call Login before any other
// request.
func New(cfg config.APIConfig) *Client {
	return &Client{
		baseURL:  cfg.BaseURL(),
		email:    cfg.Email,
		password: cfg.Password,
		retries:  cfg.Retries,
		backoff:  cfg.RetryBackoff,
		http:     &http.Client{Timeout: cfg.Timeout},
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateBurst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "market-api",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// Login obtains the bearer token. Failure here is fatal for the caller:
// nothing else works without it.
func (c *Client) Login(ctx context.Context) error {
	var resp struct {
		AccessToken string `json:"access_token"`
	}
	body := map[string]string{"email": c.email, "password": c.password}
	if err := c.do(ctx, http.MethodPost, "/api/v1/auth/login", body, &resp); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if resp.AccessToken == "" {
		return fmt.Errorf("login: empty token in response")
	}
	c.token = resp.AccessToken
	return nil
}

// LatestSession returns the most recent market session, nil when none
// exists yet.
func (c *Client) LatestSession(ctx context.Context) (*market.Session, error) {
	var sessions []market.Session
	if err := c.do(ctx, http.MethodGet, "/api/v1/market/session?latest_only=true", nil, &sessions); err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, nil
	}
	return &sessions[0], nil
}

// CreateSession opens a new session closing at the given UTC instant.
func (c *Client) CreateSession(ctx context.Context, gateClosure time.Time) (*market.Session, error) {
	body := map[string]interface{}{
		"status":       market.SessionOpen,
		"gate_closure": gateClosure.UTC().Format(time.RFC3339),
	}
	var out market.Session
	if err := c.do(ctx, http.MethodPost, "/api/v1/market/session", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateSessionStatus moves a session along its lifecycle.
func (c *Client) UpdateSessionStatus(ctx context.Context, sessionID int64, status market.SessionStatus) error {
	body := map[string]interface{}{"status": status}
	path := fmt.Sprintf("/api/v1/market/session/%d", sessionID)
	return c.do(ctx, http.MethodPatch, path, body, nil)
}

// ListChallenges returns the session's challenges with their submission
// lists.
func (c *Client) ListChallenges(ctx context.Context, sessionID int64) ([]market.Challenge, error) {
	var out []market.Challenge
	path := fmt.Sprintf("/api/v1/market/challenge?market_session=%d", sessionID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListChallengesByWindow returns every challenge whose target day falls
// in [from, to], for the scoring loop.
func (c *Client) ListChallengesByWindow(ctx context.Context, from, to time.Time) ([]market.Challenge, error) {
	var out []market.Challenge
	path := fmt.Sprintf("/api/v1/market/challenge?start_date=%s&end_date=%s",
		from.UTC().Format("2006-01-02"), to.UTC().Format("2006-01-02"))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SubmissionForecast is one submission's forecast series on the wire.
type SubmissionForecast struct {
	SubmissionID string          `json:"submission_id"`
	UserID       string          `json:"user_id"`
	Quantile     market.Quantile `json:"quantile"`
	Times        []time.Time     `json:"datetimes"`
	Values       []float64       `json:"values"`
}

// ListSubmissionForecasts returns every submission series for a
// challenge.
func (c *Client) ListSubmissionForecasts(ctx context.Context, challengeID string) ([]SubmissionForecast, error) {
	var out []SubmissionForecast
	path := fmt.Sprintf("/api/v1/market/challenge/%s/forecasts", challengeID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListUserResources returns the resources of every registered buyer.
func (c *Client) ListUserResources(ctx context.Context) ([]market.Resource, error) {
	var out []market.Resource
	if err := c.do(ctx, http.MethodGet, "/api/v1/user/resource", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// EnsembleForecast is one (challenge, strategy, quantile) series to
// publish.
type EnsembleForecast struct {
	ChallengeID string          `json:"challenge_id"`
	Strategy    string          `json:"model"`
	Quantile    market.Quantile `json:"quantile"`
	Times       []time.Time     `json:"datetimes"`
	Values      []float64       `json:"values"`
}

// PostEnsembleForecast publishes one ensemble series.
func (c *Client) PostEnsembleForecast(ctx context.Context, f EnsembleForecast) error {
	path := fmt.Sprintf("/api/v1/market/challenge/%s/ensemble-forecasts", f.ChallengeID)
	return c.do(ctx, http.MethodPost, path, f, nil)
}

// EnsembleSeries is a published ensemble read back for scoring.
type EnsembleSeries struct {
	EnsembleID  string          `json:"ensemble_id"`
	ChallengeID string          `json:"challenge_id"`
	Strategy    string          `json:"model"`
	Quantile    market.Quantile `json:"quantile"`
	Times       []time.Time     `json:"datetimes"`
	Values      []float64       `json:"values"`
}

// ListEnsembleForecasts returns the published ensembles for a challenge.
func (c *Client) ListEnsembleForecasts(ctx context.Context, challengeID string) ([]EnsembleSeries, error) {
	var out []EnsembleSeries
	path := fmt.Sprintf("/api/v1/market/challenge/%s/ensemble-forecasts", challengeID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PostSubmissionScores publishes submission score rows.
func (c *Client) PostSubmissionScores(ctx context.Context, scores []market.SubmissionScore) error {
	return c.do(ctx, http.MethodPost, "/api/v1/market/submission-scores", scores, nil)
}

// PostEnsembleScores publishes ensemble score rows.
func (c *Client) PostEnsembleScores(ctx context.Context, scores []market.EnsembleScore) error {
	return c.do(ctx, http.MethodPost, "/api/v1/market/ensemble-scores", scores, nil)
}

// DeleteMonthlyStats removes the published stats for one resource and
// month ahead of a rewrite.
func (c *Client) DeleteMonthlyStats(ctx context.Context, resourceID string, year int, month time.Month) error {
	path := fmt.Sprintf("/api/v1/market/monthly-stats?resource=%s&year=%d&month=%d",
		resourceID, year, int(month))
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// PostMonthlyStats publishes the freshly aggregated records.
func (c *Client) PostMonthlyStats(ctx context.Context, records interface{}) error {
	return c.do(ctx, http.MethodPost, "/api/v1/market/monthly-stats", records, nil)
}

// ListContinuousUsers returns the forecasters who asked the market to
// submit on their behalf from a continuous feed.
func (c *Client) ListContinuousUsers(ctx context.Context) ([]string, error) {
	var out []struct {
		UserID string `json:"user_id"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/user/continuous", nil, &out); err != nil {
		return nil, err
	}
	ids := make([]string, len(out))
	for i, u := range out {
		ids[i] = u.UserID
	}
	return ids, nil
}

// ContinuousSeries is one quantile slice of a user's continuous feed.
type ContinuousSeries struct {
	UserID   string          `json:"user_id"`
	Quantile market.Quantile `json:"quantile"`
	Times    []time.Time     `json:"datetimes"`
	Values   []float64       `json:"values"`
}

// ListContinuousForecasts returns a user's continuous feed over a window.
func (c *Client) ListContinuousForecasts(ctx context.Context, userID string, from, to time.Time) ([]ContinuousSeries, error) {
	var out []ContinuousSeries
	path := fmt.Sprintf("/api/v1/user/%s/continuous-forecasts?start=%s&end=%s",
		userID, from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PostSubmissionOnBehalf materialises one continuous-feed quantile as a
// regular submission for a challenge.
func (c *Client) PostSubmissionOnBehalf(ctx context.Context, challengeID, userID string, q market.Quantile, times []time.Time, values []float64) error {
	body := map[string]interface{}{
		"user_id":   userID,
		"quantile":  q,
		"kind":      market.SubmissionContinuous,
		"datetimes": times,
		"values":    values,
	}
	path := fmt.Sprintf("/api/v1/market/challenge/%s/submissions", challengeID)
	return c.do(ctx, http.MethodPost, path, body, nil)
}

// do runs one request through the limiter, breaker and retry loop, then
// decodes a JSON body into out when given.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	var lastErr error
	attempts := c.retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := c.backoff * time.Duration(1<<(attempt-1))
			log.Debug().Str("path", path).Int("attempt", attempt+1).
				Dur("backoff", backoff).Msg("retrying api request")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		result, err := c.breaker.Execute(func() (interface{}, error) {
			return c.roundTrip(ctx, method, path, payload)
		})
		if err != nil {
			lastErr = err
			if transient(err) {
				continue
			}
			return err
		}

		data := result.([]byte)
		if out != nil && len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("decode %s %s: %w", method, path, err)
			}
		}
		return nil
	}
	return fmt.Errorf("%s %s after %d attempts: %w", method, path, attempts, lastErr)
}

func (c *Client) roundTrip(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return data, nil
}

// transient reports whether an attempt is worth retrying: network
// failures and server-side errors, never client errors.
func transient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	return true
}
