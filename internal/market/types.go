// Package market holds the domain vocabulary of the forecasting market:
// sessions, resources, challenges, submissions and score records. All
// cross-entity links are by identifier; nothing here touches storage.
package market

import (
	"fmt"
	"time"
)

// SessionStatus is the lifecycle state of a market session. Transitions are
// strictly ordered: open → closed → running → finished.
type SessionStatus string

const (
	SessionOpen     SessionStatus = "open"
	SessionClosed   SessionStatus = "closed"
	SessionRunning  SessionStatus = "running"
	SessionFinished SessionStatus = "finished"
)

// CanTransition reports whether moving to next respects the session order.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	order := map[SessionStatus]int{
		SessionOpen:     0,
		SessionClosed:   1,
		SessionRunning:  2,
		SessionFinished: 3,
	}
	cur, ok1 := order[s]
	nxt, ok2 := order[next]
	return ok1 && ok2 && nxt == cur+1
}

// Session is one gate-closure cycle of the market.
type Session struct {
	ID          int64         `json:"id" db:"id"`
	Status      SessionStatus `json:"status" db:"status"`
	GateClosure time.Time     `json:"gate_closure" db:"gate_closure"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
}

// ResourceType is the physical kind of a buyer resource.
type ResourceType string

const (
	ResourceWind  ResourceType = "wind"
	ResourceSolar ResourceType = "solar"
	ResourceLoad  ResourceType = "load"
)

// Resource is a physical asset a buyer wants forecasts for. Immutable
// within a session.
type Resource struct {
	ID       string       `json:"id" db:"id"`
	BuyerID  string       `json:"buyer_id" db:"buyer_id"`
	Name     string       `json:"name" db:"name"`
	Type     ResourceType `json:"type" db:"type"`
	Timezone string       `json:"timezone" db:"timezone"`
	Active   bool         `json:"active" db:"active"`
}

// Location resolves the resource's IANA timezone, falling back to UTC.
func (r Resource) Location() *time.Location {
	if r.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SubmissionKind distinguishes one-shot uploads from submissions the
// orchestrator materialises out of a forecaster's continuous feed.
type SubmissionKind string

const (
	SubmissionNormal     SubmissionKind = "normal"
	SubmissionContinuous SubmissionKind = "continuous"
)

// Submission is one forecaster's entry for one challenge and one quantile.
type Submission struct {
	ID          string         `json:"id"`
	ChallengeID string         `json:"challenge_id"`
	UserID      string         `json:"user_id"`
	Quantile    Quantile       `json:"quantile"`
	Kind        SubmissionKind `json:"kind"`
	SubmittedAt time.Time      `json:"submitted_at"`
}

// Challenge is a single day-ahead forecast task for one resource in one
// session. It owns its submission list for its lifetime.
type Challenge struct {
	ID          string       `json:"id"`
	SessionID   int64        `json:"session_id"`
	ResourceID  string       `json:"resource_id"`
	BuyerID     string       `json:"buyer_id"`
	UseCase     string       `json:"use_case"`
	Start       time.Time    `json:"start_datetime"`
	End         time.Time    `json:"end_datetime"`
	Submissions []Submission `json:"submissions"`
}

// Window returns the challenge's closed forecast interval.
func (c Challenge) Window() (time.Time, time.Time) { return c.Start, c.End }

// Metric names a skill score. Deterministic metrics (rmse, mae) are defined
// on q50 only; pinball on every quantile; winkler on the q10–q90 interval.
type Metric string

const (
	MetricRMSE    Metric = "rmse"
	MetricMAE     Metric = "mae"
	MetricPinball Metric = "pinball"
	MetricWinkler Metric = "winkler"
)

// Track is the evaluation dimension a KPI record belongs to.
type Track string

const (
	TrackDeterministic Track = "deterministic"
	TrackProbabilistic Track = "probabilistic"
)

// MetricFor returns the headline metric of a track.
func MetricFor(track Track) (Metric, error) {
	switch track {
	case TrackDeterministic:
		return MetricRMSE, nil
	case TrackProbabilistic:
		return MetricWinkler, nil
	}
	return "", fmt.Errorf("unknown track %q", track)
}

// SubmissionScore is one score row for one submission.
type SubmissionScore struct {
	SubmissionID string  `json:"submission_id" db:"submission_id"`
	ChallengeID  string  `json:"challenge_id" db:"challenge_id"`
	UserID       string  `json:"user_id" db:"user_id"`
	Metric       Metric  `json:"metric" db:"metric"`
	Value        float64 `json:"value" db:"value"`
}

// EnsembleScore is one score row for one published ensemble.
type EnsembleScore struct {
	EnsembleID  string  `json:"ensemble_id" db:"ensemble_id"`
	ChallengeID string  `json:"challenge_id" db:"challenge_id"`
	Strategy    string  `json:"strategy" db:"strategy"`
	Metric      Metric  `json:"metric" db:"metric"`
	Value       float64 `json:"value" db:"value"`
}

// LocalDay maps an instant to the calendar day it falls on in loc, returned
// as midnight UTC so day keys compare and group cleanly across zones.
func LocalDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// League is the monthly band a forecaster lands in for one resource and
// track.
type League string

const (
	LeagueElite       League = "elite"
	LeagueChallenger  League = "challenger"
	LeagueRunnerUp    League = "runner_up"
	LeagueUnassigned  League = "unassigned"
	LeagueUnqualified League = "unqualified"
)
