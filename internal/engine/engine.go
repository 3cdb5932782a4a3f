// Package engine runs ensemble strategies for one resource at a time and
// keeps their results for later publication and comparison.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/castmarket/castmarket/internal/config"
	"github.com/castmarket/castmarket/internal/market"
	"github.com/castmarket/castmarket/internal/strategy"
	"github.com/castmarket/castmarket/internal/timeseries"
)

// StrategyError wraps a failure inside a strategy run with the strategy
// and resource it happened for. Registry misses are not wrapped; they
// surface as strategy.ErrNotFound.
type StrategyError struct {
	Strategy string
	Resource string
	Err      error
}

func (e *StrategyError) Error() string {
	return fmt.Sprintf("strategy %s failed for resource %s: %v", e.Strategy, e.Resource, e.Err)
}

func (e *StrategyError) Unwrap() error { return e.Err }

// Result is one strategy's output for one resource.
type Result struct {
	StrategyName string
	Predictions  []timeseries.Point
	Weights      map[market.Quantile]map[string]float64
	Metadata     map[string]interface{}
}

// Engine selects, instantiates and runs strategies. Strategy instances
// are cached per (resource, strategy) so no instance is ever shared
// across resources.
type Engine struct {
	registry  *strategy.Registry
	forecast  config.ForecastConfig
	params    strategy.Params
	quantiles []market.Quantile

	mu        sync.Mutex
	instances map[string]strategy.Strategy
	results   map[string]map[string]*Result
}

// New creates an engine over the given registry and configuration.
func New(registry *strategy.Registry, cfg *config.Config) *Engine {
	return &Engine{
		registry: registry,
		forecast: cfg.Forecast,
		params: strategy.Params{
			Beta:                  cfg.Forecast.Beta,
			OutlierDetection:      cfg.Forecast.OutlierDetection,
			OutlierAlpha:          cfg.Forecast.OutlierAlpha,
			OutlierMinForecasters: cfg.Forecast.OutlierMinForecasters,
			DefaultScore:          cfg.Forecast.DefaultScore,
			ScoreDays:             cfg.Forecast.ScoreDays,
			StepsPerDay:           cfg.StepsPerDay(),
			WinklerAlpha:          cfg.Scoring.WinklerAlpha,
		},
		quantiles: cfg.Market.Quantiles(),
		instances: make(map[string]strategy.Strategy),
		results:   make(map[string]map[string]*Result),
	}
}

// Forecast fits and predicts every requested strategy for one resource.
// A nil strategies slice selects the configured list for the resource; an
// explicitly empty one is an error. A nil quantiles slice selects the
// market defaults. The first failing strategy aborts the whole resource.
func (e *Engine) Forecast(resourceID string, xTrain, yTrain, xTest *timeseries.Frame,
	forecastRange []time.Time, strategies []string, quantiles []market.Quantile) (map[string]*Result, error) {

	if strategies == nil {
		strategies = e.forecast.StrategiesFor(resourceID)
	}
	if len(strategies) == 0 {
		return nil, fmt.Errorf("no strategies requested for resource %s", resourceID)
	}
	if quantiles == nil {
		quantiles = e.quantiles
	}

	window := xTest
	if len(forecastRange) > 0 {
		window = xTest.Reindex(forecastRange)
	}

	out := make(map[string]*Result, len(strategies))
	for _, name := range strategies {
		st, err := e.instance(resourceID, name)
		if err != nil {
			return nil, err
		}

		if err := st.Fit(xTrain, yTrain, quantiles); err != nil {
			return nil, &StrategyError{Strategy: name, Resource: resourceID, Err: err}
		}
		points, err := st.Predict(window, quantiles)
		if err != nil {
			return nil, &StrategyError{Strategy: name, Resource: resourceID, Err: err}
		}

		result := &Result{
			StrategyName: name,
			Predictions:  points,
			Weights:      st.Weights(),
			Metadata:     st.Metadata(),
		}
		out[name] = result

		log.Debug().Str("resource", resourceID).Str("strategy", name).
			Int("points", len(points)).Msg("strategy forecast complete")
	}

	e.mu.Lock()
	e.results[resourceID] = out
	e.mu.Unlock()
	return out, nil
}

// instance returns the cached strategy for a resource, creating it on
// first use. Registry misses propagate unchanged.
func (e *Engine) instance(resourceID, name string) (strategy.Strategy, error) {
	key := resourceID + "/" + name
	e.mu.Lock()
	st, ok := e.instances[key]
	e.mu.Unlock()
	if ok {
		return st, nil
	}

	st, err := e.registry.Get(name, e.params)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.instances[key] = st
	e.mu.Unlock()
	return st, nil
}

// GetResults returns the stored results for a resource.
func (e *Engine) GetResults(resourceID string) (map[string]*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	res, ok := e.results[resourceID]
	if !ok {
		return nil, fmt.Errorf("no results stored for resource %s", resourceID)
	}
	return res, nil
}

// GetComparison merges every stored strategy's predictions for a resource
// into one wide frame with {strategy}_{quantile} columns.
func (e *Engine) GetComparison(resourceID string) (*timeseries.Frame, error) {
	results, err := e.GetResults(resourceID)
	if err != nil {
		return nil, err
	}

	frame := timeseries.New(nil)
	for name, res := range results {
		byVar := make(map[string][]timeseries.Point)
		for _, pt := range res.Predictions {
			byVar[pt.Variable] = append(byVar[pt.Variable], pt)
		}
		for variable, pts := range byVar {
			ts := make([]time.Time, len(pts))
			vals := make([]float64, len(pts))
			for i, pt := range pts {
				ts[i] = pt.Time
				vals[i] = pt.Value
			}
			col := name + "_" + variable
			if err := frame.InsertSeries(col, ts, vals); err != nil {
				return nil, err
			}
		}
	}
	return frame, nil
}

// ClearResults drops all stored results.
func (e *Engine) ClearResults() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.results = make(map[string]map[string]*Result)
}

// ClearStrategyCache drops all cached strategy instances; the next
// Forecast builds fresh ones.
func (e *Engine) ClearStrategyCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.instances = make(map[string]strategy.Strategy)
}

// IsNotFound reports whether err is a registry miss rather than a
// strategy execution failure.
func IsNotFound(err error) bool {
	return errors.Is(err, strategy.ErrNotFound)
}
