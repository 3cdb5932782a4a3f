package market

import (
	"fmt"
	"strconv"
	"strings"
)

// Quantile is a probabilistic forecast level label such as "q10".
type Quantile string

const (
	Q10 Quantile = "q10"
	Q50 Quantile = "q50"
	Q90 Quantile = "q90"
)

// AllQuantiles returns the canonical market quantiles in ascending order.
func AllQuantiles() []Quantile { return []Quantile{Q10, Q50, Q90} }

// ParseQuantile validates a label of the form q<percent>.
func ParseQuantile(label string) (Quantile, error) {
	q := Quantile(strings.ToLower(strings.TrimSpace(label)))
	if _, err := q.Value(); err != nil {
		return "", err
	}
	return q, nil
}

// Value converts the label to its probability level, e.g. q10 → 0.10.
func (q Quantile) Value() (float64, error) {
	s := string(q)
	if len(s) < 2 || s[0] != 'q' {
		return 0, fmt.Errorf("invalid quantile label %q", s)
	}
	pct, err := strconv.Atoi(s[1:])
	if err != nil || pct <= 0 || pct >= 100 {
		return 0, fmt.Errorf("invalid quantile label %q", s)
	}
	return float64(pct) / 100.0, nil
}

// ColumnSuffix is the column-name suffix carrying this quantile, "_q10".
func (q Quantile) ColumnSuffix() string { return "_" + string(q) }

// Column builds the market-matrix column name for a forecaster, e.g.
// "alice_q50".
func (q Quantile) Column(forecasterID string) string {
	return forecasterID + q.ColumnSuffix()
}

// ForecasterFromColumn strips this quantile's suffix from a column name,
// returning the forecaster id and whether the suffix matched.
func (q Quantile) ForecasterFromColumn(column string) (string, bool) {
	suffix := q.ColumnSuffix()
	if !strings.HasSuffix(column, suffix) {
		return "", false
	}
	return strings.TrimSuffix(column, suffix), true
}

// SplitColumn splits a market-matrix column name into forecaster id and
// quantile, trying the canonical quantiles.
func SplitColumn(column string) (string, Quantile, bool) {
	for _, q := range AllQuantiles() {
		if id, ok := q.ForecasterFromColumn(column); ok {
			return id, q, true
		}
	}
	return "", "", false
}
