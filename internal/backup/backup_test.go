package backup

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castmarket/castmarket/internal/market"
	"github.com/castmarket/castmarket/internal/persistence"
)

func TestBackupSubmissionScoresRowCount(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, dir)

	rows := make([]persistence.SubmissionScoreRow, 40)
	for i := range rows {
		rows[i] = persistence.SubmissionScoreRow{
			SubmissionID: "sub",
			ChallengeID:  "ch",
			UserID:       "alice",
			ResourceID:   "wind-1",
			TargetDay:    time.Date(2026, 8, 1+i%20, 0, 0, 0, 0, time.UTC),
			Metric:       market.MetricPinball,
			Value:        1.25,
		}
	}

	path, err := w.BackupSubmissionScores(rows)
	require.NoError(t, err)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 41) // header + 40 scores
	assert.Equal(t, "submission_id", records[0][0])
	assert.Equal(t, "1.25", records[1][6])
}

func TestBackupEnsembleScoresEmptyWindow(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, dir)

	path, err := w.BackupEnsembleScores(nil)
	require.NoError(t, err)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	assert.Len(t, records, 1) // header only
}

func TestWriteSessionSnapshot(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, dir)

	path, err := w.WriteSessionSnapshot(SessionSnapshot{
		SessionID:         12,
		BuyerMeasurements: map[string][]float64{"wind-1": {1, 2}},
		Challenges:        []string{"ch-1"},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var got SessionSnapshot
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, int64(12), got.SessionID)
	assert.False(t, got.CreatedAt.IsZero())
}
