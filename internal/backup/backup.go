// Package backup writes the safety artifacts the orchestrator requires
// before destructive work: timestamped CSV exports of score windows (a
// hard prerequisite of the score recompute) and JSON snapshots of a
// session's inputs. All files are written atomically via temp + rename.
package backup

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/castmarket/castmarket/internal/persistence"
)

// Writer drops backups and snapshots under fixed directories.
type Writer struct {
	backupDir   string
	snapshotDir string
	now         func() time.Time
}

// NewWriter creates a writer; directories are created on first use.
func NewWriter(backupDir, snapshotDir string) *Writer {
	return &Writer{backupDir: backupDir, snapshotDir: snapshotDir, now: time.Now}
}

// BackupSubmissionScores exports the window's submission scores to a
// timestamped CSV and returns its path.
func (w *Writer) BackupSubmissionScores(rows []persistence.SubmissionScoreRow) (string, error) {
	records := make([][]string, 0, len(rows)+1)
	records = append(records, []string{
		"submission_id", "challenge_id", "user_id", "resource_id",
		"target_day", "metric", "value", "created_at",
	})
	for _, r := range rows {
		records = append(records, []string{
			r.SubmissionID, r.ChallengeID, r.UserID, r.ResourceID,
			r.TargetDay.UTC().Format(time.RFC3339),
			string(r.Metric),
			strconv.FormatFloat(r.Value, 'f', -1, 64),
			r.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return w.writeCSV("submission_scores", records)
}

// BackupEnsembleScores exports the window's ensemble scores.
func (w *Writer) BackupEnsembleScores(rows []persistence.EnsembleScoreRow) (string, error) {
	records := make([][]string, 0, len(rows)+1)
	records = append(records, []string{
		"ensemble_id", "challenge_id", "strategy", "resource_id",
		"target_day", "metric", "value", "created_at",
	})
	for _, r := range rows {
		records = append(records, []string{
			r.EnsembleID, r.ChallengeID, r.Strategy, r.ResourceID,
			r.TargetDay.UTC().Format(time.RFC3339),
			string(r.Metric),
			strconv.FormatFloat(r.Value, 'f', -1, 64),
			r.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return w.writeCSV("ensemble_scores", records)
}

func (w *Writer) writeCSV(table string, records [][]string) (string, error) {
	name := fmt.Sprintf("%s_%s_%s.csv",
		table,
		w.now().UTC().Format("20060102T150405Z"),
		uuid.New().String()[:8])
	path := filepath.Join(w.backupDir, name)

	if err := os.MkdirAll(w.backupDir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create backup %s: %w", path, err)
	}
	cw := csv.NewWriter(f)
	if err := cw.WriteAll(records); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("write backup %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("close backup %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("finalise backup %s: %w", path, err)
	}

	log.Info().Str("path", path).Int("rows", len(records)-1).Msg("score backup written")
	return path, nil
}

// SessionSnapshot is the four-slot record of one session's inputs.
type SessionSnapshot struct {
	SessionID         int64       `json:"session_id"`
	CreatedAt         time.Time   `json:"created_at"`
	BuyerMeasurements interface{} `json:"buyer_measurements"`
	SellersForecasts  interface{} `json:"sellers_forecasts"`
	Challenges        interface{} `json:"challenges"`
	SellersResources  interface{} `json:"sellers_resources"`
}

// WriteSessionSnapshot serialises the snapshot keyed by session id.
func (w *Writer) WriteSessionSnapshot(snap SessionSnapshot) (string, error) {
	snap.CreatedAt = w.now().UTC()
	path := filepath.Join(w.snapshotDir, fmt.Sprintf("session_%d.json", snap.SessionID))

	if err := os.MkdirAll(w.snapshotDir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write snapshot %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("finalise snapshot %s: %w", path, err)
	}

	log.Info().Str("path", path).Int64("session", snap.SessionID).Msg("session snapshot written")
	return path, nil
}
