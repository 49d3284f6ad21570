package grafana

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"grafcon/internal/report"
)

// takeSnapshots publishes one dashboard snapshot per timepoint through the
// host's snapshot API, records the share URL in the manifest and saves the
// snapshot JSON next to the run's manifests as a backup. Snapshots are an
// optional extra; failures are logged and never fail the run.
func (s *Service) takeSnapshots(ctx context.Context, dashboard json.RawMessage, manifest *report.Manifest, runFolder string) {
	for _, tp := range manifest.Timepoints {
		snapshotURL, key, err := s.createSnapshot(ctx, dashboard, tp)
		if err != nil {
			s.logger.Error("failed to create snapshot",
				zap.String("dashboard", s.cfg.Name),
				zap.Int("timepoint_id", tp.ID),
				zap.Error(err),
			)
			continue
		}

		manifest.SnapshotURLs = append(manifest.SnapshotURLs, snapshotURL)
		s.logger.Info("Snapshot created",
			zap.String("dashboard", s.cfg.Name),
			zap.String("url", snapshotURL),
		)

		if err := s.saveSnapshotBackup(ctx, key, tp, runFolder); err != nil {
			s.logger.Error("failed to save snapshot backup",
				zap.String("dashboard", s.cfg.Name),
				zap.Int("timepoint_id", tp.ID),
				zap.Error(err),
			)
		}
	}
}

func (s *Service) createSnapshot(ctx context.Context, dashboard json.RawMessage, tp report.Timepoint) (snapshotURL, key string, err error) {
	var model map[string]any
	if err := json.Unmarshal(dashboard, &model); err != nil {
		return "", "", fmt.Errorf("parse dashboard model: %w", err)
	}
	model["time"] = map[string]string{
		"from": strconv.FormatInt(tp.Start*1000, 10),
		"to":   strconv.FormatInt(tp.End*1000, 10),
	}

	body := map[string]any{
		"dashboard": model,
		"name":      s.snapshotName(tp),
		"expires":   0,
	}

	resp, err := s.session.postJSON(ctx, s.cfg.Host+"/api/snapshots", body)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("snapshot API returned %s", resp.Status)
	}

	var created snapshotResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", "", fmt.Errorf("parse snapshot response: %w", err)
	}

	return s.cfg.Host + "/dashboard/snapshot/" + created.Key, created.Key, nil
}

func (s *Service) saveSnapshotBackup(ctx context.Context, key string, tp report.Timepoint, runFolder string) error {
	resp, err := s.session.get(ctx, s.cfg.Host+"/api/snapshots/"+key)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("snapshot fetch returned %s", resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	path := filepath.Join(runFolder, s.snapshotName(tp)+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}

	s.logger.Info("Snapshot backup saved", zap.String("path", path))
	return nil
}

func (s *Service) snapshotName(tp report.Timepoint) string {
	tag := tp.Tag
	if tag == "" {
		tag = strconv.Itoa(tp.ID)
	}
	return s.cfg.Name + "__" + tag
}
