// Package merge consolidates the manifests and chart files of several
// independent acquisition runs of the same dashboards into one dataset with
// renumbered, collision-free timepoint ids and file names.
package merge

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	logutil "github.com/NYCU-SDC/summer/pkg/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"grafcon/internal/report"
)

var chartSuffixRe = regexp.MustCompile(`__(\d+)\.png$`)

// RenameError marks a chart file whose name does not carry the expected
// trailing timepoint id. It aborts the merge: silently skipping the file
// would break the link between image and timepoint.
type RenameError struct {
	File string
}

func (e *RenameError) Error() string {
	return fmt.Sprintf("chart file %q does not match the __<timepointId>.png naming rule", e.File)
}

// Merger combines N source run folders. Dashboards are matched by name; a
// dashboard missing from a later folder is simply not extended by it.
type Merger struct {
	logger *zap.Logger
	tracer trace.Tracer
}

func New(logger *zap.Logger) *Merger {
	return &Merger{
		logger: logger,
		tracer: otel.Tracer("merge/merger"),
	}
}

// Merge consolidates the source folders, in their given order, into
// outFolder. It returns the merged manifests, which are also written to
// outFolder alongside the renamed chart copies and any top-level .json
// snapshot backups.
func (m *Merger) Merge(ctx context.Context, folders []string, outFolder string) ([]*report.Manifest, error) {
	traceCtx, span := m.tracer.Start(ctx, "Merge")
	defer span.End()
	logger := logutil.WithContext(traceCtx, m.logger)

	if err := os.MkdirAll(outFolder, 0o755); err != nil {
		return nil, err
	}

	var sources []*report.Manifest
	for _, folder := range folders {
		manifests, err := report.LoadDir(folder)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("load manifests from %s: %w", folder, err)
		}
		sources = append(sources, manifests...)
	}

	merged := map[string]*report.Manifest{}
	var order []string
	counts := map[string]int{}

	for _, folder := range folders {
		for _, src := range sources {
			if !belongsTo(src.ChartsPath, folder) {
				continue
			}

			dst, seen := merged[src.Name]
			if !seen {
				dst = &report.Manifest{
					Name:       src.Name,
					ChartsPath: filepath.Join(outFolder, src.Name),
				}
				merged[src.Name] = dst
				order = append(order, src.Name)
			}

			offset := counts[src.Name]
			if err := m.mergeContribution(dst, src, offset, !seen); err != nil {
				span.RecordError(err)
				return nil, err
			}
			counts[src.Name] += len(src.Timepoints)

			logger.Info("Merged run contribution",
				zap.String("dashboard", src.Name),
				zap.String("folder", folder),
				zap.Int("timepoints", len(src.Timepoints)),
			)
		}
	}

	if err := copyBackups(folders, outFolder); err != nil {
		span.RecordError(err)
		return nil, err
	}

	manifests := make([]*report.Manifest, 0, len(order))
	for _, name := range order {
		dst := merged[name]
		if err := dst.Save(filepath.Join(outFolder, name+".yaml")); err != nil {
			span.RecordError(err)
			return nil, err
		}
		manifests = append(manifests, dst)
	}

	return manifests, nil
}

// belongsTo reports whether a manifest's chart directory originates from
// the folder, comparing paths with separators normalized away.
func belongsTo(chartsPath, folder string) bool {
	return strings.Contains(normalizePath(chartsPath), normalizePath(folder))
}

func normalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "_")
	return strings.ReplaceAll(p, "/", "_")
}

// mergeContribution appends one source run's timepoints, links and chart
// files to the merged dashboard. The merged dataset owns fresh copies; the
// source is never aliased.
func (m *Merger) mergeContribution(dst, src *report.Manifest, offset int, seed bool) error {
	dst.FullLinks = append(dst.FullLinks, src.FullLinks...)
	dst.SnapshotURLs = append(dst.SnapshotURLs, src.SnapshotURLs...)

	for _, tp := range src.Timepoints {
		cp := tp
		if !seed {
			cp.ID = tp.ID + offset
		}
		dst.Timepoints = append(dst.Timepoints, cp)
	}

	if seed {
		for _, panel := range src.Panels {
			cp := panel
			cp.Links = append([]string(nil), panel.Links...)
			dst.Panels = append(dst.Panels, cp)
		}
	} else {
		for _, panel := range src.Panels {
			target := findPanel(dst.Panels, panel.ID)
			if target == nil {
				m.logger.Warn("panel missing from merged dashboard, skipping its links",
					zap.String("dashboard", src.Name),
					zap.Int("panel_id", panel.ID),
				)
				continue
			}
			// Link order matches the timepoint order just appended above.
			target.Links = append(target.Links, panel.Links...)
		}
	}

	return m.copyCharts(dst, src, offset, seed)
}

func findPanel(panels []report.Panel, id int) *report.Panel {
	for i := range panels {
		if panels[i].ID == id {
			return &panels[i]
		}
	}
	return nil
}

// copyCharts copies every chart file of the contribution, rewriting the
// trailing timepoint id in the name by the dashboard's cumulative offset.
// The seeding contribution keeps its names.
func (m *Merger) copyCharts(dst, src *report.Manifest, offset int, seed bool) error {
	if err := os.MkdirAll(dst.ChartsPath, 0o755); err != nil {
		return err
	}

	entries, err := os.ReadDir(src.ChartsPath)
	if err != nil {
		return fmt.Errorf("read charts of %s: %w", src.Name, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if !seed {
			var err error
			name, err = rewriteChartName(name, offset)
			if err != nil {
				return err
			}
		}

		if err := copyFile(filepath.Join(src.ChartsPath, entry.Name()), filepath.Join(dst.ChartsPath, name)); err != nil {
			return err
		}
	}

	return nil
}

// rewriteChartName adds the offset to the trailing timepoint id of a chart
// file name.
func rewriteChartName(name string, offset int) (string, error) {
	match := chartSuffixRe.FindStringSubmatch(name)
	if match == nil {
		return "", &RenameError{File: name}
	}
	id, err := strconv.Atoi(match[1])
	if err != nil {
		return "", &RenameError{File: name}
	}
	return strings.TrimSuffix(name, match[0]) + fmt.Sprintf("__%d.png", id+offset), nil
}

// copyBackups copies top-level snapshot backup files unrenamed into the
// consolidated folder.
func copyBackups(folders []string, outFolder string) error {
	for _, folder := range folders {
		entries, err := os.ReadDir(folder)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			src := filepath.Join(folder, entry.Name())
			if err := copyFile(src, filepath.Join(outFolder, entry.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
