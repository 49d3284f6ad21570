package report

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestParseTimepointSeconds(t *testing.T) {
	tp, err := ParseTimepoint("&from=1700000000&to=1700003600", 0, time.UTC)
	if err != nil {
		t.Fatalf("ParseTimepoint() error: %v", err)
	}
	if tp.Start != 1700000000 || tp.End != 1700003600 {
		t.Fatalf("expected instants kept in seconds, got %d..%d", tp.Start, tp.End)
	}
	if tp.Tag != "" {
		t.Fatalf("expected no tag, got %q", tp.Tag)
	}
	if tp.StartHuman != "2023/11/14 22:13:20" {
		t.Fatalf("unexpected human start: %q", tp.StartHuman)
	}
}

func TestParseTimepointMillisecondsNormalized(t *testing.T) {
	tp, err := ParseTimepoint("&from=1700000000000&to=1700003600000", 2, time.UTC)
	if err != nil {
		t.Fatalf("ParseTimepoint() error: %v", err)
	}
	if tp.Start != 1700000000 || tp.End != 1700003600 {
		t.Fatalf("expected millisecond input normalized to seconds, got %d..%d", tp.Start, tp.End)
	}
	if tp.ID != 2 {
		t.Fatalf("expected id 2, got %d", tp.ID)
	}
}

func TestParseTimepointTag(t *testing.T) {
	tp, err := ParseTimepoint("baseline__&from=1700000000&to=1700003600", 0, time.UTC)
	if err != nil {
		t.Fatalf("ParseTimepoint() error: %v", err)
	}
	if tp.Tag != "baseline" {
		t.Fatalf("expected tag %q, got %q", "baseline", tp.Tag)
	}
}

func TestParseTimepointRejectsMalformed(t *testing.T) {
	if _, err := ParseTimepoint("&from=now&to=later", 0, time.UTC); err == nil {
		t.Fatal("expected error for non-numeric window")
	}
	if _, err := ParseTimepoint("1700000000", 0, time.UTC); err == nil {
		t.Fatal("expected error for window without from/to")
	}
}

func TestParseTimepointsAssignsSequentialIDs(t *testing.T) {
	tps, err := ParseTimepoints([]string{
		"&from=1700000000&to=1700003600",
		"rerun__&from=1700010000&to=1700013600",
	}, "UTC")
	if err != nil {
		t.Fatalf("ParseTimepoints() error: %v", err)
	}
	if len(tps) != 2 || tps[0].ID != 0 || tps[1].ID != 1 {
		t.Fatalf("expected ids [0 1], got %+v", tps)
	}
}

func TestNewPanelLinksSizedToTimepoints(t *testing.T) {
	p := NewPanel(7, "graph", "CPU", 3)
	if len(p.Links) != 3 {
		t.Fatalf("expected 3 link slots, got %d", len(p.Links))
	}
	for i, l := range p.Links {
		if l != "" {
			t.Fatalf("expected empty placeholder at %d, got %q", i, l)
		}
	}
}

func TestManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := &Manifest{
		Name:       "api",
		ChartsPath: filepath.Join(dir, "api"),
		FullLinks:  []string{"http://grafana/d/abc?from=1&to=2"},
		Timepoints: []Timepoint{{ID: 0, Start: 1, End: 2, StartHuman: "a", EndHuman: "b"}},
		Panels: []Panel{
			{ID: 5, Type: "graph", Title: "CPU", Links: []string{"http://grafana/d/abc?viewPanel=5"}},
		},
	}

	path := filepath.Join(dir, "api.yaml")
	if err := m.Save(path); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got.Name != m.Name || got.ChartsPath != m.ChartsPath {
		t.Fatalf("manifest header mismatch: %+v", got)
	}
	if len(got.Panels) != 1 || got.Panels[0].ID != 5 {
		t.Fatalf("panel mismatch: %+v", got.Panels)
	}
	if len(got.Panels[0].Links) != len(got.Timepoints) {
		t.Fatalf("links not aligned with timepoints: %+v", got.Panels[0])
	}
}

func TestLoadDirSkipsNonManifests(t *testing.T) {
	dir := t.TempDir()
	m := &Manifest{Name: "api", ChartsPath: filepath.Join(dir, "api")}
	if err := m.Save(filepath.Join(dir, "api.yaml")); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	writeFile(t, filepath.Join(dir, "backup.json"), "{}")

	manifests, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir() error: %v", err)
	}
	if len(manifests) != 1 || manifests[0].Name != "api" {
		t.Fatalf("expected the single yaml manifest, got %+v", manifests)
	}
}

func TestChartFileName(t *testing.T) {
	if got := ChartFileName("api", 5, 1); got != "api__5__1.png" {
		t.Fatalf("unexpected chart file name: %q", got)
	}
}
