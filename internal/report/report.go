// Package report holds the dataset produced by one acquisition run: the
// reporting time windows, the captured panels with their per-window links,
// and the YAML manifest that ties them to the chart files on disk.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Timepoint is one reporting time window. Start and End are unix seconds;
// the human strings are pre-rendered in the zone the run was configured with.
type Timepoint struct {
	Tag        string `yaml:"time_tag"`
	ID         int    `yaml:"id_time"`
	Start      int64  `yaml:"start_time_timestamp"`
	End        int64  `yaml:"end_time_timestamp"`
	StartHuman string `yaml:"start_time_human"`
	EndHuman   string `yaml:"end_time_human"`
}

// Panel is one dashboard panel plus the capture link recorded for each
// timepoint. Links is sized to the run's timepoint count up front; each slot
// is written at most once, by the worker that captured that pair.
type Panel struct {
	ID    int      `yaml:"panel_id"`
	Type  string   `yaml:"type"`
	Title string   `yaml:"title"`
	Links []string `yaml:"links"`
}

// Manifest is the serialized per-dashboard record of one run, written next
// to the chart directory and read back by the merge and publish stages.
type Manifest struct {
	Name         string      `yaml:"name"`
	ChartsPath   string      `yaml:"charts_path"`
	FullLinks    []string    `yaml:"full_links"`
	SnapshotURLs []string    `yaml:"snapshot_urls,omitempty"`
	Timepoints   []Timepoint `yaml:"timestamps"`
	Panels       []Panel     `yaml:"panels"`
}

const humanTimeFormat = "2006/01/02 15:04:05"

var (
	fromRe = regexp.MustCompile(`&from=(\d+)`)
	toRe   = regexp.MustCompile(`&to=(\d+)`)
)

// NewPanel returns a panel stub with an empty link slot per timepoint.
func NewPanel(id int, panelType, title string, timepointCount int) Panel {
	return Panel{
		ID:    id,
		Type:  panelType,
		Title: title,
		Links: make([]string, timepointCount),
	}
}

// ParseTimepoint parses one time-window specifier of the form
// "&from=<n>&to=<n>", optionally prefixed with "<tag>__". Instants longer
// than ten digits are taken as milliseconds and normalized to seconds.
func ParseTimepoint(spec string, id int, loc *time.Location) (Timepoint, error) {
	tp := Timepoint{ID: id}

	if tag, rest, ok := strings.Cut(spec, "__"); ok {
		tp.Tag = tag
		spec = rest
	}

	from := fromRe.FindStringSubmatch(spec)
	to := toRe.FindStringSubmatch(spec)
	if from == nil || to == nil {
		return Timepoint{}, fmt.Errorf("time window %q: expected \"&from=<epoch>&to=<epoch>\"", spec)
	}

	var err error
	tp.Start, err = normalizeEpoch(from[1])
	if err != nil {
		return Timepoint{}, fmt.Errorf("time window %q: %w", spec, err)
	}
	tp.End, err = normalizeEpoch(to[1])
	if err != nil {
		return Timepoint{}, fmt.Errorf("time window %q: %w", spec, err)
	}

	tp.StartHuman = time.Unix(tp.Start, 0).In(loc).Format(humanTimeFormat)
	tp.EndHuman = time.Unix(tp.End, 0).In(loc).Format(humanTimeFormat)

	return tp, nil
}

// ParseTimepoints parses every specifier, assigning sequence ids from 0 in
// input order.
func ParseTimepoints(specs []string, tz string) ([]Timepoint, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", tz, err)
	}

	timepoints := make([]Timepoint, 0, len(specs))
	for i, spec := range specs {
		tp, err := ParseTimepoint(spec, i, loc)
		if err != nil {
			return nil, err
		}
		timepoints = append(timepoints, tp)
	}
	return timepoints, nil
}

func normalizeEpoch(digits string) (int64, error) {
	v, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid epoch %q: %w", digits, err)
	}
	// More than ten digits means milliseconds.
	if len(digits) > 10 {
		v /= 1000
	}
	return v, nil
}

// ChartFileName is the on-disk naming rule for one captured pair.
func ChartFileName(dashboard string, panelID, timepointID int) string {
	return fmt.Sprintf("%s__%d__%d.png", dashboard, panelID, timepointID)
}

// Save writes the manifest as YAML, creating parent directories as needed.
func (m *Manifest) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest %s: %w", m.Name, err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Load reads one manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return &m, nil
}

// LoadDir reads every top-level .yaml manifest in a run folder.
func LoadDir(dir string) ([]*Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var manifests []*Manifest
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		m, err := Load(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}
