package grafana

import (
	"context"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"grafcon/internal/browser"
)

var bootDataRe = regexp.MustCompile(`(?s)window\.grafanaBootData\s*=\s*(\{.*?\})\s*;`)

// Detector decides when an in-browser panel has finished loading its data.
// It is a best-effort heuristic: expiry of the deadline is not an error and
// the caller screenshots whatever the panel shows at that point.
type Detector struct {
	logger  *zap.Logger
	fetch   func(ctx context.Context, url string) (string, error)
	preload time.Duration
	timeout time.Duration
	poll    time.Duration
}

func NewDetector(logger *zap.Logger, fetch func(ctx context.Context, url string) (string, error), preload, timeout time.Duration) *Detector {
	return &Detector{
		logger:  logger,
		fetch:   fetch,
		preload: preload,
		timeout: timeout,
		poll:    100 * time.Millisecond,
	}
}

// DiscoverSignals fetches the panel page and extracts the base URLs of all
// configured data sources from the embedded boot-configuration script.
// Requests hitting those URLs are the signal that the panel is loading its
// data. Discovery failures yield no signals, never an error.
func (d *Detector) DiscoverSignals(ctx context.Context, pageURL string) []string {
	page, err := d.fetch(ctx, pageURL)
	if err != nil {
		d.logger.Debug("failed to fetch panel page for boot data", zap.String("url", pageURL), zap.Error(err))
		return nil
	}
	return ExtractDataSourceURLs(page)
}

// ExtractDataSourceURLs pulls the boot-configuration object out of the page
// HTML and collects every data source URL it declares. The object is a
// javascript literal, not guaranteed to be strict JSON, so it is parsed
// leniently as a YAML flow mapping.
func ExtractDataSourceURLs(page string) []string {
	match := bootDataRe.FindStringSubmatch(page)
	if match == nil {
		return nil
	}

	var boot bootData
	if err := yaml.Unmarshal([]byte(match[1]), &boot); err != nil {
		return nil
	}

	var urls []string
	for _, ds := range boot.Settings.Datasources {
		if ds.URL != "" {
			urls = append(urls, ds.URL)
		}
	}
	sort.Strings(urls)
	return urls
}

// Wait blocks until the page's traffic shows every signal matched and every
// matching request completed successfully, or until the deadline passes.
// With no signals at all there is nothing to poll, so it sleeps out the
// full timeout.
func (d *Detector) Wait(ctx context.Context, traffic func() []browser.Request, signals []string) {
	if len(signals) == 0 {
		sleep(ctx, d.timeout)
		return
	}

	sleep(ctx, d.preload)
	deadline := time.Now().Add(d.timeout - d.preload)

	for {
		if ready(traffic(), signals) {
			return
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return
		}
		sleep(ctx, d.poll)
	}
}

// ready holds when every observed request touching a signal completed with
// success status and no signal is still unmatched.
func ready(requests []browser.Request, signals []string) bool {
	matched := make(map[string]bool, len(signals))
	for _, req := range requests {
		for _, signal := range signals {
			if !strings.Contains(req.URL, signal) {
				continue
			}
			matched[signal] = true
			if !req.Done || req.Status != http.StatusOK {
				return false
			}
		}
	}
	return len(matched) == len(signals)
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
