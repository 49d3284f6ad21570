package grafana

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	logutil "github.com/NYCU-SDC/summer/pkg/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"grafcon/internal/browser"
	"grafcon/internal/config"
	"grafcon/internal/report"
	"grafcon/internal/scheduler"
)

// Service captures every (panel, timepoint) pair of one dashboard into a
// run folder. Two strategies exist: the host's server-side render endpoint,
// or a screenshot from a worker-pinned headless browser.
type Service struct {
	logger   *zap.Logger
	tracer   trace.Tracer
	cfg      config.Dashboard
	session  *Session
	browsers browser.Factory
	detector *Detector

	// Resolved once per run, before workers start; read-only afterwards.
	dashboardUID string
	dashboardURL string
}

func NewService(logger *zap.Logger, cfg config.Dashboard, session *Session, browsers browser.Factory) *Service {
	return &Service{
		logger:   logger,
		tracer:   otel.Tracer("grafana/service"),
		cfg:      cfg,
		session:  session,
		browsers: browsers,
		detector: NewDetector(logger, session.FetchHTML, cfg.Preload(), cfg.Timeout()),
	}
}

// DownloadCharts resolves the dashboard, fans one capture task per
// (panel, timepoint) pair out across the worker pool, and writes the
// manifest once every task has finished. A failed pair is logged and
// skipped; it never aborts its siblings.
func (s *Service) DownloadCharts(ctx context.Context, runFolder string, timepoints []report.Timepoint) (*report.Manifest, error) {
	traceCtx, span := s.tracer.Start(ctx, "DownloadCharts")
	defer span.End()
	logger := logutil.WithContext(traceCtx, s.logger)

	chartsPath := filepath.Join(runFolder, s.cfg.Name)
	if err := os.MkdirAll(chartsPath, 0o755); err != nil {
		return nil, err
	}
	logger.Info("Downloading charts", zap.String("path", chartsPath))

	uid, uri, err := s.session.ResolveDashboard(traceCtx, s.cfg.DashTitle)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	s.dashboardUID = uid
	s.dashboardURL = uri

	dashboard, err := s.session.FetchDashboard(traceCtx, uid)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	panels, err := PanelsFromDashboard(dashboard, len(timepoints))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var factory scheduler.Factory
	if !s.cfg.Render {
		factory = func(ctx context.Context) (scheduler.Resource, error) {
			return s.browsers.New(ctx)
		}
	}

	tasks := make([]scheduler.Task, 0, len(panels)*len(timepoints))
	for i := range panels {
		panel := &panels[i]
		for _, tp := range timepoints {
			tasks = append(tasks, s.captureTask(chartsPath, panel, tp))
		}
	}

	pool := scheduler.New(s.logger, s.cfg.Threads, factory)
	pool.Run(traceCtx, tasks)

	manifest := &report.Manifest{
		Name:       s.cfg.Name,
		ChartsPath: chartsPath,
		FullLinks:  s.fullLinks(timepoints),
		Timepoints: timepoints,
		Panels:     panels,
	}

	if s.cfg.Snapshot {
		s.takeSnapshots(traceCtx, dashboard, manifest, runFolder)
	}

	if err := manifest.Save(filepath.Join(runFolder, s.cfg.Name+".yaml")); err != nil {
		span.RecordError(err)
		return nil, err
	}

	return manifest, nil
}

func (s *Service) captureTask(chartsPath string, panel *report.Panel, tp report.Timepoint) scheduler.Task {
	return func(ctx context.Context, w *scheduler.Worker) {
		var err error
		if s.cfg.Render {
			err = s.renderPanel(ctx, chartsPath, panel, tp)
		} else {
			err = s.screenshotPanel(ctx, w, chartsPath, panel, tp)
		}
		if err != nil {
			s.logger.Error("chart capture failed",
				zap.String("dashboard", s.cfg.Name),
				zap.Int("panel_id", panel.ID),
				zap.Int("timepoint_id", tp.ID),
				zap.Error(err),
			)
		}
	}
}

// renderPanel asks the host to render the panel server-side. The permalink
// is resolved independently of the render result: the fullscreen view URL
// is preferred, the plain view URL is the fallback, and whichever completed
// is recorded.
func (s *Service) renderPanel(ctx context.Context, chartsPath string, panel *report.Panel, tp report.Timepoint) error {
	viewURL := s.panelViewURL(panel.ID, tp)

	resp, err := s.session.get(ctx, s.renderURL(panel.ID, tp))
	if err != nil {
		return fmt.Errorf("render request: %w", err)
	}
	defer resp.Body.Close()

	if err := s.resolvePermalink(ctx, viewURL, panel, tp); err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("render returned %s", resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read rendered chart: %w", err)
	}

	path := filepath.Join(chartsPath, report.ChartFileName(s.cfg.Name, panel.ID, tp.ID))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}

	s.logger.Info("Downloaded chart", zap.String("path", path))
	return nil
}

func (s *Service) resolvePermalink(ctx context.Context, viewURL string, panel *report.Panel, tp report.Timepoint) error {
	fullscreen := viewURL + "&fullscreen"
	if err := s.session.Probe(ctx, fullscreen); err == nil {
		panel.Links[tp.ID] = fullscreen
		return nil
	}
	if err := s.session.Probe(ctx, viewURL); err != nil {
		return fmt.Errorf("resolve permalink: %w", err)
	}
	panel.Links[tp.ID] = viewURL
	return nil
}

// screenshotPanel drives the worker's browser: navigate to the fullscreen
// view (falling back to the plain view when the navigation request itself
// did not complete), wait for the panel's data to load, then screenshot.
func (s *Service) screenshotPanel(ctx context.Context, w *scheduler.Worker, chartsPath string, panel *report.Panel, tp report.Timepoint) error {
	res, err := w.Resource(ctx)
	if err != nil {
		return fmt.Errorf("browser unavailable: %w", err)
	}
	page := res.(browser.Page)

	viewURL := s.panelViewURL(panel.ID, tp)
	signals := s.detector.DiscoverSignals(ctx, viewURL)

	navCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout())
	defer cancel()

	used := viewURL + "&fullscreen"
	if err := s.navigate(navCtx, page, used); err != nil {
		s.logger.Debug("fullscreen navigation failed, falling back to plain view",
			zap.String("dashboard", s.cfg.Name),
			zap.Int("panel_id", panel.ID),
			zap.Error(err),
		)
		used = viewURL
		if err := s.navigate(navCtx, page, used); err != nil {
			return fmt.Errorf("navigate to panel: %w", err)
		}
	}
	panel.Links[tp.ID] = used

	s.detector.Wait(ctx, page.Requests, signals)

	data, err := page.Screenshot(ctx)
	if err != nil {
		return fmt.Errorf("screenshot: %w", err)
	}

	path := filepath.Join(chartsPath, report.ChartFileName(s.cfg.Name, panel.ID, tp.ID))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}

	s.logger.Info("Screenshot saved", zap.String("path", path))
	return nil
}

// navigate loads the URL and verifies via the page's own traffic log that
// the navigation request completed successfully.
func (s *Service) navigate(ctx context.Context, page browser.Page, target string) error {
	if err := page.Navigate(ctx, target); err != nil {
		return err
	}
	for _, req := range page.Requests() {
		if req.URL == target && req.OK() {
			return nil
		}
	}
	return fmt.Errorf("request to %s did not return 200 OK", target)
}

// panelViewURL is the single-panel view of one timepoint.
func (s *Service) panelViewURL(panelID int, tp report.Timepoint) string {
	params := s.timeParams(tp)
	params.Set("panelId", strconv.Itoa(panelID))
	params.Set("viewPanel", strconv.Itoa(panelID))
	params.Set("theme", s.theme())
	if s.cfg.TZ != "" {
		params.Set("tz", s.cfg.TZ)
	}
	return s.cfg.Host + s.dashboardURL + "?" + params.Encode()
}

// renderURL is the server-side render endpoint for the same pair.
func (s *Service) renderURL(panelID int, tp report.Timepoint) string {
	params := s.timeParams(tp)
	params.Set("panelId", strconv.Itoa(panelID))
	params.Set("theme", s.theme())
	if s.cfg.TZ != "" {
		params.Set("tz", s.cfg.TZ)
	}
	params.Set("width", strconv.Itoa(s.cfg.Width))
	params.Set("height", strconv.Itoa(s.cfg.Height))
	params.Set("timeout", strconv.Itoa(s.cfg.TimeoutSeconds))

	return s.cfg.Host + "/render/d-solo" + strings.TrimPrefix(s.dashboardURL, "/d") + "?" + params.Encode()
}

// fullLinks builds the whole-dashboard link per timepoint for the manifest
// and the report page.
func (s *Service) fullLinks(timepoints []report.Timepoint) []string {
	links := make([]string, 0, len(timepoints))
	for _, tp := range timepoints {
		links = append(links, s.cfg.Host+s.dashboardURL+"?"+s.timeParams(tp).Encode())
	}
	return links
}

func (s *Service) timeParams(tp report.Timepoint) url.Values {
	params := url.Values{}
	params.Set("orgId", strconv.Itoa(s.cfg.OrgID))
	params.Set("from", strconv.FormatInt(tp.Start*1000, 10))
	params.Set("to", strconv.FormatInt(tp.End*1000, 10))
	for key, value := range s.cfg.Vars {
		params.Set("var-"+key, value)
	}
	return params
}

func (s *Service) theme() string {
	if s.cfg.WhiteTheme {
		return "light"
	}
	return "dark"
}
