package grafana

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	logutil "github.com/NYCU-SDC/summer/pkg/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"grafcon/internal/config"
)

// ErrAuth marks a failed Grafana login; it is fatal for the dashboard
// being processed but not for its siblings.
var ErrAuth = errors.New("grafana authentication failed")

// ResolutionError is returned when a dashboard title cannot be resolved to
// exactly one dashboard on the host.
type ResolutionError struct {
	Title string
	Host  string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("dashboard %q not found on %s", e.Title, e.Host)
}

// Session is one run's authenticated connection to a Grafana host. It is
// established single-threaded before any capture worker starts; afterwards
// its cookie and token state is read-only.
type Session struct {
	logger *zap.Logger
	tracer trace.Tracer
	cfg    config.Dashboard
	client *http.Client
	token  string
}

func NewSession(logger *zap.Logger, cfg config.Dashboard) (*Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !cfg.VerifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Session{
		logger: logger,
		tracer: otel.Tracer("grafana/session"),
		cfg:    cfg,
		client: &http.Client{
			Jar:       jar,
			Transport: transport,
			Timeout:   cfg.Timeout(),
		},
	}, nil
}

// Login authenticates with the host using the dashboard's configured auth
// mode. In domain mode the wiki account is reused with its "@domain"
// suffix stripped.
func (s *Session) Login(ctx context.Context, wikiLogin, wikiPassword string) error {
	traceCtx, span := s.tracer.Start(ctx, "Login")
	defer span.End()
	logger := logutil.WithContext(traceCtx, s.logger)

	if !s.cfg.Auth {
		logger.Info("Authentication disabled for this Grafana instance", zap.String("dashboard", s.cfg.Name))
		return nil
	}

	var login, password string
	switch {
	case s.cfg.Domain:
		login, _, _ = strings.Cut(wikiLogin, "@")
		password = wikiPassword
	case s.cfg.Login != "" && s.cfg.Password != "":
		login = s.cfg.Login
		password = s.cfg.Password
	case s.cfg.Token != "":
		s.token = s.cfg.Token
		return nil
	default:
		return fmt.Errorf("%w: no auth method configured for %s", ErrAuth, s.cfg.Name)
	}

	payload, err := json.Marshal(map[string]string{
		"user":     login,
		"password": password,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(traceCtx, http.MethodPost, s.cfg.Host+"/login", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: login returned %s", ErrAuth, resp.Status)
	}

	logger.Info("Successfully authenticated with Grafana", zap.String("host", s.cfg.Host))
	return nil
}

// Cookies returns the session cookies for the Grafana host, for copying
// into worker browser contexts.
func (s *Session) Cookies() []*http.Cookie {
	u, err := url.Parse(s.cfg.Host)
	if err != nil {
		return nil
	}
	return s.client.Jar.Cookies(u)
}

// ResolveDashboard finds the dashboard uid and URL path by exact title
// match among the host's search results.
func (s *Session) ResolveDashboard(ctx context.Context, title string) (uid, uri string, err error) {
	traceCtx, span := s.tracer.Start(ctx, "ResolveDashboard")
	defer span.End()

	searchURL := s.cfg.Host + "/api/search?" + url.Values{"query": {title}}.Encode()
	resp, err := s.get(traceCtx, searchURL)
	if err != nil {
		span.RecordError(err)
		return "", "", fmt.Errorf("search dashboards: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("search dashboards: unexpected status %s", resp.Status)
	}

	var hits []searchHit
	if err := json.NewDecoder(resp.Body).Decode(&hits); err != nil {
		return "", "", fmt.Errorf("parse search results: %w", err)
	}

	for _, hit := range hits {
		if hit.Title == title {
			s.logger.Debug("Resolved dashboard",
				zap.String("title", title),
				zap.String("uid", hit.UID),
			)
			return hit.UID, hit.URL, nil
		}
	}

	resolveErr := &ResolutionError{Title: title, Host: s.cfg.Host}
	span.RecordError(resolveErr)
	return "", "", resolveErr
}

// FetchDashboard returns the raw dashboard definition for a uid.
func (s *Session) FetchDashboard(ctx context.Context, uid string) (json.RawMessage, error) {
	traceCtx, span := s.tracer.Start(ctx, "FetchDashboard")
	defer span.End()

	resp, err := s.get(traceCtx, s.cfg.Host+"/api/dashboards/uid/"+uid)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("fetch dashboard %s: %w", uid, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch dashboard %s: unexpected status %s", uid, resp.Status)
	}

	var envelope dashboardEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("parse dashboard %s: %w", uid, err)
	}
	return envelope.Dashboard, nil
}

// FetchHTML fetches a page body as text; used for boot-data discovery.
func (s *Session) FetchHTML(ctx context.Context, pageURL string) (string, error) {
	resp, err := s.get(ctx, pageURL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// Probe issues a GET and reports whether the URL answered 200 OK; used to
// decide which permalink variant is reachable.
func (s *Session) Probe(ctx context.Context, rawURL string) error {
	resp, err := s.get(ctx, rawURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probe %s: unexpected status %s", rawURL, resp.Status)
	}
	return nil
}

func (s *Session) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	return s.client.Do(req)
}

func (s *Session) postJSON(ctx context.Context, rawURL string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	return s.client.Do(req)
}
