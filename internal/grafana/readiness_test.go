package grafana

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"grafcon/internal/browser"
)

const bootPage = `<html><head>
<script>
window.grafanaBootData = {
  "settings": {
    "datasources": {
      "Prometheus": {"url": "/api/datasources/proxy/1"},
      "Loki": {"url": "/api/datasources/proxy/2"},
      "-- Mixed --": {"meta": {}}
    }
  }
};
</script>
</head><body></body></html>`

func TestExtractDataSourceURLs(t *testing.T) {
	urls := ExtractDataSourceURLs(bootPage)
	if len(urls) != 2 {
		t.Fatalf("expected 2 data source urls, got %v", urls)
	}
	if urls[0] != "/api/datasources/proxy/1" || urls[1] != "/api/datasources/proxy/2" {
		t.Fatalf("unexpected urls: %v", urls)
	}
}

func TestExtractDataSourceURLsToleratesUnquotedKeys(t *testing.T) {
	page := `<script>window.grafanaBootData = {settings: {datasources: {Prometheus: {url: "/ds/1"}}}};</script>`
	urls := ExtractDataSourceURLs(page)
	if len(urls) != 1 || urls[0] != "/ds/1" {
		t.Fatalf("unexpected urls: %v", urls)
	}
}

func TestExtractDataSourceURLsMissingBootData(t *testing.T) {
	if urls := ExtractDataSourceURLs("<html><body>login</body></html>"); urls != nil {
		t.Fatalf("expected no urls, got %v", urls)
	}
}

func TestWaitWithoutSignalsSleepsFullTimeout(t *testing.T) {
	timeout := 200 * time.Millisecond
	d := NewDetector(zap.NewNop(), nil, 50*time.Millisecond, timeout)

	// Traffic that would satisfy any condition; it must be ignored.
	traffic := func() []browser.Request {
		return []browser.Request{{URL: "/api/datasources/proxy/1", Status: 200, Done: true}}
	}

	start := time.Now()
	d.Wait(context.Background(), traffic, nil)
	if elapsed := time.Since(start); elapsed < timeout {
		t.Fatalf("expected the full %v wait, returned after %v", timeout, elapsed)
	}
}

func TestWaitReturnsOnceSignalsComplete(t *testing.T) {
	d := NewDetector(zap.NewNop(), nil, 10*time.Millisecond, 5*time.Second)

	traffic := func() []browser.Request {
		return []browser.Request{
			{URL: "http://grafana/api/datasources/proxy/1/query", Status: 200, Done: true},
			{URL: "http://grafana/public/build/app.js", Status: 500, Done: true},
		}
	}

	start := time.Now()
	d.Wait(context.Background(), traffic, []string{"/api/datasources/proxy/1"})
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("expected early return, waited %v", elapsed)
	}
}

func TestWaitBlocksWhileRequestsIncomplete(t *testing.T) {
	timeout := 250 * time.Millisecond
	d := NewDetector(zap.NewNop(), nil, 50*time.Millisecond, timeout)

	traffic := func() []browser.Request {
		return []browser.Request{
			{URL: "http://grafana/api/datasources/proxy/1/query", Status: 0, Done: false},
		}
	}

	start := time.Now()
	d.Wait(context.Background(), traffic, []string{"/api/datasources/proxy/1"})
	elapsed := time.Since(start)
	if elapsed < timeout-20*time.Millisecond {
		t.Fatalf("expected to wait out the deadline, returned after %v", elapsed)
	}
}

func TestWaitUnmatchedSignalKeepsPolling(t *testing.T) {
	timeout := 250 * time.Millisecond
	d := NewDetector(zap.NewNop(), nil, 50*time.Millisecond, timeout)

	// One signal satisfied, the other never requested.
	traffic := func() []browser.Request {
		return []browser.Request{
			{URL: "http://grafana/ds-a/query", Status: 200, Done: true},
		}
	}

	start := time.Now()
	d.Wait(context.Background(), traffic, []string{"/ds-a", "/ds-b"})
	if elapsed := time.Since(start); elapsed < timeout-20*time.Millisecond {
		t.Fatalf("expected to wait out the deadline, returned after %v", elapsed)
	}
}
