package confluence

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"grafcon/internal/report"
)

func testManifest(name string, timepoints []report.Timepoint, panelIDs ...int) *report.Manifest {
	m := &report.Manifest{Name: name}
	for _, tp := range timepoints {
		m.Timepoints = append(m.Timepoints, tp)
		m.FullLinks = append(m.FullLinks, fmt.Sprintf("http://grafana/d/x?tp=%d", tp.ID))
	}
	for _, pid := range panelIDs {
		panel := report.NewPanel(pid, "graph", fmt.Sprintf("Panel <%d>", pid), len(timepoints))
		for _, tp := range timepoints {
			panel.Links[tp.ID] = fmt.Sprintf("http://grafana/d/x?panel=%d&tp=%d", pid, tp.ID)
		}
		m.Panels = append(m.Panels, panel)
	}
	return m
}

func TestBuildBodyMultipleTimepoints(t *testing.T) {
	timepoints := []report.Timepoint{
		{ID: 0, StartHuman: "2026/01/01 10:00:00", EndHuman: "2026/01/01 11:00:00"},
		{ID: 1, Tag: "peak & load", StartHuman: "2026/01/01 12:00:00", EndHuman: "2026/01/01 13:00:00"},
	}
	body := BuildBody([]*report.Manifest{testManifest("api", timepoints, 5)}, timepoints, 1500)

	if !strings.Contains(body, "<h2>api</h2>") {
		t.Fatalf("missing dashboard heading:\n%s", body)
	}
	if !strings.Contains(body, " Test 1 2026/01/01 10:00:00 - 2026/01/01 11:00:00") {
		t.Fatalf("untagged timepoint should be labelled by number:\n%s", body)
	}
	if !strings.Contains(body, " peak &amp; load ") {
		t.Fatalf("tag should be escaped and used as label:\n%s", body)
	}
	if !strings.Contains(body, `<ri:attachment ri:filename="api__5__0.png" />`) ||
		!strings.Contains(body, `<ri:attachment ri:filename="api__5__1.png" />`) {
		t.Fatalf("expected one attachment per timepoint:\n%s", body)
	}
	if !strings.Contains(body, `<ac:image ac:width="1500">`) {
		t.Fatalf("expected configured image width:\n%s", body)
	}
	if !strings.Contains(body, "Panel &lt;5&gt;") {
		t.Fatalf("panel title should be escaped:\n%s", body)
	}
}

func TestBuildBodySingleTimepointUsesRowTitle(t *testing.T) {
	timepoints := []report.Timepoint{
		{ID: 0, StartHuman: "2026/01/01 10:00:00", EndHuman: "2026/01/01 11:00:00"},
	}
	body := BuildBody([]*report.Manifest{testManifest("api", timepoints, 5)}, timepoints, 1000)

	if strings.Contains(body, "Test 1 2026") {
		t.Fatalf("single timepoint must not carry a test number label:\n%s", body)
	}
	// The per-panel link text falls back to the panel title alone.
	if !strings.Contains(body, `>Panel &lt;5&gt;</a>`) {
		t.Fatalf("expected panel title as link text:\n%s", body)
	}
}

type wikiStub struct {
	pageBody    string
	updatedBody string
	updatedVer  int
	attachments atomic.Int32
	failAttach  bool
}

func (s *wikiStub) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rest/api/content/42", func(w http.ResponseWriter, r *http.Request) {
		if u, p, ok := r.BasicAuth(); !ok || u != "user" || p != "pass" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":      "42",
			"title":   "Perf Report",
			"version": map[string]int{"number": 7},
			"body": map[string]any{
				"storage": map[string]string{"value": s.pageBody},
			},
		})
	})
	mux.HandleFunc("PUT /rest/api/content/42", func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Title   string `json:"title"`
			Version struct {
				Number int `json:"number"`
			} `json:"version"`
			Body struct {
				Storage struct {
					Value string `json:"value"`
				} `json:"storage"`
			} `json:"body"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode update payload: %v", err)
		}
		s.updatedBody = payload.Body.Storage.Value
		s.updatedVer = payload.Version.Number
		w.Write([]byte(`{}`))
	})
	mux.HandleFunc("POST /rest/api/content/42/child/attachment", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Atlassian-Token") != "nocheck" {
			http.Error(w, "missing token header", http.StatusForbidden)
			return
		}
		if s.failAttach {
			http.Error(w, "storage full", http.StatusInternalServerError)
			return
		}
		_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil {
			t.Errorf("parse multipart content type: %v", err)
		}
		reader := multipart.NewReader(r.Body, params["boundary"])
		part, err := reader.NextPart()
		if err != nil {
			t.Errorf("read multipart part: %v", err)
		} else if part.FormName() != "file" {
			t.Errorf("unexpected form field %q", part.FormName())
		}
		s.attachments.Add(1)
		w.Write([]byte(`{}`))
	})
	return mux
}

func newTestClient(t *testing.T, s *wikiStub) (*Client, *httptest.Server) {
	srv := httptest.NewServer(s.handler(t))
	t.Cleanup(srv.Close)
	return NewClient(zap.NewNop(), srv.URL, "user", "pass", 42, 2, false), srv
}

func TestPublishReplacesPlaceholder(t *testing.T) {
	stub := &wikiStub{pageBody: "<p>intro</p>%%%graphs%%%<p>outro</p>"}
	client, _ := newTestClient(t, stub)

	timepoints := []report.Timepoint{{ID: 0, StartHuman: "a", EndHuman: "b"}}
	manifests := []*report.Manifest{testManifest("api", timepoints, 5)}

	if err := client.Publish(context.Background(), manifests, timepoints, 1200); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}

	if !strings.HasPrefix(stub.updatedBody, "<p>intro</p>") || !strings.HasSuffix(stub.updatedBody, "<p>outro</p>") {
		t.Fatalf("surrounding page text lost:\n%s", stub.updatedBody)
	}
	if !strings.Contains(stub.updatedBody, "<h2>api</h2>") {
		t.Fatalf("generated report missing from body:\n%s", stub.updatedBody)
	}
	if stub.updatedVer != 8 {
		t.Fatalf("expected version bump to 8, got %d", stub.updatedVer)
	}
}

func TestPublishOverwritesWithoutPlaceholder(t *testing.T) {
	stub := &wikiStub{pageBody: "<p>old report</p>"}
	client, _ := newTestClient(t, stub)

	timepoints := []report.Timepoint{{ID: 0, StartHuman: "a", EndHuman: "b"}}
	manifests := []*report.Manifest{testManifest("api", timepoints, 5)}

	if err := client.Publish(context.Background(), manifests, timepoints, 1200); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	if strings.Contains(stub.updatedBody, "old report") {
		t.Fatalf("body without placeholder should be fully replaced:\n%s", stub.updatedBody)
	}
}

func TestUploadDirAttachesEveryFile(t *testing.T) {
	stub := &wikiStub{}
	client, _ := newTestClient(t, stub)

	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "api"), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"api/api__5__0.png", "api/api__5__1.png", "api__baseline.json"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("data"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	if err := client.UploadDir(context.Background(), dir); err != nil {
		t.Fatalf("UploadDir() error: %v", err)
	}
	if got := stub.attachments.Load(); got != 3 {
		t.Fatalf("expected 3 attachments, got %d", got)
	}
}

func TestUploadDirFailureIsFatal(t *testing.T) {
	stub := &wikiStub{failAttach: true}
	client, _ := newTestClient(t, stub)

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "api__5__0.png"), []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	err := client.UploadDir(context.Background(), dir)
	if err == nil {
		t.Fatal("expected upload failure to be reported")
	}
	if !strings.Contains(err.Error(), "confluence publish failed") {
		t.Fatalf("expected publish error taxonomy, got %v", err)
	}
}

func TestContentTypeByExtension(t *testing.T) {
	if got := contentType("a/b/chart.PNG"); got != "image/png" {
		t.Fatalf("png content type: %q", got)
	}
	if got := contentType("backup.json"); got != "application/json" {
		t.Fatalf("json content type: %q", got)
	}
	if got := contentType("notes.txt"); got != "application/octet-stream" {
		t.Fatalf("fallback content type: %q", got)
	}
}
