// Package confluence publishes a run's charts and report page through the
// Confluence REST API.
package confluence

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	logutil "github.com/NYCU-SDC/summer/pkg/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"grafcon/internal/scheduler"
)

// ErrPublish marks any wiki API failure. Publishing errors are fatal for
// the run.
var ErrPublish = errors.New("confluence publish failed")

// Client talks to one Confluence instance and page.
type Client struct {
	logger   *zap.Logger
	tracer   trace.Tracer
	baseURL  string
	username string
	password string
	pageID   int
	threads  int
	client   *http.Client
}

func NewClient(logger *zap.Logger, baseURL, username, password string, pageID, threads int, insecure bool) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Client{
		logger:   logger,
		tracer:   otel.Tracer("confluence/client"),
		baseURL:  baseURL,
		username: username,
		password: password,
		pageID:   pageID,
		threads:  threads,
		client:   &http.Client{Transport: transport},
	}
}

// Page is the subset of a Confluence page the publisher needs.
type Page struct {
	ID      string
	Title   string
	Body    string
	Version int
}

type pageResponse struct {
	ID      string `json:"id"`
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

func (c *Client) contentURL() string {
	return c.baseURL + "/rest/api/content/" + strconv.Itoa(c.pageID)
}

// GetPage fetches the target page with its storage body and version.
func (c *Client) GetPage(ctx context.Context) (*Page, error) {
	traceCtx, span := c.tracer.Start(ctx, "GetPage")
	defer span.End()

	req, err := http.NewRequestWithContext(traceCtx, http.MethodGet, c.contentURL()+"?expand=body.storage,version", nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.client.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: fetch page: %v", ErrPublish, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: fetch page returned %s", ErrPublish, resp.Status)
	}

	var decoded pageResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: parse page: %v", ErrPublish, err)
	}

	return &Page{
		ID:      decoded.ID,
		Title:   decoded.Title,
		Body:    decoded.Body.Storage.Value,
		Version: decoded.Version.Number,
	}, nil
}

// UpdatePage replaces the page body, bumping to the given version.
func (c *Client) UpdatePage(ctx context.Context, title, body string, version int) error {
	traceCtx, span := c.tracer.Start(ctx, "UpdatePage")
	defer span.End()
	logger := logutil.WithContext(traceCtx, c.logger)

	payload, err := json.Marshal(map[string]any{
		"id":    strconv.Itoa(c.pageID),
		"type":  "page",
		"title": title,
		"version": map[string]int{
			"number": version,
		},
		"body": map[string]any{
			"storage": map[string]string{
				"value":          body,
				"representation": "storage",
			},
		},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(traceCtx, http.MethodPut, c.contentURL(), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: update page: %v", ErrPublish, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: update page returned %s", ErrPublish, resp.Status)
	}

	logger.Info("Confluence page content updated", zap.Int("page_id", c.pageID))
	return nil
}

// AttachFile uploads one file as a page attachment.
func (c *Client) AttachFile(ctx context.Context, path string) error {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filepath.Base(path)))
	header.Set("Content-Type", contentType(path))
	part, err := writer.CreatePart(header)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if _, err := part.Write(data); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.contentURL()+"/child/attachment", &buf)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("X-Atlassian-Token", "nocheck")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: attach %s: %v", ErrPublish, filepath.Base(path), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: attach %s returned %s", ErrPublish, filepath.Base(path), resp.Status)
	}
	return nil
}

func contentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

// UploadDir attaches every file under dir, fanning uploads out across the
// client's worker pool. The first failure is fatal for the run, but every
// in-flight upload still completes before it is reported.
func (c *Client) UploadDir(ctx context.Context, dir string) error {
	traceCtx, span := c.tracer.Start(ctx, "UploadDir")
	defer span.End()
	logger := logutil.WithContext(traceCtx, c.logger)

	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: walk %s: %v", ErrPublish, dir, err)
	}

	var mu sync.Mutex
	var firstErr error

	tasks := make([]scheduler.Task, 0, len(files))
	for _, file := range files {
		tasks = append(tasks, func(ctx context.Context, w *scheduler.Worker) {
			if err := c.AttachFile(ctx, file); err != nil {
				logger.Error("attachment upload failed", zap.String("file", file), zap.Error(err))
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		})
	}

	pool := scheduler.New(c.logger, c.threads, nil)
	pool.Run(traceCtx, tasks)

	if firstErr != nil {
		span.RecordError(firstErr)
		return firstErr
	}

	logger.Info("Uploaded attachments", zap.String("dir", dir), zap.Int("count", len(files)))
	return nil
}
