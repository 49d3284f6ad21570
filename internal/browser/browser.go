// Package browser abstracts the headless browser used by the screenshot
// capture strategy. The capture engine and the readiness detector only see
// the Page interface and the traffic log it exposes; the Chromium wiring
// lives in the rod implementation.
package browser

import (
	"context"
	"net/http"
)

// Request is one entry of a page's captured network traffic.
type Request struct {
	URL    string
	Status int
	Done   bool
}

// OK reports whether the request completed with a success status.
func (r Request) OK() bool {
	return r.Done && r.Status == http.StatusOK
}

// Page is one live browser tab. Implementations record every network
// request the tab issues so callers can verify navigations and data loads.
type Page interface {
	// Navigate loads the URL and waits for the load event.
	Navigate(ctx context.Context, url string) error
	// Requests returns a snapshot of the traffic captured so far.
	Requests() []Request
	// Screenshot captures the current viewport as PNG bytes.
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}

// Factory creates pages. One page is created per capture worker and reused
// for all of that worker's tasks.
type Factory interface {
	New(ctx context.Context) (Page, error)
}

// Options configures pages created by a factory. Cookies are the
// authenticated session's, established before any worker starts and copied
// read-only into each browser context.
type Options struct {
	Host     string
	Width    int
	Height   int
	Insecure bool
	Cookies  []*http.Cookie
}
