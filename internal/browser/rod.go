package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

// ChromeFactory launches one headless Chromium per page. Pages are never
// shared between workers, so each gets its own browser process; that keeps
// cookie and cache state isolated the same way the per-worker model
// requires.
type ChromeFactory struct {
	logger *zap.Logger
	opts   Options
}

func NewChromeFactory(logger *zap.Logger, opts Options) *ChromeFactory {
	return &ChromeFactory{logger: logger, opts: opts}
}

func (f *ChromeFactory) New(ctx context.Context) (Page, error) {
	l := launcher.New().
		Headless(true).
		Set("window-size", fmt.Sprintf("%d,%d", f.opts.Width, f.opts.Height))
	if f.opts.Insecure {
		l = l.Set("ignore-certificate-errors")
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch chromium: %w", err)
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("connect to chromium: %w", err)
	}

	if len(f.opts.Cookies) > 0 {
		params := make([]*proto.NetworkCookieParam, 0, len(f.opts.Cookies))
		for _, c := range f.opts.Cookies {
			params = append(params, &proto.NetworkCookieParam{
				Name:  c.Name,
				Value: c.Value,
				URL:   f.opts.Host,
			})
		}
		if err := b.SetCookies(params); err != nil {
			closeQuietly(f.logger, b, l)
			return nil, fmt.Errorf("set session cookies: %w", err)
		}
	}

	page, err := b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		closeQuietly(f.logger, b, l)
		return nil, fmt.Errorf("open page: %w", err)
	}

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             f.opts.Width,
		Height:            f.opts.Height,
		DeviceScaleFactor: 1,
	}); err != nil {
		closeQuietly(f.logger, b, l)
		return nil, fmt.Errorf("set viewport: %w", err)
	}

	cp := &chromePage{
		logger:   f.logger,
		launcher: l,
		browser:  b,
		page:     page,
		pending:  map[proto.NetworkRequestID]int{},
	}

	// Subscribe before New returns so a navigation issued right after is
	// already observed; only the dispatch loop runs in the goroutine.
	wait := page.EachEvent(cp.onRequestSent, cp.onResponseReceived)
	go wait()

	return cp, nil
}

type chromePage struct {
	logger   *zap.Logger
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page

	mu       sync.Mutex
	pending  map[proto.NetworkRequestID]int
	requests []Request
}

func (p *chromePage) onRequestSent(e *proto.NetworkRequestWillBeSent) {
	p.mu.Lock()
	p.pending[e.RequestID] = len(p.requests)
	p.requests = append(p.requests, Request{URL: e.Request.URL})
	p.mu.Unlock()
}

func (p *chromePage) onResponseReceived(e *proto.NetworkResponseReceived) {
	p.mu.Lock()
	if idx, ok := p.pending[e.RequestID]; ok {
		p.requests[idx].Status = e.Response.Status
		p.requests[idx].Done = true
	}
	p.mu.Unlock()
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	page := p.page.Context(ctx)
	if err := page.Navigate(url); err != nil {
		return err
	}
	return page.WaitLoad()
}

func (p *chromePage) Requests() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Request, len(p.requests))
	copy(out, p.requests)
	return out
}

func (p *chromePage) Screenshot(ctx context.Context) ([]byte, error) {
	return p.page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
}

func (p *chromePage) Close() error {
	err := p.browser.Close()
	p.launcher.Kill()
	p.launcher.Cleanup()
	return err
}

func closeQuietly(logger *zap.Logger, b *rod.Browser, l *launcher.Launcher) {
	if err := b.Close(); err != nil {
		logger.Debug("failed to close browser", zap.Error(err))
	}
	l.Kill()
	l.Cleanup()
}
