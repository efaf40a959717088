// Package headless implements the rendering extractor with chromedp and
// headless Chrome, for targets whose content only exists after JavaScript
// runs.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/siteharvest/harvester/internal/extractor"
	"github.com/siteharvest/harvester/internal/scrape"
)

// Config controls the headless extractor.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
}

// Extractor renders targets in headless Chrome and applies their selectors
// to the settled DOM.
type Extractor struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New creates the extractor and its shared browser allocator. Callers must
// Close it when done.
func New(cfg Config) (*Extractor, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Extractor{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context and its browsers.
func (e *Extractor) Close() {
	e.allocCancel()
}

// Extract renders the target and extracts content from the resulting DOM.
// Navigation timeouts are retryable; selector misses are not.
func (e *Extractor) Extract(ctx context.Context, target scrape.Target) (scrape.Result, error) {
	if err := e.acquire(ctx); err != nil {
		return scrape.Result{}, err
	}
	defer e.release()

	taskCtx, taskCancel := chromedp.NewContext(e.allocator)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, e.cfg.NavigationTimeout)
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	start := time.Now()
	html, finalURL, err := e.render(taskCtx, target)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return scrape.Result{}, scrape.NewExtractionError("navigation timed out", true, err)
		}
		return scrape.Result{}, scrape.NewExtractionError("browser navigation failed", true, err)
	}

	status, responseURL := meta.snapshotWithFallbacks(target.URL, finalURL)
	if err := classifyStatus(status); err != nil {
		return scrape.Result{}, err
	}

	content, err := extractor.ContentFromHTML(html, target)
	if err != nil {
		return scrape.Result{}, err
	}

	return scrape.NewResult(target.URL, target.DataKind, content, map[string]any{
		"method":      http.MethodGet,
		"status_code": status,
		"final_url":   responseURL,
		"duration_ms": time.Since(start).Milliseconds(),
		"rendered":    true,
	}, time.Now().UTC())
}

func (e *Extractor) render(ctx context.Context, target scrape.Target) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		e.networkSetupAction(target),
		chromedp.Navigate(target.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func (e *Extractor) networkSetupAction(target scrape.Target) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if e.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(e.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(target.Headers) > 0 {
			headers := network.Headers{}
			for key, value := range target.Headers {
				headers[key] = value
			}
			if err := network.SetExtraHTTPHeaders(headers).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		for name, value := range target.Cookies {
			if err := network.SetCookie(name, value).WithURL(target.URL).Do(ctx); err != nil {
				return fmt.Errorf("set cookie %s: %w", name, err)
			}
		}
		return nil
	})
}

func (e *Extractor) acquire(ctx context.Context) error {
	if e.limiter == nil {
		return nil
	}
	select {
	case e.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return scrape.NewExtractionError("browser slot wait interrupted", false, ctx.Err())
	}
}

func (e *Extractor) release() {
	if e.limiter == nil {
		return
	}
	select {
	case <-e.limiter:
	default:
	}
}

// classifyStatus rejects error statuses the browser rendered anyway (Chrome
// happily renders a 404 page).
func classifyStatus(status int) error {
	switch {
	case status >= 500, status == http.StatusTooManyRequests:
		return scrape.NewExtractionError(fmt.Sprintf("server error: status %d", status), true, nil)
	case status >= 400:
		return scrape.NewExtractionError(fmt.Sprintf("request rejected: status %d", status), false, nil)
	default:
		return nil
	}
}

// responseMeta captures the main document response from CDP network events.
type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(resp.Response.Status)
	m.url = resp.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string) {
	m.mu.RLock()
	status, url := m.status, m.url
	m.mu.RUnlock()

	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, url
}
