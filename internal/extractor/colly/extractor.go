// Package collyextractor implements the protocol extractor using gocolly.
package collyextractor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/siteharvest/harvester/internal/extractor"
	"github.com/siteharvest/harvester/internal/scrape"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	Timeout       time.Duration
	RespectRobots bool
}

// Extractor fetches a target over plain HTTP with Colly and applies its
// selectors to the response body.
type Extractor struct {
	cfg           Config
	baseCollector *colly.Collector
	detector      *extractor.RenderDetector
}

// fetchOutcome is what one collector run produced.
type fetchOutcome struct {
	statusCode  int
	contentType string
	finalURL    string
	body        []byte
	duration    time.Duration
	err         error
}

// New builds an Extractor around a pooled-transport collector. The collector
// is cloned per fetch so concurrent extractions never share callbacks.
func New(cfg Config) *Extractor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	return &Extractor{cfg: cfg, baseCollector: c, detector: extractor.NewRenderDetector(0)}
}

// Extract fetches the target URL and extracts its content. Network faults
// and server-side statuses come back retryable; client errors and empty
// extractions do not.
func (e *Extractor) Extract(ctx context.Context, target scrape.Target) (scrape.Result, error) {
	outcome := e.fetch(ctx, target)
	if outcome.err != nil {
		return scrape.Result{}, outcome.err
	}

	content, err := extractor.ContentFromHTML(string(outcome.body), target)
	if err != nil {
		if !target.RequiresRendering && e.detector.NeedsRendering(outcome.body) {
			return scrape.Result{}, scrape.NewExtractionError(
				"page requires javascript rendering", false, extractor.ErrNeedsRendering)
		}
		return scrape.Result{}, err
	}

	return scrape.NewResult(target.URL, target.DataKind, content, map[string]any{
		"method":       http.MethodGet,
		"status_code":  outcome.statusCode,
		"content_type": outcome.contentType,
		"final_url":    outcome.finalURL,
		"duration_ms":  outcome.duration.Milliseconds(),
		"rendered":     false,
	}, time.Now().UTC())
}

// Validate fetches the URL without extracting content, reporting the status
// the server answered with. Used by the URL validation endpoint.
func (e *Extractor) Validate(ctx context.Context, rawURL string) (int, error) {
	target, err := scrape.NewTarget(rawURL, scrape.DataKindGeneral, scrape.TargetOptions{})
	if err != nil {
		return 0, err
	}
	outcome := e.fetch(ctx, target)
	if outcome.err != nil {
		return outcome.statusCode, outcome.err
	}
	return outcome.statusCode, nil
}

func (e *Extractor) fetch(ctx context.Context, target scrape.Target) fetchOutcome {
	start := time.Now()
	outcome := &fetchOutcome{}
	collector := e.buildCollector(target, start, outcome)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target.URL)
	}()

	select {
	case <-ctx.Done():
		return fetchOutcome{err: scrape.NewExtractionError("fetch interrupted", false, ctx.Err())}
	case visitErr := <-done:
		if outcome.err != nil {
			return *outcome
		}
		if visitErr != nil {
			return fetchOutcome{err: classifyFetchError(0, visitErr)}
		}
		return *outcome
	}
}

func (e *Extractor) buildCollector(target scrape.Target, start time.Time, outcome *fetchOutcome) *colly.Collector {
	collector := e.baseCollector.Clone()
	if e.cfg.UserAgent != "" {
		collector.UserAgent = e.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !e.cfg.RespectRobots
	collector.SetRequestTimeout(e.cfg.Timeout)

	if len(target.Cookies) > 0 {
		cookies := make([]*http.Cookie, 0, len(target.Cookies))
		for name, value := range target.Cookies {
			cookies = append(cookies, &http.Cookie{Name: name, Value: value})
		}
		if err := collector.SetCookies(target.URL, cookies); err != nil {
			outcome.err = scrape.NewExtractionError("invalid cookies", false, err)
		}
	}

	collector.OnRequest(func(r *colly.Request) {
		for key, value := range target.Headers {
			r.Headers.Set(key, value)
		}
	})

	collector.OnResponse(func(r *colly.Response) {
		*outcome = fetchOutcome{
			statusCode:  r.StatusCode,
			contentType: r.Headers.Get("Content-Type"),
			finalURL:    r.Request.URL.String(),
			body:        append([]byte(nil), r.Body...),
			duration:    time.Since(start),
		}
	})

	collector.OnError(func(r *colly.Response, err error) {
		status := 0
		if r != nil {
			status = r.StatusCode
		}
		outcome.err = classifyFetchError(status, err)
	})

	return collector
}

// classifyFetchError maps a fetch failure onto the retryability contract:
// network faults, 5xx, 408 and 429 are worth retrying; other client errors
// are not.
func classifyFetchError(status int, err error) error {
	switch {
	case status >= 500, status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return scrape.NewExtractionError(fmt.Sprintf("server error: status %d", status), true, err)
	case status >= 400:
		return scrape.NewExtractionError(fmt.Sprintf("request rejected: status %d", status), false, err)
	default:
		return scrape.NewExtractionError("network error", true, err)
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
