package collyextractor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/siteharvest/harvester/internal/extractor"
	"github.com/siteharvest/harvester/internal/scrape"
)

const listingPage = `<html>
<head><title>Jobs</title></head>
<body><span class="title">Backend Engineer</span></body>
</html>`

func newTestExtractor() *Extractor {
	return New(Config{UserAgent: "harvester-test", Timeout: 5 * time.Second})
}

func mustTarget(t *testing.T, url string, selectors map[string]string) scrape.Target {
	t.Helper()
	target, err := scrape.NewTarget(url, scrape.DataKindJobListing, scrape.TargetOptions{
		Selectors: selectors,
		Headers:   map[string]string{"X-Trace": "yes"},
		Cookies:   map[string]string{"session": "abc"},
	})
	require.NoError(t, err)
	return target
}

func TestExtractSuccess(t *testing.T) {
	t.Parallel()

	var gotHeader, gotCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Trace")
		if c, err := r.Cookie("session"); err == nil {
			gotCookie = c.Value
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(listingPage))
	}))
	defer srv.Close()

	target := mustTarget(t, srv.URL, map[string]string{"title": ".title"})
	result, err := newTestExtractor().Extract(context.Background(), target)
	require.NoError(t, err)

	require.Equal(t, "Backend Engineer", result.Content["title"])
	require.Equal(t, http.StatusOK, result.Metadata["status_code"])
	require.Equal(t, "text/html", result.Metadata["content_type"])
	require.Equal(t, false, result.Metadata["rendered"])
	require.Equal(t, "yes", gotHeader)
	require.Equal(t, "abc", gotCookie)
}

func TestExtractFallbackWithoutSelectors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(listingPage))
	}))
	defer srv.Close()

	target, err := scrape.NewTarget(srv.URL, scrape.DataKindGeneral, scrape.TargetOptions{})
	require.NoError(t, err)

	result, extractErr := newTestExtractor().Extract(context.Background(), target)
	require.NoError(t, extractErr)
	require.Equal(t, "Jobs", result.Content["title"])
}

func TestExtractClientErrorIsNotRetryable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestExtractor().Extract(context.Background(), mustTarget(t, srv.URL, nil))
	require.Error(t, err)
	require.False(t, scrape.IsRetryable(err))
	require.Contains(t, scrape.FailureReason(err), "404")
}

func TestExtractServerErrorIsRetryable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "later", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestExtractor().Extract(context.Background(), mustTarget(t, srv.URL, nil))
	require.Error(t, err)
	require.True(t, scrape.IsRetryable(err))
}

func TestExtractTooManyRequestsIsRetryable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newTestExtractor().Extract(context.Background(), mustTarget(t, srv.URL, nil))
	require.Error(t, err)
	require.True(t, scrape.IsRetryable(err))
}

func TestExtractConnectionRefusedIsRetryable(t *testing.T) {
	t.Parallel()

	// Reserve a port, then close the listener so the connect is refused.
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := newTestExtractor().Extract(context.Background(), mustTarget(t, url, nil))
	require.Error(t, err)
	require.True(t, scrape.IsRetryable(err))
}

func TestExtractSelectorMissIsNotRetryable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(listingPage))
	}))
	defer srv.Close()

	_, err := newTestExtractor().Extract(context.Background(),
		mustTarget(t, srv.URL, map[string]string{"price": ".price"}))
	require.Error(t, err)
	require.False(t, scrape.IsRetryable(err))
}

func TestValidateReportsStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(listingPage))
	}))
	defer srv.Close()

	status, err := newTestExtractor().Validate(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)
}

func TestValidateRejectsMalformedURL(t *testing.T) {
	t.Parallel()

	_, err := newTestExtractor().Validate(context.Background(), "ftp://example.com")
	require.Error(t, err)
	require.True(t, scrape.IsValidation(err))
}

func TestClassifyFetchError(t *testing.T) {
	t.Parallel()

	require.True(t, scrape.IsRetryable(classifyFetchError(500, nil)))
	require.True(t, scrape.IsRetryable(classifyFetchError(429, nil)))
	require.True(t, scrape.IsRetryable(classifyFetchError(408, nil)))
	require.True(t, scrape.IsRetryable(classifyFetchError(0, nil)))
	require.False(t, scrape.IsRetryable(classifyFetchError(404, nil)))
	require.False(t, scrape.IsRetryable(classifyFetchError(403, nil)))
}

func TestExtractFlagsShellPagesForRendering(t *testing.T) {
	t.Parallel()

	shellPage := `<html><body><div id="root"></div><script src="/app.js"></script></body></html>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(shellPage))
	}))
	defer srv.Close()

	_, err := newTestExtractor().Extract(context.Background(),
		mustTarget(t, srv.URL, map[string]string{"title": ".title"}))
	require.Error(t, err)
	require.ErrorIs(t, err, extractor.ErrNeedsRendering)
	require.False(t, scrape.IsRetryable(err))
}
