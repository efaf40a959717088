package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/siteharvest/harvester/internal/clock/system"
	"github.com/siteharvest/harvester/internal/config"
	"github.com/siteharvest/harvester/internal/engine"
	sha256hash "github.com/siteharvest/harvester/internal/hash/sha256"
	"github.com/siteharvest/harvester/internal/id/uuid"
	pubmemory "github.com/siteharvest/harvester/internal/publisher/memory"
	"github.com/siteharvest/harvester/internal/runner"
	"github.com/siteharvest/harvester/internal/scrape"
	"github.com/siteharvest/harvester/internal/storage/memory"
)

type okExtractor struct{}

func (okExtractor) Extract(_ context.Context, target scrape.Target) (scrape.Result, error) {
	return scrape.NewResult(target.URL, target.DataKind,
		map[string]any{"title": "ok"}, nil, time.Now())
}

type stubValidator struct {
	status int
	err    error
}

func (v *stubValidator) Validate(context.Context, string) (int, error) {
	return v.status, v.err
}

type testEnv struct {
	srv   *httptest.Server
	store *memory.JobStore
}

func newTestEnv(t *testing.T, cfg config.Config, validator URLValidator) *testEnv {
	t.Helper()
	return newTestEnvWith(t, cfg, validator, okExtractor{})
}

func newTestEnvWith(t *testing.T, cfg config.Config, validator URLValidator, ext scrape.Extractor) *testEnv {
	t.Helper()
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.TimeoutSeconds == 0 {
		cfg.Server.TimeoutSeconds = 30
	}

	store := memory.NewJobStore()
	clk := system.New()
	eng := engine.New(store, ext, clk, uuid.New(), engine.Config{
		MaxConcurrency: 2,
		MaxAttempts:    2,
		BaseDelay:      time.Millisecond,
	}, nil)
	jobRunner := runner.New(eng, store, memory.NewBlobStore(), pubmemory.New(),
		sha256hash.New(), clk, runner.Config{}, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = jobRunner.Shutdown(ctx)
	})

	server := NewServer(store, jobRunner, uuid.New(), clk, validator, cfg, nil)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: store}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func createJobPayload(urls ...string) map[string]any {
	targets := make([]map[string]any, 0, len(urls))
	for _, u := range urls {
		targets = append(targets, map[string]any{"url": u, "data_kind": "general_data"})
	}
	return map[string]any{"name": "api test job", "targets": targets}
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	resp := env.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	require.Equal(t, "ok", body["status"])
}

func TestCreateJob(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	resp := env.do(t, http.MethodPost, "/v1/jobs/", createJobPayload("https://example.com"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	job := decodeBody[scrape.Job](t, resp)
	require.NotEmpty(t, job.ID)
	require.Equal(t, scrape.JobStatusPending, job.Status)
	require.Len(t, job.Targets, 1)
}

func TestCreateJobValidationErrors(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)

	tests := []struct {
		name    string
		payload map[string]any
	}{
		{"missing name", map[string]any{"targets": []map[string]any{{"url": "https://example.com"}}}},
		{"no targets", map[string]any{"name": "x"}},
		{"relative url", map[string]any{"name": "x", "targets": []map[string]any{{"url": "/relative"}}}},
		{"bad scheme", map[string]any{"name": "x", "targets": []map[string]any{{"url": "ftp://example.com"}}}},
		{"bad data kind", map[string]any{"name": "x", "targets": []map[string]any{{"url": "https://example.com", "data_kind": "bogus"}}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/v1/jobs/", tc.payload)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			resp.Body.Close()
		})
	}
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	resp := env.do(t, http.MethodGet, "/v1/jobs/ghost/", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestListJobsFiltersByStatus(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	for i := 0; i < 3; i++ {
		resp := env.do(t, http.MethodPost, "/v1/jobs/", createJobPayload(fmt.Sprintf("https://site%d.example.com", i)))
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		resp.Body.Close()
	}

	resp := env.do(t, http.MethodGet, "/v1/jobs/?status=pending&limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]any](t, resp)
	require.EqualValues(t, 2, body["count"])

	resp = env.do(t, http.MethodGet, "/v1/jobs/?status=sideways", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestExecuteJobLifecycle(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	resp := env.do(t, http.MethodPost, "/v1/jobs/", createJobPayload("https://example.com"))
	job := decodeBody[scrape.Job](t, resp)

	resp = env.do(t, http.MethodPost, "/v1/jobs/"+job.ID+"/execute", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	require.Eventually(t, func() bool {
		stored, err := env.store.Find(context.Background(), job.ID)
		return err == nil && stored.Status == scrape.JobStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	// Executing a finished job is rejected.
	resp = env.do(t, http.MethodPost, "/v1/jobs/"+job.ID+"/execute", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestCancelPendingJob(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	resp := env.do(t, http.MethodPost, "/v1/jobs/", createJobPayload("https://example.com"))
	job := decodeBody[scrape.Job](t, resp)

	resp = env.do(t, http.MethodPost, "/v1/jobs/"+job.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	stored, err := env.store.Find(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, scrape.JobStatusCancelled, stored.Status)

	// A second cancel hits the terminal state and conflicts.
	resp = env.do(t, http.MethodPost, "/v1/jobs/"+job.ID+"/cancel", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestCancelUnknownJob(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	resp := env.do(t, http.MethodPost, "/v1/jobs/ghost/cancel", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestDeleteJob(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	resp := env.do(t, http.MethodPost, "/v1/jobs/", createJobPayload("https://example.com"))
	job := decodeBody[scrape.Job](t, resp)

	resp = env.do(t, http.MethodDelete, "/v1/jobs/"+job.ID+"/", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodDelete, "/v1/jobs/"+job.ID+"/", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestBulkScrapeSynchronous(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	resp := env.do(t, http.MethodPost, "/v1/scrape/bulk", map[string]any{
		"name": "bulk",
		"targets": []map[string]any{
			{"url": "https://a.example.com"},
			{"url": "https://b.example.com"},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	job := decodeBody[scrape.Job](t, resp)
	require.Equal(t, scrape.JobStatusCompleted, job.Status)
	require.Len(t, job.Results, 2)
	require.InEpsilon(t, 1.0, job.SuccessRate(), 1e-9)
}

func TestValidateURL(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, &stubValidator{status: http.StatusOK})

	resp := env.do(t, http.MethodPost, "/v1/validate", map[string]string{"url": "https://example.com"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]any](t, resp)
	require.Equal(t, true, body["valid"])
	require.EqualValues(t, http.StatusOK, body["status_code"])

	resp = env.do(t, http.MethodPost, "/v1/validate", map[string]string{"url": "not a url"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody[map[string]any](t, resp)
	require.Equal(t, false, body["valid"])
	require.NotEmpty(t, body["reason"])
}

func TestValidateURLUnreachable(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, &stubValidator{
		err: scrape.NewExtractionError("network error", true, nil),
	})
	resp := env.do(t, http.MethodPost, "/v1/validate", map[string]string{"url": "https://down.example.com"})
	body := decodeBody[map[string]any](t, resp)
	require.Equal(t, false, body["valid"])
	require.Equal(t, "network error", body["reason"])
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := config.Config{}
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = "sekrit"
	env := newTestEnv(t, cfg, nil)

	resp := env.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "sekrit")
	authed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, authed.StatusCode)
	authed.Body.Close()
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	resp := env.do(t, http.MethodGet, "/healthz", nil)
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	resp.Body.Close()
}

// slowExtractor succeeds after a fixed delay per target.
type slowExtractor struct {
	delay time.Duration
}

func (s slowExtractor) Extract(_ context.Context, target scrape.Target) (scrape.Result, error) {
	time.Sleep(s.delay)
	return scrape.NewResult(target.URL, target.DataKind,
		map[string]any{"title": "slow"}, nil, time.Now())
}

func TestBulkScrapeOutlivesRequestTimeout(t *testing.T) {
	t.Parallel()

	cfg := config.Config{}
	cfg.Server.TimeoutSeconds = 1
	env := newTestEnvWith(t, cfg, nil, slowExtractor{delay: 700 * time.Millisecond})

	start := time.Now()
	resp := env.do(t, http.MethodPost, "/v1/scrape/bulk", map[string]any{
		"name": "long bulk",
		"targets": []map[string]any{
			{"url": "https://a.example.com"},
			{"url": "https://b.example.com"},
			{"url": "https://c.example.com"},
			{"url": "https://d.example.com"},
		},
	})
	require.Greater(t, time.Since(start), time.Second)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	job := decodeBody[scrape.Job](t, resp)
	require.Equal(t, scrape.JobStatusCompleted, job.Status)
	require.Len(t, job.Results, 4)
}

func TestGetJobData(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	resp := env.do(t, http.MethodPost, "/v1/scrape/bulk", map[string]any{
		"name": "data source",
		"targets": []map[string]any{
			{"url": "https://jobs.example.com", "data_kind": "job_listing"},
			{"url": "https://clubs.example.com", "data_kind": "member_club"},
		},
	})
	job := decodeBody[scrape.Job](t, resp)
	require.Equal(t, scrape.JobStatusCompleted, job.Status)

	resp = env.do(t, http.MethodGet, "/v1/jobs/"+job.ID+"/data", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]any](t, resp)
	require.EqualValues(t, 2, body["count"])

	resp = env.do(t, http.MethodGet, "/v1/jobs/"+job.ID+"/data?data_kind=job_listing", nil)
	body = decodeBody[map[string]any](t, resp)
	require.EqualValues(t, 1, body["count"])

	resp = env.do(t, http.MethodGet, "/v1/jobs/"+job.ID+"/data?data_kind=bogus", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodGet, "/v1/jobs/ghost/data", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestListDataAcrossJobs(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	for _, tgt := range []map[string]any{
		{"url": "https://jobs-a.example.com", "data_kind": "job_listing"},
		{"url": "https://jobs-b.example.com", "data_kind": "job_listing"},
		{"url": "https://support.example.com", "data_kind": "support_resource"},
	} {
		resp := env.do(t, http.MethodPost, "/v1/scrape/bulk", map[string]any{
			"name":    "seed",
			"targets": []map[string]any{tgt},
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}

	resp := env.do(t, http.MethodGet, "/v1/data", nil)
	body := decodeBody[map[string]any](t, resp)
	require.EqualValues(t, 3, body["count"])

	resp = env.do(t, http.MethodGet, "/v1/data?data_kind=job_listing", nil)
	body = decodeBody[map[string]any](t, resp)
	require.EqualValues(t, 2, body["count"])

	resp = env.do(t, http.MethodGet, "/v1/data?source_url=https://support.example.com", nil)
	body = decodeBody[map[string]any](t, resp)
	require.EqualValues(t, 1, body["count"])
	records := body["data"].([]any)
	record := records[0].(map[string]any)
	require.Equal(t, "https://support.example.com", record["source_url"])

	resp = env.do(t, http.MethodGet, "/v1/data?data_kind=job_listing&limit=1&offset=1", nil)
	body = decodeBody[map[string]any](t, resp)
	require.EqualValues(t, 1, body["count"])
}
