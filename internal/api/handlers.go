package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/siteharvest/harvester/internal/scrape"
)

type targetRequest struct {
	URL               string            `json:"url"`
	DataKind          string            `json:"data_kind"`
	Selectors         map[string]string `json:"selectors"`
	Headers           map[string]string `json:"headers"`
	Cookies           map[string]string `json:"cookies"`
	RequiresRendering bool              `json:"requires_rendering"`
}

type createJobRequest struct {
	Name    string          `json:"name"`
	Targets []targetRequest `json:"targets"`
	Config  map[string]any  `json:"config"`
}

type bulkScrapeRequest struct {
	Name    string          `json:"name"`
	Targets []targetRequest `json:"targets"`
}

type validateURLRequest struct {
	URL string `json:"url"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	targets, err := buildTargets(req.Targets)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.idGen.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("generate job id: %v", err))
		return
	}
	job := scrape.NewJob(id, req.Name, targets, req.Config, s.clock.Now())
	if err := s.store.Save(r.Context(), job); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("save job: %v", err))
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	status := scrape.JobStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", status))
		return
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	jobs, err := s.store.FindByStatus(r.Context(), status, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("list jobs: %v", err))
		return
	}
	if jobs == nil {
		jobs = []*scrape.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.findJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if s.runner.Running(jobID) {
		writeError(w, http.StatusConflict, "job is running; cancel it first")
		return
	}
	if err := s.store.Delete(r.Context(), jobID); err != nil {
		if errors.Is(err, scrape.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("delete job: %v", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) executeJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.findJob(w, r)
	if !ok {
		return
	}
	if job.Status != scrape.JobStatusPending {
		writeError(w, http.StatusConflict, fmt.Sprintf("cannot execute job in %s status", job.Status))
		return
	}
	if err := s.runner.Launch(job); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.ID,
		"status": string(scrape.JobStatusInProgress),
	})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	err := s.runner.Cancel(r.Context(), jobID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{
			"job_id": jobID,
			"status": string(scrape.JobStatusCancelled),
		})
	case errors.Is(err, scrape.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case scrape.IsInvalidTransition(err):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) bulkScrape(w http.ResponseWriter, r *http.Request) {
	var req bulkScrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	targets, err := buildTargets(req.Targets)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := s.runner.ExecuteBulk(r.Context(), req.Name, targets)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("bulk scrape: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) validateURL(w http.ResponseWriter, r *http.Request) {
	var req validateURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if _, err := scrape.NewTarget(req.URL, scrape.DataKindGeneral, scrape.TargetOptions{}); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"url": req.URL, "valid": false, "reason": err.Error()})
		return
	}
	if s.validator == nil {
		writeJSON(w, http.StatusOK, map[string]any{"url": req.URL, "valid": true})
		return
	}
	status, err := s.validator.Validate(r.Context(), req.URL)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"url": req.URL, "valid": false, "reason": scrape.FailureReason(err),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"url": req.URL, "valid": true, "status_code": status})
}

// dataScanJobs caps how many recent jobs the cross-job data listing walks.
const dataScanJobs = 500

func (s *Server) getJobData(w http.ResponseWriter, r *http.Request) {
	kind, ok := dataKindFilter(w, r)
	if !ok {
		return
	}
	job, ok := s.findJob(w, r)
	if !ok {
		return
	}
	data := filterResults(job.Results, kind, r.URL.Query().Get("source_url"))
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id": job.ID,
		"count":  len(data),
		"data":   data,
	})
}

func (s *Server) listData(w http.ResponseWriter, r *http.Request) {
	kind, ok := dataKindFilter(w, r)
	if !ok {
		return
	}
	sourceURL := r.URL.Query().Get("source_url")
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	jobs, err := s.store.FindByStatus(r.Context(), "", dataScanJobs, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("list data: %v", err))
		return
	}

	data := make([]scrape.Result, 0)
	for _, job := range jobs {
		data = append(data, filterResults(job.Results, kind, sourceURL)...)
	}
	if offset >= len(data) {
		data = data[:0]
	} else {
		data = data[offset:]
	}
	if limit > 0 && len(data) > limit {
		data = data[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(data), "data": data})
}

// dataKindFilter reads and validates the optional data_kind query parameter,
// writing a 400 when the kind is unknown.
func dataKindFilter(w http.ResponseWriter, r *http.Request) (scrape.DataKind, bool) {
	kind := scrape.DataKind(r.URL.Query().Get("data_kind"))
	if kind != "" && !kind.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown data_kind %q", kind))
		return "", false
	}
	return kind, true
}

func filterResults(results []scrape.Result, kind scrape.DataKind, sourceURL string) []scrape.Result {
	out := make([]scrape.Result, 0, len(results))
	for _, res := range results {
		if kind != "" && res.DataKind != kind {
			continue
		}
		if sourceURL != "" && res.SourceURL != sourceURL {
			continue
		}
		out = append(out, res)
	}
	return out
}

func (s *Server) findJob(w http.ResponseWriter, r *http.Request) (*scrape.Job, bool) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.store.Find(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, scrape.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
		} else {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("get job: %v", err))
		}
		return nil, false
	}
	return job, true
}

func buildTargets(reqs []targetRequest) ([]scrape.Target, error) {
	if len(reqs) == 0 {
		return nil, errors.New("at least one target is required")
	}
	targets := make([]scrape.Target, 0, len(reqs))
	for i, tr := range reqs {
		kind := scrape.DataKind(tr.DataKind)
		if tr.DataKind == "" {
			kind = scrape.DataKindGeneral
		}
		target, err := scrape.NewTarget(tr.URL, kind, scrape.TargetOptions{
			Selectors:         tr.Selectors,
			Headers:           tr.Headers,
			Cookies:           tr.Cookies,
			RequiresRendering: tr.RequiresRendering,
		})
		if err != nil {
			return nil, fmt.Errorf("target %d: %w", i, err)
		}
		targets = append(targets, target)
	}
	return targets, nil
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
