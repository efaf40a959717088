// Package runner launches engine executions in the background, tracks them
// for cancellation, and handles post-completion side effects: archiving
// results to blob storage and publishing completion events.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/siteharvest/harvester/internal/engine"
	"github.com/siteharvest/harvester/internal/scrape"
)

// Config holds runner side-effect settings.
type Config struct {
	// ArchivePrefix is the blob path prefix for result archives.
	ArchivePrefix string
	// CompletionTopic is where finished-job events are published.
	CompletionTopic string
}

// Runner owns the set of in-flight job executions.
type Runner struct {
	engine    *engine.Engine
	store     scrape.JobStore
	blobs     scrape.BlobStore
	publisher scrape.Publisher
	hasher    scrape.Hasher
	clock     scrape.Clock
	cfg       Config
	logger    *zap.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
}

// New constructs a Runner. blobs and publisher may be nil; the matching side
// effect is then skipped.
func New(
	eng *engine.Engine,
	store scrape.JobStore,
	blobs scrape.BlobStore,
	publisher scrape.Publisher,
	hasher scrape.Hasher,
	clock scrape.Clock,
	cfg Config,
	logger *zap.Logger,
) *Runner {
	if cfg.ArchivePrefix == "" {
		cfg.ArchivePrefix = "jobs"
	}
	if cfg.CompletionTopic == "" {
		cfg.CompletionTopic = "harvester-jobs"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		engine:    eng,
		store:     store,
		blobs:     blobs,
		publisher: publisher,
		hasher:    hasher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
		running:   make(map[string]context.CancelFunc),
	}
}

// Launch starts executing a pending job in the background. The execution is
// detached from the caller's context; it stops through Cancel or Shutdown.
func (r *Runner) Launch(job *scrape.Job) error {
	execCtx, cancel, err := r.register(job.ID)
	if err != nil {
		return err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.unregister(job.ID, cancel)

		if err := r.engine.ExecuteJob(execCtx, job); err != nil {
			r.logger.Error("job execution failed", zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		r.afterCompletion(job)
	}()
	return nil
}

// ExecuteBulk runs a bulk target list synchronously and returns the finished
// job. Cancellation rides on the caller's context.
func (r *Runner) ExecuteBulk(ctx context.Context, name string, targets []scrape.Target) (*scrape.Job, error) {
	job, err := r.engine.ExecuteTargets(ctx, name, targets)
	if err != nil {
		return job, err
	}
	r.afterCompletion(job)
	return job, nil
}

// Cancel stops a job. A running execution gets its context cancelled and
// finishes asynchronously; a pending job is cancelled directly in the store.
func (r *Runner) Cancel(ctx context.Context, jobID string) error {
	r.mu.Lock()
	cancel, isRunning := r.running[jobID]
	r.mu.Unlock()
	if isRunning {
		cancel()
		return nil
	}

	job, err := r.store.Find(ctx, jobID)
	if err != nil {
		return err
	}
	if err := job.Cancel(r.clock.Now()); err != nil {
		return err
	}
	if err := r.store.Update(ctx, job); err != nil {
		return fmt.Errorf("persist cancelled job %s: %w", jobID, err)
	}
	return nil
}

// Running reports whether the job is currently executing.
func (r *Runner) Running(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[jobID]
	return ok
}

// Shutdown cancels every running execution and waits for them to settle, up
// to ctx's deadline.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	for _, cancel := range r.running {
		cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("runner shutdown: %w", ctx.Err())
	}
}

func (r *Runner) register(jobID string) (context.Context, context.CancelFunc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, nil, fmt.Errorf("runner is shut down")
	}
	if _, exists := r.running[jobID]; exists {
		return nil, nil, fmt.Errorf("job %s is already running", jobID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.running[jobID] = cancel
	return ctx, cancel, nil
}

func (r *Runner) unregister(jobID string, cancel context.CancelFunc) {
	cancel()
	r.mu.Lock()
	delete(r.running, jobID)
	r.mu.Unlock()
}

// completionEvent is the payload published when a job reaches a terminal
// status through the engine.
type completionEvent struct {
	JobID       string     `json:"job_id"`
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	SuccessRate float64    `json:"success_rate"`
	Results     int        `json:"results"`
	Failures    int        `json:"failures"`
	ArchiveURI  string     `json:"archive_uri,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (r *Runner) afterCompletion(job *scrape.Job) {
	snapshot := job.Clone()
	archiveURI := r.archiveResults(snapshot)
	r.publishCompletion(snapshot, archiveURI)
}

// archiveResults writes the job's results to blob storage under a
// content-addressed path and returns the URI, or "" when archiving is off
// or failed. Archive failures never affect the job outcome.
func (r *Runner) archiveResults(job *scrape.Job) string {
	if r.blobs == nil || len(job.Results) == 0 {
		return ""
	}
	data, err := json.Marshal(job.Results)
	if err != nil {
		r.logger.Error("marshal results archive", zap.String("job_id", job.ID), zap.Error(err))
		return ""
	}
	digest, err := r.hasher.Hash(data)
	if err != nil {
		r.logger.Error("hash results archive", zap.String("job_id", job.ID), zap.Error(err))
		return ""
	}
	path := fmt.Sprintf("%s/%s/%s.json", r.cfg.ArchivePrefix, job.ID, digest)

	ctx, cancelFn := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelFn()
	uri, err := r.blobs.PutObject(ctx, path, "application/json", bytes.NewReader(data))
	if err != nil {
		r.logger.Error("archive results", zap.String("job_id", job.ID), zap.Error(err))
		return ""
	}
	r.logger.Info("results archived", zap.String("job_id", job.ID), zap.String("uri", uri))
	return uri
}

func (r *Runner) publishCompletion(job *scrape.Job, archiveURI string) {
	if r.publisher == nil {
		return
	}
	event := completionEvent{
		JobID:       job.ID,
		Name:        job.Name,
		Status:      string(job.Status),
		SuccessRate: job.SuccessRate(),
		Results:     len(job.Results),
		Failures:    len(job.Failures),
		ArchiveURI:  archiveURI,
		CompletedAt: job.CompletedAt,
	}
	ctx, cancelFn := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFn()
	if _, err := r.publisher.Publish(ctx, r.cfg.CompletionTopic, event); err != nil {
		r.logger.Error("publish completion event", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	r.logger.Debug("completion event published", zap.String("job_id", job.ID))
}
