// Package engine executes scraping jobs: it fans targets out through a
// concurrency gate, retries each extraction with backoff, aggregates
// results, and drives the job state machine to a terminal status.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/siteharvest/harvester/internal/scrape"
	"github.com/siteharvest/harvester/internal/telemetry"
)

// Config controls Engine behavior. Only these knobs affect execution.
type Config struct {
	MaxConcurrency      int
	MaxAttempts         int
	BaseDelay           time.Duration
	Multiplier          float64
	MaxDelay            time.Duration
	MinDispatchInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrency < 1 {
		c.MaxConcurrency = 4
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 3
	}
	return c
}

// Engine orchestrates one job execution at a time per Job. It is written
// against the abstract Extractor contract and never inspects extraction
// failures beyond their retryability.
type Engine struct {
	store      scrape.JobStore
	extractor  scrape.Extractor
	clock      scrape.Clock
	idGen      scrape.IDGenerator
	cfg        Config
	backoff    *BackoffPolicy
	sharedGate *Gate
	logger     *zap.Logger
}

// New constructs an Engine.
func New(
	store scrape.JobStore,
	extractor scrape.Extractor,
	clock scrape.Clock,
	idGen scrape.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Engine {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:     store,
		extractor: extractor,
		clock:     clock,
		idGen:     idGen,
		cfg:       cfg,
		backoff: NewBackoffPolicy(BackoffConfig{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.BaseDelay,
			Multiplier:  cfg.Multiplier,
			MaxDelay:    cfg.MaxDelay,
			Jitter:      true,
		}),
		logger: logger,
	}
}

// UseSharedGate makes the engine admit work through a caller-owned gate
// instead of creating one per execution, so several jobs can share one
// concurrency budget.
func (e *Engine) UseSharedGate(g *Gate) {
	e.sharedGate = g
}

// outcome is the settled state of one target, delivered to the single
// aggregation point.
type outcome struct {
	result  scrape.Result
	failure scrape.TargetFailure
	ok      bool
}

// ExecuteJob drives every target of a pending job to a terminal outcome
// and finalizes the job. Per-target failures are recorded on the job and
// never abort sibling work; only faults of the orchestration machinery
// itself (for example the store rejecting an update) mark the job failed.
func (e *Engine) ExecuteJob(ctx context.Context, job *scrape.Job) error {
	if err := job.Start(e.clock.Now()); err != nil {
		return fmt.Errorf("start job %s: %w", job.ID, err)
	}
	// A caller cancelling during startup must yield a cancelled job, not a
	// failed one, so the in-progress state is persisted off the caller's
	// context the same way finalize persists the terminal state.
	if err := e.store.Update(context.WithoutCancel(ctx), job); err != nil {
		return e.faultJob(ctx, job, fmt.Errorf("persist running job %s: %w", job.ID, err))
	}

	e.logger.Info("job started",
		zap.String("job_id", job.ID),
		zap.String("name", job.Name),
		zap.Int("targets", len(job.Targets)),
	)

	e.collectOutcomes(job, e.dispatchTargets(ctx, job.Targets))

	return e.finalize(ctx, job)
}

// ExecuteTargets is the bulk entry point: it builds a job around a bare
// target list, persists it, and runs the identical algorithm.
func (e *Engine) ExecuteTargets(ctx context.Context, name string, targets []scrape.Target) (*scrape.Job, error) {
	if name == "" {
		name = "bulk scrape"
	}
	id, err := e.idGen.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate bulk job id: %w", err)
	}
	job := scrape.NewJob(id, name, targets, nil, e.clock.Now())
	if err := e.store.Save(ctx, job); err != nil {
		return nil, fmt.Errorf("save bulk job: %w", err)
	}
	if err := e.ExecuteJob(ctx, job); err != nil {
		return job, err
	}
	return job, nil
}

// dispatchTargets fans all targets out through the gate and returns the
// channel their outcomes arrive on. The channel closes once every unit has
// settled.
func (e *Engine) dispatchTargets(ctx context.Context, targets []scrape.Target) <-chan outcome {
	gate := e.sharedGate
	if gate == nil {
		gate = NewGate(e.cfg.MaxConcurrency, e.cfg.MinDispatchInterval)
	}

	outcomes := make(chan outcome)
	var wg sync.WaitGroup
	for _, target := range targets {
		wg.Add(1)
		go func(t scrape.Target) {
			defer wg.Done()
			outcomes <- e.runTarget(ctx, gate, t)
		}(target)
	}
	go func() {
		wg.Wait()
		close(outcomes)
	}()
	return outcomes
}

// runTarget takes one target through admission and the retry policy.
func (e *Engine) runTarget(ctx context.Context, gate *Gate, target scrape.Target) outcome {
	if err := gate.Acquire(ctx); err != nil {
		return outcome{failure: scrape.TargetFailure{
			URL:    target.URL,
			Reason: "not dispatched: " + err.Error(),
		}}
	}
	defer gate.Release()

	result, attempts, err := e.backoff.Execute(ctx, e.extractor, target)
	if err != nil {
		e.logger.Warn("target failed",
			zap.String("url", target.URL),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return outcome{failure: scrape.TargetFailure{
			URL:      target.URL,
			Reason:   scrape.FailureReason(err),
			Attempts: attempts,
		}}
	}
	e.logger.Debug("target extracted",
		zap.String("url", target.URL),
		zap.Int("attempts", attempts),
	)
	return outcome{result: result, ok: true}
}

// collectOutcomes is the single aggregation point: it serializes appends
// onto the job as units settle, in completion order.
func (e *Engine) collectOutcomes(job *scrape.Job, outcomes <-chan outcome) {
	for out := range outcomes {
		if out.ok {
			if err := job.AddResult(out.result); err != nil {
				e.logger.Error("drop result on finalized job", zap.String("job_id", job.ID), zap.Error(err))
				continue
			}
			telemetry.ObserveTarget("success")
			continue
		}
		if err := job.AddFailure(out.failure); err != nil {
			e.logger.Error("drop failure on finalized job", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		telemetry.ObserveTarget("failure")
	}
}

// finalize transitions the job to its terminal status and persists it.
// Cancellation wins over completion; a store rejection is the engine fault
// that marks the job failed.
func (e *Engine) finalize(ctx context.Context, job *scrape.Job) error {
	now := e.clock.Now()
	var transitionErr error
	if ctx.Err() != nil {
		transitionErr = job.Cancel(now)
	} else {
		transitionErr = job.Complete(now)
	}
	if transitionErr != nil {
		return e.faultJob(ctx, job, fmt.Errorf("finalize job %s: %w", job.ID, transitionErr))
	}

	// The caller's context may already be dead when the job was cancelled;
	// the terminal state must still reach the store.
	persistCtx := context.WithoutCancel(ctx)
	if err := e.store.Update(persistCtx, job); err != nil {
		return fmt.Errorf("persist finalized job %s: %w", job.ID, err)
	}

	telemetry.ObserveJob(string(job.Status))
	if d, ok := job.Duration(); ok {
		telemetry.ObserveJobDuration(d)
	}
	e.logger.Info("job finalized",
		zap.String("job_id", job.ID),
		zap.String("status", string(job.Status)),
		zap.Int("results", len(job.Results)),
		zap.Int("failures", len(job.Failures)),
		zap.Float64("success_rate", job.SuccessRate()),
	)
	return nil
}

// faultJob marks the job failed after an engine-level fault and reports
// the fault to the caller wrapped with job context.
func (e *Engine) faultJob(ctx context.Context, job *scrape.Job, fault error) error {
	if err := job.Fail(fault.Error(), e.clock.Now()); err != nil {
		e.logger.Error("mark job failed", zap.String("job_id", job.ID), zap.Error(err))
		return fault
	}
	telemetry.ObserveJob(string(scrape.JobStatusFailed))
	if err := e.store.Update(context.WithoutCancel(ctx), job); err != nil {
		e.logger.Error("persist failed job", zap.String("job_id", job.ID), zap.Error(err))
	}
	return fault
}
