package scrape

import "time"

// JobStatus represents the lifecycle state of a scraping job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusInProgress, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether s admits no further transitions besides the
// cancel exception handled in Cancel.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Job is the aggregate root for one scraping run. It owns its Targets and
// Results; Results are appended in completion order, which is unrelated to
// Target order. Exactly one engine invocation mutates a Job at a time.
type Job struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Targets      []Target        `json:"targets"`
	Results      []Result        `json:"results"`
	Failures     []TargetFailure `json:"failures,omitempty"`
	Status       JobStatus       `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Config       map[string]any  `json:"config,omitempty"`
}

// NewJob builds a pending Job owning the given targets.
func NewJob(id, name string, targets []Target, config map[string]any, createdAt time.Time) *Job {
	return &Job{
		ID:        id,
		Name:      name,
		Targets:   append([]Target(nil), targets...),
		Status:    JobStatusPending,
		CreatedAt: createdAt,
		Config:    config,
	}
}

// Start moves the job from pending to in_progress and stamps StartedAt.
func (j *Job) Start(now time.Time) error {
	if j.Status != JobStatusPending {
		return &InvalidTransitionError{From: j.Status, Event: "start"}
	}
	j.Status = JobStatusInProgress
	ts := now.UTC()
	j.StartedAt = &ts
	return nil
}

// Complete moves the job from in_progress to completed and stamps
// CompletedAt.
func (j *Job) Complete(now time.Time) error {
	if j.Status != JobStatusInProgress {
		return &InvalidTransitionError{From: j.Status, Event: "complete"}
	}
	j.Status = JobStatusCompleted
	ts := now.UTC()
	j.CompletedAt = &ts
	return nil
}

// Fail marks the job failed with an engine-level error message. Only
// orchestration faults drive a job here; individual target misses merely
// lower the success rate.
func (j *Job) Fail(msg string, now time.Time) error {
	if j.Status != JobStatusPending && j.Status != JobStatusInProgress {
		return &InvalidTransitionError{From: j.Status, Event: "fail"}
	}
	j.Status = JobStatusFailed
	j.ErrorMessage = msg
	ts := now.UTC()
	j.CompletedAt = &ts
	return nil
}

// Cancel moves a pending or in_progress job to cancelled. Cancelling a
// completed job is rejected; cancelling an already cancelled or failed job
// is rejected the same way.
func (j *Job) Cancel(now time.Time) error {
	if j.Status != JobStatusPending && j.Status != JobStatusInProgress {
		return &InvalidTransitionError{From: j.Status, Event: "cancel"}
	}
	j.Status = JobStatusCancelled
	ts := now.UTC()
	j.CompletedAt = &ts
	return nil
}

// AddResult appends extracted content. Permitted while the job is pending
// (pre-seeded results) or in_progress; it never transitions state.
func (j *Job) AddResult(r Result) error {
	if j.Status != JobStatusPending && j.Status != JobStatusInProgress {
		return &InvalidTransitionError{From: j.Status, Event: "add result to"}
	}
	j.Results = append(j.Results, r)
	return nil
}

// AddFailure records a target that exhausted its attempts.
func (j *Job) AddFailure(f TargetFailure) error {
	if j.Status != JobStatusPending && j.Status != JobStatusInProgress {
		return &InvalidTransitionError{From: j.Status, Event: "add failure to"}
	}
	j.Failures = append(j.Failures, f)
	return nil
}

// Duration returns completed minus started. The second return is false
// until both timestamps are set.
func (j *Job) Duration() (time.Duration, bool) {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0, false
	}
	return j.CompletedAt.Sub(*j.StartedAt), true
}

// SuccessRate is the fraction of targets that yielded a Result, 0 for a
// job with no targets. Always within [0, 1].
func (j *Job) SuccessRate() float64 {
	if len(j.Targets) == 0 {
		return 0
	}
	return float64(len(j.Results)) / float64(len(j.Targets))
}

// Clone returns a deep-enough copy for reporting: slices are copied so the
// caller cannot mutate the job's owned collections.
func (j *Job) Clone() *Job {
	cp := *j
	cp.Targets = append([]Target(nil), j.Targets...)
	cp.Results = append([]Result(nil), j.Results...)
	cp.Failures = append([]TargetFailure(nil), j.Failures...)
	if j.StartedAt != nil {
		ts := *j.StartedAt
		cp.StartedAt = &ts
	}
	if j.CompletedAt != nil {
		ts := *j.CompletedAt
		cp.CompletedAt = &ts
	}
	return &cp
}
