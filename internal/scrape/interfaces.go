package scrape

import (
	"context"
	"io"
	"time"
)

// Extractor turns one Target into one Result. Failures are reported as
// *ExtractionError; the engine only ever looks at the Retryable flag.
type Extractor interface {
	Extract(ctx context.Context, target Target) (Result, error)
}

// JobStore persists jobs and their results.
type JobStore interface {
	Save(ctx context.Context, job *Job) error
	Find(ctx context.Context, id string) (*Job, error)
	Update(ctx context.Context, job *Job) error
	Delete(ctx context.Context, id string) error
	FindByStatus(ctx context.Context, status JobStatus, limit, offset int) ([]*Job, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for content-addressed archive paths.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
