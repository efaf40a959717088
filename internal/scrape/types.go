// Package scrape defines core types shared across subsystems.
package scrape

import (
	"net/url"
	"strings"
	"time"
)

// DataKind tags a Target with the category of content expected at its URL.
type DataKind string

// Data kinds understood by the service. The set is closed; anything else
// fails target validation.
const (
	DataKindJobListing      DataKind = "job_listing"
	DataKindMemberClub      DataKind = "member_club"
	DataKindSupportResource DataKind = "support_resource"
	DataKindGeneral         DataKind = "general_data"
)

// Valid reports whether k is one of the known data kinds.
func (k DataKind) Valid() bool {
	switch k {
	case DataKindJobListing, DataKindMemberClub, DataKindSupportResource, DataKindGeneral:
		return true
	default:
		return false
	}
}

// Target is one unit of extraction work: a URL plus instructions on how to
// pull structured content out of it. Construct via NewTarget; treat as
// immutable afterwards.
type Target struct {
	URL               string            `json:"url"`
	DataKind          DataKind          `json:"data_kind"`
	Selectors         map[string]string `json:"selectors,omitempty"`
	Headers           map[string]string `json:"headers,omitempty"`
	Cookies           map[string]string `json:"cookies,omitempty"`
	RequiresRendering bool              `json:"requires_rendering,omitempty"`
}

// NewTarget validates and builds a Target. The URL must be absolute with an
// http or https scheme and a host; the data kind must be one of the closed
// set. Maps are copied so later mutation of the inputs cannot leak in.
func NewTarget(rawURL string, kind DataKind, opts TargetOptions) (Target, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return Target{}, &ValidationError{Field: "url", Reason: "malformed URL: " + err.Error()}
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return Target{}, &ValidationError{Field: "url", Reason: "URL must start with http:// or https://"}
	}
	if parsed.Host == "" {
		return Target{}, &ValidationError{Field: "url", Reason: "URL must include a host"}
	}
	if !kind.Valid() {
		return Target{}, &ValidationError{Field: "data_kind", Reason: "unknown data kind " + string(kind)}
	}
	return Target{
		URL:               parsed.String(),
		DataKind:          kind,
		Selectors:         cloneStringMap(opts.Selectors),
		Headers:           cloneStringMap(opts.Headers),
		Cookies:           cloneStringMap(opts.Cookies),
		RequiresRendering: opts.RequiresRendering,
	}, nil
}

// TargetOptions carries the optional Target fields for NewTarget.
type TargetOptions struct {
	Selectors         map[string]string
	Headers           map[string]string
	Cookies           map[string]string
	RequiresRendering bool
}

// Result is the structured content successfully extracted from one Target.
type Result struct {
	SourceURL   string         `json:"source_url"`
	DataKind    DataKind       `json:"data_kind"`
	Content     map[string]any `json:"content"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	ExtractedAt time.Time      `json:"extracted_at"`
}

// NewResult builds a Result, enforcing the non-empty content invariant. An
// extractor that found nothing must return an error instead of an empty
// Result.
func NewResult(sourceURL string, kind DataKind, content, metadata map[string]any, extractedAt time.Time) (Result, error) {
	if len(content) == 0 {
		return Result{}, &ValidationError{Field: "content", Reason: "content cannot be empty"}
	}
	return Result{
		SourceURL:   sourceURL,
		DataKind:    kind,
		Content:     content,
		Metadata:    metadata,
		ExtractedAt: extractedAt,
	}, nil
}

// TargetFailure records a target that could not be extracted after all
// retry attempts. The URL and reason are kept so the presentation layer can
// surface per-target misses.
type TargetFailure struct {
	URL      string `json:"url"`
	Reason   string `json:"reason"`
	Attempts int    `json:"attempts"`
}

func cloneStringMap(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
