package extractor

import (
	"bytes"
	"errors"
)

// ErrNeedsRendering signals that a page fetched over plain HTTP is a
// JavaScript shell and should be re-fetched with the headless extractor.
var ErrNeedsRendering = errors.New("page requires javascript rendering")

// Markers common SPA frameworks leave in their bootstrap HTML.
var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
}

// RenderDetector applies rule-based signals to decide whether a fetched body
// is a JavaScript shell rather than the real document.
type RenderDetector struct {
	bodyThreshold int
}

// NewRenderDetector builds a detector. threshold is the body size in bytes
// below which high script density counts as a shell; zero picks a default.
func NewRenderDetector(threshold int) *RenderDetector {
	if threshold <= 0 {
		threshold = 2048
	}
	return &RenderDetector{bodyThreshold: threshold}
}

// NeedsRendering reports whether the body looks like it requires a browser
// to produce its real content. A nil detector never promotes.
func (d *RenderDetector) NeedsRendering(body []byte) bool {
	if d == nil {
		return false
	}
	if len(body) == 0 {
		return true
	}
	if len(body) < d.bodyThreshold && scriptCoverage(body) >= 25 {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

// scriptCoverage returns the percentage of the document occupied by script
// elements, counting unterminated scripts through to the end of the body.
func scriptCoverage(body []byte) int {
	lower := bytes.ToLower(body)
	total := len(lower)
	if total == 0 {
		return 0
	}

	openTag := []byte("<script")
	closeTag := []byte("</script>")
	covered := 0
	pos := 0

	for {
		rel := bytes.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel

		tagEnd := bytes.IndexByte(lower[start:], '>')
		if tagEnd == -1 {
			covered += total - start
			break
		}
		contentStart := start + tagEnd + 1

		relEnd := bytes.Index(lower[contentStart:], closeTag)
		var next int
		if relEnd == -1 {
			next = total
		} else {
			next = contentStart + relEnd + len(closeTag)
		}

		covered += next - start
		pos = next
	}

	return covered * 100 / total
}
