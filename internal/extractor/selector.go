package extractor

import (
	"context"
	"errors"

	"github.com/siteharvest/harvester/internal/scrape"
)

// Selector routes each target to the protocol extractor or, when the target
// requires JavaScript rendering, to the headless one. A protocol extraction
// that fails because the page is a JavaScript shell is promoted to headless
// automatically.
type Selector struct {
	protocol scrape.Extractor
	headless scrape.Extractor
}

// NewSelector builds a Selector. headless may be nil; rendering targets then
// fall back to the protocol extractor and no promotion happens.
func NewSelector(protocol, headless scrape.Extractor) *Selector {
	return &Selector{protocol: protocol, headless: headless}
}

// Extract dispatches to the extractor the target's rendering flag selects,
// promoting shell pages to the headless extractor when one is available.
func (s *Selector) Extract(ctx context.Context, target scrape.Target) (scrape.Result, error) {
	if target.RequiresRendering && s.headless != nil {
		return s.headless.Extract(ctx, target)
	}
	result, err := s.protocol.Extract(ctx, target)
	if err != nil && s.headless != nil && errors.Is(err, ErrNeedsRendering) {
		return s.headless.Extract(ctx, target)
	}
	return result, err
}
