// Package extractor holds HTML content extraction shared by the protocol
// and headless extractors, plus the composite that routes between them.
package extractor

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/siteharvest/harvester/internal/scrape"
)

const excerptLimit = 500

// ContentFromHTML applies the target's selectors to the document and returns
// the extracted fields. With no selectors it falls back to the page title
// plus a body excerpt. An empty extraction is an error, never an empty map.
func ContentFromHTML(html string, target scrape.Target) (map[string]any, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, scrape.NewExtractionError("unparseable HTML", false, err)
	}

	if len(target.Selectors) == 0 {
		return fallbackContent(doc)
	}

	content := make(map[string]any, len(target.Selectors))
	for field, selector := range target.Selectors {
		values := selectText(doc, selector)
		switch len(values) {
		case 0:
		case 1:
			content[field] = values[0]
		default:
			content[field] = values
		}
	}
	if len(content) == 0 {
		return nil, scrape.NewExtractionError("no selector matched any content", false, nil)
	}
	return content, nil
}

// selectText collects the cleaned text of every node matching selector,
// skipping empty matches.
func selectText(doc *goquery.Document, selector string) []string {
	var values []string
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		if text := CleanText(s.Text()); text != "" {
			values = append(values, text)
		}
	})
	return values
}

// fallbackContent extracts title and a body excerpt for targets that give no
// selectors.
func fallbackContent(doc *goquery.Document) (map[string]any, error) {
	content := map[string]any{}
	if title := CleanText(doc.Find("title").First().Text()); title != "" {
		content["title"] = title
	}
	if excerpt := CleanText(doc.Find("body").First().Text()); excerpt != "" {
		if len(excerpt) > excerptLimit {
			excerpt = excerpt[:excerptLimit]
		}
		content["excerpt"] = excerpt
	}
	if len(content) == 0 {
		return nil, scrape.NewExtractionError("page has no title or body text", false, nil)
	}
	return content, nil
}

// CleanText collapses runs of whitespace to single spaces and trims the ends.
func CleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
