// internal/extract/name.go
package extract

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	// "... za 29 990 Kč", "... for 1,299.00 CZK"
	priceFragment = regexp.MustCompile(`(?i)\s+(?:for|za)\s+\d[\d\s\x{00A0},.]*(?:Kč|CZK|,-)?\s*$`)
	dashSuffix    = regexp.MustCompile(`\s+[-–—]\s+.*$`)
)

func (e *Extractor) productName(doc *goquery.Document) string {
	raw := ""
	if og, ok := doc.Find(`meta[property="og:title"]`).First().Attr("content"); ok && strings.TrimSpace(og) != "" {
		raw = og
	} else if t := strings.TrimSpace(doc.Find("title").First().Text()); t != "" {
		raw = t
	} else if h := strings.TrimSpace(doc.Find("h1").First().Text()); h != "" {
		raw = h
	}
	if raw == "" {
		return UnknownProduct
	}
	return e.CleanName(raw)
}

// CleanName strips the site suffix, a trailing price fragment and a trailing
// dash-delimited suffix, in that order.
func (e *Extractor) CleanName(raw string) string {
	name := strings.Join(strings.Fields(raw), " ")
	name = e.siteSuffix.ReplaceAllString(name, "")
	name = priceFragment.ReplaceAllString(name, "")
	name = dashSuffix.ReplaceAllString(name, "")
	name = strings.TrimSpace(name)
	if name == "" {
		return UnknownProduct
	}
	return name
}
