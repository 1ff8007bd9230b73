// internal/extract/strategies.go
package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	json "github.com/json-iterator/go"
)

// strategy yields raw price candidates from a document, best first.
type strategy struct {
	name       string
	candidates func(doc *goquery.Document, markup string) []string
}

// priceSelectors are the known price elements of the product page.
var priceSelectors = []string{
	".price-box__primary-price__value",
	".price-box__price",
	"#prices .price_withVat",
	".price_withVat",
	"[data-testid='price']",
	"span.price",
}

func defaultStrategies(currency string) []strategy {
	return []strategy{
		{name: "json-ld", candidates: jsonLDCandidates},
		{name: "meta", candidates: metaCandidates},
		{name: "css", candidates: cssCandidates},
		{name: "regex", candidates: regexCandidates(currency)},
	}
}

func jsonLDCandidates(doc *goquery.Document, _ string) []string {
	var out []string
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		var payload interface{}
		if err := json.UnmarshalFromString(s.Text(), &payload); err != nil {
			return
		}
		out = append(out, offerPrices(payload)...)
	})
	return out
}

// offerPrices walks a JSON-LD value looking for offers, either directly on an
// entity or under its mainEntity.
func offerPrices(v interface{}) []string {
	switch node := v.(type) {
	case []interface{}:
		var out []string
		for _, item := range node {
			out = append(out, offerPrices(item)...)
		}
		return out
	case map[string]interface{}:
		if offers, ok := node["offers"]; ok {
			if p, ok := firstOfferPrice(offers); ok {
				return []string{p}
			}
		}
		if main, ok := node["mainEntity"]; ok {
			return offerPrices(main)
		}
		if graph, ok := node["@graph"]; ok {
			return offerPrices(graph)
		}
	}
	return nil
}

func firstOfferPrice(offers interface{}) (string, bool) {
	if list, ok := offers.([]interface{}); ok {
		if len(list) == 0 {
			return "", false
		}
		offers = list[0]
	}
	offer, ok := offers.(map[string]interface{})
	if !ok {
		return "", false
	}
	price, ok := offer["price"]
	if !ok {
		price, ok = offer["lowPrice"]
	}
	if !ok {
		return "", false
	}
	switch p := price.(type) {
	case float64:
		return strconv.FormatFloat(p, 'f', -1, 64), true
	case string:
		return p, true
	}
	return "", false
}

func metaCandidates(doc *goquery.Document, _ string) []string {
	var out []string
	for _, sel := range []string{`meta[property="product:price:amount"]`, `meta[itemprop="price"]`, `[itemprop="price"][content]`} {
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			if c, ok := s.Attr("content"); ok {
				out = append(out, c)
			}
		})
	}
	return out
}

func cssCandidates(doc *goquery.Document, _ string) []string {
	var out []string
	for _, sel := range priceSelectors {
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			if t := strings.TrimSpace(s.Text()); t != "" {
				out = append(out, t)
			}
		})
	}
	return out
}

// regexCandidates matches digit groups followed by the currency, by ",-" or by
// the ISO code, over the raw markup.
func regexCandidates(currency string) func(*goquery.Document, string) []string {
	group := `(\d{1,3}(?:[ \x{00A0}\x{202F}]?\d{3})*(?:,\d{1,2})?)`
	patterns := []*regexp.Regexp{
		regexp.MustCompile(group + `\s*` + regexp.QuoteMeta(currency)),
		regexp.MustCompile(`(\d{1,3}(?:[ \x{00A0}\x{202F}]?\d{3})*),-`),
		regexp.MustCompile(group + `\s*CZK`),
	}
	return func(_ *goquery.Document, markup string) []string {
		markup = strings.ReplaceAll(markup, "&nbsp;", " ")
		var out []string
		for _, re := range patterns {
			for _, m := range re.FindAllStringSubmatch(markup, -1) {
				out = append(out, m[1])
			}
		}
		return out
	}
}
