// internal/extract/extract.go
package extract

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/xkilldash9x/pricewatch/internal/config"
)

// ErrExtractionFailed means no strategy produced a usable price.
var ErrExtractionFailed = errors.New("price extraction failed")

// UnknownProduct is used when the page carries no usable name.
const UnknownProduct = "Unknown product"

// Price is a normalized price and its rendering in the site locale.
type Price struct {
	Value   float64 `json:"value"`
	Display string  `json:"display"`
}

// ScrapedData is the result of one scrape.
type ScrapedData struct {
	ProductName  string    `json:"product_name"`
	Price        float64   `json:"price"`
	PriceDisplay string    `json:"price_display"`
	Account      string    `json:"account,omitempty"`
	URL          string    `json:"url,omitempty"`
	ScrapedAt    time.Time `json:"scraped_at,omitempty"`
}

// Extractor turns product page markup into a price and a name.
type Extractor struct {
	currency   string
	printer    *message.Printer
	strategies []strategy
	siteSuffix *regexp.Regexp
}

// New builds an Extractor for the site's currency, locale and name.
func New(site config.SiteConfig) *Extractor {
	currency := site.Currency
	if currency == "" {
		currency = "Kč"
	}
	tag, err := language.Parse(site.Locale)
	if err != nil {
		tag = language.Czech
	}
	name := site.Name
	if name == "" {
		name = "Alza.cz"
	}
	return &Extractor{
		currency:   currency,
		printer:    message.NewPrinter(tag),
		strategies: defaultStrategies(currency),
		siteSuffix: regexp.MustCompile(`\s*[|\-–—]\s*` + regexp.QuoteMeta(name) + `\s*$`),
	}
}

// ExtractPrice runs the strategies in order and returns the first positive
// price found.
func (e *Extractor) ExtractPrice(markup string) (Price, bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return Price{}, false
	}
	return e.extractPrice(doc, markup)
}

func (e *Extractor) extractPrice(doc *goquery.Document, markup string) (Price, bool) {
	for _, s := range e.strategies {
		for _, candidate := range s.candidates(doc, markup) {
			if v, ok := ParsePrice(candidate); ok {
				return Price{Value: v, Display: e.Format(v)}, true
			}
		}
	}
	return Price{}, false
}

// Strategy reports which strategy yields the price, for diagnostics.
func (e *Extractor) Strategy(markup string) (string, bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return "", false
	}
	for _, s := range e.strategies {
		for _, candidate := range s.candidates(doc, markup) {
			if _, ok := ParsePrice(candidate); ok {
				return s.name, true
			}
		}
	}
	return "", false
}

// ExtractProductName returns the cleaned product name.
func (e *Extractor) ExtractProductName(markup string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return UnknownProduct
	}
	return e.productName(doc)
}

// Extract returns both the price and the product name.
func (e *Extractor) Extract(markup string) (ScrapedData, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return ScrapedData{}, fmt.Errorf("%w: parsing markup: %v", ErrExtractionFailed, err)
	}
	price, ok := e.extractPrice(doc, markup)
	if !ok {
		return ScrapedData{}, ErrExtractionFailed
	}
	return ScrapedData{
		ProductName:  e.productName(doc),
		Price:        price.Value,
		PriceDisplay: price.Display,
	}, nil
}
