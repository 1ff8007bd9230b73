// Package compare scrapes one product page with several accounts at once and
// ranks the prices each account was offered.
package compare

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/pricewatch/internal/extract"
)

// Scraper fetches a product page on behalf of one account.
type Scraper interface {
	Scrape(ctx context.Context, label, url string) (extract.ScrapedData, error)
}

// Result is one account's outcome. Exactly one of Data and Error is set.
type Result struct {
	Account string               `json:"account"`
	Data    *extract.ScrapedData `json:"data,omitempty"`
	Error   string               `json:"error,omitempty"`
	Err     error                `json:"-"`
}

// OK reports whether the scrape succeeded.
func (r Result) OK() bool { return r.Err == nil && r.Data != nil }

// Report holds the ranked results: successes by ascending price, then
// failures in request order.
type Report struct {
	URL       string    `json:"url"`
	Results   []Result  `json:"results"`
	StartedAt time.Time `json:"started_at"`
	Duration  string    `json:"duration"`
}

// Cheapest returns the best offer, if any account succeeded.
func (r Report) Cheapest() (Result, bool) {
	if len(r.Results) == 0 || !r.Results[0].OK() {
		return Result{}, false
	}
	return r.Results[0], true
}

// Spread is the difference between the highest and lowest successful price.
func (r Report) Spread() float64 {
	var lo, hi float64
	n := 0
	for _, res := range r.Results {
		if !res.OK() {
			continue
		}
		p := res.Data.Price
		if n == 0 || p < lo {
			lo = p
		}
		if n == 0 || p > hi {
			hi = p
		}
		n++
	}
	return hi - lo
}

// Comparer runs scrapes concurrently with a bounded fan-out.
type Comparer struct {
	logger  *zap.Logger
	scraper Scraper
	limit   int
}

// New returns a Comparer running at most limit scrapes at once. A limit
// below one means no bound.
func New(logger *zap.Logger, scraper Scraper, limit int) *Comparer {
	return &Comparer{logger: logger.Named("compare"), scraper: scraper, limit: limit}
}

// Run scrapes url with every account in labels. One account failing never
// affects the others.
func (c *Comparer) Run(ctx context.Context, url string, labels []string) Report {
	started := time.Now()
	results := make([]Result, len(labels))

	g, groupCtx := errgroup.WithContext(ctx)
	if c.limit > 0 {
		g.SetLimit(c.limit)
	}
	for i, label := range labels {
		g.Go(func() error {
			results[i] = c.scrape(groupCtx, label, url)
			return nil
		})
	}
	_ = g.Wait()

	rank(results)
	report := Report{
		URL:       url,
		Results:   results,
		StartedAt: started.UTC(),
		Duration:  time.Since(started).Round(time.Millisecond).String(),
	}
	if best, ok := report.Cheapest(); ok {
		c.logger.Info("Comparison finished",
			zap.String("url", url),
			zap.String("cheapest", best.Account),
			zap.Float64("price", best.Data.Price),
			zap.Float64("spread", report.Spread()))
	} else {
		c.logger.Warn("Comparison finished without a price", zap.String("url", url))
	}
	return report
}

func (c *Comparer) scrape(ctx context.Context, label, url string) Result {
	data, err := c.scraper.Scrape(ctx, label, url)
	if err != nil {
		c.logger.Warn("Scrape failed", zap.String("account", label), zap.Error(err))
		return Result{Account: label, Err: err, Error: err.Error()}
	}
	return Result{Account: label, Data: &data}
}

// rank orders successes by price then label, keeping failures last in their
// original order.
func rank(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.OK() != b.OK() {
			return a.OK()
		}
		if !a.OK() {
			return false
		}
		if a.Data.Price != b.Data.Price {
			return a.Data.Price < b.Data.Price
		}
		return a.Account < b.Account
	})
}
