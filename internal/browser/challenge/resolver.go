// internal/browser/challenge/resolver.go
package challenge

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"
)

// ErrChallengeTimeout is returned when no page cleared the anti-bot challenge
// within the allotted window.
var ErrChallengeTimeout = errors.New("challenge: timed out waiting for the anti-bot challenge to clear")

// DefaultMarkers are title fragments shown while the challenge is still running.
var DefaultMarkers = []string{
	"just a moment",
	"please wait",
	"moment, prosím",
	"čekejte",
}

// Predicate decides from a page title whether the challenge has cleared.
type Predicate func(title string) bool

// Target is the page the challenge was issued for.
type Target struct {
	URL       string
	IsCleared Predicate
}

// ListedPage is one entry of the browser's /json/list endpoint.
type ListedPage struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// TitleSource is an attached page whose title can be read.
type TitleSource interface {
	Title(ctx context.Context) (string, error)
}

// DefaultCleared reports true for a non-empty title carrying none of the
// DefaultMarkers.
func DefaultCleared(title string) bool {
	return ClearedWithout(DefaultMarkers)(title)
}

// ClearedWithout builds a Predicate rejecting empty titles and titles that
// contain any of markers, case-insensitively.
func ClearedWithout(markers []string) Predicate {
	lowered := make([]string, 0, len(markers))
	for _, m := range markers {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			lowered = append(lowered, m)
		}
	}
	return func(title string) bool {
		t := strings.ToLower(strings.TrimSpace(title))
		if t == "" {
			return false
		}
		for _, m := range lowered {
			if strings.Contains(t, m) {
				return false
			}
		}
		return true
	}
}

// Resolver waits for the challenge by polling. It never opens a DevTools
// websocket; only the plain HTTP listing endpoint is used.
type Resolver struct {
	logger   *zap.Logger
	client   *resty.Client
	interval time.Duration
}

// NewResolver creates a Resolver polling the DevTools HTTP endpoint at
// endpoint (for example http://127.0.0.1:9222) every interval.
func NewResolver(logger *zap.Logger, endpoint string, interval time.Duration) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(endpoint, "/")).
		SetTimeout(interval + 3*time.Second).
		SetJSONUnmarshaler(json.Unmarshal)

	return &Resolver{
		logger:   logger.Named("challenge"),
		client:   client,
		interval: interval,
	}
}

// Close drops idle keep-alive connections to the endpoint.
func (r *Resolver) Close() {
	r.client.GetClient().CloseIdleConnections()
}

// List fetches the current page targets.
func (r *Resolver) List(ctx context.Context) ([]ListedPage, error) {
	var pages []ListedPage
	res, err := r.client.R().
		SetContext(ctx).
		SetResult(&pages).
		Get("/json/list")
	if err != nil {
		return nil, fmt.Errorf("challenge: listing targets: %w", err)
	}
	if res.IsError() {
		return nil, fmt.Errorf("challenge: listing targets: unexpected status %d", res.StatusCode())
	}
	return pages, nil
}

// AwaitClear polls the listing endpoint until a target of type "page" on the
// target's site has a rendered title satisfying target.IsCleared. The first
// such page is returned.
func (r *Resolver) AwaitClear(ctx context.Context, target Target, timeout time.Duration) (ListedPage, error) {
	cleared := target.IsCleared
	if cleared == nil {
		cleared = DefaultCleared
	}
	site := siteOf(target.URL)
	r.logger.Info("Waiting for anti-bot challenge to clear", zap.String("url", target.URL), zap.Duration("timeout", timeout))

	var (
		found     ListedPage
		lastTitle string
	)
	err := r.poll(ctx, timeout, func(pollCtx context.Context) bool {
		pages, err := r.List(pollCtx)
		if err != nil {
			// The browser may still be starting up.
			r.logger.Debug("Listing endpoint not ready", zap.Error(err))
			return false
		}
		for _, p := range pages {
			if p.Type != "page" {
				continue
			}
			if site != "" && siteOf(p.URL) != site {
				continue
			}
			lastTitle = p.Title
			if !titleIsURL(p.Title, p.URL) && cleared(p.Title) {
				found = p
				return true
			}
		}
		return false
	})
	if err != nil {
		return ListedPage{}, r.wrap(err, target.URL, lastTitle)
	}
	r.logger.Info("Challenge cleared", zap.String("title", found.Title), zap.String("target_id", found.ID))
	return found, nil
}

// AwaitPage applies the same check to a page that is already attached.
func (r *Resolver) AwaitPage(ctx context.Context, page TitleSource, target Target, timeout time.Duration) error {
	cleared := target.IsCleared
	if cleared == nil {
		cleared = DefaultCleared
	}

	var lastTitle string
	err := r.poll(ctx, timeout, func(pollCtx context.Context) bool {
		title, err := page.Title(pollCtx)
		if err != nil {
			r.logger.Debug("Could not read page title", zap.Error(err))
			return false
		}
		lastTitle = title
		return cleared(title)
	})
	if err != nil {
		return r.wrap(err, target.URL, lastTitle)
	}
	return nil
}

// siteOf returns the registrable domain of raw, or "" when it has no host.
func siteOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	site, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return site
}

// titleIsURL reports whether title is still the page address, which is what
// the listing shows before the document has rendered.
func titleIsURL(title, pageURL string) bool {
	t := strings.TrimSpace(title)
	if t == "" || pageURL == "" {
		return false
	}
	strip := func(s string) string {
		if i := strings.Index(s, "://"); i >= 0 {
			s = s[i+3:]
		}
		return strings.TrimSuffix(s, "/")
	}
	return strings.HasPrefix(strip(pageURL), strip(t))
}

// poll runs check immediately and then once per interval until it returns
// true or the window closes.
func (r *Resolver) poll(ctx context.Context, timeout time.Duration, check func(context.Context) bool) error {
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(r.interval), 1)
	for {
		if err := limiter.Wait(pollCtx); err != nil {
			// Wait fails early when the next token lies past the deadline.
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return ErrChallengeTimeout
		}
		if check(pollCtx) {
			return nil
		}
	}
}

func (r *Resolver) wrap(err error, url, lastTitle string) error {
	if errors.Is(err, ErrChallengeTimeout) {
		r.logger.Warn("Challenge did not clear in time", zap.String("url", url), zap.String("last_title", lastTitle))
		return fmt.Errorf("%w (url %s, last title %q)", ErrChallengeTimeout, url, lastTitle)
	}
	return err
}
