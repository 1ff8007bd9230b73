// internal/browser/cdp.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pricewatch/internal/browser/stealth"
	"github.com/xkilldash9x/pricewatch/internal/humanoid"
)

// pageOptions is shared by every page created through one handle.
type pageOptions struct {
	logger  *zap.Logger
	human   *humanoid.Humanoid
	persona *stealth.Persona
}

// idleTracker follows the main lifecycle events of a page.
type idleTracker struct {
	mu      sync.Mutex
	idle    bool
	changed chan struct{}
}

func newIdleTracker() *idleTracker {
	return &idleTracker{changed: make(chan struct{})}
}

func (t *idleTracker) set(idle bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.idle = idle
	close(t.changed)
	t.changed = make(chan struct{})
}

func (t *idleTracker) wait(ctx context.Context) error {
	for {
		t.mu.Lock()
		idle, ch := t.idle, t.changed
		t.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (t *idleTracker) listen(ctx context.Context) {
	chromedp.ListenTarget(ctx, func(ev interface{}) {
		e, ok := ev.(*page.EventLifecycleEvent)
		if !ok {
			return
		}
		switch e.Name {
		case "init":
			t.set(false)
		case "networkIdle":
			t.set(true)
		}
	})
}

// cdpPage is a Page backed by a chromedp target context.
type cdpPage struct {
	ctx    context.Context
	opts   pageOptions
	idle   *idleTracker
	launch bool

	closeOnce sync.Once
	closeErr  error
}

// newCDPPage opens a tab in the browser context of parent and prepares it.
func newCDPPage(parent context.Context, opts pageOptions) (*cdpPage, error) {
	pageCtx, cancel := chromedp.NewContext(parent)
	p := &cdpPage{ctx: pageCtx, opts: opts, idle: newIdleTracker()}
	p.idle.listen(pageCtx)

	tasks := chromedp.Tasks{page.SetLifecycleEventsEnabled(true)}
	if opts.persona != nil {
		tasks = append(tasks, stealth.Apply(*opts.persona, opts.logger))
	}
	// The first Run creates the tab and must not carry a deadline.
	if err := chromedp.Run(pageCtx, tasks); err != nil {
		cancel()
		return nil, fmt.Errorf("opening page: %w", err)
	}
	return p, nil
}

// run executes actions on the page bounded by the caller's ctx.
func (p *cdpPage) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := withTimeout(p.ctx, ctx, timeout)
	defer cancel()
	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (p *cdpPage) Navigate(ctx context.Context, url string) error {
	if err := p.run(ctx, 0, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigating to %s: %w", url, err)
	}
	return nil
}

func (p *cdpPage) Location(ctx context.Context) (string, error) {
	var loc string
	err := p.run(ctx, 0, chromedp.Location(&loc))
	return loc, err
}

func (p *cdpPage) Title(ctx context.Context) (string, error) {
	var title string
	err := p.run(ctx, 0, chromedp.Title(&title))
	return title, err
}

func (p *cdpPage) Text(ctx context.Context) (string, error) {
	var text string
	err := p.run(ctx, 0, chromedp.Evaluate(`document.body ? document.body.innerText : ""`, &text))
	return text, err
}

func (p *cdpPage) HTML(ctx context.Context) (string, error) {
	var markup string
	err := p.run(ctx, 0, chromedp.OuterHTML("html", &markup, chromedp.ByQuery))
	return markup, err
}

func (p *cdpPage) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	err := p.run(ctx, timeout, chromedp.WaitVisible(selector, chromedp.ByQuery))
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("element %q not visible after %s: %w", selector, timeout, err)
	}
	return err
}

func (p *cdpPage) Clear(ctx context.Context, selector string) error {
	return p.run(ctx, 0, p.opts.human.Clear(selector))
}

func (p *cdpPage) Type(ctx context.Context, selector, text string) error {
	return p.run(ctx, 0, p.opts.human.Type(selector, text))
}

func (p *cdpPage) Click(ctx context.Context, selector string) error {
	return p.run(ctx, 0, p.opts.human.Click(selector))
}

func (p *cdpPage) WaitNetworkIdle(ctx context.Context, timeout time.Duration) error {
	waitCtx, cancel := withTimeout(p.ctx, ctx, timeout)
	defer cancel()
	if err := p.idle.wait(waitCtx); err != nil {
		return fmt.Errorf("page did not reach network idle within %s: %w", timeout, err)
	}
	return nil
}

// Close closes the tab. The launch page is blanked instead since its target
// carries the browser connection.
func (p *cdpPage) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		if p.launch {
			p.closeErr = p.run(ctx, 10*time.Second, chromedp.Navigate("about:blank"))
			return
		}
		p.closeErr = chromedp.Cancel(p.ctx)
	})
	return p.closeErr
}

// cdpContext is an isolated browser context. Its own anchor tab is never
// handed out, since canceling it disposes the whole context.
type cdpContext struct {
	ctx  context.Context
	opts pageOptions
	id   string
}

func newCDPContext(root context.Context, opts pageOptions) (*cdpContext, error) {
	ctx, cancel := chromedp.NewContext(root, chromedp.WithNewBrowserContext())
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("creating browser context: %w", err)
	}
	c := &cdpContext{ctx: ctx, opts: opts}
	if cc := chromedp.FromContext(ctx); cc != nil {
		c.id = string(cc.BrowserContextID)
	}
	return c, nil
}

func (c *cdpContext) ID() string { return c.id }

func (c *cdpContext) NewPage(ctx context.Context) (Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return newCDPPage(c.ctx, c.opts)
}

func (c *cdpContext) Close(context.Context) error {
	return chromedp.Cancel(c.ctx)
}

// launchContext is the default browser context the process started in.
type launchContext struct {
	root context.Context
	opts pageOptions
}

func (c *launchContext) ID() string { return "default" }

func (c *launchContext) NewPage(ctx context.Context) (Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return newCDPPage(c.root, c.opts)
}

// Close is a no-op; the default context lives as long as the browser.
func (c *launchContext) Close(context.Context) error { return nil }
