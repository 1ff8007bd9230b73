// Package browsertest provides scriptable in-memory implementations of the
// browser interfaces.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xkilldash9x/pricewatch/internal/browser"
)

// Page is a fake tab. Exported fields may be set before use; use the setter
// methods from hooks.
type Page struct {
	mu sync.Mutex

	URL     string
	Titles  []string // consumed one per Title call; the last one repeats
	Body    string
	Markup  string
	Visible map[string]bool

	NavigateErr error
	HTMLErr     error
	IdleErr     error

	OnNavigate func(p *Page, url string)
	OnType     func(p *Page, selector, text string)
	OnClick    func(p *Page, selector string)

	navigated []string
	typed     map[string]string
	clicked   []string
	closed    bool
}

// NewPage returns a page showing url with the given visible selectors.
func NewPage(url string, visible ...string) *Page {
	p := &Page{URL: url, Visible: map[string]bool{}}
	for _, s := range visible {
		p.Visible[s] = true
	}
	return p
}

var _ browser.Page = (*Page)(nil)

func (p *Page) SetURL(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.URL = url
}

func (p *Page) SetTitle(title string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Titles = []string{title}
}

func (p *Page) SetBody(body string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Body = body
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	if p.NavigateErr != nil {
		err := p.NavigateErr
		p.mu.Unlock()
		return err
	}
	p.navigated = append(p.navigated, url)
	p.URL = url
	hook := p.OnNavigate
	p.mu.Unlock()
	if hook != nil {
		hook(p, url)
	}
	return nil
}

func (p *Page) Location(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.URL, ctx.Err()
}

func (p *Page) Title(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Titles) == 0 {
		return "", ctx.Err()
	}
	t := p.Titles[0]
	if len(p.Titles) > 1 {
		p.Titles = p.Titles[1:]
	}
	return t, ctx.Err()
}

func (p *Page) Text(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Body, ctx.Err()
}

func (p *Page) HTML(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.HTMLErr != nil {
		return "", p.HTMLErr
	}
	return p.Markup, ctx.Err()
}

// WaitVisible does not wait: a selector missing from Visible fails at once.
func (p *Page) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Visible[selector] {
		return nil
	}
	return fmt.Errorf("element %q not visible after %s: %w", selector, timeout, context.DeadlineExceeded)
}

// Clear empties the field, like a real input.
func (p *Page) Clear(ctx context.Context, selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.Visible[selector] {
		return fmt.Errorf("cannot clear %q: not visible", selector)
	}
	delete(p.typed, selector)
	return ctx.Err()
}

// Type appends text to the field, like keystrokes into a real input.
func (p *Page) Type(ctx context.Context, selector, text string) error {
	p.mu.Lock()
	if !p.Visible[selector] {
		p.mu.Unlock()
		return fmt.Errorf("cannot type into %q: not visible", selector)
	}
	if p.typed == nil {
		p.typed = map[string]string{}
	}
	p.typed[selector] += text
	hook := p.OnType
	p.mu.Unlock()
	if hook != nil {
		hook(p, selector, text)
	}
	return ctx.Err()
}

func (p *Page) Click(ctx context.Context, selector string) error {
	p.mu.Lock()
	p.clicked = append(p.clicked, selector)
	hook := p.OnClick
	p.mu.Unlock()
	if hook != nil {
		hook(p, selector)
	}
	return ctx.Err()
}

func (p *Page) WaitNetworkIdle(ctx context.Context, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.IdleErr
}

func (p *Page) Close(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Closed reports whether Close was called.
func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Typed returns the current value of the field at selector.
func (p *Page) Typed(selector string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.typed[selector]
}

// Clicked returns the clicked selectors in order.
func (p *Page) Clicked() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.clicked...)
}

// Navigated returns every URL passed to Navigate.
func (p *Page) Navigated() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.navigated...)
}

// Context is a fake browsing context. NewPageFunc supplies its pages.
type Context struct {
	mu          sync.Mutex
	IDValue     string
	NewPageFunc func() *Page
	pages       []*Page
	closed      bool
}

var _ browser.Context = (*Context)(nil)

func (c *Context) ID() string { return c.IDValue }

func (c *Context) NewPage(ctx context.Context) (browser.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("context closed")
	}
	var p *Page
	if c.NewPageFunc != nil {
		p = c.NewPageFunc()
	} else {
		p = NewPage("about:blank")
	}
	c.pages = append(c.pages, p)
	return p, nil
}

func (c *Context) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close was called.
func (c *Context) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Pages returns the pages opened through NewPage.
func (c *Context) Pages() []*Page {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Page(nil), c.pages...)
}

// Handle is a fake browser. The launch page is handed out once.
type Handle struct {
	mu sync.Mutex

	LaunchContext *Context
	LaunchPage    *Page
	// NewContextFunc builds contexts for accounts after the first.
	NewContextFunc func() *Context

	contexts     []*Context
	launchTaken  bool
	disconnected bool
	closed       bool
}

var _ browser.Handle = (*Handle)(nil)

// NewHandle returns a handle whose launch page shows url.
func NewHandle(launchPage *Page) *Handle {
	return &Handle{
		LaunchContext: &Context{IDValue: "default"},
		LaunchPage:    launchPage,
	}
}

func (h *Handle) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.disconnected && !h.closed
}

// Disconnect simulates a dropped connection.
func (h *Handle) Disconnect() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnected = true
}

func (h *Handle) TakeLaunchPage() (browser.Context, browser.Page, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.launchTaken || h.LaunchPage == nil {
		return nil, nil, false
	}
	h.launchTaken = true
	return h.LaunchContext, h.LaunchPage, true
}

func (h *Handle) NewContext(ctx context.Context) (browser.Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	var c *Context
	if h.NewContextFunc != nil {
		c = h.NewContextFunc()
	} else {
		c = &Context{}
	}
	if c.IDValue == "" {
		c.IDValue = "ctx-" + strconv.Itoa(len(h.contexts)+1)
	}
	h.contexts = append(h.contexts, c)
	return c, nil
}

func (h *Handle) Close(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

// Closed reports whether Close was called.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Contexts returns the contexts created through NewContext.
func (h *Handle) Contexts() []*Context {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Context(nil), h.contexts...)
}

// Launcher counts launches and returns handles from Next.
type Launcher struct {
	Delay time.Duration
	Err   error
	Next  func() *Handle

	launches atomic.Int32
}

var _ browser.Launcher = (*Launcher)(nil)

func (l *Launcher) Launch(ctx context.Context) (browser.Handle, error) {
	l.launches.Add(1)
	if l.Delay > 0 {
		t := time.NewTimer(l.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if l.Err != nil {
		return nil, l.Err
	}
	if l.Next != nil {
		return l.Next(), nil
	}
	return NewHandle(NewPage("about:blank")), nil
}

// Launches returns how many times Launch ran.
func (l *Launcher) Launches() int {
	return int(l.launches.Load())
}
