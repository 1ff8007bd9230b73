// internal/login/flow.go
package login

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pricewatch/internal/browser"
	"github.com/xkilldash9x/pricewatch/internal/browser/challenge"
	"github.com/xkilldash9x/pricewatch/internal/config"
	"github.com/xkilldash9x/pricewatch/internal/session"
)

// Account is one set of shop credentials. Label is the external key and
// Email keys the session.
type Account struct {
	Email    string
	Password string
	Label    string
}

// BrowserProvider hands out the shared browser, launching it when needed.
type BrowserProvider interface {
	Ensure(ctx context.Context) (browser.Handle, error)
}

// ChallengeWaiter waits for the anti-bot challenge on an attached page.
type ChallengeWaiter interface {
	AwaitPage(ctx context.Context, page challenge.TitleSource, target challenge.Target, timeout time.Duration) error
}

// maskedPhone matches masked digit groups such as "*** *** 123".
var maskedPhone = regexp.MustCompile(`(?:\+\d{1,3}\s*)?(?:[*•]{2,}[\s\-]*)+\d{2,4}`)

type destination int

const (
	elsewhere destination = iota
	verificationSurface
	mainSite
)

// Flow drives the login and one-time-code forms for one account at a time.
// Callers must not run two logins concurrently.
type Flow struct {
	logger    *zap.Logger
	browsers  BrowserProvider
	store     *session.Store
	challenge ChallengeWaiter
	cleared   challenge.Predicate
	identity  config.IdentityConfig
	site      config.SiteConfig
	timeouts  config.TimeoutsConfig
}

// NewFlow wires a Flow.
func NewFlow(logger *zap.Logger, cfg config.Interface, browsers BrowserProvider, store *session.Store, waiter ChallengeWaiter) *Flow {
	return &Flow{
		logger:    logger.Named("login"),
		browsers:  browsers,
		store:     store,
		challenge: waiter,
		cleared:   challenge.DefaultCleared,
		identity:  cfg.Identity(),
		site:      cfg.Site(),
		timeouts:  cfg.Timeouts(),
	}
}

// Login authenticates acct. A live LoggedIn session is returned as is.
// Failures are recorded on the session; the returned error mirrors them.
func (f *Flow) Login(ctx context.Context, acct Account) (session.Status, error) {
	logger := f.logger.With(zap.String("account", acct.Label))

	if st := f.store.Status(acct.Email, acct.Label); st.State == session.LoggedIn {
		logger.Debug("Reusing live session")
		return st, nil
	}

	f.store.Begin(ctx, acct.Email, acct.Label)

	handle, err := f.browsers.Ensure(ctx)
	if err != nil {
		return f.fail(ctx, acct, nil, fmt.Errorf("obtaining browser: %w", err))
	}

	bctx, page, err := f.openLoginPage(ctx, handle, logger)
	if bctx != nil {
		f.store.Update(acct.Email, func(s *session.Session) { s.Context = bctx })
	}
	if err != nil {
		return f.fail(ctx, acct, page, err)
	}

	sel := f.site.Selectors
	for _, s := range []string{sel.Identifier, sel.Secret} {
		if err := page.WaitVisible(ctx, s, f.timeouts.Element); err != nil {
			return f.fail(ctx, acct, page, fmt.Errorf("%w: %v", ErrLoginFormNotFound, err))
		}
	}
	if err := fill(ctx, page, sel.Identifier, acct.Email); err != nil {
		return f.fail(ctx, acct, page, fmt.Errorf("typing identifier: %w", err))
	}
	if err := fill(ctx, page, sel.Secret, acct.Password); err != nil {
		return f.fail(ctx, acct, page, fmt.Errorf("typing secret: %w", err))
	}
	if err := page.Click(ctx, sel.Submit); err != nil {
		return f.fail(ctx, acct, page, fmt.Errorf("submitting login form: %w", err))
	}
	f.setState(acct, session.FormFilled)
	logger.Info("Login form submitted")

	dest, err := f.awaitDestination(ctx, page, f.timeouts.Navigation, verificationSurface, mainSite)
	if err != nil {
		return f.fail(ctx, acct, page, err)
	}

	switch dest {
	case mainSite:
		f.closePage(ctx, page, logger)
		st, _ := f.store.MarkLoggedIn(acct.Email)
		logger.Info("Logged in", zap.Time("expires_at", *st.ExpiresAt))
		return st, nil
	case verificationSurface:
		hint := f.phoneHint(ctx, page)
		f.store.Update(acct.Email, func(s *session.Session) {
			s.State = session.VerificationRequired
			s.PendingPage = page
			s.PhoneHint = hint
			s.Error = ""
		})
		logger.Info("Verification code required", zap.String("phone_hint", hint))
		return f.store.Status(acct.Email, acct.Label), nil
	default:
		return f.fail(ctx, acct, page, f.diagnose(ctx, page, ErrUnexpectedLoginState))
	}
}

// openLoginPage returns the page showing the login form. The first account
// takes the page the browser was launched into; later accounts get a new
// isolated context and go through the challenge again.
func (f *Flow) openLoginPage(ctx context.Context, handle browser.Handle, logger *zap.Logger) (browser.Context, browser.Page, error) {
	if bctx, page, ok := handle.TakeLaunchPage(); ok {
		logger.Debug("Using launch page")
		return bctx, page, nil
	}

	bctx, err := handle.NewContext(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("creating browsing context: %w", err)
	}
	page, err := bctx.NewPage(ctx)
	if err != nil {
		return bctx, nil, fmt.Errorf("opening login page: %w", err)
	}

	authURL, err := browser.BuildAuthorizeURL(f.identity, uuid.NewString())
	if err != nil {
		return bctx, page, err
	}
	logger.Debug("Navigating new context to login", zap.String("context", bctx.ID()))
	if err := f.navigateThroughChallenge(ctx, page, authURL); err != nil {
		return bctx, page, err
	}
	return bctx, page, nil
}

// SubmitCode enters a one-time code on the retained verification page.
func (f *Flow) SubmitCode(ctx context.Context, acct Account, code string) (session.Status, error) {
	logger := f.logger.With(zap.String("account", acct.Label))

	sess, ok := f.store.Get(acct.Email)
	if !ok || sess.State != session.VerificationRequired || sess.PendingPage == nil {
		return f.store.Status(acct.Email, acct.Label), fmt.Errorf("%w for account %q", ErrNoPendingVerification, acct.Label)
	}
	page := sess.PendingPage

	loc, err := page.Location(ctx)
	if err != nil {
		return f.fail(ctx, acct, page, fmt.Errorf("reading page location: %w", err))
	}
	if f.classify(loc) != verificationSurface {
		logger.Info("Verification page navigated away; reopening", zap.String("url", loc))
		if err := f.navigateThroughChallenge(ctx, page, f.verificationURL()); err != nil {
			return f.fail(ctx, acct, page, err)
		}
	}

	if err := page.WaitVisible(ctx, f.site.Selectors.Code, f.timeouts.Element); err != nil {
		return f.fail(ctx, acct, page, fmt.Errorf("%w: verification field: %v", ErrLoginFormNotFound, err))
	}
	// The form submits itself once the code is complete.
	if err := fill(ctx, page, f.site.Selectors.Code, code); err != nil {
		return f.fail(ctx, acct, page, fmt.Errorf("typing verification code: %w", err))
	}

	dest, err := f.awaitVerdict(ctx, page)
	if err != nil {
		return f.fail(ctx, acct, page, err)
	}

	switch dest {
	case mainSite:
		f.closePage(ctx, page, logger)
		st, _ := f.store.MarkLoggedIn(acct.Email)
		logger.Info("Verification accepted; logged in")
		return st, nil
	case verificationSurface:
		f.store.Update(acct.Email, func(s *session.Session) { s.Error = MsgInvalidCode })
		logger.Warn("Verification code rejected")
		return f.store.Status(acct.Email, acct.Label), fmt.Errorf("%w for account %q", ErrVerificationCodeRejected, acct.Label)
	default:
		return f.fail(ctx, acct, page, f.diagnose(ctx, page, ErrUnexpectedLoginState))
	}
}

// fill replaces the value of the field at selector.
func fill(ctx context.Context, page browser.Page, selector, text string) error {
	if err := page.Clear(ctx, selector); err != nil {
		return err
	}
	return page.Type(ctx, selector, text)
}

// awaitVerdict waits for the redirect that follows an accepted code. A page
// still on the verification surface after the code verdict window means the
// code was rejected; a page in transit gets the rest of the navigation
// timeout.
func (f *Flow) awaitVerdict(ctx context.Context, page browser.Page) (destination, error) {
	window := f.timeouts.CodeVerdict
	if window <= 0 || window > f.timeouts.Navigation {
		window = f.timeouts.Navigation
	}
	started := time.Now()
	dest, err := f.awaitDestination(ctx, page, window, mainSite)
	if err != nil || dest != elsewhere {
		return dest, err
	}
	rest := f.timeouts.Navigation - time.Since(started)
	if rest <= 0 {
		return dest, nil
	}
	return f.awaitDestination(ctx, page, rest, mainSite)
}

func (f *Flow) navigateThroughChallenge(ctx context.Context, page browser.Page, target string) error {
	navCtx, cancel := context.WithTimeout(ctx, f.timeouts.Navigation)
	defer cancel()
	if err := page.Navigate(navCtx, target); err != nil {
		return err
	}
	return f.challenge.AwaitPage(ctx, page, challenge.Target{URL: target, IsCleared: f.cleared}, f.timeouts.Challenge)
}

// awaitDestination polls the page location until it reaches one of want or
// the timeout passes. On timeout the last classification is returned with a
// nil error; only caller cancellation yields an error.
func (f *Flow) awaitDestination(ctx context.Context, page browser.Page, timeout time.Duration, want ...destination) (destination, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	interval := f.timeouts.PollInterval
	if interval <= 0 || interval > timeout {
		interval = timeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := elsewhere
	for {
		if loc, err := page.Location(waitCtx); err == nil {
			last = f.classify(loc)
			for _, w := range want {
				if last == w {
					return last, nil
				}
			}
		}
		select {
		case <-ticker.C:
		case <-waitCtx.Done():
			if err := ctx.Err(); err != nil {
				return last, err
			}
			// Read once more; the redirect may have landed during the last tick.
			if loc, err := page.Location(ctx); err == nil {
				last = f.classify(loc)
			}
			return last, nil
		}
	}
}

func (f *Flow) classify(raw string) destination {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return elsewhere
	}
	if f.site.VerificationPath != "" && strings.Contains(strings.ToLower(u.Path), strings.ToLower(f.site.VerificationPath)) {
		return verificationSurface
	}
	if strings.EqualFold(u.Hostname(), f.site.Host) {
		return mainSite
	}
	return elsewhere
}

func (f *Flow) verificationURL() string {
	return "https://" + f.site.IdentityHost + f.site.VerificationPath
}

func (f *Flow) phoneHint(ctx context.Context, page browser.Page) string {
	text, err := page.Text(ctx)
	if err != nil {
		f.logger.Debug("Could not read verification page text", zap.Error(err))
		return ""
	}
	return PhoneHint(text)
}

// PhoneHint extracts the first masked phone number fragment from text.
func PhoneHint(text string) string {
	return strings.TrimSpace(maskedPhone.FindString(text))
}

// diagnose wraps cause with the page title, location and a text snippet.
func (f *Flow) diagnose(ctx context.Context, page browser.Page, cause error) error {
	title, _ := page.Title(ctx)
	loc, _ := page.Location(ctx)
	text, _ := page.Text(ctx)
	return fmt.Errorf("%w: title %q, url %s, text %q", cause, title, loc, snippet(text, 200))
}

func snippet(text string, max int) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= max {
		return text
	}
	return string([]rune(text)[:max]) + "…"
}

func (f *Flow) setState(acct Account, state session.State) {
	f.store.Update(acct.Email, func(s *session.Session) { s.State = state })
}

// fail records err on the session and releases page.
func (f *Flow) fail(ctx context.Context, acct Account, page browser.Page, err error) (session.Status, error) {
	logger := f.logger.With(zap.String("account", acct.Label))
	logger.Warn("Login failed", zap.Error(err))
	if page != nil {
		f.closePage(ctx, page, logger)
	}
	f.store.Update(acct.Email, func(s *session.Session) {
		s.State = session.Failed
		s.Error = err.Error()
		s.PendingPage = nil
		s.PhoneHint = ""
	})
	return f.store.Status(acct.Email, acct.Label), err
}

func (f *Flow) closePage(ctx context.Context, page browser.Page, logger *zap.Logger) {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := page.Close(closeCtx); err != nil {
		logger.Debug("Closing login page failed", zap.Error(err))
	}
}
