// File: internal/service/service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pricewatch/internal/browser"
	"github.com/xkilldash9x/pricewatch/internal/browser/challenge"
	"github.com/xkilldash9x/pricewatch/internal/config"
	"github.com/xkilldash9x/pricewatch/internal/extract"
	"github.com/xkilldash9x/pricewatch/internal/login"
	"github.com/xkilldash9x/pricewatch/internal/session"
)

// ErrUnknownAccount is returned for a label that is not configured.
var ErrUnknownAccount = errors.New("unknown account")

const pageCloseTimeout = 10 * time.Second

// AccountStatus pairs a configured account with its session status.
type AccountStatus struct {
	Email string `json:"email"`
	session.Status
}

// Service is the entry point for every account operation. Logins run one at
// a time; scrapes for different accounts may run concurrently.
type Service struct {
	logger     *zap.Logger
	components *Components
	accounts   []login.Account
	byLabel    map[string]login.Account
	timeouts   config.TimeoutsConfig
	cleared    challenge.Predicate
	now        func() time.Time

	loginMu  sync.Mutex
	shutdown sync.Once
}

// New builds a Service over components for the accounts in cfg.
func New(logger *zap.Logger, cfg config.Interface, components *Components) *Service {
	s := &Service{
		logger:     logger.Named("service"),
		components: components,
		byLabel:    make(map[string]login.Account, len(cfg.Accounts())),
		timeouts:   cfg.Timeouts(),
		cleared:    challenge.DefaultCleared,
		now:        time.Now,
	}
	for _, a := range cfg.Accounts() {
		acct := login.Account{Email: a.Email, Password: a.Password, Label: a.Label}
		s.accounts = append(s.accounts, acct)
		s.byLabel[a.Label] = acct
	}
	return s
}

// Accounts returns the configured accounts in configuration order.
func (s *Service) Accounts() []login.Account {
	out := make([]login.Account, len(s.accounts))
	copy(out, s.accounts)
	return out
}

func (s *Service) account(label string) (login.Account, error) {
	acct, ok := s.byLabel[label]
	if !ok {
		return login.Account{}, fmt.Errorf("%w: %q", ErrUnknownAccount, label)
	}
	return acct, nil
}

// InitiateLogin logs the account in. Login failures are reported in the
// returned status; an error means the request itself could not be served.
func (s *Service) InitiateLogin(ctx context.Context, label string) (session.Status, error) {
	acct, err := s.account(label)
	if err != nil {
		return session.Status{}, err
	}

	s.loginMu.Lock()
	defer s.loginMu.Unlock()

	st, err := s.components.Flow.Login(ctx, acct)
	return st, s.requestError(ctx, err)
}

// SubmitVerification enters a one-time code for an account awaiting one.
func (s *Service) SubmitVerification(ctx context.Context, label, code string) (session.Status, error) {
	acct, err := s.account(label)
	if err != nil {
		return session.Status{}, err
	}

	s.loginMu.Lock()
	defer s.loginMu.Unlock()

	st, err := s.components.Flow.SubmitCode(ctx, acct, code)
	if errors.Is(err, login.ErrNoPendingVerification) {
		return st, err
	}
	return st, s.requestError(ctx, err)
}

// requestError keeps the errors that mean the call was not served at all.
// Everything else is already on the session record.
func (s *Service) requestError(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, browser.ErrShutdown):
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return nil
	}
}

// Status reads the account's session without side effects.
func (s *Service) Status(label string) (session.Status, error) {
	acct, err := s.account(label)
	if err != nil {
		return session.Status{}, err
	}
	return s.components.Store.Status(acct.Email, acct.Label), nil
}

// Statuses reports every configured account.
func (s *Service) Statuses() []AccountStatus {
	out := make([]AccountStatus, 0, len(s.accounts))
	for _, acct := range s.accounts {
		out = append(out, AccountStatus{Email: acct.Email, Status: s.components.Store.Status(acct.Email, acct.Label)})
	}
	return out
}

// Scrape fetches target with the account's authenticated browsing context
// and extracts the product name and price.
func (s *Service) Scrape(ctx context.Context, label, target string) (extract.ScrapedData, error) {
	acct, err := s.account(label)
	if err != nil {
		return extract.ScrapedData{}, err
	}
	logger := s.logger.With(zap.String("account", label), zap.String("url", target))

	sess, done, err := s.components.Store.Acquire(ctx, acct.Email, acct.Label)
	if err != nil {
		return extract.ScrapedData{}, err
	}
	defer done()

	page, err := sess.Context.NewPage(ctx)
	if err != nil {
		return extract.ScrapedData{}, fmt.Errorf("opening page for account %q: %w", label, err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pageCloseTimeout)
		defer cancel()
		if cerr := page.Close(closeCtx); cerr != nil {
			logger.Debug("Closing scrape page failed", zap.Error(cerr))
		}
	}()

	markup, err := s.fetch(ctx, page, target, logger)
	if err != nil {
		return extract.ScrapedData{}, fmt.Errorf("scraping %s for account %q: %w", target, label, err)
	}

	data, err := s.components.Extractor.Extract(markup)
	if err != nil {
		return extract.ScrapedData{}, fmt.Errorf("account %q at %s: %w", label, target, err)
	}
	data.Account = label
	data.URL = target
	data.ScrapedAt = s.now().UTC()
	logger.Info("Scraped product", zap.String("product", data.ProductName), zap.Float64("price", data.Price))
	return data, nil
}

// fetch navigates and returns the rendered markup once the page is quiet
// and past the challenge.
func (s *Service) fetch(ctx context.Context, page browser.Page, target string, logger *zap.Logger) (string, error) {
	navCtx, cancel := context.WithTimeout(ctx, s.timeouts.Navigation)
	defer cancel()
	if err := page.Navigate(navCtx, target); err != nil {
		return "", fmt.Errorf("navigating: %w", err)
	}

	if err := page.WaitNetworkIdle(ctx, s.timeouts.Navigation); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		logger.Warn("Network did not go idle", zap.Duration("timeout", s.timeouts.Navigation))
		return "", fmt.Errorf("waiting for network idle: %w", err)
	}

	if err := s.components.Resolver.AwaitPage(ctx, page, challenge.Target{URL: target, IsCleared: s.cleared}, s.timeouts.Challenge); err != nil {
		return "", err
	}

	markup, err := page.HTML(ctx)
	if err != nil {
		return "", fmt.Errorf("capturing markup: %w", err)
	}
	return markup, nil
}

// Shutdown releases all sessions, closes the browser and terminates its
// process. Only the first call does anything.
func (s *Service) Shutdown(ctx context.Context) error {
	var err error
	s.shutdown.Do(func() {
		err = s.components.Shutdown(ctx, s.logger)
	})
	return err
}
