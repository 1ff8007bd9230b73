// internal/session/store.go
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pricewatch/internal/browser"
)

var (
	// ErrNoActiveSession means the account has no logged-in session.
	ErrNoActiveSession = errors.New("no active session")
	// ErrSessionExpired means the logged-in session outlived its TTL. The
	// record is evicted when this is returned.
	ErrSessionExpired = errors.New("session expired")
)

const releaseTimeout = 10 * time.Second

// Session is a snapshot of one account's session record.
type Session struct {
	Email       string
	Label       string
	State       State
	Context     browser.Context
	PhoneHint   string
	Error       string
	PendingPage browser.Page
	ExpiresAt   time.Time
}

// Status is the caller-facing view of a session.
type Status struct {
	Label     string     `json:"label"`
	State     State      `json:"state"`
	PhoneHint string     `json:"phone_hint,omitempty"`
	Error     string     `json:"error,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// record is the stored session plus bookkeeping for in-flight scrapes.
type record struct {
	Session
	users    int
	retired  bool
	released bool
}

// Store holds at most one session per account email. LoggedIn validity is
// decided when read; nothing sweeps in the background.
type Store struct {
	logger *zap.Logger
	ttl    time.Duration
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*record
}

// NewStore creates an empty Store stamping ttl on every login.
func NewStore(logger *zap.Logger, ttl time.Duration) *Store {
	return &Store{
		logger:   logger.Named("session_store"),
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[string]*record),
	}
}

// SetClock replaces the time source. For tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) expired(r *record) bool {
	return r.State == LoggedIn && !s.now().Before(r.ExpiresAt)
}

// Status reports the state of an account without mutating the store. An
// expired LoggedIn record reads as NotStarted.
func (s *Store) Status(email, label string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.sessions[email]
	if !ok || s.expired(r) {
		return Status{Label: label, State: NotStarted}
	}
	return r.status()
}

func (r *record) status() Status {
	st := Status{Label: r.Label, State: r.State, PhoneHint: r.PhoneHint, Error: r.Error}
	if r.State == LoggedIn {
		exp := r.ExpiresAt
		st.ExpiresAt = &exp
	}
	return st
}

// Get returns a snapshot of the stored record, expired or not.
func (s *Store) Get(email string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.sessions[email]
	if !ok {
		return Session{}, false
	}
	return r.Session, true
}

// Begin starts a new session for the account, superseding and releasing any
// previous one.
func (s *Store) Begin(ctx context.Context, email, label string) {
	s.mu.Lock()
	old := s.sessions[email]
	s.sessions[email] = &record{Session: Session{Email: email, Label: label, State: AwaitingChallenge}}
	release := s.retireLocked(old)
	s.mu.Unlock()

	if release != nil {
		s.logger.Debug("Superseding previous session", zap.String("account", label))
		release(ctx)
	}
}

// Update applies fn to the stored record. It returns false when there is no
// record for email.
func (s *Store) Update(email string, fn func(*Session)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.sessions[email]
	if !ok {
		return false
	}
	fn(&r.Session)
	return true
}

// MarkLoggedIn promotes the session and stamps a fresh expiry.
func (s *Store) MarkLoggedIn(email string) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.sessions[email]
	if !ok {
		return Status{}, false
	}
	r.State = LoggedIn
	r.Error = ""
	r.PhoneHint = ""
	r.PendingPage = nil
	r.ExpiresAt = s.now().Add(s.ttl)
	return r.status(), true
}

// Acquire returns the account's session if it is LoggedIn and unexpired. The
// returned release func must be called once the caller stops using the
// session's browsing context. An expired record is evicted.
func (s *Store) Acquire(ctx context.Context, email, label string) (Session, func(), error) {
	s.mu.Lock()
	r, ok := s.sessions[email]
	if !ok || r.State != LoggedIn {
		s.mu.Unlock()
		return Session{}, nil, fmt.Errorf("%w for account %q", ErrNoActiveSession, label)
	}
	if s.expired(r) {
		delete(s.sessions, email)
		release := s.retireLocked(r)
		s.mu.Unlock()
		s.logger.Info("Evicting expired session", zap.String("account", label))
		if release != nil {
			release(ctx)
		}
		return Session{}, nil, fmt.Errorf("%w for account %q", ErrSessionExpired, label)
	}
	r.users++
	snapshot := r.Session
	s.mu.Unlock()

	var once sync.Once
	done := func() {
		once.Do(func() {
			s.mu.Lock()
			r.users--
			var release func(context.Context)
			if r.retired && r.users == 0 {
				release = s.releaseLocked(r)
			}
			s.mu.Unlock()
			if release != nil {
				release(context.Background())
			}
		})
	}
	return snapshot, done, nil
}

// Discard removes the account's session and releases its resources.
func (s *Store) Discard(ctx context.Context, email string) {
	s.mu.Lock()
	r := s.sessions[email]
	delete(s.sessions, email)
	release := s.retireLocked(r)
	s.mu.Unlock()
	if release != nil {
		release(ctx)
	}
}

// ReleaseAll drops every session and closes all pages and contexts, including
// those still used by in-flight scrapes.
func (s *Store) ReleaseAll(ctx context.Context) {
	s.mu.Lock()
	var releases []func(context.Context)
	for email, r := range s.sessions {
		r.retired = true
		if release := s.releaseLocked(r); release != nil {
			releases = append(releases, release)
		}
		delete(s.sessions, email)
	}
	s.mu.Unlock()
	for _, release := range releases {
		release(ctx)
	}
}

// Labels returns the labels of all stored records, sorted.
func (s *Store) Labels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	labels := make([]string, 0, len(s.sessions))
	for _, r := range s.sessions {
		labels = append(labels, r.Label)
	}
	sort.Strings(labels)
	return labels
}

// retireLocked marks r as no longer stored. It returns the release to run
// outside the lock, or nil when r is still in use or absent.
func (s *Store) retireLocked(r *record) func(context.Context) {
	if r == nil || r.retired {
		return nil
	}
	r.retired = true
	if r.users > 0 {
		return nil
	}
	return s.releaseLocked(r)
}

// releaseLocked returns the func closing r's page and context, at most once.
func (s *Store) releaseLocked(r *record) func(context.Context) {
	if r.released {
		return nil
	}
	r.released = true
	sess, logger := r.Session, s.logger
	if sess.PendingPage == nil && sess.Context == nil {
		return nil
	}
	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if sess.PendingPage != nil {
			if err := sess.PendingPage.Close(ctx); err != nil {
				logger.Warn("Failed to close pending page", zap.String("account", sess.Label), zap.Error(err))
			}
		}
		if sess.Context != nil {
			if err := sess.Context.Close(ctx); err != nil {
				logger.Warn("Failed to close browsing context", zap.String("account", sess.Label), zap.Error(err))
			}
		}
	}
}
