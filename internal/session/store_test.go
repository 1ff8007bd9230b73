// internal/session/store_test.go
package session

import (
	"context"
	"sync"
	"testing"
	"time"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/pricewatch/internal/browser/browsertest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := NewStore(zaptest.NewLogger(t), 10*time.Minute)
	s.SetClock(clock.Now)
	return s, clock
}

func loggedIn(t *testing.T, s *Store, email, label string) *browsertest.Context {
	t.Helper()
	bctx := &browsertest.Context{IDValue: "ctx-" + label}
	s.Begin(context.Background(), email, label)
	require.True(t, s.Update(email, func(sess *Session) { sess.Context = bctx }))
	_, ok := s.MarkLoggedIn(email)
	require.True(t, ok)
	return bctx
}

func TestStatusWithoutSessionIsNotStarted(t *testing.T) {
	s, _ := newTestStore(t)
	for _, label := range []string{"a", "b", "c"} {
		st := s.Status(label+"@example.com", label)
		assert.Equal(t, NotStarted, st.State)
		assert.Equal(t, label, st.Label)
		assert.Nil(t, st.ExpiresAt)
	}
}

func TestMarkLoggedInStampsTTL(t *testing.T) {
	s, clock := newTestStore(t)
	loggedIn(t, s, "a@example.com", "a")

	st := s.Status("a@example.com", "a")
	require.Equal(t, LoggedIn, st.State)
	require.NotNil(t, st.ExpiresAt)
	assert.Equal(t, clock.Now().Add(600000*time.Millisecond), *st.ExpiresAt)
}

func TestExpiredStatusReadsNotStartedWithoutMutation(t *testing.T) {
	s, clock := newTestStore(t)
	bctx := loggedIn(t, s, "a@example.com", "a")

	clock.Advance(10 * time.Minute)
	assert.Equal(t, NotStarted, s.Status("a@example.com", "a").State, "expiry == now counts as expired")

	stored, ok := s.Get("a@example.com")
	require.True(t, ok, "status reads never evict")
	assert.Equal(t, LoggedIn, stored.State)
	assert.False(t, bctx.Closed())
}

func TestOtherStatesDoNotExpire(t *testing.T) {
	s, clock := newTestStore(t)
	s.Begin(context.Background(), "a@example.com", "a")
	s.Update("a@example.com", func(sess *Session) {
		sess.State = VerificationRequired
		sess.PhoneHint = "*** *** 123"
	})
	clock.Advance(time.Hour)

	st := s.Status("a@example.com", "a")
	assert.Equal(t, VerificationRequired, st.State)
	assert.Equal(t, "*** *** 123", st.PhoneHint)
}

func TestBeginSupersedesAndReleases(t *testing.T) {
	s, _ := newTestStore(t)
	page := browsertest.NewPage("https://identity.alza.cz/account/verification")
	bctx := &browsertest.Context{IDValue: "old"}

	s.Begin(context.Background(), "a@example.com", "a")
	s.Update("a@example.com", func(sess *Session) {
		sess.State = VerificationRequired
		sess.Context = bctx
		sess.PendingPage = page
	})

	s.Begin(context.Background(), "a@example.com", "a")
	assert.True(t, page.Closed())
	assert.True(t, bctx.Closed())

	st := s.Status("a@example.com", "a")
	assert.Equal(t, AwaitingChallenge, st.State)
	assert.Equal(t, []string{"a"}, s.Labels(), "one entry per account")
}

func TestAcquire(t *testing.T) {
	t.Run("no session names the label", func(t *testing.T) {
		s, _ := newTestStore(t)
		_, _, err := s.Acquire(context.Background(), "a@example.com", "primary")
		require.ErrorIs(t, err, ErrNoActiveSession)
		assert.Contains(t, err.Error(), `"primary"`)
	})

	t.Run("not logged in", func(t *testing.T) {
		s, _ := newTestStore(t)
		s.Begin(context.Background(), "a@example.com", "a")
		_, _, err := s.Acquire(context.Background(), "a@example.com", "a")
		assert.ErrorIs(t, err, ErrNoActiveSession)
	})

	t.Run("live session", func(t *testing.T) {
		s, _ := newTestStore(t)
		bctx := loggedIn(t, s, "a@example.com", "a")

		sess, done, err := s.Acquire(context.Background(), "a@example.com", "a")
		require.NoError(t, err)
		defer done()
		assert.Same(t, bctx, sess.Context)
	})

	t.Run("expired session is evicted", func(t *testing.T) {
		s, clock := newTestStore(t)
		bctx := loggedIn(t, s, "a@example.com", "a")
		clock.Advance(11 * time.Minute)

		_, _, err := s.Acquire(context.Background(), "a@example.com", "a")
		require.ErrorIs(t, err, ErrSessionExpired)
		assert.True(t, bctx.Closed())
		_, ok := s.Get("a@example.com")
		assert.False(t, ok)

		_, _, err = s.Acquire(context.Background(), "a@example.com", "a")
		assert.ErrorIs(t, err, ErrNoActiveSession)
	})

	t.Run("eviction waits for in-flight users", func(t *testing.T) {
		s, clock := newTestStore(t)
		bctx := loggedIn(t, s, "a@example.com", "a")

		_, done, err := s.Acquire(context.Background(), "a@example.com", "a")
		require.NoError(t, err)

		clock.Advance(11 * time.Minute)
		_, _, err = s.Acquire(context.Background(), "a@example.com", "a")
		require.ErrorIs(t, err, ErrSessionExpired)
		assert.False(t, bctx.Closed(), "context stays open while a scrape uses it")

		done()
		assert.True(t, bctx.Closed())
		done() // idempotent
	})
}

func TestDiscardAndReleaseAll(t *testing.T) {
	s, _ := newTestStore(t)
	a := loggedIn(t, s, "a@example.com", "a")
	b := loggedIn(t, s, "b@example.com", "b")

	s.Discard(context.Background(), "a@example.com")
	assert.True(t, a.Closed())
	assert.False(t, b.Closed())

	_, done, err := s.Acquire(context.Background(), "b@example.com", "b")
	require.NoError(t, err)
	s.ReleaseAll(context.Background())
	assert.True(t, b.Closed(), "shutdown does not wait for in-flight scrapes")
	assert.Empty(t, s.Labels())
	done()
}

func TestConcurrentAccess(t *testing.T) {
	s, clock := newTestStore(t)
	loggedIn(t, s, "a@example.com", "a")

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i == 16 {
				clock.Advance(11 * time.Minute)
			}
			if _, done, err := s.Acquire(context.Background(), "a@example.com", "a"); err == nil {
				done()
			}
			_ = s.Status("a@example.com", "a")
		}(i)
	}
	wg.Wait()
	assert.Equal(t, NotStarted, s.Status("a@example.com", "a").State)
}

func TestStateNames(t *testing.T) {
	seen := map[string]bool{}
	for _, st := range States {
		name := st.String()
		assert.NotContains(t, name, "State(")
		assert.False(t, seen[name], "duplicate name %s", name)
		seen[name] = true

		var parsed State
		require.NoError(t, parsed.UnmarshalText([]byte(name)))
		assert.Equal(t, st, parsed)
	}
	assert.Equal(t, "State(42)", State(42).String())
	_, err := State(42).MarshalText()
	assert.Error(t, err)

	out, err := json.Marshal(Status{Label: "a", State: VerificationRequired})
	require.NoError(t, err)
	assert.JSONEq(t, `{"label":"a","state":"verification_required"}`, string(out))
}
