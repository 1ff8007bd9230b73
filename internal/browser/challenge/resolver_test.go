// internal/browser/challenge/resolver_test.go
package challenge

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

// listingServer serves a /json/list that returns the next snapshot on every call,
// repeating the last one once exhausted.
func listingServer(t *testing.T, snapshots ...[]ListedPage) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/json/list" {
			http.NotFound(w, r)
			return
		}
		n := int(atomic.AddInt32(&calls, 1)) - 1
		mu.Lock()
		defer mu.Unlock()
		if n >= len(snapshots) {
			n = len(snapshots) - 1
		}
		w.Header().Set("Content-Type", "application/json; charset=UTF-8")
		_ = json.NewEncoder(w).Encode(snapshots[n])
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestDefaultCleared(t *testing.T) {
	cases := map[string]bool{
		"":                               false,
		"   ":                            false,
		"Just a moment...":               false,
		"JUST A MOMENT":                  false,
		"Please wait while we check":     false,
		"Moment, prosím...":              false,
		"Čekejte prosím":                 false,
		"Přihlášení | Alza.cz":           true,
		"iPhone 16 Pro 256GB | Alza.cz":  true,
	}
	for title, want := range cases {
		assert.Equal(t, want, DefaultCleared(title), "title %q", title)
	}
}

func TestTitleIsURL(t *testing.T) {
	assert.True(t, titleIsURL("identity.alza.cz/connect/authorize", "https://identity.alza.cz/connect/authorize?x=1"))
	assert.True(t, titleIsURL("https://www.alza.cz/", "https://www.alza.cz/"))
	assert.False(t, titleIsURL("Přihlášení | Alza.cz", "https://identity.alza.cz/Account/Login"))
	assert.False(t, titleIsURL("Alza.cz", ""))
}

func TestSiteOf(t *testing.T) {
	assert.Equal(t, "alza.cz", siteOf("https://identity.alza.cz/connect/authorize"))
	assert.Equal(t, "alza.cz", siteOf("https://WWW.ALZA.CZ/"))
	assert.Equal(t, "", siteOf("about:blank"))
	assert.Equal(t, "", siteOf("u"))
}

func TestClearedWithoutIgnoresBlankMarkers(t *testing.T) {
	p := ClearedWithout([]string{"", "  ", "loading"})
	assert.True(t, p("Home"))
	assert.False(t, p("Loading..."))
}

func TestAwaitClear(t *testing.T) {
	t.Run("clears after a few polls", func(t *testing.T) {
		srv, calls := listingServer(t,
			[]ListedPage{{ID: "A", Type: "page", Title: "Just a moment..."}},
			[]ListedPage{{ID: "W", Type: "service_worker", Title: "sw.js"}, {ID: "A", Type: "page", Title: "Čekejte..."}},
			[]ListedPage{{ID: "A", Type: "page", Title: "Přihlášení", URL: "https://identity.alza.cz/login"}},
		)
		r := NewResolver(zaptest.NewLogger(t), srv.URL, 10*time.Millisecond)
		defer r.Close()

		page, err := r.AwaitClear(context.Background(), Target{URL: "https://identity.alza.cz/connect/authorize"}, 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, "A", page.ID)
		assert.Equal(t, "https://identity.alza.cz/login", page.URL)
		assert.GreaterOrEqual(t, atomic.LoadInt32(calls), int32(3))
	})

	t.Run("non page targets are ignored", func(t *testing.T) {
		srv, _ := listingServer(t,
			[]ListedPage{{ID: "X", Type: "iframe", Title: "Cleared frame"}},
		)
		r := NewResolver(zaptest.NewLogger(t), srv.URL, 10*time.Millisecond)
		defer r.Close()

		_, err := r.AwaitClear(context.Background(), Target{URL: "u"}, 100*time.Millisecond)
		assert.ErrorIs(t, err, ErrChallengeTimeout)
	})

	t.Run("pages still loading or on another site are skipped", func(t *testing.T) {
		authorize := "https://identity.alza.cz/connect/authorize?client_id=alza&nonce=n1"
		srv, _ := listingServer(t,
			[]ListedPage{
				{ID: "N", Type: "page", Title: "New Tab", URL: "chrome://newtab/"},
				{ID: "L", Type: "page", Title: "identity.alza.cz/connect/authorize?client_id=alza", URL: authorize},
				{ID: "E", Type: "page", Title: "Example Domain", URL: "https://example.com/"},
			},
			[]ListedPage{
				{ID: "E", Type: "page", Title: "Example Domain", URL: "https://example.com/"},
				{ID: "L", Type: "page", Title: "Přihlášení | Alza.cz", URL: "https://identity.alza.cz/Account/Login"},
			},
		)
		r := NewResolver(zaptest.NewLogger(t), srv.URL, 10*time.Millisecond)
		defer r.Close()

		page, err := r.AwaitClear(context.Background(), Target{URL: authorize}, 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, "L", page.ID)
		assert.Equal(t, "Přihlášení | Alza.cz", page.Title)
	})

	t.Run("a page that never renders times out", func(t *testing.T) {
		authorize := "https://identity.alza.cz/connect/authorize"
		srv, _ := listingServer(t,
			[]ListedPage{{ID: "L", Type: "page", Title: "identity.alza.cz/connect/authorize", URL: authorize}},
		)
		r := NewResolver(zaptest.NewLogger(t), srv.URL, 10*time.Millisecond)
		defer r.Close()

		_, err := r.AwaitClear(context.Background(), Target{URL: authorize}, 80*time.Millisecond)
		assert.ErrorIs(t, err, ErrChallengeTimeout)
	})

	t.Run("times out when the challenge persists", func(t *testing.T) {
		srv, _ := listingServer(t,
			[]ListedPage{{ID: "A", Type: "page", Title: "Just a moment..."}},
		)
		r := NewResolver(zaptest.NewLogger(t), srv.URL, 10*time.Millisecond)
		defer r.Close()

		start := time.Now()
		_, err := r.AwaitClear(context.Background(), Target{URL: "u"}, 150*time.Millisecond)
		require.ErrorIs(t, err, ErrChallengeTimeout)
		assert.Contains(t, err.Error(), "Just a moment...")
		assert.Less(t, time.Since(start), 2*time.Second)
	})

	t.Run("custom predicate", func(t *testing.T) {
		srv, _ := listingServer(t,
			[]ListedPage{{ID: "A", Type: "page", Title: "Alza.cz"}},
		)
		r := NewResolver(zaptest.NewLogger(t), srv.URL, 10*time.Millisecond)
		defer r.Close()

		never := func(string) bool { return false }
		_, err := r.AwaitClear(context.Background(), Target{URL: "u", IsCleared: never}, 50*time.Millisecond)
		assert.ErrorIs(t, err, ErrChallengeTimeout)
	})

	t.Run("endpoint errors are retried", func(t *testing.T) {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`[{"id":"B","type":"page","title":"Alza.cz","url":"https://www.alza.cz/"}]`))
		}))
		defer srv.Close()
		r := NewResolver(zaptest.NewLogger(t), srv.URL, 10*time.Millisecond)
		defer r.Close()

		page, err := r.AwaitClear(context.Background(), Target{URL: "https://identity.alza.cz/connect/authorize"}, 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, "B", page.ID)
	})

	t.Run("caller cancellation is not a timeout", func(t *testing.T) {
		srv, _ := listingServer(t,
			[]ListedPage{{ID: "A", Type: "page", Title: "Just a moment..."}},
		)
		r := NewResolver(zaptest.NewLogger(t), srv.URL, 10*time.Millisecond)
		defer r.Close()

		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(30*time.Millisecond, cancel)
		_, err := r.AwaitClear(ctx, Target{URL: "u"}, 5*time.Second)
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.Canceled))
		assert.False(t, errors.Is(err, ErrChallengeTimeout))
	})
}

type fakeTitles struct {
	mu     sync.Mutex
	titles []string
	err    error
}

func (f *fakeTitles) Title(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	t := f.titles[0]
	if len(f.titles) > 1 {
		f.titles = f.titles[1:]
	}
	return t, nil
}

func TestAwaitPage(t *testing.T) {
	r := NewResolver(zaptest.NewLogger(t), "http://127.0.0.1:1", 10*time.Millisecond)

	t.Run("clears", func(t *testing.T) {
		page := &fakeTitles{titles: []string{"Just a moment...", "", "Alza.cz"}}
		assert.NoError(t, r.AwaitPage(context.Background(), page, Target{URL: "u"}, time.Second))
	})

	t.Run("title errors count as not cleared", func(t *testing.T) {
		page := &fakeTitles{err: errors.New("target closed")}
		err := r.AwaitPage(context.Background(), page, Target{URL: "u"}, 50*time.Millisecond)
		assert.ErrorIs(t, err, ErrChallengeTimeout)
	})
}
