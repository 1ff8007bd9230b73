// internal/browser/launcher_test.go
package browser

import (
	"context"
	"errors"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/pricewatch/internal/browser/challenge"
	"github.com/xkilldash9x/pricewatch/internal/config"
)

func TestBuildAuthorizeURL(t *testing.T) {
	cfg := config.NewDefaultConfig()

	raw, err := BuildAuthorizeURL(cfg.Identity(), "nonce-1")
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "identity.alza.cz", u.Host)
	assert.Equal(t, "/connect/authorize", u.Path)

	q := u.Query()
	assert.Equal(t, "alza", q.Get("client_id"))
	assert.Equal(t, "code id_token", q.Get("response_type"))
	assert.Equal(t, "openid profile alza email offline_access", q.Get("scope"))
	assert.Equal(t, "https://www.alza.cz/external/callback", q.Get("redirect_uri"))
	assert.Equal(t, "form_post", q.Get("response_mode"))
	assert.Equal(t, "nonce-1", q.Get("nonce"))
	assert.Equal(t, "cs-CZ", q.Get("ui_locales"))
	assert.Equal(t, "country:CZ registrationSource:CZ", q.Get("acr_values"))

	t.Run("nonce differs per launch", func(t *testing.T) {
		other, err := BuildAuthorizeURL(cfg.Identity(), "nonce-2")
		require.NoError(t, err)
		assert.NotEqual(t, raw, other)
	})

	t.Run("rejects bad input", func(t *testing.T) {
		_, err := BuildAuthorizeURL(cfg.Identity(), "")
		assert.Error(t, err)

		id := cfg.Identity()
		id.AuthorizeURL = "/relative"
		_, err = BuildAuthorizeURL(id, "n")
		assert.Error(t, err)
	})
}

func hasArg(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}

func testLauncher(t *testing.T, mutate func(*config.Config)) *ProcessLauncher {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.BrowserCfg.ExecPath = "/opt/chrome/chrome"
	cfg.BrowserCfg.ProfileRoot = t.TempDir()
	cfg.BrowserCfg.SettleDelay = 0
	if mutate != nil {
		mutate(cfg)
	}
	logger := zaptest.NewLogger(t)
	return NewProcessLauncher(logger, cfg, nil, challenge.NewResolver(logger, "http://127.0.0.1:1", 10*time.Millisecond))
}

func TestLauncherCommand(t *testing.T) {
	t.Run("direct", func(t *testing.T) {
		l := testLauncher(t, func(c *config.Config) { c.BrowserCfg.Args = []string{"--mute-audio"} })
		name, args, err := l.command("/tmp/profile-x", "https://identity.example/auth")
		require.NoError(t, err)

		assert.Equal(t, "/opt/chrome/chrome", name)
		assert.True(t, hasArg(args, "--remote-debugging-port=9222"))
		assert.True(t, hasArg(args, "--user-data-dir=/tmp/profile-x"))
		assert.True(t, hasArg(args, "--disable-blink-features=AutomationControlled"))
		assert.True(t, hasArg(args, "--no-first-run"))
		assert.True(t, hasArg(args, "--no-default-browser-check"))
		assert.True(t, hasArg(args, "--window-size=1366,900"))
		assert.True(t, hasArg(args, "--mute-audio"))
		assert.False(t, hasArg(args, "--enable-automation"))
		assert.Equal(t, "https://identity.example/auth", args[len(args)-1], "the URL is the last argument")
	})

	t.Run("under xvfb", func(t *testing.T) {
		l := testLauncher(t, func(c *config.Config) { c.BrowserCfg.UseXvfb = true })
		name, args, err := l.command("/tmp/p", "https://identity.example/auth")
		require.NoError(t, err)
		assert.Equal(t, "xvfb-run", name)
		assert.Equal(t, "-a", args[0])
		assert.Contains(t, args, "/opt/chrome/chrome")
	})
}

func TestLauncherEndpoint(t *testing.T) {
	l := testLauncher(t, func(c *config.Config) { c.BrowserCfg.DebugPort = 9333 })
	assert.Equal(t, "http://127.0.0.1:9333", l.Endpoint())
}

func TestLaunchAbortsOnChallengeTimeout(t *testing.T) {
	l := testLauncher(t, func(c *config.Config) { c.TimeoutsCfg.Challenge = 30 * time.Millisecond })

	var freed int
	l.freePort = func(ctx context.Context, logger *zap.Logger, port int) error {
		freed = port
		return nil
	}
	var started []string
	l.start = func(name string, args []string) (*os.Process, error) {
		started = append([]string{name}, args...)
		// Beyond pid_max, so killTree finds nothing to kill.
		return &os.Process{Pid: 1 << 22}, nil
	}

	_, err := l.Launch(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, challenge.ErrChallengeTimeout))
	assert.Equal(t, 9222, freed)
	require.NotEmpty(t, started)
	last := started[len(started)-1]
	assert.True(t, strings.HasPrefix(last, "https://identity.alza.cz/connect/authorize?"))

	entries, err := os.ReadDir(l.browser.ProfileRoot)
	require.NoError(t, err)
	assert.Empty(t, entries, "the fresh profile is removed after an aborted launch")
}

func TestLaunchStartFailure(t *testing.T) {
	l := testLauncher(t, nil)
	l.freePort = func(context.Context, *zap.Logger, int) error { return nil }
	l.start = func(string, []string) (*os.Process, error) { return nil, errors.New("exec: not found") }

	_, err := l.Launch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "starting browser")
}
