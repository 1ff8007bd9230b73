// internal/browser/launcher.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pricewatch/internal/browser/challenge"
	"github.com/xkilldash9x/pricewatch/internal/browser/stealth"
	"github.com/xkilldash9x/pricewatch/internal/config"
	"github.com/xkilldash9x/pricewatch/internal/humanoid"
)

// Candidate executables tried in order when no path is configured.
var chromeCandidates = []string{
	"google-chrome",
	"google-chrome-stable",
	"chromium",
	"chromium-browser",
}

// ProcessLauncher starts a real browser process and attaches to it in two
// phases: the challenge is awaited over plain HTTP first and the DevTools
// websocket is only opened afterwards.
type ProcessLauncher struct {
	logger   *zap.Logger
	browser  config.BrowserConfig
	identity config.IdentityConfig
	timeouts config.TimeoutsConfig
	resolver *challenge.Resolver
	cleared  challenge.Predicate
	opts     pageOptions

	// Swapped in tests.
	freePort func(ctx context.Context, logger *zap.Logger, port int) error
	start    func(name string, args []string) (*os.Process, error)
}

// NewProcessLauncher wires a launcher from configuration.
func NewProcessLauncher(logger *zap.Logger, cfg config.Interface, human *humanoid.Humanoid, resolver *challenge.Resolver) *ProcessLauncher {
	l := &ProcessLauncher{
		logger:   logger.Named("launcher"),
		browser:  cfg.Browser(),
		identity: cfg.Identity(),
		timeouts: cfg.Timeouts(),
		resolver: resolver,
		cleared:  challenge.DefaultCleared,
		opts:     pageOptions{logger: logger, human: human},
		freePort: freePort,
		start:    startDetached,
	}
	if l.browser.Stealth {
		persona := stealth.DefaultPersona
		if loc := cfg.Site().Locale; loc != "" {
			persona.Locale = loc
		}
		l.opts.persona = &persona
	}
	return l
}

// Endpoint is the DevTools HTTP endpoint of the launched browser.
func (l *ProcessLauncher) Endpoint() string {
	return "http://127.0.0.1:" + strconv.Itoa(l.browser.DebugPort)
}

// Launch runs the full sequence: free port, build URL, spawn, settle, await
// challenge, attach.
func (l *ProcessLauncher) Launch(ctx context.Context) (Handle, error) {
	if err := l.freePort(ctx, l.logger, l.browser.DebugPort); err != nil {
		return nil, fmt.Errorf("freeing debugging port: %w", err)
	}

	authURL, err := BuildAuthorizeURL(l.identity, uuid.NewString())
	if err != nil {
		return nil, err
	}

	profileDir := filepath.Join(l.browser.ProfileRoot, "profile-"+uuid.NewString())
	if err := os.MkdirAll(profileDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating profile directory: %w", err)
	}

	name, args, err := l.command(profileDir, authURL)
	if err != nil {
		_ = os.RemoveAll(profileDir)
		return nil, err
	}
	proc, err := l.start(name, args)
	if err != nil {
		_ = os.RemoveAll(profileDir)
		return nil, fmt.Errorf("starting browser: %w", err)
	}
	l.logger.Info("Browser process started", zap.Int("pid", proc.Pid), zap.String("profile", profileDir))

	abort := func(cause error) (Handle, error) {
		if kerr := killTree(context.Background(), int32(proc.Pid)); kerr != nil {
			l.logger.Warn("Failed to kill browser after aborted launch", zap.Error(kerr))
		}
		_ = os.RemoveAll(profileDir)
		return nil, cause
	}

	settle := time.NewTimer(l.browser.SettleDelay)
	select {
	case <-settle.C:
	case <-ctx.Done():
		settle.Stop()
		return abort(ctx.Err())
	}

	// Phase one: no websocket attached yet.
	listed, err := l.resolver.AwaitClear(ctx, challenge.Target{URL: authURL, IsCleared: l.cleared}, l.timeouts.Challenge)
	if err != nil {
		return abort(err)
	}

	// Phase two.
	h, err := l.attach(listed, proc, profileDir)
	if err != nil {
		return abort(err)
	}
	return h, nil
}

// command returns the executable and arguments for the browser, wrapped in
// xvfb-run when configured.
func (l *ProcessLauncher) command(profileDir, authURL string) (string, []string, error) {
	chrome := l.browser.ExecPath
	if chrome == "" {
		for _, candidate := range chromeCandidates {
			if p, err := exec.LookPath(candidate); err == nil {
				chrome = p
				break
			}
		}
	}
	if chrome == "" {
		return "", nil, errors.New("no chrome executable found; set browser.exec_path")
	}

	args := []string{
		"--remote-debugging-port=" + strconv.Itoa(l.browser.DebugPort),
		"--user-data-dir=" + profileDir,
		"--disable-blink-features=AutomationControlled",
		"--no-first-run",
		"--no-default-browser-check",
	}
	if l.browser.WindowSize != "" {
		args = append(args, "--window-size="+l.browser.WindowSize)
	}
	args = append(args, l.browser.Args...)
	args = append(args, authURL)

	if l.browser.UseXvfb {
		return "xvfb-run", append([]string{"-a", "--server-args=-screen 0 1920x1080x24", chrome}, args...), nil
	}
	return chrome, args, nil
}

func startDetached(name string, args []string) (*os.Process, error) {
	cmd := exec.Command(name, args...)
	detach(cmd)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	// Reap the child when it eventually exits.
	go func() { _ = cmd.Wait() }()
	return cmd.Process, nil
}

// attach opens the DevTools connection on the target that cleared the
// challenge.
func (l *ProcessLauncher) attach(listed challenge.ListedPage, proc *os.Process, profileDir string) (*cdpHandle, error) {
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), l.Endpoint())
	rootCtx, rootCancel := chromedp.NewContext(allocCtx, chromedp.WithTargetID(target.ID(listed.ID)))

	idle := newIdleTracker()
	idle.listen(rootCtx)
	if err := chromedp.Run(rootCtx, page.SetLifecycleEventsEnabled(true)); err != nil {
		rootCancel()
		allocCancel()
		return nil, fmt.Errorf("attaching to target %s: %w", listed.ID, err)
	}
	// The launch page finished loading before we attached.
	idle.set(true)

	l.logger.Info("Remote-control connection attached", zap.String("target_id", listed.ID), zap.String("title", listed.Title))
	h := &cdpHandle{
		logger:      l.logger,
		rootCtx:     rootCtx,
		rootCancel:  rootCancel,
		allocCancel: allocCancel,
		pid:         int32(proc.Pid),
		profileDir:  profileDir,
		opts:        l.opts,
	}
	h.launchPage = &cdpPage{ctx: rootCtx, opts: l.opts, idle: idle, launch: true}
	return h, nil
}

// cdpHandle is a live browser process with its DevTools connection.
type cdpHandle struct {
	logger      *zap.Logger
	rootCtx     context.Context
	rootCancel  context.CancelFunc
	allocCancel context.CancelFunc
	pid         int32
	profileDir  string
	opts        pageOptions

	mu          sync.Mutex
	launchPage  *cdpPage
	launchTaken bool
	closed      bool
}

func (h *cdpHandle) Connected() bool {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed || h.rootCtx.Err() != nil {
		return false
	}
	c := chromedp.FromContext(h.rootCtx)
	if c == nil || c.Browser == nil {
		return false
	}
	select {
	case <-c.Browser.LostConnection:
		return false
	default:
		return true
	}
}

func (h *cdpHandle) TakeLaunchPage() (Context, Page, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.launchTaken || h.closed {
		return nil, nil, false
	}
	h.launchTaken = true
	return &launchContext{root: h.rootCtx, opts: h.opts}, h.launchPage, true
}

func (h *cdpHandle) NewContext(ctx context.Context) (Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !h.Connected() {
		return nil, errors.New("browser connection is closed")
	}
	return newCDPContext(h.rootCtx, h.opts)
}

func (h *cdpHandle) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	h.rootCancel()
	h.allocCancel()

	err := killTree(ctx, h.pid)
	if rmErr := os.RemoveAll(h.profileDir); rmErr != nil {
		h.logger.Warn("Failed to remove browser profile", zap.String("profile", h.profileDir), zap.Error(rmErr))
	}
	h.logger.Info("Browser process terminated", zap.Int32("pid", h.pid))
	return err
}
