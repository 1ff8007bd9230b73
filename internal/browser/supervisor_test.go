// internal/browser/supervisor_test.go
package browser_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/pricewatch/internal/browser"
	"github.com/xkilldash9x/pricewatch/internal/browser/browsertest"
)

func TestSupervisorConcurrentEnsureLaunchesOnce(t *testing.T) {
	defer goleak.VerifyNone(t)

	launcher := &browsertest.Launcher{Delay: 50 * time.Millisecond}
	sup := browser.NewSupervisor(zaptest.NewLogger(t), launcher)

	const callers = 16
	handles := make([]browser.Handle, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			handles[i], errs[i] = sup.Ensure(context.Background())
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, launcher.Launches(), "exactly one process launch")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, handles[0], handles[i], "every caller shares the same handle")
	}

	// Cached afterwards.
	h, err := sup.Ensure(context.Background())
	require.NoError(t, err)
	assert.Same(t, handles[0], h)
	assert.Equal(t, 1, launcher.Launches())
}

func TestSupervisorFailedLaunchIsNotCached(t *testing.T) {
	defer goleak.VerifyNone(t)

	boom := errors.New("challenge never cleared")
	launcher := &browsertest.Launcher{Err: boom}
	sup := browser.NewSupervisor(zaptest.NewLogger(t), launcher)

	_, err := sup.Ensure(context.Background())
	require.ErrorIs(t, err, boom)
	_, ok := sup.Current()
	assert.False(t, ok)

	launcher.Err = nil
	h, err := sup.Ensure(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, h)
	assert.Equal(t, 2, launcher.Launches(), "the next caller retries the full sequence")
}

func TestSupervisorFailurePropagatesToAllWaiters(t *testing.T) {
	defer goleak.VerifyNone(t)

	boom := errors.New("launch failed")
	launcher := &browsertest.Launcher{Err: boom, Delay: 30 * time.Millisecond}
	sup := browser.NewSupervisor(zaptest.NewLogger(t), launcher)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = sup.Ensure(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, 1, launcher.Launches())
}

func TestSupervisorRelaunchesAfterDisconnect(t *testing.T) {
	var created []*browsertest.Handle
	launcher := &browsertest.Launcher{Next: func() *browsertest.Handle {
		h := browsertest.NewHandle(browsertest.NewPage("about:blank"))
		created = append(created, h)
		return h
	}}
	sup := browser.NewSupervisor(zaptest.NewLogger(t), launcher)

	first, err := sup.Ensure(context.Background())
	require.NoError(t, err)
	created[0].Disconnect()

	second, err := sup.Ensure(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.True(t, created[0].Closed(), "stale handle is closed before relaunch")
	assert.Equal(t, 2, launcher.Launches())
}

func TestSupervisorCallerCancellationDoesNotAbortSharedLaunch(t *testing.T) {
	defer goleak.VerifyNone(t)

	launcher := &browsertest.Launcher{Delay: 80 * time.Millisecond}
	sup := browser.NewSupervisor(zaptest.NewLogger(t), launcher)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := sup.Ensure(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	h, err := sup.Ensure(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, h)
	assert.Equal(t, 1, launcher.Launches())
}

func TestSupervisorShutdown(t *testing.T) {
	fake := browsertest.NewHandle(browsertest.NewPage("about:blank"))
	launcher := &browsertest.Launcher{Next: func() *browsertest.Handle { return fake }}
	sup := browser.NewSupervisor(zaptest.NewLogger(t), launcher)

	require.NoError(t, sup.Shutdown(context.Background()), "shutdown without a browser is a no-op")

	sup = browser.NewSupervisor(zaptest.NewLogger(t), launcher)
	_, err := sup.Ensure(context.Background())
	require.NoError(t, err)
	require.NoError(t, sup.Shutdown(context.Background()))
	assert.True(t, fake.Closed())

	_, err = sup.Ensure(context.Background())
	assert.ErrorIs(t, err, browser.ErrShutdown)
}
