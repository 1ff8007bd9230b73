// internal/browser/context_utils.go
package browser

import (
	"context"
	"time"
)

// CombineContext returns a context that carries the values of ctx1 (the
// chromedp target) and is canceled when either ctx1 or ctx2 is done.
func CombineContext(ctx1, ctx2 context.Context) (context.Context, context.CancelFunc) {
	combinedCtx, cancel := context.WithCancel(ctx1)
	stop := context.AfterFunc(ctx2, cancel)
	return combinedCtx, func() {
		stop()
		cancel()
	}
}

// withTimeout combines like CombineContext and also applies timeout when it
// is positive.
func withTimeout(ctx1, ctx2 context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	combined, cancel := CombineContext(ctx1, ctx2)
	if timeout <= 0 {
		return combined, cancel
	}
	timed, cancelTimeout := context.WithTimeout(combined, timeout)
	return timed, func() {
		cancelTimeout()
		cancel()
	}
}
