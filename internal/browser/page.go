// internal/browser/page.go
package browser

import (
	"context"
	"time"
)

// Page is one tab inside a browsing context.
type Page interface {
	// Navigate loads url and waits for the load event.
	Navigate(ctx context.Context, url string) error
	Location(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	// Text returns the rendered text of the document body.
	Text(ctx context.Context) (string, error)
	// HTML returns the serialized document.
	HTML(ctx context.Context) (string, error)
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error
	// Clear empties the value of the field at selector.
	Clear(ctx context.Context, selector string) error
	// Type appends text to the field at selector with humanized pacing.
	Type(ctx context.Context, selector, text string) error
	Click(ctx context.Context, selector string) error
	// WaitNetworkIdle blocks until the page reports network quiescence.
	WaitNetworkIdle(ctx context.Context, timeout time.Duration) error
	Close(ctx context.Context) error
}

// Context is an isolated cookie and storage scope.
type Context interface {
	ID() string
	NewPage(ctx context.Context) (Page, error)
	Close(ctx context.Context) error
}

// Handle is a live browser process plus its remote-control connection.
type Handle interface {
	Connected() bool
	// TakeLaunchPage hands out the context and page the process was launched
	// into. It succeeds at most once per handle.
	TakeLaunchPage() (Context, Page, bool)
	NewContext(ctx context.Context) (Context, error)
	// Close drops the connection and terminates the process.
	Close(ctx context.Context) error
}

// Launcher runs the full launch sequence and returns an attached Handle.
type Launcher interface {
	Launch(ctx context.Context) (Handle, error)
}
