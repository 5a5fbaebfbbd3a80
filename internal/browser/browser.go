// Package browser wraps a single automated Chrome instance behind a tab-aware
// Session. Tab handles are re-resolved against the live target list whenever
// focus moves, so callers never hold a handle that outlived its tab.
package browser

import (
	"context"
	"errors"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
)

var (
	// ErrNavigation reports a page that failed to load.
	ErrNavigation = errors.New("navigation failed")
	// ErrDriverInit reports a browser that could not be started.
	ErrDriverInit = errors.New("browser driver init failed")
	// ErrElementTimeout reports elements that did not appear in time.
	ErrElementTimeout = errors.New("timed out waiting for elements")
	// ErrSessionClosed is returned by every operation after Teardown.
	ErrSessionClosed = errors.New("browser session closed")
	// ErrStaleElement reports an element whose tab is no longer focused or alive.
	ErrStaleElement = errors.New("stale element")
)

// TabRef names a tab by position in the live tab list.
type TabRef int

// Supported tab references.
const (
	TabFirst TabRef = iota
	TabLast
)

func (r TabRef) String() string {
	if r == TabLast {
		return "last"
	}
	return "first"
}

// Element is a located DOM node bound to the tab it was found in.
type Element struct {
	Index int

	tab  target.ID
	node *cdp.Node
}

// Document is the rendered state of the focused tab.
type Document struct {
	HTML string
	// PDF is set when the session prints pages to PDF.
	PDF []byte
}

// Session is one browser instance driven by a single goroutine, except for
// Teardown which may be called concurrently to abort in-flight work.
type Session interface {
	// Open navigates the primary tab.
	Open(ctx context.Context, url string) error
	// OpenInNewTab opens url in a fresh tab and focuses it.
	OpenInNewTab(ctx context.Context, url string) error
	// FindRows waits up to timeout for elements matching an XPath expression
	// in the focused tab.
	FindRows(ctx context.Context, xpath string, timeout time.Duration) ([]Element, error)
	// ClickElement clicks el through a script call.
	ClickElement(ctx context.Context, el Element) error
	// FocusNewest re-resolves live tabs and focuses the most recent one. It
	// reports whether a tab opened since the last resolution got focus.
	FocusNewest(ctx context.Context) (bool, error)
	// RowHTML returns the outer HTML of el.
	RowHTML(ctx context.Context, el Element) (string, error)
	// CaptureDocument renders the focused tab.
	CaptureDocument(ctx context.Context) (Document, error)
	// CloseCurrentTab closes the focused tab and focuses the newest survivor.
	CloseCurrentTab(ctx context.Context) error
	// SwitchTo focuses a tab resolved against the live list at call time.
	SwitchTo(ctx context.Context, ref TabRef) error
	// TabCount reports the number of tracked tabs.
	TabCount() int
	// Teardown releases the browser. It is idempotent.
	Teardown() error
}

// Factory starts a new Session.
type Factory func(ctx context.Context) (Session, error)
