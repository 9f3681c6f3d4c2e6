// Package browser exposes the small slice of a web browser the tracker needs:
// navigate, probe the DOM, type, click, screenshot and move storage state in
// and out. Locators are CSS selectors, or "text=<label>" for an element whose
// trimmed text equals label exactly.
package browser

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/louca1221/price-tracker/internal/model"
)

// TextPrefix marks a locator that matches on exact visible text.
const TextPrefix = "text="

// TextTags are the element types searched by a text locator.
const TextTags = "div, span, a, button, label"

// ErrTimeout is returned by Poll when the condition never held.
var ErrTimeout = errors.New("wait timed out")

// Page is one tab of a launched browser.
type Page interface {
	// Navigate loads url and waits for the document to be ready.
	Navigate(ctx context.Context, url string) error
	// Exists reports whether loc matches an element right now. It never waits.
	Exists(ctx context.Context, loc string) (bool, error)
	// Visible reports whether loc matches an element that is rendered. It never waits.
	Visible(ctx context.Context, loc string) (bool, error)
	// Text returns the rendered text of the first match.
	Text(ctx context.Context, loc string) (string, error)
	// Click performs a pointer click at the element's position.
	Click(ctx context.Context, loc string) error
	// DispatchClick activates the element by event dispatch, ignoring overlays.
	DispatchClick(ctx context.Context, loc string) error
	// TypeText focuses the element, clears it and types text key by key.
	TypeText(ctx context.Context, loc, text string, keyDelay time.Duration) error
	// SetValue assigns the element's value and raises input and change events.
	SetValue(ctx context.Context, loc, value string) error
	// Screenshot captures the viewport as PNG.
	Screenshot(ctx context.Context) ([]byte, error)
	// StorageState exports the browsing context's cookies and storage.
	StorageState(ctx context.Context) (model.Session, error)
	// RestoreState imports a blob previously returned by StorageState.
	RestoreState(ctx context.Context, s model.Session) error
	// Close releases the tab and the browser behind it.
	Close() error
}

// Launcher starts a browser and hands back its page.
type Launcher interface {
	Launch(ctx context.Context) (Page, error)
}

// IsTextLocator reports whether loc is a text= locator and returns its label.
func IsTextLocator(loc string) (string, bool) {
	if strings.HasPrefix(loc, TextPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(loc, TextPrefix)), true
	}
	return "", false
}

// Poll evaluates cond every interval until it returns true, the timeout
// elapses or ctx is done. cond is always evaluated at least once.
func Poll(ctx context.Context, timeout, interval time.Duration, cond func(ctx context.Context) (bool, error)) error {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	for {
		ok, err := cond(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrTimeout
		}
		wait := interval
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
