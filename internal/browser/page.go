// Package browser describes the small slice of a browser automation engine
// that the portal scraper needs, and implements it on top of chromedp.
package browser

import (
	"context"
	"time"
)

// Element is a snapshot of a DOM element taken when it was queried.
type Element interface {
	Attribute(name string) (string, bool)
	// Text is the element's visible text with whitespace collapsed.
	Text() string
	Click(ctx context.Context) error
}

// Document is a single HTML document, either the top-level page or the
// content document of an embedded frame.
type Document interface {
	Name() string
	HTML(ctx context.Context) (string, error)
	// QueryAll returns every element matching the css selector, it does not
	// wait for elements to appear.
	QueryAll(ctx context.Context, selector string) ([]Element, error)
}

// Response is the result of a request made through the browser's session.
type Response struct {
	Status int
	Body   []byte
}

func (r Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Page is a single browser tab. Selectors are css selectors evaluated against
// the top-level document.
type Page interface {
	Navigate(ctx context.Context, url string) error
	URL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)

	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error
	Attribute(ctx context.Context, selector, name string) (value string, ok bool, err error)
	Screenshot(ctx context.Context, selector string) ([]byte, error)
	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	// ScriptTexts returns the text content of every inline <script>.
	ScriptTexts(ctx context.Context) ([]string, error)
	// Dialogs returns the messages of the javascript dialogs (alert,
	// confirm, prompt) opened since the last call. Dialogs are dismissed as
	// soon as they open.
	Dialogs() []string

	// Documents returns the top-level document followed by the content
	// documents of every embedded frame, in document order.
	Documents(ctx context.Context) ([]Document, error)

	// Fetch issues a GET request carrying the page's session cookies.
	Fetch(ctx context.Context, url string) (Response, error)
}

// Poll calls `cond` every `interval` until it returns true, `timeout`
// elapses or the context is cancelled. The final value of `cond` is
// returned.
func Poll(ctx context.Context, timeout, interval time.Duration, cond func(ctx context.Context) bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if cond(ctx) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
		}
	}
}
