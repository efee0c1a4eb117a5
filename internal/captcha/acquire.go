package captcha

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"

	"gradewatch/internal/browser"
	"gradewatch/internal/components/assert"
	"gradewatch/internal/components/telemetry"
)

const (
	report_acquirer_wait     = "acquirer.wait"
	report_acquirer_strategy = "acquirer.strategy"
)

// DefaultSelector is the captcha <img> on the portal's login page.
const DefaultSelector = "img#icode"

// Strategy is one way of getting the captcha image bytes out of the page.
// A strategy that does not apply returns nil bytes and a nil error.
type Strategy interface {
	Name() string
	Acquire(ctx context.Context, page browser.Page, selector string) ([]byte, error)
}

type AcquirerOptions struct {
	// Selector of the captcha image, defaults to DefaultSelector.
	Selector string
	// VisibleTimeout bounds the wait for the image to become visible,
	// defaults to 5s.
	VisibleTimeout time.Duration
	// Strategies are tried in order, defaults to DefaultStrategies().
	Strategies []Strategy
}

// Acquirer obtains the raw bytes of the captcha image on the login page.
type Acquirer struct {
	selector       string
	visibleTimeout time.Duration
	strategies     []Strategy
	tel            telemetry.API
}

func NewAcquirer(opts AcquirerOptions, tel telemetry.API) Acquirer {
	assert.NotNil(tel)

	if opts.Selector == "" {
		opts.Selector = DefaultSelector
	}
	if opts.VisibleTimeout <= 0 {
		opts.VisibleTimeout = 5 * time.Second
	}
	if len(opts.Strategies) == 0 {
		opts.Strategies = DefaultStrategies()
	}

	return Acquirer{
		selector:       opts.Selector,
		visibleTimeout: opts.VisibleTimeout,
		strategies:     opts.Strategies,
		tel:            telemetry.NewScopedAPI("captcha", tel),
	}
}

// DefaultStrategies returns, in priority order: decoding an embedded data
// uri, screenshotting the element and fetching the image through the
// browser's session.
func DefaultStrategies() []Strategy {
	return []Strategy{
		EmbeddedData{},
		DirectCapture{},
		SessionFetch{},
	}
}

// Acquire returns the image bytes of the first strategy that produces any,
// false is returned if the image never becomes visible or every strategy
// fails.
func (a Acquirer) Acquire(ctx context.Context, page browser.Page) ([]byte, bool) {
	err := page.WaitVisible(ctx, a.selector, a.visibleTimeout)
	if err != nil {
		a.tel.ReportWarning(report_acquirer_wait, fmt.Errorf("wait for %s: %w", a.selector, err))
		return nil, false
	}

	for _, strategy := range a.strategies {
		img := a.runStrategy(ctx, page, strategy)
		if len(img) > 0 {
			a.tel.ReportDebug("acquired captcha", strategy.Name(), len(img))
			return img, true
		}
	}
	return nil, false
}

// runStrategy converts any failure of the strategy, panics included, into
// "no result".
func (a Acquirer) runStrategy(ctx context.Context, page browser.Page, strategy Strategy) (img []byte) {
	defer func() {
		if r := recover(); r != nil {
			a.tel.ReportWarning(report_acquirer_strategy, fmt.Errorf("panic: %v", r), strategy.Name())
			img = nil
		}
	}()

	img, err := strategy.Acquire(ctx, page, a.selector)
	if err != nil {
		a.tel.ReportWarning(report_acquirer_strategy, err, strategy.Name())
		return nil
	}
	return img
}

// EmbeddedData decodes the image directly from a `data:image/...;base64,`
// src attribute.
type EmbeddedData struct{}

func (EmbeddedData) Name() string { return "embedded-data" }

func (EmbeddedData) Acquire(ctx context.Context, page browser.Page, selector string) ([]byte, error) {
	src, ok, err := page.Attribute(ctx, selector, "src")
	if err != nil {
		return nil, err
	}
	if !ok || !strings.HasPrefix(src, "data:image") {
		return nil, nil
	}
	_, payload, found := strings.Cut(src, ",")
	if !found {
		return nil, fmt.Errorf("malformed data uri")
	}
	img, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode data uri: %w", err)
	}
	return img, nil
}

// DirectCapture screenshots the image element.
type DirectCapture struct {
	// MinSize is the size a screenshot must exceed to be accepted, defaults
	// to MinImageSize.
	MinSize int
}

func (DirectCapture) Name() string { return "direct-capture" }

func (d DirectCapture) Acquire(ctx context.Context, page browser.Page, selector string) ([]byte, error) {
	minSize := d.MinSize
	if minSize <= 0 {
		minSize = MinImageSize
	}

	shot, err := page.Screenshot(ctx, selector)
	if err != nil {
		return nil, err
	}
	if len(shot) <= minSize {
		return nil, fmt.Errorf("screenshot too small (%d bytes)", len(shot))
	}
	return shot, nil
}

// SessionFetch downloads the image's src through the browser's session so
// that the captcha matches the one the server expects.
type SessionFetch struct{}

func (SessionFetch) Name() string { return "session-fetch" }

func (SessionFetch) Acquire(ctx context.Context, page browser.Page, selector string) ([]byte, error) {
	src, ok, err := page.Attribute(ctx, selector, "src")
	if err != nil {
		return nil, err
	}
	if !ok || src == "" {
		return nil, nil
	}
	pageUrl, err := page.URL(ctx)
	if err != nil {
		return nil, err
	}
	link, err := ResolveImageURL(pageUrl, src)
	if err != nil {
		return nil, err
	}

	res, err := page.Fetch(ctx, link)
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return nil, fmt.Errorf("fetch %s: status %d", link, res.Status)
	}
	return res.Body, nil
}

// ResolveImageURL resolves an image src (root-relative, relative or
// absolute) against the url of the page it was found on.
func ResolveImageURL(pageUrl, src string) (string, error) {
	base, err := url.Parse(pageUrl)
	if err != nil {
		return "", fmt.Errorf("parse page url: %w", err)
	}
	ref, err := url.Parse(strings.TrimSpace(src))
	if err != nil {
		return "", fmt.Errorf("parse image src: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}
