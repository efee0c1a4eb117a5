package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"gradewatch/internal/components/assert"
	"gradewatch/internal/components/telemetry"
	"gradewatch/pkg/htmlutil"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/network"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/go-resty/resty/v2"
)

const (
	report_chrome_launch = "chrome.launch"
	report_chrome_query  = "chrome.query"
	report_chrome_fetch  = "chrome.fetch"
	report_chrome_dialog = "chrome.dialog"
)

type Options struct {
	// Headful opens a visible window, mostly useful for debugging selectors.
	Headful bool
	// ExecPath overrides the chrome binary chromedp would otherwise look for.
	ExecPath string
	// ActionTimeout bounds every single browser action, defaults to 15s.
	ActionTimeout time.Duration
}

// ChromePage implements Page with chromedp.
type ChromePage struct {
	ctx           context.Context
	actionTimeout time.Duration
	http          *resty.Client
	tel           telemetry.API

	dialogMutex sync.Mutex
	dialogs     []string
}

// Launch starts a new browser with a single tab. The returned function
// closes the browser and must always be called.
func Launch(ctx context.Context, opts Options, tel telemetry.API) (*ChromePage, func(), error) {
	assert.NotNil(tel)
	tel = telemetry.NewScopedAPI("browser", tel)

	allocOpts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", !opts.Headful),
	)
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	closeBrowser := func() {
		cancelTab()
		cancelAlloc()
	}

	var userAgent string
	err := chromedp.Run(tabCtx, chromedp.Evaluate(`navigator.userAgent`, &userAgent))
	if err != nil {
		closeBrowser()
		tel.ReportBroken(report_chrome_launch, err)
		return nil, nil, fmt.Errorf("launch browser: %w", err)
	}
	// headless chrome advertises itself in the user agent
	userAgent = strings.ReplaceAll(userAgent, "HeadlessChrome", "Chrome")

	actionTimeout := opts.ActionTimeout
	if actionTimeout <= 0 {
		actionTimeout = 15 * time.Second
	}

	page := &ChromePage{
		ctx:           tabCtx,
		actionTimeout: actionTimeout,
		http:          newSessionClient(userAgent, tel),
		tel:           tel,
	}
	// an open dialog blocks every Runtime.evaluate on the tab until it is
	// closed
	chromedp.ListenTarget(tabCtx, func(ev any) {
		opening, ok := ev.(*cdppage.EventJavascriptDialogOpening)
		if !ok {
			return
		}
		page.recordDialog(opening.Message)
		go page.dismissDialog()
	})
	return page, closeBrowser, nil
}

func (p *ChromePage) recordDialog(message string) {
	p.dialogMutex.Lock()
	defer p.dialogMutex.Unlock()
	p.dialogs = append(p.dialogs, message)
	p.tel.ReportDebug("dialog opened", message)
}

func (p *ChromePage) dismissDialog() {
	err := p.run(context.Background(), p.actionTimeout, cdppage.HandleJavaScriptDialog(false))
	if err != nil {
		p.tel.ReportBroken(report_chrome_dialog, err)
	}
}

// Dialogs returns the messages of the dialogs opened since the last call.
func (p *ChromePage) Dialogs() []string {
	p.dialogMutex.Lock()
	defer p.dialogMutex.Unlock()
	messages := p.dialogs
	p.dialogs = nil
	return messages
}

// run executes chromedp actions against the tab, bounded by both the
// caller's context and the action timeout.
func (p *ChromePage) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(runCtx, actions...)
}

func (p *ChromePage) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, p.actionTimeout, chromedp.Navigate(url))
}

func (p *ChromePage) URL(ctx context.Context) (string, error) {
	var location string
	err := p.run(ctx, p.actionTimeout, chromedp.Location(&location))
	return location, err
}

func (p *ChromePage) Title(ctx context.Context) (string, error) {
	var title string
	err := p.run(ctx, p.actionTimeout, chromedp.Title(&title))
	return title, err
}

func (p *ChromePage) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	return p.run(ctx, timeout, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (p *ChromePage) Attribute(ctx context.Context, selector, name string) (string, bool, error) {
	var value string
	var ok bool
	err := p.run(ctx, p.actionTimeout, chromedp.AttributeValue(selector, name, &value, &ok, chromedp.ByQuery))
	return value, ok, err
}

func (p *ChromePage) Screenshot(ctx context.Context, selector string) ([]byte, error) {
	var buf []byte
	err := p.run(ctx, p.actionTimeout, chromedp.Screenshot(selector, &buf, chromedp.NodeVisible, chromedp.ByQuery))
	return buf, err
}

func (p *ChromePage) Fill(ctx context.Context, selector, value string) error {
	return p.run(ctx, p.actionTimeout, chromedp.SetValue(selector, value, chromedp.ByQuery))
}

func (p *ChromePage) Click(ctx context.Context, selector string) error {
	return p.run(ctx, p.actionTimeout, chromedp.Click(selector, chromedp.ByQuery))
}

func (p *ChromePage) ScriptTexts(ctx context.Context) ([]string, error) {
	var texts []string
	err := p.run(
		ctx, p.actionTimeout,
		chromedp.Evaluate(`Array.from(document.scripts).map((s) => s.textContent || "")`, &texts),
	)
	return texts, err
}

func (p *ChromePage) Documents(ctx context.Context) ([]Document, error) {
	var frames []*cdp.Node
	err := p.run(
		ctx, p.actionTimeout,
		chromedp.Nodes("iframe, frame", &frames, chromedp.ByQueryAll, chromedp.AtLeast(0)),
	)
	if err != nil {
		p.tel.ReportBroken(report_chrome_query, fmt.Errorf("list frames: %w", err))
		return nil, err
	}

	docs := make([]Document, 0, len(frames)+1)
	docs = append(docs, chromeDocument{page: p, name: "top"})
	for i, frame := range frames {
		name := frame.AttributeValue("name")
		if name == "" {
			name = fmt.Sprintf("frame-%d", i)
		}
		docs = append(docs, chromeDocument{page: p, frame: frame, name: name})
	}
	return docs, nil
}

func (p *ChromePage) Fetch(ctx context.Context, url string) (Response, error) {
	var cookies []*network.Cookie
	err := p.run(ctx, p.actionTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = network.GetCookies().WithUrls([]string{url}).Do(ctx)
		return err
	}))
	if err != nil {
		p.tel.ReportBroken(report_chrome_fetch, fmt.Errorf("get cookies: %w", err), url)
		return Response{}, err
	}

	return sessionGet(ctx, p.http, url, cookies)
}

type chromeDocument struct {
	page  *ChromePage
	frame *cdp.Node
	name  string
}

func (d chromeDocument) Name() string {
	return d.name
}

func (d chromeDocument) queryOpts(opts ...chromedp.QueryOption) []chromedp.QueryOption {
	if d.frame != nil {
		opts = append(opts, chromedp.FromNode(d.frame))
	}
	return opts
}

func (d chromeDocument) HTML(ctx context.Context) (string, error) {
	var markup string
	err := d.page.run(
		ctx, d.page.actionTimeout,
		chromedp.OuterHTML("html", &markup, d.queryOpts(chromedp.ByQuery)...),
	)
	return markup, err
}

func (d chromeDocument) QueryAll(ctx context.Context, selector string) ([]Element, error) {
	var nodes []*cdp.Node
	var elements []Element
	err := d.page.run(
		ctx, d.page.actionTimeout,
		chromedp.Nodes(selector, &nodes, d.queryOpts(chromedp.ByQueryAll, chromedp.AtLeast(0))...),
		chromedp.ActionFunc(func(ctx context.Context) error {
			for _, node := range nodes {
				outer, err := dom.GetOuterHTML().WithNodeID(node.NodeID).Do(ctx)
				if err != nil {
					return fmt.Errorf("outer html of <%s>: %w", node.LocalName, err)
				}
				elements = append(elements, newChromeElement(d.page, node, outer))
			}
			return nil
		}),
	)
	if err != nil {
		d.page.tel.ReportBroken(report_chrome_query, err, d.name, selector)
		return nil, err
	}
	return elements, nil
}

type chromeElement struct {
	page  *ChromePage
	node  *cdp.Node
	attrs map[string]string
	text  string
}

func newChromeElement(page *ChromePage, node *cdp.Node, outer string) chromeElement {
	attrs := map[string]string{}
	for i := 0; i+1 < len(node.Attributes); i += 2 {
		attrs[node.Attributes[i]] = node.Attributes[i+1]
	}

	var text string
	doc, err := htmlutil.ParseFragment(outer)
	if err == nil {
		text = htmlutil.SelectionText(doc.Selection)
	}

	return chromeElement{page: page, node: node, attrs: attrs, text: text}
}

func (e chromeElement) Attribute(name string) (string, bool) {
	value, ok := e.attrs[name]
	return value, ok
}

func (e chromeElement) Text() string {
	return e.text
}

// Click dispatches a DOM click on the element, this works the same for
// elements inside frames and does not depend on the element being scrolled
// into view.
func (e chromeElement) Click(ctx context.Context) error {
	return e.page.run(ctx, e.page.actionTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
		obj, err := dom.ResolveNode().WithNodeID(e.node.NodeID).Do(ctx)
		if err != nil {
			return fmt.Errorf("resolve node: %w", err)
		}
		_, exception, err := runtime.CallFunctionOn(`function() { this.click(); }`).
			WithObjectID(obj.ObjectID).
			Do(ctx)
		if err != nil {
			return err
		}
		if exception != nil {
			return fmt.Errorf("click: %s", exception.Text)
		}
		return nil
	}))
}
