// Package browsertest provides an in-memory browser.Page for tests.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"gradewatch/internal/browser"
	"gradewatch/pkg/htmlutil"

	"github.com/PuerkitoBio/goquery"
)

var ErrNotVisible = errors.New("browsertest: element never became visible")

// Page is a scriptable browser.Page. Fields left nil behave as an empty
// page, hooks can be used to change state in response to navigation and
// clicks.
type Page struct {
	CurrentURL string
	PageTitle  string
	Scripts    []string
	// Alerts holds the messages of dialogs opened since the last call to
	// Dialogs.
	Alerts []string

	// Visible lists the selectors WaitVisible succeeds for.
	Visible map[string]bool
	// Attrs maps selector -> attribute name -> value.
	Attrs       map[string]map[string]string
	Screenshots map[string][]byte
	// Docs[0] is the top-level document, the rest are frames.
	Docs      []*Document
	FetchFunc func(url string) (browser.Response, error)

	// OnNavigate is called after every navigation with the navigation count
	// (starting at 1).
	OnNavigate func(p *Page, n int)
	// OnClick is called for every Page.Click.
	OnClick func(p *Page, selector string)

	Navigations int
	Filled      map[string]string
	Clicked     []string
	Fetched     []string
}

var _ browser.Page = (*Page)(nil)

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.Navigations++
	p.CurrentURL = url
	if p.OnNavigate != nil {
		p.OnNavigate(p, p.Navigations)
	}
	return nil
}

func (p *Page) URL(context.Context) (string, error) {
	return p.CurrentURL, nil
}

func (p *Page) Title(context.Context) (string, error) {
	return p.PageTitle, nil
}

func (p *Page) WaitVisible(_ context.Context, selector string, _ time.Duration) error {
	if p.Visible[selector] {
		return nil
	}
	return ErrNotVisible
}

func (p *Page) Attribute(_ context.Context, selector, name string) (string, bool, error) {
	attrs, ok := p.Attrs[selector]
	if !ok {
		return "", false, nil
	}
	value, ok := attrs[name]
	return value, ok, nil
}

func (p *Page) Screenshot(_ context.Context, selector string) ([]byte, error) {
	shot, ok := p.Screenshots[selector]
	if !ok {
		return nil, fmt.Errorf("browsertest: no screenshot for %s", selector)
	}
	return shot, nil
}

func (p *Page) Fill(_ context.Context, selector, value string) error {
	if p.Filled == nil {
		p.Filled = map[string]string{}
	}
	p.Filled[selector] = value
	return nil
}

func (p *Page) Click(_ context.Context, selector string) error {
	p.Clicked = append(p.Clicked, selector)
	if p.OnClick != nil {
		p.OnClick(p, selector)
	}
	return nil
}

func (p *Page) ScriptTexts(context.Context) ([]string, error) {
	return p.Scripts, nil
}

func (p *Page) Dialogs() []string {
	messages := p.Alerts
	p.Alerts = nil
	return messages
}

func (p *Page) Documents(context.Context) ([]browser.Document, error) {
	docs := make([]browser.Document, len(p.Docs))
	for i, d := range p.Docs {
		docs[i] = d
	}
	return docs, nil
}

func (p *Page) Fetch(_ context.Context, url string) (browser.Response, error) {
	p.Fetched = append(p.Fetched, url)
	if p.FetchFunc == nil {
		return browser.Response{Status: http.StatusNotFound}, nil
	}
	return p.FetchFunc(url)
}

// Document is a browser.Document backed by static markup, queries are
// evaluated with goquery. Markup may be replaced directly from hooks, use
// SetMarkup when replacing it from another goroutine.
type Document struct {
	DocName string
	Markup  string
	// OnClick is called when an element of this document is clicked.
	OnClick func(d *Document, e *Element)

	mutex sync.Mutex
}

func (d *Document) SetMarkup(markup string) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.Markup = markup
}

func (d *Document) markup() string {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.Markup
}

var _ browser.Document = (*Document)(nil)

func (d *Document) Name() string {
	return d.DocName
}

func (d *Document) HTML(context.Context) (string, error) {
	return d.markup(), nil
}

func (d *Document) QueryAll(_ context.Context, selector string) ([]browser.Element, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(d.markup()))
	if err != nil {
		return nil, err
	}

	var out []browser.Element
	doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
		attrs := map[string]string{}
		for _, a := range s.Nodes[0].Attr {
			attrs[a.Key] = a.Val
		}
		out = append(out, &Element{
			doc:   d,
			Tag:   goquery.NodeName(s),
			attrs: attrs,
			text:  htmlutil.SelectionText(s),
		})
	})
	return out, nil
}

type Element struct {
	Tag string

	doc   *Document
	attrs map[string]string
	text  string
}

func (e *Element) Attribute(name string) (string, bool) {
	value, ok := e.attrs[name]
	return value, ok
}

func (e *Element) Text() string {
	return e.text
}

func (e *Element) Click(context.Context) error {
	if e.doc.OnClick != nil {
		e.doc.OnClick(e.doc, e)
	}
	return nil
}
