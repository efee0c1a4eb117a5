package jwgl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gradewatch/internal/browser"
	"gradewatch/internal/components/assert"
	"gradewatch/internal/components/telemetry"
	"gradewatch/internal/snapshot"
	"gradewatch/pkg/htmlutil"

	"github.com/PuerkitoBio/goquery"
	"github.com/antzucaro/matchr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	report_extractor_menu  = "grade-extractor.menu"
	report_extractor_query = "grade-extractor.query"
	report_extractor_parse = "grade-extractor.parse"
)

const (
	// InfoMenuLabel and GradesMenuLabel are the two menu entries that lead
	// to the grade query page.
	InfoMenuLabel   = "信息查询"
	GradesMenuLabel = "成绩查询"

	// TriggerGlyph appears in the label of the button that runs the grade
	// query.
	TriggerGlyph    = "查"
	TriggerSelector = "input[type=submit], input[type=button], button"
	TableSelector   = "table#Datagrid1"

	// MenuSimilarity is the minimum Jaro-Winkler similarity for a menu
	// anchor to match a label it doesn't contain.
	MenuSimilarity = 0.85

	gradeCells = 8
)

var (
	ErrMenuNotFound         = errors.New("menu item not found")
	ErrResultsFrameNotFound = errors.New("results frame not found")
	ErrQueryTriggerNotFound = errors.New("query trigger not found")
	ErrGradeTableNotFound   = errors.New("grade table not found")
)

type ExtractorOptions struct {
	// FrameTimeout bounds each wait for the menu, the results frame and the
	// grade table, defaults to 8s.
	FrameTimeout time.Duration
	// PollInterval defaults to 200ms.
	PollInterval time.Duration
}

// GradeExtractor navigates a logged in portal session to the grade query
// page and reads every row of the grade table.
type GradeExtractor struct {
	opts ExtractorOptions
	tel  telemetry.API
}

func NewGradeExtractor(opts ExtractorOptions, tel telemetry.API) GradeExtractor {
	assert.NotNil(tel)

	if opts.FrameTimeout <= 0 {
		opts.FrameTimeout = 8 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}
	return GradeExtractor{
		opts: opts,
		tel:  telemetry.NewScopedAPI("jwgl", tel),
	}
}

// Extract returns the grade rows in table order, the page must already be
// logged in.
func (e GradeExtractor) Extract(ctx context.Context, page browser.Page) (records []snapshot.GradeRecord, err error) {
	ctx, span := tracer.Start(ctx, "Extract")
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	for _, label := range []string{InfoMenuLabel, GradesMenuLabel} {
		err = e.clickMenu(ctx, page, label)
		if err != nil {
			e.tel.ReportWarning(report_extractor_menu, err, label)
			return nil, err
		}
	}

	doc, trigger, err := e.findTrigger(ctx, page)
	if err != nil {
		e.tel.ReportWarning(report_extractor_query, err)
		return nil, err
	}
	e.tel.ReportDebug("found query trigger", doc.Name())

	// the query page may already render an empty or stale grade table, the
	// postback is only done once the document changes
	before, err := doc.HTML(ctx)
	if err != nil {
		e.tel.ReportWarning(report_extractor_query, fmt.Errorf("read query page: %w", err))
	}

	err = trigger.Click(ctx)
	if err != nil {
		err = fmt.Errorf("click query trigger: %w", err)
		e.tel.ReportWarning(report_extractor_query, err)
		return nil, err
	}

	markup, err := e.waitForTable(ctx, page, doc.Name(), before)
	if err != nil {
		e.tel.ReportWarning(report_extractor_query, err)
		return nil, err
	}

	records, err = ParseGradeTable(markup)
	if err != nil {
		e.tel.ReportBroken(report_extractor_parse, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("records", len(records)))
	return records, nil
}

// clickMenu waits for an anchor in the top-level document matching `label`
// and clicks it.
func (e GradeExtractor) clickMenu(ctx context.Context, page browser.Page, label string) error {
	var target browser.Element
	found := browser.Poll(ctx, e.opts.FrameTimeout, e.opts.PollInterval, func(ctx context.Context) bool {
		docs, err := page.Documents(ctx)
		if err != nil || len(docs) == 0 {
			return false
		}
		anchors, err := docs[0].QueryAll(ctx, "a")
		if err != nil {
			return false
		}
		target = MatchMenu(anchors, label)
		return target != nil
	})
	if !found {
		return fmt.Errorf("%w: %s", ErrMenuNotFound, label)
	}

	err := target.Click(ctx)
	if err != nil {
		return fmt.Errorf("click menu %s: %w", label, err)
	}
	return nil
}

// MatchMenu returns the anchor whose text contains `label`, falling back to
// the anchor most similar to it if that is at least MenuSimilarity.
func MatchMenu(anchors []browser.Element, label string) browser.Element {
	var best browser.Element
	bestScore := 0.0
	for _, a := range anchors {
		text := strings.TrimSpace(a.Text())
		if text == "" {
			continue
		}
		if strings.Contains(text, label) {
			return a
		}
		score := matchr.JaroWinkler(text, label, false)
		if score > bestScore {
			best = a
			bestScore = score
		}
	}
	if bestScore >= MenuSimilarity {
		return best
	}
	return nil
}

// candidateDocuments orders the page's documents by how likely they are to
// hold the grade query: the first embedded frame, the remaining frames then
// the top-level document.
func candidateDocuments(docs []browser.Document) []browser.Document {
	if len(docs) <= 1 {
		return docs
	}
	ordered := make([]browser.Document, 0, len(docs))
	ordered = append(ordered, docs[1:]...)
	return append(ordered, docs[0])
}

// FindTrigger returns the first button in `doc` whose label contains
// TriggerGlyph.
func FindTrigger(ctx context.Context, doc browser.Document) (browser.Element, error) {
	buttons, err := doc.QueryAll(ctx, TriggerSelector)
	if err != nil {
		return nil, err
	}
	for _, b := range buttons {
		label, ok := b.Attribute("value")
		if !ok || label == "" {
			label = b.Text()
		}
		if strings.Contains(label, TriggerGlyph) {
			return b, nil
		}
	}
	return nil, nil
}

func (e GradeExtractor) findTrigger(ctx context.Context, page browser.Page) (browser.Document, browser.Element, error) {
	var (
		doc      browser.Document
		trigger  browser.Element
		hasFrame bool
	)
	found := browser.Poll(ctx, e.opts.FrameTimeout, e.opts.PollInterval, func(ctx context.Context) bool {
		docs, err := page.Documents(ctx)
		if err != nil {
			return false
		}
		hasFrame = hasFrame || len(docs) > 1
		for _, candidate := range candidateDocuments(docs) {
			el, err := FindTrigger(ctx, candidate)
			if err != nil || el == nil {
				continue
			}
			doc, trigger = candidate, el
			return true
		}
		return false
	})
	if found {
		return doc, trigger, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if !hasFrame {
		return nil, nil, ErrResultsFrameNotFound
	}
	return nil, nil, ErrQueryTriggerNotFound
}

// waitForTable polls for the grade table, preferring the document the query
// was triggered in since a postback replaces that document. Documents whose
// html is still `before` have not been replaced yet and are skipped.
func (e GradeExtractor) waitForTable(ctx context.Context, page browser.Page, name, before string) (string, error) {
	var markup string
	found := browser.Poll(ctx, e.opts.FrameTimeout, e.opts.PollInterval, func(ctx context.Context) bool {
		docs, err := page.Documents(ctx)
		if err != nil {
			return false
		}
		candidates := candidateDocuments(docs)
		for i, d := range candidates {
			if d.Name() == name && i > 0 {
				candidates[0], candidates[i] = candidates[i], candidates[0]
				break
			}
		}
		for _, d := range candidates {
			html, err := d.HTML(ctx)
			if err != nil || html == before {
				continue
			}
			tables, err := d.QueryAll(ctx, TableSelector)
			if err != nil || len(tables) == 0 {
				continue
			}
			markup = html
			return true
		}
		return false
	})
	if !found {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "", ErrGradeTableNotFound
	}
	return markup, nil
}

// ParseGradeTable reads the rows of the grade table in `markup`. The header
// row and rows with fewer than 8 cells are skipped.
func ParseGradeTable(markup string) ([]snapshot.GradeRecord, error) {
	doc, err := htmlutil.ParseDocument(markup)
	if err != nil {
		return nil, fmt.Errorf("parse grade table: %w", err)
	}

	table := doc.Find(TableSelector).First()
	if table.Length() == 0 {
		return nil, ErrGradeTableNotFound
	}

	records := []snapshot.GradeRecord{}
	table.Find("tr").Each(func(i int, row *goquery.Selection) {
		if i == 0 {
			return
		}
		cells := row.ChildrenFiltered("td")
		if cells.Length() < gradeCells {
			return
		}
		text := func(n int) string {
			return htmlutil.SelectionText(cells.Eq(n))
		}
		records = append(records, snapshot.GradeRecord{
			AcademicYear:   text(0),
			Term:           text(1),
			CourseCode:     text(2),
			CourseName:     text(3),
			CourseType:     text(4),
			CourseCategory: text(5),
			Credits:        text(6),
			Score:          text(7),
		})
	})
	return records, nil
}
