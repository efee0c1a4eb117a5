// Package watcher performs a single check of the portal: log in, read the
// grade table, diff it against the stored snapshot and notify about new
// grades.
package watcher

import (
	"context"
	"errors"
	"fmt"

	"gradewatch/internal/browser"
	"gradewatch/internal/components/assert"
	"gradewatch/internal/components/chrono"
	"gradewatch/internal/components/telemetry"
	"gradewatch/internal/scrapers/jwgl"
	"gradewatch/internal/snapshot"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

const (
	report_watcher_launch  = "watcher.launch"
	report_watcher_history = "watcher.history"
	report_watcher_grades  = "watcher.new-grades"
)

var (
	tracer = telemetry.Tracer("gradewatch/watcher")
	meter  = otel.Meter("gradewatch/watcher")
)

var ErrMissingCredentials = errors.New("missing portal username or password")

// Launcher opens a fresh browser tab, `close` releases the tab and the
// browser.
type Launcher func(ctx context.Context) (page browser.Page, close func(), err error)

type LoginSession interface {
	Login(ctx context.Context, page browser.Page, creds jwgl.Credentials) (jwgl.LoginResult, error)
}

type GradeExtractor interface {
	Extract(ctx context.Context, page browser.Page) ([]snapshot.GradeRecord, error)
}

type Differ interface {
	Apply(ctx context.Context, current []snapshot.GradeRecord) ([]snapshot.GradeRecord, error)
}

type Result struct {
	Run       snapshot.RunRecord
	NewGrades []snapshot.GradeRecord
}

type Watcher struct {
	launch    Launcher
	login     LoginSession
	extractor GradeExtractor
	differ    Differ
	// history is optional
	history  snapshot.History
	time     chrono.API
	tel      telemetry.API
	newGrade metric.Int64Counter
}

func NewWatcher(
	launch Launcher,
	login LoginSession,
	extractor GradeExtractor,
	differ Differ,
	history snapshot.History,
	time chrono.API,
	tel telemetry.API,
) Watcher {
	assert.NotNil(launch)
	assert.NotNil(login)
	assert.NotNil(extractor)
	assert.NotNil(differ)
	assert.NotNil(time)
	assert.NotNil(tel)

	tel = telemetry.NewScopedAPI("watcher", tel)
	counter, err := meter.Int64Counter(
		"gradewatch.new_grades",
		metric.WithDescription("grades seen for the first time"),
	)
	if err != nil {
		tel.ReportBroken(report_watcher_grades, err)
	}

	return Watcher{
		launch:    launch,
		login:     login,
		extractor: extractor,
		differ:    differ,
		history:   history,
		time:      time,
		tel:       tel,
		newGrade:  counter,
	}
}

// Run performs one check. Missing credentials abort before the browser is
// launched, every other run is recorded in the history if there is one.
func (w Watcher) Run(ctx context.Context, creds jwgl.Credentials) (Result, error) {
	if creds.Username == "" || creds.Password == "" {
		return Result{}, ErrMissingCredentials
	}

	ctx, span := tracer.Start(ctx, "Run")
	defer span.End()

	result := Result{
		Run: snapshot.RunRecord{
			StartedAt: w.time.Now(),
			Outcome:   jwgl.Pending.String(),
		},
	}
	err := w.run(ctx, creds, &result)
	if err != nil {
		result.Run.Err = err.Error()
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(
		attribute.String("outcome", result.Run.Outcome),
		attribute.Int("new_grades", result.Run.NewGrades),
	)

	if w.history != nil {
		historyErr := w.history.RecordRun(context.WithoutCancel(ctx), result.Run)
		if historyErr != nil {
			w.tel.ReportWarning(report_watcher_history, historyErr)
		}
	}
	return result, err
}

func (w Watcher) run(ctx context.Context, creds jwgl.Credentials, result *Result) error {
	page, closeBrowser, err := w.launch(ctx)
	if err != nil {
		w.tel.ReportBroken(report_watcher_launch, err)
		return fmt.Errorf("launch browser: %w", err)
	}
	defer closeBrowser()

	login, err := w.login.Login(ctx, page, creds)
	result.Run.Outcome = login.Outcome.String()
	result.Run.Attempts = login.Attempts
	if err != nil {
		return err
	}

	records, err := w.extractor.Extract(ctx, page)
	if err != nil {
		return fmt.Errorf("extract grades: %w", err)
	}
	result.Run.Extracted = len(records)

	fresh, err := w.differ.Apply(ctx, records)
	if err != nil {
		return err
	}
	result.NewGrades = fresh
	result.Run.NewGrades = len(fresh)

	w.tel.ReportCount(report_watcher_grades, int64(len(fresh)))
	if w.newGrade != nil {
		w.newGrade.Add(ctx, int64(len(fresh)))
	}
	return nil
}
