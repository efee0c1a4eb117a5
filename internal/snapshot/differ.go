package snapshot

import (
	"context"
	"fmt"

	"gradewatch/internal/components/assert"
	"gradewatch/internal/components/telemetry"

	"go.opentelemetry.io/otel/attribute"
)

const (
	report_differ_load = "differ.load"
	report_differ_save = "differ.save"
)

var tracer = telemetry.Tracer("gradewatch/snapshot")

// Store persists the last seen grade table. Load returns an empty slice if
// nothing has been saved yet.
type Store interface {
	Load(ctx context.Context) ([]GradeRecord, error)
	Save(ctx context.Context, records []GradeRecord) error
}

// Notifier is told about grades that were not in the previous snapshot.
// Delivery is best effort, implementations report their own failures.
type Notifier interface {
	Notify(ctx context.Context, records []GradeRecord)
}

// Differ compares freshly extracted grades with the stored snapshot.
type Differ struct {
	store    Store
	notifier Notifier
	tel      telemetry.API
}

func NewDiffer(store Store, notifier Notifier, tel telemetry.API) Differ {
	assert.NotNil(store)
	assert.NotNil(notifier)
	assert.NotNil(tel)

	return Differ{
		store:    store,
		notifier: notifier,
		tel:      telemetry.NewScopedAPI("snapshot", tel),
	}
}

// Apply returns the records of `current` that are new. If there are any,
// `current` replaces the stored snapshot and the notifier is called with
// the new records, otherwise nothing is written.
func (d Differ) Apply(ctx context.Context, current []GradeRecord) ([]GradeRecord, error) {
	ctx, span := tracer.Start(ctx, "Apply")
	defer span.End()

	previous, err := d.store.Load(ctx)
	if err != nil {
		d.tel.ReportBroken(report_differ_load, err)
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	fresh := Diff(current, previous)
	span.SetAttributes(
		attribute.Int("previous", len(previous)),
		attribute.Int("current", len(current)),
		attribute.Int("new", len(fresh)),
	)
	if len(fresh) == 0 {
		d.tel.ReportDebug("no new grades", len(current))
		return fresh, nil
	}

	err = d.store.Save(ctx, current)
	if err != nil {
		d.tel.ReportBroken(report_differ_save, err, len(current))
		return fresh, fmt.Errorf("save snapshot: %w", err)
	}
	d.notifier.Notify(ctx, fresh)
	return fresh, nil
}
