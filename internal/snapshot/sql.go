package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gradewatch/internal/components/assert"
	"gradewatch/internal/components/telemetry"
	"gradewatch/internal/db"
)

const (
	report_db_query = "db.query"
)

// RunRecord summarizes a single run of the watcher.
type RunRecord struct {
	StartedAt time.Time
	Outcome   string
	Attempts  int
	Extracted int
	NewGrades int
	Err       string
}

// History keeps a log of runs.
type History interface {
	RecordRun(ctx context.Context, run RunRecord) error
	Runs(ctx context.Context, limit int) ([]RunRecord, error)
}

// SQLStore is a Store and History backed by a database opened with db.Open.
type SQLStore struct {
	db     *sql.DB
	makeTx db.MakeTx
	tel    telemetry.API
}

func NewSQLStore(database *sql.DB, tel telemetry.API) SQLStore {
	assert.NotNil(database)
	assert.NotNil(tel)

	return SQLStore{
		db:     database,
		makeTx: db.NewMakeTx(database),
		tel:    telemetry.NewScopedAPI("snapshot", tel),
	}
}

func (s SQLStore) Load(ctx context.Context) ([]GradeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		select academic_year, term, course_code, course_name,
			course_type, course_category, credits, score
		from grade order by position`)
	if err != nil {
		s.tel.ReportBroken(report_db_query, err, "Load")
		return nil, err
	}
	defer rows.Close()

	records := []GradeRecord{}
	for rows.Next() {
		var r GradeRecord
		err = rows.Scan(
			&r.AcademicYear, &r.Term, &r.CourseCode, &r.CourseName,
			&r.CourseType, &r.CourseCategory, &r.Credits, &r.Score,
		)
		if err != nil {
			s.tel.ReportBroken(report_db_query, err, "Load")
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Save replaces every stored grade with `records` in a single transaction.
func (s SQLStore) Save(ctx context.Context, records []GradeRecord) error {
	tx, discard, commit, err := s.makeTx(ctx)
	if err != nil {
		s.tel.ReportBroken(report_db_query, fmt.Errorf("make tx: %w", err))
		return err
	}
	defer discard()

	_, err = tx.ExecContext(ctx, "delete from grade")
	if err != nil {
		s.tel.ReportBroken(report_db_query, err, "Save")
		return err
	}

	for i, r := range records {
		_, err = tx.ExecContext(ctx, `
			insert into grade(
				position, academic_year, term, course_code, course_name,
				course_type, course_category, credits, score
			) values (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			i, r.AcademicYear, r.Term, r.CourseCode, r.CourseName,
			r.CourseType, r.CourseCategory, r.Credits, r.Score,
		)
		if err != nil {
			s.tel.ReportBroken(report_db_query, err, "Save", r.Key())
			return err
		}
	}

	return commit()
}

func (s SQLStore) RecordRun(ctx context.Context, run RunRecord) error {
	_, err := s.db.ExecContext(ctx, `
		insert into run(started_at, outcome, attempts, extracted, new_grades, err)
		values (?, ?, ?, ?, ?, ?)`,
		run.StartedAt.Unix(), run.Outcome, run.Attempts,
		run.Extracted, run.NewGrades, run.Err,
	)
	if err != nil {
		s.tel.ReportBroken(report_db_query, err, "RecordRun", run)
	}
	return err
}

// Runs returns the most recent runs first.
func (s SQLStore) Runs(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		select started_at, outcome, attempts, extracted, new_grades, err
		from run order by started_at desc, id desc limit ?`, limit)
	if err != nil {
		s.tel.ReportBroken(report_db_query, err, "Runs")
		return nil, err
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var (
			run       RunRecord
			startedAt int64
		)
		err = rows.Scan(&startedAt, &run.Outcome, &run.Attempts, &run.Extracted, &run.NewGrades, &run.Err)
		if err != nil {
			s.tel.ReportBroken(report_db_query, err, "Runs")
			return nil, err
		}
		run.StartedAt = time.Unix(startedAt, 0)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
