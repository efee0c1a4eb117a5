package snapshot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gradewatch/internal/components/telemetry"
	"gradewatch/internal/components/telemetry/telemetrytest"
	"gradewatch/internal/db"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
)

func grade(code, year, term, score string) GradeRecord {
	return GradeRecord{
		AcademicYear:   year,
		Term:           term,
		CourseCode:     code,
		CourseName:     "课程" + code,
		CourseType:     "必修课",
		CourseCategory: "",
		Credits:        "3.0",
		Score:          score,
	}
}

type recordingNotifier struct {
	calls [][]GradeRecord
}

func (n *recordingNotifier) Notify(_ context.Context, records []GradeRecord) {
	n.calls = append(n.calls, records)
}

type memoryStore struct {
	records []GradeRecord
	saves   int
	loadErr error
}

func (s *memoryStore) Load(context.Context) ([]GradeRecord, error) {
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return append([]GradeRecord{}, s.records...), nil
}

func (s *memoryStore) Save(_ context.Context, records []GradeRecord) error {
	s.saves++
	s.records = append([]GradeRecord{}, records...)
	return nil
}

func TestKey(t *testing.T) {
	r := grade("B7012345", "2023-2024", "1", "90")
	require.Equal(t, "B7012345_2023-2024_1", r.Key())

	// same course retaken in another term is a different grade
	require.NotEqual(t, r.Key(), grade("B7012345", "2023-2024", "2", "90").Key())
	// a changed score doesn't change the key
	require.Equal(t, r.Key(), grade("B7012345", "2023-2024", "1", "95").Key())
}

func TestDiff(t *testing.T) {
	a := grade("A", "2023-2024", "1", "90")
	b := grade("B", "2023-2024", "1", "85")
	c := grade("C", "2023-2024", "2", "77")

	table := []struct {
		name     string
		current  []GradeRecord
		previous []GradeRecord
		expected []GradeRecord
	}{
		{name: "empty", expected: []GradeRecord{}},
		{name: "first run", current: []GradeRecord{a, b}, expected: []GradeRecord{a, b}},
		{name: "unchanged", current: []GradeRecord{a, b}, previous: []GradeRecord{a, b}, expected: []GradeRecord{}},
		{
			name:     "order preserved",
			current:  []GradeRecord{c, a, b},
			previous: []GradeRecord{a},
			expected: []GradeRecord{c, b},
		},
		{
			name:     "removed rows are ignored",
			current:  []GradeRecord{a},
			previous: []GradeRecord{a, b, c},
			expected: []GradeRecord{},
		},
		{
			name:     "score change is not new",
			current:  []GradeRecord{grade("A", "2023-2024", "1", "60")},
			previous: []GradeRecord{a},
			expected: []GradeRecord{},
		},
	}

	for _, test := range table {
		t.Run(test.name, func(t *testing.T) {
			diff := cmp.Diff(test.expected, Diff(test.current, test.previous))
			require.Empty(t, diff)
		})
	}
}

func TestDiffIdempotent(t *testing.T) {
	current := []GradeRecord{
		grade("A", "2022-2023", "1", "90"),
		grade("B", "2022-2023", "2", "80"),
		grade("C", "2023-2024", "1", "70"),
	}
	require.Empty(t, Diff(current, current))

	fresh := Diff(current, current[:1])
	for _, r := range fresh {
		for _, p := range current[:1] {
			require.NotEqual(t, p.Key(), r.Key())
		}
	}
}

func TestDifferFirstRun(t *testing.T) {
	store := &memoryStore{}
	notifier := &recordingNotifier{}
	differ := NewDiffer(store, notifier, telemetry.SlogAPI{})

	a := grade("A", "2023-2024", "1", "90")
	b := grade("B", "2023-2024", "1", "85")

	fresh, err := differ.Apply(context.Background(), []GradeRecord{a, b})
	require.NoError(t, err)
	require.Equal(t, []GradeRecord{a, b}, fresh)
	require.Equal(t, []GradeRecord{a, b}, store.records)
	require.Equal(t, [][]GradeRecord{{a, b}}, notifier.calls)
}

func TestDifferNoChange(t *testing.T) {
	a := grade("A", "2023-2024", "1", "90")
	b := grade("B", "2023-2024", "1", "85")
	store := &memoryStore{records: []GradeRecord{a, b}}
	notifier := &recordingNotifier{}
	differ := NewDiffer(store, notifier, telemetry.SlogAPI{})

	fresh, err := differ.Apply(context.Background(), []GradeRecord{b, a})
	require.NoError(t, err)
	require.Empty(t, fresh)
	require.Zero(t, store.saves)
	require.Empty(t, notifier.calls)
}

func TestDifferNewRowReplacesSnapshot(t *testing.T) {
	a := grade("A", "2023-2024", "1", "90")
	b := grade("B", "2023-2024", "1", "85")
	c := grade("C", "2023-2024", "2", "77")
	store := &memoryStore{records: []GradeRecord{a, b}}
	notifier := &recordingNotifier{}
	differ := NewDiffer(store, notifier, telemetry.SlogAPI{})

	fresh, err := differ.Apply(context.Background(), []GradeRecord{a, b, c})
	require.NoError(t, err)
	require.Equal(t, []GradeRecord{c}, fresh)
	require.Equal(t, []GradeRecord{a, b, c}, store.records)
	require.Equal(t, [][]GradeRecord{{c}}, notifier.calls)
}

func TestDifferLoadError(t *testing.T) {
	rec := &telemetrytest.Recorder{}
	store := &memoryStore{loadErr: errors.New("disk on fire")}
	notifier := &recordingNotifier{}

	_, err := NewDiffer(store, notifier, rec).Apply(context.Background(), []GradeRecord{grade("A", "1", "1", "1")})
	require.Error(t, err)
	require.Empty(t, notifier.calls)
	require.Len(t, rec.Reports("broken", report_differ_load), 1)
}

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "grades_cache.json")
	store := NewFileStore(path)

	records, err := store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, records)
	require.Empty(t, records)

	expected := []GradeRecord{
		grade("B7012345", "2023-2024", "1", "优秀"),
		grade("B7054321", "2023-2024", "2", "<60>"),
	}
	require.NoError(t, store.Save(ctx, expected))

	records, err = store.Load(ctx)
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(expected, records))

	buff, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(buff)
	require.True(t, strings.HasPrefix(content, "[\n  {\n    \"学年\": \"2023-2024\""), content)
	require.Contains(t, content, "优秀")
	require.Contains(t, content, "<60>")

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files should not be left behind")

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0644), info.Mode().Perm())
}

func TestFileStoreReadsPortalColumnNames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grades_cache.json")
	content := `[
  {
    "学年": "2023-2024",
    "学期": "1",
    "课程代码": "B7012345",
    "课程名称": "高等数学",
    "课程性质": "必修课",
    "课程归属": "",
    "学分": "5.0",
    "成绩": "92"
  }
]`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	records, err := NewFileStore(path).Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, []GradeRecord{{
		AcademicYear: "2023-2024",
		Term:         "1",
		CourseCode:   "B7012345",
		CourseName:   "高等数学",
		CourseType:   "必修课",
		Credits:      "5.0",
		Score:        "92",
	}}, records)
}

func TestFileStoreCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grades_cache.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	_, err := NewFileStore(path).Load(context.Background())
	require.Error(t, err)
}

func TestSQLStore(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	database, err := db.Open(ctx, ":memory:")
	require.NoError(t, err)
	defer database.Close()

	store := NewSQLStore(database, telemetry.SlogAPI{})

	records, err := store.Load(ctx)
	require.NoError(t, err)
	require.Empty(t, records)

	first := []GradeRecord{
		grade("A", "2023-2024", "1", "90"),
		grade("B", "2023-2024", "1", "85"),
	}
	require.NoError(t, store.Save(ctx, first))

	second := []GradeRecord{
		grade("C", "2023-2024", "2", "77"),
		first[1],
		first[0],
	}
	require.NoError(t, store.Save(ctx, second))

	records, err = store.Load(ctx)
	require.NoError(t, err)
	require.Empty(t, cmp.Diff(second, records))

	runs, err := store.Runs(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, runs)

	start := time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)
	history := []RunRecord{
		{StartedAt: start, Outcome: "success", Attempts: 3, Extracted: 2, NewGrades: 2},
		{StartedAt: start.Add(time.Hour), Outcome: "success", Attempts: 1, Extracted: 2},
		{StartedAt: start.Add(2 * time.Hour), Outcome: "failed-terminal", Attempts: 10, Err: "login failed after 10 attempts"},
	}
	for _, run := range history {
		require.NoError(t, store.RecordRun(ctx, run))
	}

	runs, err = store.Runs(ctx, 2)
	require.NoError(t, err)
	diff := cmp.Diff(
		[]RunRecord{history[2], history[1]},
		runs,
		cmpopts.EquateApproxTime(time.Second),
	)
	require.Empty(t, diff)
}
