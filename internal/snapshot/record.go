// Package snapshot holds the grade table model, the diff between two grade
// tables and the stores that persist the last seen table.
package snapshot

import "fmt"

// GradeRecord is a single row of the portal's grade table, json names are the
// portal's column titles.
type GradeRecord struct {
	AcademicYear   string `json:"学年"`
	Term           string `json:"学期"`
	CourseCode     string `json:"课程代码"`
	CourseName     string `json:"课程名称"`
	CourseType     string `json:"课程性质"`
	CourseCategory string `json:"课程归属"`
	Credits        string `json:"学分"`
	Score          string `json:"成绩"`
}

// Key identifies a grade across runs, a course is graded once per term.
func (r GradeRecord) Key() string {
	return fmt.Sprintf("%s_%s_%s", r.CourseCode, r.AcademicYear, r.Term)
}

// Diff returns the records in `current` whose key does not appear in
// `previous`, in the order they appear in `current`.
func Diff(current, previous []GradeRecord) []GradeRecord {
	seen := make(map[string]struct{}, len(previous))
	for _, r := range previous {
		seen[r.Key()] = struct{}{}
	}

	fresh := []GradeRecord{}
	for _, r := range current {
		if _, ok := seen[r.Key()]; ok {
			continue
		}
		fresh = append(fresh, r)
	}
	return fresh
}
