// Package notify delivers new grades to the student.
package notify

import (
	"context"
	"fmt"
	"strings"

	"gradewatch/internal/snapshot"
)

// FormatMessage renders the text sent for new grades.
func FormatMessage(records []snapshot.GradeRecord) string {
	var sb strings.Builder
	sb.WriteString("🎉 发现新成绩：\n\n")
	for _, r := range records {
		fmt.Fprintf(&sb, "📚 %s\n   成绩: %s | 学分: %s\n\n", r.CourseName, r.Score, r.Credits)
	}
	return sb.String()
}

// Multi sends to every notifier in order.
type Multi []snapshot.Notifier

func (m Multi) Notify(ctx context.Context, records []snapshot.GradeRecord) {
	for _, n := range m {
		n.Notify(ctx, records)
	}
}
