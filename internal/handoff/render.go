package handoff

import (
	"fmt"
	"strings"
	"time"
)

// Render formats doc as the narrative HANDOFF.md.
func Render(doc *Document) string {
	var b strings.Builder

	b.WriteString("# Session Handoff\n\n")
	fmt.Fprintf(&b, "Created %s. %s\n\n", doc.CreatedAt.Format(time.RFC3339), doc.Reason)

	fmt.Fprintf(&b, "- Context pressure: %.0f%% (%s)\n", doc.PressureAtCreation*100, doc.Severity)
	if doc.SessionID != "" {
		fmt.Fprintf(&b, "- Session: `%s`\n", doc.SessionID)
	}
	if doc.Branch != "" {
		fmt.Fprintf(&b, "- Branch: `%s`\n", doc.Branch)
	}
	if doc.Commit != "" {
		fmt.Fprintf(&b, "- Commit: `%s`\n", doc.Commit)
	}
	if doc.FailingTests > 0 {
		fmt.Fprintf(&b, "- Failing tests: %d\n", doc.FailingTests)
	}

	b.WriteString("\n## Next Actions\n\n")
	for i, a := range doc.NextActions {
		fmt.Fprintf(&b, "%d. %s\n", i+1, a)
	}

	writeList(&b, "Critical Files", doc.CriticalFiles)
	writeList(&b, "Uncommitted Files", doc.UncommittedFiles)
	writeList(&b, "Detected Errors", doc.Errors)
	return b.String()
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n## %s\n\n", title)
	for _, item := range items {
		fmt.Fprintf(b, "- `%s`\n", item)
	}
}
