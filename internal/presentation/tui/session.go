package tui

import (
	"fmt"
	"strings"

	"github.com/aretw0/waymark/pkg/domain"
)

// SessionMarkdown renders a session's stage info as a markdown document.
func SessionMarkdown(info domain.StageInfo, tools []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Session `%s`\n\n", info.SessionID)
	fmt.Fprintf(&b, "**Stage:** `%s` (%.1f%%)\n\n%s\n\n", info.Stage, info.Progress, info.Description)

	b.WriteString("## Collected\n\n")
	b.WriteString("| Field | Value |\n|---|---|\n")
	for _, f := range domain.AllFields {
		v := "-"
		if info.Fields.Has(f) {
			v = fmt.Sprintf("%v", info.Fields.Value(f))
		}
		fmt.Fprintf(&b, "| %s | %s |\n", f, strings.ReplaceAll(v, "|", `\|`))
	}
	fmt.Fprintf(&b, "| refinements | %d/%d |\n\n", info.Fields.RefinementCount, info.Fields.MaxRefinements)

	if len(info.Missing) > 0 {
		fmt.Fprintf(&b, "> Missing for this stage: %s\n\n", domain.JoinFields(info.Missing))
	}

	b.WriteString("## Next\n\n")
	for _, n := range info.Next {
		if n.Satisfiable {
			fmt.Fprintf(&b, "- [x] `%s` %s\n", n.Stage, n.Description)
		} else {
			fmt.Fprintf(&b, "- [ ] `%s` %s\n", n.Stage, n.Reason)
		}
	}
	if len(tools) > 0 {
		fmt.Fprintf(&b, "\nTools available now: %s\n", strings.Join(tools, ", "))
	}

	if len(info.History) > 0 {
		parts := make([]string, len(info.History))
		for i, s := range info.History {
			parts[i] = "`" + string(s) + "`"
		}
		fmt.Fprintf(&b, "\n## History\n\n%s\n", strings.Join(parts, " → "))
	}
	return b.String()
}
