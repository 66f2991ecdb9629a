package gate

import (
	"fmt"
	"slices"
	"strings"

	"github.com/aretw0/waymark/pkg/domain"
)

const barWidth = 20

// ProgressBar renders pct (0-100) as a fixed width text bar.
func ProgressBar(pct float64) string {
	filled := int(pct / 100 * barWidth)
	filled = max(0, min(barWidth, filled))
	return fmt.Sprintf("[%s%s] %.1f%%", strings.Repeat("#", filled), strings.Repeat("-", barWidth-filled), pct)
}

// StageMap lists every stage, marking the current one with ">" and visited
// ones with "+".
func StageMap(current domain.Stage, history []domain.Stage) string {
	var b strings.Builder
	for _, s := range domain.Stages {
		mark := " "
		switch {
		case s == current:
			mark = ">"
		case slices.Contains(history, s):
			mark = "+"
		}
		path := ""
		if !domain.OnCanonicalPath(s) {
			path = " (alternate)"
		}
		fmt.Fprintf(&b, "  %s %s%s\n", mark, s, path)
	}
	return b.String()
}

// RenderStatus formats StageInfo for text transports.
func RenderStatus(info domain.StageInfo, tools []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session: %s\n", info.SessionID)
	fmt.Fprintf(&b, "Stage: %s - %s\n", info.Stage, info.Description)
	fmt.Fprintf(&b, "Progress: %s\n", ProgressBar(info.Progress))

	var known []string
	for _, f := range domain.AllFields {
		if info.Fields.Has(f) {
			known = append(known, fmt.Sprintf("%s=%v", f, info.Fields.Value(f)))
		}
	}
	if len(known) > 0 {
		fmt.Fprintf(&b, "Collected: %s\n", strings.Join(known, ", "))
	} else {
		b.WriteString("Collected: none\n")
	}
	fmt.Fprintf(&b, "Refinements: %d/%d\n", info.Fields.RefinementCount, info.Fields.MaxRefinements)
	if len(info.Missing) > 0 {
		fmt.Fprintf(&b, "Missing for this stage: %s\n", domain.JoinFields(info.Missing))
	}

	b.WriteString("Next stages:\n")
	for _, n := range info.Next {
		if n.Satisfiable {
			fmt.Fprintf(&b, "  - %s [ready]\n", n.Stage)
		} else {
			fmt.Fprintf(&b, "  - %s [blocked]: %s\n", n.Stage, n.Reason)
		}
	}
	if len(tools) > 0 {
		fmt.Fprintf(&b, "Tools available now: %s\n", strings.Join(tools, ", "))
	}

	if len(info.History) == 0 {
		b.WriteString("History: (empty)\n")
	} else {
		fmt.Fprintf(&b, "History: %s\n", joinStages(info.History))
	}
	b.WriteString("Stage map:\n")
	b.WriteString(StageMap(info.Stage, info.History))
	return strings.TrimRight(b.String(), "\n")
}
