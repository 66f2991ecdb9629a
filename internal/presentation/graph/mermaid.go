package graph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/aretw0/waymark/pkg/domain"
)

// GraphOverlay contains session state to visualize on the graph.
type GraphOverlay struct {
	Visited []domain.Stage
	Current domain.Stage
}

// GenerateMermaid renders the stage graph as a Mermaid flowchart.
// Shapes:
// - init: ((Circle))
// - completed: (((Double circle)))
// - off-path stages: [/Parallelogram/]
// - canonical stages: [Rectangle]
//
// Forward edges that skip canonical stages are drawn dashed and labelled
// "fast path"; edges going back along the path are dotted. tools, when
// given, lists the tool names shown inside each stage.
func GenerateMermaid(tools map[domain.Stage][]string, overlay *GraphOverlay) string {
	var sb strings.Builder
	sb.WriteString("graph TD\n")

	for _, stage := range domain.Stages {
		id := string(stage)

		opener, closer := "[", "]"
		switch {
		case stage == domain.InitialStage:
			opener, closer = "((", "))"
		case stage == domain.StageCompleted:
			opener, closer = "(((", ")))"
		case !domain.OnCanonicalPath(stage):
			opener, closer = "[/", "/]"
		}

		label := id
		if names := tools[stage]; len(names) > 0 {
			label = fmt.Sprintf("%s <br/> %s", id, strings.Join(names, ", "))
		}
		fmt.Fprintf(&sb, "    %s%s\"%s\"%s\n", id, opener, label, closer)

		for _, target := range domain.AllowedTargets(stage) {
			fmt.Fprintf(&sb, "    %s %s %s\n", id, arrow(stage, target), target)
		}
	}

	if overlay != nil {
		sb.WriteString("\n    %% Overlay Styles\n")
		// Black text keeps the labels readable on both light and dark themes.
		sb.WriteString("    classDef visited fill:#e1f5fe,stroke:#01579b,stroke-width:2px,color:#000;\n")
		sb.WriteString("    classDef current fill:#ffeb3b,stroke:#fbc02d,stroke-width:4px,color:#000;\n")

		seen := make(map[domain.Stage]bool)
		for _, s := range overlay.Visited {
			if !seen[s] && s.Valid() && s != overlay.Current {
				seen[s] = true
				fmt.Fprintf(&sb, "    class %s visited;\n", s)
			}
		}
		if overlay.Current.Valid() {
			fmt.Fprintf(&sb, "    class %s current;\n", overlay.Current)
		}
	}

	return sb.String()
}

func arrow(from, to domain.Stage) string {
	if from == to {
		return "-- \"again\" -->"
	}
	i := slices.Index(domain.CanonicalPath, from)
	j := slices.Index(domain.CanonicalPath, to)
	switch {
	case i < 0 || j < 0:
		return "-->"
	case j > i+1:
		return "-. \"fast path\" .->"
	case j < i:
		return "-.->"
	}
	return "-->"
}
