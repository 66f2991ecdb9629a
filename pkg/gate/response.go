package gate

import (
	"fmt"
	"strings"

	"github.com/aretw0/waymark/pkg/domain"
)

// Source tells where a skip-ahead field came from.
type Source string

const (
	SourceSession Source = "session"
	SourceCall    Source = "call"
)

// Authorization names one field that allowed a skip-ahead.
type Authorization struct {
	Field  domain.Field `json:"field"`
	Source Source       `json:"source"`
}

// Bypass explains why a call outside the tool's stages was allowed.
type Bypass struct {
	From   domain.Stage    `json:"from_stage"`
	Fields []Authorization `json:"authorized_by"`
}

// NeighborStatus is one reachable stage in a rejection.
type NeighborStatus struct {
	Stage       domain.Stage `json:"stage"`
	Satisfiable bool         `json:"satisfiable"`
	Reason      string       `json:"reason,omitempty"`
}

// Rejection is the structured refusal of a gated call.
type Rejection struct {
	Tool        string           `json:"tool"`
	Stage       domain.Stage     `json:"current_stage"`
	Description string           `json:"description"`
	Missing     []domain.Field   `json:"missing_fields"`
	Neighbors   []NeighborStatus `json:"next_stages"`
	Reason      string           `json:"reason"`

	// Kind is one of the domain sentinel errors.
	Kind error `json:"-"`
}

func (r *Rejection) Error() string {
	return r.Reason
}

func (r *Rejection) Unwrap() error {
	return r.Kind
}

// Response is the outcome of a gate call.
type Response struct {
	Tool      string       `json:"tool"`
	SessionID string       `json:"session_id"`
	Stage     domain.Stage `json:"current_stage"`

	// Output is the tool's own text.
	Output  string `json:"output,omitempty"`
	IsError bool   `json:"is_error"`

	Rejection *Rejection `json:"rejection,omitempty"`
	Bypass    *Bypass    `json:"bypass,omitempty"`

	AdvancedFrom domain.Stage `json:"advanced_from,omitempty"`
	AdvanceNote  string       `json:"advance_note,omitempty"`

	// Next lists only the currently satisfiable stages.
	Next  []domain.Neighbor `json:"next,omitempty"`
	Tools []string          `json:"tools,omitempty"`

	// Text is the rendered response handed to text transports.
	Text string `json:"text"`
}

func renderRejection(r *Rejection) string {
	var b strings.Builder
	fmt.Fprintf(&b, "REJECTED: %s\n", r.Reason)
	fmt.Fprintf(&b, "Current stage: %s - %s\n", r.Stage, r.Description)
	if len(r.Missing) > 0 {
		fmt.Fprintf(&b, "Missing fields: %s\n", domain.JoinFields(r.Missing))
	} else {
		b.WriteString("Missing fields: none\n")
	}
	b.WriteString("Next stages:\n")
	for _, n := range r.Neighbors {
		mark := "blocked"
		if n.Satisfiable {
			mark = "ready"
		}
		fmt.Fprintf(&b, "  - %s [%s]", n.Stage, mark)
		if !n.Satisfiable && n.Reason != "" {
			fmt.Fprintf(&b, ": %s", n.Reason)
		}
		b.WriteString("\n")
	}
	b.WriteString("Call workflow_status for details, or supply the missing fields as arguments.")
	return b.String()
}

func renderSuccess(resp *Response) string {
	var b strings.Builder
	if resp.Bypass != nil {
		parts := make([]string, len(resp.Bypass.Fields))
		for i, a := range resp.Bypass.Fields {
			parts[i] = fmt.Sprintf("%s (from %s)", a.Field, a.Source)
		}
		fmt.Fprintf(&b, "Skip-ahead from %s allowed: already known %s.\n\n", resp.Bypass.From, strings.Join(parts, ", "))
	}
	b.WriteString(resp.Output)
	if resp.IsError {
		return b.String()
	}
	if resp.AdvancedFrom != "" {
		fmt.Fprintf(&b, "\n\nStage: %s -> %s", resp.AdvancedFrom, resp.Stage)
	}
	if resp.AdvanceNote != "" {
		fmt.Fprintf(&b, "\n\n%s", resp.AdvanceNote)
	}
	if len(resp.Next) > 0 || len(resp.Tools) > 0 {
		b.WriteString("\n\nNext:")
		for _, n := range resp.Next {
			fmt.Fprintf(&b, "\n  - %s: %s", n.Stage, n.Description)
		}
		if len(resp.Tools) > 0 {
			fmt.Fprintf(&b, "\n  Tools available now: %s", strings.Join(resp.Tools, ", "))
		}
	}
	return b.String()
}
