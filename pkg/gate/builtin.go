package gate

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/aretw0/waymark/internal/runtime"
	"github.com/aretw0/waymark/pkg/domain"
	"github.com/aretw0/waymark/pkg/registry"
)

// Unrestricted tool names.
const (
	ToolStatus     = "workflow_status"
	ToolReset      = "workflow_reset"
	ToolTransition = "workflow_transition"
	ToolNext       = "workflow_next"
	ToolBack       = "workflow_back"
)

var sessionParam = registry.Param{Name: SessionArg, Type: "string", Description: "Session identifier (default: " + DefaultSessionID + ")"}

func (g *Gate) builtins() []registry.Spec {
	return []registry.Spec{
		{
			Name:         ToolStatus,
			Description:  "Show the current workflow stage, progress, collected data and the stages reachable from here.",
			Unrestricted: true,
			Params:       []registry.Param{sessionParam},
			Handler:      g.status,
		},
		{
			Name:         ToolReset,
			Description:  "Reset the session to the initial stage. Without confirm=true only a preview is returned.",
			Unrestricted: true,
			Params: []registry.Param{
				sessionParam,
				{Name: "confirm", Type: "boolean", Description: "Set to true to perform the reset"},
			},
			Handler: g.reset,
		},
		{
			Name:         ToolTransition,
			Description:  "Move the session to a target stage explicitly, optionally supplying collected fields.",
			Unrestricted: true,
			Params: []registry.Param{
				sessionParam,
				{Name: "target_stage", Type: "string", Description: "Stage to move to", Required: true},
				{Name: "instance_id", Type: "string"},
				{Name: "database_name", Type: "string"},
				{Name: "collection_name", Type: "string"},
				{Name: "query_description", Type: "string"},
			},
			Handler: g.transition,
		},
		{
			Name:         ToolNext,
			Description:  "Advance to the next stage along the main path, if its requirements are met.",
			Unrestricted: true,
			Params:       []registry.Param{sessionParam},
			Handler:      g.next,
		},
		{
			Name:         ToolBack,
			Description:  "Return to the previous stage in the session history.",
			Unrestricted: true,
			Params:       []registry.Param{sessionParam},
			Handler:      g.back,
		},
	}
}

func (g *Gate) status(ctx context.Context, call registry.Call) (registry.Result, error) {
	info, err := g.engine.CurrentStageInfo(ctx, call.SessionID)
	if err != nil {
		return registry.Result{}, err
	}
	return registry.Result{Text: RenderStatus(info, g.registry.AvailableAt(info.Stage))}, nil
}

func (g *Gate) reset(ctx context.Context, call registry.Call) (registry.Result, error) {
	if !boolArg(call.Args, "confirm") {
		s := call.Session
		var b strings.Builder
		fmt.Fprintf(&b, "WARNING: this will reset session %s.\n", s.ID)
		fmt.Fprintf(&b, "Current stage: %s (%d previous stages)\n", s.Stage, len(s.History))
		var known []domain.Field
		for _, f := range domain.AllFields {
			if s.Fields.Has(f) {
				known = append(known, f)
			}
		}
		if len(known) > 0 {
			fmt.Fprintf(&b, "Collected data that will be discarded: %s\n", domain.JoinFields(known))
		}
		b.WriteString("Nothing was changed. Call workflow_reset again with confirm=true to proceed.")
		return registry.Result{Text: b.String()}, nil
	}

	if _, err := g.engine.Reset(ctx, call.SessionID); err != nil {
		return registry.Result{}, err
	}
	info, err := g.engine.CurrentStageInfo(ctx, call.SessionID)
	if err != nil {
		return registry.Result{}, err
	}
	return registry.Result{Text: "Session reset.\n\n" + RenderStatus(info, g.registry.AvailableAt(info.Stage))}, nil
}

func (g *Gate) transition(ctx context.Context, call registry.Call) (registry.Result, error) {
	raw := firstString(call.Args, "target_stage", "target", "stage")
	target, err := domain.ParseStage(raw)
	if err != nil {
		return registry.Result{Text: fmt.Sprintf("%v. Valid stages: %s", err, joinStages(domain.Stages)), IsError: true}, nil
	}
	patch, err := domain.PatchFromArgs(call.Args)
	if err != nil {
		return registry.Result{Text: fmt.Sprintf("invalid arguments: %v", err), IsError: true}, nil
	}

	// Supplied fields count towards the target's requirements but are only
	// stored together with the move.
	out, err := g.engine.TransitionWith(ctx, call.SessionID, target, patch)
	if err != nil {
		return registry.Result{}, err
	}
	return g.moved(out), nil
}

// next picks the first satisfiable neighbour that lies further along the
// canonical path.
func (g *Gate) next(ctx context.Context, call registry.Call) (registry.Result, error) {
	sess := call.Session
	current := domain.Progress(sess.Stage)
	var blocked []string
	for _, n := range domain.Neighbors(sess) {
		if !domain.OnCanonicalPath(n.Stage) || domain.Progress(n.Stage) <= current {
			continue
		}
		if !n.Satisfiable {
			blocked = append(blocked, fmt.Sprintf("%s: %s", n.Stage, n.Reason))
			continue
		}
		out, err := g.engine.Transition(ctx, call.SessionID, n.Stage, domain.Patch{})
		if err != nil {
			return registry.Result{}, err
		}
		return g.moved(out), nil
	}
	if len(blocked) == 0 {
		return registry.Result{Text: fmt.Sprintf("Cannot advance: %s is the end of the path.", sess.Stage), IsError: true}, nil
	}
	return registry.Result{
		Text:    fmt.Sprintf("Cannot advance from %s:\n  - %s", sess.Stage, strings.Join(blocked, "\n  - ")),
		IsError: true,
	}, nil
}

// back returns to the last history entry when the graph has that edge.
func (g *Gate) back(ctx context.Context, call registry.Call) (registry.Result, error) {
	sess := call.Session
	if len(sess.History) == 0 {
		return registry.Result{Text: fmt.Sprintf("Cannot go back: %s is the first stage of this session.", sess.Stage), IsError: true}, nil
	}
	prev := sess.History[len(sess.History)-1]
	if !slices.Contains(domain.AllowedTargets(sess.Stage), prev) {
		return registry.Result{
			Text:    fmt.Sprintf("Cannot go back from %s to %s: no such edge. Use workflow_reset to start over.", sess.Stage, prev),
			IsError: true,
		}, nil
	}
	out, err := g.engine.Transition(ctx, call.SessionID, prev, domain.Patch{})
	if err != nil {
		return registry.Result{}, err
	}
	return g.moved(out), nil
}

func (g *Gate) moved(out runtime.Outcome) registry.Result {
	info := domain.Describe(out.Session)
	text := out.Message + "\n\n" + RenderStatus(info, g.registry.AvailableAt(info.Stage))
	return registry.Result{Text: text, IsError: !out.Committed}
}

func boolArg(args map[string]any, key string) bool {
	switch v := args[key].(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		return err == nil && b
	case float64:
		return v != 0
	case int:
		return v != 0
	}
	return false
}

func firstString(args map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := args[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}
