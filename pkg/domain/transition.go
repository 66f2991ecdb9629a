package domain

import (
	"errors"
	"fmt"
	"slices"
)

// Verdict is the outcome of validating a move. Reason is meant for callers,
// not only for logs.
type Verdict struct {
	Allowed bool    `json:"allowed"`
	Reason  string  `json:"reason"`
	Missing []Field `json:"missing,omitempty"`
	err     *TransitionError
}

// Err returns the refusal as an error, or nil when allowed.
func (v Verdict) Err() error {
	if v.Allowed || v.err == nil {
		return nil
	}
	return v.err
}

// Check validates moving s to target against the graph edges, the target's
// required fields and the refinement bound.
func Check(s *Session, target Stage) Verdict {
	if !target.Valid() {
		return refuse(&TransitionError{
			Kind:   ErrInvalidTransition,
			From:   s.Stage,
			To:     target,
			Reason: fmt.Sprintf("unknown stage %q", target),
		})
	}
	if !slices.Contains(AllowedTargets(s.Stage), target) {
		return refuse(&TransitionError{
			Kind:   ErrInvalidTransition,
			From:   s.Stage,
			To:     target,
			Reason: fmt.Sprintf("no edge from %s to %s", s.Stage, target),
		})
	}
	if missing := s.Fields.Missing(RequiredFields(target)); len(missing) > 0 {
		return refuse(missingData(s.Stage, target, missing))
	}
	if target == StageQueryRefinement && s.Fields.RefinementCount >= s.Fields.MaxRefinements {
		te := refinementLimit(s.Fields)
		te.From = s.Stage
		return refuse(te)
	}
	return Verdict{Allowed: true, Reason: fmt.Sprintf("%s -> %s allowed", s.Stage, target)}
}

func missingData(from, to Stage, missing []Field) *TransitionError {
	return &TransitionError{
		Kind:    ErrMissingRequiredData,
		From:    from,
		To:      to,
		Missing: missing,
		Reason:  fmt.Sprintf("%s requires: %s", to, JoinFields(missing)),
	}
}

func refuse(te *TransitionError) Verdict {
	return Verdict{Reason: te.Reason, Missing: te.Missing, err: te}
}

// Refusal converts a rule error raised while applying a move into a Verdict.
// It returns ok=false for errors that are not rule violations.
func Refusal(err error) (Verdict, bool) {
	var te *TransitionError
	if !errors.As(err, &te) {
		return Verdict{}, false
	}
	return refuse(te), true
}

// Neighbor describes one directly reachable stage and whether it can be entered now.
type Neighbor struct {
	Stage       Stage   `json:"stage"`
	Description string  `json:"description"`
	Satisfiable bool    `json:"satisfiable"`
	Reason      string  `json:"reason"`
	Missing     []Field `json:"missing,omitempty"`
}

// Neighbors evaluates every edge out of the current stage.
func Neighbors(s *Session) []Neighbor {
	targets := AllowedTargets(s.Stage)
	out := make([]Neighbor, 0, len(targets))
	for _, t := range targets {
		v := Check(s, t)
		out = append(out, Neighbor{
			Stage:       t,
			Description: t.Description(),
			Satisfiable: v.Allowed,
			Reason:      v.Reason,
			Missing:     v.Missing,
		})
	}
	return out
}

// StageInfo is the status view of a session.
type StageInfo struct {
	SessionID   string     `json:"session_id"`
	Stage       Stage      `json:"stage"`
	Description string     `json:"description"`
	Required    []Field    `json:"required,omitempty"`
	Missing     []Field    `json:"missing,omitempty"`
	Complete    bool       `json:"is_complete"`
	Next        []Neighbor `json:"next"`
	Progress    float64    `json:"progress"`
	History     []Stage    `json:"stage_history"`
	Fields      Fields     `json:"collected_fields"`
}

// Describe builds the StageInfo of s.
func Describe(s *Session) StageInfo {
	required := RequiredFields(s.Stage)
	missing := s.Fields.Missing(required)
	history := make([]Stage, len(s.History))
	copy(history, s.History)
	return StageInfo{
		SessionID:   s.ID,
		Stage:       s.Stage,
		Description: s.Stage.Description(),
		Required:    required,
		Missing:     missing,
		Complete:    len(missing) == 0,
		Next:        Neighbors(s),
		Progress:    Progress(s.Stage),
		History:     history,
		Fields:      s.Fields.Clone(),
	}
}
