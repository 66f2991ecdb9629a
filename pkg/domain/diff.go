package domain

import (
	"reflect"
)

// SessionDiff represents the changes between two snapshots of a session.
// It is serialized to JSON on lifecycle events.
type SessionDiff struct {
	SessionID string `json:"session_id"`

	Stage *Stage `json:"current_stage,omitempty"`

	// Fields lists the collected fields whose value changed.
	Fields []Field `json:"fields,omitempty"`

	// SideData contains only changed, added or deleted keys.
	// For deletions, the key is present with a nil value.
	SideData map[string]any `json:"side_data,omitempty"`

	// Appended holds the stages added to the history.
	Appended []Stage `json:"appended,omitempty"`

	// Refinements is set when the refinement counter moved.
	Refinements *int `json:"refinement_count,omitempty"`
}

// Diff calculates the difference between before and after.
// If before is nil, it returns a diff representing the entire session.
// It returns nil when nothing changed.
func Diff(before, after *Session) *SessionDiff {
	if after == nil {
		return nil
	}

	diff := &SessionDiff{SessionID: after.ID}

	if before == nil || before.Stage != after.Stage {
		stage := after.Stage
		diff.Stage = &stage
	}

	var old Fields
	if before != nil {
		old = before.Fields
	}
	for _, f := range AllFields {
		if !reflect.DeepEqual(old.Value(f), after.Fields.Value(f)) {
			diff.Fields = append(diff.Fields, f)
		}
	}
	if before == nil || old.RefinementCount != after.Fields.RefinementCount {
		n := after.Fields.RefinementCount
		diff.Refinements = &n
	}

	diff.SideData = diffSideData(before, after)
	diff.Appended = diffHistory(before, after)

	if diff.Stage == nil &&
		len(diff.Fields) == 0 &&
		len(diff.SideData) == 0 &&
		len(diff.Appended) == 0 &&
		diff.Refinements == nil {
		return nil
	}
	return diff
}

func diffSideData(before, after *Session) map[string]any {
	delta := make(map[string]any)

	var oldData map[string]any
	if before != nil {
		oldData = before.SideData
	}

	for k, v := range after.SideData {
		if oldVal, exists := oldData[k]; !exists || !reflect.DeepEqual(oldVal, v) {
			delta[k] = v
		}
	}
	for k := range oldData {
		if _, exists := after.SideData[k]; !exists {
			delta[k] = nil
		}
	}

	if len(delta) == 0 {
		return nil
	}
	return delta
}

// diffHistory assumes the history is append-only; a shorter or rewritten
// history (after Reset) is reported in full.
func diffHistory(before, after *Session) []Stage {
	if before == nil || len(after.History) < len(before.History) {
		if len(after.History) == 0 {
			return nil
		}
		return append([]Stage(nil), after.History...)
	}
	for i := range before.History {
		if before.History[i] != after.History[i] {
			return append([]Stage(nil), after.History...)
		}
	}
	if len(after.History) == len(before.History) {
		return nil
	}
	return append([]Stage(nil), after.History[len(before.History):]...)
}
