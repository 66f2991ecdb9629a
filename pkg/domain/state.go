package domain

import "time"

// Session is the durable workflow record of one caller.
type Session struct {
	// ID is immutable after creation.
	ID string `json:"session_id"`

	// Stage is the single active position in the workflow.
	Stage Stage `json:"current_stage"`

	// Fields are the values the stage graph may require.
	Fields Fields `json:"collected_fields"`

	// SideData is tool-private data that is never validated by the graph.
	SideData map[string]any `json:"side_data,omitempty"`

	// History holds previously occupied stages in commit order, excluding Stage.
	History []Stage `json:"stage_history"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSession creates a session at the initial stage.
// Timestamps are stored in UTC without a monotonic reading so they survive
// a save/load cycle unchanged.
func NewSession(id string, now time.Time) *Session {
	now = now.UTC().Round(0)
	return &Session{
		ID:        id,
		Stage:     InitialStage,
		Fields:    NewFields(),
		SideData:  map[string]any{},
		History:   []Stage{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy safe to mutate independently.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Fields = s.Fields.Clone()
	out.SideData = cloneMap(s.SideData)
	if out.SideData == nil {
		out.SideData = map[string]any{}
	}
	out.History = make([]Stage, len(s.History))
	copy(out.History, s.History)
	return &out
}

// Touch refreshes UpdatedAt.
func (s *Session) Touch(now time.Time) {
	s.UpdatedAt = now.UTC().Round(0)
}

// Apply merges a patch into the session without changing its stage.
func (s *Session) Apply(p Patch) error {
	fields, err := p.ApplyTo(s.Fields)
	if err != nil {
		return err
	}
	s.Fields = fields
	if len(p.SideData) > 0 {
		if s.SideData == nil {
			s.SideData = map[string]any{}
		}
		for k, v := range p.SideData {
			s.SideData[k] = cloneValue(v)
		}
	}
	return nil
}

// Advance commits a move to target: the current stage is appended to the
// history, the patch is applied and entering the refinement stage bumps the
// counter. Callers must have validated the move with Check first; the
// target's requirements are checked again against the patched fields.
func (s *Session) Advance(target Stage, p Patch, now time.Time) error {
	next := s.Clone()
	if err := next.Apply(p); err != nil {
		return err
	}
	if missing := next.Fields.Missing(RequiredFields(target)); len(missing) > 0 {
		return missingData(s.Stage, target, missing)
	}
	if target == StageQueryRefinement {
		if next.Fields.RefinementCount >= next.Fields.MaxRefinements {
			return refinementLimit(next.Fields)
		}
		next.Fields.RefinementCount++
	}
	next.History = append(next.History, s.Stage)
	next.Stage = target
	next.Touch(now)
	*s = *next
	return nil
}

// Reset returns the session to its initial values, keeping ID and CreatedAt.
func (s *Session) Reset(now time.Time) {
	created := s.CreatedAt
	*s = *NewSession(s.ID, now)
	s.CreatedAt = created
}

// Summary is a flat view of a session used by status tools and listings.
type Summary struct {
	SessionID       string    `json:"session_id"`
	Stage           Stage     `json:"current_stage"`
	Progress        float64   `json:"progress"`
	InstanceID      string    `json:"instance_id,omitempty"`
	DatabaseName    string    `json:"database_name,omitempty"`
	CollectionName  string    `json:"collection_name,omitempty"`
	Description     string    `json:"query_description,omitempty"`
	RefinementCount int       `json:"refinement_count"`
	HistoryCount    int       `json:"stage_history_count"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Summarize builds the flat summary of s.
func (s *Session) Summarize() Summary {
	return Summary{
		SessionID:       s.ID,
		Stage:           s.Stage,
		Progress:        Progress(s.Stage),
		InstanceID:      s.Fields.InstanceID,
		DatabaseName:    s.Fields.DatabaseName,
		CollectionName:  s.Fields.CollectionName,
		Description:     s.Fields.QueryDescription,
		RefinementCount: s.Fields.RefinementCount,
		HistoryCount:    len(s.History),
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
}
