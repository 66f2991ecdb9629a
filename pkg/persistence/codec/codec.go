// Package codec is the JSON wire format of session records shared by the
// byte-oriented stores (file, redis, badger).
package codec

import (
	"fmt"

	"github.com/aretw0/waymark/pkg/domain"
	"github.com/bytedance/sonic"
)

// api is std-compatible so timestamps keep RFC3339Nano precision and
// documents stay readable by encoding/json consumers.
var api = sonic.ConfigStd

// Marshal encodes a session record.
func Marshal(s *domain.Session) ([]byte, error) {
	data, err := api.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}
	return data, nil
}

// MarshalIndent encodes a session record for human inspection.
func MarshalIndent(s *domain.Session) ([]byte, error) {
	data, err := api.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}
	return data, nil
}

// Unmarshal decodes and validates a session record. A record that cannot be
// trusted is an error; it is never patched up.
func Unmarshal(data []byte) (*domain.Session, error) {
	var s domain.Session
	if err := api.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	if err := Validate(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the invariants a decoded record must satisfy and fills in
// empty collections.
func Validate(s *domain.Session) error {
	if s.ID == "" {
		return fmt.Errorf("corrupt session record: missing session_id")
	}
	if !s.Stage.Valid() {
		return fmt.Errorf("corrupt session record %q: unknown stage %q", s.ID, s.Stage)
	}
	for _, h := range s.History {
		if !h.Valid() {
			return fmt.Errorf("corrupt session record %q: unknown stage %q in history", s.ID, h)
		}
	}
	if s.Fields.RefinementCount > s.Fields.MaxRefinements {
		return fmt.Errorf("corrupt session record %q: refinement_count %d exceeds %d",
			s.ID, s.Fields.RefinementCount, s.Fields.MaxRefinements)
	}
	if s.SideData == nil {
		s.SideData = map[string]any{}
	}
	if s.History == nil {
		s.History = []domain.Stage{}
	}
	return nil
}
