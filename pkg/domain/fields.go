package domain

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/mitchellh/mapstructure"
)

// Field names one collected datum the stage graph can require.
type Field string

const (
	FieldInstanceID       Field = "instance_id"
	FieldDatabaseName     Field = "database_name"
	FieldCollectionName   Field = "collection_name"
	FieldQueryDescription Field = "query_description"
	FieldGeneratedQuery   Field = "generated_query"
)

// AllFields lists every requirable field.
var AllFields = []Field{
	FieldInstanceID,
	FieldDatabaseName,
	FieldCollectionName,
	FieldQueryDescription,
	FieldGeneratedQuery,
}

// DefaultMaxRefinements bounds the refinement counter when a session does not set its own.
const DefaultMaxRefinements = 5

// Fields holds the session-scoped values accumulated across the workflow.
type Fields struct {
	InstanceID       string         `json:"instance_id,omitempty" mapstructure:"instance_id"`
	DatabaseName     string         `json:"database_name,omitempty" mapstructure:"database_name"`
	CollectionName   string         `json:"collection_name,omitempty" mapstructure:"collection_name"`
	QueryDescription string         `json:"query_description,omitempty" mapstructure:"query_description"`
	GeneratedQuery   map[string]any `json:"generated_query,omitempty" mapstructure:"generated_query"`
	RefinementCount  int            `json:"refinement_count" mapstructure:"refinement_count"`
	MaxRefinements   int            `json:"max_refinements" mapstructure:"max_refinements"`
}

// NewFields returns an empty field set with the default refinement bound.
func NewFields() Fields {
	return Fields{MaxRefinements: DefaultMaxRefinements}
}

// Has reports whether f is populated and non-empty.
func (f Fields) Has(field Field) bool {
	switch field {
	case FieldInstanceID:
		return f.InstanceID != ""
	case FieldDatabaseName:
		return f.DatabaseName != ""
	case FieldCollectionName:
		return f.CollectionName != ""
	case FieldQueryDescription:
		return f.QueryDescription != ""
	case FieldGeneratedQuery:
		return len(f.GeneratedQuery) > 0
	}
	return false
}

// Value returns the raw value of a field, or nil when unset.
func (f Fields) Value(field Field) any {
	if !f.Has(field) {
		return nil
	}
	switch field {
	case FieldInstanceID:
		return f.InstanceID
	case FieldDatabaseName:
		return f.DatabaseName
	case FieldCollectionName:
		return f.CollectionName
	case FieldQueryDescription:
		return f.QueryDescription
	case FieldGeneratedQuery:
		return f.GeneratedQuery
	}
	return nil
}

// Missing returns the subset of required that is not populated, in order.
func (f Fields) Missing(required []Field) []Field {
	var missing []Field
	for _, r := range required {
		if !f.Has(r) {
			missing = append(missing, r)
		}
	}
	return missing
}

// Clone returns a deep copy.
func (f Fields) Clone() Fields {
	out := f
	if f.GeneratedQuery != nil {
		out.GeneratedQuery = cloneMap(f.GeneratedQuery)
	}
	return out
}

// Patch is a partial update of collected fields and side data.
// Nil members are left untouched.
type Patch struct {
	InstanceID       *string        `json:"instance_id,omitempty" mapstructure:"instance_id"`
	DatabaseName     *string        `json:"database_name,omitempty" mapstructure:"database_name"`
	CollectionName   *string        `json:"collection_name,omitempty" mapstructure:"collection_name"`
	QueryDescription *string        `json:"query_description,omitempty" mapstructure:"query_description"`
	GeneratedQuery   map[string]any `json:"generated_query,omitempty" mapstructure:"generated_query"`
	RefinementCount  *int           `json:"refinement_count,omitempty" mapstructure:"refinement_count"`
	MaxRefinements   *int           `json:"max_refinements,omitempty" mapstructure:"max_refinements"`
	SideData         map[string]any `json:"side_data,omitempty" mapstructure:"side_data"`
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.InstanceID == nil && p.DatabaseName == nil && p.CollectionName == nil &&
		p.QueryDescription == nil && p.GeneratedQuery == nil &&
		p.RefinementCount == nil && p.MaxRefinements == nil && len(p.SideData) == 0
}

// Provided lists the requirable fields the patch populates with a non-empty value.
func (p Patch) Provided() []Field {
	var out []Field
	if p.InstanceID != nil && *p.InstanceID != "" {
		out = append(out, FieldInstanceID)
	}
	if p.DatabaseName != nil && *p.DatabaseName != "" {
		out = append(out, FieldDatabaseName)
	}
	if p.CollectionName != nil && *p.CollectionName != "" {
		out = append(out, FieldCollectionName)
	}
	if p.QueryDescription != nil && *p.QueryDescription != "" {
		out = append(out, FieldQueryDescription)
	}
	if len(p.GeneratedQuery) > 0 {
		out = append(out, FieldGeneratedQuery)
	}
	return out
}

// Merge overlays other onto p; members set in other win.
func (p Patch) Merge(other Patch) Patch {
	out := p
	if other.InstanceID != nil {
		out.InstanceID = other.InstanceID
	}
	if other.DatabaseName != nil {
		out.DatabaseName = other.DatabaseName
	}
	if other.CollectionName != nil {
		out.CollectionName = other.CollectionName
	}
	if other.QueryDescription != nil {
		out.QueryDescription = other.QueryDescription
	}
	if other.GeneratedQuery != nil {
		out.GeneratedQuery = other.GeneratedQuery
	}
	if other.RefinementCount != nil {
		out.RefinementCount = other.RefinementCount
	}
	if other.MaxRefinements != nil {
		out.MaxRefinements = other.MaxRefinements
	}
	if len(other.SideData) > 0 {
		merged := make(map[string]any, len(p.SideData)+len(other.SideData))
		for k, v := range p.SideData {
			merged[k] = v
		}
		for k, v := range other.SideData {
			merged[k] = v
		}
		out.SideData = merged
	}
	return out
}

// ApplyTo returns f with the patch applied. It rejects updates that would push
// the refinement counter past its bound instead of clamping them.
func (p Patch) ApplyTo(f Fields) (Fields, error) {
	out := f.Clone()
	if p.InstanceID != nil {
		out.InstanceID = *p.InstanceID
	}
	if p.DatabaseName != nil {
		out.DatabaseName = *p.DatabaseName
	}
	if p.CollectionName != nil {
		out.CollectionName = *p.CollectionName
	}
	if p.QueryDescription != nil {
		out.QueryDescription = *p.QueryDescription
	}
	if p.GeneratedQuery != nil {
		out.GeneratedQuery = cloneMap(p.GeneratedQuery)
	}
	if p.MaxRefinements != nil {
		if *p.MaxRefinements < 0 {
			return f, counterRefusal("max_refinements must not be negative")
		}
		out.MaxRefinements = *p.MaxRefinements
	}
	if p.RefinementCount != nil {
		if *p.RefinementCount < 0 {
			return f, counterRefusal("refinement_count must not be negative")
		}
		out.RefinementCount = *p.RefinementCount
	}
	if out.RefinementCount > out.MaxRefinements {
		return f, counterRefusal(fmt.Sprintf("refinement_count %d exceeds maximum %d", out.RefinementCount, out.MaxRefinements))
	}
	return out, nil
}

func counterRefusal(detail string) *TransitionError {
	return &TransitionError{
		Kind:   ErrRefinementLimit,
		Reason: "refinement limit reached: " + detail,
	}
}

// engineOwnedArgs never come from call arguments: only entering the
// refinement stage moves the counter.
var engineOwnedArgs = map[string]bool{
	"refinement_count": true,
	"max_refinements":  true,
}

// argAliases maps shorthand call arguments to their canonical field keys.
var argAliases = map[string]string{
	"instance":    string(FieldInstanceID),
	"db":          string(FieldDatabaseName),
	"database":    string(FieldDatabaseName),
	"collection":  string(FieldCollectionName),
	"col":         string(FieldCollectionName),
	"query":       string(FieldQueryDescription),
	"description": string(FieldQueryDescription),
}

// PatchFromArgs decodes loosely typed tool-call arguments into a Patch.
// Aliases are resolved first; canonical keys win over aliases. Keys that are
// not collected fields are ignored, and so are the refinement counter keys.
func PatchFromArgs(args map[string]any) (Patch, error) {
	var patch Patch
	if len(args) == 0 {
		return patch, nil
	}

	normalized := make(map[string]any, len(args))
	for k, v := range args {
		if engineOwnedArgs[strings.ToLower(k)] {
			continue
		}
		if canonical, ok := argAliases[strings.ToLower(k)]; ok {
			if _, exists := args[canonical]; exists {
				continue
			}
			k = canonical
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			continue
		}
		if v == nil {
			continue
		}
		normalized[k] = v
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &patch,
		WeaklyTypedInput: true,
		DecodeHook:       queryPayloadHook,
	})
	if err != nil {
		return patch, err
	}
	if err := decoder.Decode(normalized); err != nil {
		return patch, fmt.Errorf("failed to decode arguments: %w", err)
	}
	return patch, nil
}

// queryPayloadHook lets callers pass generated_query as JSON text or as a raw query string.
func queryPayloadHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to.Kind() != reflect.Map {
		return data, nil
	}
	text := strings.TrimSpace(data.(string))
	if strings.HasPrefix(text, "{") {
		var payload map[string]any
		if err := sonic.ConfigStd.UnmarshalFromString(text, &payload); err == nil {
			return payload, nil
		}
	}
	return map[string]any{"query": text}, nil
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
