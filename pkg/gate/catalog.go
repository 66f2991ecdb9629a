package gate

import (
	"context"
	"fmt"
	"strings"

	"github.com/aretw0/waymark/pkg/domain"
	"github.com/aretw0/waymark/pkg/registry"
)

var (
	scopeInstance   = []domain.Field{domain.FieldInstanceID}
	scopeDatabase   = []domain.Field{domain.FieldInstanceID, domain.FieldDatabaseName}
	scopeCollection = []domain.Field{domain.FieldInstanceID, domain.FieldDatabaseName, domain.FieldCollectionName}
	scopeQuery      = []domain.Field{domain.FieldInstanceID, domain.FieldDatabaseName, domain.FieldCollectionName, domain.FieldGeneratedQuery}
)

func fieldParams(fields ...domain.Field) []registry.Param {
	params := []registry.Param{sessionParam}
	for _, f := range fields {
		typ := "string"
		if f == domain.FieldGeneratedQuery {
			typ = "object"
		}
		params = append(params, registry.Param{Name: string(f), Type: typ})
	}
	return params
}

// DefaultCatalog returns the gated query-building tools. Every tool gets
// handler; hosts replace it with real implementations.
func DefaultCatalog(handler registry.Handler) []registry.Spec {
	if handler == nil {
		handler = Acknowledge
	}
	return WithHandlers([]registry.Spec{
		{
			Name:        "discover_instances",
			Description: "List the data source instances that can be queried.",
			Stages:      []domain.Stage{domain.StageInit, domain.StageInstanceAnalysis, domain.StageInstanceDiscovery, domain.StageInstanceSelection},
			Advance:     domain.StageInstanceAnalysis,
			Params:      fieldParams(),
		},
		{
			Name:        "select_instance",
			Description: "Choose the instance to work with.",
			Stages:      []domain.Stage{domain.StageInstanceAnalysis, domain.StageInstanceDiscovery, domain.StageInstanceSelection},
			Advance:     domain.StageInstanceSelection,
			Params:      fieldParams(domain.FieldInstanceID),
		},
		{
			Name:        "discover_databases",
			Description: "List the databases of the selected instance.",
			Stages:      []domain.Stage{domain.StageInstanceSelection, domain.StageDatabaseAnalysis, domain.StageDatabaseDiscovery, domain.StageDatabaseSelection},
			Requires:    scopeInstance,
			Advance:     domain.StageDatabaseAnalysis,
			Params:      fieldParams(domain.FieldInstanceID),
		},
		{
			Name:        "select_database",
			Description: "Choose the database to work with.",
			Stages:      []domain.Stage{domain.StageDatabaseAnalysis, domain.StageDatabaseDiscovery, domain.StageDatabaseSelection},
			Requires:    scopeInstance,
			Advance:     domain.StageDatabaseSelection,
			Params:      fieldParams(domain.FieldInstanceID, domain.FieldDatabaseName),
		},
		{
			Name:        "analyze_collection",
			Description: "Inspect the collections of the selected database.",
			Stages:      []domain.Stage{domain.StageDatabaseSelection, domain.StageCollectionAnalysis, domain.StageCollectionDiscovery, domain.StageCollectionSelection},
			Requires:    scopeDatabase,
			Advance:     domain.StageCollectionAnalysis,
			Params:      fieldParams(domain.FieldInstanceID, domain.FieldDatabaseName),
		},
		{
			Name:        "select_collection",
			Description: "Choose the collection to query.",
			Stages:      []domain.Stage{domain.StageCollectionAnalysis, domain.StageCollectionDiscovery, domain.StageCollectionSelection},
			Requires:    scopeDatabase,
			Advance:     domain.StageCollectionSelection,
			Params:      fieldParams(domain.FieldInstanceID, domain.FieldDatabaseName, domain.FieldCollectionName),
		},
		{
			Name:        "analyze_fields",
			Description: "Describe the fields of the selected collection.",
			Stages:      []domain.Stage{domain.StageCollectionSelection, domain.StageFieldAnalysis},
			Requires:    scopeCollection,
			Advance:     domain.StageFieldAnalysis,
			Params:      fieldParams(scopeCollection...),
		},
		{
			Name:        "generate_query",
			Description: "Generate a query for the selected collection from a description.",
			Stages:      []domain.Stage{domain.StageFieldAnalysis, domain.StageQueryGeneration, domain.StageQueryRefinement},
			Requires:    scopeCollection,
			Advance:     domain.StageQueryGeneration,
			Params:      fieldParams(domain.FieldInstanceID, domain.FieldDatabaseName, domain.FieldCollectionName, domain.FieldQueryDescription, domain.FieldGeneratedQuery),
		},
		{
			Name:        "refine_query",
			Description: "Adjust the generated query. Limited to max_refinements rounds.",
			Stages:      []domain.Stage{domain.StageQueryGeneration, domain.StageQueryExecution, domain.StageResultPresentation, domain.StageQueryRefinement},
			Requires:    scopeQuery,
			Advance:     domain.StageQueryRefinement,
			Params:      fieldParams(domain.FieldQueryDescription, domain.FieldGeneratedQuery),
		},
		{
			Name:        "confirm_query",
			Description: "Confirm the generated query for execution.",
			Stages:      []domain.Stage{domain.StageQueryGeneration, domain.StageQueryRefinement, domain.StageQueryExecution},
			Requires:    scopeQuery,
			Advance:     domain.StageQueryExecution,
			Params:      fieldParams(domain.FieldGeneratedQuery),
		},
		{
			Name:        "present_results",
			Description: "Present the query results.",
			Stages:      []domain.Stage{domain.StageQueryExecution, domain.StageResultPresentation},
			Requires:    scopeQuery,
			Advance:     domain.StageResultPresentation,
			Params:      fieldParams(),
		},
	}, handler)
}

// WithHandlers returns specs with Handler set, leaving preset handlers alone.
func WithHandlers(specs []registry.Spec, handler registry.Handler) []registry.Spec {
	out := make([]registry.Spec, len(specs))
	for i, s := range specs {
		if s.Handler == nil {
			s.Handler = handler
		}
		out[i] = s
	}
	return out
}

// Acknowledge is a placeholder handler that reports the call and the
// session data it would work with.
func Acknowledge(_ context.Context, call registry.Call) (registry.Result, error) {
	var known []string
	for _, f := range domain.AllFields {
		if call.Session.Fields.Has(f) {
			known = append(known, fmt.Sprintf("%s=%v", f, call.Session.Fields.Value(f)))
		}
	}
	text := fmt.Sprintf("Accepted at stage %s.", call.Session.Stage)
	if len(known) > 0 {
		text += " Working with " + strings.Join(known, ", ") + "."
	}
	return registry.Result{Text: text}, nil
}
