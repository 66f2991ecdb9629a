package domain

import (
	"fmt"
	"math"
)

// Stage is one position in the workflow.
type Stage string

const (
	StageInit                Stage = "init"
	StageInstanceAnalysis    Stage = "instance_analysis"
	StageInstanceDiscovery   Stage = "instance_discovery"
	StageInstanceSelection   Stage = "instance_selection"
	StageDatabaseAnalysis    Stage = "database_analysis"
	StageDatabaseDiscovery   Stage = "database_discovery"
	StageDatabaseSelection   Stage = "database_selection"
	StageCollectionAnalysis  Stage = "collection_analysis"
	StageCollectionDiscovery Stage = "collection_discovery"
	StageCollectionSelection Stage = "collection_selection"
	StageFieldAnalysis       Stage = "field_analysis"
	StageQueryGeneration     Stage = "query_generation"
	StageQueryRefinement     Stage = "query_refinement"
	StageQueryExecution      Stage = "query_execution"
	StageResultPresentation  Stage = "result_presentation"
	StageCompleted           Stage = "completed"
)

// InitialStage is where every session starts and where Reset returns to.
const InitialStage = StageInit

// Stages lists every stage in declaration order.
var Stages = []Stage{
	StageInit,
	StageInstanceAnalysis,
	StageInstanceDiscovery,
	StageInstanceSelection,
	StageDatabaseAnalysis,
	StageDatabaseDiscovery,
	StageDatabaseSelection,
	StageCollectionAnalysis,
	StageCollectionDiscovery,
	StageCollectionSelection,
	StageFieldAnalysis,
	StageQueryGeneration,
	StageQueryRefinement,
	StageQueryExecution,
	StageResultPresentation,
	StageCompleted,
}

// CanonicalPath is the main line from the initial stage to the terminal one.
// Progress is measured against it.
var CanonicalPath = []Stage{
	StageInit,
	StageInstanceAnalysis,
	StageInstanceSelection,
	StageDatabaseAnalysis,
	StageDatabaseSelection,
	StageCollectionAnalysis,
	StageCollectionSelection,
	StageFieldAnalysis,
	StageQueryGeneration,
	StageQueryRefinement,
	StageQueryExecution,
	StageResultPresentation,
	StageCompleted,
}

// ParseStage validates a stage name.
func ParseStage(name string) (Stage, error) {
	s := Stage(name)
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown stage %q", ErrInvalidTransition, name)
	}
	return s, nil
}

// Valid reports whether s belongs to the enumeration.
func (s Stage) Valid() bool {
	switch s {
	case StageInit,
		StageInstanceAnalysis, StageInstanceDiscovery, StageInstanceSelection,
		StageDatabaseAnalysis, StageDatabaseDiscovery, StageDatabaseSelection,
		StageCollectionAnalysis, StageCollectionDiscovery, StageCollectionSelection,
		StageFieldAnalysis,
		StageQueryGeneration, StageQueryRefinement, StageQueryExecution,
		StageResultPresentation, StageCompleted:
		return true
	}
	return false
}

func (s Stage) String() string { return string(s) }

// AllowedTargets returns the graph edges out of s.
func AllowedTargets(s Stage) []Stage {
	switch s {
	case StageInit:
		return []Stage{StageInstanceAnalysis, StageInstanceDiscovery, StageQueryGeneration}
	case StageInstanceAnalysis, StageInstanceDiscovery:
		return []Stage{StageInstanceSelection}
	case StageInstanceSelection:
		return []Stage{StageDatabaseAnalysis, StageDatabaseDiscovery, StageInstanceAnalysis}
	case StageDatabaseAnalysis, StageDatabaseDiscovery:
		return []Stage{StageDatabaseSelection, StageInstanceSelection}
	case StageDatabaseSelection:
		return []Stage{StageCollectionAnalysis, StageCollectionDiscovery, StageDatabaseAnalysis}
	case StageCollectionAnalysis, StageCollectionDiscovery:
		return []Stage{StageCollectionSelection, StageDatabaseSelection}
	case StageCollectionSelection:
		return []Stage{StageFieldAnalysis, StageQueryGeneration, StageCollectionAnalysis}
	case StageFieldAnalysis:
		return []Stage{StageQueryGeneration, StageCollectionSelection}
	case StageQueryGeneration:
		return []Stage{StageQueryRefinement, StageQueryExecution, StageFieldAnalysis}
	case StageQueryRefinement:
		return []Stage{StageQueryRefinement, StageQueryGeneration, StageQueryExecution}
	case StageQueryExecution:
		return []Stage{StageResultPresentation, StageQueryRefinement}
	case StageResultPresentation:
		return []Stage{StageCompleted, StageQueryRefinement}
	case StageCompleted:
		return []Stage{StageInit}
	}
	return nil
}

// RequiredFields returns the collected fields a session must hold to occupy s.
func RequiredFields(s Stage) []Field {
	switch s {
	case StageInit,
		StageInstanceAnalysis, StageInstanceDiscovery, StageInstanceSelection:
		return nil
	case StageDatabaseAnalysis, StageDatabaseDiscovery, StageDatabaseSelection:
		return []Field{FieldInstanceID}
	case StageCollectionAnalysis, StageCollectionDiscovery, StageCollectionSelection:
		return []Field{FieldInstanceID, FieldDatabaseName}
	case StageFieldAnalysis, StageQueryGeneration:
		return []Field{FieldInstanceID, FieldDatabaseName, FieldCollectionName}
	case StageQueryRefinement, StageQueryExecution, StageResultPresentation, StageCompleted:
		return []Field{FieldInstanceID, FieldDatabaseName, FieldCollectionName, FieldGeneratedQuery}
	}
	return nil
}

// Description is the human-readable purpose of s.
func (s Stage) Description() string {
	switch s {
	case StageInit:
		return "Start a new query session"
	case StageInstanceAnalysis:
		return "Analyze available instances and refresh their metadata"
	case StageInstanceDiscovery:
		return "Discover available instances"
	case StageInstanceSelection:
		return "Select the instance to query"
	case StageDatabaseAnalysis:
		return "Analyze the databases of the selected instance"
	case StageDatabaseDiscovery:
		return "Discover the databases of the selected instance"
	case StageDatabaseSelection:
		return "Select the database to query"
	case StageCollectionAnalysis:
		return "Analyze the collections of the selected database"
	case StageCollectionDiscovery:
		return "Discover the collections of the selected database"
	case StageCollectionSelection:
		return "Select the collection to query"
	case StageFieldAnalysis:
		return "Analyze the field structure of the selected collection"
	case StageQueryGeneration:
		return "Generate a query from the request"
	case StageQueryRefinement:
		return "Refine the query from feedback"
	case StageQueryExecution:
		return "Execute the query and fetch results"
	case StageResultPresentation:
		return "Present the results"
	case StageCompleted:
		return "Query flow completed"
	}
	return ""
}

// Progress returns the 0-100 completion value of s.
// Stages off the canonical path report the value of their canonical sibling,
// so a given stage always maps to one number.
func Progress(s Stage) float64 {
	idx := canonicalIndex(s)
	if idx < 0 {
		return 0
	}
	pct := float64(idx) / float64(len(CanonicalPath)-1) * 100
	return math.Round(pct*10) / 10
}

// OnCanonicalPath reports whether s is one of the main-line stages.
func OnCanonicalPath(s Stage) bool {
	for _, c := range CanonicalPath {
		if c == s {
			return true
		}
	}
	return false
}

func canonicalIndex(s Stage) int {
	switch s {
	case StageInstanceDiscovery:
		s = StageInstanceAnalysis
	case StageDatabaseDiscovery:
		s = StageDatabaseAnalysis
	case StageCollectionDiscovery:
		s = StageCollectionAnalysis
	}
	for i, c := range CanonicalPath {
		if c == s {
			return i
		}
	}
	return -1
}
