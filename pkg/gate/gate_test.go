package gate_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/aretw0/waymark/pkg/domain"
	"github.com/aretw0/waymark/pkg/gate"
	"github.com/aretw0/waymark/pkg/registry"
)

func TestGate_QueryFlowScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s1 := map[string]any{"session_id": "s1"}

	_, err := f.engine.CreateSession(ctx, "s1")
	require.NoError(t, err)

	// Status at the initial stage.
	resp := f.call(t, gate.ToolStatus, s1)
	assert.False(t, resp.IsError)
	assert.Equal(t, domain.StageInit, resp.Stage)
	assert.Contains(t, resp.Text, "Stage: init")
	assert.Contains(t, resp.Text, "0.0%")
	assert.Contains(t, resp.Text, "History: (empty)")

	// A discovery tool valid from init advances the session.
	resp = f.call(t, "discover_instances", s1)
	require.False(t, resp.IsError, resp.Text)
	assert.Equal(t, domain.StageInstanceAnalysis, resp.Stage)
	assert.Equal(t, domain.StageInit, resp.AdvancedFrom)
	sess, err := f.engine.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []domain.Stage{domain.StageInit}, sess.History)

	// Generation without scope is refused, naming exactly the missing fields.
	resp = f.call(t, "generate_query", s1)
	require.True(t, resp.IsError)
	require.NotNil(t, resp.Rejection)
	assert.ErrorIs(t, resp.Rejection, domain.ErrStageViolation)
	assert.Equal(t, domain.StageInstanceAnalysis, resp.Rejection.Stage)
	assert.Equal(t, []domain.Field{domain.FieldInstanceID, domain.FieldDatabaseName, domain.FieldCollectionName}, resp.Rejection.Missing)
	assert.Contains(t, resp.Text, "Missing fields: instance_id, database_name, collection_name")

	// The same call with the scope supplied directly is a skip-ahead.
	resp = f.call(t, "generate_query", map[string]any{
		"session_id":      "s1",
		"instance_id":     "local",
		"database_name":   "shop",
		"collection_name": "orders",
	})
	require.False(t, resp.IsError, resp.Text)
	require.NotNil(t, resp.Bypass)
	assert.Equal(t, domain.StageInstanceAnalysis, resp.Bypass.From)
	for _, a := range resp.Bypass.Fields {
		assert.Equal(t, gate.SourceCall, a.Source, a.Field)
	}
	assert.Contains(t, resp.Text, "Skip-ahead from instance_analysis allowed")
	assert.Contains(t, resp.Text, "collection_name (from call)")

	// Reset without confirmation changes nothing.
	resp = f.call(t, gate.ToolReset, s1)
	assert.False(t, resp.IsError)
	assert.Contains(t, resp.Text, "Nothing was changed")
	sess, err = f.engine.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.NotEqual(t, domain.StageInit, sess.Stage)
	assert.True(t, sess.Fields.Has(domain.FieldInstanceID))

	// Confirmed reset returns to a fresh initial record.
	resp = f.call(t, gate.ToolReset, map[string]any{"session_id": "s1", "confirm": true})
	assert.False(t, resp.IsError)
	assert.Contains(t, resp.Text, "Session reset.")
	sess, err = f.engine.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StageInit, sess.Stage)
	assert.Empty(t, sess.History)
	for _, field := range domain.AllFields {
		assert.False(t, sess.Fields.Has(field), field)
	}
}

func TestGate_SkipAheadDoesNotForceStage(t *testing.T) {
	f := newFixture(t)
	resp := f.call(t, "generate_query", map[string]any{
		"instance_id":     "local",
		"database_name":   "shop",
		"collection_name": "orders",
	})
	require.False(t, resp.IsError, resp.Text)
	require.NotNil(t, resp.Bypass)

	// init has a fast path edge to query_generation, so the advance commits.
	assert.Equal(t, domain.StageQueryGeneration, resp.Stage)
	assert.Equal(t, gate.DefaultSessionID, resp.SessionID)

	f2 := newFixture(t)
	f2.call(t, "discover_instances", nil)
	resp = f2.call(t, "generate_query", map[string]any{
		"instance_id":     "local",
		"database_name":   "shop",
		"collection_name": "orders",
	})
	require.False(t, resp.IsError, resp.Text)
	// instance_analysis has no edge to query_generation.
	assert.Equal(t, domain.StageInstanceAnalysis, resp.Stage)
	assert.Empty(t, resp.AdvancedFrom)
	assert.Contains(t, resp.AdvanceNote, "Stage stays at instance_analysis")
	assert.Contains(t, f2.logs.String(), "Auto-advance failed")
}

func TestGate_SkipAheadFromSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.moveTo(t, "s", domain.StageInstanceAnalysis)

	resp := f.call(t, "analyze_fields", map[string]any{"session_id": "s"})
	require.False(t, resp.IsError, resp.Text)
	require.NotNil(t, resp.Bypass)
	assert.Equal(t, []gate.Authorization{
		{Field: domain.FieldInstanceID, Source: gate.SourceSession},
		{Field: domain.FieldDatabaseName, Source: gate.SourceSession},
		{Field: domain.FieldCollectionName, Source: gate.SourceSession},
	}, resp.Bypass.Fields)

	sess, err := f.engine.GetSession(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, domain.StageInstanceAnalysis, sess.Stage)
}

func TestGate_SkipAheadNamesSingleMissingField(t *testing.T) {
	f := newFixture(t)
	resp := f.call(t, "analyze_fields", map[string]any{
		"instance_id":   "local",
		"database_name": "shop",
	})
	require.NotNil(t, resp.Rejection)
	assert.Equal(t, []domain.Field{domain.FieldCollectionName}, resp.Rejection.Missing)

	// Arguments of a rejected call are not stored.
	sess, err := f.engine.GetSession(context.Background(), gate.DefaultSessionID)
	require.NoError(t, err)
	assert.False(t, sess.Fields.Has(domain.FieldInstanceID))
}

func TestGate_RejectionShape(t *testing.T) {
	f := newFixture(t)

	// select_instance has no skip-ahead set: a pure edge violation.
	resp := f.call(t, "select_instance", nil)
	require.NotNil(t, resp.Rejection)
	r := resp.Rejection
	assert.Equal(t, "select_instance", r.Tool)
	assert.Equal(t, domain.StageInit, r.Stage)
	assert.Equal(t, domain.StageInit.Description(), r.Description)
	assert.NotNil(t, r.Missing)
	assert.Empty(t, r.Missing)

	byStage := map[domain.Stage]gate.NeighborStatus{}
	for _, n := range r.Neighbors {
		byStage[n.Stage] = n
	}
	require.Len(t, byStage, len(domain.AllowedTargets(domain.StageInit)))
	assert.True(t, byStage[domain.StageInstanceAnalysis].Satisfiable)
	assert.False(t, byStage[domain.StageQueryGeneration].Satisfiable)
	assert.NotEmpty(t, byStage[domain.StageQueryGeneration].Reason)

	assert.Contains(t, resp.Text, "REJECTED:")
	assert.Contains(t, resp.Text, "Current stage: init - ")
	assert.Contains(t, resp.Text, "Missing fields: none")
	assert.Contains(t, resp.Text, "instance_analysis [ready]")
	assert.Contains(t, resp.Text, "query_generation [blocked]")
}

func TestGate_SuccessListsOnlySatisfiableNext(t *testing.T) {
	f := newFixture(t)
	resp := f.call(t, "discover_instances", nil)
	require.False(t, resp.IsError)
	for _, n := range resp.Next {
		assert.True(t, n.Satisfiable, n.Stage)
	}
	assert.Contains(t, resp.Tools, "select_instance")
	assert.Contains(t, resp.Text, "Next:")
	assert.Contains(t, resp.Text, "instance_selection")
}

func TestGate_RefinementLimit(t *testing.T) {
	f := newFixture(t)
	f.moveTo(t, "s", domain.StageQueryGeneration)
	args := map[string]any{"session_id": "s"}

	for i := 1; i <= domain.DefaultMaxRefinements; i++ {
		resp := f.call(t, "refine_query", args)
		require.False(t, resp.IsError, "round %d: %s", i, resp.Text)
		assert.Equal(t, domain.StageQueryRefinement, resp.Stage)
	}

	resp := f.call(t, "refine_query", args)
	require.NotNil(t, resp.Rejection)
	assert.ErrorIs(t, resp.Rejection, domain.ErrRefinementLimit)
	assert.Contains(t, resp.Rejection.Reason, "refinement limit")

	sess, err := f.engine.GetSession(context.Background(), "s")
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultMaxRefinements, sess.Fields.RefinementCount)
}

func TestGate_UnknownTool(t *testing.T) {
	f := newFixture(t)
	_, err := f.gate.Call(context.Background(), "drop_database", nil)
	assert.ErrorIs(t, err, registry.ErrToolNotFound)
}

func TestGate_PersistenceFailureAbortsCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine.CreateSession(ctx, gate.DefaultSessionID)
	require.NoError(t, err)

	f.store.fail.Store(true)
	resp, err := f.gate.Call(ctx, "discover_instances", nil)
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.True(t, domain.IsPersistence(err))
	assert.ErrorIs(t, err, errDiskFull)

	f.store.fail.Store(false)
	sess, err := f.engine.GetSession(ctx, gate.DefaultSessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageInit, sess.Stage)
}

func TestGate_HandlerBehaviour(t *testing.T) {
	tests := []struct {
		name      string
		handler   registry.Handler
		wantStage domain.Stage
		wantError bool
		check     func(t *testing.T, sess *domain.Session)
	}{
		{
			name: "produced fields are merged before advance",
			handler: func(_ context.Context, _ registry.Call) (registry.Result, error) {
				return registry.Result{Text: "picked", Produced: domain.Patch{InstanceID: str("local")}}, nil
			},
			wantStage: domain.StageDatabaseAnalysis,
			check: func(t *testing.T, sess *domain.Session) {
				assert.Equal(t, "local", sess.Fields.InstanceID)
			},
		},
		{
			name: "handler error becomes an error result",
			handler: func(_ context.Context, _ registry.Call) (registry.Result, error) {
				return registry.Result{}, errors.New("instance unreachable")
			},
			wantStage: domain.StageInstanceSelection,
			wantError: true,
		},
		{
			name: "error result does not advance",
			handler: func(_ context.Context, _ registry.Call) (registry.Result, error) {
				return registry.Result{Text: "nothing found", IsError: true, Produced: domain.Patch{InstanceID: str("x")}}, nil
			},
			wantStage: domain.StageInstanceSelection,
			wantError: true,
			check: func(t *testing.T, sess *domain.Session) {
				assert.False(t, sess.Fields.Has(domain.FieldInstanceID))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			require.NoError(t, f.gate.Registry().Register(registry.Spec{
				Name:        "pick_instance",
				Description: "Pick an instance.",
				Stages:      []domain.Stage{domain.StageInstanceSelection},
				Advance:     domain.StageDatabaseAnalysis,
				Handler:     tt.handler,
			}))
			_, err := f.engine.GetOrCreate(ctx, "s")
			require.NoError(t, err)
			for _, stage := range []domain.Stage{domain.StageInstanceAnalysis, domain.StageInstanceSelection} {
				_, err := f.engine.Transition(ctx, "s", stage, domain.Patch{})
				require.NoError(t, err)
			}

			resp := f.call(t, "pick_instance", map[string]any{"session_id": "s"})
			assert.Equal(t, tt.wantError, resp.IsError, resp.Text)
			assert.Equal(t, tt.wantStage, resp.Stage)
			sess, err := f.engine.GetSession(ctx, "s")
			require.NoError(t, err)
			assert.Equal(t, tt.wantStage, sess.Stage)
			if tt.check != nil {
				tt.check(t, sess)
			}
		})
	}
}

func TestGate_ExplicitTransitionTool(t *testing.T) {
	f := newFixture(t)

	resp := f.call(t, gate.ToolTransition, map[string]any{"target_stage": "query_generation"})
	assert.True(t, resp.IsError)
	assert.Contains(t, resp.Text, "query_generation requires")

	resp = f.call(t, gate.ToolTransition, map[string]any{
		"target_stage":    "query_generation",
		"instance_id":     "local",
		"database_name":   "shop",
		"collection_name": "orders",
	})
	assert.False(t, resp.IsError, resp.Text)
	assert.Contains(t, resp.Text, "Transitioned from init to query_generation")

	resp = f.call(t, gate.ToolTransition, map[string]any{"target_stage": "warp"})
	assert.True(t, resp.IsError)
	assert.Contains(t, resp.Text, "Valid stages")
}

func TestGate_RefusedTransitionToolStoresNothing(t *testing.T) {
	f := newFixture(t)

	resp := f.call(t, gate.ToolTransition, map[string]any{"target_stage": "completed", "instance_id": "prod"})
	assert.True(t, resp.IsError)
	assert.Equal(t, domain.StageInit, resp.Stage)

	sess, err := f.engine.GetSession(context.Background(), gate.DefaultSessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageInit, sess.Stage)
	assert.False(t, sess.Fields.Has(domain.FieldInstanceID))
}

func TestGate_CounterArgumentsCannotLiftRefinementLimit(t *testing.T) {
	f := newFixture(t)
	f.moveTo(t, "r", domain.StageQueryGeneration)
	args := map[string]any{"session_id": "r", "refinement_count": 0, "max_refinements": 100}

	for i := 1; i <= domain.DefaultMaxRefinements; i++ {
		resp := f.call(t, "refine_query", args)
		require.False(t, resp.IsError, "round %d: %s", i, resp.Text)
	}
	resp := f.call(t, "refine_query", args)
	require.NotNil(t, resp.Rejection)
	assert.ErrorIs(t, resp.Rejection, domain.ErrRefinementLimit)

	sess, err := f.engine.GetSession(context.Background(), "r")
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultMaxRefinements, sess.Fields.RefinementCount)
	assert.Equal(t, domain.DefaultMaxRefinements, sess.Fields.MaxRefinements)

	// Counter keys on other tools are ignored rather than failing the call.
	resp = f.call(t, "discover_instances", map[string]any{"refinement_count": 99})
	assert.False(t, resp.IsError, resp.Text)
}

func TestGate_NextAndBack(t *testing.T) {
	f := newFixture(t)

	resp := f.call(t, gate.ToolBack, nil)
	assert.True(t, resp.IsError)
	assert.Contains(t, resp.Text, "first stage")

	resp = f.call(t, gate.ToolNext, nil)
	require.False(t, resp.IsError, resp.Text)
	assert.Contains(t, resp.Text, "Transitioned from init to instance_analysis")

	// instance_analysis has no edge back to init.
	resp = f.call(t, gate.ToolBack, nil)
	assert.True(t, resp.IsError)
	assert.Contains(t, resp.Text, "no such edge")

	resp = f.call(t, gate.ToolNext, nil)
	require.False(t, resp.IsError, resp.Text)
	assert.Contains(t, resp.Text, "Transitioned from instance_analysis to instance_selection")

	// database_analysis needs an instance.
	resp = f.call(t, gate.ToolNext, nil)
	assert.True(t, resp.IsError)
	assert.Contains(t, resp.Text, "database_analysis")
	assert.Contains(t, resp.Text, "instance_id")

	resp = f.call(t, gate.ToolBack, nil)
	require.False(t, resp.IsError, resp.Text)
	assert.Contains(t, resp.Text, "Transitioned from instance_selection to instance_analysis")

	sess, err := f.engine.GetSession(context.Background(), gate.DefaultSessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StageInstanceAnalysis, sess.Stage)
	assert.Equal(t, []domain.Stage{domain.StageInit, domain.StageInstanceAnalysis, domain.StageInstanceSelection}, sess.History)
}

func TestGate_HooksAndTracing(t *testing.T) {
	var calls, returns, rejected int
	hooks := domain.LifecycleHooks{
		OnToolCall: func(context.Context, *domain.ToolEvent) { calls++ },
		OnToolReturn: func(_ context.Context, e *domain.ToolEvent) {
			returns++
			if e.Rejected {
				rejected++
			}
		},
	}
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	f := newFixture(t, gate.WithLifecycleHooks(hooks), gate.WithTracerProvider(tp))
	f.call(t, "discover_instances", nil)
	f.call(t, "generate_query", nil)

	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, returns)
	assert.Equal(t, 1, rejected)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "gate.call discover_instances", spans[0].Name())
	assert.Contains(t, spans[1].Attributes(), attribute.Bool("waymark.rejected", true))
}

func TestGate_ArgumentSanitization(t *testing.T) {
	t.Run("oversized argument is rejected", func(t *testing.T) {
		f := newFixture(t, gate.WithMaxArgSize(8))
		resp := f.call(t, "discover_instances", map[string]any{"instance_id": "a-very-long-instance"})
		require.NotNil(t, resp.Rejection)
		assert.ErrorIs(t, resp.Rejection, domain.ErrInvalidArgument)
		assert.Contains(t, resp.Text, "invalid arguments")
		assert.Contains(t, resp.Text, "instance_id")

		sess, err := f.engine.GetSession(context.Background(), gate.DefaultSessionID)
		require.NoError(t, err)
		assert.Equal(t, domain.StageInit, sess.Stage)
		assert.False(t, sess.Fields.Has(domain.FieldInstanceID))
	})

	t.Run("control characters never reach the session", func(t *testing.T) {
		f := newFixture(t)
		resp := f.call(t, "generate_query", map[string]any{
			"instance_id":     "lo\x00cal",
			"database_name":   "shop\x1b",
			"collection_name": "orders",
		})
		require.False(t, resp.IsError, resp.Text)

		sess, err := f.engine.GetSession(context.Background(), gate.DefaultSessionID)
		require.NoError(t, err)
		assert.Equal(t, "local", sess.Fields.InstanceID)
		assert.Equal(t, "shop", sess.Fields.DatabaseName)
	})
}
