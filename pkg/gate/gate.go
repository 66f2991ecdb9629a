package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aretw0/waymark/internal/logging"
	"github.com/aretw0/waymark/internal/runtime"
	"github.com/aretw0/waymark/pkg/domain"
	"github.com/aretw0/waymark/pkg/registry"
)

// DefaultSessionID is used when a call carries no session_id.
const DefaultSessionID = "default"

// SessionArg is the call argument naming the session.
const SessionArg = "session_id"

const tracerName = "github.com/aretw0/waymark/pkg/gate"

// Gate validates tool calls against the session's stage and delegates the
// allowed ones.
type Gate struct {
	engine   *runtime.Engine
	registry *registry.Registry
	logger   *slog.Logger
	hooks    domain.LifecycleHooks
	tracer   trace.Tracer
	now      func() time.Time

	maxArgSize int
}

// Option configures the Gate.
type Option func(*Gate)

// WithLogger configures structured logging.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		g.logger = logger
	}
}

// WithLifecycleHooks registers OnToolCall and OnToolReturn callbacks.
func WithLifecycleHooks(hooks domain.LifecycleHooks) Option {
	return func(g *Gate) {
		g.hooks = hooks
	}
}

// WithTracerProvider overrides the global OpenTelemetry provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(g *Gate) {
		g.tracer = tp.Tracer(tracerName)
	}
}

// WithMaxArgSize bounds string arguments, in bytes. Zero or less disables
// the bound.
func WithMaxArgSize(n int) Option {
	return func(g *Gate) {
		g.maxArgSize = n
	}
}

// New creates a gate and registers the unrestricted workflow tools into reg.
func New(engine *runtime.Engine, reg *registry.Registry, opts ...Option) *Gate {
	g := &Gate{
		engine:   engine,
		registry: reg,
		logger:   logging.NewNop(),
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,

		maxArgSize: DefaultMaxArgSize,
	}
	for _, opt := range opts {
		opt(g)
	}
	reg.MustRegister(g.builtins()...)
	return g
}

// Registry returns the tool registry.
func (g *Gate) Registry() *registry.Registry {
	return g.registry
}

// Engine returns the workflow engine.
func (g *Gate) Engine() *runtime.Engine {
	return g.engine
}

// SessionID extracts the session id from call arguments.
func SessionID(args map[string]any) string {
	if id, ok := args[SessionArg].(string); ok && strings.TrimSpace(id) != "" {
		return id
	}
	return DefaultSessionID
}

// Call runs the named tool through the gate. Rejections and tool failures
// are reported in the Response; the error is reserved for unknown tools and
// conditions the gate cannot recover from, such as persistence failures.
func (g *Gate) Call(ctx context.Context, name string, args map[string]any) (resp *Response, err error) {
	spec, ok := g.registry.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrToolNotFound, name)
	}
	if args == nil {
		args = map[string]any{}
	}
	sessionID := SessionID(args)

	ctx, span := g.tracer.Start(ctx, "gate.call "+name, trace.WithAttributes(
		attribute.String("waymark.tool", name),
		attribute.String("waymark.session_id", sessionID),
	))
	start := g.now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.Bool("waymark.rejected", resp.Rejection != nil),
				attribute.Bool("waymark.bypass", resp.Bypass != nil),
			)
		}
		span.End()
	}()

	sess, err := g.engine.GetOrCreate(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	event := &domain.ToolEvent{
		EventBase: domain.EventBase{Timestamp: start, Type: domain.EventToolCall, SessionID: sessionID},
		Stage:     sess.Stage,
		ToolName:  name,
	}
	if g.hooks.OnToolCall != nil {
		g.hooks.OnToolCall(ctx, event)
	}
	defer func() {
		if err != nil || g.hooks.OnToolReturn == nil {
			return
		}
		ret := *event
		ret.Type = domain.EventToolReturn
		ret.Timestamp = g.now()
		ret.Duration = ret.Timestamp.Sub(start)
		ret.Rejected = resp.Rejection != nil
		ret.Bypass = resp.Bypass != nil
		ret.IsError = resp.IsError
		g.hooks.OnToolReturn(ctx, &ret)
	}()

	clean, err := SanitizeArgs(args, g.maxArgSize)
	if err != nil {
		return g.reject(spec, sess, invalidArguments(err)), nil
	}
	args = clean

	if spec.Unrestricted {
		return g.run(ctx, spec, sessionID, args, sess, nil)
	}

	callPatch, err := domain.PatchFromArgs(args)
	if err != nil {
		return g.reject(spec, sess, invalidArguments(err)), nil
	}

	var bypass *Bypass
	if !slices.Contains(spec.Stages, sess.Stage) {
		var missing []domain.Field
		bypass, missing = skipAhead(spec, sess, callPatch)
		if bypass == nil {
			return g.reject(spec, sess, &Rejection{
				Kind:    domain.ErrStageViolation,
				Missing: missing,
				Reason:  stageViolation(spec, sess.Stage, missing),
			}), nil
		}
	}

	if spec.Advance == domain.StageQueryRefinement {
		fields, err := callPatch.ApplyTo(sess.Fields)
		if err == nil && fields.RefinementCount >= fields.MaxRefinements {
			err = fmt.Errorf("refinement limit reached (%d/%d)", fields.RefinementCount, fields.MaxRefinements)
		}
		if err != nil {
			return g.reject(spec, sess, &Rejection{Kind: domain.ErrRefinementLimit, Reason: err.Error()}), nil
		}
	}

	// Call arguments become session data only once the call is allowed.
	if !callPatch.Empty() {
		updated, err := g.engine.Update(ctx, sessionID, callPatch)
		if err != nil {
			if v, ok := domain.Refusal(err); ok {
				return g.reject(spec, sess, &Rejection{Kind: v.Err(), Missing: v.Missing, Reason: v.Reason}), nil
			}
			return nil, err
		}
		sess = updated
	}
	return g.run(ctx, spec, sessionID, args, sess, bypass)
}

// skipAhead checks the tool's prerequisites against the session's fields
// plus the fields carried by the call itself.
func skipAhead(spec registry.Spec, sess *domain.Session, callPatch domain.Patch) (*Bypass, []domain.Field) {
	if len(spec.Requires) == 0 {
		return nil, nil
	}
	combined, err := callPatch.ApplyTo(sess.Fields)
	if err != nil {
		combined = sess.Fields
	}
	if missing := combined.Missing(spec.Requires); len(missing) > 0 {
		return nil, missing
	}
	b := &Bypass{From: sess.Stage}
	for _, f := range spec.Requires {
		source := SourceSession
		if !sess.Fields.Has(f) {
			source = SourceCall
		}
		b.Fields = append(b.Fields, Authorization{Field: f, Source: source})
	}
	return b, nil
}

func invalidArguments(err error) *Rejection {
	return &Rejection{
		Kind:   domain.ErrInvalidArgument,
		Reason: fmt.Sprintf("invalid arguments: %v", err),
	}
}

func stageViolation(spec registry.Spec, stage domain.Stage, missing []domain.Field) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s cannot run at stage %s (allowed at: %s)", spec.Name, stage, joinStages(spec.Stages))
	if len(missing) > 0 {
		fmt.Fprintf(&b, "; provide %s to run it from here", domain.JoinFields(missing))
	}
	return b.String()
}

func (g *Gate) reject(spec registry.Spec, sess *domain.Session, r *Rejection) *Response {
	r.Tool = spec.Name
	r.Stage = sess.Stage
	r.Description = sess.Stage.Description()
	if r.Missing == nil {
		r.Missing = []domain.Field{}
	}
	for _, n := range domain.Neighbors(sess) {
		r.Neighbors = append(r.Neighbors, NeighborStatus{Stage: n.Stage, Satisfiable: n.Satisfiable, Reason: n.Reason})
	}
	g.logger.Info("Tool call rejected",
		"tool_name", spec.Name,
		"session_id", sess.ID,
		"stage", sess.Stage,
		"reason", r.Reason,
	)
	resp := &Response{
		Tool:      spec.Name,
		SessionID: sess.ID,
		Stage:     sess.Stage,
		Rejection: r,
		IsError:   true,
	}
	resp.Text = renderRejection(r)
	return resp
}

// run delegates to the handler, merges what it produced and applies the
// post-success advance.
func (g *Gate) run(ctx context.Context, spec registry.Spec, sessionID string, args map[string]any, sess *domain.Session, bypass *Bypass) (*Response, error) {
	result, err := spec.Handler(ctx, registry.Call{SessionID: sessionID, Args: args, Session: sess.Clone()})
	if err != nil {
		if domain.IsPersistence(err) {
			return nil, err
		}
		g.logger.Warn("Tool failed", "tool_name", spec.Name, "session_id", sessionID, "err", err)
		result = registry.Result{Text: err.Error(), IsError: true}
	}

	resp := &Response{
		Tool:      spec.Name,
		SessionID: sessionID,
		Stage:     sess.Stage,
		Bypass:    bypass,
		Output:    result.Text,
		IsError:   result.IsError,
	}
	if spec.Unrestricted || result.IsError {
		resp.Text = renderSuccess(resp)
		return resp, nil
	}

	if !result.Produced.Empty() {
		updated, err := g.engine.Update(ctx, sessionID, result.Produced)
		switch {
		case err == nil:
			sess = updated
		case domain.IsPersistence(err):
			return nil, err
		default:
			g.logger.Warn("Discarded produced fields", "tool_name", spec.Name, "session_id", sessionID, "err", err)
		}
	}

	sess, err = g.advance(ctx, spec, sess, resp)
	if err != nil {
		return nil, err
	}
	resp.Stage = sess.Stage
	for _, n := range domain.Neighbors(sess) {
		if n.Satisfiable {
			resp.Next = append(resp.Next, n)
		}
	}
	resp.Tools = g.registry.AvailableAt(sess.Stage)
	resp.Text = renderSuccess(resp)
	return resp, nil
}

// advance moves the session to the tool's post-condition stage. A refused
// move is logged and noted in the response; only persistence errors fail.
func (g *Gate) advance(ctx context.Context, spec registry.Spec, sess *domain.Session, resp *Response) (*domain.Session, error) {
	if spec.Advance == "" {
		return sess, nil
	}
	if sess.Stage == spec.Advance && !slices.Contains(domain.AllowedTargets(sess.Stage), sess.Stage) {
		return sess, nil
	}
	out, err := g.engine.Transition(ctx, sess.ID, spec.Advance, domain.Patch{})
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			g.logger.Warn("Session vanished before auto-advance", "session_id", sess.ID)
			return sess, nil
		}
		return nil, err
	}
	if !out.Committed {
		g.logger.Warn("Auto-advance failed",
			"tool_name", spec.Name,
			"session_id", sess.ID,
			"from", sess.Stage,
			"to", spec.Advance,
			"reason", out.Message,
		)
		resp.AdvanceNote = fmt.Sprintf("Stage stays at %s: %s", out.Session.Stage, out.Message)
		return out.Session, nil
	}
	resp.AdvancedFrom = sess.Stage
	return out.Session, nil
}

func joinStages(stages []domain.Stage) string {
	parts := make([]string, len(stages))
	for i, s := range stages {
		parts[i] = string(s)
	}
	return strings.Join(parts, ", ")
}
