package observability

import (
	"context"
	"log/slog"

	"github.com/aretw0/waymark/pkg/domain"
)

// LoggingHooks logs every lifecycle event at Info level.
func LoggingHooks(logger *slog.Logger) domain.LifecycleHooks {
	session := func(ctx context.Context, e *domain.SessionEvent) {
		attrs := []any{"session_id", e.SessionID}
		if e.From != "" {
			attrs = append(attrs, "from", e.From)
		}
		if e.To != "" {
			attrs = append(attrs, "to", e.To)
		}
		if e.Diff != nil && len(e.Diff.Fields) > 0 {
			attrs = append(attrs, "fields", domain.JoinFields(e.Diff.Fields))
		}
		logger.InfoContext(ctx, string(e.Type), attrs...)
	}
	return domain.LifecycleHooks{
		OnTransition: session,
		OnUpdate:     session,
		OnReset:      session,
		OnExpire:     session,
		OnToolCall: func(ctx context.Context, e *domain.ToolEvent) {
			logger.InfoContext(ctx, "tool_call",
				"session_id", e.SessionID,
				"tool_name", e.ToolName,
				"stage", e.Stage,
			)
		},
		OnToolReturn: func(ctx context.Context, e *domain.ToolEvent) {
			logger.InfoContext(ctx, "tool_return",
				"session_id", e.SessionID,
				"tool_name", e.ToolName,
				"bypass", e.Bypass,
				"rejected", e.Rejected,
				"is_error", e.IsError,
				"duration", e.Duration,
			)
		},
	}
}

// Combine fans every event out to each set of hooks in order.
func Combine(all ...domain.LifecycleHooks) domain.LifecycleHooks {
	sessionFan := func(pick func(domain.LifecycleHooks) func(context.Context, *domain.SessionEvent)) func(context.Context, *domain.SessionEvent) {
		var fns []func(context.Context, *domain.SessionEvent)
		for _, h := range all {
			if fn := pick(h); fn != nil {
				fns = append(fns, fn)
			}
		}
		if len(fns) == 0 {
			return nil
		}
		return func(ctx context.Context, e *domain.SessionEvent) {
			for _, fn := range fns {
				fn(ctx, e)
			}
		}
	}
	toolFan := func(pick func(domain.LifecycleHooks) func(context.Context, *domain.ToolEvent)) func(context.Context, *domain.ToolEvent) {
		var fns []func(context.Context, *domain.ToolEvent)
		for _, h := range all {
			if fn := pick(h); fn != nil {
				fns = append(fns, fn)
			}
		}
		if len(fns) == 0 {
			return nil
		}
		return func(ctx context.Context, e *domain.ToolEvent) {
			for _, fn := range fns {
				fn(ctx, e)
			}
		}
	}
	return domain.LifecycleHooks{
		OnTransition: sessionFan(func(h domain.LifecycleHooks) func(context.Context, *domain.SessionEvent) { return h.OnTransition }),
		OnUpdate:     sessionFan(func(h domain.LifecycleHooks) func(context.Context, *domain.SessionEvent) { return h.OnUpdate }),
		OnReset:      sessionFan(func(h domain.LifecycleHooks) func(context.Context, *domain.SessionEvent) { return h.OnReset }),
		OnExpire:     sessionFan(func(h domain.LifecycleHooks) func(context.Context, *domain.SessionEvent) { return h.OnExpire }),
		OnToolCall:   toolFan(func(h domain.LifecycleHooks) func(context.Context, *domain.ToolEvent) { return h.OnToolCall }),
		OnToolReturn: toolFan(func(h domain.LifecycleHooks) func(context.Context, *domain.ToolEvent) { return h.OnToolReturn }),
	}
}
