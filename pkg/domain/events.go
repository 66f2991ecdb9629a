package domain

import (
	"context"
	"time"
)

// EventType defines the category of the event.
type EventType string

const (
	EventTransition EventType = "transition"
	EventUpdate     EventType = "update"
	EventReset      EventType = "reset"
	EventExpire     EventType = "expire"
	EventToolCall   EventType = "tool_call"
	EventToolReturn EventType = "tool_return"
)

// EventBase contains common fields for all events.
type EventBase struct {
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
}

// SessionEvent is emitted after a committed mutation.
type SessionEvent struct {
	EventBase
	From Stage        `json:"from,omitempty"`
	To   Stage        `json:"to,omitempty"`
	Diff *SessionDiff `json:"diff,omitempty"`
}

// ToolEvent represents a gated tool execution.
type ToolEvent struct {
	EventBase
	Stage    Stage         `json:"stage"`
	ToolName string        `json:"tool_name"`
	Bypass   bool          `json:"bypass,omitempty"`
	Rejected bool          `json:"rejected,omitempty"`
	IsError  bool          `json:"is_error,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// LifecycleHooks defines callbacks for engine observability.
type LifecycleHooks struct {
	OnTransition func(context.Context, *SessionEvent)
	OnUpdate     func(context.Context, *SessionEvent)
	OnReset      func(context.Context, *SessionEvent)
	OnExpire     func(context.Context, *SessionEvent)
	OnToolCall   func(context.Context, *ToolEvent)
	OnToolReturn func(context.Context, *ToolEvent)
}
