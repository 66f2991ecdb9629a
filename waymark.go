package waymark

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/aretw0/waymark/internal/logging"
	"github.com/aretw0/waymark/internal/runtime"
	"github.com/aretw0/waymark/pkg/domain"
	"github.com/aretw0/waymark/pkg/gate"
	"github.com/aretw0/waymark/pkg/observability"
	"github.com/aretw0/waymark/pkg/ports"
	"github.com/aretw0/waymark/pkg/registry"
	"github.com/aretw0/waymark/pkg/session"
)

// Service is the high-level entry point. It wires a store into an engine,
// a tool registry and the gate in front of them.
type Service struct {
	engine   *runtime.Engine
	registry *registry.Registry
	gate     *gate.Gate
	logger   *slog.Logger
}

type options struct {
	logger         *slog.Logger
	hooks          []domain.LifecycleHooks
	locker         ports.DistributedLocker
	lockTTL        time.Duration
	cacheTTL       *time.Duration
	clock          func() time.Time
	tools          []registry.Spec
	tracerProvider trace.TracerProvider
	maxArgSize     *int
}

// Option defines a functional option for configuring the Service.
type Option func(*options)

// WithLogger sets a custom structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLifecycleHooks registers observability hooks. It may be given more
// than once; every set of hooks runs.
func WithLifecycleHooks(hooks domain.LifecycleHooks) Option {
	return func(o *options) {
		o.hooks = append(o.hooks, hooks)
	}
}

// WithDistributedLocker serializes sessions across processes. The engine
// cache is disabled, since another process may write at any time.
func WithDistributedLocker(locker ports.DistributedLocker, ttl time.Duration) Option {
	return func(o *options) {
		o.locker = locker
		o.lockTTL = ttl
	}
}

// WithCacheTTL overrides how long cached sessions are trusted.
func WithCacheTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.cacheTTL = &ttl
	}
}

// WithClock replaces time.Now. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.clock = now
	}
}

// WithTools replaces the default tool catalog.
func WithTools(specs []registry.Spec) Option {
	return func(o *options) {
		o.tools = specs
	}
}

// WithTracerProvider sets the provider used for gate spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = tp
	}
}

// WithMaxArgSize bounds every string argument of a tool call, in bytes.
func WithMaxArgSize(n int) Option {
	return func(o *options) {
		o.maxArgSize = &n
	}
}

// New creates a Service over store.
func New(store ports.SessionStore, opts ...Option) (*Service, error) {
	o := &options{logger: logging.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	hooks := observability.Combine(o.hooks...)

	lockOpts := []session.Option{session.WithLogger(o.logger)}
	if o.locker != nil {
		lockOpts = append(lockOpts, session.WithLocker(o.locker))
		if o.lockTTL > 0 {
			lockOpts = append(lockOpts, session.WithLockTTL(o.lockTTL))
		}
	}
	engineOpts := []runtime.EngineOption{
		runtime.WithLocks(session.NewManager(lockOpts...)),
		runtime.WithLogger(o.logger),
		runtime.WithLifecycleHooks(hooks),
	}
	if o.cacheTTL != nil {
		engineOpts = append(engineOpts, runtime.WithCacheTTL(*o.cacheTTL))
	}
	if o.clock != nil {
		engineOpts = append(engineOpts, runtime.WithClock(o.clock))
	}
	engine := runtime.NewEngine(store, engineOpts...)

	tools := o.tools
	if tools == nil {
		tools = gate.DefaultCatalog(nil)
	}
	reg := registry.NewRegistry()
	for _, spec := range tools {
		if err := reg.Register(spec); err != nil {
			return nil, fmt.Errorf("invalid tool %q: %w", spec.Name, err)
		}
	}

	gateOpts := []gate.Option{
		gate.WithLogger(o.logger),
		gate.WithLifecycleHooks(hooks),
	}
	if o.tracerProvider != nil {
		gateOpts = append(gateOpts, gate.WithTracerProvider(o.tracerProvider))
	}
	if o.maxArgSize != nil {
		gateOpts = append(gateOpts, gate.WithMaxArgSize(*o.maxArgSize))
	}

	return &Service{
		engine:   engine,
		registry: reg,
		gate:     gate.New(engine, reg, gateOpts...),
		logger:   o.logger,
	}, nil
}

// Engine returns the workflow engine.
func (s *Service) Engine() *runtime.Engine {
	return s.engine
}

// Gate returns the call gate.
func (s *Service) Gate() *gate.Gate {
	return s.gate
}

// Registry returns the tool registry.
func (s *Service) Registry() *registry.Registry {
	return s.registry
}

// Call runs a tool through the gate.
func (s *Service) Call(ctx context.Context, tool string, args map[string]any) (*gate.Response, error) {
	return s.gate.Call(ctx, tool, args)
}

// RunExpiry removes sessions idle for longer than maxAge every interval
// until ctx is done. Sweep failures are logged and retried on the next tick.
func (s *Service) RunExpiry(ctx context.Context, maxAge, interval time.Duration) error {
	if maxAge <= 0 || interval <= 0 {
		return fmt.Errorf("expiry needs a positive max age and interval, got %s and %s", maxAge, interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("Session expiry started", "max_age", maxAge, "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.engine.ExpireOlderThan(ctx, maxAge); err != nil && ctx.Err() == nil {
				s.logger.Error("Session expiry failed", "err", err)
			}
		}
	}
}
