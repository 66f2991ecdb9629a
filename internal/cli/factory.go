package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/aretw0/waymark"
	"github.com/aretw0/waymark/internal/config"
	"github.com/aretw0/waymark/internal/logging"
	waymarkhttp "github.com/aretw0/waymark/pkg/adapters/http"
	"github.com/aretw0/waymark/pkg/adapters/process"
	"github.com/aretw0/waymark/pkg/gate"
	"github.com/aretw0/waymark/pkg/observability"
	"github.com/aretw0/waymark/pkg/persistence/middleware"
	"github.com/aretw0/waymark/pkg/registry"
)

// BuildOptions tunes Build for the command being run.
type BuildOptions struct {
	// LogOutput receives logs. Defaults to os.Stderr.
	LogOutput io.Writer
	// TraceOutput, when set, receives every gate span.
	TraceOutput io.Writer
	// Debug forces the debug log level.
	Debug bool
}

// Runtime is a Service built from configuration together with what the
// transports need and what must be closed on exit.
type Runtime struct {
	*waymark.Service

	Config  *config.Config
	Logger  *slog.Logger
	Metrics *prometheus.Registry
	Streams *waymarkhttp.StreamManager

	closers []func() error
}

// Close releases the store and flushes tracing, in reverse order of setup.
// It is safe on a nil Runtime.
func (r *Runtime) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i]())
	}
	return errors.Join(errs...)
}

// Build initializes a Service with standard CLI conventions.
func Build(ctx context.Context, cfg *config.Config, opts BuildOptions) (_ *Runtime, err error) {
	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}
	level := logging.ParseLevel(cfg.Log.Level)
	if opts.Debug {
		level = slog.LevelDebug
	}
	logger := logging.NewWithFormat(out, level, logging.Format(cfg.Log.Format))

	rt := &Runtime{
		Config:  cfg,
		Logger:  logger,
		Metrics: prometheus.NewRegistry(),
		Streams: waymarkhttp.NewStreamManager(logger),
	}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()
	rt.Metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opened, err := OpenStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("error opening %s store: %w", cfg.Store.Driver, err)
	}
	rt.closers = append(rt.closers, opened.Close)

	mws, err := storeMiddleware(cfg, rt.Metrics)
	if err != nil {
		return nil, err
	}
	store := middleware.Chain(opened.Store, mws...)

	tools, err := loadTools(cfg.ToolsFile, logger)
	if err != nil {
		return nil, err
	}

	svcOpts := []waymark.Option{
		waymark.WithLogger(logger),
		waymark.WithTools(tools),
		waymark.WithCacheTTL(cfg.Cache.TTL),
		waymark.WithMaxArgSize(cfg.MaxArgSize),
		waymark.WithLifecycleHooks(observability.LoggingHooks(logger)),
		waymark.WithLifecycleHooks(observability.NewMetrics(rt.Metrics).Hooks()),
		waymark.WithLifecycleHooks(rt.Streams.Hooks()),
	}
	if opened.Locker != nil {
		svcOpts = append(svcOpts, waymark.WithDistributedLocker(opened.Locker, 0))
	}
	if opts.TraceOutput != nil {
		tp, err := NewTracerProvider(opts.TraceOutput, strings.TrimSpace(waymark.Version))
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func() error { return tp.Shutdown(context.Background()) })
		svcOpts = append(svcOpts, waymark.WithTracerProvider(tp))
	}

	rt.Service, err = waymark.New(store, svcOpts...)
	if err != nil {
		return nil, fmt.Errorf("error initializing waymark: %w", err)
	}
	return rt, nil
}

// storeMiddleware orders the chain so metrics see the caller's latency and
// PII is masked before anything is encrypted.
func storeMiddleware(cfg *config.Config, reg prometheus.Registerer) ([]middleware.Middleware, error) {
	mws := []middleware.Middleware{
		middleware.NewMetricsMiddleware(middleware.NewStoreMetrics(reg)),
	}
	if len(cfg.PIIPatterns) > 0 {
		mws = append(mws, middleware.NewPIIMiddleware(cfg.PIIPatterns))
	}
	active, fallback, err := cfg.Encryption.Keys()
	if err != nil {
		return nil, err
	}
	if active != nil {
		mws = append(mws, middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{
			ActiveKey:    active,
			FallbackKeys: fallback,
		}))
	}
	return mws, nil
}

// loadTools merges external process tools into the default catalog.
func loadTools(path string, logger *slog.Logger) ([]registry.Spec, error) {
	base := gate.DefaultCatalog(nil)
	if path == "" {
		return base, nil
	}
	configs, err := process.LoadTools(path)
	if err != nil {
		return nil, err
	}
	if len(configs) == 0 {
		logger.Debug("No process tools configured", "path", path)
		return base, nil
	}
	runner := process.NewRunner(
		process.WithTools(configs),
		process.WithBaseDir(filepath.Dir(path)),
		process.WithLogger(logger),
	)
	specs, err := process.Specs(configs, runner, base)
	if err != nil {
		return nil, fmt.Errorf("invalid tools config %s: %w", path, err)
	}
	logger.Info("Process tools loaded", "path", path, "count", len(configs))
	return specs, nil
}
