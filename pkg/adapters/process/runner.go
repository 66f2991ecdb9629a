package process

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/aretw0/waymark/internal/logging"
	"github.com/aretw0/waymark/pkg/domain"
	"github.com/aretw0/waymark/pkg/registry"
)

// EnvPrefix prefixes every variable the runner sets for a tool process.
const EnvPrefix = "WAYMARK_"

// DefaultGracePeriod is how long a canceled process has to exit after the
// interrupt before it is killed.
const DefaultGracePeriod = 5 * time.Second

// Runner executes external tools. Only registered commands run (allow-list).
type Runner struct {
	registry map[string]Process
	baseDir  string
	grace    time.Duration
	logger   *slog.Logger
}

// Process is an allowed command.
type Process struct {
	Command string
	Args    []string
	Env     map[string]string
	// Timeout bounds one execution. Zero means the caller's context only.
	Timeout time.Duration
}

// RunnerOption configures the runner.
type RunnerOption func(*Runner)

// WithTools populates the allow-list from a loaded config.
func WithTools(tools []ToolConfig) RunnerOption {
	return func(r *Runner) {
		for _, t := range tools {
			timeout, _ := t.timeout()
			r.Register(t.Name, Process{Command: t.Command, Args: t.Args, Env: t.Environment, Timeout: timeout})
		}
	}
}

// WithBaseDir sets the working directory for executed processes.
func WithBaseDir(dir string) RunnerOption {
	return func(r *Runner) {
		r.baseDir = dir
	}
}

// WithGracePeriod overrides DefaultGracePeriod.
func WithGracePeriod(d time.Duration) RunnerOption {
	return func(r *Runner) {
		r.grace = d
	}
}

// WithLogger configures structured logging.
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logger
	}
}

// NewRunner creates a new Process Runner.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		registry: make(map[string]Process),
		grace:    DefaultGracePeriod,
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a trusted command to the allow-list.
func (r *Runner) Register(name string, p Process) {
	r.registry[name] = p
}

// Handler adapts the named process to a registry handler.
func (r *Runner) Handler(name string) registry.Handler {
	return func(ctx context.Context, call registry.Call) (registry.Result, error) {
		return r.Execute(ctx, name, call)
	}
}

// output is the optional structured stdout of a tool.
type output struct {
	Text     string         `json:"text"`
	Produced map[string]any `json:"produced"`
	IsError  bool           `json:"is_error"`
}

// Execute runs the named process. Failures of the process itself are
// reported as error results; the returned error is reserved for the runner.
func (r *Runner) Execute(ctx context.Context, name string, call registry.Call) (registry.Result, error) {
	proc, ok := r.registry[name]
	if !ok {
		return registry.Result{
			IsError: true,
			Text:    fmt.Sprintf("process tool not registered: %s", name),
		}, nil
	}

	if proc.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, proc.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, proc.Command, proc.Args...)
	cmd.Dir = r.baseDir
	// Interrupt first, kill after the grace period.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = r.grace

	// Arguments travel as environment variables, never as command flags.
	cmd.Env = append(cmd.Environ(), environment(proc, call)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	r.logger.Debug("Process tool finished",
		"tool_name", name,
		"session_id", call.SessionID,
		"duration", time.Since(start),
		"err", err,
	)
	if err != nil {
		msg := fmt.Sprintf("execution failed: %v", err)
		if s := strings.TrimSpace(stderr.String()); s != "" {
			msg += ". Stderr: " + s
		}
		return registry.Result{IsError: true, Text: msg}, nil
	}
	return parseOutput(stdout.String())
}

func environment(proc Process, call registry.Call) []string {
	var env []string
	for k, v := range proc.Env {
		env = append(env, k+"="+v)
	}
	env = append(env, EnvPrefix+"SESSION_ID="+call.SessionID)
	if call.Session != nil {
		env = append(env, EnvPrefix+"STAGE="+string(call.Session.Stage))
		for _, f := range domain.AllFields {
			if call.Session.Fields.Has(f) {
				env = append(env, EnvPrefix+"FIELD_"+strings.ToUpper(string(f))+"="+stringify(call.Session.Fields.Value(f)))
			}
		}
	}
	for k, v := range call.Args {
		env = append(env, EnvPrefix+"ARG_"+strings.ToUpper(k)+"="+stringify(v))
	}
	return env
}

// stringify prints primitives as-is and everything else as JSON.
func stringify(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	case int, int64, float64, bool:
		return fmt.Sprintf("%v", v)
	}
	if data, err := sonic.ConfigStd.Marshal(v); err == nil {
		return string(data)
	}
	return fmt.Sprintf("%v", v)
}

// parseOutput accepts either plain text or a JSON object with text,
// produced and is_error keys.
func parseOutput(raw string) (registry.Result, error) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") || !strings.HasSuffix(trimmed, "}") {
		return registry.Result{Text: trimmed}, nil
	}
	var out output
	if err := sonic.ConfigStd.UnmarshalFromString(trimmed, &out); err != nil || (out.Text == "" && out.Produced == nil && !out.IsError) {
		// Some other JSON document; pass it through.
		return registry.Result{Text: trimmed}, nil
	}
	patch, err := domain.PatchFromArgs(out.Produced)
	if err != nil {
		return registry.Result{IsError: true, Text: fmt.Sprintf("invalid produced fields: %v", err)}, nil
	}
	return registry.Result{Text: out.Text, Produced: patch, IsError: out.IsError}, nil
}
