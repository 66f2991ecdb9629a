package process_test

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/waymark/pkg/adapters/process"
	"github.com/aretw0/waymark/pkg/domain"
	"github.com/aretw0/waymark/pkg/registry"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("process tests use sh")
	}
}

func shell(script string) process.Process {
	return process.Process{Command: "sh", Args: []string{"-c", script}}
}

func callAt(stage domain.Stage, args map[string]any) registry.Call {
	s := domain.NewSession("s1", time.Now())
	s.Stage = stage
	s.Fields.InstanceID = "local"
	return registry.Call{SessionID: "s1", Args: args, Session: s}
}

func TestRunner_Execute(t *testing.T) {
	requireShell(t)
	r := process.NewRunner()
	r.Register("hello", shell("echo hello"))
	r.Register("echo_env", shell(`echo "$WAYMARK_ARG_MSG $WAYMARK_SESSION_ID $WAYMARK_STAGE $WAYMARK_FIELD_INSTANCE_ID"`))
	r.Register("echo_json_arg", shell(`echo "$WAYMARK_ARG_FILTER"`))
	r.Register("static_env", process.Process{Command: "sh", Args: []string{"-c", "echo $TARGET"}, Env: map[string]string{"TARGET": "staging"}})

	tests := []struct {
		name string
		tool string
		args map[string]any
		want string
	}{
		{name: "registered command", tool: "hello", want: "hello"},
		{name: "args and session context via env", tool: "echo_env", args: map[string]any{"msg": "SecretMessage"}, want: "SecretMessage s1 instance_selection local"},
		{name: "complex args as json", tool: "echo_json_arg", args: map[string]any{"filter": map[string]any{"status": "paid"}}, want: `{"status":"paid"}`},
		{name: "configured env", tool: "static_env", want: "staging"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Execute(context.Background(), tt.tool, callAt(domain.StageInstanceSelection, tt.args))
			require.NoError(t, err)
			assert.False(t, res.IsError, res.Text)
			assert.Equal(t, tt.want, res.Text)
		})
	}
}

func TestRunner_Unregistered(t *testing.T) {
	r := process.NewRunner()
	res, err := r.Execute(context.Background(), "hacker_script", callAt(domain.StageInit, nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Text, "not registered")
}

func TestRunner_StructuredOutput(t *testing.T) {
	requireShell(t)
	r := process.NewRunner()
	r.Register("pick", shell(`echo '{"text":"picked shop","produced":{"db":"shop","side_data":{"rows":3}}}'`))
	r.Register("plain_json", shell(`echo '[1,2,3]'`))
	r.Register("soft_fail", shell(`echo '{"text":"no collections","is_error":true}'`))

	res, err := r.Execute(context.Background(), "pick", callAt(domain.StageDatabaseAnalysis, nil))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "picked shop", res.Text)
	require.NotNil(t, res.Produced.DatabaseName)
	assert.Equal(t, "shop", *res.Produced.DatabaseName)

	res, err = r.Execute(context.Background(), "plain_json", callAt(domain.StageInit, nil))
	require.NoError(t, err)
	assert.Equal(t, "[1,2,3]", res.Text)
	assert.True(t, res.Produced.Empty())

	res, err = r.Execute(context.Background(), "soft_fail", callAt(domain.StageInit, nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestRunner_Crash(t *testing.T) {
	requireShell(t)
	r := process.NewRunner()
	r.Register("crashy", shell(`echo "Something went terribly wrong" >&2; exit 123`))

	res, err := r.Execute(context.Background(), "crashy", callAt(domain.StageInit, nil))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Text, "exit status 123")
	assert.Contains(t, res.Text, "Something went terribly wrong")
}

func TestRunner_GracefulCancel(t *testing.T) {
	requireShell(t)
	r := process.NewRunner(process.WithGracePeriod(3 * time.Second))
	r.Register("good_citizen", shell(`trap 'exit 0' INT; sleep 10 >/dev/null 2>&1 & wait`))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := r.Execute(ctx, "good_citizen", callAt(domain.StageInit, nil))
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Text, "deadline exceeded")
	assert.Less(t, elapsed, 3*time.Second, "interrupted process should exit before the grace period")
}

func TestRunner_KillAfterGrace(t *testing.T) {
	requireShell(t)
	if testing.Short() {
		t.Skip("skipping slow test in short mode")
	}
	r := process.NewRunner(process.WithGracePeriod(500 * time.Millisecond))
	r.Register("bad_citizen", process.Process{
		Command: "sh",
		Args:    []string{"-c", `trap '' INT; sleep 10 >/dev/null 2>&1 & wait`},
		Timeout: 200 * time.Millisecond,
	})

	start := time.Now()
	res, err := r.Execute(context.Background(), "bad_citizen", callAt(domain.StageInit, nil))
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.GreaterOrEqual(t, elapsed, 700*time.Millisecond)
	assert.Less(t, elapsed, 5*time.Second)
}
