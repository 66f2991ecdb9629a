package gate_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aretw0/waymark/internal/logging"
	"github.com/aretw0/waymark/internal/runtime"
	"github.com/aretw0/waymark/pkg/adapters/memory"
	"github.com/aretw0/waymark/pkg/domain"
	"github.com/aretw0/waymark/pkg/gate"
	"github.com/aretw0/waymark/pkg/registry"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var errDiskFull = errors.New("disk full")

type switchableStore struct {
	*memory.Store
	fail atomic.Bool
}

func (s *switchableStore) Save(ctx context.Context, session *domain.Session) error {
	if s.fail.Load() {
		return errDiskFull
	}
	return s.Store.Save(ctx, session)
}

type fixture struct {
	gate   *gate.Gate
	engine *runtime.Engine
	store  *switchableStore
	logs   *bytes.Buffer
}

func newFixture(t *testing.T, opts ...gate.Option) *fixture {
	t.Helper()
	store := &switchableStore{Store: memory.NewStore()}
	var logs bytes.Buffer
	logger := logging.NewWithFormat(&logs, slog.LevelDebug, logging.FormatJSON)

	engine := runtime.NewEngine(store, runtime.WithClock(func() time.Time { return t0 }), runtime.WithLogger(logger))
	reg := registry.NewRegistry()
	require.NoError(t, registerAll(reg, gate.DefaultCatalog(nil)))

	g := gate.New(engine, reg, append([]gate.Option{gate.WithLogger(logger)}, opts...)...)
	return &fixture{gate: g, engine: engine, store: store, logs: &logs}
}

func registerAll(reg *registry.Registry, specs []registry.Spec) error {
	for _, s := range specs {
		if err := reg.Register(s); err != nil {
			return err
		}
	}
	return nil
}

func (f *fixture) call(t *testing.T, tool string, args map[string]any) *gate.Response {
	t.Helper()
	resp, err := f.gate.Call(context.Background(), tool, args)
	require.NoError(t, err)
	return resp
}

// moveTo drives a session to stage with the full query scope collected.
func (f *fixture) moveTo(t *testing.T, id string, path ...domain.Stage) {
	t.Helper()
	ctx := context.Background()
	_, err := f.engine.GetOrCreate(ctx, id)
	require.NoError(t, err)
	_, err = f.engine.Update(ctx, id, domain.Patch{
		InstanceID:     str("local"),
		DatabaseName:   str("shop"),
		CollectionName: str("orders"),
		GeneratedQuery: map[string]any{"filter": map[string]any{"status": "paid"}},
	})
	require.NoError(t, err)
	for _, stage := range path {
		out, err := f.engine.Transition(ctx, id, stage, domain.Patch{})
		require.NoError(t, err)
		require.True(t, out.Committed, out.Message)
	}
}

func str(s string) *string { return &s }
