package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/aretw0/waymark/internal/logging"
	"github.com/aretw0/waymark/pkg/domain"
	"github.com/aretw0/waymark/pkg/ports"
	"github.com/aretw0/waymark/pkg/session"
)

// DefaultCacheTTL is how long a cached record is trusted before it is
// re-read from the store.
const DefaultCacheTTL = 5 * time.Minute

// sweepConcurrency bounds parallel store calls during listing and expiry.
const sweepConcurrency = 8

const listFlightKey = "\x00list"

type cacheEntry struct {
	rec      *domain.Session // never mutated once cached
	loadedAt time.Time
}

// Engine owns the session records. All mutations of one session are
// serialized; the store is the source of truth and the cache can always be
// rebuilt from it.
type Engine struct {
	store  ports.SessionStore
	locks  *session.Manager
	logger *slog.Logger
	hooks  domain.LifecycleHooks
	now    func() time.Time

	cacheTTL time.Duration
	mu       sync.RWMutex // guards cache; never held during store I/O
	cache    map[string]cacheEntry
	flight   singleflight.Group
}

// EngineOption configures the Engine.
type EngineOption func(*Engine)

// WithLocks replaces the default in-process lock manager, typically with one
// backed by a distributed locker.
func WithLocks(m *session.Manager) EngineOption {
	return func(e *Engine) {
		e.locks = m
	}
}

// WithLogger configures structured logging.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithLifecycleHooks registers lifecycle callbacks. They run after the session lock
// is released.
func WithLifecycleHooks(hooks domain.LifecycleHooks) EngineOption {
	return func(e *Engine) {
		e.hooks = hooks
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// WithCacheTTL sets how long cached records are trusted. Zero disables the
// cache so every read goes to the store.
func WithCacheTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) {
		if ttl >= 0 {
			e.cacheTTL = ttl
		}
	}
}

// NewEngine creates an engine over store.
func NewEngine(store ports.SessionStore, opts ...EngineOption) *Engine {
	e := &Engine{
		store:    store,
		logger:   logging.NewNop(),
		now:      time.Now,
		cacheTTL: DefaultCacheTTL,
		cache:    make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.locks == nil {
		e.locks = session.NewManager(session.WithLogger(e.logger))
	}
	return e
}

// Store returns the underlying session store.
func (e *Engine) Store() ports.SessionStore {
	return e.store
}

// Outcome reports the result of Transition.
type Outcome struct {
	Committed bool
	Message   string
	Verdict   domain.Verdict
	// Session is the committed record, or the unchanged one on refusal.
	Session *domain.Session
}

func persistence(op, id string, err error) error {
	return &domain.PersistenceError{Op: op, SessionID: id, Err: err}
}

// cacheEnabled is false with a distributed locker: another instance may have
// written the record, so every critical section reloads from the store.
func (e *Engine) cacheEnabled() bool {
	return e.cacheTTL > 0 && !e.locks.Distributed()
}

func (e *Engine) cached(id string) *domain.Session {
	if !e.cacheEnabled() {
		return nil
	}
	e.mu.RLock()
	entry, ok := e.cache[id]
	e.mu.RUnlock()
	if !ok || e.now().Sub(entry.loadedAt) > e.cacheTTL {
		return nil
	}
	return entry.rec
}

func (e *Engine) put(rec *domain.Session) {
	if !e.cacheEnabled() {
		return
	}
	e.mu.Lock()
	e.cache[rec.ID] = cacheEntry{rec: rec, loadedAt: e.now()}
	e.mu.Unlock()
}

func (e *Engine) evict(id string) {
	e.mu.Lock()
	delete(e.cache, id)
	e.mu.Unlock()
}

func (e *Engine) cachedIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.cache))
	for id := range e.cache {
		ids = append(ids, id)
	}
	return ids
}

// load returns the current record. The caller holds the session lock, so the
// result is authoritative until the lock is released.
func (e *Engine) load(ctx context.Context, id string) (*domain.Session, error) {
	if rec := e.cached(id); rec != nil {
		return rec, nil
	}
	rec, err := e.store.Load(ctx, id)
	if errors.Is(err, domain.ErrSessionNotFound) {
		e.evict(id)
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, persistence("load", id, err)
	}
	e.put(rec)
	return rec, nil
}

// commit persists next and publishes it to the cache only after the store
// accepted it.
func (e *Engine) commit(ctx context.Context, op string, next *domain.Session) error {
	if err := e.store.Save(ctx, next); err != nil {
		e.logger.Error("Failed to persist session", "op", op, "session_id", next.ID, "err", err)
		return persistence(op, next.ID, err)
	}
	e.put(next)
	return nil
}

// CreateSession creates a new session at the initial stage. An empty id gets
// a generated one. An existing id is rejected with domain.ErrSessionExists;
// use GetOrCreate for idempotent creation.
func (e *Engine) CreateSession(ctx context.Context, id string) (*domain.Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	var created *domain.Session
	err := e.locks.WithLock(ctx, id, func(ctx context.Context) error {
		_, err := e.load(ctx, id)
		if err == nil {
			return fmt.Errorf("%w: %s", domain.ErrSessionExists, id)
		}
		if !errors.Is(err, domain.ErrSessionNotFound) {
			return err
		}
		s := domain.NewSession(id, e.now())
		if err := e.commit(ctx, "create", s); err != nil {
			return err
		}
		created = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Debug("Session created", "session_id", id)
	return created.Clone(), nil
}

// GetSession returns a copy of the session, reading through the cache.
func (e *Engine) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	if rec := e.cached(id); rec != nil {
		return rec.Clone(), nil
	}
	// Misses load under the session lock so a slow read cannot republish a
	// record that a concurrent mutation already replaced.
	v, err := e.shared(ctx, id, func(ctx context.Context) (any, error) {
		var rec *domain.Session
		err := e.locks.WithLock(ctx, id, func(ctx context.Context) error {
			var err error
			rec, err = e.load(ctx, id)
			return err
		})
		return rec, err
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Session).Clone(), nil
}

// GetOrCreate returns the session, creating it when missing.
func (e *Engine) GetOrCreate(ctx context.Context, id string) (*domain.Session, error) {
	if rec := e.cached(id); rec != nil {
		return rec.Clone(), nil
	}
	var rec *domain.Session
	err := e.locks.WithLock(ctx, id, func(ctx context.Context) error {
		var err error
		rec, err = e.load(ctx, id)
		if !errors.Is(err, domain.ErrSessionNotFound) {
			return err
		}
		rec = domain.NewSession(id, e.now())
		return e.commit(ctx, "create", rec)
	})
	if err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// CanTransition reports whether target is reachable now and why not.
func (e *Engine) CanTransition(ctx context.Context, id string, target domain.Stage) (domain.Verdict, error) {
	s, err := e.GetSession(ctx, id)
	if err != nil {
		return domain.Verdict{}, err
	}
	return domain.Check(s, target), nil
}

// Transition validates and commits a move to target, applying patch. A
// refused move is reported in the Outcome and leaves the session untouched;
// the error is reserved for missing sessions and persistence failures.
func (e *Engine) Transition(ctx context.Context, id string, target domain.Stage, patch domain.Patch) (Outcome, error) {
	return e.transition(ctx, id, target, patch, false)
}

// TransitionWith is Transition where the patch counts towards the target's
// requirements. Fields and stage are committed together or not at all.
func (e *Engine) TransitionWith(ctx context.Context, id string, target domain.Stage, patch domain.Patch) (Outcome, error) {
	return e.transition(ctx, id, target, patch, true)
}

func (e *Engine) transition(ctx context.Context, id string, target domain.Stage, patch domain.Patch, prefill bool) (Outcome, error) {
	var (
		out   Outcome
		event *domain.SessionEvent
	)
	err := e.locks.WithLock(ctx, id, func(ctx context.Context) error {
		cur, err := e.load(ctx, id)
		if err != nil {
			return err
		}
		refused := func(v domain.Verdict) {
			out.Verdict, out.Message, out.Session = v, v.Reason, cur.Clone()
		}

		subject := cur
		if prefill {
			staged := cur.Clone()
			if err := staged.Apply(patch); err != nil {
				v, ok := domain.Refusal(err)
				if !ok {
					return err
				}
				refused(v)
				return nil
			}
			subject = staged
		}
		verdict := domain.Check(subject, target)
		if !verdict.Allowed {
			refused(verdict)
			return nil
		}

		next := cur.Clone()
		if err := next.Advance(target, patch, e.now()); err != nil {
			v, ok := domain.Refusal(err)
			if !ok {
				return err
			}
			refused(v)
			return nil
		}
		if err := e.commit(ctx, "transition", next); err != nil {
			return err
		}

		out.Verdict = verdict
		out.Committed = true
		out.Message = fmt.Sprintf("Transitioned from %s to %s", cur.Stage, target)
		out.Session = next.Clone()
		event = e.event(domain.EventTransition, cur, next)
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	if out.Committed {
		e.logger.Info("Session transitioned", "session_id", id, "from", event.From, "to", event.To)
		e.emit(ctx, e.hooks.OnTransition, event)
	} else {
		e.logger.Debug("Transition refused", "session_id", id, "target", target, "reason", out.Message)
	}
	return out, nil
}

// Update merges patch into the session without moving it.
func (e *Engine) Update(ctx context.Context, id string, patch domain.Patch) (*domain.Session, error) {
	var (
		updated *domain.Session
		event   *domain.SessionEvent
	)
	err := e.locks.WithLock(ctx, id, func(ctx context.Context) error {
		cur, err := e.load(ctx, id)
		if err != nil {
			return err
		}
		next := cur.Clone()
		if err := next.Apply(patch); err != nil {
			return err
		}
		next.Touch(e.now())
		if err := e.commit(ctx, "update", next); err != nil {
			return err
		}
		updated = next
		event = e.event(domain.EventUpdate, cur, next)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(ctx, e.hooks.OnUpdate, event)
	return updated.Clone(), nil
}

// Reset returns the session to the initial stage with no fields or history.
// Resetting twice is the same as resetting once.
func (e *Engine) Reset(ctx context.Context, id string) (*domain.Session, error) {
	var (
		reset *domain.Session
		event *domain.SessionEvent
	)
	err := e.locks.WithLock(ctx, id, func(ctx context.Context) error {
		cur, err := e.load(ctx, id)
		if err != nil {
			return err
		}
		next := cur.Clone()
		next.Reset(e.now())
		if err := e.commit(ctx, "reset", next); err != nil {
			return err
		}
		reset = next
		event = e.event(domain.EventReset, cur, next)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("Session reset", "session_id", id)
	e.emit(ctx, e.hooks.OnReset, event)
	return reset.Clone(), nil
}

// Delete removes the session from the cache and the store. It reports
// whether the session existed.
func (e *Engine) Delete(ctx context.Context, id string) (bool, error) {
	existed := false
	err := e.locks.WithLock(ctx, id, func(ctx context.Context) error {
		_, err := e.load(ctx, id)
		switch {
		case errors.Is(err, domain.ErrSessionNotFound):
			return nil
		case err != nil:
			return err
		}
		if err := e.store.Delete(ctx, id); err != nil {
			return persistence("delete", id, err)
		}
		e.evict(id)
		existed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if existed {
		e.logger.Info("Session deleted", "session_id", id)
	}
	return existed, nil
}

// shared coalesces concurrent calls for key. The flight runs detached from
// any single caller; a cancelled caller stops waiting without failing the
// others.
func (e *Engine) shared(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	flightCtx := context.WithoutCancel(ctx)
	ch := e.flight.DoChan(key, func() (any, error) {
		return fn(flightCtx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}

// ListSessions returns every known session, newest update first.
func (e *Engine) ListSessions(ctx context.Context) ([]*domain.Session, error) {
	v, err := e.shared(ctx, listFlightKey, func(ctx context.Context) (any, error) {
		return e.listSessions(ctx)
	})
	if err != nil {
		return nil, err
	}
	shared := v.([]*domain.Session)
	out := make([]*domain.Session, len(shared))
	for i, s := range shared {
		out[i] = s.Clone()
	}
	return out, nil
}

func (e *Engine) knownIDs(ctx context.Context) ([]string, error) {
	stored, err := e.store.List(ctx)
	if err != nil {
		return nil, persistence("list", "", err)
	}
	seen := make(map[string]struct{}, len(stored))
	ids := make([]string, 0, len(stored))
	for _, id := range append(stored, e.cachedIDs()...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}

func (e *Engine) listSessions(ctx context.Context) ([]*domain.Session, error) {
	ids, err := e.knownIDs(ctx)
	if err != nil {
		return nil, err
	}

	records := make([]*domain.Session, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			if rec := e.cached(id); rec != nil {
				records[i] = rec
				return nil
			}
			rec, err := e.store.Load(gctx, id)
			if errors.Is(err, domain.ErrSessionNotFound) {
				// Deleted or expired since List.
				return nil
			}
			if err != nil {
				return persistence("load", id, err)
			}
			records[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]*domain.Session, 0, len(records))
	for _, rec := range records {
		if rec != nil {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// ExpireOlderThan removes sessions whose last update is strictly older than
// now-maxAge and returns how many were removed. Each candidate is re-read
// from the store under its lock, and stores that support it delete only if
// the record is still the one that was judged expired.
func (e *Engine) ExpireOlderThan(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := e.now().Add(-maxAge)
	ids, err := e.knownIDs(ctx)
	if err != nil {
		return 0, err
	}

	conditional, _ := e.store.(ports.ConditionalDeleter)
	var removed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			var event *domain.SessionEvent
			err := e.locks.WithLock(gctx, id, func(ctx context.Context) error {
				rec, err := e.store.Load(ctx, id)
				if errors.Is(err, domain.ErrSessionNotFound) {
					e.evict(id)
					return nil
				}
				if err != nil {
					return persistence("load", id, err)
				}
				if !rec.UpdatedAt.Before(cutoff) {
					return nil
				}
				if conditional != nil {
					ok, err := conditional.DeleteIfUnchanged(ctx, id, rec.UpdatedAt)
					if err != nil {
						return persistence("expire", id, err)
					}
					if !ok {
						e.logger.Debug("Session changed during sweep, retained", "session_id", id)
						e.evict(id)
						return nil
					}
				} else if err := e.store.Delete(ctx, id); err != nil {
					return persistence("expire", id, err)
				}
				e.evict(id)
				removed.Add(1)
				event = &domain.SessionEvent{
					EventBase: domain.EventBase{Timestamp: e.now(), Type: domain.EventExpire, SessionID: id},
					From:      rec.Stage,
				}
				return nil
			})
			if err == nil && event != nil {
				e.emit(ctx, e.hooks.OnExpire, event)
			}
			return err
		})
	}
	err = g.Wait()
	n := int(removed.Load())
	if n > 0 {
		e.logger.Info("Expired sessions", "count", n, "max_age", maxAge)
	}
	return n, err
}

// BackupAll asks the store for a durable snapshot and returns its location.
func (e *Engine) BackupAll(ctx context.Context) (string, error) {
	loc, err := e.store.Backup(ctx)
	if err != nil {
		return "", persistence("backup", "", err)
	}
	e.logger.Info("Sessions backed up", "location", loc)
	return loc, nil
}

// CurrentStageInfo describes where the session is and which moves are
// currently legal.
func (e *Engine) CurrentStageInfo(ctx context.Context, id string) (domain.StageInfo, error) {
	s, err := e.GetSession(ctx, id)
	if err != nil {
		return domain.StageInfo{}, err
	}
	return domain.Describe(s), nil
}

// Progress returns the session's completion percentage.
func (e *Engine) Progress(ctx context.Context, id string) (float64, error) {
	s, err := e.GetSession(ctx, id)
	if err != nil {
		return 0, err
	}
	return domain.Progress(s.Stage), nil
}

// Summary returns the flat summary of the session.
func (e *Engine) Summary(ctx context.Context, id string) (domain.Summary, error) {
	s, err := e.GetSession(ctx, id)
	if err != nil {
		return domain.Summary{}, err
	}
	return s.Summarize(), nil
}

func (e *Engine) event(kind domain.EventType, before, after *domain.Session) *domain.SessionEvent {
	return &domain.SessionEvent{
		EventBase: domain.EventBase{Timestamp: after.UpdatedAt, Type: kind, SessionID: after.ID},
		From:      before.Stage,
		To:        after.Stage,
		Diff:      domain.Diff(before, after),
	}
}

func (e *Engine) emit(ctx context.Context, hook func(context.Context, *domain.SessionEvent), event *domain.SessionEvent) {
	if hook != nil && event != nil {
		hook(ctx, event)
	}
}
