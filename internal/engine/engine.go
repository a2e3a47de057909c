// Package engine implements the feature-flag evaluation engine: layered
// targeting on top of a stable percentage-rollout bucketing, backed by an
// in-memory registry that mirrors itself into a snapshot store.
//
// Evaluation is synchronous and never touches I/O. Mutations apply to the
// registry first and schedule a best-effort background write of the full
// snapshot; the in-memory state is the source of truth and a failed write
// is logged, never rolled back.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/matt-riley/gatez/internal/core"
	"github.com/matt-riley/gatez/internal/registry"
	"github.com/matt-riley/gatez/internal/storage"
)

const (
	persistTimeout   = 2 * time.Second
	defaultQueueSize = 16
)

// Stats summarizes the engine state for diagnostics.
type Stats struct {
	TotalFlags   int      `json:"totalFlags"`
	EnabledFlags int      `json:"enabledFlags"`
	SubjectID    string   `json:"subjectId,omitempty"`
	Groups       []string `json:"groups,omitempty"`
}

// EvaluationHook observes every evaluation outcome, e.g. for Prometheus
// counters. It must not block.
type EvaluationHook func(key string, decision core.Decision)

// PersistHook observes the outcome of every background snapshot write.
type PersistHook func(err error)

type persistJob struct {
	snapshot storage.Snapshot
	erase    bool
	done     []chan struct{}
}

// Engine owns the flag registry and evaluation context.
type Engine struct {
	store    storage.Store
	registry *registry.Registry
	defaults []core.FlagDefinition
	log      *slog.Logger
	now      func() time.Time

	onEvaluation EvaluationHook
	onPersist    PersistHook

	mu   sync.RWMutex
	ectx core.EvaluationContext

	jobs      chan persistJob
	quit      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Option configures optional engine parameters.
type Option func(*Engine)

// WithLogger sets the engine logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithDefaults registers the built-in definitions seeded during Initialize
// for keys the persisted snapshot does not cover.
func WithDefaults(defaults []core.FlagDefinition) Option {
	return func(e *Engine) { e.defaults = defaults }
}

// WithClock overrides the time source, used by expiry checks and snapshot
// stamps. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithEvaluationHook registers a hook invoked on every evaluation.
func WithEvaluationHook(hook EvaluationHook) Option {
	return func(e *Engine) { e.onEvaluation = hook }
}

// WithPersistHook registers a hook invoked after every snapshot write
// attempt with its error, nil on success.
func WithPersistHook(hook PersistHook) Option {
	return func(e *Engine) { e.onPersist = hook }
}

// New creates an engine backed by the given snapshot store and starts its
// background persistence worker. Call Close to stop it.
func New(store storage.Store, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("snapshot store is nil")
	}

	e := &Engine{
		store:    store,
		registry: registry.New(),
		log:      slog.Default(),
		now:      time.Now,
		jobs:     make(chan persistJob, defaultQueueSize),
		quit:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(e)
	}

	e.log = e.log.With("engine_id", uuid.NewString())

	e.wg.Add(1)
	go e.persistLoop()

	return e, nil
}

// Initialize sets the evaluation context, restores the persisted snapshot,
// and seeds built-in defaults for keys the snapshot does not define.
// Load failures are logged and treated as empty state; Initialize never
// fails.
func (e *Engine) Initialize(ctx context.Context, subjectID string, groups []string) {
	e.SetUserContext(subjectID, groups)

	snapshot, err := e.store.Load(ctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		e.log.Debug("no persisted snapshot, starting from defaults")
	case err != nil:
		e.log.Warn("snapshot load failed, starting from defaults", "error", err)
	default:
		for key, definition := range snapshot.Flags {
			if definition.Key == "" {
				definition.Key = key
			}
			e.registry.Insert(definition.Normalize())
		}
		e.log.Info("snapshot restored",
			"flags", len(snapshot.Flags),
			"last_updated", snapshot.LastUpdated,
		)
	}

	for _, definition := range e.defaults {
		if definition.Key == "" {
			continue
		}
		e.registry.InsertIfAbsent(definition.Normalize())
	}
}

// IsEnabled evaluates the flag against the current context. Missing and
// expired flags evaluate to false; the call never fails.
func (e *Engine) IsEnabled(key string) bool {
	return e.Explain(key).Enabled
}

// Explain evaluates a flag and reports why it resolved the way it did.
func (e *Engine) Explain(key string) core.Decision {
	return e.ExplainFor(key, e.evalContext())
}

// ExplainFor evaluates a flag against an explicit context instead of the
// ambient one, e.g. for server-side evaluation requests.
func (e *Engine) ExplainFor(key string, ectx core.EvaluationContext) core.Decision {
	definition, ok := e.registry.Get(key)
	if !ok {
		e.log.Warn("flag not found", "key", key)
		decision := core.Decision{Reason: core.ReasonNotFound}
		e.observe(key, decision)
		return decision
	}

	decision := core.Evaluate(definition, ectx, e.now())
	if decision.Reason == core.ReasonExpired {
		e.log.Debug("flag expired", "key", key)
	}
	e.observe(key, decision)

	return decision
}

// GetValue returns the flag's payload when the flag is enabled and carries
// a non-empty value, and defaultValue otherwise. Numeric payloads convert
// to the default's integer type when one is given.
func GetValue[T any](e *Engine, key string, defaultValue T) T {
	if !e.IsEnabled(key) {
		return defaultValue
	}

	definition, ok := e.registry.Get(key)
	if !ok || definition.Value.IsEmpty() {
		return defaultValue
	}

	value := definition.Value
	switch any(defaultValue).(type) {
	case int:
		if n, ok := value.Number(); ok {
			return any(int(n)).(T)
		}
	case int64:
		if n, ok := value.Number(); ok {
			return any(int64(n)).(T)
		}
	case float64:
		if n, ok := value.Number(); ok {
			return any(n).(T)
		}
	}

	if cast, ok := value.Any().(T); ok {
		return cast
	}

	return defaultValue
}

// SetFlag upserts one definition and schedules a snapshot write. The new
// state is visible to evaluation before the write completes. Definitions
// without a key are dropped with a warning.
func (e *Engine) SetFlag(definition core.FlagDefinition) {
	if strings.TrimSpace(definition.Key) == "" {
		e.log.Warn("ignoring flag definition without a key")
		return
	}

	e.registry.Insert(definition.Normalize())
	e.scheduleSave()
}

// UpdateFlags upserts many definitions and schedules a single snapshot
// write.
func (e *Engine) UpdateFlags(definitions []core.FlagDefinition) {
	updated := 0
	for _, definition := range definitions {
		if strings.TrimSpace(definition.Key) == "" {
			e.log.Warn("ignoring flag definition without a key")
			continue
		}
		e.registry.Insert(definition.Normalize())
		updated++
	}

	if updated > 0 {
		e.scheduleSave()
	}
}

// RemoveFlag deletes a definition and schedules a snapshot write.
func (e *Engine) RemoveFlag(key string) {
	e.registry.Remove(key)
	e.scheduleSave()
}

// Clear empties the registry and erases the persisted blob.
func (e *Engine) Clear() {
	e.registry.Clear()
	e.schedule(persistJob{erase: true})
}

// SetUserContext replaces the evaluation context. Takes effect on the next
// evaluation; nothing is cached or persisted.
func (e *Engine) SetUserContext(subjectID string, groups []string) {
	copied := make([]string, len(groups))
	copy(copied, groups)

	e.mu.Lock()
	e.ectx = core.EvaluationContext{SubjectID: subjectID, Groups: copied}
	e.mu.Unlock()
}

// ClearUserContext drops the subject and group memberships, e.g. on
// logout.
func (e *Engine) ClearUserContext() {
	e.mu.Lock()
	e.ectx = core.EvaluationContext{}
	e.mu.Unlock()
}

// GetFlag returns the stored definition for key.
func (e *Engine) GetFlag(key string) (core.FlagDefinition, bool) {
	return e.registry.Get(key)
}

// GetAllFlags returns all definitions sorted by key.
func (e *Engine) GetAllFlags() []core.FlagDefinition {
	flags := e.registry.Values()
	sort.Slice(flags, func(i, j int) bool {
		return flags[i].Key < flags[j].Key
	})

	return flags
}

// GetEnabledFlags returns the keys that evaluate to true under the current
// context, sorted.
func (e *Engine) GetEnabledFlags() []string {
	ectx := e.evalContext()
	now := e.now()

	keys := make([]string, 0)
	for _, definition := range e.registry.Values() {
		if core.Evaluate(definition, ectx, now).Enabled {
			keys = append(keys, definition.Key)
		}
	}
	sort.Strings(keys)

	return keys
}

// GetStats reports registry size, enabled count, and the current context.
func (e *Engine) GetStats() Stats {
	ectx := e.evalContext()

	return Stats{
		TotalFlags:   e.registry.Len(),
		EnabledFlags: len(e.GetEnabledFlags()),
		SubjectID:    ectx.SubjectID,
		Groups:       ectx.Groups,
	}
}

// Flush blocks until every snapshot write scheduled before the call has
// been attempted, for deterministic tests and clean shutdown.
func (e *Engine) Flush(ctx context.Context) error {
	done := make(chan struct{})
	job := persistJob{
		snapshot: storage.NewSnapshot(e.registry.Map(), e.now()),
		done:     []chan struct{}{done},
	}

	select {
	case e.jobs <- job:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.quit:
		return errors.New("engine closed")
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.quit:
		return errors.New("engine closed")
	}
}

// Close stops the persistence worker after attempting any pending writes.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.quit)
		e.wg.Wait()
	})
}

func (e *Engine) evalContext() core.EvaluationContext {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.ectx
}

func (e *Engine) observe(key string, decision core.Decision) {
	if e.onEvaluation != nil {
		e.onEvaluation(key, decision)
	}
}

func (e *Engine) scheduleSave() {
	e.schedule(persistJob{snapshot: storage.NewSnapshot(e.registry.Map(), e.now())})
}

// schedule enqueues a write without blocking the mutation path. When the
// queue is full the oldest pending write is dropped: every job carries the
// full snapshot, so the latest one supersedes anything before it. Flush
// sentinels are re-queued rather than dropped.
func (e *Engine) schedule(job persistJob) {
	for {
		select {
		case e.jobs <- job:
			return
		case <-e.quit:
			return
		default:
		}

		select {
		case stale := <-e.jobs:
			// Adopt any flush sentinels: the newer job carries a full,
			// newer snapshot, so completing it satisfies every flush that
			// was waiting on the dropped one.
			job.done = append(job.done, stale.done...)
		default:
		}
	}
}

func (e *Engine) persistLoop() {
	defer e.wg.Done()

	for {
		select {
		case job := <-e.jobs:
			e.runJob(job)
		case <-e.quit:
			// Drain writes scheduled before Close.
			for {
				select {
				case job := <-e.jobs:
					e.runJob(job)
				default:
					return
				}
			}
		}
	}
}

func (e *Engine) runJob(job persistJob) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	var err error
	if job.erase {
		err = e.store.Delete(ctx)
	} else {
		err = e.store.Save(ctx, job.snapshot)
	}

	if err != nil {
		e.log.Error("snapshot write failed", "error", err, "erase", job.erase)
	}
	if e.onPersist != nil {
		e.onPersist(err)
	}
	for _, done := range job.done {
		close(done)
	}
}
