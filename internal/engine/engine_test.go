package engine

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/matt-riley/gatez/internal/core"
	"github.com/matt-riley/gatez/internal/storage"
)

func intPtr(value int) *int {
	return &value
}

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestEngine(t *testing.T, store storage.Store, opts ...Option) *Engine {
	t.Helper()

	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	e, err := New(store, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(e.Close)

	return e
}

type failingStore struct {
	loadErr error
	saveErr error
}

func (s *failingStore) Load(context.Context) (storage.Snapshot, error) {
	return storage.Snapshot{}, s.loadErr
}

func (s *failingStore) Save(context.Context, storage.Snapshot) error {
	return s.saveErr
}

func (s *failingStore) Delete(context.Context) error {
	return s.saveErr
}

func TestNewRequiresStore(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("New(nil) error = nil, want error")
	}
}

func TestInitializeMergesDefaultsUnderPersistedState(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()

	persisted := storage.NewSnapshot(map[string]core.FlagDefinition{
		"checkout-v2": {Key: "checkout-v2", Enabled: false, Value: core.BoolValue(false)},
	}, time.Now())
	if err := store.Save(ctx, persisted); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	defaults := []core.FlagDefinition{
		{Key: "checkout-v2", Enabled: true, Value: core.BoolValue(true)},
		{Key: "dark-mode", Enabled: true, Value: core.BoolValue(true)},
	}

	e := newTestEngine(t, store, WithDefaults(defaults))
	e.Initialize(ctx, "user-1", nil)

	if e.IsEnabled("checkout-v2") {
		t.Fatal("persisted definition lost to a built-in default")
	}
	if !e.IsEnabled("dark-mode") {
		t.Fatal("default definition not seeded for absent key")
	}
}

func TestInitializeToleratesLoadFailure(t *testing.T) {
	e := newTestEngine(t, &failingStore{loadErr: errors.New("disk on fire")},
		WithDefaults([]core.FlagDefinition{{Key: "safe", Enabled: true}}))

	e.Initialize(context.Background(), "", nil)

	if !e.IsEnabled("safe") {
		t.Fatal("defaults not seeded after load failure")
	}
}

func TestInitializeClampsPersistedRollout(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	if err := store.Save(ctx, storage.NewSnapshot(map[string]core.FlagDefinition{
		"wild": {Key: "wild", Enabled: true, RolloutPercentage: intPtr(250)},
	}, time.Now())); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	e := newTestEngine(t, store)
	e.Initialize(ctx, "user-42", nil)

	flags := e.GetAllFlags()
	if len(flags) != 1 || flags[0].RolloutPercentage == nil || *flags[0].RolloutPercentage != 100 {
		t.Fatalf("GetAllFlags() = %+v, want rollout clamped to 100", flags)
	}
	if !e.IsEnabled("wild") {
		t.Fatal("IsEnabled(wild) = false under a 100%% rollout")
	}
}

func TestIsEnabledMissingFlag(t *testing.T) {
	e := newTestEngine(t, storage.NewMemory())

	if e.IsEnabled("ghost") {
		t.Fatal("IsEnabled(ghost) = true for an unregistered key")
	}
	if got := e.Explain("ghost"); got.Reason != core.ReasonNotFound {
		t.Fatalf("Explain(ghost).Reason = %q, want %q", got.Reason, core.ReasonNotFound)
	}
}

func TestMutationVisibleBeforePersistence(t *testing.T) {
	// The store blocks until released, so a passing test proves the
	// in-memory effect precedes write completion.
	release := make(chan struct{})
	store := &blockingStore{release: release}
	e := newTestEngine(t, store)

	e.SetFlag(core.FlagDefinition{Key: "x", Enabled: false, Value: core.BoolValue(true)})
	if e.IsEnabled("x") {
		t.Fatal("IsEnabled(x) = true, want false immediately after SetFlag")
	}

	e.SetFlag(core.FlagDefinition{Key: "y", Enabled: true})
	if !e.IsEnabled("y") {
		t.Fatal("IsEnabled(y) = false, want true immediately after SetFlag")
	}

	close(release)
}

type blockingStore struct {
	release chan struct{}
}

func (s *blockingStore) Load(context.Context) (storage.Snapshot, error) {
	return storage.Snapshot{}, storage.ErrNotFound
}

func (s *blockingStore) Save(ctx context.Context, _ storage.Snapshot) error {
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	return nil
}

func (s *blockingStore) Delete(context.Context) error {
	return nil
}

func TestSetFlagPersistsThroughFlush(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	e := newTestEngine(t, store)

	pct := 25
	e.SetFlag(core.FlagDefinition{
		Key:               "newMatchUI",
		Enabled:           true,
		Value:             core.BoolValue(true),
		RolloutPercentage: &pct,
	})
	if err := e.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	snapshot, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if snapshot.Version != storage.SnapshotVersion {
		t.Fatalf("snapshot.Version = %q, want %q", snapshot.Version, storage.SnapshotVersion)
	}
	if _, ok := snapshot.Flags["newMatchUI"]; !ok {
		t.Fatal("snapshot missing newMatchUI after Flush")
	}
}

func TestEmptyAllowListSurvivesRestart(t *testing.T) {
	// An empty (non-nil) userIds list blocks every subject. That must
	// still hold after the snapshot is written and reloaded.
	ctx := context.Background()
	store := storage.NewMemory()

	first := newTestEngine(t, store)
	first.SetUserContext("user-1", nil)
	first.SetFlag(core.FlagDefinition{
		Key:     "locked",
		Enabled: true,
		Value:   core.BoolValue(true),
		UserIDs: []string{},
	})
	if got := first.Explain("locked"); got.Enabled || got.Reason != core.ReasonTargetMiss {
		t.Fatalf("Explain(locked) = %+v, want blocked with %q", got, core.ReasonTargetMiss)
	}
	if err := first.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	second := newTestEngine(t, store)
	second.Initialize(ctx, "user-1", nil)
	if got := second.Explain("locked"); got.Enabled || got.Reason != core.ReasonTargetMiss {
		t.Fatalf("Explain(locked) after restart = %+v, want blocked with %q", got, core.ReasonTargetMiss)
	}
}

func TestSetFlagClampsRollout(t *testing.T) {
	e := newTestEngine(t, storage.NewMemory())

	e.SetFlag(core.FlagDefinition{Key: "neg", Enabled: true, RolloutPercentage: intPtr(-10)})

	flags := e.GetAllFlags()
	if len(flags) != 1 || *flags[0].RolloutPercentage != 0 {
		t.Fatalf("GetAllFlags() = %+v, want rollout clamped to 0", flags)
	}
}

func TestSetFlagIgnoresEmptyKey(t *testing.T) {
	e := newTestEngine(t, storage.NewMemory())

	e.SetFlag(core.FlagDefinition{Key: "  ", Enabled: true})

	if got := e.GetStats().TotalFlags; got != 0 {
		t.Fatalf("TotalFlags = %d after keyless SetFlag, want 0", got)
	}
}

func TestPersistenceFailureDoesNotAffectMemory(t *testing.T) {
	observed := make(chan error, 1)
	e := newTestEngine(t, &failingStore{
		loadErr: storage.ErrNotFound,
		saveErr: errors.New("write refused"),
	}, WithPersistHook(func(err error) { observed <- err }))

	e.SetFlag(core.FlagDefinition{Key: "x", Enabled: true})

	select {
	case err := <-observed:
		if err == nil {
			t.Fatal("persist hook error = nil, want write failure")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("persist hook never invoked")
	}

	if !e.IsEnabled("x") {
		t.Fatal("IsEnabled(x) = false after failed write, in-memory state must stay authoritative")
	}
}

func TestRemoveFlag(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	e := newTestEngine(t, store)

	e.SetFlag(core.FlagDefinition{Key: "a", Enabled: true})
	e.SetFlag(core.FlagDefinition{Key: "b", Enabled: true})
	e.RemoveFlag("a")

	if e.IsEnabled("a") {
		t.Fatal("IsEnabled(a) = true after RemoveFlag")
	}

	if err := e.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	snapshot, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, ok := snapshot.Flags["a"]; ok {
		t.Fatal("snapshot still contains removed flag")
	}
}

func TestClearErasesStoreAndReseedsDefaults(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	defaults := []core.FlagDefinition{{Key: "builtin", Enabled: true}}

	e := newTestEngine(t, store, WithDefaults(defaults))
	e.Initialize(ctx, "user-1", nil)
	e.SetFlag(core.FlagDefinition{Key: "extra", Enabled: true})
	if err := e.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	e.Clear()
	if got := e.GetAllFlags(); len(got) != 0 {
		t.Fatalf("GetAllFlags() = %v after Clear, want empty", got)
	}

	// Clear schedules the blob erase; drain it before re-initializing.
	if err := e.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	e2 := newTestEngine(t, store, WithDefaults(defaults))
	e2.Initialize(ctx, "user-1", nil)

	keys := make([]string, 0)
	for _, flag := range e2.GetAllFlags() {
		keys = append(keys, flag.Key)
	}
	if !reflect.DeepEqual(keys, []string{"builtin"}) {
		t.Fatalf("re-initialized flags = %v, want only built-in defaults", keys)
	}
}

func TestUpdateFlags(t *testing.T) {
	e := newTestEngine(t, storage.NewMemory())

	e.UpdateFlags([]core.FlagDefinition{
		{Key: "a", Enabled: true},
		{Key: "", Enabled: true},
		{Key: "b", Enabled: true, Value: core.BoolValue(false)},
	})

	if got := e.GetStats().TotalFlags; got != 2 {
		t.Fatalf("TotalFlags = %d, want 2", got)
	}
	if e.IsEnabled("b") {
		t.Fatal("IsEnabled(b) = true, want false from boolean value fallback")
	}
}

func TestContextMutationTakesEffectImmediately(t *testing.T) {
	e := newTestEngine(t, storage.NewMemory())
	e.SetFlag(core.FlagDefinition{Key: "beta-only", Enabled: true, UserGroups: []string{"beta"}})

	e.SetUserContext("u1", []string{"public"})
	if e.IsEnabled("beta-only") {
		t.Fatal("IsEnabled = true for non-beta context")
	}

	e.SetUserContext("u1", []string{"beta"})
	if !e.IsEnabled("beta-only") {
		t.Fatal("IsEnabled = false after switching to beta group")
	}

	e.ClearUserContext()
	if !e.IsEnabled("beta-only") {
		t.Fatal("IsEnabled = false with no groups; the group gate requires a non-empty context")
	}
}

func TestExplicitTargetingBeatsZeroRollout(t *testing.T) {
	e := newTestEngine(t, storage.NewMemory())
	e.SetFlag(core.FlagDefinition{
		Key:               "vip",
		Enabled:           true,
		UserIDs:           []string{"u1"},
		RolloutPercentage: intPtr(0),
	})

	e.SetUserContext("u1", nil)
	if !e.IsEnabled("vip") {
		t.Fatal("IsEnabled = false for explicitly targeted subject under 0%% rollout")
	}

	e.SetUserContext("u2", nil)
	if e.IsEnabled("vip") {
		t.Fatal("IsEnabled = true for untargeted subject")
	}
}

func TestGetValue(t *testing.T) {
	e := newTestEngine(t, storage.NewMemory())
	e.UpdateFlags([]core.FlagDefinition{
		{Key: "theme", Enabled: true, Value: core.StringValue("midnight")},
		{Key: "limit", Enabled: true, Value: core.NumberValue(42)},
		{Key: "layout", Enabled: true, Value: core.StructValue(map[string]any{"cols": 3.0})},
		{Key: "off", Enabled: false, Value: core.StringValue("hidden")},
		{Key: "bare", Enabled: true},
	})

	if got := GetValue(e, "theme", "plain"); got != "midnight" {
		t.Fatalf("GetValue(theme) = %q, want %q", got, "midnight")
	}
	if got := GetValue(e, "limit", 5); got != 42 {
		t.Fatalf("GetValue(limit) = %d, want 42", got)
	}
	if got := GetValue(e, "limit", 5.0); got != 42.0 {
		t.Fatalf("GetValue(limit) = %f, want 42", got)
	}
	if got := GetValue(e, "layout", map[string]any(nil)); got["cols"] != 3.0 {
		t.Fatalf("GetValue(layout) = %v, want cols=3", got)
	}
	if got := GetValue(e, "off", "fallback"); got != "fallback" {
		t.Fatalf("GetValue(off) = %q, want default for disabled flag", got)
	}
	if got := GetValue(e, "bare", "fallback"); got != "fallback" {
		t.Fatalf("GetValue(bare) = %q, want default for empty value", got)
	}
	if got := GetValue(e, "missing", 7); got != 7 {
		t.Fatalf("GetValue(missing) = %d, want default", got)
	}
}

func TestGetEnabledFlagsAndStats(t *testing.T) {
	e := newTestEngine(t, storage.NewMemory())
	e.UpdateFlags([]core.FlagDefinition{
		{Key: "on-b", Enabled: true},
		{Key: "on-a", Enabled: true},
		{Key: "off", Enabled: false},
	})
	e.SetUserContext("user-42", []string{"beta"})

	if got := e.GetEnabledFlags(); !reflect.DeepEqual(got, []string{"on-a", "on-b"}) {
		t.Fatalf("GetEnabledFlags() = %v, want [on-a on-b]", got)
	}

	stats := e.GetStats()
	if stats.TotalFlags != 3 || stats.EnabledFlags != 2 {
		t.Fatalf("GetStats() = %+v, want 3 total / 2 enabled", stats)
	}
	if stats.SubjectID != "user-42" || !reflect.DeepEqual(stats.Groups, []string{"beta"}) {
		t.Fatalf("GetStats() context = %q %v", stats.SubjectID, stats.Groups)
	}
}

func TestEvaluationHook(t *testing.T) {
	type observation struct {
		key      string
		decision core.Decision
	}
	observations := make([]observation, 0)

	e := newTestEngine(t, storage.NewMemory(), WithEvaluationHook(func(key string, decision core.Decision) {
		observations = append(observations, observation{key: key, decision: decision})
	}))
	e.SetFlag(core.FlagDefinition{Key: "x", Enabled: true})

	e.IsEnabled("x")
	e.IsEnabled("ghost")

	if len(observations) != 2 {
		t.Fatalf("hook observed %d evaluations, want 2", len(observations))
	}
	if observations[0].decision.Reason != core.ReasonDefault || !observations[0].decision.Enabled {
		t.Fatalf("first observation = %+v", observations[0])
	}
	if observations[1].decision.Reason != core.ReasonNotFound {
		t.Fatalf("second observation = %+v", observations[1])
	}
}

func TestRolloutStableAcrossCalls(t *testing.T) {
	e := newTestEngine(t, storage.NewMemory())
	e.SetFlag(core.FlagDefinition{
		Key:               "newMatchUI",
		Enabled:           true,
		RolloutPercentage: intPtr(25),
	})
	e.SetUserContext("user-42", nil)

	want := core.Bucket("user-42") < 25
	for i := 0; i < 1000; i++ {
		if got := e.IsEnabled("newMatchUI"); got != want {
			t.Fatalf("IsEnabled() = %t on call %d, want %t", got, i, want)
		}
	}
}

type gateStore struct {
	entered chan struct{}
	release chan struct{}
}

func (s *gateStore) Load(context.Context) (storage.Snapshot, error) {
	return storage.Snapshot{}, storage.ErrNotFound
}

func (s *gateStore) Save(ctx context.Context, _ storage.Snapshot) error {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	return nil
}

func (s *gateStore) Delete(context.Context) error {
	return nil
}

func TestScheduleChainsDisplacedFlushSentinels(t *testing.T) {
	// A write that displaces a flush sentinel from a full queue must keep
	// every sentinel it has already adopted alive as well, or one of the
	// waiting Flush callers never wakes.
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	e := newTestEngine(t, &gateStore{entered: entered, release: release})

	// Park the persist loop inside a write so the queue can be filled.
	e.SetFlag(core.FlagDefinition{Key: "seed", Enabled: true})
	<-entered

	head := make(chan struct{})
	e.jobs <- persistJob{snapshot: storage.NewSnapshot(nil, time.Now()), done: []chan struct{}{head}}
	for i := 0; i < cap(e.jobs)-1; i++ {
		e.jobs <- persistJob{snapshot: storage.NewSnapshot(nil, time.Now())}
	}

	adopted := make(chan struct{})
	e.schedule(persistJob{snapshot: storage.NewSnapshot(nil, time.Now()), done: []chan struct{}{adopted}})

	close(release)
	for name, sentinel := range map[string]chan struct{}{"head": head, "adopted": adopted} {
		select {
		case <-sentinel:
		case <-time.After(5 * time.Second):
			t.Fatalf("%s sentinel was never released", name)
		}
	}
}

func TestFlushAfterClose(t *testing.T) {
	e := newTestEngine(t, storage.NewMemory())
	e.Close()

	if err := e.Flush(context.Background()); err == nil {
		t.Fatal("Flush() after Close error = nil, want error")
	}
}
