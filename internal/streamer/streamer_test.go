package streamer

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/sirupsen/logrus"

	"terrainstream/internal/terrain"
	"terrainstream/internal/world"
)

type fakeSynth struct {
	mu       sync.Mutex
	calls    map[world.ChunkCoord]int
	failOnce map[world.ChunkCoord]bool
	gate     map[world.ChunkCoord]chan struct{}
	entered  chan world.ChunkCoord
}

func newFakeSynth() *fakeSynth {
	return &fakeSynth{
		calls:    make(map[world.ChunkCoord]int),
		failOnce: make(map[world.ChunkCoord]bool),
		gate:     make(map[world.ChunkCoord]chan struct{}),
		entered:  make(chan world.ChunkCoord, 16),
	}
}

func (f *fakeSynth) Synthesize(ctx context.Context, coord world.ChunkCoord, p terrain.Parameters) (*world.HeightGrid, error) {
	f.mu.Lock()
	f.calls[coord]++
	fail := f.failOnce[coord]
	delete(f.failOnce, coord)
	gate := f.gate[coord]
	f.mu.Unlock()

	if gate != nil {
		f.entered <- coord
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, &terrain.SynthesisError{Coord: coord, Err: errors.New("noise backend unavailable")}
	}
	grid := world.NewHeightGrid(p.Resolution())
	for i := range grid.Cells {
		grid.Cells[i] = 0.5
	}
	return grid, nil
}

func (f *fakeSynth) count(coord world.ChunkCoord) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[coord]
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) HandleEvent(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) count(kind EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func quietLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func testParameters() terrain.Parameters {
	p := terrain.DefaultParameters()
	p.ChunkSize = 16
	return p
}

type harness struct {
	streamer *Streamer
	store    *world.ChunkStore
	synth    *fakeSynth
	realizer *world.MemoryRealizer
	observer *TrackedObserver
	events   *eventLog
}

func newHarness(t *testing.T, radius int) *harness {
	t.Helper()
	h := &harness{
		store:    world.NewChunkStore(),
		synth:    newFakeSynth(),
		realizer: world.NewMemoryRealizer(),
		observer: NewTrackedObserver(mgl64.Vec3{}),
		events:   &eventLog{},
	}
	s, err := New(Options{
		Store:          h.store,
		Synthesizer:    h.synth,
		Realizer:       h.realizer,
		Observer:       h.observer,
		Parameters:     testParameters(),
		RenderDistance: radius,
		Logger:         quietLogger(),
	})
	if err != nil {
		t.Fatalf("new streamer: %v", err)
	}
	s.Subscribe(h.events)
	h.streamer = s
	return h
}

func (h *harness) cycle(t *testing.T) CycleReport {
	t.Helper()
	report, err := h.streamer.Cycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	return report
}

func assertWindowLoaded(t *testing.T, store *world.ChunkStore, center world.ChunkCoord, radius int) {
	t.Helper()
	want := world.Window(center, radius)
	if store.Len() != len(want) {
		t.Fatalf("store holds %d chunks, want %d: %v", store.Len(), len(want), store.Coordinates())
	}
	for _, c := range want {
		if !store.Contains(c) {
			t.Fatalf("missing chunk %v", c)
		}
	}
}

func TestNewRejectsIncompleteOptions(t *testing.T) {
	base := Options{
		Store:       world.NewChunkStore(),
		Synthesizer: newFakeSynth(),
		Realizer:    world.NewMemoryRealizer(),
		Observer:    StaticObserver{},
		Parameters:  testParameters(),
	}
	cases := []struct {
		name   string
		mutate func(*Options)
	}{
		{"missing observer", func(o *Options) { o.Observer = nil }},
		{"missing realizer", func(o *Options) { o.Realizer = nil }},
		{"missing store", func(o *Options) { o.Store = nil }},
		{"missing synthesizer", func(o *Options) { o.Synthesizer = nil }},
		{"negative radius", func(o *Options) { o.RenderDistance = -1 }},
		{"radius above maximum", func(o *Options) { o.RenderDistance = world.MaxRenderDistance + 1 }},
		{"invalid parameters", func(o *Options) { o.Parameters.ChunkSize = 0 }},
		{"negative pacing", func(o *Options) { o.LoadsPerSecond = -5 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := base
			tc.mutate(&opts)
			_, err := New(opts)
			if !errors.Is(err, ErrConfiguration) {
				t.Fatalf("expected ErrConfiguration, got %v", err)
			}
			var cfgErr *ConfigurationError
			if !errors.As(err, &cfgErr) || cfgErr.Reason == "" {
				t.Fatalf("expected ConfigurationError with reason, got %v", err)
			}
		})
	}
}

func TestSingleChunkWithRealTerrain(t *testing.T) {
	store := world.NewChunkStore()
	realizer := world.NewMemoryRealizer()
	s, err := New(Options{
		Store:       store,
		Synthesizer: terrain.NewSynthesizer(0, quietLogger()),
		Realizer:    realizer,
		Observer:    StaticObserver{5, 0, 5},
		Parameters:  terrain.DefaultParameters(),
		Logger:      quietLogger(),
	})
	if err != nil {
		t.Fatalf("new streamer: %v", err)
	}
	report, err := s.Cycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if report.Loaded != 1 || report.Required != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	chunk, ok := store.Chunk(world.ChunkCoord{})
	if !ok {
		t.Fatalf("chunk (0,0) not loaded")
	}
	if chunk.Grid.Resolution != 129 || len(chunk.Grid.Cells) != 129*129 {
		t.Fatalf("unexpected grid shape %d", chunk.Grid.Resolution)
	}
	if err := chunk.Grid.Validate(); err != nil {
		t.Fatalf("grid invalid: %v", err)
	}
	if chunk.Placement.Position != (mgl64.Vec3{0, 0, 0}) || chunk.Placement.Size != (mgl64.Vec3{128, 20, 128}) {
		t.Fatalf("unexpected placement %+v", chunk.Placement)
	}
	if realizer.LiveCount() != 1 {
		t.Fatalf("expected one live realization")
	}
	if s.State() != StateIdle {
		t.Fatalf("expected idle after cycle, got %v", s.State())
	}
}

func TestObserverMoveShiftsWindow(t *testing.T) {
	h := newHarness(t, 1)
	h.cycle(t)
	assertWindowLoaded(t, h.store, world.ChunkCoord{}, 1)

	kept := map[world.ChunkCoord]*world.TerrainChunk{}
	for _, c := range world.Window(world.ChunkCoord{X: 1}, 1) {
		if ch, ok := h.store.Chunk(c); ok {
			kept[c] = ch
		}
	}
	if len(kept) != 6 {
		t.Fatalf("expected six overlapping chunks, got %d", len(kept))
	}

	h.observer.Set(mgl64.Vec3{17, 3, 2})
	report := h.cycle(t)
	if report.Center != (world.ChunkCoord{X: 1}) {
		t.Fatalf("unexpected centre %v", report.Center)
	}
	if report.Loaded != 3 || report.Unloaded != 3 {
		t.Fatalf("expected 3 loads and 3 unloads, got %+v", report)
	}
	assertWindowLoaded(t, h.store, world.ChunkCoord{X: 1}, 1)
	for z := -1; z <= 1; z++ {
		if h.store.Contains(world.ChunkCoord{X: -1, Z: z}) {
			t.Fatalf("column x=-1 should be unloaded")
		}
		if _, ok := h.realizer.Live(world.ChunkCoord{X: -1, Z: z}); ok {
			t.Fatalf("realization for x=-1 should be destroyed")
		}
	}
	for c, ch := range kept {
		current, _ := h.store.Chunk(c)
		if current != ch {
			t.Fatalf("overlapping chunk %v was replaced", c)
		}
		if h.synth.count(c) != 1 {
			t.Fatalf("overlapping chunk %v synthesized %d times", c, h.synth.count(c))
		}
	}
}

func TestRepeatedCyclesDoNotDuplicate(t *testing.T) {
	h := newHarness(t, 2)
	for i := 0; i < 4; i++ {
		h.cycle(t)
	}
	assertWindowLoaded(t, h.store, world.ChunkCoord{}, 2)
	for _, c := range world.Window(world.ChunkCoord{}, 2) {
		if n := h.synth.count(c); n != 1 {
			t.Fatalf("chunk %v synthesized %d times", c, n)
		}
	}
	if h.realizer.LiveCount() != 25 {
		t.Fatalf("expected 25 live realizations, got %d", h.realizer.LiveCount())
	}
}

func TestRegenerateSweepsAndReloads(t *testing.T) {
	h := newHarness(t, 1)
	h.cycle(t)

	h.streamer.Regenerate()
	report := h.cycle(t)
	if !report.Forced || report.Unloaded != 9 || report.Loaded != 0 {
		t.Fatalf("unexpected forced report %+v", report)
	}
	if h.store.Len() != 0 || h.realizer.LiveCount() != 0 {
		t.Fatalf("expected everything unloaded, store=%d live=%d", h.store.Len(), h.realizer.LiveCount())
	}

	report = h.cycle(t)
	if report.Forced || report.Loaded != 9 {
		t.Fatalf("expected full reload, got %+v", report)
	}
	for _, c := range world.Window(world.ChunkCoord{}, 1) {
		if n := h.synth.count(c); n != 2 {
			t.Fatalf("chunk %v synthesized %d times, want 2", c, n)
		}
	}

	report = h.cycle(t)
	if report.Unloaded != 0 || report.Loaded != 0 {
		t.Fatalf("flag should be cleared, got %+v", report)
	}
	if h.events.count(EventRegenerate) != 1 {
		t.Fatalf("expected one regenerate event")
	}
}

func TestSetParametersAffectsOnlyNewLoads(t *testing.T) {
	h := newHarness(t, 0)
	h.cycle(t)

	bad := testParameters()
	bad.Scale = 0
	if err := h.streamer.SetParameters(bad); err == nil {
		t.Fatalf("expected invalid parameters to be rejected")
	}

	next := testParameters()
	next.Seed = 99
	if err := h.streamer.SetParameters(next); err != nil {
		t.Fatalf("set parameters: %v", err)
	}
	if h.streamer.Parameters().Seed != 99 {
		t.Fatalf("parameters not updated")
	}
	report := h.cycle(t)
	if report.Loaded != 0 || report.Unloaded != 0 {
		t.Fatalf("loaded chunks must not refresh without regeneration: %+v", report)
	}
}

func TestSynthesisFailureIsIsolatedAndRetried(t *testing.T) {
	h := newHarness(t, 1)
	broken := world.ChunkCoord{X: 1, Z: 0}
	h.synth.failOnce[broken] = true

	report := h.cycle(t)
	if report.Loaded != 8 || report.Failed != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if h.store.Contains(broken) {
		t.Fatalf("failed chunk must stay absent")
	}
	if h.events.count(EventLoadFailed) != 1 {
		t.Fatalf("expected a load_failed event")
	}

	report = h.cycle(t)
	if report.Loaded != 1 || !h.store.Contains(broken) {
		t.Fatalf("failed chunk should load on retry, report %+v", report)
	}
}

type flakyRealizer struct {
	world.Realizer
	fail world.ChunkCoord
	done bool
}

func (f *flakyRealizer) Realize(ctx context.Context, chunk *world.TerrainChunk) (world.Realization, error) {
	if chunk.Coord == f.fail && !f.done {
		f.done = true
		return nil, errors.New("collider build failed")
	}
	return f.Realizer.Realize(ctx, chunk)
}

func TestRealizationFailureIsIsolated(t *testing.T) {
	store := world.NewChunkStore()
	realizer := &flakyRealizer{Realizer: world.NewMemoryRealizer(), fail: world.ChunkCoord{X: -1, Z: -1}}
	s, err := New(Options{
		Store:          store,
		Synthesizer:    newFakeSynth(),
		Realizer:       realizer,
		Observer:       StaticObserver{},
		Parameters:     testParameters(),
		RenderDistance: 1,
		Logger:         quietLogger(),
	})
	if err != nil {
		t.Fatalf("new streamer: %v", err)
	}
	report, err := s.Cycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if report.Failed != 1 || store.Len() != 8 {
		t.Fatalf("unexpected report %+v with %d chunks", report, store.Len())
	}
	if _, err := s.Cycle(context.Background()); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	assertWindowLoaded(t, store, world.ChunkCoord{}, 1)
}

// racingRealizer inserts a competing chunk while the streamer is realizing
// its own, forcing a duplicate insert.
type racingRealizer struct {
	store *world.ChunkStore
	inner *world.MemoryRealizer
}

func (r *racingRealizer) Realize(ctx context.Context, chunk *world.TerrainChunk) (world.Realization, error) {
	_ = r.store.Insert(chunk.Coord, world.NewTerrainChunk(chunk.Coord, chunk.Placement))
	return r.inner.Realize(ctx, chunk)
}

func TestDuplicateInsertDestroysFreshRealization(t *testing.T) {
	store := world.NewChunkStore()
	memory := world.NewMemoryRealizer()
	s, err := New(Options{
		Store:       store,
		Synthesizer: newFakeSynth(),
		Realizer:    &racingRealizer{store: store, inner: memory},
		Observer:    StaticObserver{},
		Parameters:  testParameters(),
		Logger:      quietLogger(),
	})
	if err != nil {
		t.Fatalf("new streamer: %v", err)
	}
	report, err := s.Cycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if report.Failed != 1 || report.Loaded != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if memory.LiveCount() != 0 {
		t.Fatalf("rejected chunk's realization should be destroyed")
	}
	if store.Len() != 1 {
		t.Fatalf("store should keep exactly one entry, got %d", store.Len())
	}
}

type cycleResult struct {
	report CycleReport
	err    error
}

func startBlockedCycle(t *testing.T, h *harness, blocked world.ChunkCoord) (chan struct{}, chan cycleResult) {
	t.Helper()
	gate := make(chan struct{})
	h.synth.mu.Lock()
	h.synth.gate[blocked] = gate
	h.synth.mu.Unlock()

	done := make(chan cycleResult, 1)
	go func() {
		report, err := h.streamer.Cycle(context.Background())
		done <- cycleResult{report: report, err: err}
	}()

	select {
	case c := <-h.synth.entered:
		if c != blocked {
			t.Fatalf("unexpected blocked coord %v", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("synthesis of %v never started", blocked)
	}
	return gate, done
}

func waitCycle(t *testing.T, done chan cycleResult) CycleReport {
	t.Helper()
	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("cycle: %v", res.err)
		}
		return res.report
	case <-time.After(2 * time.Second):
		t.Fatalf("cycle did not finish")
	}
	return CycleReport{}
}

func TestRegenerateDuringLoadDiscardsResult(t *testing.T) {
	h := newHarness(t, 0)
	origin := world.ChunkCoord{}
	gate, done := startBlockedCycle(t, h, origin)

	if h.streamer.State() != StateLoading {
		t.Fatalf("expected loading state, got %v", h.streamer.State())
	}
	h.streamer.Regenerate()
	close(gate)

	report := waitCycle(t, done)
	if report.Discarded != 1 || report.Loaded != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if h.store.Contains(origin) || h.realizer.LiveCount() != 0 {
		t.Fatalf("discarded load must not leave a chunk or realization behind")
	}
	if h.events.count(EventDiscarded) != 1 {
		t.Fatalf("expected a discarded event")
	}

	h.synth.mu.Lock()
	delete(h.synth.gate, origin)
	h.synth.mu.Unlock()
	report = h.cycle(t)
	if report.Loaded != 1 || !h.store.Contains(origin) {
		t.Fatalf("chunk should reload on the next cycle, got %+v", report)
	}
}

func TestShrinkingRenderDistanceDiscardsOutOfWindowLoad(t *testing.T) {
	h := newHarness(t, 1)
	corner := world.ChunkCoord{X: 1, Z: 1}
	gate, done := startBlockedCycle(t, h, corner)

	if err := h.streamer.SetRenderDistance(0); err != nil {
		t.Fatalf("set render distance: %v", err)
	}
	close(gate)
	report := waitCycle(t, done)
	if report.Discarded != 1 || h.store.Contains(corner) {
		t.Fatalf("corner load should be discarded, report %+v", report)
	}

	h.cycle(t)
	assertWindowLoaded(t, h.store, world.ChunkCoord{}, 0)
	if h.realizer.LiveCount() != 1 {
		t.Fatalf("expected one live realization, got %d", h.realizer.LiveCount())
	}
	if err := h.streamer.SetRenderDistance(-1); err == nil {
		t.Fatalf("negative render distance should be rejected")
	}
}

func TestSetRenderDistanceRejectsOversizedWindow(t *testing.T) {
	h := newHarness(t, 1)
	if err := h.streamer.SetRenderDistance(1 << 30); err == nil {
		t.Fatalf("oversized render distance should be rejected")
	}
	if err := h.streamer.SetRenderDistance(world.MaxRenderDistance + 1); err == nil {
		t.Fatalf("render distance above maximum should be rejected")
	}
	if h.streamer.RenderDistance() != 1 {
		t.Fatalf("rejected value must not be applied, got %d", h.streamer.RenderDistance())
	}
	report := h.cycle(t)
	if report.Loaded != 9 {
		t.Fatalf("cycle after rejection should use the old radius, got %+v", report)
	}
	if err := h.streamer.SetRenderDistance(world.MaxRenderDistance); err != nil {
		t.Fatalf("maximum render distance should be accepted: %v", err)
	}
}

func TestShrinkingRenderDistanceSkipsRemainingLoads(t *testing.T) {
	h := newHarness(t, 1)
	origin := world.ChunkCoord{}
	gate, done := startBlockedCycle(t, h, origin)

	if err := h.streamer.SetRenderDistance(0); err != nil {
		t.Fatalf("set render distance: %v", err)
	}
	close(gate)
	report := waitCycle(t, done)
	if report.Loaded != 1 || report.Discarded != 0 || report.Unloaded != 0 {
		t.Fatalf("only the centre should load after shrinking, got %+v", report)
	}
	for _, c := range world.Window(origin, 1) {
		if c == origin {
			continue
		}
		if n := h.synth.count(c); n != 0 {
			t.Fatalf("chunk %v outside the new window was synthesized %d times", c, n)
		}
	}
	assertWindowLoaded(t, h.store, origin, 0)
}

func TestRegenerateEmitsEventOnCallerGoroutine(t *testing.T) {
	h := newHarness(t, 0)
	h.streamer.Regenerate()
	if h.events.count(EventRegenerate) != 1 {
		t.Fatalf("regenerate event should be delivered before Regenerate returns")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.streamer.Run(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for h.store.Len() < 9 {
		if time.Now().After(deadline) {
			t.Fatalf("window never loaded, have %d chunks", h.store.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop")
	}
	if _, ok := h.streamer.LastReport(); !ok {
		t.Fatalf("expected a recorded cycle report")
	}
}

func TestCycleWithCancelledContext(t *testing.T) {
	h := newHarness(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.streamer.Cycle(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if h.store.Len() != 0 {
		t.Fatalf("nothing should load after cancellation")
	}
}

func TestPacedLoadsStillFillWindow(t *testing.T) {
	store := world.NewChunkStore()
	s, err := New(Options{
		Store:          store,
		Synthesizer:    newFakeSynth(),
		Realizer:       world.NewMemoryRealizer(),
		Observer:       StaticObserver{},
		Parameters:     testParameters(),
		RenderDistance: 1,
		LoadsPerSecond: 500,
		Logger:         quietLogger(),
	})
	if err != nil {
		t.Fatalf("new streamer: %v", err)
	}
	if _, err := s.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	assertWindowLoaded(t, store, world.ChunkCoord{}, 1)
}
