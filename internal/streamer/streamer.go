package streamer

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"terrainstream/internal/terrain"
	"terrainstream/internal/world"
)

// CycleInterval is the pause between the end of one cycle and the start of
// the next.
const CycleInterval = 250 * time.Millisecond

// State is the phase of the current cycle.
type State int32

const (
	StateIdle State = iota
	StateComputingRequiredSet
	StateLoading
	StateUnloading
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateComputingRequiredSet:
		return "computing_required_set"
	case StateLoading:
		return "loading"
	case StateUnloading:
		return "unloading"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrConfiguration is wrapped by every ConfigurationError.
var ErrConfiguration = errors.New("invalid streamer configuration")

// ConfigurationError reports a streamer that cannot start.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%v: %s", ErrConfiguration, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

// Synthesizer produces the height grid of one chunk.
type Synthesizer interface {
	Synthesize(ctx context.Context, coord world.ChunkCoord, p terrain.Parameters) (*world.HeightGrid, error)
}

type Options struct {
	Store          *world.ChunkStore
	Synthesizer    Synthesizer
	Realizer       world.Realizer
	Observer       Observer
	Parameters     terrain.Parameters
	RenderDistance int
	// LoadsPerSecond paces chunk loads; zero disables pacing.
	LoadsPerSecond float64
	Logger         *logrus.Entry
}

// CycleReport summarises one pass of the streaming loop.
type CycleReport struct {
	Cycle     uint64           `json:"cycle"`
	Center    world.ChunkCoord `json:"center"`
	Required  int              `json:"required"`
	Loaded    int              `json:"loaded"`
	Failed    int              `json:"failed"`
	Discarded int              `json:"discarded"`
	Unloaded  int              `json:"unloaded"`
	Forced    bool             `json:"forced"`
	Duration  time.Duration    `json:"duration"`
}

func (r CycleReport) changed() bool {
	return r.Loaded+r.Failed+r.Discarded+r.Unloaded > 0 || r.Forced
}

// Streamer keeps the chunk store equal to the window around the observer.
// Cycles run on one goroutine; the setters may be called from any goroutine
// and take effect on the next cycle.
type Streamer struct {
	store    *world.ChunkStore
	synth    Synthesizer
	realizer world.Realizer
	observer Observer
	limiter  *rate.Limiter
	logger   *logrus.Entry

	mu             sync.Mutex
	params         terrain.Parameters
	renderDistance int
	forceRegen     bool
	center         world.ChunkCoord
	inFlight       map[world.ChunkCoord]struct{}
	disposal       map[world.ChunkCoord]struct{}

	state  atomic.Int32
	cycles atomic.Uint64
	last   atomic.Pointer[CycleReport]
	sinks  sinkSet
}

func New(opts Options) (*Streamer, error) {
	if opts.Store == nil {
		return nil, &ConfigurationError{Reason: "chunk store is required"}
	}
	if opts.Synthesizer == nil {
		return nil, &ConfigurationError{Reason: "synthesizer is required"}
	}
	if opts.Realizer == nil {
		return nil, &ConfigurationError{Reason: "realizer is required"}
	}
	if opts.Observer == nil {
		return nil, &ConfigurationError{Reason: "observer is required"}
	}
	if opts.RenderDistance < 0 {
		return nil, &ConfigurationError{Reason: "render distance cannot be negative"}
	}
	if opts.RenderDistance > world.MaxRenderDistance {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("render distance cannot exceed %d", world.MaxRenderDistance)}
	}
	if err := opts.Parameters.Validate(); err != nil {
		return nil, &ConfigurationError{Reason: err.Error()}
	}
	if opts.LoadsPerSecond < 0 {
		return nil, &ConfigurationError{Reason: "loads per second cannot be negative"}
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	var limiter *rate.Limiter
	if opts.LoadsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.LoadsPerSecond), 1)
	}

	return &Streamer{
		store:          opts.Store,
		synth:          opts.Synthesizer,
		realizer:       opts.Realizer,
		observer:       opts.Observer,
		limiter:        limiter,
		logger:         logger,
		params:         opts.Parameters,
		renderDistance: opts.RenderDistance,
		inFlight:       make(map[world.ChunkCoord]struct{}),
		disposal:       make(map[world.ChunkCoord]struct{}),
	}, nil
}

func (s *Streamer) Store() *world.ChunkStore {
	return s.store
}

func (s *Streamer) State() State {
	return State(s.state.Load())
}

func (s *Streamer) setState(st State) {
	s.state.Store(int32(st))
}

// Subscribe registers sink for every subsequent lifecycle event.
func (s *Streamer) Subscribe(sink EventSink) {
	s.sinks.add(sink)
}

// LastReport returns the report of the most recent finished cycle.
func (s *Streamer) LastReport() (CycleReport, bool) {
	r := s.last.Load()
	if r == nil {
		return CycleReport{}, false
	}
	return *r, true
}

// Regenerate makes the next cycle unload every loaded chunk so the one
// after reloads them with the current parameters. Loads in flight right now
// are discarded when they finish. The regenerate event is emitted on the
// caller's goroutine.
func (s *Streamer) Regenerate() {
	s.mu.Lock()
	s.forceRegen = true
	for coord := range s.inFlight {
		s.disposal[coord] = struct{}{}
	}
	s.mu.Unlock()
	s.logger.Info("terrain regeneration requested")
	s.sinks.emit(Event{Kind: EventRegenerate, Cycle: s.cycles.Load()})
}

// SetParameters replaces the parameter snapshot used by future loads.
// Loaded chunks keep their heights until regenerated.
func (s *Streamer) SetParameters(p terrain.Parameters) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.params = p
	s.mu.Unlock()
	return nil
}

func (s *Streamer) Parameters() terrain.Parameters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// SetRenderDistance changes the window radius. In-flight loads that fall
// outside the new window around the last centre are discarded on completion.
func (s *Streamer) SetRenderDistance(r int) error {
	if r < 0 {
		return fmt.Errorf("render distance cannot be negative: %d", r)
	}
	if r > world.MaxRenderDistance {
		return fmt.Errorf("render distance %d exceeds maximum %d", r, world.MaxRenderDistance)
	}
	s.mu.Lock()
	s.renderDistance = r
	for coord := range s.inFlight {
		if !world.InWindow(coord, s.center, r) {
			s.disposal[coord] = struct{}{}
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *Streamer) RenderDistance() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renderDistance
}

// Run executes cycles until ctx is cancelled, pausing CycleInterval after
// each one. Per-chunk failures are logged and never stop the loop.
func (s *Streamer) Run(ctx context.Context) error {
	for {
		report, err := s.Cycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.WithError(err).Warn("stream cycle aborted")
		} else if report.changed() {
			s.logger.WithFields(logrus.Fields{
				"cycle":     report.Cycle,
				"center":    report.Center.String(),
				"loaded":    report.Loaded,
				"failed":    report.Failed,
				"discarded": report.Discarded,
				"unloaded":  report.Unloaded,
				"forced":    report.Forced,
				"duration":  report.Duration.String(),
			}).Debug("stream cycle")
		}

		wait := time.NewTimer(CycleInterval)
		select {
		case <-ctx.Done():
			wait.Stop()
			return ctx.Err()
		case <-wait.C:
		}
	}
}

// Cycle runs one pass: compute the window around the observer, load what is
// missing, then unload what is outside the window (or everything, after a
// regeneration request).
func (s *Streamer) Cycle(ctx context.Context) (report CycleReport, err error) {
	start := time.Now()
	report.Cycle = s.cycles.Add(1)
	defer func() {
		s.setState(StateIdle)
		report.Duration = time.Since(start)
		snapshot := report
		s.last.Store(&snapshot)
	}()

	s.setState(StateComputingRequiredSet)
	position := s.observer.Position()
	s.mu.Lock()
	params := s.params
	radius := s.renderDistance
	center := world.ChunkCoordFromPosition(position, params.ChunkSize)
	s.center = center
	s.mu.Unlock()

	required := world.Window(center, radius)
	report.Center = center
	report.Required = len(required)

	s.setState(StateLoading)
	attempted := 0
	for _, coord := range required {
		if s.store.Contains(coord) {
			continue
		}
		// The radius may shrink while this cycle is loading.
		if !world.InWindow(coord, center, s.RenderDistance()) {
			continue
		}
		if err := s.yield(ctx, attempted > 0); err != nil {
			return report, err
		}
		attempted++
		if err := s.load(ctx, report.Cycle, coord, params, &report); err != nil {
			return report, err
		}
	}

	s.setState(StateUnloading)
	s.mu.Lock()
	force := s.forceRegen
	s.forceRegen = false
	radius = s.renderDistance
	s.mu.Unlock()
	report.Forced = force

	for _, coord := range s.store.Coordinates() {
		if !force && world.InWindow(coord, center, radius) {
			continue
		}
		s.unload(report.Cycle, coord, &report)
	}
	return report, nil
}

// yield gives other goroutines a turn between loads and applies pacing.
func (s *Streamer) yield(ctx context.Context, between bool) error {
	if between {
		runtime.Gosched()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.limiter != nil {
		return s.limiter.Wait(ctx)
	}
	return nil
}

// load builds one chunk. Failures are reported and leave the coordinate
// absent; only context cancellation is returned.
func (s *Streamer) load(ctx context.Context, cycle uint64, coord world.ChunkCoord, params terrain.Parameters, report *CycleReport) error {
	started := time.Now()
	s.mu.Lock()
	s.inFlight[coord] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, coord)
		delete(s.disposal, coord)
		s.mu.Unlock()
	}()

	log := s.logger.WithField("chunk", coord.String())
	fail := func(err error) {
		report.Failed++
		log.WithError(err).Warn("chunk load failed")
		s.sinks.emit(Event{Kind: EventLoadFailed, Coord: coord, Cycle: cycle, Duration: time.Since(started), Err: err.Error()})
	}

	chunk := world.NewTerrainChunk(coord, world.PlacementFor(coord, params.ChunkSize, params.Depth))
	grid, err := s.synthesize(ctx, coord, params)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fail(err)
		return nil
	}
	chunk.Grid = grid

	realization, err := s.realizer.Realize(ctx, chunk)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fail(fmt.Errorf("realize chunk %v: %w", coord, err))
		return nil
	}
	chunk.Attach(realization)

	if s.takeDisposal(coord) {
		if err := chunk.Release(); err != nil {
			log.WithError(err).Warn("destroy discarded chunk")
		}
		report.Discarded++
		log.Debug("discarded stale chunk load")
		s.sinks.emit(Event{Kind: EventDiscarded, Coord: coord, Cycle: cycle, Duration: time.Since(started)})
		return nil
	}

	if err := s.store.Insert(coord, chunk); err != nil {
		if releaseErr := chunk.Release(); releaseErr != nil {
			err = errors.Join(err, releaseErr)
		}
		fail(err)
		return nil
	}
	report.Loaded++
	s.sinks.emit(Event{Kind: EventLoaded, Coord: coord, Cycle: cycle, Duration: time.Since(started)})
	return nil
}

type synthesisResult struct {
	grid *world.HeightGrid
	err  error
}

// synthesize runs the synthesizer on its own goroutine and waits for the
// result.
func (s *Streamer) synthesize(ctx context.Context, coord world.ChunkCoord, params terrain.Parameters) (*world.HeightGrid, error) {
	results := make(chan synthesisResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				results <- synthesisResult{err: &terrain.SynthesisError{Coord: coord, Err: fmt.Errorf("panic: %v", r)}}
			}
		}()
		grid, err := s.synth.Synthesize(ctx, coord, params)
		if err == nil {
			if grid == nil {
				err = &terrain.SynthesisError{Coord: coord, Err: errors.New("synthesizer returned no grid")}
			} else if grid.Resolution != params.Resolution() {
				err = &terrain.SynthesisError{Coord: coord, Err: fmt.Errorf("grid resolution %d, want %d", grid.Resolution, params.Resolution())}
			}
		}
		results <- synthesisResult{grid: grid, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-results:
		if res.err != nil {
			return nil, res.err
		}
		return res.grid, nil
	}
}

func (s *Streamer) takeDisposal(coord world.ChunkCoord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.disposal[coord]; ok {
		delete(s.disposal, coord)
		return true
	}
	return false
}

func (s *Streamer) unload(cycle uint64, coord world.ChunkCoord, report *CycleReport) {
	started := time.Now()
	err := s.store.Remove(coord)
	switch {
	case errors.Is(err, world.ErrChunkNotLoaded):
		s.logger.WithField("chunk", coord.String()).Debug("unload skipped: chunk not loaded")
		return
	case err != nil:
		s.logger.WithField("chunk", coord.String()).WithError(err).Warn("chunk unload")
		report.Unloaded++
		s.sinks.emit(Event{Kind: EventUnloaded, Coord: coord, Cycle: cycle, Duration: time.Since(started), Err: err.Error()})
		return
	}
	report.Unloaded++
	s.sinks.emit(Event{Kind: EventUnloaded, Coord: coord, Cycle: cycle, Duration: time.Since(started)})
}
