package terrain

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"terrainstream/internal/world"
)

var errNilSource = errors.New("noise source is nil")

// SynthesisError reports a chunk whose heights could not be produced.
type SynthesisError struct {
	Coord world.ChunkCoord
	Err   error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synthesize chunk %v: %v", e.Coord, e.Err)
}

func (e *SynthesisError) Unwrap() error {
	return e.Err
}

// Synthesizer fills height grids from a Field, one row per task.
type Synthesizer struct {
	workers int
	logger  *logrus.Entry

	mu    sync.Mutex
	field *Field
}

// NewSynthesizer returns a synthesizer running at most workers rows at a
// time. workers <= 0 selects GOMAXPROCS.
func NewSynthesizer(workers int, logger *logrus.Entry) *Synthesizer {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Synthesizer{workers: workers, logger: logger}
}

func (s *Synthesizer) Workers() int {
	return s.workers
}

// fieldFor returns the field for p, rebuilding it only when p changed.
func (s *Synthesizer) fieldFor(p Parameters) (*Field, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.field != nil && s.field.params == p {
		return s.field, nil
	}
	f, err := NewField(p)
	if err != nil {
		return nil, err
	}
	s.field = f
	return f, nil
}

// Synthesize computes the (chunkSize+1)² height grid for coord. Cell (x, z)
// holds the field sampled at world (coord.X*chunkSize+x, coord.Z*chunkSize+z),
// so neighbouring chunks agree on their shared edge.
func (s *Synthesizer) Synthesize(ctx context.Context, coord world.ChunkCoord, p Parameters) (*world.HeightGrid, error) {
	field, err := s.fieldFor(p)
	if err != nil {
		return nil, &SynthesisError{Coord: coord, Err: err}
	}
	return s.SynthesizeField(ctx, coord, field)
}

// SynthesizeField is Synthesize over an already built field.
func (s *Synthesizer) SynthesizeField(ctx context.Context, coord world.ChunkCoord, field *Field) (*world.HeightGrid, error) {
	grid, err := s.fill(ctx, coord, field)
	if err != nil {
		var synthErr *SynthesisError
		if errors.As(err, &synthErr) {
			return nil, err
		}
		return nil, &SynthesisError{Coord: coord, Err: err}
	}
	return grid, nil
}

func (s *Synthesizer) fill(ctx context.Context, coord world.ChunkCoord, field *Field) (*world.HeightGrid, error) {
	p := field.params
	res := p.Resolution()
	grid := world.NewHeightGrid(res)
	originX := float64(coord.X * p.ChunkSize)
	originZ := float64(coord.Z * p.ChunkSize)

	var done atomic.Int64
	progress := newProgressLog(s.logger.WithField("chunk", coord.String()), res)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for z := 0; z < res; z++ {
		if gctx.Err() != nil {
			break
		}
		z := z
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = &SynthesisError{Coord: coord, Err: fmt.Errorf("row %d panicked: %v", z, r)}
				}
			}()
			if err := gctx.Err(); err != nil {
				return err
			}
			row := grid.Row(z)
			wz := originZ + float64(z)
			for x := range row {
				row[x] = field.Sample(originX+float64(x), wz)
			}
			progress.report(int(done.Add(1)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return grid, nil
}

// progressLog emits a debug line each time another quarter of the rows is done.
type progressLog struct {
	logger *logrus.Entry
	total  int
	mu     sync.Mutex
	next   int
}

func newProgressLog(logger *logrus.Entry, total int) *progressLog {
	return &progressLog{logger: logger, total: total, next: 25}
}

func (p *progressLog) report(done int) {
	if p.total <= 0 || !p.logger.Logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	percent := done * 100 / p.total
	p.mu.Lock()
	defer p.mu.Unlock()
	if percent < p.next {
		return
	}
	p.logger.Debugf("synthesis progress: %d%%", percent)
	p.next = (percent/25 + 1) * 25
}
