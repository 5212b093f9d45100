package world

import "fmt"

// HeightGrid is a square height field with Resolution cells per side. Cells
// are stored row-major: cell (x, z) lives at Cells[z*Resolution+x]. Values
// are normalised heights in [0,1].
type HeightGrid struct {
	Resolution int       `json:"resolution"`
	Cells      []float64 `json:"cells"`
}

// NewHeightGrid allocates a zeroed grid.
func NewHeightGrid(resolution int) *HeightGrid {
	if resolution < 0 {
		resolution = 0
	}
	return &HeightGrid{
		Resolution: resolution,
		Cells:      make([]float64, resolution*resolution),
	}
}

// ResolutionFor returns the grid side for a chunk size. Adjacent chunks
// share their edge row/column, hence the extra cell.
func ResolutionFor(chunkSize int) int {
	return chunkSize + 1
}

func (g *HeightGrid) index(x, z int) int {
	return z*g.Resolution + x
}

func (g *HeightGrid) inRange(x, z int) bool {
	return x >= 0 && z >= 0 && x < g.Resolution && z < g.Resolution
}

// At returns the height at local cell (x, z).
func (g *HeightGrid) At(x, z int) (float64, bool) {
	if g == nil || !g.inRange(x, z) {
		return 0, false
	}
	return g.Cells[g.index(x, z)], true
}

// Set stores a height at local cell (x, z).
func (g *HeightGrid) Set(x, z int, v float64) bool {
	if g == nil || !g.inRange(x, z) {
		return false
	}
	g.Cells[g.index(x, z)] = v
	return true
}

// Row returns the slice backing row z. Writes through it modify the grid.
func (g *HeightGrid) Row(z int) []float64 {
	if g == nil || z < 0 || z >= g.Resolution {
		return nil
	}
	start := z * g.Resolution
	return g.Cells[start : start+g.Resolution]
}

// Clone returns a deep copy.
func (g *HeightGrid) Clone() *HeightGrid {
	if g == nil {
		return nil
	}
	dup := make([]float64, len(g.Cells))
	copy(dup, g.Cells)
	return &HeightGrid{Resolution: g.Resolution, Cells: dup}
}

// Validate checks the shape and the [0,1] range of every cell.
func (g *HeightGrid) Validate() error {
	if g == nil {
		return fmt.Errorf("height grid is nil")
	}
	if len(g.Cells) != g.Resolution*g.Resolution {
		return fmt.Errorf("height grid has %d cells, want %d", len(g.Cells), g.Resolution*g.Resolution)
	}
	for i, v := range g.Cells {
		if !(v >= 0 && v <= 1) {
			return fmt.Errorf("height grid cell %d out of range: %v", i, v)
		}
	}
	return nil
}

// GridStats summarises a grid.
type GridStats struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Mean float64 `json:"mean"`
}

func (g *HeightGrid) Stats() GridStats {
	if g == nil || len(g.Cells) == 0 {
		return GridStats{}
	}
	stats := GridStats{Min: g.Cells[0], Max: g.Cells[0]}
	sum := 0.0
	for _, v := range g.Cells {
		if v < stats.Min {
			stats.Min = v
		}
		if v > stats.Max {
			stats.Max = v
		}
		sum += v
	}
	stats.Mean = sum / float64(len(g.Cells))
	return stats
}
