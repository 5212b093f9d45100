package terrain

import (
	"fmt"

	"github.com/aquilax/go-perlin"
	"github.com/ojrac/opensimplex-go"
)

// Source is a seeded, deterministic 2D coherent-noise function with values
// in [0,1]. Implementations must be safe for concurrent reads.
type Source interface {
	Eval(x, z float64) float64
}

// NewSource builds the backend named by kind. The empty kind selects simplex.
func NewSource(kind NoiseKind, seed int64) (Source, error) {
	switch kind {
	case "", NoiseSimplex:
		return simplexSource{noise: opensimplex.NewNormalized(seed)}, nil
	case NoisePerlin:
		return perlinSource{noise: perlin.NewPerlin(2, 2, 1, seed)}, nil
	default:
		return nil, fmt.Errorf("unknown noise kind %q", kind)
	}
}

type simplexSource struct {
	noise opensimplex.Noise
}

func (s simplexSource) Eval(x, z float64) float64 {
	return clamp01(s.noise.Eval2(x, z))
}

// perlinSource wraps a single-octave Perlin lattice. Octaves are summed by
// the Field, not by the library.
type perlinSource struct {
	noise *perlin.Perlin
}

func (s perlinSource) Eval(x, z float64) float64 {
	return clamp01((s.noise.Noise2D(x, z) + 1) / 2)
}
