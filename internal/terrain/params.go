package terrain

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// NoiseKind selects the coherent-noise backend used by a Field.
type NoiseKind string

const (
	NoiseSimplex NoiseKind = "simplex"
	NoisePerlin  NoiseKind = "perlin"
)

// Offset shifts every noise lookup in world space.
type Offset struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Parameters is an immutable snapshot of everything height synthesis
// depends on. Two equal Parameters produce identical terrain.
type Parameters struct {
	ChunkSize      int       `json:"chunkSize" yaml:"chunk_size"`
	Depth          float64   `json:"depth" yaml:"depth"`
	Scale          float64   `json:"scale" yaml:"scale"`
	Octaves        int       `json:"octaves" yaml:"octaves"`
	Lacunarity     float64   `json:"lacunarity" yaml:"lacunarity"`
	Persistence    float64   `json:"persistence" yaml:"persistence"`
	RidgeWeight    float64   `json:"ridgeWeight" yaml:"ridge_weight"`
	Offset         Offset    `json:"offset" yaml:"offset"`
	RegionScale    float64   `json:"regionScale" yaml:"region_scale"`
	BasinDepth     float64   `json:"basinDepth" yaml:"basin_depth"`
	BasinSharpness float64   `json:"basinSharpness" yaml:"basin_sharpness"`
	Seed           int64     `json:"seed" yaml:"seed"`
	Noise          NoiseKind `json:"noise" yaml:"noise"`
}

// DefaultParameters is the stock parameter set, also the "default" preset.
func DefaultParameters() Parameters {
	return Parameters{
		ChunkSize:      128,
		Depth:          20,
		Scale:          0.05,
		Octaves:        4,
		Lacunarity:     2,
		Persistence:    0.5,
		RidgeWeight:    1,
		RegionScale:    0.002,
		BasinDepth:     0.3,
		BasinSharpness: 2,
		Noise:          NoiseSimplex,
	}
}

// Resolution is the side length of a chunk's height grid.
func (p Parameters) Resolution() int {
	return p.ChunkSize + 1
}

func (p Parameters) Validate() error {
	if p.ChunkSize < 1 {
		return errors.New("terrain.chunkSize must be positive")
	}
	if p.Octaves < 1 {
		return errors.New("terrain.octaves must be at least 1")
	}
	for _, f := range []struct {
		name  string
		value float64
	}{
		{"depth", p.Depth},
		{"scale", p.Scale},
		{"lacunarity", p.Lacunarity},
		{"persistence", p.Persistence},
		{"ridgeWeight", p.RidgeWeight},
		{"offset.x", p.Offset.X},
		{"offset.y", p.Offset.Y},
		{"regionScale", p.RegionScale},
		{"basinDepth", p.BasinDepth},
		{"basinSharpness", p.BasinSharpness},
	} {
		if math.IsNaN(f.value) || math.IsInf(f.value, 0) {
			return fmt.Errorf("terrain.%s must be finite", f.name)
		}
	}
	if p.Depth <= 0 {
		return errors.New("terrain.depth must be positive")
	}
	if p.Scale <= 0 {
		return errors.New("terrain.scale must be positive")
	}
	if p.RegionScale <= 0 {
		return errors.New("terrain.regionScale must be positive")
	}
	if p.Lacunarity <= 0 {
		return errors.New("terrain.lacunarity must be positive")
	}
	if p.Persistence < 0 {
		return errors.New("terrain.persistence cannot be negative")
	}
	if p.RidgeWeight < 0 {
		return errors.New("terrain.ridgeWeight cannot be negative")
	}
	if p.BasinSharpness < 0 {
		return errors.New("terrain.basinSharpness cannot be negative")
	}
	switch p.Noise {
	case "", NoiseSimplex, NoisePerlin:
	default:
		return fmt.Errorf("terrain.noise %q is not supported", p.Noise)
	}
	return nil
}

var presets = map[string]func() Parameters{
	"default": DefaultParameters,
	"alpine": func() Parameters {
		p := DefaultParameters()
		p.Octaves = 6
		p.RidgeWeight = 2.2
		p.Persistence = 0.55
		p.BasinDepth = 0.1
		p.BasinSharpness = 0.8
		p.Depth = 48
		return p
	},
	"lowlands": func() Parameters {
		p := DefaultParameters()
		p.Scale = 0.02
		p.Octaves = 3
		p.RidgeWeight = 0.6
		p.RegionScale = 0.001
		p.BasinDepth = 0.45
		p.BasinSharpness = 3.2
		p.Depth = 12
		return p
	},
}

// Preset returns a named parameter set.
func Preset(name string) (Parameters, bool) {
	fn, ok := presets[name]
	if !ok {
		return Parameters{}, false
	}
	return fn(), true
}

// PresetNames lists the known presets in alphabetical order.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
