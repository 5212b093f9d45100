package terrain

import "math"

const (
	// ridgeBlend mixes raw noise toward its ridged form.
	ridgeBlend = 0.6
	// erosionStrength damps later octaves where earlier ones were high.
	erosionStrength = 2.0
	erosionCarry    = 0.4
	// basinFloor scales mountain height down inside basins.
	basinFloor = 0.2
	// per-octave lattice shift so octaves do not line up
	octaveShiftX = 1.3
	octaveShiftZ = 2.7
)

// Field evaluates the height function for one Parameters snapshot. It is a
// pure function of world position and safe for concurrent use.
type Field struct {
	params Parameters
	source Source
}

func NewField(p Parameters) (*Field, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	src, err := NewSource(p.Noise, p.Seed)
	if err != nil {
		return nil, err
	}
	return &Field{params: p, source: src}, nil
}

// NewFieldWithSource evaluates p over a caller-supplied noise source.
func NewFieldWithSource(p Parameters, src Source) (*Field, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if src == nil {
		return nil, errNilSource
	}
	return &Field{params: p, source: src}, nil
}

func (f *Field) Parameters() Parameters {
	return f.params
}

// Sample returns the normalised height at world position (wx, wz).
func (f *Field) Sample(wx, wz float64) float64 {
	p := f.params

	region := f.source.Eval((wx+p.Offset.X)*p.RegionScale, (wz+p.Offset.Y)*p.RegionScale)
	region = math.Pow(region, p.BasinSharpness)

	total := 0.0
	maxValue := 0.0
	amplitude := 1.0
	frequency := 1.0
	accumulated := 0.0

	for i := 0; i < p.Octaves; i++ {
		nx := (wx+float64(i)*octaveShiftX)*frequency*p.Scale + p.Offset.X
		nz := (wz+float64(i)*octaveShiftZ)*frequency*p.Scale + p.Offset.Y

		base := f.source.Eval(nx, nz)
		ridge := math.Pow(1-math.Abs(2*base-1), p.RidgeWeight)
		noise := lerp(base, ridge, ridgeBlend)

		erosion := 1 / (1 + accumulated*accumulated*erosionStrength)
		total += noise * amplitude * erosion
		maxValue += amplitude
		accumulated += noise * erosionCarry

		amplitude *= p.Persistence
		frequency *= p.Lacunarity
	}

	mountain := 0.0
	if maxValue > 0 {
		mountain = total / maxValue
	}
	basin := mountain*basinFloor - p.BasinDepth
	return clamp01(lerp(basin, mountain, region))
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

// clamp01 limits v to [0,1]; NaN becomes 0.
func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
