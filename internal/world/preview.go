package world

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
)

const (
	previewAmbientLight = 0.35
	previewScale        = 2
)

var previewBackground = color.NRGBA{R: 10, G: 10, B: 18, A: 255}

// heightStops maps normalised height to a base colour, low to high.
var heightStops = []struct {
	at  float64
	col color.NRGBA
}{
	{0.00, color.NRGBA{R: 28, G: 46, B: 84, A: 255}},
	{0.12, color.NRGBA{R: 58, G: 96, B: 128, A: 255}},
	{0.25, color.NRGBA{R: 92, G: 128, B: 72, A: 255}},
	{0.50, color.NRGBA{R: 118, G: 112, B: 74, A: 255}},
	{0.75, color.NRGBA{R: 128, G: 118, B: 110, A: 255}},
	{1.00, color.NRGBA{R: 236, G: 236, B: 240, A: 255}},
}

// RenderHeightPreview draws a hill-shaded top-down image of grid. depth is
// the vertical scale of the chunk; it only affects shading strength.
func RenderHeightPreview(grid *HeightGrid, depth float64) (*image.NRGBA, error) {
	if grid == nil || grid.Resolution <= 0 {
		return nil, fmt.Errorf("invalid height grid")
	}
	if depth <= 0 {
		depth = 1
	}
	res := grid.Resolution
	img := image.NewNRGBA(image.Rect(0, 0, res*previewScale, res*previewScale))
	draw.Draw(img, img.Bounds(), &image.Uniform{previewBackground}, image.Point{}, draw.Src)

	for z := 0; z < res; z++ {
		for x := 0; x < res; x++ {
			h, _ := grid.At(x, z)
			col := applyLighting(heightColor(h), shade(grid, x, z, depth))
			fillCell(img, x, z, col)
		}
	}
	return img, nil
}

// EncodeHeightPreview writes the preview of grid as PNG.
func EncodeHeightPreview(w io.Writer, grid *HeightGrid, depth float64) error {
	img, err := RenderHeightPreview(grid, depth)
	if err != nil {
		return err
	}
	if err := png.Encode(w, img); err != nil {
		return fmt.Errorf("encode preview: %w", err)
	}
	return nil
}

// SaveHeightPreview writes chunk_<x>_<z>.png for coord into outputDir and
// returns the file path.
func SaveHeightPreview(coord ChunkCoord, grid *HeightGrid, depth float64, outputDir string) (string, error) {
	if err := ensurePreviewDir(outputDir); err != nil {
		return "", err
	}
	path := PreviewPath(outputDir, coord)
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create preview: %w", err)
	}
	defer file.Close()
	if err := EncodeHeightPreview(file, grid, depth); err != nil {
		return "", err
	}
	return path, nil
}

func PreviewPath(outputDir string, coord ChunkCoord) string {
	return filepath.Join(outputDir, fmt.Sprintf("chunk_%d_%d.png", coord.X, coord.Z))
}

// PreviewRealizer realizes chunks as PNG previews on disk. Destroying the
// realization deletes the file.
type PreviewRealizer struct {
	dir string
}

func NewPreviewRealizer(dir string) *PreviewRealizer {
	return &PreviewRealizer{dir: dir}
}

type previewFile struct {
	path string
}

func (r *PreviewRealizer) Realize(ctx context.Context, chunk *TerrainChunk) (Realization, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if chunk == nil || chunk.Grid == nil {
		return nil, fmt.Errorf("preview realizer: chunk has no height grid")
	}
	path, err := SaveHeightPreview(chunk.Coord, chunk.Grid, chunk.Placement.Size.Y(), r.dir)
	if err != nil {
		return nil, fmt.Errorf("preview realizer %v: %w", chunk.Coord, err)
	}
	return &previewFile{path: path}, nil
}

func (p *previewFile) Destroy() error {
	if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove preview: %w", err)
	}
	return nil
}

func heightColor(h float64) color.NRGBA {
	h = clamp(h, 0, 1)
	for i := 1; i < len(heightStops); i++ {
		lo, hi := heightStops[i-1], heightStops[i]
		if h > hi.at {
			continue
		}
		t := (h - lo.at) / (hi.at - lo.at)
		return color.NRGBA{
			R: lerpByte(lo.col.R, hi.col.R, t),
			G: lerpByte(lo.col.G, hi.col.G, t),
			B: lerpByte(lo.col.B, hi.col.B, t),
			A: 255,
		}
	}
	return heightStops[len(heightStops)-1].col
}

// shade is a simple north-west light over the central-difference normal.
func shade(grid *HeightGrid, x, z int, depth float64) float64 {
	left := heightOr(grid, x-1, z, x, z)
	right := heightOr(grid, x+1, z, x, z)
	up := heightOr(grid, x, z-1, x, z)
	down := heightOr(grid, x, z+1, x, z)
	dx := (right - left) * depth * 0.5
	dz := (down - up) * depth * 0.5
	nx, ny, nz := -dx, 1.0, -dz
	length := math.Sqrt(nx*nx + ny*ny + nz*nz)
	lx, ly, lz := -0.5, 0.7, -0.5
	llen := math.Sqrt(lx*lx + ly*ly + lz*lz)
	dot := (nx*lx + ny*ly + nz*lz) / (length * llen)
	return previewAmbientLight + (1-previewAmbientLight)*clamp(dot, 0, 1)
}

func heightOr(grid *HeightGrid, x, z, fx, fz int) float64 {
	if h, ok := grid.At(x, z); ok {
		return h
	}
	h, _ := grid.At(fx, fz)
	return h
}

func fillCell(img *image.NRGBA, x, z int, col color.NRGBA) {
	for dy := 0; dy < previewScale; dy++ {
		for dx := 0; dx < previewScale; dx++ {
			img.SetNRGBA(x*previewScale+dx, z*previewScale+dy, col)
		}
	}
}

func lerpByte(a, b uint8, t float64) uint8 {
	return uint8(math.Round(float64(a) + (float64(b)-float64(a))*t))
}

func applyLighting(base color.NRGBA, factor float64) color.NRGBA {
	factor = clamp(factor, 0, 1)
	r := uint8(math.Round(float64(base.R) * factor))
	g := uint8(math.Round(float64(base.G) * factor))
	b := uint8(math.Round(float64(base.B) * factor))
	return color.NRGBA{R: r, G: g, B: b, A: 255}
}

func clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

func ensurePreviewDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("output directory is empty")
	}
	return os.MkdirAll(dir, 0o755)
}
