package network

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/klauspost/compress/zstd"

	"terrainstream/internal/world"
)

var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

func codec() (*zstd.Encoder, *zstd.Decoder, error) {
	codecOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if codecErr != nil {
			return
		}
		decoder, codecErr = zstd.NewReader(nil)
	})
	return encoder, decoder, codecErr
}

// EncodeHeights packs a grid as little-endian float32 values and compresses
// the result.
func EncodeHeights(grid *world.HeightGrid) ([]byte, error) {
	if grid == nil {
		return nil, fmt.Errorf("encode heights: grid is nil")
	}
	enc, _, err := codec()
	if err != nil {
		return nil, fmt.Errorf("encode heights: %w", err)
	}
	raw := make([]byte, 4*len(grid.Cells))
	for i, v := range grid.Cells {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(float32(v)))
	}
	return enc.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

// DecodeHeights reverses EncodeHeights for a grid of the given resolution.
func DecodeHeights(data []byte, resolution int) (*world.HeightGrid, error) {
	_, dec, err := codec()
	if err != nil {
		return nil, fmt.Errorf("decode heights: %w", err)
	}
	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decode heights: %w", err)
	}
	if want := 4 * resolution * resolution; len(raw) != want {
		return nil, fmt.Errorf("decode heights: got %d bytes, want %d", len(raw), want)
	}
	grid := world.NewHeightGrid(resolution)
	for i := range grid.Cells {
		grid.Cells[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:])))
	}
	return grid, nil
}
