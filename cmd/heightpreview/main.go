package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"terrainstream/internal/config"
	"terrainstream/internal/terrain"
	"terrainstream/internal/world"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "optional configuration file providing terrain parameters")
		preset  = flag.String("preset", "", "terrain preset ("+fmt.Sprint(terrain.PresetNames())+")")
		seed    = flag.Int64("seed", 0, "noise seed (overrides config/preset when set)")
		noise   = flag.String("noise", "", "noise backend: simplex or perlin")
		size    = flag.Int("size", 0, "chunk size in cells (overrides config/preset when set)")
		cx      = flag.Int("cx", 0, "centre chunk x")
		cz      = flag.Int("cz", 0, "centre chunk z")
		radius  = flag.Int("radius", 0, "render a (2r+1)^2 square of chunks around the centre")
		workers = flag.Int("workers", 0, "synthesis workers (0 = GOMAXPROCS)")
		out     = flag.String("out", "terrain_preview.png", "output PNG path")
		verbose = flag.Bool("v", false, "log synthesis progress")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	params := cfg.Terrain.Parameters
	if *preset != "" {
		p, ok := terrain.Preset(*preset)
		if !ok {
			fmt.Fprintf(os.Stderr, "unknown preset %q\n", *preset)
			os.Exit(2)
		}
		params = p
	}
	if *seed != 0 {
		params.Seed = *seed
	}
	if *noise != "" {
		params.Noise = terrain.NoiseKind(*noise)
	}
	if *size > 0 {
		params.ChunkSize = *size
	}
	if *radius < 0 || *radius > world.MaxRenderDistance {
		fmt.Fprintf(os.Stderr, "radius must be within [0, %d]\n", world.MaxRenderDistance)
		os.Exit(2)
	}
	if err := params.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid parameters: %v\n", err)
		os.Exit(2)
	}

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.WarnLevel)
	}
	synth := terrain.NewSynthesizer(*workers, logger.WithField("component", "terrain"))

	center := world.ChunkCoord{X: *cx, Z: *cz}
	start := time.Now()
	mosaic, perChunk, err := synthesizeSquare(context.Background(), synth, params, center, *radius)
	if err != nil {
		fmt.Fprintf(os.Stderr, "synthesize: %v\n", err)
		os.Exit(1)
	}
	elapsed := time.Since(start)

	if dir := filepath.Dir(*out); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fmt.Fprintf(os.Stderr, "create output dir: %v\n", err)
			os.Exit(1)
		}
	}
	file, err := os.Create(*out)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create output: %v\n", err)
		os.Exit(1)
	}
	if err := world.EncodeHeightPreview(file, mosaic, params.Depth); err != nil {
		_ = file.Close()
		fmt.Fprintf(os.Stderr, "write preview: %v\n", err)
		os.Exit(1)
	}
	if err := file.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "close output: %v\n", err)
		os.Exit(1)
	}

	stats := mosaic.Stats()
	chunks := (2**radius + 1) * (2**radius + 1)
	fmt.Printf("Chunks: %d around %v (size %d, %s noise, seed %d)\n", chunks, center, params.ChunkSize, params.Noise, params.Seed)
	fmt.Printf("Grid: %dx%d  min %.4f  max %.4f  mean %.4f\n", mosaic.Resolution, mosaic.Resolution, stats.Min, stats.Max, stats.Mean)
	fmt.Printf("Synthesis: %s total, %s per chunk, %d workers\n", elapsed, perChunk, synth.Workers())
	fmt.Printf("Preview written to %s\n", *out)
}

// synthesizeSquare builds one grid spanning every chunk within radius of
// center. Neighbouring chunks share their edge samples, so each chunk
// contributes ChunkSize cells per axis and the last row/column closes it.
func synthesizeSquare(ctx context.Context, synth *terrain.Synthesizer, params terrain.Parameters, center world.ChunkCoord, radius int) (*world.HeightGrid, time.Duration, error) {
	span := 2*radius + 1
	size := params.ChunkSize
	mosaic := world.NewHeightGrid(span*size + 1)

	var total time.Duration
	for dz := -radius; dz <= radius; dz++ {
		for dx := -radius; dx <= radius; dx++ {
			coord := center.Add(dx, dz)
			start := time.Now()
			grid, err := synth.Synthesize(ctx, coord, params)
			if err != nil {
				return nil, 0, err
			}
			total += time.Since(start)

			ox := (dx + radius) * size
			oz := (dz + radius) * size
			for z := 0; z < grid.Resolution; z++ {
				row := grid.Row(z)
				for x, v := range row {
					mosaic.Set(ox+x, oz+z, v)
				}
			}
		}
	}
	return mosaic, total / time.Duration(span*span), nil
}
