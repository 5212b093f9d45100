package world

import (
	"context"
	"sync"
)

// Realization is the external object (render mesh, collider, remote
// replica) created for a loaded chunk.
type Realization interface {
	// Destroy releases every resource held by the realization.
	Destroy() error
}

// Realizer turns a synthesized chunk into its external realization. The
// chunk's Grid and Placement are populated before Realize is called.
type Realizer interface {
	Realize(ctx context.Context, chunk *TerrainChunk) (Realization, error)
}

// TerrainChunk owns one height grid and the realization built from it.
type TerrainChunk struct {
	Coord     ChunkCoord
	Placement Placement
	Grid      *HeightGrid

	mu          sync.Mutex
	realization Realization
}

// NewTerrainChunk returns an empty shell for coord. The grid is attached
// once synthesis completes.
func NewTerrainChunk(coord ChunkCoord, placement Placement) *TerrainChunk {
	return &TerrainChunk{
		Coord:     coord,
		Placement: placement,
	}
}

// Attach records the realization built for the chunk.
func (c *TerrainChunk) Attach(r Realization) {
	c.mu.Lock()
	c.realization = r
	c.mu.Unlock()
}

// Realization returns the attached realization, if any.
func (c *TerrainChunk) Realization() Realization {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.realization
}

// Release destroys the realization. Calling it twice is a no-op.
func (c *TerrainChunk) Release() error {
	c.mu.Lock()
	r := c.realization
	c.realization = nil
	c.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.Destroy()
}
