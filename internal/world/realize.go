package world

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// MemoryRealizer commits chunks in-process. It stands in for a renderer when
// the streamer runs headless and keeps a record of live realizations.
type MemoryRealizer struct {
	mu   sync.RWMutex
	live map[ChunkCoord]*MemoryTerrain
}

func NewMemoryRealizer() *MemoryRealizer {
	return &MemoryRealizer{
		live: make(map[ChunkCoord]*MemoryTerrain),
	}
}

// MemoryTerrain is the committed copy of a chunk's heights.
type MemoryTerrain struct {
	owner     *MemoryRealizer
	Coord     ChunkCoord
	Placement Placement
	Heights   *HeightGrid
}

func (r *MemoryRealizer) Realize(ctx context.Context, chunk *TerrainChunk) (Realization, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if chunk == nil || chunk.Grid == nil {
		return nil, fmt.Errorf("memory realizer: chunk has no height grid")
	}
	terrain := &MemoryTerrain{
		owner:     r,
		Coord:     chunk.Coord,
		Placement: chunk.Placement,
		Heights:   chunk.Grid.Clone(),
	}
	r.mu.Lock()
	r.live[chunk.Coord] = terrain
	r.mu.Unlock()
	return terrain, nil
}

func (t *MemoryTerrain) Destroy() error {
	t.owner.mu.Lock()
	if current, ok := t.owner.live[t.Coord]; ok && current == t {
		delete(t.owner.live, t.Coord)
	}
	t.owner.mu.Unlock()
	return nil
}

// Live returns the committed terrain for coord.
func (r *MemoryRealizer) Live(coord ChunkCoord) (*MemoryTerrain, bool) {
	r.mu.RLock()
	t, ok := r.live[coord]
	r.mu.RUnlock()
	return t, ok
}

// LiveCount reports how many realizations have not been destroyed.
func (r *MemoryRealizer) LiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live)
}

// Realizers fans a chunk out to several realizers. If one fails, the parts
// already built are destroyed and the error is returned.
func Realizers(realizers ...Realizer) Realizer {
	filtered := make(multiRealizer, 0, len(realizers))
	for _, r := range realizers {
		if r != nil {
			filtered = append(filtered, r)
		}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return filtered
}

type multiRealizer []Realizer

type multiRealization []Realization

func (m multiRealizer) Realize(ctx context.Context, chunk *TerrainChunk) (Realization, error) {
	parts := make(multiRealization, 0, len(m))
	for _, r := range m {
		part, err := r.Realize(ctx, chunk)
		if err != nil {
			if destroyErr := parts.Destroy(); destroyErr != nil {
				err = errors.Join(err, destroyErr)
			}
			return nil, err
		}
		parts = append(parts, part)
	}
	return parts, nil
}

func (m multiRealization) Destroy() error {
	var errs []error
	for i := len(m) - 1; i >= 0; i-- {
		if err := m[i].Destroy(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
