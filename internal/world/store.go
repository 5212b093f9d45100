package world

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrDuplicateChunk signals an attempt to insert a coordinate that is
	// already loaded.
	ErrDuplicateChunk = errors.New("chunk already loaded")
	// ErrChunkNotLoaded signals a removal of a coordinate that is not loaded.
	ErrChunkNotLoaded = errors.New("chunk not loaded")
)

// ChunkStore maps chunk coordinates to loaded chunks and ties each chunk's
// realization lifetime to its membership. Only the streamer mutates it; the
// lock lets other goroutines read snapshots.
type ChunkStore struct {
	mu     sync.RWMutex
	chunks map[ChunkCoord]*TerrainChunk
}

func NewChunkStore() *ChunkStore {
	return &ChunkStore{
		chunks: make(map[ChunkCoord]*TerrainChunk),
	}
}

func (s *ChunkStore) Contains(coord ChunkCoord) bool {
	s.mu.RLock()
	_, ok := s.chunks[coord]
	s.mu.RUnlock()
	return ok
}

func (s *ChunkStore) Chunk(coord ChunkCoord) (*TerrainChunk, bool) {
	s.mu.RLock()
	ch, ok := s.chunks[coord]
	s.mu.RUnlock()
	return ch, ok
}

// Insert adds a fully realized chunk. It fails with ErrDuplicateChunk when
// the coordinate is already present.
func (s *ChunkStore) Insert(coord ChunkCoord, chunk *TerrainChunk) error {
	if chunk == nil {
		return fmt.Errorf("insert chunk %v: chunk is nil", coord)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chunks[coord]; ok {
		return fmt.Errorf("insert chunk %v: %w", coord, ErrDuplicateChunk)
	}
	s.chunks[coord] = chunk
	return nil
}

// Remove destroys the chunk's realization and then drops the entry. The
// entry is dropped even when Destroy fails; the error is returned.
func (s *ChunkStore) Remove(coord ChunkCoord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.chunks[coord]
	if !ok {
		return fmt.Errorf("remove chunk %v: %w", coord, ErrChunkNotLoaded)
	}
	err := ch.Release()
	delete(s.chunks, coord)
	if err != nil {
		return fmt.Errorf("remove chunk %v: destroy realization: %w", coord, err)
	}
	return nil
}

// Coordinates returns a sorted snapshot of the loaded coordinates.
func (s *ChunkStore) Coordinates() []ChunkCoord {
	s.mu.RLock()
	keys := make([]ChunkCoord, 0, len(s.chunks))
	for k := range s.chunks {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	SortCoords(keys)
	return keys
}

func (s *ChunkStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}

// Close removes every chunk, releasing all realizations.
func (s *ChunkStore) Close() error {
	var errs []error
	for _, coord := range s.Coordinates() {
		if err := s.Remove(coord); err != nil && !errors.Is(err, ErrChunkNotLoaded) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
