package world

import (
	"fmt"
	"math"
	"sort"

	"github.com/go-gl/mathgl/mgl64"
)

// ChunkCoord identifies a chunk in global chunk space. X and Z index the
// horizontal grid; chunk (X, Z) covers world positions
// [X*chunkSize, (X+1)*chunkSize) on each axis.
type ChunkCoord struct {
	X int `json:"x"`
	Z int `json:"z"`
}

func (c ChunkCoord) String() string {
	return fmt.Sprintf("(%d,%d)", c.X, c.Z)
}

// Add returns the coordinate offset by (dx, dz).
func (c ChunkCoord) Add(dx, dz int) ChunkCoord {
	return ChunkCoord{X: c.X + dx, Z: c.Z + dz}
}

// Chebyshev returns the chessboard distance between two coordinates.
func Chebyshev(a, b ChunkCoord) int {
	dx := absInt(a.X - b.X)
	dz := absInt(a.Z - b.Z)
	if dx > dz {
		return dx
	}
	return dz
}

// ChunkCoordFromPosition returns the chunk containing the X/Z components of
// a world position. Y is ignored.
func ChunkCoordFromPosition(pos mgl64.Vec3, chunkSize int) ChunkCoord {
	if chunkSize <= 0 {
		return ChunkCoord{}
	}
	size := float64(chunkSize)
	return ChunkCoord{
		X: int(math.Floor(pos.X() / size)),
		Z: int(math.Floor(pos.Z() / size)),
	}
}

// MaxRenderDistance bounds the window radius; the window then holds at most
// 129x129 chunks.
const MaxRenderDistance = 64

// Window returns every coordinate within Chebyshev distance radius of
// center. The centre comes first, then each ring outwards; inside a ring the
// order is row-major (Z, then X). A radius outside [0, MaxRenderDistance]
// yields nil.
func Window(center ChunkCoord, radius int) []ChunkCoord {
	if radius < 0 || radius > MaxRenderDistance {
		return nil
	}
	side := 2*radius + 1
	coords := make([]ChunkCoord, 0, side*side)
	for dz := -radius; dz <= radius; dz++ {
		for dx := -radius; dx <= radius; dx++ {
			coords = append(coords, center.Add(dx, dz))
		}
	}
	sort.SliceStable(coords, func(i, j int) bool {
		return Chebyshev(coords[i], center) < Chebyshev(coords[j], center)
	})
	return coords
}

// InWindow reports whether coord lies inside the window of radius around center.
func InWindow(coord, center ChunkCoord, radius int) bool {
	return radius >= 0 && Chebyshev(coord, center) <= radius
}

// SortCoords orders coordinates by X, then Z.
func SortCoords(coords []ChunkCoord) {
	sort.Slice(coords, func(i, j int) bool {
		if coords[i].X != coords[j].X {
			return coords[i].X < coords[j].X
		}
		return coords[i].Z < coords[j].Z
	})
}

// Placement describes where a chunk's realization sits in world space.
type Placement struct {
	Position mgl64.Vec3 `json:"position"`
	Size     mgl64.Vec3 `json:"size"`
}

// PlacementFor returns the world placement of coord: origin at
// (X*chunkSize, 0, Z*chunkSize), extent chunkSize x depth x chunkSize.
func PlacementFor(coord ChunkCoord, chunkSize int, depth float64) Placement {
	size := float64(chunkSize)
	return Placement{
		Position: mgl64.Vec3{float64(coord.X) * size, 0, float64(coord.Z) * size},
		Size:     mgl64.Vec3{size, depth, size},
	}
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
