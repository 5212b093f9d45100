package world

import (
	"testing"

	"github.com/go-gl/mathgl/mgl64"
)

func TestChunkCoordFromPositionFloors(t *testing.T) {
	cases := []struct {
		pos  mgl64.Vec3
		want ChunkCoord
	}{
		{mgl64.Vec3{0, 0, 0}, ChunkCoord{0, 0}},
		{mgl64.Vec3{127.9, 50, 127.9}, ChunkCoord{0, 0}},
		{mgl64.Vec3{128, -4, 0}, ChunkCoord{1, 0}},
		{mgl64.Vec3{-0.5, 0, -128}, ChunkCoord{-1, -1}},
		{mgl64.Vec3{-129, 0, 300}, ChunkCoord{-2, 2}},
	}
	for _, tc := range cases {
		if got := ChunkCoordFromPosition(tc.pos, 128); got != tc.want {
			t.Fatalf("position %v: got %v want %v", tc.pos, got, tc.want)
		}
	}
}

func TestWindowSizeAndOrder(t *testing.T) {
	center := ChunkCoord{X: 4, Z: -3}

	if got := Window(center, 0); len(got) != 1 || got[0] != center {
		t.Fatalf("radius 0 window: %v", got)
	}
	if got := Window(center, -1); got != nil {
		t.Fatalf("negative radius should give nil, got %v", got)
	}
	if got := Window(center, MaxRenderDistance+1); got != nil {
		t.Fatalf("radius above maximum should give nil, got %d coords", len(got))
	}
	if got := Window(center, 1<<30); got != nil {
		t.Fatalf("huge radius should give nil, got %d coords", len(got))
	}
	side := 2*MaxRenderDistance + 1
	if got := Window(center, MaxRenderDistance); len(got) != side*side {
		t.Fatalf("maximum radius window has %d coords, want %d", len(got), side*side)
	}

	for radius := 1; radius <= 4; radius++ {
		coords := Window(center, radius)
		side := 2*radius + 1
		if len(coords) != side*side {
			t.Fatalf("radius %d: got %d coords want %d", radius, len(coords), side*side)
		}
		if coords[0] != center {
			t.Fatalf("radius %d: window should start at centre, got %v", radius, coords[0])
		}
		seen := make(map[ChunkCoord]struct{}, len(coords))
		prevRing := 0
		for _, c := range coords {
			if _, dup := seen[c]; dup {
				t.Fatalf("radius %d: duplicate coord %v", radius, c)
			}
			seen[c] = struct{}{}
			ring := Chebyshev(c, center)
			if ring > radius {
				t.Fatalf("radius %d: coord %v outside window", radius, c)
			}
			if ring < prevRing {
				t.Fatalf("radius %d: ring order broken at %v", radius, c)
			}
			prevRing = ring
		}
	}
}

func TestWindowIsDeterministic(t *testing.T) {
	a := Window(ChunkCoord{1, 1}, 3)
	b := Window(ChunkCoord{1, 1}, 3)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("index %d: %v != %v", i, a[i], b[i])
		}
	}
}

func TestInWindow(t *testing.T) {
	center := ChunkCoord{0, 0}
	if !InWindow(ChunkCoord{1, -1}, center, 1) {
		t.Fatalf("diagonal neighbour should be inside radius 1")
	}
	if InWindow(ChunkCoord{2, 0}, center, 1) {
		t.Fatalf("(2,0) should be outside radius 1")
	}
	if InWindow(center, center, -1) {
		t.Fatalf("negative radius contains nothing")
	}
}

func TestPlacementFor(t *testing.T) {
	p := PlacementFor(ChunkCoord{X: -2, Z: 3}, 128, 20)
	if p.Position != (mgl64.Vec3{-256, 0, 384}) {
		t.Fatalf("unexpected position %v", p.Position)
	}
	if p.Size != (mgl64.Vec3{128, 20, 128}) {
		t.Fatalf("unexpected size %v", p.Size)
	}
}

func TestSortCoords(t *testing.T) {
	coords := []ChunkCoord{{2, 0}, {-1, 5}, {2, -3}, {0, 0}}
	SortCoords(coords)
	want := []ChunkCoord{{-1, 5}, {0, 0}, {2, -3}, {2, 0}}
	for i := range want {
		if coords[i] != want[i] {
			t.Fatalf("sorted order %v, want %v", coords, want)
		}
	}
}

func TestHeightGridAccessors(t *testing.T) {
	grid := NewHeightGrid(ResolutionFor(4))
	if grid.Resolution != 5 || len(grid.Cells) != 25 {
		t.Fatalf("unexpected shape: %d / %d", grid.Resolution, len(grid.Cells))
	}
	if !grid.Set(3, 2, 0.75) {
		t.Fatalf("set in range failed")
	}
	if grid.Set(5, 0, 1) {
		t.Fatalf("set out of range should fail")
	}
	if v, ok := grid.At(3, 2); !ok || v != 0.75 {
		t.Fatalf("at(3,2) = %v, %v", v, ok)
	}
	if grid.Cells[2*5+3] != 0.75 {
		t.Fatalf("cells are not row-major")
	}
	if row := grid.Row(2); row[3] != 0.75 {
		t.Fatalf("row view mismatch: %v", row)
	}

	clone := grid.Clone()
	clone.Set(3, 2, 0.1)
	if v, _ := grid.At(3, 2); v != 0.75 {
		t.Fatalf("clone shares storage with original")
	}

	grid.Set(0, 0, 1.5)
	if err := grid.Validate(); err == nil {
		t.Fatalf("expected out-of-range cell to fail validation")
	}
	stats := clone.Stats()
	if stats.Min != 0 || stats.Max != 0.1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}
