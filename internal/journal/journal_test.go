package journal

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"terrainstream/internal/streamer"
	"terrainstream/internal/world"
)

func quietEntry() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func TestJournalWritesAndRotatesHourly(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, quietEntry())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	clock := time.Date(2024, 5, 1, 10, 59, 0, 0, time.UTC)
	j.now = func() time.Time { return clock }

	j.HandleEvent(streamer.Event{Kind: streamer.EventLoaded, Coord: world.ChunkCoord{X: 1, Z: 2}, Cycle: 1})
	j.HandleEvent(streamer.Event{Kind: streamer.EventUnloaded, Coord: world.ChunkCoord{X: -1}, Cycle: 2})
	clock = clock.Add(2 * time.Minute)
	j.HandleEvent(streamer.Event{Kind: streamer.EventLoadFailed, Coord: world.ChunkCoord{Z: 5}, Cycle: 3, Err: "noise backend unavailable"})
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if j.Written() != 3 {
		t.Fatalf("expected 3 events written, got %d", j.Written())
	}

	files, err := Files(dir)
	if err != nil {
		t.Fatalf("list files: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected two hourly files, got %v", files)
	}

	first, err := ReadFile(files[0])
	if err != nil {
		t.Fatalf("read first file: %v", err)
	}
	if len(first) != 2 || first[0].Kind != streamer.EventLoaded || first[0].Coord != (world.ChunkCoord{X: 1, Z: 2}) {
		t.Fatalf("unexpected first file contents %+v", first)
	}
	second, err := ReadFile(files[1])
	if err != nil {
		t.Fatalf("read second file: %v", err)
	}
	if len(second) != 1 || second[0].Err != "noise backend unavailable" {
		t.Fatalf("unexpected second file contents %+v", second)
	}
}

func TestJournalAppendsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	clock := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		j, err := Open(dir, quietEntry())
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		j.now = func() time.Time { return clock }
		if err := j.Write(streamer.Event{Kind: streamer.EventLoaded, Cycle: uint64(i + 1)}); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := j.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
	files, _ := Files(dir)
	if len(files) != 1 {
		t.Fatalf("expected one file, got %v", files)
	}
	events, err := ReadFile(files[0])
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(events) != 2 || events[1].Cycle != 2 {
		t.Fatalf("expected both sessions in the file, got %+v", events)
	}
}

func TestOpenRequiresDirectory(t *testing.T) {
	if _, err := Open("", nil); err == nil {
		t.Fatalf("expected empty directory to be rejected")
	}
}
