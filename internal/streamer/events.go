package streamer

import (
	"sync"
	"time"

	"terrainstream/internal/world"
)

type EventKind string

const (
	EventLoaded     EventKind = "loaded"
	EventUnloaded   EventKind = "unloaded"
	EventLoadFailed EventKind = "load_failed"
	EventDiscarded  EventKind = "discarded"
	EventRegenerate EventKind = "regenerate"
)

// Event is one step in a chunk's lifecycle. A discarded event marks a load
// that finished after its chunk stopped being wanted; the fresh realization
// was destroyed instead of stored.
type Event struct {
	Kind     EventKind        `json:"kind"`
	Coord    world.ChunkCoord `json:"coord"`
	Cycle    uint64           `json:"cycle"`
	Duration time.Duration    `json:"duration"`
	Err      string           `json:"error,omitempty"`
	Time     time.Time        `json:"time"`
}

// EventSink receives lifecycle events. Load and unload events arrive on the
// streamer goroutine; regenerate events arrive on whichever goroutine called
// Regenerate. Implementations must be safe for concurrent use and must not
// block.
type EventSink interface {
	HandleEvent(Event)
}

type EventSinkFunc func(Event)

func (f EventSinkFunc) HandleEvent(ev Event) {
	f(ev)
}

type sinkSet struct {
	mu    sync.RWMutex
	sinks []EventSink
}

func (s *sinkSet) add(sink EventSink) {
	if sink == nil {
		return
	}
	s.mu.Lock()
	s.sinks = append(s.sinks, sink)
	s.mu.Unlock()
}

func (s *sinkSet) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	s.mu.RLock()
	sinks := s.sinks
	s.mu.RUnlock()
	for _, sink := range sinks {
		sink.HandleEvent(ev)
	}
}
