package streamer

import (
	"sync"

	"github.com/go-gl/mathgl/mgl64"
)

// Observer supplies the position the loaded window follows. Only X and Z
// are used.
type Observer interface {
	Position() mgl64.Vec3
}

// StaticObserver never moves.
type StaticObserver mgl64.Vec3

func (o StaticObserver) Position() mgl64.Vec3 {
	return mgl64.Vec3(o)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func() mgl64.Vec3

func (f ObserverFunc) Position() mgl64.Vec3 {
	return f()
}

// TrackedObserver holds a position updated from other goroutines, such as
// websocket clients reporting their camera.
type TrackedObserver struct {
	mu  sync.RWMutex
	pos mgl64.Vec3
}

func NewTrackedObserver(start mgl64.Vec3) *TrackedObserver {
	return &TrackedObserver{pos: start}
}

func (o *TrackedObserver) Set(pos mgl64.Vec3) {
	o.mu.Lock()
	o.pos = pos
	o.mu.Unlock()
}

func (o *TrackedObserver) Position() mgl64.Vec3 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.pos
}
