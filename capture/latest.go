package capture

import (
	"sync/atomic"

	"go2tv.app/telestrator/frame"
)

// Latest is a single-slot cell holding the newest frame. A Store overwrites
// whatever was not taken yet, so a slow consumer only ever sees the most
// recent frame and nothing queues up behind it.
type Latest struct {
	slot        atomic.Pointer[frame.Frame]
	overwritten atomic.Uint64
	stale       atomic.Bool
}

func (l *Latest) Store(f *frame.Frame) {
	if f == nil {
		return
	}
	if old := l.slot.Swap(f); old != nil {
		l.overwritten.Add(1)
	}
}

// Take empties the cell and transfers ownership of the frame to the caller.
// It returns nil when no new frame arrived since the last Take.
func (l *Latest) Take() *frame.Frame {
	return l.slot.Swap(nil)
}

// Peek returns the pending frame without taking it. The frame must not be
// modified.
func (l *Latest) Peek() *frame.Frame {
	return l.slot.Load()
}

// Overwritten counts frames replaced before anyone took them.
func (l *Latest) Overwritten() uint64 {
	return l.overwritten.Load()
}

// Invalidate empties the cell and flags that the source went away, so a
// consumer holding on to an earlier frame should let go of it.
func (l *Latest) Invalidate() {
	l.slot.Store(nil)
	l.stale.Store(true)
}

// Stale reports whether Invalidate was called since the last Stale call.
func (l *Latest) Stale() bool {
	return l.stale.Swap(false)
}
