package ink

import (
	"runtime"
	"slices"
	"sync/atomic"

	"github.com/google/uuid"
)

type LayerID string

func newLayerID() LayerID {
	return LayerID(uuid.NewString())
}

// snapshotRetries bounds how often a reader retries a layer copy that raced
// with a mutation before it falls back to the Store's writer lock.
const snapshotRetries = 8

// Layer holds committed strokes and a redo buffer whose front is the most
// recently undone stroke. All mutation goes through the owning Store's
// writer lock; readers use Snapshot, which only takes that lock when a
// copy keeps racing.
//
// version is odd while a mutation is in progress and strictly increases, so
// a reader that sees the same even value before and after copying has a
// copy that no mutation interleaved with.
type Layer struct {
	id LayerID

	version atomic.Uint64
	strokes atomic.Pointer[[]*Stroke]
	redo    atomic.Pointer[[]*Stroke]
}

func newLayer(id LayerID) *Layer {
	l := &Layer{id: id}
	l.strokes.Store(&[]*Stroke{})
	l.redo.Store(&[]*Stroke{})
	return l
}

func (l *Layer) ID() LayerID {
	return l.id
}

func (l *Layer) Version() uint64 {
	return l.version.Load()
}

// Strokes returns the committed strokes, bottom first. Do not modify.
func (l *Layer) Strokes() []*Stroke {
	return *l.strokes.Load()
}

// Redo returns the redo buffer, most recently undone first. Do not modify.
func (l *Layer) Redo() []*Stroke {
	return *l.redo.Load()
}

func (l *Layer) mutate(fn func()) {
	l.version.Add(1)
	defer l.version.Add(1)
	fn()
}

func (l *Layer) setStrokes(s []*Stroke) { l.strokes.Store(&s) }
func (l *Layer) setRedo(s []*Stroke)    { l.redo.Store(&s) }

func (l *Layer) pushStroke(s *Stroke) {
	l.mutate(func() {
		l.setStrokes(append(slices.Clone(l.Strokes()), s))
	})
}

func (l *Layer) appendPoint(s *Stroke, p Point) {
	l.mutate(func() { s.append(p) })
}

func (l *Layer) trimLastPoint(s *Stroke) {
	l.mutate(func() { s.trimLast() })
}

func (l *Layer) undo() bool {
	strokes := l.Strokes()
	if len(strokes) == 0 {
		return false
	}
	last := strokes[len(strokes)-1]
	l.mutate(func() {
		l.setStrokes(slices.Clone(strokes[:len(strokes)-1]))
		l.setRedo(append([]*Stroke{last}, l.Redo()...))
	})
	return true
}

func (l *Layer) redoOne() bool {
	redo := l.Redo()
	if len(redo) == 0 {
		return false
	}
	front := redo[0]
	l.mutate(func() {
		l.setRedo(slices.Clone(redo[1:]))
		l.setStrokes(append(slices.Clone(l.Strokes()), front))
	})
	return true
}

func (l *Layer) clearRedo() {
	if len(l.Redo()) == 0 {
		return
	}
	l.mutate(func() { l.setRedo(nil) })
}

func (l *Layer) clear() bool {
	if len(l.Strokes()) == 0 && len(l.Redo()) == 0 {
		return false
	}
	l.mutate(func() {
		l.setStrokes(nil)
		l.setRedo(nil)
	})
	return true
}

// trySnapshot copies the layer without locking. It reports false when every
// attempt raced with a mutation; undo and redo publish their two slices
// separately, so such a copy could miss a stroke.
func (l *Layer) trySnapshot() (LayerSnapshot, bool) {
	for i := 0; i < snapshotRetries; i++ {
		before := l.version.Load()
		if before&1 == 1 {
			runtime.Gosched()
			continue
		}
		snap := l.copyOut(before)
		if l.version.Load() == before {
			return snap, true
		}
	}
	return LayerSnapshot{}, false
}

func (l *Layer) copyOut(version uint64) LayerSnapshot {
	strokes := l.Strokes()
	redo := l.Redo()
	snap := LayerSnapshot{
		ID:      l.id,
		Version: version,
		Strokes: make([]StrokeSnapshot, 0, len(strokes)),
		Redo:    make([]StrokeSnapshot, 0, len(redo)),
	}
	for _, s := range strokes {
		snap.Strokes = append(snap.Strokes, s.snapshot())
	}
	for _, s := range redo {
		snap.Redo = append(snap.Redo, s.snapshot())
	}
	return snap
}
