package ink

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

var (
	ErrOutOfRange    = errors.New("layer index out of range")
	ErrLayerNotFound = errors.New("layer not found")
)

type EventKind int

const (
	LayerCreated EventKind = iota
	LayerDeleted
	LayerChanged
	ActiveChanged
	StrokeCommitted
)

func (k EventKind) String() string {
	switch k {
	case LayerCreated:
		return "layer_created"
	case LayerDeleted:
		return "layer_deleted"
	case LayerChanged:
		return "layer_changed"
	case ActiveChanged:
		return "active_changed"
	case StrokeCommitted:
		return "stroke_committed"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

type Event struct {
	Kind   EventKind
	Layer  LayerID
	Stroke string
	Index  int
}

// Store owns the ordered layer stack, bottom first. Mutations are
// serialized by a writer lock. The read accessors never take it and
// Snapshot only does for a layer whose lock-free copy keeps racing, so
// compositing does not stall input.
type Store struct {
	mu sync.Mutex

	layers atomic.Pointer[[]*Layer]
	active atomic.Int64
	// open is the provisional stroke of the gesture in progress, if any.
	open *openStroke

	subMu   sync.RWMutex
	subs    map[int]func(Event)
	nextSub int
}

func NewStore() *Store {
	s := &Store{subs: make(map[int]func(Event))}
	s.layers.Store(&[]*Layer{})
	s.active.Store(-1)
	return s
}

// Subscribe registers fn for every event. fn runs on the mutating goroutine
// after the writer lock is released and must not block.
func (s *Store) Subscribe(fn func(Event)) (cancel func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) emit(events ...Event) {
	if len(events) == 0 {
		return
	}
	s.subMu.RLock()
	fns := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.RUnlock()

	for _, ev := range events {
		for _, fn := range fns {
			fn(ev)
		}
	}
}

// Layers returns the layer stack, bottom first. Do not modify.
func (s *Store) Layers() []*Layer {
	return *s.layers.Load()
}

func (s *Store) Len() int {
	return len(s.Layers())
}

// Active returns the active layer and its index, or nil and -1 when the
// store has no layers.
func (s *Store) Active() (*Layer, int) {
	layers := s.Layers()
	idx := int(s.active.Load())
	if idx < 0 || idx >= len(layers) {
		return nil, -1
	}
	return layers[idx], idx
}

func (s *Store) ActiveID() LayerID {
	if l, _ := s.Active(); l != nil {
		return l.ID()
	}
	return ""
}

func (s *Store) Layer(id LayerID) (*Layer, error) {
	for _, l := range s.Layers() {
		if l.ID() == id {
			return l, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrLayerNotFound, id)
}

// CreateLayer appends an empty layer on top. The first layer becomes active.
func (s *Store) CreateLayer() LayerID {
	s.mu.Lock()
	l := newLayer(newLayerID())
	layers := append(slices.Clone(s.Layers()), l)
	s.layers.Store(&layers)

	events := []Event{{Kind: LayerCreated, Layer: l.ID(), Index: len(layers) - 1}}
	if s.active.Load() < 0 {
		s.active.Store(0)
		events = append(events, Event{Kind: ActiveChanged, Layer: l.ID(), Index: 0})
	}
	s.mu.Unlock()

	s.emit(events...)
	return l.ID()
}

// DeleteLayer removes a layer. The active index stays on the same layer
// when possible and is clamped otherwise.
func (s *Store) DeleteLayer(id LayerID) error {
	s.mu.Lock()
	layers := s.Layers()
	idx := slices.IndexFunc(layers, func(l *Layer) bool { return l.ID() == id })
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrLayerNotFound, id)
	}
	s.sealLocked(layers[idx], false)
	next := slices.Delete(slices.Clone(layers), idx, idx+1)
	s.layers.Store(&next)

	events := []Event{{Kind: LayerDeleted, Layer: id, Index: idx}}
	active := int(s.active.Load())
	switch {
	case len(next) == 0:
		active = -1
	case idx < active || active >= len(next):
		active--
	}
	if active != int(s.active.Load()) || idx == int(s.active.Load()) {
		s.active.Store(int64(active))
		var activeID LayerID
		if active >= 0 {
			activeID = next[active].ID()
		}
		events = append(events, Event{Kind: ActiveChanged, Layer: activeID, Index: active})
	}
	s.mu.Unlock()

	s.emit(events...)
	return nil
}

func (s *Store) SetActive(index int) error {
	s.mu.Lock()
	layers := s.Layers()
	if index < 0 || index >= len(layers) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d (layers=%d)", ErrOutOfRange, index, len(layers))
	}
	changed := int(s.active.Swap(int64(index))) != index
	id := layers[index].ID()
	s.mu.Unlock()

	if changed {
		s.emit(Event{Kind: ActiveChanged, Layer: id, Index: index})
	}
	return nil
}

// Undo moves the most recent committed stroke to the front of the redo
// buffer. An empty layer is left untouched and no event is emitted.
func (s *Store) Undo(id LayerID) error {
	return s.change(id, (*Layer).undo)
}

// Redo moves the front of the redo buffer back on top of the committed
// strokes. An empty redo buffer is left untouched.
func (s *Store) Redo(id LayerID) error {
	return s.change(id, (*Layer).redoOne)
}

// Clear empties both the committed strokes and the redo buffer.
func (s *Store) Clear(id LayerID) error {
	return s.change(id, (*Layer).clear)
}

func (s *Store) change(id LayerID, fn func(*Layer) bool) error {
	s.mu.Lock()
	l, err := s.Layer(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	var events []Event
	if ev, ok := s.sealLocked(l, true); ok {
		events = append(events, ev)
	}
	if fn(l) {
		events = append(events, Event{Kind: LayerChanged, Layer: id})
	}
	s.mu.Unlock()

	s.emit(events...)
	return nil
}

// openStroke is the provisional stroke of an open gesture. Once sealed the
// store no longer accepts points for it and commit is a no-op.
type openStroke struct {
	layer  *Layer
	stroke *Stroke
	sealed bool
}

// sealLocked closes the open stroke when it lives on l, or on any layer
// when l is nil. With commit set the ink drawn so far is committed as a
// finished stroke; otherwise it goes away with its layer. s.mu must be
// held.
func (s *Store) sealLocked(l *Layer, commit bool) (Event, bool) {
	o := s.open
	if o == nil || (l != nil && o.layer != l) {
		return Event{}, false
	}
	o.sealed = true
	s.open = nil
	if !commit {
		return Event{}, false
	}
	o.layer.clearRedo()
	return Event{Kind: StrokeCommitted, Layer: o.layer.ID(), Stroke: o.stroke.ID}, true
}

// beginStroke appends a provisional stroke to the active layer so an open
// gesture renders live. A store without layers gets one.
func (s *Store) beginStroke(attrs Attributes, p Point) *openStroke {
	if l, _ := s.Active(); l == nil {
		s.CreateLayer()
	}

	s.mu.Lock()
	var events []Event
	if ev, ok := s.sealLocked(nil, true); ok {
		events = append(events, ev)
	}
	l, _ := s.Active()
	st := NewStroke(attrs, p)
	l.pushStroke(st)
	o := &openStroke{layer: l, stroke: st}
	s.open = o
	s.mu.Unlock()

	s.emit(events...)
	return o
}

// appendPoint reports false once o has been sealed by a store command.
func (s *Store) appendPoint(o *openStroke, p Point) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.sealed {
		return false
	}
	o.layer.appendPoint(o.stroke, p)
	return true
}

func (s *Store) trimLastPoint(o *openStroke) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !o.sealed {
		o.layer.trimLastPoint(o.stroke)
	}
}

// commit finalizes a gesture: the redo buffer is cleared and
// StrokeCommitted is emitted. A stroke sealed by Undo, Redo, Clear,
// DeleteLayer or Restore was already dealt with there.
func (s *Store) commit(o *openStroke) {
	s.mu.Lock()
	if s.open != o {
		s.mu.Unlock()
		return
	}
	ev, _ := s.sealLocked(nil, true)
	s.mu.Unlock()

	s.emit(ev)
}

// Snapshot copies every layer. Each layer copy is retried while it races
// with a mutation of that layer; see Layer. A layer that keeps racing is
// copied under the writer lock.
func (s *Store) Snapshot() Snapshot {
	layers := s.Layers()
	snap := Snapshot{
		Layers: make([]LayerSnapshot, 0, len(layers)),
		Active: int(s.active.Load()),
	}
	for _, l := range layers {
		ls, ok := l.trySnapshot()
		if !ok {
			s.mu.Lock()
			ls = l.copyOut(l.version.Load())
			s.mu.Unlock()
		}
		snap.Layers = append(snap.Layers, ls)
	}
	if snap.Active >= len(snap.Layers) {
		snap.Active = len(snap.Layers) - 1
	}
	return snap
}

// Restore replaces the whole stack with the content of snap. Stroke and
// layer IDs are kept so persisted history stays addressable.
func (s *Store) Restore(snap Snapshot) error {
	if len(snap.Layers) > 0 && (snap.Active < 0 || snap.Active >= len(snap.Layers)) {
		return fmt.Errorf("%w: active %d (layers=%d)", ErrOutOfRange, snap.Active, len(snap.Layers))
	}

	s.mu.Lock()
	s.sealLocked(nil, false)
	old := s.Layers()
	layers := make([]*Layer, 0, len(snap.Layers))
	for _, ls := range snap.Layers {
		id := ls.ID
		if id == "" {
			id = newLayerID()
		}
		l := newLayer(id)
		l.setStrokes(restoreStrokes(ls.Strokes))
		l.setRedo(restoreStrokes(ls.Redo))
		layers = append(layers, l)
	}
	s.layers.Store(&layers)
	active := snap.Active
	if len(layers) == 0 {
		active = -1
	}
	s.active.Store(int64(active))
	s.mu.Unlock()

	events := make([]Event, 0, len(old)+len(layers)+1)
	for i, l := range old {
		events = append(events, Event{Kind: LayerDeleted, Layer: l.ID(), Index: i})
	}
	for i, l := range layers {
		events = append(events, Event{Kind: LayerCreated, Layer: l.ID(), Index: i})
	}
	var activeID LayerID
	if active >= 0 {
		activeID = layers[active].ID()
	}
	events = append(events, Event{Kind: ActiveChanged, Layer: activeID, Index: active})
	s.emit(events...)
	return nil
}

func restoreStrokes(in []StrokeSnapshot) []*Stroke {
	out := make([]*Stroke, 0, len(in))
	for _, ss := range in {
		st := NewStroke(ss.Attrs, ss.Points...)
		if ss.ID != "" {
			st.ID = ss.ID
		}
		out = append(out, st)
	}
	return out
}
