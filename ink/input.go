package ink

import (
	"errors"
	"fmt"
	"image/color"
	"sync"
	"time"
)

type State int

const (
	Idle State = iota
	PenActive
	MouseActive
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case PenActive:
		return "pen"
	case MouseActive:
		return "mouse"
	default:
		return "unknown"
	}
}

type Device int

const (
	Pen Device = iota
	Mouse
)

const (
	// DefaultArtifactTolerance is the distance under which the last point
	// of a pen gesture is treated as the synthesized pointer-up artifact.
	DefaultArtifactTolerance = 1.0
	// DefaultMouseSuppression swallows mouse-down events synthesized for
	// a pen gesture that closed within this window.
	DefaultMouseSuppression = 50 * time.Millisecond
)

// gesture is the open Pending Stroke Buffer. Its points are the provisional
// stroke's points, already visible in the layer. A store command that
// touches that layer seals the stroke; the gesture then stays open until
// its up event but records nothing more.
type gesture struct {
	device Device
	stroke *openStroke
}

// Machine turns pen and mouse events into strokes on the Store's active
// layer. Pen input has priority: while a pen gesture is open every mouse
// event is swallowed.
type Machine struct {
	mu sync.Mutex

	store *Store
	attrs Attributes
	open  *gesture

	lastPenUp   time.Time
	tolerance   float64
	suppression time.Duration
	now         func() time.Time
	onGesture   func(open bool)
}

type Option func(*Machine)

func WithArtifactTolerance(px float64) Option {
	return func(m *Machine) {
		if px < 0 {
			px = 0
		}
		m.tolerance = px
	}
}

func WithMouseSuppression(d time.Duration) Option {
	return func(m *Machine) {
		if d < 0 {
			d = 0
		}
		m.suppression = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// WithGestureHook is called with true when a gesture opens from Idle and
// with false when the machine returns to Idle. It runs outside the
// machine's lock.
func WithGestureHook(fn func(open bool)) Option {
	return func(m *Machine) {
		m.onGesture = fn
	}
}

func WithAttributes(a Attributes) Option {
	return func(m *Machine) {
		a.Thickness = ClampThickness(a.Thickness)
		m.attrs = a
	}
}

func NewMachine(store *Store, opts ...Option) *Machine {
	m := &Machine{
		store:       store,
		attrs:       DefaultAttributes(),
		tolerance:   DefaultArtifactTolerance,
		suppression: DefaultMouseSuppression,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *Machine) stateLocked() State {
	switch {
	case m.open == nil:
		return Idle
	case m.open.device == Pen:
		return PenActive
	default:
		return MouseActive
	}
}

func (m *Machine) Attributes() Attributes {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attrs
}

// SetThickness applies to strokes started afterwards. It is clamped to
// MinThickness..MaxThickness.
func (m *Machine) SetThickness(t float64) {
	m.mu.Lock()
	m.attrs.Thickness = ClampThickness(t)
	m.mu.Unlock()
}

func (m *Machine) SetColor(c color.NRGBA) {
	m.mu.Lock()
	m.attrs.Color = c
	m.mu.Unlock()
}

// PenDown opens a pen gesture. A gesture that is still open is closed first
// without trimming, whichever device owns it.
func (m *Machine) PenDown(p Point) bool {
	m.mu.Lock()
	wasIdle := m.open == nil
	if !wasIdle {
		m.closeLocked(false)
	}
	m.openLocked(Pen, p)
	m.mu.Unlock()

	if wasIdle {
		m.notify(true)
	}
	return true
}

// PenMove extends the open pen gesture. It reports whether the event was
// consumed, in which case the host must drop the mouse move synthesized for
// the same motion.
func (m *Machine) PenMove(p Point) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open == nil || m.open.device != Pen {
		return false
	}
	m.store.appendPoint(m.open.stroke, p)
	return true
}

// PenUp closes the pen gesture, dropping a trailing artifact point. The
// pointer-up position itself is never recorded.
func (m *Machine) PenUp(Point) bool {
	m.mu.Lock()
	if m.open == nil || m.open.device != Pen {
		m.mu.Unlock()
		return false
	}
	m.closeLocked(true)
	m.lastPenUp = m.now()
	m.mu.Unlock()

	m.notify(false)
	return true
}

// MouseDown opens a mouse gesture unless a pen gesture owns input or has
// just ended. Swallowed events report true and change nothing.
func (m *Machine) MouseDown(p Point) bool {
	m.mu.Lock()
	if m.open != nil {
		m.mu.Unlock()
		return true
	}
	if !m.lastPenUp.IsZero() && m.now().Sub(m.lastPenUp) < m.suppression {
		m.mu.Unlock()
		return true
	}
	m.openLocked(Mouse, p)
	m.mu.Unlock()

	m.notify(true)
	return true
}

func (m *Machine) MouseMove(p Point) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.open == nil:
		return false
	case m.open.device == Pen:
		return true
	}
	m.store.appendPoint(m.open.stroke, p)
	return true
}

// MouseUp finalizes a mouse gesture. During a pen gesture it is swallowed.
func (m *Machine) MouseUp(Point) bool {
	m.mu.Lock()
	if m.open == nil {
		m.mu.Unlock()
		return false
	}
	if m.open.device == Pen {
		m.mu.Unlock()
		return true
	}
	m.closeLocked(false)
	m.mu.Unlock()

	m.notify(false)
	return true
}

func (m *Machine) openLocked(d Device, p Point) {
	m.open = &gesture{device: d, stroke: m.store.beginStroke(m.attrs, p)}
}

func (m *Machine) closeLocked(trim bool) {
	g := m.open
	m.open = nil
	if trim && m.hasArtifact(g.stroke.stroke) {
		m.store.trimLastPoint(g.stroke)
	}
	m.store.commit(g.stroke)
}

func (m *Machine) hasArtifact(st *Stroke) bool {
	pts := st.Points()
	if len(pts) < 2 || m.tolerance <= 0 {
		return false
	}
	return pts[len(pts)-1].distance(pts[len(pts)-2]) < m.tolerance
}

func (m *Machine) notify(open bool) {
	if m.onGesture != nil {
		m.onGesture(open)
	}
}

var ErrUnknownPointerEvent = errors.New("unknown pointer event")

// PointerEvent is the wire form of a raw input event, as sent by remote
// drawing clients.
type PointerEvent struct {
	Type     string  `json:"type"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Pressure float32 `json:"pressure,omitempty"`
}

const (
	EventPenDown   = "pen_down"
	EventPenMove   = "pen_move"
	EventPenUp     = "pen_up"
	EventMouseDown = "mouse_down"
	EventMouseMove = "mouse_move"
	EventMouseUp   = "mouse_up"
)

// Handle dispatches ev and reports whether it was consumed.
func (m *Machine) Handle(ev PointerEvent) (bool, error) {
	p := Point{X: ev.X, Y: ev.Y, Pressure: ev.Pressure}
	switch ev.Type {
	case EventPenDown:
		return m.PenDown(p), nil
	case EventPenMove:
		return m.PenMove(p), nil
	case EventPenUp:
		return m.PenUp(p), nil
	case EventMouseDown:
		return m.MouseDown(p), nil
	case EventMouseMove:
		return m.MouseMove(p), nil
	case EventMouseUp:
		return m.MouseUp(p), nil
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownPointerEvent, ev.Type)
	}
}
