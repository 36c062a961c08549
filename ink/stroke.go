package ink

import (
	"errors"
	"fmt"
	"image/color"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

const (
	MinThickness     = 1.0
	MaxThickness     = 5.0
	DefaultThickness = 2.0
)

var ErrInvalidColor = errors.New("invalid color")

// DefaultColor is the pen colour used until one is chosen.
var DefaultColor = color.NRGBA{R: 0xe5, G: 0x1c, B: 0x23, A: 0xff}

type Point struct {
	X, Y     float64
	Pressure float32
}

func (p Point) distance(q Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

// Attributes are captured when a stroke starts and never change after.
type Attributes struct {
	Color     color.NRGBA
	Thickness float64
}

func DefaultAttributes() Attributes {
	return Attributes{Color: DefaultColor, Thickness: DefaultThickness}
}

func ClampThickness(t float64) float64 {
	if math.IsNaN(t) || t < MinThickness {
		return MinThickness
	}
	if t > MaxThickness {
		return MaxThickness
	}
	return t
}

// ParseColor accepts #rgb, #rrggbb and #rrggbbaa, with or without the hash.
func ParseColor(s string) (color.NRGBA, error) {
	h := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(h) == 3 {
		h = string([]byte{h[0], h[0], h[1], h[1], h[2], h[2]})
	}
	if len(h) == 6 {
		h += "ff"
	}
	if len(h) != 8 {
		return color.NRGBA{}, fmt.Errorf("%w: %q", ErrInvalidColor, s)
	}
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("%w: %q", ErrInvalidColor, s)
	}
	return color.NRGBA{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}, nil
}

func FormatColor(c color.NRGBA) string {
	return fmt.Sprintf("#%02x%02x%02x%02x", c.R, c.G, c.B, c.A)
}

// Stroke is an ordered point sequence. Points are append-only while the
// owning gesture is open and immutable once committed. The point slice is
// published through an atomic pointer so readers can copy it without a lock
// while the input path keeps appending.
type Stroke struct {
	ID    string
	Attrs Attributes

	points atomic.Pointer[[]Point]
}

func NewStroke(attrs Attributes, pts ...Point) *Stroke {
	s := &Stroke{ID: uuid.NewString(), Attrs: attrs}
	cp := slices.Clone(pts)
	s.points.Store(&cp)
	return s
}

// Points returns the published points. The slice must not be modified.
func (s *Stroke) Points() []Point {
	if p := s.points.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *Stroke) Len() int {
	return len(s.Points())
}

// append must only be called by the single writer.
func (s *Stroke) append(p Point) {
	next := append(s.Points(), p)
	s.points.Store(&next)
}

// trimLast publishes a fresh shorter slice. Reusing the old backing array
// would let a later append overwrite a slot a reader may still hold.
func (s *Stroke) trimLast() {
	pts := s.Points()
	if len(pts) == 0 {
		return
	}
	next := slices.Clone(pts[:len(pts)-1])
	s.points.Store(&next)
}

func (s *Stroke) snapshot() StrokeSnapshot {
	return StrokeSnapshot{
		ID:     s.ID,
		Attrs:  s.Attrs,
		Points: slices.Clone(s.Points()),
	}
}
