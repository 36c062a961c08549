package ink

import (
	"errors"
	"image/color"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestMachine(opts ...Option) (*Store, *Machine, *fakeClock) {
	s := NewStore()
	s.CreateLayer()
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m := NewMachine(s, append([]Option{WithClock(clk.now)}, opts...)...)
	return s, m, clk
}

func activeStrokes(s *Store) []*Stroke {
	l, _ := s.Active()
	return l.Strokes()
}

func TestPenGestureAnyMoveCount(t *testing.T) {
	for n := 0; n <= 8; n++ {
		s, m, _ := newTestMachine()
		m.PenDown(Point{X: 0, Y: 0})
		for i := 1; i <= n; i++ {
			m.PenMove(Point{X: float64(i * 3), Y: 0})
		}
		m.PenUp(Point{X: float64(n * 3), Y: 0})

		strokes := activeStrokes(s)
		if len(strokes) != 1 {
			t.Fatalf("n=%d: strokes = %d, want 1", n, len(strokes))
		}
		if got := strokes[0].Len(); got != n+1 {
			t.Fatalf("n=%d: points = %d, want %d", n, got, n+1)
		}
		if m.State() != Idle {
			t.Fatalf("n=%d: state = %s after pen up", n, m.State())
		}
	}
}

func TestPenUpTrimsTrailingArtifact(t *testing.T) {
	s, m, _ := newTestMachine()
	m.PenDown(Point{X: 0, Y: 0})
	m.PenMove(Point{X: 10, Y: 0})
	m.PenMove(Point{X: 20, Y: 0})
	m.PenMove(Point{X: 20.4, Y: 0})
	m.PenUp(Point{X: 20.4, Y: 0})

	pts := activeStrokes(s)[0].Points()
	if len(pts) != 3 {
		t.Fatalf("points = %d, want 3 after trimming the artifact", len(pts))
	}
	if pts[2].X != 20 {
		t.Fatalf("last point = %+v", pts[2])
	}
}

func TestArtifactTrimDisabled(t *testing.T) {
	s, m, _ := newTestMachine(WithArtifactTolerance(0))
	m.PenDown(Point{X: 0})
	m.PenMove(Point{X: 0.1})
	m.PenUp(Point{})

	if got := activeStrokes(s)[0].Len(); got != 2 {
		t.Fatalf("points = %d, want 2 with trimming disabled", got)
	}
}

func TestProvisionalStrokeRendersLive(t *testing.T) {
	s, m, _ := newTestMachine()
	m.PenDown(Point{X: 1, Y: 1})

	if m.State() != PenActive {
		t.Fatalf("state = %s, want pen", m.State())
	}
	strokes := activeStrokes(s)
	if len(strokes) != 1 || strokes[0].Len() != 1 {
		t.Fatal("pen down must append a provisional stroke")
	}

	m.PenMove(Point{X: 2, Y: 2})
	if s.Snapshot().Layers[0].Strokes[0].Points[1] != (Point{X: 2, Y: 2}) {
		t.Fatal("moves must be visible in snapshots before pen up")
	}
}

func TestMouseSwallowedDuringPenGesture(t *testing.T) {
	s, m, _ := newTestMachine()
	m.PenDown(Point{X: 0, Y: 0})
	m.PenMove(Point{X: 5, Y: 5})

	before := s.Snapshot()
	if !m.MouseDown(Point{X: 100, Y: 100}) {
		t.Fatal("mouse down during a pen gesture must be reported as handled")
	}
	if !m.MouseMove(Point{X: 101, Y: 101}) {
		t.Fatal("synthesized mouse move must be consumed")
	}
	if !m.MouseUp(Point{X: 101, Y: 101}) {
		t.Fatal("mouse up during a pen gesture must be swallowed")
	}
	after := s.Snapshot()

	if after.StrokeCount() != before.StrokeCount() ||
		len(after.Layers[0].Strokes[0].Points) != len(before.Layers[0].Strokes[0].Points) {
		t.Fatal("swallowed mouse events changed the active layer")
	}
	if m.State() != PenActive {
		t.Fatalf("state = %s, want pen", m.State())
	}
}

func TestMouseDownSuppressedRightAfterPenUp(t *testing.T) {
	s, m, clk := newTestMachine(WithMouseSuppression(50 * time.Millisecond))
	m.PenDown(Point{X: 0})
	m.PenMove(Point{X: 10})
	m.PenUp(Point{X: 10})

	clk.advance(10 * time.Millisecond)
	m.MouseDown(Point{X: 10})
	if m.State() != Idle || len(activeStrokes(s)) != 1 {
		t.Fatal("synthesized mouse down after pen up must be swallowed")
	}

	clk.advance(100 * time.Millisecond)
	m.MouseDown(Point{X: 10})
	if m.State() != MouseActive {
		t.Fatalf("state = %s, want mouse once the window passed", m.State())
	}
}

func TestMouseGestureCommitsOnUp(t *testing.T) {
	s, m, _ := newTestMachine()
	var committed []Event
	s.Subscribe(func(ev Event) {
		if ev.Kind == StrokeCommitted {
			committed = append(committed, ev)
		}
	})

	m.MouseDown(Point{X: 1, Y: 1})
	m.MouseMove(Point{X: 2, Y: 2})
	m.MouseMove(Point{X: 3, Y: 3})
	if len(committed) != 0 {
		t.Fatal("commit fired before mouse up")
	}
	m.MouseUp(Point{X: 3, Y: 3})

	if len(committed) != 1 {
		t.Fatalf("commits = %d, want 1", len(committed))
	}
	if got := activeStrokes(s)[0].Len(); got != 3 {
		t.Fatalf("points = %d, want 3", got)
	}
}

func TestPenGestureCommitsOnce(t *testing.T) {
	s, m, _ := newTestMachine()
	commits := 0
	s.Subscribe(func(ev Event) {
		if ev.Kind == StrokeCommitted {
			commits++
		}
	})

	m.PenDown(Point{})
	m.PenMove(Point{X: 4})
	m.PenUp(Point{})
	m.PenUp(Point{})
	m.MouseUp(Point{})

	if commits != 1 {
		t.Fatalf("commits = %d, want 1", commits)
	}
}

func TestAnomaliesAreNoops(t *testing.T) {
	s, m, _ := newTestMachine()

	if m.PenUp(Point{}) {
		t.Fatal("pen up without a gesture must not be handled")
	}
	if m.PenMove(Point{X: 1}) || m.MouseMove(Point{X: 1}) {
		t.Fatal("moves without a gesture must be ignored")
	}
	if m.MouseUp(Point{}) {
		t.Fatal("mouse up without a gesture must not be handled")
	}
	if len(activeStrokes(s)) != 0 || m.State() != Idle {
		t.Fatal("anomalies changed state")
	}
}

func TestSecondPenDownClosesFirst(t *testing.T) {
	s, m, _ := newTestMachine()
	commits := 0
	s.Subscribe(func(ev Event) {
		if ev.Kind == StrokeCommitted {
			commits++
		}
	})

	m.PenDown(Point{X: 0})
	m.PenMove(Point{X: 10})
	m.PenMove(Point{X: 10.2})
	m.PenDown(Point{X: 50})
	m.PenMove(Point{X: 60})
	m.PenUp(Point{})

	strokes := activeStrokes(s)
	if len(strokes) != 2 {
		t.Fatalf("strokes = %d, want 2", len(strokes))
	}
	if got := strokes[0].Len(); got != 3 {
		t.Fatalf("implicitly closed stroke has %d points, want 3 (no trim)", got)
	}
	if commits != 2 {
		t.Fatalf("commits = %d, want 2", commits)
	}
}

func TestPenDownTakesOverMouseGesture(t *testing.T) {
	s, m, _ := newTestMachine()
	m.MouseDown(Point{X: 0})
	m.MouseMove(Point{X: 5})
	m.PenDown(Point{X: 20})

	if m.State() != PenActive {
		t.Fatalf("state = %s, want pen", m.State())
	}
	if got := len(activeStrokes(s)); got != 2 {
		t.Fatalf("strokes = %d, want 2", got)
	}
}

func TestGestureHook(t *testing.T) {
	var calls []bool
	_, m, _ := newTestMachine(WithGestureHook(func(open bool) { calls = append(calls, open) }))

	m.PenDown(Point{})
	m.PenDown(Point{X: 5})
	m.PenMove(Point{X: 9})
	m.PenUp(Point{})

	if len(calls) != 2 || !calls[0] || calls[1] {
		t.Fatalf("hook calls = %v, want [true false]", calls)
	}
}

func TestPenDownWithoutLayersCreatesOne(t *testing.T) {
	s := NewStore()
	m := NewMachine(s)
	m.PenDown(Point{X: 1})
	m.PenUp(Point{})

	if s.Len() != 1 {
		t.Fatalf("layers = %d, want 1", s.Len())
	}
}

func TestAttributesApplyToNewStrokes(t *testing.T) {
	s, m, _ := newTestMachine()
	m.SetThickness(9)
	blue := color.NRGBA{B: 255, A: 255}
	m.SetColor(blue)

	m.PenDown(Point{})
	m.PenUp(Point{})

	attrs := activeStrokes(s)[0].Attrs
	if attrs.Thickness != MaxThickness || attrs.Color != blue {
		t.Fatalf("attrs = %+v", attrs)
	}
}

func TestHandleDispatch(t *testing.T) {
	s, m, _ := newTestMachine()
	events := []PointerEvent{
		{Type: EventPenDown, X: 1, Y: 1},
		{Type: EventPenMove, X: 5, Y: 5},
		{Type: EventPenUp, X: 5, Y: 5},
	}
	for _, ev := range events {
		if _, err := m.Handle(ev); err != nil {
			t.Fatal(err)
		}
	}
	if got := activeStrokes(s)[0].Len(); got != 2 {
		t.Fatalf("points = %d, want 2", got)
	}
	if _, err := m.Handle(PointerEvent{Type: "hover"}); !errors.Is(err, ErrUnknownPointerEvent) {
		t.Fatalf("Handle(hover) = %v", err)
	}
}

func TestParseColor(t *testing.T) {
	tests := []struct {
		in   string
		want color.NRGBA
		ok   bool
	}{
		{"#ff0000", color.NRGBA{R: 255, A: 255}, true},
		{"00ff0080", color.NRGBA{G: 255, A: 128}, true},
		{"#fff", color.NRGBA{R: 255, G: 255, B: 255, A: 255}, true},
		{"#12345", color.NRGBA{}, false},
		{"zzzzzz", color.NRGBA{}, false},
	}
	for _, tt := range tests {
		got, err := ParseColor(tt.in)
		if tt.ok != (err == nil) {
			t.Fatalf("ParseColor(%q) err = %v", tt.in, err)
		}
		if tt.ok && got != tt.want {
			t.Fatalf("ParseColor(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
		if !tt.ok && !errors.Is(err, ErrInvalidColor) {
			t.Fatalf("ParseColor(%q) err = %v, want ErrInvalidColor", tt.in, err)
		}
	}
	if FormatColor(color.NRGBA{R: 1, G: 2, B: 3, A: 4}) != "#01020304" {
		t.Fatal("FormatColor mismatch")
	}
}

func eventKinds(s *Store) *[]EventKind {
	var kinds []EventKind
	s.Subscribe(func(ev Event) { kinds = append(kinds, ev.Kind) })
	return &kinds
}

func TestUndoDuringGestureCommitsThenUndoes(t *testing.T) {
	s, m, _ := newTestMachine()
	id := s.ActiveID()
	kinds := eventKinds(s)

	m.PenDown(Point{X: 0})
	m.PenMove(Point{X: 10})
	if err := s.Undo(id); err != nil {
		t.Fatal(err)
	}
	if !m.PenMove(Point{X: 20}) {
		t.Fatal("pen move of a sealed gesture must still be consumed")
	}
	m.PenUp(Point{X: 20})

	l, _ := s.Layer(id)
	if len(l.Strokes()) != 0 || len(l.Redo()) != 1 {
		t.Fatalf("strokes=%d redo=%d, want 0 and 1", len(l.Strokes()), len(l.Redo()))
	}
	if got := l.Redo()[0].Len(); got != 2 {
		t.Fatalf("undone stroke has %d points, want the 2 drawn before undo", got)
	}
	want := []EventKind{StrokeCommitted, LayerChanged}
	if len(*kinds) != len(want) || (*kinds)[0] != want[0] || (*kinds)[1] != want[1] {
		t.Fatalf("events = %v, want %v", *kinds, want)
	}
	if m.State() != Idle {
		t.Fatalf("state = %s after pen up", m.State())
	}

	if err := s.Redo(id); err != nil {
		t.Fatal(err)
	}
	if len(l.Strokes()) != 1 || l.Strokes()[0].Len() != 2 {
		t.Fatal("redo did not bring the interrupted stroke back intact")
	}
}

func TestDeleteLayerDuringGestureDropsIt(t *testing.T) {
	s, m, _ := newTestMachine()
	id := s.ActiveID()
	kinds := eventKinds(s)

	m.MouseDown(Point{X: 0})
	m.MouseMove(Point{X: 10})
	if err := s.DeleteLayer(id); err != nil {
		t.Fatal(err)
	}
	m.MouseMove(Point{X: 20})
	m.MouseUp(Point{})

	for _, k := range *kinds {
		if k == StrokeCommitted {
			t.Fatalf("events = %v, a stroke on a deleted layer must not commit", *kinds)
		}
	}
	if s.Len() != 0 || s.Snapshot().StrokeCount() != 0 {
		t.Fatal("deleted layer left ink behind")
	}
	if m.State() != Idle {
		t.Fatalf("state = %s after mouse up", m.State())
	}

	m.PenDown(Point{X: 1})
	m.PenMove(Point{X: 9})
	m.PenUp(Point{})
	if got := s.Snapshot().StrokeCount(); got != 1 {
		t.Fatalf("strokes = %d after a fresh gesture, want 1", got)
	}
}

func TestClearDuringGestureStopsRecording(t *testing.T) {
	s, m, _ := newTestMachine()
	id := s.ActiveID()

	m.PenDown(Point{X: 0})
	m.PenMove(Point{X: 10})
	if err := s.Clear(id); err != nil {
		t.Fatal(err)
	}
	m.PenMove(Point{X: 20})
	m.PenMove(Point{X: 30})
	m.PenUp(Point{})

	l, _ := s.Layer(id)
	if len(l.Strokes()) != 0 || len(l.Redo()) != 0 {
		t.Fatalf("strokes=%d redo=%d after clear, want none", len(l.Strokes()), len(l.Redo()))
	}
}

func TestUndoOnOtherLayerLeavesGestureOpen(t *testing.T) {
	s, m, _ := newTestMachine()
	other := s.CreateLayer()
	kinds := eventKinds(s)

	m.PenDown(Point{X: 0})
	m.PenMove(Point{X: 10})
	if err := s.Undo(other); err != nil {
		t.Fatal(err)
	}
	m.PenMove(Point{X: 20})
	m.PenUp(Point{})

	if got := activeStrokes(s)[0].Len(); got != 3 {
		t.Fatalf("points = %d, want 3", got)
	}
	if len(*kinds) != 1 || (*kinds)[0] != StrokeCommitted {
		t.Fatalf("events = %v, want a single commit", *kinds)
	}
}

func TestRestoreDuringGestureKeepsRestoredInk(t *testing.T) {
	s, m, _ := newTestMachine()
	saved := s.Snapshot()

	m.PenDown(Point{X: 0})
	m.PenMove(Point{X: 10})
	if err := s.Restore(saved); err != nil {
		t.Fatal(err)
	}
	m.PenMove(Point{X: 20})
	m.PenUp(Point{})

	if got := s.Snapshot().StrokeCount(); got != 0 {
		t.Fatalf("strokes = %d, want the restored empty layer", got)
	}
}
