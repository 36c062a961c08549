package ink

// Snapshot is an immutable copy of the layer stack, bottom first. It is
// what the compositor rasterizes and what persistence serializes.
type Snapshot struct {
	Layers []LayerSnapshot
	Active int
}

type LayerSnapshot struct {
	ID      LayerID
	Version uint64
	Strokes []StrokeSnapshot
	// Redo is ordered most recently undone first.
	Redo []StrokeSnapshot
}

type StrokeSnapshot struct {
	ID     string
	Attrs  Attributes
	Points []Point
}

// StrokeCount counts committed strokes across all layers.
func (s Snapshot) StrokeCount() int {
	n := 0
	for _, l := range s.Layers {
		n += len(l.Strokes)
	}
	return n
}

// Empty reports whether there is nothing to draw.
func (s Snapshot) Empty() bool {
	for _, l := range s.Layers {
		for _, st := range l.Strokes {
			if len(st.Points) > 0 {
				return false
			}
		}
	}
	return true
}
