// Package inkstore persists the layer stack: whole-document JSON files and
// a SQLite history of quick saves.
package inkstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"time"

	"go2tv.app/telestrator/ink"
)

// FormatVersion is written into every document. Decode refuses others.
const FormatVersion = 1

var (
	ErrUnsupportedVersion = errors.New("unsupported ink document version")
	ErrInvalidDocument    = errors.New("invalid ink document")
)

type document struct {
	Version int         `json:"version"`
	Saved   time.Time   `json:"saved"`
	Active  int         `json:"active"`
	Layers  []layerJSON `json:"layers"`
}

type layerJSON struct {
	ID      string       `json:"id"`
	Strokes []strokeJSON `json:"strokes"`
	Redo    []strokeJSON `json:"redo,omitempty"`
}

type strokeJSON struct {
	ID        string      `json:"id"`
	Color     string      `json:"color"`
	Thickness float64     `json:"thickness"`
	Points    []pointJSON `json:"points"`
}

type pointJSON struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	P float32 `json:"p,omitempty"`
}

func toDocument(snap ink.Snapshot) document {
	doc := document{
		Version: FormatVersion,
		Saved:   time.Now().UTC(),
		Active:  snap.Active,
		Layers:  make([]layerJSON, 0, len(snap.Layers)),
	}
	for _, l := range snap.Layers {
		doc.Layers = append(doc.Layers, layerJSON{
			ID:      string(l.ID),
			Strokes: toStrokes(l.Strokes),
			Redo:    toStrokes(l.Redo),
		})
	}
	return doc
}

func toStrokes(in []ink.StrokeSnapshot) []strokeJSON {
	if len(in) == 0 {
		return nil
	}
	out := make([]strokeJSON, 0, len(in))
	for _, st := range in {
		pts := make([]pointJSON, len(st.Points))
		for i, p := range st.Points {
			pts[i] = pointJSON{X: p.X, Y: p.Y, P: p.Pressure}
		}
		out = append(out, strokeJSON{
			ID:        st.ID,
			Color:     ink.FormatColor(st.Attrs.Color),
			Thickness: st.Attrs.Thickness,
			Points:    pts,
		})
	}
	return out
}

func (doc document) snapshot() (ink.Snapshot, error) {
	if doc.Version != FormatVersion {
		return ink.Snapshot{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, doc.Version)
	}
	snap := ink.Snapshot{Active: doc.Active, Layers: make([]ink.LayerSnapshot, 0, len(doc.Layers))}
	if len(doc.Layers) == 0 {
		snap.Active = -1
	} else if doc.Active < 0 || doc.Active >= len(doc.Layers) {
		return ink.Snapshot{}, fmt.Errorf("%w: active layer %d of %d", ErrInvalidDocument, doc.Active, len(doc.Layers))
	}

	for i, l := range doc.Layers {
		strokes, err := fromStrokes(l.Strokes)
		if err != nil {
			return ink.Snapshot{}, fmt.Errorf("layer %d: %w", i, err)
		}
		redo, err := fromStrokes(l.Redo)
		if err != nil {
			return ink.Snapshot{}, fmt.Errorf("layer %d redo: %w", i, err)
		}
		snap.Layers = append(snap.Layers, ink.LayerSnapshot{
			ID:      ink.LayerID(l.ID),
			Strokes: strokes,
			Redo:    redo,
		})
	}
	return snap, nil
}

func fromStrokes(in []strokeJSON) ([]ink.StrokeSnapshot, error) {
	out := make([]ink.StrokeSnapshot, 0, len(in))
	for _, st := range in {
		var c color.NRGBA
		if st.Color == "" {
			c = ink.DefaultColor
		} else {
			var err error
			if c, err = ink.ParseColor(st.Color); err != nil {
				return nil, fmt.Errorf("%w: stroke %s: %w", ErrInvalidDocument, st.ID, err)
			}
		}
		pts := make([]ink.Point, len(st.Points))
		for i, p := range st.Points {
			pts[i] = ink.Point{X: p.X, Y: p.Y, Pressure: p.P}
		}
		out = append(out, ink.StrokeSnapshot{
			ID:     st.ID,
			Attrs:  ink.Attributes{Color: c, Thickness: ink.ClampThickness(st.Thickness)},
			Points: pts,
		})
	}
	return out, nil
}

// Encode writes snap as an indented JSON document.
func Encode(w io.Writer, snap ink.Snapshot) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(toDocument(snap)); err != nil {
		return fmt.Errorf("encode ink document: %w", err)
	}
	return nil
}

func Decode(r io.Reader) (ink.Snapshot, error) {
	var doc document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return ink.Snapshot{}, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	return doc.snapshot()
}

// SaveFile writes through a temp file in the same directory and renames it
// over path, so a crash never leaves a truncated document.
func SaveFile(path string, snap ink.Snapshot) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create ink dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".ink-*.json")
	if err != nil {
		return fmt.Errorf("create temp ink file: %w", err)
	}

	cleanup := true
	defer func() {
		if cleanup {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if err := Encode(tmp, snap); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp ink file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		cleanup = false
		return fmt.Errorf("replace ink file: %w", err)
	}
	cleanup = false
	return nil
}

func LoadFile(path string) (ink.Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return ink.Snapshot{}, fmt.Errorf("open ink file: %w", err)
	}
	defer f.Close()
	return Decode(f)
}
