// Package compositor rasterizes an ink snapshot over an optional background
// frame into a new RGBA frame.
package compositor

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gogpu/gg"
	xdraw "golang.org/x/image/draw"

	"go2tv.app/telestrator/frame"
	"go2tv.app/telestrator/ink"
)

var (
	ErrNoSize            = errors.New("compositor has no output size and no background to follow")
	ErrUnknownBackground = errors.New("unknown background mode")
)

var (
	Transparent = color.NRGBA{}
	White       = color.NRGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
	// DefaultChroma is broadcast chroma-key green.
	DefaultChroma = color.NRGBA{R: 0x00, G: 0xb1, B: 0x40, A: 0xff}
)

// ParseBackground maps a background mode name to its fill colour.
func ParseBackground(mode string, chroma color.NRGBA) (color.NRGBA, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "transparent":
		return Transparent, nil
	case "white":
		return White, nil
	case "chroma":
		return chroma, nil
	default:
		return color.NRGBA{}, fmt.Errorf("%w: %q", ErrUnknownBackground, mode)
	}
}

type Options struct {
	// Width and Height fix the output size. When zero, frames take the
	// size of the background they are composited over.
	Width  int
	Height int
	// Fill paints the frame when no background frame is supplied.
	Fill   color.NRGBA
	Logger *slog.Logger
}

type Compositor struct {
	size   atomic.Uint64
	fill   atomic.Uint32
	seq    atomic.Uint64
	logger *slog.Logger
}

func New(opts Options) *Compositor {
	c := &Compositor{logger: opts.Logger}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.Resize(opts.Width, opts.Height)
	c.SetFill(opts.Fill)
	return c
}

// Resize changes the output size for subsequent renders.
func (c *Compositor) Resize(width, height int) {
	if width < 0 {
		width = 0
	}
	if height < 0 {
		height = 0
	}
	c.size.Store(uint64(uint32(width))<<32 | uint64(uint32(height)))
}

func (c *Compositor) Size() (int, int) {
	v := c.size.Load()
	return int(v >> 32), int(uint32(v))
}

func (c *Compositor) SetFill(col color.NRGBA) {
	c.fill.Store(uint32(col.R)<<24 | uint32(col.G)<<16 | uint32(col.B)<<8 | uint32(col.A))
}

func (c *Compositor) Fill() color.NRGBA {
	v := c.fill.Load()
	return color.NRGBA{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}
}

// Render paints background (or the fill colour) and then every layer of
// snap bottom to top. The returned frame is owned by the caller. Render is
// safe for concurrent use; snap is an immutable copy.
func (c *Compositor) Render(snap ink.Snapshot, background *frame.Frame) (*frame.Frame, error) {
	if background != nil {
		if err := background.Validate(); err != nil {
			return nil, fmt.Errorf("background: %w", err)
		}
	}

	w, h := c.Size()
	if w == 0 || h == 0 {
		if background == nil {
			return nil, ErrNoSize
		}
		w, h = background.Width, background.Height
	}

	pm := gg.NewPixmap(w, h)
	if background != nil {
		paintBackground(pm, w, h, background)
	} else {
		fillPixmap(pm.Data(), c.Fill())
	}

	if !snap.Empty() {
		if err := drawInk(pm, w, h, snap); err != nil {
			return nil, err
		}
	}

	out := &frame.Frame{
		Width:     w,
		Height:    h,
		Stride:    w * 4,
		Format:    frame.FormatRGBA,
		Pix:       pm.Data(),
		Timestamp: time.Now(),
		Seq:       c.seq.Add(1),
	}
	return out, nil
}

func fillPixmap(data []byte, col color.NRGBA) {
	if col.A == 0 {
		return
	}
	// Pixmap data is premultiplied.
	r := uint8(uint16(col.R) * uint16(col.A) / 0xff)
	g := uint8(uint16(col.G) * uint16(col.A) / 0xff)
	b := uint8(uint16(col.B) * uint16(col.A) / 0xff)
	for i := 0; i+3 < len(data); i += 4 {
		data[i+0] = r
		data[i+1] = g
		data[i+2] = b
		data[i+3] = col.A
	}
}

// paintBackground copies the background straight into the pixmap when the
// sizes match and scales it otherwise.
func paintBackground(pm *gg.Pixmap, w, h int, bg *frame.Frame) {
	data := pm.Data()
	if bg.Width == w && bg.Height == h {
		if bg.Format == frame.FormatBGRA {
			frame.SwapRB(data, w*4, bg.Pix, bg.Stride, w, h)
			return
		}
		row := w * 4
		for y := 0; y < h; y++ {
			copy(data[y*row:(y+1)*row], bg.Pix[y*bg.Stride:y*bg.Stride+row])
		}
		return
	}

	dst := &image.RGBA{Pix: data, Stride: w * 4, Rect: image.Rect(0, 0, w, h)}
	src := bg.RGBA()
	xdraw.ApproxBiLinear.Scale(dst, dst.Rect, src, src.Rect, xdraw.Src, nil)
}

func drawInk(pm *gg.Pixmap, w, h int, snap ink.Snapshot) error {
	dc := gg.NewContext(w, h, gg.WithPixmap(pm))
	defer dc.Close()

	dc.SetLineCap(gg.LineCapRound)
	dc.SetLineJoin(gg.LineJoinRound)

	for _, layer := range snap.Layers {
		for _, st := range layer.Strokes {
			if err := drawStroke(dc, st); err != nil {
				return fmt.Errorf("layer %s stroke %s: %w", layer.ID, st.ID, err)
			}
		}
	}
	return nil
}

func drawStroke(dc *gg.Context, st ink.StrokeSnapshot) error {
	pts := st.Points
	if len(pts) == 0 {
		return nil
	}
	dc.SetColor(st.Attrs.Color)

	thickness := ink.ClampThickness(st.Attrs.Thickness)
	if len(pts) == 1 {
		dc.DrawCircle(pts[0].X, pts[0].Y, thickness/2)
		return dc.Fill()
	}

	dc.SetLineWidth(thickness)
	dc.MoveTo(pts[0].X, pts[0].Y)
	for _, p := range pts[1:] {
		dc.LineTo(p.X, p.Y)
	}
	return dc.Stroke()
}
