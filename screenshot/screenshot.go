// Package screenshot exports composited frames as PNG, JPEG or PDF files.
package screenshot

import (
	"bytes"
	"errors"
	"fmt"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gogpu/gg"
	"github.com/jung-kurt/gofpdf"

	"go2tv.app/telestrator/frame"
	"go2tv.app/telestrator/ink"
)

var ErrUnknownFormat = errors.New("unknown screenshot format")

type Format string

const (
	PNG  Format = "png"
	JPEG Format = "jpeg"
	PDF  Format = "pdf"
)

const DefaultJPEGQuality = 90

func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), ".")) {
	case "", "png":
		return PNG, nil
	case "jpg", "jpeg":
		return JPEG, nil
	case "pdf":
		return PDF, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

// Ext is the file extension written for f, without the dot.
func (f Format) Ext() string {
	if f == JPEG {
		return "jpg"
	}
	return string(f)
}

// Shot is what gets exported. PNG and JPEG write Frame as is. PDF keeps
// the ink as vector paths over a raster of Background, or over Fill when
// there is no background.
type Shot struct {
	Frame      *frame.Frame
	Background *frame.Frame
	Fill       color.NRGBA
	Ink        ink.Snapshot
}

type Options struct {
	// Quality is the JPEG quality, 1 to 100.
	Quality int
}

func Encode(w io.Writer, shot Shot, format Format, opts Options) error {
	if err := shot.Frame.Validate(); err != nil {
		return fmt.Errorf("screenshot: %w", err)
	}
	switch format {
	case PNG, JPEG:
		dc := gg.NewContext(shot.Frame.Width, shot.Frame.Height, gg.WithPixmap(gg.FromImage(shot.Frame.RGBA())))
		defer dc.Close()
		if format == PNG {
			return dc.EncodePNG(w)
		}
		return dc.EncodeJPEG(w, jpegQuality(opts.Quality))
	case PDF:
		return encodePDF(w, shot)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

func jpegQuality(q int) int {
	if q <= 0 {
		return DefaultJPEGQuality
	}
	return min(q, 100)
}

// encodePDF lays out one page the size of the frame, one point per pixel.
func encodePDF(w io.Writer, shot Shot) error {
	width, height := float64(shot.Frame.Width), float64(shot.Frame.Height)
	pdf := gofpdf.NewCustom(&gofpdf.InitType{
		OrientationStr: "P",
		UnitStr:        "pt",
		Size:           gofpdf.SizeType{Wd: width, Ht: height},
	})
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	pdf.AddPage()

	switch {
	case shot.Background != nil:
		if err := shot.Background.Validate(); err != nil {
			return fmt.Errorf("screenshot background: %w", err)
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, shot.Background.RGBA()); err != nil {
			return fmt.Errorf("encode background: %w", err)
		}
		opts := gofpdf.ImageOptions{ImageType: "PNG"}
		pdf.RegisterImageOptionsReader("background", opts, &buf)
		pdf.ImageOptions("background", 0, 0, width, height, false, opts, 0, "")
	case shot.Fill.A > 0:
		pdf.SetFillColor(int(shot.Fill.R), int(shot.Fill.G), int(shot.Fill.B))
		pdf.Rect(0, 0, width, height, "F")
	}

	pdf.SetLineCapStyle("round")
	pdf.SetLineJoinStyle("round")
	for _, l := range shot.Ink.Layers {
		for _, st := range l.Strokes {
			drawStroke(pdf, st)
		}
	}
	pdf.SetAlpha(1, "Normal")

	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("write pdf: %w", err)
	}
	return nil
}

func drawStroke(pdf *gofpdf.Fpdf, st ink.StrokeSnapshot) {
	if len(st.Points) == 0 {
		return
	}
	c := st.Attrs.Color
	pdf.SetAlpha(float64(c.A)/255, "Normal")
	if len(st.Points) == 1 {
		p := st.Points[0]
		pdf.SetFillColor(int(c.R), int(c.G), int(c.B))
		pdf.Circle(p.X, p.Y, st.Attrs.Thickness/2, "F")
		return
	}
	pdf.SetDrawColor(int(c.R), int(c.G), int(c.B))
	pdf.SetLineWidth(st.Attrs.Thickness)
	for i := 1; i < len(st.Points); i++ {
		a, b := st.Points[i-1], st.Points[i]
		pdf.Line(a.X, a.Y, b.X, b.Y)
	}
}

// FileName is a timestamped name such as telestrator-20240102-150405.000.png.
func FileName(t time.Time, format Format) string {
	return fmt.Sprintf("telestrator-%s.%s", t.Format("20060102-150405.000"), format.Ext())
}

// Save writes shot into dir under a timestamped name and returns the path.
func Save(dir string, shot Shot, format Format, opts Options) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create screenshot dir: %w", err)
	}
	path := filepath.Join(dir, FileName(time.Now(), format))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create screenshot: %w", err)
	}
	if err := Encode(f, shot, format, opts); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("close screenshot: %w", err)
	}
	return path, nil
}
