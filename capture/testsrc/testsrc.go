// Package testsrc registers the "test" capture scheme: synthetic sources
// for demos and tests that need frames without a display.
//
// Targets:
//
//	test:pattern            moving colour bars
//	test:solid:#rrggbb      a single colour
//	test:unavailable        always fails to open
package testsrc

import (
	"context"
	"fmt"
	"image/color"
	"strings"
	"sync"
	"time"

	"go2tv.app/telestrator/capture"
	"go2tv.app/telestrator/frame"
	"go2tv.app/telestrator/ink"
)

const (
	Scheme = "test"

	defaultWidth     = 640
	defaultHeight    = 360
	defaultFrameRate = 30
)

func init() {
	capture.Register(Scheme, Backend{})
}

type Backend struct{}

func (Backend) Open(ctx context.Context, t capture.Target, cfg capture.Config, sink capture.Sink) (capture.Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var paint func(f *frame.Frame, n int)
	kind, arg, _ := strings.Cut(t.ID, ":")
	switch kind {
	case "", "pattern":
		paint = paintBars
	case "solid":
		c, err := ink.ParseColor(arg)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", capture.ErrInvalidTarget, t, err)
		}
		paint = func(f *frame.Frame, _ int) { paintSolid(f, c) }
	case "unavailable":
		return nil, fmt.Errorf("%w: %s", capture.ErrTargetUnavailable, t)
	default:
		return nil, fmt.Errorf("%w: unknown test source %q", capture.ErrInvalidTarget, t.ID)
	}

	w, h := cfg.Width, cfg.Height
	if w <= 0 || h <= 0 {
		w, h = defaultWidth, defaultHeight
	}
	fps := cfg.FrameRate
	if fps <= 0 {
		fps = defaultFrameRate
	}

	s := &source{
		width:  w,
		height: h,
		period: time.Second / time.Duration(fps),
		paint:  paint,
		sink:   sink,
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s, nil
}

type source struct {
	width, height int
	period        time.Duration
	paint         func(*frame.Frame, int)
	sink          capture.Sink

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func (s *source) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for n := 0; ; n++ {
		f := frame.New(s.width, s.height, frame.FormatBGRA)
		s.paint(f, n)
		s.sink.Deliver(f)

		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
	}
}

func (s *source) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

var bars = [...]color.NRGBA{
	{R: 0xc0, G: 0xc0, B: 0xc0, A: 0xff},
	{R: 0xc0, G: 0xc0, B: 0x00, A: 0xff},
	{R: 0x00, G: 0xc0, B: 0xc0, A: 0xff},
	{R: 0x00, G: 0xc0, B: 0x00, A: 0xff},
	{R: 0xc0, G: 0x00, B: 0xc0, A: 0xff},
	{R: 0xc0, G: 0x00, B: 0x00, A: 0xff},
	{R: 0x00, G: 0x00, B: 0xc0, A: 0xff},
}

// paintBars draws SMPTE-like bars shifted one column per frame so motion is
// visible downstream.
func paintBars(f *frame.Frame, n int) {
	barWidth := max(f.Width/len(bars), 1)
	for y := 0; y < f.Height; y++ {
		row := f.Pix[y*f.Stride:]
		for x := 0; x < f.Width; x++ {
			c := bars[((x+n)/barWidth)%len(bars)]
			i := x * 4
			row[i+0] = c.B
			row[i+1] = c.G
			row[i+2] = c.R
			row[i+3] = c.A
		}
	}
}

func paintSolid(f *frame.Frame, c color.NRGBA) {
	for i := 0; i+3 < len(f.Pix); i += 4 {
		f.Pix[i+0] = c.B
		f.Pix[i+1] = c.G
		f.Pix[i+2] = c.R
		f.Pix[i+3] = c.A
	}
}
