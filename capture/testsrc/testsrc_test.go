package testsrc_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go2tv.app/telestrator/capture"
	_ "go2tv.app/telestrator/capture/testsrc"
	"go2tv.app/telestrator/frame"
)

func TestPatternDeliversFrames(t *testing.T) {
	target, err := capture.ParseTarget("test:pattern")
	if err != nil {
		t.Fatal(err)
	}
	var latest capture.Latest
	s, err := capture.Start(context.Background(), target,
		capture.WithSize(64, 32),
		capture.WithFrameRate(100),
		capture.WithLatest(&latest),
		capture.WithFirstFrameTimeout(2*time.Second),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	f := latest.Take()
	if f == nil {
		t.Fatal("no frame after first-frame wait")
	}
	if f.Width != 64 || f.Height != 32 || f.Format != frame.FormatBGRA {
		t.Fatalf("frame = %dx%d %s", f.Width, f.Height, f.Format)
	}
	if err := f.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestSolidColour(t *testing.T) {
	target, _ := capture.ParseTarget("test:solid:#102030")
	s, err := capture.Start(context.Background(), target,
		capture.WithSize(4, 4),
		capture.WithQueue(1),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	select {
	case f := <-s.Frames():
		if got := f.Pix[:4]; got[0] != 0x30 || got[1] != 0x20 || got[2] != 0x10 || got[3] != 0xff {
			t.Fatalf("BGRA pixel = %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame")
	}
}

func TestUnavailableAndInvalid(t *testing.T) {
	for in, want := range map[string]error{
		"test:unavailable": capture.ErrTargetUnavailable,
		"test:solid:#zz":   capture.ErrInvalidTarget,
		"test:wobble":      capture.ErrInvalidTarget,
	} {
		target, _ := capture.ParseTarget(in)
		if _, err := capture.Start(context.Background(), target); !errors.Is(err, want) {
			t.Fatalf("Start(%s) = %v, want %v", in, err, want)
		}
	}
}
