package gstsrc

import (
	"errors"
	"testing"

	"go2tv.app/telestrator/capture"
	"go2tv.app/telestrator/internal/portal"
)

func TestSourceElement(t *testing.T) {
	tests := []struct {
		goos    string
		target  capture.Target
		factory string
		err     error
	}{
		{"linux", capture.Target{Scheme: "window", ID: "0x3a00007"}, "ximagesrc", nil},
		{"windows", capture.Target{Scheme: "window", ID: "132456"}, "d3d11screencapturesrc", nil},
		{"darwin", capture.Target{Scheme: "window", ID: "1"}, "", capture.ErrNotImplemented},
		{"linux", capture.Target{Scheme: "window", ID: "zero"}, "", capture.ErrInvalidTarget},
		{"linux", capture.Target{Scheme: "display"}, "ximagesrc", nil},
		{"windows", capture.Target{Scheme: "display", ID: "1"}, "d3d11screencapturesrc", nil},
		{"darwin", capture.Target{Scheme: "display", ID: "0"}, "avfvideosrc", nil},
		{"linux", capture.Target{Scheme: "display", ID: "-1"}, "", capture.ErrInvalidTarget},
		{"plan9", capture.Target{Scheme: "display"}, "", capture.ErrNotImplemented},
	}
	for _, tt := range tests {
		spec, err := sourceElement(tt.goos, tt.target)
		if tt.err != nil {
			if !errors.Is(err, tt.err) {
				t.Fatalf("%s %s: err = %v, want %v", tt.goos, tt.target, err, tt.err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s %s: %v", tt.goos, tt.target, err)
		}
		if spec.factory != tt.factory {
			t.Fatalf("%s %s: factory = %s, want %s", tt.goos, tt.target, spec.factory, tt.factory)
		}
	}
}

func TestWindowIDIsParsedAsHex(t *testing.T) {
	spec, err := sourceElement("linux", capture.Target{Scheme: "window", ID: "0x10"})
	if err != nil {
		t.Fatal(err)
	}
	if spec.props[0].name != "xid" || spec.props[0].value != uint64(16) {
		t.Fatalf("props = %+v", spec.props)
	}
}

func TestPortalSourceTypes(t *testing.T) {
	both, err := portalSourceTypes("")
	if err != nil || both != portal.SourceTypeMonitor|portal.SourceTypeWindow {
		t.Fatalf("default = %d, %v", both, err)
	}
	if v, _ := portalSourceTypes("Window"); v != portal.SourceTypeWindow {
		t.Fatalf("window = %d", v)
	}
	if _, err := portalSourceTypes("tab"); !errors.Is(err, capture.ErrInvalidTarget) {
		t.Fatalf("tab = %v", err)
	}
}

func TestCapsString(t *testing.T) {
	if got := capsString(640, 360, 0); got != "video/x-raw,format=BGRA,width=640,height=360" {
		t.Fatalf("caps = %s", got)
	}
	if got := capsString(2, 2, 30); got != "video/x-raw,format=BGRA,width=2,height=2,framerate=30/1" {
		t.Fatalf("caps = %s", got)
	}
	if w, h := outputSize(capture.Config{}); w != defaultWidth || h != defaultHeight {
		t.Fatalf("default size = %dx%d", w, h)
	}
}
