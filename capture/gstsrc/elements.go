package gstsrc

import (
	"fmt"
	"strconv"
	"strings"

	"go2tv.app/telestrator/capture"
	"go2tv.app/telestrator/internal/portal"
)

const (
	defaultWidth  = 1280
	defaultHeight = 720
)

// elementSpec is a source element and the properties to set on it.
type elementSpec struct {
	factory string
	props   []property
}

type property struct {
	name  string
	value any
}

// sourceElement picks the platform source element for a window or display
// target.
func sourceElement(goos string, t capture.Target) (elementSpec, error) {
	switch t.Scheme {
	case "window":
		id, err := strconv.ParseUint(strings.TrimSpace(t.ID), 0, 64)
		if err != nil || id == 0 {
			return elementSpec{}, fmt.Errorf("%w: window id %q", capture.ErrInvalidTarget, t.ID)
		}
		switch goos {
		case "linux", "freebsd", "openbsd", "netbsd":
			return elementSpec{factory: "ximagesrc", props: []property{
				{"xid", id},
				{"use-damage", false},
				{"show-pointer", true},
			}}, nil
		case "windows":
			return elementSpec{factory: "d3d11screencapturesrc", props: []property{
				{"window-handle", id},
				{"show-cursor", true},
			}}, nil
		}
	case "display":
		n := 0
		if s := strings.TrimSpace(t.ID); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v < 0 {
				return elementSpec{}, fmt.Errorf("%w: display %q", capture.ErrInvalidTarget, t.ID)
			}
			n = v
		}
		switch goos {
		case "linux", "freebsd", "openbsd", "netbsd":
			return elementSpec{factory: "ximagesrc", props: []property{
				{"screen-num", uint(n)},
				{"use-damage", false},
				{"show-pointer", true},
			}}, nil
		case "windows":
			return elementSpec{factory: "d3d11screencapturesrc", props: []property{
				{"monitor-index", n},
				{"show-cursor", true},
			}}, nil
		case "darwin":
			return elementSpec{factory: "avfvideosrc", props: []property{
				{"capture-screen", true},
				{"capture-screen-cursor", true},
				{"device-index", n},
			}}, nil
		}
	}
	return elementSpec{}, fmt.Errorf("%w: %s on %s", capture.ErrNotImplemented, t.Scheme, goos)
}

// portalSourceTypes maps the portal target id to the source types offered
// in the picker.
func portalSourceTypes(id string) (uint32, error) {
	switch strings.ToLower(strings.TrimSpace(id)) {
	case "":
		return portal.SourceTypeMonitor | portal.SourceTypeWindow, nil
	case "window":
		return portal.SourceTypeWindow, nil
	case "monitor", "display":
		return portal.SourceTypeMonitor, nil
	default:
		return 0, fmt.Errorf("%w: portal source %q", capture.ErrInvalidTarget, id)
	}
}

// outputSize returns the size frames are scaled to. The appsink caps need
// a fixed size, so an unset request gets the default rather than the
// source size.
func outputSize(cfg capture.Config) (int, int) {
	if cfg.Width > 0 && cfg.Height > 0 {
		return cfg.Width, cfg.Height
	}
	return defaultWidth, defaultHeight
}

func capsString(width, height, fps int) string {
	caps := fmt.Sprintf("video/x-raw,format=BGRA,width=%d,height=%d", width, height)
	if fps > 0 {
		caps += fmt.Sprintf(",framerate=%d/1", fps)
	}
	return caps
}
