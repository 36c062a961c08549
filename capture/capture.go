// Package capture binds to a window or display surface and yields its raw
// frames. Platform work lives in backends registered per target scheme; the
// Session type owns the lifecycle and delivery around them.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"

	"go2tv.app/telestrator/frame"
)

var (
	ErrTargetUnavailable = errors.New("capture target unavailable")
	ErrTargetBusy        = errors.New("capture target already has an active session")
	ErrInvalidTarget     = errors.New("invalid capture target")
	ErrNotImplemented    = errors.New("capture backend is not implemented on this platform")
	ErrStopped           = errors.New("capture session stopped")
)

// Target names a capture surface as "scheme:id", for example
// "window:0x3a00007", "display:0", "portal:" or "test:pattern". Websocket
// feeds are addressed by their URL.
type Target struct {
	Scheme string
	ID     string
}

func ParseTarget(s string) (Target, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Target{}, fmt.Errorf("%w: empty", ErrInvalidTarget)
	}
	if strings.HasPrefix(s, "ws://") || strings.HasPrefix(s, "wss://") {
		u, err := url.Parse(s)
		if err != nil || u.Host == "" {
			return Target{}, fmt.Errorf("%w: %q", ErrInvalidTarget, s)
		}
		return Target{Scheme: u.Scheme, ID: s}, nil
	}
	scheme, id, _ := strings.Cut(s, ":")
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" {
		return Target{}, fmt.Errorf("%w: %q has no scheme", ErrInvalidTarget, s)
	}
	return Target{Scheme: scheme, ID: strings.TrimSpace(id)}, nil
}

func (t Target) String() string {
	if t.Scheme == "ws" || t.Scheme == "wss" {
		return t.ID
	}
	return t.Scheme + ":" + t.ID
}

// Config is what a backend is asked to produce.
type Config struct {
	// Width and Height request scaled output and only apply when both are
	// set. Otherwise the backend picks the size: the GStreamer and test
	// sources produce 1280x720, a ws feed keeps the size it receives.
	Width  int
	Height int
	// FrameRate caps delivery. Zero lets the backend choose.
	FrameRate int
	Logger    *slog.Logger
}

// Sink receives a backend's output. Deliver may be called from any
// goroutine and must not be retained after Close returns.
type Sink interface {
	Deliver(f *frame.Frame)
	// Fail reports that the source ended and no more frames will come.
	Fail(err error)
}

// Source is a running backend instance.
type Source interface {
	Close() error
}

// Backend opens sources for one target scheme. Open must release anything
// it acquired when it returns an error.
type Backend interface {
	Open(ctx context.Context, t Target, cfg Config, sink Sink) (Source, error)
}

var (
	backendsMu sync.RWMutex
	backends   = map[string]Backend{}
)

// Register makes a backend available for scheme. Backends register
// themselves from init, so importing a backend package enables it.
func Register(scheme string, b Backend) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[strings.ToLower(scheme)] = b
}

func lookup(scheme string) (Backend, bool) {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	b, ok := backends[scheme]
	return b, ok
}

// Schemes lists the registered target schemes.
func Schemes() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	out := make([]string, 0, len(backends))
	for k := range backends {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
