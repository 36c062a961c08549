package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Options struct {
	// Debug lowers the level to slog.LevelDebug.
	Debug bool
	// DebugFile appends log output to this path instead of stderr.
	DebugFile string
	// Output overrides the destination. Tests use it.
	Output io.Writer
}

var (
	fileOutputOnce sync.Once
	fileOutput     io.Writer
)

// EnvDebugEnabled reports whether TELESTRATOR_DEBUG is set to "1".
func EnvDebugEnabled() bool {
	return strings.TrimSpace(os.Getenv("TELESTRATOR_DEBUG")) == "1"
}

// New builds the process logger. The handler is text based and carries a
// component attribute so capture, publish and sink logs can be told apart.
func New(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = debugWriter(opts.DebugFile)
	}

	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}

func debugWriter(path string) io.Writer {
	path = strings.TrimSpace(path)
	if path == "" {
		return os.Stderr
	}
	fileOutputOnce.Do(func() {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "telestrator debug log open failed: %v\n", err)
			return
		}
		fileOutput = f
	})
	if fileOutput == nil {
		return os.Stderr
	}
	return fileOutput
}

// Component returns l scoped to a named component, falling back to
// slog.Default when l is nil.
func Component(l *slog.Logger, name string) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return l.With("component", name)
}

// Every reports whether a rate limited log line may be emitted now. last
// holds the unix nano time of the previous emission and is updated with CAS
// so concurrent callers let exactly one line through per period.
func Every(last *atomic.Int64, period time.Duration) bool {
	if last == nil || period <= 0 {
		return true
	}

	now := time.Now().UnixNano()
	for {
		prev := last.Load()
		if prev != 0 && time.Duration(now-prev) < period {
			return false
		}
		if last.CompareAndSwap(prev, now) {
			return true
		}
	}
}
