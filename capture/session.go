package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go2tv.app/telestrator/frame"
	"go2tv.app/telestrator/internal/dropqueue"
	"go2tv.app/telestrator/internal/logging"
)

const (
	defaultFirstFrameTimeout = 8 * time.Second
	defaultQueueSize         = 4
)

type options struct {
	cfg               Config
	onFrame           func(*frame.Frame)
	onEnd             func(error)
	queueSize         int
	latest            *Latest
	firstFrameTimeout time.Duration
}

type Option func(*options)

// WithCallback delivers every frame to fn on the backend's goroutine. fn
// must return quickly and must not call Stop.
func WithCallback(fn func(*frame.Frame)) Option {
	return func(o *options) { o.onFrame = fn }
}

// WithQueue exposes frames on Frames through a bounded queue that drops
// the oldest frame when the consumer falls behind.
func WithQueue(size int) Option {
	return func(o *options) {
		if size <= 0 {
			size = defaultQueueSize
		}
		o.queueSize = size
	}
}

// WithLatest stores every frame into l, overwriting any frame not yet taken.
func WithLatest(l *Latest) Option {
	return func(o *options) { o.latest = l }
}

func WithSize(width, height int) Option {
	return func(o *options) {
		o.cfg.Width = max(width, 0)
		o.cfg.Height = max(height, 0)
	}
}

func WithFrameRate(fps int) Option {
	return func(o *options) { o.cfg.FrameRate = max(fps, 0) }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.cfg.Logger = l }
}

// WithFirstFrameTimeout makes Start wait up to d for the first frame. Zero
// returns as soon as the backend is open.
func WithFirstFrameTimeout(d time.Duration) Option {
	return func(o *options) { o.firstFrameTimeout = max(d, 0) }
}

// WithEndHook is called once if the source ends on its own.
func WithEndHook(fn func(error)) Option {
	return func(o *options) { o.onEnd = fn }
}

var (
	activeMu sync.Mutex
	active   = map[string]struct{}{}
)

func claim(key string) bool {
	activeMu.Lock()
	defer activeMu.Unlock()
	if _, busy := active[key]; busy {
		return false
	}
	active[key] = struct{}{}
	return true
}

func release(key string) {
	activeMu.Lock()
	delete(active, key)
	activeMu.Unlock()
}

// Session is a bound capture of one target. At most one Session exists per
// target at a time. A Session that is dropped without Stop is stopped when
// it is garbage collected, but callers should always Stop it.
type Session struct {
	s *session
}

// session holds the state backends reference. Keeping it separate from
// Session lets the outer handle become unreachable while a backend
// goroutine still holds the sink.
type session struct {
	target Target
	key    string
	logger *slog.Logger

	src     Source
	onFrame func(*frame.Frame)
	onEnd   func(error)
	queue   *dropqueue.Queue[*frame.Frame]
	latest  *Latest

	// mu orders Deliver against stop: once stop holds it, no callback is
	// running and none will start.
	mu      sync.RWMutex
	stopped bool

	seq       atomic.Uint64
	delivered atomic.Uint64

	ready     chan struct{}
	readyOnce sync.Once
	ended     chan struct{}
	endOnce   sync.Once
	endErr    atomic.Pointer[error]

	stopOnce sync.Once
	stopErr  error

	lastLateLog atomic.Int64
}

// Start binds to target. It fails with ErrTargetUnavailable when the
// backend cannot open the surface, ErrTargetBusy when another session
// holds it and ErrNotImplemented when no backend serves its scheme.
func Start(ctx context.Context, target Target, opts ...Option) (*Session, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	o.cfg.Logger = logging.Component(o.cfg.Logger, "capture")

	b, ok := lookup(target.Scheme)
	if !ok {
		return nil, fmt.Errorf("%w: no backend for %q", ErrNotImplemented, target.Scheme)
	}

	key := target.String()
	if !claim(key) {
		return nil, fmt.Errorf("%w: %s", ErrTargetBusy, key)
	}

	s := &session{
		target:  target,
		key:     key,
		logger:  o.cfg.Logger.With("target", key),
		onFrame: o.onFrame,
		onEnd:   o.onEnd,
		latest:  o.latest,
		ready:   make(chan struct{}),
		ended:   make(chan struct{}),
	}
	if o.queueSize > 0 {
		s.queue = dropqueue.New[*frame.Frame]("capture "+key, o.queueSize, s.logger)
	}

	// Release the target and anything the backend opened on setup failure.
	cleanup := true
	defer func() {
		if cleanup {
			_ = s.stop()
		}
	}()

	src, err := b.Open(ctx, target, o.cfg, s)
	if err != nil {
		return nil, openError(ctx, key, err)
	}
	s.src = src
	s.logger.Debug("capture source open")

	if o.firstFrameTimeout > 0 {
		if err := s.waitForFirstFrame(ctx, o.firstFrameTimeout); err != nil {
			return nil, err
		}
	}

	cleanup = false
	out := &Session{s: s}
	runtime.SetFinalizer(out, func(h *Session) {
		h.s.logger.Warn("capture session was not stopped")
		_ = h.s.stop()
	})
	return out, nil
}

func openError(ctx context.Context, key string, err error) error {
	if errors.Is(err, ErrTargetUnavailable) || ctx.Err() != nil {
		return fmt.Errorf("open %s: %w", key, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrTargetUnavailable, key, err)
}

func (s *session) waitForFirstFrame(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-s.ready:
		return nil
	case <-s.ended:
		return fmt.Errorf("%w: %s ended before the first frame: %w", ErrTargetUnavailable, s.key, s.err())
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w: %s timed out waiting for the first frame", ErrTargetUnavailable, s.key)
	}
}

// Deliver implements Sink.
func (s *session) Deliver(f *frame.Frame) {
	if f == nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		if logging.Every(&s.lastLateLog, time.Second) {
			s.logger.Debug("frame delivered after stop ignored")
		}
		return
	}

	if f.Seq == 0 {
		f.Seq = s.seq.Add(1)
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now()
	}
	s.delivered.Add(1)
	s.readyOnce.Do(func() {
		s.logger.Debug("first frame", "width", f.Width, "height", f.Height, "format", f.Format)
		close(s.ready)
	})

	if s.latest != nil {
		s.latest.Store(f)
	}
	if s.queue != nil {
		s.queue.Enqueue(f)
	}
	if s.onFrame != nil {
		s.onFrame(f)
	}
}

// Fail implements Sink.
func (s *session) Fail(err error) {
	if err == nil {
		err = ErrStopped
	}
	first := false
	s.endOnce.Do(func() {
		first = true
		s.endErr.Store(&err)
		close(s.ended)
	})
	if !first {
		return
	}

	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return
	}
	s.logger.Warn("capture source ended", "err", err)
	if s.latest != nil {
		s.latest.Invalidate()
	}
	if s.onEnd != nil {
		s.onEnd(err)
	}
}

func (s *session) err() error {
	if p := s.endErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *session) stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()

		if s.src != nil {
			s.stopErr = s.src.Close()
		}
		if s.queue != nil {
			s.queue.Close()
		}
		s.endOnce.Do(func() {
			err := ErrStopped
			s.endErr.Store(&err)
			close(s.ended)
		})
		release(s.key)
		s.logger.Debug("capture session stopped", "delivered", s.delivered.Load(), "err", s.stopErr)
	})
	return s.stopErr
}

// Stop releases the platform source. It is safe to call more than once and
// concurrently with frame delivery; frames arriving afterwards are ignored.
func (h *Session) Stop() error {
	runtime.SetFinalizer(h, nil)
	return h.s.stop()
}

func (h *Session) Target() Target {
	return h.s.target
}

// Frames returns the queue fed by WithQueue, or nil. The channel is never
// closed; select on Ended as well.
func (h *Session) Frames() <-chan *frame.Frame {
	if h.s.queue == nil {
		return nil
	}
	return h.s.queue.C()
}

// Ended is closed when the source ends or the session is stopped.
func (h *Session) Ended() <-chan struct{} {
	return h.s.ended
}

// Err reports why the session ended, or nil while it is running.
func (h *Session) Err() error {
	return h.s.err()
}

type Stats struct {
	Delivered uint64
	Dropped   uint64
}

func (h *Session) Stats() Stats {
	st := Stats{Delivered: h.s.delivered.Load()}
	if h.s.queue != nil {
		st.Dropped = h.s.queue.Dropped()
	}
	return st
}
