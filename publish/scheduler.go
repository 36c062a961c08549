// Package publish drives the capture → composite → sink loop at one of two
// cadences: a slow idle one and a fast one while a gesture is being drawn.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"go2tv.app/telestrator/capture"
	"go2tv.app/telestrator/frame"
	"go2tv.app/telestrator/ink"
	"go2tv.app/telestrator/internal/logging"
)

const (
	DefaultIdleCadence   = 250 * time.Millisecond
	DefaultActiveCadence = 10 * time.Millisecond

	defaultPushTimeout  = 2 * time.Second
	defaultCloseTimeout = 3 * time.Second
)

var (
	ErrSinkUnreachable = errors.New("output sink unreachable")
	ErrAlreadyRunning  = errors.New("scheduler is already running")
)

// Sink is the network side of the pipeline. Push must not modify f: the
// same composited frame goes to every sink.
type Sink interface {
	Name() string
	Push(ctx context.Context, f *frame.Frame) error
}

// Snapshotter is satisfied by *ink.Store.
type Snapshotter interface {
	Snapshot() ink.Snapshot
}

// Renderer is satisfied by *compositor.Compositor.
type Renderer interface {
	Render(snap ink.Snapshot, background *frame.Frame) (*frame.Frame, error)
}

type Options struct {
	Ink      Snapshotter
	Renderer Renderer
	// Latest is the capture cell frames are taken from. Nil publishes ink
	// over the renderer's fill colour.
	Latest *capture.Latest
	Sinks  []Sink

	IdleCadence   time.Duration
	ActiveCadence time.Duration
	PushTimeout   time.Duration
	CloseTimeout  time.Duration

	Logger *slog.Logger
	Tracer trace.Tracer
}

func normalizeOptions(opts Options) Options {
	if opts.IdleCadence <= 0 {
		opts.IdleCadence = DefaultIdleCadence
	}
	if opts.ActiveCadence <= 0 {
		opts.ActiveCadence = DefaultActiveCadence
	}
	if opts.PushTimeout <= 0 {
		opts.PushTimeout = defaultPushTimeout
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = defaultCloseTimeout
	}
	opts.Logger = logging.Component(opts.Logger, "publish")
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("go2tv.app/telestrator/publish")
	}
	return opts
}

type sinkState struct {
	sink Sink
	busy atomic.Bool

	pushed      atomic.Uint64
	dropped     atomic.Uint64
	failed      atomic.Uint64
	lastFailLog atomic.Int64
}

// Scheduler owns one ticker whose period follows the gesture state. Ticks
// never wait on a sink: a sink still busy with the previous frame simply
// misses the new one.
type Scheduler struct {
	opts  Options
	sinks []*sinkState

	gestureOpen atomic.Bool
	cadence     chan struct{}
	running     atomic.Bool

	// background is the last captured frame, dropped once the capture
	// source ends. Only the Run goroutine touches it.
	background *frame.Frame

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	pushes sync.WaitGroup

	pushCtx    context.Context
	pushCancel context.CancelFunc
	closeOnce  sync.Once

	last atomic.Pointer[output]

	ticks        atomic.Uint64
	rendered     atomic.Uint64
	reused       atomic.Uint64
	renderErrors atomic.Uint64
	lastErrLog   atomic.Int64
}

func New(opts Options) (*Scheduler, error) {
	if opts.Ink == nil || opts.Renderer == nil {
		return nil, errors.New("publish: Ink and Renderer are required")
	}
	opts = normalizeOptions(opts)

	s := &Scheduler{
		opts:    opts,
		cadence: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	s.pushCtx, s.pushCancel = context.WithCancel(context.Background())
	for _, sink := range opts.Sinks {
		if sink != nil {
			s.sinks = append(s.sinks, &sinkState{sink: sink})
		}
	}
	return s, nil
}

// SetGestureOpen switches between the active and idle cadence. It never
// blocks, so it can be wired straight to the input state machine.
func (s *Scheduler) SetGestureOpen(open bool) {
	if s.gestureOpen.Swap(open) == open {
		return
	}
	select {
	case s.cadence <- struct{}{}:
	default:
	}
}

func (s *Scheduler) interval() time.Duration {
	if s.gestureOpen.Load() {
		return s.opts.ActiveCadence
	}
	return s.opts.IdleCadence
}

// Run ticks until ctx is cancelled or Close is called.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	interval := s.interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.opts.Logger.Debug("scheduler running", "interval", interval, "sinks", len(s.sinks))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case <-s.cadence:
			// Reset replaces the pending tick, so a switch never fires
			// twice in the same instant.
			if next := s.interval(); next != interval {
				interval = next
				ticker.Reset(interval)
				s.opts.Logger.Debug("cadence changed", "interval", interval)
			}
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	mode := "idle"
	if s.gestureOpen.Load() {
		mode = "active"
	}
	_, span := s.opts.Tracer.Start(ctx, "publish.tick", trace.WithAttributes(
		attribute.String("publish.cadence", mode),
	))
	defer span.End()
	s.ticks.Add(1)

	reused := false
	if s.opts.Latest != nil {
		if s.opts.Latest.Stale() {
			s.background = nil
		}
		if f := s.opts.Latest.Take(); f != nil {
			s.background = f
		} else if s.background != nil {
			reused = true
			s.reused.Add(1)
		}
	}
	span.SetAttributes(attribute.Bool("publish.background_reused", reused))

	out, err := s.opts.Renderer.Render(s.opts.Ink.Snapshot(), s.background)
	if err != nil {
		s.renderErrors.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, "render failed")
		if logging.Every(&s.lastErrLog, time.Second) {
			s.opts.Logger.Warn("render failed", "err", err)
		}
		return
	}
	s.rendered.Add(1)
	s.last.Store(&output{frame: out, background: s.background})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	dropped := 0
	for _, st := range s.sinks {
		if !st.busy.CompareAndSwap(false, true) {
			st.dropped.Add(1)
			dropped++
			continue
		}
		s.pushes.Add(1)
		go s.push(st, out)
	}
	span.SetAttributes(attribute.Int("publish.dropped", dropped))
}

func (s *Scheduler) push(st *sinkState, f *frame.Frame) {
	defer s.pushes.Done()
	defer st.busy.Store(false)

	ctx, cancel := context.WithTimeout(s.pushCtx, s.opts.PushTimeout)
	defer cancel()

	if err := st.sink.Push(ctx, f); err != nil {
		st.failed.Add(1)
		if !errors.Is(err, ErrSinkUnreachable) {
			err = fmt.Errorf("%w: %w", ErrSinkUnreachable, err)
		}
		if logging.Every(&st.lastFailLog, time.Second) {
			s.opts.Logger.Warn("sink push failed", "sink", st.sink.Name(), "err", err, "failures", st.failed.Load())
		}
		return
	}
	st.pushed.Add(1)
}

type output struct {
	frame      *frame.Frame
	background *frame.Frame
}

// Last returns the most recent composited frame and the capture frame it
// was drawn over. Both are nil before the first render; background is nil
// when there was no capture frame.
func (s *Scheduler) Last() (out, background *frame.Frame) {
	if o := s.last.Load(); o != nil {
		return o.frame, o.background
	}
	return nil, nil
}

// Close stops Run and waits for in-flight pushes, cancelling them if they
// outlast CloseTimeout. It is idempotent and safe during a tick.
func (s *Scheduler) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.done)
		s.mu.Unlock()

		waited := make(chan struct{})
		go func() {
			s.pushes.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-time.After(s.opts.CloseTimeout):
			s.opts.Logger.Warn("sink pushes still running at close, cancelling")
			s.pushCancel()
			<-waited
		}
		s.pushCancel()
	})
	return nil
}

type SinkStats struct {
	Name    string
	Pushed  uint64
	Dropped uint64
	Failed  uint64
}

type Stats struct {
	Ticks            uint64
	Rendered         uint64
	BackgroundReused uint64
	RenderErrors     uint64
	Interval         time.Duration
	Sinks            []SinkStats
}

func (s *Scheduler) Stats() Stats {
	st := Stats{
		Ticks:            s.ticks.Load(),
		Rendered:         s.rendered.Load(),
		BackgroundReused: s.reused.Load(),
		RenderErrors:     s.renderErrors.Load(),
		Interval:         s.interval(),
	}
	for _, ss := range s.sinks {
		st.Sinks = append(st.Sinks, SinkStats{
			Name:    ss.sink.Name(),
			Pushed:  ss.pushed.Load(),
			Dropped: ss.dropped.Load(),
			Failed:  ss.failed.Load(),
		})
	}
	return st
}
