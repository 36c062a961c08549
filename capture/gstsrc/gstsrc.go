//go:build cgo

package gstsrc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"go2tv.app/telestrator/capture"
	"go2tv.app/telestrator/frame"
	"go2tv.app/telestrator/internal/logging"
	"go2tv.app/telestrator/internal/portal"
)

func init() {
	capture.Register("window", Backend{})
	capture.Register("display", Backend{})
	if runtime.GOOS == "linux" {
		capture.Register("portal", Backend{})
	}
}

type Backend struct{}

func (Backend) Open(ctx context.Context, t capture.Target, cfg capture.Config, sink capture.Sink) (capture.Source, error) {
	logger := logging.Component(cfg.Logger, "gstsrc").With("target", t.String())

	s := &source{
		sink:   sink,
		logger: logger,
		done:   make(chan struct{}),
	}
	s.width, s.height = outputSize(cfg)

	// Release the pipeline and portal handles on setup failure.
	cleanup := true
	defer func() {
		if cleanup {
			_ = s.Close()
		}
	}()

	var spec elementSpec
	var err error
	if t.Scheme == "portal" {
		spec, err = s.openPortal(ctx, t)
	} else {
		spec, err = sourceElement(runtime.GOOS, t)
	}
	if err != nil {
		return nil, err
	}

	if err := s.build(spec, cfg.FrameRate); err != nil {
		return nil, fmt.Errorf("%w: %w", capture.ErrTargetUnavailable, err)
	}
	if err := s.pipeline.SetState(gst.StatePlaying); err != nil {
		return nil, fmt.Errorf("%w: start pipeline: %w", capture.ErrTargetUnavailable, err)
	}

	s.wg.Add(1)
	go s.watchBus()

	logger.Debug("pipeline playing", "source", spec.factory, "width", s.width, "height", s.height)
	cleanup = false
	return s, nil
}

type source struct {
	width, height int

	pipeline *gst.Pipeline
	appsink  *app.Sink
	// closers run after the pipeline is stopped, in order.
	closers []io.Closer

	sink   capture.Sink
	logger *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup

	lastShortLog atomic.Int64
}

func (s *source) openPortal(ctx context.Context, t capture.Target) (elementSpec, error) {
	types, err := portalSourceTypes(t.ID)
	if err != nil {
		return elementSpec{}, err
	}

	client, err := portal.Connect(s.logger)
	if err != nil {
		return elementSpec{}, fmt.Errorf("%w: %w", capture.ErrTargetUnavailable, err)
	}
	s.closers = append(s.closers, client)

	sess, err := client.CreateSession(ctx)
	if err != nil {
		return elementSpec{}, fmt.Errorf("%w: %w", capture.ErrTargetUnavailable, err)
	}
	s.closers = append([]io.Closer{sess}, s.closers...)

	err = sess.SelectSources(ctx, portal.SelectOptions{
		Types:      types,
		CursorMode: portal.CursorModeEmbedded,
	})
	if err != nil {
		return elementSpec{}, fmt.Errorf("%w: %w", capture.ErrTargetUnavailable, err)
	}

	streams, err := sess.Start(ctx, "")
	if err != nil {
		return elementSpec{}, fmt.Errorf("%w: %w", capture.ErrTargetUnavailable, err)
	}
	stream := streams[0]

	remote, err := sess.OpenPipeWireRemote(ctx)
	if err != nil {
		return elementSpec{}, fmt.Errorf("%w: %w", capture.ErrTargetUnavailable, err)
	}
	s.closers = append([]io.Closer{remote}, s.closers...)

	s.logger.Debug("portal stream selected", "node", stream.NodeID, "size", stream.Size, "type", stream.SourceType)
	return elementSpec{factory: "pipewiresrc", props: []property{
		{"fd", int(remote.Fd())},
		{"path", strconv.FormatUint(uint64(stream.NodeID), 10)},
		{"do-timestamp", true},
	}}, nil
}

// build assembles src → videoconvert → videoscale [→ videorate] →
// capsfilter(BGRA) → appsink.
func (s *source) build(spec elementSpec, fps int) error {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}
	s.pipeline = pipeline

	src, err := gst.NewElement(spec.factory)
	if err != nil {
		return fmt.Errorf("create %s: %w", spec.factory, err)
	}
	for _, p := range spec.props {
		if err := src.SetProperty(p.name, p.value); err != nil {
			return fmt.Errorf("%s.%s: %w", spec.factory, p.name, err)
		}
	}

	convert, err := gst.NewElement("videoconvert")
	if err != nil {
		return fmt.Errorf("create videoconvert: %w", err)
	}
	scale, err := gst.NewElement("videoscale")
	if err != nil {
		return fmt.Errorf("create videoscale: %w", err)
	}
	chain := []*gst.Element{src, convert, scale}

	if fps > 0 {
		rate, err := gst.NewElement("videorate")
		if err != nil {
			return fmt.Errorf("create videorate: %w", err)
		}
		rate.SetProperty("drop-only", true)
		chain = append(chain, rate)
	}

	caps, err := gst.NewElement("capsfilter")
	if err != nil {
		return fmt.Errorf("create capsfilter: %w", err)
	}
	caps.SetProperty("caps", gst.NewCapsFromString(capsString(s.width, s.height, fps)))
	chain = append(chain, caps)

	sink, err := app.NewAppSink()
	if err != nil {
		return fmt.Errorf("create appsink: %w", err)
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", 1)
	sink.SetProperty("drop", true)
	sink.SetCallbacks(&app.SinkCallbacks{NewSampleFunc: s.onSample})
	s.appsink = sink
	chain = append(chain, sink.Element)

	if err := pipeline.AddMany(chain...); err != nil {
		return fmt.Errorf("add elements: %w", err)
	}
	if err := gst.ElementLinkMany(chain...); err != nil {
		return fmt.Errorf("link elements: %w", err)
	}
	return nil
}

func (s *source) onSample(sink *app.Sink) gst.FlowReturn {
	select {
	case <-s.done:
		return gst.FlowEOS
	default:
	}

	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}

	data := buffer.Map(gst.MapRead).Bytes()
	f := frame.New(s.width, s.height, frame.FormatBGRA)
	if len(data) < len(f.Pix) {
		buffer.Unmap()
		if logging.Every(&s.lastShortLog, time.Second) {
			s.logger.Debug("short buffer skipped", "bytes", len(data), "want", len(f.Pix))
		}
		return gst.FlowOK
	}
	copy(f.Pix, data)
	buffer.Unmap()

	s.sink.Deliver(f)
	return gst.FlowOK
}

func (s *source) watchBus() {
	defer s.wg.Done()

	bus := s.pipeline.GetPipelineBus()
	for {
		select {
		case <-s.done:
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageEOS:
			s.sink.Fail(io.EOF)
			return
		case gst.MessageError:
			gerr := msg.ParseError()
			s.logger.Debug("pipeline error", "err", gerr.Error(), "debug", gerr.DebugString())
			s.sink.Fail(errors.New(gerr.Error()))
			return
		}
	}
}

func (s *source) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()

		var errs []error
		if s.pipeline != nil {
			errs = append(errs, s.pipeline.SetState(gst.StateNull))
		}
		for _, c := range s.closers {
			errs = append(errs, c.Close())
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
