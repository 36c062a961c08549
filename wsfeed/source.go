package wsfeed

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	xdraw "golang.org/x/image/draw"

	"go2tv.app/telestrator/capture"
	"go2tv.app/telestrator/frame"
)

const dialTimeout = 10 * time.Second

func init() {
	capture.Register("ws", Backend{})
	capture.Register("wss", Backend{})
}

// Backend captures another telestrator's feed. The target ID is the feed
// URL, for example "ws://studio.local:8090/feed".
type Backend struct {
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

func (b Backend) Open(ctx context.Context, t capture.Target, cfg capture.Config, sink capture.Sink) (capture.Source, error) {
	dialer := b.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, resp, err := dialer.DialContext(dctx, t.ID, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: %s: %w (status %d)", capture.ErrTargetUnavailable, t, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %s: %w", capture.ErrTargetUnavailable, t, err)
	}

	s := &source{
		conn:   conn,
		sink:   sink,
		width:  cfg.Width,
		height: cfg.Height,
	}
	if cfg.FrameRate > 0 {
		s.minGap = time.Second / time.Duration(cfg.FrameRate)
	}
	if cfg.Logger != nil {
		cfg.Logger.Debug("feed source connected", "url", t.ID)
	}

	s.wg.Add(1)
	go s.run()
	return s, nil
}

type source struct {
	conn *websocket.Conn
	sink capture.Sink

	// width and height, when set, scale every frame to that size.
	width, height int
	minGap        time.Duration
	lastDelivered time.Time

	closing   atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func (s *source) run() {
	defer s.wg.Done()
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closing.Load() {
				s.sink.Fail(fmt.Errorf("%w: feed read: %w", capture.ErrTargetUnavailable, err))
			}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		now := time.Now()
		if s.minGap > 0 && now.Sub(s.lastDelivered) < s.minGap {
			continue
		}
		f, err := decodeFrame(data, s.width, s.height)
		if err != nil {
			// One bad frame does not end the feed.
			continue
		}
		f.Timestamp = now
		s.lastDelivered = now
		s.sink.Deliver(f)
	}
}

func (s *source) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = s.conn.Close()
		s.wg.Wait()
	})
	return nil
}

// decodeFrame turns one JPEG message into a BGRA frame, scaled to
// width x height when both are positive.
func decodeFrame(data []byte, width, height int) (*frame.Frame, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode feed frame: %w", err)
	}
	b := img.Bounds()
	if width <= 0 || height <= 0 {
		width, height = b.Dx(), b.Dy()
	}

	rgba := image.NewRGBA(image.Rect(0, 0, width, height))
	if width == b.Dx() && height == b.Dy() {
		xdraw.Draw(rgba, rgba.Rect, img, b.Min, xdraw.Src)
	} else {
		xdraw.ApproxBiLinear.Scale(rgba, rgba.Rect, img, b, xdraw.Src, nil)
	}

	f := frame.New(width, height, frame.FormatBGRA)
	frame.SwapRB(f.Pix, f.Stride, rgba.Pix, rgba.Stride, width, height)
	return f, nil
}
