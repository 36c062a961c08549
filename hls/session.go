// Package hls is an Output Sink that encodes composited frames with ffmpeg
// into a rolling HLS playlist served from a temp directory.
package hls

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"go2tv.app/telestrator/frame"
	"go2tv.app/telestrator/internal/dropqueue"
	"go2tv.app/telestrator/internal/logging"
	"go2tv.app/telestrator/internal/processutil"
	"go2tv.app/telestrator/publish"
)

const (
	defaultDeleteThreshold = 36
	defaultStartupTimeout  = 60 * time.Second
	defaultTempDirPrefix   = "telestrator-hls-"
	defaultFrameRate       = 30
	defaultMaxFrameRate    = 60
	defaultHighResCapFPS   = 30
	defaultFrameQueueSize  = 4
	defaultHLSTimeSeconds  = 1
	defaultHLSListSize     = 24
	closeGracePeriod       = 1500 * time.Millisecond
)

var ErrFrameSize = errors.New("frame size does not match the encoder input")

type Options struct {
	FFmpegPath string
	// Width and Height are the size of every pushed frame.
	Width  int
	Height int
	// FrameRate is the output rate. Pushed frames are timestamped by wall
	// clock and duplicated or dropped to reach it.
	FrameRate          int
	HLSDeleteThreshold int
	HLSTimeSeconds     int
	HLSListSize        int
	FrameQueueSize     int
	HardwareEncoder    bool
	StartupTimeout     time.Duration
	TempDirPrefix      string
	// LogOutput receives ffmpeg's stderr.
	LogOutput io.Writer
	Debug     bool
	Logger    *slog.Logger
}

type Session struct {
	dir          string
	playlistPath string
	width        int
	height       int

	cmd        *exec.Cmd
	stdin      io.WriteCloser
	writer     *dropqueue.Writer
	ffmpegDone chan error
	exited     chan struct{}
	stderr     *lockedBuffer

	startupTimeout time.Duration
	logger         *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Start launches ffmpeg reading raw RGBA frames on stdin. Frames are fed
// with Push; the playlist appears once enough of them arrived, see
// WaitReady.
func Start(options *Options) (*Session, error) {
	opts, err := normalizeOptions(options)
	if err != nil {
		return nil, err
	}
	logger := logging.Component(opts.Logger, "hls")

	cleanupOldTempDirs(opts.TempDirPrefix, 12*time.Hour)

	tempDir, err := os.MkdirTemp("", opts.TempDirPrefix)
	if err != nil {
		return nil, fmt.Errorf("hls temp dir: %w", err)
	}
	// Remove the temp dir on setup failure.
	cleanupDir := true
	defer func() {
		if cleanupDir {
			_ = os.RemoveAll(tempDir)
		}
	}()

	fps := targetFPS(opts.FrameRate, opts.Width, opts.Height)
	playlistPath := filepath.Join(tempDir, "playlist.m3u8")

	params := encodeParams{
		filter:         scaleFilter(fps),
		fps:            fps,
		segmentSeconds: opts.HLSTimeSeconds,
		width:          opts.Width,
		height:         opts.Height,
	}
	var plan videoEncoderPlan
	if opts.HardwareEncoder {
		plan = selectVideoEncoder(opts.FFmpegPath, params, logger)
	} else {
		plan = softwareEncoderPlan(params)
		reportEncoderSelection(logger, plan, "hardware_disabled")
	}
	args := ffmpegArgs(opts, fps, plan, tempDir, playlistPath)

	stderrBuf := &lockedBuffer{}
	stderrWriter := io.Writer(stderrBuf)
	if opts.LogOutput != nil {
		stderrWriter = io.MultiWriter(opts.LogOutput, stderrWriter)
	}
	if opts.Debug {
		logger.Debug("ffmpeg command", "path", opts.FFmpegPath, "args", strings.Join(args, " "))
	}

	cmd := exec.Command(opts.FFmpegPath, args...)
	cmd.Stderr = stderrWriter
	processutil.HideConsoleWindow(cmd)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("hls ffmpeg stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("hls ffmpeg start: %w", err)
	}
	cleanupDir = false

	s := &Session{
		dir:            tempDir,
		playlistPath:   playlistPath,
		width:          opts.Width,
		height:         opts.Height,
		cmd:            cmd,
		stdin:          stdin,
		writer:         dropqueue.NewWriter("hls stdin", stdin, opts.FrameQueueSize, logger),
		ffmpegDone:     make(chan error, 1),
		exited:         make(chan struct{}),
		stderr:         stderrBuf,
		startupTimeout: opts.StartupTimeout,
		logger:         logger,
	}
	runtime.SetFinalizer(s, func(sess *Session) {
		_ = sess.Close()
	})

	go func(c *exec.Cmd) {
		err := c.Wait()
		s.ffmpegDone <- err
		close(s.ffmpegDone)
		close(s.exited)
		if err != nil {
			logger.Warn("ffmpeg exited", "err", err, "stderr", stderrBuf.Tail(300))
		}
	}(cmd)

	logger.Info("hls encoder started", "dir", tempDir, "size", fmt.Sprintf("%dx%d", opts.Width, opts.Height), "fps", fps, "encoder", plan.label)
	return s, nil
}

func scaleFilter(fps int) string {
	return fmt.Sprintf(
		"fps=%d,scale='min(1920,iw)':'min(1080,ih)':force_original_aspect_ratio=decrease,scale=trunc(iw/2)*2:trunc(ih/2)*2",
		fps,
	)
}

func ffmpegArgs(opts *Options, fps int, plan videoEncoderPlan, dir, playlistPath string) []string {
	args := []string{
		"-fflags", "nobuffer",
		"-flags", "low_delay",
		"-probesize", "32",
		"-analyzeduration", "0",
		"-use_wallclock_as_timestamps", "1",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", opts.Width, opts.Height),
		"-i", "pipe:0",
	}
	if opts.Debug {
		args = append([]string{"-loglevel", "debug"}, args...)
	}
	args = append(append([]string(nil), plan.globalArgs...), args...)
	args = append(args, "-map", "0:v:0", "-an")
	if strings.TrimSpace(plan.videoFilter) != "" {
		args = append(args, "-vf", plan.videoFilter)
	}
	args = append(args, plan.codecArgs...)
	args = append(args,
		"-r", strconv.Itoa(fps),
		"-f", "hls",
		"-hls_time", strconv.Itoa(opts.HLSTimeSeconds),
		"-hls_list_size", strconv.Itoa(opts.HLSListSize),
		"-hls_allow_cache", "0",
		"-hls_flags", "independent_segments+omit_endlist+delete_segments",
		"-hls_delete_threshold", strconv.Itoa(opts.HLSDeleteThreshold),
		"-hls_segment_filename", filepath.Join(dir, "segment_%03d.ts"),
		playlistPath,
	)
	return args
}

func (s *Session) Name() string {
	return "hls"
}

// Push queues f for the encoder. It never waits on ffmpeg: when the encoder
// falls behind the oldest queued frame is dropped.
func (s *Session) Push(_ context.Context, f *frame.Frame) error {
	if f.Width != s.width || f.Height != s.height {
		return fmt.Errorf("%w: got %dx%d, want %dx%d", ErrFrameSize, f.Width, f.Height, s.width, s.height)
	}
	if f.Format != frame.FormatRGBA {
		return fmt.Errorf("%w: format %s", frame.ErrInvalidFrame, f.Format)
	}
	select {
	case <-s.exited:
		return fmt.Errorf("%w: ffmpeg exited: %s", publish.ErrSinkUnreachable, s.stderr.Tail(200))
	default:
	}
	if err := s.writer.Err(); err != nil {
		return fmt.Errorf("%w: %w", publish.ErrSinkUnreachable, err)
	}
	if !s.writer.Enqueue(f.Packed()) {
		return fmt.Errorf("%w: session closed", publish.ErrSinkUnreachable)
	}
	return nil
}

// WaitReady blocks until the playlist lists a segment with data.
func (s *Session) WaitReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.startupTimeout)
	defer cancel()
	return waitForPlaylistReady(ctx, s.playlistPath, s.dir, s.exited, s.stderr, s.logger)
}

func (s *Session) Dir() string {
	if s == nil {
		return ""
	}
	return s.dir
}

func (s *Session) Done() <-chan error {
	if s == nil {
		return nil
	}
	return s.ffmpegDone
}

func (s *Session) StderrTail(n int) string {
	if s == nil || s.stderr == nil {
		return ""
	}
	return s.stderr.Tail(n)
}

// Close stops feeding ffmpeg, gives it a moment to flush and then kills it.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}

	s.closeOnce.Do(func() {
		runtime.SetFinalizer(s, nil)

		var out error
		s.writer.Close()
		out = errors.Join(out, ignoreClosed(s.stdin.Close()))

		select {
		case <-s.exited:
		case <-time.After(closeGracePeriod):
			if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				out = errors.Join(out, err)
			}
			<-s.exited
		}

		out = errors.Join(out, os.RemoveAll(s.dir))
		s.closeErr = out
		s.logger.Debug("hls session closed", "dropped", s.writer.Dropped(), "err", out)
	})
	return s.closeErr
}

func ignoreClosed(err error) error {
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

func normalizeOptions(options *Options) (*Options, error) {
	if options == nil {
		return nil, errors.New("nil options")
	}
	if strings.TrimSpace(options.FFmpegPath) == "" {
		return nil, errors.New("ffmpeg path is required")
	}
	if options.Width <= 0 || options.Height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrFrameSize, options.Width, options.Height)
	}

	opts := *options
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = defaultStartupTimeout
	}
	if opts.TempDirPrefix == "" {
		opts.TempDirPrefix = defaultTempDirPrefix
	}
	if opts.FrameRate <= 0 {
		opts.FrameRate = defaultFrameRate
	}
	opts.HLSDeleteThreshold = clampOr(opts.HLSDeleteThreshold, defaultDeleteThreshold, 1, 120)
	opts.HLSTimeSeconds = clampOr(opts.HLSTimeSeconds, defaultHLSTimeSeconds, 1, 6)
	opts.HLSListSize = clampOr(opts.HLSListSize, defaultHLSListSize, 3, 120)
	opts.FrameQueueSize = clampOr(opts.FrameQueueSize, defaultFrameQueueSize, 1, 64)
	return &opts, nil
}

// clampOr returns def for zero and v clamped to [lo, hi] otherwise.
func clampOr(v, def, lo, hi int) int {
	if v == 0 {
		return def
	}
	return min(max(v, lo), hi)
}

func targetFPS(fps, width, height int) int {
	if fps <= 0 {
		fps = defaultFrameRate
	}
	if fps > defaultMaxFrameRate {
		fps = defaultMaxFrameRate
	}
	if width*height > 1920*1080 && fps > defaultHighResCapFPS {
		fps = defaultHighResCapFPS
	}
	return fps
}

func waitForPlaylistReady(ctx context.Context, path, baseDir string, exited <-chan struct{}, ffmpegStderr *lockedBuffer, logger *slog.Logger) error {
	t := time.NewTicker(150 * time.Millisecond)
	defer t.Stop()
	diagT := time.NewTicker(2 * time.Second)
	defer diagT.Stop()

	for {
		select {
		case <-exited:
			return fmt.Errorf("hls ffmpeg exited before the playlist was ready: %s", ffmpegStderr.Tail(300))
		case <-ctx.Done():
			return fmt.Errorf("hls stream not initialized: %w: %s", ctx.Err(), ffmpegStderr.Tail(300))
		case <-diagT.C:
			if info, err := os.Stat(path); err != nil {
				logger.Debug("waiting for playlist", "playlist", path, "err", err)
			} else {
				logger.Debug("waiting for playlist", "playlist", path, "bytes", info.Size(), "mtime", info.ModTime())
			}
		case <-t.C:
			if playlistReady(path, baseDir) {
				logger.Debug("playlist ready", "playlist", path)
				return nil
			}
		}
	}
}

func playlistReady(path, baseDir string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		info, statErr := os.Stat(filepath.Join(baseDir, line))
		if statErr == nil && !info.IsDir() && info.Size() > 0 {
			return true
		}
	}

	return false
}

func cleanupOldTempDirs(prefix string, maxAge time.Duration) {
	if prefix == "" {
		prefix = defaultTempDirPrefix
	}

	matches, err := filepath.Glob(filepath.Join(os.TempDir(), prefix+"*"))
	if err != nil {
		return
	}

	for _, dir := range matches {
		info, statErr := os.Stat(dir)
		if statErr != nil || !info.IsDir() {
			continue
		}
		if time.Since(info.ModTime()) < maxAge {
			continue
		}
		_ = os.RemoveAll(dir)
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Tail(n int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return tailString(strings.TrimSpace(b.buf.String()), n)
}
