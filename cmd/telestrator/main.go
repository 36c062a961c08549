// Command telestrator captures a window or display, draws live ink over
// it and publishes the result as HLS and as a websocket feed.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gogpu/gg"

	"go2tv.app/telestrator/capture"
	_ "go2tv.app/telestrator/capture/gstsrc"
	_ "go2tv.app/telestrator/capture/testsrc"
	"go2tv.app/telestrator/compositor"
	"go2tv.app/telestrator/config"
	"go2tv.app/telestrator/control"
	"go2tv.app/telestrator/discovery"
	"go2tv.app/telestrator/hls"
	"go2tv.app/telestrator/ink"
	"go2tv.app/telestrator/inkstore"
	"go2tv.app/telestrator/internal/logging"
	"go2tv.app/telestrator/internal/telemetry"
	"go2tv.app/telestrator/publish"
	"go2tv.app/telestrator/screenshot"
	"go2tv.app/telestrator/wsfeed"
)

const shutdownTimeout = 3 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "telestrator: %v\n", err)
		os.Exit(2)
	}
	logger := logging.New(logging.Options{Debug: cfg.Debug, DebugFile: cfg.DebugFile})
	slog.SetDefault(logger)
	gg.SetLogger(logging.Component(logger, "gg"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("telestrator stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Options{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: cfg.ServiceName,
	})
	if err != nil {
		logger.Warn("tracing disabled", "err", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	store := ink.NewStore()
	store.CreateLayer()

	// sched is assigned before anything can deliver input or commands,
	// which only start once the HTTP server is serving.
	var sched *publish.Scheduler
	machine := ink.NewMachine(store,
		ink.WithArtifactTolerance(cfg.ArtifactTolerance),
		ink.WithAttributes(ink.Attributes{Color: cfg.Pen, Thickness: cfg.PenThickness}),
		ink.WithGestureHook(func(open bool) {
			if sched != nil {
				sched.SetGestureOpen(open)
			}
		}),
	)

	comp := compositor.New(compositor.Options{
		Width:  cfg.Width,
		Height: cfg.Height,
		Fill:   cfg.Fill,
		Logger: logger,
	})

	var history *inkstore.History
	if cfg.HistoryPath != "" {
		history, err = inkstore.OpenHistory(ctx, cfg.HistoryPath)
		if err != nil {
			return err
		}
		defer history.Close()
		if cfg.QuickSave {
			saver := inkstore.StartQuickSave(store, history, cfg.HistoryKeep, logger)
			defer saver.Close()
		}
	}

	var latest capture.Latest
	if src := startCapture(ctx, cfg, &latest, logger); src != nil {
		defer src.Stop()
	}

	ctrlOpts := control.Options{
		Store:  store,
		Pen:    machine,
		InkDir: cfg.InkDir,
		Screenshot: func(context.Context) (string, error) {
			return takeScreenshot(cfg, store, comp, sched)
		},
		Background: func(mode string) error {
			fill, err := compositor.ParseBackground(mode, cfg.Chroma)
			if err != nil {
				return err
			}
			comp.SetFill(fill)
			return nil
		},
		Logger: logger,
	}
	if history != nil {
		ctrlOpts.History = history
	}
	ctrl, err := control.New(ctrlOpts)
	if err != nil {
		return err
	}

	hub := wsfeed.NewHub(wsfeed.HubOptions{
		Quality:  cfg.JPEGQuality,
		Commands: ctrl,
		Pointer:  machine,
		Logger:   logger,
	})
	defer hub.Close()
	sinks := []publish.Sink{hub}

	var hlsSession *hls.Session
	if cfg.HLSEnabled {
		hlsSession, err = hls.Start(&hls.Options{
			FFmpegPath:      cfg.FFmpegPath,
			Width:           cfg.Width,
			Height:          cfg.Height,
			FrameRate:       cfg.CaptureFPS,
			HLSTimeSeconds:  cfg.HLSTime,
			HLSListSize:     cfg.HLSListSize,
			HardwareEncoder: true,
			Debug:           cfg.Debug,
			Logger:          logger,
		})
		if err != nil {
			logger.Warn("hls output disabled", "err", err)
		} else {
			defer hlsSession.Close()
			sinks = append(sinks, hlsSession)
		}
	}

	sched, err = publish.New(publish.Options{
		Ink:           store,
		Renderer:      comp,
		Latest:        &latest,
		Sinks:         sinks,
		IdleCadence:   cfg.IdleCadence,
		ActiveCadence: cfg.ActiveCadence,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer sched.Close()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}
	srv := &http.Server{
		Handler: newMux(muxOptions{
			Hub:        hub,
			HLS:        hlsSession,
			Controller: ctrl,
			Scheduler:  sched,
			Debug:      cfg.Debug,
			Logger:     logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	logger.Info("serving", "addr", ln.Addr().String(), "feed", discovery.DefaultPath, "hls", hlsSession != nil)

	if cfg.MDNSEnabled {
		adv, err := discovery.Advertise(discovery.AdvertiseOptions{
			Port:   ln.Addr().(*net.TCPAddr).Port,
			Path:   discovery.DefaultPath,
			Logger: logger,
		})
		if err != nil {
			logger.Warn("mdns advertisement disabled", "err", err)
		} else {
			defer adv.Close()
		}
	}

	go func() {
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("scheduler stopped", "err", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	}

	// Hijacked websocket connections are not covered by Shutdown.
	_ = hub.Close()
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}

// startCapture binds the configured target. A target that cannot be opened
// is logged and the pipeline publishes ink over the fill colour instead.
func startCapture(ctx context.Context, cfg *config.Config, latest *capture.Latest, logger *slog.Logger) *capture.Session {
	target, err := capture.ParseTarget(cfg.Target)
	if err != nil {
		logger.Warn("capture disabled", "err", err)
		return nil
	}
	sess, err := capture.Start(ctx, target,
		capture.WithSize(cfg.CaptureWidth, cfg.CaptureHeight),
		capture.WithFrameRate(cfg.CaptureFPS),
		capture.WithLatest(latest),
		capture.WithLogger(logger),
		capture.WithEndHook(func(err error) {
			logger.Warn("capture ended, publishing over the fill colour", "target", target.String(), "err", err)
		}),
	)
	if err != nil {
		logger.Warn("capture disabled", "target", target.String(), "schemes", capture.Schemes(), "err", err)
		return nil
	}
	return sess
}

// takeScreenshot exports the last published frame, or renders one when
// nothing has been published yet.
func takeScreenshot(cfg *config.Config, store *ink.Store, comp *compositor.Compositor, sched *publish.Scheduler) (string, error) {
	snap := store.Snapshot()
	out, bg := sched.Last()
	if out == nil {
		var err error
		if out, err = comp.Render(snap, nil); err != nil {
			return "", err
		}
	}
	return screenshot.Save(cfg.ScreenshotDir, screenshot.Shot{
		Frame:      out,
		Background: bg,
		Fill:       comp.Fill(),
		Ink:        snap,
	}, cfg.Format, screenshot.Options{Quality: cfg.JPEGQuality})
}
