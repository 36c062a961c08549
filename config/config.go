// Package config reads the service configuration from TELESTRATOR_*
// environment variables.
package config

import (
	"fmt"
	"image/color"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"go2tv.app/telestrator/compositor"
	"go2tv.app/telestrator/ink"
	"go2tv.app/telestrator/screenshot"
)

const Prefix = "TELESTRATOR_"

type Config struct {
	Target        string `env:"TARGET" envDefault:"test:pattern"`
	Width         int    `env:"WIDTH" envDefault:"1280"`
	Height        int    `env:"HEIGHT" envDefault:"720"`
	CaptureWidth  int    `env:"CAPTURE_WIDTH"`
	CaptureHeight int    `env:"CAPTURE_HEIGHT"`
	CaptureFPS    int    `env:"CAPTURE_FPS" envDefault:"30"`

	IdleCadence   time.Duration `env:"IDLE_CADENCE" envDefault:"250ms"`
	ActiveCadence time.Duration `env:"ACTIVE_CADENCE" envDefault:"10ms"`

	Background        string  `env:"BACKGROUND" envDefault:"transparent"`
	ChromaColor       string  `env:"CHROMA_COLOR" envDefault:"#00b140"`
	PenColor          string  `env:"PEN_COLOR" envDefault:"#e51c23"`
	PenThickness      float64 `env:"PEN_THICKNESS" envDefault:"2"`
	ArtifactTolerance float64 `env:"ARTIFACT_TOLERANCE" envDefault:"1"`

	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":8090"`
	HLSEnabled  bool   `env:"HLS_ENABLED" envDefault:"true"`
	FFmpegPath  string `env:"FFMPEG_PATH" envDefault:"ffmpeg"`
	HLSTime     int    `env:"HLS_TIME" envDefault:"1"`
	HLSListSize int    `env:"HLS_LIST_SIZE" envDefault:"24"`
	MDNSEnabled bool   `env:"MDNS_ENABLED" envDefault:"true"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"telestrator"`

	InkDir      string `env:"INK_DIR" envDefault:"ink"`
	HistoryPath string `env:"HISTORY_PATH" envDefault:"telestrator-history.db"`
	QuickSave   bool   `env:"QUICK_SAVE"`
	HistoryKeep int    `env:"HISTORY_KEEP" envDefault:"50"`

	ScreenshotDir    string `env:"SCREENSHOT_DIR" envDefault:"screenshots"`
	ScreenshotFormat string `env:"SCREENSHOT_FORMAT" envDefault:"png"`
	JPEGQuality      int    `env:"JPEG_QUALITY" envDefault:"90"`

	OTelEnabled  bool   `env:"OTEL_ENABLED"`
	OTelEndpoint string `env:"OTEL_ENDPOINT" envDefault:"http://localhost:4318"`

	Debug     bool   `env:"DEBUG"`
	DebugFile string `env:"DEBUG_FILE"`

	// Parsed forms of the string settings above, filled by Load.
	Pen    color.NRGBA       `env:"-"`
	Chroma color.NRGBA       `env:"-"`
	Fill   color.NRGBA       `env:"-"`
	Format screenshot.Format `env:"-"`
}

// Load parses the process environment and normalizes the result.
func Load() (*Config, error) {
	return parse(env.Options{Prefix: Prefix})
}

// LoadFrom is Load over an explicit environment instead of the process one.
func LoadFrom(environ map[string]string) (*Config, error) {
	return parse(env.Options{Prefix: Prefix, Environment: environ})
}

func parse(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() error {
	c.Target = strings.TrimSpace(c.Target)
	if c.Target == "" {
		return fmt.Errorf("%sTARGET is empty", Prefix)
	}

	c.Width = clampDefault(c.Width, 1280, 16, 7680)
	c.Height = clampDefault(c.Height, 720, 16, 4320)
	if c.CaptureWidth < 0 || c.CaptureHeight < 0 {
		c.CaptureWidth, c.CaptureHeight = 0, 0
	}
	c.CaptureFPS = clampDefault(c.CaptureFPS, 30, 1, 120)

	c.ActiveCadence = clampDuration(c.ActiveCadence, 10*time.Millisecond, time.Millisecond, time.Second)
	c.IdleCadence = clampDuration(c.IdleCadence, 250*time.Millisecond, c.ActiveCadence, 10*time.Second)

	var err error
	if c.Pen, err = ink.ParseColor(c.PenColor); err != nil {
		return fmt.Errorf("%sPEN_COLOR: %w", Prefix, err)
	}
	if c.Chroma, err = ink.ParseColor(c.ChromaColor); err != nil {
		return fmt.Errorf("%sCHROMA_COLOR: %w", Prefix, err)
	}
	if c.Fill, err = compositor.ParseBackground(c.Background, c.Chroma); err != nil {
		return fmt.Errorf("%sBACKGROUND: %w", Prefix, err)
	}
	c.PenThickness = ink.ClampThickness(c.PenThickness)
	if c.ArtifactTolerance < 0 {
		c.ArtifactTolerance = 0
	}

	c.HLSTime = clampDefault(c.HLSTime, 1, 1, 6)
	c.HLSListSize = clampDefault(c.HLSListSize, 24, 3, 120)
	if strings.TrimSpace(c.ServiceName) == "" {
		c.ServiceName = "telestrator"
	}
	if c.HistoryKeep < 0 {
		c.HistoryKeep = 0
	}

	if c.Format, err = screenshot.ParseFormat(c.ScreenshotFormat); err != nil {
		return fmt.Errorf("%sSCREENSHOT_FORMAT: %w", Prefix, err)
	}
	c.JPEGQuality = clampDefault(c.JPEGQuality, screenshot.DefaultJPEGQuality, 1, 100)
	return nil
}

// clampDefault maps zero to def and clamps everything else to [lo, hi].
func clampDefault(v, def, lo, hi int) int {
	if v == 0 {
		return def
	}
	return min(max(v, lo), hi)
}

func clampDuration(v, def, lo, hi time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return min(max(v, lo), hi)
}
