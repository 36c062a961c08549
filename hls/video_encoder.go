package hls

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"go2tv.app/telestrator/internal/processutil"
)

const (
	encoderProbeTimeout = 5 * time.Second

	minBitrateKbps = 1500
	maxBitrateKbps = 12000
)

// encodeParams is what every encoder plan is derived from.
type encodeParams struct {
	// filter is the scale and fps chain applied before any pixel format
	// conversion an encoder needs.
	filter         string
	fps            int
	segmentSeconds int
	width, height  int
}

// gop puts exactly one keyframe at each segment boundary.
func (p encodeParams) gop() string {
	return strconv.Itoa(p.fps * p.segmentSeconds)
}

// bitrateKbps scales with pixels per second: about 0.1 bits per pixel,
// which keeps thin ink lines crisp at 720p30.
func (p encodeParams) bitrateKbps() int {
	pixels := p.width * p.height * p.fps
	return min(max(pixels/10_000, minBitrateKbps), maxBitrateKbps)
}

func (p encodeParams) rateControl() []string {
	rate := p.bitrateKbps()
	return []string{
		"-b:v", fmt.Sprintf("%dk", rate),
		"-maxrate", fmt.Sprintf("%dk", rate*5/4),
		"-bufsize", fmt.Sprintf("%dk", rate*5/2),
		"-g", p.gop(),
		"-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%d)", p.segmentSeconds),
	}
}

type videoEncoderPlan struct {
	label       string
	codec       string
	hardware    bool
	globalArgs  []string
	videoFilter string
	codecArgs   []string
}

// hardwareEncoder describes one hardware H.264 encoder ffmpeg may offer.
type hardwareEncoder struct {
	codec string
	// pixFmt is the upload format the encoder accepts.
	pixFmt string
	// device is a VAAPI render node, or empty.
	device string
}

func (e hardwareEncoder) plan(p encodeParams) videoEncoderPlan {
	plan := videoEncoderPlan{
		label:       e.codec,
		codec:       e.codec,
		hardware:    true,
		videoFilter: p.filter + ",format=" + e.pixFmt,
		codecArgs:   append([]string{"-c:v", e.codec}, p.rateControl()...),
	}
	if e.device != "" {
		plan.label = fmt.Sprintf("%s (%s)", e.codec, e.device)
		plan.globalArgs = []string{"-vaapi_device", e.device}
		plan.videoFilter += ",hwupload"
	}
	return plan
}

func softwareEncoderPlan(p encodeParams) videoEncoderPlan {
	args := []string{
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-pix_fmt", "yuv420p",
		"-keyint_min", p.gop(),
		"-sc_threshold", "0",
	}
	return videoEncoderPlan{
		label:       "libx264",
		codec:       "libx264",
		videoFilter: p.filter,
		codecArgs:   append(args, p.rateControl()...),
	}
}

// hardwareEncoderCandidates lists plans in preference order for goos.
func hardwareEncoderCandidates(goos string, renderNodes []string, p encodeParams) []videoEncoderPlan {
	var encoders []hardwareEncoder
	switch goos {
	case "darwin":
		encoders = []hardwareEncoder{{codec: "h264_videotoolbox", pixFmt: "yuv420p"}}
	case "windows":
		encoders = []hardwareEncoder{
			{codec: "h264_nvenc", pixFmt: "yuv420p"},
			{codec: "h264_amf", pixFmt: "yuv420p"},
			{codec: "h264_qsv", pixFmt: "nv12"},
		}
	default:
		encoders = []hardwareEncoder{{codec: "h264_nvenc", pixFmt: "yuv420p"}}
		for _, dev := range renderNodes {
			encoders = append(encoders, hardwareEncoder{codec: "h264_vaapi", pixFmt: "nv12", device: dev})
		}
		encoders = append(encoders, hardwareEncoder{codec: "h264_qsv", pixFmt: "nv12"})
	}

	plans := make([]videoEncoderPlan, 0, len(encoders))
	for _, e := range encoders {
		plans = append(plans, e.plan(p))
	}
	return plans
}

// selectVideoEncoder picks the first hardware encoder ffmpeg lists that
// also survives a short probe encode, falling back to libx264.
func selectVideoEncoder(ffmpegPath string, p encodeParams, logger *slog.Logger) videoEncoderPlan {
	software := softwareEncoderPlan(p)
	renderNodes, _ := filepath.Glob("/dev/dri/renderD*")
	candidates := hardwareEncoderCandidates(runtime.GOOS, renderNodes, p)

	if _, err := exec.LookPath(ffmpegPath); err != nil {
		reportEncoderSelection(logger, software, "ffmpeg_not_found")
		return software
	}
	listed, err := ffmpegEncoderSet(ffmpegPath)
	if err != nil {
		logger.Debug("listing ffmpeg encoders failed, probing every candidate", "err", err)
	}

	for _, c := range candidates {
		if listed != nil {
			if _, ok := listed[c.codec]; !ok {
				continue
			}
		}
		if err := probeVideoEncoder(ffmpegPath, c, p); err != nil {
			logger.Debug("encoder probe failed", "encoder", c.label, "err", err)
			continue
		}
		reportEncoderSelection(logger, c, "")
		return c
	}
	reportEncoderSelection(logger, software, "no_working_hardware_encoder")
	return software
}

func reportEncoderSelection(logger *slog.Logger, plan videoEncoderPlan, reason string) {
	attrs := []any{"encoder", plan.label, "hardware", plan.hardware}
	if reason != "" {
		attrs = append(attrs, "reason", reason)
	}
	logger.Info("video encoder selected", attrs...)
}

func ffmpegEncoderSet(ffmpegPath string) (map[string]struct{}, error) {
	ctx, cancel := context.WithTimeout(context.Background(), encoderProbeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, ffmpegPath, "-hide_banner", "-encoders")
	processutil.HideConsoleWindow(cmd)
	out, err := cmd.Output()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("ffmpeg -encoders: %w", ctx.Err())
	}
	if err != nil {
		return nil, fmt.Errorf("ffmpeg -encoders: %w", err)
	}
	return parseEncoderList(string(out)), nil
}

// parseEncoderList picks video encoder names out of `ffmpeg -encoders`,
// whose rows look like " V....D h264_nvenc  NVIDIA NVENC H.264 encoder".
func parseEncoderList(out string) map[string]struct{} {
	encoders := make(map[string]struct{})
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[1] == "=" {
			continue
		}
		if strings.HasPrefix(fields[0], "V") && strings.Contains(fields[0], ".") {
			encoders[fields[1]] = struct{}{}
		}
	}
	return encoders
}

// probeVideoEncoder encodes a few black frames of the real output size to
// the null muxer.
func probeVideoEncoder(ffmpegPath string, plan videoEncoderPlan, p encodeParams) error {
	ctx, cancel := context.WithTimeout(context.Background(), encoderProbeTimeout)
	defer cancel()

	args := append([]string{"-v", "error", "-nostdin"}, plan.globalArgs...)
	args = append(args,
		"-f", "lavfi",
		"-i", fmt.Sprintf("color=c=black:s=%dx%d:r=%d:d=0.5", p.width, p.height, p.fps),
		"-an", "-frames:v", "8",
		"-vf", plan.videoFilter,
	)
	args = append(args, plan.codecArgs...)
	args = append(args, "-f", "null", "-")

	cmd := exec.CommandContext(ctx, ffmpegPath, args...)
	processutil.HideConsoleWindow(cmd)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if ctx.Err() != nil {
		return fmt.Errorf("probe: %w", ctx.Err())
	}
	if err != nil {
		return fmt.Errorf("probe: %w: %s", err, tailString(strings.TrimSpace(out.String()), 240))
	}
	return nil
}

func tailString(input string, max int) string {
	if input == "" {
		return "no ffmpeg stderr output"
	}
	if max <= 0 || len(input) <= max {
		return input
	}
	return input[len(input)-max:]
}
