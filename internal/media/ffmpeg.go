package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrEngineFailed wraps every non-zero exit of the encoding engine.
var ErrEngineFailed = errors.New("transcoding engine failed")

// Request describes one per-profile engine invocation.
type Request struct {
	Input     string
	OutputDir string
	Profile   Profile
}

// PlaylistPath is the media playlist the invocation produces.
func (r Request) PlaylistPath() string {
	return filepath.Join(r.OutputDir, r.Profile.PlaylistName())
}

// SegmentPath is the segment naming pattern passed to the engine.
func (r Request) SegmentPath() string {
	return filepath.Join(r.OutputDir, r.Profile.SegmentPattern())
}

// Engine produces one profile's segmented stream from a local source file.
type Engine interface {
	Transcode(ctx context.Context, req Request) error
}

// FFmpeg runs the ffmpeg binary once per request.
type FFmpeg struct {
	// Binary defaults to "ffmpeg" resolved through PATH.
	Binary string
	Logger *slog.Logger
	// OnStart, when set, receives the full command line before the process
	// is started.
	OnStart func(profile Profile, command string)
}

const (
	segmentSeconds = 6
	gopFrames      = 60
	audioRate      = 48000
	constantRate   = 20
	stderrTail     = 20
	waitDelay      = 2 * time.Second
)

// BuildArgs returns the ffmpeg argument list for a request. The output
// playlist is always the final argument.
func BuildArgs(req Request) []string {
	p := req.Profile
	return []string{
		"-y",
		"-i", req.Input,
		"-vf", fmt.Sprintf("scale=w=%d:h=%d", p.Width, p.Height),
		"-c:a", "aac",
		"-ar", strconv.Itoa(audioRate),
		"-c:v", "h264",
		"-profile:v", "main",
		"-crf", strconv.Itoa(constantRate),
		"-sc_threshold", "0",
		"-g", strconv.Itoa(gopFrames),
		"-keyint_min", strconv.Itoa(gopFrames),
		"-b:v", fmt.Sprintf("%dk", p.Bitrate),
		"-maxrate", fmt.Sprintf("%dk", p.MaxRate()),
		"-bufsize", fmt.Sprintf("%dk", p.BufSize()),
		"-hls_time", strconv.Itoa(segmentSeconds),
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", req.SegmentPath(),
		req.PlaylistPath(),
	}
}

// Transcode runs ffmpeg for a single profile and blocks until it exits.
// The output directory is created when missing.
func (f *FFmpeg) Transcode(ctx context.Context, req Request) error {
	if strings.TrimSpace(req.Input) == "" {
		return fmt.Errorf("input path is required")
	}
	if strings.TrimSpace(req.OutputDir) == "" {
		return fmt.Errorf("output directory is required")
	}
	if err := req.Profile.validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	binary := strings.TrimSpace(f.Binary)
	if binary == "" {
		binary = "ffmpeg"
	}
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("profile", req.Profile.Name)

	args := BuildArgs(req)
	cmd := exec.CommandContext(ctx, binary, args...)
	stderr := newLogWriter(logger, "stderr", stderrTail)
	cmd.Stdout = newLogWriter(logger, "stdout", 0)
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay

	command := binary + " " + strings.Join(args, " ")
	if f.OnStart != nil {
		f.OnStart(req.Profile, command)
	}
	logger.Info("ffmpeg started", "command", command)

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("ffmpeg %s: %w", req.Profile.Name, ctxErr)
		}
		tail := stderr.Tail()
		if tail != "" {
			return fmt.Errorf("%w: %s: %v: %s", ErrEngineFailed, req.Profile.Name, err, tail)
		}
		return fmt.Errorf("%w: %s: %v", ErrEngineFailed, req.Profile.Name, err)
	}
	logger.Info("ffmpeg completed", "duration_ms", time.Since(start).Milliseconds())
	return nil
}
