package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ProbeResult summarizes the streams of a source file as reported by ffprobe.
type ProbeResult struct {
	Duration   time.Duration
	Width      int
	Height     int
	HasAudio   bool
	VideoCodec string
	Format     string
}

// Runner abstracts the ffmpeg and ffprobe binaries so the pipeline can be
// exercised in tests without real media.
type Runner interface {
	Probe(ctx context.Context, input string) (ProbeResult, error)
	Transcode(ctx context.Context, args []string) error
}

// ExecRunner shells out to ffmpeg and ffprobe.
type ExecRunner struct {
	FFmpegPath  string
	FFprobePath string
	Logger      *slog.Logger
}

// NewExecRunner builds an ExecRunner resolving binaries from PATH when no
// explicit paths are given.
func NewExecRunner(logger *slog.Logger) *ExecRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{
		FFmpegPath:  "ffmpeg",
		FFprobePath: "ffprobe",
		Logger:      logger,
	}
}

type probePayload struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
}

// Probe runs ffprobe against the input and decodes its JSON report.
func (r *ExecRunner) Probe(ctx context.Context, input string) (ProbeResult, error) {
	cmd := exec.CommandContext(ctx, r.FFprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		input,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return ProbeResult{}, fmt.Errorf("ffprobe %s: %w: %s", input, err, strings.TrimSpace(stderr.String()))
	}

	var payload probePayload
	if err := json.Unmarshal(stdout.Bytes(), &payload); err != nil {
		return ProbeResult{}, fmt.Errorf("decode ffprobe output for %s: %w", input, err)
	}

	result := ProbeResult{Format: payload.Format.FormatName}
	if payload.Format.Duration != "" {
		seconds, err := strconv.ParseFloat(payload.Format.Duration, 64)
		if err != nil {
			return ProbeResult{}, fmt.Errorf("parse duration %q: %w", payload.Format.Duration, err)
		}
		result.Duration = time.Duration(seconds * float64(time.Second))
	}
	for _, stream := range payload.Streams {
		switch stream.CodecType {
		case "video":
			if result.VideoCodec == "" {
				result.VideoCodec = stream.CodecName
				result.Width = stream.Width
				result.Height = stream.Height
			}
		case "audio":
			result.HasAudio = true
		}
	}
	if result.VideoCodec == "" {
		return ProbeResult{}, fmt.Errorf("no video stream in %s", input)
	}
	return result, nil
}

// Transcode runs ffmpeg with the given arguments, streaming its stderr chatter
// to the logger at debug level.
func (r *ExecRunner) Transcode(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, r.FFmpegPath, args...)
	cmd.Stdout = newLogWriter(r.Logger, "stdout")
	cmd.Stderr = newLogWriter(r.Logger, "stderr")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg %s: %w", strings.Join(args, " "), err)
	}
	return nil
}

type logWriter struct {
	logger *slog.Logger
	stream string
}

func newLogWriter(logger *slog.Logger, stream string) *logWriter {
	return &logWriter{logger: logger, stream: stream}
}

func (w *logWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		var line []byte
		if idx == -1 {
			line = p
			p = nil
		} else {
			line = p[:idx]
			p = p[idx+1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		w.logger.Debug("ffmpeg", "stream", w.stream, "line", string(line))
	}
	return total, nil
}
