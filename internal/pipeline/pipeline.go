// Package pipeline turns a merged upload into its delivery artifacts: a
// poster frame, a fixed ladder of H.264 renditions, and a DASH manifest tying
// the renditions together. All artifacts land next to the source file under
// the media root; reported URLs are relative to that root.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"vodworks/internal/models"
)

// posterLateOffset is used when the source is long enough to have moved past
// any leading black frames or title cards.
const (
	posterLateOffset   = "00:01:00"
	posterEarlyOffset  = "00:00:00"
	posterMinDuration  = time.Minute
	dashSegmentSeconds = "5"
)

// Transform optionally rewrites the source file before renditions are encoded
// (for example a defogging pass on underwater footage). It returns the path
// to use as encode input, which may be the original path unchanged.
type Transform func(ctx context.Context, sourcePath string) (string, error)

// Job identifies one source file to process.
type Job struct {
	VideoID     string
	ContentHash string
	SourcePath  string
}

// RenditionOutput is one encoded rung of the ladder.
type RenditionOutput struct {
	Resolution string
	Path       string
	URL        string
}

// Result carries everything the runner persists onto the video record.
type Result struct {
	Duration     time.Duration
	HasAudio     bool
	PosterPath   string
	PosterURL    string
	Renditions   []RenditionOutput
	ManifestPath string
	ManifestURL  string
	Resolutions  []string
	Phases       []models.Phase
}

// Config wires a Pipeline. Runner and MediaRoot are required; Renditions
// defaults to the standard ladder and Transform to none.
type Config struct {
	Runner     Runner
	MediaRoot  string
	Renditions []models.Rendition
	Transform  Transform
	Logger     *slog.Logger
}

// Pipeline orchestrates probe, poster, rendition, and packaging steps.
type Pipeline struct {
	runner     Runner
	mediaRoot  string
	renditions []models.Rendition
	transform  Transform
	logger     *slog.Logger
	now        func() time.Time
}

// New validates the config and returns a ready Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("pipeline: runner is required")
	}
	if strings.TrimSpace(cfg.MediaRoot) == "" {
		return nil, fmt.Errorf("pipeline: media root is required")
	}
	absRoot, err := filepath.Abs(cfg.MediaRoot)
	if err != nil {
		return nil, fmt.Errorf("pipeline: resolve media root: %w", err)
	}
	renditions := cfg.Renditions
	if len(renditions) == 0 {
		renditions = models.DefaultRenditions()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		runner:     cfg.Runner,
		mediaRoot:  absRoot,
		renditions: renditions,
		transform:  cfg.Transform,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// Resolutions returns the ladder's resolutions in encode order.
func (p *Pipeline) Resolutions() []string {
	out := make([]string, len(p.renditions))
	for i, r := range p.renditions {
		out[i] = r.Resolution
	}
	return out
}

// Process runs the full pipeline for one job. An unreadable source is a fatal
// error; encoding or packaging failures are returned as-is so the runner can
// retry them.
func (p *Pipeline) Process(ctx context.Context, job Job) (*Result, error) {
	if strings.TrimSpace(job.SourcePath) == "" {
		return nil, Fatal(fmt.Errorf("source path is required"))
	}
	logger := p.logger.With("videoId", job.VideoID, "contentHash", job.ContentHash)
	result := &Result{Resolutions: p.Resolutions()}
	result.addPhase(p.now(), "transcode started")

	probe, err := p.runner.Probe(ctx, job.SourcePath)
	if err != nil {
		// A source ffprobe cannot read will never become readable on retry.
		return nil, Fatal(fmt.Errorf("probe source: %w", err))
	}
	result.Duration = probe.Duration
	result.HasAudio = probe.HasAudio
	logger.Info("probed source",
		"duration", probe.Duration.String(),
		"codec", probe.VideoCodec,
		"hasAudio", probe.HasAudio,
	)

	dir := filepath.Dir(job.SourcePath)
	posterPath := filepath.Join(dir, job.ContentHash+"_poster.png")
	if err := p.capturePoster(ctx, job.SourcePath, posterPath, probe.Duration); err != nil {
		return nil, fmt.Errorf("capture poster: %w", err)
	}
	result.PosterPath = posterPath
	result.PosterURL = p.relURL(posterPath)
	result.addPhase(p.now(), "poster captured")

	encodeInput := job.SourcePath
	if p.transform != nil {
		transformed, err := p.transform(ctx, job.SourcePath)
		if err != nil {
			return nil, fmt.Errorf("transform source: %w", err)
		}
		if strings.TrimSpace(transformed) != "" {
			encodeInput = transformed
		}
		result.addPhase(p.now(), "transform applied")
	}

	outputs, err := p.encodeRenditions(ctx, encodeInput, dir, job.ContentHash, probe.HasAudio)
	if err != nil {
		return nil, fmt.Errorf("encode renditions: %w", err)
	}
	for i := range outputs {
		outputs[i].URL = p.relURL(outputs[i].Path)
	}
	result.Renditions = outputs
	result.addPhase(p.now(), fmt.Sprintf("%d renditions encoded", len(outputs)))

	manifestPath, err := p.packageDASH(ctx, dir, job.ContentHash, outputs, probe.HasAudio)
	if err != nil {
		return nil, fmt.Errorf("package dash: %w", err)
	}
	result.ManifestPath = manifestPath
	result.ManifestURL = p.relURL(manifestPath)
	result.addPhase(p.now(), "dash packaged")

	logger.Info("transcode complete", "manifest", result.ManifestURL)
	return result, nil
}

func (p *Pipeline) capturePoster(ctx context.Context, source, posterPath string, duration time.Duration) error {
	offset := posterEarlyOffset
	if duration >= posterMinDuration {
		offset = posterLateOffset
	}
	args := []string{
		"-y",
		"-ss", offset,
		"-i", source,
		"-vframes", "1",
		posterPath,
	}
	return p.runner.Transcode(ctx, args)
}

func (p *Pipeline) encodeRenditions(ctx context.Context, source, dir, hash string, hasAudio bool) ([]RenditionOutput, error) {
	outputs := make([]RenditionOutput, len(p.renditions))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, rendition := range p.renditions {
		outputs[i] = RenditionOutput{
			Resolution: rendition.Resolution,
			Path:       filepath.Join(dir, fmt.Sprintf("%s_%s.mp4", hash, rendition.Resolution)),
		}
		out := outputs[i].Path
		r := rendition
		group.Go(func() error {
			args := []string{
				"-y",
				"-i", source,
				"-vf", fmt.Sprintf("scale=%s,setdar=16/9", strings.Replace(r.Resolution, "x", ":", 1)),
				"-c:v", "libx264",
				"-b:v", r.Bitrate,
			}
			if hasAudio {
				args = append(args, "-c:a", "aac")
			} else {
				args = append(args, "-an")
			}
			args = append(args, out)
			if err := p.runner.Transcode(groupCtx, args); err != nil {
				return fmt.Errorf("rendition %s: %w", r.Resolution, err)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return outputs, nil
}

func (p *Pipeline) packageDASH(ctx context.Context, dir, hash string, renditions []RenditionOutput, hasAudio bool) (string, error) {
	dashDir := filepath.Join(dir, "dash_"+hash)
	if err := os.MkdirAll(dashDir, 0o755); err != nil {
		return "", fmt.Errorf("prepare dash dir: %w", err)
	}
	manifest := filepath.Join(dashDir, "stream.mpd")

	args := []string{"-y"}
	for _, r := range renditions {
		args = append(args, "-i", r.Path)
	}
	for i := range renditions {
		args = append(args, "-map", fmt.Sprintf("%d:v", i))
	}
	adaptationSets := "id=0,streams=v"
	if hasAudio {
		// One shared audio adaptation set sourced from the top rendition.
		args = append(args, "-map", "0:a")
		adaptationSets = "id=0,streams=v id=1,streams=a"
	}
	args = append(args,
		"-c:v", "copy",
	)
	if hasAudio {
		args = append(args, "-c:a", "aac")
	}
	args = append(args,
		"-f", "dash",
		"-seg_duration", dashSegmentSeconds,
		"-adaptation_sets", adaptationSets,
		manifest,
	)
	if err := p.runner.Transcode(ctx, args); err != nil {
		return "", err
	}
	return manifest, nil
}

// relURL renders a path relative to the media root with forward slashes, the
// form stored on records and served to clients. Paths outside the root fall
// back to their basename.
func (p *Pipeline) relURL(path string) string {
	rel, err := filepath.Rel(p.mediaRoot, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.Base(path)
	}
	return filepath.ToSlash(rel)
}

func (r *Result) addPhase(at time.Time, text string) {
	r.Phases = append(r.Phases, models.Phase{Time: at.Unix(), Text: text})
}
