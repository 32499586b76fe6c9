package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mediaguard/mediaguard/moderation/embedding"
	"github.com/mediaguard/mediaguard/moderation/frames"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

type MediaKind string

const (
	KindImage MediaKind = "image"
	KindVideo MediaKind = "video"
)

// Submitted media. Not retained after analysis.
type MediaAsset struct {
	Kind     MediaKind
	Data     []byte
	Filename string
}

var videoExtensions = map[string]bool{
	".mp4":  true,
	".avi":  true,
	".mov":  true,
	".wmv":  true,
	".webm": true,
	".mkv":  true,
}

// Guesses media kind from a filename extension; anything not a known video
// container is treated as an image.
func KindFromFilename(name string) MediaKind {
	if videoExtensions[strings.ToLower(filepath.Ext(name))] {
		return KindVideo
	}
	return KindImage
}

// Runs the full analysis pipeline for a submission: frame sampling for
// video, per-frame scoring in parallel, and reduction to a single verdict.
type Analyzer struct {
	// nil when no embedding model is loaded; every verdict is then unassessed
	Scorer  *Scorer
	Sampler frames.Sampler
	// frames sampled per video; 0 means frames.DefaultMaxFrames
	MaxFrames int
	// parallel frame scoring limit; 0 means unlimited
	Concurrency int
	Logger      *slog.Logger
}

func (a *Analyzer) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

func (a *Analyzer) Analyze(ctx context.Context, asset MediaAsset) (*Verdict, error) {
	ctx, span := tracer.Start(ctx, "Analyze")
	defer span.End()
	span.SetAttributes(attribute.String("kind", string(asset.Kind)), attribute.Int("size", len(asset.Data)))

	start := time.Now()
	defer func() {
		analysisDuration.WithLabelValues(string(asset.Kind)).Observe(time.Since(start).Seconds())
	}()

	var v *Verdict
	var err error
	switch asset.Kind {
	case KindImage:
		v, err = a.analyzeImage(ctx, asset.Data)
	case KindVideo:
		v, err = a.analyzeVideo(ctx, asset.Data)
	default:
		return nil, fmt.Errorf("unsupported media kind: %q", asset.Kind)
	}
	if err != nil {
		return nil, err
	}
	VerdictCount.WithLabelValues(v.Category, strconv.FormatBool(v.Assessed)).Inc()
	return v, nil
}

func (a *Analyzer) analyzeImage(ctx context.Context, data []byte) (*Verdict, error) {
	if _, _, err := frames.ValidateImage(data); err != nil {
		return nil, err
	}
	if a.Scorer == nil {
		a.logger().Warn("no embedding model loaded, treating image as safe")
		return UnassessedVerdict(0), nil
	}
	r, err := a.Scorer.Score(ctx, data)
	if err != nil {
		if errors.Is(err, embedding.ErrModelUnavailable) {
			a.logger().Warn("embedding model unavailable, treating image as safe", "err", err)
			return UnassessedVerdict(0), nil
		}
		return nil, fmt.Errorf("scoring image: %w", err)
	}
	v, err := ReduceFrames([]FrameResult{*r}, a.Scorer.CategoryNames())
	if err != nil {
		return nil, err
	}
	// a still image isn't a sampled video
	v.FramesSampled = 0
	v.FramesScored = 0
	return v, nil
}

func (a *Analyzer) analyzeVideo(ctx context.Context, data []byte) (*Verdict, error) {
	if a.Sampler == nil {
		return nil, fmt.Errorf("%w: no frame sampler configured", frames.ErrMediaUnreadable)
	}
	maxFrames := a.MaxFrames
	if maxFrames <= 0 {
		maxFrames = frames.DefaultMaxFrames
	}
	stills, err := a.Sampler.Sample(ctx, data, maxFrames)
	if err != nil {
		if errors.Is(err, frames.ErrMediaUnreadable) || ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", frames.ErrMediaUnreadable, err)
	}
	if len(stills) == 0 {
		return nil, fmt.Errorf("%w: no frames in video", frames.ErrMediaUnreadable)
	}
	if a.Scorer == nil {
		a.logger().Warn("no embedding model loaded, treating video as safe", "frames", len(stills))
		return UnassessedVerdict(len(stills)), nil
	}

	results := a.scoreFrames(ctx, stills)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// a frame the service refused may be the one that condemns the video
	for _, r := range results {
		if r.Err != nil && hardFailure(r.Err) {
			return nil, fmt.Errorf("scoring frame %d: %w", r.Index, r.Err)
		}
	}

	v, err := ReduceFrames(results, a.Scorer.CategoryNames())
	if err != nil {
		if errors.Is(err, embedding.ErrModelUnavailable) {
			a.logger().Warn("embedding model unavailable, treating video as safe", "err", err)
			return UnassessedVerdict(len(stills)), nil
		}
		return nil, err
	}
	return v, nil
}

// Failures that mean this content can't be moderated, as opposed to the model
// being down or a single frame being undecodable.
func hardFailure(err error) bool {
	return errors.Is(err, embedding.ErrEmbeddingRejected) ||
		errors.Is(err, embedding.ErrInvalidResponse) ||
		errors.Is(err, ErrDimensionMismatch)
}

// Scores every frame in parallel. Frame failures are recorded in the result
// slot rather than cancelling the group; Wait is the barrier before reduction.
func (a *Analyzer) scoreFrames(ctx context.Context, stills [][]byte) []FrameResult {
	results := make([]FrameResult, len(stills))
	g, gctx := errgroup.WithContext(ctx)
	if a.Concurrency > 0 {
		g.SetLimit(a.Concurrency)
	}
	for i, still := range stills {
		g.Go(func() error {
			r, err := a.Scorer.Score(gctx, still)
			if err != nil {
				frameFailureCount.Inc()
				a.logger().Warn("failed to score video frame", "frame", i, "err", err)
				results[i] = FrameResult{Index: i, Err: err}
				return nil
			}
			r.Index = i
			results[i] = *r
			return nil
		})
	}
	_ = g.Wait()
	return results
}
