package scoring

import (
	"errors"
	"fmt"
	"math"

	"github.com/mediaguard/mediaguard/moderation/embedding"
)

const (
	// Content scoring above this is a violation. This is the enforcement
	// boundary, distinct from the label boundaries below.
	EnforcementThreshold = 0.5

	// Content at or above this is labeled explicit and is never "safe".
	ExplicitThreshold = 0.7

	mildThreshold     = 0.2
	moderateThreshold = 0.4
)

// Vulgarity labels, ordered by ascending score.
const (
	LabelSafe     = "safe"
	LabelMild     = "mild"
	LabelModerate = "moderate"
	LabelExplicit = "explicit"
)

var (
	// Every frame failed to score for reasons other than model availability.
	ErrNoFramesScored = errors.New("no frames could be scored")

	// Image and prompt embeddings come from different vector spaces.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Moderation outcome for one submitted asset.
type Verdict struct {
	// vulgarity score in [0,1]
	Score float64 `json:"score"`
	// vulgarity label of the score (for video: of the max-scoring frame)
	Category string `json:"category"`
	// labeling-level safety: score below ExplicitThreshold
	Safe bool `json:"safe"`
	// enforcement-level acceptance: score at or below EnforcementThreshold
	Accepted bool `json:"accepted"`
	// false when the embedding model was unavailable and the verdict is the safe default
	Assessed bool `json:"assessed"`

	FramesSampled int `json:"frames_sampled,omitempty"`
	FramesScored  int `json:"frames_scored,omitempty"`

	// multi-category distribution (informational)
	Categories map[string]float64 `json:"categories,omitempty"`
}

// Scoring result for a single image or video frame.
type FrameResult struct {
	Index      int
	Score      float64
	Categories map[string]float64
	Err        error
}

// Vulgarity label for a score. Pure and total over all floats.
func Label(score float64) string {
	switch {
	case score < mildThreshold:
		return LabelSafe
	case score < moderateThreshold:
		return LabelMild
	case score < ExplicitThreshold:
		return LabelModerate
	default:
		return LabelExplicit
	}
}

// Whether content with this score may be published.
func Accepted(score float64) bool {
	return score < ExplicitThreshold && score <= EnforcementThreshold
}

// Two-sided vulgarity ratio I/(I+S) of the strongest inappropriate and safe
// prompt similarities.
//
// Negative similarities carry no pull toward either side and are treated as
// zero. Returns 0 when neither side has any pull.
func BinaryRatio(inappropriate, safe float64) float64 {
	i := math.Max(inappropriate, 0)
	s := math.Max(safe, 0)
	if i+s == 0 {
		return 0
	}
	return i / (i + s)
}

// Softmax-normalizes raw per-category similarities, with similarities
// multiplied by scale first.
func Softmax(raw map[string]float64, scale float64) map[string]float64 {
	out := make(map[string]float64, len(raw))
	if len(raw) == 0 {
		return out
	}
	peak := math.Inf(-1)
	for _, v := range raw {
		peak = math.Max(peak, v*scale)
	}
	var sum float64
	for k, v := range raw {
		e := math.Exp(v*scale - peak)
		out[k] = e
		sum += e
	}
	for k := range out {
		out[k] = out[k] / sum
	}
	return out
}

// Averages per-frame category distributions over frames. If every category
// averages to exactly zero, the result is forced to safe=1.0.
func AverageCategories(frames []map[string]float64, names []string) map[string]float64 {
	out := make(map[string]float64, len(names))
	for _, n := range names {
		out[n] = 0
	}
	if len(frames) > 0 {
		for _, f := range frames {
			for k, v := range f {
				out[k] += v
			}
		}
		for k := range out {
			out[k] = out[k] / float64(len(frames))
		}
	}
	allZero := true
	for _, v := range out {
		if v != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		out[SafeCategory] = 1.0
	}
	return out
}

// Reduces per-frame results into one verdict: the max frame score condemns
// the whole asset, and the category is that frame's label. Failed frames are
// skipped; if no frame succeeded an error is returned, wrapping
// embedding.ErrModelUnavailable when that was the cause of every failure.
func ReduceFrames(results []FrameResult, categoryNames []string) (*Verdict, error) {
	best := -1
	failed := 0
	unavailable := 0
	var lastErr error
	var dists []map[string]float64
	for i, r := range results {
		if r.Err != nil {
			failed++
			lastErr = r.Err
			if errors.Is(r.Err, embedding.ErrModelUnavailable) {
				unavailable++
			}
			continue
		}
		if r.Categories != nil {
			dists = append(dists, r.Categories)
		}
		// first frame wins ties
		if best < 0 || r.Score > results[best].Score {
			best = i
		}
	}
	if best < 0 {
		if len(results) > 0 && unavailable == len(results) {
			return nil, fmt.Errorf("all %d frames: %w", len(results), lastErr)
		}
		if lastErr != nil {
			return nil, fmt.Errorf("%w: %d frames failed, last error: %v", ErrNoFramesScored, failed, lastErr)
		}
		return nil, ErrNoFramesScored
	}

	score := results[best].Score
	v := &Verdict{
		Score:         score,
		Category:      Label(score),
		Safe:          score < ExplicitThreshold,
		Accepted:      Accepted(score),
		Assessed:      true,
		FramesSampled: len(results),
		FramesScored:  len(results) - failed,
	}
	if len(categoryNames) > 0 {
		v.Categories = AverageCategories(dists, categoryNames)
	}
	return v, nil
}

// Verdict used when content could not be assessed because the embedding
// model is unavailable. Content is treated as safe.
func UnassessedVerdict(framesSampled int) *Verdict {
	return &Verdict{
		Score:         0,
		Category:      LabelSafe,
		Safe:          true,
		Accepted:      true,
		Assessed:      false,
		FramesSampled: framesSampled,
	}
}
