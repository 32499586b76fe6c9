package scoring

import (
	"context"
	"fmt"
	"math"

	"github.com/mediaguard/mediaguard/moderation/embedding"
)

type categoryVectors struct {
	name      string
	threshold float64
	prompts   [][]float32
}

// Scores images against a PromptSet. All prompt embeddings are computed once
// at construction; scoring a frame costs a single image embedding.
type Scorer struct {
	embedder      embedding.Embedder
	inappropriate [][]float32
	safe          [][]float32
	categories    []categoryVectors
	logitScale    float64
	// dimension shared by every prompt embedding
	dim int
}

// Embeds every prompt in the set. Fails with embedding.ErrModelUnavailable
// (wrapped) if there is no embedder or it can't embed the prompts.
func NewScorer(ctx context.Context, e embedding.Embedder, set *PromptSet) (*Scorer, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: no embedder configured", embedding.ErrModelUnavailable)
	}
	if set == nil {
		set = DefaultPromptSet()
	}
	if err := set.Validate(); err != nil {
		return nil, err
	}

	s := &Scorer{
		embedder:   e,
		logitScale: set.LogitScale,
	}
	var err error
	s.inappropriate, err = embedPrompts(ctx, e, set.Binary.Inappropriate)
	if err != nil {
		return nil, fmt.Errorf("embedding inappropriate prompts: %w", err)
	}
	s.safe, err = embedPrompts(ctx, e, set.Binary.Safe)
	if err != nil {
		return nil, fmt.Errorf("embedding safe prompts: %w", err)
	}
	for _, c := range set.Categories {
		vecs, err := embedPrompts(ctx, e, c.Prompts)
		if err != nil {
			return nil, fmt.Errorf("embedding %s prompts: %w", c.Name, err)
		}
		s.categories = append(s.categories, categoryVectors{
			name:      c.Name,
			threshold: c.Threshold,
			prompts:   vecs,
		})
	}
	if err := s.checkPromptDims(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scorer) checkPromptDims() error {
	groups := [][][]float32{s.inappropriate, s.safe}
	for _, c := range s.categories {
		groups = append(groups, c.prompts)
	}
	for _, g := range groups {
		for _, v := range g {
			if len(v) == 0 {
				return fmt.Errorf("%w: empty prompt embedding", embedding.ErrInvalidResponse)
			}
			if s.dim == 0 {
				s.dim = len(v)
			}
			if len(v) != s.dim {
				return fmt.Errorf("%w: prompt embeddings have %d and %d dimensions", ErrDimensionMismatch, s.dim, len(v))
			}
		}
	}
	return nil
}

func (s *Scorer) Dimensions() int {
	return s.dim
}

func embedPrompts(ctx context.Context, e embedding.Embedder, prompts []string) ([][]float32, error) {
	vecs, err := e.EmbedTexts(ctx, prompts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(prompts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d prompts", embedding.ErrInvalidResponse, len(vecs), len(prompts))
	}
	return vecs, nil
}

func maxSimilarity(v []float32, prompts [][]float32) float64 {
	best := math.Inf(-1)
	for _, p := range prompts {
		best = math.Max(best, embedding.Cosine(v, p))
	}
	if math.IsInf(best, -1) {
		return 0
	}
	return best
}

func (s *Scorer) CategoryNames() []string {
	out := make([]string, len(s.categories))
	for i, c := range s.categories {
		out[i] = c.name
	}
	return out
}

// Binary vulgarity score of an embedded image.
func (s *Scorer) BinaryScore(v []float32) float64 {
	return BinaryRatio(maxSimilarity(v, s.inappropriate), maxSimilarity(v, s.safe))
}

// Max-over-prompts cosine similarity per category. Not comparable across
// embedding models; see CategoryScores for the normalized form.
func (s *Scorer) RawScores(v []float32) map[string]float64 {
	out := make(map[string]float64, len(s.categories))
	for _, c := range s.categories {
		out[c.name] = maxSimilarity(v, c.prompts)
	}
	return out
}

// Softmax-normalized category scores, with each category zeroed when below
// its threshold.
func (s *Scorer) CategoryScores(v []float32) map[string]float64 {
	norm := Softmax(s.RawScores(v), s.logitScale)
	for _, c := range s.categories {
		if norm[c.name] < c.threshold {
			norm[c.name] = 0
		}
	}
	return norm
}

// Embeds and scores a single still image (or video frame).
func (s *Scorer) Score(ctx context.Context, image []byte) (*FrameResult, error) {
	v, err := s.embedder.EmbedImage(ctx, image)
	if err != nil {
		return nil, err
	}
	// Cosine of mismatched vectors is 0, which would read as "safe"
	if len(v) != s.dim {
		return nil, fmt.Errorf("%w: image embedding has %d dimensions, prompts have %d", ErrDimensionMismatch, len(v), s.dim)
	}
	r := &FrameResult{
		Score: s.BinaryScore(v),
	}
	if len(s.categories) > 0 {
		r.Categories = s.CategoryScores(v)
	}
	return r, nil
}
