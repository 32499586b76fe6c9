// Image and text embedding capability used by the moderation scorer.
//
// The embedding model itself is a black box: anything that can map an image
// and a list of strings into a shared vector space satisfies Embedder. The
// HTTP client in this package talks to a CLIP-style embedding service.
package embedding

import (
	"context"
	"errors"
	"math"
)

var (
	// The backend has no model to serve: not configured, failed health check,
	// transport failure, or a 5xx from the service.
	ErrModelUnavailable = errors.New("embedding model unavailable")

	// The service refused this particular input (4xx). Content that can't be
	// embedded can't be moderated either, so callers must not accept it.
	ErrEmbeddingRejected = errors.New("embedding request rejected")

	// The service answered 200 with something that isn't a usable embedding.
	ErrInvalidResponse = errors.New("invalid embedding response")
)

type Embedder interface {
	EmbedImage(ctx context.Context, image []byte) ([]float32, error)
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// Cosine similarity of two vectors, in [-1,1].
//
// Mismatched lengths, empty vectors, and zero-norm vectors all return 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x := float64(a[i])
		y := float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	// floating point error can push slightly past the bounds
	if sim > 1 {
		sim = 1
	} else if sim < -1 {
		sim = -1
	}
	return sim
}
