package embedding

import (
	"context"
	"fmt"
	"sync"
)

// Deterministic Embedder for tests and offline runs. Images are keyed by
// their raw bytes (as a string).
type StaticEmbedder struct {
	Texts  map[string][]float32
	Images map[string][]float32

	// returned for unknown images; nil means unknown images are an error
	DefaultImage []float32

	// if set, every call fails with this error
	Err error

	mu         sync.Mutex
	imageCalls int
	textCalls  int
}

var _ Embedder = (*StaticEmbedder)(nil)

func NewStaticEmbedder() *StaticEmbedder {
	return &StaticEmbedder{
		Texts:  make(map[string][]float32),
		Images: make(map[string][]float32),
	}
}

func (s *StaticEmbedder) EmbedImage(ctx context.Context, image []byte) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.imageCalls++
	if s.Err != nil {
		return nil, s.Err
	}
	v, ok := s.Images[string(image)]
	if !ok {
		if s.DefaultImage == nil {
			return nil, fmt.Errorf("static embedder: unknown image (%d bytes)", len(image))
		}
		return s.DefaultImage, nil
	}
	return v, nil
}

func (s *StaticEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.textCalls++
	if s.Err != nil {
		return nil, s.Err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, ok := s.Texts[t]
		if !ok {
			return nil, fmt.Errorf("static embedder: unknown text %q", t)
		}
		out[i] = v
	}
	return out, nil
}

func (s *StaticEmbedder) ImageCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.imageCalls
}

func (s *StaticEmbedder) TextCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.textCalls
}
