package scoring

import (
	"github.com/mediaguard/mediaguard/moderation/embedding"
)

// Small prompt set over 2-dimensional vectors, paired with a StaticEmbedder
// that knows every prompt. Image vectors are registered by callers.
//
// Axis 0 is "inappropriate", axis 1 is "safe".
func PromptTestFixture() (*PromptSet, *embedding.StaticEmbedder) {
	set := &PromptSet{
		LogitScale: 1.0,
		Binary: BinaryPrompts{
			Inappropriate: []string{"bad-1", "bad-2"},
			Safe:          []string{"good-1"},
		},
		Categories: []CategoryPrompts{
			{Name: "explicit", Threshold: 0.3, Prompts: []string{"explicit-1"}},
			{Name: SafeCategory, Threshold: 0.3, Prompts: []string{"safe-1"}},
		},
	}
	se := embedding.NewStaticEmbedder()
	se.Texts["bad-1"] = []float32{1, 0}
	se.Texts["bad-2"] = []float32{0.8, 0.6}
	se.Texts["good-1"] = []float32{0, 1}
	se.Texts["explicit-1"] = []float32{1, 0}
	se.Texts["safe-1"] = []float32{0, 1}
	return set, se
}
