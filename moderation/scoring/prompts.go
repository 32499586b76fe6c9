package scoring

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

//go:embed default_prompts.toml
var defaultPromptsTOML []byte

// Name of the category used as the fallback when no category clears its threshold.
const SafeCategory = "safe"

type BinaryPrompts struct {
	Inappropriate []string `toml:"inappropriate"`
	Safe          []string `toml:"safe"`
}

type CategoryPrompts struct {
	Name      string   `toml:"name"`
	Threshold float64  `toml:"threshold"`
	Prompts   []string `toml:"prompts"`
}

// Configuration for the scorer: loaded once at startup, not mutated afterwards.
type PromptSet struct {
	LogitScale float64           `toml:"logit_scale"`
	Binary     BinaryPrompts     `toml:"binary"`
	Categories []CategoryPrompts `toml:"categories"`
}

func DefaultPromptSet() *PromptSet {
	set, err := ParsePromptSet(defaultPromptsTOML)
	if err != nil {
		panic(fmt.Sprintf("embedded prompt set is invalid: %v", err))
	}
	return set
}

func LoadPromptSet(path string) (*PromptSet, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading prompt set: %w", err)
	}
	set, err := ParsePromptSet(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return set, nil
}

func ParsePromptSet(b []byte) (*PromptSet, error) {
	var set PromptSet
	dec := toml.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&set); err != nil {
		return nil, fmt.Errorf("parsing prompt set: %w", err)
	}
	if set.LogitScale == 0 {
		set.LogitScale = 1.0
	}
	if err := set.Validate(); err != nil {
		return nil, err
	}
	return &set, nil
}

func (s *PromptSet) Validate() error {
	if len(s.Binary.Inappropriate) == 0 || len(s.Binary.Safe) == 0 {
		return errors.New("binary prompt set needs both inappropriate and safe prompts")
	}
	if s.LogitScale < 0 {
		return fmt.Errorf("logit_scale must be positive: %f", s.LogitScale)
	}
	seen := make(map[string]bool, len(s.Categories))
	hasSafe := false
	for _, c := range s.Categories {
		if c.Name == "" {
			return errors.New("category with empty name")
		}
		if seen[c.Name] {
			return fmt.Errorf("duplicate category: %s", c.Name)
		}
		seen[c.Name] = true
		if len(c.Prompts) == 0 {
			return fmt.Errorf("category has no prompts: %s", c.Name)
		}
		if c.Threshold < 0 || c.Threshold > 1 {
			return fmt.Errorf("category threshold out of range: %s=%f", c.Name, c.Threshold)
		}
		if c.Name == SafeCategory {
			hasSafe = true
		}
	}
	if len(s.Categories) > 0 && !hasSafe {
		return fmt.Errorf("category taxonomy must include %q", SafeCategory)
	}
	return nil
}

func (s *PromptSet) CategoryNames() []string {
	out := make([]string, len(s.Categories))
	for i, c := range s.Categories {
		out[i] = c.Name
	}
	return out
}
