// Frame sampling for video moderation.
//
// Videos are reduced to a bounded, evenly spaced set of still JPEG frames
// which are then scored like individual images.
package frames

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

const DefaultMaxFrames = 10

// The media could not be opened or decoded, or yielded zero frames. This is a
// hard failure: callers must not treat unreadable media as safe.
var ErrMediaUnreadable = errors.New("media unreadable")

type Sampler interface {
	Sample(ctx context.Context, video []byte, maxFrames int) ([][]byte, error)
}

// Adapter to allow the use of ordinary functions as a Sampler.
type SamplerFunc func(ctx context.Context, video []byte, maxFrames int) ([][]byte, error)

func (f SamplerFunc) Sample(ctx context.Context, video []byte, maxFrames int) ([][]byte, error) {
	return f(ctx, video, maxFrames)
}

// Computes which frame indices to read from a video with `total` frames.
//
// The stride is total/maxFrames (integer division) and indices are
// 0, stride, 2*stride... up to maxFrames samples. Very short videos (stride
// of zero) return only the first frame. An empty video returns no indices.
func FrameIndices(total, maxFrames int) []int {
	if total <= 0 {
		return []int{}
	}
	if maxFrames <= 0 {
		maxFrames = DefaultMaxFrames
	}
	stride := total / maxFrames
	if stride == 0 {
		return []int{0}
	}
	out := make([]int, 0, maxFrames)
	for i := 0; i < maxFrames; i++ {
		out = append(out, i*stride)
	}
	return out
}

// Checks that the bytes are a decodable still image (jpeg, png, gif, webp,
// bmp), returning the dimensions.
func ValidateImage(data []byte) (int, int, error) {
	if len(data) == 0 {
		return 0, 0, fmt.Errorf("%w: empty image", ErrMediaUnreadable)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrMediaUnreadable, err)
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		return 0, 0, fmt.Errorf("%w: zero-size image", ErrMediaUnreadable)
	}
	return cfg.Width, cfg.Height, nil
}
