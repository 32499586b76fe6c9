package frames

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/image/bmp"
)

func TestFrameIndices(t *testing.T) {
	assert := assert.New(t)

	assert.Equal([]int{0, 10, 20, 30, 40, 50, 60, 70, 80, 90}, FrameIndices(100, 10))
	assert.Equal([]int{0, 3, 6}, FrameIndices(10, 3))
	// floor division of the stride
	assert.Equal([]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, FrameIndices(19, 10))

	// very short videos still yield the first frame
	assert.Equal([]int{0}, FrameIndices(5, 10))
	assert.Equal([]int{0}, FrameIndices(1, 10))

	assert.Empty(FrameIndices(0, 10))
	assert.Empty(FrameIndices(-1, 10))

	// non-positive max falls back to the default
	assert.Equal(DefaultMaxFrames, len(FrameIndices(1000, 0)))
}

func TestValidateImage(t *testing.T) {
	assert := assert.New(t)

	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	img.Set(1, 1, color.RGBA{255, 0, 0, 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}

	w, h, err := ValidateImage(buf.Bytes())
	assert.NoError(err)
	assert.Equal(4, w)
	assert.Equal(3, h)

	// lossless WebP, 3x2; only the header is read
	webpImg := []byte("RIFF\x1a\x00\x00\x00WEBPVP8L\x0d\x00\x00\x00" +
		"\x2f\x02\x40\x00\x10\x07\x10\x11\x11\x88\x88\xfe\x07\x00")
	w, h, err = ValidateImage(webpImg)
	assert.NoError(err)
	assert.Equal(3, w)
	assert.Equal(2, h)

	buf.Reset()
	if err := bmp.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	w, h, err = ValidateImage(buf.Bytes())
	assert.NoError(err)
	assert.Equal(4, w)
	assert.Equal(3, h)

	_, _, err = ValidateImage([]byte("definitely not an image"))
	assert.True(errors.Is(err, ErrMediaUnreadable))

	_, _, err = ValidateImage(nil)
	assert.True(errors.Is(err, ErrMediaUnreadable))
}

func TestFFmpegSamplerGarbage(t *testing.T) {
	s, err := NewFFmpegSampler()
	if err != nil {
		t.Skip("ffmpeg not installed")
	}
	assert := assert.New(t)
	ctx := context.Background()

	_, err = s.Sample(ctx, []byte("not a video container"), 10)
	assert.True(errors.Is(err, ErrMediaUnreadable))

	_, err = s.Sample(ctx, nil, 10)
	assert.True(errors.Is(err, ErrMediaUnreadable))
}

func stubCommand(t *testing.T, name, script string) string {
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFFmpegSamplerLiteral(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	assert := assert.New(t)
	ctx := context.Background()

	// built without NewFFmpegSampler, so no Logger
	s := &FFmpegSampler{
		FFprobePath: stubCommand(t, "ffprobe", "echo 3"),
		FFmpegPath:  stubCommand(t, "ffmpeg", "printf jpeg"),
		TempDir:     t.TempDir(),
	}
	out, err := s.Sample(ctx, []byte("video"), 10)
	assert.NoError(err)
	assert.Len(out, 1)
	assert.Equal([]byte("jpeg"), out[0])

	s.FFmpegPath = stubCommand(t, "ffmpeg", "exit 1")
	_, err = s.Sample(ctx, []byte("video"), 2)
	assert.True(errors.Is(err, ErrMediaUnreadable))
}
