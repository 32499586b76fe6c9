package frames

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// Extracts frames by shelling out to ffprobe (frame count) and ffmpeg
// (single-frame JPEG extraction by index).
type FFmpegSampler struct {
	FFmpegPath  string
	FFprobePath string
	// directory for temporary copies of submitted videos; "" for os.TempDir()
	TempDir string
	Logger  *slog.Logger
}

var _ Sampler = (*FFmpegSampler)(nil)

func NewFFmpegSampler() (*FFmpegSampler, error) {
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}
	ffprobePath, err := exec.LookPath("ffprobe")
	if err != nil {
		return nil, fmt.Errorf("ffprobe not found in PATH: %w", err)
	}
	return &FFmpegSampler{
		FFmpegPath:  ffmpegPath,
		FFprobePath: ffprobePath,
		Logger:      slog.Default().With("component", "frames"),
	}, nil
}

func (s *FFmpegSampler) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *FFmpegSampler) Sample(ctx context.Context, video []byte, maxFrames int) ([][]byte, error) {
	if len(video) == 0 {
		return nil, fmt.Errorf("%w: empty video", ErrMediaUnreadable)
	}
	if maxFrames <= 0 {
		maxFrames = DefaultMaxFrames
	}

	f, err := os.CreateTemp(s.TempDir, "mediaguard-video-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp video file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)
	if _, err := f.Write(video); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing temp video file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	total, err := s.countFrames(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaUnreadable, err)
	}

	indices := FrameIndices(total, maxFrames)
	out := make([][]byte, 0, len(indices))
	for _, idx := range indices {
		frame, err := s.extractFrame(ctx, path, idx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger().Warn("failed to extract video frame", "index", idx, "err", err)
			continue
		}
		out = append(out, frame)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no frames extracted (total=%d)", ErrMediaUnreadable, total)
	}
	s.logger().Debug("sampled video frames", "total", total, "sampled", len(out))
	return out, nil
}

// Reads the stream frame count from container metadata, falling back to
// counting packets when the container doesn't record it.
func (s *FFmpegSampler) countFrames(ctx context.Context, path string) (int, error) {
	n, err := s.probeInt(ctx, path, "stream=nb_frames")
	if err == nil && n > 0 {
		return n, nil
	}
	n, err = s.probeInt(ctx, path, "stream=nb_read_packets", "-count_packets")
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("video has no frames")
	}
	return n, nil
}

func (s *FFmpegSampler) probeInt(ctx context.Context, path, entries string, extra ...string) (int, error) {
	args := []string{"-v", "error", "-select_streams", "v:0"}
	args = append(args, extra...)
	args = append(args, "-show_entries", entries, "-of", "default=noprint_wrappers=1:nokey=1", path)
	cmd := exec.CommandContext(ctx, s.FFprobePath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w (%s)", err, strings.TrimSpace(stderr.String()))
	}
	val := strings.TrimSpace(stdout.String())
	// multiple video streams print one line each; first one wins
	if i := strings.IndexByte(val, '\n'); i >= 0 {
		val = strings.TrimSpace(val[:i])
	}
	return strconv.Atoi(val)
}

func (s *FFmpegSampler) extractFrame(ctx context.Context, path string, index int) ([]byte, error) {
	args := []string{
		"-v", "error",
		"-i", path,
		"-vf", fmt.Sprintf("select=eq(n\\,%d)", index),
		"-vframes", "1",
		"-q:v", "2",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"pipe:1",
	}
	cmd := exec.CommandContext(ctx, s.FFmpegPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg failed at frame %d: %w (%s)", index, err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("ffmpeg produced no output for frame %d", index)
	}
	return stdout.Bytes(), nil
}
