package engine

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/mediaguard/mediaguard/moderation/cachestore"
	"github.com/mediaguard/mediaguard/moderation/countstore"
	"github.com/mediaguard/mediaguard/moderation/embedding"
	"github.com/mediaguard/mediaguard/moderation/enforce"
	"github.com/mediaguard/mediaguard/moderation/flagstore"
	"github.com/mediaguard/mediaguard/moderation/frames"
	"github.com/mediaguard/mediaguard/moderation/ledger"
	"github.com/mediaguard/mediaguard/moderation/scoring"
	"github.com/mediaguard/mediaguard/moderation/store"
	"github.com/mediaguard/mediaguard/util/cliutil"
)

// Records notifications instead of sending them.
type CaptureNotifier struct {
	mu       sync.Mutex
	Blocked  []string
	Requests []string
	Diverged []string
}

var _ Notifier = (*CaptureNotifier)(nil)

func (n *CaptureNotifier) SendBlocked(ctx context.Context, u *store.User, v *scoring.Verdict) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Blocked = append(n.Blocked, u.Identity)
	return nil
}

func (n *CaptureNotifier) SendUnblockRequest(ctx context.Context, u *store.User) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Requests = append(n.Requests, u.Identity)
	return nil
}

func (n *CaptureNotifier) SendDivergence(ctx context.Context, u *store.User, ledgerBlocked bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Diverged = append(n.Diverged, u.Identity)
	return nil
}

// Solid-color 2x2 PNG.
func FixtureImage(c color.Color) []byte {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	for x := 0; x < 2; x++ {
		for y := 0; y < 2; y++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// Fixture images, with the vulgarity score each produces under the
// fixture prompt set.
var (
	// 0.375 (mild, accepted)
	SafeImage = FixtureImage(color.White)
	// 0.4545 (moderate, accepted)
	BorderlineImage = FixtureImage(color.Gray{Y: 128})
	// 1.0 (explicit, violation)
	ExplicitImage = FixtureImage(color.Black)
)

type TestFixture struct {
	Engine   *Engine
	Embedder *embedding.StaticEmbedder
	Ledger   *ledger.MemLedger
	Notifier *CaptureNotifier
	// video bytes (as string) to sampled stills
	Videos map[string][][]byte
}

// Engine backed by a sqlite database and media directory under dir, the
// 2-d fixture prompt set, and an in-memory ledger.
func EngineTestFixture(dir string) (*TestFixture, error) {
	db, err := cliutil.SetupDatabase("sqlite://"+filepath.Join(dir, "mediaguard.sqlite"), 1)
	if err != nil {
		return nil, err
	}
	st, err := store.NewStore(db)
	if err != nil {
		return nil, err
	}
	media, err := store.NewDiskMediaStore(filepath.Join(dir, "media"))
	if err != nil {
		return nil, err
	}

	set, se := scoring.PromptTestFixture()
	se.Images[string(SafeImage)] = []float32{0, 1}
	se.Images[string(BorderlineImage)] = []float32{0.28, 0.96}
	se.Images[string(ExplicitImage)] = []float32{1, 0}
	scorer, err := scoring.NewScorer(context.Background(), se, set)
	if err != nil {
		return nil, err
	}

	tf := &TestFixture{
		Embedder: se,
		Ledger:   ledger.NewMemLedger(),
		Notifier: &CaptureNotifier{},
		Videos:   make(map[string][][]byte),
	}
	sampler := frames.SamplerFunc(func(ctx context.Context, video []byte, maxFrames int) ([][]byte, error) {
		stills, ok := tf.Videos[string(video)]
		if !ok {
			return nil, fmt.Errorf("%w: unknown test video", frames.ErrMediaUnreadable)
		}
		return stills, nil
	})

	tf.Engine = &Engine{
		Logger: slog.Default(),
		Analyzer: &scoring.Analyzer{
			Scorer:      scorer,
			Sampler:     sampler,
			Concurrency: 2,
		},
		Store:    st,
		Media:    media,
		Ledger:   ledger.NewSynchronizer(tf.Ledger, cachestore.NewMemCacheStore(100, time.Minute), 5*time.Second),
		Locker:   enforce.NewLocker(),
		Counters: countstore.NewMemCountStore(),
		Flags:    flagstore.NewMemFlagStore(),
		Notifier: tf.Notifier,
	}
	return tf, nil
}
