package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mediaguard/mediaguard/moderation/countstore"
	"github.com/mediaguard/mediaguard/moderation/embedding"
	"github.com/mediaguard/mediaguard/moderation/enforce"
	"github.com/mediaguard/mediaguard/moderation/flagstore"
	"github.com/mediaguard/mediaguard/moderation/frames"
	"github.com/mediaguard/mediaguard/moderation/ledger"
	"github.com/mediaguard/mediaguard/moderation/scoring"
	"github.com/mediaguard/mediaguard/moderation/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	aliceID = "0x00000000000000000000000000000000000a11ce"
	bobID   = "0x0000000000000000000000000000000000000b0b"
)

func testFixture(t *testing.T) *TestFixture {
	tf, err := EngineTestFixture(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return tf
}

func registerUser(t *testing.T, eng *Engine, identity string) *store.User {
	res, err := eng.RegisterUser(context.Background(), identity, "")
	require.NoError(t, err)
	return res.User
}

func submitImage(t *testing.T, eng *Engine, identity string, img []byte) *SubmitResult {
	res, err := eng.Submit(context.Background(), Submission{Identity: identity, Filename: "upload.png", Data: img})
	require.NoError(t, err)
	return res
}

func TestRegisterUser(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	tf := testFixture(t)
	eng := tf.Engine

	res, err := eng.RegisterUser(ctx, "0x00000000000000000000000000000000000A11CE", "alice")
	require.NoError(err)
	assert.True(res.Created)
	assert.True(res.LedgerRegistered)
	assert.Empty(res.LedgerWarning)
	assert.Equal(aliceID, res.User.Identity)
	assert.Equal(0, res.User.ViolationCount)

	res, err = eng.RegisterUser(ctx, aliceID, "alice")
	require.NoError(err)
	assert.False(res.Created)
	assert.True(res.LedgerRegistered)

	// one ledger transaction, no matter how often registration is retried
	assert.Equal(1, tf.Ledger.Calls("Register"))

	_, err = eng.RegisterUser(ctx, "alice", "alice")
	assert.ErrorIs(err, ErrInvalidIdentity)
}

func TestRegisterUserLedgerDegraded(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	tf := testFixture(t)
	eng := tf.Engine

	tf.Ledger.SetUnreachable(true)
	res, err := eng.RegisterUser(ctx, aliceID, "alice")
	require.NoError(err)
	assert.True(res.Created)
	assert.False(res.LedgerRegistered)
	assert.Contains(res.LedgerWarning, "ledger unreachable")

	flags, err := eng.Flags.Get(ctx, aliceID)
	require.NoError(err)
	assert.Equal([]string{flagstore.FlagLedgerRegistrationFailed}, flags)
	c, err := eng.Counters.GetCount(ctx, CounterLedgerDegraded, "register", countstore.PeriodTotal)
	require.NoError(err)
	assert.Equal(1, c)

	tf.Ledger.SetUnreachable(false)
	rep, err := eng.Reconcile(ctx, 10)
	require.NoError(err)
	assert.Equal(1, rep.Registered)

	u, err := eng.Store.GetUserByIdentity(ctx, aliceID)
	require.NoError(err)
	assert.True(u.LedgerRegistered)
	flags, err = eng.Flags.Get(ctx, aliceID)
	require.NoError(err)
	assert.Empty(flags)
}

func TestSubmitAccepted(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	tf := testFixture(t)
	eng := tf.Engine
	registerUser(t, eng, aliceID)

	res, err := eng.Submit(ctx, Submission{Identity: aliceID, Caption: "sunset", Filename: "sunset.png", Data: SafeImage})
	require.NoError(err)
	assert.True(res.Accepted)
	assert.InDelta(0.375, res.Verdict.Score, 0.001)
	assert.Equal(scoring.LabelMild, res.Verdict.Category)
	assert.True(res.LedgerMirrored)
	require.NotNil(res.Post)
	assert.Equal(ledger.ContentHash(SafeImage), res.Post.ContentHash)

	p, err := eng.GetPost(ctx, res.Post.ID)
	require.NoError(err)
	assert.Equal("sunset", p.Caption)
	assert.True(p.LedgerMirrored)
	assert.NotEmpty(p.Categories)
	require.NotNil(p.LedgerPost)
	assert.Equal(int64(37), p.LedgerPost.Score)

	b, err := eng.Media.Get(p.MediaKey)
	require.NoError(err)
	assert.Equal(SafeImage, b)

	res = submitImage(t, eng, aliceID, BorderlineImage)
	assert.True(res.Accepted)
	assert.Equal(scoring.LabelModerate, res.Verdict.Category)

	c, err := eng.Counters.GetCount(ctx, CounterVerdict, scoring.LabelMild, countstore.PeriodTotal)
	require.NoError(err)
	assert.Equal(1, c)
	assert.Equal(0, res.State.ViolationCount)
}

func TestSubmitViolationsBlock(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	tf := testFixture(t)
	eng := tf.Engine
	u := registerUser(t, eng, aliceID)

	for i := 1; i <= enforce.BlockThreshold; i++ {
		res := submitImage(t, eng, aliceID, ExplicitImage)
		assert.False(res.Accepted)
		assert.Nil(res.Post)
		assert.Equal(scoring.LabelExplicit, res.Verdict.Category)
		assert.Equal(i, res.State.ViolationCount)
		assert.Equal(i == enforce.BlockThreshold, res.Blocked)
	}
	assert.Equal([]string{aliceID}, tf.Notifier.Blocked)

	_, err := eng.Submit(ctx, Submission{Identity: aliceID, Filename: "x.png", Data: SafeImage})
	assert.ErrorIs(err, ErrUserBlocked)

	// rejected media is never stored or mirrored
	posts, err := eng.Store.ListPosts(ctx, u.ID)
	require.NoError(err)
	assert.Empty(posts)
	assert.Equal(0, tf.Ledger.Calls("SubmitPost"))

	c, err := eng.Counters.GetCount(ctx, CounterViolation, aliceID, countstore.PeriodTotal)
	require.NoError(err)
	assert.Equal(3, c)

	_, err = eng.Submit(ctx, Submission{Identity: bobID, Filename: "x.png", Data: SafeImage})
	assert.ErrorIs(err, ErrUnknownUser)
}

func TestSubmitVideo(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	tf := testFixture(t)
	eng := tf.Engine
	registerUser(t, eng, aliceID)

	tf.Videos["clip-bad"] = [][]byte{SafeImage, ExplicitImage, BorderlineImage}
	tf.Videos["clip-ok"] = [][]byte{SafeImage, BorderlineImage}

	res, err := eng.Submit(ctx, Submission{Identity: aliceID, Filename: "clip.mp4", Data: []byte("clip-bad")})
	require.NoError(err)
	assert.False(res.Accepted)
	assert.InDelta(1.0, res.Verdict.Score, 0.001)
	assert.Equal(scoring.LabelExplicit, res.Verdict.Category)
	assert.Equal(3, res.Verdict.FramesSampled)
	assert.Equal(1, res.State.ViolationCount)

	res, err = eng.Submit(ctx, Submission{Identity: aliceID, Filename: "clip.mp4", Data: []byte("clip-ok")})
	require.NoError(err)
	assert.True(res.Accepted)
	assert.InDelta(0.4545, res.Verdict.Score, 0.001)
	assert.True(res.Post.IsVideo)
	assert.Equal(2, res.Post.FramesSampled)

	// unreadable media is a hard failure, with no enforcement effect
	_, err = eng.Submit(ctx, Submission{Identity: aliceID, Filename: "clip.mp4", Data: []byte("corrupt")})
	assert.ErrorIs(err, frames.ErrMediaUnreadable)
	st, err := eng.Status(ctx, aliceID)
	require.NoError(err)
	assert.Equal(1, st.State.ViolationCount)

	_, err = eng.Submit(ctx, Submission{Identity: aliceID, Filename: "x.png", Data: []byte("not an image")})
	assert.ErrorIs(err, frames.ErrMediaUnreadable)
}

func TestSubmitModelUnavailable(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	tf := testFixture(t)
	eng := tf.Engine
	registerUser(t, eng, aliceID)

	tf.Embedder.Err = embedding.ErrModelUnavailable
	res, err := eng.Submit(ctx, Submission{Identity: aliceID, Filename: "x.png", Data: ExplicitImage})
	require.NoError(err)
	assert.True(res.Accepted)
	assert.False(res.Verdict.Assessed)
	assert.False(res.Post.Assessed)
	assert.Equal(0.0, res.Post.VulgarityScore)
}

func TestConcurrentViolations(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	tf := testFixture(t)
	eng := tf.Engine
	registerUser(t, eng, aliceID)

	submitImage(t, eng, aliceID, ExplicitImage)
	submitImage(t, eng, aliceID, ExplicitImage)

	// both submissions pass the blocked check before either records its violation
	gate := make(chan struct{})
	var arrived sync.WaitGroup
	arrived.Add(2)
	inner := eng.Analyzer
	eng.Analyzer = analyzerFunc(func(ctx context.Context, asset scoring.MediaAsset) (*scoring.Verdict, error) {
		arrived.Done()
		<-gate
		return inner.Analyze(ctx, asset)
	})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.Submit(ctx, Submission{Identity: aliceID, Filename: "x.png", Data: ExplicitImage})
			assert.NoError(err)
		}()
	}
	arrived.Wait()
	close(gate)
	wg.Wait()

	st, err := eng.Status(ctx, aliceID)
	require.NoError(err)
	assert.Equal(4, st.State.ViolationCount)
	assert.True(st.State.IsBlocked)
	assert.Equal(enforce.PhaseBlocked, st.Phase)
	assert.Len(tf.Notifier.Blocked, 1)
}

type analyzerFunc func(ctx context.Context, asset scoring.MediaAsset) (*scoring.Verdict, error)

func (f analyzerFunc) Analyze(ctx context.Context, asset scoring.MediaAsset) (*scoring.Verdict, error) {
	return f(ctx, asset)
}

func TestLedgerRegistrationGate(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	tf := testFixture(t)
	eng := tf.Engine

	// alice registered locally while the ledger was down
	tf.Ledger.SetUnreachable(true)
	registerUser(t, eng, aliceID)
	_, err := eng.Submit(ctx, Submission{Identity: aliceID, Filename: "x.png", Data: SafeImage})
	assert.ErrorIs(err, ledger.ErrNotRegistered)

	tf.Ledger.SetUnreachable(false)
	_, err = eng.Submit(ctx, Submission{Identity: aliceID, Filename: "x.png", Data: SafeImage})
	assert.ErrorIs(err, ledger.ErrNotRegistered)

	// bob is registered on both; an outage falls back to local state
	bob := registerUser(t, eng, bobID)
	assert.True(bob.LedgerRegistered)
	tf.Ledger.SetUnreachable(true)
	res, err := eng.Submit(ctx, Submission{Identity: bobID, Filename: "x.png", Data: SafeImage})
	require.NoError(err)
	assert.True(res.Accepted)
	assert.False(res.LedgerMirrored)
	assert.NotEmpty(res.LedgerWarning)

	posts, err := eng.Store.UnmirroredPosts(ctx, 0, 10)
	require.NoError(err)
	assert.Len(posts, 1)

	tf.Ledger.SetUnreachable(false)
	rep, err := eng.Reconcile(ctx, 10)
	require.NoError(err)
	assert.Equal(1, rep.Registered)
	assert.Equal(1, rep.Mirrored)
	posts, err = eng.Store.UnmirroredPosts(ctx, 0, 10)
	require.NoError(err)
	assert.Empty(posts)
}

func TestSubmitUnfundedIdentity(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	tf := testFixture(t)
	eng := tf.Engine

	// the ledger is up, but alice can't pay for her registration
	tf.Ledger.SetBalance(aliceID, decimal.Zero)
	reg, err := eng.RegisterUser(ctx, aliceID, "alice")
	require.NoError(err)
	assert.False(reg.LedgerRegistered)
	assert.NotEmpty(reg.LedgerWarning)
	st, err := eng.Ledger.Status(ctx, aliceID)
	require.NoError(err)
	assert.Nil(st)

	res, err := eng.Submit(ctx, Submission{Identity: aliceID, Filename: "x.png", Data: SafeImage})
	assert.Nil(res)
	assert.ErrorIs(err, ledger.ErrNotRegistered)

	posts, err := eng.Store.ListPosts(ctx, reg.User.ID)
	require.NoError(err)
	assert.Empty(posts)
	assert.Equal(0, tf.Ledger.Calls("SubmitPost"))

	// violations still count against an unregistered identity
	vres := submitImage(t, eng, aliceID, ExplicitImage)
	assert.False(vres.Accepted)
	assert.Equal(1, vres.State.ViolationCount)
}

func TestSubmitEmbeddingRejected(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	tf := testFixture(t)
	eng := tf.Engine
	u := registerUser(t, eng, aliceID)

	eng.Analyzer = analyzerFunc(func(ctx context.Context, asset scoring.MediaAsset) (*scoring.Verdict, error) {
		return nil, fmt.Errorf("scoring image: %w", embedding.ErrEmbeddingRejected)
	})
	_, err := eng.Submit(ctx, Submission{Identity: aliceID, Filename: "x.png", Data: ExplicitImage})
	assert.ErrorIs(err, embedding.ErrEmbeddingRejected)

	// refused, but not held against the user
	posts, err := eng.Store.ListPosts(ctx, u.ID)
	require.NoError(err)
	assert.Empty(posts)
	st, err := eng.Status(ctx, aliceID)
	require.NoError(err)
	assert.Equal(0, st.State.ViolationCount)
}

func TestUnblockFlow(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	tf := testFixture(t)
	eng := tf.Engine
	u := registerUser(t, eng, aliceID)

	_, err := eng.RequestUnblock(ctx, aliceID)
	assert.ErrorIs(err, enforce.ErrNotBlocked)

	accepted := submitImage(t, eng, aliceID, BorderlineImage)
	require.True(accepted.Accepted)
	// a high-risk post stored under an older prompt set
	legacyKey, err := eng.Media.Put([]byte("legacy"), "legacy.png")
	require.NoError(err)
	require.NoError(eng.Store.CreatePost(ctx, &store.Post{UserID: u.ID, MediaKey: legacyKey, VulgarityScore: 0.8}))

	for i := 0; i < enforce.BlockThreshold; i++ {
		submitImage(t, eng, aliceID, ExplicitImage)
	}

	res, err := eng.RequestUnblock(ctx, aliceID)
	require.NoError(err)
	assert.True(res.User.UnblockRequested)
	// the ledger never saw the violations, so it rejects the request
	assert.False(res.LedgerMirrored)
	assert.Contains(res.LedgerWarning, "not blocked on ledger")
	assert.Equal([]string{aliceID}, tf.Notifier.Requests)

	_, err = eng.RequestUnblock(ctx, aliceID)
	assert.ErrorIs(err, enforce.ErrAlreadyPending)

	reqs, err := eng.UnblockRequests(ctx)
	require.NoError(err)
	require.Len(reqs, 1)
	blocked, err := eng.BlockedUsers(ctx)
	require.NoError(err)
	require.Len(blocked, 1)

	ures, err := eng.AdminUnblock(ctx, aliceID)
	require.NoError(err)
	assert.Equal(1, ures.Purged)
	assert.True(ures.LedgerMirrored)
	assert.Equal(0, ures.User.ViolationCount)
	assert.False(ures.User.IsBlocked)
	assert.False(ures.User.UnblockRequested)
	assert.NotNil(ures.User.BlockedAt)

	_, err = eng.Media.Get(legacyKey)
	assert.ErrorIs(err, store.ErrNotFound)
	posts, err := eng.Store.ListPosts(ctx, u.ID)
	require.NoError(err)
	require.Len(posts, 1)
	assert.Equal(accepted.Post.ID, posts[0].ID)

	// idempotent
	ures, err = eng.AdminUnblock(ctx, aliceID)
	require.NoError(err)
	assert.Equal(0, ures.Purged)
	assert.Equal(0, ures.User.ViolationCount)

	res2 := submitImage(t, eng, aliceID, SafeImage)
	assert.True(res2.Accepted)

	st, err := eng.Status(ctx, aliceID)
	require.NoError(err)
	assert.Equal(enforce.PhaseClear, st.Phase)
	assert.Equal(3, st.Violations)
}

func TestReconcileDivergence(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	tf := testFixture(t)
	eng := tf.Engine
	registerUser(t, eng, aliceID)
	registerUser(t, eng, bobID)

	for i := 0; i < enforce.BlockThreshold; i++ {
		submitImage(t, eng, aliceID, ExplicitImage)
	}

	rep, err := eng.Reconcile(ctx, 1)
	require.NoError(err)
	assert.Equal(2, rep.Checked)
	assert.Equal(1, rep.Divergent)
	assert.Equal([]string{aliceID}, tf.Notifier.Diverged)

	st, err := eng.Status(ctx, aliceID)
	require.NoError(err)
	assert.Contains(st.Flags, flagstore.FlagLedgerBlockedDivergence)
	require.NotNil(st.Ledger)
	assert.False(st.Ledger.Blocked)
	// local state is not rewritten from the ledger
	assert.True(st.State.IsBlocked)

	// already flagged: no repeat notification
	_, err = eng.Reconcile(ctx, 10)
	require.NoError(err)
	assert.Len(tf.Notifier.Diverged, 1)

	_, err = eng.AdminUnblock(ctx, aliceID)
	require.NoError(err)
	rep, err = eng.Reconcile(ctx, 10)
	require.NoError(err)
	assert.Equal(0, rep.Divergent)
	st, err = eng.Status(ctx, aliceID)
	require.NoError(err)
	assert.Empty(st.Flags)
}

func TestReconcileRotatesPastFailures(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	tf := testFixture(t)
	eng := tf.Engine

	// alice can never be registered, so her posts never mirror
	tf.Ledger.SetBalance(aliceID, decimal.Zero)
	alice := registerUser(t, eng, aliceID)
	for i := 0; i < 2; i++ {
		key, err := eng.Media.Put([]byte(fmt.Sprintf("legacy-%d", i)), "legacy.png")
		require.NoError(err)
		require.NoError(eng.Store.CreatePost(ctx, &store.Post{UserID: alice.ID, MediaKey: key, VulgarityScore: 0.1}))
	}

	// bob's post only missed the ledger because of an outage
	registerUser(t, eng, bobID)
	tf.Ledger.SetUnreachable(true)
	res := submitImage(t, eng, bobID, SafeImage)
	require.True(res.Accepted)
	require.False(res.LedgerMirrored)
	tf.Ledger.SetUnreachable(false)

	rep, err := eng.Reconcile(ctx, 2)
	require.NoError(err)
	assert.Equal(0, rep.Mirrored)
	assert.Equal(2, rep.MirrorFailed)
	assert.Equal(1, rep.RegisterFailed)

	rep, err = eng.Reconcile(ctx, 2)
	require.NoError(err)
	assert.Equal(1, rep.Mirrored)
	assert.Equal(0, rep.MirrorFailed)

	p, err := eng.Store.GetPost(ctx, res.Post.ID)
	require.NoError(err)
	assert.True(p.LedgerMirrored)

	// back around to the start of the queue
	rep, err = eng.Reconcile(ctx, 2)
	require.NoError(err)
	assert.Equal(2, rep.MirrorFailed)
	pending, err := eng.Store.UnmirroredPosts(ctx, 0, 10)
	require.NoError(err)
	require.Len(pending, 2)
	for _, pp := range pending {
		assert.Equal(alice.ID, pp.UserID)
	}
}

func TestLedgerDisabled(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	tf := testFixture(t)
	eng := tf.Engine
	eng.Ledger = nil

	res, err := eng.RegisterUser(ctx, aliceID, "alice")
	require.NoError(err)
	assert.False(res.LedgerRegistered)
	assert.Empty(res.LedgerWarning)

	sres := submitImage(t, eng, aliceID, SafeImage)
	assert.True(sres.Accepted)
	assert.False(sres.LedgerMirrored)

	_, err = eng.Reconcile(ctx, 10)
	assert.ErrorIs(err, ErrLedgerDisabled)
	assert.Equal(0, tf.Ledger.TxCount())
}

func TestStats(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	tf := testFixture(t)
	eng := tf.Engine
	registerUser(t, eng, aliceID)
	registerUser(t, eng, bobID)

	submitImage(t, eng, aliceID, SafeImage)
	submitImage(t, eng, bobID, BorderlineImage)
	submitImage(t, eng, bobID, ExplicitImage)

	st, err := eng.Stats(ctx)
	require.NoError(err)
	assert.Equal(int64(2), st.TotalUsers)
	assert.Equal(int64(2), st.TotalPosts)
	assert.Equal(int64(1), st.TotalViolations)
	assert.Equal(int64(0), st.BlockedUsers)
	assert.Len(st.RecentPosts, 2)
	assert.Equal(1, st.ViolatorsToday)
	assert.Equal(1, st.ViolatorsTotal)

	// repeat offenders and repeat outages count once per identity
	submitImage(t, eng, bobID, ExplicitImage)
	tf.Ledger.SetUnreachable(true)
	submitImage(t, eng, aliceID, SafeImage)
	submitImage(t, eng, aliceID, SafeImage)
	tf.Ledger.SetUnreachable(false)

	st, err = eng.Stats(ctx)
	require.NoError(err)
	assert.Equal(int64(2), st.TotalViolations)
	assert.Equal(1, st.ViolatorsTotal)
	assert.Equal(1, st.LedgerDegradedIdentities["post"])
	assert.Equal(0, st.LedgerDegradedIdentities["register"])
	c, err := eng.Counters.GetCount(ctx, CounterLedgerDegraded, "post", countstore.PeriodTotal)
	require.NoError(err)
	assert.Equal(2, c)
}

func TestRecoverPanic(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	tf := testFixture(t)
	eng := tf.Engine
	registerUser(t, eng, aliceID)

	eng.Analyzer = analyzerFunc(func(ctx context.Context, asset scoring.MediaAsset) (*scoring.Verdict, error) {
		panic("boom")
	})
	_, err := eng.Submit(ctx, Submission{Identity: aliceID, Filename: "x.png", Data: SafeImage})
	assert.Error(err)
	assert.True(errors.Is(err, errPanic))
	assert.Contains(err.Error(), "boom")
}

func TestClock(t *testing.T) {
	assert := assert.New(t)
	tf := testFixture(t)
	eng := tf.Engine
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	eng.Clock = func() time.Time { return fixed }
	registerUser(t, eng, aliceID)

	var res *SubmitResult
	for i := 0; i < enforce.BlockThreshold; i++ {
		res = submitImage(t, eng, aliceID, ExplicitImage)
	}
	if assert.NotNil(res.State.BlockedAt) {
		assert.True(fixed.Equal(*res.State.BlockedAt))
	}
}
