package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mediaguard/mediaguard/moderation/enforce"
	"github.com/mediaguard/mediaguard/util/cliutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	aliceID = "0x00000000000000000000000000000000000a11ce"
	bobID   = "0x0000000000000000000000000000000000000b0b"
)

func testStore(t *testing.T) *Store {
	db, err := cliutil.SetupDatabase("sqlite://"+filepath.Join(t.TempDir(), "mediaguard.sqlite"), 1)
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewStore(db)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestCreateUserIdempotent(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	s := testStore(t)

	u, created, err := s.CreateUser(ctx, aliceID, "alice")
	require.NoError(err)
	assert.True(created)
	assert.NotZero(u.ID)
	assert.Equal(0, u.ViolationCount)
	assert.False(u.IsBlocked)

	again, created, err := s.CreateUser(ctx, aliceID, "alice2")
	require.NoError(err)
	assert.False(created)
	assert.Equal(u.ID, again.ID)
	assert.Equal("alice", again.Username)

	_, err = s.GetUser(ctx, 9999)
	assert.ErrorIs(err, ErrNotFound)
	_, err = s.GetUserByIdentity(ctx, bobID)
	assert.ErrorIs(err, ErrNotFound)
}

func TestUpdateEnforcement(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	s := testStore(t)

	u, _, err := s.CreateUser(ctx, aliceID, "alice")
	require.NoError(err)

	now := time.Now().UTC()
	for i := 0; i < enforce.BlockThreshold; i++ {
		u, err = s.UpdateEnforcement(ctx, u.ID, func(st enforce.State) (enforce.State, error) {
			return enforce.RecordViolation(st, now), nil
		})
		require.NoError(err)
	}
	assert.Equal(3, u.ViolationCount)
	assert.True(u.IsBlocked)

	reloaded, err := s.GetUser(ctx, u.ID)
	require.NoError(err)
	assert.True(reloaded.IsBlocked)
	require.NotNil(reloaded.BlockedAt)

	// rejected transition leaves the row untouched
	_, err = s.UpdateEnforcement(ctx, u.ID, func(st enforce.State) (enforce.State, error) {
		return enforce.RequestUnblock(st, now)
	})
	require.NoError(err)
	_, err = s.UpdateEnforcement(ctx, u.ID, func(st enforce.State) (enforce.State, error) {
		return enforce.RequestUnblock(st, now)
	})
	assert.ErrorIs(err, enforce.ErrAlreadyPending)

	// invalid results are refused
	_, err = s.UpdateEnforcement(ctx, u.ID, func(st enforce.State) (enforce.State, error) {
		st.ViolationCount = 0
		return st, nil
	})
	assert.ErrorIs(err, enforce.ErrInvalidState)
	reloaded, err = s.GetUser(ctx, u.ID)
	require.NoError(err)
	assert.Equal(3, reloaded.ViolationCount)
	assert.True(reloaded.UnblockRequested)

	_, err = s.UpdateEnforcement(ctx, 9999, func(st enforce.State) (enforce.State, error) {
		return st, nil
	})
	assert.ErrorIs(err, ErrNotFound)
}

func TestUpdateEnforcementConcurrent(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	s := testStore(t)

	u, _, err := s.CreateUser(ctx, aliceID, "alice")
	require.NoError(err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateEnforcement(ctx, u.ID, func(st enforce.State) (enforce.State, error) {
				return enforce.RecordViolation(st, time.Now()), nil
			})
			assert.NoError(err)
		}()
	}
	wg.Wait()

	reloaded, err := s.GetUser(ctx, u.ID)
	require.NoError(err)
	assert.Equal(8, reloaded.ViolationCount)
}

func TestPostsAndPurge(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	s := testStore(t)

	alice, _, err := s.CreateUser(ctx, aliceID, "alice")
	require.NoError(err)
	bob, _, err := s.CreateUser(ctx, bobID, "bob")
	require.NoError(err)

	scores := []float64{0.1, 0.5, 0.51, 0.9}
	for i, score := range scores {
		p := &Post{
			UserID:          alice.ID,
			MediaKey:        "media-" + string(rune('a'+i)),
			VulgarityScore:  score,
			ContentCategory: "mild",
			Categories: []PostCategoryScore{
				{Category: "safe", Score: 0.6},
				{Category: "explicit", Score: 0.4},
			},
		}
		require.NoError(s.CreatePost(ctx, p))
		assert.NotZero(p.ID)
	}
	require.NoError(s.CreatePost(ctx, &Post{UserID: bob.ID, MediaKey: "bob-media", VulgarityScore: 0.95}))

	posts, err := s.ListPosts(ctx, alice.ID)
	require.NoError(err)
	require.Len(posts, 4)

	p, err := s.GetPost(ctx, posts[0].ID)
	require.NoError(err)
	require.Len(p.Categories, 2)
	assert.Equal("explicit", p.Categories[0].Category)

	purged, err := s.PurgePosts(ctx, alice.ID, enforce.PurgeScoreThreshold)
	require.NoError(err)
	require.Len(purged, 2)
	assert.Equal(0.51, purged[0].VulgarityScore)
	assert.Equal(0.9, purged[1].VulgarityScore)

	posts, err = s.ListPosts(ctx, alice.ID)
	require.NoError(err)
	assert.Len(posts, 2)

	_, err = s.GetPost(ctx, purged[0].ID)
	assert.ErrorIs(err, ErrNotFound)

	// other users untouched
	posts, err = s.ListPosts(ctx, bob.ID)
	require.NoError(err)
	assert.Len(posts, 1)

	purged, err = s.PurgePosts(ctx, alice.ID, enforce.PurgeScoreThreshold)
	require.NoError(err)
	assert.Empty(purged)
}

func TestLedgerBookkeeping(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	s := testStore(t)

	alice, _, err := s.CreateUser(ctx, aliceID, "alice")
	require.NoError(err)
	_, _, err = s.CreateUser(ctx, bobID, "bob")
	require.NoError(err)

	users, err := s.UnregisteredUsers(ctx, 0, 10)
	require.NoError(err)
	assert.Len(users, 2)

	page, err := s.ListUsers(ctx, 0, 1)
	require.NoError(err)
	require.Len(page, 1)
	assert.Equal(aliceID, page[0].Identity)
	page, err = s.ListUsers(ctx, page[0].ID, 10)
	require.NoError(err)
	require.Len(page, 1)
	assert.Equal(bobID, page[0].Identity)
	require.NoError(s.MarkUserRegistered(ctx, alice.ID))
	users, err = s.UnregisteredUsers(ctx, 0, 10)
	require.NoError(err)
	require.Len(users, 1)
	assert.Equal(bobID, users[0].Identity)
	users, err = s.UnregisteredUsers(ctx, users[0].ID, 10)
	require.NoError(err)
	assert.Empty(users)

	p := &Post{UserID: alice.ID, MediaKey: "k", VulgarityScore: 0.2}
	require.NoError(s.CreatePost(ctx, p))
	p2 := &Post{UserID: alice.ID, MediaKey: "k2", VulgarityScore: 0.1}
	require.NoError(s.CreatePost(ctx, p2))
	pending, err := s.UnmirroredPosts(ctx, 0, 10)
	require.NoError(err)
	require.Len(pending, 2)
	pending, err = s.UnmirroredPosts(ctx, p.ID, 10)
	require.NoError(err)
	require.Len(pending, 1)
	assert.Equal(p2.ID, pending[0].ID)
	require.NoError(s.MarkPostMirrored(ctx, p2.ID, nil))

	ledgerID := int64(7)
	require.NoError(s.MarkPostMirrored(ctx, p.ID, &ledgerID))
	pending, err = s.UnmirroredPosts(ctx, 0, 10)
	require.NoError(err)
	assert.Empty(pending)

	got, err := s.GetPost(ctx, p.ID)
	require.NoError(err)
	require.NotNil(got.LedgerPostID)
	assert.Equal(int64(7), *got.LedgerPostID)
}

func TestListsAndStats(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	s := testStore(t)

	alice, _, err := s.CreateUser(ctx, aliceID, "alice")
	require.NoError(err)
	bob, _, err := s.CreateUser(ctx, bobID, "bob")
	require.NoError(err)

	block := func(id uint64, at time.Time) {
		for i := 0; i < enforce.BlockThreshold; i++ {
			_, err := s.UpdateEnforcement(ctx, id, func(st enforce.State) (enforce.State, error) {
				return enforce.RecordViolation(st, at), nil
			})
			require.NoError(err)
		}
	}
	block(alice.ID, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	block(bob.ID, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	_, err = s.UpdateEnforcement(ctx, alice.ID, func(st enforce.State) (enforce.State, error) {
		return enforce.RequestUnblock(st, time.Now())
	})
	require.NoError(err)

	blocked, err := s.ListBlockedUsers(ctx)
	require.NoError(err)
	require.Len(blocked, 2)
	assert.Equal(bobID, blocked[0].Identity)

	reqs, err := s.ListUnblockRequests(ctx)
	require.NoError(err)
	require.Len(reqs, 1)
	assert.Equal(aliceID, reqs[0].Identity)

	require.NoError(s.CreatePost(ctx, &Post{UserID: alice.ID, MediaKey: "a", ContentCategory: "safe"}))
	require.NoError(s.CreatePost(ctx, &Post{UserID: alice.ID, MediaKey: "b", ContentCategory: "safe"}))
	require.NoError(s.CreatePost(ctx, &Post{UserID: bob.ID, MediaKey: "c", ContentCategory: "mild"}))

	st, err := s.Stats(ctx, 2)
	require.NoError(err)
	assert.Equal(int64(2), st.TotalUsers)
	assert.Equal(int64(2), st.BlockedUsers)
	assert.Equal(int64(1), st.UnblockRequests)
	assert.Equal(int64(6), st.TotalViolations)
	assert.Equal(int64(3), st.TotalPosts)
	assert.Equal([]CategoryCount{{Category: "mild", Count: 1}, {Category: "safe", Count: 2}}, st.PostsByCategory)
	require.Len(st.RecentPosts, 2)
	assert.Equal("c", st.RecentPosts[0].MediaKey)
}

func TestDiskMediaStore(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	ms, err := NewDiskMediaStore(filepath.Join(t.TempDir(), "media"))
	require.NoError(err)

	key, err := ms.Put([]byte("video bytes"), "Clip.MP4")
	require.NoError(err)
	assert.Equal(".mp4", filepath.Ext(key))

	b, err := ms.Get(key)
	require.NoError(err)
	assert.Equal("video bytes", string(b))

	require.NoError(ms.Delete(key))
	_, err = ms.Get(key)
	assert.ErrorIs(err, ErrNotFound)
	assert.NoError(ms.Delete(key))

	for _, bad := range []string{"", "../etc/passwd", "a/b", "..", "./x"} {
		_, err = ms.Get(bad)
		assert.ErrorIs(err, ErrInvalidMediaKey, bad)
		assert.ErrorIs(ms.Delete(bad), ErrInvalidMediaKey, bad)
	}
}
