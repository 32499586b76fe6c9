// Persistence for users (with their enforcement state), accepted posts, and
// per-post category scores, on sqlite or postgres via gorm; plus an on-disk
// media blob store.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/mediaguard/mediaguard/moderation/enforce"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&User{}, &Post{}, &PostCategoryScore{}); err != nil {
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqldb, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqldb.PingContext(ctx)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// Creates a user with zero enforcement counters. Returns the existing row
// (and created=false) if the identity is already known.
func (s *Store) CreateUser(ctx context.Context, identity, username string) (*User, bool, error) {
	u := User{Identity: identity, Username: username}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "identity"}},
		DoNothing: true,
	}).Create(&u)
	if res.Error != nil {
		return nil, false, fmt.Errorf("creating user: %w", res.Error)
	}
	if res.RowsAffected == 1 && u.ID != 0 {
		return &u, true, nil
	}
	existing, err := s.GetUserByIdentity(ctx, identity)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Store) GetUser(ctx context.Context, id uint64) (*User, error) {
	var u User
	if err := s.db.WithContext(ctx).First(&u, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (s *Store) GetUserByIdentity(ctx context.Context, identity string) (*User, error) {
	var u User
	if err := s.db.WithContext(ctx).Where("identity = ?", identity).First(&u).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// Loads a user's enforcement state, applies fn, and writes the result back,
// all in one transaction. If fn returns an error nothing is written and the
// error is returned (along with the unchanged user).
//
// The resulting state must pass enforce.State.Validate.
func (s *Store) UpdateEnforcement(ctx context.Context, userID uint64, fn func(enforce.State) (enforce.State, error)) (*User, error) {
	var u User
	var fnErr error
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// row lock on postgres; sqlite serializes writers anyway
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&u, userID).Error; err != nil {
			return notFound(err)
		}
		next, err := fn(u.EnforcementState())
		if err != nil {
			fnErr = err
			return err
		}
		if err := next.Validate(); err != nil {
			return err
		}
		u.applyEnforcement(next)
		return tx.Model(&User{}).Where("id = ?", userID).Updates(map[string]any{
			"violation_count":      u.ViolationCount,
			"is_blocked":           u.IsBlocked,
			"blocked_at":           u.BlockedAt,
			"unblock_requested":    u.UnblockRequested,
			"unblock_requested_at": u.UnblockRequestedAt,
		}).Error
	})
	if fnErr != nil {
		return &u, fnErr
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) MarkUserRegistered(ctx context.Context, userID uint64) error {
	return s.db.WithContext(ctx).Model(&User{}).Where("id = ?", userID).Update("ledger_registered", true).Error
}

// Users whose ledger registration has not been mirrored yet, ordered by ID,
// starting after the given ID.
func (s *Store) UnregisteredUsers(ctx context.Context, afterID uint64, limit int) ([]User, error) {
	var out []User
	err := s.db.WithContext(ctx).Where("ledger_registered = ? AND id > ?", false, afterID).Order("id asc").Limit(limit).Find(&out).Error
	return out, err
}

// Page of users ordered by ID, starting after the given ID.
func (s *Store) ListUsers(ctx context.Context, afterID uint64, limit int) ([]User, error) {
	var out []User
	err := s.db.WithContext(ctx).Where("id > ?", afterID).Order("id asc").Limit(limit).Find(&out).Error
	return out, err
}

// Blocked users, most recently blocked first.
func (s *Store) ListBlockedUsers(ctx context.Context) ([]User, error) {
	var out []User
	err := s.db.WithContext(ctx).Where("is_blocked = ?", true).Order("blocked_at desc").Find(&out).Error
	return out, err
}

// Users with a pending unblock request, oldest request first.
func (s *Store) ListUnblockRequests(ctx context.Context) ([]User, error) {
	var out []User
	err := s.db.WithContext(ctx).Where("unblock_requested = ?", true).Order("unblock_requested_at asc").Find(&out).Error
	return out, err
}

// Inserts a post and its category scores.
func (s *Store) CreatePost(ctx context.Context, p *Post) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cats := p.Categories
		p.Categories = nil
		if err := tx.Create(p).Error; err != nil {
			return fmt.Errorf("creating post: %w", err)
		}
		for i := range cats {
			cats[i].PostID = p.ID
		}
		if len(cats) > 0 {
			if err := tx.Create(&cats).Error; err != nil {
				return fmt.Errorf("creating post category scores: %w", err)
			}
		}
		p.Categories = cats
		return nil
	})
}

func (s *Store) GetPost(ctx context.Context, id uint64) (*Post, error) {
	var p Post
	if err := s.db.WithContext(ctx).Preload("Categories").First(&p, id).Error; err != nil {
		return nil, notFound(err)
	}
	sort.Slice(p.Categories, func(i, j int) bool { return p.Categories[i].Category < p.Categories[j].Category })
	return &p, nil
}

func (s *Store) ListPosts(ctx context.Context, userID uint64) ([]Post, error) {
	var out []Post
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("id asc").Find(&out).Error
	return out, err
}

// Deletes every post by the user scored strictly above minScore, with its
// category scores. Returns the deleted rows, so callers can remove media.
func (s *Store) PurgePosts(ctx context.Context, userID uint64, minScore float64) ([]Post, error) {
	var purged []Post
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ? AND vulgarity_score > ?", userID, minScore).Order("id asc").Find(&purged).Error; err != nil {
			return err
		}
		if len(purged) == 0 {
			return nil
		}
		ids := make([]uint64, len(purged))
		for i, p := range purged {
			ids[i] = p.ID
		}
		if err := tx.Where("post_id IN ?", ids).Delete(&PostCategoryScore{}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).Delete(&Post{}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("purging posts: %w", err)
	}
	return purged, nil
}

func (s *Store) MarkPostMirrored(ctx context.Context, postID uint64, ledgerPostID *int64) error {
	return s.db.WithContext(ctx).Model(&Post{}).Where("id = ?", postID).Updates(map[string]any{
		"ledger_mirrored": true,
		"ledger_post_id":  ledgerPostID,
	}).Error
}

// Posts not yet mirrored to the ledger, ordered by ID, starting after the
// given ID.
func (s *Store) UnmirroredPosts(ctx context.Context, afterID uint64, limit int) ([]Post, error) {
	var out []Post
	err := s.db.WithContext(ctx).Where("ledger_mirrored = ? AND id > ?", false, afterID).Order("id asc").Limit(limit).Find(&out).Error
	return out, err
}

type CategoryCount struct {
	Category string `json:"category"`
	Count    int64  `json:"count"`
}

type Stats struct {
	TotalUsers      int64           `json:"total_users"`
	BlockedUsers    int64           `json:"blocked_users"`
	UnblockRequests int64           `json:"unblock_requests"`
	TotalViolations int64           `json:"total_violations"`
	TotalPosts      int64           `json:"total_posts"`
	PostsByCategory []CategoryCount `json:"posts_by_category"`
	RecentPosts     []Post          `json:"recent_posts"`
}

func (s *Store) Stats(ctx context.Context, recent int) (*Stats, error) {
	db := s.db.WithContext(ctx)
	var st Stats
	if err := db.Model(&User{}).Count(&st.TotalUsers).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&User{}).Where("is_blocked = ?", true).Count(&st.BlockedUsers).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&User{}).Where("unblock_requested = ?", true).Count(&st.UnblockRequests).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&User{}).Select("COALESCE(SUM(violation_count), 0)").Scan(&st.TotalViolations).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&Post{}).Count(&st.TotalPosts).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&Post{}).Select("content_category AS category, COUNT(*) AS count").Group("content_category").Order("content_category").Scan(&st.PostsByCategory).Error; err != nil {
		return nil, err
	}
	if recent > 0 {
		if err := db.Order("id desc").Limit(recent).Find(&st.RecentPosts).Error; err != nil {
			return nil, err
		}
	}
	return &st, nil
}
