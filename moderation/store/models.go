package store

import (
	"time"

	"github.com/mediaguard/mediaguard/moderation/enforce"
)

type User struct {
	ID uint64 `gorm:"column:id;primarykey" json:"id"`

	// these fields are automatically managed by gorm (by convention)
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// normalized ledger identity ("0x" + 40 lower-case hex)
	Identity string `gorm:"column:identity;uniqueIndex;not null" json:"identity"`
	Username string `gorm:"column:username" json:"username"`

	ViolationCount     int        `gorm:"column:violation_count;not null;default:0" json:"violation_count"`
	IsBlocked          bool       `gorm:"column:is_blocked;index;not null;default:false" json:"is_blocked"`
	BlockedAt          *time.Time `gorm:"column:blocked_at" json:"blocked_at,omitempty"`
	UnblockRequested   bool       `gorm:"column:unblock_requested;index;not null;default:false" json:"unblock_requested"`
	UnblockRequestedAt *time.Time `gorm:"column:unblock_requested_at" json:"unblock_requested_at,omitempty"`

	// registration has been mirrored to the ledger
	LedgerRegistered bool `gorm:"column:ledger_registered;index;not null;default:false" json:"ledger_registered"`
}

func (User) TableName() string {
	return "users"
}

func (u *User) EnforcementState() enforce.State {
	return enforce.State{
		ViolationCount:     u.ViolationCount,
		IsBlocked:          u.IsBlocked,
		BlockedAt:          u.BlockedAt,
		UnblockRequested:   u.UnblockRequested,
		UnblockRequestedAt: u.UnblockRequestedAt,
	}
}

func (u *User) applyEnforcement(s enforce.State) {
	u.ViolationCount = s.ViolationCount
	u.IsBlocked = s.IsBlocked
	u.BlockedAt = s.BlockedAt
	u.UnblockRequested = s.UnblockRequested
	u.UnblockRequestedAt = s.UnblockRequestedAt
}

// An accepted submission. Rejected submissions are never stored.
type Post struct {
	ID        uint64    `gorm:"column:id;primarykey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`

	UserID uint64 `gorm:"column:user_id;index;not null" json:"user_id"`
	// name of the blob in the media store
	MediaKey string `gorm:"column:media_key;not null" json:"media_key"`
	Caption  string `gorm:"column:caption" json:"caption"`
	IsVideo  bool   `gorm:"column:is_video;not null;default:false" json:"is_video"`

	VulgarityScore  float64 `gorm:"column:vulgarity_score;index" json:"vulgarity_score"`
	ContentCategory string  `gorm:"column:content_category;index" json:"content_category"`
	// false if the embedding model was unavailable at submission time
	Assessed      bool   `gorm:"column:assessed" json:"assessed"`
	ContentHash   string `gorm:"column:content_hash;size:64;index" json:"content_hash"`
	FramesSampled int    `gorm:"column:frames_sampled;default:0" json:"frames_sampled"`

	// set once the post has been mirrored to the ledger
	LedgerPostID   *int64 `gorm:"column:ledger_post_id" json:"ledger_post_id,omitempty"`
	LedgerMirrored bool   `gorm:"column:ledger_mirrored;index;not null;default:false" json:"ledger_mirrored"`

	Categories []PostCategoryScore `gorm:"foreignKey:PostID" json:"categories,omitempty"`
}

func (Post) TableName() string {
	return "posts"
}

// Multi-category labeling output for a post (informational).
type PostCategoryScore struct {
	ID       uint64  `gorm:"column:id;primarykey" json:"id"`
	PostID   uint64  `gorm:"column:post_id;index;not null" json:"post_id"`
	Category string  `gorm:"column:category;not null" json:"category"`
	Score    float64 `gorm:"column:score" json:"score"`
}

func (PostCategoryScore) TableName() string {
	return "post_category_scores"
}
