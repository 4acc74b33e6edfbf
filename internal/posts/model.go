package posts

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrInvalidCursor indicates that a feed cursor is not a positive millisecond epoch.
	ErrInvalidCursor = errors.New("posts: invalid feed cursor")
	// ErrInvalidLimit indicates that a requested page size is not positive.
	ErrInvalidLimit = errors.New("posts: invalid feed limit")
	// ErrInvalidTitle indicates that a post title is empty.
	ErrInvalidTitle = errors.New("posts: invalid title")
)

// VoteValue is a normalized vote direction. Any raw client value other than -1
// counts as an upvote; -1 counts as a downvote.
type VoteValue int

const (
	// Upvote adds one to a post's score.
	Upvote VoteValue = 1
	// Downvote subtracts one from a post's score.
	Downvote VoteValue = -1
)

// NewVoteValue normalizes the boolean-like client signal into a vote direction.
func NewVoteValue(raw int) VoteValue {
	if raw == -1 {
		return Downvote
	}
	return Upvote
}

// Int returns the signed contribution of the vote.
func (v VoteValue) Int() int {
	return int(v)
}

// FeedCursor is an exclusive creation-time boundary in millisecond epoch.
// The zero value means "start from the most recent post".
type FeedCursor int64

// NoCursor requests the first feed page.
const NoCursor FeedCursor = 0

// ParseFeedCursor validates the wire encoding of a cursor. An empty string maps
// to NoCursor.
func ParseFeedCursor(raw string) (FeedCursor, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return NoCursor, nil
	}
	value, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return NoCursor, fmt.Errorf("%w: %q", ErrInvalidCursor, raw)
	}
	if value <= 0 {
		return NoCursor, fmt.Errorf("%w: %d", ErrInvalidCursor, value)
	}
	return FeedCursor(value), nil
}

// Present reports whether the cursor carries a boundary.
func (c FeedCursor) Present() bool {
	return c > 0
}

// Int64 exposes the raw millisecond boundary.
func (c FeedCursor) Int64() int64 {
	return int64(c)
}

// Post models a text submission. Score is a cached projection of the vote
// ledger; its only writers are CastVote and the score reconciliation migration.
type Post struct {
	ID              int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Title           string `gorm:"column:title;size:255;not null"`
	Text            string `gorm:"column:text;type:text;not null"`
	CreatorID       int64  `gorm:"column:creator_id;not null;index:idx_posts_creator"`
	Score           int64  `gorm:"column:score;not null;default:0"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null;index:idx_posts_feed,priority:1"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Post) TableName() string {
	return "posts"
}

// Vote is the ledger entry recording a user's current vote on a post. The
// composite primary key enforces at most one row per (user, post) pair at the
// storage layer.
type Vote struct {
	UserID          int64 `gorm:"column:user_id;primaryKey;autoIncrement:false;not null"`
	PostID          int64 `gorm:"column:post_id;primaryKey;autoIncrement:false;not null;index:idx_votes_post"`
	Value           int   `gorm:"column:value;not null"`
	CreatedAtMillis int64 `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis int64 `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Vote) TableName() string {
	return "post_votes"
}

// Creator is the public identity joined into feed rows.
type Creator struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// FeedPost is one personalized feed row: the post, its creator's public
// identity, a short text snippet, and the viewer's own vote when present.
type FeedPost struct {
	Post        Post
	Creator     Creator
	TextSnippet string
	ViewerVote  *int
}

// FeedPage is one page of the reverse-chronological feed.
type FeedPage struct {
	Posts   []FeedPost
	HasMore bool
}

const snippetRuneLength = 50

// Snippet truncates post text to a short preview, preserving rune boundaries.
func Snippet(text string) string {
	runes := []rune(text)
	if len(runes) <= snippetRuneLength {
		return text
	}
	return string(runes[:snippetRuneLength])
}
