package posts

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/tidemark-labs/ripple/backend/internal/users"
	"gorm.io/gorm"
)

func newTestService(t *testing.T, cfg ServiceConfig) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:ripple_posts_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Post{}, &Vote{}, &users.User{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	cfg.Database = db
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Unix(1700000600, 0).UTC() }
	}

	service, err := NewService(cfg)
	if err != nil {
		t.Fatalf("failed to construct posts service: %v", err)
	}
	return service, db
}

func seedUser(t *testing.T, db *gorm.DB, id int64, username string) {
	t.Helper()
	user := users.User{
		ID:              id,
		Username:        username,
		Email:           fmt.Sprintf("%s@example.com", username),
		PasswordHash:    "x",
		CreatedAtMillis: 1700000000000,
		UpdatedAtMillis: 1700000000000,
	}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("failed to seed user %s: %v", username, err)
	}
}

func seedPost(t *testing.T, db *gorm.DB, id, creatorID, createdAtMillis int64) {
	t.Helper()
	post := Post{
		ID:              id,
		Title:           fmt.Sprintf("post-%d", id),
		Text:            fmt.Sprintf("body of post %d", id),
		CreatorID:       creatorID,
		Score:           0,
		CreatedAtMillis: createdAtMillis,
		UpdatedAtMillis: createdAtMillis,
	}
	if err := db.Create(&post).Error; err != nil {
		t.Fatalf("failed to seed post %d: %v", id, err)
	}
}

func postScore(t *testing.T, db *gorm.DB, postID int64) int64 {
	t.Helper()
	var post Post
	if err := db.Where("id = ?", postID).Take(&post).Error; err != nil {
		t.Fatalf("failed to load post %d: %v", postID, err)
	}
	return post.Score
}

func ledgerSum(t *testing.T, db *gorm.DB, postID int64) int64 {
	t.Helper()
	var sum int64
	if err := db.Model(&Vote{}).
		Where("post_id = ?", postID).
		Select("COALESCE(SUM(value), 0)").
		Scan(&sum).Error; err != nil {
		t.Fatalf("failed to sum ledger for post %d: %v", postID, err)
	}
	return sum
}

func assertScoreMatchesLedger(t *testing.T, db *gorm.DB, postID int64) {
	t.Helper()
	score := postScore(t, db, postID)
	sum := ledgerSum(t, db, postID)
	if score != sum {
		t.Fatalf("score %d diverged from ledger sum %d for post %d", score, sum, postID)
	}
}

func ledgerRowCount(t *testing.T, db *gorm.DB, userID, postID int64) int64 {
	t.Helper()
	var count int64
	if err := db.Model(&Vote{}).
		Where("user_id = ? AND post_id = ?", userID, postID).
		Count(&count).Error; err != nil {
		t.Fatalf("failed to count ledger rows: %v", err)
	}
	return count
}
