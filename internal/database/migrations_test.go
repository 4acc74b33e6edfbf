package database

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tidemark-labs/ripple/backend/internal/posts"
	"github.com/tidemark-labs/ripple/backend/internal/users"
)

func newMigratedDatabase(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:ripple_database_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&users.User{},
		&users.PasswordResetToken{},
		&posts.Post{},
		&posts.Vote{},
		&migrationRecord{},
	); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func TestApplyMigrationsReconcilesDriftedScores(t *testing.T) {
	db := newMigratedDatabase(t)

	user := users.User{ID: 1, Username: "alice", Email: "alice@example.com", PasswordHash: "x"}
	if err := db.Create(&user).Error; err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
	post := posts.Post{ID: 10, Title: "drifted", CreatorID: 1, Score: 99, CreatedAtMillis: 1000, UpdatedAtMillis: 1000}
	if err := db.Create(&post).Error; err != nil {
		t.Fatalf("failed to seed post: %v", err)
	}
	votes := []posts.Vote{
		{UserID: 1, PostID: 10, Value: 1},
		{UserID: 2, PostID: 10, Value: -1},
		{UserID: 3, PostID: 10, Value: 1},
	}
	for _, vote := range votes {
		record := vote
		if err := db.Create(&record).Error; err != nil {
			t.Fatalf("failed to seed vote: %v", err)
		}
	}

	if err := applyMigrations(db, zap.NewNop()); err != nil {
		t.Fatalf("unexpected migration error: %v", err)
	}

	var reconciled posts.Post
	if err := db.Where("id = ?", 10).Take(&reconciled).Error; err != nil {
		t.Fatalf("failed to reload post: %v", err)
	}
	if reconciled.Score != 1 {
		t.Fatalf("expected score reconciled to 1, got %d", reconciled.Score)
	}
}

func TestApplyMigrationsZeroesScoreWithoutVotes(t *testing.T) {
	db := newMigratedDatabase(t)

	post := posts.Post{ID: 11, Title: "orphaned", CreatorID: 1, Score: -7, CreatedAtMillis: 1000, UpdatedAtMillis: 1000}
	if err := db.Create(&post).Error; err != nil {
		t.Fatalf("failed to seed post: %v", err)
	}

	if err := applyMigrations(db, zap.NewNop()); err != nil {
		t.Fatalf("unexpected migration error: %v", err)
	}

	var reconciled posts.Post
	if err := db.Where("id = ?", 11).Take(&reconciled).Error; err != nil {
		t.Fatalf("failed to reload post: %v", err)
	}
	if reconciled.Score != 0 {
		t.Fatalf("expected score 0 without ledger rows, got %d", reconciled.Score)
	}
}

func TestApplyMigrationsRunsOnce(t *testing.T) {
	db := newMigratedDatabase(t)

	if err := applyMigrations(db, zap.NewNop()); err != nil {
		t.Fatalf("unexpected migration error: %v", err)
	}

	var record migrationRecord
	if err := db.Where("name = ?", migrationReconcilePostScores).Take(&record).Error; err != nil {
		t.Fatalf("expected migration record: %v", err)
	}
	firstApplied := record.AppliedAtSeconds

	// A drifted score written after the first run must survive the second.
	post := posts.Post{ID: 12, Title: "later", CreatorID: 1, Score: 5, CreatedAtMillis: 2000, UpdatedAtMillis: 2000}
	if err := db.Create(&post).Error; err != nil {
		t.Fatalf("failed to seed post: %v", err)
	}
	if err := applyMigrations(db, zap.NewNop()); err != nil {
		t.Fatalf("unexpected migration error: %v", err)
	}

	var untouched posts.Post
	if err := db.Where("id = ?", 12).Take(&untouched).Error; err != nil {
		t.Fatalf("failed to reload post: %v", err)
	}
	if untouched.Score != 5 {
		t.Fatalf("second run must not reapply the migration, got score %d", untouched.Score)
	}

	if err := db.Where("name = ?", migrationReconcilePostScores).Take(&record).Error; err != nil {
		t.Fatalf("expected migration record to persist: %v", err)
	}
	if record.AppliedAtSeconds != firstApplied {
		t.Fatalf("migration record must not be rewritten")
	}
}

func TestOpenSQLitePreparesSchema(t *testing.T) {
	path := t.TempDir() + "/ripple.db"
	db, err := OpenSQLite(path, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}

	for _, model := range []interface{}{&users.User{}, &users.PasswordResetToken{}, &posts.Post{}, &posts.Vote{}} {
		if !db.Migrator().HasTable(model) {
			t.Fatalf("expected table for %T", model)
		}
	}

	var record migrationRecord
	if err := db.Where("name = ?", migrationReconcilePostScores).Take(&record).Error; err != nil {
		t.Fatalf("expected startup migrations to run: %v", err)
	}
}
