package posts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingViewer   = errors.New("viewer identity is required")
	noOpLogger         = zap.NewNop()
)

// ErrPostNotFound indicates the referenced post does not exist.
var ErrPostNotFound = errors.New("posts: post not found")

// ServiceError wraps a failure with a dotted operation code for transport-layer mapping.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "posts.service.new"
	opCreatePost = "posts.create_post"
	opGetPost    = "posts.get_post"
	opUpdatePost = "posts.update_post"
	opDeletePost = "posts.delete_post"
	opCastVote   = "posts.cast_vote"
	opGetFeed    = "posts.get_feed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

const defaultMaxFeedPageSize = 50

// ServiceConfig describes the dependencies of the posts service.
type ServiceConfig struct {
	Database        *gorm.DB
	Clock           func() time.Time
	Logger          *zap.Logger
	MaxFeedPageSize int
}

// Service owns posts, the vote ledger, and the denormalized score counter.
type Service struct {
	db          *gorm.DB
	clock       func() time.Time
	logger      *zap.Logger
	maxPageSize int
}

// NewService constructs the posts service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	maxPageSize := cfg.MaxFeedPageSize
	if maxPageSize <= 0 {
		maxPageSize = defaultMaxFeedPageSize
	}

	return &Service{
		db:          cfg.Database,
		clock:       clock,
		logger:      logger,
		maxPageSize: maxPageSize,
	}, nil
}

// CreatePost persists a new post owned by creatorID with an initial score of zero.
func (s *Service) CreatePost(ctx context.Context, creatorID int64, title, text string) (*Post, error) {
	if creatorID <= 0 {
		return nil, newServiceError(opCreatePost, "missing_creator", errMissingViewer)
	}
	if strings.TrimSpace(title) == "" {
		return nil, newServiceError(opCreatePost, "invalid_title", ErrInvalidTitle)
	}

	now := s.clock().UTC().UnixMilli()
	post := Post{
		Title:           title,
		Text:            text,
		CreatorID:       creatorID,
		Score:           0,
		CreatedAtMillis: now,
		UpdatedAtMillis: now,
	}
	if err := s.db.WithContext(ctx).Create(&post).Error; err != nil {
		s.logError(opCreatePost, "insert_failed", err, zap.Int64("creator_id", creatorID))
		return nil, newServiceError(opCreatePost, "insert_failed", err)
	}
	return &post, nil
}

// GetPost returns the post with the given id, or nil when it does not exist.
func (s *Service) GetPost(ctx context.Context, id int64) (*Post, error) {
	var post Post
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&post).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opGetPost, "query_failed", err, zap.Int64("post_id", id))
		return nil, newServiceError(opGetPost, "query_failed", err)
	}
	return &post, nil
}

// UpdatePost changes the title of a post owned by userID. A nil title leaves
// the post untouched. Returns nil when the post does not exist or is owned by
// someone else.
func (s *Service) UpdatePost(ctx context.Context, userID, id int64, title *string) (*Post, error) {
	if userID <= 0 {
		return nil, newServiceError(opUpdatePost, "missing_viewer", errMissingViewer)
	}

	var post Post
	err := s.db.WithContext(ctx).
		Where("id = ? AND creator_id = ?", id, userID).
		Take(&post).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opUpdatePost, "query_failed", err, zap.Int64("post_id", id))
		return nil, newServiceError(opUpdatePost, "query_failed", err)
	}

	if title == nil {
		return &post, nil
	}
	if strings.TrimSpace(*title) == "" {
		return nil, newServiceError(opUpdatePost, "invalid_title", ErrInvalidTitle)
	}

	now := s.clock().UTC().UnixMilli()
	updates := map[string]interface{}{
		"title":         *title,
		"updated_at_ms": now,
	}
	if err := s.db.WithContext(ctx).Model(&Post{}).
		Where("id = ? AND creator_id = ?", id, userID).
		Updates(updates).Error; err != nil {
		s.logError(opUpdatePost, "update_failed", err, zap.Int64("post_id", id))
		return nil, newServiceError(opUpdatePost, "update_failed", err)
	}

	post.Title = *title
	post.UpdatedAtMillis = now
	return &post, nil
}

// DeletePost removes a post and its ledger rows. Only the creator may delete;
// any other caller observes false, same as a missing post.
func (s *Service) DeletePost(ctx context.Context, userID, id int64) (bool, error) {
	if userID <= 0 {
		return false, newServiceError(opDeletePost, "missing_viewer", errMissingViewer)
	}

	deleted := false
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ? AND creator_id = ?", id, userID).Delete(&Post{})
		if result.Error != nil {
			return newServiceError(opDeletePost, "delete_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}
		if err := tx.Where("post_id = ?", id).Delete(&Vote{}).Error; err != nil {
			return newServiceError(opDeletePost, "ledger_delete_failed", err)
		}
		deleted = true
		return nil
	})
	if txErr != nil {
		s.logError(opDeletePost, "transaction_failed", txErr, zap.Int64("post_id", id))
		return false, txErr
	}
	return deleted, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("posts service error", attrs...)
}
