package posts

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// castVoteMaxAttempts bounds retries when a concurrent insert for the same
// (user, post) pair wins the race to the ledger's uniqueness constraint. The
// retry re-reads the ledger and proceeds down the update path instead.
const castVoteMaxAttempts = 3

// ErrVoteConflict indicates the ledger uniqueness constraint kept rejecting a
// concurrent insert for the full retry budget.
var ErrVoteConflict = errors.New("posts: concurrent vote conflict")

// CastVote records userID's vote on postID. rawDirection follows the client
// signal convention: -1 is a downvote, anything else an upvote. Re-submitting
// the same direction is a no-op; the opposite direction toggles the vote and
// moves the score by twice the new value. The ledger write and the score
// adjustment commit atomically.
func (s *Service) CastVote(ctx context.Context, userID, postID int64, rawDirection int) error {
	if userID <= 0 {
		return newServiceError(opCastVote, "missing_viewer", errMissingViewer)
	}
	value := NewVoteValue(rawDirection)

	var lastErr error
	for attempt := 0; attempt < castVoteMaxAttempts; attempt++ {
		err := s.castVoteOnce(ctx, userID, postID, value)
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return err
		}
		// Lost the insert race; the row exists now, so the re-read will
		// take the no-op or toggle path.
		lastErr = err
		s.logger.Warn("vote insert conflict, retrying",
			zap.Int64("user_id", userID),
			zap.Int64("post_id", postID),
			zap.Int("attempt", attempt+1))
	}

	s.logError(opCastVote, "conflict_retries_exhausted", lastErr,
		zap.Int64("user_id", userID),
		zap.Int64("post_id", postID))
	return newServiceError(opCastVote, "conflict_retries_exhausted", errors.Join(ErrVoteConflict, lastErr))
}

// castVoteOnce runs one attempt of the check-then-act sequence as a single
// transaction. SQLite executes transactions with serializable isolation and a
// single writer, so the ledger read and the score adjustment cannot interleave
// with a conflicting transaction.
func (s *Service) castVoteOnce(ctx context.Context, userID, postID int64, value VoteValue) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Vote
		err := tx.Where("user_id = ? AND post_id = ?", userID, postID).Take(&existing).Error

		switch {
		case err == nil:
			if existing.Value == value.Int() {
				// Same direction: idempotent no-op.
				return nil
			}
			now := s.clock().UTC().UnixMilli()
			result := tx.Model(&Vote{}).
				Where("user_id = ? AND post_id = ?", userID, postID).
				Updates(map[string]interface{}{
					"value":         value.Int(),
					"updated_at_ms": now,
				})
			if result.Error != nil {
				return newServiceError(opCastVote, "ledger_update_failed", result.Error)
			}
			// Undo the old contribution and apply the new one in one step.
			return s.adjustScore(tx, postID, 2*int64(value))

		case errors.Is(err, gorm.ErrRecordNotFound):
			now := s.clock().UTC().UnixMilli()
			vote := Vote{
				UserID:          userID,
				PostID:          postID,
				Value:           value.Int(),
				CreatedAtMillis: now,
				UpdatedAtMillis: now,
			}
			if err := tx.Create(&vote).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return err
				}
				return newServiceError(opCastVote, "ledger_insert_failed", err)
			}
			return s.adjustScore(tx, postID, int64(value))

		default:
			return newServiceError(opCastVote, "ledger_select_failed", err)
		}
	})
}

// adjustScore applies delta to the post's cached score as a single atomic
// increment at the storage layer. Zero affected rows means the post is gone,
// which rolls back the surrounding transaction.
func (s *Service) adjustScore(tx *gorm.DB, postID, delta int64) error {
	result := tx.Model(&Post{}).
		Where("id = ?", postID).
		UpdateColumn("score", gorm.Expr("score + ?", delta))
	if result.Error != nil {
		return newServiceError(opCastVote, "score_adjust_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opCastVote, "post_not_found", ErrPostNotFound)
	}
	return nil
}
