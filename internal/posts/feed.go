package posts

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// GetFeed returns one page of the reverse-chronological feed. limit is clamped
// to the configured maximum. cursor, when present, is an exclusive upper bound
// on creation time. viewerID annotates each row with the viewer's own vote; an
// anonymous viewer (viewerID <= 0) gets nil annotations everywhere.
//
// Ordering breaks creation-time ties by ascending post id so that a page
// boundary never repeats or skips a row.
func (s *Service) GetFeed(ctx context.Context, limit int, cursor FeedCursor, viewerID int64) (FeedPage, error) {
	if limit <= 0 {
		return FeedPage{}, newServiceError(opGetFeed, "invalid_limit", fmt.Errorf("%w: %d", ErrInvalidLimit, limit))
	}
	if limit > s.maxPageSize {
		limit = s.maxPageSize
	}

	query := s.db.WithContext(ctx).
		Order("created_at_ms DESC, id ASC").
		Limit(limit + 1)
	if cursor.Present() {
		query = query.Where("created_at_ms < ?", cursor.Int64())
	}

	var fetched []Post
	if err := query.Find(&fetched).Error; err != nil {
		s.logError(opGetFeed, "query_failed", err)
		return FeedPage{}, newServiceError(opGetFeed, "query_failed", err)
	}

	hasMore := len(fetched) == limit+1
	if hasMore {
		fetched = fetched[:limit]
	}

	creators, err := s.loadCreators(ctx, fetched)
	if err != nil {
		return FeedPage{}, err
	}
	viewerVotes, err := s.loadViewerVotes(ctx, viewerID, fetched)
	if err != nil {
		return FeedPage{}, err
	}

	page := FeedPage{Posts: make([]FeedPost, 0, len(fetched)), HasMore: hasMore}
	for _, post := range fetched {
		row := FeedPost{
			Post:        post,
			Creator:     creators[post.CreatorID],
			TextSnippet: Snippet(post.Text),
		}
		if vote, ok := viewerVotes[post.ID]; ok {
			value := vote
			row.ViewerVote = &value
		}
		page.Posts = append(page.Posts, row)
	}
	return page, nil
}

// loadCreators resolves the public identity fields for every distinct creator
// on the page with a single query against the users table.
func (s *Service) loadCreators(ctx context.Context, page []Post) (map[int64]Creator, error) {
	creators := make(map[int64]Creator, len(page))
	if len(page) == 0 {
		return creators, nil
	}

	ids := make([]int64, 0, len(page))
	for _, post := range page {
		if _, seen := creators[post.CreatorID]; !seen {
			creators[post.CreatorID] = Creator{}
			ids = append(ids, post.CreatorID)
		}
	}

	var rows []Creator
	if err := s.db.WithContext(ctx).
		Table("users").
		Select("id", "username").
		Where("id IN ?", ids).
		Scan(&rows).Error; err != nil {
		s.logError(opGetFeed, "creator_query_failed", err, zap.Int("creators", len(ids)))
		return nil, newServiceError(opGetFeed, "creator_query_failed", err)
	}
	for _, row := range rows {
		creators[row.ID] = row
	}
	return creators, nil
}

// loadViewerVotes fetches the viewer's ledger entries for the page in one query.
func (s *Service) loadViewerVotes(ctx context.Context, viewerID int64, page []Post) (map[int64]int, error) {
	votes := make(map[int64]int)
	if viewerID <= 0 || len(page) == 0 {
		return votes, nil
	}

	ids := make([]int64, 0, len(page))
	for _, post := range page {
		ids = append(ids, post.ID)
	}

	var rows []Vote
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND post_id IN ?", viewerID, ids).
		Find(&rows).Error; err != nil {
		s.logError(opGetFeed, "viewer_vote_query_failed", err, zap.Int64("viewer_id", viewerID))
		return nil, newServiceError(opGetFeed, "viewer_vote_query_failed", err)
	}
	for _, row := range rows {
		votes[row.PostID] = row.Value
	}
	return votes, nil
}
