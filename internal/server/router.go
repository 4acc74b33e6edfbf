package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tidemark-labs/ripple/backend/internal/auth"
	"github.com/tidemark-labs/ripple/backend/internal/posts"
	"github.com/tidemark-labs/ripple/backend/internal/users"
	"go.uber.org/zap"
)

const (
	userIDContextKey = "ripple_user_id"

	defaultFeedLimit      = 20
	heartbeatInterval     = 15 * time.Second
	sessionCookiePath     = "/"
	sessionCookieDomain   = ""
	sessionCookieSecure   = false
	sessionCookieHTTPOnly = true
)

var (
	errMissingSessionManager = errors.New("session manager dependency required")
	errMissingUsersService   = errors.New("users service dependency required")
	errMissingPostsService   = errors.New("posts service dependency required")
)

// Dependencies wires the HTTP layer to its collaborators.
type Dependencies struct {
	Sessions     *auth.SessionManager
	UsersService *users.Service
	PostsService *posts.Service
	Feed         *FeedDispatcher
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin router with all routes registered.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionManager
	}
	if deps.UsersService == nil {
		return nil, errMissingUsersService
	}
	if deps.PostsService == nil {
		return nil, errMissingPostsService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	feed := deps.Feed
	if feed == nil {
		feed = NewFeedDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:3000"},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	handler := &httpHandler{
		sessions:     deps.Sessions,
		usersService: deps.UsersService,
		postsService: deps.PostsService,
		feed:         feed,
		logger:       logger,
	}

	router.POST("/auth/register", handler.handleRegister)
	router.POST("/auth/login", handler.handleLogin)
	router.POST("/auth/logout", handler.handleLogout)
	router.POST("/auth/forgot-password", handler.handleForgotPassword)
	router.POST("/auth/reset-password", handler.handleResetPassword)

	router.GET("/feed", handler.withOptionalSession, handler.handleFeed)
	router.GET("/feed/stream", handler.handleFeedStream)
	router.GET("/posts/:id", handler.handleGetPost)

	protected := router.Group("/")
	protected.Use(handler.requireSession)
	protected.GET("/me", handler.handleMe)
	protected.POST("/posts", handler.handleCreatePost)
	protected.PATCH("/posts/:id", handler.handleUpdatePost)
	protected.DELETE("/posts/:id", handler.handleDeletePost)
	protected.POST("/posts/:id/vote", handler.handleCastVote)

	return router, nil
}

type httpHandler struct {
	sessions     *auth.SessionManager
	usersService *users.Service
	postsService *posts.Service
	feed         *FeedDispatcher
	logger       *zap.Logger
}

// requireSession resolves the viewer from the session cookie or rejects the
// request. The user id is never taken from client-supplied input.
func (h *httpHandler) requireSession(c *gin.Context) {
	userID, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

// withOptionalSession resolves the viewer when a valid cookie is present and
// continues anonymously otherwise.
func (h *httpHandler) withOptionalSession(c *gin.Context) {
	if userID, err := h.sessions.ValidateRequest(c.Request); err == nil {
		c.Set(userIDContextKey, userID)
	}
	c.Next()
}

func (h *httpHandler) viewerID(c *gin.Context) int64 {
	return c.GetInt64(userIDContextKey)
}

func (h *httpHandler) setSessionCookie(c *gin.Context, userID int64) bool {
	token, err := h.sessions.IssueSession(userID)
	if err != nil {
		h.logger.Error("failed to issue session", zap.Error(err), zap.Int64("user_id", userID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_issue_failed"})
		return false
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(
		h.sessions.CookieName(),
		token,
		int(h.sessions.SessionTTL().Seconds()),
		sessionCookiePath,
		sessionCookieDomain,
		sessionCookieSecure,
		sessionCookieHTTPOnly,
	)
	return true
}

func (h *httpHandler) clearSessionCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.sessions.CookieName(), "", -1, sessionCookiePath, sessionCookieDomain, sessionCookieSecure, sessionCookieHTTPOnly)
}

func serviceErrorBody(err error) gin.H {
	var postsErr *posts.ServiceError
	if errors.As(err, &postsErr) {
		return gin.H{"error": "internal_error", "code": postsErr.Code()}
	}
	var usersErr *users.ServiceError
	if errors.As(err, &usersErr) {
		return gin.H{"error": "internal_error", "code": usersErr.Code()}
	}
	return gin.H{"error": "internal_error"}
}

type userPayload struct {
	ID              int64  `json:"id"`
	Username        string `json:"username"`
	Email           string `json:"email"`
	CreatedAtMillis int64  `json:"created_at_ms"`
}

func ownUserPayload(user *users.User) userPayload {
	return userPayload{
		ID:              user.ID,
		Username:        user.Username,
		Email:           user.Email,
		CreatedAtMillis: user.CreatedAtMillis,
	}
}

type registerRequestPayload struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request registerRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	user, fieldErrors, err := h.usersService.Register(c.Request.Context(), request.Username, request.Email, request.Password)
	if err != nil {
		h.logger.Error("registration failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, serviceErrorBody(err))
		return
	}
	if fieldErrors != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": fieldErrors})
		return
	}

	if !h.setSessionCookie(c, user.ID) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": ownUserPayload(user)})
}

type loginRequestPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	user, fieldErrors, err := h.usersService.Login(c.Request.Context(), request.Username, request.Password)
	if err != nil {
		h.logger.Error("login failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, serviceErrorBody(err))
		return
	}
	if fieldErrors != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"errors": fieldErrors})
		return
	}

	if !h.setSessionCookie(c, user.ID) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": ownUserPayload(user)})
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	h.clearSessionCookie(c)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type forgotPasswordRequestPayload struct {
	Email string `json:"email"`
}

func (h *httpHandler) handleForgotPassword(c *gin.Context) {
	var request forgotPasswordRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.usersService.RequestPasswordReset(c.Request.Context(), request.Email); err != nil {
		h.logger.Error("password reset request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, serviceErrorBody(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type resetPasswordRequestPayload struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

func (h *httpHandler) handleResetPassword(c *gin.Context) {
	var request resetPasswordRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	user, fieldErrors, err := h.usersService.ResetPassword(c.Request.Context(), request.Token, request.NewPassword)
	if err != nil {
		h.logger.Error("password reset failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, serviceErrorBody(err))
		return
	}
	if fieldErrors != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": fieldErrors})
		return
	}

	if !h.setSessionCookie(c, user.ID) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": ownUserPayload(user)})
}

func (h *httpHandler) handleMe(c *gin.Context) {
	user, err := h.usersService.GetByID(c.Request.Context(), h.viewerID(c))
	if err != nil {
		h.logger.Error("me lookup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, serviceErrorBody(err))
		return
	}
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": ownUserPayload(user)})
}

type postPayload struct {
	ID              int64  `json:"id"`
	Title           string `json:"title"`
	Text            string `json:"text"`
	Score           int64  `json:"score"`
	CreatorID       int64  `json:"creator_id"`
	CreatedAtMillis int64  `json:"created_at_ms"`
	UpdatedAtMillis int64  `json:"updated_at_ms"`
}

func newPostPayload(post *posts.Post) postPayload {
	return postPayload{
		ID:              post.ID,
		Title:           post.Title,
		Text:            post.Text,
		Score:           post.Score,
		CreatorID:       post.CreatorID,
		CreatedAtMillis: post.CreatedAtMillis,
		UpdatedAtMillis: post.UpdatedAtMillis,
	}
}

type createPostRequestPayload struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

func (h *httpHandler) handleCreatePost(c *gin.Context) {
	var request createPostRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	post, err := h.postsService.CreatePost(c.Request.Context(), h.viewerID(c), request.Title, request.Text)
	if err != nil {
		if errors.Is(err, posts.ErrInvalidTitle) {
			c.JSON(http.StatusBadRequest, gin.H{"errors": []gin.H{{"field": "title", "message": "Title must not be empty"}}})
			return
		}
		h.logger.Error("post creation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, serviceErrorBody(err))
		return
	}

	h.feed.Publish(FeedEvent{
		EventType: FeedEventPostCreated,
		PostID:    post.ID,
		Score:     post.Score,
		Timestamp: time.Now().UTC(),
	})
	c.JSON(http.StatusCreated, gin.H{"post": newPostPayload(post)})
}

func parsePostID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_post_id"})
		return 0, false
	}
	return id, true
}

func (h *httpHandler) handleGetPost(c *gin.Context) {
	id, ok := parsePostID(c)
	if !ok {
		return
	}

	post, err := h.postsService.GetPost(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("post lookup failed", zap.Error(err), zap.Int64("post_id", id))
		c.JSON(http.StatusInternalServerError, serviceErrorBody(err))
		return
	}
	if post == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"post": newPostPayload(post)})
}

type updatePostRequestPayload struct {
	Title *string `json:"title"`
}

func (h *httpHandler) handleUpdatePost(c *gin.Context) {
	id, ok := parsePostID(c)
	if !ok {
		return
	}

	var request updatePostRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	post, err := h.postsService.UpdatePost(c.Request.Context(), h.viewerID(c), id, request.Title)
	if err != nil {
		if errors.Is(err, posts.ErrInvalidTitle) {
			c.JSON(http.StatusBadRequest, gin.H{"errors": []gin.H{{"field": "title", "message": "Title must not be empty"}}})
			return
		}
		h.logger.Error("post update failed", zap.Error(err), zap.Int64("post_id", id))
		c.JSON(http.StatusInternalServerError, serviceErrorBody(err))
		return
	}
	if post == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"post": newPostPayload(post)})
}

func (h *httpHandler) handleDeletePost(c *gin.Context) {
	id, ok := parsePostID(c)
	if !ok {
		return
	}

	deleted, err := h.postsService.DeletePost(c.Request.Context(), h.viewerID(c), id)
	if err != nil {
		h.logger.Error("post deletion failed", zap.Error(err), zap.Int64("post_id", id))
		c.JSON(http.StatusInternalServerError, serviceErrorBody(err))
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{"deleted": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

type castVoteRequestPayload struct {
	Value *int `json:"value"`
}

func (h *httpHandler) handleCastVote(c *gin.Context) {
	id, ok := parsePostID(c)
	if !ok {
		return
	}

	var request castVoteRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Value == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_value"})
		return
	}

	err := h.postsService.CastVote(c.Request.Context(), h.viewerID(c), id, *request.Value)
	if err != nil {
		switch {
		case errors.Is(err, posts.ErrPostNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		case errors.Is(err, posts.ErrVoteConflict):
			c.JSON(http.StatusConflict, gin.H{"error": "conflict"})
		default:
			h.logger.Error("vote failed", zap.Error(err), zap.Int64("post_id", id))
			c.JSON(http.StatusInternalServerError, serviceErrorBody(err))
		}
		return
	}

	if post, lookupErr := h.postsService.GetPost(c.Request.Context(), id); lookupErr == nil && post != nil {
		h.feed.Publish(FeedEvent{
			EventType: FeedEventScoreChanged,
			PostID:    post.ID,
			Score:     post.Score,
			Timestamp: time.Now().UTC(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"voted": true})
}

type feedPostPayload struct {
	ID              int64         `json:"id"`
	Title           string        `json:"title"`
	TextSnippet     string        `json:"text_snippet"`
	Score           int64         `json:"score"`
	Creator         posts.Creator `json:"creator"`
	ViewerVote      *int          `json:"viewer_vote"`
	CreatedAtMillis int64         `json:"created_at_ms"`
	UpdatedAtMillis int64         `json:"updated_at_ms"`
}

type feedResponsePayload struct {
	Posts   []feedPostPayload `json:"posts"`
	HasMore bool              `json:"has_more"`
}

func (h *httpHandler) handleFeed(c *gin.Context) {
	limit := defaultFeedLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}

	cursor, err := posts.ParseFeedCursor(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor"})
		return
	}

	page, err := h.postsService.GetFeed(c.Request.Context(), limit, cursor, h.viewerID(c))
	if err != nil {
		h.logger.Error("feed query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, serviceErrorBody(err))
		return
	}

	response := feedResponsePayload{Posts: make([]feedPostPayload, 0, len(page.Posts)), HasMore: page.HasMore}
	for _, row := range page.Posts {
		response.Posts = append(response.Posts, feedPostPayload{
			ID:              row.Post.ID,
			Title:           row.Post.Title,
			TextSnippet:     row.TextSnippet,
			Score:           row.Post.Score,
			Creator:         row.Creator,
			ViewerVote:      row.ViewerVote,
			CreatedAtMillis: row.Post.CreatedAtMillis,
			UpdatedAtMillis: row.Post.UpdatedAtMillis,
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleFeedStream(c *gin.Context) {
	stream, cancel := h.feed.Subscribe(c.Request.Context())
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case event, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(event.EventType, event)
			return true
		case <-heartbeat.C:
			c.SSEvent(feedEventHeartbeat, gin.H{"ts": time.Now().UTC()})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
