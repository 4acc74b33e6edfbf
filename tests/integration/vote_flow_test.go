package integration_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tidemark-labs/ripple/backend/internal/auth"
	"github.com/tidemark-labs/ripple/backend/internal/posts"
	"github.com/tidemark-labs/ripple/backend/internal/server"
	"github.com/tidemark-labs/ripple/backend/internal/users"
)

const (
	sessionSigningSecret = "integration-secret"
	sessionCookieName    = "ripple_session"
	jsonContentType      = "application/json"
)

type uuidTokens struct{}

func (uuidTokens) NewToken() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func newIntegrationServer(testContext *testing.T) *httptest.Server {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:ripple_integration_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&users.User{}, &users.PasswordResetToken{}, &posts.Post{}, &posts.Vote{}); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}

	sessions, err := auth.NewSessionManager(auth.SessionManagerConfig{
		SigningSecret: []byte(sessionSigningSecret),
		CookieName:    sessionCookieName,
	})
	if err != nil {
		testContext.Fatalf("failed to construct session manager: %v", err)
	}
	usersService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Tokens:   uuidTokens{},
		Logger:   zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build users service: %v", err)
	}
	postsService, err := posts.NewService(posts.ServiceConfig{
		Database: db,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build posts service: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:     sessions,
		UsersService: usersService,
		PostsService: postsService,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	testContext.Cleanup(testServer.Close)
	return testServer
}

func postJSON(testContext *testing.T, serverURL, path string, body any, cookie *http.Cookie) *http.Response {
	testContext.Helper()

	encoded, err := json.Marshal(body)
	if err != nil {
		testContext.Fatalf("failed to encode body: %v", err)
	}
	request, err := http.NewRequest(http.MethodPost, serverURL+path, bytes.NewReader(encoded))
	if err != nil {
		testContext.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", jsonContentType)
	if cookie != nil {
		request.AddCookie(cookie)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("request to %s failed: %v", path, err)
	}
	return response
}

func getJSON(testContext *testing.T, serverURL, path string, cookie *http.Cookie, target any) {
	testContext.Helper()

	request, err := http.NewRequest(http.MethodGet, serverURL+path, nil)
	if err != nil {
		testContext.Fatalf("failed to build request: %v", err)
	}
	if cookie != nil {
		request.AddCookie(cookie)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("request to %s failed: %v", path, err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected status %d for %s", response.StatusCode, path)
	}
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		testContext.Fatalf("failed to decode %s response: %v", path, err)
	}
}

func registerAccount(testContext *testing.T, serverURL, username string) *http.Cookie {
	testContext.Helper()

	response := postJSON(testContext, serverURL, "/auth/register", map[string]any{
		"username": username,
		"email":    username + "@example.com",
		"password": "password",
	}, nil)
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("registration for %s failed with %d", username, response.StatusCode)
	}
	for _, cookie := range response.Cookies() {
		if cookie.Name == sessionCookieName && cookie.Value != "" {
			return cookie
		}
	}
	testContext.Fatalf("expected session cookie for %s", username)
	return nil
}

type feedResponse struct {
	Posts []struct {
		ID         int64  `json:"id"`
		Title      string `json:"title"`
		Score      int64  `json:"score"`
		ViewerVote *int   `json:"viewer_vote"`
		Creator    struct {
			Username string `json:"username"`
		} `json:"creator"`
		CreatedAtMillis int64 `json:"created_at_ms"`
	} `json:"posts"`
	HasMore bool `json:"has_more"`
}

func TestVoteFlowEndToEnd(testContext *testing.T) {
	testServer := newIntegrationServer(testContext)

	alice := registerAccount(testContext, testServer.URL, "alice")
	bob := registerAccount(testContext, testServer.URL, "bob")

	createResponse := postJSON(testContext, testServer.URL, "/posts", map[string]any{
		"title": "launch day",
		"text":  "the vote ledger is live",
	}, alice)
	defer createResponse.Body.Close()
	if createResponse.StatusCode != http.StatusCreated {
		testContext.Fatalf("unexpected create status: %d", createResponse.StatusCode)
	}
	var created struct {
		Post struct {
			ID int64 `json:"id"`
		} `json:"post"`
	}
	if err := json.NewDecoder(createResponse.Body).Decode(&created); err != nil {
		testContext.Fatalf("failed to decode create response: %v", err)
	}

	votePath := fmt.Sprintf("/posts/%d/vote", created.Post.ID)
	for _, voter := range []*http.Cookie{alice, bob} {
		voteResponse := postJSON(testContext, testServer.URL, votePath, map[string]any{"value": 1}, voter)
		voteResponse.Body.Close()
		if voteResponse.StatusCode != http.StatusOK {
			testContext.Fatalf("unexpected vote status: %d", voteResponse.StatusCode)
		}
	}

	var feed feedResponse
	getJSON(testContext, testServer.URL, "/feed", bob, &feed)
	if len(feed.Posts) != 1 {
		testContext.Fatalf("expected a single post on the feed, got %d", len(feed.Posts))
	}
	row := feed.Posts[0]
	if row.Score != 2 {
		testContext.Fatalf("expected both votes counted, got score %d", row.Score)
	}
	if row.ViewerVote == nil || *row.ViewerVote != 1 {
		testContext.Fatalf("expected bob's vote annotated, got %#v", row.ViewerVote)
	}
	if row.Creator.Username != "alice" {
		testContext.Fatalf("expected creator alice, got %q", row.Creator.Username)
	}

	// Repeating the same vote must not move the score.
	revote := postJSON(testContext, testServer.URL, votePath, map[string]any{"value": 1}, bob)
	revote.Body.Close()
	if revote.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected revote status: %d", revote.StatusCode)
	}
	getJSON(testContext, testServer.URL, "/feed", bob, &feed)
	if feed.Posts[0].Score != 2 {
		testContext.Fatalf("revote must be idempotent, got score %d", feed.Posts[0].Score)
	}

	// Toggling flips the contribution by two.
	toggle := postJSON(testContext, testServer.URL, votePath, map[string]any{"value": -1}, bob)
	toggle.Body.Close()
	if toggle.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected toggle status: %d", toggle.StatusCode)
	}
	getJSON(testContext, testServer.URL, "/feed", bob, &feed)
	if feed.Posts[0].Score != 0 {
		testContext.Fatalf("expected score 0 after toggle, got %d", feed.Posts[0].Score)
	}
	if feed.Posts[0].ViewerVote == nil || *feed.Posts[0].ViewerVote != -1 {
		testContext.Fatalf("expected annotation to follow the toggle, got %#v", feed.Posts[0].ViewerVote)
	}
}

func TestFeedPaginationEndToEnd(testContext *testing.T) {
	testServer := newIntegrationServer(testContext)
	alice := registerAccount(testContext, testServer.URL, "alice")

	for i := 1; i <= 5; i++ {
		response := postJSON(testContext, testServer.URL, "/posts", map[string]any{
			"title": fmt.Sprintf("post %d", i),
			"text":  "body",
		}, alice)
		response.Body.Close()
		if response.StatusCode != http.StatusCreated {
			testContext.Fatalf("unexpected create status: %d", response.StatusCode)
		}
		// Posts created in the same millisecond share a cursor position;
		// spacing them out keeps the walk deterministic.
		time.Sleep(2 * time.Millisecond)
	}

	seen := map[int64]bool{}
	cursor := ""
	pages := 0
	for {
		path := "/feed?limit=2"
		if cursor != "" {
			path += "&cursor=" + url.QueryEscape(cursor)
		}
		var feed feedResponse
		getJSON(testContext, testServer.URL, path, nil, &feed)
		pages++

		for _, row := range feed.Posts {
			if seen[row.ID] {
				testContext.Fatalf("post %d repeated across pages", row.ID)
			}
			seen[row.ID] = true
		}
		if !feed.HasMore {
			break
		}
		if len(feed.Posts) == 0 {
			testContext.Fatalf("has_more with an empty page")
		}
		last := feed.Posts[len(feed.Posts)-1]
		cursor = fmt.Sprintf("%d", last.CreatedAtMillis)
	}

	if len(seen) != 5 {
		testContext.Fatalf("expected all 5 posts across pages, saw %d", len(seen))
	}
	if pages != 3 {
		testContext.Fatalf("expected 3 pages of 2/2/1, got %d", pages)
	}
}
