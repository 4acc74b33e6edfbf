package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultSessionTTL = 7 * 24 * time.Hour

	sessionIssuer   = "ripple-auth"
	sessionAudience = "ripple-api"
)

var (
	ErrMissingSigningSecret = errors.New("session: signing secret required")
	ErrMissingCookieName    = errors.New("session: cookie name required")
	ErrMissingSessionToken  = errors.New("session: token required")
	ErrInvalidSessionToken  = errors.New("session: invalid token")
	ErrExpiredSessionToken  = errors.New("session: token expired")
)

// SessionManagerConfig configures cookie-backed session issuance and validation.
type SessionManagerConfig struct {
	SigningSecret []byte
	CookieName    string
	SessionTTL    time.Duration
	Clock         func() time.Time
}

// SessionManager issues and validates HS256 session tokens carrying a numeric user id.
// The token travels in an HTTP cookie; the subject claim is the decimal user id.
type SessionManager struct {
	signingSecret []byte
	cookieName    string
	sessionTTL    time.Duration
	clock         func() time.Time
}

// NewSessionManager constructs a SessionManager with the provided configuration.
func NewSessionManager(cfg SessionManagerConfig) (*SessionManager, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		return nil, ErrMissingCookieName
	}
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionManager{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		cookieName:    cookieName,
		sessionTTL:    ttl,
		clock:         clock,
	}, nil
}

// CookieName returns the cookie name configured for session lookups.
func (m *SessionManager) CookieName() string {
	return m.cookieName
}

// SessionTTL returns the configured token lifetime.
func (m *SessionManager) SessionTTL() time.Duration {
	return m.sessionTTL
}

// IssueSession produces a signed session token for the given user id.
func (m *SessionManager) IssueSession(userID int64) (string, error) {
	if userID <= 0 {
		return "", fmt.Errorf("%w: subject required", ErrInvalidSessionToken)
	}

	now := m.clock().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		Issuer:    sessionIssuer,
		Audience:  []string{sessionAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.sessionTTL)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.signingSecret)
}

// ValidateToken validates the supplied token string and returns the user id it carries.
func (m *SessionManager) ValidateToken(tokenString string) (int64, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return 0, ErrMissingSessionToken
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidSessionToken, t.Method.Alg())
			}
			return m.signingSecret, nil
		},
		jwt.WithIssuer(sessionIssuer),
		jwt.WithAudience(sessionAudience),
		jwt.WithTimeFunc(m.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return 0, ErrExpiredSessionToken
		}
		return 0, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return 0, ErrInvalidSessionToken
	}

	userID, err := strconv.ParseInt(strings.TrimSpace(claims.Subject), 10, 64)
	if err != nil || userID <= 0 {
		return 0, fmt.Errorf("%w: malformed subject", ErrInvalidSessionToken)
	}
	return userID, nil
}

// ValidateRequest extracts the configured cookie from the request and validates it.
func (m *SessionManager) ValidateRequest(r *http.Request) (int64, error) {
	if r == nil {
		return 0, ErrMissingSessionToken
	}
	cookie, err := r.Cookie(m.cookieName)
	if err != nil || cookie == nil {
		return 0, ErrMissingSessionToken
	}
	return m.ValidateToken(cookie.Value)
}
