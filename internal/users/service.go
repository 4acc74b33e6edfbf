package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	errMissingDatabase      = errors.New("database handle is required")
	errMissingTokenProvider = errors.New("token provider is required")
	noOpLogger              = zap.NewNop()
)

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
	opServiceNew    = "users.service.new"
	opRegister      = "users.register"
	opLogin         = "users.login"
	opGetByID       = "users.get_by_id"
	opRequestReset  = "users.request_password_reset"
	opResetPassword = "users.reset_password"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

const defaultResetTokenTTL = time.Hour

// TokenProvider issues opaque password-reset tokens.
type TokenProvider interface {
	NewToken() (string, error)
}

// MailSender delivers password-reset tokens. Delivery is an out-of-process
// collaborator; implementations must not block on retries.
type MailSender interface {
	SendPasswordReset(ctx context.Context, email, token string) error
}

// ServiceConfig describes the dependencies of the users service.
type ServiceConfig struct {
	Database      *gorm.DB
	Clock         func() time.Time
	Logger        *zap.Logger
	Tokens        TokenProvider
	Mail          MailSender
	ResetTokenTTL time.Duration
}

// Service manages account registration, credential checks, and the reset flow.
type Service struct {
	db            *gorm.DB
	clock         func() time.Time
	logger        *zap.Logger
	tokens        TokenProvider
	mail          MailSender
	resetTokenTTL time.Duration
}

// NewService constructs the users service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Tokens == nil {
		return nil, newServiceError(opServiceNew, "missing_token_provider", errMissingTokenProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	ttl := cfg.ResetTokenTTL
	if ttl <= 0 {
		ttl = defaultResetTokenTTL
	}

	return &Service{
		db:            cfg.Database,
		clock:         clock,
		logger:        logger,
		tokens:        cfg.Tokens,
		mail:          cfg.Mail,
		resetTokenTTL: ttl,
	}, nil
}

// Register creates a new account. Field errors cover validation failures and
// username/email collisions; the uniqueness check is the storage constraint
// itself, not a racy pre-read.
func (s *Service) Register(ctx context.Context, username, email, password string) (*User, []FieldError, error) {
	if fieldErrors := ValidateRegistration(username, email, password); fieldErrors != nil {
		return nil, fieldErrors, nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		s.logError(opRegister, "hash_failed", err)
		return nil, nil, newServiceError(opRegister, "hash_failed", err)
	}

	now := s.clock().UTC().UnixMilli()
	user := User{
		Username:        username,
		Email:           email,
		PasswordHash:    string(hash),
		CreatedAtMillis: now,
		UpdatedAtMillis: now,
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, s.classifyDuplicate(ctx, username), nil
		}
		s.logError(opRegister, "insert_failed", err, zap.String("username", username))
		return nil, nil, newServiceError(opRegister, "insert_failed", err)
	}

	return &user, nil, nil
}

// classifyDuplicate decides which unique constraint fired. The follow-up read
// runs outside the failed insert and is only used for the error message.
func (s *Service) classifyDuplicate(ctx context.Context, username string) []FieldError {
	var count int64
	if err := s.db.WithContext(ctx).Model(&User{}).
		Where("username = ?", username).
		Count(&count).Error; err == nil && count > 0 {
		return []FieldError{{Field: "username", Message: "Username is already registered"}}
	}
	return []FieldError{{Field: "email", Message: "Email is already registered"}}
}

// Login verifies credentials by username. The error message never reveals
// whether the username or the password was wrong.
func (s *Service) Login(ctx context.Context, username, password string) (*User, []FieldError, error) {
	invalidCredentials := []FieldError{{Field: "username", Message: "Username or password is incorrect"}}

	var user User
	err := s.db.WithContext(ctx).Where("username = ?", username).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, invalidCredentials, nil
	}
	if err != nil {
		s.logError(opLogin, "query_failed", err)
		return nil, nil, newServiceError(opLogin, "query_failed", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, invalidCredentials, nil
	}

	return &user, nil, nil
}

// GetByID returns the user with the given id, or nil when it does not exist.
func (s *Service) GetByID(ctx context.Context, id int64) (*User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opGetByID, "query_failed", err, zap.Int64("user_id", id))
		return nil, newServiceError(opGetByID, "query_failed", err)
	}
	return &user, nil
}

// RequestPasswordReset issues a single-use reset token for the account behind
// email and hands it to the mail collaborator. An unknown email is a silent
// success so the endpoint cannot be used to probe for accounts.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	var user User
	err := s.db.WithContext(ctx).Where("email = ?", email).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		s.logError(opRequestReset, "query_failed", err)
		return newServiceError(opRequestReset, "query_failed", err)
	}

	token, err := s.tokens.NewToken()
	if err != nil {
		s.logError(opRequestReset, "token_generation_failed", err)
		return newServiceError(opRequestReset, "token_generation_failed", err)
	}

	now := s.clock().UTC()
	record := PasswordResetToken{
		Token:           token,
		UserID:          user.ID,
		ExpiresAtMillis: now.Add(s.resetTokenTTL).UnixMilli(),
		CreatedAtMillis: now.UnixMilli(),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opRequestReset, "token_insert_failed", err, zap.Int64("user_id", user.ID))
		return newServiceError(opRequestReset, "token_insert_failed", err)
	}

	if s.mail != nil {
		if err := s.mail.SendPasswordReset(ctx, email, token); err != nil {
			s.logError(opRequestReset, "mail_send_failed", err, zap.Int64("user_id", user.ID))
			return newServiceError(opRequestReset, "mail_send_failed", err)
		}
	}
	return nil
}

// ResetPassword burns a reset token and installs a new password hash. On
// success the account is returned so the caller can start a session.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) (*User, []FieldError, error) {
	if fieldErrors := validatePassword(newPassword); fieldErrors != nil {
		return nil, fieldErrors, nil
	}

	expiredToken := []FieldError{{Field: "token", Message: "Token is invalid or expired"}}

	var record PasswordResetToken
	err := s.db.WithContext(ctx).Where("token = ?", token).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, expiredToken, nil
	}
	if err != nil {
		s.logError(opResetPassword, "token_query_failed", err)
		return nil, nil, newServiceError(opResetPassword, "token_query_failed", err)
	}

	now := s.clock().UTC()
	if record.ExpiresAtMillis <= now.UnixMilli() {
		return nil, expiredToken, nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		s.logError(opResetPassword, "hash_failed", err)
		return nil, nil, newServiceError(opResetPassword, "hash_failed", err)
	}

	var user User
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", record.UserID).Take(&user).Error; err != nil {
			return newServiceError(opResetPassword, "user_query_failed", err)
		}
		updates := map[string]interface{}{
			"password_hash": string(hash),
			"updated_at_ms": now.UnixMilli(),
		}
		if err := tx.Model(&User{}).Where("id = ?", user.ID).Updates(updates).Error; err != nil {
			return newServiceError(opResetPassword, "update_failed", err)
		}
		if err := tx.Where("token = ?", token).Delete(&PasswordResetToken{}).Error; err != nil {
			return newServiceError(opResetPassword, "token_delete_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opResetPassword, "transaction_failed", txErr)
		return nil, nil, txErr
	}

	user.PasswordHash = string(hash)
	user.UpdatedAtMillis = now.UnixMilli()
	return &user, nil, nil
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
	s.logger.Error("users service error", attrs...)
}
