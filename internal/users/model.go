package users

// User models a registered account. The password hash never leaves this
// package except through Verify-style comparisons.
type User struct {
	ID              int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Username        string `gorm:"column:username;size:64;not null;uniqueIndex:idx_users_username"`
	Email           string `gorm:"column:email;size:320;not null;uniqueIndex:idx_users_email"`
	PasswordHash    string `gorm:"column:password_hash;size:190;not null"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (User) TableName() string {
	return "users"
}

// PasswordResetToken is a single-use credential for the reset flow.
type PasswordResetToken struct {
	Token           string `gorm:"column:token;primaryKey;size:190;not null"`
	UserID          int64  `gorm:"column:user_id;not null;index:idx_reset_tokens_user"`
	ExpiresAtMillis int64  `gorm:"column:expires_at_ms;not null"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PasswordResetToken) TableName() string {
	return "password_reset_tokens"
}
