package users

import "strings"

// FieldError carries a field-level validation message for the caller.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

const (
	minUsernameLength = 3
	minPasswordLength = 4
)

// ValidateRegistration checks registration input and returns field errors, or
// nil when the input is acceptable. Uniqueness is not checked here; the
// storage-layer constraints own that.
func ValidateRegistration(username, email, password string) []FieldError {
	if !strings.Contains(email, "@") {
		return []FieldError{{Field: "email", Message: "Invalid email address"}}
	}
	if len(username) < minUsernameLength {
		return []FieldError{{Field: "username", Message: "Username length must be greater than 2"}}
	}
	if strings.Contains(username, "@") {
		return []FieldError{{Field: "username", Message: "Username cannot include an @ symbol"}}
	}
	if errs := validatePassword(password); errs != nil {
		return errs
	}
	return nil
}

func validatePassword(password string) []FieldError {
	if len(password) < minPasswordLength {
		return []FieldError{{Field: "password", Message: "Password length must be greater than 3"}}
	}
	return nil
}
