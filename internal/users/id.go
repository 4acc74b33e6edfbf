package users

import "github.com/google/uuid"

type uuidProvider struct{}

// NewUUIDProvider constructs a TokenProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() TokenProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewToken() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
