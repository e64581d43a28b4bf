package session

import (
	"strings"

	"github.com/google/uuid"
)

const localIDPrefix = "local-"

// IDProvider issues identifiers for messages the server did not number.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// IsLocalID reports whether messageID was assigned by this client rather than the server.
func IsLocalID(messageID string) bool {
	return strings.HasPrefix(messageID, localIDPrefix)
}
