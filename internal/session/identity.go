package session

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const maxNameLength = 190

// Identity is the username the client joins rooms as. No credential backs it.
type Identity struct {
	Username string
}

// NewIdentity validates username and returns the trimmed identity.
func NewIdentity(username string) (Identity, error) {
	trimmed, err := normalizeName(username)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: username %v", ErrInvalidIdentity, err)
	}
	return Identity{Username: trimmed}, nil
}

// RoomHandle names the room a session joined and who joined it. It does not change after Join.
type RoomHandle struct {
	Room     string
	Identity Identity
}

func newRoomHandle(room string, identity Identity) (RoomHandle, error) {
	trimmedRoom, err := normalizeName(room)
	if err != nil {
		return RoomHandle{}, fmt.Errorf("%w: room %v", ErrInvalidRoom, err)
	}
	validated, err := NewIdentity(identity.Username)
	if err != nil {
		return RoomHandle{}, err
	}
	return RoomHandle{Room: trimmedRoom, Identity: validated}, nil
}

func normalizeName(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", errors.New("is required")
	}
	if utf8.RuneCountInString(trimmed) > maxNameLength {
		return "", fmt.Errorf("exceeds %d characters", maxNameLength)
	}
	return trimmed, nil
}
