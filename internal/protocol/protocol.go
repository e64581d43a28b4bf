// Package protocol encodes outbound chat intents and decodes inbound room events.
//
// Every frame carries exactly one JSON object; the transport already delimits frames.
package protocol

import (
	"errors"
	"time"
)

const (
	TypeMessage        = "message"
	TypeJoin           = "join"
	TypeLeave          = "leave"
	TypeAddReaction    = "add_reaction"
	TypeRemoveReaction = "remove_reaction"
	TypeReactionUpdate = "reaction_update"
)

var (
	// ErrDecode indicates a malformed inbound frame.
	ErrDecode = errors.New("protocol: malformed frame")
	// ErrUnknownType indicates a well-formed frame with a type this client does not handle.
	ErrUnknownType = errors.New("protocol: unknown frame type")
	// ErrInvalidIntent indicates an outbound intent that cannot be encoded.
	ErrInvalidIntent = errors.New("protocol: invalid intent")
)

// Event is an inbound, server-pushed room event.
type Event interface {
	eventType() string
}

// MessageEvent carries a chat message. MessageID is empty when the server did not assign one.
type MessageEvent struct {
	User      string
	Content   string
	ViewOnce  bool
	MessageID string
	Timestamp time.Time
}

// JoinEvent reports a user joining; Online is the full roster snapshot.
type JoinEvent struct {
	User   string
	Online []string
}

// LeaveEvent reports a user leaving; Online is the full roster snapshot.
type LeaveEvent struct {
	User   string
	Online []string
}

// ReactionUpdateEvent is the server-confirmed set of users reacting with Emoji on MessageID.
type ReactionUpdateEvent struct {
	MessageID string
	Emoji     string
	Users     []string
}

func (MessageEvent) eventType() string        { return TypeMessage }
func (JoinEvent) eventType() string           { return TypeJoin }
func (LeaveEvent) eventType() string          { return TypeLeave }
func (ReactionUpdateEvent) eventType() string { return TypeReactionUpdate }

// Intent is an outbound client request.
type Intent interface {
	intentType() string
}

// SendMessage posts content to the room.
type SendMessage struct {
	Content  string
	ViewOnce bool
}

// AddReaction applies Emoji to MessageID on behalf of the connected user.
type AddReaction struct {
	Emoji     string
	MessageID string
}

// RemoveReaction withdraws the connected user's Emoji from MessageID.
type RemoveReaction struct {
	Emoji     string
	MessageID string
}

func (SendMessage) intentType() string    { return TypeMessage }
func (AddReaction) intentType() string    { return TypeAddReaction }
func (RemoveReaction) intentType() string { return TypeRemoveReaction }

// TypeOf reports the wire type of an event or intent.
func TypeOf(value any) string {
	switch typed := value.(type) {
	case Event:
		return typed.eventType()
	case Intent:
		return typed.intentType()
	default:
		return ""
	}
}
