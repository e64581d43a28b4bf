package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// timestamp layouts accepted on inbound messages; the reference server emits naive ISO-8601.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

type outboundMessage struct {
	Type     string `json:"type"`
	Content  string `json:"content"`
	ViewOnce bool   `json:"view_once,omitempty"`
}

type outboundReaction struct {
	Type      string `json:"type"`
	Emoji     string `json:"emoji"`
	MessageID string `json:"messageId"`
}

type inboundFrame struct {
	Type      *string   `json:"type"`
	User      *string   `json:"user"`
	Content   *string   `json:"content"`
	ViewOnce  *bool     `json:"view_once"`
	MessageID *string   `json:"message_id"`
	Timestamp *string   `json:"timestamp"`
	Online    *[]string `json:"online"`
	Emoji     *string   `json:"emoji"`
	Users     *[]string `json:"users"`
}

// Encode serializes an outbound intent into a single text frame.
func Encode(intent Intent) ([]byte, error) {
	switch typed := intent.(type) {
	case SendMessage:
		return json.Marshal(outboundMessage{Type: TypeMessage, Content: typed.Content, ViewOnce: typed.ViewOnce})
	case AddReaction:
		if err := validateReaction(typed.Emoji, typed.MessageID); err != nil {
			return nil, err
		}
		return json.Marshal(outboundReaction{Type: TypeAddReaction, Emoji: typed.Emoji, MessageID: typed.MessageID})
	case RemoveReaction:
		if err := validateReaction(typed.Emoji, typed.MessageID); err != nil {
			return nil, err
		}
		return json.Marshal(outboundReaction{Type: TypeRemoveReaction, Emoji: typed.Emoji, MessageID: typed.MessageID})
	case nil:
		return nil, fmt.Errorf("%w: nil intent", ErrInvalidIntent)
	default:
		return nil, fmt.Errorf("%w: unsupported intent %T", ErrInvalidIntent, intent)
	}
}

func validateReaction(emoji, messageID string) error {
	if strings.TrimSpace(emoji) == "" {
		return fmt.Errorf("%w: empty emoji", ErrInvalidIntent)
	}
	if strings.TrimSpace(messageID) == "" {
		return fmt.Errorf("%w: empty message id", ErrInvalidIntent)
	}
	return nil
}

// Decode parses one inbound text frame. Malformed frames wrap ErrDecode; frames with an
// unrecognised type wrap ErrUnknownType so callers can ignore them.
func Decode(frame []byte) (Event, error) {
	if !utf8.Valid(frame) {
		return nil, fmt.Errorf("%w: invalid utf-8", ErrDecode)
	}
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: not a json object", ErrDecode)
	}

	var payload inboundFrame
	if err := json.Unmarshal(trimmed, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if payload.Type == nil {
		return nil, fmt.Errorf("%w: missing type", ErrDecode)
	}

	switch *payload.Type {
	case TypeMessage:
		return decodeMessage(payload)
	case TypeJoin, TypeLeave:
		return decodePresence(*payload.Type, payload)
	case TypeReactionUpdate:
		return decodeReactionUpdate(payload)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, *payload.Type)
	}
}

func decodeMessage(payload inboundFrame) (Event, error) {
	if payload.User == nil {
		return nil, fmt.Errorf("%w: message missing user", ErrDecode)
	}
	if payload.Content == nil {
		return nil, fmt.Errorf("%w: message missing content", ErrDecode)
	}
	event := MessageEvent{
		User:    *payload.User,
		Content: *payload.Content,
	}
	if payload.ViewOnce != nil {
		event.ViewOnce = *payload.ViewOnce
	}
	if payload.MessageID != nil {
		event.MessageID = strings.TrimSpace(*payload.MessageID)
	}
	if payload.Timestamp != nil {
		event.Timestamp = parseTimestamp(*payload.Timestamp)
	}
	return event, nil
}

func decodePresence(frameType string, payload inboundFrame) (Event, error) {
	if payload.User == nil {
		return nil, fmt.Errorf("%w: %s missing user", ErrDecode, frameType)
	}
	if payload.Online == nil {
		return nil, fmt.Errorf("%w: %s missing online", ErrDecode, frameType)
	}
	online := cloneStrings(*payload.Online)
	if frameType == TypeJoin {
		return JoinEvent{User: *payload.User, Online: online}, nil
	}
	return LeaveEvent{User: *payload.User, Online: online}, nil
}

func decodeReactionUpdate(payload inboundFrame) (Event, error) {
	if payload.MessageID == nil || strings.TrimSpace(*payload.MessageID) == "" {
		return nil, fmt.Errorf("%w: reaction_update missing message_id", ErrDecode)
	}
	if payload.Emoji == nil || *payload.Emoji == "" {
		return nil, fmt.Errorf("%w: reaction_update missing emoji", ErrDecode)
	}
	if payload.Users == nil {
		return nil, fmt.Errorf("%w: reaction_update missing users", ErrDecode)
	}
	return ReactionUpdateEvent{
		MessageID: strings.TrimSpace(*payload.MessageID),
		Emoji:     *payload.Emoji,
		Users:     cloneStrings(*payload.Users),
	}, nil
}

func parseTimestamp(value string) time.Time {
	trimmed := strings.TrimSpace(value)
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, trimmed); err == nil {
			return parsed
		}
	}
	return time.Time{}
}

func cloneStrings(values []string) []string {
	cloned := make([]string, len(values))
	copy(cloned, values)
	return cloned
}
