package server

import (
	"encoding/json"
)

// naiveTimestampLayout matches the timezone-less ISO timestamps chat clients already parse.
const naiveTimestampLayout = "2006-01-02T15:04:05.000000"

type presenceFrame struct {
	Type   string   `json:"type"`
	User   string   `json:"user"`
	Online []string `json:"online"`
}

type messageFrame struct {
	Type      string `json:"type"`
	User      string `json:"user"`
	Content   string `json:"content"`
	MessageID string `json:"message_id"`
	Timestamp string `json:"timestamp"`
	ViewOnce  bool   `json:"view_once,omitempty"`
}

type reactionUpdateFrame struct {
	Type      string   `json:"type"`
	MessageID string   `json:"message_id"`
	Emoji     string   `json:"emoji"`
	Users     []string `json:"users"`
}

// clientFrame accepts both messageId and message_id for reaction targets.
type clientFrame struct {
	Type           string `json:"type"`
	Content        string `json:"content"`
	ViewOnce       bool   `json:"view_once"`
	Emoji          string `json:"emoji"`
	MessageID      string `json:"messageId"`
	MessageIDSnake string `json:"message_id"`
}

func (f clientFrame) targetMessageID() string {
	if f.MessageID != "" {
		return f.MessageID
	}
	return f.MessageIDSnake
}

func encodeFrame(frame any) ([]byte, error) {
	return json.Marshal(frame)
}
