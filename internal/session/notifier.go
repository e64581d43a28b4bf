package session

import (
	"time"

	"github.com/MarcoPoloResearchLab/chatroom/internal/reactions"
	"github.com/MarcoPoloResearchLab/chatroom/internal/reveal"
)

// ClosedNotice is delivered once when the transport closes an established or opening connection.
const ClosedNotice = "Connection closed. Please refresh to reconnect."

// Message is an inbound chat message as presented to the collaborator.
type Message struct {
	ID       string
	User     string
	Content  string
	ViewOnce bool

	// RevealToken is set for view-once messages that reference fetchable content.
	RevealToken string
	Timestamp   time.Time
	Own         bool
}

// LocalID reports whether the message id was assigned by this client.
func (m Message) LocalID() bool {
	return IsLocalID(m.ID)
}

// Notifier receives session output. Every method runs on the session goroutine, in event order;
// implementations must return promptly and must not call Join, Snapshot, State or Shutdown.
type Notifier interface {
	OnConnected(room RoomHandle)
	OnClosed(notice string)
	OnMessage(message Message)
	OnPresence(notice string, online []string)
	OnReactions(messageID string, entries []reactions.Reaction)
	OnReveal(record reveal.Record)
	OnNotice(notice string)
}

// NopNotifier discards every notification. Embed it to implement only part of Notifier.
type NopNotifier struct{}

func (NopNotifier) OnConnected(RoomHandle)                   {}
func (NopNotifier) OnClosed(string)                          {}
func (NopNotifier) OnMessage(Message)                        {}
func (NopNotifier) OnPresence(string, []string)              {}
func (NopNotifier) OnReactions(string, []reactions.Reaction) {}
func (NopNotifier) OnReveal(reveal.Record)                   {}
func (NopNotifier) OnNotice(string)                          {}
