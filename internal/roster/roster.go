// Package roster tracks the users present in a room from server roster snapshots.
package roster

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/chatroom/internal/protocol"
)

// Roster holds the most recent server-provided presence snapshot.
// It is not safe for concurrent use; the owning session serializes access.
type Roster struct {
	online []string
}

// New returns an empty roster.
func New() *Roster {
	return &Roster{online: []string{}}
}

// Apply replaces the roster with the event's snapshot and returns the system notice for it.
// Events other than join/leave leave the roster untouched and return ok=false.
func (r *Roster) Apply(event protocol.Event) (notice string, ok bool) {
	switch typed := event.(type) {
	case protocol.JoinEvent:
		r.replace(typed.Online)
		return fmt.Sprintf("%s joined the room", typed.User), true
	case protocol.LeaveEvent:
		r.replace(typed.Online)
		return fmt.Sprintf("%s left the room", typed.User), true
	default:
		return "", false
	}
}

// Online returns a copy of the current roster in server order.
func (r *Roster) Online() []string {
	online := make([]string, len(r.online))
	copy(online, r.online)
	return online
}

// Contains reports whether username is in the current snapshot.
func (r *Roster) Contains(username string) bool {
	for _, member := range r.online {
		if member == username {
			return true
		}
	}
	return false
}

func (r *Roster) replace(online []string) {
	r.online = make([]string, len(online))
	copy(r.online, online)
}
