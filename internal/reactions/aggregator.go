// Package reactions aggregates per-message emoji reactions from optimistic local clicks
// and server-confirmed updates.
package reactions

import (
	"sort"
)

// Reaction is the tally for one emoji on one message.
type Reaction struct {
	Emoji string
	Count int
	Users []string
}

// Aggregator maps message id -> emoji -> set of reacting users. A message without reactions
// has no entry. Count is always the size of the user set, so merges keyed by
// (message, emoji, user) are idempotent.
//
// Aggregator is not safe for concurrent use; the owning session serializes access.
type Aggregator struct {
	messages map[string]map[string]map[string]struct{}
}

// New returns an empty aggregator.
func New() *Aggregator {
	return &Aggregator{messages: make(map[string]map[string]map[string]struct{})}
}

// ApplyLocal records username reacting with emoji. Re-applying the same triple is a no-op.
// It reports whether the state changed.
func (a *Aggregator) ApplyLocal(messageID, emoji, username string) bool {
	if messageID == "" || emoji == "" || username == "" {
		return false
	}
	emojis, ok := a.messages[messageID]
	if !ok {
		emojis = make(map[string]map[string]struct{})
		a.messages[messageID] = emojis
	}
	users, ok := emojis[emoji]
	if !ok {
		users = make(map[string]struct{})
		emojis[emoji] = users
	}
	if _, exists := users[username]; exists {
		return false
	}
	users[username] = struct{}{}
	return true
}

// RemoveLocal withdraws username's emoji reaction, deleting empty entries.
// It reports whether the state changed.
func (a *Aggregator) RemoveLocal(messageID, emoji, username string) bool {
	users, ok := a.messages[messageID][emoji]
	if !ok {
		return false
	}
	if _, exists := users[username]; !exists {
		return false
	}
	delete(users, username)
	a.prune(messageID, emoji)
	return true
}

// Toggle adds the reaction when username has not reacted with emoji yet and removes it otherwise.
// It reports whether the reaction is now present.
func (a *Aggregator) Toggle(messageID, emoji, username string) (added bool) {
	if a.HasReacted(messageID, emoji, username) {
		a.RemoveLocal(messageID, emoji, username)
		return false
	}
	return a.ApplyLocal(messageID, emoji, username)
}

// ApplyServer replaces the (messageID, emoji) entry with the server-confirmed user set.
// An empty set removes the entry.
func (a *Aggregator) ApplyServer(messageID, emoji string, users []string) {
	if messageID == "" || emoji == "" {
		return
	}
	set := make(map[string]struct{}, len(users))
	for _, user := range users {
		if user != "" {
			set[user] = struct{}{}
		}
	}
	emojis, ok := a.messages[messageID]
	if !ok {
		if len(set) == 0 {
			return
		}
		emojis = make(map[string]map[string]struct{})
		a.messages[messageID] = emojis
	}
	emojis[emoji] = set
	a.prune(messageID, emoji)
}

// HasReacted reports whether username currently reacts with emoji on messageID.
func (a *Aggregator) HasReacted(messageID, emoji, username string) bool {
	_, ok := a.messages[messageID][emoji][username]
	return ok
}

// Count returns the number of users reacting with emoji on messageID.
func (a *Aggregator) Count(messageID, emoji string) int {
	return len(a.messages[messageID][emoji])
}

// Reactions returns the tallies for messageID ordered by emoji.
func (a *Aggregator) Reactions(messageID string) []Reaction {
	emojis, ok := a.messages[messageID]
	if !ok {
		return nil
	}
	tallies := make([]Reaction, 0, len(emojis))
	for emoji, users := range emojis {
		tallies = append(tallies, Reaction{Emoji: emoji, Count: len(users), Users: sortedUsers(users)})
	}
	sort.Slice(tallies, func(i, j int) bool { return tallies[i].Emoji < tallies[j].Emoji })
	return tallies
}

// Snapshot returns a deep copy of every message's tallies.
func (a *Aggregator) Snapshot() map[string][]Reaction {
	snapshot := make(map[string][]Reaction, len(a.messages))
	for messageID := range a.messages {
		snapshot[messageID] = a.Reactions(messageID)
	}
	return snapshot
}

func (a *Aggregator) prune(messageID, emoji string) {
	emojis := a.messages[messageID]
	if len(emojis[emoji]) == 0 {
		delete(emojis, emoji)
	}
	if len(emojis) == 0 {
		delete(a.messages, messageID)
	}
}

func sortedUsers(users map[string]struct{}) []string {
	sorted := make([]string, 0, len(users))
	for user := range users {
		sorted = append(sorted, user)
	}
	sort.Strings(sorted)
	return sorted
}
