package server

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/chatroom/internal/protocol"
)

const (
	defaultMemberBuffer = 64
	// defaultReactionHistory is how many recent messages per room accept reactions.
	defaultReactionHistory = 1024
)

// RoomHub tracks room membership, fans frames out to members and keeps per-message reaction sets.
// Every delivery happens under the hub lock, so all members of a room observe frames in the same order.
type RoomHub struct {
	mu              sync.RWMutex
	rooms           map[string]*room
	nextID          int64
	bufferSize      int
	reactionHistory int
	logger          *zap.Logger
}

type room struct {
	members   map[int64]*member
	reactions map[string]map[string][]string
	// messages holds reactable message ids oldest first.
	messages []string
}

type member struct {
	id       int64
	username string
	stream   chan []byte
}

// NewRoomHub constructs an empty hub.
func NewRoomHub(logger *zap.Logger) *RoomHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RoomHub{
		rooms:           make(map[string]*room),
		bufferSize:      defaultMemberBuffer,
		reactionHistory: defaultReactionHistory,
		logger:          logger,
	}
}

// Join registers username in roomName, announces it to the room (the new member included) and
// returns the member's outbound stream plus a cleanup that removes the member and announces the
// departure. The member is also removed when ctx ends.
func (h *RoomHub) Join(ctx context.Context, roomName, username string) (<-chan []byte, func()) {
	subscriber := &member{
		id:       h.nextSequence(),
		username: username,
		stream:   make(chan []byte, h.bufferSize),
	}

	h.mu.Lock()
	current, ok := h.rooms[roomName]
	if !ok {
		current = &room{
			members:   make(map[int64]*member),
			reactions: make(map[string]map[string][]string),
		}
		h.rooms[roomName] = current
	}
	current.members[subscriber.id] = subscriber
	h.announce(roomName, current, protocol.TypeJoin, username)
	h.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			h.leave(roomName, subscriber)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Online returns the usernames in roomName in join order.
func (h *RoomHub) Online(roomName string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	current, ok := h.rooms[roomName]
	if !ok {
		return []string{}
	}
	return current.online()
}

// PublishMessage registers messageID for reactions and queues payload for every member of
// roomName. Members whose buffer is full miss it. Only the most recent messages of a room keep
// their reactions; older ones are forgotten and reject further reactions.
func (h *RoomHub) PublishMessage(roomName, messageID string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	current, ok := h.rooms[roomName]
	if !ok {
		return
	}
	if _, exists := current.reactions[messageID]; !exists {
		current.reactions[messageID] = make(map[string][]string)
		current.messages = append(current.messages, messageID)
		for len(current.messages) > h.reactionHistory {
			delete(current.reactions, current.messages[0])
			current.messages = current.messages[1:]
		}
	}
	h.deliver(roomName, current, payload)
}

// AddReaction records username reacting with emoji and broadcasts the resulting user set. It
// returns false when the message is unknown or the user is not in the room.
func (h *RoomHub) AddReaction(roomName, messageID, emoji, username string) ([]string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	emojis, ok := h.reactionTarget(roomName, messageID, username)
	if !ok {
		return nil, false
	}
	users := emojis[emoji]
	for _, existing := range users {
		if existing == username {
			return h.announceReaction(roomName, messageID, emoji, users), true
		}
	}
	emojis[emoji] = append(users, username)
	return h.announceReaction(roomName, messageID, emoji, emojis[emoji]), true
}

// RemoveReaction withdraws username's emoji reaction and broadcasts the remaining user set. It
// returns false when nothing was removed.
func (h *RoomHub) RemoveReaction(roomName, messageID, emoji, username string) ([]string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	emojis, ok := h.reactionTarget(roomName, messageID, username)
	if !ok {
		return nil, false
	}
	users := emojis[emoji]
	for index, existing := range users {
		if existing != username {
			continue
		}
		remaining := append(append([]string{}, users[:index]...), users[index+1:]...)
		if len(remaining) == 0 {
			delete(emojis, emoji)
		} else {
			emojis[emoji] = remaining
		}
		return h.announceReaction(roomName, messageID, emoji, remaining), true
	}
	return nil, false
}

func (h *RoomHub) reactionTarget(roomName, messageID, username string) (map[string][]string, bool) {
	current, ok := h.rooms[roomName]
	if !ok || !current.contains(username) {
		return nil, false
	}
	emojis, ok := current.reactions[messageID]
	return emojis, ok
}

func (h *RoomHub) nextSequence() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	return h.nextID
}

func (h *RoomHub) leave(roomName string, subscriber *member) {
	h.mu.Lock()
	defer h.mu.Unlock()
	current, ok := h.rooms[roomName]
	if !ok {
		return
	}
	if _, present := current.members[subscriber.id]; !present {
		return
	}
	delete(current.members, subscriber.id)
	if len(current.members) == 0 {
		delete(h.rooms, roomName)
		return
	}
	h.announce(roomName, current, protocol.TypeLeave, subscriber.username)
}

// announce must be called with the lock held so presence snapshots reach members in order.
func (h *RoomHub) announce(roomName string, current *room, eventType, username string) {
	payload, err := encodeFrame(presenceFrame{Type: eventType, User: username, Online: current.online()})
	if err != nil {
		h.logger.Error("presence frame encoding failed", zap.Error(err))
		return
	}
	h.deliver(roomName, current, payload)
}

// announceReaction must be called with the lock held.
func (h *RoomHub) announceReaction(roomName, messageID, emoji string, users []string) []string {
	snapshot := append([]string{}, users...)
	current, ok := h.rooms[roomName]
	if !ok {
		return snapshot
	}
	payload, err := encodeFrame(reactionUpdateFrame{Type: protocol.TypeReactionUpdate, MessageID: messageID, Emoji: emoji, Users: snapshot})
	if err != nil {
		h.logger.Error("reaction frame encoding failed", zap.Error(err))
		return snapshot
	}
	h.deliver(roomName, current, payload)
	return snapshot
}

func (h *RoomHub) deliver(roomName string, current *room, payload []byte) {
	for _, subscriber := range current.members {
		select {
		case subscriber.stream <- payload:
		default:
			h.logger.Warn("member buffer full, frame dropped",
				zap.String("room", roomName),
				zap.String("user", subscriber.username))
		}
	}
}

func (r *room) online() []string {
	ids := make([]int64, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	usernames := make([]string, 0, len(ids))
	for _, id := range ids {
		usernames = append(usernames, r.members[id].username)
	}
	return usernames
}

func (r *room) contains(username string) bool {
	for _, subscriber := range r.members {
		if subscriber.username == username {
			return true
		}
	}
	return false
}
