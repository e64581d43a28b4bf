package server

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

type observedFrame struct {
	Type      string   `json:"type"`
	User      string   `json:"user"`
	Online    []string `json:"online"`
	Content   string   `json:"content"`
	MessageID string   `json:"message_id"`
	Emoji     string   `json:"emoji"`
	Users     []string `json:"users"`
	ViewOnce  bool     `json:"view_once"`
	Timestamp string   `json:"timestamp"`
}

func receiveFrame(t *testing.T, stream <-chan []byte) observedFrame {
	t.Helper()
	select {
	case payload := <-stream:
		var frame observedFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			t.Fatalf("failed to decode frame %s: %v", payload, err)
		}
		return frame
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for frame")
	}
	return observedFrame{}
}

func expectSilence(t *testing.T, stream <-chan []byte) {
	t.Helper()
	select {
	case payload := <-stream:
		t.Fatalf("unexpected frame %s", payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRoomHubAnnouncesPresence(t *testing.T) {
	hub := NewRoomHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aliceStream, aliceLeave := hub.Join(ctx, "lobby", "alice")
	defer aliceLeave()
	if frame := receiveFrame(t, aliceStream); frame.Type != "join" || frame.User != "alice" || !reflect.DeepEqual(frame.Online, []string{"alice"}) {
		t.Fatalf("unexpected first join frame %#v", frame)
	}

	bobStream, bobLeave := hub.Join(ctx, "lobby", "bob")
	for _, stream := range []<-chan []byte{aliceStream, bobStream} {
		frame := receiveFrame(t, stream)
		if frame.Type != "join" || frame.User != "bob" || !reflect.DeepEqual(frame.Online, []string{"alice", "bob"}) {
			t.Fatalf("unexpected join frame %#v", frame)
		}
	}

	otherStream, otherLeave := hub.Join(ctx, "kitchen", "carol")
	defer otherLeave()
	receiveFrame(t, otherStream)
	expectSilence(t, aliceStream)

	bobLeave()
	bobLeave()
	frame := receiveFrame(t, aliceStream)
	if frame.Type != "leave" || frame.User != "bob" || !reflect.DeepEqual(frame.Online, []string{"alice"}) {
		t.Fatalf("unexpected leave frame %#v", frame)
	}
	expectSilence(t, aliceStream)

	if online := hub.Online("lobby"); !reflect.DeepEqual(online, []string{"alice"}) {
		t.Fatalf("unexpected online list %v", online)
	}
}

func TestRoomHubRemovesMemberWhenContextEnds(t *testing.T) {
	hub := NewRoomHub(nil)
	aliceStream, aliceLeave := hub.Join(context.Background(), "lobby", "alice")
	defer aliceLeave()
	receiveFrame(t, aliceStream)

	bobCtx, bobCancel := context.WithCancel(context.Background())
	bobStream, _ := hub.Join(bobCtx, "lobby", "bob")
	receiveFrame(t, aliceStream)
	receiveFrame(t, bobStream)

	bobCancel()
	if frame := receiveFrame(t, aliceStream); frame.Type != "leave" || frame.User != "bob" {
		t.Fatalf("expected leave after cancellation, got %#v", frame)
	}
}

func TestRoomHubDropsEmptyRooms(t *testing.T) {
	hub := NewRoomHub(nil)
	stream, leave := hub.Join(context.Background(), "lobby", "alice")
	receiveFrame(t, stream)
	leave()

	if online := hub.Online("lobby"); len(online) != 0 {
		t.Fatalf("expected empty room, got %v", online)
	}
	hub.PublishMessage("lobby", "m-1", []byte(`{}`))
	if _, ok := hub.AddReaction("lobby", "m-1", "👍", "alice"); ok {
		t.Fatalf("expected reaction on a deleted room to be rejected")
	}
}

func TestRoomHubReactions(t *testing.T) {
	hub := NewRoomHub(nil)
	ctx := context.Background()
	aliceStream, aliceLeave := hub.Join(ctx, "lobby", "alice")
	defer aliceLeave()
	receiveFrame(t, aliceStream)
	bobStream, bobLeave := hub.Join(ctx, "lobby", "bob")
	defer bobLeave()
	receiveFrame(t, aliceStream)
	receiveFrame(t, bobStream)

	if _, ok := hub.AddReaction("lobby", "m-1", "👍", "alice"); ok {
		t.Fatalf("expected reaction on an unknown message to be rejected")
	}

	hub.PublishMessage("lobby", "m-1", []byte(`{"type":"message","message_id":"m-1"}`))
	receiveFrame(t, aliceStream)
	receiveFrame(t, bobStream)

	users, ok := hub.AddReaction("lobby", "m-1", "👍", "alice")
	if !ok || !reflect.DeepEqual(users, []string{"alice"}) {
		t.Fatalf("unexpected add result %v %v", users, ok)
	}
	users, _ = hub.AddReaction("lobby", "m-1", "👍", "bob")
	if !reflect.DeepEqual(users, []string{"alice", "bob"}) {
		t.Fatalf("unexpected users after second add %v", users)
	}
	users, _ = hub.AddReaction("lobby", "m-1", "👍", "bob")
	if !reflect.DeepEqual(users, []string{"alice", "bob"}) {
		t.Fatalf("duplicate add must not change users, got %v", users)
	}

	for _, want := range [][]string{{"alice"}, {"alice", "bob"}, {"alice", "bob"}} {
		frame := receiveFrame(t, bobStream)
		if frame.Type != "reaction_update" || frame.MessageID != "m-1" || frame.Emoji != "👍" || !reflect.DeepEqual(frame.Users, want) {
			t.Fatalf("unexpected reaction frame %#v want users %v", frame, want)
		}
	}

	users, ok = hub.RemoveReaction("lobby", "m-1", "👍", "alice")
	if !ok || !reflect.DeepEqual(users, []string{"bob"}) {
		t.Fatalf("unexpected remove result %v %v", users, ok)
	}
	if _, ok := hub.RemoveReaction("lobby", "m-1", "👍", "alice"); ok {
		t.Fatalf("expected second remove to report nothing removed")
	}
	users, _ = hub.RemoveReaction("lobby", "m-1", "👍", "bob")
	if len(users) != 0 {
		t.Fatalf("expected no users left, got %v", users)
	}
	if _, ok := hub.AddReaction("lobby", "m-1", "🎉", "mallory"); ok {
		t.Fatalf("expected reaction from a non-member to be rejected")
	}
}

func TestRoomHubForgetsReactionsBeyondHistory(t *testing.T) {
	hub := NewRoomHub(nil)
	hub.reactionHistory = 2
	stream, leave := hub.Join(context.Background(), "lobby", "alice")
	defer leave()
	receiveFrame(t, stream)

	for _, messageID := range []string{"m-1", "m-2", "m-2", "m-3"} {
		hub.PublishMessage("lobby", messageID, []byte(`{}`))
		receiveFrame(t, stream)
	}

	if _, ok := hub.AddReaction("lobby", "m-1", "👍", "alice"); ok {
		t.Fatalf("expected reactions on the oldest message to be forgotten")
	}
	for _, messageID := range []string{"m-2", "m-3"} {
		if _, ok := hub.AddReaction("lobby", messageID, "👍", "alice"); !ok {
			t.Fatalf("expected %s to accept reactions", messageID)
		}
	}
	hub.mu.RLock()
	tracked := len(hub.rooms["lobby"].reactions)
	hub.mu.RUnlock()
	if tracked != 2 {
		t.Fatalf("expected two tracked messages, got %d", tracked)
	}
}
