package roster

import (
	"reflect"
	"testing"

	"github.com/MarcoPoloResearchLab/chatroom/internal/protocol"
)

func TestApplyJoinReplacesRosterAndEmitsNotice(t *testing.T) {
	tracker := New()

	notice, ok := tracker.Apply(protocol.JoinEvent{User: "alice", Online: []string{"alice"}})
	if !ok {
		t.Fatalf("expected join to be applied")
	}
	if notice != "alice joined the room" {
		t.Fatalf("unexpected notice %q", notice)
	}
	if !reflect.DeepEqual(tracker.Online(), []string{"alice"}) {
		t.Fatalf("unexpected roster %v", tracker.Online())
	}
}

func TestRosterMatchesMostRecentSnapshot(t *testing.T) {
	tracker := New()
	events := []protocol.Event{
		protocol.JoinEvent{User: "alice", Online: []string{"alice"}},
		protocol.JoinEvent{User: "bob", Online: []string{"alice", "bob"}},
		// a duplicated join must not duplicate membership
		protocol.JoinEvent{User: "bob", Online: []string{"alice", "bob"}},
		// a missed join for carol is healed by the next snapshot
		protocol.LeaveEvent{User: "alice", Online: []string{"bob", "carol"}},
	}

	for _, event := range events {
		if _, ok := tracker.Apply(event); !ok {
			t.Fatalf("expected %T to be applied", event)
		}
	}

	if !reflect.DeepEqual(tracker.Online(), []string{"bob", "carol"}) {
		t.Fatalf("expected roster to equal last snapshot, got %v", tracker.Online())
	}
	if tracker.Contains("alice") {
		t.Fatalf("alice should have left")
	}
}

func TestApplyLeaveNotice(t *testing.T) {
	tracker := New()
	notice, _ := tracker.Apply(protocol.LeaveEvent{User: "bob", Online: []string{}})
	if notice != "bob left the room" {
		t.Fatalf("unexpected notice %q", notice)
	}
	if len(tracker.Online()) != 0 {
		t.Fatalf("expected empty roster")
	}
}

func TestApplyIgnoresOtherEvents(t *testing.T) {
	tracker := New()
	tracker.Apply(protocol.JoinEvent{User: "alice", Online: []string{"alice"}})

	if _, ok := tracker.Apply(protocol.MessageEvent{User: "alice", Content: "hi"}); ok {
		t.Fatalf("messages must not touch the roster")
	}
	if !tracker.Contains("alice") {
		t.Fatalf("roster should be unchanged")
	}
}

func TestOnlineReturnsCopy(t *testing.T) {
	tracker := New()
	source := []string{"alice", "bob"}
	tracker.Apply(protocol.JoinEvent{User: "bob", Online: source})
	source[0] = "mallory"

	online := tracker.Online()
	online[1] = "eve"

	if !reflect.DeepEqual(tracker.Online(), []string{"alice", "bob"}) {
		t.Fatalf("roster must not alias caller slices, got %v", tracker.Online())
	}
}
