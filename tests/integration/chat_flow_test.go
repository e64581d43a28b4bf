package integration_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/MarcoPoloResearchLab/chatroom/internal/database"
	"github.com/MarcoPoloResearchLab/chatroom/internal/reactions"
	"github.com/MarcoPoloResearchLab/chatroom/internal/reveal"
	"github.com/MarcoPoloResearchLab/chatroom/internal/server"
	"github.com/MarcoPoloResearchLab/chatroom/internal/session"
	"github.com/MarcoPoloResearchLab/chatroom/internal/transport"
	"github.com/MarcoPoloResearchLab/chatroom/internal/upload"
)

const (
	integrationRoom = "lobby"
	eventTimeout    = 3 * time.Second
)

var integrationPNG = append([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}, bytes.Repeat([]byte{3}, 128)...)

type reactionNotice struct {
	messageID string
	entries   []reactions.Reaction
}

type channelNotifier struct {
	connected chan session.RoomHandle
	closed    chan string
	messages  chan session.Message
	presence  chan []string
	reactions chan reactionNotice
	reveals   chan reveal.Record
	notices   chan string
}

func newChannelNotifier() *channelNotifier {
	return &channelNotifier{
		connected: make(chan session.RoomHandle, 4),
		closed:    make(chan string, 4),
		messages:  make(chan session.Message, 32),
		presence:  make(chan []string, 32),
		reactions: make(chan reactionNotice, 32),
		reveals:   make(chan reveal.Record, 32),
		notices:   make(chan string, 32),
	}
}

func (n *channelNotifier) OnConnected(room session.RoomHandle) {
	n.connected <- room
}

func (n *channelNotifier) OnClosed(notice string) {
	n.closed <- notice
}

func (n *channelNotifier) OnMessage(message session.Message) {
	n.messages <- message
}

func (n *channelNotifier) OnPresence(_ string, online []string) {
	n.presence <- online
}

func (n *channelNotifier) OnReactions(messageID string, entries []reactions.Reaction) {
	n.reactions <- reactionNotice{messageID: messageID, entries: entries}
}

func (n *channelNotifier) OnReveal(record reveal.Record) {
	n.reveals <- record
}

func (n *channelNotifier) OnNotice(notice string) {
	n.notices <- notice
}

func receive[T any](testContext *testing.T, channel <-chan T, what string) T {
	testContext.Helper()
	select {
	case value := <-channel:
		return value
	case <-time.After(eventTimeout):
		testContext.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

func startServer(testContext *testing.T) *httptest.Server {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	root := testContext.TempDir()
	db, err := database.OpenSQLite(filepath.Join(root, "server.db"), server.ViewOnceSchema(), nil)
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	testContext.Cleanup(func() { _ = database.Close(db) })

	store, err := server.NewViewOnceStore(server.ViewOnceStoreConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build view-once store: %v", err)
	}
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Hub:         server.NewRoomHub(nil),
		ViewOnce:    store,
		UploadsDir:  filepath.Join(root, "uploads"),
		ViewOnceDir: filepath.Join(root, "viewonce"),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}
	httpServer := httptest.NewServer(handler)
	testContext.Cleanup(httpServer.Close)
	return httpServer
}

func joinRoom(testContext *testing.T, serverURL, username string) (*session.Session, *channelNotifier) {
	testContext.Helper()
	notifier := newChannelNotifier()
	chatSession, err := session.New(session.Config{
		ServerURL:      serverURL,
		Transport:      transport.NewDialer(transport.DialerConfig{}),
		Handles:        reveal.MemoryHandles(),
		Notifier:       notifier,
		ConnectTimeout: eventTimeout,
	})
	if err != nil {
		testContext.Fatalf("failed to build session: %v", err)
	}
	testContext.Cleanup(chatSession.Shutdown)

	identity, err := session.NewIdentity(username)
	if err != nil {
		testContext.Fatalf("invalid identity: %v", err)
	}
	if err := chatSession.Join(context.Background(), integrationRoom, identity); err != nil {
		testContext.Fatalf("%s failed to join: %v", username, err)
	}
	receive(testContext, notifier.connected, username+" connected")
	return chatSession, notifier
}

func TestChatFlowEndToEnd(testContext *testing.T) {
	httpServer := startServer(testContext)

	alice, aliceEvents := joinRoom(testContext, httpServer.URL, "alice")
	if online := receive(testContext, aliceEvents.presence, "alice presence"); !reflect.DeepEqual(online, []string{"alice"}) {
		testContext.Fatalf("unexpected roster %v", online)
	}
	bob, bobEvents := joinRoom(testContext, httpServer.URL, "bob")
	receive(testContext, bobEvents.presence, "bob presence")
	if online := receive(testContext, aliceEvents.presence, "bob joining"); !reflect.DeepEqual(online, []string{"alice", "bob"}) {
		testContext.Fatalf("unexpected roster after bob joined %v", online)
	}

	alice.SendText("  hello bob  ")
	ownCopy := receive(testContext, aliceEvents.messages, "alice echo")
	delivered := receive(testContext, bobEvents.messages, "bob delivery")
	if !ownCopy.Own || delivered.Own || delivered.User != "alice" || delivered.Content != "hello bob" {
		testContext.Fatalf("unexpected messages own=%#v delivered=%#v", ownCopy, delivered)
	}
	if delivered.ID == "" || delivered.LocalID() || delivered.ID != ownCopy.ID {
		testContext.Fatalf("expected shared server id, got %q and %q", ownCopy.ID, delivered.ID)
	}

	bob.React(delivered.ID, "👍")
	update := receive(testContext, aliceEvents.reactions, "reaction update")
	if update.messageID != delivered.ID || len(update.entries) != 1 || update.entries[0].Count != 1 ||
		!reflect.DeepEqual(update.entries[0].Users, []string{"bob"}) {
		testContext.Fatalf("unexpected reaction update %#v", update)
	}

	coordinator, err := upload.NewCoordinator(upload.CoordinatorConfig{BaseURL: httpServer.URL})
	if err != nil {
		testContext.Fatalf("failed to build coordinator: %v", err)
	}
	descriptor, err := coordinator.Upload(context.Background(), upload.File{Name: "secret.png", Reader: bytes.NewReader(integrationPNG)}, true)
	if err != nil {
		testContext.Fatalf("upload failed: %v", err)
	}
	alice.Send(descriptor.Intent())
	receive(testContext, aliceEvents.messages, "alice view-once echo")
	viewOnce := receive(testContext, bobEvents.messages, "bob view-once delivery")
	if !viewOnce.ViewOnce || viewOnce.RevealToken != descriptor.Token {
		testContext.Fatalf("unexpected view-once message %#v (token %q)", viewOnce, descriptor.Token)
	}

	bob.Reveal(viewOnce.RevealToken)
	bob.Reveal(viewOnce.RevealToken)
	if record := receive(testContext, bobEvents.reveals, "revealing"); record.Status != reveal.StatusRevealing {
		testContext.Fatalf("expected revealing, got %#v", record)
	}
	revealed := receive(testContext, bobEvents.reveals, "revealed")
	if revealed.Status != reveal.StatusRevealed || revealed.Handle == nil {
		testContext.Fatalf("expected revealed record, got %#v", revealed)
	}
	memory, ok := revealed.Handle.(interface{ Bytes() []byte })
	if !ok || !bytes.Equal(memory.Bytes(), integrationPNG) {
		testContext.Fatalf("revealed content does not match upload")
	}

	secondView, err := http.Get(httpServer.URL + descriptor.Reference)
	if err != nil {
		testContext.Fatalf("second view request failed: %v", err)
	}
	_ = secondView.Body.Close()
	if secondView.StatusCode != http.StatusNotFound {
		testContext.Fatalf("expected consumed token to return 404, got %d", secondView.StatusCode)
	}

	alice.Reveal(descriptor.Token)
	receive(testContext, aliceEvents.reveals, "alice revealing")
	if failed := receive(testContext, aliceEvents.reveals, "alice reveal failure"); failed.Status != reveal.StatusFailed {
		testContext.Fatalf("expected a second viewer to fail, got %#v", failed)
	}

	bob.Dismiss(viewOnce.RevealToken)
	if dismissed := receive(testContext, bobEvents.reveals, "dismissed"); dismissed.Label() != reveal.LabelViewed {
		testContext.Fatalf("expected viewed tombstone, got %#v", dismissed)
	}

	alice.Shutdown()
	if online := receive(testContext, bobEvents.presence, "alice leaving"); !reflect.DeepEqual(online, []string{"bob"}) {
		testContext.Fatalf("unexpected roster after alice left %v", online)
	}
	if state := bob.State(); state != session.StateConnected {
		testContext.Fatalf("expected bob to stay connected, got %s", state)
	}
}

func TestJoinFailsWhenServerUnreachable(testContext *testing.T) {
	httpServer := startServer(testContext)
	serverURL := httpServer.URL
	httpServer.Close()

	notifier := newChannelNotifier()
	chatSession, err := session.New(session.Config{
		ServerURL:      serverURL,
		Transport:      transport.NewDialer(transport.DialerConfig{}),
		Notifier:       notifier,
		ConnectTimeout: eventTimeout,
	})
	if err != nil {
		testContext.Fatalf("failed to build session: %v", err)
	}
	defer chatSession.Shutdown()

	identity, _ := session.NewIdentity("carol")
	if err := chatSession.Join(context.Background(), integrationRoom, identity); err == nil {
		testContext.Fatalf("expected join to fail against a closed server")
	}
	select {
	case notice := <-notifier.closed:
		testContext.Fatalf("connect failure must not report a closed notice, got %q", notice)
	default:
	}
}
