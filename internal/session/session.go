// Package session manages one client's membership in one chat room.
//
// A Session owns a single goroutine that holds every piece of mutable state: the connection
// state, the room handle, the roster, the reaction tallies and the view-once reveal records.
// Transport callbacks, caller requests, timer firings and fetch completions are posted to that
// goroutine as events and handled one at a time, so no handler ever observes another half done.
//
// A Session is single-use: once Closed it stays Closed, and reconnecting means a new Session.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/chatroom/internal/protocol"
	"github.com/MarcoPoloResearchLab/chatroom/internal/reactions"
	"github.com/MarcoPoloResearchLab/chatroom/internal/reveal"
	"github.com/MarcoPoloResearchLab/chatroom/internal/roster"
	"github.com/MarcoPoloResearchLab/chatroom/internal/transport"
)

// DefaultConnectTimeout bounds how long Join waits for the connection to open.
const DefaultConnectTimeout = 10 * time.Second

const eventBufferSize = 64

// State is the connection lifecycle position of a Session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	ErrNotIdle         = errors.New("session: join requires an idle session")
	ErrConnectTimeout  = errors.New("session: connect timeout")
	ErrTransport       = errors.New("session: transport failure")
	ErrInvalidIdentity = errors.New("session: invalid identity")
	ErrInvalidRoom     = errors.New("session: invalid room")
	ErrShutdown        = errors.New("session: shut down")

	errMissingTransport = errors.New("transport is required")
	errMissingServerURL = errors.New("server url is required")
	noOpLogger          = zap.NewNop()
)

// Transport opens room connections.
type Transport interface {
	Open(ctx context.Context, target transport.Target, sink transport.Sink) transport.Conn
}

// Config describes the collaborators of a Session.
type Config struct {
	ServerURL      string
	Transport      Transport
	Fetcher        reveal.Fetcher
	Handles        reveal.HandleFactory
	Notifier       Notifier
	IDProvider     IDProvider
	ConnectTimeout time.Duration
	Clock          func() time.Time
	Logger         *zap.Logger
}

// Snapshot is a point-in-time copy of session state.
type Snapshot struct {
	State     State
	Room      RoomHandle
	Online    []string
	Reactions map[string][]reactions.Reaction
	Reveals   []reveal.Record
}

// Session is a client's connection to one room.
type Session struct {
	serverURL      string
	transport      Transport
	fetcher        reveal.Fetcher
	notifier       Notifier
	ids            IDProvider
	connectTimeout time.Duration
	clock          func() time.Time
	baseLogger     *zap.Logger

	ctx          context.Context
	cancel       context.CancelFunc
	events       chan loopEvent
	done         chan struct{}
	shutdownOnce sync.Once
	final        Snapshot

	// Owned by the session goroutine.
	state         State
	room          RoomHandle
	generation    uint64
	conn          transport.Conn
	connectTimer  *time.Timer
	stopJoinWatch func() bool
	joinReply     chan error
	roster        *roster.Roster
	reactions     *reactions.Aggregator
	reveals       *reveal.Controller
	logger        *zap.Logger
}

// New constructs an Idle Session and starts its goroutine. Call Shutdown to release it.
func New(cfg Config) (*Session, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("session: %w", errMissingTransport)
	}
	serverURL := strings.TrimRight(strings.TrimSpace(cfg.ServerURL), "/")
	if serverURL == "" {
		return nil, fmt.Errorf("session: %w", errMissingServerURL)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	fetcher := cfg.Fetcher
	if fetcher == nil {
		httpFetcher, err := reveal.NewHTTPFetcher(reveal.HTTPFetcherConfig{BaseURL: serverURL})
		if err != nil {
			return nil, fmt.Errorf("session: %w", err)
		}
		fetcher = httpFetcher
	}

	notifier := cfg.Notifier
	if notifier == nil {
		notifier = NopNotifier{}
	}

	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		serverURL:      serverURL,
		transport:      cfg.Transport,
		fetcher:        fetcher,
		notifier:       notifier,
		ids:            ids,
		connectTimeout: connectTimeout,
		clock:          clock,
		baseLogger:     logger,
		ctx:            ctx,
		cancel:         cancel,
		events:         make(chan loopEvent, eventBufferSize),
		done:           make(chan struct{}),
		state:          StateIdle,
		roster:         roster.New(),
		reactions:      reactions.New(),
		reveals:        reveal.NewController(reveal.ControllerConfig{Handles: cfg.Handles, Logger: logger}),
		logger:         logger,
	}
	go s.run()
	return s, nil
}

// Join connects to room as identity. It blocks until the connection opens (nil), the connect
// timeout elapses (ErrConnectTimeout), the transport fails (wrapping ErrTransport) or ctx ends.
// A transport close before open also reaches the Notifier as ClosedNotice. Only an Idle session
// can join.
func (s *Session) Join(ctx context.Context, room string, identity Identity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	reply := make(chan error, 1)
	if err := s.post(joinRequested{ctx: ctx, room: room, identity: identity, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrShutdown
		}
	}
}

// Send writes intent to the room. It is silently dropped unless the session is Connected.
func (s *Session) Send(intent protocol.Intent) {
	_ = s.post(sendRequested{intent: intent})
}

// SendText sends a plain chat message. Blank content is dropped.
func (s *Session) SendText(content string) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return
	}
	s.Send(protocol.SendMessage{Content: trimmed})
}

// React toggles the joined user's emoji reaction on messageID.
func (s *Session) React(messageID, emoji string) {
	_ = s.post(reactRequested{messageID: messageID, emoji: emoji})
}

// Reveal starts the one-shot fetch of a view-once message's content.
func (s *Session) Reveal(token string) {
	_ = s.post(revealRequested{token: token})
}

// Dismiss releases revealed content and marks it viewed.
func (s *Session) Dismiss(token string) {
	_ = s.post(dismissRequested{token: token})
}

// Snapshot returns a copy of the current session state.
func (s *Session) Snapshot() Snapshot {
	reply := make(chan Snapshot, 1)
	if err := s.post(snapshotRequested{reply: reply}); err != nil {
		return s.final
	}
	select {
	case snapshot := <-reply:
		return snapshot
	case <-s.done:
		return s.final
	}
}

// State returns the current connection state.
func (s *Session) State() State {
	return s.Snapshot().State
}

// Shutdown closes the connection, releases every revealed handle and stops the session goroutine.
// It is idempotent and returns once the goroutine has exited.
func (s *Session) Shutdown() {
	s.shutdownOnce.Do(func() {
		_ = s.post(shutdownRequested{})
	})
	<-s.done
}

func (s *Session) post(event loopEvent) error {
	select {
	case s.events <- event:
		return nil
	case <-s.done:
		return ErrShutdown
	}
}

func (s *Session) run() {
	defer close(s.done)
	defer s.cancel()

	for {
		event := <-s.events
		switch typed := event.(type) {
		case transportEvent:
			s.handleTransport(typed)
		case joinRequested:
			s.handleJoin(typed)
		case joinCancelled:
			s.handleJoinCancelled(typed)
		case connectTimedOut:
			s.handleConnectTimeout(typed)
		case sendRequested:
			s.handleSend(typed.intent)
		case reactRequested:
			s.handleReact(typed)
		case revealRequested:
			s.handleReveal(typed.token)
		case revealFetched:
			s.handleRevealFetched(typed)
		case dismissRequested:
			s.handleDismiss(typed.token)
		case snapshotRequested:
			typed.reply <- s.snapshot()
		case shutdownRequested:
			s.handleShutdown()
			return
		}
	}
}

func (s *Session) handleJoin(event joinRequested) {
	if s.state != StateIdle {
		event.reply <- ErrNotIdle
		return
	}
	handle, err := newRoomHandle(event.room, event.identity)
	if err != nil {
		event.reply <- err
		return
	}

	s.generation++
	generation := s.generation
	s.room = handle
	s.joinReply = event.reply
	s.logger = s.baseLogger.With(zap.String("room", handle.Room), zap.String("user", handle.Identity.Username))
	s.setState(StateConnecting)

	target := transport.Target{BaseURL: s.serverURL, Room: handle.Room, Username: handle.Identity.Username}
	s.conn = s.transport.Open(s.ctx, target, func(update transport.Event) {
		_ = s.post(transportEvent{generation: generation, event: update})
	})
	s.connectTimer = time.AfterFunc(s.connectTimeout, func() {
		_ = s.post(connectTimedOut{generation: generation})
	})
	joinCtx := event.ctx
	s.stopJoinWatch = context.AfterFunc(joinCtx, func() {
		_ = s.post(joinCancelled{generation: generation, err: joinCtx.Err()})
	})
}

func (s *Session) handleJoinCancelled(event joinCancelled) {
	if event.generation != s.generation || s.state != StateConnecting {
		return
	}
	s.logger.Info("join cancelled", zap.Error(event.err))
	s.failConnecting(event.err)
}

func (s *Session) handleConnectTimeout(event connectTimedOut) {
	if event.generation != s.generation || s.state != StateConnecting {
		return
	}
	s.logger.Warn("connect timed out", zap.Duration("timeout", s.connectTimeout))
	s.failConnecting(ErrConnectTimeout)
}

func (s *Session) handleTransport(event transportEvent) {
	if event.generation != s.generation {
		return
	}
	switch typed := event.event.(type) {
	case transport.Opened:
		if s.state != StateConnecting {
			s.logger.Debug("late open ignored", zap.Stringer("state", s.state))
			s.closeConn()
			return
		}
		s.stopConnectWatch()
		s.roster = roster.New()
		s.reactions = reactions.New()
		s.setState(StateConnected)
		s.resolveJoin(nil)
		s.notifier.OnConnected(s.room)
	case transport.Frame:
		if s.state != StateConnected {
			return
		}
		s.handleFrame(typed.Data)
	case transport.Errored:
		if s.state == StateConnecting {
			s.failConnecting(fmt.Errorf("%w: %v", ErrTransport, typed.Err))
		}
	case transport.Closed:
		switch s.state {
		case StateConnecting:
			s.failConnecting(fmt.Errorf("%w: %v", ErrTransport, closeCause(typed.Err)))
			s.notifier.OnClosed(ClosedNotice)
		case StateConnected:
			s.logger.Info("connection closed", zap.Error(typed.Err))
			s.closeConn()
			s.discardRoomState()
			s.setState(StateClosed)
			s.notifier.OnClosed(ClosedNotice)
		}
	}
}

func (s *Session) handleFrame(data []byte) {
	event, err := protocol.Decode(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			s.logger.Debug("frame ignored", zap.Error(err))
		} else {
			s.logger.Warn("frame dropped", zap.Error(err))
		}
		return
	}

	switch typed := event.(type) {
	case protocol.MessageEvent:
		s.handleMessage(typed)
	case protocol.JoinEvent, protocol.LeaveEvent:
		if notice, ok := s.roster.Apply(event); ok {
			s.notifier.OnPresence(notice, s.roster.Online())
		}
	case protocol.ReactionUpdateEvent:
		s.reactions.ApplyServer(typed.MessageID, typed.Emoji, typed.Users)
		s.notifier.OnReactions(typed.MessageID, s.reactions.Reactions(typed.MessageID))
	}
}

func (s *Session) handleMessage(event protocol.MessageEvent) {
	messageID := event.MessageID
	if messageID == "" {
		messageID = s.localID()
	}
	timestamp := event.Timestamp
	if timestamp.IsZero() {
		timestamp = s.clock()
	}

	message := Message{
		ID:        messageID,
		User:      event.User,
		Content:   event.Content,
		ViewOnce:  event.ViewOnce,
		Timestamp: timestamp,
		Own:       event.User == s.room.Identity.Username,
	}
	if event.ViewOnce {
		if token, ok := protocol.ExtractRevealToken(event.Content); ok {
			message.RevealToken = token
			s.reveals.Track(token)
		} else {
			message.Content = protocol.ViewOncePlaceholder
		}
	}
	s.notifier.OnMessage(message)
}

func (s *Session) handleSend(intent protocol.Intent) {
	if s.state != StateConnected {
		s.logger.Debug("send dropped", zap.Stringer("state", s.state), zap.String("type", protocol.TypeOf(intent)))
		return
	}
	s.write(intent)
}

func (s *Session) handleReact(event reactRequested) {
	if s.state != StateConnected {
		s.logger.Debug("reaction dropped", zap.Stringer("state", s.state))
		return
	}
	emoji := strings.TrimSpace(event.emoji)
	if emoji == "" {
		return
	}
	messageID := strings.TrimSpace(event.messageID)
	if messageID == "" {
		messageID = s.localID()
	}

	added := s.reactions.Toggle(messageID, emoji, s.room.Identity.Username)
	s.notifier.OnReactions(messageID, s.reactions.Reactions(messageID))

	if IsLocalID(messageID) {
		s.logger.Debug("reaction kept local", zap.String("message_id", messageID))
		return
	}
	if added {
		s.write(protocol.AddReaction{Emoji: emoji, MessageID: messageID})
		return
	}
	s.write(protocol.RemoveReaction{Emoji: emoji, MessageID: messageID})
}

func (s *Session) handleReveal(token string) {
	if _, ok := s.reveals.Lookup(token); !ok {
		s.logger.Debug("reveal for unknown token ignored", zap.String("token", token))
		return
	}
	if !s.reveals.Begin(token) {
		return
	}
	record, _ := s.reveals.Lookup(token)
	s.notifier.OnReveal(record)

	go func() {
		blob, err := s.fetcher.Fetch(s.ctx, token)
		_ = s.post(revealFetched{token: token, blob: blob, err: err})
	}()
}

func (s *Session) handleRevealFetched(event revealFetched) {
	record := s.reveals.Complete(event.token, event.blob, event.err)
	s.notifier.OnReveal(record)
	if record.Status == reveal.StatusFailed {
		s.notifier.OnNotice("View-once content is not available.")
	}
}

func (s *Session) handleDismiss(token string) {
	if record, changed := s.reveals.Dismiss(token); changed {
		s.notifier.OnReveal(record)
	}
}

func (s *Session) handleShutdown() {
	s.resolveJoin(ErrShutdown)
	s.stopConnectWatch()
	s.closeConn()
	if s.state != StateIdle {
		s.discardRoomState()
		s.setState(StateClosed)
	}
	s.reveals.AbandonPending()
	s.reveals.ReleaseAll()
	s.final = s.snapshot()
}

func (s *Session) failConnecting(err error) {
	s.stopConnectWatch()
	s.closeConn()
	s.discardRoomState()
	s.setState(StateClosed)
	s.resolveJoin(err)
}

func (s *Session) resolveJoin(err error) {
	if s.joinReply == nil {
		return
	}
	s.joinReply <- err
	s.joinReply = nil
}

func (s *Session) stopConnectWatch() {
	if s.connectTimer != nil {
		s.connectTimer.Stop()
		s.connectTimer = nil
	}
	if s.stopJoinWatch != nil {
		s.stopJoinWatch()
		s.stopJoinWatch = nil
	}
}

func (s *Session) closeConn() {
	if s.conn == nil {
		return
	}
	if err := s.conn.Close(); err != nil {
		s.logger.Debug("connection close failed", zap.Error(err))
	}
}

func (s *Session) discardRoomState() {
	s.roster = roster.New()
	s.reactions = reactions.New()
}

func (s *Session) write(intent protocol.Intent) {
	payload, err := protocol.Encode(intent)
	if err != nil {
		s.logger.Warn("intent not encoded", zap.String("type", protocol.TypeOf(intent)), zap.Error(err))
		return
	}
	if err := s.conn.Write(payload); err != nil {
		s.logger.Warn("intent not written", zap.String("type", protocol.TypeOf(intent)), zap.Error(err))
	}
}

func (s *Session) setState(next State) {
	if s.state == next {
		return
	}
	s.logger.Debug("session state changed", zap.Stringer("from", s.state), zap.Stringer("to", next))
	s.state = next
}

func (s *Session) localID() string {
	id, err := s.ids.NewID()
	if err != nil {
		s.logger.Warn("id provider failed", zap.Error(err))
		id = strconv.FormatInt(s.clock().UnixNano(), 10)
	}
	return localIDPrefix + id
}

func (s *Session) snapshot() Snapshot {
	return Snapshot{
		State:     s.state,
		Room:      s.room,
		Online:    s.roster.Online(),
		Reactions: s.reactions.Snapshot(),
		Reveals:   s.reveals.Records(),
	}
}

func closeCause(err error) error {
	if err == nil {
		return errors.New("connection closed before open")
	}
	return err
}
